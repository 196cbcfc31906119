package promise

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// ErrNoPromises is the aggregate cause when a fan-in is created with n < 1.
var ErrNoPromises = errors.New("no sub-requests dispatched")

// WorkerError is one failed sub-request.
type WorkerError struct {
	Worker int
	Err    error
}

// AggregateError is returned when every sub-request failed. Errors are listed
// in arrival order.
type AggregateError struct {
	Total  int
	Errors []WorkerError
}

// Error implements the error interface.
func (e *AggregateError) Error() string {
	if e.Total == 0 {
		return ErrNoPromises.Error()
	}
	return fmt.Sprintf("all %d requests failed", e.Total)
}

// Unwrap exposes the per-worker errors to errors.Is and errors.As.
func (e *AggregateError) Unwrap() []error {
	errs := make([]error, 0, len(e.Errors))
	for _, we := range e.Errors {
		errs = append(errs, we.Err)
	}
	return errs
}

// SuccessAny merges n sub-promises into one outer promise. The outer promise
// resolves with the first successful sub-result, or with an *AggregateError
// once all n have failed.
//
// n is fixed at construction, so early failures cannot complete the outer
// promise before the remaining sub-promises are handed out.
type SuccessAny[T any] struct {
	outer   *Promise[T]
	pending atomic.Int64

	mu   sync.Mutex
	done bool
	errs []WorkerError
	n    int
}

// NewSuccessAny wraps outer for n sub-requests.
func NewSuccessAny[T any](outer *Promise[T], n int) *SuccessAny[T] {
	s := &SuccessAny[T]{
		outer: outer,
		n:     n,
	}
	s.pending.Store(int64(n))
	if n < 1 {
		s.done = true
		outer.Reject(&AggregateError{})
	}
	return s
}

// Promise returns the sub-promise for the given worker index.
func (s *SuccessAny[T]) Promise(worker int) *Promise[T] {
	return New(func(v T, err error) {
		s.deliver(worker, v, err)
	})
}

// Pending returns the number of sub-results not yet observed.
func (s *SuccessAny[T]) Pending() int {
	return int(s.pending.Load())
}

func (s *SuccessAny[T]) deliver(worker int, v T, err error) {
	s.mu.Lock()
	left := s.pending.Add(-1)
	if s.done {
		s.mu.Unlock()
		return
	}

	if err == nil {
		s.done = true
		s.mu.Unlock()
		s.outer.Resolve(v)
		return
	}

	s.errs = append(s.errs, WorkerError{Worker: worker, Err: err})
	if left > 0 {
		s.mu.Unlock()
		return
	}

	s.done = true
	agg := &AggregateError{Total: s.n, Errors: s.errs}
	s.errs = nil
	s.mu.Unlock()
	s.outer.Reject(agg)
}
