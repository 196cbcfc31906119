// Package promise provides one-shot completion handles and the success-any
// fan-in used to merge redundant backend responses.
package promise

import (
	"sync/atomic"
)

// Result is the outcome delivered through a future channel.
type Result[T any] struct {
	Value T
	Err   error
}

// Promise is a one-shot completion handle. The first Resolve or Reject wins;
// later calls are ignored and report false. Safe for concurrent use.
type Promise[T any] struct {
	done atomic.Bool
	fn   func(T, error)
}

// New creates a promise that invokes fn exactly once on completion.
func New[T any](fn func(T, error)) *Promise[T] {
	return &Promise[T]{fn: fn}
}

// NewFuture creates a promise paired with a channel that receives its result.
func NewFuture[T any]() (*Promise[T], <-chan Result[T]) {
	ch := make(chan Result[T], 1)
	p := New(func(v T, err error) {
		ch <- Result[T]{Value: v, Err: err}
	})
	return p, ch
}

// Set completes the promise with v or err.
func (p *Promise[T]) Set(v T, err error) bool {
	if !p.done.CompareAndSwap(false, true) {
		return false
	}
	if p.fn != nil {
		p.fn(v, err)
	}
	return true
}

// Resolve completes the promise successfully.
func (p *Promise[T]) Resolve(v T) bool {
	return p.Set(v, nil)
}

// Reject completes the promise with err.
func (p *Promise[T]) Reject(err error) bool {
	var zero T
	return p.Set(zero, err)
}

// Done reports whether the promise has been completed.
func (p *Promise[T]) Done() bool {
	return p.done.Load()
}
