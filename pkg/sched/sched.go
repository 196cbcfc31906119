// Package sched runs actor mailboxes on a fixed pool of goroutines.
//
// Each Mailbox is a FIFO of closures executed by at most one pool goroutine at
// a time, so state owned by a mailbox needs no locking as long as it is only
// touched from closures sent to that mailbox. Timers post into mailboxes
// instead of running on their own goroutines.
//
// Usage:
//
//	s := sched.New(2)
//	s.Start()
//	defer s.Stop()
//
//	mb := s.NewMailbox()
//	mb.Send(func() { counter++ })
//	mb.After(time.Second, func() { counter-- })
package sched

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// ErrStopped is returned when work is submitted to a stopped scheduler.
var ErrStopped = errors.New("scheduler is stopped")

// DefaultBatch is how many closures a goroutine runs from one mailbox before
// yielding it back to the run queue.
const DefaultBatch = 64

// Scheduler is a fixed-size goroutine pool draining mailboxes.
type Scheduler struct {
	threads int

	mu    sync.Mutex
	cond  *sync.Cond
	ready []*Mailbox

	started atomic.Bool
	stopped atomic.Bool
	wg      sync.WaitGroup
}

// New creates a scheduler with the given number of goroutines (minimum 1).
func New(threads int) *Scheduler {
	if threads < 1 {
		threads = 1
	}
	s := &Scheduler{threads: threads}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Threads returns the pool size.
func (s *Scheduler) Threads() int {
	return s.threads
}

// Start launches the pool goroutines. Calling Start twice is a no-op.
func (s *Scheduler) Start() {
	if s.started.Swap(true) {
		return
	}
	for i := 0; i < s.threads; i++ {
		s.wg.Add(1)
		go s.loop()
	}
}

// Stop terminates the pool. Queued closures that have not started are
// dropped. Stop must not be called from inside a mailbox closure.
func (s *Scheduler) Stop() {
	if s.stopped.Swap(true) {
		return
	}
	s.mu.Lock()
	s.ready = nil
	s.cond.Broadcast()
	s.mu.Unlock()
	s.wg.Wait()
}

// Stopped reports whether Stop was called.
func (s *Scheduler) Stopped() bool {
	return s.stopped.Load()
}

// NewMailbox creates a mailbox bound to this scheduler.
func (s *Scheduler) NewMailbox() *Mailbox {
	return &Mailbox{s: s}
}

func (s *Scheduler) enqueue(mb *Mailbox) {
	s.mu.Lock()
	if s.stopped.Load() {
		s.mu.Unlock()
		return
	}
	s.ready = append(s.ready, mb)
	s.cond.Signal()
	s.mu.Unlock()
}

func (s *Scheduler) loop() {
	defer s.wg.Done()

	for {
		s.mu.Lock()
		for len(s.ready) == 0 && !s.stopped.Load() {
			s.cond.Wait()
		}
		if s.stopped.Load() {
			s.mu.Unlock()
			return
		}
		mb := s.ready[0]
		s.ready[0] = nil
		s.ready = s.ready[1:]
		s.mu.Unlock()

		mb.run()
	}
}

// Mailbox is a serialized queue of closures.
type Mailbox struct {
	s *Scheduler

	mu        sync.Mutex
	queue     []func()
	scheduled bool
	closed    bool
}

// Send queues fn. It returns false if the mailbox or scheduler is closed.
func (m *Mailbox) Send(fn func()) bool {
	if m.s.stopped.Load() {
		return false
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.queue = append(m.queue, fn)
	if m.scheduled {
		m.mu.Unlock()
		return true
	}
	m.scheduled = true
	m.mu.Unlock()

	m.s.enqueue(m)
	return true
}

// After queues fn once d has elapsed. The returned timer may be stopped to
// cancel the delivery.
func (m *Mailbox) After(d time.Duration, fn func()) *time.Timer {
	return time.AfterFunc(d, func() {
		m.Send(fn)
	})
}

// Close rejects further sends and drops queued closures.
func (m *Mailbox) Close() {
	m.mu.Lock()
	m.closed = true
	m.queue = nil
	m.mu.Unlock()
}

func (m *Mailbox) run() {
	m.mu.Lock()
	n := len(m.queue)
	if n > DefaultBatch {
		n = DefaultBatch
	}
	batch := make([]func(), n)
	copy(batch, m.queue[:n])
	m.queue = m.queue[n:]
	m.mu.Unlock()

	for _, fn := range batch {
		if m.s.stopped.Load() {
			return
		}
		fn()
	}

	m.mu.Lock()
	if len(m.queue) == 0 || m.closed {
		m.scheduled = false
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	m.s.enqueue(m)
}
