// Package session pins a selected set of workers so a caller can repeat a
// logical operation against the same backends.
package session

import (
	"sort"
	"strconv"
	"strings"
	"time"
)

// Session is an immutable worker subset plus its creation time. It is safe
// for concurrent use.
type Session struct {
	workers   []int
	createdAt time.Time
}

// New creates a session over workers, created now.
func New(workers []int) *Session {
	return NewAt(workers, time.Now())
}

// NewAt creates a session with an explicit creation time. The worker list is
// copied, sorted and deduplicated.
func NewAt(workers []int, createdAt time.Time) *Session {
	ws := make([]int, len(workers))
	copy(ws, workers)
	sort.Ints(ws)

	out := ws[:0]
	for i, w := range ws {
		if i > 0 && w == ws[i-1] {
			continue
		}
		out = append(out, w)
	}

	return &Session{
		workers:   out,
		createdAt: createdAt,
	}
}

// Workers returns a copy of the pinned worker indices in ascending order.
func (s *Session) Workers() []int {
	if s == nil {
		return nil
	}
	out := make([]int, len(s.workers))
	copy(out, s.workers)
	return out
}

// Len returns the number of pinned workers.
func (s *Session) Len() int {
	if s == nil {
		return 0
	}
	return len(s.workers)
}

// CreatedAt returns the session creation time.
func (s *Session) CreatedAt() time.Time {
	return s.createdAt
}

// Elapsed returns the time since the session was created.
func (s *Session) Elapsed() time.Duration {
	return time.Since(s.createdAt)
}

// Valid reports whether the session pins at least one worker.
func (s *Session) Valid() bool {
	return s != nil && len(s.workers) > 0
}

// String renders the session as ":<workers>:<elapsed ms>".
func (s *Session) String() string {
	if s == nil {
		return "::"
	}
	parts := make([]string, len(s.workers))
	for i, w := range s.workers {
		parts[i] = strconv.Itoa(w)
	}
	return ":" + strings.Join(parts, ",") + ":" + strconv.FormatInt(s.Elapsed().Milliseconds(), 10)
}
