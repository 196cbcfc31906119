package dashboard

import (
	"sync"
	"time"
)

// DefaultHealthLogSize is how many transitions a HealthLog keeps by default.
const DefaultHealthLogSize = 20

// HealthEvent is one worker liveness transition.
type HealthEvent struct {
	Time  time.Time `json:"time"`
	Index int       `json:"index"`
	Alive bool      `json:"alive"`
	Seqno int32     `json:"seqno"`
}

// HealthLog keeps the most recent worker health transitions. Record matches
// multiclient.Config.OnHealthChange. Safe for concurrent use.
type HealthLog struct {
	mu     sync.Mutex
	events []HealthEvent
	limit  int
	now    func() time.Time
}

// NewHealthLog creates a log holding up to limit events.
func NewHealthLog(limit int) *HealthLog {
	if limit <= 0 {
		limit = DefaultHealthLogSize
	}
	return &HealthLog{limit: limit, now: time.Now}
}

// Record appends a transition, dropping the oldest one when full.
func (l *HealthLog) Record(index int, alive bool, seqno int32) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, HealthEvent{Time: l.now(), Index: index, Alive: alive, Seqno: seqno})
	if over := len(l.events) - l.limit; over > 0 {
		l.events = append(l.events[:0], l.events[over:]...)
	}
}

// Recent returns the recorded transitions, newest first.
func (l *HealthLog) Recent() []HealthEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]HealthEvent, len(l.events))
	for i, ev := range l.events {
		out[len(l.events)-1-i] = ev
	}
	return out
}
