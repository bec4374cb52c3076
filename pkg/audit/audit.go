// Package audit records the lifecycle of a request as an append-only
// event stream keyed by request id. Sinks are composable; a sink that
// additionally supports reading back implements Queryable.
package audit

import (
	"context"
	"sync"
	"time"
)

// Level classifies an event.
type Level string

const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Stage names the lifecycle phase an event belongs to.
type Stage string

const (
	StageReceive   Stage = "receive"
	StageValidate  Stage = "validate"
	StageTranslate Stage = "translate"
	StagePolicy    Stage = "policy"
	StageExecute   Stage = "execute"
	StageCallback  Stage = "callback"
)

// Event is one audit entry. Events for a request are ordered by
// insertion; Timestamp is informational.
type Event struct {
	RequestID string         `json:"request_id"`
	Timestamp time.Time      `json:"timestamp"`
	Level     Level          `json:"level"`
	Stage     Stage          `json:"stage"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
}

// Sink accepts events. Append failures are the caller's to handle; the
// engine logs them and continues, so a broken sink never blocks a
// request.
type Sink interface {
	Append(ctx context.Context, e Event) error
}

// Queryable is the optional read-back capability. The audit HTTP
// endpoint requires it and answers 501 when the configured sink lacks
// it.
type Queryable interface {
	Query(ctx context.Context, requestID string, limit int) ([]Event, error)
}

// defaultEventCap bounds the per-request event count in the memory sink
// so a pathological request cannot grow without bound.
const defaultEventCap = 10000

// MemorySink keeps events per request, in insertion order.
type MemorySink struct {
	mu     sync.RWMutex
	events map[string][]Event
	cap    int
}

// NewMemorySink creates a memory sink with the default per-request cap.
func NewMemorySink() *MemorySink {
	return &MemorySink{events: make(map[string][]Event), cap: defaultEventCap}
}

func (s *MemorySink) Append(_ context.Context, e Event) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.events[e.RequestID]) >= s.cap {
		return nil
	}
	s.events[e.RequestID] = append(s.events[e.RequestID], e)
	return nil
}

func (s *MemorySink) Query(_ context.Context, requestID string, limit int) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	events := s.events[requestID]
	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	out := make([]Event, len(events))
	copy(out, events)
	return out, nil
}

// Tee appends to every sink and queries from the first queryable one.
type Tee struct {
	sinks []Sink
}

// NewTee composes sinks. A nil sink is skipped.
func NewTee(sinks ...Sink) *Tee {
	t := &Tee{}
	for _, s := range sinks {
		if s != nil {
			t.sinks = append(t.sinks, s)
		}
	}
	return t
}

// Append fans the event out. The first error is returned after every
// sink has seen the event.
func (t *Tee) Append(ctx context.Context, e Event) error {
	var first error
	for _, s := range t.sinks {
		if err := s.Append(ctx, e); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// QueryableOf resolves the queryable view of a sink, unwrapping Tee
// composition. ok is false when nothing underneath can read back.
func QueryableOf(s Sink) (Queryable, bool) {
	if t, ok := s.(*Tee); ok {
		for _, child := range t.sinks {
			if q, ok := QueryableOf(child); ok {
				return q, true
			}
		}
		return nil, false
	}
	q, ok := s.(Queryable)
	return q, ok
}
