// Package trace records structured pipeline events. Recorders are
// fire-and-forget: they must not block and must not fail the caller.
package trace

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Event is one recorded pipeline transition.
type Event struct {
	Name string         `json:"name"`
	Time time.Time      `json:"time"`
	Data map[string]any `json:"data,omitempty"`
}

// Recorder receives pipeline events synchronously with each transition,
// so trace ordering matches actual call ordering.
type Recorder interface {
	Record(name string, data map[string]any)
}

// Nop is a Recorder that discards everything.
type Nop struct{}

// Record implements Recorder.
func (Nop) Record(string, map[string]any) {}

// ZapRecorder logs events at debug level through the global logger.
type ZapRecorder struct{}

// Record implements Recorder.
func (ZapRecorder) Record(name string, data map[string]any) {
	zap.L().Debug("trace event", zap.String("event", name), zap.Any("data", data))
}

// Multi fans events out to several recorders.
func Multi(recorders ...Recorder) Recorder {
	return multiRecorder(recorders)
}

type multiRecorder []Recorder

func (m multiRecorder) Record(name string, data map[string]any) {
	for _, r := range m {
		if r != nil {
			r.Record(name, data)
		}
	}
}

// Store holds per-trace event sequences in memory, TTL-bounded with lazy
// read-triggered expiry. Process-lifetime only.
type Store struct {
	ttl       time.Duration
	maxEvents int

	mu     sync.Mutex
	traces map[string]*traceEntry

	nowFunc func() time.Time
}

type traceEntry struct {
	events  []Event
	touched time.Time
}

// NewStore creates a trace store. maxEvents caps each trace's event list;
// older events are dropped first.
func NewStore(ttl time.Duration, maxEvents int) *Store {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	if maxEvents <= 0 {
		maxEvents = 500
	}
	return &Store{
		ttl:       ttl,
		maxEvents: maxEvents,
		traces:    make(map[string]*traceEntry),
		nowFunc:   time.Now,
	}
}

// WithNow sets a fixed clock for testing.
func (s *Store) WithNow(now func() time.Time) *Store {
	s.nowFunc = now
	return s
}

// Recorder returns a Recorder that appends events under the given trace id.
func (s *Store) Recorder(traceID string) Recorder {
	return &storeRecorder{store: s, traceID: traceID}
}

// Events returns the recorded events for a trace id, in record order.
// Expired traces read as empty.
func (s *Store) Events(traceID string) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.expireLocked()
	entry, ok := s.traces[traceID]
	if !ok {
		return nil
	}
	out := make([]Event, len(entry.events))
	copy(out, entry.events)
	return out
}

func (s *Store) append(traceID string, ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.expireLocked()
	entry, ok := s.traces[traceID]
	if !ok {
		entry = &traceEntry{}
		s.traces[traceID] = entry
	}
	entry.events = append(entry.events, ev)
	if len(entry.events) > s.maxEvents {
		entry.events = entry.events[len(entry.events)-s.maxEvents:]
	}
	entry.touched = s.nowFunc()
}

func (s *Store) expireLocked() {
	cutoff := s.nowFunc().Add(-s.ttl)
	for id, entry := range s.traces {
		if entry.touched.Before(cutoff) {
			delete(s.traces, id)
		}
	}
}

type storeRecorder struct {
	store   *Store
	traceID string
}

func (r *storeRecorder) Record(name string, data map[string]any) {
	r.store.append(r.traceID, Event{
		Name: name,
		Time: r.store.nowFunc(),
		Data: data,
	})
}
