package cache

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sells-group/marketmap/internal/model"
)

// PlanEntry is a pending research plan awaiting execution.
type PlanEntry struct {
	Plan      model.Plan
	BaseInput string
	CreatedAt time.Time
}

// Plans stores pending plans by generated id, TTL-bounded. A plan is
// consumed (deleted) when executed or superseded by a replan.
type Plans struct {
	ttl time.Duration

	mu      sync.Mutex
	entries map[string]PlanEntry

	nowFunc func() time.Time
}

// NewPlans creates a plan store with the given TTL.
func NewPlans(ttl time.Duration) *Plans {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &Plans{
		ttl:     ttl,
		entries: make(map[string]PlanEntry),
		nowFunc: time.Now,
	}
}

// WithNow sets a fixed clock for testing.
func (s *Plans) WithNow(now func() time.Time) *Plans {
	s.nowFunc = now
	return s
}

// Create stores a plan and returns its generated id.
func (s *Plans) Create(plan model.Plan, baseInput string) string {
	id := uuid.NewString()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[id] = PlanEntry{
		Plan:      plan,
		BaseInput: baseInput,
		CreatedAt: s.nowFunc(),
	}
	return id
}

// Get returns the plan for id, expiring lazily on read.
func (s *Plans) Get(id string) (PlanEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[id]
	if !ok {
		return PlanEntry{}, false
	}
	if s.nowFunc().Sub(entry.CreatedAt) >= s.ttl {
		delete(s.entries, id)
		return PlanEntry{}, false
	}
	return entry, true
}

// Delete removes a consumed or superseded plan.
func (s *Plans) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, id)
}
