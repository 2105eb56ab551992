// Package cache provides the process-local TTL stores: finished result
// payloads (indexed by input text and by inferred category) and pending
// research plans. No durability; everything dies with the process.
package cache

import (
	"strings"
	"sync"
	"time"

	"golang.org/x/text/cases"

	"github.com/sells-group/marketmap/internal/model"
)

var keyFolder = cases.Fold()

// Key folds an input or category string into a cache key: case-folded,
// whitespace-collapsed. Distinct phrasings of the same category collide
// on purpose.
func Key(s string) string {
	folded := keyFolder.String(strings.TrimSpace(s))
	return strings.Join(strings.Fields(folded), " ")
}

// Entry is a cached payload with its insertion time.
type Entry struct {
	Payload  model.Payload
	StoredAt time.Time
}

// Results caches finished result payloads under two independent indices:
// the raw input text and the normalized inferred category, so a later
// differently-worded query for the same category still hits.
type Results struct {
	ttl time.Duration

	mu         sync.Mutex
	byInput    map[string]Entry
	byCategory map[string]Entry

	nowFunc func() time.Time
}

// NewResults creates a result cache with the given TTL.
func NewResults(ttl time.Duration) *Results {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &Results{
		ttl:        ttl,
		byInput:    make(map[string]Entry),
		byCategory: make(map[string]Entry),
		nowFunc:    time.Now,
	}
}

// WithNow sets a fixed clock for testing.
func (c *Results) WithNow(now func() time.Time) *Results {
	c.nowFunc = now
	return c
}

// Put stores a payload under the input key, and under the payload's
// category when it has one. Apology payloads are never cached.
func (c *Results) Put(input string, p model.Payload) {
	if p.Mode != model.ModeResults {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	entry := Entry{Payload: p, StoredAt: c.nowFunc()}
	c.byInput[Key(input)] = entry
	if cat := Key(p.Category); cat != "" {
		c.byCategory[cat] = entry
	}
}

// Get returns a fresh cached payload for the input text, trying the input
// index first and the category index second.
func (c *Results) Get(input string) (model.Payload, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := Key(input)
	if entry, ok := c.lookupLocked(c.byInput, key, false); ok {
		return entry.Payload, true
	}
	if entry, ok := c.lookupLocked(c.byCategory, key, false); ok {
		return entry.Payload, true
	}
	return model.Payload{}, false
}

// GetByCategory returns a fresh cached payload for a category.
func (c *Results) GetByCategory(category string) (model.Payload, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.lookupLocked(c.byCategory, Key(category), false)
	if !ok {
		return model.Payload{}, false
	}
	return entry.Payload, true
}

// GetStale is Get without the TTL check. Used when the admission gate
// times out and a stale answer beats no answer.
func (c *Results) GetStale(input string) (model.Payload, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := Key(input)
	if entry, ok := c.lookupLocked(c.byInput, key, true); ok {
		return entry.Payload, true
	}
	if entry, ok := c.lookupLocked(c.byCategory, key, true); ok {
		return entry.Payload, true
	}
	return model.Payload{}, false
}

// lookupLocked reads one index with lazy expiry. Stale entries are only
// deleted on non-stale reads so GetStale can still see them.
func (c *Results) lookupLocked(index map[string]Entry, key string, allowStale bool) (Entry, bool) {
	entry, ok := index[key]
	if !ok {
		return Entry{}, false
	}
	if c.nowFunc().Sub(entry.StoredAt) >= c.ttl {
		if allowStale {
			return entry, true
		}
		return Entry{}, false
	}
	return entry, true
}
