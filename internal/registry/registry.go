// Package registry caches the upstream model listing and selects fallback
// models when the current one fails.
package registry

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/marketmap/pkg/gemini"
)

// DefaultTTL is how long a model listing stays fresh.
const DefaultTTL = 10 * time.Minute

// Registry serves the set of generation-capable model identifiers, cached
// with a TTL so the listing endpoint is not hammered. On listing failure
// it degrades to the last good listing, or an empty set.
type Registry struct {
	client gemini.Client
	ttl    time.Duration

	mu        sync.Mutex
	cached    []string
	fetchedAt time.Time

	nowFunc func() time.Time
}

// New creates a registry over the given client. A non-positive ttl uses
// DefaultTTL.
func New(client gemini.Client, ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Registry{
		client:  client,
		ttl:     ttl,
		nowFunc: time.Now,
	}
}

// WithNow sets a fixed clock for testing.
func (r *Registry) WithNow(now func() time.Time) *Registry {
	r.nowFunc = now
	return r
}

// Models returns the generation-capable model identifiers. Never fails:
// listing errors are logged and the last good cache (possibly empty) is
// returned instead.
func (r *Registry) Models(ctx context.Context) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.nowFunc()
	if r.cached != nil && now.Sub(r.fetchedAt) < r.ttl {
		return r.cached
	}

	infos, err := r.client.ListModels(ctx)
	if err != nil {
		zap.L().Warn("registry: model listing failed, using last good cache",
			zap.Int("cached", len(r.cached)),
			zap.Error(err),
		)
		return r.cached
	}

	var ids []string
	for _, info := range infos {
		if info.SupportsGeneration() {
			ids = append(ids, info.ID())
		}
	}
	if ids == nil {
		ids = []string{}
	}

	r.cached = ids
	r.fetchedAt = now
	return r.cached
}
