// Package gate caps the number of simultaneous upstream orchestration
// calls process-wide. Excess callers wait in FIFO order or give up after
// a timeout. This is the only cross-request synchronization point in the
// system; the cap bounds load on one external API key.
package gate

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
)

// ErrQueueTimeout is returned when a caller waited longer than its queue
// timeout. It is a backpressure status, not a failure of the task: callers
// should treat it as "system busy" and fall back to stale cache.
var ErrQueueTimeout = eris.New("gate: queue wait timed out")

// Gate is an N-slot FIFO admission gate.
type Gate struct {
	mu       sync.Mutex
	capacity int
	inFlight int
	waiters  []*waiter
}

type waiter struct {
	ready    chan struct{}
	admitted bool
}

// New creates a gate admitting up to capacity concurrent tasks.
func New(capacity int) *Gate {
	if capacity <= 0 {
		capacity = 3
	}
	return &Gate{capacity: capacity}
}

// Admit blocks until a slot is free or timeout elapses. On success it
// returns a release function that must be called exactly once. onPosition,
// when non-nil, is told the caller's 1-based queue position on enqueue.
func (g *Gate) Admit(ctx context.Context, timeout time.Duration, onPosition func(int)) (func(), error) {
	g.mu.Lock()
	if g.inFlight < g.capacity {
		g.inFlight++
		g.mu.Unlock()
		return g.releaseOnce(), nil
	}

	w := &waiter{ready: make(chan struct{})}
	g.waiters = append(g.waiters, w)
	position := len(g.waiters)
	g.mu.Unlock()

	if onPosition != nil {
		onPosition(position)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-w.ready:
		return g.releaseOnce(), nil
	case <-timer.C:
		return nil, g.abandon(w, ErrQueueTimeout)
	case <-ctx.Done():
		return nil, g.abandon(w, ctx.Err())
	}
}

// abandon removes w from the queue, unless admission raced the timeout,
// in which case the slot is handed straight to the next waiter.
func (g *Gate) abandon(w *waiter, cause error) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if w.admitted {
		g.releaseLocked()
		return cause
	}
	for i, queued := range g.waiters {
		if queued == w {
			g.waiters = append(g.waiters[:i], g.waiters[i+1:]...)
			break
		}
	}
	return cause
}

// releaseOnce returns a release func safe against double invocation.
func (g *Gate) releaseOnce() func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			defer g.mu.Unlock()
			g.releaseLocked()
		})
	}
}

// releaseLocked frees a slot, admitting the head waiter if any. The slot
// transfers directly, so inFlight never dips and FIFO order holds.
func (g *Gate) releaseLocked() {
	if len(g.waiters) > 0 {
		next := g.waiters[0]
		g.waiters = g.waiters[1:]
		next.admitted = true
		close(next.ready)
		return
	}
	g.inFlight--
}

// InFlight returns the number of currently admitted tasks.
func (g *Gate) InFlight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inFlight
}

// Waiting returns the current queue depth.
func (g *Gate) Waiting() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.waiters)
}

// Run admits fn through the gate, waiting at most timeout for a slot.
// Exceptions from fn propagate; an ErrQueueTimeout means fn never ran.
func Run[T any](ctx context.Context, g *Gate, timeout time.Duration, onPosition func(int), fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	release, err := g.Admit(ctx, timeout, onPosition)
	if err != nil {
		return zero, err
	}
	defer release()

	return fn(ctx)
}
