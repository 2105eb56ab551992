package gate

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdmit_UnderCapacityIsImmediate(t *testing.T) {
	g := New(2)

	release1, err := g.Admit(context.Background(), time.Second, nil)
	require.NoError(t, err)
	release2, err := g.Admit(context.Background(), time.Second, nil)
	require.NoError(t, err)

	assert.Equal(t, 2, g.InFlight())
	release1()
	release2()
	assert.Equal(t, 0, g.InFlight())
}

func TestAdmit_QueueTimeout(t *testing.T) {
	g := New(1)

	release, err := g.Admit(context.Background(), time.Second, nil)
	require.NoError(t, err)
	defer release()

	var position int
	_, err = g.Admit(context.Background(), 20*time.Millisecond, func(pos int) { position = pos })
	assert.ErrorIs(t, err, ErrQueueTimeout)
	assert.Equal(t, 1, position)
	assert.Equal(t, 0, g.Waiting(), "timed-out waiter must leave the queue")
}

func TestAdmit_ContextCancel(t *testing.T) {
	g := New(1)

	release, err := g.Admit(context.Background(), time.Second, nil)
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err = g.Admit(ctx, time.Second, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestGate_AllWaitersEventuallyRun(t *testing.T) {
	g := New(2)

	var inFlight, peak, completed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := Run(context.Background(), g, 5*time.Second, nil, func(ctx context.Context) (struct{}, error) {
				cur := inFlight.Add(1)
				for {
					old := peak.Load()
					if cur <= old || peak.CompareAndSwap(old, cur) {
						break
					}
				}
				time.Sleep(10 * time.Millisecond)
				inFlight.Add(-1)
				completed.Add(1)
				return struct{}{}, nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(5), completed.Load())
	assert.LessOrEqual(t, peak.Load(), int32(2), "capacity must bound concurrency")
	assert.Equal(t, 0, g.InFlight())
	assert.Equal(t, 0, g.Waiting())
}

func TestGate_FIFOOrder(t *testing.T) {
	g := New(1)

	release, err := g.Admit(context.Background(), time.Second, nil)
	require.NoError(t, err)

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup

	enqueued := make(chan struct{})
	for i := 1; i <= 3; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			rel, err := g.Admit(context.Background(), 5*time.Second, func(int) { enqueued <- struct{}{} })
			assert.NoError(t, err)
			mu.Lock()
			order = append(order, n)
			mu.Unlock()
			rel()
		}(i)
		<-enqueued // serialize enqueue order
	}

	release()
	wg.Wait()

	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestRun_QueueTimeoutMeansFnNeverRan(t *testing.T) {
	g := New(1)
	release, err := g.Admit(context.Background(), time.Second, nil)
	require.NoError(t, err)
	defer release()

	ran := false
	_, err = Run(context.Background(), g, 10*time.Millisecond, nil, func(ctx context.Context) (int, error) {
		ran = true
		return 0, nil
	})
	assert.ErrorIs(t, err, ErrQueueTimeout)
	assert.False(t, ran)
}

func TestRelease_DoubleCallIsSafe(t *testing.T) {
	g := New(1)
	release, err := g.Admit(context.Background(), time.Second, nil)
	require.NoError(t, err)

	release()
	release()
	assert.Equal(t, 0, g.InFlight())
}
