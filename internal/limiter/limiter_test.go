package limiter

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTryAcquireRespectsCapacity(t *testing.T) {
	l := New(2)
	assert.True(t, l.TryAcquire())
	assert.True(t, l.TryAcquire())
	assert.False(t, l.TryAcquire())
	assert.Equal(t, Stats{Limit: 2, Current: 2, Waiting: 0}, l.Stats())
}

func TestAcquireTimeoutZeroRejectsWithoutQueueing(t *testing.T) {
	l := New(1)
	require.True(t, l.TryAcquire())

	zero := time.Duration(0)
	err := l.Acquire(context.Background(), &zero)
	assert.ErrorIs(t, err, ErrCapacity)
	assert.Equal(t, 0, l.Stats().Waiting)
}

func TestAcquireTimeoutElapses(t *testing.T) {
	l := New(1)
	require.True(t, l.TryAcquire())

	timeout := 20 * time.Millisecond
	err := l.Acquire(context.Background(), &timeout)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, 0, l.Stats().Waiting)
}

func TestAcquireContextCancellation(t *testing.T) {
	l := New(1)
	require.True(t, l.TryAcquire())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Acquire(ctx, nil) }()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Acquire did not observe cancellation")
	}
	assert.Equal(t, 0, l.Stats().Waiting)
}

func TestReleaseHandsSlotToFIFOHeadWaiter(t *testing.T) {
	l := New(1)
	require.True(t, l.TryAcquire())

	order := make(chan int, 3)
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		i := i
		go func() {
			defer wg.Done()
			// Stagger enqueue order deterministically.
			time.Sleep(time.Duration(i) * 5 * time.Millisecond)
			if err := l.Acquire(context.Background(), nil); err == nil {
				order <- i
				l.Release()
			}
		}()
	}

	time.Sleep(20 * time.Millisecond) // let all three queue up
	l.Release()                       // release the initial TryAcquire holder

	wg.Wait()
	close(order)

	var got []int
	for v := range order {
		got = append(got, v)
	}
	assert.Equal(t, []int{0, 1, 2}, got)
}

func TestClearWaitersRejectsQueuedAcquires(t *testing.T) {
	l := New(1)
	require.True(t, l.TryAcquire())

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() { errs <- l.Acquire(context.Background(), nil) }()
	}

	// Give both goroutines time to enqueue.
	deadline := time.After(time.Second)
	for l.Stats().Waiting < 2 {
		select {
		case <-deadline:
			t.Fatal("waiters never queued")
		case <-time.After(time.Millisecond):
		}
	}

	l.ClearWaiters("shutdown")

	for i := 0; i < 2; i++ {
		err := <-errs
		var shutdownErr *ShutdownError
		assert.ErrorAs(t, err, &shutdownErr)
		assert.Equal(t, "shutdown", shutdownErr.Reason)
	}
}

// TestInvariantNeverExceedsCapacity stresses many goroutines against a
// fixed capacity and asserts the observed concurrent-holder count never
// exceeds it (spec.md §8 property: 0 <= current <= N).
func TestInvariantNeverExceedsCapacity(t *testing.T) {
	const capacity = 4
	const workers = 50
	l := New(capacity)

	var inFlight int32
	var maxSeen int32
	var wg sync.WaitGroup

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				if err := l.Acquire(context.Background(), nil); err != nil {
					return
				}
				n := atomic.AddInt32(&inFlight, 1)
				for {
					max := atomic.LoadInt32(&maxSeen)
					if n <= max || atomic.CompareAndSwapInt32(&maxSeen, max, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				atomic.AddInt32(&inFlight, -1)
				l.Release()
			}
		}()
	}

	wg.Wait()
	assert.LessOrEqual(t, int(atomic.LoadInt32(&maxSeen)), capacity)
	assert.Equal(t, Stats{Limit: capacity, Current: 0, Waiting: 0}, l.Stats())
}
