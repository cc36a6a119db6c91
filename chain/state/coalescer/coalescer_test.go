package coalescer

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func waitForWaiters(t *testing.T, g *Group[string, int], n int64) {
	assert.Eventually(t, func() bool {
		stats := g.Stats()
		return stats.Launched+stats.Joined >= n
	}, 5*time.Second, time.Millisecond)
}

// TestGroupSharesFetch tests that concurrent callers for one key share a single fetch and observe the same result.
func TestGroupSharesFetch(t *testing.T) {
	g := NewGroup[string, int](Options{})
	defer g.Close()

	var fetches atomic.Int32
	gate := make(chan struct{})
	fetch := func(ctx context.Context) (int, error) {
		fetches.Add(1)
		<-gate
		return 42, nil
	}

	callers := 16
	results := make([]int, callers)
	var wg sync.WaitGroup
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func(i int) {
			defer wg.Done()
			val, err := g.Do(context.Background(), "key", fetch)
			assert.NoError(t, err)
			results[i] = val
		}(i)
	}
	waitForWaiters(t, g, int64(callers))
	close(gate)
	wg.Wait()

	assert.EqualValues(t, 1, fetches.Load())
	for _, val := range results {
		assert.Equal(t, 42, val)
	}
	stats := g.Stats()
	assert.EqualValues(t, 1, stats.Launched)
	assert.EqualValues(t, callers-1, stats.Joined)
	assert.Equal(t, 0, stats.InFlight)

	// a resolved key is fetched again by the next caller
	_, err := g.Do(context.Background(), "key", fetch)
	assert.NoError(t, err)
	assert.EqualValues(t, 2, fetches.Load())
}

// TestGroupDistinctKeys tests that different keys never share a fetch.
func TestGroupDistinctKeys(t *testing.T) {
	g := NewGroup[string, int](Options{})
	defer g.Close()

	a, err := g.Do(context.Background(), "a", func(context.Context) (int, error) { return 1, nil })
	assert.NoError(t, err)
	b, err := g.Do(context.Background(), "b", func(context.Context) (int, error) { return 2, nil })
	assert.NoError(t, err)
	assert.Equal(t, 1, a)
	assert.Equal(t, 2, b)
	assert.EqualValues(t, 2, g.Stats().Launched)
}

// TestGroupBroadcastsErrors tests that a failure reaches every waiter, and that panics are reported as errors.
func TestGroupBroadcastsErrors(t *testing.T) {
	g := NewGroup[string, int](Options{})
	defer g.Close()

	fetchErr := errors.New("boom")
	gate := make(chan struct{})
	errs := make([]error, 4)
	var wg sync.WaitGroup
	wg.Add(len(errs))
	for i := range errs {
		go func(i int) {
			defer wg.Done()
			_, errs[i] = g.Do(context.Background(), "key", func(context.Context) (int, error) {
				<-gate
				return 0, fetchErr
			})
		}(i)
	}
	waitForWaiters(t, g, int64(len(errs)))
	close(gate)
	wg.Wait()
	for _, err := range errs {
		assert.ErrorIs(t, err, fetchErr)
	}

	_, err := g.Do(context.Background(), "panics", func(context.Context) (int, error) {
		panic("unexpected")
	})
	assert.ErrorContains(t, err, "unexpected")
}

// TestGroupWaiterCancellation tests that a cancelled waiter leaves without disturbing the fetch or other waiters.
func TestGroupWaiterCancellation(t *testing.T) {
	g := NewGroup[string, int](Options{})
	defer g.Close()

	gate := make(chan struct{})
	fetchErr := make(chan error, 1)
	fetch := func(ctx context.Context) (int, error) {
		<-gate
		fetchErr <- ctx.Err()
		return 7, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancelled := make(chan error)
	go func() {
		_, err := g.Do(ctx, "key", fetch)
		cancelled <- err
	}()
	waitForWaiters(t, g, 1)

	patient := make(chan int)
	go func() {
		val, err := g.Do(context.Background(), "key", fetch)
		assert.NoError(t, err)
		patient <- val
	}()
	waitForWaiters(t, g, 2)

	cancel()
	assert.ErrorIs(t, <-cancelled, context.Canceled)

	close(gate)
	assert.Equal(t, 7, <-patient)
	assert.NoError(t, <-fetchErr)
	assert.EqualValues(t, 0, g.Stats().Aborted)
}

// TestGroupAbortOnLastCancel tests that a fetch is cancelled once its last waiter leaves, and that the key is
// released for a fresh fetch.
func TestGroupAbortOnLastCancel(t *testing.T) {
	g := NewGroup[string, int](Options{AbortOnLastCancel: true})
	defer g.Close()

	aborted := make(chan error, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancelled := make(chan error)
	go func() {
		_, err := g.Do(ctx, "key", func(fetchCtx context.Context) (int, error) {
			<-fetchCtx.Done()
			aborted <- fetchCtx.Err()
			return 0, fetchCtx.Err()
		})
		cancelled <- err
	}()
	waitForWaiters(t, g, 1)

	cancel()
	assert.ErrorIs(t, <-cancelled, context.Canceled)
	assert.ErrorIs(t, <-aborted, context.Canceled)
	assert.EqualValues(t, 1, g.Stats().Aborted)

	val, err := g.Do(context.Background(), "key", func(context.Context) (int, error) { return 3, nil })
	assert.NoError(t, err)
	assert.Equal(t, 3, val)
	assert.EqualValues(t, 2, g.Stats().Launched)
}

// TestGroupAbortedFetchHoldsKey tests that a fetch ignoring cancellation keeps its key after being aborted, so a new
// caller waits for it to return before starting its own fetch.
func TestGroupAbortedFetchHoldsKey(t *testing.T) {
	g := NewGroup[string, int](Options{AbortOnLastCancel: true})
	defer g.Close()

	unblock := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	cancelled := make(chan error)
	go func() {
		_, err := g.Do(ctx, "key", func(context.Context) (int, error) {
			<-unblock
			return 1, nil
		})
		cancelled <- err
	}()
	waitForWaiters(t, g, 1)

	cancel()
	assert.ErrorIs(t, <-cancelled, context.Canceled)
	assert.EqualValues(t, 1, g.Stats().Aborted)
	assert.Equal(t, 1, g.Stats().InFlight)

	started := make(chan struct{})
	result := make(chan int)
	go func() {
		val, err := g.Do(context.Background(), "key", func(context.Context) (int, error) {
			close(started)
			return 2, nil
		})
		assert.NoError(t, err)
		result <- val
	}()

	select {
	case <-started:
		t.Fatal("a second fetch started while the aborted one was still running")
	case <-time.After(50 * time.Millisecond):
	}

	close(unblock)
	assert.Equal(t, 2, <-result)
	assert.EqualValues(t, 2, g.Stats().Launched)
	assert.EqualValues(t, 0, g.Stats().Joined)
	assert.Equal(t, 0, g.Stats().InFlight)

	// a caller giving up while waiting on an aborted fetch leaves without starting one
	unblock = make(chan struct{})
	ctx, cancel = context.WithCancel(context.Background())
	go func() {
		_, err := g.Do(ctx, "key", func(context.Context) (int, error) {
			<-unblock
			return 3, nil
		})
		cancelled <- err
	}()
	waitForWaiters(t, g, 3)
	cancel()
	assert.ErrorIs(t, <-cancelled, context.Canceled)

	late, lateCancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer lateCancel()
	_, err := g.Do(late, "key", func(context.Context) (int, error) { return 4, nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.EqualValues(t, 3, g.Stats().Launched)
	close(unblock)
}

// TestGroupClose tests that closing a group cancels in-flight fetches and rejects new calls.
func TestGroupClose(t *testing.T) {
	g := NewGroup[string, int](Options{})

	waiting := make(chan error)
	go func() {
		_, err := g.Do(context.Background(), "key", func(ctx context.Context) (int, error) {
			<-ctx.Done()
			return 0, errors.WithStack(ctx.Err())
		})
		waiting <- err
	}()
	waitForWaiters(t, g, 1)

	g.Close()
	assert.ErrorIs(t, <-waiting, context.Canceled)

	_, err := g.Do(context.Background(), "key", func(context.Context) (int, error) { return 1, nil })
	assert.ErrorIs(t, err, ErrClosed)
}
