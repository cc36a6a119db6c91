package coalescer

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
)

// ErrClosed is returned by Group.Do once the group has been closed.
var ErrClosed = errors.New("request coalescer is closed")

// FetchFunc performs the underlying request for a key. The context it receives belongs to the fetch, not to any
// single caller: it is cancelled only when the group closes or, under the abort policy, when every waiter has left.
type FetchFunc[V any] func(ctx context.Context) (V, error)

// Options configures a Group.
type Options struct {
	// AbortOnLastCancel cancels an in-flight fetch once every caller waiting on it has cancelled. When false, the
	// fetch runs to completion so its result can still serve future callers.
	AbortOnLastCancel bool
}

/*
Group merges concurrent requests for the same key into a single fetch. The first caller for a key registers an
in-flight call before the fetch starts; later callers join it. When the fetch completes, every waiter is released at
once and observes the identical value and error. A waiter can stop waiting through its own context without affecting
the others.
*/
type Group[K comparable, V any] struct {
	ctx    context.Context
	cancel context.CancelFunc

	lock   sync.Mutex
	calls  map[K]*call[V]
	closed bool

	abortOnLastCancel bool

	launched atomic.Int64
	joined   atomic.Int64
	aborted  atomic.Int64
}

// call is the in-flight marker for one key.
type call[V any] struct {
	done chan struct{}

	// val and err are written once, before done is closed.
	val V
	err error

	// waiters counts callers still waiting, guarded by the group lock.
	waiters int
	cancel  context.CancelFunc

	// aborted marks a call whose last waiter left under the abort policy. It keeps the key until its fetch returns,
	// so a fetch that ignores cancellation never overlaps a newer one. Guarded by the group lock.
	aborted bool
}

// NewGroup creates an empty Group.
func NewGroup[K comparable, V any](opts Options) *Group[K, V] {
	ctx, cancel := context.WithCancel(context.Background())
	return &Group[K, V]{
		ctx:               ctx,
		cancel:            cancel,
		calls:             make(map[K]*call[V]),
		abortOnLastCancel: opts.AbortOnLastCancel,
	}
}

// Do returns the result of fetch for key, sharing an in-flight fetch for the same key if there is one. If ctx ends
// first, Do returns the context's error while the fetch carries on for the remaining waiters. At most one fetch per
// key runs at any time, including fetches that were aborted but have not returned yet.
func (g *Group[K, V]) Do(ctx context.Context, key K, fetch FetchFunc[V]) (V, error) {
	var zero V
	g.lock.Lock()
	if g.closed {
		g.lock.Unlock()
		return zero, ErrClosed
	}

	c, inflight := g.calls[key]
	if inflight && c.aborted {
		// an abandoned fetch still owns the key; start over once it has returned
		g.lock.Unlock()
		select {
		case <-c.done:
			return g.Do(ctx, key, fetch)
		case <-ctx.Done():
			return zero, errors.WithStack(ctx.Err())
		}
	}
	if inflight {
		c.waiters++
		g.joined.Add(1)
	} else {
		fetchCtx, cancel := context.WithCancel(g.ctx)
		c = &call[V]{
			done:    make(chan struct{}),
			waiters: 1,
			cancel:  cancel,
		}
		g.calls[key] = c
		g.launched.Add(1)
		go g.run(fetchCtx, key, c, fetch)
	}
	g.lock.Unlock()

	return g.wait(ctx, key, c)
}

func (g *Group[K, V]) run(ctx context.Context, key K, c *call[V], fetch FetchFunc[V]) {
	val, err := g.invoke(ctx, fetch)

	// results are published and the key released under the lock, so a caller either joins this call or starts a
	// new one after it has fully resolved
	g.lock.Lock()
	c.val, c.err = val, err
	if g.calls[key] == c {
		delete(g.calls, key)
	}
	close(c.done)
	g.lock.Unlock()
	c.cancel()
}

func (g *Group[K, V]) invoke(ctx context.Context, fetch FetchFunc[V]) (val V, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("fetch panicked: %v", r)
		}
	}()
	return fetch(ctx)
}

func (g *Group[K, V]) wait(ctx context.Context, key K, c *call[V]) (V, error) {
	select {
	case <-c.done:
		return c.val, c.err
	case <-ctx.Done():
	}

	g.lock.Lock()
	select {
	case <-c.done:
		// resolved while we were acquiring the lock, so the result is ours after all
		g.lock.Unlock()
		return c.val, c.err
	default:
	}
	c.waiters--
	abort := g.abortOnLastCancel && c.waiters == 0
	if abort {
		// newcomers must not join a doomed fetch; they wait for it to return and start a fresh one
		c.aborted = true
	}
	g.lock.Unlock()

	if abort {
		g.aborted.Add(1)
		c.cancel()
	}
	var zero V
	return zero, errors.WithStack(ctx.Err())
}

// Close cancels every in-flight fetch and rejects further calls. Callers already waiting receive the error their
// fetch returns on cancellation.
func (g *Group[K, V]) Close() {
	g.lock.Lock()
	g.closed = true
	g.lock.Unlock()
	g.cancel()
}

// Stats describes the activity of a Group.
type Stats struct {
	// Launched counts fetches started.
	Launched int64
	// Joined counts callers that shared an already in-flight fetch.
	Joined int64
	// Aborted counts fetches cancelled because their last waiter left.
	Aborted int64
	// InFlight is the number of keys currently being fetched.
	InFlight int
}

// Stats returns a snapshot of the group's counters.
func (g *Group[K, V]) Stats() Stats {
	g.lock.Lock()
	inflight := len(g.calls)
	g.lock.Unlock()
	return Stats{
		Launched: g.launched.Load(),
		Joined:   g.joined.Load(),
		Aborted:  g.aborted.Load(),
		InFlight: inflight,
	}
}
