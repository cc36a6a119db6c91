package remote

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/crytic/forkdb/logging"
	"github.com/crytic/medusa-geth/rpc"
	"github.com/pkg/errors"
)

const (
	// DefaultMaxRetries is the number of attempts a ClientPool makes before giving up on a request.
	DefaultMaxRetries = 3

	// DefaultRetryDelay is the base delay between attempts. Attempt n waits n times this delay.
	DefaultRetryDelay = 100 * time.Millisecond
)

/*
ClientPool spreads JSON-RPC requests over a fixed set of connections to one endpoint, round-robin, retrying failed
requests with a linear backoff. Deduplication of identical concurrent requests is not done here: it belongs to the
fork's request coalescer, which knows which requests are semantically identical.
*/
type ClientPool struct {
	rpcClients       []*rpc.Client
	currentClientIdx int
	clientLock       sync.Mutex

	// requestTimeout bounds each individual attempt. Zero means attempts are only bound by the caller's context.
	requestTimeout time.Duration
	maxRetries     int
	retryDelay     time.Duration

	logger *logging.Logger
}

// ClientPoolOptions tunes the retry behavior of a ClientPool. Zero values select the defaults.
type ClientPoolOptions struct {
	RequestTimeout time.Duration
	MaxRetries     int
	RetryDelay     time.Duration
}

// NewClientPool dials poolSize connections to endpoint.
func NewClientPool(ctx context.Context, endpoint string, poolSize uint, opts ClientPoolOptions) (*ClientPool, error) {
	if poolSize == 0 {
		return nil, errors.New("client pool size must be positive")
	}

	clients := make([]*rpc.Client, 0, poolSize)
	for i := uint(0); i < poolSize; i++ {
		client, err := rpc.DialContext(ctx, endpoint)
		if err != nil {
			for _, c := range clients {
				c.Close()
			}
			return nil, errors.Wrapf(err, "could not dial %s", endpoint)
		}
		clients = append(clients, client)
	}
	return NewClientPoolFromClients(clients, opts), nil
}

// NewClientPoolFromClients creates a pool over already-connected clients. The pool takes ownership of them.
func NewClientPoolFromClients(clients []*rpc.Client, opts ClientPoolOptions) *ClientPool {
	pool := &ClientPool{
		rpcClients:     clients,
		requestTimeout: opts.RequestTimeout,
		maxRetries:     opts.MaxRetries,
		retryDelay:     opts.RetryDelay,
		logger:         logging.GlobalLogger.NewSubLogger("module", "rpc"),
	}
	if pool.maxRetries <= 0 {
		pool.maxRetries = DefaultMaxRetries
	}
	if pool.retryDelay <= 0 {
		pool.retryDelay = DefaultRetryDelay
	}
	return pool
}

// ExecuteRequestBlocking executes a request and decodes its result into result, which must be a pointer.
func (c *ClientPool) ExecuteRequestBlocking(ctx context.Context, result any, method string, args ...any) error {
	return c.ExecuteRequestAsync(ctx, method, args...).GetResultBlocking(result)
}

// ExecuteRequestAsync starts a request on the next client in the pool and returns immediately.
func (c *ClientPool) ExecuteRequestAsync(ctx context.Context, method string, args ...any) *PendingResult {
	pending := newPendingResult(ctx)
	go c.launchRequest(ctx, c.getClient(), pending, method, args...)
	return pending
}

// Close closes every connection in the pool.
func (c *ClientPool) Close() {
	c.clientLock.Lock()
	defer c.clientLock.Unlock()
	for _, client := range c.rpcClients {
		client.Close()
	}
}

func (c *ClientPool) getClient() *rpc.Client {
	c.clientLock.Lock()
	defer c.clientLock.Unlock()

	client := c.rpcClients[c.currentClientIdx]
	c.currentClientIdx = (c.currentClientIdx + 1) % len(c.rpcClients)
	return client
}

func (c *ClientPool) launchRequest(ctx context.Context, client *rpc.Client, pending *PendingResult, method string, args ...any) {
	defer close(pending.done)

	var err error
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		var result json.RawMessage
		err = c.call(ctx, client, &result, method, args...)
		if err == nil {
			pending.result = result
			return
		}

		// a cancelled caller is not a transport failure, so there is nothing to retry
		if ctx.Err() != nil {
			pending.err = errors.WithStack(ctx.Err())
			return
		}

		c.logger.Debug("RPC request ", method, " failed on attempt ", attempt+1, err)
		if attempt+1 < c.maxRetries {
			select {
			case <-time.After(time.Duration(attempt+1) * c.retryDelay):
			case <-ctx.Done():
				pending.err = errors.WithStack(ctx.Err())
				return
			}
		}
	}
	pending.err = NewNetworkError(method, err)
}

func (c *ClientPool) call(ctx context.Context, client *rpc.Client, result *json.RawMessage, method string, args ...any) error {
	if c.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.requestTimeout)
		defer cancel()
	}
	return client.CallContext(ctx, result, method, args...)
}
