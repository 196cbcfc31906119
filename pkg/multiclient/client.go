// Package multiclient is the entry point for callers of the worker pool.
//
// A Client owns a scheduler, the pool coordinator and all workers living on
// it. Blocking calls hand the request to the pool mailbox and wait on a
// future, so they must never be made from code running on the scheduler
// itself (for example from a ResponseCallback).
package multiclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/fortiblox/multiclient/pkg/backend"
	"github.com/fortiblox/multiclient/pkg/cache"
	"github.com/fortiblox/multiclient/pkg/config"
	"github.com/fortiblox/multiclient/pkg/promise"
	"github.com/fortiblox/multiclient/pkg/request"
	"github.com/fortiblox/multiclient/pkg/rpcpool"
	"github.com/fortiblox/multiclient/pkg/sched"
	"github.com/fortiblox/multiclient/pkg/session"
)

// DefaultThreads is the default scheduler size.
const DefaultThreads = 1

// Client errors.
var (
	ErrClosed    = errors.New("client is closed")
	ErrNoFactory = errors.New("backend factory is required")
)

// Config holds client configuration.
type Config struct {
	// Nodes are the liteservers to use. When empty, GlobalConfig is loaded
	// and split into one node per liteserver.
	Nodes        []config.Node
	GlobalConfig string

	// Factory creates one backend per node.
	Factory backend.Factory

	// Threads is the scheduler size.
	Threads int

	// CacheTTL enables the SendRequestJSON response cache when positive.
	CacheTTL time.Duration

	// Pool configures probing and the key store.
	Pool rpcpool.Config

	// OnHealthChange is called when a worker goes alive or dead. It runs on
	// the scheduler and must not block.
	OnHealthChange func(index int, alive bool, seqno int32)

	Logger zerolog.Logger
}

// Client is a thread-safe facade over the worker pool.
type Client struct {
	sched *sched.Scheduler
	pool  *rpcpool.Pool
	cache *cache.Cache
	log   zerolog.Logger

	done   chan struct{}
	closed atomic.Bool
}

// New loads the node list, starts the scheduler and the pool. callback may
// be nil when callback requests are not used.
func New(cfg Config, callback backend.ResponseCallback, opts ...rpcpool.Option) (*Client, error) {
	if cfg.Factory == nil {
		return nil, ErrNoFactory
	}

	nodes := cfg.Nodes
	if len(nodes) == 0 {
		var err error
		nodes, err = config.LoadGlobal(cfg.GlobalConfig)
		if err != nil {
			return nil, fmt.Errorf("load global config: %w", err)
		}
	}

	threads := cfg.Threads
	if threads <= 0 {
		threads = DefaultThreads
	}

	log := cfg.Logger.With().Str("component", "multiclient").Logger()

	poolOpts := []rpcpool.Option{rpcpool.WithLogger(cfg.Logger)}
	if callback != nil {
		poolOpts = append(poolOpts, rpcpool.WithCallback(callback))
	}
	poolOpts = append(poolOpts, opts...)

	s := sched.New(threads)
	s.Start()

	pool, err := rpcpool.New(s, nodes, cfg.Factory, cfg.Pool, poolOpts...)
	if err != nil {
		s.Stop()
		return nil, err
	}

	c := &Client{
		sched: s,
		pool:  pool,
		log:   log,
		done:  make(chan struct{}),
	}

	if cfg.CacheTTL > 0 {
		c.cache, err = cache.New(cache.Config{TTL: cfg.CacheTTL})
		if err != nil {
			pool.Stop()
			s.Stop()
			return nil, fmt.Errorf("create cache: %w", err)
		}
	}

	if cfg.OnHealthChange != nil {
		pool.SetOnHealthChange(cfg.OnHealthChange)
	}
	pool.Start()
	log.Info().
		Int("workers", pool.WorkerCount()).
		Int("threads", threads).
		Dur("cache_ttl", cfg.CacheTTL).
		Msg("multiclient started")
	return c, nil
}

// SendRequest performs req and returns the first successful raw result.
func (c *Client) SendRequest(ctx context.Context, req request.Request) (json.RawMessage, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	p, ch := promise.NewFuture[json.RawMessage]()
	c.pool.Send(req, p)
	return wait(ctx, c, ch)
}

// Send performs req and decodes the result into R.
func Send[R any](ctx context.Context, c *Client, req request.Request) (R, error) {
	var out R
	raw, err := c.SendRequest(ctx, req)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("decode %s result: %w", req.Function.TypeName(), err)
	}
	return out, nil
}

// SendRequestJSON performs an opaque JSON request. When the cache is enabled,
// successful results of non-broadcast, session-less requests are cached.
func (c *Client) SendRequestJSON(ctx context.Context, req request.JSON) (string, error) {
	if c.closed.Load() {
		return "", ErrClosed
	}

	var key []byte
	if c.cacheable(req) {
		key = cache.Key([]byte(req.Parameters.String()), []byte(req.Payload))
		if val, ok, err := c.cache.Get(key); err != nil {
			c.log.Warn().Err(err).Msg("cache read failed")
		} else if ok {
			return string(val), nil
		}
	}

	p, ch := promise.NewFuture[string]()
	c.pool.SendJSON(req, p)
	res, err := wait(ctx, c, ch)
	if err != nil {
		return "", err
	}

	if key != nil {
		if err := c.cache.Set(key, []byte(res)); err != nil {
			c.log.Warn().Err(err).Msg("cache write failed")
		}
	}
	return res, nil
}

func (c *Client) cacheable(req request.JSON) bool {
	return c.cache != nil && req.Parameters.Mode != request.Broadcast && !req.Session.Valid()
}

// SendCallbackRequest dispatches req and returns immediately. Results are
// delivered to the response callback given to New.
func (c *Client) SendCallbackRequest(req request.Callback) error {
	if c.closed.Load() {
		return ErrClosed
	}
	return c.pool.SendCallback(req)
}

// Session returns existing when it is valid, or a new session pinning the
// workers selected for params.
func (c *Client) Session(ctx context.Context, params request.Parameters, existing *session.Session) (*session.Session, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	p, ch := promise.NewFuture[*session.Session]()
	c.pool.Session(params, existing, p)
	return wait(ctx, c, ch)
}

// ConsensusBlock returns the highest masterchain seqno seen by an alive
// worker.
func (c *Client) ConsensusBlock(ctx context.Context) (int32, error) {
	if c.closed.Load() {
		return 0, ErrClosed
	}
	p, ch := promise.NewFuture[int32]()
	c.pool.ConsensusBlock(p)
	return wait(ctx, c, ch)
}

// Status returns the health state of every worker.
func (c *Client) Status(ctx context.Context) ([]rpcpool.WorkerStatus, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	p, ch := promise.NewFuture[[]rpcpool.WorkerStatus]()
	c.pool.Status(p)
	return wait(ctx, c, ch)
}

// WorkerCount returns the number of configured workers.
func (c *Client) WorkerCount() int {
	return c.pool.WorkerCount()
}

// Close stops the pool and the scheduler. Requests in flight are abandoned
// and their callers receive ErrClosed. Close is idempotent.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	close(c.done)

	c.pool.Stop()
	c.sched.Stop()

	var err error
	if c.cache != nil {
		err = c.cache.Close()
	}
	c.log.Info().Msg("multiclient stopped")
	return err
}

func wait[T any](ctx context.Context, c *Client, ch <-chan promise.Result[T]) (T, error) {
	var zero T
	select {
	case r := <-ch:
		return r.Value, r.Err
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-c.done:
		return zero, ErrClosed
	}
}
