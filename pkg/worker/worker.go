// Package worker wraps one backend connection in an actor that multiplexes
// many in-flight requests.
//
// All worker state (request id counter, tracking table) is owned by the
// worker's mailbox. Backend calls run on their own goroutines and post their
// outcome back to the mailbox, where the matching tracked promise is resolved
// exactly once. Tracking ids are local and never sent to the backend, so
// events pushed by backends implementing backend.Notifier bypass the tracking
// table and go straight to the ResponseCallback under their own id.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/rs/zerolog"

	"github.com/fortiblox/multiclient/pkg/backend"
	"github.com/fortiblox/multiclient/pkg/config"
	"github.com/fortiblox/multiclient/pkg/keystore"
	"github.com/fortiblox/multiclient/pkg/promise"
	"github.com/fortiblox/multiclient/pkg/sched"
	"github.com/fortiblox/multiclient/pkg/tonapi"
)

// DefaultInitRetryInterval is the delay between failed init attempts.
const DefaultInitRetryInterval = 5 * time.Second

// Worker errors.
var (
	ErrClosed        = errors.New("worker is closed")
	ErrDecodeRequest = errors.New("failed to decode request")
	ErrNoCallback    = errors.New("no response callback configured")
)

// Config holds worker configuration.
type Config struct {
	// Node is the liteserver this worker talks to. Node.Index is the worker id.
	Node config.Node

	// KeyStore records init and sync; nil keeps nothing on disk.
	KeyStore *keystore.Store

	BlockchainName string

	// InitRetryInterval is the delay between failed Init attempts.
	InitRetryInterval time.Duration

	// SkipSync disables the sync handshake after init.
	SkipSync bool

	// Callback receives callback-request results and untracked events.
	Callback backend.ResponseCallback

	Logger zerolog.Logger
}

// Client is the worker actor for one backend.
type Client struct {
	config  Config
	backend backend.Backend
	mb      *sched.Mailbox
	log     zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Owned by the mailbox.
	nextID   uint64
	tracking map[uint64]*promise.Promise[json.RawMessage]

	inited  atomic.Bool
	synced  atomic.Bool
	started atomic.Bool
	closed  atomic.Bool
}

// New creates a worker for b on scheduler s. Call Start to begin init.
func New(s *sched.Scheduler, b backend.Backend, cfg Config) *Client {
	if cfg.InitRetryInterval <= 0 {
		cfg.InitRetryInterval = DefaultInitRetryInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		config:   cfg,
		backend:  b,
		mb:       s.NewMailbox(),
		log:      cfg.Logger.With().Str("component", "worker").Int("worker", cfg.Node.Index).Logger(),
		ctx:      ctx,
		cancel:   cancel,
		tracking: make(map[uint64]*promise.Promise[json.RawMessage]),
	}
}

// ID returns the worker index.
func (c *Client) ID() int {
	return c.config.Node.Index
}

// Inited reports whether the backend finished Init.
func (c *Client) Inited() bool {
	return c.inited.Load()
}

// Synced reports whether the sync handshake completed.
func (c *Client) Synced() bool {
	return c.synced.Load()
}

// Start launches the init loop and, for pushing backends, the event pump.
func (c *Client) Start() {
	if c.started.Swap(true) {
		return
	}

	c.wg.Add(1)
	go c.initLoop()

	if n, ok := c.backend.(backend.Notifier); ok {
		c.wg.Add(1)
		go c.pump(n.Notifications())
	}
}

// initLoop retries Init until it succeeds once, then runs the optional sync
// handshake with the same retry policy.
func (c *Client) initLoop() {
	defer c.wg.Done()

	policy := retrypolicy.Builder[any]().
		WithDelay(c.config.InitRetryInterval).
		WithMaxRetries(-1).
		Build()

	opts := backend.InitOptions{
		Node:           c.config.Node,
		KeyStore:       c.config.KeyStore,
		BlockchainName: c.config.BlockchainName,
	}

	err := failsafe.NewExecutor[any](policy).
		WithContext(c.ctx).
		RunWithExecution(func(exec failsafe.Execution[any]) error {
			c.log.Info().Int("attempt", exec.Attempts()).Msg("initializing backend")
			if err := c.backend.Init(c.ctx, opts); err != nil {
				c.log.Error().Err(err).Dur("retry_in", c.config.InitRetryInterval).Msg("backend init failed")
				return err
			}
			return nil
		})
	if err != nil {
		return
	}

	if ks := c.config.KeyStore; ks != nil {
		if err := ks.RecordInit(time.Now()); err != nil {
			c.log.Warn().Err(err).Msg("failed to record init")
		}
	}
	c.inited.Store(true)
	c.log.Info().Msg("backend initialized")

	if c.config.SkipSync {
		return
	}

	var head tonapi.BlockIDExt
	err = failsafe.NewExecutor[any](policy).
		WithContext(c.ctx).
		Run(func() error {
			raw, err := c.backend.Request(c.ctx, tonapi.Sync{})
			if err != nil {
				c.log.Warn().Err(err).Msg("sync failed")
				return err
			}
			if err := json.Unmarshal(raw, &head); err != nil {
				c.log.Debug().Err(err).Msg("sync returned no block id")
			}
			return nil
		})
	if err != nil {
		return
	}

	if ks := c.config.KeyStore; ks != nil {
		if err := ks.RecordSync(head.Seqno, time.Now()); err != nil {
			c.log.Warn().Err(err).Msg("failed to record sync")
		}
	}
	c.synced.Store(true)
	c.log.Info().Int32("seqno", head.Seqno).Msg("backend synced")
}

func (c *Client) pump(notes <-chan backend.Notification) {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case note, ok := <-notes:
			if !ok {
				return
			}
			c.mb.Send(func() { c.notify(note.RequestID, note.Result, errOrNil(note.Err)) })
		}
	}
}

// Send performs fn and resolves p with the raw JSON result.
func (c *Client) Send(fn tonapi.Function, p *promise.Promise[json.RawMessage]) {
	if c.closed.Load() {
		p.Reject(ErrClosed)
		return
	}
	if !c.mb.Send(func() { c.track(fn, p) }) {
		p.Reject(ErrClosed)
	}
}

// SendJSON decodes payload, performs it and resolves p with the JSON result.
// Payloads that do not decode fail immediately with ErrDecodeRequest.
func (c *Client) SendJSON(payload string, p *promise.Promise[string]) {
	fn, err := tonapi.DecodeString(payload)
	if err != nil {
		p.Reject(fmt.Errorf("%w: %w", ErrDecodeRequest, err))
		return
	}
	c.Send(fn, promise.New(func(raw json.RawMessage, err error) {
		p.Set(string(raw), err)
	}))
}

// SendCallback performs fn and delivers the outcome to the response callback
// under requestID.
func (c *Client) SendCallback(requestID uint64, fn tonapi.Function) error {
	if c.config.Callback == nil {
		return ErrNoCallback
	}
	if c.closed.Load() {
		return ErrClosed
	}
	if !c.mb.Send(func() { c.call(fn, func(raw json.RawMessage, err error) { c.notify(requestID, raw, err) }) }) {
		return ErrClosed
	}
	return nil
}

// track runs on the mailbox.
func (c *Client) track(fn tonapi.Function, p *promise.Promise[json.RawMessage]) {
	c.nextID++
	id := c.nextID
	c.tracking[id] = p
	c.call(fn, func(raw json.RawMessage, err error) { c.deliver(id, raw, err) })
}

// call performs fn off the mailbox and runs done back on it.
func (c *Client) call(fn tonapi.Function, done func(json.RawMessage, error)) {
	go func() {
		raw, err := c.backend.Request(c.ctx, fn)
		if err != nil {
			c.log.Debug().Err(err).Str("type", fn.TypeName()).Msg("request failed")
		}
		c.mb.Send(func() { done(raw, err) })
	}()
}

// deliver runs on the mailbox.
func (c *Client) deliver(id uint64, raw json.RawMessage, err error) {
	p, ok := c.tracking[id]
	if !ok {
		c.log.Warn().Uint64("id", id).Msg("result for unknown request id")
		return
	}
	delete(c.tracking, id)
	p.Set(raw, err)
}

func (c *Client) notify(requestID uint64, raw json.RawMessage, err error) {
	cb := c.config.Callback
	if cb == nil {
		c.log.Warn().Uint64("request_id", requestID).Msg("dropping untracked response: no callback")
		return
	}
	workerID := int64(c.config.Node.Index)
	if err != nil {
		cb.OnError(workerID, requestID, backend.AsError(err))
		return
	}
	cb.OnResult(workerID, requestID, raw)
}

// Close stops the init loop, cancels in-flight backend calls and releases
// the backend and key store. Pending promises are abandoned.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.cancel()
	c.mb.Close()

	err := c.backend.Close()
	c.wg.Wait()

	if ks := c.config.KeyStore; ks != nil {
		if kerr := ks.Close(); kerr != nil && err == nil {
			err = kerr
		}
	}
	return err
}

func errOrNil(e *tonapi.Error) error {
	if e == nil {
		return nil
	}
	return e
}
