// Package rpcpool provides the worker pool coordinator for redundant
// liteserver backends.
//
// The pool owns one worker.Client per configured node and periodically
// health-checks each of them with a cheap masterchain-info request. A second,
// slower loop classifies alive workers as archival by looking up a block near
// genesis. Requests are routed to a subset of the currently alive (and, when
// asked for, archival) workers and merged with success-any semantics: the
// first successful answer wins, and the request fails only when every
// selected worker failed.
//
// All routing and health state lives on the pool's mailbox; only the
// scheduler goroutines ever touch it.
//
// Usage:
//
//	s := sched.New(1)
//	s.Start()
//	pool, err := rpcpool.New(s, nodes, factory, rpcpool.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//	pool.Start()
//	defer pool.Stop()
//
//	p, ch := promise.NewFuture[json.RawMessage]()
//	pool.Send(request.Request{Parameters: params, Function: tonapi.GetMasterchainInfo{}}, p)
//	res := <-ch
package rpcpool

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/fortiblox/multiclient/pkg/backend"
	"github.com/fortiblox/multiclient/pkg/config"
	"github.com/fortiblox/multiclient/pkg/keystore"
	"github.com/fortiblox/multiclient/pkg/sched"
	"github.com/fortiblox/multiclient/pkg/worker"
)

// Pool errors.
var (
	ErrNoWorkers     = errors.New("no workers available")
	ErrUnknownWorker = errors.New("unknown worker index")
	ErrNoCallback    = errors.New("no response callback configured")
	ErrPoolClosed    = errors.New("pool is closed")
	ErrInvalidConfig = errors.New("invalid pool configuration")

	// ErrBadProbeResult marks a liveness answer without a usable chain head.
	ErrBadProbeResult = errors.New("probe returned no masterchain head")
)

// Default configuration values.
const (
	DefaultCheckInterval      = time.Second
	DefaultFirstCheckDelay    = time.Second
	DefaultArchivalInterval   = 120 * time.Second
	DefaultFirstArchivalDelay = 5 * time.Second
	DefaultRetryInterval      = 10 * time.Second
)

// Config holds pool configuration.
type Config struct {
	// CheckInterval is the period of the liveness probe loop.
	CheckInterval time.Duration

	// FirstCheckDelay delays the first liveness probe after Start.
	FirstCheckDelay time.Duration

	// ArchivalInterval is the period of the archival sweep.
	ArchivalInterval time.Duration

	// FirstArchivalDelay delays the first archival sweep after Start.
	FirstArchivalDelay time.Duration

	// RetryInterval is how long a dead worker waits before it is probed again.
	RetryInterval time.Duration

	// MaxConsecutiveCheckErrors retires a dead worker from probing once its
	// retry count exceeds the limit. Zero never retires.
	MaxConsecutiveCheckErrors int

	// KeyStoreRoot holds one ls_<index> directory per worker. Empty disables
	// the key store.
	KeyStoreRoot string

	// ResetKeyStore wipes KeyStoreRoot before the workers are created.
	ResetKeyStore bool

	BlockchainName    string
	InitRetryInterval time.Duration
	SkipSync          bool
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		CheckInterval:      DefaultCheckInterval,
		FirstCheckDelay:    DefaultFirstCheckDelay,
		ArchivalInterval:   DefaultArchivalInterval,
		FirstArchivalDelay: DefaultFirstArchivalDelay,
		RetryInterval:      DefaultRetryInterval,
		InitRetryInterval:  worker.DefaultInitRetryInterval,
	}
}

// WithDefaults returns a new config with default values applied for any
// zero values in the original config.
func (c Config) WithDefaults() Config {
	defaults := DefaultConfig()

	if c.CheckInterval == 0 {
		c.CheckInterval = defaults.CheckInterval
	}
	if c.FirstCheckDelay == 0 {
		c.FirstCheckDelay = defaults.FirstCheckDelay
	}
	if c.ArchivalInterval == 0 {
		c.ArchivalInterval = defaults.ArchivalInterval
	}
	if c.FirstArchivalDelay == 0 {
		c.FirstArchivalDelay = defaults.FirstArchivalDelay
	}
	if c.RetryInterval == 0 {
		c.RetryInterval = defaults.RetryInterval
	}
	if c.InitRetryInterval == 0 {
		c.InitRetryInterval = defaults.InitRetryInterval
	}

	return c
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.CheckInterval <= 0 {
		return fmt.Errorf("%w: check interval must be positive", ErrInvalidConfig)
	}
	if c.ArchivalInterval <= 0 {
		return fmt.Errorf("%w: archival interval must be positive", ErrInvalidConfig)
	}
	if c.FirstCheckDelay < 0 || c.FirstArchivalDelay < 0 || c.RetryInterval < 0 {
		return fmt.Errorf("%w: negative delay", ErrInvalidConfig)
	}
	if c.MaxConsecutiveCheckErrors < 0 {
		return fmt.Errorf("%w: negative max consecutive check errors", ErrInvalidConfig)
	}
	return nil
}

// workerInfo is the health state of one worker. Owned by the pool mailbox.
type workerInfo struct {
	index  int
	client *worker.Client

	alive            bool
	archival         bool
	lastSeqno        int32
	waitingForUpdate bool
	checkingArchival bool
	retryCount       int
	retryAfter       time.Time
	everAlive        bool
}

// Pool coordinates a fixed set of workers.
type Pool struct {
	config   Config
	mb       *sched.Mailbox
	log      zerolog.Logger
	rng      *rand.Rand
	now      func() time.Time
	callback backend.ResponseCallback

	onHealthChange func(index int, alive bool, seqno int32)

	// Owned by the mailbox.
	workers       []*workerInfo
	archivalSwept bool

	timerMu       sync.Mutex
	checkTimer    *time.Timer
	archivalTimer *time.Timer

	started atomic.Bool
	closed  atomic.Bool
}

// Option configures a Pool.
type Option func(*Pool)

// WithRand sets the random source used by worker selection.
func WithRand(r *rand.Rand) Option {
	return func(p *Pool) { p.rng = r }
}

// WithClock sets the time source used for retry backoff and sessions.
func WithClock(now func() time.Time) Option {
	return func(p *Pool) { p.now = now }
}

// WithLogger sets the pool logger. Workers derive their loggers from it.
func WithLogger(log zerolog.Logger) Option {
	return func(p *Pool) { p.log = log }
}

// WithCallback sets the response callback for callback requests and
// untracked backend events.
func WithCallback(cb backend.ResponseCallback) Option {
	return func(p *Pool) { p.callback = cb }
}

// New creates one worker per node on scheduler s. The pool does not probe or
// initialize anything until Start is called.
func New(s *sched.Scheduler, nodes []config.Node, factory backend.Factory, cfg Config, opts ...Option) (*Pool, error) {
	if len(nodes) == 0 {
		return nil, config.ErrNoLiteServers
	}
	if factory == nil {
		return nil, fmt.Errorf("%w: nil backend factory", ErrInvalidConfig)
	}
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	p := &Pool{
		config: cfg,
		mb:     s.NewMailbox(),
		log:    zerolog.Nop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.rng == nil {
		p.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	p.log = p.log.With().Str("component", "rpcpool").Logger()

	if cfg.KeyStoreRoot != "" && cfg.ResetKeyStore {
		if err := keystore.Reset(cfg.KeyStoreRoot); err != nil {
			return nil, err
		}
	}

	p.workers = make([]*workerInfo, 0, len(nodes))
	for i, node := range nodes {
		node.Index = i
		client, err := p.newWorker(s, node, factory)
		if err != nil {
			p.closeWorkers()
			return nil, fmt.Errorf("node %d: %w", i, err)
		}
		p.workers = append(p.workers, &workerInfo{
			index:     i,
			client:    client,
			lastSeqno: -1,
		})
	}

	p.log.Info().Int("workers", len(p.workers)).Msg("worker pool created")
	return p, nil
}

func (p *Pool) newWorker(s *sched.Scheduler, node config.Node, factory backend.Factory) (*worker.Client, error) {
	var ks *keystore.Store
	if p.config.KeyStoreRoot != "" {
		var err error
		ks, err = keystore.Open(keystore.Dir(p.config.KeyStoreRoot, node.Index))
		if err != nil {
			return nil, fmt.Errorf("open keystore: %w", err)
		}
	}

	b, err := factory(node)
	if err != nil {
		if ks != nil {
			ks.Close()
		}
		return nil, fmt.Errorf("create backend: %w", err)
	}

	return worker.New(s, b, worker.Config{
		Node:              node,
		KeyStore:          ks,
		BlockchainName:    p.config.BlockchainName,
		InitRetryInterval: p.config.InitRetryInterval,
		SkipSync:          p.config.SkipSync,
		Callback:          p.callback,
		Logger:            p.log,
	}), nil
}

// SetOnHealthChange sets a callback that is invoked when a worker's liveness
// changes. It runs on the pool mailbox and must not block.
// Must be called before Start().
func (p *Pool) SetOnHealthChange(callback func(index int, alive bool, seqno int32)) {
	p.onHealthChange = callback
}

// WorkerCount returns the number of configured workers.
func (p *Pool) WorkerCount() int {
	return len(p.workers)
}

// Start launches worker initialization and the probe loops.
func (p *Pool) Start() {
	if p.started.Swap(true) {
		return
	}
	for _, w := range p.workers {
		w.client.Start()
	}

	p.timerMu.Lock()
	p.checkTimer = p.mb.After(p.config.FirstCheckDelay, p.checkAll)
	p.archivalTimer = p.mb.After(p.config.FirstArchivalDelay, p.sweepArchival)
	p.timerMu.Unlock()
}

// Stop stops the probe loops and closes every worker. Pending requests are
// abandoned.
func (p *Pool) Stop() {
	if p.closed.Swap(true) {
		return
	}

	p.timerMu.Lock()
	if p.checkTimer != nil {
		p.checkTimer.Stop()
	}
	if p.archivalTimer != nil {
		p.archivalTimer.Stop()
	}
	p.timerMu.Unlock()

	p.mb.Close()
	p.closeWorkers()
}

func (p *Pool) closeWorkers() {
	for _, w := range p.workers {
		if err := w.client.Close(); err != nil {
			p.log.Warn().Err(err).Int("worker", w.index).Msg("failed to close worker")
		}
	}
}

// post runs fn on the pool mailbox.
func (p *Pool) post(fn func()) bool {
	if p.closed.Load() {
		return false
	}
	return p.mb.Send(fn)
}

func (p *Pool) worker(index int) (*workerInfo, bool) {
	if index < 0 || index >= len(p.workers) {
		return nil, false
	}
	return p.workers[index], true
}
