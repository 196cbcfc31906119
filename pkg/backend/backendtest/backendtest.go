// Package backendtest provides a programmable in-memory Backend for tests.
package backendtest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/fortiblox/multiclient/pkg/backend"
	"github.com/fortiblox/multiclient/pkg/config"
	"github.com/fortiblox/multiclient/pkg/tonapi"
)

// ErrDead is returned by the Dead handler.
var ErrDead = errors.New("backend unreachable")

// Handler answers one request.
type Handler func(ctx context.Context, fn tonapi.Function) (json.RawMessage, error)

// Backend is a fake backend.Backend driven by a swappable Handler.
type Backend struct {
	mu       sync.Mutex
	handler  Handler
	initErr  error
	requests []string
	closed   bool

	initCalls  atomic.Int32
	closeCalls atomic.Int32
	notes      chan backend.Notification
}

var (
	_ backend.Backend  = (*Backend)(nil)
	_ backend.Notifier = (*Backend)(nil)
)

// New creates a fake backend answering with h.
func New(h Handler) *Backend {
	return &Backend{
		handler: h,
		notes:   make(chan backend.Notification, 16),
	}
}

// SetHandler swaps the request handler.
func (b *Backend) SetHandler(h Handler) {
	b.mu.Lock()
	b.handler = h
	b.mu.Unlock()
}

// SetInitError makes subsequent Init calls fail with err (nil to succeed).
func (b *Backend) SetInitError(err error) {
	b.mu.Lock()
	b.initErr = err
	b.mu.Unlock()
}

// InitCalls returns how many times Init was called.
func (b *Backend) InitCalls() int {
	return int(b.initCalls.Load())
}

// Closed reports whether Close was called.
func (b *Backend) Closed() bool {
	return b.closeCalls.Load() > 0
}

// Requests returns the "@type" names of all requests seen so far.
func (b *Backend) Requests() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.requests...)
}

// Count returns how many requests of typeName were seen.
func (b *Backend) Count(typeName string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, r := range b.requests {
		if r == typeName {
			n++
		}
	}
	return n
}

// Push emits an unsolicited event.
func (b *Backend) Push(n backend.Notification) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.notes <- n
	}
}

// Init implements backend.Backend.
func (b *Backend) Init(ctx context.Context, opts backend.InitOptions) error {
	b.initCalls.Add(1)
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.initErr
}

// Request implements backend.Backend.
func (b *Backend) Request(ctx context.Context, fn tonapi.Function) (json.RawMessage, error) {
	b.mu.Lock()
	b.requests = append(b.requests, fn.TypeName())
	h := b.handler
	b.mu.Unlock()

	if h == nil {
		return nil, tonapi.NewError(500, "no handler")
	}
	return h(ctx, fn)
}

// Notifications implements backend.Notifier.
func (b *Backend) Notifications() <-chan backend.Notification {
	return b.notes
}

// Close implements backend.Backend.
func (b *Backend) Close() error {
	b.closeCalls.Add(1)
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.notes)
	}
	return nil
}

// Factory returns a backend.Factory handing out backends by node index.
func Factory(backends ...*Backend) backend.Factory {
	return func(node config.Node) (backend.Backend, error) {
		if node.Index < 0 || node.Index >= len(backends) {
			return nil, fmt.Errorf("no fake backend for node %d", node.Index)
		}
		return backends[node.Index], nil
	}
}

// MasterchainInfo encodes a masterchain info result with the given seqno.
func MasterchainInfo(seqno int32) json.RawMessage {
	data, _ := json.Marshal(tonapi.MasterchainInfo{
		Last: tonapi.BlockIDExt{
			Workchain: tonapi.MasterchainID,
			Shard:     tonapi.ShardIDAll,
			Seqno:     seqno,
		},
	})
	return data
}

// Node answers like a liteserver at seqno. Archival nodes can look up old
// blocks; other requests return {"@type":"ok"}.
func Node(seqno int32, archival bool) Handler {
	return func(ctx context.Context, fn tonapi.Function) (json.RawMessage, error) {
		switch f := fn.(type) {
		case tonapi.GetMasterchainInfo, *tonapi.GetMasterchainInfo:
			return MasterchainInfo(seqno), nil
		case tonapi.LookupBlock:
			return lookup(f, seqno, archival)
		case *tonapi.LookupBlock:
			return lookup(*f, seqno, archival)
		default:
			return json.RawMessage(`{"@type":"ok"}`), nil
		}
	}
}

func lookup(f tonapi.LookupBlock, seqno int32, archival bool) (json.RawMessage, error) {
	if !archival && f.ID.Seqno < seqno-1000 {
		return nil, tonapi.NewError(651, "block not found")
	}
	data, _ := json.Marshal(tonapi.BlockIDExt{
		Workchain: f.ID.Workchain,
		Shard:     f.ID.Shard,
		Seqno:     f.ID.Seqno,
	})
	return data, nil
}

// Dead fails every request.
func Dead() Handler {
	return func(ctx context.Context, fn tonapi.Function) (json.RawMessage, error) {
		return nil, ErrDead
	}
}

// Hang blocks until the request context is canceled.
func Hang() Handler {
	return func(ctx context.Context, fn tonapi.Function) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
}

// Respond answers every request with result or err.
func Respond(result json.RawMessage, err error) Handler {
	return func(ctx context.Context, fn tonapi.Function) (json.RawMessage, error) {
		return result, err
	}
}
