// Package jsonrpc implements a backend that speaks JSON-RPC 2.0 over HTTP.
//
// Each request is posted as
//
//	{"jsonrpc":"2.0","id":<n>,"method":"<@type>","params":{<function object>}}
//
// and the "result" member is returned as-is. JSON-RPC errors are mapped to
// *tonapi.Error so the worker pool can forward them to callers unchanged.
package jsonrpc

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fortiblox/multiclient/pkg/backend"
	"github.com/fortiblox/multiclient/pkg/config"
	"github.com/fortiblox/multiclient/pkg/keystore"
	"github.com/fortiblox/multiclient/pkg/tonapi"
)

// Default configuration values.
const (
	DefaultTimeout         = 10 * time.Second
	DefaultMaxResponseSize = 64 << 20
)

// ClientIDHeader carries the persistent client id stored in the key store.
const ClientIDHeader = "X-Client-Id"

const clientIDKey = "jsonrpc_client_id"

// Errors.
var (
	ErrNoURL       = errors.New("liteserver has no http url")
	ErrBadResponse = errors.New("malformed JSON-RPC response")
)

// Config holds HTTP backend configuration.
type Config struct {
	// Timeout bounds a single HTTP request.
	Timeout time.Duration

	// MaxResponseSize limits the response body in bytes.
	MaxResponseSize int64

	// Headers are added to every request.
	Headers map[string]string

	// HTTPClient overrides the default client (tests).
	HTTPClient *http.Client
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Timeout:         DefaultTimeout,
		MaxResponseSize: DefaultMaxResponseSize,
	}
}

// WithDefaults fills zero fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.Timeout == 0 {
		c.Timeout = d.Timeout
	}
	if c.MaxResponseSize == 0 {
		c.MaxResponseSize = d.MaxResponseSize
	}
	return c
}

// NewFactory returns a backend.Factory creating HTTP backends.
func NewFactory(cfg Config) backend.Factory {
	return func(node config.Node) (backend.Backend, error) {
		return New(cfg), nil
	}
}

// Client is a JSON-RPC backend for one liteserver.
type Client struct {
	config     Config
	httpClient *http.Client

	mu       sync.RWMutex
	endpoint string
	clientID string

	nextID atomic.Uint64
	closed atomic.Bool
}

var _ backend.Backend = (*Client)(nil)

// New creates an uninitialized client.
func New(cfg Config) *Client {
	cfg = cfg.WithDefaults()
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	return &Client{
		config:     cfg,
		httpClient: hc,
	}
}

// rpcRequest represents a JSON-RPC 2.0 request.
type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

// rpcResponse represents a JSON-RPC 2.0 response.
type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

// rpcError represents a JSON-RPC error.
type rpcError struct {
	Code    int32  `json:"code"`
	Message string `json:"message"`
}

// Init validates the node URL and loads or creates the client id.
func (c *Client) Init(ctx context.Context, opts backend.InitOptions) error {
	if c.closed.Load() {
		return backend.ErrClosed
	}

	raw := opts.Node.LiteServer.URL
	if raw == "" {
		return fmt.Errorf("node %d: %w", opts.Node.Index, ErrNoURL)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("node %d: parse url: %w", opts.Node.Index, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("node %d: %w: scheme %q", opts.Node.Index, ErrNoURL, u.Scheme)
	}

	id, err := loadClientID(opts.KeyStore)
	if err != nil {
		return fmt.Errorf("node %d: client id: %w", opts.Node.Index, err)
	}

	c.mu.Lock()
	c.endpoint = u.String()
	c.clientID = id
	c.mu.Unlock()
	return nil
}

func loadClientID(ks *keystore.Store) (string, error) {
	if ks != nil {
		if v, err := ks.GetKey(clientIDKey); err == nil {
			return string(v), nil
		} else if !errors.Is(err, keystore.ErrKeyNotFound) {
			return "", err
		}
	}

	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", err
	}
	id := hex.EncodeToString(buf[:])

	if ks != nil {
		if err := ks.PutKey(clientIDKey, []byte(id)); err != nil {
			return "", err
		}
	}
	return id, nil
}

// ClientID returns the id sent in ClientIDHeader.
func (c *Client) ClientID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.clientID
}

// Request posts fn to the liteserver.
func (c *Client) Request(ctx context.Context, fn tonapi.Function) (json.RawMessage, error) {
	if c.closed.Load() {
		return nil, backend.ErrClosed
	}

	c.mu.RLock()
	endpoint, clientID := c.endpoint, c.clientID
	c.mu.RUnlock()
	if endpoint == "" {
		return nil, backend.ErrNotInitialized
	}

	params, err := tonapi.Encode(fn)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	id := c.nextID.Add(1)
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      id,
		Method:  fn.TypeName(),
		Params:  params,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(ClientIDHeader, clientID)
	for k, v := range c.config.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, c.config.MaxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("http status %d: %s", resp.StatusCode, truncate(respBody, 256))
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadResponse, err)
	}
	if rpcResp.ID != id {
		return nil, fmt.Errorf("%w: id %d, want %d", ErrBadResponse, rpcResp.ID, id)
	}

	if rpcResp.Error != nil {
		return nil, tonapi.NewError(rpcResp.Error.Code, rpcResp.Error.Message)
	}
	if len(rpcResp.Result) == 0 {
		return nil, fmt.Errorf("%w: empty result", ErrBadResponse)
	}
	return rpcResp.Result, nil
}

// Close marks the client closed and drops idle connections.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.httpClient.CloseIdleConnections()
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
