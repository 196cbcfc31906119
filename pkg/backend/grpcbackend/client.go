// Package grpcbackend implements a backend over gRPC.
//
// Calls use a single unary method, /multiclient.Liteserver/Request, with a
// JSON codec: the request message is the "@type"-tagged function object and
// the response is {"result": ...} or {"error": {"code", "message"}}. The
// matching server side is provided by RegisterServer; the serve command uses
// it to expose a whole pool, so one multiclient can be a backend of another.
package grpcbackend

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/fortiblox/multiclient/pkg/backend"
	"github.com/fortiblox/multiclient/pkg/config"
	"github.com/fortiblox/multiclient/pkg/tonapi"
)

// Service and method names.
const (
	ServiceName   = "multiclient.Liteserver"
	MethodRequest = "/" + ServiceName + "/Request"
)

// TokenHeader is the metadata key carrying the auth token.
const TokenHeader = "x-token"

// wireResponse is the response message.
type wireResponse struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  *tonapi.Error   `json:"error,omitempty"`
}

// NewFactory returns a backend.Factory creating gRPC backends.
func NewFactory(cfg Config) (backend.Factory, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return func(node config.Node) (backend.Backend, error) {
		return New(cfg)
	}, nil
}

// Client is a gRPC backend for one liteserver.
type Client struct {
	config Config

	mu   sync.RWMutex
	conn *grpc.ClientConn
	md   metadata.MD

	closed atomic.Bool
}

var _ backend.Backend = (*Client)(nil)

// New creates an unconnected client.
func New(cfg Config) (*Client, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Client{
		config: cfg,
		md:     metadata.New(cfg.Headers),
	}, nil
}

// Init dials the liteserver. A previous connection is replaced.
func (c *Client) Init(ctx context.Context, opts backend.InitOptions) error {
	if c.closed.Load() {
		return backend.ErrClosed
	}

	target := dialTarget(opts.Node.LiteServer)
	conn, err := c.dial(target)
	if err != nil {
		return fmt.Errorf("node %d: %w", opts.Node.Index, err)
	}

	c.mu.Lock()
	old := c.conn
	c.conn = conn
	c.mu.Unlock()

	if old != nil {
		old.Close()
	}
	return nil
}

func dialTarget(ls config.LiteServer) string {
	if ls.URL != "" {
		if u, err := url.Parse(ls.URL); err == nil && u.Host != "" {
			return u.Host
		}
		return ls.URL
	}
	return ls.Address()
}

func (c *Client) dial(target string) (*grpc.ClientConn, error) {
	kacp := keepalive.ClientParameters{
		Time:                c.config.KeepaliveTime,
		Timeout:             c.config.KeepaliveTimeout,
		PermitWithoutStream: true,
	}

	opts := []grpc.DialOption{
		grpc.WithKeepaliveParams(kacp),
		grpc.WithDefaultCallOptions(
			grpc.CallContentSubtype(codecName),
			grpc.MaxCallRecvMsgSize(c.config.MaxMessageSize),
			grpc.MaxCallSendMsgSize(c.config.MaxMessageSize),
		),
	}

	if c.config.UseTLS {
		opts = append(opts, grpc.WithTransportCredentials(
			credentials.NewTLS(&tls.Config{
				MinVersion: tls.VersionTLS12,
			}),
		))
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	if c.config.Token != "" {
		opts = append(opts, grpc.WithPerRPCCredentials(&tokenAuth{
			token:      c.config.ExpandedToken(),
			requireTLS: c.config.UseTLS,
		}))
	}

	opts = append(opts, c.config.DialOptions...)

	//nolint:staticcheck // Dial keeps the passthrough resolver for plain host:port targets
	conn, err := grpc.Dial(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to dial gRPC: %w", err)
	}
	return conn, nil
}

// Request invokes the remote liteserver.
func (c *Client) Request(ctx context.Context, fn tonapi.Function) (json.RawMessage, error) {
	if c.closed.Load() {
		return nil, backend.ErrClosed
	}

	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return nil, backend.ErrNotInitialized
	}

	payload, err := tonapi.Encode(fn)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.RequestTimeout)
		defer cancel()
	}
	if c.md.Len() > 0 {
		ctx = metadata.NewOutgoingContext(ctx, c.md)
	}

	req := json.RawMessage(payload)
	var resp wireResponse
	if err := conn.Invoke(ctx, MethodRequest, &req, &resp); err != nil {
		return nil, convertError(err)
	}

	if resp.Error != nil {
		return nil, resp.Error
	}
	if len(resp.Result) == 0 {
		return nil, errors.New("empty gRPC response")
	}
	return resp.Result, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// convertError maps auth failures to backend error objects and wraps the
// rest as transport errors.
func convertError(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return fmt.Errorf("grpc request: %w", err)
	}
	switch st.Code() {
	case codes.Unauthenticated, codes.PermissionDenied:
		return tonapi.NewError(401, st.Message())
	case codes.InvalidArgument:
		return tonapi.NewError(400, st.Message())
	default:
		return fmt.Errorf("grpc request: %w", err)
	}
}

// tokenAuth implements grpc.PerRPCCredentials for token authentication.
type tokenAuth struct {
	token      string
	requireTLS bool
}

// GetRequestMetadata returns the authentication metadata.
func (t *tokenAuth) GetRequestMetadata(ctx context.Context, uri ...string) (map[string]string, error) {
	return map[string]string{
		TokenHeader: t.token,
	}, nil
}

// RequireTransportSecurity returns whether TLS is required.
func (t *tokenAuth) RequireTransportSecurity() bool {
	return t.requireTLS
}
