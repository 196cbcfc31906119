// Package gateway exposes the multiclient over HTTP.
//
// Routes:
//   - GET  /api/v2/{method}   typed calls with query parameters
//   - POST /api/v2/jsonRPC    the same calls as JSON-RPC 2.0, batches allowed
//   - POST /api/v2/tonlib     an opaque "@type" request routed by query
//     parameters, optionally pinned to a session via X-Session-Token
//   - GET  /status            worker health
//
// Every reply uses the {"ok": ..., "result" | "error", "code"} envelope.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/fortiblox/multiclient/pkg/multiclient"
	"github.com/fortiblox/multiclient/pkg/request"
	"github.com/fortiblox/multiclient/pkg/rpcpool"
	"github.com/fortiblox/multiclient/pkg/session"
	"github.com/fortiblox/multiclient/pkg/tonapi"
)

// ErrAlreadyRunning is returned by Start on a running server.
var ErrAlreadyRunning = errors.New("server already running")

// API is the part of the multiclient served by the gateway.
type API interface {
	SendRequestJSON(ctx context.Context, req request.JSON) (string, error)
	Session(ctx context.Context, params request.Parameters, existing *session.Session) (*session.Session, error)
	ConsensusBlock(ctx context.Context) (int32, error)
	Status(ctx context.Context) ([]rpcpool.WorkerStatus, error)

	MasterchainInfo(ctx context.Context) (*tonapi.MasterchainInfo, error)
	MasterchainBlockSignatures(ctx context.Context, seqno int32) (json.RawMessage, error)
	LookupBlock(ctx context.Context, workchain int32, shard int64, q multiclient.BlockQuery) (*tonapi.BlockIDExt, error)
	AddressInformation(ctx context.Context, address string, seqno *int32) (json.RawMessage, error)
	ExtendedAddressInformation(ctx context.Context, address string, seqno *int32) (json.RawMessage, error)
}

var _ API = (*multiclient.Client)(nil)

// Config holds gateway configuration.
type Config struct {
	// Addr is the listen address (host:port).
	Addr string

	// ReadTimeout is the maximum duration for reading the entire request.
	ReadTimeout time.Duration

	// WriteTimeout is the maximum duration before timing out writes of the response.
	WriteTimeout time.Duration

	// RequestTimeout bounds each call into the multiclient.
	RequestTimeout time.Duration

	// MaxRequestSize is the maximum allowed request body size in bytes.
	MaxRequestSize int64

	// EnableCORS enables CORS headers for browser access.
	EnableCORS bool

	// AllowedOrigins specifies allowed CORS origins (empty means all).
	AllowedOrigins []string

	// LogRequests enables request logging.
	LogRequests bool

	// SessionKey enables session tokens on the tonlib route.
	SessionKey []byte
}

// DefaultConfig returns a default gateway configuration.
func DefaultConfig() Config {
	return Config{
		Addr:           ":8081",
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   30 * time.Second,
		RequestTimeout: 10 * time.Second,
		MaxRequestSize: 1 << 20,
		EnableCORS:     true,
	}
}

// WithDefaults fills zero fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.Addr == "" {
		c.Addr = d.Addr
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = d.ReadTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = d.RequestTimeout
	}
	if c.MaxRequestSize <= 0 {
		c.MaxRequestSize = d.MaxRequestSize
	}
	return c
}

// Server is the HTTP gateway.
type Server struct {
	config Config
	api    API
	sealer *session.Sealer
	log    zerolog.Logger
	now    func() time.Time

	handler  http.Handler
	handlers map[string]handlerFunc

	mu      sync.Mutex
	server  *http.Server
	running bool
}

// handlerFunc serves one named method.
type handlerFunc func(ctx context.Context, a args) (any, error)

// New creates a gateway over api.
func New(config Config, api API, log zerolog.Logger) (*Server, error) {
	s := &Server{
		config:   config.WithDefaults(),
		api:      api,
		log:      log.With().Str("component", "gateway").Logger(),
		now:      time.Now,
		handlers: make(map[string]handlerFunc),
	}

	if len(config.SessionKey) > 0 {
		sealer, err := session.NewSealer(config.SessionKey)
		if err != nil {
			return nil, fmt.Errorf("session key: %w", err)
		}
		s.sealer = sealer
	}

	s.registerHandlers()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v2/{method}", s.handleREST)
	mux.HandleFunc("POST /api/v2/jsonRPC", s.handleJSONRPC)
	mux.HandleFunc("POST /api/v2/tonlib", s.handleTonlib)
	mux.HandleFunc("GET /status", s.handleStatus)
	s.handler = s.corsMiddleware(s.logMiddleware(mux))

	return s, nil
}

// Handler returns the routed handler with all middleware applied.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start serves until ctx is done or Stop is called.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.running = true
	srv := &http.Server{
		Addr:         s.config.Addr,
		Handler:      s.handler,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}
	s.server = srv
	s.mu.Unlock()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-stop:
		}
	}()

	s.log.Info().Str("addr", s.config.Addr).Msg("gateway listening")

	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop shuts the server down gracefully.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}

	s.running = false
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(ctx)
	}
	return nil
}

// corsMiddleware adds CORS headers if enabled.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	if !s.config.EnableCORS {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			allowed := len(s.config.AllowedOrigins) == 0
			for _, allowedOrigin := range s.config.AllowedOrigins {
				if allowedOrigin == origin || allowedOrigin == "*" {
					allowed = true
					break
				}
			}

			if allowed {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+SessionHeader)
				w.Header().Set("Access-Control-Expose-Headers", SessionHeader)
				w.Header().Set("Access-Control-Max-Age", "3600")
			}
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) logMiddleware(next http.Handler) http.Handler {
	if !s.config.LogRequests {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("took", time.Since(start)).
			Msg("request")
	})
}

// handleREST serves GET /api/v2/{method}.
func (s *Server) handleREST(w http.ResponseWriter, r *http.Request) {
	result, err := s.dispatch(r.Context(), r.PathValue("method"), queryArgs(r.URL.Query()))
	if err != nil {
		s.writeError(w, toError(err))
		return
	}
	s.writeJSON(w, http.StatusOK, okResponse(result))
}

// handleJSONRPC serves POST /api/v2/jsonRPC. Errors are reported in the
// envelope with HTTP status 200.
func (s *Server) handleJSONRPC(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, s.config.MaxRequestSize))
	if err != nil {
		s.writeJSON(w, http.StatusOK, rpcError(nil, errParse))
		return
	}

	if len(body) > 0 && body[0] == '[' {
		s.handleBatch(r.Context(), w, body)
		return
	}

	var req RPCRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeJSON(w, http.StatusOK, rpcError(nil, errParse))
		return
	}
	s.writeJSON(w, http.StatusOK, s.call(r.Context(), req))
}

func (s *Server) handleBatch(ctx context.Context, w http.ResponseWriter, body []byte) {
	var reqs []RPCRequest
	if err := json.Unmarshal(body, &reqs); err != nil {
		s.writeJSON(w, http.StatusOK, rpcError(nil, errParse))
		return
	}
	if len(reqs) == 0 {
		s.writeJSON(w, http.StatusOK, rpcError(nil, errInvalidRequest))
		return
	}

	responses := make([]Response, len(reqs))
	for i, req := range reqs {
		responses[i] = s.call(ctx, req)
	}
	s.writeJSON(w, http.StatusOK, responses)
}

func (s *Server) call(ctx context.Context, req RPCRequest) Response {
	if req.JSONRPC != JSONRPCVersion {
		return rpcError(req.ID, errInvalidRequest)
	}
	a, err := objectArgs(req.Params)
	if err != nil {
		return rpcError(req.ID, toError(err))
	}
	result, err := s.dispatch(ctx, req.Method, a)
	if err != nil {
		return rpcError(req.ID, toError(err))
	}
	resp := okResponse(result)
	resp.JSONRPC = JSONRPCVersion
	resp.ID = req.ID
	return resp
}

func rpcError(id any, e *Error) Response {
	resp := errorResponse(e)
	resp.JSONRPC = JSONRPCVersion
	resp.ID = id
	return resp
}

// handleTonlib serves POST /api/v2/tonlib. The body is passed through to the
// selected workers. A session is used when the request carries a token or
// asks for one with session=true; the token is returned in the response
// header.
func (s *Server) handleTonlib(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, s.config.MaxRequestSize))
	if err != nil {
		s.writeError(w, errParse)
		return
	}

	a := queryArgs(r.URL.Query())
	params, err := a.parameters()
	if err != nil {
		s.writeError(w, toError(err))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.config.RequestTimeout)
	defer cancel()

	req := request.JSON{Parameters: params, Payload: string(body)}

	token := r.Header.Get(SessionHeader)
	if s.sealer != nil && (token != "" || a["session"] == "true") {
		var existing *session.Session
		if token != "" {
			existing, err = s.sealer.Open(token)
			if err != nil {
				s.writeError(w, toError(err))
				return
			}
		}
		sess, err := s.api.Session(ctx, params, existing)
		if err != nil {
			s.writeError(w, toError(err))
			return
		}
		req.Session = sess
		w.Header().Set(SessionHeader, s.sealer.Seal(sess))
	}

	result, err := s.api.SendRequestJSON(ctx, req)
	if err != nil {
		s.writeError(w, toError(err))
		return
	}

	var out any = json.RawMessage(result)
	if !json.Valid([]byte(result)) {
		out = result
	}
	s.writeJSON(w, http.StatusOK, okResponse(out))
}

// handleStatus serves GET /status. It answers 503 when no worker is alive.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.config.RequestTimeout)
	defer cancel()

	workers, err := s.api.Status(ctx)
	if err != nil {
		s.writeError(w, toError(err))
		return
	}

	st := Status{Workers: workers}
	for _, ws := range workers {
		if ws.Alive {
			st.Alive++
		}
	}

	code := http.StatusOK
	if st.Alive == 0 {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, Response{OK: st.Alive > 0, Result: st})
}

// dispatch routes a method to its handler.
func (s *Server) dispatch(ctx context.Context, method string, a args) (any, error) {
	handler, ok := s.handlers[method]
	if !ok {
		return nil, &Error{Code: MethodNotFound, Message: "method not found: " + method, status: http.StatusNotFound}
	}

	ctx, cancel := context.WithTimeout(ctx, s.config.RequestTimeout)
	defer cancel()

	result, err := handler(ctx, a)
	if err != nil {
		s.log.Debug().Err(err).Str("method", method).Msg("call failed")
	}
	return result, err
}

func (s *Server) writeError(w http.ResponseWriter, e *Error) {
	s.writeJSON(w, e.Status(), errorResponse(e))
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn().Err(err).Msg("failed to write response")
	}
}
