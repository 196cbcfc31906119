// Package dashboard provides an embedded web dashboard for monitoring the
// worker pool.
//
// The dashboard provides:
// - Per-worker health, archival capability and last seen seqno
// - How far each worker lags behind the consensus block
// - Retry backoff state of dead workers
//
// The page refreshes itself; /api/status serves the same data as JSON.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/fortiblox/multiclient/pkg/rpcpool"
)

// ErrAlreadyRunning is returned by Start on a running dashboard.
var ErrAlreadyRunning = errors.New("dashboard already running")

// Config holds dashboard configuration options.
type Config struct {
	// BindAddress is the address to bind the HTTP server to.
	// Default: "127.0.0.1"
	BindAddress string

	// Port is the port to listen on.
	// Default: 8080
	Port int

	// ReadTimeout is the maximum duration for reading the entire request.
	ReadTimeout time.Duration

	// WriteTimeout is the maximum duration before timing out writes of the response.
	WriteTimeout time.Duration

	// IdleTimeout is the maximum time to wait for the next request.
	IdleTimeout time.Duration

	// RefreshInterval is how often the page reloads itself.
	RefreshInterval time.Duration

	// HealthLog, when set, supplies the recent health transitions.
	HealthLog *HealthLog
}

// DefaultConfig returns the default dashboard configuration.
func DefaultConfig() Config {
	return Config{
		BindAddress:     "127.0.0.1",
		Port:            8080,
		ReadTimeout:     15 * time.Second,
		WriteTimeout:    15 * time.Second,
		IdleTimeout:     60 * time.Second,
		RefreshInterval: 5 * time.Second,
	}
}

// PoolStats provides worker pool state to the dashboard.
type PoolStats interface {
	// Status returns the health state of every worker.
	Status(ctx context.Context) ([]rpcpool.WorkerStatus, error)

	// ConsensusBlock returns the highest seqno seen by an alive worker.
	ConsensusBlock(ctx context.Context) (int32, error)
}

// Dashboard is the web dashboard server.
type Dashboard struct {
	config Config
	stats  PoolStats
	now    func() time.Time

	templates *template.Template
	handler   http.Handler

	mu        sync.Mutex
	server    *http.Server
	running   bool
	startTime time.Time
}

// New creates a new dashboard server.
func New(config Config, stats PoolStats) (*Dashboard, error) {
	defaults := DefaultConfig()
	if config.BindAddress == "" {
		config.BindAddress = defaults.BindAddress
	}
	if config.Port == 0 {
		config.Port = defaults.Port
	}
	if config.ReadTimeout == 0 {
		config.ReadTimeout = defaults.ReadTimeout
	}
	if config.WriteTimeout == 0 {
		config.WriteTimeout = defaults.WriteTimeout
	}
	if config.IdleTimeout == 0 {
		config.IdleTimeout = defaults.IdleTimeout
	}
	if config.RefreshInterval == 0 {
		config.RefreshInterval = defaults.RefreshInterval
	}

	d := &Dashboard{
		config:    config,
		stats:     stats,
		now:       time.Now,
		startTime: time.Now(),
	}

	tmpl, err := d.parseTemplates()
	if err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}
	d.templates = tmpl

	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", d.handleHome)
	mux.HandleFunc("GET /api/status", d.handleAPIStatus)
	d.handler = mux

	return d, nil
}

// parseTemplates parses all embedded templates.
func (d *Dashboard) parseTemplates() (*template.Template, error) {
	funcMap := template.FuncMap{
		"formatDuration": formatDuration,
		"formatSeqno":    formatSeqno,
	}

	tmpl := template.New("").Funcs(funcMap)
	if _, err := tmpl.New("layout").Parse(layoutTemplate); err != nil {
		return nil, fmt.Errorf("parse layout: %w", err)
	}
	if _, err := tmpl.New("home").Parse(homeTemplate); err != nil {
		return nil, fmt.Errorf("parse home template: %w", err)
	}
	return tmpl, nil
}

// Handler returns the dashboard routes.
func (d *Dashboard) Handler() http.Handler {
	return d.handler
}

// Start serves the dashboard until ctx is done or Stop is called.
func (d *Dashboard) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return ErrAlreadyRunning
	}
	d.running = true
	d.startTime = time.Now()
	srv := &http.Server{
		Addr:         d.Address(),
		Handler:      d.handler,
		ReadTimeout:  d.config.ReadTimeout,
		WriteTimeout: d.config.WriteTimeout,
		IdleTimeout:  d.config.IdleTimeout,
	}
	d.server = srv
	d.mu.Unlock()

	go func() {
		<-ctx.Done()
		d.Stop()
	}()

	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop gracefully stops the dashboard server.
func (d *Dashboard) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	srv := d.server
	d.mu.Unlock()

	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(ctx)
	}
	return nil
}

// Address returns the address the dashboard is listening on.
func (d *Dashboard) Address() string {
	return fmt.Sprintf("%s:%d", d.config.BindAddress, d.config.Port)
}

// WorkerRow is one worker as shown on the dashboard.
type WorkerRow struct {
	rpcpool.WorkerStatus

	// State is one of alive, dead or backoff.
	State string `json:"state"`

	// Behind is how many blocks the worker lags the consensus block. It is
	// only set for alive workers.
	Behind int32 `json:"behind"`

	// RetryIn is the time left until the next probe of a dead worker.
	RetryIn time.Duration `json:"retry_in_ns,omitempty"`
}

// StatusResponse is the response of /api/status.
type StatusResponse struct {
	Workers        []WorkerRow   `json:"workers"`
	Total          int           `json:"total"`
	Alive          int           `json:"alive"`
	Archival       int           `json:"archival"`
	ConsensusBlock int32         `json:"consensus_block"`
	HasConsensus   bool          `json:"has_consensus"`
	Uptime         string        `json:"uptime"`
	UptimeSeconds  float64       `json:"uptime_seconds"`
	Events         []HealthEvent `json:"events,omitempty"`
}

// getStatusData collects the pool state.
func (d *Dashboard) getStatusData(ctx context.Context) (StatusResponse, error) {
	workers, err := d.stats.Status(ctx)
	if err != nil {
		return StatusResponse{}, err
	}

	resp := StatusResponse{
		Workers: make([]WorkerRow, 0, len(workers)),
		Total:   len(workers),
	}
	if seqno, err := d.stats.ConsensusBlock(ctx); err == nil {
		resp.ConsensusBlock = seqno
		resp.HasConsensus = true
	}

	now := d.now()
	d.mu.Lock()
	uptime := now.Sub(d.startTime)
	d.mu.Unlock()
	resp.Uptime = formatDuration(uptime)
	resp.UptimeSeconds = uptime.Seconds()
	if d.config.HealthLog != nil {
		resp.Events = d.config.HealthLog.Recent()
	}

	for _, ws := range workers {
		row := WorkerRow{WorkerStatus: ws, State: "dead"}
		switch {
		case ws.Alive:
			row.State = "alive"
			resp.Alive++
			if resp.HasConsensus && ws.LastSeqno >= 0 {
				row.Behind = resp.ConsensusBlock - ws.LastSeqno
			}
		case !ws.RetryAfter.IsZero() && ws.RetryAfter.After(now):
			row.State = "backoff"
			row.RetryIn = ws.RetryAfter.Sub(now)
		}
		if ws.Archival {
			resp.Archival++
		}
		resp.Workers = append(resp.Workers, row)
	}
	return resp, nil
}

// handleHome renders the overview page.
func (d *Dashboard) handleHome(w http.ResponseWriter, r *http.Request) {
	data, err := d.getStatusData(r.Context())
	if err != nil {
		http.Error(w, fmt.Sprintf("Status error: %v", err), http.StatusServiceUnavailable)
		return
	}
	d.renderPage(w, "home", data)
}

// handleAPIStatus handles GET /api/status.
func (d *Dashboard) handleAPIStatus(w http.ResponseWriter, r *http.Request) {
	data, err := d.getStatusData(r.Context())
	if err != nil {
		writeError(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, data)
}

// renderPage renders a page template with the given data.
func (d *Dashboard) renderPage(w http.ResponseWriter, name string, data any) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")

	// First render the content template into a buffer
	var contentBuf strings.Builder
	if err := d.templates.ExecuteTemplate(&contentBuf, name, data); err != nil {
		http.Error(w, fmt.Sprintf("Template error: %v", err), http.StatusInternalServerError)
		return
	}

	pageData := map[string]any{
		"PageName": name,
		"Refresh":  int(d.config.RefreshInterval.Seconds()),
		"Content":  template.HTML(contentBuf.String()),
	}

	if err := d.templates.ExecuteTemplate(w, "layout", pageData); err != nil {
		http.Error(w, fmt.Sprintf("Template error: %v", err), http.StatusInternalServerError)
	}
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// Template helper functions

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	if d < 24*time.Hour {
		return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
	}
	days := int(d.Hours() / 24)
	hours := int(d.Hours()) % 24
	return fmt.Sprintf("%dd %dh", days, hours)
}

// formatSeqno renders an unknown (negative) seqno as a dash.
func formatSeqno(seqno int32) string {
	if seqno < 0 {
		return "-"
	}
	return fmt.Sprintf("%d", seqno)
}
