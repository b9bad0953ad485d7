package relay

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hubenschmidt/roleplay-relay/internal/metrics"
	"github.com/hubenschmidt/roleplay-relay/internal/trace"
	"github.com/hubenschmidt/roleplay-relay/internal/transcript"
	"github.com/hubenschmidt/roleplay-relay/internal/upstream"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  16384,
	WriteBufferSize: 16384,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// HandlerConfig holds the process-wide, read-only dependencies shared by
// every connection.
type HandlerConfig struct {
	Provider      upstream.Provider
	MaxConcurrent int

	// Handoff receives each connection's final history after teardown.
	Handoff func(transcript.Record)
	// TraceStore is optional; nil disables tracing.
	TraceStore *trace.Store

	PingInterval time.Duration
	WriteTimeout time.Duration
	ReadTimeout  time.Duration
	OpenTimeout  time.Duration
	ReadLimit    int64

	// Now is the clock for utterance timestamps and playback scheduling.
	Now func() time.Time
}

func (c *HandlerConfig) applyDefaults() {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 100
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 20 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 3 * c.PingInterval
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = 15 * time.Second
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = 8 << 20
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Handler accepts client WebSocket connections with admission control and
// runs one relay session per connection.
type Handler struct {
	cfg HandlerConfig
	sem chan struct{}

	// base parents every connection context; Shutdown cancels it.
	base   context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	draining bool
	conns    sync.WaitGroup
}

// NewHandler creates a relay handler. The config is copied and never mutated.
func NewHandler(cfg HandlerConfig) *Handler {
	cfg.applyDefaults()
	base, cancel := context.WithCancel(context.Background())
	return &Handler{
		cfg:    cfg,
		sem:    make(chan struct{}, cfg.MaxConcurrent),
		base:   base,
		cancel: cancel,
	}
}

// Shutdown refuses new connections, ends every active one and waits until
// each has run its teardown, so pending speech is flushed and handed off.
// http.Server.Shutdown does not track hijacked connections, so callers run
// this after it.
func (h *Handler) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.draining = true
	h.mu.Unlock()
	h.cancel()

	done := make(chan struct{})
	go func() {
		h.conns.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// track registers a connection unless the handler is draining.
func (h *Handler) track() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.draining {
		return false
	}
	h.conns.Add(1)
	return true
}

// ServeHTTP upgrades the connection and runs the relay session.
// Returns 503 if at max concurrent connection capacity.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	select {
	case h.sem <- struct{}{}:
		defer func() { <-h.sem }()
	default:
		metrics.Errors.WithLabelValues("admission", "capacity").Inc()
		http.Error(w, "at capacity", http.StatusServiceUnavailable)
		return
	}
	if !h.track() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	defer h.conns.Done()

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}
	defer ws.Close()

	metrics.ConnectionsActive.Inc()
	metrics.ConnectionsTotal.Inc()
	defer metrics.ConnectionsActive.Dec()

	h.runConnection(ws)
}
