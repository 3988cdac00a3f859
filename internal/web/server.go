// Package web serves the live dashboard feed: a websocket stream of
// metric snapshots plus a small JSON API describing the configured
// display. The server is an explicit object owned by the caller; it holds
// no package-level state.
package web

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"

	"github.com/srg/veloterm/internal/config"
	"github.com/srg/veloterm/internal/groutine"
	"github.com/srg/veloterm/internal/metrics"
)

// Options holds the server knobs.
type Options struct {
	// Addr is the listen address.
	Addr string `default:":8080"`
	// BroadcastInterval is the snapshot push cadence.
	BroadcastInterval time.Duration `default:"1s"`
	// ShutdownTimeout bounds the graceful drain.
	ShutdownTimeout time.Duration `default:"5s"`
}

// DefaultOptions returns Options populated from the struct tags.
func DefaultOptions() *Options {
	opts := &Options{}
	defaults.SetDefaults(opts)
	return opts
}

// StatusFunc reports how many devices are connected out of how many are
// configured.
type StatusFunc func() (active, total int)

// Server broadcasts buffer snapshots to websocket dashboards.
type Server struct {
	logger   *logrus.Logger
	opts     *Options
	buffer   *metrics.Buffer
	display  []config.Metric
	status   StatusFunc
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*websocket.Conn]bool
}

// NewServer creates a dashboard server over the shared metric buffer.
func NewServer(logger *logrus.Logger, buffer *metrics.Buffer, display []config.Metric, status StatusFunc, opts *Options) *Server {
	if logger == nil {
		logger = logrus.New()
	}
	if opts == nil {
		opts = DefaultOptions()
	}
	if status == nil {
		status = func() (int, int) { return 0, 0 }
	}
	return &Server{
		logger:  logger,
		opts:    opts,
		buffer:  buffer,
		display: display,
		status:  status,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*websocket.Conn]bool),
	}
}

// Handler returns the HTTP routes. Exposed separately so tests can drive
// the server without binding a port.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/config", s.handleConfig)
	mux.HandleFunc("/api/metrics", s.handleMetrics)
	return mux
}

// Run serves until ctx is cancelled, then drains clients gracefully.
func (s *Server) Run(ctx context.Context) error {
	httpSrv := &http.Server{Addr: s.opts.Addr, Handler: s.Handler()}

	groutine.Go(ctx, "web-broadcast", s.broadcastLoop)

	errCh := make(chan error, 1)
	groutine.Go(ctx, "web-listen", func(context.Context) {
		s.logger.WithField("addr", s.opts.Addr).Info("Dashboard server started")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	})

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down dashboard server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer cancel()
	s.closeClients()
	return httpSrv.Shutdown(shutdownCtx)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithField("error", err).Warn("Websocket upgrade failed")
		return
	}

	s.mu.Lock()
	s.clients[conn] = true
	s.mu.Unlock()
	s.logger.WithField("remote", conn.RemoteAddr().String()).Info("Dashboard client connected")

	// A new client gets the current state immediately rather than waiting
	// out the broadcast interval.
	s.push(conn, s.snapshotMessage())

	defer func() {
		s.mu.Lock()
		delete(s.clients, conn)
		s.mu.Unlock()
		conn.Close()
		s.logger.WithField("remote", conn.RemoteAddr().String()).Info("Dashboard client disconnected")
	}()

	// Dashboards send nothing; the read loop only notices the close.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]any{"display_metrics": s.display}); err != nil {
		s.logger.WithField("error", err).Warn("Failed to encode config response")
	}
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.snapshotMessage()); err != nil {
		s.logger.WithField("error", err).Warn("Failed to encode metrics response")
	}
}

func (s *Server) snapshotMessage() map[string]any {
	active, total := s.status()
	return map[string]any{
		"type":      "metrics",
		"metrics":   s.buffer.SnapshotNamed(),
		"connected": active,
		"total":     total,
		"timestamp": time.Now().UnixMilli(),
	}
}

func (s *Server) broadcastLoop(ctx context.Context) {
	ticker := time.NewTicker(s.opts.BroadcastInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.broadcast(s.snapshotMessage())
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) broadcast(msg map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.clients {
		if err := conn.WriteJSON(msg); err != nil {
			conn.Close()
			delete(s.clients, conn)
		}
	}
}

func (s *Server) push(conn *websocket.Conn, msg map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := conn.WriteJSON(msg); err != nil {
		conn.Close()
		delete(s.clients, conn)
	}
}

func (s *Server) closeClients() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.clients {
		conn.Close()
		delete(s.clients, conn)
	}
}
