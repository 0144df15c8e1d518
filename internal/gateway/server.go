package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/conduitworks/conduit/internal/observability"
	"github.com/conduitworks/conduit/internal/provider"
	"github.com/conduitworks/conduit/internal/session"
)

// MessageHandler consumes one inbound client message. Replies go back out
// through the session manager under the same connection id; the handler
// decides what frames to emit and when.
type MessageHandler func(ctx context.Context, connectionID string, msg InboundMessage)

// InboundMessage is the client-to-server frame shape.
type InboundMessage struct {
	Type    string          `json:"type"`
	Content string          `json:"content,omitempty"`
	Group   string          `json:"group,omitempty"`
	Extra   json.RawMessage `json:"extra,omitempty"`
}

// Config holds the gateway listen settings.
type Config struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Server is the HTTP front door: the websocket endpoint for client
// sessions, Prometheus metrics, health, and read-only status surfaces
// over the provider pool.
type Server struct {
	config    Config
	logger    *slog.Logger
	providers *provider.Manager
	sessions  *session.Manager
	handler   MessageHandler

	httpServer *http.Server
}

// NewServer wires the gateway. handler may be nil, in which case inbound
// messages are acknowledged with an error frame.
func NewServer(cfg Config, logger *slog.Logger, providers *provider.Manager, sessions *session.Manager, handler MessageHandler) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		config:    cfg,
		logger:    logger.With("component", "gateway"),
		providers: providers,
		sessions:  sessions,
		handler:   handler,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/toolset", s.handleToolset)

	s.httpServer = &http.Server{
		Addr:         net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Handler:      s.instrument(mux),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Start serves until ctx is cancelled, then drains.
func (s *Server) Start(ctx context.Context) error {
	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("gateway listening", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return fmt.Errorf("gateway serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("gateway shutdown: %w", err)
	}
	return nil
}

// Handler exposes the routed handler for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": s.sessions.ConnectionCount(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"providers": s.providers.Statuses(),
		"breakers":  s.providers.Breakers(),
		"sessions": map[string]int{
			"connections": s.sessions.ConnectionCount(),
			"groups":      s.sessions.GroupCount(),
		},
	})
}

func (s *Server) handleToolset(w http.ResponseWriter, r *http.Request) {
	toolset := s.providers.ActiveToolset(r.Context())
	if toolset == nil {
		toolset = []provider.ToolDescriptor{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"operations": toolset})
}

// instrument wraps the mux with request counting. The websocket endpoint
// is skipped; hijacked connections do not produce a meaningful status.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ws" {
			next.ServeHTTP(w, r)
			return
		}
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		observability.HTTPRequests.WithLabelValues(r.Method, r.URL.Path, strconv.Itoa(rec.status)).Inc()
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

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
