// Package api exposes the chat engine over HTTP and WebSocket.
//
// Every response uses the models.APIResponse envelope. Chat turns are
// returned as flow.Turn values inside the envelope's result.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/BTreeMap/CarePipe/internal/contact"
	"github.com/BTreeMap/CarePipe/internal/flow"
	"github.com/BTreeMap/CarePipe/internal/metrics"
	"github.com/BTreeMap/CarePipe/internal/models"
	"github.com/BTreeMap/CarePipe/internal/store"
)

// DefaultAddr is the listen address used when none is configured.
const DefaultAddr = ":8080"

const shutdownTimeout = 10 * time.Second

// PrefillReader fetches stored registration prefill payloads.
type PrefillReader interface {
	Get(token string) (*models.PrefillRecord, error)
}

// NotificationCounter reports the team notification queue for /health.
type NotificationCounter interface {
	CountNotifications() (store.NotificationCounts, error)
}

// AIStatus reports the state of the AI backend's circuit breaker.
type AIStatus interface {
	State() string
}

// Opts holds configuration for the API server.
type Opts struct {
	Addr           string
	AllowedOrigins []string
	Turns          store.TurnLedger
	Prefills       PrefillReader
	Dispatcher     *contact.Dispatcher
	Metrics        *metrics.Metrics
	Notifications  NotificationCounter
	AI             AIStatus
}

// Option configures the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithAllowedOrigins sets the origin patterns accepted for WebSocket upgrades.
func WithAllowedOrigins(origins []string) Option {
	return func(o *Opts) { o.AllowedOrigins = origins }
}

// WithTurnLedger rejects replayed turn_ids.
func WithTurnLedger(l store.TurnLedger) Option {
	return func(o *Opts) { o.Turns = l }
}

// WithPrefillReader enables GET /registration/prefill/{token}.
func WithPrefillReader(p PrefillReader) Option {
	return func(o *Opts) { o.Prefills = p }
}

// WithDispatcher forwards contact-form events to WebSocket clients.
func WithDispatcher(d *contact.Dispatcher) Option {
	return func(o *Opts) { o.Dispatcher = d }
}

// WithMetrics enables request metrics and the /metrics endpoint.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Opts) { o.Metrics = m }
}

// WithNotificationCounter adds the notification backlog to /health.
func WithNotificationCounter(c NotificationCounter) Option {
	return func(o *Opts) { o.Notifications = c }
}

// WithAIStatus adds the AI backend breaker state to /health.
func WithAIStatus(a AIStatus) Option {
	return func(o *Opts) { o.AI = a }
}

// Server is the HTTP front of the chat engine.
type Server struct {
	engine     *flow.Engine
	turns      store.TurnLedger
	prefills   PrefillReader
	dispatcher *contact.Dispatcher
	metrics    *metrics.Metrics
	queue      NotificationCounter
	ai         AIStatus
	origins    []string
	addr       string
	started    time.Time
}

// NewServer creates a Server around engine.
func NewServer(engine *flow.Engine, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	return &Server{
		engine:     engine,
		turns:      cfg.Turns,
		prefills:   cfg.Prefills,
		dispatcher: cfg.Dispatcher,
		metrics:    cfg.Metrics,
		queue:      cfg.Notifications,
		ai:         cfg.AI,
		origins:    cfg.AllowedOrigins,
		addr:       cfg.Addr,
		started:    time.Now(),
	}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Recoverer)
	r.Use(s.metricsMiddleware)

	r.Get("/health", s.healthHandler)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	r.Route("/chat", func(r chi.Router) {
		r.Get("/config", s.getConfigHandler)
		r.Put("/config", s.putConfigHandler)

		r.Post("/sessions", s.createSessionHandler)
		r.Route("/sessions/{id}", func(r chi.Router) {
			r.Get("/", s.getSessionHandler)
			r.Delete("/", s.deleteSessionHandler)
			r.Post("/messages", s.messageHandler)
			r.Post("/options", s.optionHandler)
			r.Post("/role", s.roleHandler)
			r.Post("/resume", s.resumeHandler)
			r.Get("/ws", s.wsHandler)
		})
	})
	r.Get("/registration/prefill/{token}", s.prefillHandler)
	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: listening", "addr", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	slog.Info("Server.Run: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server.Run: shutdown failed", "error", err)
		return err
	}
	return nil
}

// metricsMiddleware records request counts and latency by route pattern.
func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chiMiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.metrics.ObserveHTTP(r.Method, route, status, time.Since(start))
		slog.Debug("Server.request", "method", r.Method, "route", route, "status", status,
			"requestID", chiMiddleware.GetReqID(r.Context()), "duration", time.Since(start))
	})
}
