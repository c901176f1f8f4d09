package server

import (
	"context"
	stderrors "errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/kimhsiao/routesync/internal/auth"
	"github.com/kimhsiao/routesync/internal/db"
	"github.com/kimhsiao/routesync/internal/logging"
	"github.com/kimhsiao/routesync/internal/metrics"
	"github.com/kimhsiao/routesync/internal/realtime"
	"github.com/kimhsiao/routesync/internal/tracing"
)

// Config holds HTTP server configuration.
type Config struct {
	Addr            string
	ReadTimeout     time.Duration
	ShutdownTimeout time.Duration
	// AllowedOrigins restricts websocket origins. Empty allows same-origin
	// and non-browser clients only.
	AllowedOrigins []string
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Addr:            ":8080",
		ReadTimeout:     15 * time.Second,
		ShutdownTimeout: 10 * time.Second,
	}
}

// Server is the routesync server process.
type Server struct {
	cfg       Config
	store     db.Store
	hub       *realtime.Hub
	validator auth.Validator
	metrics   *metrics.Metrics
	ingestor  *Ingestor
	api       *API
	router    *mux.Router
	ctx       context.Context
	cancel    context.CancelFunc
}

// Option configures a Server.
type Option func(*serverOptions)

type serverOptions struct {
	tracing *tracing.Provider
	now     func() time.Time
}

// WithTracing enables per-item spans.
func WithTracing(p *tracing.Provider) Option {
	return func(o *serverOptions) { o.tracing = p }
}

// WithClock overrides the server clock.
func WithClock(now func() time.Time) Option {
	return func(o *serverOptions) { o.now = now }
}

// New wires a Server. The hub starts immediately and stops on Shutdown.
func New(cfg Config, store db.Store, validator auth.Validator, m *metrics.Metrics, opts ...Option) *Server {
	o := serverOptions{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if m == nil {
		m = metrics.New()
	}

	ctx, cancel := context.WithCancel(context.Background())
	hub := realtime.NewHub(m, realtime.WithHubClock(o.now))
	go hub.Run(ctx)

	ingestor := NewIngestor(store, hub,
		WithTracer(o.tracing.Tracer()),
		WithIngestMetrics(m),
		WithServerClock(o.now),
	)

	s := &Server{
		cfg:       cfg,
		store:     store,
		hub:       hub,
		validator: validator,
		metrics:   m,
		ingestor:  ingestor,
		api:       NewAPI(store, ingestor, hub, o.now),
		ctx:       ctx,
		cancel:    cancel,
	}
	s.router = s.routes()
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return origin == "http://"+r.Host || origin == "https://"+r.Host
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/api/health", s.api.Health).Methods(http.MethodGet)
	r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	r.Handle("/ws", realtime.NewHandler(s.ctx, s.hub, s.validator, NewCommands(s.ingestor), s.checkOrigin))

	api := r.PathPrefix("/api").Subrouter()
	api.Use(auth.Middleware(s.validator))
	api.HandleFunc("/sync", s.api.Sync).Methods(http.MethodPost)
	api.HandleFunc("/deliveries", s.api.GetDelivery).Methods(http.MethodGet)
	api.HandleFunc("/routes", s.api.CreateRoute).Methods(http.MethodPost)
	api.HandleFunc("/routes/{id:[0-9]+}", s.api.GetRoute).Methods(http.MethodGet)
	api.HandleFunc("/routes/{id:[0-9]+}/deliveries", s.api.ListRouteDeliveries).Methods(http.MethodGet)
	api.HandleFunc("/routes/{id:[0-9]+}/reset", s.api.ResetRoute).Methods(http.MethodPost)
	api.HandleFunc("/working-times", s.api.GetWorkingTime).Methods(http.MethodGet)
	api.HandleFunc("/circuits", s.api.CreateCircuit).Methods(http.MethodPost)
	api.HandleFunc("/circuits/{id:[0-9]+}/subscribers", s.api.PutSubscriber).Methods(http.MethodPut)
	return r
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Hub returns the realtime hub.
func (s *Server) Hub() *realtime.Hub {
	return s.hub
}

// ListenAndServe serves until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:        s.cfg.Addr,
		Handler:     s.router,
		ReadTimeout: s.cfg.ReadTimeout,
		// no WriteTimeout: websocket writes set their own deadlines
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Info("routesync server listening", map[string]interface{}{"addr": s.cfg.Addr})
		if err := httpServer.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		s.cancel()
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	s.cancel()
	err := httpServer.Shutdown(shutdownCtx)
	logging.Info("routesync server stopped", nil)
	return err
}

// Close stops the hub. The store is owned by the caller.
func (s *Server) Close() {
	s.cancel()
}
