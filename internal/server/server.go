// Package server runs the quota demo HTTP server: configured limiters
// mounted on route prefixes in front of echo endpoints, plus /metrics and a
// /ws decision stream.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/SmitUplenchwar2687/quota/internal/clock"
	"github.com/SmitUplenchwar2687/quota/internal/config"
	"github.com/SmitUplenchwar2687/quota/internal/ratelimit"
	"github.com/SmitUplenchwar2687/quota/internal/recorder"
)

// Mount applies a limiter to every request under Path.
type Mount struct {
	Path    string
	Limiter *ratelimit.Limiter
}

func (m Mount) matches(p string) bool {
	if m.Path == "" || m.Path == "/" {
		return true
	}
	base := strings.TrimSuffix(m.Path, "/")
	return p == base || strings.HasPrefix(p, base+"/")
}

// Options configures a Server.
type Options struct {
	Addr   string
	Mounts []Mount
	Clock  clock.Clock
	Logger *slog.Logger

	// Registry backs /metrics. Nil disables the endpoint.
	Registry *prometheus.Registry

	// Hub backs /ws. Nil disables the endpoint.
	Hub *Hub
}

// Server is the quota HTTP server.
type Server struct {
	httpServer *http.Server
	router     chi.Router
	opts       Options
}

// New creates a server. It does not take ownership of the limiters; see
// NewFromConfig for a server that does.
func New(opts Options) *Server {
	opts.Clock = clock.OrReal(opts.Clock)
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Server{
		router: chi.NewRouter(),
		opts:   opts,
	}
	s.routes()
	s.httpServer = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	r := s.router
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	if s.opts.Registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.opts.Registry, promhttp.HandlerOpts{}))
	}
	if s.opts.Hub != nil {
		r.Get("/ws", s.opts.Hub.HandleWebSocket)
	}
	r.Get("/", s.handleRoot)

	r.Group(func(r chi.Router) {
		r.Use(identityFromHeaders)
		r.Use(s.limit)
		r.Post("/auth/login", s.handleLogin)
		r.Get("/api/users/{id}", s.handleEcho)
		r.HandleFunc("/*", s.handleEcho)
	})
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// limit runs every mount whose path matches, outermost first.
func (s *Server) limit(next http.Handler) http.Handler {
	h := next
	for i := len(s.opts.Mounts) - 1; i >= 0; i-- {
		m := s.opts.Mounts[i]
		limited := m.Limiter.Middleware(h)
		inner := h
		h = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if m.matches(r.URL.Path) {
				limited.ServeHTTP(w, r)
				return
			}
			inner.ServeHTTP(w, r)
		})
	}
	return h
}

// identityFromHeaders stands in for an authentication layer: it trusts
// X-User-ID and X-Tenant-ID so the default key generator can partition by
// principal.
func identityFromHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if id := r.Header.Get("X-User-ID"); id != "" {
			ctx = ratelimit.WithIdentity(ctx, id)
		}
		if id := r.Header.Get("X-Tenant-ID"); id != "" {
			ctx = ratelimit.WithTenant(ctx, id)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type limiterInfo struct {
	Name     string `json:"name"`
	Mount    string `json:"mount"`
	Strategy string `json:"strategy"`
	Store    string `json:"store"`
	Max      int    `json:"max"`
	Window   string `json:"window"`
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	limiters := make([]limiterInfo, 0, len(s.opts.Mounts))
	for _, m := range s.opts.Mounts {
		cfg := m.Limiter.Config()
		limiters = append(limiters, limiterInfo{
			Name:     cfg.Name,
			Mount:    m.Path,
			Strategy: string(cfg.Strategy),
			Store:    string(cfg.Store),
			Max:      cfg.Max,
			Window:   cfg.Window.String(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"service":  "quota",
		"status":   "running",
		"time":     s.opts.Clock.Now().Format(time.RFC3339),
		"limiters": limiters,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleEcho(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"method": r.Method,
		"path":   r.URL.Path,
		"route":  ratelimit.Route(r),
	}
	if res, ok := ratelimit.ResultFromContext(r.Context()); ok {
		body["limit"] = res
	}
	writeJSON(w, http.StatusOK, body)
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// handleLogin accepts any username with the password "quota". Limiters with
// skip_successful only count the failures.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}
	if req.Username == "" || req.Password != "quota" {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid credentials"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "logged in", "user": req.Username})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Start begins listening. It blocks until the server is shut down.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	return s.StartOnListener(ln)
}

// StartOnListener begins serving on the provided listener.
// Useful for tests that need to pick an ephemeral port.
func (s *Server) StartOnListener(ln net.Listener) error {
	s.opts.Logger.Info("quota server listening", "addr", ln.Addr().String(), "limiters", len(s.opts.Mounts))
	err := s.httpServer.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully shuts down the server and disconnects stream clients.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.opts.Hub != nil {
		s.opts.Hub.Close()
	}
	return s.httpServer.Shutdown(ctx)
}

// Instance is a server together with the limiters and decision log it owns.
type Instance struct {
	*Server
	Limiters []*ratelimit.Limiter
	Recorder *recorder.Recorder
}

// NewFromConfig builds every configured limiter, wires metrics and the
// decision stream, and returns a server owning them.
func NewFromConfig(cfg config.Config, logger *slog.Logger, clk clock.Clock) (*Instance, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	opts := Options{
		Addr:   cfg.Server.Addr,
		Clock:  clk,
		Logger: logger,
	}

	var metrics *ratelimit.Metrics
	if cfg.Server.Metrics {
		opts.Registry = prometheus.NewRegistry()
		opts.Registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		var err error
		if metrics, err = ratelimit.NewMetrics(opts.Registry); err != nil {
			return nil, fmt.Errorf("registering metrics: %w", err)
		}
	}

	inst := &Instance{}

	var sinks []func(ratelimit.Event)
	if cfg.Server.Events {
		opts.Hub = NewHub(logger)
		sinks = append(sinks, opts.Hub.Broadcast)
	}
	if cfg.Server.Record != "" {
		rec, err := recorder.Create(cfg.Server.Record)
		if err != nil {
			return nil, err
		}
		inst.Recorder = rec
		sinks = append(sinks, rec.Sink(logger))
		logger.Info("recording decisions", "path", cfg.Server.Record)
	}
	onDecision := fanOut(sinks)
	for _, lc := range cfg.Limiters {
		rc := lc.RateLimit()
		rc.Logger = logger
		rc.Clock = clk
		rc.Metrics = metrics
		rc.OnDecision = onDecision

		l, err := ratelimit.New(rc)
		if err != nil {
			_ = inst.Close()
			return nil, fmt.Errorf("limiter %q: %w", lc.Name, err)
		}
		inst.Limiters = append(inst.Limiters, l)
		opts.Mounts = append(opts.Mounts, Mount{Path: lc.Mount, Limiter: l})
		logger.Info("limiter ready",
			"name", lc.Name,
			"mount", lc.Mount,
			"strategy", l.Config().Strategy,
			"store", l.Config().Store,
		)
	}

	inst.Server = New(opts)
	return inst, nil
}

// Close releases every limiter's store and the decision log.
func (i *Instance) Close() error {
	var errs []error
	for _, l := range i.Limiters {
		if err := l.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing limiter %q: %w", l.Name(), err))
		}
	}
	if i.Recorder != nil {
		if err := i.Recorder.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing decision log: %w", err))
		}
	}
	return errors.Join(errs...)
}

func fanOut(sinks []func(ratelimit.Event)) func(ratelimit.Event) {
	switch len(sinks) {
	case 0:
		return nil
	case 1:
		return sinks[0]
	}
	return func(ev ratelimit.Event) {
		for _, sink := range sinks {
			sink(ev)
		}
	}
}
