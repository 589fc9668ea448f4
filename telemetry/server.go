package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/trickstertwo/xlog"

	"github.com/rupa/seamstress"
)

// DefaultShutdownTimeout bounds how long Deinit waits for in-flight requests.
const DefaultShutdownTimeout = 2 * time.Second

// Source is what the server reports on. *seamstress.Runtime satisfies it.
type Source interface {
	seamstress.HealthChecker
	Stats() seamstress.Stats
}

// Server serves /metrics, /healthz and /stats. It is a seamstress
// Collaborator: Init binds the listener, so a taken port fails startup,
// and Deinit shuts the server down.
type Server struct {
	addr    string
	metrics *Metrics
	logger  *xlog.Logger

	source atomic.Pointer[Source]

	mu       sync.Mutex
	srv      *http.Server
	listener net.Listener
	served   chan error
}

var _ seamstress.Collaborator = (*Server)(nil)

func NewServer(addr string, metrics *Metrics, logger *xlog.Logger) *Server {
	if metrics == nil {
		metrics = NewMetrics()
	}
	if logger == nil {
		logger = xlog.Default()
	}
	return &Server{addr: addr, metrics: metrics, logger: logger}
}

// SetSource attaches the runtime. Until then /healthz reports unhealthy.
func (s *Server) SetSource(src Source) { s.source.Store(&src) }

func (s *Server) Name() string { return "telemetry" }

// Addr is the bound address, or nil before Init.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Router builds the HTTP routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.instrument)

	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{}))
	r.Get("/healthz", s.handleHealth)
	r.Get("/stats", s.handleStats)
	return r
}

func (s *Server) Init(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.addr)
	if err != nil {
		return fmt.Errorf("telemetry: listen %s: %w", s.addr, err)
	}
	srv := &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	served := make(chan error, 1)

	s.mu.Lock()
	s.listener, s.srv, s.served = ln, srv, served
	s.mu.Unlock()

	go func() {
		err := srv.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		served <- err
	}()
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("seamstress: telemetry listening")
	return nil
}

func (s *Server) Deinit(ctx context.Context) error {
	s.mu.Lock()
	srv, served := s.srv, s.served
	s.srv = nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	sctx, cancel := context.WithTimeout(ctx, DefaultShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return fmt.Errorf("telemetry: shutdown: %w", err)
	}
	return <-served
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	src := s.source.Load()
	if src == nil {
		writeJSON(w, http.StatusServiceUnavailable, seamstress.HealthStatus{
			Status:    "unhealthy",
			Timestamp: time.Now(),
			Message:   "runtime not attached",
		})
		return
	}
	h := (*src).Health(r.Context())
	code := http.StatusOK
	if h.Status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, h)
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	src := s.source.Load()
	if src == nil {
		http.Error(w, "runtime not attached", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, (*src).Stats())
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// instrument records request counts and durations by route pattern.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		path := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			path = rc.RoutePattern()
		}
		labels := []string{path, r.Method, strconv.Itoa(status)}
		s.metrics.httpRequests.WithLabelValues(labels...).Inc()
		s.metrics.httpDuration.WithLabelValues(labels...).Observe(time.Since(start).Seconds())
	})
}
