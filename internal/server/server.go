// Package server exposes a [pipeline.Pipeline] over HTTP.
//
// Routes:
//
//	POST /v1/audio/speech      OpenAI-compatible synthesis (raw, JSON, file, or chunked stream)
//	GET  /v1/audio/speech/ws   WebSocket streaming synthesis
//	GET  /v1/voices            voice registry listing
//	GET  /v1/models            model listing
//	GET  /healthz, /readyz     probes
//	GET  /metrics              Prometheus scrape endpoint
//
// Every route is wrapped in permissive CORS and the observe middleware.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/MrWong99/koko/internal/health"
	"github.com/MrWong99/koko/internal/observe"
	"github.com/MrWong99/koko/internal/pipeline"
)

// DefaultModelID is the model name reported by /v1/models.
const DefaultModelID = "kokoro"

// Config holds the dependencies of a [Server]. Pipeline is required.
type Config struct {
	Pipeline *pipeline.Pipeline

	// Health serves /healthz and /readyz. Nil registers probes with no
	// checkers.
	Health *health.Handler

	// Metrics records HTTP and request metrics. Nil disables them.
	Metrics *observe.Metrics

	// MetricsHandler serves /metrics. Nil uses [promhttp.Handler], which
	// exposes the default Prometheus registry the OTel exporter writes to.
	MetricsHandler http.Handler
}

// Option is a functional option for [New].
type Option func(*Server)

// WithMaxConcurrent bounds the number of synthesis requests served at once.
// Requests beyond the limit are rejected with 503. Zero means unlimited.
func WithMaxConcurrent(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.sem = semaphore.NewWeighted(int64(n))
		}
	}
}

// WithOutputDir sets the directory that return_audio=false requests write
// their files to. Default: "tmp".
func WithOutputDir(dir string) Option {
	return func(s *Server) {
		if dir != "" {
			s.outputDir = dir
		}
	}
}

// WithModelID sets the model name reported by /v1/models.
func WithModelID(id string) Option {
	return func(s *Server) {
		if id != "" {
			s.modelID = id
		}
	}
}

// WithMaxBodyBytes caps the size of a speech request body. Default: 1 MiB.
func WithMaxBodyBytes(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxBody = n
		}
	}
}

// WithShutdownTimeout bounds how long [Server.Serve] waits for in-flight
// requests after its context is cancelled. Default: 10s.
func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.shutdownTimeout = d
		}
	}
}

// WithLogger sets the logger. Default: [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// Server is the HTTP front end. It is safe for concurrent use.
type Server struct {
	pipe           *pipeline.Pipeline
	health         *health.Handler
	metrics        *observe.Metrics
	metricsHandler http.Handler

	sem             *semaphore.Weighted
	outputDir       string
	modelID         string
	maxBody         int64
	shutdownTimeout time.Duration
	log             *slog.Logger

	handler http.Handler
}

// New returns a server for cfg.
func New(cfg Config, opts ...Option) (*Server, error) {
	if cfg.Pipeline == nil {
		return nil, errors.New("server: pipeline is required")
	}
	s := &Server{
		pipe:            cfg.Pipeline,
		health:          cfg.Health,
		metrics:         cfg.Metrics,
		metricsHandler:  cfg.MetricsHandler,
		outputDir:       "tmp",
		modelID:         DefaultModelID,
		maxBody:         1 << 20,
		shutdownTimeout: 10 * time.Second,
		log:             slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.health == nil {
		s.health = health.New()
	}
	if s.metricsHandler == nil {
		s.metricsHandler = promhttp.Handler()
	}
	s.handler = s.routes()
	return s, nil
}

// Handler returns the root handler with all routes and middleware.
func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/audio/speech", s.handleSpeech)
	mux.HandleFunc("GET /v1/audio/speech/ws", s.handleSpeechWS)
	mux.HandleFunc("GET /v1/voices", s.handleVoices)
	mux.HandleFunc("GET /v1/models", s.handleModels)
	s.health.Register(mux)
	mux.Handle("GET /metrics", s.metricsHandler)
	return cors(observe.Middleware(s.metrics)(mux))
}

// ListenAndServe listens on addr and serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled, then shuts down
// gracefully. In-flight requests get the shutdown timeout to finish.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
		ErrorLog:          slog.NewLogLogger(s.log.Handler(), slog.LevelWarn),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.log.Info("http server listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server: shutdown: %w", err)
		}
		s.log.Info("http server stopped")
		return nil
	})
	return g.Wait()
}

// admit reserves a synthesis slot. The returned release must be called
// exactly once when ok is true.
func (s *Server) admit() (release func(), ok bool) {
	if s.sem == nil {
		return func() {}, true
	}
	if !s.sem.TryAcquire(1) {
		return nil, false
	}
	return func() { s.sem.Release(1) }, true
}

// cors allows every origin, method, and header.
func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Expose-Headers", "X-Correlation-ID, X-Session-ID, X-Synthesis-Error")
		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			if req := r.Header.Get("Access-Control-Request-Headers"); req != "" {
				h.Set("Access-Control-Allow-Headers", req)
			} else {
				h.Set("Access-Control-Allow-Headers", "*")
			}
			h.Set("Access-Control-Max-Age", "86400")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
