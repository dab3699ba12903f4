package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/oddlid/rlunch/internal/lunch"
	"github.com/oddlid/rlunch/internal/metrics"
	"github.com/oddlid/rlunch/internal/scheduler"
)

const (
	defaultRequestTimeout = 30 * time.Second
	readyTimeout          = 2 * time.Second
)

// PassController is the scheduler surface the API needs.
type PassController interface {
	TriggerNow() scheduler.TriggerResult
	LastSummary() (scheduler.PassSummary, bool)
}

// Pinger is implemented by readers that can report backend health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config controls the HTTP surface.
type Config struct {
	// AllowedOrigins enables CORS for browser front-ends. Empty disables it.
	AllowedOrigins []string
	RequestTimeout time.Duration
}

// Server wires HTTP handlers to the store and the scheduler.
type Server struct {
	router chi.Router
	reader lunch.Reader
	passes PassController
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes. passes may be
// nil when no scheduler runs in this process.
func NewServer(reader lunch.Reader, passes PassController, cfg Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	s := &Server{
		reader: reader,
		passes: passes,
		logger: logger.Named("api"),
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))
	if len(cfg.AllowedOrigins) > 0 {
		r.Use(cors.New(cors.Options{
			AllowedOrigins: cfg.AllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
			ExposedHeaders: []string{"X-Request-ID"},
			MaxAge:         300,
		}).Handler)
	}
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(cfg.RequestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/countries", s.listCountries)
		r.Get("/sites/{country}/{city}/{site}", s.getSite)
		r.Get("/sites/{country}/{city}/{site}/restaurants/{restaurant}", s.getRestaurant)
		r.Post("/passes", s.triggerPass)
		r.Get("/passes/last", s.lastPass)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if p, ok := s.reader.(Pinger); ok {
		ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
		defer cancel()
		if err := p.Ping(ctx); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "store unavailable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) listCountries(w http.ResponseWriter, r *http.Request) {
	countries, err := s.reader.ListCountries(r.Context())
	if err != nil {
		s.logger.Error("list countries failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list countries")
		return
	}
	if countries == nil {
		countries = []lunch.Country{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"countries": countries})
}

func (s *Server) getSite(w http.ResponseWriter, r *http.Request) {
	tree, ok := s.readSite(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, tree)
}

func (s *Server) getRestaurant(w http.ResponseWriter, r *http.Request) {
	tree, ok := s.readSite(w, r)
	if !ok {
		return
	}
	key := chi.URLParam(r, "restaurant")
	for _, rest := range tree.Site.Restaurants {
		if rest.Key == key {
			writeJSON(w, http.StatusOK, rest)
			return
		}
	}
	writeError(w, http.StatusNotFound, "restaurant not found")
}

// readSite loads the site named by the path and writes the error response
// itself when that fails.
func (s *Server) readSite(w http.ResponseWriter, r *http.Request) (lunch.SiteTree, bool) {
	key := lunch.NewSiteKey(chi.URLParam(r, "country"), chi.URLParam(r, "city"), chi.URLParam(r, "site"))
	if err := key.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return lunch.SiteTree{}, false
	}
	tree, err := s.reader.ReadSiteTree(r.Context(), key)
	if err != nil {
		if errors.Is(err, lunch.ErrNotFound) {
			writeError(w, http.StatusNotFound, "site not found")
			return lunch.SiteTree{}, false
		}
		s.logger.Error("read site failed", zap.String("site", key.String()), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load site")
		return lunch.SiteTree{}, false
	}
	return tree, true
}

func (s *Server) lastPass(w http.ResponseWriter, _ *http.Request) {
	if s.passes == nil {
		writeError(w, http.StatusNotFound, "no pass has run")
		return
	}
	summary, ok := s.passes.LastSummary()
	if !ok {
		writeError(w, http.StatusNotFound, "no pass has run")
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) triggerPass(w http.ResponseWriter, r *http.Request) {
	if s.passes == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler not running")
		return
	}
	result := s.passes.TriggerNow()
	s.logger.Info("manual pass trigger",
		zap.String("result", string(result)),
		zap.String("request_id", RequestID(r.Context())),
	)
	if result == scheduler.TriggerSkipped {
		writeJSON(w, http.StatusConflict, map[string]string{"result": string(result)})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"result": string(result)})
}

type requestIDKey struct{}

// RequestID returns the request ID stored by the request-id middleware.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Duration("dur", time.Since(start)),
				zap.String("request_id", RequestID(r.Context())),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered",
						zap.Any("panic", rec),
						zap.String("request_id", RequestID(r.Context())),
					)
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
