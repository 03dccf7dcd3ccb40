// Package api is the HTTP receiver: task submission plus read-only lookups
// over locales and metric definitions.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/perfatlas/perfatlas/internal/locale"
	"github.com/perfatlas/perfatlas/internal/metrics"
	"github.com/perfatlas/perfatlas/internal/tasks"
)

// Enqueuer submits work requests to the task queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, params map[string]string) (string, error)
}

// MetricReader serves metric definition lookups.
type MetricReader interface {
	ListNames(ctx context.Context) ([]string, error)
	Get(ctx context.Context, name string) (*metrics.Metric, error)
}

// LocaleReader serves locale lookups.
type LocaleReader interface {
	Get(ctx context.Context, id string) (*locale.Locale, error)
}

// NearestFinder resolves coordinates to the closest locale.
type NearestFinder interface {
	FindNearest(ctx context.Context, g locale.Granularity, lat, lon float64) (string, error)
}

// Server is the HTTP receiver.
type Server struct {
	queue   Enqueuer
	metrics MetricReader
	catalog LocaleReader
	index   NearestFinder
}

// NewServer wires the receiver's dependencies.
func NewServer(queue Enqueuer, metricReader MetricReader, catalog LocaleReader, index NearestFinder) *Server {
	return &Server{queue: queue, metrics: metricReader, catalog: catalog, index: index}
}

// Router builds the chi router with middleware and all routes mounted.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)
	r.Post("/tasks", s.handleEnqueue)
	r.Get("/locales/nearest", s.handleNearest)
	r.Get("/locales/{id}", s.handleGetLocale)
	r.Get("/metrics", s.handleListMetrics)
	r.Get("/metrics/{name}", s.handleGetMetric)

	return r
}

// ListenAndServe runs the receiver until ctx is cancelled, then drains with a
// short grace period.
func (s *Server) ListenAndServe(ctx context.Context, port int) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		zap.L().Info("http receiver listening", zap.String("addr", srv.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleEnqueue accepts a flat string-keyed params object and queues it.
// 202: the work happens asynchronously and no result is ever returned here.
func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var params map[string]string
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if err := tasks.ValidateParams(params); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	id, err := s.queue.Enqueue(r.Context(), params)
	if err != nil {
		zap.L().Error("enqueue failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not enqueue task")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": id})
}

func (s *Server) handleNearest(w http.ResponseWriter, r *http.Request) {
	lat, err := strconv.ParseFloat(r.URL.Query().Get("lat"), 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "lat must be a number")
		return
	}
	lon, err := strconv.ParseFloat(r.URL.Query().Get("lon"), 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "lon must be a number")
		return
	}

	gran := r.URL.Query().Get("type")
	if gran == "" {
		gran = string(locale.City)
	}
	g, err := locale.ParseGranularity(gran)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	id, err := s.index.FindNearest(r.Context(), g, lat, lon)
	if err != nil {
		if errors.Is(err, locale.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no locale found")
			return
		}
		zap.L().Error("nearest lookup failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}

	loc, err := s.catalog.Get(r.Context(), id)
	if err != nil {
		zap.L().Error("locale lookup failed", zap.String("locale", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, loc)
}

func (s *Server) handleGetLocale(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	loc, err := s.catalog.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, locale.ErrNotFound) {
			writeError(w, http.StatusNotFound, "unknown locale")
			return
		}
		zap.L().Error("locale lookup failed", zap.String("locale", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, loc)
}

func (s *Server) handleListMetrics(w http.ResponseWriter, r *http.Request) {
	names, err := s.metrics.ListNames(r.Context())
	if err != nil {
		zap.L().Error("metric list failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "list failed")
		return
	}
	if names == nil {
		names = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"metrics": names})
}

func (s *Server) handleGetMetric(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	m, err := s.metrics.Get(r.Context(), name)
	if err != nil {
		if errors.Is(err, metrics.ErrNotFound) {
			writeError(w, http.StatusNotFound, "unknown metric")
			return
		}
		zap.L().Error("metric lookup failed", zap.String("metric", name), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Error("response encode failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// requestLogger logs one line per request with latency and status.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		zap.L().Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
		)
	})
}
