// Package api exposes the HTTP interface for the screenshot service.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/webshot/internal/browser"
	"github.com/JakeFAU/webshot/internal/metrics"
	"github.com/JakeFAU/webshot/internal/shot"
)

// Shooter serves a validated request from the cache or a fresh render.
type Shooter interface {
	Shoot(ctx context.Context, req shot.Request) (*shot.Result, error)
}

// Submitter defers requests onto the job queue.
type Submitter interface {
	Submit(ctx context.Context, params shot.RequestParams) (shot.Job, error)
	Job(ctx context.Context, id string) (shot.JobRecord, error)
}

// PoolStatter reports browser pool bookkeeping for readiness checks.
type PoolStatter interface {
	Stats() browser.Stats
}

// Options tunes the HTTP surface.
type Options struct {
	// CacheMaxAge is the Cache-Control max-age in seconds for image responses.
	CacheMaxAge int
	// Timeout bounds a whole request including the response write.
	Timeout time.Duration
}

// Server wires HTTP handlers to the pipeline, dispatcher and pool.
type Server struct {
	router  chi.Router
	shooter Shooter
	jobs    Submitter
	pool    PoolStatter
	opts    Options
	logger  *zap.Logger
}

// NewServer constructs a Server with middleware and routes. jobs may be nil,
// which disables the deferred routes.
func NewServer(shooter Shooter, jobs Submitter, pool PoolStatter, opts Options, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.CacheMaxAge <= 0 {
		opts.CacheMaxAge = 86400
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 90 * time.Second
	}
	s := &Server{
		shooter: shooter,
		jobs:    jobs,
		pool:    pool,
		opts:    opts,
		logger:  logger.Named("api"),
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(timeoutMiddleware(opts.Timeout))
		r.Get("/shot", s.getShot)
		r.Get("/shot/{filename}", s.getShot)
	})

	r.Post("/v1/shots", s.submitShot)
	r.Get("/v1/shots/{job_id}", s.getJob)

	s.router = r
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if s.pool == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
		return
	}
	stats := s.pool.Stats()
	status := http.StatusOK
	state := "ready"
	if stats.State == browser.StateClosed.String() {
		status = http.StatusServiceUnavailable
		state = "not ready"
	}
	writeJSON(w, status, map[string]any{"status": state, "pool": stats})
}

func (s *Server) getShot(w http.ResponseWriter, r *http.Request) {
	params, err := paramsFromQuery(r)
	if err != nil {
		s.writeShotError(w, r, err)
		return
	}
	req, err := shot.NewRequest(params)
	if err != nil {
		s.writeShotError(w, r, err)
		return
	}

	res, err := s.shooter.Shoot(r.Context(), req)
	if err != nil {
		s.writeShotError(w, r, err)
		return
	}
	loc := res.Locator
	if loc == nil {
		s.writeShotError(w, r, errors.New("no locator produced"))
		return
	}
	if loc.Body != nil {
		defer func() { _ = loc.Body.Close() }()
	}

	h := w.Header()
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("X-Webshot-Key", res.Key)
	h.Set("X-Webshot-Cache", cacheState(res))
	if loc.URL != "" {
		http.Redirect(w, r, loc.URL, http.StatusTemporaryRedirect)
		return
	}

	etag := entityTag(res.Key)
	h.Set("ETag", etag)
	h.Set("Cache-Control", "public, max-age="+strconv.Itoa(s.opts.CacheMaxAge))
	if match := r.Header.Get("If-None-Match"); match != "" && match == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	h.Set("Content-Type", loc.ContentType)
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, loc.Body); err != nil {
		s.logger.Warn("stream image failed", zap.String("key", res.Key), zap.Error(err))
	}
}

func (s *Server) submitShot(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		writeError(w, http.StatusServiceUnavailable, "deferred queue disabled")
		return
	}
	var params shot.RequestParams
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&params); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	job, err := s.jobs.Submit(r.Context(), params)
	if err != nil {
		s.writeShotError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": job.ID, "key": job.Key})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		writeError(w, http.StatusServiceUnavailable, "deferred queue disabled")
		return
	}
	id := chi.URLParam(r, "job_id")
	rec, err := s.jobs.Job(r.Context(), id)
	if errors.Is(err, shot.ErrNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		s.logger.Error("job lookup failed", zap.String("job_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "job lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) writeShotError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("shot failed",
			zap.String("request_id", requestID(r.Context())),
			zap.Int("status", status),
			zap.Error(err))
	}
	w.Header().Set("Access-Control-Allow-Origin", "*")
	writeError(w, status, err.Error())
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, shot.ErrInvalidURL):
		return http.StatusNotFound
	case errors.Is(err, shot.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, shot.ErrNavigation):
		return http.StatusBadGateway
	case errors.Is(err, shot.ErrPoolTimeout):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// paramsFromQuery reads the render surface. url may also be given as path.
func paramsFromQuery(r *http.Request) (shot.RequestParams, error) {
	q := r.URL.Query()
	params := shot.RequestParams{
		URL:       q.Get("url"),
		Selectors: shot.SplitSelectors(q.Get("selectors")),
	}
	if params.URL == "" {
		params.URL = q.Get("path")
	}
	if filename := chi.URLParam(r, "filename"); filename != "" {
		format, err := shot.FormatFromFilename(filename)
		if err != nil {
			return params, err
		}
		params.Format = string(format)
	}
	for _, dim := range []struct {
		name string
		dst  *int
	}{
		{"width", &params.Width},
		{"height", &params.Height},
		{"scaled_width", &params.ScaledWidth},
		{"scaled_height", &params.ScaledHeight},
	} {
		name, dst := dim.name, dim.dst
		raw := strings.TrimSpace(q.Get(name))
		if raw == "" {
			continue
		}
		v, err := strconv.Atoi(raw)
		if err != nil {
			return params, fmt.Errorf("%w: %s=%q", shot.ErrInvalidDimensions, name, raw)
		}
		*dst = v
	}
	return params, nil
}

func cacheState(res *shot.Result) string {
	if res.CacheHit {
		return "hit"
	}
	return "miss"
}

// entityTag derives a strong ETag from the content-addressed key.
func entityTag(key string) string {
	return fmt.Sprintf("%q", strconv.FormatUint(xxhash.Sum64String(key), 16))
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

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("request_id", requestID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered",
					zap.String("request_id", requestID(r.Context())),
					zap.Any("panic", rec))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
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

type requestIDKey struct{}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
