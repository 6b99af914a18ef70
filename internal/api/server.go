// Package api exposes the HTTP interface for the snapshot service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/snapframe/snapframe/internal/metrics"
	"github.com/snapframe/snapframe/internal/pipeline"
	"github.com/snapframe/snapframe/internal/snapshot"
)

// Config controls transport behavior.
type Config struct {
	// RequestTimeout caps the whole HTTP request, acquire wait included.
	RequestTimeout time.Duration
}

// Server wires HTTP handlers to the render pipeline.
type Server struct {
	router chi.Router
	pipe   *pipeline.Pipeline
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(pipe *pipeline.Pipeline, cfg Config, logger *zap.Logger) *Server {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{pipe: pipe, logger: logger}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(cfg.RequestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/snapshot", s.takeSnapshot)
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if !s.pipe.Healthy() {
		writeError(w, http.StatusServiceUnavailable, "render backend degraded")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) takeSnapshot(w http.ResponseWriter, r *http.Request) {
	req, err := parseRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := s.pipe.Handle(r.Context(), req)
	if err != nil {
		s.writePipelineError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", result.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(result.Data)))
	w.Header().Set("X-Snapshot-Location", result.Location)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(result.Data); err != nil {
		s.logger.Warn("artifact write to client failed", zap.Error(err))
	}
}

func (s *Server) writePipelineError(w http.ResponseWriter, r *http.Request, err error) {
	if te, ok := snapshot.AsThrottled(err); ok {
		w.Header().Set("Retry-After", retryAfterSeconds(te.RetryAfter))
		writeError(w, http.StatusTooManyRequests, te.Error())
		return
	}
	switch {
	case errors.Is(err, snapshot.ErrInvalidSignature),
		errors.Is(err, snapshot.ErrExpired),
		errors.Is(err, snapshot.ErrUnknownTenant):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, snapshot.ErrScopeViolation):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, snapshot.ErrPoolExhausted), errors.Is(err, snapshot.ErrAcquireTimeout):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, snapshot.ErrRenderTimeout):
		writeError(w, http.StatusGatewayTimeout, err.Error())
	case errors.Is(err, snapshot.ErrNavigationFailed), errors.Is(err, snapshot.ErrCaptureFailed):
		writeError(w, http.StatusBadGateway, err.Error())
	case r.Context().Err() != nil:
		// Client went away; nothing useful to write.
	default:
		s.logger.Error("snapshot request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

// parseRequest maps the signed query parameters onto a snapshot.Request.
func parseRequest(r *http.Request) (snapshot.Request, error) {
	q := r.URL.Query()
	req := snapshot.Request{
		URL:       q.Get("url"),
		Tenant:    q.Get("tenant"),
		Nonce:     q.Get("nonce"),
		Signature: q.Get("signature"),
	}
	if req.URL == "" {
		return snapshot.Request{}, errors.New("url is required")
	}
	if req.Tenant == "" {
		return snapshot.Request{}, errors.New("tenant is required")
	}
	if req.Signature == "" {
		return snapshot.Request{}, errors.New("signature is required")
	}

	expires, err := strconv.ParseInt(q.Get("expires"), 10, 64)
	if err != nil {
		return snapshot.Request{}, fmt.Errorf("invalid expires: %w", err)
	}
	req.Expires = expires

	format, err := snapshot.ParseFormat(defaultString(q.Get("format"), "png"))
	if err != nil {
		return snapshot.Request{}, err
	}
	req.Format = format

	if req.ViewportWidth, err = optionalInt(q.Get("viewport-width")); err != nil {
		return snapshot.Request{}, fmt.Errorf("invalid viewport-width: %w", err)
	}
	if req.ViewportHeight, err = optionalInt(q.Get("viewport-height")); err != nil {
		return snapshot.Request{}, fmt.Errorf("invalid viewport-height: %w", err)
	}
	if req.Quality, err = optionalInt(q.Get("quality")); err != nil {
		return snapshot.Request{}, fmt.Errorf("invalid quality: %w", err)
	}
	if v := q.Get("scale"); v != "" {
		if req.Scale, err = strconv.ParseFloat(v, 64); err != nil {
			return snapshot.Request{}, fmt.Errorf("invalid scale: %w", err)
		}
	}
	req.FullPage = q.Get("full-page") == "true"
	req.OmitBackground = q.Get("omit-background") == "true"

	if host, _, splitErr := net.SplitHostPort(r.RemoteAddr); splitErr == nil {
		req.ClientAddr = host
	} else {
		req.ClientAddr = r.RemoteAddr
	}
	return req, nil
}

func optionalInt(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	return strconv.Atoi(v)
}

func defaultString(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func retryAfterSeconds(d time.Duration) string {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
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
			zap.String("request_id", requestIDFrom(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("panic", rec))
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

type requestIDKey struct{}

func requestIDFrom(ctx context.Context) string {
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
