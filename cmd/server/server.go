package main

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/toricodesthings/mail-attachment-service/internal/config"
	"github.com/toricodesthings/mail-attachment-service/internal/extract"
	"github.com/toricodesthings/mail-attachment-service/internal/mail"
	"github.com/toricodesthings/mail-attachment-service/internal/metrics"
)

const version = "1.0.0"

type emailProcessor interface {
	ProcessEmail(ctx context.Context, req mail.Request) (mail.Response, error)
}

type attachmentProcessor interface {
	Process(ctx context.Context, ref extract.Reference) (extract.Result, error)
}

type server struct {
	cfg         config.Config
	logger      *slog.Logger
	metrics     *metrics.Metrics
	emails      emailProcessor
	attachments attachmentProcessor

	requestSem *semaphore.Weighted
	active     atomic.Int64
	total      atomic.Int64

	// Per-IP rate limiters, reset by cleanupRateLimiters.
	limitersMu sync.Mutex
	limiters   map[string]*rate.Limiter
}

func newServer(cfg config.Config, logger *slog.Logger, m *metrics.Metrics, emails emailProcessor, attachments attachmentProcessor) *server {
	maxConcurrent := cfg.MaxConcurrentRequests
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	cfg.MaxConcurrentRequests = maxConcurrent
	return &server{
		cfg:         cfg,
		logger:      logger,
		metrics:     m,
		emails:      emails,
		attachments: attachments,
		requestSem:  semaphore.NewWeighted(maxConcurrent),
		limiters:    make(map[string]*rate.Limiter),
	}
}

func (s *server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.withLogging)
	r.Use(s.withRecovery)
	r.Use(s.metrics.Middleware)

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeErr(w, http.StatusMethodNotAllowed, "Method not allowed", "")
	})
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeErr(w, http.StatusNotFound, "Not found", "")
	})

	r.Get("/health", s.handleHealth)
	r.With(s.withInternalAuth).Get("/metrics", s.metrics.Handler().ServeHTTP)

	r.Group(func(r chi.Router) {
		r.Use(s.withInternalAuth, s.withRateLimit, s.withConcurrencyLimit)
		r.Post("/api/process_email", s.handleProcessEmail)
		r.Post("/api/extract", s.handleExtract)
	})
	return r
}

func (s *server) cleanupRateLimiters(ctx context.Context) {
	interval := s.cfg.CleanupInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		var m runtime.MemStats
		runtime.ReadMemStats(&m)
		s.logger.Info("stats",
			"active", s.active.Load(),
			"total", s.total.Load(),
			"goroutines", runtime.NumGoroutine(),
			"mem_mb", m.Alloc/(1<<20),
		)

		s.limitersMu.Lock()
		s.limiters = make(map[string]*rate.Limiter)
		s.limitersMu.Unlock()
	}
}

// ---------- Handlers ----------

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	active := s.active.Load()
	status := "healthy"
	code := http.StatusOK

	ratio := s.cfg.HealthDegradeRatio
	if ratio <= 0 || ratio > 1 {
		ratio = 0.9
	}

	if active >= int64(float64(s.cfg.MaxConcurrentRequests)*ratio) {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, map[string]any{
		"status":  status,
		"active":  active,
		"version": version,
	})
}

func (s *server) handleProcessEmail(w http.ResponseWriter, r *http.Request) {
	req, err := parseJSON[mail.Request](r, s.cfg.MaxJSONBodyBytes)
	if err != nil {
		writeErr(w, http.StatusBadRequest, "Invalid JSON format", sanitizeError(err))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.processTimeout())
	defer cancel()

	resp, err := s.emails.ProcessEmail(ctx, req)
	switch {
	case errors.Is(err, mail.ErrInvalidRequest):
		writeErr(w, http.StatusBadRequest, "Missing required fields: sender and/or emailBlobUri", "")
		return
	case err != nil:
		s.logger.Error("email processing failed", "error", err, "request_id", middleware.GetReqID(r.Context()))
		writeErr(w, http.StatusInternalServerError, "Internal server error", sanitizeError(err))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "success",
		"message": "Email processed successfully",
		"data":    resp,
	})
}

type extractRequest struct {
	URI string `json:"uri"`
}

// handleExtract runs a single reference through the attachment pipeline.
func (s *server) handleExtract(w http.ResponseWriter, r *http.Request) {
	req, err := parseJSON[extractRequest](r, s.cfg.MaxJSONBodyBytes)
	if err != nil {
		writeErr(w, http.StatusBadRequest, "Invalid JSON format", sanitizeError(err))
		return
	}
	ref, err := extract.ParseInboundReference(req.URI, s.cfg.AttachmentContainer)
	if err != nil {
		writeErr(w, http.StatusBadRequest, "Invalid attachment reference", sanitizeError(err))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.processTimeout())
	defer cancel()

	res, _ := s.attachments.Process(ctx, ref)
	if res.Status == extract.StatusError {
		writeJSON(w, http.StatusBadRequest, res)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *server) processTimeout() time.Duration {
	if s.cfg.ProcessTimeout > 0 {
		return s.cfg.ProcessTimeout
	}
	return 10 * time.Minute
}

// ---------- Middleware ----------

func (s *server) withInternalAuth(next http.Handler) http.Handler {
	shared := []byte(s.cfg.InternalSharedSecret)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.Header.Get("X-Internal-Auth")
		if len(shared) == 0 || subtle.ConstantTimeCompare([]byte(got), shared) != 1 {
			writeErr(w, http.StatusUnauthorized, "Invalid authentication", "")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *server) withConcurrencyLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := s.requestSem.Acquire(r.Context(), 1); err != nil {
			writeErr(w, http.StatusServiceUnavailable, "Service at capacity", "")
			return
		}
		defer s.requestSem.Release(1)

		s.active.Add(1)
		s.total.Add(1)
		defer s.active.Add(-1)

		next.ServeHTTP(w, r)
	})
}

func (s *server) withRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.rateLimiter(clientIP(r)).Allow() {
			w.Header().Set("Retry-After", "60")
			writeErr(w, http.StatusTooManyRequests, "Rate limit exceeded", "")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *server) withRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if p := recover(); p != nil {
				if p == http.ErrAbortHandler {
					panic(p)
				}
				s.logger.Error("panic", "panic", p, "path", sanitizeLogString(r.URL.Path), "request_id", middleware.GetReqID(r.Context()))
				writeErr(w, http.StatusInternalServerError, "Internal server error", "")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.logger.Info("request",
			"method", r.Method,
			"path", sanitizeLogString(r.URL.Path),
			"status", status,
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// ---------- Helpers ----------

func (s *server) rateLimiter(ip string) *rate.Limiter {
	s.limitersMu.Lock()
	defer s.limitersMu.Unlock()

	if l, ok := s.limiters[ip]; ok {
		return l
	}

	every := s.cfg.RateLimitEvery
	if every <= 0 {
		every = 600 * time.Millisecond // ~100/min
	}
	burst := s.cfg.RateLimitBurst
	if burst <= 0 {
		burst = 20
	}

	l := rate.NewLimiter(rate.Every(every), burst)
	s.limiters[ip] = l
	return l
}

// clientIP relies on middleware.RealIP having rewritten RemoteAddr.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func sanitizeError(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	msg = strings.ReplaceAll(msg, os.TempDir(), "[tmp]")
	if len(msg) > 300 {
		msg = msg[:300] + "..."
	}
	return msg
}

func sanitizeLogString(s string) string {
	s = strings.ReplaceAll(s, "\n", "")
	s = strings.ReplaceAll(s, "\r", "")
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}

func parseJSON[T any](r *http.Request, limit int64) (T, error) {
	var out T
	if limit <= 0 {
		limit = 2 << 20
	}
	dec := json.NewDecoder(io.LimitReader(r.Body, limit))

	if err := dec.Decode(&out); err != nil {
		return out, err
	}

	// Ensure there's nothing else after the first JSON value
	if err := dec.Decode(new(any)); err != io.EOF {
		if err == nil {
			return out, fmt.Errorf("unexpected trailing data")
		}
		return out, err
	}

	return out, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

func writeErr(w http.ResponseWriter, status int, message, details string) {
	body := map[string]any{"error": message}
	if details != "" {
		body["details"] = details
	}
	writeJSON(w, status, body)
}
