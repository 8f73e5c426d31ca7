package gateway

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/courtflow/courtflow/internal/config"
	"github.com/courtflow/courtflow/internal/metrics"
)

// responseWrapper captures the status and size written by downstream
// handlers for logging and metrics.
type responseWrapper struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (w *responseWrapper) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *responseWrapper) Write(data []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(data)
	w.bytes += n
	return n, err
}

// requestIDMiddleware stamps every request with an id, echoing a
// caller-supplied X-Request-ID when present.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKeyRequestID, id)))
	})
}

// sizeGateMiddleware rejects oversized bodies before handlers read them.
func sizeGateMiddleware(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > maxBytes {
				respondCode(w, http.StatusRequestEntityTooLarge, "payload_too_large",
					fmt.Sprintf("request body exceeds %d bytes", maxBytes))
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}

// securityHeadersMiddleware sets the standard hardening headers; HSTS only
// on TLS.
func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-XSS-Protection", "1; mode=block")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		if r.TLS != nil {
			h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		next.ServeHTTP(w, r)
	})
}

// corsMiddleware applies the configured origin allowlist. Preflights are
// answered with 204.
func corsMiddleware(allowed []string) func(http.Handler) http.Handler {
	allowAll := len(allowed) == 0
	set := make(map[string]bool, len(allowed))
	for _, origin := range allowed {
		set[origin] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" && (allowAll || set[origin]) {
				h := w.Header()
				h.Set("Access-Control-Allow-Origin", origin)
				h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
				h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Request-ID")
				// Credentials only for explicitly allowlisted origins; the
				// echo-any-origin dev default must not be credentialed.
				if !allowAll {
					h.Set("Access-Control-Allow-Credentials", "true")
				}
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Rate-limit classes. The auth class covers credential endpoints.
const (
	RateClassDefault = "default"
	RateClassAuth    = "auth"
)

// rateLimiter keeps one token bucket per client address per class. Stale
// buckets are swept periodically.
type rateLimiter struct {
	cfg    config.RateLimitConfig
	bypass map[string]bool
	hook   func(class string) // rate-limited counter

	mu      sync.Mutex
	buckets map[string]*bucketEntry
}

type bucketEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newRateLimiter(cfg config.RateLimitConfig, hook func(string)) *rateLimiter {
	bypass := make(map[string]bool, len(cfg.BypassPaths))
	for _, p := range cfg.BypassPaths {
		bypass[p] = true
	}
	rl := &rateLimiter{cfg: cfg, bypass: bypass, hook: hook, buckets: make(map[string]*bucketEntry)}
	go rl.sweep()
	return rl
}

func (rl *rateLimiter) sweep() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		cutoff := time.Now().Add(-2 * rl.cfg.Window)
		rl.mu.Lock()
		for key, entry := range rl.buckets {
			if entry.lastSeen.Before(cutoff) {
				delete(rl.buckets, key)
			}
		}
		rl.mu.Unlock()
	}
}

func (rl *rateLimiter) capFor(class string) int {
	if class == RateClassAuth {
		return rl.cfg.AuthMax
	}
	return rl.cfg.Max
}

// take consumes one token for the client+class, double-checked under the
// map lock. Returns the class cap, tokens remaining and whether the
// request may proceed.
func (rl *rateLimiter) take(client, class string) (limit, remaining int, ok bool) {
	limit = rl.capFor(class)
	key := class + "|" + client

	rl.mu.Lock()
	entry, found := rl.buckets[key]
	if !found {
		entry = &bucketEntry{
			limiter: rate.NewLimiter(rate.Limit(float64(limit)/rl.cfg.Window.Seconds()), limit),
		}
		rl.buckets[key] = entry
	}
	entry.lastSeen = time.Now()
	rl.mu.Unlock()

	ok = entry.limiter.Allow()
	remaining = int(entry.limiter.Tokens())
	if remaining < 0 {
		remaining = 0
	}
	return limit, remaining, ok
}

// middleware applies the class limit; bypass paths skip entirely.
func (rl *rateLimiter) middleware(class string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if rl.bypass[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}
			limit, remaining, ok := rl.take(clientAddress(r), class)
			w.Header().Set("RateLimit-Limit", strconv.Itoa(limit))
			w.Header().Set("RateLimit-Remaining", strconv.Itoa(remaining))
			if !ok {
				if rl.hook != nil {
					rl.hook(class)
				}
				w.Header().Set("Retry-After", strconv.Itoa(int(rl.cfg.Window.Seconds())))
				respondCode(w, http.StatusTooManyRequests, "rate_limited", "too many requests")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientAddress resolves the client for bucketing, honouring the first
// X-Forwarded-For hop.
func clientAddress(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if idx := strings.IndexByte(fwd, ','); idx > 0 {
			return strings.TrimSpace(fwd[:idx])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// recoveryMiddleware converts panics into a generic 500 carrying the
// request id; the panic value stays in the logs.
func recoveryMiddleware(production bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					requestID := RequestIDFrom(r.Context())
					log.Error().Interface("panic", rec).
						Str("request_id", requestID).
						Str("path", r.URL.Path).Msg("handler panic")
					message := "internal server error"
					if production && requestID != "" {
						message = "internal server error (request " + requestID + ")"
					}
					respondCode(w, http.StatusInternalServerError, "internal_error", message)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// metricsMiddleware records every request into the ring and prometheus.
func metricsMiddleware(ring *metrics.Ring, prom *metrics.Registry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := &responseWrapper{ResponseWriter: w}
			next.ServeHTTP(wrapped, r)
			elapsed := time.Since(start)

			if wrapped.status == 0 {
				wrapped.status = http.StatusOK
			}
			var userID string
			if id := IdentityFrom(r.Context()); id != nil {
				userID = id.UserID
			}
			ring.Append(metrics.Record{
				RequestID:  RequestIDFrom(r.Context()),
				Method:     r.Method,
				Path:       r.URL.Path,
				StatusCode: wrapped.status,
				Latency:    elapsed,
				UserID:     userID,
				ClientAddr: clientAddress(r),
				UserAgent:  r.UserAgent(),
				ReceivedAt: start,
			})
			if prom != nil {
				status := strconv.Itoa(wrapped.status)
				prom.RequestDuration.WithLabelValues(r.Method, r.URL.Path, status).Observe(elapsed.Seconds())
				prom.RequestsTotal.WithLabelValues(r.Method, r.URL.Path, status).Inc()
			}
			log.Debug().Str("method", r.Method).Str("path", r.URL.Path).
				Int("status", wrapped.status).Dur("latency", elapsed).
				Int("bytes", wrapped.bytes).Msg("request")
		})
	}
}

// chain applies middlewares in declaration order.
func chain(h http.Handler, middlewares ...func(http.Handler) http.Handler) http.Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}
