package api

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/biotronics/ecosim/cmn"
	"github.com/biotronics/ecosim/cmn/nlog"
	"github.com/biotronics/ecosim/metrics"
)

// securityHeaders sets the fixed response headers of security.py's
// SecurityHeadersMiddleware, plus a no-store Cache-Control on every /api/
// response.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "SAMEORIGIN")
		h.Set("X-XSS-Protection", "1; mode=block")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		if strings.HasPrefix(r.URL.Path, "/api/") {
			h.Set("Cache-Control", "no-store, no-cache, must-revalidate")
			h.Set("Pragma", "no-cache")
		}
		next.ServeHTTP(w, r)
	})
}

// cors mirrors ALLOWED_ORIGINS (spec §6 configuration): reflects the
// request's Origin back when it's in the configured allow-list, otherwise
// sends no CORS headers at all. Only active when cfg.Production; spec
// names "strict CORS" as a production-mode concern.
func (rt *Router) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rt.app.Config.Production {
			origin := r.Header.Get("Origin")
			if origin != "" && rt.originAllowed(origin) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Vary", "Origin")
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Discovery-Key")
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (rt *Router) originAllowed(origin string) bool {
	for _, o := range rt.app.Config.AllowedOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

// rateLimiter is a per-client-IP token bucket, grounded on security.py's
// RateLimitMiddleware sliding window but built on golang.org/x/time/rate,
// the library the rest of this repo already uses for the same concern
// (broadcast.Hub's per-source subscription cap).
type rateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

func newRateLimiter(requestsPerWindow int, window time.Duration) *rateLimiter {
	return &rateLimiter{
		limiters: make(map[string]*rate.Limiter),
		rps:      rate.Every(window / time.Duration(requestsPerWindow)),
		burst:    requestsPerWindow,
	}
}

func (rl *rateLimiter) allow(clientIP string) bool {
	rl.mu.Lock()
	lim, ok := rl.limiters[clientIP]
	if !ok {
		lim = rate.NewLimiter(rl.rps, rl.burst)
		rl.limiters[clientIP] = lim
	}
	rl.mu.Unlock()
	return lim.Allow()
}

// rateLimit skips health checks and WebSocket upgrades, matching
// security.py's dispatch exemption list, and only applies in production.
func (rt *Router) rateLimit(next http.Handler) http.Handler {
	limiter := newRateLimiter(60, time.Minute)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rt.app.Config.Production || r.URL.Path == "/healthz" || strings.HasPrefix(r.URL.Path, "/ws") {
			next.ServeHTTP(w, r)
			return
		}
		ip := clientIP(r)
		if !limiter.allow(ip) {
			w.Header().Set("Retry-After", "60")
			writeJSON(w, http.StatusTooManyRequests, map[string]any{
				"error":   "rate_limited",
				"message": "too many requests",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	if real := r.Header.Get("X-Real-IP"); real != "" {
		return real
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// recoverPanic extends the "background tasks never propagate exceptions"
// discipline to request handlers: a handler panic becomes a 500, not a
// crashed server.
func recoverPanic(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				nlog.Errorf("api: panic handling %s %s: %v", r.Method, r.URL.Path, rec)
				writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal_error"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// instrument wraps a route handler with verbosity-gated request logging
// (cmn.Rom.FastV, matching ais/prxs3.go's s3Handler) and the /metrics
// histogram.
func instrument(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if cmn.Rom.FastV(4, "api") {
			nlog.Infof("api: %s %s", r.Method, r.URL)
		}
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next(sw, r)
		metrics.ObserveHTTPRequest(route, r.Method, strconv.Itoa(sw.status), time.Since(start))
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
