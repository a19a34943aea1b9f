package server

import (
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"rtsp-proxy/internal/observability/logging"
	"rtsp-proxy/internal/observability/metrics"
)

func rateLimitMiddleware(rl *rateLimiter, resolver *clientIPResolver, logger *slog.Logger, next http.Handler) http.Handler {
	if rl == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.AllowRequest() {
			writeMiddlewareError(w, http.StatusTooManyRequests, "global rate limit exceeded")
			return
		}
		if spawnsProcess(r) {
			ip, _ := resolveClientIP(r, resolver)
			allowed, retryAfter, err := rl.AllowCreate(r.Context(), ip)
			if err != nil {
				if l := loggingWithRequest(logger, resolver, r); l != nil {
					l.Error("rate limiter failure", "error", err)
				}
				writeMiddlewareError(w, http.StatusServiceUnavailable, "rate limit failure")
				return
			}
			if !allowed {
				if retryAfter > 0 {
					w.Header().Set("Retry-After", fmt.Sprintf("%.0f", retryAfter.Seconds()))
				}
				writeMiddlewareError(w, http.StatusTooManyRequests, "too many stream requests")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// spawnsProcess reports whether r would launch a new engine process.
func spawnsProcess(r *http.Request) bool {
	path := r.URL.Path
	switch r.Method {
	case http.MethodPost:
		return strings.HasPrefix(path, "/api/stream/") && strings.HasSuffix(path, "/start")
	case http.MethodGet:
		switch path {
		case "/stream", "/stream/hls", "/proxy/rtsp", "/proxyhl/rtsp":
			return true
		}
	}
	return false
}

// tokenMiddleware guards mutating control routes with a static bearer token.
// An empty token disables the check.
func tokenMiddleware(token string, logger *slog.Logger, next http.Handler) http.Handler {
	token = strings.TrimSpace(token)
	if token == "" {
		return next
	}
	expected := []byte(token)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requiresToken(r) {
			next.ServeHTTP(w, r)
			return
		}
		presented, ok := bearerToken(r)
		if !ok || subtle.ConstantTimeCompare([]byte(presented), expected) != 1 {
			if l := logging.Scoped(r.Context(), logger); l != nil {
				l.Warn("rejected unauthenticated request", "method", r.Method, "path", r.URL.Path)
			}
			w.Header().Set("WWW-Authenticate", `Bearer realm="rtsp-proxy"`)
			writeMiddlewareError(w, http.StatusUnauthorized, "missing or invalid API token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func requiresToken(r *http.Request) bool {
	if r.Method == http.MethodGet || r.Method == http.MethodHead || r.Method == http.MethodOptions {
		return false
	}
	return strings.HasPrefix(r.URL.Path, "/api/") || strings.HasPrefix(r.URL.Path, "/proxyhl/sessions/")
}

func bearerToken(r *http.Request) (string, bool) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	scheme, value, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	value = strings.TrimSpace(value)
	return value, value != ""
}

// auditMiddleware records one line per mutating control request.
func auditMiddleware(logger *slog.Logger, resolver *clientIPResolver, next http.Handler) http.Handler {
	if logger == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requiresToken(r) {
			next.ServeHTTP(w, r)
			return
		}
		rec := metrics.NewResponseRecorder(w)
		start := time.Now()
		next.ServeHTTP(rec, r)
		loggingWithRequest(logger, resolver, r).Info("audit",
			"method", r.Method,
			"status", rec.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}
