package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"rtsp-proxy/internal/observability/logging"
)

// CORSConfig lists the browser origins allowed to call the proxy. "*" admits
// any origin without credentials. With an empty list only same-origin
// browser requests pass.
type CORSConfig struct {
	AllowedOrigins []string
}

const (
	corsAllowHeaders = "Authorization, Content-Type, Range, X-Request-Id, X-Stream-Id"
	corsMaxAge       = "600"
)

// corsRules are the preflight methods and exposed headers of one response
// class. Media routes are read-only and expose what hls.js needs for ranged
// segment fetches.
type corsRules struct {
	methods []string
	expose  string
}

var corsRulesByClass = map[responseClass]corsRules{
	classData: {
		methods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		expose:  "Content-Type, X-Request-Id, Retry-After",
	},
	classPage: {
		methods: []string{http.MethodGet, http.MethodHead, http.MethodOptions},
		expose:  "Content-Type, X-Request-Id",
	},
	classMedia: {
		methods: []string{http.MethodGet, http.MethodHead, http.MethodOptions},
		expose:  "Content-Type, Content-Length, Content-Range, Accept-Ranges, X-Request-Id, Retry-After",
	},
}

func (c corsRules) allows(method string) bool {
	method = strings.ToUpper(strings.TrimSpace(method))
	for _, allowed := range c.methods {
		if allowed == method {
			return true
		}
	}
	return false
}

type corsPolicy struct {
	anyOrigin bool
	origins   map[string]struct{}
}

func newCORSPolicy(cfg CORSConfig) (corsPolicy, error) {
	policy := corsPolicy{origins: make(map[string]struct{})}
	for _, raw := range cfg.AllowedOrigins {
		if strings.TrimSpace(raw) == "*" {
			policy.anyOrigin = true
			continue
		}
		origin, err := canonicalOrigin(raw)
		if err != nil {
			return corsPolicy{}, fmt.Errorf("parse origin %q: %w", raw, err)
		}
		if origin != "" {
			policy.origins[origin] = struct{}{}
		}
	}
	return policy, nil
}

// canonicalOrigin lowercases scheme and host. Blank input yields "".
func canonicalOrigin(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", nil
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return "", fmt.Errorf("origin must include scheme and host")
	}
	return strings.ToLower(parsed.Scheme) + "://" + strings.ToLower(parsed.Host), nil
}

// admits reports whether origin may read responses served for r.
func (p corsPolicy) admits(origin string, r *http.Request) bool {
	canonical, err := canonicalOrigin(origin)
	if err != nil || canonical == "" {
		return false
	}
	if p.anyOrigin {
		return true
	}
	if _, ok := p.origins[canonical]; ok {
		return true
	}
	return canonical == selfOrigin(r)
}

func selfOrigin(r *http.Request) string {
	host := strings.ToLower(strings.TrimSpace(r.Host))
	if host == "" {
		return ""
	}
	if r.TLS != nil {
		return "https://" + host
	}
	return "http://" + host
}

func corsMiddleware(policy corsPolicy, logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		if origin == "" {
			next.ServeHTTP(w, r)
			return
		}
		if !policy.admits(origin, r) {
			logging.Scoped(r.Context(), logger).Warn("blocked CORS origin", "origin", origin, "path", r.URL.Path)
			http.Error(w, "origin not allowed", http.StatusForbidden)
			return
		}

		rules := corsRulesByClass[classifyPath(r.URL.Path)]
		header := w.Header()
		header.Set("Access-Control-Allow-Origin", origin)
		header.Add("Vary", "Origin")
		header.Set("Access-Control-Expose-Headers", rules.expose)
		if !policy.anyOrigin {
			header.Set("Access-Control-Allow-Credentials", "true")
		}

		if r.Method != http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		if requested := r.Header.Get("Access-Control-Request-Method"); requested != "" {
			if !rules.allows(requested) {
				http.Error(w, "method not allowed for this route", http.StatusMethodNotAllowed)
				return
			}
			header.Set("Access-Control-Allow-Methods", strings.Join(rules.methods, ", "))
			header.Set("Access-Control-Allow-Headers", corsAllowHeaders)
			header.Set("Access-Control-Max-Age", corsMaxAge)
		}
		w.WriteHeader(http.StatusNoContent)
	})
}
