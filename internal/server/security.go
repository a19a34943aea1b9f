package server

import (
	"net/http"
	"strings"
)

const (
	defaultFrameOptions        = "SAMEORIGIN"
	defaultReferrerPolicy      = "no-referrer"
	defaultPermissionsPolicy   = "camera=(), microphone=(), geolocation=()"
	defaultMediaResourcePolicy = "cross-origin"
	defaultDataPolicy          = "default-src 'none'; frame-ancestors 'none'"
	playerScriptSource         = "https://cdn.jsdelivr.net"
)

// defaultPlayerPolicy lets the player page load hls.js and play
// MediaSource blobs fed from this origin.
var defaultPlayerPolicy = strings.Join([]string{
	"default-src 'self'",
	"connect-src 'self'",
	"img-src 'self' data:",
	"media-src 'self' blob:",
	"worker-src 'self' blob:",
	"script-src 'self' " + playerScriptSource,
	"style-src 'self'",
	"object-src 'none'",
	"base-uri 'self'",
	"frame-ancestors 'self'",
	"form-action 'self'",
}, "; ")

// SecurityConfig controls the hardening headers. Empty fields use defaults.
type SecurityConfig struct {
	// PlayerPolicy is the Content-Security-Policy of the player page and
	// its static assets.
	PlayerPolicy string
	// DataPolicy is the Content-Security-Policy of JSON and media responses.
	DataPolicy        string
	FrameOptions      string
	ReferrerPolicy    string
	PermissionsPolicy string
	// MediaResourcePolicy is sent as Cross-Origin-Resource-Policy on media
	// routes so players served from other origins can fetch segments.
	MediaResourcePolicy string
}

func (cfg SecurityConfig) withDefaults() SecurityConfig {
	if cfg.PlayerPolicy == "" {
		cfg.PlayerPolicy = defaultPlayerPolicy
	}
	if cfg.DataPolicy == "" {
		cfg.DataPolicy = defaultDataPolicy
	}
	if cfg.FrameOptions == "" {
		cfg.FrameOptions = defaultFrameOptions
	}
	if cfg.ReferrerPolicy == "" {
		cfg.ReferrerPolicy = defaultReferrerPolicy
	}
	if cfg.PermissionsPolicy == "" {
		cfg.PermissionsPolicy = defaultPermissionsPolicy
	}
	if cfg.MediaResourcePolicy == "" {
		cfg.MediaResourcePolicy = defaultMediaResourcePolicy
	}
	return cfg
}

type responseClass int

const (
	classData responseClass = iota
	classPage
	classMedia
)

func classifyPath(path string) responseClass {
	switch {
	case path == "/player" || strings.HasPrefix(path, "/static/"):
		return classPage
	case path == "/stream" || strings.HasPrefix(path, "/stream/"),
		path == "/proxy/rtsp", path == "/proxyhl/rtsp",
		strings.HasPrefix(path, "/proxyhl/segment/"):
		return classMedia
	default:
		return classData
	}
}

// securityHeaders precomputes the header set of every response class.
func securityHeaders(cfg SecurityConfig) map[responseClass]http.Header {
	cfg = cfg.withDefaults()
	common := http.Header{}
	common.Set("X-Content-Type-Options", "nosniff")
	common.Set("X-Frame-Options", cfg.FrameOptions)
	common.Set("Referrer-Policy", cfg.ReferrerPolicy)
	common.Set("Permissions-Policy", cfg.PermissionsPolicy)

	page := common.Clone()
	page.Set("Content-Security-Policy", cfg.PlayerPolicy)
	data := common.Clone()
	data.Set("Content-Security-Policy", cfg.DataPolicy)
	media := data.Clone()
	media.Set("Cross-Origin-Resource-Policy", cfg.MediaResourcePolicy)

	return map[responseClass]http.Header{classPage: page, classData: data, classMedia: media}
}

func securityHeadersMiddleware(cfg SecurityConfig, next http.Handler) http.Handler {
	sets := securityHeaders(cfg)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := w.Header()
		for key, values := range sets[classifyPath(r.URL.Path)] {
			header[key] = append([]string(nil), values...)
		}
		next.ServeHTTP(w, r)
	})
}
