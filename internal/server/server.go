package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"rtsp-proxy/internal/api"
	"rtsp-proxy/internal/observability/logging"
	"rtsp-proxy/internal/observability/metrics"
	"rtsp-proxy/internal/serverutil"
	"rtsp-proxy/web"
)

type TLSConfig struct {
	CertFile string
	KeyFile  string
}

type Config struct {
	Addr            string
	TLS             TLSConfig
	RateLimit       RateLimitConfig
	CORS            CORSConfig
	Security        SecurityConfig
	APIToken        string
	ShutdownTimeout time.Duration
	// BeforeShutdown hooks release long-lived media responses so draining
	// does not wait on them.
	BeforeShutdown []func()
	Logger         *slog.Logger
	Metrics        *metrics.Recorder
}

type Server struct {
	httpServer      *http.Server
	logger          *slog.Logger
	rateLimiter     *rateLimiter
	tls             TLSConfig
	shutdownTimeout time.Duration
	beforeShutdown  []func()
}

func New(handler *api.Handler, cfg Config) (*Server, error) {
	if handler == nil {
		return nil, fmt.Errorf("handler is required")
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	staticFS, err := web.Static()
	if err != nil {
		return nil, fmt.Errorf("load web assets: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", handler.Root)
	mux.HandleFunc("GET /healthz", handler.Health)
	mux.Handle("GET /metrics", recorder.Handler())

	mux.HandleFunc("GET /api/streams", handler.ListStreams)
	mux.HandleFunc("GET /api/stream/{id}", handler.StreamInfo)
	mux.HandleFunc("DELETE /api/stream/{id}", handler.RemoveStream)
	mux.HandleFunc("POST /api/stream/{id}/start", handler.StartStream)
	mux.HandleFunc("POST /api/stream/{id}/stop", handler.StopStream)
	mux.HandleFunc("GET /api/probe", handler.Probe)
	mux.HandleFunc("GET /api/events", handler.Events)

	mux.HandleFunc("GET /stream", handler.DirectStream)
	mux.HandleFunc("GET /stream/{id}/mpegts", handler.StreamMPEGTS)
	mux.HandleFunc("GET /stream/{id}/playlist.m3u8", handler.StreamPlaylist)
	mux.HandleFunc("GET /stream/hls", handler.StreamHLS)
	mux.HandleFunc("GET /stream/hls/{id}/{file}", handler.StreamHLSFile)

	mux.HandleFunc("GET /proxy/cameras", handler.Cameras)
	mux.HandleFunc("GET /proxy/rtsp", handler.ProxyRTSP)
	mux.HandleFunc("GET /proxyhl/rtsp", handler.ProxyHLS)
	mux.HandleFunc("GET /proxyhl/sessions", handler.HLSSessions)
	mux.HandleFunc("DELETE /proxyhl/sessions/{id}", handler.CancelHLSSession)
	mux.HandleFunc("GET /proxyhl/segment/{id}/{file}", handler.ProxyHLSFile)

	mux.HandleFunc("GET /player", handler.Player)
	mux.Handle("GET /static/", http.StripPrefix("/static/", http.FileServer(http.FS(staticFS))))

	policy, err := newCORSPolicy(cfg.CORS)
	if err != nil {
		return nil, err
	}
	resolver, err := newClientIPResolver(cfg.RateLimit.TrustForwardedHeaders, cfg.RateLimit.TrustedProxies)
	if err != nil {
		return nil, err
	}
	rl := newRateLimiter(cfg.RateLimit)

	handlerChain := http.Handler(mux)
	handlerChain = auditMiddleware(logger, resolver, handlerChain)
	handlerChain = tokenMiddleware(cfg.APIToken, logger, handlerChain)
	handlerChain = rateLimitMiddleware(rl, resolver, logger, handlerChain)
	handlerChain = corsMiddleware(policy, logger, handlerChain)
	handlerChain = securityHeadersMiddleware(cfg.Security, handlerChain)
	handlerChain = metrics.HTTPMiddleware(recorder, handlerChain)
	handlerChain = logging.RequestLogger(logging.RequestLoggerConfig{
		Logger:            logger,
		DisableRemoteAddr: true,
		QuietPaths:        []string{"/healthz", "/metrics"},
		AdditionalFields: func(r *http.Request, _ int, _ time.Duration) []any {
			ip, source := resolveClientIP(r, resolver)
			return []any{"remote_ip", ip, "ip_source", source}
		},
	})(handlerChain)
	handlerChain = requestIDMiddleware(logger, handlerChain)

	// Only the header read is bounded. A read or write deadline would cut
	// media responses that stream for as long as the client stays.
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handlerChain,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    64 << 10,
	}

	srv := &Server{
		httpServer:      httpServer,
		logger:          logger,
		rateLimiter:     rl,
		shutdownTimeout: cfg.ShutdownTimeout,
		beforeShutdown:  cfg.BeforeShutdown,
		tls: TLSConfig{
			CertFile: strings.TrimSpace(cfg.TLS.CertFile),
			KeyFile:  strings.TrimSpace(cfg.TLS.KeyFile),
		},
	}
	if srv.tls.CertFile != "" && srv.tls.KeyFile != "" {
		httpServer.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return srv, nil
}

// Handler returns the fully wrapped handler chain.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run serves until ctx is cancelled and then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	return serverutil.Run(ctx, serverutil.Config{
		Server:          s.httpServer,
		TLS:             serverutil.TLSConfig{CertFile: s.tls.CertFile, KeyFile: s.tls.KeyFile},
		ShutdownTimeout: s.shutdownTimeout,
		BeforeShutdown:  s.beforeShutdown,
		OnReady: func(addr net.Addr) {
			s.logger.Info("http server listening", "addr", addr.String(), "tls", s.tls.CertFile != "")
		},
	})
}

// Ping checks the rate limiter backend.
func (s *Server) Ping(ctx context.Context) error {
	return s.rateLimiter.Ping(ctx)
}

// Close releases the rate limiter backend.
func (s *Server) Close() error {
	return s.rateLimiter.Close()
}
