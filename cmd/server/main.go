// Command server runs the RTSP to HTTP proxy.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"rtsp-proxy/internal/api"
	"rtsp-proxy/internal/config"
	"rtsp-proxy/internal/discovery"
	"rtsp-proxy/internal/engine"
	"rtsp-proxy/internal/hls"
	"rtsp-proxy/internal/journal"
	"rtsp-proxy/internal/observability/logging"
	"rtsp-proxy/internal/observability/metrics"
	"rtsp-proxy/internal/probe"
	"rtsp-proxy/internal/server"
	"rtsp-proxy/internal/stream"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.LookupEnv); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, "rtsp-proxy:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, lookup func(string) (string, bool)) error {
	cfg, err := config.Resolve("rtsp-proxy", args, lookup)
	if err != nil {
		return err
	}

	logger := logging.Init(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	logger.Info("starting rtsp proxy", startupSummary(cfg)...)

	store, err := openJournal(ctx, cfg.Journal)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	events := journal.NewRecorder(store, logging.WithComponent(logger, "journal"))
	recorder := metrics.Default()

	ffmpeg := engine.NewFFmpeg(cfg.Engine.FFmpegPath, logger)

	registry := stream.NewRegistry(stream.RegistryConfig{
		SessionConfig: stream.SessionConfig{
			Launcher:          ffmpeg,
			Engine:            continuousProfile(cfg.Engine),
			MaxBufferedChunks: cfg.Streams.MaxBufferedChunks,
			Logger:            logging.WithComponent(logger, "streams"),
			Metrics:           recorder,
			Journal:           events,
		},
		ReleaseOnStop: cfg.Streams.ReleaseOnStop,
	})

	supervisor := hls.NewSupervisor(hls.Config{
		Launcher:      ffmpeg,
		WorkRoot:      cfg.HLS.WorkRoot,
		Engine:        segmentedProfile(cfg.Engine, cfg.HLS),
		IdleTimeout:   cfg.HLS.IdleTimeout,
		ReapInterval:  cfg.HLS.ReapInterval,
		ReadyInterval: cfg.HLS.ReadyInterval,
		ReadyAttempts: cfg.HLS.ReadyAttempts,
		MaxSessions:   int64(cfg.HLS.MaxSessions),
		Logger:        logging.WithComponent(logger, "hls"),
		Metrics:       recorder,
		Journal:       events,
	})

	handler := api.NewHandler(registry, supervisor, ffmpeg)
	handler.Prober = probe.New(cfg.Engine.ProbeTimeout)
	handler.ProbeBeforeStart = cfg.Engine.ProbeBeforeStart
	handler.NVR = discovery.NewClient(nil, cfg.NVR.Timeout, logging.WithComponent(logger, "nvr"))
	handler.Journal = store
	handler.Metrics = recorder
	handler.Logger = logging.WithComponent(logger, "http")
	handler.Checks = append(handler.Checks, api.HealthCheck{
		Component: "engine",
		Check: func(context.Context) error {
			if !ffmpeg.Available() {
				return fmt.Errorf("%w: %s", engine.ErrBinaryNotFound, ffmpeg.Binary())
			}
			return nil
		},
	})
	if pg, ok := store.(*journal.Postgres); ok {
		handler.Checks = append(handler.Checks, api.HealthCheck{Component: "journal", Check: pg.Ping})
	}

	srv, err := server.New(handler, server.Config{
		Addr: cfg.Addr(),
		TLS:  server.TLSConfig{CertFile: cfg.Server.TLSCert, KeyFile: cfg.Server.TLSKey},
		RateLimit: server.RateLimitConfig{
			GlobalRPS:             cfg.HTTP.RateLimit.GlobalRPS,
			GlobalBurst:           cfg.HTTP.RateLimit.GlobalBurst,
			CreateLimit:           cfg.HTTP.RateLimit.CreateLimit,
			CreateWindow:          cfg.HTTP.RateLimit.CreateWindow,
			TrustForwardedHeaders: cfg.HTTP.RateLimit.TrustForwardedHeaders,
			TrustedProxies:        cfg.HTTP.RateLimit.TrustedProxies,
			RedisAddr:             cfg.HTTP.RateLimit.RedisAddr,
			RedisPassword:         cfg.HTTP.RateLimit.RedisPassword,
			RedisTimeout:          cfg.HTTP.RateLimit.RedisTimeout,
		},
		CORS:            server.CORSConfig{AllowedOrigins: cfg.HTTP.AllowedOrigins},
		APIToken:        cfg.HTTP.APIToken,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		BeforeShutdown: []func(){
			registry.StopAll,
			func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
				defer cancel()
				if err := supervisor.Shutdown(shutdownCtx); err != nil {
					logger.Warn("hls sessions did not drain", "error", err)
				}
			},
		},
		Logger:  logger,
		Metrics: recorder,
	})
	if err != nil {
		_ = store.Close(context.Background())
		return fmt.Errorf("initialise server: %w", err)
	}
	if cfg.HTTP.RateLimit.RedisAddr != "" {
		handler.Checks = append(handler.Checks, api.HealthCheck{Component: "rate_limiter", Check: srv.Ping})
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx)
	})
	if pruner, ok := store.(journalPruner); ok {
		g.Go(func() error {
			runJournalPruner(gctx, logging.WithComponent(logger, "journal"), pruner,
				cfg.Journal.Retention, cfg.Journal.PruneInterval, nil, nil)
			return nil
		})
	}
	runErr := g.Wait()
	if runErr != nil {
		logger.Error("server error", "error", runErr)
		// Run returns before its hooks when the listener fails.
		registry.StopAll()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		_ = supervisor.Shutdown(shutdownCtx)
		cancel()
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := store.Close(closeCtx); err != nil {
		logger.Warn("failed to close journal", "error", err)
	}
	if err := srv.Close(); err != nil {
		logger.Warn("failed to close rate limiter", "error", err)
	}

	logger.Info("server stopped")
	return runErr
}

func openJournal(ctx context.Context, cfg config.JournalConfig) (journal.Journal, error) {
	if cfg.PostgresDSN == "" {
		return journal.NewMemory(cfg.Capacity), nil
	}
	opts := []journal.PostgresOption{journal.WithApplicationName("rtsp-proxy")}
	if cfg.MaxConns > 0 {
		opts = append(opts, journal.WithMaxConns(int32(cfg.MaxConns)))
	}
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return journal.NewPostgres(connectCtx, cfg.PostgresDSN, opts...)
}

func continuousProfile(cfg config.EngineConfig) engine.Config {
	profile := engine.ContinuousConfig()
	applyBitrates(&profile, cfg)
	return profile
}

func segmentedProfile(cfg config.EngineConfig, hlsCfg config.HLSConfig) engine.Config {
	profile := engine.SegmentedConfig("", "", "")
	applyBitrates(&profile, cfg)
	if hlsCfg.SegmentDuration > 0 {
		profile.SegmentDuration = hlsCfg.SegmentDuration
	}
	if hlsCfg.WindowSize > 0 {
		profile.WindowSize = hlsCfg.WindowSize
	}
	return profile
}

func applyBitrates(profile *engine.Config, cfg config.EngineConfig) {
	if cfg.VideoBitrateKbps > 0 {
		profile.VideoBitrateKbps = cfg.VideoBitrateKbps
	}
	if cfg.AudioBitrateKbps > 0 {
		profile.AudioBitrateKbps = cfg.AudioBitrateKbps
	}
}

// startupSummary lists the effective settings worth seeing in the first log
// line. Secrets are reduced to presence flags.
func startupSummary(cfg config.Config) []any {
	journalDriver := "memory"
	if cfg.Journal.PostgresDSN != "" {
		journalDriver = "postgres"
	}
	limiter := "memory"
	if cfg.HTTP.RateLimit.RedisAddr != "" {
		limiter = "redis"
	}
	return []any{
		"addr", cfg.Addr(),
		"tls", cfg.Server.TLSCert != "",
		"engine", map[string]any{
			"ffmpeg":             cfg.Engine.FFmpegPath,
			"video_kbps":         cfg.Engine.VideoBitrateKbps,
			"audio_kbps":         cfg.Engine.AudioBitrateKbps,
			"probe_before_start": cfg.Engine.ProbeBeforeStart,
		},
		"streams", map[string]any{
			"release_on_stop":     cfg.Streams.ReleaseOnStop,
			"max_buffered_chunks": cfg.Streams.MaxBufferedChunks,
		},
		"hls", map[string]any{
			"work_root":    cfg.HLS.WorkRoot,
			"idle_timeout": cfg.HLS.IdleTimeout.String(),
			"max_sessions": cfg.HLS.MaxSessions,
		},
		"journal", map[string]any{
			"driver":    journalDriver,
			"retention": cfg.Journal.Retention.String(),
		},
		"http", map[string]any{
			"cors_origins": cfg.HTTP.AllowedOrigins,
			"api_token":    cfg.HTTP.APIToken != "",
			"rate_limiter": limiter,
			"create_limit": cfg.HTTP.RateLimit.CreateLimit,
		},
	}
}
