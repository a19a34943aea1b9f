// Package logging builds the proxy's slog loggers and carries request,
// stream, and session ids on contexts so every line about one client or
// source can be correlated.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"rtsp-proxy/internal/observability/metrics"
)

type Config struct {
	Level  string
	Format string
	Writer io.Writer
	// AddSource annotates records with the emitting file and line.
	AddSource bool
}

const (
	FormatJSON = "json"
	FormatText = "text"
)

// Init builds a logger from cfg and installs it as the slog default.
func Init(cfg Config) *slog.Logger {
	logger := New(cfg)
	slog.SetDefault(logger)
	return logger
}

// New builds a logger from cfg. Unknown levels fall back to info and
// unknown formats to JSON; config validation rejects both earlier.
func New(cfg Config) *slog.Logger {
	writer := cfg.Writer
	if writer == nil {
		writer = os.Stdout
	}
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	options := &slog.HandlerOptions{Level: level, AddSource: cfg.AddSource}
	if strings.EqualFold(strings.TrimSpace(cfg.Format), FormatText) {
		return slog.New(slog.NewTextHandler(writer, options))
	}
	return slog.New(slog.NewJSONHandler(writer, options))
}

// ParseLevel accepts debug, info, warn (or warning) and error in any case.
// An empty string means info.
func ParseLevel(value string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", value)
	}
}

// WithComponent tags logger with the subsystem that owns it.
func WithComponent(logger *slog.Logger, component string) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With("component", component)
}

// Field names an id carried on a request context and copied onto loggers.
type Field string

const (
	FieldRequestID Field = "request_id"
	FieldStreamID  Field = "stream_id"
	FieldSessionID Field = "session_id"
)

// contextFields is the order ids appear in log records.
var contextFields = []Field{FieldRequestID, FieldStreamID, FieldSessionID}

type fieldKey Field

type loggerKey struct{}

// ContextWith stores value under field. Blank values leave ctx unchanged.
func ContextWith(ctx context.Context, field Field, value string) context.Context {
	value = strings.TrimSpace(value)
	if value == "" {
		return ctx
	}
	return context.WithValue(ctx, fieldKey(field), value)
}

// FieldFrom returns the id stored under field, if any.
func FieldFrom(ctx context.Context, field Field) (string, bool) {
	if ctx == nil {
		return "", false
	}
	value, ok := ctx.Value(fieldKey(field)).(string)
	return value, ok && value != ""
}

// ContextWithLogger attaches a prepared logger to ctx.
func ContextWithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	if logger == nil {
		return ctx
	}
	return context.WithValue(ctx, loggerKey{}, logger)
}

// FromContext returns the logger attached by ContextWithLogger, or nil.
func FromContext(ctx context.Context) *slog.Logger {
	if ctx == nil {
		return nil
	}
	logger, _ := ctx.Value(loggerKey{}).(*slog.Logger)
	return logger
}

// WithContext annotates logger with every id stored on ctx.
func WithContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return nil
	}
	var attrs []any
	for _, field := range contextFields {
		if value, ok := FieldFrom(ctx, field); ok {
			attrs = append(attrs, string(field), value)
		}
	}
	if len(attrs) == 0 {
		return logger
	}
	return logger.With(attrs...)
}

// Scoped prefers the logger attached to ctx and otherwise derives one from
// base and the ids on ctx.
func Scoped(ctx context.Context, base *slog.Logger) *slog.Logger {
	if logger := FromContext(ctx); logger != nil {
		return logger
	}
	if base == nil {
		base = slog.Default()
	}
	return WithContext(ctx, base)
}

// RequestLoggerConfig configures RequestLogger.
type RequestLoggerConfig struct {
	Logger            *slog.Logger
	DisableRemoteAddr bool
	// QuietPaths are logged at debug level, for probes and scrapers.
	QuietPaths       []string
	AdditionalFields func(*http.Request, int, time.Duration) []any
}

// RequestLogger logs one "request completed" line per request. Server
// errors log at error level and client errors at warn.
func RequestLogger(cfg RequestLoggerConfig) func(http.Handler) http.Handler {
	base := cfg.Logger
	if base == nil {
		base = slog.Default()
	}
	quiet := make(map[string]struct{}, len(cfg.QuietPaths))
	for _, path := range cfg.QuietPaths {
		quiet[path] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			recorder := metrics.NewResponseRecorder(w)
			start := time.Now()
			next.ServeHTTP(recorder, r)
			duration := time.Since(start)

			status := recorder.Status()
			attrs := []any{
				"method", r.Method,
				"path", r.URL.Path,
				"status", status,
				"duration_ms", duration.Milliseconds(),
				"bytes", recorder.BytesWritten(),
			}
			if !cfg.DisableRemoteAddr {
				attrs = append(attrs, "remote_addr", r.RemoteAddr)
			}
			if cfg.AdditionalFields != nil {
				attrs = append(attrs, cfg.AdditionalFields(r, status, duration)...)
			}

			level := slog.LevelInfo
			switch {
			case status >= http.StatusInternalServerError:
				level = slog.LevelError
			case status >= http.StatusBadRequest:
				level = slog.LevelWarn
			default:
				if _, ok := quiet[r.URL.Path]; ok {
					level = slog.LevelDebug
				}
			}
			WithContext(r.Context(), base).Log(r.Context(), level, "request completed", attrs...)
		})
	}
}
