// Package config resolves proxy settings from defaults, an optional YAML
// file, RTSP_PROXY_* environment variables and command-line flags, in
// increasing order of precedence.
package config

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"rtsp-proxy/internal/observability/logging"
)

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	TLSCert         string        `yaml:"tls_cert"`
	TLSKey          string        `yaml:"tls_key"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LogConfig controls structured logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// EngineConfig controls the transcoding engine invocation.
type EngineConfig struct {
	FFmpegPath       string        `yaml:"ffmpeg_path"`
	VideoBitrateKbps int           `yaml:"video_bitrate_kbps"`
	AudioBitrateKbps int           `yaml:"audio_bitrate_kbps"`
	ProbeBeforeStart bool          `yaml:"probe_before_start"`
	ProbeTimeout     time.Duration `yaml:"probe_timeout"`
}

// StreamsConfig controls persistent streams.
type StreamsConfig struct {
	ReleaseOnStop     bool `yaml:"release_on_stop"`
	MaxBufferedChunks int  `yaml:"max_buffered_chunks"`
}

// HLSConfig controls ephemeral segmented sessions.
type HLSConfig struct {
	WorkRoot        string        `yaml:"work_root"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ReapInterval    time.Duration `yaml:"reap_interval"`
	ReadyInterval   time.Duration `yaml:"ready_interval"`
	ReadyAttempts   int           `yaml:"ready_attempts"`
	SegmentDuration time.Duration `yaml:"segment_duration"`
	WindowSize      int           `yaml:"window_size"`
	MaxSessions     int           `yaml:"max_sessions"`
}

// RateLimitConfig controls request throttling.
type RateLimitConfig struct {
	GlobalRPS             float64       `yaml:"global_rps"`
	GlobalBurst           int           `yaml:"global_burst"`
	CreateLimit           int           `yaml:"create_limit"`
	CreateWindow          time.Duration `yaml:"create_window"`
	TrustForwardedHeaders bool          `yaml:"trust_forwarded_headers"`
	TrustedProxies        []string      `yaml:"trusted_proxies"`
	RedisAddr             string        `yaml:"redis_addr"`
	RedisPassword         string        `yaml:"redis_password"`
	RedisTimeout          time.Duration `yaml:"redis_timeout"`
}

// HTTPConfig controls middleware behaviour.
type HTTPConfig struct {
	AllowedOrigins []string        `yaml:"allowed_origins"`
	APIToken       string          `yaml:"api_token"`
	RateLimit      RateLimitConfig `yaml:"rate_limit"`
}

// JournalConfig selects the lifecycle journal backend.
type JournalConfig struct {
	PostgresDSN string `yaml:"postgres_dsn"`
	Capacity    int    `yaml:"capacity"`
	MaxConns    int    `yaml:"max_conns"`
	// Retention bounds how long Postgres keeps events. Zero keeps them forever.
	Retention     time.Duration `yaml:"retention"`
	PruneInterval time.Duration `yaml:"prune_interval"`
}

// NVRConfig controls NVR discovery requests.
type NVRConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

// Config is the complete proxy configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Log     LogConfig     `yaml:"log"`
	Engine  EngineConfig  `yaml:"engine"`
	Streams StreamsConfig `yaml:"streams"`
	HLS     HLSConfig     `yaml:"hls"`
	HTTP    HTTPConfig    `yaml:"http"`
	Journal JournalConfig `yaml:"journal"`
	NVR     NVRConfig     `yaml:"nvr"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            5000,
			ShutdownTimeout: 10 * time.Second,
		},
		Log: LogConfig{Level: "info", Format: "json"},
		Engine: EngineConfig{
			FFmpegPath:       "ffmpeg",
			VideoBitrateKbps: 2000,
			AudioBitrateKbps: 128,
			ProbeTimeout:     5 * time.Second,
		},
		HLS: HLSConfig{
			WorkRoot:        os.TempDir(),
			IdleTimeout:     60 * time.Second,
			ReapInterval:    10 * time.Second,
			ReadyInterval:   250 * time.Millisecond,
			ReadyAttempts:   80,
			SegmentDuration: 2 * time.Second,
			WindowSize:      5,
		},
		HTTP: HTTPConfig{
			RateLimit: RateLimitConfig{
				CreateWindow: time.Minute,
				RedisTimeout: 2 * time.Second,
			},
		},
		Journal: JournalConfig{Capacity: 512, Retention: 7 * 24 * time.Hour, PruneInterval: time.Hour},
		NVR:     NVRConfig{Timeout: 10 * time.Second},
	}
}

// Addr is the listen address.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.Port))
}

// LoadFile overlays the YAML document at path onto c. Keys absent from the
// file keep their current values.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Server.Port))
	}
	if (c.Server.TLSCert == "") != (c.Server.TLSKey == "") {
		errs = append(errs, errors.New("tls cert and key must be provided together"))
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "json", "text":
	default:
		errs = append(errs, fmt.Errorf("unsupported log format %q", c.Log.Format))
	}
	if strings.TrimSpace(c.Engine.FFmpegPath) == "" {
		errs = append(errs, errors.New("ffmpeg path is required"))
	}
	if c.Engine.VideoBitrateKbps < 0 || c.Engine.AudioBitrateKbps < 0 {
		errs = append(errs, errors.New("bitrates must not be negative"))
	}
	if c.Streams.MaxBufferedChunks < 0 {
		errs = append(errs, errors.New("max buffered chunks must not be negative"))
	}
	if c.HLS.IdleTimeout <= 0 || c.HLS.ReapInterval <= 0 {
		errs = append(errs, errors.New("hls idle timeout and reap interval must be positive"))
	}
	if c.HLS.ReadyInterval <= 0 || c.HLS.ReadyAttempts <= 0 {
		errs = append(errs, errors.New("hls readiness interval and attempts must be positive"))
	}
	if c.HLS.SegmentDuration <= 0 || c.HLS.WindowSize <= 0 {
		errs = append(errs, errors.New("hls segment duration and window size must be positive"))
	}
	if c.HLS.MaxSessions < 0 {
		errs = append(errs, errors.New("hls max sessions must not be negative"))
	}
	if c.HTTP.RateLimit.CreateLimit > 0 && c.HTTP.RateLimit.CreateWindow <= 0 {
		errs = append(errs, errors.New("rate limit window must be positive when a create limit is set"))
	}
	if c.Journal.Retention < 0 {
		errs = append(errs, errors.New("journal retention must not be negative"))
	}
	if c.Journal.Retention > 0 && c.Journal.PruneInterval <= 0 {
		errs = append(errs, errors.New("journal prune interval must be positive when retention is set"))
	}
	return errors.Join(errs...)
}

// setting binds one option to its flag and environment variable.
type setting struct {
	flag   string
	env    string
	usage  string
	isBool bool
	apply  func(c *Config, value string) error
}

func stringSetting(name, env, usage string, field func(*Config) *string) setting {
	return setting{flag: name, env: env, usage: usage, apply: func(c *Config, v string) error {
		*field(c) = strings.TrimSpace(v)
		return nil
	}}
}

func intSetting(name, env, usage string, field func(*Config) *int) setting {
	return setting{flag: name, env: env, usage: usage, apply: func(c *Config, v string) error {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return err
		}
		*field(c) = n
		return nil
	}}
}

func floatSetting(name, env, usage string, field func(*Config) *float64) setting {
	return setting{flag: name, env: env, usage: usage, apply: func(c *Config, v string) error {
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return err
		}
		*field(c) = f
		return nil
	}}
}

func durationSetting(name, env, usage string, field func(*Config) *time.Duration) setting {
	return setting{flag: name, env: env, usage: usage, apply: func(c *Config, v string) error {
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return err
		}
		*field(c) = d
		return nil
	}}
}

func boolSetting(name, env, usage string, field func(*Config) *bool) setting {
	return setting{flag: name, env: env, usage: usage, isBool: true, apply: func(c *Config, v string) error {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return err
		}
		*field(c) = b
		return nil
	}}
}

func listSetting(name, env, usage string, field func(*Config) *[]string) setting {
	return setting{flag: name, env: env, usage: usage, apply: func(c *Config, v string) error {
		*field(c) = splitAndTrim(v)
		return nil
	}}
}

var settings = []setting{
	stringSetting("host", "RTSP_PROXY_HOST", "HTTP listen host", func(c *Config) *string { return &c.Server.Host }),
	intSetting("port", "RTSP_PROXY_PORT", "HTTP listen port", func(c *Config) *int { return &c.Server.Port }),
	stringSetting("tls-cert", "RTSP_PROXY_TLS_CERT", "path to TLS certificate file", func(c *Config) *string { return &c.Server.TLSCert }),
	stringSetting("tls-key", "RTSP_PROXY_TLS_KEY", "path to TLS private key file", func(c *Config) *string { return &c.Server.TLSKey }),
	durationSetting("shutdown-timeout", "RTSP_PROXY_SHUTDOWN_TIMEOUT", "graceful shutdown timeout", func(c *Config) *time.Duration { return &c.Server.ShutdownTimeout }),
	stringSetting("log-level", "RTSP_PROXY_LOG_LEVEL", "log level (debug, info, warn, error)", func(c *Config) *string { return &c.Log.Level }),
	stringSetting("log-format", "RTSP_PROXY_LOG_FORMAT", "log format (json or text)", func(c *Config) *string { return &c.Log.Format }),
	stringSetting("ffmpeg", "RTSP_PROXY_FFMPEG_PATH", "ffmpeg binary name or path", func(c *Config) *string { return &c.Engine.FFmpegPath }),
	intSetting("video-bitrate", "RTSP_PROXY_VIDEO_BITRATE_KBPS", "video bitrate cap in kbps", func(c *Config) *int { return &c.Engine.VideoBitrateKbps }),
	intSetting("audio-bitrate", "RTSP_PROXY_AUDIO_BITRATE_KBPS", "audio bitrate in kbps", func(c *Config) *int { return &c.Engine.AudioBitrateKbps }),
	boolSetting("probe-before-start", "RTSP_PROXY_PROBE_BEFORE_START", "DESCRIBE the source before starting a persistent stream", func(c *Config) *bool { return &c.Engine.ProbeBeforeStart }),
	durationSetting("probe-timeout", "RTSP_PROXY_PROBE_TIMEOUT", "RTSP probe timeout", func(c *Config) *time.Duration { return &c.Engine.ProbeTimeout }),
	boolSetting("release-on-stop", "RTSP_PROXY_RELEASE_ON_STOP", "free a stream id when it is stopped", func(c *Config) *bool { return &c.Streams.ReleaseOnStop }),
	intSetting("max-buffered-chunks", "RTSP_PROXY_MAX_BUFFERED_CHUNKS", "bound on buffered output chunks per stream (0 = unbounded)", func(c *Config) *int { return &c.Streams.MaxBufferedChunks }),
	stringSetting("hls-root", "RTSP_PROXY_HLS_ROOT", "directory holding HLS session directories", func(c *Config) *string { return &c.HLS.WorkRoot }),
	durationSetting("hls-idle-timeout", "RTSP_PROXY_HLS_IDLE_TIMEOUT", "idle time before an HLS session is reclaimed", func(c *Config) *time.Duration { return &c.HLS.IdleTimeout }),
	durationSetting("hls-reap-interval", "RTSP_PROXY_HLS_REAP_INTERVAL", "idle check interval", func(c *Config) *time.Duration { return &c.HLS.ReapInterval }),
	durationSetting("hls-ready-interval", "RTSP_PROXY_HLS_READY_INTERVAL", "playlist readiness poll interval", func(c *Config) *time.Duration { return &c.HLS.ReadyInterval }),
	intSetting("hls-ready-attempts", "RTSP_PROXY_HLS_READY_ATTEMPTS", "playlist readiness poll attempts", func(c *Config) *int { return &c.HLS.ReadyAttempts }),
	durationSetting("hls-segment-duration", "RTSP_PROXY_HLS_SEGMENT_DURATION", "HLS segment duration", func(c *Config) *time.Duration { return &c.HLS.SegmentDuration }),
	intSetting("hls-window", "RTSP_PROXY_HLS_WINDOW_SIZE", "HLS playlist window size", func(c *Config) *int { return &c.HLS.WindowSize }),
	intSetting("hls-max-sessions", "RTSP_PROXY_HLS_MAX_SESSIONS", "maximum concurrent HLS sessions (0 = unlimited)", func(c *Config) *int { return &c.HLS.MaxSessions }),
	listSetting("cors-origins", "RTSP_PROXY_CORS_ORIGINS", "comma separated allowed CORS origins", func(c *Config) *[]string { return &c.HTTP.AllowedOrigins }),
	stringSetting("api-token", "RTSP_PROXY_API_TOKEN", "bearer token required on mutating API routes", func(c *Config) *string { return &c.HTTP.APIToken }),
	floatSetting("rate-global-rps", "RTSP_PROXY_RATE_GLOBAL_RPS", "global request rate limit in requests per second", func(c *Config) *float64 { return &c.HTTP.RateLimit.GlobalRPS }),
	intSetting("rate-global-burst", "RTSP_PROXY_RATE_GLOBAL_BURST", "global rate limit burst allowance", func(c *Config) *int { return &c.HTTP.RateLimit.GlobalBurst }),
	intSetting("rate-create-limit", "RTSP_PROXY_RATE_CREATE_LIMIT", "stream starts and HLS sessions per client IP per window", func(c *Config) *int { return &c.HTTP.RateLimit.CreateLimit }),
	durationSetting("rate-create-window", "RTSP_PROXY_RATE_CREATE_WINDOW", "window for counting creates", func(c *Config) *time.Duration { return &c.HTTP.RateLimit.CreateWindow }),
	boolSetting("rate-trust-forwarded-headers", "RTSP_PROXY_RATE_TRUST_FORWARDED_HEADERS", "trust proxy-provided client IP headers", func(c *Config) *bool { return &c.HTTP.RateLimit.TrustForwardedHeaders }),
	listSetting("rate-trusted-proxies", "RTSP_PROXY_RATE_TRUSTED_PROXIES", "comma separated CIDR blocks or IPs of trusted proxies", func(c *Config) *[]string { return &c.HTTP.RateLimit.TrustedProxies }),
	stringSetting("redis-addr", "RTSP_PROXY_REDIS_ADDR", "Redis address for distributed create throttling", func(c *Config) *string { return &c.HTTP.RateLimit.RedisAddr }),
	stringSetting("redis-password", "RTSP_PROXY_REDIS_PASSWORD", "Redis password", func(c *Config) *string { return &c.HTTP.RateLimit.RedisPassword }),
	durationSetting("redis-timeout", "RTSP_PROXY_REDIS_TIMEOUT", "timeout for Redis operations", func(c *Config) *time.Duration { return &c.HTTP.RateLimit.RedisTimeout }),
	stringSetting("postgres-dsn", "RTSP_PROXY_POSTGRES_DSN", "Postgres DSN for the lifecycle journal", func(c *Config) *string { return &c.Journal.PostgresDSN }),
	intSetting("journal-capacity", "RTSP_PROXY_JOURNAL_CAPACITY", "events kept by the in-memory journal", func(c *Config) *int { return &c.Journal.Capacity }),
	intSetting("postgres-max-conns", "RTSP_PROXY_POSTGRES_MAX_CONNS", "maximum connections in the journal pool", func(c *Config) *int { return &c.Journal.MaxConns }),
	durationSetting("journal-retention", "RTSP_PROXY_JOURNAL_RETENTION", "age after which Postgres journal events are pruned (0 keeps all)", func(c *Config) *time.Duration { return &c.Journal.Retention }),
	durationSetting("journal-prune-interval", "RTSP_PROXY_JOURNAL_PRUNE_INTERVAL", "how often the Postgres journal is pruned", func(c *Config) *time.Duration { return &c.Journal.PruneInterval }),
	durationSetting("nvr-timeout", "RTSP_PROXY_NVR_TIMEOUT", "timeout for NVR discovery requests", func(c *Config) *time.Duration { return &c.NVR.Timeout }),
}

// ApplyEnv overlays the RTSP_PROXY_* variables found by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	var errs []error
	for _, s := range settings {
		value, ok := lookup(s.env)
		if !ok || strings.TrimSpace(value) == "" {
			continue
		}
		if err := s.apply(c, value); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.env, err))
		}
	}
	return errors.Join(errs...)
}

// Resolve builds the configuration for a command line. The YAML file named
// by -config or RTSP_PROXY_CONFIG is applied first, then the environment,
// then any flags present in args.
func Resolve(name string, args []string, lookup func(string) (string, bool)) (Config, error) {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	configPath := fs.String("config", "", "path to YAML configuration file")

	type assignment struct {
		setting setting
		value   string
	}
	var assigned []assignment
	for _, s := range settings {
		s := s
		record := func(value string) error {
			assigned = append(assigned, assignment{setting: s, value: value})
			return nil
		}
		if s.isBool {
			fs.BoolFunc(s.flag, s.usage, record)
		} else {
			fs.Func(s.flag, s.usage, record)
		}
	}
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	cfg := Default()
	path := strings.TrimSpace(*configPath)
	if path == "" {
		if env, ok := lookup("RTSP_PROXY_CONFIG"); ok {
			path = strings.TrimSpace(env)
		}
	}
	if path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.ApplyEnv(lookup); err != nil {
		return Config{}, err
	}
	for _, a := range assigned {
		if err := a.setting.apply(&cfg, a.value); err != nil {
			return Config{}, fmt.Errorf("-%s: %w", a.setting.flag, err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func splitAndTrim(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
