// Package hls supervises ephemeral segmented-output sessions: short-lived
// engine processes writing a rolling playlist into a private directory that
// is reclaimed when the session is cancelled, goes idle, or the engine exits.
package hls

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"rtsp-proxy/internal/engine"
	"rtsp-proxy/internal/journal"
	"rtsp-proxy/internal/observability/metrics"
	"rtsp-proxy/internal/redact"
)

var (
	ErrNotFound           = errors.New("hls session not found")
	ErrInvalidSegmentPath = errors.New("invalid segment path")
	ErrReadinessTimeout   = errors.New("hls playlist not ready in time")
	ErrSessionEnded       = errors.New("hls session ended before playlist was ready")
	ErrDirectoryCreate    = errors.New("create hls session directory")
	ErrCapacity           = errors.New("hls session capacity reached")
	ErrInvalidSource      = errors.New("invalid source uri")
)

// Defaults mirror the fixed lifecycle policy of ephemeral sessions.
const (
	DefaultIdleTimeout    = 60 * time.Second
	DefaultReapInterval   = 10 * time.Second
	DefaultReadyInterval  = 250 * time.Millisecond
	DefaultReadyAttempts  = 80
	DefaultKillWait       = 5 * time.Second
	reclaimTriggerCancel  = "cancel"
	reclaimTriggerExit    = "exit"
	reclaimTriggerFailure = "spawn_failure"
)

// Ticker is the subset of time.Ticker the idle reaper uses.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct {
	ticker *time.Ticker
}

func (t timeTicker) C() <-chan time.Time {
	return t.ticker.C
}

func (t timeTicker) Stop() {
	t.ticker.Stop()
}

// TickerFactory builds the reaper ticker for one session.
type TickerFactory func(time.Duration) Ticker

// Config configures a Supervisor. Zero durations and counts fall back to
// the package defaults.
type Config struct {
	Launcher engine.Launcher
	// WorkRoot holds the per-session directories. Defaults to os.TempDir().
	WorkRoot string
	// Engine is the segmented profile template; index, segment pattern and
	// base URL are filled in per session.
	Engine engine.Config

	IdleTimeout   time.Duration
	ReapInterval  time.Duration
	ReadyInterval time.Duration
	ReadyAttempts int
	KillWait      time.Duration
	// MaxSessions caps concurrently live sessions. Zero means no cap.
	MaxSessions int64

	Logger    *slog.Logger
	Metrics   *metrics.Recorder
	Journal   *journal.Recorder
	Now       func() time.Time
	NewTicker TickerFactory
}

// Supervisor creates ephemeral sessions and owns their reclamation.
type Supervisor struct {
	cfg      Config
	logger   *slog.Logger
	registry *Registry
	slots    *semaphore.Weighted
	readFile func(string) ([]byte, error)
}

// NewSupervisor applies defaults to cfg and returns a ready supervisor.
func NewSupervisor(cfg Config) *Supervisor {
	if cfg.WorkRoot == "" {
		cfg.WorkRoot = os.TempDir()
	}
	if cfg.Engine.Output == "" {
		cfg.Engine = engine.SegmentedConfig("", "", "")
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = DefaultReapInterval
	}
	if cfg.ReadyInterval <= 0 {
		cfg.ReadyInterval = DefaultReadyInterval
	}
	if cfg.ReadyAttempts <= 0 {
		cfg.ReadyAttempts = DefaultReadyAttempts
	}
	if cfg.KillWait <= 0 {
		cfg.KillWait = DefaultKillWait
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewTicker == nil {
		cfg.NewTicker = func(d time.Duration) Ticker {
			return timeTicker{ticker: time.NewTicker(d)}
		}
	}
	s := &Supervisor{
		cfg:      cfg,
		logger:   cfg.Logger,
		registry: NewRegistry(cfg.Now),
		readFile: os.ReadFile,
	}
	if cfg.MaxSessions > 0 {
		s.slots = semaphore.NewWeighted(cfg.MaxSessions)
	}
	return s
}

// Registry exposes the session registry shared with file-serving code.
func (s *Supervisor) Registry() *Registry {
	return s.registry
}

// Create registers a new session reading from source and starts its
// supervising and idle-reaping goroutines. The engine is launched by the
// supervising goroutine; a spawn failure reclaims the session there.
func (s *Supervisor) Create(flavor Flavor, source string) (*Session, error) {
	if !flavor.Valid() {
		return nil, fmt.Errorf("unknown hls flavour %q", flavor)
	}
	if strings.TrimSpace(source) == "" {
		return nil, ErrInvalidSource
	}
	if s.slots != nil && !s.slots.TryAcquire(1) {
		s.cfg.Metrics.ObserveSessionEvent(string(flavor), "capacity_rejected")
		return nil, ErrCapacity
	}

	id := uuid.NewString()
	dir := filepath.Join(s.cfg.WorkRoot, flavor.dirPrefix()+id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		s.release()
		return nil, fmt.Errorf("%w %s: %v", ErrDirectoryCreate, dir, err)
	}

	session := newSession(id, flavor, dir, source, s.cfg.Now())
	s.registry.add(session)
	s.cfg.Metrics.SessionCreated(string(flavor))
	s.cfg.Journal.Record(journal.SessionCreated, id, string(flavor)+" "+redact.URL(source))
	s.logger.Info("hls session created", "session_id", id, "flavor", flavor, "source", redact.URL(source), "dir", dir)

	ticker := s.cfg.NewTicker(s.cfg.ReapInterval)
	go s.supervise(session)
	go s.reap(session, ticker)
	return session, nil
}

func (s *Supervisor) release() {
	if s.slots != nil {
		s.slots.Release(1)
	}
}

func (s *Supervisor) engineConfig(session *Session) engine.Config {
	cfg := s.cfg.Engine
	cfg.Output = engine.OutputHLS
	cfg.IndexPath = session.IndexPath()
	cfg.SegmentPattern = filepath.Join(session.Dir, engine.DefaultSegmentPattern)
	cfg.BaseURL = session.Flavor.BasePath(session.ID)
	return cfg
}

// supervise runs the engine and converges cancellation and natural exit on
// a single reclamation.
func (s *Supervisor) supervise(session *Session) {
	logger := s.logger.With("session_id", session.ID)
	proc, err := s.cfg.Launcher.Launch(context.Background(), engine.Invocation{
		ID:     session.ID,
		Source: session.Source,
		Config: s.engineConfig(session),
	})
	if err != nil {
		logger.Error("hls engine spawn failed", "error", err)
		s.reclaim(session, nil, reclaimTriggerFailure)
		return
	}
	logger.Debug("hls engine running", "pid", proc.Pid())

	var trigger string
	select {
	case <-session.cancel:
		trigger = reclaimTriggerCancel
	case <-proc.Done():
		trigger = reclaimTriggerExit
		if err := proc.Err(); err != nil {
			logger.Warn("hls engine exited", "error", err)
		} else {
			logger.Info("hls engine exited")
		}
	}
	s.reclaim(session, proc, trigger)
}

// reclaim kills the engine, removes the directory and drops the registry
// entry. Only the supervising goroutine of a session calls it.
func (s *Supervisor) reclaim(session *Session, proc engine.Process, trigger string) {
	logger := s.logger.With("session_id", session.ID)
	if proc != nil {
		select {
		case <-proc.Done():
		default:
			if err := proc.Kill(); err != nil {
				logger.Warn("kill hls engine failed", "error", err)
			}
			timer := time.NewTimer(s.cfg.KillWait)
			select {
			case <-proc.Done():
			case <-timer.C:
				logger.Warn("hls engine did not exit after kill", "wait", s.cfg.KillWait)
			}
			timer.Stop()
		}
	}
	if err := os.RemoveAll(session.Dir); err != nil {
		logger.Error("remove hls session directory failed", "dir", session.Dir, "error", err)
	}
	s.registry.remove(session)
	s.release()
	close(session.done)

	s.cfg.Metrics.SessionReclaimed(string(session.Flavor), trigger)
	kind := journal.SessionExited
	if trigger == reclaimTriggerCancel {
		kind = journal.SessionCancelled
	}
	s.cfg.Journal.Record(kind, session.ID, trigger)
	s.cfg.Journal.Record(journal.SessionReclaimed, session.ID, trigger)
	logger.Info("hls session reclaimed", "trigger", trigger)
}

// reap requests cancellation once the session has been idle for longer than
// the idle timeout. It makes a single attempt and then returns.
func (s *Supervisor) reap(session *Session, ticker Ticker) {
	defer ticker.Stop()
	for {
		select {
		case <-session.done:
			return
		case <-ticker.C():
			if _, ok := s.registry.Get(session.ID); !ok {
				return
			}
			idle := s.cfg.Now().Sub(session.LastAccess())
			if idle <= s.cfg.IdleTimeout {
				continue
			}
			session.requestCancel()
			s.cfg.Metrics.ObserveSessionEvent(string(session.Flavor), "idle_cancel")
			s.cfg.Journal.Record(journal.SessionIdle, session.ID, idle.Round(time.Second).String())
			s.logger.Info("hls session idle", "session_id", session.ID, "idle", idle.Round(time.Second))
			return
		}
	}
}

// Cancel requests teardown of session id.
func (s *Supervisor) Cancel(id string) error {
	if !s.registry.Cancel(id) {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	s.logger.Info("hls session cancel requested", "session_id", id)
	return nil
}

// WaitReady polls for a non-empty playlist and counts success as an access.
// A timeout is reported to the
// caller only; the session keeps running until it is reaped or exits.
func (s *Supervisor) WaitReady(ctx context.Context, id string) (*Session, error) {
	for attempt := 0; attempt < s.cfg.ReadyAttempts; attempt++ {
		session, ok := s.registry.Get(id)
		if !ok {
			return nil, fmt.Errorf("session %s: %w", id, ErrSessionEnded)
		}
		if info, err := os.Stat(session.IndexPath()); err == nil && info.Size() > 0 {
			s.registry.Touch(id)
			s.cfg.Metrics.ObserveSessionEvent(string(session.Flavor), "ready")
			s.cfg.Journal.Record(journal.SessionReady, id, fmt.Sprintf("attempt %d", attempt+1))
			return session, nil
		}
		timer := time.NewTimer(s.cfg.ReadyInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	flavor := ""
	if session, ok := s.registry.Get(id); ok {
		flavor = string(session.Flavor)
	}
	s.cfg.Metrics.ObserveSessionEvent(flavor, "readiness_timeout")
	s.cfg.Journal.Record(journal.SessionTimeout, id, "")
	s.logger.Warn("hls playlist not ready", "session_id", id, "attempts", s.cfg.ReadyAttempts)
	return nil, fmt.Errorf("session %s: %w", id, ErrReadinessTimeout)
}

// Shutdown cancels every live session and waits for each to be reclaimed or
// for ctx to end.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	sessions := s.registry.List()
	for _, session := range sessions {
		session.requestCancel()
	}
	for _, session := range sessions {
		select {
		case <-session.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
