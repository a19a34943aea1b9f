package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"rtsp-proxy/internal/engine"
	"rtsp-proxy/internal/journal"
	"rtsp-proxy/internal/observability/metrics"
	"rtsp-proxy/internal/redact"
)

// FrameSize is the pump read size: seven 188-byte transport stream packets.
const FrameSize = 188 * 7

// SessionConfig carries the collaborators shared by every persistent session.
type SessionConfig struct {
	Launcher engine.Launcher
	Engine   engine.Config
	// MaxBufferedChunks bounds the output queue. Zero keeps it unbounded.
	MaxBufferedChunks int
	Logger            *slog.Logger
	Metrics           *metrics.Recorder
	Journal           *journal.Recorder
}

// Info is a read-only view of a session.
type Info struct {
	ID            string    `json:"id"`
	SourceURI     string    `json:"source_uri"`
	Active        bool      `json:"active"`
	Claimed       bool      `json:"claimed"`
	Ended         bool      `json:"ended"`
	StartedAt     time.Time `json:"started_at,omitempty"`
	BytesPumped   uint64    `json:"bytes_pumped"`
	Buffered      int       `json:"buffered_chunks"`
	DroppedChunks uint64    `json:"dropped_chunks"`
}

// Session owns one engine process producing a continuous MPEG-TS stream and
// pumps its output into a queue that exactly one consumer may claim.
type Session struct {
	id     string
	source string
	cfg    SessionConfig
	logger *slog.Logger
	queue  *chunkQueue

	mu        sync.Mutex
	proc      engine.Process
	started   bool
	stopped   bool
	claimed   bool
	startedAt time.Time

	active   atomic.Bool
	bytes    atomic.Uint64
	pumpDone chan struct{}
}

// NewSession prepares a session for id reading from source. Nothing is
// spawned until Start.
func NewSession(id, source string, cfg SessionConfig) *Session {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Default()
	}
	return &Session{
		id:       id,
		source:   source,
		cfg:      cfg,
		logger:   logger.With("stream_id", id),
		queue:    newChunkQueue(cfg.MaxBufferedChunks),
		pumpDone: make(chan struct{}),
	}
}

// ID returns the stream identifier.
func (s *Session) ID() string {
	return s.id
}

// Start launches the engine and the output pump. The process outlives ctx;
// only Stop terminates it.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return fmt.Errorf("stream %s: %w", s.id, ErrStopped)
	}
	if s.started {
		return nil
	}

	proc, err := s.cfg.Launcher.Launch(context.WithoutCancel(ctx), engine.Invocation{
		ID:     s.id,
		Source: s.source,
		Config: s.cfg.Engine,
	})
	if err != nil {
		if errors.Is(err, engine.ErrStdoutCapture) {
			return err
		}
		if !errors.Is(err, engine.ErrSpawnFailed) {
			err = fmt.Errorf("%w: %v", engine.ErrSpawnFailed, err)
		}
		return err
	}
	stdout := proc.Stdout()
	if stdout == nil {
		_ = proc.Kill()
		return engine.ErrStdoutCapture
	}

	s.proc = proc
	s.started = true
	s.startedAt = time.Now().UTC()
	s.active.Store(true)
	go s.pump(stdout)
	s.logger.Info("stream started", "source", redact.URL(s.source), "pid", proc.Pid())
	return nil
}

func (s *Session) pump(stdout io.ReadCloser) {
	defer close(s.pumpDone)
	defer s.queue.close()
	defer stdout.Close()

	buf := make([]byte, FrameSize)
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if s.queue.push(chunk) {
				s.cfg.Metrics.AddDroppedChunks(1)
			}
			s.bytes.Add(uint64(n))
			s.cfg.Metrics.AddPumpedBytes(n)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) && !errors.Is(err, io.ErrClosedPipe) {
				s.logger.Warn("stream output read failed", "error", err)
			}
			s.logger.Info("stream output ended", "bytes", s.bytes.Load())
			s.cfg.Journal.Record(journal.StreamEnded, s.id, "")
			return
		}
	}
}

// Stop marks the session inactive and kills the engine. It always succeeds
// and may be called repeatedly.
func (s *Session) Stop() error {
	s.deactivate()
	return nil
}

// deactivate stops the session and reports whether this call was the one
// that moved it out of the active state.
func (s *Session) deactivate() bool {
	s.mu.Lock()
	proc := s.proc
	s.proc = nil
	s.stopped = true
	s.mu.Unlock()

	wasActive := s.active.Swap(false)
	if proc != nil {
		if err := proc.Kill(); err != nil {
			s.logger.Warn("kill engine failed", "error", err)
		}
	}
	return wasActive
}

// DataReceiver hands out the consumer end of the output exactly once. Later
// calls report false.
func (s *Session) DataReceiver() (*Receiver, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.claimed {
		return nil, false
	}
	s.claimed = true
	return &Receiver{queue: s.queue}, true
}

// IsActive reports whether the session has been started and not stopped.
func (s *Session) IsActive() bool {
	return s.active.Load()
}

// Done is closed once the output pump has exited.
func (s *Session) Done() <-chan struct{} {
	return s.pumpDone
}

// Info returns a snapshot of the session state with credentials removed
// from the source URI.
func (s *Session) Info() Info {
	s.mu.Lock()
	claimed := s.claimed
	startedAt := s.startedAt
	s.mu.Unlock()
	buffered, dropped := s.queue.stats()
	ended := false
	select {
	case <-s.pumpDone:
		ended = true
	default:
	}
	return Info{
		ID:            s.id,
		SourceURI:     redact.URL(s.source),
		Active:        s.IsActive(),
		Claimed:       claimed,
		Ended:         ended,
		StartedAt:     startedAt,
		BytesPumped:   s.bytes.Load(),
		Buffered:      buffered,
		DroppedChunks: dropped,
	}
}
