package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"rtsp-proxy/internal/engine"
	"rtsp-proxy/internal/journal"
	"rtsp-proxy/internal/observability/metrics"
	"rtsp-proxy/internal/redact"
)

var (
	ErrAlreadyExists  = errors.New("stream already exists")
	ErrNotFound       = errors.New("stream not found")
	ErrStopped        = errors.New("stream stopped")
	ErrAlreadyClaimed = errors.New("stream output already claimed")
	ErrInvalidID      = errors.New("invalid stream id")
	ErrInvalidSource  = errors.New("invalid source uri")
)

// RegistryConfig configures a Registry. The embedded SessionConfig is handed
// to every session the registry creates.
type RegistryConfig struct {
	SessionConfig
	// ReleaseOnStop evicts a stream's id on Stop so it can be started again.
	// By default a stopped stream keeps its id until Remove.
	ReleaseOnStop bool
}

// Registry maps stream ids to persistent sessions.
type Registry struct {
	cfg    RegistryConfig
	logger *slog.Logger

	mu      sync.RWMutex
	streams map[string]*Session
}

// NewRegistry builds an empty registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Default()
	}
	if cfg.Engine.Output == "" {
		cfg.Engine = engine.ContinuousConfig()
	}
	return &Registry{
		cfg:     cfg,
		logger:  cfg.Logger,
		streams: make(map[string]*Session),
	}
}

// ValidateID rejects ids that cannot be used as a single path segment.
func ValidateID(id string) error {
	if strings.TrimSpace(id) == "" || strings.ContainsAny(id, "/\\") || id == "." || id == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}

// Start registers id and launches its engine against source. The id is
// reserved before the engine is spawned so concurrent starts of the same id
// cannot both succeed; a failed spawn releases the reservation.
func (r *Registry) Start(ctx context.Context, id, source string) error {
	if err := ValidateID(id); err != nil {
		return err
	}
	if strings.TrimSpace(source) == "" {
		return ErrInvalidSource
	}

	session := NewSession(id, source, r.cfg.SessionConfig)
	r.mu.Lock()
	if _, exists := r.streams[id]; exists {
		r.mu.Unlock()
		return fmt.Errorf("stream %s: %w", id, ErrAlreadyExists)
	}
	r.streams[id] = session
	r.mu.Unlock()

	if err := session.Start(ctx); err != nil {
		r.mu.Lock()
		if current, ok := r.streams[id]; ok && current == session {
			delete(r.streams, id)
		}
		r.mu.Unlock()
		r.cfg.Metrics.ObserveStreamEvent("start_failed")
		r.cfg.Journal.Record(journal.StreamStartFailed, id, err.Error())
		r.logger.Error("stream start failed", "stream_id", id, "source", redact.URL(source), "error", err)
		return err
	}

	r.cfg.Metrics.StreamStarted()
	r.cfg.Journal.Record(journal.StreamStarted, id, redact.URL(source))
	return nil
}

// Stop marks the stream inactive and terminates its engine.
func (r *Registry) Stop(id string) error {
	r.mu.Lock()
	session, ok := r.streams[id]
	if ok && r.cfg.ReleaseOnStop {
		delete(r.streams, id)
	}
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("stream %s: %w", id, ErrNotFound)
	}

	r.stopSession(session)
	r.cfg.Journal.Record(journal.StreamStopped, id, "")
	r.logger.Info("stream stopped", "stream_id", id)
	return nil
}

// Remove stops the stream and evicts its id.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	session, ok := r.streams[id]
	if ok {
		delete(r.streams, id)
	}
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("stream %s: %w", id, ErrNotFound)
	}

	r.stopSession(session)
	r.cfg.Metrics.ObserveStreamEvent("remove")
	r.cfg.Journal.Record(journal.StreamRemoved, id, "")
	r.logger.Info("stream removed", "stream_id", id)
	return nil
}

// stopSession kills the engine and releases the active gauge once.
func (r *Registry) stopSession(session *Session) {
	if session.deactivate() {
		r.cfg.Metrics.StreamStopped()
	}
}

// Get returns the session registered under id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	session, ok := r.streams[id]
	return session, ok
}

// Claim hands out the output of stream id to a single consumer.
func (r *Registry) Claim(id string) (*Receiver, error) {
	session, ok := r.Get(id)
	if !ok {
		return nil, fmt.Errorf("stream %s: %w", id, ErrNotFound)
	}
	receiver, ok := session.DataReceiver()
	if !ok {
		return nil, fmt.Errorf("stream %s: %w", id, ErrAlreadyClaimed)
	}
	r.cfg.Metrics.ObserveStreamEvent("claim")
	r.cfg.Journal.Record(journal.StreamClaimed, id, "")
	return receiver, nil
}

// List returns every registered id in lexical order, stopped ones included.
func (r *Registry) List() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.streams))
	for id := range r.streams {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Infos returns a snapshot of every registered stream ordered by id.
func (r *Registry) Infos() []Info {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.streams))
	for _, session := range r.streams {
		sessions = append(sessions, session)
	}
	r.mu.RUnlock()

	infos := make([]Info, 0, len(sessions))
	for _, session := range sessions {
		infos = append(infos, session.Info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// StopAll terminates every engine and empties the registry.
func (r *Registry) StopAll() {
	r.mu.Lock()
	sessions := r.streams
	r.streams = make(map[string]*Session)
	r.mu.Unlock()

	for id, session := range sessions {
		r.stopSession(session)
		r.logger.Debug("stream stopped on shutdown", "stream_id", id)
	}
}
