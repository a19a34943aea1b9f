// Package journal records stream and session lifecycle events so operators
// can see what happened to a source after the fact.
package journal

import (
	"context"
	"log/slog"
	"strings"
	"time"
)

// Event kinds.
const (
	StreamStarted     = "stream.started"
	StreamStartFailed = "stream.start_failed"
	StreamStopped     = "stream.stopped"
	StreamRemoved     = "stream.removed"
	StreamClaimed     = "stream.claimed"
	StreamEnded       = "stream.ended"

	SessionCreated   = "hls.created"
	SessionReady     = "hls.ready"
	SessionTimeout   = "hls.timeout"
	SessionCancelled = "hls.cancelled"
	SessionExited    = "hls.exited"
	SessionIdle      = "hls.idle"
	SessionReclaimed = "hls.reclaimed"
)

// DefaultLimit caps Recent when callers pass a non-positive limit.
const DefaultLimit = 100

// Event is a single lifecycle record.
type Event struct {
	ID      int64     `json:"id"`
	Kind    string    `json:"kind"`
	Subject string    `json:"subject"`
	Detail  string    `json:"detail,omitempty"`
	At      time.Time `json:"at"`
}

// Journal stores lifecycle events.
type Journal interface {
	Append(ctx context.Context, event Event) error
	Recent(ctx context.Context, limit int) ([]Event, error)
	Close(ctx context.Context) error
}

// Recorder appends events to a journal without surfacing failures to the
// lifecycle code that emits them.
type Recorder struct {
	journal Journal
	logger  *slog.Logger
	timeout time.Duration
	now     func() time.Time
}

// NewRecorder wraps j. A nil journal yields a recorder that discards events.
func NewRecorder(j Journal, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{journal: j, logger: logger, timeout: 2 * time.Second, now: time.Now}
}

// Record appends an event of kind for subject.
func (r *Recorder) Record(kind, subject, detail string) {
	if r == nil || r.journal == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	event := Event{
		Kind:    strings.TrimSpace(kind),
		Subject: subject,
		Detail:  detail,
		At:      r.now().UTC(),
	}
	if err := r.journal.Append(ctx, event); err != nil {
		r.logger.Warn("journal append failed", "kind", kind, "subject", subject, "error", err)
	}
}

// Journal returns the wrapped journal, which may be nil.
func (r *Recorder) Journal() Journal {
	if r == nil {
		return nil
	}
	return r.journal
}
