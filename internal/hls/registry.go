package hls

import (
	"path/filepath"
	"sort"
	"sync"
	"time"

	"rtsp-proxy/internal/engine"
)

// Flavor selects the URL layout and directory prefix of a session.
type Flavor string

const (
	// FlavorStream sessions are created by /stream/hls and served under
	// /stream/hls/{id}/.
	FlavorStream Flavor = "stream"
	// FlavorProxyHL sessions are created from NVR parameters and served
	// under /proxyhl/segment/{id}/.
	FlavorProxyHL Flavor = "proxyhl"
)

// Valid reports whether f is a known flavour.
func (f Flavor) Valid() bool {
	return f == FlavorStream || f == FlavorProxyHL
}

func (f Flavor) dirPrefix() string {
	return "hls-" + string(f) + "-"
}

// BasePath is the URL prefix under which the files of session id are served.
func (f Flavor) BasePath(id string) string {
	if f == FlavorProxyHL {
		return "/proxyhl/segment/" + id + "/"
	}
	return "/stream/hls/" + id + "/"
}

// Session is one ephemeral segmented-output session. Its directory and
// registry entry are reclaimed exactly once by the supervising goroutine.
type Session struct {
	ID      string
	Flavor  Flavor
	Dir     string
	Source  string
	Created time.Time

	mu         sync.Mutex
	lastAccess time.Time

	cancel chan struct{}
	done   chan struct{}
}

func newSession(id string, flavor Flavor, dir, source string, now time.Time) *Session {
	return &Session{
		ID:         id,
		Flavor:     flavor,
		Dir:        dir,
		Source:     source,
		Created:    now,
		lastAccess: now,
		cancel:     make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
}

// IndexPath is the on-disk location of the rolling playlist.
func (s *Session) IndexPath() string {
	return filepath.Join(s.Dir, engine.DefaultIndexName)
}

// IndexURL is the path clients fetch the playlist from.
func (s *Session) IndexURL() string {
	return s.Flavor.BasePath(s.ID) + engine.DefaultIndexName
}

// LastAccess returns the time of the most recent index or segment read.
func (s *Session) LastAccess() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAccess
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	if now.After(s.lastAccess) {
		s.lastAccess = now
	}
	s.mu.Unlock()
}

// requestCancel sends on the single-slot cancel channel without blocking.
// A full slot means teardown was already requested.
func (s *Session) requestCancel() bool {
	select {
	case s.cancel <- struct{}{}:
		return true
	default:
		return false
	}
}

// Done is closed once the session has been reclaimed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Registry maps ephemeral session ids to sessions. It is shared by the
// supervisor and the file-serving handlers.
type Registry struct {
	now func() time.Time

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry builds an empty registry using now as its clock.
func NewRegistry(now func() time.Time) *Registry {
	if now == nil {
		now = time.Now
	}
	return &Registry{now: now, sessions: make(map[string]*Session)}
}

func (r *Registry) add(s *Session) {
	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()
}

// remove deletes id if it still maps to s.
func (r *Registry) remove(s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.sessions[s.ID]
	if !ok || current != s {
		return false
	}
	delete(r.sessions, s.ID)
	return true
}

// Get returns the live session registered under id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Touch refreshes the last access time of id. It reports false when the
// session is gone.
func (r *Registry) Touch(id string) bool {
	s, ok := r.Get(id)
	if !ok {
		return false
	}
	s.touch(r.now())
	return true
}

// Cancel requests teardown of id. It reports false when the session is not
// registered; a repeated request on a live session is a silent no-op.
func (r *Registry) Cancel(id string) bool {
	s, ok := r.Get(id)
	if !ok {
		return false
	}
	s.requestCancel()
	return true
}

// List returns the live sessions, most recently accessed first.
func (r *Registry) List() []*Session {
	r.mu.RLock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.RUnlock()

	type entry struct {
		session *Session
		access  time.Time
	}
	entries := make([]entry, len(out))
	for i, s := range out {
		entries[i] = entry{session: s, access: s.LastAccess()}
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].access.Equal(entries[j].access) {
			return entries[i].session.ID < entries[j].session.ID
		}
		return entries[i].access.After(entries[j].access)
	})
	for i := range entries {
		out[i] = entries[i].session
	}
	return out
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
