package hls

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"rtsp-proxy/internal/engine"
)

// ValidateSegmentName rejects names that could escape the session directory.
func ValidateSegmentName(name string) error {
	if name == "" || strings.Contains(name, "..") || strings.ContainsAny(name, "/\\") {
		return fmt.Errorf("%w: %q", ErrInvalidSegmentPath, name)
	}
	return nil
}

// ContentType maps a session file name to its response content type.
func ContentType(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".ts":
		return "video/mp2t"
	case ".m3u8":
		return "application/vnd.apple.mpegurl"
	default:
		return "application/octet-stream"
	}
}

// ReadIndex returns the playlist of session id and refreshes its last
// access time.
func (s *Supervisor) ReadIndex(id string) ([]byte, error) {
	return s.ReadFile(id, engine.DefaultIndexName)
}

// ReadFile returns file name from the directory of session id and refreshes
// its last access time. Names are validated before any lookup.
func (s *Supervisor) ReadFile(id, name string) ([]byte, error) {
	if err := ValidateSegmentName(name); err != nil {
		return nil, err
	}
	session, ok := s.registry.Get(id)
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	data, err := s.readFile(filepath.Join(session.Dir, name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("session %s file %s: %w", id, name, ErrNotFound)
		}
		return nil, err
	}
	s.registry.Touch(id)
	return data, nil
}
