package hls

import (
	"bufio"
	"os"
	"time"

	"github.com/grafov/m3u8"

	"rtsp-proxy/internal/redact"
)

// Summary describes a live session for listings.
type Summary struct {
	ID             string    `json:"id"`
	Flavor         Flavor    `json:"flavor"`
	SourceURI      string    `json:"source_uri"`
	IndexURL       string    `json:"index_url"`
	Created        time.Time `json:"created"`
	LastAccess     time.Time `json:"last_access"`
	IdleSeconds    float64   `json:"idle_seconds"`
	Ready          bool      `json:"ready"`
	Segments       int       `json:"segments"`
	MediaSequence  uint64    `json:"media_sequence"`
	TargetDuration float64   `json:"target_duration"`
}

// Summaries lists live sessions, most recently accessed first. Listing does
// not count as access.
func (s *Supervisor) Summaries() []Summary {
	now := s.cfg.Now()
	sessions := s.registry.List()
	out := make([]Summary, 0, len(sessions))
	for _, session := range sessions {
		last := session.LastAccess()
		summary := Summary{
			ID:          session.ID,
			Flavor:      session.Flavor,
			SourceURI:   redact.URL(session.Source),
			IndexURL:    session.IndexURL(),
			Created:     session.Created,
			LastAccess:  last,
			IdleSeconds: now.Sub(last).Seconds(),
		}
		if playlist, ok := readMediaPlaylist(session.IndexPath()); ok {
			summary.Ready = true
			summary.Segments = int(playlist.Count())
			summary.MediaSequence = playlist.SeqNo
			summary.TargetDuration = playlist.TargetDuration
		}
		out = append(out, summary)
	}
	return out
}

func readMediaPlaylist(path string) (*m3u8.MediaPlaylist, bool) {
	f, err := os.Open(path)
	if err != nil {
		return nil, false
	}
	defer f.Close()
	playlist, listType, err := m3u8.DecodeFrom(bufio.NewReader(f), false)
	if err != nil || listType != m3u8.MEDIA {
		return nil, false
	}
	media, ok := playlist.(*m3u8.MediaPlaylist)
	return media, ok
}
