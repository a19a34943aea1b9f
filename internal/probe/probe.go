// Package probe checks that an RTSP source answers DESCRIBE before an engine
// is spent on it.
package probe

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bluenviron/gortsplib/v4"
	"github.com/bluenviron/gortsplib/v4/pkg/base"
	"github.com/bluenviron/gortsplib/v4/pkg/description"

	"rtsp-proxy/internal/redact"
)

// ErrUnreachable wraps every failure to describe a source.
var ErrUnreachable = errors.New("rtsp source unreachable")

// DefaultTimeout bounds a single probe.
const DefaultTimeout = 5 * time.Second

// Media is one media section announced by the source.
type Media struct {
	Type   string   `json:"type"`
	Codecs []string `json:"codecs"`
}

// Result is the outcome of a successful probe.
type Result struct {
	URL    string  `json:"url"`
	Medias []Media `json:"medias"`
}

// Describer issues DESCRIBE against a source URI.
type Describer interface {
	Describe(ctx context.Context, rawURL string) (Result, error)
}

// Prober describes RTSP sources with a TCP-only client.
type Prober struct {
	Timeout time.Duration
}

// New returns a prober with the given per-probe timeout.
func New(timeout time.Duration) *Prober {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Prober{Timeout: timeout}
}

// Describe connects to rawURL and returns the announced medias.
func (p *Prober) Describe(ctx context.Context, rawURL string) (Result, error) {
	u, err := base.ParseURL(strings.TrimSpace(rawURL))
	if err != nil {
		return Result{}, fmt.Errorf("%w: parse url: %v", ErrUnreachable, err)
	}

	timeout := p.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	transport := gortsplib.TransportTCP
	client := &gortsplib.Client{
		Transport:    &transport,
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
	}

	type outcome struct {
		desc *description.Session
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		if err := client.Start(u.Scheme, u.Host); err != nil {
			done <- outcome{err: err}
			return
		}
		desc, _, err := client.Describe(u)
		client.Close()
		done <- outcome{desc: desc, err: err}
	}()

	// The client's own read and write timeouts bound the goroutine; an
	// abandoned probe closes the client when it finishes.
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	select {
	case <-ctx.Done():
		return Result{}, fmt.Errorf("%w: %v", ErrUnreachable, ctx.Err())
	case out := <-done:
		if out.err != nil {
			return Result{}, fmt.Errorf("%w: %v", ErrUnreachable, out.err)
		}
		return summarize(redact.URL(rawURL), out.desc), nil
	}
}

func summarize(url string, desc *description.Session) Result {
	result := Result{URL: url, Medias: []Media{}}
	if desc == nil {
		return result
	}
	for _, media := range desc.Medias {
		m := Media{Type: string(media.Type), Codecs: make([]string, 0, len(media.Formats))}
		for _, format := range media.Formats {
			m.Codecs = append(m.Codecs, format.Codec())
		}
		result.Medias = append(result.Medias, m)
	}
	return result
}
