// Package discovery derives RTSP sources from Hikvision-style NVR
// parameters and lists the streaming channels an NVR exposes over ISAPI.
package discovery

import (
	"bytes"
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/encoding/htmlindex"
)

var (
	ErrMissingIP = errors.New("nvr ip is required")
	ErrUpstream  = errors.New("nvr request failed")
)

// Parameter defaults applied when a query omits them.
const (
	DefaultPort         = "554"
	DefaultUsername     = "admin"
	DefaultChannel      = "1"
	DefaultStreamNumber = "1"
	DefaultTimeout      = 10 * time.Second
	maxBodyBytes        = 4 << 20
)

// NVRParams identifies one channel on an NVR.
type NVRParams struct {
	IP           string
	Port         string
	Username     string
	Password     string
	Channel      string
	StreamNumber string
}

// ParamsFromQuery reads ip, port, username, password, channel and
// stream_number, applying defaults for everything except ip.
func ParamsFromQuery(q url.Values) (NVRParams, error) {
	p := NVRParams{
		IP:           strings.TrimSpace(q.Get("ip")),
		Port:         valueOr(q.Get("port"), DefaultPort),
		Username:     valueOr(q.Get("username"), DefaultUsername),
		Password:     q.Get("password"),
		Channel:      valueOr(q.Get("channel"), DefaultChannel),
		StreamNumber: valueOr(q.Get("stream_number"), DefaultStreamNumber),
	}
	if p.IP == "" {
		return NVRParams{}, ErrMissingIP
	}
	return p, nil
}

func valueOr(value, fallback string) string {
	if v := strings.TrimSpace(value); v != "" {
		return v
	}
	return fallback
}

func (p NVRParams) hostPort() string {
	return net.JoinHostPort(p.IP, valueOr(p.Port, DefaultPort))
}

func (p NVRParams) userinfo() *url.Userinfo {
	return url.UserPassword(valueOr(p.Username, DefaultUsername), p.Password)
}

// ChannelPath is the ISAPI channel suffix: the channel followed by the
// two-digit stream number, so channel 1 main stream is "101". Stream numbers
// that do not parse fall back to 1.
func (p NVRParams) ChannelPath() string {
	stream, err := strconv.ParseUint(strings.TrimSpace(p.StreamNumber), 10, 32)
	if err != nil {
		stream = 1
	}
	return fmt.Sprintf("%s%02d", valueOr(p.Channel, DefaultChannel), stream)
}

// RTSPURL builds the RTSP source for the channel with escaped credentials.
func (p NVRParams) RTSPURL() string {
	u := url.URL{
		Scheme: "rtsp",
		User:   p.userinfo(),
		Host:   p.hostPort(),
		Path:   "/ISAPI/Streaming/channels/" + p.ChannelPath(),
	}
	return u.String()
}

// ChannelsURL is the ISAPI endpoint listing streaming channels.
func (p NVRParams) ChannelsURL() string {
	u := url.URL{
		Scheme: "http",
		User:   p.userinfo(),
		Host:   p.hostPort(),
		Path:   "/ISAPI/Streaming/channels",
	}
	return u.String()
}

// Channel is one streaming channel reported by an NVR.
type Channel struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Listing is the NVR answer: either a JSON document passed through verbatim
// or channels parsed from XML.
type Listing struct {
	Raw      json.RawMessage
	Channels []Channel
}

// Client fetches channel listings from NVRs.
type Client struct {
	http   *http.Client
	logger *slog.Logger
}

// NewClient builds a client with the given request timeout. A nil
// httpClient uses a fresh client with that timeout.
func NewClient(httpClient *http.Client, timeout time.Duration, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{http: httpClient, logger: logger}
}

// FetchChannels lists the streaming channels of the NVR described by p.
func (c *Client) FetchChannels(ctx context.Context, p NVRParams) (Listing, error) {
	if strings.TrimSpace(p.IP) == "" {
		return Listing{}, ErrMissingIP
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.ChannelsURL(), nil)
	if err != nil {
		return Listing{}, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	req.Header.Set("Accept", "application/json, application/xml")

	c.logger.Info("fetching nvr channels", "host", p.hostPort())
	resp, err := c.http.Do(req)
	if err != nil {
		return Listing{}, fmt.Errorf("%w: contact nvr: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Listing{}, fmt.Errorf("%w: nvr responded with %s", ErrUpstream, resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return Listing{}, fmt.Errorf("%w: read nvr response: %v", ErrUpstream, err)
	}

	trimmed := bytes.TrimSpace(body)
	if json.Valid(trimmed) {
		return Listing{Raw: json.RawMessage(trimmed)}, nil
	}
	channels, err := ParseChannelsXML(bytes.NewReader(body))
	if err != nil {
		c.logger.Warn("nvr channel xml incomplete", "error", err, "channels", len(channels))
	}
	return Listing{Channels: channels}, nil
}

// ParseChannelsXML collects StreamingChannel elements. A channel without an
// id or name is numbered by position ("n", "Camera n"). Parsing stops at the
// first malformed token; channels read until then are returned with the
// error.
func ParseChannelsXML(r io.Reader) ([]Channel, error) {
	decoder := xml.NewDecoder(r)
	decoder.CharsetReader = charsetReader
	decoder.Strict = false

	channels := []Channel{}
	var (
		inChannel bool
		depth     int
		field     string
		current   Channel
	)
	for {
		token, err := decoder.Token()
		if errors.Is(err, io.EOF) {
			return channels, nil
		}
		if err != nil {
			return channels, err
		}
		switch t := token.(type) {
		case xml.StartElement:
			if t.Name.Local == "StreamingChannel" {
				inChannel, depth, current = true, 0, Channel{}
				continue
			}
			if inChannel {
				depth++
				field = ""
				if depth == 1 {
					field = t.Name.Local
				}
			}
		case xml.CharData:
			if !inChannel || depth != 1 {
				continue
			}
			text := strings.TrimSpace(string(t))
			switch field {
			case "id":
				current.ID = text
			case "channelName", "name":
				if current.Name == "" || field == "name" {
					current.Name = text
				}
			}
		case xml.EndElement:
			if !inChannel {
				continue
			}
			if t.Name.Local == "StreamingChannel" && depth == 0 {
				n := strconv.Itoa(len(channels) + 1)
				if current.ID == "" {
					current.ID = n
				}
				if current.Name == "" {
					current.Name = "Camera " + n
				}
				channels = append(channels, current)
				inChannel = false
				continue
			}
			depth--
			field = ""
		}
	}
}

func charsetReader(label string, input io.Reader) (io.Reader, error) {
	enc, err := htmlindex.Get(label)
	if err != nil {
		return nil, fmt.Errorf("unsupported charset %q: %w", label, err)
	}
	return enc.NewDecoder().Reader(input), nil
}
