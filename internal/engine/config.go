package engine

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Transport selects how the engine pulls the RTSP source.
type Transport string

const (
	TransportTCP Transport = "tcp"
	TransportUDP Transport = "udp"
)

// Output selects the container the engine produces.
type Output string

const (
	// OutputMPEGTS writes a continuous MPEG-TS byte stream to stdout.
	OutputMPEGTS Output = "mpegts"
	// OutputHLS writes a rolling index plus segment files into a directory.
	OutputHLS Output = "hls"
	// OutputMJPEG writes a stream of JPEG frames to stdout.
	OutputMJPEG Output = "mjpeg"
)

// Defaults used by the preset constructors.
const (
	DefaultVideoBitrateKbps = 2000
	DefaultAudioBitrateKbps = 128
	DefaultAudioSampleRate  = 44100
	DefaultSegmentDuration  = 2 * time.Second
	DefaultWindowSize       = 5
	DefaultIndexName        = "playlist.m3u8"
	DefaultSegmentPattern   = "segment%03d.ts"
)

// Config is the typed capability set the proxy needs from a transcoding
// engine. Args renders it into an ffmpeg invocation.
type Config struct {
	Transport           Transport
	Output              Output
	VideoCodec          string
	AudioCodec          string
	VideoBitrateKbps    int
	AudioBitrateKbps    int
	AudioSampleRate     int
	Preset              string
	Tune                string
	GOPSize             int
	MinKeyframeInterval int
	DisableSceneCut     bool

	// Segmented output.
	SegmentDuration time.Duration
	WindowSize      int
	DeleteOnRotate  bool
	SegmentPattern  string
	BaseURL         string
	IndexPath       string

	// MJPEG output.
	Scale   string
	Quality int
}

// ContinuousConfig returns the low-latency MPEG-TS profile used by
// persistent streams.
func ContinuousConfig() Config {
	return Config{
		Transport:        TransportTCP,
		Output:           OutputMPEGTS,
		VideoCodec:       "libx264",
		AudioCodec:       "aac",
		VideoBitrateKbps: DefaultVideoBitrateKbps,
		AudioBitrateKbps: DefaultAudioBitrateKbps,
		Preset:           "ultrafast",
		Tune:             "zerolatency",
	}
}

// PassthroughConfig returns the minimal MPEG-TS profile used by one-shot
// direct proxies.
func PassthroughConfig() Config {
	return Config{
		Transport:       TransportTCP,
		Output:          OutputMPEGTS,
		VideoCodec:      "libx264",
		AudioCodec:      "aac",
		AudioSampleRate: DefaultAudioSampleRate,
		Preset:          "ultrafast",
	}
}

// SegmentedConfig returns the HLS profile for a session directory. The
// index is written to indexPath and segments follow segmentPattern, with
// baseURL prefixed to every segment reference inside the index.
func SegmentedConfig(indexPath, segmentPattern, baseURL string) Config {
	return Config{
		Transport:           TransportTCP,
		Output:              OutputHLS,
		VideoCodec:          "libx264",
		AudioCodec:          "aac",
		VideoBitrateKbps:    DefaultVideoBitrateKbps,
		AudioBitrateKbps:    DefaultAudioBitrateKbps,
		AudioSampleRate:     DefaultAudioSampleRate,
		Preset:              "ultrafast",
		Tune:                "zerolatency",
		GOPSize:             50,
		MinKeyframeInterval: 25,
		DisableSceneCut:     true,
		SegmentDuration:     DefaultSegmentDuration,
		WindowSize:          DefaultWindowSize,
		DeleteOnRotate:      true,
		SegmentPattern:      segmentPattern,
		BaseURL:             baseURL,
		IndexPath:           indexPath,
	}
}

// MJPEGConfig returns the preview profile used by the NVR MJPEG proxy.
func MJPEGConfig() Config {
	return Config{
		Transport: TransportTCP,
		Output:    OutputMJPEG,
		Scale:     "640:480",
		Quality:   5,
	}
}

// CapturesStdout reports whether the engine output is read from stdout.
func (c Config) CapturesStdout() bool {
	return c.Output != OutputHLS
}

// Validate checks that the fields required by the selected output are set.
func (c Config) Validate() error {
	switch c.Transport {
	case TransportTCP, TransportUDP, "":
	default:
		return fmt.Errorf("unsupported transport %q", c.Transport)
	}
	switch c.Output {
	case OutputMPEGTS, OutputMJPEG:
	case OutputHLS:
		if strings.TrimSpace(c.IndexPath) == "" {
			return fmt.Errorf("index path is required for segmented output")
		}
		if strings.TrimSpace(c.SegmentPattern) == "" {
			return fmt.Errorf("segment pattern is required for segmented output")
		}
		if c.SegmentDuration < 0 || c.WindowSize < 0 {
			return fmt.Errorf("segment duration and window size must not be negative")
		}
	default:
		return fmt.Errorf("unsupported output %q", c.Output)
	}
	if c.VideoBitrateKbps < 0 || c.AudioBitrateKbps < 0 {
		return fmt.Errorf("bitrates must not be negative")
	}
	return nil
}

// Args renders the ffmpeg argument list for pulling source with this
// configuration.
func (c Config) Args(source string) ([]string, error) {
	if strings.TrimSpace(source) == "" {
		return nil, fmt.Errorf("source uri is required")
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	transport := c.Transport
	if transport == "" {
		transport = TransportTCP
	}
	args := []string{"-rtsp_transport", string(transport), "-i", source}

	switch c.Output {
	case OutputMJPEG:
		if c.Scale != "" {
			args = append(args, "-vf", "scale="+c.Scale)
		}
		if c.Quality > 0 {
			args = append(args, "-q:v", strconv.Itoa(c.Quality))
		}
		args = append(args, "-f", "mjpeg", "-fflags", "flush_packets", "pipe:1")
		return args, nil
	case OutputHLS:
		duration := c.SegmentDuration
		if duration <= 0 {
			duration = DefaultSegmentDuration
		}
		window := c.WindowSize
		if window <= 0 {
			window = DefaultWindowSize
		}
		flags := "independent_segments"
		if c.DeleteOnRotate {
			flags = "delete_segments+" + flags
		}
		args = append(args,
			"-f", "hls",
			"-hls_time", formatSeconds(duration),
			"-hls_list_size", strconv.Itoa(window),
			"-hls_flags", flags,
			"-hls_segment_filename", c.SegmentPattern,
		)
		if c.BaseURL != "" {
			args = append(args, "-hls_base_url", c.BaseURL)
		}
	default:
		args = append(args, "-f", "mpegts")
	}

	args = append(args, c.codecArgs()...)

	if c.Output == OutputHLS {
		return append(args, c.IndexPath), nil
	}
	if c.VideoBitrateKbps > 0 {
		args = append(args, "-avoid_negative_ts", "make_zero", "-fflags", "+genpts")
	}
	return append(args, "-"), nil
}

func (c Config) codecArgs() []string {
	var args []string
	if c.VideoCodec != "" {
		args = append(args, "-codec:v", c.VideoCodec)
	}
	if c.Preset != "" {
		args = append(args, "-preset", c.Preset)
	}
	if c.Tune != "" {
		args = append(args, "-tune", c.Tune)
	}
	if c.GOPSize > 0 {
		args = append(args, "-g", strconv.Itoa(c.GOPSize))
	}
	if c.MinKeyframeInterval > 0 {
		args = append(args, "-keyint_min", strconv.Itoa(c.MinKeyframeInterval))
	}
	if c.DisableSceneCut {
		args = append(args, "-sc_threshold", "0")
	}
	if c.VideoBitrateKbps > 0 {
		args = append(args, "-b:v", fmt.Sprintf("%dk", c.VideoBitrateKbps))
	}
	if c.AudioCodec != "" {
		args = append(args, "-codec:a", c.AudioCodec)
	}
	if c.AudioSampleRate > 0 {
		args = append(args, "-ar", strconv.Itoa(c.AudioSampleRate))
	}
	if c.AudioBitrateKbps > 0 {
		args = append(args, "-b:a", fmt.Sprintf("%dk", c.AudioBitrateKbps))
	}
	return args
}

func formatSeconds(d time.Duration) string {
	if d%time.Second == 0 {
		return strconv.FormatInt(int64(d/time.Second), 10)
	}
	return strconv.FormatFloat(d.Seconds(), 'f', -1, 64)
}
