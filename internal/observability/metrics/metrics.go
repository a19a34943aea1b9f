package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type requestLabel struct {
	method string
	path   string
	status string
}

// SessionLabel identifies an ephemeral session event by flavour and event.
type SessionLabel struct {
	Flavor string
	Event  string
}

// Recorder aggregates in-memory counters and gauges for HTTP requests,
// persistent stream lifecycle events, ephemeral session lifecycle events, and
// pump throughput. Maps are guarded by a RWMutex while gauges and byte
// counters are atomics.
type Recorder struct {
	mu              sync.RWMutex
	requestCount    map[requestLabel]uint64
	requestDuration map[requestLabel]time.Duration
	streamEvents    map[string]uint64
	sessionEvents   map[SessionLabel]uint64
	activeStreams   atomic.Int64
	activeSessions  atomic.Int64
	inFlight        atomic.Int64
	responseBytes   map[string]uint64
	pumpedBytes     atomic.Uint64
	droppedChunks   atomic.Uint64
}

var defaultRecorder = New()

// New constructs an empty Recorder.
func New() *Recorder {
	return &Recorder{
		requestCount:    make(map[requestLabel]uint64),
		requestDuration: make(map[requestLabel]time.Duration),
		streamEvents:    make(map[string]uint64),
		sessionEvents:   make(map[SessionLabel]uint64),
		responseBytes:   make(map[string]uint64),
	}
}

// Default returns the process-wide Recorder used when callers pass nil.
func Default() *Recorder {
	return defaultRecorder
}

// ObserveRequest accumulates request count and duration by HTTP method,
// normalized path, and status code.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	label := requestLabel{
		method: strings.ToUpper(method),
		path:   normalizePath(path),
		status: fmt.Sprintf("%d", status),
	}
	r.mu.Lock()
	r.requestCount[label]++
	r.requestDuration[label] += duration
	r.mu.Unlock()
}

// ObserveResponseBytes adds n body bytes to the egress counter of path.
func (r *Recorder) ObserveResponseBytes(path string, n int64) {
	if n <= 0 {
		return
	}
	label := normalizePath(path)
	r.mu.Lock()
	r.responseBytes[label] += uint64(n)
	r.mu.Unlock()
}

// ResponseBytes returns the egress counter of path.
func (r *Recorder) ResponseBytes(path string) uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.responseBytes[normalizePath(path)]
}

// InFlightRequests is the number of requests still being served, media
// responses included.
func (r *Recorder) InFlightRequests() int64 {
	return r.inFlight.Load()
}

// StreamStarted records a persistent stream start and raises the active gauge.
func (r *Recorder) StreamStarted() {
	r.ObserveStreamEvent("start")
	r.activeStreams.Add(1)
}

// StreamStopped records a persistent stream stop and lowers the active gauge
// without letting it go negative.
func (r *Recorder) StreamStopped() {
	r.ObserveStreamEvent("stop")
	r.decrementGauge(&r.activeStreams)
}

// ObserveStreamEvent counts a persistent stream event such as "claim" or
// "start_failed".
func (r *Recorder) ObserveStreamEvent(event string) {
	normalized := normalizeName(event)
	r.mu.Lock()
	r.streamEvents[normalized]++
	r.mu.Unlock()
}

// SessionCreated records an ephemeral session creation for flavor.
func (r *Recorder) SessionCreated(flavor string) {
	r.ObserveSessionEvent(flavor, "create")
	r.activeSessions.Add(1)
}

// SessionReclaimed records the single reclamation of a session, labelled
// with the trigger that caused it (cancel, exit, spawn_failure).
func (r *Recorder) SessionReclaimed(flavor, trigger string) {
	r.ObserveSessionEvent(flavor, "reclaim_"+normalizeName(trigger))
	r.decrementGauge(&r.activeSessions)
}

// ObserveSessionEvent counts an ephemeral session event.
func (r *Recorder) ObserveSessionEvent(flavor, event string) {
	label := SessionLabel{Flavor: normalizeName(flavor), Event: normalizeName(event)}
	r.mu.Lock()
	r.sessionEvents[label]++
	r.mu.Unlock()
}

// AddPumpedBytes adds n to the persistent output byte counter.
func (r *Recorder) AddPumpedBytes(n int) {
	if n > 0 {
		r.pumpedBytes.Add(uint64(n))
	}
}

// AddDroppedChunks adds n to the bounded-queue drop counter.
func (r *Recorder) AddDroppedChunks(n int) {
	if n > 0 {
		r.droppedChunks.Add(uint64(n))
	}
}

// ActiveStreams exposes the current persistent stream gauge.
func (r *Recorder) ActiveStreams() int64 {
	return r.activeStreams.Load()
}

// ActiveSessions exposes the current ephemeral session gauge.
func (r *Recorder) ActiveSessions() int64 {
	return r.activeSessions.Load()
}

// StreamEventCount returns the counter for a persistent stream event.
func (r *Recorder) StreamEventCount(event string) uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.streamEvents[normalizeName(event)]
}

// SessionEventCount returns the counter for an ephemeral session event.
func (r *Recorder) SessionEventCount(flavor, event string) uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessionEvents[SessionLabel{Flavor: normalizeName(flavor), Event: normalizeName(event)}]
}

// Reset clears all counters and gauges. It is intended for test setups.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.streamEvents = make(map[string]uint64)
	r.sessionEvents = make(map[SessionLabel]uint64)
	r.responseBytes = make(map[string]uint64)
	r.inFlight.Store(0)
	r.activeStreams.Store(0)
	r.activeSessions.Store(0)
	r.pumpedBytes.Store(0)
	r.droppedChunks.Store(0)
}

// Handler exposes the Recorder as Prometheus text exposition.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders metrics in Prometheus text format with label sets sorted for
// stable output.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requestLabels := r.sortedRequestLabels()
	streamEvents := sortedKeys(r.streamEvents)
	sessionLabels := r.sortedSessionLabels()

	fmt.Fprintln(w, "# HELP rtsp_proxy_http_requests_total Total number of HTTP requests processed")
	fmt.Fprintln(w, "# TYPE rtsp_proxy_http_requests_total counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "rtsp_proxy_http_requests_total{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, r.requestCount[label])
	}

	fmt.Fprintln(w, "# HELP rtsp_proxy_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE rtsp_proxy_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "rtsp_proxy_http_request_duration_seconds_sum{method=\"%s\",path=\"%s\",status=\"%s\"} %f\n", label.method, label.path, label.status, r.requestDuration[label].Seconds())
	}

	fmt.Fprintln(w, "# HELP rtsp_proxy_http_response_bytes_total Body bytes written to clients by route")
	fmt.Fprintln(w, "# TYPE rtsp_proxy_http_response_bytes_total counter")
	for _, path := range sortedKeys(r.responseBytes) {
		fmt.Fprintf(w, "rtsp_proxy_http_response_bytes_total{path=\"%s\"} %d\n", path, r.responseBytes[path])
	}

	fmt.Fprintln(w, "# HELP rtsp_proxy_http_requests_in_flight Requests currently being served")
	fmt.Fprintln(w, "# TYPE rtsp_proxy_http_requests_in_flight gauge")
	fmt.Fprintf(w, "rtsp_proxy_http_requests_in_flight %d\n", r.inFlight.Load())

	fmt.Fprintln(w, "# HELP rtsp_proxy_stream_events_total Persistent stream lifecycle events by type")
	fmt.Fprintln(w, "# TYPE rtsp_proxy_stream_events_total counter")
	for _, event := range streamEvents {
		fmt.Fprintf(w, "rtsp_proxy_stream_events_total{event=\"%s\"} %d\n", event, r.streamEvents[event])
	}

	fmt.Fprintln(w, "# HELP rtsp_proxy_active_streams Current number of running persistent streams")
	fmt.Fprintln(w, "# TYPE rtsp_proxy_active_streams gauge")
	fmt.Fprintf(w, "rtsp_proxy_active_streams %d\n", r.activeStreams.Load())

	fmt.Fprintln(w, "# HELP rtsp_proxy_stream_bytes_total Bytes pumped from engines into persistent stream queues")
	fmt.Fprintln(w, "# TYPE rtsp_proxy_stream_bytes_total counter")
	fmt.Fprintf(w, "rtsp_proxy_stream_bytes_total %d\n", r.pumpedBytes.Load())

	fmt.Fprintln(w, "# HELP rtsp_proxy_stream_dropped_chunks_total Chunks discarded by bounded stream queues")
	fmt.Fprintln(w, "# TYPE rtsp_proxy_stream_dropped_chunks_total counter")
	fmt.Fprintf(w, "rtsp_proxy_stream_dropped_chunks_total %d\n", r.droppedChunks.Load())

	fmt.Fprintln(w, "# HELP rtsp_proxy_session_events_total Ephemeral HLS session events by flavour and type")
	fmt.Fprintln(w, "# TYPE rtsp_proxy_session_events_total counter")
	for _, label := range sessionLabels {
		fmt.Fprintf(w, "rtsp_proxy_session_events_total{flavor=\"%s\",event=\"%s\"} %d\n", label.Flavor, label.Event, r.sessionEvents[label])
	}

	fmt.Fprintln(w, "# HELP rtsp_proxy_active_sessions Current number of live ephemeral HLS sessions")
	fmt.Fprintln(w, "# TYPE rtsp_proxy_active_sessions gauge")
	fmt.Fprintf(w, "rtsp_proxy_active_sessions %d\n", r.activeSessions.Load())
}

func (r *Recorder) sortedRequestLabels() []requestLabel {
	labels := make([]requestLabel, 0, len(r.requestCount))
	for label := range r.requestCount {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].method != labels[j].method {
			return labels[i].method < labels[j].method
		}
		if labels[i].path != labels[j].path {
			return labels[i].path < labels[j].path
		}
		return labels[i].status < labels[j].status
	})
	return labels
}

func sortedKeys(counts map[string]uint64) []string {
	keys := make([]string, 0, len(counts))
	for key := range counts {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func (r *Recorder) sortedSessionLabels() []SessionLabel {
	labels := make([]SessionLabel, 0, len(r.sessionEvents))
	for label := range r.sessionEvents {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].Flavor != labels[j].Flavor {
			return labels[i].Flavor < labels[j].Flavor
		}
		return labels[i].Event < labels[j].Event
	})
	return labels
}

// normalizePath collapses identifier-like segments so per-stream and
// per-session routes share one label set.
func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "" {
			continue
		}
		if i == len(parts)-1 && strings.HasSuffix(part, ".ts") {
			parts[i] = ":file"
			continue
		}
		if looksLikeIdentifier(part) {
			parts[i] = ":id"
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

func looksLikeIdentifier(segment string) bool {
	if len(segment) >= 8 && !strings.Contains(segment, ".") {
		return true
	}
	digitCount := 0
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			digitCount++
		}
	}
	return digitCount >= 3
}

func (r *Recorder) decrementGauge(gauge *atomic.Int64) {
	for {
		current := gauge.Load()
		if current <= 0 {
			return
		}
		if gauge.CompareAndSwap(current, current-1) {
			return
		}
	}
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}

// ObserveRequest is a helper on the default recorder.
func ObserveRequest(method, path string, status int, duration time.Duration) {
	defaultRecorder.ObserveRequest(method, path, status, duration)
}

// Handler exposes the default recorder as an HTTP handler.
func Handler() http.Handler {
	return defaultRecorder.Handler()
}
