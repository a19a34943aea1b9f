package metrics

import (
	"bytes"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestNormalizePath(t *testing.T) {
	cases := []struct {
		path string
		want string
	}{
		{path: "", want: "/"},
		{path: "/", want: "/"},
		{path: "/api/streams", want: "/api/streams"},
		{path: "/api/stream/front-door/start", want: "/api/stream/:id/start"},
		{path: "/stream/hls/7f1c2a9e-8d44-4b8f-9a71-0c6a1b2e3d4f/playlist.m3u8", want: "/stream/hls/:id/playlist.m3u8"},
		{path: "/stream/hls/7f1c2a9e-8d44-4b8f-9a71-0c6a1b2e3d4f/segment004.ts", want: "/stream/hls/:id/:file"},
		{path: "/proxyhl/segment/abcdef0123/segment010.ts", want: "/proxyhl/segment/:id/:file"},
		{path: "/stream/cam1/mpegts", want: "/stream/cam1/mpegts"},
		{path: "stream/123/mpegts", want: "/stream/:id/mpegts"},
	}
	for _, tc := range cases {
		if got := normalizePath(tc.path); got != tc.want {
			t.Errorf("normalizePath(%q) = %q, want %q", tc.path, got, tc.want)
		}
	}
}

func TestObserveRequestAggregates(t *testing.T) {
	recorder := New()
	recorder.ObserveRequest("get", "/api/stream/front-door/stop", 200, 100*time.Millisecond)
	recorder.ObserveRequest("GET", "/api/stream/back-garden/stop", 200, 50*time.Millisecond)
	recorder.ObserveRequest("GET", "/api/stream/back-garden/stop", 404, 10*time.Millisecond)

	label := requestLabel{method: "GET", path: "/api/stream/:id/stop", status: "200"}
	if got := recorder.requestCount[label]; got != 2 {
		t.Fatalf("expected 2 requests, got %d", got)
	}
	if got := recorder.requestDuration[label]; got != 150*time.Millisecond {
		t.Fatalf("expected 150ms, got %s", got)
	}
	if len(recorder.sortedRequestLabels()) != 2 {
		t.Fatalf("expected two label sets")
	}
}

func TestGaugesNeverNegative(t *testing.T) {
	recorder := New()

	var wg sync.WaitGroup
	starts, stops := 100, 150
	wg.Add(2 * starts)
	for i := 0; i < starts; i++ {
		go func() {
			defer wg.Done()
			recorder.StreamStarted()
		}()
		go func() {
			defer wg.Done()
			recorder.SessionCreated("stream")
		}()
	}
	wg.Wait()
	wg.Add(2 * stops)
	for i := 0; i < stops; i++ {
		go func() {
			defer wg.Done()
			recorder.StreamStopped()
		}()
		go func() {
			defer wg.Done()
			recorder.SessionReclaimed("stream", "cancel")
		}()
	}
	wg.Wait()

	if active := recorder.ActiveStreams(); active != 0 {
		t.Fatalf("active streams should not go negative; got %d", active)
	}
	if active := recorder.ActiveSessions(); active != 0 {
		t.Fatalf("active sessions should not go negative; got %d", active)
	}
	if got := recorder.StreamEventCount("start"); got != uint64(starts) {
		t.Fatalf("unexpected start events: got %d want %d", got, starts)
	}
	if got := recorder.SessionEventCount("stream", "reclaim_cancel"); got != uint64(stops) {
		t.Fatalf("unexpected reclaim events: got %d want %d", got, stops)
	}
}

func TestWriteAndHandlerOutput(t *testing.T) {
	recorder := New()
	recorder.ObserveRequest("GET", "/api/streams", 200, 250*time.Millisecond)
	recorder.StreamStarted()
	recorder.StreamStarted()
	recorder.StreamStopped()
	recorder.ObserveStreamEvent("claim")
	recorder.AddPumpedBytes(1316)
	recorder.AddPumpedBytes(-5)
	recorder.AddDroppedChunks(2)
	recorder.SessionCreated("proxyhl")
	recorder.ObserveSessionEvent("proxyhl", "ready")
	recorder.SessionReclaimed("proxyhl", "exit")

	var buf bytes.Buffer
	recorder.Write(&buf)

	expected := `# HELP rtsp_proxy_http_requests_total Total number of HTTP requests processed
# TYPE rtsp_proxy_http_requests_total counter
rtsp_proxy_http_requests_total{method="GET",path="/api/streams",status="200"} 1
# HELP rtsp_proxy_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds
# TYPE rtsp_proxy_http_request_duration_seconds_sum counter
rtsp_proxy_http_request_duration_seconds_sum{method="GET",path="/api/streams",status="200"} 0.250000
# HELP rtsp_proxy_stream_events_total Persistent stream lifecycle events by type
# TYPE rtsp_proxy_stream_events_total counter
rtsp_proxy_stream_events_total{event="claim"} 1
rtsp_proxy_stream_events_total{event="start"} 2
rtsp_proxy_stream_events_total{event="stop"} 1
# HELP rtsp_proxy_active_streams Current number of running persistent streams
# TYPE rtsp_proxy_active_streams gauge
rtsp_proxy_active_streams 1
# HELP rtsp_proxy_stream_bytes_total Bytes pumped from engines into persistent stream queues
# TYPE rtsp_proxy_stream_bytes_total counter
rtsp_proxy_stream_bytes_total 1316
# HELP rtsp_proxy_stream_dropped_chunks_total Chunks discarded by bounded stream queues
# TYPE rtsp_proxy_stream_dropped_chunks_total counter
rtsp_proxy_stream_dropped_chunks_total 2
# HELP rtsp_proxy_session_events_total Ephemeral HLS session events by flavour and type
# TYPE rtsp_proxy_session_events_total counter
rtsp_proxy_session_events_total{flavor="proxyhl",event="create"} 1
rtsp_proxy_session_events_total{flavor="proxyhl",event="ready"} 1
rtsp_proxy_session_events_total{flavor="proxyhl",event="reclaim_exit"} 1
# HELP rtsp_proxy_active_sessions Current number of live ephemeral HLS sessions
# TYPE rtsp_proxy_active_sessions gauge
rtsp_proxy_active_sessions 0`

	if diff := compareLines(buf.String(), expected); diff != "" {
		t.Fatalf("unexpected write output:\n%s", diff)
	}

	res := httptest.NewRecorder()
	recorder.Handler().ServeHTTP(res, httptest.NewRequest("GET", "/metrics", nil))
	if contentType := res.Result().Header.Get("Content-Type"); !strings.HasPrefix(contentType, "text/plain") {
		t.Fatalf("unexpected content type: %s", contentType)
	}
	if diff := compareLines(res.Body.String(), expected); diff != "" {
		t.Fatalf("unexpected handler output:\n%s", diff)
	}

	recorder.Reset()
	if recorder.ActiveStreams() != 0 || recorder.StreamEventCount("start") != 0 {
		t.Fatal("expected reset to clear counters")
	}
}

func compareLines(actual, expected string) string {
	actualLines := strings.Split(strings.TrimSpace(actual), "\n")
	expectedLines := strings.Split(strings.TrimSpace(expected), "\n")
	if len(actualLines) != len(expectedLines) {
		return formatDiff(actualLines, expectedLines)
	}
	for i := range actualLines {
		if actualLines[i] != expectedLines[i] {
			return formatDiff(actualLines, expectedLines)
		}
	}
	return ""
}

func formatDiff(actual, expected []string) string {
	var b strings.Builder
	b.WriteString("expected\n")
	for _, line := range expected {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	b.WriteString("got\n")
	for _, line := range actual {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return b.String()
}
