package server

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSpawnsProcess(t *testing.T) {
	t.Parallel()

	cases := []struct {
		method string
		path   string
		want   bool
	}{
		{http.MethodPost, "/api/stream/cam1/start", true},
		{http.MethodPost, "/api/stream/cam1/stop", false},
		{http.MethodGet, "/stream", true},
		{http.MethodGet, "/stream/hls", true},
		{http.MethodGet, "/stream/hls/abc/index.m3u8", false},
		{http.MethodGet, "/proxy/rtsp", true},
		{http.MethodGet, "/proxyhl/rtsp", true},
		{http.MethodGet, "/proxyhl/segment/abc/segment001.ts", false},
		{http.MethodGet, "/stream/cam1/mpegts", false},
		{http.MethodGet, "/api/streams", false},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(tc.method, tc.path, nil)
		if got := spawnsProcess(req); got != tc.want {
			t.Errorf("%s %s: expected %v, got %v", tc.method, tc.path, tc.want, got)
		}
	}
}

func TestRequiresToken(t *testing.T) {
	t.Parallel()

	cases := []struct {
		method string
		path   string
		want   bool
	}{
		{http.MethodPost, "/api/stream/cam1/start", true},
		{http.MethodDelete, "/api/stream/cam1", true},
		{http.MethodDelete, "/proxyhl/sessions/abc", true},
		{http.MethodGet, "/api/streams", false},
		{http.MethodGet, "/proxyhl/sessions", false},
		{http.MethodOptions, "/api/stream/cam1/start", false},
		{http.MethodGet, "/stream/hls", false},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(tc.method, tc.path, nil)
		if got := requiresToken(req); got != tc.want {
			t.Errorf("%s %s: expected %v, got %v", tc.method, tc.path, tc.want, got)
		}
	}
}

func TestTokenMiddlewareDisabledWithoutToken(t *testing.T) {
	t.Parallel()

	called := false
	handler := tokenMiddleware("  ", nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/stream/cam1/stop", nil))
	if !called {
		t.Fatal("expected request to pass when no token is configured")
	}
}

func TestTokenMiddlewareSetsChallenge(t *testing.T) {
	t.Parallel()

	handler := tokenMiddleware("secret", nil, http.NotFoundHandler())
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/stream/cam1/stop", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if rec.Header().Get("WWW-Authenticate") == "" {
		t.Fatal("expected WWW-Authenticate challenge")
	}
}

func TestAuditMiddlewareLogsMutatingRequests(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	handler := auditMiddleware(logger, nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/streams", nil))
	if buf.Len() != 0 {
		t.Fatalf("expected no audit line for reads, got %q", buf.String())
	}

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodDelete, "/api/stream/cam1", nil))
	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode audit line %q: %v", buf.String(), err)
	}
	if entry["msg"] != "audit" || entry["path"] != "/api/stream/cam1" || entry["status"] != float64(http.StatusAccepted) {
		t.Fatalf("unexpected audit entry: %v", entry)
	}
}
