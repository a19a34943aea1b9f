package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"rtsp-proxy/internal/config"
	"rtsp-proxy/internal/engine"
	"rtsp-proxy/internal/journal"
)

func noEnv(string) (string, bool) { return "", false }

func TestStartupSummaryHidesSecrets(t *testing.T) {
	cfg := config.Default()
	cfg.Journal.PostgresDSN = "postgres://rtsp:secret@db/proxy"
	cfg.HTTP.APIToken = "token-secret"
	cfg.HTTP.RateLimit.RedisAddr = "127.0.0.1:6379"
	cfg.HTTP.RateLimit.RedisPassword = "redis-secret"

	args := startupSummary(cfg)
	mapped := summaryArgsToMap(t, args)
	if strings.Contains(fmt.Sprint(args...), "secret") {
		t.Fatalf("summary leaked a secret: %v", args)
	}
	if got := mappedValueAsMap(t, mapped, "journal")["driver"]; got != "postgres" {
		t.Fatalf("expected postgres journal, got %v", got)
	}
	httpSummary := mappedValueAsMap(t, mapped, "http")
	if httpSummary["rate_limiter"] != "redis" || httpSummary["api_token"] != true {
		t.Fatalf("unexpected http summary %v", httpSummary)
	}
}

func TestStartupSummaryMemoryDefaults(t *testing.T) {
	mapped := summaryArgsToMap(t, startupSummary(config.Default()))
	if mapped["addr"] != "0.0.0.0:5000" {
		t.Fatalf("expected default addr, got %v", mapped["addr"])
	}
	if got := mappedValueAsMap(t, mapped, "journal")["driver"]; got != "memory" {
		t.Fatalf("expected memory journal, got %v", got)
	}
	httpSummary := mappedValueAsMap(t, mapped, "http")
	if httpSummary["rate_limiter"] != "memory" || httpSummary["api_token"] != false {
		t.Fatalf("unexpected http summary %v", httpSummary)
	}
}

func TestEngineProfilesApplyConfiguredPolicy(t *testing.T) {
	cfg := config.Default()
	cfg.Engine.VideoBitrateKbps = 800
	cfg.Engine.AudioBitrateKbps = 64
	cfg.HLS.SegmentDuration = 4 * time.Second
	cfg.HLS.WindowSize = 8

	continuous := continuousProfile(cfg.Engine)
	if continuous.Output != engine.OutputMPEGTS || continuous.VideoBitrateKbps != 800 || continuous.AudioBitrateKbps != 64 {
		t.Fatalf("unexpected continuous profile %+v", continuous)
	}
	segmented := segmentedProfile(cfg.Engine, cfg.HLS)
	if segmented.Output != engine.OutputHLS || segmented.SegmentDuration != 4*time.Second || segmented.WindowSize != 8 {
		t.Fatalf("unexpected segmented profile %+v", segmented)
	}
	if segmented.VideoBitrateKbps != 800 {
		t.Fatalf("expected bitrate cap on segmented profile, got %d", segmented.VideoBitrateKbps)
	}
}

func TestOpenJournalDefaultsToMemory(t *testing.T) {
	store, err := openJournal(context.Background(), config.JournalConfig{Capacity: 8})
	if err != nil {
		t.Fatalf("openJournal: %v", err)
	}
	if _, ok := store.(*journal.Memory); !ok {
		t.Fatalf("expected memory journal, got %T", store)
	}
	if _, ok := store.(journalPruner); ok {
		t.Fatal("memory journal is bounded and should not be pruned")
	}
}

func TestRunReturnsConfigErrors(t *testing.T) {
	if err := run(context.Background(), []string{"-help"}, noEnv); !errors.Is(err, flag.ErrHelp) {
		t.Fatalf("expected flag.ErrHelp, got %v", err)
	}
	if err := run(context.Background(), []string{"-port", "0"}, noEnv); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestRunServesUntilCancelled(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- run(ctx, []string{
			"-host", "127.0.0.1",
			"-port", fmt.Sprint(port),
			"-log-level", "error",
			"-ffmpeg", "/nonexistent/ffmpeg",
			"-hls-root", t.TempDir(),
			"-shutdown-timeout", "2s",
		}, noEnv)
	}()

	base := fmt.Sprintf("http://127.0.0.1:%d", port)
	var resp *http.Response
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		resp, err = http.Get(base + "/healthz")
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("server never came up: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected degraded health without ffmpeg, got %d", resp.StatusCode)
	}

	resp, err = http.Get(base + "/api/streams")
	if err != nil {
		t.Fatalf("list streams: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from stream list, got %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after cancellation")
	}
}

func summaryArgsToMap(t *testing.T, args []any) map[string]any {
	t.Helper()
	if len(args)%2 != 0 {
		t.Fatalf("summary args must be key/value pairs, got %d values", len(args))
	}
	mapped := make(map[string]any, len(args)/2)
	for i := 0; i < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			t.Fatalf("summary key at position %d was not a string", i)
		}
		mapped[key] = args[i+1]
	}
	return mapped
}

func mappedValueAsMap(t *testing.T, mapped map[string]any, key string) map[string]any {
	t.Helper()
	value, ok := mapped[key]
	if !ok {
		t.Fatalf("missing key %q", key)
	}
	inner, ok := value.(map[string]any)
	if !ok {
		t.Fatalf("value for %q was not a map, got %T", key, value)
	}
	return inner
}
