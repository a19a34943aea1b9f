package engine

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts are not supported on windows")
	}
	path := filepath.Join(t.TempDir(), "fake-ffmpeg")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func TestLaunchCapturesStdout(t *testing.T) {
	script := writeScript(t, "printf 'frame-data'")
	launcher := NewFFmpeg(script, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if !launcher.Available() {
		t.Fatalf("expected script %s to be available", script)
	}

	proc, err := launcher.Launch(context.Background(), Invocation{ID: "cam", Source: "rtsp://camera", Config: ContinuousConfig()})
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	out := proc.Stdout()
	if out == nil {
		t.Fatal("expected stdout to be captured")
	}
	data, err := io.ReadAll(out)
	if err != nil {
		t.Fatalf("read stdout: %v", err)
	}
	out.Close()
	if string(data) != "frame-data" {
		t.Fatalf("unexpected stdout %q", data)
	}

	select {
	case <-proc.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit")
	}
	if err := proc.Err(); err != nil {
		t.Fatalf("unexpected exit error: %v", err)
	}
}

func TestLaunchSegmentedDoesNotCapture(t *testing.T) {
	script := writeScript(t, "exit 0")
	launcher := NewFFmpeg(script, nil)
	proc, err := launcher.Launch(context.Background(), Invocation{
		ID:     "hls",
		Source: "rtsp://camera",
		Config: SegmentedConfig("/tmp/x/playlist.m3u8", "/tmp/x/segment%03d.ts", ""),
	})
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	if proc.Stdout() != nil {
		t.Fatal("segmented output should not capture stdout")
	}
	<-proc.Done()
}

func TestKillTerminatesProcess(t *testing.T) {
	script := writeScript(t, "exec sleep 30")
	launcher := NewFFmpeg(script, nil)
	proc, err := launcher.Launch(context.Background(), Invocation{ID: "slow", Source: "rtsp://camera", Config: ContinuousConfig()})
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	if proc.Pid() == 0 {
		t.Fatal("expected pid")
	}
	if err := proc.Kill(); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	_ = proc.Kill()

	select {
	case <-proc.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process was not killed")
	}
	if proc.Err() == nil {
		t.Fatal("expected exit error after kill")
	}
	if _, err := io.ReadAll(proc.Stdout()); err != nil {
		t.Fatalf("stdout should reach EOF after kill: %v", err)
	}
}

func TestLaunchContextCancelKills(t *testing.T) {
	script := writeScript(t, "exec sleep 30")
	launcher := NewFFmpeg(script, nil)
	ctx, cancel := context.WithCancel(context.Background())
	proc, err := launcher.Launch(ctx, Invocation{ID: "ctx", Source: "rtsp://camera", Config: MJPEGConfig()})
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	cancel()
	select {
	case <-proc.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process survived context cancellation")
	}
}

func TestLaunchMissingBinary(t *testing.T) {
	launcher := NewFFmpeg(filepath.Join(t.TempDir(), "missing", "ffmpeg"), nil)
	if launcher.Available() {
		t.Fatal("expected missing binary to be unavailable")
	}
	_, err := launcher.Launch(context.Background(), Invocation{ID: "x", Source: "rtsp://camera", Config: ContinuousConfig()})
	if !errors.Is(err, ErrSpawnFailed) {
		t.Fatalf("expected ErrSpawnFailed, got %v", err)
	}
}

func TestLaunchRejectsInvalidConfig(t *testing.T) {
	script := writeScript(t, "exit 0")
	launcher := NewFFmpeg(script, nil)
	_, err := launcher.Launch(context.Background(), Invocation{ID: "x", Source: "", Config: ContinuousConfig()})
	if !errors.Is(err, ErrSpawnFailed) {
		t.Fatalf("expected ErrSpawnFailed, got %v", err)
	}
}

func TestLocateBinaryMissing(t *testing.T) {
	_, err := LocateBinary("definitely-not-an-engine-binary")
	if !errors.Is(err, ErrBinaryNotFound) {
		t.Fatalf("expected ErrBinaryNotFound, got %v", err)
	}
}

func TestLogWriterSplitsLines(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	w := newLogWriter(logger, "cam-1")
	n, err := w.Write([]byte("first line\n\n  second line  \nthird"))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if n != len("first line\n\n  second line  \nthird") {
		t.Fatalf("unexpected byte count %d", n)
	}
	out := buf.String()
	if strings.Count(out, "id=cam-1") != 3 {
		t.Fatalf("expected three records, got %q", out)
	}
	if !strings.Contains(out, `line="second line"`) {
		t.Fatalf("expected trimmed line in %q", out)
	}
}
