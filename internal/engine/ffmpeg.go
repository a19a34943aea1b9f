package engine

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync"

	"rtsp-proxy/internal/observability/logging"
)

// FFmpeg launches ffmpeg processes.
type FFmpeg struct {
	binary    string
	available bool
	logger    *slog.Logger
}

// NewFFmpeg resolves the ffmpeg executable. When binary is empty the PATH
// and common install locations are searched. A launcher is always returned;
// Available reports whether the executable was found.
func NewFFmpeg(binary string, logger *slog.Logger) *FFmpeg {
	if logger == nil {
		logger = slog.Default()
	}
	name := strings.TrimSpace(binary)
	if name == "" {
		name = "ffmpeg"
	}
	resolved, err := LocateBinary(name)
	if err != nil {
		logger.Warn("ffmpeg not found, engine launches will fail", "binary", name, "error", err)
		return &FFmpeg{binary: name, logger: logging.WithComponent(logger, "engine")}
	}
	return &FFmpeg{binary: resolved, available: true, logger: logging.WithComponent(logger, "engine")}
}

// Binary returns the resolved executable path.
func (f *FFmpeg) Binary() string {
	return f.binary
}

// Available reports whether the executable was located at construction.
func (f *FFmpeg) Available() bool {
	return f.available
}

// LocateBinary finds name on the PATH or in the usual install directories.
func LocateBinary(name string) (string, error) {
	if strings.ContainsRune(name, os.PathSeparator) {
		if info, err := os.Stat(name); err == nil && !info.IsDir() {
			return name, nil
		}
		return "", fmt.Errorf("%w: %s", ErrBinaryNotFound, name)
	}
	if path, err := exec.LookPath(name); err == nil {
		return path, nil
	}

	var paths []string
	switch runtime.GOOS {
	case "darwin":
		paths = []string{"/opt/homebrew/bin/" + name, "/usr/local/bin/" + name}
	case "linux":
		paths = []string{"/usr/bin/" + name, "/usr/local/bin/" + name}
	case "windows":
		paths = []string{
			"C:\\ffmpeg\\bin\\" + name + ".exe",
			"C:\\Program Files\\ffmpeg\\bin\\" + name + ".exe",
		}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w: %s not in PATH or common locations", ErrBinaryNotFound, name)
}

// Launch starts ffmpeg for inv. Stdout is captured through a dedicated pipe
// so that reaping the process never races the reader.
func (f *FFmpeg) Launch(ctx context.Context, inv Invocation) (Process, error) {
	args, err := inv.Config.Args(inv.Source)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}

	procCtx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(procCtx, f.binary, args...)
	cmd.Stdin = nil
	cmd.Stderr = newLogWriter(f.logger, inv.ID)

	var reader, writer *os.File
	if inv.Config.CapturesStdout() {
		reader, writer, err = os.Pipe()
		if err != nil {
			cancel()
			return nil, fmt.Errorf("%w: %v", ErrStdoutCapture, err)
		}
		cmd.Stdout = writer
	}

	if err := cmd.Start(); err != nil {
		cancel()
		if reader != nil {
			reader.Close()
			writer.Close()
		}
		return nil, fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}
	if writer != nil {
		// The child holds its own copy; closing ours lets the reader see EOF.
		writer.Close()
	}

	proc := &ffmpegProcess{cmd: cmd, cancel: cancel, done: make(chan struct{})}
	if reader != nil {
		proc.stdout = reader
	}
	f.logger.Debug("ffmpeg started", "id", inv.ID, "pid", cmd.Process.Pid, "output", string(inv.Config.Output))

	go func() {
		err := cmd.Wait()
		if err != nil && procCtx.Err() == nil {
			f.logger.Warn("ffmpeg exited with error", "id", inv.ID, "error", err)
		} else {
			f.logger.Debug("ffmpeg exited", "id", inv.ID)
		}
		proc.mu.Lock()
		proc.err = err
		proc.mu.Unlock()
		cancel()
		close(proc.done)
	}()
	return proc, nil
}

type ffmpegProcess struct {
	cmd    *exec.Cmd
	cancel context.CancelFunc
	stdout io.ReadCloser
	done   chan struct{}

	mu  sync.Mutex
	err error
}

func (p *ffmpegProcess) Stdout() io.ReadCloser {
	return p.stdout
}

func (p *ffmpegProcess) Kill() error {
	p.cancel()
	return nil
}

func (p *ffmpegProcess) Done() <-chan struct{} {
	return p.done
}

func (p *ffmpegProcess) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *ffmpegProcess) Pid() int {
	if p.cmd == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// logWriter re-emits engine diagnostics line by line at debug level.
type logWriter struct {
	logger *slog.Logger
	id     string
}

func newLogWriter(logger *slog.Logger, id string) *logWriter {
	return &logWriter{logger: logger, id: id}
}

func (w *logWriter) Write(p []byte) (int, error) {
	total := len(p)
	for len(p) > 0 {
		idx := bytes.IndexByte(p, '\n')
		var line []byte
		if idx == -1 {
			line = p
			p = nil
		} else {
			line = p[:idx]
			p = p[idx+1:]
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		w.logger.Debug("ffmpeg", "id", w.id, "line", string(line))
	}
	return total, nil
}
