// Package engine wraps the external transcoding process that pulls RTSP
// sources and produces MPEG-TS, HLS, or MJPEG output.
package engine

import (
	"context"
	"errors"
	"io"
)

var (
	// ErrSpawnFailed is returned when the engine process could not be started.
	ErrSpawnFailed = errors.New("engine process spawn failed")
	// ErrStdoutCapture is returned when the engine output pipe could not be created.
	ErrStdoutCapture = errors.New("engine stdout capture failed")
	// ErrBinaryNotFound is returned when no engine executable can be located.
	ErrBinaryNotFound = errors.New("engine binary not found")
)

// Invocation describes a single engine run.
type Invocation struct {
	// ID names the owner of the process in logs.
	ID     string
	Source string
	Config Config
}

// Process is a running engine instance.
type Process interface {
	// Stdout returns the captured output stream, or nil when the
	// configuration writes to files instead.
	Stdout() io.ReadCloser
	// Kill terminates the process. It is safe to call more than once.
	Kill() error
	// Done is closed once the process has exited and been reaped.
	Done() <-chan struct{}
	// Err reports the exit error after Done is closed.
	Err() error
	Pid() int
}

// Launcher starts engine processes. The process is killed when ctx is
// cancelled.
type Launcher interface {
	Launch(ctx context.Context, inv Invocation) (Process, error)
}
