// Package enginestub provides a scripted engine.Launcher for tests.
package enginestub

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"rtsp-proxy/internal/engine"
)

// ErrKilled is reported by Process.Err after Kill.
var ErrKilled = errors.New("enginestub: killed")

// Launcher records invocations and returns scripted processes.
type Launcher struct {
	// SpawnErr, when set, is returned from Launch instead of a process.
	SpawnErr error
	// Output is written to stdout for capturing configurations.
	Output []byte
	// ExitAfterOutput closes stdout and exits cleanly once Output is written.
	ExitAfterOutput bool
	// Index is written to the configured index path after IndexDelay.
	Index      string
	IndexDelay time.Duration
	// Segments are written next to the index before it appears.
	Segments map[string][]byte
	// ExitAfter makes the process exit on its own after the duration.
	ExitAfter time.Duration

	mu        sync.Mutex
	launches  []engine.Invocation
	processes []*Process
}

// Launch implements engine.Launcher.
func (l *Launcher) Launch(ctx context.Context, inv engine.Invocation) (engine.Process, error) {
	l.mu.Lock()
	l.launches = append(l.launches, inv)
	spawnErr := l.SpawnErr
	l.mu.Unlock()
	if spawnErr != nil {
		return nil, spawnErr
	}
	if _, err := inv.Config.Args(inv.Source); err != nil {
		return nil, errors.Join(engine.ErrSpawnFailed, err)
	}

	proc := newProcess(len(l.Processes()) + 1)
	if inv.Config.CapturesStdout() {
		proc.capture()
	}
	l.mu.Lock()
	l.processes = append(l.processes, proc)
	l.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			proc.Kill()
		case <-proc.done:
		}
	}()

	if inv.Config.CapturesStdout() {
		go func() {
			if len(l.Output) > 0 {
				if _, err := proc.stdoutW.Write(l.Output); err != nil {
					return
				}
			}
			if l.ExitAfterOutput {
				proc.Exit(nil)
			}
		}()
	}

	if inv.Config.Output == engine.OutputHLS && l.Index != "" {
		go l.writeIndex(proc, inv.Config.IndexPath)
	}

	if l.ExitAfter > 0 {
		go func() {
			timer := time.NewTimer(l.ExitAfter)
			defer timer.Stop()
			select {
			case <-timer.C:
				proc.Exit(nil)
			case <-proc.done:
			}
		}()
	}
	return proc, nil
}

func (l *Launcher) writeIndex(proc *Process, indexPath string) {
	if l.IndexDelay > 0 {
		timer := time.NewTimer(l.IndexDelay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-proc.done:
			return
		}
	}
	dir := filepath.Dir(indexPath)
	for name, data := range l.Segments {
		_ = os.WriteFile(filepath.Join(dir, name), data, 0o644)
	}
	_ = os.WriteFile(indexPath, []byte(l.Index), 0o644)
}

// Launches returns a copy of the recorded invocations.
func (l *Launcher) Launches() []engine.Invocation {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]engine.Invocation, len(l.launches))
	copy(out, l.launches)
	return out
}

// Processes returns the processes started so far.
func (l *Launcher) Processes() []*Process {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*Process, len(l.processes))
	copy(out, l.processes)
	return out
}

// Last returns the most recently started process or nil.
func (l *Launcher) Last() *Process {
	procs := l.Processes()
	if len(procs) == 0 {
		return nil
	}
	return procs[len(procs)-1]
}

// Process is a scripted engine.Process.
type Process struct {
	pid     int
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	done    chan struct{}
	once    sync.Once
	kills   atomic.Int32

	mu  sync.Mutex
	err error
}

func newProcess(pid int) *Process {
	return &Process{pid: pid, done: make(chan struct{})}
}

func (p *Process) capture() {
	p.stdoutR, p.stdoutW = io.Pipe()
}

// Stdout implements engine.Process.
func (p *Process) Stdout() io.ReadCloser {
	if p.stdoutR == nil {
		return nil
	}
	return p.stdoutR
}

// Write pushes additional bytes to stdout. It blocks until read.
func (p *Process) Write(data []byte) error {
	if p.stdoutW == nil {
		return errors.New("enginestub: stdout not captured")
	}
	_, err := p.stdoutW.Write(data)
	return err
}

// Kill implements engine.Process.
func (p *Process) Kill() error {
	p.kills.Add(1)
	p.Exit(ErrKilled)
	return nil
}

// Exit simulates the process terminating with err.
func (p *Process) Exit(err error) {
	p.once.Do(func() {
		p.mu.Lock()
		p.err = err
		p.mu.Unlock()
		if p.stdoutW != nil {
			p.stdoutW.Close()
		}
		close(p.done)
	})
}

// Done implements engine.Process.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Err implements engine.Process.
func (p *Process) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Pid implements engine.Process.
func (p *Process) Pid() int {
	return p.pid
}

// Kills reports how many times Kill was called.
func (p *Process) Kills() int {
	return int(p.kills.Load())
}

// Exited reports whether the process has terminated.
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}
