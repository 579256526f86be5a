package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/kingrea/runlevel/internal/fleet"
)

// ErrTargetMissing reports a launch target that does not exist yet.
var ErrTargetMissing = errors.New("launch target missing")

// Launcher starts worker processes.
type Launcher interface {
	// Resolve checks that the worker's launch target exists and returns the
	// path that will be executed.
	Resolve(spec fleet.WorkerSpec) (string, error)
	// Start spawns the worker with stdout and stderr copied to output.
	// Cancelling ctx asks the process to stop.
	Start(ctx context.Context, spec fleet.WorkerSpec, output io.Writer) (Process, error)
}

// Process is a running child owned by exactly one Loop.
type Process interface {
	PID() int
	// Wait blocks until the process has exited and its output is drained.
	Wait() ExitStatus
}

// ExitStatus describes how a worker process ended.
type ExitStatus struct {
	Code   int
	Signal string
	Err    error
}

// Crashed reports any termination other than a clean zero exit.
func (s ExitStatus) Crashed() bool {
	return s.Code != 0 || s.Signal != "" || s.Err != nil
}

func (s ExitStatus) String() string {
	switch {
	case s.Signal != "":
		return "signal " + s.Signal
	case s.Err != nil && s.Code <= 0:
		return s.Err.Error()
	default:
		return fmt.Sprintf("exit status %d", s.Code)
	}
}

// ExecLauncher runs workers as local processes via os/exec.
type ExecLauncher struct {
	// StopGrace is how long a cancelled worker has between SIGTERM and SIGKILL.
	StopGrace time.Duration
}

// Resolve implements Launcher. Targets containing a path separator are
// resolved against the worker directory; bare names are looked up on PATH.
func (l ExecLauncher) Resolve(spec fleet.WorkerSpec) (string, error) {
	target := spec.Target()
	if target == "" {
		return "", fmt.Errorf("%w: no command", ErrTargetMissing)
	}
	if !strings.ContainsRune(target, '/') && !strings.ContainsRune(target, os.PathSeparator) {
		path, err := exec.LookPath(target)
		if err != nil {
			return "", fmt.Errorf("%w: %s not on PATH", ErrTargetMissing, target)
		}
		return path, nil
	}
	path := target
	if !filepath.IsAbs(path) && spec.Dir != "" {
		path = filepath.Join(spec.Dir, path)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrTargetMissing, path, err)
	}
	info, err := os.Stat(abs)
	if err != nil || info.IsDir() {
		return "", fmt.Errorf("%w: %s", ErrTargetMissing, abs)
	}
	return abs, nil
}

// Start implements Launcher.
func (l ExecLauncher) Start(ctx context.Context, spec fleet.WorkerSpec, output io.Writer) (Process, error) {
	path, err := l.Resolve(spec)
	if err != nil {
		return nil, err
	}
	cmd := exec.CommandContext(ctx, path, spec.Args()...)
	cmd.Dir = spec.Dir
	if env := spec.EnvList(); len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}
	if output == nil {
		output = io.Discard
	}
	cmd.Stdout = output
	cmd.Stderr = output
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = l.StopGrace
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", spec.Name, err)
	}
	p := &execProcess{cmd: cmd, done: make(chan struct{})}
	go p.wait()
	return p, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	done   chan struct{}
	status ExitStatus
}

func (p *execProcess) PID() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *execProcess) Wait() ExitStatus {
	<-p.done
	return p.status
}

func (p *execProcess) wait() {
	err := p.cmd.Wait()
	p.status = exitStatusOf(p.cmd.ProcessState, err)
	close(p.done)
}

func exitStatusOf(state *os.ProcessState, err error) ExitStatus {
	if state == nil {
		return ExitStatus{Code: -1, Err: err}
	}
	status := ExitStatus{Code: state.ExitCode()}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		status.Signal = ws.Signal().String()
	}
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		status.Err = err
	}
	return status
}
