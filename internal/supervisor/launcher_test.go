package supervisor

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kingrea/runlevel/internal/events"
	"github.com/kingrea/runlevel/internal/fleet"
	"github.com/kingrea/runlevel/internal/logging"
)

func requireShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestExecLauncherResolve(t *testing.T) {
	requireShell(t)
	dir := t.TempDir()
	script := filepath.Join(dir, "agents", "memory.js")
	if err := os.MkdirAll(filepath.Dir(script), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(script, []byte("// worker\n"), 0o644); err != nil {
		t.Fatalf("write script: %v", err)
	}
	l := ExecLauncher{}

	path, err := l.Resolve(fleet.WorkerSpec{Name: "mem", Command: []string{"agents/memory.js"}, Dir: dir})
	if err != nil {
		t.Fatalf("resolve relative target: %v", err)
	}
	if path != script {
		t.Fatalf("expected %s, got %s", script, path)
	}
	if _, err := l.Resolve(fleet.WorkerSpec{Name: "sh", Command: []string{"sh"}}); err != nil {
		t.Fatalf("resolve sh on PATH: %v", err)
	}
	_, err = l.Resolve(fleet.WorkerSpec{Name: "gone", Command: []string{"agents/gone.js"}, Dir: dir})
	if !errors.Is(err, ErrTargetMissing) {
		t.Fatalf("expected ErrTargetMissing, got %v", err)
	}
	_, err = l.Resolve(fleet.WorkerSpec{Name: "dir", Command: []string{"./agents"}, Dir: dir})
	if !errors.Is(err, ErrTargetMissing) {
		t.Fatalf("expected directory target to be missing, got %v", err)
	}
	_, err = l.Resolve(fleet.WorkerSpec{Name: "nope", Command: []string{"runlevel-no-such-binary"}})
	if !errors.Is(err, ErrTargetMissing) {
		t.Fatalf("expected ErrTargetMissing for unknown binary, got %v", err)
	}
}

func TestExecLauncherReportsExitCodeAndOutput(t *testing.T) {
	requireShell(t)
	var out syncBuffer
	spec := fleet.WorkerSpec{
		Name:    "echo",
		Command: []string{"/bin/sh", "-c", "echo hello $GREETING; echo oops >&2; exit 3"},
		Env:     map[string]string{"GREETING": "world"},
	}
	proc, err := ExecLauncher{StopGrace: time.Second}.Start(context.Background(), spec, &out)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if proc.PID() == 0 {
		t.Fatalf("expected pid")
	}
	status := proc.Wait()
	if status.Code != 3 || !status.Crashed() || status.Signal != "" {
		t.Fatalf("unexpected status %+v", status)
	}
	if status.String() != "exit status 3" {
		t.Fatalf("unexpected status string %q", status.String())
	}
	if got := out.String(); !strings.Contains(got, "hello world") || !strings.Contains(got, "oops") {
		t.Fatalf("missing output, got %q", got)
	}
}

func TestExecLauncherStopsOnCancel(t *testing.T) {
	requireShell(t)
	ctx, cancel := context.WithCancel(context.Background())
	spec := fleet.WorkerSpec{Name: "sleeper", Command: []string{"/bin/sh", "-c", "exec sleep 30"}}
	proc, err := ExecLauncher{StopGrace: 500 * time.Millisecond}.Start(ctx, spec, nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	cancel()

	done := make(chan ExitStatus, 1)
	go func() { done <- proc.Wait() }()
	select {
	case status := <-done:
		if status.Signal == "" || !status.Crashed() {
			t.Fatalf("expected signal exit, got %+v", status)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("process not stopped after cancel")
	}
}

func TestExitStatusString(t *testing.T) {
	cases := []struct {
		status ExitStatus
		want   string
	}{
		{ExitStatus{}, "exit status 0"},
		{ExitStatus{Code: 2}, "exit status 2"},
		{ExitStatus{Code: -1, Signal: "terminated"}, "signal terminated"},
		{ExitStatus{Code: -1, Err: errors.New("wait failed")}, "wait failed"},
	}
	for _, tc := range cases {
		if got := tc.status.String(); got != tc.want {
			t.Fatalf("String(%+v) = %q, want %q", tc.status, got, tc.want)
		}
	}
	if (ExitStatus{}).Crashed() {
		t.Fatalf("clean exit reported as crash")
	}
}

func TestSupervisorRunsRealProcesses(t *testing.T) {
	requireShell(t)
	logDir := t.TempDir()
	g := buildGraph(t,
		fleet.WorkerSpec{Name: "base", Command: []string{"/bin/sh", "-c", "echo base up; exec sleep 30"}},
		fleet.WorkerSpec{Name: "app", Command: []string{"/bin/sh", "-c", "echo app up; exec sleep 30"}, DependsOn: []string{"base"}},
	)
	rec := &recorder{}
	sup, err := New(g, WithSink(rec), WithLogDir(logDir), WithTiming(Timing{
		DependencyPoll: 10 * time.Millisecond,
		RestartDelay:   50 * time.Millisecond,
		StopGrace:      time.Second,
	}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	waitFor(t, "app output", func() bool {
		for _, r := range rec.matching("app", events.KindOutput) {
			if r.Detail == "app up" {
				return true
			}
		}
		return false
	})
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("supervisor did not stop")
	}

	data, err := os.ReadFile(logging.WorkerLogPath(logDir, "base"))
	if err != nil {
		t.Fatalf("read worker log: %v", err)
	}
	if !strings.Contains(string(data), "base up") {
		t.Fatalf("worker log missing output: %q", data)
	}
	for _, name := range []string{"base", "app"} {
		stopped := rec.matching(name, events.KindStopped)
		if len(stopped) != 1 || !strings.HasPrefix(stopped[0].Detail, "stopped: signal") {
			t.Fatalf("expected signal stop for %s, got %+v", name, stopped)
		}
		if n := len(rec.matching(name, events.KindCrashed)); n != 0 {
			t.Fatalf("shutdown of %s reported as crash", name)
		}
	}
}
