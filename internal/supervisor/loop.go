package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/kingrea/runlevel/internal/events"
	"github.com/kingrea/runlevel/internal/fleet"
	"github.com/kingrea/runlevel/internal/logging"
)

// State is a Loop's position in its lifecycle.
type State string

const (
	StateWaiting   State = "waiting-on-deps"
	StateLaunching State = "launching"
	StateRunning   State = "running"
	StateExited    State = "exited"
	StateStopped   State = "stopped"
)

// Status is a point-in-time view of one worker.
type Status struct {
	Name      string    `json:"name"`
	State     State     `json:"state"`
	Live      bool      `json:"live"`
	PID       int       `json:"pid,omitempty"`
	Launches  int       `json:"launches"`
	Restarts  int       `json:"restarts"`
	LastExit  string    `json:"last_exit,omitempty"`
	Since     time.Time `json:"since"`
	DependsOn []string  `json:"depends_on,omitempty"`
	BlockedBy []string  `json:"blocked_by,omitempty"`
	Detail    string    `json:"detail,omitempty"`
}

// Loop supervises a single worker. It is the only writer of the worker's
// entry in the live registry and the only owner of its process.
type Loop struct {
	spec fleet.WorkerSpec
	sup  *Supervisor

	mu     sync.Mutex
	status Status
}

func newLoop(spec fleet.WorkerSpec, sup *Supervisor) *Loop {
	return &Loop{
		spec: spec,
		sup:  sup,
		status: Status{
			Name:      spec.Name,
			State:     StateWaiting,
			Since:     time.Now(),
			DependsOn: append([]string(nil), spec.DependsOn...),
			BlockedBy: append([]string(nil), spec.DependsOn...),
		},
	}
}

// Name returns the supervised worker's name.
func (l *Loop) Name() string {
	return l.spec.Name
}

// Status returns a copy of the loop's current status.
func (l *Loop) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := l.status
	out.Live = l.sup.registry.IsLive(l.spec.Name)
	out.DependsOn = append([]string(nil), l.status.DependsOn...)
	out.BlockedBy = append([]string(nil), l.status.BlockedBy...)
	return out
}

// Run drives the worker until ctx is cancelled. It always returns nil so a
// failing worker never tears down the rest of the fleet.
func (l *Loop) Run(ctx context.Context) error {
	defer l.stop()
	if !l.sleep(ctx, l.jitter()) {
		return nil
	}
	for ctx.Err() == nil {
		l.iterate(ctx)
	}
	return nil
}

func (l *Loop) jitter() time.Duration {
	limit := l.sup.timing.StartJitter
	if limit <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(limit)))
}

// iterate runs one pass of the lifecycle: wait, launch, run, exit.
func (l *Loop) iterate(ctx context.Context) {
	// reap stops and waits for a process this pass started; it is set once
	// Start succeeds so a recovered panic never leaves an unwatched child.
	var reap func()
	closeOutput := func() {}
	defer func() {
		r := recover()
		if reap != nil {
			reap()
		}
		closeOutput()
		if r != nil {
			l.sup.registry.MarkDead(l.spec.Name)
			l.sup.metrics.workerExited(l.spec.Name, OutcomeCrashed)
			detail := fmt.Sprintf("supervisor panic: %v", r)
			l.setState(StateExited, func(s *Status) {
				s.PID = 0
				s.LastExit = detail
				s.Detail = detail
			})
			l.emit(events.KindCrashed, detail)
			l.sleep(ctx, l.sup.timing.RestartDelay)
		}
	}()

	if !l.waitForDependencies(ctx) {
		return
	}

	if _, err := l.sup.launcher.Resolve(l.spec); err != nil {
		l.targetMissing(ctx, err)
		return
	}
	l.setState(StateLaunching, func(s *Status) {
		s.BlockedBy = nil
		s.Detail = ""
	})
	if err := l.sup.limiter.Wait(ctx); err != nil {
		return
	}
	// A dependency may have gone away while this loop was queued behind
	// other launches.
	if !l.sup.graph.IsSatisfied(l.spec.Name, l.sup.registry.Snapshot()) {
		return
	}

	output, closeFn := l.openOutput()
	closeOutput = closeFn
	procCtx, cancelProc := context.WithCancel(ctx)
	defer cancelProc()
	proc, err := l.sup.launcher.Start(procCtx, l.spec, output)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, ErrTargetMissing) {
			l.targetMissing(ctx, err)
			return
		}
		l.launchFailed(ctx, err)
		return
	}
	wait := sync.OnceValue(proc.Wait)
	reap = func() {
		cancelProc()
		wait()
	}
	l.run(ctx, proc.PID(), wait, closeOutput)
}

func (l *Loop) waitForDependencies(ctx context.Context) bool {
	poll := l.sup.timing.DependencyPoll
	if poll <= 0 {
		poll = DefaultDependencyPoll
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	reported := ""
	for {
		// Take the notification channel before the snapshot so a change
		// between the two still wakes this loop.
		changed := l.sup.registry.Changed()
		live := l.sup.registry.Snapshot()
		if l.sup.graph.IsSatisfied(l.spec.Name, live) {
			return true
		}
		missing := l.sup.graph.Missing(l.spec.Name, live)
		key := strings.Join(missing, ",")
		if key != reported {
			reported = key
			detail := "waiting on " + strings.Join(missing, ", ")
			l.setState(StateWaiting, func(s *Status) {
				s.BlockedBy = missing
				s.Detail = detail
			})
			l.emit(events.KindWaiting, detail)
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		case <-changed:
		}
	}
}

func (l *Loop) targetMissing(ctx context.Context, err error) {
	detail := err.Error()
	l.setState(StateLaunching, func(s *Status) {
		s.BlockedBy = nil
		s.Detail = detail
	})
	l.sup.metrics.targetMissingFor(l.spec.Name)
	l.sup.logger.Printf("%s: %s; retrying in %s", l.spec.Name, detail, l.sup.timing.MissingTargetDelay)
	l.emit(events.KindWaiting, detail)
	l.sleep(ctx, l.sup.timing.MissingTargetDelay)
}

func (l *Loop) launchFailed(ctx context.Context, err error) {
	detail := "launch failed: " + err.Error()
	l.setState(StateExited, func(s *Status) {
		s.PID = 0
		s.LastExit = detail
		s.Detail = detail
	})
	l.sup.metrics.launchFailed(l.spec.Name)
	l.sup.logger.Printf("%s: %s", l.spec.Name, detail)
	l.emit(events.KindCrashed, detail)
	l.sleep(ctx, l.sup.timing.RestartDelay)
}

func (l *Loop) run(ctx context.Context, pid int, wait func() ExitStatus, closeOutput func()) {
	l.setState(StateRunning, func(s *Status) {
		if s.Launches > 0 {
			s.Restarts++
		}
		s.Launches++
		s.PID = pid
		s.Detail = ""
	})
	l.sup.registry.MarkLive(l.spec.Name)
	l.sup.metrics.workerStarted(l.spec.Name)
	l.sup.logger.Printf("%s: started pid %d", l.spec.Name, pid)
	l.emit(events.KindStarted, fmt.Sprintf("pid %d", pid))

	exit := wait()
	l.sup.registry.MarkDead(l.spec.Name)
	closeOutput()

	detail := exit.String()
	l.setState(StateExited, func(s *Status) {
		s.PID = 0
		s.LastExit = detail
		s.Detail = detail
	})
	if ctx.Err() != nil {
		// Terminated by shutdown; stop() reports it.
		l.sup.metrics.workerExited(l.spec.Name, OutcomeStopped)
		return
	}
	kind, outcome := events.KindExited, OutcomeExited
	if exit.Crashed() {
		kind, outcome = events.KindCrashed, OutcomeCrashed
	}
	l.sup.metrics.workerExited(l.spec.Name, outcome)
	l.sup.logger.Printf("%s: %s (pid %d); restarting in %s", l.spec.Name, detail, pid, l.sup.timing.RestartDelay)
	l.emit(kind, detail)
	l.sleep(ctx, l.sup.timing.RestartDelay)
}

// openOutput tees the worker's output into its log file and the event sink.
func (l *Loop) openOutput() (io.Writer, func()) {
	lines := events.NewLineWriter(l.spec.Name, l.sup.sink)
	if l.sup.logDir == "" {
		return lines, sync.OnceFunc(lines.Flush)
	}
	file, err := logging.OpenWorkerLog(l.sup.logDir, l.spec.Name)
	if err != nil {
		l.sup.logger.Printf("%s: worker log unavailable: %v", l.spec.Name, err)
		return lines, sync.OnceFunc(lines.Flush)
	}
	return io.MultiWriter(file, lines), sync.OnceFunc(func() {
		lines.Flush()
		_ = file.Close()
	})
}

func (l *Loop) stop() {
	l.sup.registry.MarkDead(l.spec.Name)
	detail := "supervisor shutting down"
	l.mu.Lock()
	if l.status.LastExit != "" && l.status.State == StateExited {
		detail = "stopped: " + l.status.LastExit
	}
	l.mu.Unlock()
	l.setState(StateStopped, func(s *Status) {
		s.PID = 0
		s.BlockedBy = nil
		s.Detail = detail
	})
	l.emit(events.KindStopped, detail)
}

func (l *Loop) setState(state State, update func(*Status)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.status.State != state {
		l.status.Since = time.Now()
	}
	l.status.State = state
	if update != nil {
		update(&l.status)
	}
}

func (l *Loop) emit(kind events.Kind, detail string) {
	l.sup.out.Emit(events.New(l.spec.Name, kind, detail))
}

// sleep waits for d or ctx, reporting whether the full delay elapsed.
func (l *Loop) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
