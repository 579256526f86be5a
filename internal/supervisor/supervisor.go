package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/kingrea/runlevel/internal/events"
	"github.com/kingrea/runlevel/internal/fleet"
	"github.com/kingrea/runlevel/internal/readiness"
)

// Default timings.
const (
	DefaultDependencyPoll     = time.Second
	DefaultMissingTargetDelay = 5 * time.Second
	DefaultRestartDelay       = 3 * time.Second
	DefaultStopGrace          = 5 * time.Second
	DefaultLaunchSpacing      = 250 * time.Millisecond
	DefaultStartJitter        = 500 * time.Millisecond
	DefaultEventBuffer        = 1024
)

// ErrAlreadyRunning is returned by a second concurrent call to Run.
var ErrAlreadyRunning = errors.New("supervisor already running")

// Logger receives supervisor diagnostics.
type Logger interface {
	Printf(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}

// Timing controls the pacing of every Loop.
type Timing struct {
	// DependencyPoll bounds how long a waiting loop sleeps before it
	// re-reads the registry when no change notification arrives.
	DependencyPoll time.Duration
	// MissingTargetDelay is the pause after a launch target was not found.
	MissingTargetDelay time.Duration
	// RestartDelay is the fixed pause between an exit and the next attempt.
	RestartDelay time.Duration
	// StopGrace is the time between SIGTERM and SIGKILL on shutdown.
	StopGrace time.Duration
	// LaunchSpacing is the minimum interval between any two spawns.
	LaunchSpacing time.Duration
	// StartJitter bounds the random delay before a loop's first attempt.
	StartJitter time.Duration
}

// DefaultTiming returns the production timings.
func DefaultTiming() Timing {
	return Timing{
		DependencyPoll:     DefaultDependencyPoll,
		MissingTargetDelay: DefaultMissingTargetDelay,
		RestartDelay:       DefaultRestartDelay,
		StopGrace:          DefaultStopGrace,
		LaunchSpacing:      DefaultLaunchSpacing,
		StartJitter:        DefaultStartJitter,
	}
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithLauncher replaces the os/exec launcher.
func WithLauncher(launcher Launcher) Option {
	return func(s *Supervisor) {
		if launcher != nil {
			s.launcher = launcher
		}
	}
}

// WithSink sets where lifecycle and output records go. Records reach the
// sink through a bounded queue, so a slow sink loses records instead of
// stalling workers.
func WithSink(sink events.Sink) Option {
	return func(s *Supervisor) {
		if sink != nil {
			s.sink = sink
		}
	}
}

// WithLogger sets the diagnostic logger.
func WithLogger(logger Logger) Option {
	return func(s *Supervisor) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithReadiness sets the startup gate. Without it the gate opens at once.
func WithReadiness(check readiness.CheckFunc, opts readiness.Options) Option {
	return func(s *Supervisor) {
		if check != nil {
			s.check = check
		}
		s.gate = opts
	}
}

// WithTiming overrides the loop timings. Non-positive delays keep their
// defaults, except LaunchSpacing and StartJitter where zero disables them.
func WithTiming(t Timing) Option {
	return func(s *Supervisor) {
		if t.DependencyPoll > 0 {
			s.timing.DependencyPoll = t.DependencyPoll
		}
		if t.MissingTargetDelay > 0 {
			s.timing.MissingTargetDelay = t.MissingTargetDelay
		}
		if t.RestartDelay > 0 {
			s.timing.RestartDelay = t.RestartDelay
		}
		if t.StopGrace > 0 {
			s.timing.StopGrace = t.StopGrace
		}
		if t.LaunchSpacing >= 0 {
			s.timing.LaunchSpacing = t.LaunchSpacing
		}
		if t.StartJitter >= 0 {
			s.timing.StartJitter = t.StartJitter
		}
	}
}

// WithLogDir writes each worker's output to <dir>/<worker>.log.
func WithLogDir(dir string) Option {
	return func(s *Supervisor) {
		s.logDir = dir
	}
}

// WithMetrics shares a metrics set; New creates one otherwise.
func WithMetrics(m *Metrics) Option {
	return func(s *Supervisor) {
		if m != nil {
			s.metrics = m
		}
	}
}

// Supervisor owns the live registry and one Loop per worker.
type Supervisor struct {
	graph    *fleet.Graph
	registry *fleet.Registry
	launcher Launcher
	sink     events.Sink
	out      events.Sink
	logger   Logger
	metrics  *Metrics
	check    readiness.CheckFunc
	gate     readiness.Options
	timing   Timing
	logDir   string
	limiter  *rate.Limiter

	loops   map[string]*Loop
	running atomic.Bool
	gateRes atomic.Pointer[readiness.Result]
}

// New builds a supervisor for an already validated graph.
func New(graph *fleet.Graph, opts ...Option) (*Supervisor, error) {
	if graph == nil {
		return nil, fmt.Errorf("supervisor: nil graph")
	}
	s := &Supervisor{
		graph:    graph,
		registry: fleet.NewRegistry(),
		sink:     events.Discard,
		out:      events.Discard,
		logger:   nopLogger{},
		check:    readiness.NopCheck,
		gate:     readiness.Options{MaxRetries: 1},
		timing:   DefaultTiming(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = NewMetrics()
	}
	if s.launcher == nil {
		s.launcher = ExecLauncher{StopGrace: s.timing.StopGrace}
	}
	if s.timing.LaunchSpacing > 0 {
		s.limiter = rate.NewLimiter(rate.Every(s.timing.LaunchSpacing), 1)
	} else {
		s.limiter = rate.NewLimiter(rate.Inf, 0)
	}
	s.loops = make(map[string]*Loop, graph.Len())
	for _, spec := range graph.Specs() {
		s.loops[spec.Name] = newLoop(spec, s)
	}
	return s, nil
}

// Run waits on the readiness gate once, then supervises every worker until
// ctx is cancelled. A cancelled gate wait returns the context error; a normal
// shutdown returns nil.
func (s *Supervisor) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer s.running.Store(false)

	queue := events.NewQueue(s.sink, DefaultEventBuffer, s.logger)
	s.out = queue
	defer func() {
		drainCtx, cancel := context.WithTimeout(context.Background(), s.timing.StopGrace)
		defer cancel()
		if err := queue.Close(drainCtx); err != nil {
			s.logger.Printf("supervisor: %v; %d record(s) undelivered", err, queue.Dropped())
		}
	}()

	gate := s.gate
	if gate.Logger == nil {
		gate.Logger = s.logger
	}
	onAttempt := gate.OnAttempt
	gate.OnAttempt = func(attempt int, err error) {
		s.metrics.readinessAttempt()
		if onAttempt != nil {
			onAttempt(attempt, err)
		}
	}
	res, err := readiness.Await(ctx, s.check, gate)
	if err != nil {
		return err
	}
	s.gateRes.Store(&res)
	s.metrics.readinessOpened(res.Forced)
	s.out.Emit(events.New("", events.KindReadiness, describeGate(res)))
	s.logger.Printf("readiness: %s", describeGate(res))

	g, gctx := errgroup.WithContext(ctx)
	for _, name := range s.graph.Order() {
		loop := s.loops[name]
		g.Go(func() error {
			return loop.Run(gctx)
		})
	}
	err = g.Wait()
	s.logger.Printf("supervisor stopped")
	return err
}

func describeGate(res readiness.Result) string {
	switch {
	case res.Latched:
		return "ready (latch present)"
	case res.Forced:
		return fmt.Sprintf("forced ready after %d failed attempts; latch written", res.Attempts)
	case res.Attempts == 1:
		return "ready after 1 attempt"
	default:
		return fmt.Sprintf("ready after %d attempts", res.Attempts)
	}
}

// Statuses returns every worker's status in launch order.
func (s *Supervisor) Statuses() []Status {
	out := make([]Status, 0, len(s.loops))
	for _, name := range s.graph.Order() {
		out = append(out, s.loops[name].Status())
	}
	return out
}

// Status returns one worker's status.
func (s *Supervisor) Status(name string) (Status, bool) {
	loop, ok := s.loops[name]
	if !ok {
		return Status{}, false
	}
	return loop.Status(), true
}

// Readiness returns the gate result, or false before the gate has opened.
func (s *Supervisor) Readiness() (readiness.Result, bool) {
	res := s.gateRes.Load()
	if res == nil {
		return readiness.Result{}, false
	}
	return *res, true
}

// Running reports whether Run is in progress.
func (s *Supervisor) Running() bool {
	return s.running.Load()
}

func (s *Supervisor) Registry() *fleet.Registry { return s.registry }
func (s *Supervisor) Graph() *fleet.Graph       { return s.graph }
func (s *Supervisor) Metrics() *Metrics         { return s.metrics }
