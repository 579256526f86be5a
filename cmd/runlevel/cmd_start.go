package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/kingrea/runlevel/internal/config"
	"github.com/kingrea/runlevel/internal/eventbridge"
	"github.com/kingrea/runlevel/internal/events"
	"github.com/kingrea/runlevel/internal/logbook"
	"github.com/kingrea/runlevel/internal/logging"
	"github.com/kingrea/runlevel/internal/readiness"
	"github.com/kingrea/runlevel/internal/supervisor"
	"github.com/kingrea/runlevel/internal/tui"
)

const (
	bridgeShutdownTimeout = 3 * time.Second
	outputDrainTimeout    = 2 * time.Second
)

type startOptions struct {
	*globalOptions
	useTUI   bool
	noBridge bool
	noColor  bool
	verbose  bool
	logLevel string
}

func newStartCmd(global *globalOptions) *cobra.Command {
	opts := &startOptions{globalOptions: global}
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Run the fleet until interrupted",
		Long: `Runs the readiness gate once, then supervises every configured worker.

A worker is launched only while all of its dependencies are running, and is
restarted after a fixed delay whenever it exits. Ctrl+C (or SIGTERM) stops
every worker: each receives SIGTERM and is killed after the stop grace period.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStart(cmd, opts)
		},
	}
	cmd.Flags().BoolVar(&opts.useTUI, "tui", false, "show the live dashboard instead of console logs")
	cmd.Flags().BoolVar(&opts.noBridge, "no-bridge", false, "do not start the HTTP event bridge")
	cmd.Flags().BoolVar(&opts.noColor, "no-color", false, "disable colored console output")
	cmd.Flags().BoolVarP(&opts.verbose, "verbose", "v", false, "mirror supervisor diagnostics to stderr")
	cmd.Flags().StringVar(&opts.logLevel, "log-level", "info", "console level: debug shows worker output")
	return cmd
}

func runStart(cmd *cobra.Command, opts *startOptions) error {
	level, err := zerolog.ParseLevel(strings.ToLower(opts.logLevel))
	if err != nil {
		return fmt.Errorf("invalid --log-level %q: %w", opts.logLevel, err)
	}
	cfg, err := loadConfig(opts.globalOptions)
	if err != nil {
		return err
	}
	graph, err := cfg.Graph()
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.LogsDir())
	if err != nil {
		return err
	}
	defer logger.Close()
	if opts.verbose && !opts.useTUI {
		logger.Mirror(cmd.ErrOrStderr())
	}
	journal, err := logbook.New(cfg.JournalPath())
	if err != nil {
		return err
	}

	feed := events.NewBroadcaster(events.WithLogger(logger))
	// The journal file and the terminal can stall; they get their own queue
	// so the broadcaster keeps serving the bridge and dashboard regardless.
	writers := []events.Sink{journal}
	if !opts.useTUI {
		writers = append(writers, events.NewConsoleSink(cmd.OutOrStdout(), opts.noColor, level))
	}
	slow := events.NewQueue(events.Multi(writers...), 0, logger)
	check, gate := readinessFromConfig(cfg)
	sup, err := supervisor.New(graph,
		supervisor.WithSink(events.Multi(feed, slow)),
		supervisor.WithLogger(logger),
		supervisor.WithLogDir(cfg.LogsDir()),
		supervisor.WithTiming(timingFromConfig(cfg)),
		supervisor.WithReadiness(check, gate),
	)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	settings := eventbridge.SettingsFromConfig(cfg)
	if opts.noBridge {
		settings.Enabled = false
	}
	if settings.Enabled {
		bridge := eventbridge.NewServer(settings,
			eventbridge.WithFleet(sup),
			eventbridge.WithFeed(feed),
			eventbridge.WithMetrics(sup.Metrics().Handler()),
			eventbridge.WithLogger(logger),
		)
		if err := bridge.Start(ctx); err != nil {
			// Keep supervising without the bridge.
			logger.Printf("WARN event bridge unavailable: %v", err)
			journal.Warn("event bridge unavailable: %v", err)
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), bridgeShutdownTimeout)
				defer cancel()
				if err := bridge.Shutdown(shutdownCtx); err != nil {
					logger.Printf("event bridge shutdown: %v", err)
				}
			}()
		}
	}

	journal.Info("fleet starting · %d worker(s) from %s", graph.Len(), cfg.Path)
	logger.Printf("starting %d worker(s): %s", graph.Len(), strings.Join(graph.Order(), ", "))
	if opts.useTUI {
		err = runWithDashboard(ctx, sup, feed, journal)
	} else {
		err = sup.Run(ctx)
	}
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	drainCtx, cancel := context.WithTimeout(context.Background(), outputDrainTimeout)
	defer cancel()
	if drainErr := slow.Close(drainCtx); drainErr != nil {
		logger.Printf("WARN %v", drainErr)
	}
	journal.Info("fleet stopped")
	return err
}

func runWithDashboard(ctx context.Context, sup *supervisor.Supervisor, feed *events.Broadcaster, journal *logbook.Logbook) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- sup.Run(runCtx) }()

	app := tui.NewApp(sup, feed, tui.WithJournal(journal))
	defer app.Close()
	p := tea.NewProgram(app, tea.WithAltScreen(), tea.WithContext(ctx))
	_, uiErr := p.Run()
	if errors.Is(uiErr, tea.ErrProgramKilled) {
		uiErr = nil
	}
	cancel()
	runErr := <-done
	if uiErr != nil {
		return fmt.Errorf("dashboard: %w", uiErr)
	}
	return runErr
}

func readinessFromConfig(cfg *config.Config) (readiness.CheckFunc, readiness.Options) {
	rc := cfg.Fleet.Readiness
	opts := readiness.Options{
		MaxRetries:    rc.MaxRetries,
		RetryInterval: rc.RetryInterval.Duration,
		LatchPath:     cfg.LatchPath(),
	}
	switch {
	case rc.URL != "":
		return readiness.HTTPCheck(rc.URL, nil), opts
	case rc.File != "":
		return readiness.FileCheck(rc.File), opts
	default:
		// Nothing to wait for; one attempt opens the gate.
		opts.MaxRetries = 1
		return readiness.NopCheck, opts
	}
}

func timingFromConfig(cfg *config.Config) supervisor.Timing {
	sc := cfg.Fleet.Supervisor
	return supervisor.Timing{
		DependencyPoll:     sc.DependencyPoll.Duration,
		MissingTargetDelay: sc.MissingTargetDelay.Duration,
		RestartDelay:       sc.RestartDelay.Duration,
		StopGrace:          sc.StopGrace.Duration,
		LaunchSpacing:      sc.LaunchSpacing.Duration,
		StartJitter:        sc.StartJitter.Duration,
	}
}
