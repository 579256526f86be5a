// Package readiness gates fleet startup on an external dependency, such as a
// local inference server, reporting healthy. The gate degrades instead of
// failing: when the dependency never answers it writes a latch file and lets
// the fleet proceed, and any later call that finds the latch proceeds at once.
package readiness

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

const (
	DefaultMaxRetries    = 30
	DefaultRetryInterval = 2 * time.Second
)

// CheckFunc reports nil when the dependency is ready. Any error means
// "not ready yet" and is never fatal to the gate.
type CheckFunc func(ctx context.Context) error

// NopCheck is always ready.
func NopCheck(context.Context) error { return nil }

// Logger records gate progress.
type Logger interface {
	Printf(format string, args ...any)
}

// Options controls the retry budget and the fallback latch.
type Options struct {
	MaxRetries    int
	RetryInterval time.Duration
	// LatchPath is the marker file consulted before the first attempt and
	// created when the retry budget is exhausted. Empty disables the latch;
	// exhaustion then still forces readiness.
	LatchPath string
	Logger    Logger
	// OnAttempt, when set, observes each attempt's outcome.
	OnAttempt func(attempt int, err error)
}

// Result describes how the gate opened.
type Result struct {
	Ready    bool
	Attempts int
	// Forced is set when the retry budget ran out and the gate opened anyway.
	Forced bool
	// Latched is set when an existing latch opened the gate without checking.
	Latched bool
	LastErr error
}

// Await blocks until check succeeds, the retry budget is exhausted, or ctx
// is cancelled. The returned error is non-nil only for cancellation; in every
// other case Result.Ready is true.
func Await(ctx context.Context, check CheckFunc, opts Options) (Result, error) {
	opts.normalize()
	if check == nil {
		check = NopCheck
	}
	logger := opts.Logger
	if opts.LatchPath != "" && latchExists(opts.LatchPath) {
		logger.Printf("readiness: latch %s present, proceeding", opts.LatchPath)
		return Result{Ready: true, Latched: true}, nil
	}
	var result Result
	for attempt := 1; attempt <= opts.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		result.Attempts = attempt
		err := check(ctx)
		if opts.OnAttempt != nil {
			opts.OnAttempt(attempt, err)
		}
		if err == nil {
			result.Ready = true
			result.LastErr = nil
			logger.Printf("readiness: dependency ready after %d attempt(s)", attempt)
			return result, nil
		}
		result.LastErr = err
		logger.Printf("readiness: attempt %d/%d not ready: %v", attempt, opts.MaxRetries, err)
		if attempt == opts.MaxRetries {
			break
		}
		if err := sleep(ctx, opts.RetryInterval); err != nil {
			return result, err
		}
	}
	result.Ready = true
	result.Forced = true
	if opts.LatchPath != "" {
		if err := writeLatch(opts.LatchPath); err != nil {
			logger.Printf("readiness: WARN write latch %s: %v", opts.LatchPath, err)
		}
	}
	logger.Printf("readiness: WARN retries exhausted after %d attempt(s), forcing ready", result.Attempts)
	return result, nil
}

func (o *Options) normalize() {
	if o.MaxRetries <= 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	if o.RetryInterval < 0 {
		o.RetryInterval = 0
	}
	if o.Logger == nil {
		o.Logger = nopLogger{}
	}
}

func latchExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func writeLatch(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("readiness: ensure latch dir: %w", err)
	}
	stamp := time.Now().UTC().Format(time.RFC3339) + " forced ready\n"
	if err := os.WriteFile(path, []byte(stamp), 0o644); err != nil {
		return fmt.Errorf("readiness: write latch: %w", err)
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// FileCheck is ready once path exists.
func FileCheck(path string) CheckFunc {
	return func(context.Context) error {
		_, err := os.Stat(path)
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%s does not exist", path)
		}
		return err
	}
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}
