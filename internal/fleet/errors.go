package fleet

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidFleet matches every fleet definition error.
	ErrInvalidFleet = errors.New("invalid fleet")
	// ErrDuplicateWorker reports two workers with the same name.
	ErrDuplicateWorker = errors.New("duplicate worker")
	// ErrUnknownDependency reports a depends_on entry naming no declared worker.
	ErrUnknownDependency = errors.New("unknown dependency")
	// ErrCycle reports workers that depend on each other, directly or not.
	ErrCycle = errors.New("dependency cycle")
)

// ConfigError reports a fleet definition the supervisor must refuse to run.
// It matches both ErrInvalidFleet and its specific Kind via errors.Is.
type ConfigError struct {
	Kind   error
	Worker string
	Msg    string
}

func (e *ConfigError) Error() string {
	if e == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString("fleet: ")
	b.WriteString(e.Kind.Error())
	if e.Worker != "" {
		fmt.Fprintf(&b, " %q", e.Worker)
	}
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	return b.String()
}

// Unwrap exposes ErrInvalidFleet and Kind to errors.Is.
func (e *ConfigError) Unwrap() []error { return []error{ErrInvalidFleet, e.Kind} }

func invalidf(worker, format string, args ...any) error {
	return &ConfigError{Kind: ErrInvalidFleet, Worker: worker, Msg: fmt.Sprintf(format, args...)}
}

func cycleError(path []string) error {
	msg := ""
	if len(path) > 0 {
		msg = strings.Join(path, " -> ")
	}
	worker := ""
	if len(path) > 0 {
		worker = path[0]
	}
	return &ConfigError{Kind: ErrCycle, Worker: worker, Msg: msg}
}
