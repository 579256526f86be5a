package eventbridge

import (
	"github.com/kingrea/runlevel/internal/events"
	"github.com/kingrea/runlevel/internal/readiness"
	"github.com/kingrea/runlevel/internal/supervisor"
)

// ProtocolVersion identifies the bridge contract version exposed via /health.
const ProtocolVersion = "1.0.0"

// Fleet is the supervisor view the bridge reports on.
type Fleet interface {
	Statuses() []supervisor.Status
	Readiness() (readiness.Result, bool)
}

// Feed is a source of event records. *events.Broadcaster satisfies it.
type Feed interface {
	Subscribe() events.Subscription
	Recent(n int) []events.Record
}

// Logger records bridge status information. It matches logging.Logger's signature.
type Logger interface {
	Printf(format string, args ...any)
}

type healthResponse struct {
	Status        string          `json:"status"`
	Version       string          `json:"version"`
	Workers       int             `json:"workers"`
	Live          int             `json:"live"`
	Readiness     *readinessState `json:"readiness,omitempty"`
	UptimeSeconds int64           `json:"uptime_seconds"`
}

type readinessState struct {
	Ready    bool `json:"ready"`
	Forced   bool `json:"forced"`
	Latched  bool `json:"latched"`
	Attempts int  `json:"attempts"`
}

// WorkersResponse is the /workers payload.
type WorkersResponse struct {
	Workers []supervisor.Status `json:"workers"`
}

type recentResponse struct {
	Records []events.Record `json:"records"`
}
