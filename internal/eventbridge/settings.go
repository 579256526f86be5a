package eventbridge

import (
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kingrea/runlevel/internal/config"
)

const (
	// DefaultHost keeps the bridge on loopback unless configured otherwise.
	DefaultHost = "127.0.0.1"
	// DefaultPort is the default TCP port for the bridge server.
	DefaultPort = 8765
	// DefaultReadTimeout guards hung clients.
	DefaultReadTimeout = 15 * time.Second
	// DefaultWriteTimeout bounds handler writes. Streams clear it per connection.
	DefaultWriteTimeout = 15 * time.Second
	// DefaultIdleTimeout bounds keep-alive connections.
	DefaultIdleTimeout = 60 * time.Second
	// DefaultHeartbeat is the keep-alive interval on event streams.
	DefaultHeartbeat = 15 * time.Second
	// DefaultRecentLimit caps /events/recent when no limit is given.
	DefaultRecentLimit = 100
)

// Settings is the resolved bridge configuration.
type Settings struct {
	Enabled      bool
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	Heartbeat    time.Duration
}

// DefaultSettings returns an enabled loopback bridge.
func DefaultSettings() Settings {
	return Settings{
		Enabled:      true,
		Host:         DefaultHost,
		Port:         DefaultPort,
		ReadTimeout:  DefaultReadTimeout,
		WriteTimeout: DefaultWriteTimeout,
		IdleTimeout:  DefaultIdleTimeout,
		Heartbeat:    DefaultHeartbeat,
	}
}

// SettingsFromConfig layers the fleet config's bridge section and then the
// RUNLEVEL_BRIDGE_* variables over DefaultSettings. Invalid values are
// ignored.
func SettingsFromConfig(cfg *config.Config) Settings {
	s := DefaultSettings()
	if cfg != nil {
		s.merge(cfg.Fleet.Bridge)
	}
	for _, o := range envOverrides {
		if raw := strings.TrimSpace(os.Getenv(o.key)); raw != "" {
			o.apply(&s, raw)
		}
	}
	return s
}

func (s *Settings) merge(b config.BridgeConfig) {
	if b.Enabled != nil {
		s.Enabled = *b.Enabled
	}
	if host := strings.TrimSpace(b.Host); host != "" {
		s.Host = host
	}
	if validPort(b.Port) {
		s.Port = b.Port
	}
	if b.Heartbeat.Duration > 0 {
		s.Heartbeat = b.Heartbeat.Duration
	}
}

type envOverride struct {
	key   string
	apply func(*Settings, string)
}

var envOverrides = []envOverride{
	{"RUNLEVEL_BRIDGE_ENABLED", func(s *Settings, raw string) {
		if v, err := strconv.ParseBool(raw); err == nil {
			s.Enabled = v
		}
	}},
	{"RUNLEVEL_BRIDGE_HOST", func(s *Settings, raw string) {
		s.Host = raw
	}},
	{"RUNLEVEL_BRIDGE_PORT", func(s *Settings, raw string) {
		if v, err := strconv.Atoi(raw); err == nil && validPort(v) {
			s.Port = v
		}
	}},
	{"RUNLEVEL_BRIDGE_HEARTBEAT", func(s *Settings, raw string) {
		if v, err := time.ParseDuration(raw); err == nil && v > 0 {
			s.Heartbeat = v
		}
	}},
}

// Address returns the TCP bind address in host:port form.
func (s Settings) Address() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// URL returns the HTTP base URL for the server.
func (s Settings) URL() string {
	return "http://" + s.Address()
}

func validPort(port int) bool {
	return port > 0 && port <= 65535
}
