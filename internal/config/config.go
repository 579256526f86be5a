// internal/config/config.go
//
// This package loads the fleet definition and owns the .runlevel directory.
// Every project supervised by runlevel gets a .runlevel/ folder in its root
// holding the config file, logs, and the readiness latch.

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/kingrea/runlevel/internal/fleet"
)

const (
	// RunlevelDir is the name of the directory we create in each project
	RunlevelDir = ".runlevel"
	// ConfigFileName is the default config file inside RunlevelDir
	ConfigFileName = "config.yaml"

	defaultLatch = "state/inference.ready"
)

// Supervisor timing defaults.
const (
	DefaultDependencyPoll     = time.Second
	DefaultMissingTargetDelay = 5 * time.Second
	DefaultRestartDelay       = 3 * time.Second
	DefaultStopGrace          = 5 * time.Second
	DefaultLaunchSpacing      = 250 * time.Millisecond
	DefaultStartJitter        = 500 * time.Millisecond
	DefaultMaxRetries         = 30
	DefaultRetryInterval      = 2 * time.Second
)

const defaultConfigYAML = `# runlevel fleet configuration
version: 1

# Startup gate. Agents launch once the local inference server answers, or
# after max_retries failed checks (the latch file then records the forced start).
readiness:
  url: http://127.0.0.1:11434/api/tags
  max_retries: 30
  retry_interval: 2s
  latch: state/inference.ready

supervisor:
  dependency_poll: 1s
  missing_target_delay: 5s
  restart_delay: 3s
  stop_grace: 5s
  launch_spacing: 250ms
  start_jitter: 500ms

bridge:
  enabled: true
  host: 127.0.0.1
  port: 8765
  heartbeat: 15s

# Agents start only when every entry in depends_on is running.
workers:
  - name: memory-manager
    command: ["node", "agents/memory-manager.js"]
  - name: orchestration
    command: ["node", "agents/orchestration.js"]
    depends_on: [memory-manager]
  - name: community-memory
    command: ["node", "agents/community-memory.js"]
    depends_on: [memory-manager, orchestration]
  - name: emergence
    command: ["node", "agents/emergence.js"]
    depends_on: [orchestration]
`

// ReadinessConfig configures the startup gate. URL takes precedence over
// File; with neither set the gate opens immediately.
type ReadinessConfig struct {
	URL           string   `yaml:"url,omitempty" toml:"url"`
	File          string   `yaml:"file,omitempty" toml:"file"`
	MaxRetries    int      `yaml:"max_retries" toml:"max_retries"`
	RetryInterval Duration `yaml:"retry_interval" toml:"retry_interval"`
	Latch         string   `yaml:"latch,omitempty" toml:"latch"`
}

// SupervisorConfig holds the per-loop timing knobs.
type SupervisorConfig struct {
	DependencyPoll     Duration `yaml:"dependency_poll" toml:"dependency_poll"`
	MissingTargetDelay Duration `yaml:"missing_target_delay" toml:"missing_target_delay"`
	RestartDelay       Duration `yaml:"restart_delay" toml:"restart_delay"`
	StopGrace          Duration `yaml:"stop_grace" toml:"stop_grace"`
	LaunchSpacing      Duration `yaml:"launch_spacing" toml:"launch_spacing"`
	StartJitter        Duration `yaml:"start_jitter" toml:"start_jitter"`
}

// BridgeConfig is the raw event bridge section; see eventbridge.SettingsFromConfig.
type BridgeConfig struct {
	Enabled   *bool    `yaml:"enabled,omitempty" toml:"enabled"`
	Host      string   `yaml:"host,omitempty" toml:"host"`
	Port      int      `yaml:"port,omitempty" toml:"port"`
	Heartbeat Duration `yaml:"heartbeat,omitempty" toml:"heartbeat"`
}

// WorkerConfig declares one supervised worker.
type WorkerConfig struct {
	Name      string            `yaml:"name" toml:"name"`
	Command   []string          `yaml:"command" toml:"command"`
	Dir       string            `yaml:"dir,omitempty" toml:"dir"`
	Env       map[string]string `yaml:"env,omitempty" toml:"env"`
	DependsOn []string          `yaml:"depends_on,omitempty" toml:"depends_on"`
}

// FleetConfig models .runlevel/config.yaml.
type FleetConfig struct {
	Version    int              `yaml:"version" toml:"version"`
	Readiness  ReadinessConfig  `yaml:"readiness" toml:"readiness"`
	Supervisor SupervisorConfig `yaml:"supervisor" toml:"supervisor"`
	Bridge     BridgeConfig     `yaml:"bridge" toml:"bridge"`
	Workers    []WorkerConfig   `yaml:"workers" toml:"workers"`
}

// Config holds the runtime configuration for one supervised project.
type Config struct {
	// ProjectDir is the directory worker paths are resolved against
	ProjectDir string
	// Dir is ProjectDir/.runlevel
	Dir string
	// Path is the config file that was loaded
	Path string
	// Sources maps each worker name to the file that declared it
	Sources map[string]string

	Fleet FleetConfig
}

// InitDir creates the .runlevel directory structure in projectDir and writes
// a starter config.yaml when none exists.
//
// Structure created:
// .runlevel/
// ├── config.yaml
// ├── logs/      <- supervisor log, journal, one log per worker
// ├── state/     <- readiness latch
// └── workers.d/ <- optional drop-in worker definitions, one per file
func InitDir(projectDir string) error {
	dir := filepath.Join(projectDir, RunlevelDir)
	for _, sub := range []string{"logs", "state", WorkersDirName} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return fmt.Errorf("config: ensure %s: %w", sub, err)
		}
	}
	return ensureConfigFile(filepath.Join(dir, ConfigFileName))
}

// DefaultPath returns the config file used when no --config flag is given.
func DefaultPath(projectDir string) string {
	return filepath.Join(projectDir, RunlevelDir, ConfigFileName)
}

// Load reads the fleet definition at path (DefaultPath when empty). Files
// ending in .toml are decoded as TOML, everything else as YAML. Unknown keys
// are rejected in both formats.
func Load(projectDir, path string) (*Config, error) {
	if strings.TrimSpace(projectDir) == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("config: working directory: %w", err)
		}
		projectDir = wd
	}
	projectDir, err := filepath.Abs(projectDir)
	if err != nil {
		return nil, fmt.Errorf("config: resolve project dir: %w", err)
	}
	if strings.TrimSpace(path) == "" {
		path = DefaultPath(projectDir)
	}
	path = resolvePath(projectDir, path)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config: %s not found; run `runlevel init` to create one", path)
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	parsed, err := decode(path, data)
	if err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg := &Config{
		ProjectDir: projectDir,
		Dir:        filepath.Join(projectDir, RunlevelDir),
		Path:       path,
		Fleet:      parsed,
	}
	dropins, err := LoadWorkerDir(cfg.WorkersDir())
	if err != nil {
		return nil, err
	}
	if err := cfg.mergeWorkerFiles(dropins); err != nil {
		return nil, err
	}
	cfg.Fleet.applyDefaults()
	cfg.Fleet.applyEnvOverrides()
	cfg.Fleet.normalize(projectDir)
	if err := cfg.Fleet.validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func decode(path string, data []byte) (FleetConfig, error) {
	var parsed FleetConfig
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		md, err := toml.Decode(string(data), &parsed)
		if err != nil {
			return FleetConfig{}, err
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return FleetConfig{}, fmt.Errorf("unknown keys: %v", undecoded)
		}
		return parsed, nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&parsed); err != nil {
		return FleetConfig{}, err
	}
	return parsed, nil
}

// LogsDir returns the path to the logs directory
func (c *Config) LogsDir() string {
	return filepath.Join(c.Dir, "logs")
}

// StateDir returns the path to the state directory
func (c *Config) StateDir() string {
	return filepath.Join(c.Dir, "state")
}

// WorkersDir returns the drop-in worker directory.
func (c *Config) WorkersDir() string {
	return filepath.Join(c.Dir, WorkersDirName)
}

// LatchPath returns the absolute readiness latch path.
func (c *Config) LatchPath() string {
	return resolvePath(c.Dir, c.Fleet.Readiness.Latch)
}

// JournalPath returns the event journal location.
func (c *Config) JournalPath() string {
	return filepath.Join(c.LogsDir(), "journal.log")
}

// WorkerSpecs converts the worker table into fleet specs.
func (c *Config) WorkerSpecs() []fleet.WorkerSpec {
	specs := make([]fleet.WorkerSpec, 0, len(c.Fleet.Workers))
	for _, w := range c.Fleet.Workers {
		specs = append(specs, fleet.WorkerSpec{
			Name:      w.Name,
			Command:   append([]string(nil), w.Command...),
			Dir:       w.Dir,
			Env:       w.Env,
			DependsOn: append([]string(nil), w.DependsOn...),
		})
	}
	return specs
}

// Graph builds and validates the dependency graph for the configured workers.
func (c *Config) Graph() (*fleet.Graph, error) {
	return fleet.Build(c.WorkerSpecs())
}

func (fc *FleetConfig) applyDefaults() {
	if fc.Version == 0 {
		fc.Version = 1
	}
	r := &fc.Readiness
	if r.MaxRetries == 0 {
		r.MaxRetries = DefaultMaxRetries
	}
	if r.RetryInterval.Duration == 0 {
		r.RetryInterval = Dur(DefaultRetryInterval)
	}
	if strings.TrimSpace(r.Latch) == "" {
		r.Latch = defaultLatch
	}
	s := &fc.Supervisor
	defaultDuration(&s.DependencyPoll, DefaultDependencyPoll)
	defaultDuration(&s.MissingTargetDelay, DefaultMissingTargetDelay)
	defaultDuration(&s.RestartDelay, DefaultRestartDelay)
	defaultDuration(&s.StopGrace, DefaultStopGrace)
	defaultDuration(&s.LaunchSpacing, DefaultLaunchSpacing)
	defaultDuration(&s.StartJitter, DefaultStartJitter)
}

func defaultDuration(d *Duration, fallback time.Duration) {
	if d.Duration == 0 {
		d.Duration = fallback
	}
}

func (fc *FleetConfig) applyEnvOverrides() {
	if url, ok := os.LookupEnv("RUNLEVEL_READINESS_URL"); ok {
		fc.Readiness.URL = strings.TrimSpace(url)
	}
	if raw := strings.TrimSpace(os.Getenv("RUNLEVEL_READINESS_RETRIES")); raw != "" {
		if retries, err := strconv.Atoi(raw); err == nil && retries > 0 {
			fc.Readiness.MaxRetries = retries
		}
	}
}

func (fc *FleetConfig) normalize(base string) {
	fc.Readiness.URL = strings.TrimSpace(fc.Readiness.URL)
	fc.Readiness.File = resolvePath(base, fc.Readiness.File)
	fc.Readiness.Latch = strings.TrimSpace(fc.Readiness.Latch)
	fc.Bridge.Host = strings.TrimSpace(fc.Bridge.Host)
	for i := range fc.Workers {
		fc.Workers[i].normalize(base)
	}
}

func (fc *FleetConfig) validate() error {
	if fc.Version < 1 {
		return fmt.Errorf("config version must be >= 1")
	}
	if fc.Readiness.MaxRetries < 0 {
		return fmt.Errorf("readiness.max_retries must be >= 0")
	}
	if len(fc.Workers) == 0 {
		return fmt.Errorf("at least one worker is required")
	}
	for i := range fc.Workers {
		if err := fc.Workers[i].validate(); err != nil {
			return fmt.Errorf("workers[%d]: %w", i, err)
		}
	}
	for name, d := range map[string]Duration{
		"supervisor.dependency_poll":      fc.Supervisor.DependencyPoll,
		"supervisor.missing_target_delay": fc.Supervisor.MissingTargetDelay,
		"supervisor.restart_delay":        fc.Supervisor.RestartDelay,
		"supervisor.stop_grace":           fc.Supervisor.StopGrace,
		"supervisor.launch_spacing":       fc.Supervisor.LaunchSpacing,
		"supervisor.start_jitter":         fc.Supervisor.StartJitter,
		"readiness.retry_interval":        fc.Readiness.RetryInterval,
		"bridge.heartbeat":                fc.Bridge.Heartbeat,
	} {
		if d.Duration < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}
	return nil
}

func (w *WorkerConfig) normalize(base string) {
	w.Name = strings.TrimSpace(w.Name)
	if strings.TrimSpace(w.Dir) == "" {
		w.Dir = base
	} else {
		w.Dir = resolvePath(base, w.Dir)
	}
	for i := range w.DependsOn {
		w.DependsOn[i] = strings.TrimSpace(w.DependsOn[i])
	}
}

func (w WorkerConfig) validate() error {
	if w.Name == "" {
		return fmt.Errorf("name is required")
	}
	if len(w.Command) == 0 || strings.TrimSpace(w.Command[0]) == "" {
		return fmt.Errorf("command is required for %s", w.Name)
	}
	return nil
}

func resolvePath(base, candidate string) string {
	trimmed := strings.TrimSpace(candidate)
	if trimmed == "" {
		return ""
	}
	if filepath.IsAbs(trimmed) {
		return filepath.Clean(trimmed)
	}
	return filepath.Clean(filepath.Join(base, trimmed))
}

func ensureConfigFile(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return os.WriteFile(path, []byte(defaultConfigYAML), 0o644)
}
