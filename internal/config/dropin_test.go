package config

import (
	"path/filepath"
	"strings"
	"testing"
)

const mainFleet = `
workers:
  - name: memory-manager
    command: ["node", "agents/memory-manager.js"]
`

func TestLoadMergesDropInWorkers(t *testing.T) {
	projectDir := t.TempDir()
	path := writeConfig(t, projectDir, filepath.Join(RunlevelDir, ConfigFileName), mainFleet)
	yamlPath := writeConfig(t, projectDir, filepath.Join(RunlevelDir, WorkersDirName, "10-orchestration.yaml"), `
name: orchestration
command: ["node", "agents/orchestration.js"]
depends_on: [memory-manager]
`)
	writeConfig(t, projectDir, filepath.Join(RunlevelDir, WorkersDirName, "20-emergence.toml"), `
name = "emergence"
command = ["node", "agents/emergence.js"]
depends_on = ["orchestration"]
`)
	writeConfig(t, projectDir, filepath.Join(RunlevelDir, WorkersDirName, "README.md"), "not a worker")

	cfg, err := Load(projectDir, "")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.Fleet.Workers) != 3 {
		t.Fatalf("expected 3 workers, got %d", len(cfg.Fleet.Workers))
	}
	if cfg.Sources["memory-manager"] != path || cfg.Sources["orchestration"] != yamlPath {
		t.Fatalf("unexpected sources %v", cfg.Sources)
	}
	g, err := cfg.Graph()
	if err != nil {
		t.Fatalf("graph: %v", err)
	}
	if got := strings.Join(g.Order(), ","); got != "memory-manager,orchestration,emergence" {
		t.Fatalf("unexpected order %s", got)
	}
	spec, _ := g.Spec("emergence")
	if spec.Dir != projectDir {
		t.Fatalf("drop-in worker dir = %s, want %s", spec.Dir, projectDir)
	}
}

func TestLoadRejectsDuplicateDropIn(t *testing.T) {
	projectDir := t.TempDir()
	writeConfig(t, projectDir, filepath.Join(RunlevelDir, ConfigFileName), mainFleet)
	writeConfig(t, projectDir, filepath.Join(RunlevelDir, WorkersDirName, "dup.yaml"), `
name: memory-manager
command: ["node", "other.js"]
`)
	_, err := Load(projectDir, "")
	if err == nil || !strings.Contains(err.Error(), "duplicate worker memory-manager") {
		t.Fatalf("expected duplicate error, got %v", err)
	}
}

func TestParseWorkerFileErrors(t *testing.T) {
	if _, err := ParseWorkerFile(".yaml", []byte("  \n")); err == nil {
		t.Fatalf("expected empty payload to fail")
	}
	if _, err := ParseWorkerFile(".yaml", []byte("name: x\ncommand: [a]\nrestart: always\n")); err == nil {
		t.Fatalf("expected unknown yaml key to fail")
	}
	if _, err := ParseWorkerFile(".toml", []byte("name = \"x\"\nbogus = 1\n")); err == nil {
		t.Fatalf("expected unknown toml key to fail")
	}
}

func TestLoadWorkerDirMissing(t *testing.T) {
	files, err := LoadWorkerDir(filepath.Join(t.TempDir(), "missing"))
	if err != nil {
		t.Fatalf("missing dir should not error: %v", err)
	}
	if len(files) != 0 {
		t.Fatalf("expected no files, got %d", len(files))
	}
}
