package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// WorkersDirName is the drop-in directory inside .runlevel. Each file in it
// declares exactly one worker.
const WorkersDirName = "workers.d"

// WorkerFile pairs a drop-in worker definition with its on-disk source.
type WorkerFile struct {
	Worker WorkerConfig
	Path   string
}

// ParseWorkerFile decodes a single drop-in payload. ext selects the format
// (".toml" or YAML otherwise).
func ParseWorkerFile(ext string, data []byte) (WorkerConfig, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return WorkerConfig{}, fmt.Errorf("worker definition is empty")
	}
	var w WorkerConfig
	if strings.EqualFold(ext, ".toml") {
		md, err := toml.Decode(string(data), &w)
		if err != nil {
			return WorkerConfig{}, fmt.Errorf("decode worker: %w", err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return WorkerConfig{}, fmt.Errorf("unknown keys: %v", undecoded)
		}
	} else {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&w); err != nil {
			return WorkerConfig{}, fmt.Errorf("decode worker: %w", err)
		}
	}
	return w, nil
}

// LoadWorkerFile reads one drop-in file.
func LoadWorkerFile(path string) (WorkerFile, error) {
	info, err := os.Stat(path)
	if err != nil {
		return WorkerFile{}, fmt.Errorf("config: stat %s: %w", path, err)
	}
	if info.IsDir() {
		return WorkerFile{}, fmt.Errorf("config: %s is a directory", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return WorkerFile{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	w, err := ParseWorkerFile(filepath.Ext(path), data)
	if err != nil {
		return WorkerFile{}, fmt.Errorf("config: %s: %w", path, err)
	}
	return WorkerFile{Worker: w, Path: filepath.Clean(path)}, nil
}

// LoadWorkerDir scans dir for *.yaml, *.yml and *.toml worker files, sorted
// by path. A missing directory means no drop-ins.
func LoadWorkerDir(dir string) ([]WorkerFile, error) {
	trimmed := strings.TrimSpace(dir)
	if trimmed == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(trimmed)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", trimmed, err)
	}
	var files []WorkerFile
	for _, entry := range entries {
		if entry.IsDir() || !isWorkerFile(entry.Name()) {
			continue
		}
		file, err := LoadWorkerFile(filepath.Join(trimmed, entry.Name()))
		if err != nil {
			return nil, err
		}
		files = append(files, file)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

func isWorkerFile(name string) bool {
	lower := strings.ToLower(strings.TrimSpace(name))
	return strings.HasSuffix(lower, ".yaml") || strings.HasSuffix(lower, ".yml") || strings.HasSuffix(lower, ".toml")
}

// mergeWorkerFiles appends drop-ins to the main worker table. A name already
// declared elsewhere is rejected with both sources in the message.
func (c *Config) mergeWorkerFiles(files []WorkerFile) error {
	if c.Sources == nil {
		c.Sources = make(map[string]string)
	}
	for _, w := range c.Fleet.Workers {
		if name := strings.TrimSpace(w.Name); name != "" {
			if _, ok := c.Sources[name]; !ok {
				c.Sources[name] = c.Path
			}
		}
	}
	for _, file := range files {
		name := strings.TrimSpace(file.Worker.Name)
		if existing, ok := c.Sources[name]; ok && name != "" {
			return fmt.Errorf("config: duplicate worker %s (%s and %s)", name, existing, file.Path)
		}
		c.Sources[name] = file.Path
		c.Fleet.Workers = append(c.Fleet.Workers, file.Worker)
	}
	return nil
}
