package fleet

import (
	"errors"
	"strings"
)

// WorkerSpec describes one supervised worker. Specs are immutable once a
// Graph has been built from them.
type WorkerSpec struct {
	Name      string
	Command   []string
	Dir       string
	Env       map[string]string
	DependsOn []string
}

// Target returns the executable the worker launches (argv[0]).
func (s WorkerSpec) Target() string {
	if len(s.Command) == 0 {
		return ""
	}
	return s.Command[0]
}

// Args returns the arguments passed to the launch target.
func (s WorkerSpec) Args() []string {
	if len(s.Command) < 2 {
		return nil
	}
	return append([]string(nil), s.Command[1:]...)
}

// Normalize trims names and drops empty or repeated dependency entries.
func (s WorkerSpec) Normalize() (WorkerSpec, error) {
	name := strings.TrimSpace(s.Name)
	if name == "" {
		return WorkerSpec{}, errors.New("worker entry missing name")
	}
	out := WorkerSpec{
		Name: name,
		Dir:  strings.TrimSpace(s.Dir),
	}
	out.Command = append([]string(nil), s.Command...)
	if len(out.Command) == 0 || strings.TrimSpace(out.Command[0]) == "" {
		return WorkerSpec{}, errors.New("worker " + name + " missing command")
	}
	out.Command[0] = strings.TrimSpace(out.Command[0])
	if len(s.Env) > 0 {
		out.Env = make(map[string]string, len(s.Env))
		for key, value := range s.Env {
			key = strings.TrimSpace(key)
			if key == "" {
				continue
			}
			out.Env[key] = value
		}
	}
	seen := make(map[string]struct{}, len(s.DependsOn))
	for _, dep := range s.DependsOn {
		dep = strings.TrimSpace(dep)
		if dep == "" {
			continue
		}
		if _, dup := seen[dep]; dup {
			continue
		}
		seen[dep] = struct{}{}
		out.DependsOn = append(out.DependsOn, dep)
	}
	return out, nil
}

// EnvList renders Env as KEY=VALUE pairs suitable for exec.Cmd.
func (s WorkerSpec) EnvList() []string {
	if len(s.Env) == 0 {
		return nil
	}
	out := make([]string, 0, len(s.Env))
	for key, value := range s.Env {
		out = append(out, key+"="+value)
	}
	return out
}
