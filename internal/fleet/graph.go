package fleet

import (
	"sort"
)

// Graph is the validated dependency DAG of a fleet. It is read-only after
// Build and safe to share between goroutines.
type Graph struct {
	specs      map[string]WorkerSpec
	declared   []string
	order      []string
	dependents map[string][]string
}

// Build validates the worker set and derives its dependency graph. Duplicate
// names, dependencies on undeclared workers, and cycles (including a worker
// depending on itself) are configuration errors.
func Build(specs []WorkerSpec) (*Graph, error) {
	g := &Graph{
		specs:      make(map[string]WorkerSpec, len(specs)),
		declared:   make([]string, 0, len(specs)),
		dependents: make(map[string][]string, len(specs)),
	}
	for i, raw := range specs {
		spec, err := raw.Normalize()
		if err != nil {
			return nil, invalidf(raw.Name, "workers[%d]: %v", i, err)
		}
		if _, dup := g.specs[spec.Name]; dup {
			return nil, &ConfigError{Kind: ErrDuplicateWorker, Worker: spec.Name}
		}
		g.specs[spec.Name] = spec
		g.declared = append(g.declared, spec.Name)
	}
	for _, name := range g.declared {
		for _, dep := range g.specs[name].DependsOn {
			if _, ok := g.specs[dep]; !ok {
				return nil, &ConfigError{Kind: ErrUnknownDependency, Worker: name, Msg: dep}
			}
			g.dependents[dep] = append(g.dependents[dep], name)
		}
	}
	for _, deps := range g.dependents {
		if len(deps) > 1 {
			sort.Strings(deps)
		}
	}
	order, err := g.topoOrder()
	if err != nil {
		return nil, err
	}
	g.order = order
	return g, nil
}

const (
	unvisited = iota
	inProgress
	done
)

// topoOrder walks the graph depth-first in declaration order. Reaching an
// in-progress node means a back edge, which is reported with its cycle path.
func (g *Graph) topoOrder() ([]string, error) {
	mark := make(map[string]int, len(g.specs))
	stack := make([]string, 0, len(g.specs))
	order := make([]string, 0, len(g.specs))
	var visit func(string) error
	visit = func(name string) error {
		switch mark[name] {
		case done:
			return nil
		case inProgress:
			return cycleError(cyclePath(stack, name))
		}
		mark[name] = inProgress
		stack = append(stack, name)
		for _, dep := range g.specs[name].DependsOn {
			if err := visit(dep); err != nil {
				return err
			}
		}
		stack = stack[:len(stack)-1]
		mark[name] = done
		order = append(order, name)
		return nil
	}
	for _, name := range g.declared {
		if err := visit(name); err != nil {
			return nil, err
		}
	}
	return order, nil
}

func cyclePath(stack []string, closing string) []string {
	start := len(stack) - 1
	for start >= 0 && stack[start] != closing {
		start--
	}
	if start < 0 {
		return []string{closing, closing}
	}
	path := append([]string(nil), stack[start:]...)
	return append(path, closing)
}

// IsSatisfied reports whether every declared dependency of name is in live.
// Unknown names are never satisfied.
func (g *Graph) IsSatisfied(name string, live LiveSet) bool {
	spec, ok := g.specs[name]
	if !ok {
		return false
	}
	for _, dep := range spec.DependsOn {
		if !live.Has(dep) {
			return false
		}
	}
	return true
}

// Missing lists the dependencies of name that are absent from live, sorted.
func (g *Graph) Missing(name string, live LiveSet) []string {
	spec, ok := g.specs[name]
	if !ok || len(spec.DependsOn) == 0 {
		return nil
	}
	var blockers []string
	for _, dep := range spec.DependsOn {
		if !live.Has(dep) {
			blockers = append(blockers, dep)
		}
	}
	sort.Strings(blockers)
	return blockers
}

// Order returns worker names with every dependency ahead of its dependents.
// Independent workers keep their declaration order.
func (g *Graph) Order() []string {
	return append([]string(nil), g.order...)
}

// Spec looks up a worker by name.
func (g *Graph) Spec(name string) (WorkerSpec, bool) {
	spec, ok := g.specs[name]
	return spec, ok
}

// Specs returns the worker specs in topological order.
func (g *Graph) Specs() []WorkerSpec {
	out := make([]WorkerSpec, 0, len(g.order))
	for _, name := range g.order {
		out = append(out, g.specs[name])
	}
	return out
}

// Dependents returns the workers that declare name as a dependency.
func (g *Graph) Dependents(name string) []string {
	return append([]string(nil), g.dependents[name]...)
}

// Len returns the number of workers in the graph.
func (g *Graph) Len() int {
	return len(g.specs)
}
