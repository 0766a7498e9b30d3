package operations

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Registry collects asset definitions before the graph is built
type Registry struct {
	mu     sync.RWMutex
	assets map[string]Asset
	order  []string // registration order
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		assets: make(map[string]Asset),
		order:  make([]string, 0),
	}
}

// Register adds an asset to the registry
func (r *Registry) Register(asset Asset) error {
	if asset == nil {
		return fmt.Errorf("cannot register nil asset")
	}

	name := asset.Name()
	if name == "" {
		return fmt.Errorf("asset name cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.assets[name]; exists {
		return fmt.Errorf("asset %s already registered", name)
	}

	r.assets[name] = asset
	r.order = append(r.order, name)
	return nil
}

// MustRegister registers every asset and panics on the first error. It is
// meant for static definitions assembled at startup.
func (r *Registry) MustRegister(assets ...Asset) {
	for _, a := range assets {
		if err := r.Register(a); err != nil {
			panic(err)
		}
	}
}

// Build validates the registered definitions and returns the immutable
// graph. Unknown dependencies, pins on unpartitioned upstreams and cycles
// are rejected here rather than at run time.
func (r *Registry) Build() (*Graph, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	g := &Graph{
		assets:     make(map[string]Asset, len(r.assets)),
		index:      make(map[string]int, len(r.assets)),
		dependents: make(map[string][]edge, len(r.assets)),
	}

	indegree := make(map[string]int, len(r.assets))
	for _, name := range r.order {
		a := r.assets[name]
		g.assets[name] = a
		seen := make(map[string]bool)
		for _, dep := range a.Dependencies() {
			up, ok := r.assets[dep.Asset]
			if !ok {
				return nil, fmt.Errorf("asset %s depends on %w %q", name, ErrUnknownAsset, dep.Asset)
			}
			if dep.Asset == name {
				return nil, fmt.Errorf("%w: %s depends on itself", ErrCycle, name)
			}
			if dep.Partition != "" && !up.Partitioned() {
				return nil, fmt.Errorf("asset %s pins partition %s of unpartitioned asset %s", name, dep.Partition, dep.Asset)
			}
			g.dependents[dep.Asset] = append(g.dependents[dep.Asset], edge{dependent: name, ref: dep})
			if !seen[dep.Asset] {
				seen[dep.Asset] = true
				indegree[name]++
			}
		}
	}

	// Kahn's algorithm; among ready assets the earliest registered goes first.
	position := make(map[string]int, len(r.order))
	for i, name := range r.order {
		position[name] = i
	}
	var ready []string
	for _, name := range r.order {
		if indegree[name] == 0 {
			ready = append(ready, name)
		}
	}
	for len(ready) > 0 {
		name := ready[0]
		ready = ready[1:]
		g.index[name] = len(g.order)
		g.order = append(g.order, name)

		released := false
		for _, d := range g.uniqueDependents(name) {
			indegree[d]--
			if indegree[d] == 0 {
				ready = append(ready, d)
				released = true
			}
		}
		if released {
			sort.SliceStable(ready, func(i, j int) bool { return position[ready[i]] < position[ready[j]] })
		}
	}

	if len(g.order) != len(r.order) {
		var stuck []string
		for _, name := range r.order {
			if _, ok := g.index[name]; !ok {
				stuck = append(stuck, name)
			}
		}
		return nil, fmt.Errorf("%w among %s", ErrCycle, strings.Join(stuck, ", "))
	}

	return g, nil
}

type edge struct {
	dependent string
	ref       AssetRef
}

// Graph is the validated, immutable asset graph
type Graph struct {
	assets     map[string]Asset
	order      []string
	index      map[string]int
	dependents map[string][]edge
}

// Asset returns the named asset
func (g *Graph) Asset(name string) (Asset, bool) {
	a, ok := g.assets[name]
	return a, ok
}

// Order returns asset names in topological order
func (g *Graph) Order() []string {
	return append([]string(nil), g.order...)
}

// Position returns the topological index of name, or -1.
func (g *Graph) Position(name string) int {
	if i, ok := g.index[name]; ok {
		return i
	}
	return -1
}

// Roots returns assets without dependencies, in topological order
func (g *Graph) Roots() []string {
	var roots []string
	for _, name := range g.order {
		if len(g.assets[name].Dependencies()) == 0 {
			roots = append(roots, name)
		}
	}
	return roots
}

// Dependents returns the direct dependents of name in topological order
func (g *Graph) Dependents(name string) []string {
	deps := g.uniqueDependents(name)
	sort.SliceStable(deps, func(i, j int) bool { return g.Position(deps[i]) < g.Position(deps[j]) })
	return deps
}

// Upstream returns the direct dependencies of name
func (g *Graph) Upstream(name string) []string {
	a, ok := g.assets[name]
	if !ok {
		return nil
	}
	var out []string
	seen := make(map[string]bool)
	for _, d := range a.Dependencies() {
		if !seen[d.Asset] {
			seen[d.Asset] = true
			out = append(out, d.Asset)
		}
	}
	return out
}

// Downstream returns every transitive dependent of name in topological order
func (g *Graph) Downstream(name string) []string {
	seen := make(map[string]bool)
	stack := []string{name}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, d := range g.uniqueDependents(cur) {
			if !seen[d] {
				seen[d] = true
				stack = append(stack, d)
			}
		}
	}

	var out []string
	for _, n := range g.order {
		if seen[n] {
			out = append(out, n)
		}
	}
	return out
}

func (g *Graph) uniqueDependents(name string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, e := range g.dependents[name] {
		if !seen[e.dependent] {
			seen[e.dependent] = true
			out = append(out, e.dependent)
		}
	}
	return out
}

func (g *Graph) edgesFrom(name string) []edge {
	return g.dependents[name]
}
