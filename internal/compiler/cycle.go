package compiler

import (
	"fmt"
	"strings"

	"github.com/roach88/martsync/internal/ir"
)

// Cycle is a set of dimensions/tables that read each other.
type Cycle struct {
	Path    []string `json:"path"` // ["a", "b", "a"]
	Message string   `json:"message"`
}

// dependencyGraph maps a relation to the derived relations it reads.
// Sources are leaves and never appear as nodes.
type dependencyGraph struct {
	order []string // declaration order, for deterministic output
	deps  map[string][]string
}

// buildDependencyGraph records, for every dimension and table, the derived
// relations it reads through from, joins and forecast.
func buildDependencyGraph(p *ir.Project) dependencyGraph {
	g := dependencyGraph{deps: make(map[string][]string)}

	derived := make(map[string]bool)
	for _, d := range p.Dimensions {
		derived[d.Name] = true
	}
	for _, t := range p.Tables {
		derived[t.Name] = true
	}

	add := func(node, dep string) {
		if !derived[dep] {
			return
		}
		for _, existing := range g.deps[node] {
			if existing == dep {
				return
			}
		}
		g.deps[node] = append(g.deps[node], dep)
	}

	for _, d := range p.Dimensions {
		g.order = append(g.order, d.Name)
		g.deps[d.Name] = []string{}
		add(d.Name, d.From)
	}
	for _, t := range p.Tables {
		g.order = append(g.order, t.Name)
		g.deps[t.Name] = []string{}
		add(t.Name, t.Aggregate.From)
		for _, j := range t.Aggregate.Joins {
			add(t.Name, j.Table)
		}
		if t.Forecast != nil {
			add(t.Name, t.Forecast.From)
		}
	}
	return g
}

// AnalyzeDependencies groups dimensions and tables into dependency levels.
// Level 0 reads only sources; level n reads at least one relation of level
// n-1. Within a level, relations keep declaration order.
//
// Any strongly connected component (including a self-loop) is returned as
// a cycle and no levels are computed.
func AnalyzeDependencies(p *ir.Project) ([][]string, []Cycle) {
	g := buildDependencyGraph(p)

	var cycles []Cycle
	for _, scc := range tarjanSCC(g) {
		if len(scc) > 1 || hasSelfLoop(scc[0], g) {
			cycles = append(cycles, sccToCycle(scc, g))
		}
	}
	if len(cycles) > 0 {
		return nil, cycles
	}

	level := make(map[string]int)
	var depth func(string) int
	depth = func(n string) int {
		if l, ok := level[n]; ok {
			return l
		}
		l := 0
		for _, d := range g.deps[n] {
			l = max(l, depth(d)+1)
		}
		level[n] = l
		return l
	}

	var levels [][]string
	for _, n := range g.order {
		l := depth(n)
		for len(levels) <= l {
			levels = append(levels, nil)
		}
		levels[l] = append(levels[l], n)
	}
	return levels, nil
}

func hasSelfLoop(node string, g dependencyGraph) bool {
	for _, d := range g.deps[node] {
		if d == node {
			return true
		}
	}
	return false
}

// tarjanSCC finds strongly connected components using Tarjan's algorithm.
// Single-node SCCs without self-loops are not cycles.
func tarjanSCC(g dependencyGraph) [][]string {
	var (
		index   = 0
		stack   []string
		indices = make(map[string]int)
		lowlink = make(map[string]int)
		onStack = make(map[string]bool)
		sccs    [][]string
	)

	var strongConnect func(string)
	strongConnect = func(v string) {
		indices[v] = index
		lowlink[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range g.deps[v] {
			if _, visited := indices[w]; !visited {
				strongConnect(w)
				lowlink[v] = min(lowlink[v], lowlink[w])
			} else if onStack[w] {
				lowlink[v] = min(lowlink[v], indices[w])
			}
		}

		// v is a root node: pop the stack and emit an SCC
		if lowlink[v] == indices[v] {
			var scc []string
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				scc = append(scc, w)
				if w == v {
					break
				}
			}
			sccs = append(sccs, scc)
		}
	}

	for _, node := range g.order {
		if _, visited := indices[node]; !visited {
			strongConnect(node)
		}
	}
	return sccs
}

func sccToCycle(scc []string, g dependencyGraph) Cycle {
	if len(scc) == 1 {
		return Cycle{
			Path:    []string{scc[0], scc[0]},
			Message: fmt.Sprintf("%s reads itself", scc[0]),
		}
	}
	path := reconstructCyclePath(scc, g)
	return Cycle{
		Path:    path,
		Message: fmt.Sprintf("dependency cycle: %s", strings.Join(path, " -> ")),
	}
}

// reconstructCyclePath follows edges inside the SCC from its first member
// until it returns to it.
func reconstructCyclePath(scc []string, g dependencyGraph) []string {
	inSCC := make(map[string]bool, len(scc))
	for _, n := range scc {
		inSCC[n] = true
	}

	start := scc[0]
	current := start
	path := []string{current}
	visited := make(map[string]bool)

	for {
		visited[current] = true

		var next string
		for _, d := range g.deps[current] {
			if inSCC[d] && (!visited[d] || d == start) {
				next = d
				break
			}
		}
		if next == "" {
			break
		}
		path = append(path, next)
		if next == start {
			break
		}
		current = next
	}
	return path
}
