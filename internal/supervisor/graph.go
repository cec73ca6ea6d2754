package supervisor

import (
	"slices"
	"strings"
)

// levels orders names into dependency levels with Kahn's algorithm. Every
// name in level k depends only on names in levels < k. Ties keep declaration
// order. deps must only reference known names. When a cycle exists the
// remaining names are returned as cycle.
func levels(names []string, deps map[string][]string) (out [][]string, cycle []string) {
	indeg := make(map[string]int, len(names))
	dependents := make(map[string][]string, len(names))
	for _, n := range names {
		indeg[n] = len(deps[n])
		for _, d := range deps[n] {
			dependents[d] = append(dependents[d], n)
		}
	}
	pos := make(map[string]int, len(names))
	for i, n := range names {
		pos[n] = i
	}

	var ready []string
	for _, n := range names {
		if indeg[n] == 0 {
			ready = append(ready, n)
		}
	}
	placed := 0
	for len(ready) > 0 {
		out = append(out, ready)
		placed += len(ready)
		var next []string
		for _, n := range ready {
			for _, m := range dependents[n] {
				indeg[m]--
				if indeg[m] == 0 {
					next = append(next, m)
				}
			}
		}
		slices.SortFunc(next, func(a, b string) int { return pos[a] - pos[b] })
		ready = next
	}
	if placed < len(names) {
		for _, n := range names {
			if indeg[n] > 0 {
				cycle = append(cycle, n)
			}
		}
	}
	return out, cycle
}

// closure returns name and everything it transitively depends on, ordered so
// that dependencies come first.
func closure(name string, deps map[string][]string, order [][]string) []string {
	need := map[string]bool{}
	var visit func(string)
	visit = func(n string) {
		if need[n] {
			return
		}
		need[n] = true
		for _, d := range deps[n] {
			visit(d)
		}
	}
	visit(name)
	var out []string
	for _, lvl := range order {
		for _, n := range lvl {
			if need[n] {
				out = append(out, n)
			}
		}
	}
	return out
}

func describeCycle(names []string) string {
	return "dependency cycle among " + strings.Join(names, ", ")
}
