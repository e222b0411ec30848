package graph

import (
	"fmt"
	"sort"
	"strings"
)

// CycleError reports a dependency cycle. The publication pipeline treats it
// as a structural error and fails the whole operation rather than breaking
// the cycle at an arbitrary edge.
type CycleError struct {
	Members []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle: %s", strings.Join(e.Members, " -> "))
}

const (
	colorWhite = iota
	colorGray
	colorBlack
)

// search computes, for every node, the full set of nodes it transitively
// depends on. It fails with a CycleError on the first cycle found.
func (g *Graph) search() (map[string]map[string]struct{}, error) {
	paths := make(map[string]map[string]struct{}, len(g.nodes))
	color := make(map[string]int, len(g.nodes))
	var stack []string

	var visit func(id string) error
	visit = func(id string) error {
		color[id] = colorGray
		stack = append(stack, id)

		deps := g.nodes[id].edges
		reached := make(map[string]struct{}, len(deps))
		for dep := range deps {
			if _, ok := g.nodes[dep]; !ok {
				continue
			}
			switch color[dep] {
			case colorGray:
				return cycleFrom(stack, dep)
			case colorWhite:
				if err := visit(dep); err != nil {
					return err
				}
			}
			reached[dep] = struct{}{}
			for ancestor := range paths[dep] {
				reached[ancestor] = struct{}{}
			}
		}

		paths[id] = reached
		color[id] = colorBlack
		stack = stack[:len(stack)-1]
		return nil
	}

	for _, id := range g.sortedIDs() {
		if color[id] == colorWhite {
			if err := visit(id); err != nil {
				return nil, err
			}
		}
	}
	return paths, nil
}

// cycleFrom cuts the current visit stack down to the loop itself.
func cycleFrom(stack []string, entry string) error {
	for i, id := range stack {
		if id == entry {
			members := make([]string, len(stack)-i)
			copy(members, stack[i:])
			return &CycleError{Members: members}
		}
	}
	return &CycleError{Members: []string{entry}}
}

// Sort returns every node in dependency order: an object always follows
// everything it depends on. Ties are broken by weight, then id, so the
// order is stable across runs.
func (g *Graph) Sort() ([]string, error) {
	paths, err := g.search()
	if err != nil {
		return nil, err
	}

	ids := g.sortedIDs()
	sort.SliceStable(ids, func(i, j int) bool {
		pi, pj := len(paths[ids[i]]), len(paths[ids[j]])
		if pi != pj {
			return pi < pj
		}
		wi, wj := g.nodes[ids[i]].weight, g.nodes[ids[j]].weight
		if wi != wj {
			return wi < wj
		}
		return ids[i] < ids[j]
	})
	return ids, nil
}

// Dependencies returns everything id transitively depends on.
func (g *Graph) Dependencies(id string) ([]string, error) {
	paths, err := g.search()
	if err != nil {
		return nil, err
	}
	return setToSorted(paths[id]), nil
}

// Dependents returns everything that transitively depends on id.
func (g *Graph) Dependents(id string) ([]string, error) {
	paths, err := g.search()
	if err != nil {
		return nil, err
	}
	var dependents []string
	for _, other := range g.sortedIDs() {
		if other == id {
			continue
		}
		if _, ok := paths[other][id]; ok {
			dependents = append(dependents, other)
		}
	}
	return dependents, nil
}

func setToSorted(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
