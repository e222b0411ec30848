// Package graph builds per-operation dependency graphs over tracked objects
// and orders them so that every dependency precedes its dependents. Publish
// and export both run on it.
package graph

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Graph is a directed dependency graph keyed by object id. An edge from A to
// B means A depends on B: B has to be handled first.
type Graph struct {
	nodes map[string]*node
	order []string
}

type node struct {
	id     string
	weight int
	edges  map[string]struct{}
}

func New() *Graph {
	return &Graph{nodes: make(map[string]*node)}
}

// AddNode registers an object. Adding an existing id updates its weight.
func (g *Graph) AddNode(id string, weight int) {
	if n, ok := g.nodes[id]; ok {
		n.weight = weight
		return
	}
	g.nodes[id] = &node{id: id, weight: weight, edges: make(map[string]struct{})}
	g.order = append(g.order, id)
}

// AddEdge records that from depends on to. Edges to unknown nodes are kept;
// they only take part in ordering once the target node is added.
func (g *Graph) AddEdge(from, to string) {
	if from == to {
		return
	}
	n, ok := g.nodes[from]
	if !ok {
		g.AddNode(from, 0)
		n = g.nodes[from]
	}
	n.edges[to] = struct{}{}
}

// Has reports whether an id is a registered node.
func (g *Graph) Has(id string) bool {
	_, ok := g.nodes[id]
	return ok
}

// Len returns the number of registered nodes.
func (g *Graph) Len() int {
	return len(g.nodes)
}

// Reference field names the default scanner collects object ids from.
const (
	fieldParent    = "parent"
	fieldTarget    = "target_uuid"
	fieldAliasedTo = "aliased_to"
)

// RefScanner enumerates the ids an object's payload references, so the graph
// stays independent of any particular payload schema.
type RefScanner func(payload []byte) ([]string, error)

// DefaultScanner walks a JSON payload and collects every string value held
// under a reference field name, at any nesting depth. Non-JSON payloads
// contribute no edges.
func DefaultScanner(payload []byte) ([]string, error) {
	var doc interface{}
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, nil
	}
	var refs []string
	collectRefs(doc, &refs)
	return refs, nil
}

func collectRefs(doc interface{}, refs *[]string) {
	switch v := doc.(type) {
	case map[string]interface{}:
		for key, val := range v {
			if key == fieldParent || key == fieldTarget || key == fieldAliasedTo {
				if s, ok := val.(string); ok && s != "" {
					*refs = append(*refs, s)
				}
			}
			collectRefs(val, refs)
		}
	case []interface{}:
		for _, item := range v {
			collectRefs(item, refs)
		}
	}
}

// Object is one tracked object handed to the builder.
type Object struct {
	ID      string
	Weight  int
	Payload []byte
}

// Builder constructs a dependency graph from a set of tracked objects.
type Builder struct {
	scan RefScanner
}

func NewBuilder(scan RefScanner) *Builder {
	if scan == nil {
		scan = DefaultScanner
	}
	return &Builder{scan: scan}
}

// Build registers every object as a node and every scanned reference to
// another object in the set as an edge. References to objects outside the
// set are dropped: they resolve against the base store, not this operation.
func (b *Builder) Build(objects []Object) (*Graph, error) {
	g := New()
	for _, obj := range objects {
		g.AddNode(obj.ID, obj.Weight)
	}
	for _, obj := range objects {
		refs, err := b.scan(obj.Payload)
		if err != nil {
			return nil, fmt.Errorf("scanning references of %q: %w", obj.ID, err)
		}
		for _, ref := range refs {
			if g.Has(ref) {
				g.AddEdge(obj.ID, ref)
			}
		}
	}
	return g, nil
}

func (g *Graph) sortedIDs() []string {
	ids := make([]string, len(g.order))
	copy(ids, g.order)
	sort.Strings(ids)
	return ids
}
