// Package menutree stores hierarchical navigation trees on top of the
// workspace overlay. Derived structure (depth, ancestors, descendants) is
// recomputed wholesale on every mutation, never patched incrementally.
package menutree

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/stagehand-cms/stagehand/pkg/overlay"
)

// DefaultCollection is the overlay collection trees live in.
const DefaultCollection = "menu_link"

// DefaultMaxDepth matches the deepest menu level the original system
// renders.
const DefaultMaxDepth = 9

// ErrNotFound is returned when a node id does not exist in the visible tree.
var ErrNotFound = fmt.Errorf("tree node not found")

// Node is one entry of a navigation tree. Depth, Ancestors, Descendants and
// HasChildren are derived and rewritten on every structural change.
type Node struct {
	ID          string    `json:"id"`
	Tree        string    `json:"tree"`
	Label       string    `json:"label,omitempty"`
	Parent      string    `json:"parent,omitempty"`
	Weight      int       `json:"weight"`
	Depth       int       `json:"depth"`
	Ancestors   []string  `json:"ancestors,omitempty"`
	Descendants []string  `json:"descendants,omitempty"`
	HasChildren bool      `json:"has_children"`
	ChangedAt   time.Time `json:"changed_at"`
}

// StructuralLimitError rejects a mutation that would break a tree invariant.
// Nothing is written when it is returned.
type StructuralLimitError struct {
	NodeID string
	Depth  int
	Limit  int
	Cycle  bool
}

func (e *StructuralLimitError) Error() string {
	if e.Cycle {
		return fmt.Sprintf("node %q would become its own ancestor", e.NodeID)
	}
	return fmt.Sprintf("node %q would reach depth %d, limit is %d", e.NodeID, e.Depth, e.Limit)
}

// Storage reads and mutates trees through the overlay store, so every
// change is workspace-scoped when a workspace is active.
type Storage struct {
	store      *overlay.Store
	collection string
	maxDepth   int
	log        *logrus.Logger
}

func NewStorage(store *overlay.Store, collection string, maxDepth int, logger *logrus.Logger) *Storage {
	if collection == "" {
		collection = DefaultCollection
	}
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Storage{store: store, collection: collection, maxDepth: maxDepth, log: logger}
}

// Collection returns the overlay collection this storage writes to.
func (s *Storage) Collection() string {
	return s.collection
}

// Load returns a single node with fresh derived fields.
func (s *Storage) Load(ctx context.Context, id string) (*Node, error) {
	nodes, err := s.loadAll(ctx)
	if err != nil {
		return nil, err
	}
	node, ok := nodes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	if _, err := recompute(nodes, s.maxDepth); err != nil {
		return nil, err
	}
	return node, nil
}

// LoadTree returns every node of one tree, sorted by (depth, weight, id),
// with derived fields recomputed.
func (s *Storage) LoadTree(ctx context.Context, tree string) ([]*Node, error) {
	nodes, err := s.loadAll(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := recompute(nodes, s.maxDepth); err != nil {
		return nil, err
	}
	var out []*Node
	for _, node := range nodes {
		if node.Tree == tree {
			out = append(out, node)
		}
	}
	sortNodes(out)
	return out, nil
}

// Save inserts or moves a node. The whole visible tree is recomputed first;
// if the result would exceed the depth limit or introduce a cycle, nothing
// is written.
func (s *Storage) Save(ctx context.Context, node *Node) error {
	if node.ID == "" {
		return fmt.Errorf("tree node id must not be empty")
	}
	if node.Tree == "" {
		return fmt.Errorf("tree node %q has no tree name", node.ID)
	}
	nodes, err := s.loadAll(ctx)
	if err != nil {
		return err
	}
	nodes[node.ID] = node

	changed, err := recompute(nodes, s.maxDepth)
	if err != nil {
		return err
	}
	changed[node.ID] = struct{}{}
	return s.persist(ctx, nodes, changed)
}

// Delete removes a node and re-parents its children to the node's former
// parent, so no subtree is ever orphaned.
func (s *Storage) Delete(ctx context.Context, id string) error {
	nodes, err := s.loadAll(ctx)
	if err != nil {
		return err
	}
	node, ok := nodes[id]
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, id)
	}

	reparented := make(map[string]struct{})
	for _, child := range nodes {
		if child.Parent == id {
			child.Parent = node.Parent
			reparented[child.ID] = struct{}{}
		}
	}
	delete(nodes, id)

	changed, err := recompute(nodes, s.maxDepth)
	if err != nil {
		return err
	}
	for cid := range reparented {
		changed[cid] = struct{}{}
	}
	if err := s.persist(ctx, nodes, changed); err != nil {
		return err
	}
	return s.store.Delete(ctx, s.collection, id)
}

func (s *Storage) loadAll(ctx context.Context) (map[string]*Node, error) {
	keys, err := s.store.ListKeys(ctx, s.collection, "")
	if err != nil {
		return nil, fmt.Errorf("listing tree nodes: %w", err)
	}
	nodes := make(map[string]*Node, len(keys))
	for _, key := range keys {
		data, err := s.store.Read(ctx, s.collection, key)
		if err != nil {
			return nil, fmt.Errorf("reading tree node %q: %w", key, err)
		}
		node, err := decodeNode(data)
		if err != nil {
			s.log.Warnf("skipping corrupted tree node %q: %v", key, err)
			continue
		}
		nodes[node.ID] = node
	}
	return nodes, nil
}

// persist writes every changed node in one transaction, so a partial
// failure cannot leave half the tree with stale derived fields.
func (s *Storage) persist(ctx context.Context, nodes map[string]*Node, changed map[string]struct{}) error {
	values := make(map[string][]byte, len(changed))
	for id := range changed {
		node, ok := nodes[id]
		if !ok {
			continue
		}
		node.ChangedAt = time.Now().UTC()
		data, err := json.Marshal(node)
		if err != nil {
			return fmt.Errorf("encoding tree node %q: %w", id, err)
		}
		values[id] = data
	}
	if err := s.store.WriteMany(ctx, s.collection, values); err != nil {
		return fmt.Errorf("writing tree nodes: %w", err)
	}
	return nil
}

// recompute rewrites depth, ancestors, descendants and the child hint of
// every node, failing before any field is committed if a node would exceed
// maxDepth or sit inside a parent cycle. It returns the ids whose derived
// fields actually changed.
func recompute(nodes map[string]*Node, maxDepth int) (map[string]struct{}, error) {
	ancestors := make(map[string][]string, len(nodes))

	var chain func(id string, seen map[string]bool) ([]string, error)
	chain = func(id string, seen map[string]bool) ([]string, error) {
		if cached, ok := ancestors[id]; ok {
			return cached, nil
		}
		if seen[id] {
			return nil, &StructuralLimitError{NodeID: id, Cycle: true}
		}
		seen[id] = true

		node := nodes[id]
		var line []string
		if node.Parent != "" {
			parent, ok := nodes[node.Parent]
			if ok {
				parentLine, err := chain(parent.ID, seen)
				if err != nil {
					return nil, err
				}
				line = append(append(line, parentLine...), parent.ID)
			}
			// A parent outside the visible tree makes the node a root.
		}
		ancestors[id] = line
		return line, nil
	}

	for id := range nodes {
		line, err := chain(id, make(map[string]bool))
		if err != nil {
			return nil, err
		}
		if depth := len(line) + 1; depth > maxDepth {
			return nil, &StructuralLimitError{NodeID: id, Depth: depth, Limit: maxDepth}
		}
	}

	descendants := make(map[string][]string, len(nodes))
	children := make(map[string]bool, len(nodes))
	for id, line := range ancestors {
		for _, ancestor := range line {
			descendants[ancestor] = append(descendants[ancestor], id)
		}
		if len(line) > 0 {
			children[line[len(line)-1]] = true
		}
	}

	changed := make(map[string]struct{})
	for id, node := range nodes {
		line := ancestors[id]
		desc := descendants[id]
		sort.Strings(desc)
		if !equalStrings(node.Ancestors, line) ||
			!equalStrings(node.Descendants, desc) ||
			node.Depth != len(line)+1 ||
			node.HasChildren != children[id] {
			changed[id] = struct{}{}
		}
		node.Ancestors = line
		node.Descendants = desc
		node.Depth = len(line) + 1
		node.HasChildren = children[id]
	}
	return changed, nil
}

func sortNodes(nodes []*Node) {
	sort.Slice(nodes, func(i, j int) bool {
		if nodes[i].Tree != nodes[j].Tree {
			return nodes[i].Tree < nodes[j].Tree
		}
		if nodes[i].Depth != nodes[j].Depth {
			return nodes[i].Depth < nodes[j].Depth
		}
		if nodes[i].Weight != nodes[j].Weight {
			return nodes[i].Weight < nodes[j].Weight
		}
		return nodes[i].ID < nodes[j].ID
	})
}

func decodeNode(data []byte) (*Node, error) {
	var node Node
	if err := json.Unmarshal(data, &node); err != nil {
		return nil, err
	}
	return &node, nil
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
