package menutree

import (
	"context"
	"encoding/json"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stagehand-cms/stagehand/internal/keyValStore"
	"github.com/stagehand-cms/stagehand/pkg/overlay"
	"github.com/stagehand-cms/stagehand/pkg/workspace"
)

func newTestStorage(t *testing.T, maxDepth int) (*Storage, *overlay.Store) {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	kv, err := keyValStore.NewKeyValStore(keyValStore.StoreConfig{
		Paths:  []string{t.TempDir()},
		Logger: logger,
	})
	require.NoError(t, err)
	t.Cleanup(kv.Close)
	store := overlay.NewStore(kv, overlay.NewBaseStore(kv, logger), overlay.NewIgnoreMatcher(nil), logger)
	return NewStorage(store, "", maxDepth, logger), store
}

func wsCtx(id string) context.Context {
	return workspace.With(context.Background(), &workspace.Workspace{
		ID:     id,
		Status: workspace.StatusOpen,
	})
}

func saveNode(t *testing.T, s *Storage, ctx context.Context, id, parent string, weight int) {
	t.Helper()
	require.NoError(t, s.Save(ctx, &Node{ID: id, Tree: "main", Parent: parent, Weight: weight}))
}

func TestDepthInvariant(t *testing.T) {
	storage, _ := newTestStorage(t, 0)
	ctx := wsCtx("stage")

	saveNode(t, storage, ctx, "A", "", 0)
	saveNode(t, storage, ctx, "B", "A", 0)
	saveNode(t, storage, ctx, "C", "B", 0)

	nodes, err := storage.LoadTree(ctx, "main")
	require.NoError(t, err)
	require.Len(t, nodes, 3)

	for _, node := range nodes {
		assert.Equal(t, len(node.Ancestors)+1, node.Depth, "node %s", node.ID)
		assert.NotContains(t, node.Ancestors, node.ID, "node %s", node.ID)
	}

	c, err := storage.Load(ctx, "C")
	require.NoError(t, err)
	assert.Equal(t, 3, c.Depth)
	assert.Equal(t, []string{"A", "B"}, c.Ancestors)

	a, err := storage.Load(ctx, "A")
	require.NoError(t, err)
	assert.True(t, a.HasChildren)
	assert.Equal(t, []string{"B", "C"}, a.Descendants)
}

func TestMaxDepthScenario(t *testing.T) {
	storage, _ := newTestStorage(t, 2)
	ctx := wsCtx("stage")

	saveNode(t, storage, ctx, "A", "", 0)
	saveNode(t, storage, ctx, "B", "A", 0)

	// C under B would sit at depth 3.
	err := storage.Save(ctx, &Node{ID: "C", Tree: "main", Parent: "B"})
	var limit *StructuralLimitError
	require.ErrorAs(t, err, &limit)
	assert.Equal(t, "C", limit.NodeID)
	assert.Equal(t, 3, limit.Depth)
	assert.Equal(t, 2, limit.Limit)

	// The rejected write left the tree untouched.
	nodes, err := storage.LoadTree(ctx, "main")
	require.NoError(t, err)
	assert.Len(t, nodes, 2)

	// Moving C in as a new root is fine.
	saveNode(t, storage, ctx, "C", "", 0)
	c, err := storage.Load(ctx, "C")
	require.NoError(t, err)
	assert.Equal(t, 1, c.Depth)

	// Moving A under one of its own descendants is a cycle.
	err = storage.Save(ctx, &Node{ID: "A", Tree: "main", Parent: "B"})
	require.ErrorAs(t, err, &limit)
	assert.True(t, limit.Cycle)
}

func TestMoveRejectionLeavesDescendantsUnchanged(t *testing.T) {
	storage, _ := newTestStorage(t, 3)
	ctx := wsCtx("stage")

	saveNode(t, storage, ctx, "root", "", 0)
	saveNode(t, storage, ctx, "mid", "root", 0)
	saveNode(t, storage, ctx, "leaf", "mid", 0)
	saveNode(t, storage, ctx, "other", "", 0)

	// Moving "mid" under "leaf"... is a cycle. Moving "other" under
	// "mid" is fine, but moving "mid" under "other" pushes "leaf" to
	// depth 4.
	saveNode(t, storage, ctx, "other", "root", 0)
	err := storage.Save(ctx, &Node{ID: "mid", Tree: "main", Parent: "other"})
	var limit *StructuralLimitError
	require.ErrorAs(t, err, &limit)
	assert.Equal(t, "leaf", limit.NodeID)

	mid, err := storage.Load(ctx, "mid")
	require.NoError(t, err)
	assert.Equal(t, "root", mid.Parent)
}

func TestDeleteReparentsChildren(t *testing.T) {
	storage, _ := newTestStorage(t, 0)
	ctx := wsCtx("stage")

	saveNode(t, storage, ctx, "A", "", 0)
	saveNode(t, storage, ctx, "B", "A", 0)
	saveNode(t, storage, ctx, "C", "B", 0)

	require.NoError(t, storage.Delete(ctx, "B"))

	c, err := storage.Load(ctx, "C")
	require.NoError(t, err)
	assert.Equal(t, "A", c.Parent)
	assert.Equal(t, 2, c.Depth)

	_, err = storage.Load(ctx, "B")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLoadTreeOrdering(t *testing.T) {
	storage, _ := newTestStorage(t, 0)
	ctx := wsCtx("stage")

	saveNode(t, storage, ctx, "z-root", "", 0)
	saveNode(t, storage, ctx, "a-child", "z-root", 10)
	saveNode(t, storage, ctx, "b-child", "z-root", -10)

	nodes, err := storage.LoadTree(ctx, "main")
	require.NoError(t, err)
	require.Len(t, nodes, 3)
	assert.Equal(t, "z-root", nodes[0].ID)
	assert.Equal(t, "b-child", nodes[1].ID)
	assert.Equal(t, "a-child", nodes[2].ID)
}

func TestRebuildReplaysMutationsOnBaseClone(t *testing.T) {
	storage, store := newTestStorage(t, 0)
	ws := &workspace.Workspace{ID: "stage", Status: workspace.StatusOpen}
	ctx := workspace.With(context.Background(), ws)

	// Base tree: home -> about.
	for _, n := range []*Node{
		{ID: "home", Tree: "main"},
		{ID: "about", Tree: "main", Parent: "home"},
	} {
		data, err := json.Marshal(n)
		require.NoError(t, err)
		_, err = store.Base().Write(storage.Collection(), n.ID, data)
		require.NoError(t, err)
	}

	// Workspace moves "about" to the root and adds a child under it.
	saveNode(t, storage, ctx, "about", "", 0)
	saveNode(t, storage, ctx, "team", "about", 0)

	rebuilder := NewRebuilder(storage, store, nil)
	require.NoError(t, rebuilder.MarkPending(ws.ID))

	ran, err := rebuilder.Rebuild(ctx, ws)
	require.NoError(t, err)
	assert.True(t, ran)

	flagged, err := rebuilder.NeedsRebuild(ws.ID)
	require.NoError(t, err)
	assert.False(t, flagged)

	about, err := storage.Load(ctx, "about")
	require.NoError(t, err)
	assert.Equal(t, 1, about.Depth)
	assert.Empty(t, about.Parent)

	team, err := storage.Load(ctx, "team")
	require.NoError(t, err)
	assert.Equal(t, []string{"about"}, team.Ancestors)
}
