package publish

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stagehand-cms/stagehand/internal/keyValStore"
	"github.com/stagehand-cms/stagehand/pkg/graph"
	"github.com/stagehand-cms/stagehand/pkg/overlay"
	"github.com/stagehand-cms/stagehand/pkg/workspace"
)

type testEnv struct {
	kv         *keyValStore.KeyValStore
	workspaces *workspace.Store
	store      *overlay.Store
	engine     *Engine
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	kv, err := keyValStore.NewKeyValStore(keyValStore.StoreConfig{
		Paths:  []string{t.TempDir()},
		Logger: logger,
	})
	require.NoError(t, err)
	t.Cleanup(kv.Close)

	workspaces := workspace.NewStore(kv, logger)
	store := overlay.NewStore(kv, overlay.NewBaseStore(kv, logger), overlay.NewIgnoreMatcher(nil), logger)
	return &testEnv{
		kv:         kv,
		workspaces: workspaces,
		store:      store,
		engine:     NewEngine(kv, workspaces, store, nil, logger),
	}
}

func (env *testEnv) openWorkspace(t *testing.T, id string) context.Context {
	t.Helper()
	ws, err := env.workspaces.Create(id, id, "")
	require.NoError(t, err)
	return workspace.With(context.Background(), ws)
}

func TestPublishRevertRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	ctx := env.openWorkspace(t, "stage")

	_, err := env.store.Base().Write("config", "site.name", []byte(`"Live"`))
	require.NoError(t, err)
	require.NoError(t, env.store.Write(ctx, "config", "site.name", []byte(`"Draft"`)))

	rec, err := env.engine.Publish(ctx, "stage")
	require.NoError(t, err)
	require.Len(t, rec.Objects, 1)
	assert.NotEmpty(t, rec.Objects[0].RevertTo)

	// Base now serves the draft and the workspace is closed.
	got, err := env.store.Read(context.Background(), "config", "site.name")
	require.NoError(t, err)
	assert.Equal(t, []byte(`"Draft"`), got)

	ws, err := env.workspaces.Load("stage")
	require.NoError(t, err)
	assert.Equal(t, workspace.StatusClosed, ws.Status)

	require.NoError(t, env.engine.Revert(ctx, "stage"))

	// Base serves the pre-publish value again.
	got, err = env.store.Read(context.Background(), "config", "site.name")
	require.NoError(t, err)
	assert.Equal(t, []byte(`"Live"`), got)

	// The workspace reopened with its draft restored.
	ws, err = env.workspaces.Load("stage")
	require.NoError(t, err)
	assert.True(t, ws.IsOpen())

	got, err = env.store.Read(workspace.With(context.Background(), ws), "config", "site.name")
	require.NoError(t, err)
	assert.Equal(t, []byte(`"Draft"`), got)

	initial, err := env.store.InitialEntry("stage", "config", "site.name")
	require.NoError(t, err)
	assert.Equal(t, []byte(`"Live"`), initial.Payload)

	_, err = env.engine.LoadRecord("stage")
	assert.ErrorIs(t, err, ErrNoRecord)
}

func TestPublishNewKeyRevertRemovesIt(t *testing.T) {
	env := newTestEnv(t)
	ctx := env.openWorkspace(t, "stage")

	require.NoError(t, env.store.Write(ctx, "config", "brand.new", []byte(`1`)))

	rec, err := env.engine.Publish(ctx, "stage")
	require.NoError(t, err)
	assert.Empty(t, rec.Objects[0].RevertTo)

	_, err = env.store.Read(context.Background(), "config", "brand.new")
	require.NoError(t, err)

	require.NoError(t, env.engine.Revert(ctx, "stage"))
	_, err = env.store.Read(context.Background(), "config", "brand.new")
	assert.ErrorIs(t, err, overlay.ErrNotFound)
}

func TestPublishTombstoneDeletesFromBase(t *testing.T) {
	env := newTestEnv(t)
	ctx := env.openWorkspace(t, "stage")

	_, err := env.store.Base().Write("config", "old.key", []byte(`"bye"`))
	require.NoError(t, err)
	require.NoError(t, env.store.Delete(ctx, "config", "old.key"))

	_, err = env.engine.Publish(ctx, "stage")
	require.NoError(t, err)

	_, err = env.store.Read(context.Background(), "config", "old.key")
	assert.ErrorIs(t, err, overlay.ErrNotFound)

	require.NoError(t, env.engine.Revert(ctx, "stage"))
	got, err := env.store.Read(context.Background(), "config", "old.key")
	require.NoError(t, err)
	assert.Equal(t, []byte(`"bye"`), got)

	// The restored draft is still a pending deletion.
	ws, err := env.workspaces.Load("stage")
	require.NoError(t, err)
	_, err = env.store.Read(workspace.With(context.Background(), ws), "config", "old.key")
	assert.ErrorIs(t, err, overlay.ErrNotFound)
}

func TestPublishOrdersDependenciesFirst(t *testing.T) {
	env := newTestEnv(t)
	ctx := env.openWorkspace(t, "stage")

	require.NoError(t, env.store.Write(ctx, "node", "page-1", []byte(`{"parent":"section-1"}`)))
	require.NoError(t, env.store.Write(ctx, "node", "section-1", []byte(`{"title":"Sections"}`)))

	rec, err := env.engine.Publish(ctx, "stage")
	require.NoError(t, err)
	require.Len(t, rec.Objects, 2)
	assert.Equal(t, "section-1", rec.Objects[0].Key)
	assert.Equal(t, "page-1", rec.Objects[1].Key)
}

func TestOrderTrackedKeepsEqualKeysAcrossCollections(t *testing.T) {
	env := newTestEnv(t)
	ctx := env.openWorkspace(t, "stage")

	require.NoError(t, env.store.Write(ctx, "config", "shared", []byte(`1`)))
	require.NoError(t, env.store.Write(ctx, "node", "shared", []byte(`2`)))

	entries, err := env.store.TrackedEntries("stage")
	require.NoError(t, err)
	ordered, err := OrderTracked(nil, entries)
	require.NoError(t, err)
	require.Len(t, ordered, 2)

	refs := []string{
		ordered[0].Collection + ":" + ordered[0].Key,
		ordered[1].Collection + ":" + ordered[1].Key,
	}
	assert.ElementsMatch(t, []string{"config:shared", "node:shared"}, refs)
}

func TestPublishRejectsDependencyCycles(t *testing.T) {
	env := newTestEnv(t)
	ctx := env.openWorkspace(t, "stage")

	require.NoError(t, env.store.Write(ctx, "node", "a", []byte(`{"parent":"b"}`)))
	require.NoError(t, env.store.Write(ctx, "node", "b", []byte(`{"parent":"a"}`)))

	_, err := env.engine.Publish(ctx, "stage")
	var perr *PublicationError
	require.ErrorAs(t, err, &perr)
	var cycle *graph.CycleError
	assert.ErrorAs(t, err, &cycle)

	// Nothing was promoted and the workspace stayed open.
	ws, err := env.workspaces.Load("stage")
	require.NoError(t, err)
	assert.True(t, ws.IsOpen())
}

func TestPublishClosedWorkspaceFails(t *testing.T) {
	env := newTestEnv(t)
	ctx := env.openWorkspace(t, "stage")

	require.NoError(t, env.store.Write(ctx, "config", "k", []byte(`1`)))
	_, err := env.engine.Publish(ctx, "stage")
	require.NoError(t, err)

	_, err = env.engine.Publish(ctx, "stage")
	var perr *PublicationError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, OpPublish, perr.Op)
}

func TestRevertWithoutRecordFails(t *testing.T) {
	env := newTestEnv(t)
	env.openWorkspace(t, "stage")

	err := env.engine.Revert(context.Background(), "stage")
	assert.ErrorIs(t, err, ErrNoRecord)
}

func TestHooksRunAfterCommit(t *testing.T) {
	env := newTestEnv(t)
	ctx := env.openWorkspace(t, "stage")

	var calls []string
	env.engine.RegisterHook(func(ctx context.Context, op string, rec *Record) error {
		// The commit is visible from inside the hook.
		_, err := env.store.Read(context.Background(), "config", "k")
		assert.NoError(t, err)
		calls = append(calls, op)
		return assert.AnError
	})

	require.NoError(t, env.store.Write(ctx, "config", "k", []byte(`1`)))

	// Hook failures never unwind the publish.
	_, err := env.engine.Publish(ctx, "stage")
	require.NoError(t, err)
	require.NoError(t, env.engine.Revert(ctx, "stage"))

	assert.Equal(t, []string{OpPublish, OpRevert}, calls)
}

func TestSquashQueueRemovesOnlyUnprotectedRevisions(t *testing.T) {
	env := newTestEnv(t)
	base := env.store.Base()
	queue := NewSquashQueue(env.kv, base, time.Millisecond, nil)
	env.engine.SetSquashQueue(queue)

	ctx := env.openWorkspace(t, "stage")

	// Two base revisions exist before the publish; only the older one is
	// fair game afterwards.
	old, err := base.Write("config", "site.name", []byte(`"v1"`))
	require.NoError(t, err)
	prePublish, err := base.Write("config", "site.name", []byte(`"v2"`))
	require.NoError(t, err)

	require.NoError(t, env.store.Write(ctx, "config", "site.name", []byte(`"v3"`)))
	rec, err := env.engine.Publish(ctx, "stage")
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, queue.ProcessDue())

	revs, err := base.Revisions("config", "site.name")
	require.NoError(t, err)
	assert.NotContains(t, revs, old)
	assert.Contains(t, revs, prePublish)
	assert.Contains(t, revs, rec.Objects[0].RevertFrom)

	// A revert still works after the squash.
	require.NoError(t, env.engine.Revert(ctx, "stage"))
	got, err := env.store.Read(context.Background(), "config", "site.name")
	require.NoError(t, err)
	assert.Equal(t, []byte(`"v2"`), got)
}
