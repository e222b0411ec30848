package overlay

import (
	"context"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stagehand-cms/stagehand/internal/keyValStore"
	"github.com/stagehand-cms/stagehand/pkg/workspace"
)

func newTestStore(t *testing.T, ignored ...string) (*Store, *keyValStore.KeyValStore) {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	kv, err := keyValStore.NewKeyValStore(keyValStore.StoreConfig{
		Paths:  []string{t.TempDir()},
		Logger: logger,
	})
	require.NoError(t, err)
	t.Cleanup(kv.Close)
	base := NewBaseStore(kv, logger)
	return NewStore(kv, base, NewIgnoreMatcher(ignored), logger), kv
}

func wsCtx(id string) context.Context {
	return workspace.With(context.Background(), &workspace.Workspace{
		ID:     id,
		Status: workspace.StatusOpen,
	})
}

func TestReadFallsBackToBase(t *testing.T) {
	store, _ := newTestStore(t)
	_, err := store.Base().Write("config", "site.name", []byte(`"Live"`))
	require.NoError(t, err)

	got, err := store.Read(wsCtx("stage"), "config", "site.name")
	require.NoError(t, err)
	assert.Equal(t, []byte(`"Live"`), got)
}

func TestWriteIsCopyOnWrite(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := wsCtx("stage")

	_, err := store.Base().Write("config", "site.name", []byte(`"Original"`))
	require.NoError(t, err)

	require.NoError(t, store.Write(ctx, "config", "site.name", []byte(`"Draft 1"`)))
	require.NoError(t, store.Write(ctx, "config", "site.name", []byte(`"Draft 2"`)))

	// The overlay serves the draft, the base still serves the original.
	got, err := store.Read(ctx, "config", "site.name")
	require.NoError(t, err)
	assert.Equal(t, []byte(`"Draft 2"`), got)

	got, err = store.Read(context.Background(), "config", "site.name")
	require.NoError(t, err)
	assert.Equal(t, []byte(`"Original"`), got)

	// The initial snapshot is taken on first write and never moves.
	initial, err := store.InitialEntry("stage", "config", "site.name")
	require.NoError(t, err)
	assert.Equal(t, []byte(`"Original"`), initial.Payload)
	assert.False(t, initial.Missing)
}

func TestCorruptedOverlayEntryFallsBackToBase(t *testing.T) {
	store, kv := newTestStore(t)
	ctx := wsCtx("stage")

	_, err := store.Base().Write("config", "site.name", []byte(`"Live"`))
	require.NoError(t, err)

	// A garbage entry in the overlay must not take the key down.
	require.NoError(t, kv.Write(curKey("stage", "config", "site.name"), []byte("not an entry")))

	got, err := store.Read(ctx, "config", "site.name")
	require.NoError(t, err)
	assert.Equal(t, []byte(`"Live"`), got)
}

func TestWriteManyTracksAllKeys(t *testing.T) {
	store, _ := newTestStore(t, "system.cron.*")
	ctx := wsCtx("stage")

	_, err := store.Base().Write("config", "a", []byte(`"old"`))
	require.NoError(t, err)

	require.NoError(t, store.WriteMany(ctx, "config", map[string][]byte{
		"a":                []byte(`1`),
		"b":                []byte(`2`),
		"system.cron.last": []byte(`3`),
	}))

	entries, err := store.TrackedCollection("stage", "config")
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	initial, err := store.InitialEntry("stage", "config", "a")
	require.NoError(t, err)
	assert.Equal(t, []byte(`"old"`), initial.Payload)

	// The ignored key went straight to the base store in the same call.
	got, err := store.Read(context.Background(), "config", "system.cron.last")
	require.NoError(t, err)
	assert.Equal(t, []byte(`3`), got)
}

func TestInitialSnapshotOfMissingKey(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := wsCtx("stage")

	require.NoError(t, store.Write(ctx, "config", "brand.new", []byte(`1`)))

	initial, err := store.InitialEntry("stage", "config", "brand.new")
	require.NoError(t, err)
	assert.True(t, initial.Missing)
	assert.Nil(t, initial.Payload)
}

func TestDeleteWritesTombstone(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := wsCtx("stage")

	_, err := store.Base().Write("config", "site.name", []byte(`"Live"`))
	require.NoError(t, err)

	require.NoError(t, store.Delete(ctx, "config", "site.name"))

	_, err = store.Read(ctx, "config", "site.name")
	assert.ErrorIs(t, err, ErrNotFound)

	// Base is untouched until publish.
	got, err := store.Read(context.Background(), "config", "site.name")
	require.NoError(t, err)
	assert.Equal(t, []byte(`"Live"`), got)
}

func TestIgnoredKeysBypassOverlay(t *testing.T) {
	store, _ := newTestStore(t, "system.cron.*", "maintenance.")
	ctx := wsCtx("stage")

	require.NoError(t, store.Write(ctx, "config", "system.cron.last", []byte(`42`)))
	require.NoError(t, store.Write(ctx, "config", "maintenance.window", []byte(`"night"`)))

	// Both writes went straight to the base store.
	entries, err := store.TrackedEntries("stage")
	require.NoError(t, err)
	assert.Empty(t, entries)

	got, err := store.Read(context.Background(), "config", "system.cron.last")
	require.NoError(t, err)
	assert.Equal(t, []byte(`42`), got)
}

func TestClosedWorkspaceRejectsWrites(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := workspace.With(context.Background(), &workspace.Workspace{
		ID:     "stage",
		Status: workspace.StatusClosed,
	})

	// A closed workspace is never active, so the write lands in base.
	require.NoError(t, store.Write(ctx, "config", "site.name", []byte(`"x"`)))
	entries, err := store.TrackedEntries("stage")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestListKeysMergesOverlayAndBase(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := wsCtx("stage")

	_, err := store.Base().Write("config", "a", []byte(`1`))
	require.NoError(t, err)
	_, err = store.Base().Write("config", "b", []byte(`2`))
	require.NoError(t, err)

	require.NoError(t, store.Write(ctx, "config", "c", []byte(`3`)))
	require.NoError(t, store.Delete(ctx, "config", "b"))

	keys, err := store.ListKeys(ctx, "config", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c"}, keys)

	baseKeys, err := store.ListKeys(context.Background(), "config", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, baseKeys)
}

func TestBaseRevisions(t *testing.T) {
	store, _ := newTestStore(t)
	base := store.Base()

	rev1, err := base.Write("config", "site.name", []byte(`"v1"`))
	require.NoError(t, err)
	rev2, err := base.Write("config", "site.name", []byte(`"v2"`))
	require.NoError(t, err)

	live, err := base.LiveRevision("config", "site.name")
	require.NoError(t, err)
	assert.Equal(t, rev2, live)

	payload, deleted, err := base.RevisionPayload("config", "site.name", rev1)
	require.NoError(t, err)
	assert.False(t, deleted)
	assert.Equal(t, []byte(`"v1"`), payload)

	// The live revision cannot be removed.
	assert.Error(t, base.DeleteRevision("config", "site.name", rev2))
	require.NoError(t, base.DeleteRevision("config", "site.name", rev1))

	revs, err := base.Revisions("config", "site.name")
	require.NoError(t, err)
	assert.Equal(t, []string{rev2}, revs)
}

func TestIgnoreMatcher(t *testing.T) {
	m := NewIgnoreMatcher([]string{"exact.key", "wild.*", "short."})

	assert.True(t, m.Match("exact.key"))
	assert.False(t, m.Match("exact.key.sub"))
	assert.True(t, m.Match("wild.anything"))
	assert.True(t, m.Match("short.sub"))
	assert.False(t, m.Match("other"))
}
