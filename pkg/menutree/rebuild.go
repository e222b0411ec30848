package menutree

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/stagehand-cms/stagehand/pkg/graph"
	"github.com/stagehand-cms/stagehand/pkg/overlay"
	"github.com/stagehand-cms/stagehand/pkg/workspace"
)

const (
	pendingLockAttempts = 50
	pendingLockRetry    = 20 * time.Millisecond
)

// Rebuilder re-derives a workspace's tree from scratch: it clones the base
// tree, replays the workspace's tracked mutations on the clone with every
// parent resolved before its children, and rewrites the tracked entries with
// fresh derived fields.
//
// A per-workspace try-lock makes concurrent rebuilds of the same workspace
// skip instead of piling up; a narrower lock guards the shared needs-rebuild
// set and is taken with bounded wait-and-retry.
type Rebuilder struct {
	storage *Storage
	store   *overlay.Store
	log     *logrus.Logger

	locks sync.Map // workspace id -> *sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]struct{}
}

func NewRebuilder(storage *Storage, store *overlay.Store, logger *logrus.Logger) *Rebuilder {
	if logger == nil {
		logger = logrus.New()
	}
	return &Rebuilder{
		storage: storage,
		store:   store,
		log:     logger,
		pending: make(map[string]struct{}),
	}
}

// MarkPending flags a workspace as needing a rebuild.
func (r *Rebuilder) MarkPending(wsID string) error {
	return r.withPending(func(pending map[string]struct{}) {
		pending[wsID] = struct{}{}
	})
}

// NeedsRebuild reports whether a workspace is flagged.
func (r *Rebuilder) NeedsRebuild(wsID string) (bool, error) {
	var flagged bool
	err := r.withPending(func(pending map[string]struct{}) {
		_, flagged = pending[wsID]
	})
	return flagged, err
}

func (r *Rebuilder) withPending(fn func(pending map[string]struct{})) error {
	for attempt := 0; attempt < pendingLockAttempts; attempt++ {
		if r.pendingMu.TryLock() {
			fn(r.pending)
			r.pendingMu.Unlock()
			return nil
		}
		time.Sleep(pendingLockRetry)
	}
	return fmt.Errorf("needs-rebuild set is locked, giving up after %d attempts", pendingLockAttempts)
}

// Rebuild runs a full rebuild for the workspace. It returns false without
// error when another rebuild of the same workspace is already running.
func (r *Rebuilder) Rebuild(ctx context.Context, ws *workspace.Workspace) (bool, error) {
	lock, _ := r.locks.LoadOrStore(ws.ID, &sync.Mutex{})
	mu := lock.(*sync.Mutex)
	if !mu.TryLock() {
		r.log.WithField("workspace", ws.ID).Debug("tree rebuild already running, skipping")
		return false, nil
	}
	defer mu.Unlock()

	if err := r.rebuild(ctx, ws); err != nil {
		return true, err
	}
	if err := r.withPending(func(pending map[string]struct{}) {
		delete(pending, ws.ID)
	}); err != nil {
		r.log.WithField("workspace", ws.ID).Warnf("rebuild done but flag not cleared: %v", err)
	}
	return true, nil
}

func (r *Rebuilder) rebuild(ctx context.Context, ws *workspace.Workspace) error {
	collection := r.storage.Collection()

	// The clone starts from the tree as the base store sees it.
	clone := make(map[string]*Node)
	err := workspace.RunOutside(ctx, func(outside context.Context) error {
		base, err := r.storage.loadAll(outside)
		if err != nil {
			return err
		}
		clone = base
		return nil
	})
	if err != nil {
		return fmt.Errorf("loading base tree for workspace %q: %w", ws.ID, err)
	}

	entries, err := r.store.TrackedCollection(ws.ID, collection)
	if err != nil {
		return err
	}
	ordered, byID, err := orderParentFirst(entries)
	if err != nil {
		return fmt.Errorf("ordering tree mutations for workspace %q: %w", ws.ID, err)
	}

	for _, id := range ordered {
		entry := byID[id]
		if entry.Tombstone {
			removed, ok := clone[id]
			if !ok {
				continue
			}
			for _, child := range clone {
				if child.Parent == id {
					child.Parent = removed.Parent
				}
			}
			delete(clone, id)
			continue
		}
		node, err := decodeNode(entry.Payload)
		if err != nil {
			r.log.Warnf("skipping unreadable tree mutation %q in workspace %q: %v", id, ws.ID, err)
			continue
		}
		clone[node.ID] = node
	}

	if _, err := recompute(clone, r.storage.maxDepth); err != nil {
		return fmt.Errorf("rebuilding tree for workspace %q: %w", ws.ID, err)
	}

	values := make(map[string][]byte, len(ordered))
	for _, id := range ordered {
		entry := byID[id]
		if entry.Tombstone {
			continue
		}
		node, ok := clone[id]
		if !ok {
			continue
		}
		node.ChangedAt = time.Now().UTC()
		data, err := json.Marshal(node)
		if err != nil {
			return fmt.Errorf("encoding rebuilt tree node %q: %w", id, err)
		}
		values[id] = data
	}
	if err := r.store.WriteMany(workspace.With(ctx, ws), collection, values); err != nil {
		return fmt.Errorf("writing rebuilt tree for workspace %q: %w", ws.ID, err)
	}
	return nil
}

// orderParentFirst sorts tracked tree mutations so a node's parent is always
// replayed before the node itself. Parents outside the mutation set need no
// ordering; they come from the base clone. Tombstones carry no payload and
// contribute no edges.
func orderParentFirst(entries []*overlay.Entry) ([]string, map[string]*overlay.Entry, error) {
	byID := make(map[string]*overlay.Entry, len(entries))
	objects := make([]graph.Object, 0, len(entries))
	for _, entry := range entries {
		byID[entry.Key] = entry
		obj := graph.Object{ID: entry.Key}
		if !entry.Tombstone {
			obj.Payload = entry.Payload
		}
		objects = append(objects, obj)
	}
	g, err := graph.NewBuilder(nil).Build(objects)
	if err != nil {
		return nil, nil, err
	}
	ordered, err := g.Sort()
	if err != nil {
		return nil, nil, err
	}
	return ordered, byID, nil
}
