package overlay

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/stagehand-cms/stagehand/internal/keyValStore"
	"github.com/stagehand-cms/stagehand/pkg/workspace"
)

// ErrFallback marks an overlay read that failed for a reason other than a
// missing entry. It is logged and recovered locally: the caller is served
// the base value instead.
var ErrFallback = fmt.Errorf("overlay read failed")

// Store is the workspace-aware store. With an active workspace on the
// context, reads prefer the overlay and writes are captured into it; without
// one (or for ignored keys) everything passes straight through to the base
// store.
type Store struct {
	kv      *keyValStore.KeyValStore
	base    *BaseStore
	ignored *IgnoreMatcher
	log     *logrus.Logger
}

func NewStore(kv *keyValStore.KeyValStore, base *BaseStore, ignored *IgnoreMatcher, logger *logrus.Logger) *Store {
	if logger == nil {
		logger = logrus.New()
	}
	return &Store{kv: kv, base: base, ignored: ignored, log: logger}
}

// Base exposes the underlying versioned store.
func (s *Store) Base() *BaseStore {
	return s.base
}

func (s *Store) active(ctx context.Context, key string) *workspace.Workspace {
	ws := workspace.FromContext(ctx)
	if ws == nil || s.ignored.Match(key) {
		return nil
	}
	return ws
}

// Read returns the workspace's draft value when one exists, the base value
// otherwise. A tombstoned key reads as not found even when the base store
// still holds it.
func (s *Store) Read(ctx context.Context, collection, key string) ([]byte, error) {
	ws := s.active(ctx, key)
	if ws == nil {
		return s.base.Read(collection, key)
	}

	data, err := s.kv.Read(curKey(ws.ID, collection, key))
	if err == keyValStore.ErrKeyNotFound {
		return s.base.Read(collection, key)
	}
	if err != nil {
		s.log.WithFields(logrus.Fields{
			"workspace":  ws.ID,
			"collection": collection,
			"key":        key,
		}).Warnf("%v, serving base value: %v", ErrFallback, err)
		return s.base.Read(collection, key)
	}

	entry, err := decodeEntry(data)
	if err != nil {
		s.log.WithFields(logrus.Fields{
			"workspace":  ws.ID,
			"collection": collection,
			"key":        key,
		}).Warnf("%v, serving base value: %v", ErrFallback, err)
		return s.base.Read(collection, key)
	}
	if entry.Tombstone {
		return nil, ErrNotFound
	}
	return entry.Payload, nil
}

// Write stores a draft value. On the first write to a key the pre-edit base
// value is snapshotted as the entry's immutable initial state; later writes
// replace only the current value.
func (s *Store) Write(ctx context.Context, collection, key string, payload []byte) error {
	ws := s.active(ctx, key)
	if ws == nil {
		_, err := s.base.Write(collection, key, payload)
		return err
	}
	if !ws.IsOpen() {
		return fmt.Errorf("workspace %q is closed", ws.ID)
	}
	return s.kv.Update(func(txn *badger.Txn) error {
		if err := s.snapshotInitialTxn(txn, ws.ID, collection, key); err != nil {
			return err
		}
		return s.writeCurrentTxn(txn, &Entry{
			Workspace:  ws.ID,
			Collection: collection,
			Key:        key,
			Payload:    payload,
		})
	})
}

// Delete writes a tombstone into the overlay; the base value is untouched
// until publish.
func (s *Store) Delete(ctx context.Context, collection, key string) error {
	ws := s.active(ctx, key)
	if ws == nil {
		_, err := s.base.Delete(collection, key)
		return err
	}
	if !ws.IsOpen() {
		return fmt.Errorf("workspace %q is closed", ws.ID)
	}
	return s.kv.Update(func(txn *badger.Txn) error {
		if err := s.snapshotInitialTxn(txn, ws.ID, collection, key); err != nil {
			return err
		}
		return s.writeCurrentTxn(txn, &Entry{
			Workspace:  ws.ID,
			Collection: collection,
			Key:        key,
			Tombstone:  true,
		})
	})
}

// snapshotInitialTxn captures the base value of a key the first time the
// workspace touches it. Subsequent writes never move the snapshot, so it
// stays a faithful revert target.
func (s *Store) snapshotInitialTxn(txn *badger.Txn, wsID, collection, key string) error {
	_, err := txn.Get(initKey(wsID, collection, key))
	if err == nil {
		return nil
	}
	if err != badger.ErrKeyNotFound {
		return err
	}

	init := &Entry{
		Workspace:  wsID,
		Collection: collection,
		Key:        key,
		Revision:   uuid.NewString(),
		UpdatedAt:  time.Now().UTC(),
	}
	payload, err := s.base.readTxn(txn, collection, key)
	switch {
	case err == ErrNotFound:
		init.Missing = true
	case err != nil:
		return fmt.Errorf("snapshotting %s:%s for workspace %q: %w", collection, key, wsID, err)
	default:
		init.Payload = payload
	}

	data, err := encodeEntry(init)
	if err != nil {
		return err
	}
	return txn.Set(initKey(wsID, collection, key), data)
}

func (s *Store) writeCurrentTxn(txn *badger.Txn, e *Entry) error {
	if e.Revision == "" {
		e.Revision = uuid.NewString()
	}
	e.UpdatedAt = time.Now().UTC()
	data, err := encodeEntry(e)
	if err != nil {
		return err
	}
	return txn.Set(curKey(e.Workspace, e.Collection, e.Key), data)
}

// WriteMany stores several draft values of one collection in a single
// transaction, so a multi-key mutation can never be half applied. Keys
// routed past the overlay (no active workspace, ignored) land in the base
// store inside the same transaction.
func (s *Store) WriteMany(ctx context.Context, collection string, values map[string][]byte) error {
	if len(values) == 0 {
		return nil
	}
	return s.kv.Update(func(txn *badger.Txn) error {
		for key, payload := range values {
			ws := s.active(ctx, key)
			if ws == nil {
				if _, err := s.base.WriteTxn(txn, collection, key, payload); err != nil {
					return err
				}
				continue
			}
			if !ws.IsOpen() {
				return fmt.Errorf("workspace %q is closed", ws.ID)
			}
			if err := s.ApplyTxn(txn, ws.ID, collection, key, payload, false); err != nil {
				return err
			}
		}
		return nil
	})
}

// ApplyTxn writes a draft value (or a tombstone) for a workspace inside an
// open transaction, snapshotting the initial base value on first touch. The
// import pipeline uses it to land a whole logical unit in one transaction.
func (s *Store) ApplyTxn(txn *badger.Txn, wsID, collection, key string, payload []byte, tombstone bool) error {
	if err := s.snapshotInitialTxn(txn, wsID, collection, key); err != nil {
		return err
	}
	return s.writeCurrentTxn(txn, &Entry{
		Workspace:  wsID,
		Collection: collection,
		Key:        key,
		Payload:    payload,
		Tombstone:  tombstone,
	})
}

// WriteEntryTxn restores a tracked entry inside an open transaction. Revert
// uses it to re-associate the published revisions with the workspace.
func (s *Store) WriteEntryTxn(txn *badger.Txn, e *Entry) error {
	return s.writeCurrentTxn(txn, e)
}

// WriteInitialTxn restores an initial snapshot inside an open transaction.
func (s *Store) WriteInitialTxn(txn *badger.Txn, e *Entry) error {
	data, err := encodeEntry(e)
	if err != nil {
		return err
	}
	return txn.Set(initKey(e.Workspace, e.Collection, e.Key), data)
}

// ListKeys merges base and overlay views of a collection: overlay entries
// win, tombstoned keys disappear.
func (s *Store) ListKeys(ctx context.Context, collection, prefix string) ([]string, error) {
	ws := workspace.FromContext(ctx)
	baseKeys, err := s.base.ListKeys(collection, prefix)
	if err != nil {
		return nil, err
	}
	if ws == nil {
		return baseKeys, nil
	}

	entries, err := s.trackedWithPrefix(ws.ID, collection, prefix)
	if err != nil {
		return nil, err
	}
	merged := make(map[string]bool, len(baseKeys)+len(entries))
	for _, key := range baseKeys {
		if !s.ignored.Match(key) {
			merged[key] = true
		}
	}
	for _, e := range entries {
		merged[e.Key] = !e.Tombstone
	}
	// Ignored keys stay visible through the base view only.
	for _, key := range baseKeys {
		if s.ignored.Match(key) {
			merged[key] = true
		}
	}

	keys := make([]string, 0, len(merged))
	for key, visible := range merged {
		if visible {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// TrackedEntries returns every current overlay entry of a workspace,
// tombstones included.
func (s *Store) TrackedEntries(wsID string) ([]*Entry, error) {
	return s.trackedWithPrefix(wsID, "", "")
}

// TrackedCollection returns the workspace's current entries for one
// collection.
func (s *Store) TrackedCollection(wsID, collection string) ([]*Entry, error) {
	return s.trackedWithPrefix(wsID, collection, "")
}

func (s *Store) trackedWithPrefix(wsID, collection, prefix string) ([]*Entry, error) {
	scan := overlayPrefix + wsID + curSegment
	if collection != "" {
		scan += collection + ":" + prefix
	}
	items, err := s.kv.GetItemsWithPrefix([]byte(scan))
	if err != nil {
		return nil, fmt.Errorf("listing overlay entries for workspace %q: %w", wsID, err)
	}
	entries := make([]*Entry, 0, len(items))
	for _, kv := range items {
		entry, err := decodeEntry(kv[1])
		if err != nil {
			s.log.Warnf("skipping corrupted overlay entry %s: %v", kv[0], err)
			continue
		}
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Collection != entries[j].Collection {
			return entries[i].Collection < entries[j].Collection
		}
		return entries[i].Key < entries[j].Key
	})
	return entries, nil
}

// InitialEntry returns the immutable pre-edit snapshot of a tracked key.
func (s *Store) InitialEntry(wsID, collection, key string) (*Entry, error) {
	data, err := s.kv.Read(initKey(wsID, collection, key))
	if err == keyValStore.ErrKeyNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading initial snapshot %s:%s for workspace %q: %w", collection, key, wsID, err)
	}
	return decodeEntry(data)
}

// ClearTxn drops every overlay entry of a workspace, current and initial,
// inside an open transaction. Publish calls it after promoting the entries.
func (s *Store) ClearTxn(txn *badger.Txn, wsID string) error {
	prefix := []byte(overlayPrefix + wsID + ":")
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = prefix

	it := txn.NewIterator(opts)
	var keys [][]byte
	for it.Rewind(); it.Valid(); it.Next() {
		keys = append(keys, it.Item().KeyCopy(nil))
	}
	it.Close()

	for _, key := range keys {
		if err := txn.Delete(key); err != nil {
			return fmt.Errorf("clearing overlay for workspace %q: %w", wsID, err)
		}
	}
	return nil
}

// Discard drops a workspace's overlay outside any larger transaction, for
// workspace deletion.
func (s *Store) Discard(wsID string) error {
	return s.kv.DeletePrefix([]byte(overlayPrefix + wsID + ":"))
}
