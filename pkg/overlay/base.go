package overlay

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/stagehand-cms/stagehand/internal/keyValStore"
)

// ErrNotFound is returned when neither the overlay nor the base store holds
// a value for a key, or when a requested revision does not exist.
var ErrNotFound = fmt.Errorf("object not found")

const (
	baseLivePrefix = "base:cur:"
	baseRevPrefix  = "base:rev:"
)

// revisionEnvelope is what a single base-store revision stores. Deleted
// revisions keep the key's history intact while making the live value
// disappear from reads.
type revisionEnvelope struct {
	Payload   []byte    `json:"payload,omitempty"`
	Deleted   bool      `json:"deleted,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// BaseStore is the shared, non-workspace-scoped versioned store ("live").
// Every write creates a new revision and moves the live pointer; old
// revisions stay addressable so a publish can be undone.
type BaseStore struct {
	kv  *keyValStore.KeyValStore
	log *logrus.Logger
}

func NewBaseStore(kv *keyValStore.KeyValStore, logger *logrus.Logger) *BaseStore {
	if logger == nil {
		logger = logrus.New()
	}
	return &BaseStore{kv: kv, log: logger}
}

func liveKey(collection, key string) []byte {
	return []byte(baseLivePrefix + collection + ":" + key)
}

func revKey(collection, key, rev string) []byte {
	return []byte(baseRevPrefix + collection + ":" + key + ":" + rev)
}

// Read returns the live payload for a key.
func (b *BaseStore) Read(collection, key string) ([]byte, error) {
	var payload []byte
	err := b.kv.View(func(txn *badger.Txn) error {
		var err error
		payload, err = b.readTxn(txn, collection, key)
		return err
	})
	return payload, err
}

func (b *BaseStore) readTxn(txn *badger.Txn, collection, key string) ([]byte, error) {
	rev, err := b.liveRevisionTxn(txn, collection, key)
	if err != nil {
		return nil, err
	}
	env, err := b.revisionTxn(txn, collection, key, rev)
	if err != nil {
		return nil, err
	}
	if env.Deleted {
		return nil, ErrNotFound
	}
	return env.Payload, nil
}

// Write creates a new live revision holding payload and returns its id.
func (b *BaseStore) Write(collection, key string, payload []byte) (string, error) {
	var rev string
	err := b.kv.Update(func(txn *badger.Txn) error {
		var err error
		rev, err = b.WriteTxn(txn, collection, key, payload)
		return err
	})
	return rev, err
}

// WriteTxn is Write inside an open transaction.
func (b *BaseStore) WriteTxn(txn *badger.Txn, collection, key string, payload []byte) (string, error) {
	return b.newRevisionTxn(txn, collection, key, revisionEnvelope{
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	})
}

// Delete creates a new live revision marking the key deleted.
func (b *BaseStore) Delete(collection, key string) (string, error) {
	var rev string
	err := b.kv.Update(func(txn *badger.Txn) error {
		var err error
		rev, err = b.DeleteTxn(txn, collection, key)
		return err
	})
	return rev, err
}

// DeleteTxn creates a deleted revision, making the key disappear from live
// reads while keeping its history.
func (b *BaseStore) DeleteTxn(txn *badger.Txn, collection, key string) (string, error) {
	return b.newRevisionTxn(txn, collection, key, revisionEnvelope{
		Deleted:   true,
		CreatedAt: time.Now().UTC(),
	})
}

func (b *BaseStore) newRevisionTxn(txn *badger.Txn, collection, key string, env revisionEnvelope) (string, error) {
	rev := uuid.NewString()
	data, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("encoding revision for %s:%s: %w", collection, key, err)
	}
	if err := txn.Set(revKey(collection, key, rev), data); err != nil {
		return "", err
	}
	if err := txn.Set(liveKey(collection, key), []byte(rev)); err != nil {
		return "", err
	}
	return rev, nil
}

// LiveRevision returns the id of the revision the live pointer references,
// or "" when the key has never been written.
func (b *BaseStore) LiveRevision(collection, key string) (string, error) {
	var rev string
	err := b.kv.View(func(txn *badger.Txn) error {
		var err error
		rev, err = b.liveRevisionTxn(txn, collection, key)
		if err == ErrNotFound {
			rev = ""
			return nil
		}
		return err
	})
	return rev, err
}

// LiveRevisionTxn is LiveRevision inside an open transaction, except that a
// missing key is reported as ErrNotFound.
func (b *BaseStore) LiveRevisionTxn(txn *badger.Txn, collection, key string) (string, error) {
	return b.liveRevisionTxn(txn, collection, key)
}

func (b *BaseStore) liveRevisionTxn(txn *badger.Txn, collection, key string) (string, error) {
	item, err := txn.Get(liveKey(collection, key))
	if err == badger.ErrKeyNotFound {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	rev, err := item.ValueCopy(nil)
	if err != nil {
		return "", err
	}
	return string(rev), nil
}

// RevisionPayload returns the payload of a specific revision. Deleted
// revisions return a nil payload with deleted=true.
func (b *BaseStore) RevisionPayload(collection, key, rev string) (payload []byte, deleted bool, err error) {
	err = b.kv.View(func(txn *badger.Txn) error {
		env, err := b.revisionTxn(txn, collection, key, rev)
		if err != nil {
			return err
		}
		payload = env.Payload
		deleted = env.Deleted
		return nil
	})
	return payload, deleted, err
}

// RevisionPayloadTxn is RevisionPayload inside an open transaction.
func (b *BaseStore) RevisionPayloadTxn(txn *badger.Txn, collection, key, rev string) (payload []byte, deleted bool, err error) {
	env, err := b.revisionTxn(txn, collection, key, rev)
	if err != nil {
		return nil, false, err
	}
	return env.Payload, env.Deleted, nil
}

// Revisions lists every stored revision id of a key, live or not.
func (b *BaseStore) Revisions(collection, key string) ([]string, error) {
	prefix := baseRevPrefix + collection + ":" + key + ":"
	keys, err := b.kv.KeysWithPrefix([]byte(prefix))
	if err != nil {
		return nil, fmt.Errorf("listing revisions of %s:%s: %w", collection, key, err)
	}
	revs := make([]string, 0, len(keys))
	for _, k := range keys {
		revs = append(revs, string(k)[len(prefix):])
	}
	return revs, nil
}

func (b *BaseStore) revisionTxn(txn *badger.Txn, collection, key, rev string) (revisionEnvelope, error) {
	var env revisionEnvelope
	item, err := txn.Get(revKey(collection, key, rev))
	if err == badger.ErrKeyNotFound {
		return env, ErrNotFound
	}
	if err != nil {
		return env, err
	}
	data, err := item.ValueCopy(nil)
	if err != nil {
		return env, err
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return env, fmt.Errorf("decoding revision %s of %s:%s: %w", rev, collection, key, err)
	}
	return env, nil
}

// SetLiveRevisionTxn moves the live pointer to an existing revision. An
// empty rev removes the pointer entirely, restoring "never existed".
func (b *BaseStore) SetLiveRevisionTxn(txn *badger.Txn, collection, key, rev string) error {
	if rev == "" {
		err := txn.Delete(liveKey(collection, key))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		return err
	}
	if _, err := txn.Get(revKey(collection, key, rev)); err != nil {
		if err == badger.ErrKeyNotFound {
			return fmt.Errorf("%w: revision %s of %s:%s", ErrNotFound, rev, collection, key)
		}
		return err
	}
	return txn.Set(liveKey(collection, key), []byte(rev))
}

// DeleteRevision removes a single stored revision. The live pointer target
// is never deleted.
func (b *BaseStore) DeleteRevision(collection, key, rev string) error {
	return b.kv.Update(func(txn *badger.Txn) error {
		live, err := b.liveRevisionTxn(txn, collection, key)
		if err != nil && err != ErrNotFound {
			return err
		}
		if live == rev {
			return fmt.Errorf("refusing to delete live revision %s of %s:%s", rev, collection, key)
		}
		err = txn.Delete(revKey(collection, key, rev))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		return err
	})
}

// ListKeys returns all live keys in a collection with the given prefix.
// Keys whose live revision is a deletion are skipped.
func (b *BaseStore) ListKeys(collection, prefix string) ([]string, error) {
	scan := baseLivePrefix + collection + ":" + prefix
	items, err := b.kv.GetItemsWithPrefix([]byte(scan))
	if err != nil {
		return nil, fmt.Errorf("listing base keys %s:%s: %w", collection, prefix, err)
	}
	strip := len(baseLivePrefix + collection + ":")
	keys := make([]string, 0, len(items))
	for _, kv := range items {
		key := string(kv[0])[strip:]
		_, deleted, err := b.RevisionPayload(collection, key, string(kv[1]))
		if err != nil {
			b.log.Warnf("base key %s:%s has dangling live revision %s: %v", collection, key, kv[1], err)
			continue
		}
		if deleted {
			continue
		}
		keys = append(keys, key)
	}
	return keys, nil
}
