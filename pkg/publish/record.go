// Package publish merges workspace overlays into the base store and undoes
// those merges. Each publish and each revert is one storage transaction:
// either every object moves, or none does.
package publish

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
)

const recordPrefix = "pub:"

// ErrNoRecord is returned when a revert is requested for a workspace that
// has no retained publish record.
var ErrNoRecord = fmt.Errorf("no publish record")

// RevisionPair remembers, for one published object, where the live pointer
// sat before the publish (RevertTo, empty when the key did not exist) and
// which base revision the publish promoted (RevertFrom).
type RevisionPair struct {
	Collection string `json:"collection"`
	Key        string `json:"key"`
	RevertTo   string `json:"revert_to,omitempty"`
	RevertFrom string `json:"revert_from"`
}

// Record is the retained receipt of one publish. It is the only thing a
// revert needs, and it survives the workspace being Closed.
type Record struct {
	Workspace   string         `json:"workspace"`
	Label       string         `json:"label,omitempty"`
	PublishedOn time.Time      `json:"published_on"`
	Objects     []RevisionPair `json:"objects"`
}

func recordKey(wsID string) []byte {
	return []byte(recordPrefix + wsID)
}

func saveRecordTxn(txn *badger.Txn, rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding publish record for %q: %w", rec.Workspace, err)
	}
	return txn.Set(recordKey(rec.Workspace), data)
}

func loadRecordTxn(txn *badger.Txn, wsID string) (*Record, error) {
	item, err := txn.Get(recordKey(wsID))
	if err == badger.ErrKeyNotFound {
		return nil, fmt.Errorf("%w for workspace %q", ErrNoRecord, wsID)
	}
	if err != nil {
		return nil, err
	}
	data, err := item.ValueCopy(nil)
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decoding publish record for %q: %w", wsID, err)
	}
	return &rec, nil
}

func deleteRecordTxn(txn *badger.Txn, wsID string) error {
	return txn.Delete(recordKey(wsID))
}

// LoadRecord returns the retained publish record of a workspace.
func (e *Engine) LoadRecord(wsID string) (*Record, error) {
	var rec *Record
	err := e.kv.View(func(txn *badger.Txn) error {
		var err error
		rec, err = loadRecordTxn(txn, wsID)
		return err
	})
	return rec, err
}

// ListRecords returns every retained publish record.
func (e *Engine) ListRecords() ([]*Record, error) {
	items, err := e.kv.GetItemsWithPrefix([]byte(recordPrefix))
	if err != nil {
		return nil, fmt.Errorf("listing publish records: %w", err)
	}
	records := make([]*Record, 0, len(items))
	for _, kv := range items {
		var rec Record
		if err := json.Unmarshal(kv[1], &rec); err != nil {
			e.log.Warnf("skipping corrupted publish record %s: %v", kv[0], err)
			continue
		}
		records = append(records, &rec)
	}
	return records, nil
}
