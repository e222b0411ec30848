package workspace

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/stagehand-cms/stagehand/internal/keyValStore"
)

// Workspace statuses. A workspace is created Open, flips to Closed exactly
// once when it is published, and may become Open again only through a
// revert of that same publish.
const (
	StatusOpen   = "open"
	StatusClosed = "closed"
)

const keyPrefix = "ws:"

// ErrNotFound is returned when no workspace exists for the given id.
var ErrNotFound = fmt.Errorf("workspace not found")

// Workspace is an isolated draft scope overlaying the base store.
type Workspace struct {
	ID        string    `json:"id"`
	UUID      string    `json:"uuid"`
	Label     string    `json:"label"`
	Status    string    `json:"status"`
	Parent    string    `json:"parent,omitempty"`
	Owner     string    `json:"owner,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// IsOpen reports whether the workspace can still accept writes.
func (w *Workspace) IsOpen() bool {
	return w.Status == StatusOpen
}

// Store persists workspace records.
type Store struct {
	kv  *keyValStore.KeyValStore
	log *logrus.Logger
}

func NewStore(kv *keyValStore.KeyValStore, logger *logrus.Logger) *Store {
	if logger == nil {
		logger = logrus.New()
	}
	return &Store{kv: kv, log: logger}
}

func recordKey(id string) []byte {
	return []byte(keyPrefix + id)
}

// Create makes a new Open workspace. It fails if the id is taken.
func (s *Store) Create(id, label, owner string) (*Workspace, error) {
	if id == "" {
		return nil, fmt.Errorf("workspace id must not be empty")
	}
	exists, err := s.kv.Has(recordKey(id))
	if err != nil {
		return nil, fmt.Errorf("checking workspace %q: %w", id, err)
	}
	if exists {
		return nil, fmt.Errorf("workspace %q already exists", id)
	}

	ws := &Workspace{
		ID:        id,
		UUID:      uuid.NewString(),
		Label:     label,
		Status:    StatusOpen,
		Owner:     owner,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.Save(ws); err != nil {
		return nil, err
	}
	return ws, nil
}

func (s *Store) Load(id string) (*Workspace, error) {
	data, err := s.kv.Read(recordKey(id))
	if err == keyValStore.ErrKeyNotFound {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("reading workspace %q: %w", id, err)
	}
	return decode(data)
}

// LoadTxn reads a workspace inside an open transaction, so that publish can
// re-check the Open precondition under the same snapshot it commits with.
func (s *Store) LoadTxn(txn *badger.Txn, id string) (*Workspace, error) {
	item, err := txn.Get(recordKey(id))
	if err == badger.ErrKeyNotFound {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("reading workspace %q: %w", id, err)
	}
	data, err := item.ValueCopy(nil)
	if err != nil {
		return nil, err
	}
	return decode(data)
}

func (s *Store) Save(ws *Workspace) error {
	data, err := json.Marshal(ws)
	if err != nil {
		return fmt.Errorf("encoding workspace %q: %w", ws.ID, err)
	}
	return s.kv.Write(recordKey(ws.ID), data)
}

// SaveTxn writes a workspace record inside an open transaction.
func (s *Store) SaveTxn(txn *badger.Txn, ws *Workspace) error {
	data, err := json.Marshal(ws)
	if err != nil {
		return fmt.Errorf("encoding workspace %q: %w", ws.ID, err)
	}
	return txn.Set(recordKey(ws.ID), data)
}

func (s *Store) List() ([]*Workspace, error) {
	items, err := s.kv.GetItemsWithPrefix([]byte(keyPrefix))
	if err != nil {
		return nil, fmt.Errorf("listing workspaces: %w", err)
	}
	workspaces := make([]*Workspace, 0, len(items))
	for _, kv := range items {
		ws, err := decode(kv[1])
		if err != nil {
			s.log.Warnf("skipping corrupted workspace record %s: %v", kv[0], err)
			continue
		}
		workspaces = append(workspaces, ws)
	}
	return workspaces, nil
}

func (s *Store) Delete(id string) error {
	return s.kv.Delete(recordKey(id))
}

func decode(data []byte) (*Workspace, error) {
	var ws Workspace
	if err := json.Unmarshal(data, &ws); err != nil {
		return nil, fmt.Errorf("decoding workspace record: %w", err)
	}
	return &ws, nil
}
