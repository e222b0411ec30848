package transfer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"

	"github.com/stagehand-cms/stagehand/internal/keyValStore"
	"github.com/stagehand-cms/stagehand/pkg/overlay"
	"github.com/stagehand-cms/stagehand/pkg/publish"
	"github.com/stagehand-cms/stagehand/pkg/workspace"
)

const (
	userCollection      = "user"
	importedFilesPrefix = "imp:"
)

// IntegrityError reports a hash mismatch found while verifying a bundle.
// When it is returned, nothing has been written.
type IntegrityError struct {
	Filename string
	UUID     string
}

func (e *IntegrityError) Error() string {
	if e.UUID != "" {
		return fmt.Sprintf("integrity check failed for %q (object %s)", e.Filename, e.UUID)
	}
	return fmt.Sprintf("integrity check failed for %q", e.Filename)
}

// Importer replays a transfer bundle into a target workspace. Every hash is
// verified before the first write; after that, each logical unit (workspace
// record, accounts, assets, tracked objects) lands in its own transaction.
type Importer struct {
	kv         *keyValStore.KeyValStore
	store      *overlay.Store
	workspaces *workspace.Store
	engine     *publish.Engine
	tokens     *TokenIssuer
	assetDir   string
	log        *logrus.Logger
}

func NewImporter(kv *keyValStore.KeyValStore, store *overlay.Store, workspaces *workspace.Store, engine *publish.Engine, tokens *TokenIssuer, assetDir string, logger *logrus.Logger) *Importer {
	if logger == nil {
		logger = logrus.New()
	}
	return &Importer{
		kv:         kv,
		store:      store,
		workspaces: workspaces,
		engine:     engine,
		tokens:     tokens,
		assetDir:   assetDir,
		log:        logger,
	}
}

// Import unpacks a bundle and replays it into the target workspace. Objects
// already present under the same uuid are updated in place, never
// duplicated. Everything lands in the workspace overlay; the base store is
// only touched by a later publish.
func (m *Importer) Import(ctx context.Context, archivePath, targetWsID string) error {
	staging, err := os.MkdirTemp("", "stagehand-import-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(staging)

	if err := extractArchive(archivePath, staging); err != nil {
		return err
	}

	index, assets, err := m.verify(staging)
	if err != nil {
		return err
	}

	ws, err := m.prepareWorkspace(staging, targetWsID)
	if err != nil {
		return err
	}

	if err := m.importUsers(staging, ws.ID); err != nil {
		return err
	}
	if err := m.importAssets(staging, ws.ID, assets); err != nil {
		return err
	}
	if err := m.importObjects(staging, ws.ID, index); err != nil {
		return err
	}

	m.log.WithFields(logrus.Fields{
		"workspace": ws.ID,
		"objects":   len(index),
		"assets":    len(assets),
	}).Info("bundle imported")
	return nil
}

// verify checks every hash in the bundle and returns the decoded index and
// asset manifest. Any mismatch aborts the whole import before a write.
func (m *Importer) verify(staging string) ([]IndexEntry, []FileRecord, error) {
	dirEntries, err := os.ReadDir(staging)
	if err != nil {
		return nil, nil, err
	}
	for _, de := range dirEntries {
		name := de.Name()
		if de.IsDir() || strings.HasSuffix(name, hashSuffix) {
			continue
		}
		if err := m.verifyFile(staging, name); err != nil {
			return nil, nil, err
		}
	}

	var index []IndexEntry
	if err := readJSON(staging, indexFile, &index); err != nil {
		return nil, nil, err
	}
	for _, ie := range index {
		if ie.Deleted {
			continue
		}
		data, err := os.ReadFile(filepath.Join(staging, ie.Filename))
		if err != nil {
			return nil, nil, fmt.Errorf("bundle is missing %q: %w", ie.Filename, err)
		}
		if m.tokens.Hash(string(data)) != ie.Hash {
			return nil, nil, &IntegrityError{Filename: ie.Filename, UUID: ie.UUID}
		}
	}

	var assets []FileRecord
	if err := readJSON(staging, filesFile, &assets); err != nil {
		return nil, nil, err
	}
	for _, asset := range assets {
		if !validRelPath(asset.Path) {
			return nil, nil, &IntegrityError{Filename: asset.Path}
		}
		data, err := os.ReadFile(filepath.Join(staging, assetDirName, filepath.FromSlash(asset.Path)))
		if err != nil {
			return nil, nil, fmt.Errorf("bundle is missing asset %q: %w", asset.Path, err)
		}
		if m.tokens.Hash(string(data)) != asset.Hash {
			return nil, nil, &IntegrityError{Filename: asset.Path}
		}
	}
	return index, assets, nil
}

func (m *Importer) verifyFile(staging, name string) error {
	data, err := os.ReadFile(filepath.Join(staging, name))
	if err != nil {
		return err
	}
	want, err := os.ReadFile(filepath.Join(staging, name+hashSuffix))
	if err != nil {
		return fmt.Errorf("bundle file %q has no hash sidecar: %w", name, err)
	}
	if m.tokens.Hash(string(data)) != string(want) {
		return &IntegrityError{Filename: name}
	}
	return nil
}

// prepareWorkspace loads or creates the target workspace from the bundled
// workspace record. An existing target has to be open.
func (m *Importer) prepareWorkspace(staging, targetWsID string) (*workspace.Workspace, error) {
	var imported workspace.Workspace
	if err := readJSON(staging, workspaceFile, &imported); err != nil {
		return nil, err
	}

	ws, err := m.workspaces.Load(targetWsID)
	if err == nil {
		if !ws.IsOpen() {
			return nil, fmt.Errorf("target workspace %q is not open", targetWsID)
		}
		return ws, nil
	}
	if !errors.Is(err, workspace.ErrNotFound) {
		return nil, err
	}

	ws = &imported
	ws.ID = targetWsID
	ws.Status = workspace.StatusOpen
	if err := m.workspaces.Save(ws); err != nil {
		return nil, err
	}
	return ws, nil
}

func (m *Importer) importUsers(staging, wsID string) error {
	var users []UserRecord
	if err := readJSON(staging, usersFile, &users); err != nil {
		return err
	}
	if len(users) == 0 {
		return nil
	}
	return m.kv.Update(func(txn *badger.Txn) error {
		for _, user := range users {
			data, err := json.Marshal(user)
			if err != nil {
				return err
			}
			if err := m.store.ApplyTxn(txn, wsID, userCollection, user.Name, data, false); err != nil {
				return fmt.Errorf("importing user %q: %w", user.Name, err)
			}
		}
		return nil
	})
}

func (m *Importer) importAssets(staging, wsID string, assets []FileRecord) error {
	if len(assets) == 0 || m.assetDir == "" {
		return nil
	}
	imported := make([]string, 0, len(assets))
	for _, asset := range assets {
		src := filepath.Join(staging, assetDirName, filepath.FromSlash(asset.Path))
		dst := filepath.Join(m.assetDir, filepath.FromSlash(asset.Path))
		data, err := os.ReadFile(src)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(dst, data, 0o644); err != nil {
			return fmt.Errorf("writing asset %q: %w", asset.Path, err)
		}
		imported = append(imported, asset.Path)
	}

	data, err := json.Marshal(imported)
	if err != nil {
		return err
	}
	return m.kv.Write([]byte(importedFilesPrefix+wsID), data)
}

func (m *Importer) importObjects(staging, wsID string, index []IndexEntry) error {
	return m.kv.Update(func(txn *badger.Txn) error {
		for _, ie := range index {
			if ie.Deleted {
				if err := m.store.ApplyTxn(txn, wsID, ie.Type, ie.UUID, nil, true); err != nil {
					return fmt.Errorf("importing deletion of %s: %w", ie.UUID, err)
				}
				continue
			}
			payload, err := os.ReadFile(filepath.Join(staging, ie.Filename))
			if err != nil {
				return err
			}
			if err := m.store.ApplyTxn(txn, wsID, ie.Type, ie.UUID, payload, false); err != nil {
				return fmt.Errorf("importing %s: %w", ie.UUID, err)
			}
		}
		return nil
	})
}

// RevertImported undoes the publish of an imported workspace and removes
// the binary assets the import brought along.
func (m *Importer) RevertImported(ctx context.Context, wsID string) error {
	if err := m.engine.Revert(ctx, wsID); err != nil {
		return err
	}

	key := []byte(importedFilesPrefix + wsID)
	data, err := m.kv.Read(key)
	if err == keyValStore.ErrKeyNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	var files []string
	if err := json.Unmarshal(data, &files); err != nil {
		return fmt.Errorf("decoding imported file list for %q: %w", wsID, err)
	}
	for _, rel := range files {
		if !validRelPath(rel) {
			continue
		}
		target := filepath.Join(m.assetDir, filepath.FromSlash(rel))
		if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
			m.log.Warnf("imported asset %q not removed: %v", rel, err)
		}
	}
	return m.kv.Delete(key)
}

func readJSON(dir, name string, v interface{}) error {
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return fmt.Errorf("reading %s: %w", name, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decoding %s: %w", name, err)
	}
	return nil
}
