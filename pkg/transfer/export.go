package transfer

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/stagehand-cms/stagehand/pkg/graph"
	"github.com/stagehand-cms/stagehand/pkg/overlay"
	"github.com/stagehand-cms/stagehand/pkg/publish"
	"github.com/stagehand-cms/stagehand/pkg/workspace"
)

// Bundle file names beside the per-object files.
const (
	workspaceFile = "workspace.json"
	indexFile     = "index.json"
	usersFile     = "users.json"
	filesFile     = "files.json"
	assetDirName  = "files"
	hashSuffix    = ".hash"
)

// IndexEntry is one line of the bundle index. Entries appear in dependency
// order so the importer can replay them without rebuilding the graph.
type IndexEntry struct {
	UUID      string   `json:"uuid"`
	Type      string   `json:"type"`
	Languages []string `json:"languages,omitempty"`
	Filename  string   `json:"filename,omitempty"`
	Hash      string   `json:"hash,omitempty"`
	Deleted   bool     `json:"deleted,omitempty"`
}

// UserRecord is one exported account reference.
type UserRecord struct {
	Name string `json:"name"`
}

// FileRecord is one exported binary asset.
type FileRecord struct {
	Path string `json:"path"`
	Hash string `json:"hash"`
}

// Exporter serializes a workspace into a transfer bundle: one JSON file per
// tracked object, the ordered index, account and asset manifests, and a
// keyed-hash sidecar for every JSON file, packed into a tar.xz archive.
type Exporter struct {
	store      *overlay.Store
	workspaces *workspace.Store
	scan       graph.RefScanner
	tokens     *TokenIssuer
	assetDir   string
	log        *logrus.Logger
}

func NewExporter(store *overlay.Store, workspaces *workspace.Store, scan graph.RefScanner, tokens *TokenIssuer, assetDir string, logger *logrus.Logger) *Exporter {
	if scan == nil {
		scan = graph.DefaultScanner
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Exporter{
		store:      store,
		workspaces: workspaces,
		scan:       scan,
		tokens:     tokens,
		assetDir:   assetDir,
		log:        logger,
	}
}

// Export writes the bundle for a workspace into destDir and returns the
// archive path.
func (x *Exporter) Export(ctx context.Context, wsID, destDir string) (string, error) {
	ws, err := x.workspaces.Load(wsID)
	if err != nil {
		return "", err
	}
	entries, err := x.store.TrackedEntries(wsID)
	if err != nil {
		return "", err
	}
	ordered, err := publish.OrderTracked(x.scan, entries)
	if err != nil {
		return "", fmt.Errorf("ordering export of workspace %q: %w", wsID, err)
	}

	staging, err := os.MkdirTemp("", "stagehand-export-*")
	if err != nil {
		return "", err
	}
	defer os.RemoveAll(staging)

	if err := x.writeJSON(staging, workspaceFile, ws); err != nil {
		return "", err
	}

	index := make([]IndexEntry, 0, len(ordered))
	for _, entry := range ordered {
		ie := IndexEntry{UUID: entry.Key, Type: entry.Collection}
		if entry.Tombstone {
			ie.Deleted = true
			index = append(index, ie)
			continue
		}
		ie.Languages = payloadLanguages(entry.Payload)
		ie.Filename = fmt.Sprintf("%s--%s.json", entry.Collection, entry.Key)
		ie.Hash = x.tokens.Hash(string(entry.Payload))
		if err := x.writeRaw(staging, ie.Filename, entry.Payload, ie.Hash); err != nil {
			return "", err
		}
		index = append(index, ie)
	}

	users := []UserRecord{}
	if ws.Owner != "" {
		users = append(users, UserRecord{Name: ws.Owner})
	}
	if err := x.writeJSON(staging, usersFile, users); err != nil {
		return "", err
	}

	assets, err := x.copyAssets(staging, ordered)
	if err != nil {
		return "", err
	}
	if err := x.writeJSON(staging, filesFile, assets); err != nil {
		return "", err
	}

	if err := x.writeJSON(staging, indexFile, index); err != nil {
		return "", err
	}

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", err
	}
	archivePath := filepath.Join(destDir, ArchiveName)
	if err := packArchive(staging, archivePath); err != nil {
		return "", err
	}

	x.log.WithFields(logrus.Fields{
		"workspace": wsID,
		"objects":   len(index),
		"archive":   archivePath,
	}).Info("workspace exported")
	return archivePath, nil
}

func (x *Exporter) writeJSON(dir, name string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding %s: %w", name, err)
	}
	return x.writeRaw(dir, name, data, x.tokens.Hash(string(data)))
}

func (x *Exporter) writeRaw(dir, name string, data []byte, hash string) error {
	if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", name, err)
	}
	if err := os.WriteFile(filepath.Join(dir, name+hashSuffix), []byte(hash), 0o644); err != nil {
		return fmt.Errorf("writing %s%s: %w", name, hashSuffix, err)
	}
	return nil
}

// copyAssets pulls every binary asset the payloads reference into the
// bundle's files/ directory and returns the manifest.
func (x *Exporter) copyAssets(staging string, entries []*overlay.Entry) ([]FileRecord, error) {
	records := []FileRecord{}
	if x.assetDir == "" {
		return records, nil
	}
	seen := make(map[string]bool)
	for _, entry := range entries {
		if entry.Tombstone {
			continue
		}
		for _, rel := range payloadFilePaths(entry.Payload) {
			if seen[rel] || !validRelPath(rel) {
				continue
			}
			seen[rel] = true
			data, err := os.ReadFile(filepath.Join(x.assetDir, filepath.FromSlash(rel)))
			if err != nil {
				x.log.Warnf("asset %q referenced by %s:%s not exported: %v", rel, entry.Collection, entry.Key, err)
				continue
			}
			target := filepath.Join(staging, assetDirName, filepath.FromSlash(rel))
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return nil, err
			}
			if err := os.WriteFile(target, data, 0o644); err != nil {
				return nil, err
			}
			records = append(records, FileRecord{Path: rel, Hash: x.tokens.Hash(string(data))})
		}
	}
	return records, nil
}

// payloadLanguages reads the language codes an object carries: its own
// langcode plus any translation keys.
func payloadLanguages(payload []byte) []string {
	var doc map[string]interface{}
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil
	}
	var langs []string
	if code, ok := doc["langcode"].(string); ok && code != "" {
		langs = append(langs, code)
	}
	if translations, ok := doc["translations"].(map[string]interface{}); ok {
		for code := range translations {
			langs = append(langs, code)
		}
	}
	return langs
}

// payloadFilePaths collects file_path references at any nesting depth.
func payloadFilePaths(payload []byte) []string {
	var doc interface{}
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil
	}
	var paths []string
	collectFilePaths(doc, &paths)
	return paths
}

func collectFilePaths(doc interface{}, paths *[]string) {
	switch v := doc.(type) {
	case map[string]interface{}:
		for key, val := range v {
			if key == "file_path" {
				if s, ok := val.(string); ok && s != "" {
					*paths = append(*paths, s)
				}
			}
			collectFilePaths(val, paths)
		}
	case []interface{}:
		for _, item := range v {
			collectFilePaths(item, paths)
		}
	}
}
