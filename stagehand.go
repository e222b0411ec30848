// Package stagehand is a workspace overlay and publication engine for
// structured CMS content: isolated draft workspaces overlay a shared
// versioned base store, and can be published, reverted, or transferred to
// another installation as a hash-verified archive.
package stagehand

import (
	"context"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/stagehand-cms/stagehand/internal/keyValStore"
	"github.com/stagehand-cms/stagehand/pkg/menutree"
	"github.com/stagehand-cms/stagehand/pkg/overlay"
	"github.com/stagehand-cms/stagehand/pkg/publish"
	"github.com/stagehand-cms/stagehand/pkg/transfer"
	"github.com/stagehand-cms/stagehand/pkg/workspace"
)

// Stagehand wires the storage, workspace, publication and transfer layers
// of one installation together.
type Stagehand struct {
	kv     *keyValStore.KeyValStore
	config Config
	log    *logrus.Logger

	Workspaces *workspace.Store
	Store      *overlay.Store
	Trees      *menutree.Storage
	Rebuilder  *menutree.Rebuilder
	Engine     *publish.Engine
	Squash     *publish.SquashQueue
	Tokens     *transfer.TokenIssuer
	Exporter   *transfer.Exporter
	Importer   *transfer.Importer
	Backend    transfer.Backend
}

// Open validates the configuration and brings up a full engine instance.
func Open(conf Config) (*Stagehand, error) {
	conf.applyDefaults()
	if err := conf.checkConfig(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	kv, err := keyValStore.NewKeyValStore(keyValStore.StoreConfig{
		Paths:            conf.Paths,
		MinimumFreeSpace: conf.MinimumFreeGB,
		Logger:           conf.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("opening key value store: %w", err)
	}

	log := conf.Logger
	workspaces := workspace.NewStore(kv, log)
	base := overlay.NewBaseStore(kv, log)
	store := overlay.NewStore(kv, base, overlay.NewIgnoreMatcher(conf.IgnoredKeys), log)
	trees := menutree.NewStorage(store, conf.TreeCollection, conf.MaxTreeDepth, log)
	rebuilder := menutree.NewRebuilder(trees, store, log)
	engine := publish.NewEngine(kv, workspaces, store, nil, log)
	squash := publish.NewSquashQueue(kv, base, conf.SquashDelay, log)
	engine.SetSquashQueue(squash)
	tokens := transfer.NewTokenIssuer(conf.TransferSecret, conf.TokenMaxAge)
	exporter := transfer.NewExporter(store, workspaces, nil, tokens, conf.AssetDir, log)
	importer := transfer.NewImporter(kv, store, workspaces, engine, tokens, conf.AssetDir, log)
	backend, err := transfer.NewBackend(conf.Backend, conf.RemoteEndpoint, conf.DeployDir, tokens, log)
	if err != nil {
		kv.Close()
		return nil, err
	}

	s := &Stagehand{
		kv:         kv,
		config:     conf,
		log:        log,
		Workspaces: workspaces,
		Store:      store,
		Trees:      trees,
		Rebuilder:  rebuilder,
		Engine:     engine,
		Squash:     squash,
		Tokens:     tokens,
		Exporter:   exporter,
		Importer:   importer,
		Backend:    backend,
	}

	engine.RegisterHook(s.treeRebuildHook)
	if conf.SquashInterval > 0 {
		squash.Start(conf.SquashInterval)
	}
	return s, nil
}

// Close shuts the instance down. Safe to call once.
func (s *Stagehand) Close() {
	s.Squash.Stop()
	s.kv.Close()
}

// DeleteWorkspace removes a workspace together with its overlay entries.
// A retained publish record survives until it is reverted or purged.
func (s *Stagehand) DeleteWorkspace(id string) error {
	if _, err := s.Workspaces.Load(id); err != nil {
		return err
	}
	if err := s.Store.Discard(id); err != nil {
		return fmt.Errorf("discarding overlay of workspace %q: %w", id, err)
	}
	return s.Workspaces.Delete(id)
}

// Server returns the HTTP receiver for incoming transfers.
func (s *Stagehand) Server() *transfer.Server {
	return transfer.NewServer(s.Importer, s.Engine, s.Tokens, s.config.DropDir, s.log)
}

// Deploy exports a workspace and pushes the bundle to the configured
// backend, then signals the receiver that the bundle is ready.
func (s *Stagehand) Deploy(ctx context.Context, wsID string) error {
	staging, err := os.MkdirTemp("", "stagehand-deploy-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(staging)

	archivePath, err := s.Exporter.Export(ctx, wsID, staging)
	if err != nil {
		return err
	}
	f, err := os.Open(archivePath)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := s.Backend.SendObject(ctx, transfer.ObjectData, wsID, transfer.ArchiveName, f); err != nil {
		return fmt.Errorf("deploying workspace %q: %w", wsID, err)
	}
	return s.Backend.UpdateStatus(ctx, transfer.StatusReady, wsID)
}

// treeRebuildHook keeps workspace trees fresh after publication changes the
// base store underneath them. Closed workspaces are skipped; a busy rebuild
// is skipped too and stays flagged for the next run.
func (s *Stagehand) treeRebuildHook(ctx context.Context, op string, rec *publish.Record) error {
	workspaces, err := s.Workspaces.List()
	if err != nil {
		return err
	}
	for _, ws := range workspaces {
		if !ws.IsOpen() {
			continue
		}
		if op == publish.OpPublish && ws.ID == rec.Workspace {
			continue
		}
		if err := s.Rebuilder.MarkPending(ws.ID); err != nil {
			return err
		}
		if _, err := s.Rebuilder.Rebuild(ctx, ws); err != nil {
			s.log.WithField("workspace", ws.ID).Warnf("tree rebuild failed: %v", err)
		}
	}
	return nil
}
