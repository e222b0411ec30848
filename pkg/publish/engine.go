package publish

import (
	"context"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/stagehand-cms/stagehand/internal/keyValStore"
	"github.com/stagehand-cms/stagehand/pkg/graph"
	"github.com/stagehand-cms/stagehand/pkg/overlay"
	"github.com/stagehand-cms/stagehand/pkg/workspace"
)

// Ops reported to post-commit hooks.
const (
	OpPublish = "publish"
	OpRevert  = "revert"
)

// PublicationError wraps any failure inside a publish or revert. The
// transaction it happened in has been rolled back completely by the time the
// caller sees it.
type PublicationError struct {
	Workspace string
	Op        string
	Err       error
}

func (e *PublicationError) Error() string {
	return fmt.Sprintf("%s of workspace %q failed: %v", e.Op, e.Workspace, e.Err)
}

func (e *PublicationError) Unwrap() error {
	return e.Err
}

// Hook is notified after a publish or revert has committed, never before.
// Hook failures are logged and aggregated; they cannot unwind the commit.
type Hook func(ctx context.Context, op string, rec *Record) error

// Engine performs publish and revert.
type Engine struct {
	kv         *keyValStore.KeyValStore
	workspaces *workspace.Store
	store      *overlay.Store
	scan       graph.RefScanner
	squash     *SquashQueue
	hooks      []Hook
	log        *logrus.Logger
}

func NewEngine(kv *keyValStore.KeyValStore, workspaces *workspace.Store, store *overlay.Store, scan graph.RefScanner, logger *logrus.Logger) *Engine {
	if scan == nil {
		scan = graph.DefaultScanner
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Engine{
		kv:         kv,
		workspaces: workspaces,
		store:      store,
		scan:       scan,
		log:        logger,
	}
}

// RegisterHook adds a post-commit hook. Not safe to call concurrently with
// Publish or Revert.
func (e *Engine) RegisterHook(h Hook) {
	e.hooks = append(e.hooks, h)
}

// SetSquashQueue attaches the delayed revision cleaner.
func (e *Engine) SetSquashQueue(q *SquashQueue) {
	e.squash = q
}

func (e *Engine) fail(op, wsID string, err error) error {
	perr := &PublicationError{Workspace: wsID, Op: op, Err: err}
	e.log.WithFields(logrus.Fields{
		"workspace": wsID,
		"op":        op,
	}).Error(perr.Error())
	return perr
}

// Publish promotes every tracked object of an Open workspace into the base
// store, in dependency order, inside one transaction. On success the
// workspace is Closed and a Record is retained for revert.
func (e *Engine) Publish(ctx context.Context, wsID string) (*Record, error) {
	ws, err := e.workspaces.Load(wsID)
	if err != nil {
		return nil, e.fail(OpPublish, wsID, err)
	}
	if !ws.IsOpen() {
		return nil, e.fail(OpPublish, wsID, fmt.Errorf("workspace is not open"))
	}

	entries, err := e.store.TrackedEntries(wsID)
	if err != nil {
		return nil, e.fail(OpPublish, wsID, err)
	}
	ordered, err := OrderTracked(e.scan, entries)
	if err != nil {
		return nil, e.fail(OpPublish, wsID, err)
	}

	rec := &Record{
		Workspace:   wsID,
		Label:       ws.Label,
		PublishedOn: time.Now().UTC(),
		Objects:     make([]RevisionPair, 0, len(ordered)),
	}

	base := e.store.Base()
	err = e.kv.Update(func(txn *badger.Txn) error {
		// Re-check under the transaction's snapshot so two racing
		// publishes cannot both close the workspace.
		current, err := e.workspaces.LoadTxn(txn, wsID)
		if err != nil {
			return err
		}
		if !current.IsOpen() {
			return fmt.Errorf("workspace is not open")
		}

		for _, entry := range ordered {
			revertTo, err := base.LiveRevisionTxn(txn, entry.Collection, entry.Key)
			if err == overlay.ErrNotFound {
				revertTo = ""
			} else if err != nil {
				return fmt.Errorf("reading live revision of %s:%s: %w", entry.Collection, entry.Key, err)
			}

			var promoted string
			if entry.Tombstone {
				promoted, err = base.DeleteTxn(txn, entry.Collection, entry.Key)
			} else {
				promoted, err = base.WriteTxn(txn, entry.Collection, entry.Key, entry.Payload)
			}
			if err != nil {
				return fmt.Errorf("promoting %s:%s: %w", entry.Collection, entry.Key, err)
			}
			rec.Objects = append(rec.Objects, RevisionPair{
				Collection: entry.Collection,
				Key:        entry.Key,
				RevertTo:   revertTo,
				RevertFrom: promoted,
			})
		}

		if err := e.store.ClearTxn(txn, wsID); err != nil {
			return err
		}
		if err := saveRecordTxn(txn, rec); err != nil {
			return err
		}
		current.Status = workspace.StatusClosed
		return e.workspaces.SaveTxn(txn, current)
	})
	if err != nil {
		return nil, e.fail(OpPublish, wsID, err)
	}

	e.log.WithFields(logrus.Fields{
		"workspace": wsID,
		"objects":   len(rec.Objects),
	}).Info("workspace published")

	e.notify(ctx, OpPublish, rec)
	if e.squash != nil {
		if err := e.squash.Enqueue(rec); err != nil {
			e.log.WithField("workspace", wsID).Warnf("squash job not queued: %v", err)
		}
	}
	return rec, nil
}

// Revert undoes a retained publish: every live pointer moves back to where
// it was, the published revisions are re-associated with the workspace as
// drafts, the record is deleted and the workspace reopens. One transaction.
func (e *Engine) Revert(ctx context.Context, wsID string) error {
	var rec *Record
	base := e.store.Base()

	err := e.kv.Update(func(txn *badger.Txn) error {
		var err error
		rec, err = loadRecordTxn(txn, wsID)
		if err != nil {
			return err
		}
		ws, err := e.workspaces.LoadTxn(txn, wsID)
		if err != nil {
			return err
		}
		if ws.IsOpen() {
			return fmt.Errorf("workspace is open, nothing to revert")
		}

		for i := len(rec.Objects) - 1; i >= 0; i-- {
			pair := rec.Objects[i]
			if err := base.SetLiveRevisionTxn(txn, pair.Collection, pair.Key, pair.RevertTo); err != nil {
				return fmt.Errorf("restoring live pointer of %s:%s: %w", pair.Collection, pair.Key, err)
			}

			payload, deleted, err := base.RevisionPayloadTxn(txn, pair.Collection, pair.Key, pair.RevertFrom)
			if err != nil {
				return fmt.Errorf("reading promoted revision of %s:%s: %w", pair.Collection, pair.Key, err)
			}
			err = e.store.WriteEntryTxn(txn, &overlay.Entry{
				Workspace:  wsID,
				Collection: pair.Collection,
				Key:        pair.Key,
				Payload:    payload,
				Tombstone:  deleted,
				Revision:   pair.RevertFrom,
			})
			if err != nil {
				return err
			}

			init := &overlay.Entry{
				Workspace:  wsID,
				Collection: pair.Collection,
				Key:        pair.Key,
				Revision:   pair.RevertTo,
				UpdatedAt:  time.Now().UTC(),
			}
			if pair.RevertTo == "" {
				init.Missing = true
			} else {
				initPayload, initDeleted, err := base.RevisionPayloadTxn(txn, pair.Collection, pair.Key, pair.RevertTo)
				if err != nil {
					return fmt.Errorf("reading pre-publish revision of %s:%s: %w", pair.Collection, pair.Key, err)
				}
				init.Payload = initPayload
				init.Missing = initDeleted
			}
			if err := e.store.WriteInitialTxn(txn, init); err != nil {
				return err
			}
		}

		if err := deleteRecordTxn(txn, wsID); err != nil {
			return err
		}
		ws.Status = workspace.StatusOpen
		return e.workspaces.SaveTxn(txn, ws)
	})
	if err != nil {
		return e.fail(OpRevert, wsID, err)
	}

	e.log.WithFields(logrus.Fields{
		"workspace": wsID,
		"objects":   len(rec.Objects),
	}).Info("publish reverted")

	e.notify(ctx, OpRevert, rec)
	return nil
}

func (e *Engine) notify(ctx context.Context, op string, rec *Record) {
	var result *multierror.Error
	for _, hook := range e.hooks {
		if err := hook(ctx, op, rec); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := result.ErrorOrNil(); err != nil {
		e.log.WithFields(logrus.Fields{
			"workspace": rec.Workspace,
			"op":        op,
		}).Warnf("post-commit hooks reported errors: %v", err)
	}
}

// OrderTracked builds the per-operation dependency graph over tracked
// entries and returns them dependency-first. Nodes are keyed by
// collection:key so equal keys in different collections stay distinct;
// scanned references are matched by bare key, because payloads point at
// objects without naming their collection. Publish and export both run on
// it.
func OrderTracked(scan graph.RefScanner, entries []*overlay.Entry) ([]*overlay.Entry, error) {
	if scan == nil {
		scan = graph.DefaultScanner
	}
	g := graph.New()
	byRef := make(map[string]*overlay.Entry, len(entries))
	byKey := make(map[string]string, len(entries))
	for _, entry := range entries {
		ref := entry.Collection + ":" + entry.Key
		g.AddNode(ref, 0)
		byRef[ref] = entry
		byKey[entry.Key] = ref
	}
	for _, entry := range entries {
		if entry.Tombstone {
			continue
		}
		ref := entry.Collection + ":" + entry.Key
		targets, err := scan(entry.Payload)
		if err != nil {
			return nil, fmt.Errorf("scanning references of %s: %w", ref, err)
		}
		for _, target := range targets {
			if dep, ok := byKey[target]; ok && dep != ref {
				g.AddEdge(ref, dep)
			}
		}
	}
	order, err := g.Sort()
	if err != nil {
		return nil, err
	}
	out := make([]*overlay.Entry, 0, len(order))
	for _, ref := range order {
		out = append(out, byRef[ref])
	}
	return out, nil
}
