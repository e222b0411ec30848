package publish

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/stagehand-cms/stagehand/internal/keyValStore"
	"github.com/stagehand-cms/stagehand/pkg/overlay"
)

const squashPrefix = "squash:"

// DefaultSquashDelay is how long superseded revisions are kept before the
// cleaner may remove them.
const DefaultSquashDelay = 24 * time.Hour

type squashTarget struct {
	Collection string `json:"collection"`
	Key        string `json:"key"`
}

type squashJob struct {
	Workspace    string         `json:"workspace"`
	Objects      []squashTarget `json:"objects"`
	ProcessAfter time.Time      `json:"process_after"`
}

// SquashQueue removes superseded base revisions some time after a publish.
// It is best-effort housekeeping: a revision is only ever removed when it is
// neither live nor referenced by any retained publish record, so skipping or
// failing a job never endangers a revert.
type SquashQueue struct {
	kv    *keyValStore.KeyValStore
	base  *overlay.BaseStore
	delay time.Duration
	log   *logrus.Logger

	stop chan struct{}
	done chan struct{}
}

func NewSquashQueue(kv *keyValStore.KeyValStore, base *overlay.BaseStore, delay time.Duration, logger *logrus.Logger) *SquashQueue {
	if delay <= 0 {
		delay = DefaultSquashDelay
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &SquashQueue{kv: kv, base: base, delay: delay, log: logger}
}

// Enqueue persists a squash job for the objects a publish just touched.
func (q *SquashQueue) Enqueue(rec *Record) error {
	job := squashJob{
		Workspace:    rec.Workspace,
		Objects:      make([]squashTarget, 0, len(rec.Objects)),
		ProcessAfter: time.Now().UTC().Add(q.delay),
	}
	for _, pair := range rec.Objects {
		job.Objects = append(job.Objects, squashTarget{Collection: pair.Collection, Key: pair.Key})
	}
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encoding squash job for %q: %w", rec.Workspace, err)
	}
	key := []byte(squashPrefix + rec.Workspace + ":" + uuid.NewString())
	return q.kv.Write(key, data)
}

// Start runs the consumer until Stop is called.
func (q *SquashQueue) Start(interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	q.stop = make(chan struct{})
	q.done = make(chan struct{})
	go func() {
		defer close(q.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-q.stop:
				return
			case <-ticker.C:
				if err := q.ProcessDue(); err != nil {
					q.log.Warnf("squash run failed: %v", err)
				}
			}
		}
	}()
}

// Stop halts the consumer and waits for the current run to finish.
func (q *SquashQueue) Stop() {
	if q.stop == nil {
		return
	}
	close(q.stop)
	<-q.done
	q.stop = nil
}

// ProcessDue handles every job whose delay has elapsed; jobs not yet due
// stay queued. Failures on individual revisions are logged and skipped.
func (q *SquashQueue) ProcessDue() error {
	items, err := q.kv.GetItemsWithPrefix([]byte(squashPrefix))
	if err != nil {
		return fmt.Errorf("listing squash jobs: %w", err)
	}
	if len(items) == 0 {
		return nil
	}

	protected, err := q.protectedRevisions()
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	for _, kv := range items {
		var job squashJob
		if err := json.Unmarshal(kv[1], &job); err != nil {
			q.log.Warnf("dropping unreadable squash job %s: %v", kv[0], err)
			_ = q.kv.Delete(kv[0])
			continue
		}
		if job.ProcessAfter.After(now) {
			continue
		}
		q.squash(&job, protected)
		if err := q.kv.Delete(kv[0]); err != nil {
			q.log.Warnf("squash job %s not removed: %v", kv[0], err)
		}
	}
	return nil
}

func (q *SquashQueue) squash(job *squashJob, protected map[string]struct{}) {
	removed := 0
	for _, target := range job.Objects {
		live, err := q.base.LiveRevision(target.Collection, target.Key)
		if err != nil {
			q.log.Warnf("squash: live revision of %s:%s unreadable: %v", target.Collection, target.Key, err)
			continue
		}
		revs, err := q.base.Revisions(target.Collection, target.Key)
		if err != nil {
			q.log.Warnf("squash: %v", err)
			continue
		}
		for _, rev := range revs {
			if rev == live {
				continue
			}
			if _, ok := protected[rev]; ok {
				continue
			}
			if err := q.base.DeleteRevision(target.Collection, target.Key, rev); err != nil {
				q.log.Warnf("squash: revision %s of %s:%s not removed: %v", rev, target.Collection, target.Key, err)
				continue
			}
			removed++
		}
	}
	q.log.WithFields(logrus.Fields{
		"workspace": job.Workspace,
		"removed":   removed,
	}).Debug("squash job processed")
}

// protectedRevisions collects every revision some retained publish record
// still needs for a revert.
func (q *SquashQueue) protectedRevisions() (map[string]struct{}, error) {
	items, err := q.kv.GetItemsWithPrefix([]byte(recordPrefix))
	if err != nil {
		return nil, fmt.Errorf("listing publish records: %w", err)
	}
	protected := make(map[string]struct{})
	for _, kv := range items {
		var rec Record
		if err := json.Unmarshal(kv[1], &rec); err != nil {
			continue
		}
		for _, pair := range rec.Objects {
			if pair.RevertTo != "" {
				protected[pair.RevertTo] = struct{}{}
			}
			protected[pair.RevertFrom] = struct{}{}
		}
	}
	return protected, nil
}
