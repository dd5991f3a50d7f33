package syncengine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/antigravity-dev/taskbridge/internal/crosswalk"
	"github.com/antigravity-dev/taskbridge/internal/syncerr"
	"github.com/antigravity-dev/taskbridge/internal/taskmodel"
)

// uploadBatcher implements the event-driven upload path (spec.md §4.7.2):
// local changes coalesce into an in-memory batch drained either on a
// 100ms linger or once it reaches UploadBatchSize, guarded by a
// single-holder processing lock so a ticker-driven and a webhook-driven
// drain never run concurrently.
type uploadBatcher struct {
	engine *Engine

	mu     sync.Mutex
	queue  []string
	queued map[string]bool

	trigger      chan struct{}
	processingMu sync.Mutex
}

func newUploadBatcher(e *Engine) *uploadBatcher {
	return &uploadBatcher{engine: e, queued: make(map[string]bool), trigger: make(chan struct{}, 1)}
}

func (b *uploadBatcher) batchSize() int {
	if b.engine.cfg.UploadBatchSize > 0 {
		return b.engine.cfg.UploadBatchSize
	}
	return 20
}

func (b *uploadBatcher) linger() time.Duration {
	if b.engine.cfg.UploadBatchLinger > 0 {
		return b.engine.cfg.UploadBatchLinger
	}
	return 100 * time.Millisecond
}

// enqueue adds localID to the pending batch, deduplicating repeated
// updates to the same task before the next drain.
func (b *uploadBatcher) enqueue(ctx context.Context, localID string) error {
	b.mu.Lock()
	full := false
	if !b.queued[localID] {
		b.queued[localID] = true
		b.queue = append(b.queue, localID)
		full = len(b.queue) >= b.batchSize()
	}
	b.mu.Unlock()

	if full {
		select {
		case b.trigger <- struct{}{}:
		default:
		}
	}
	return nil
}

func (b *uploadBatcher) requeueAll(ids []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, id := range ids {
		if !b.queued[id] {
			b.queued[id] = true
			b.queue = append(b.queue, id)
		}
	}
}

// run drives the linger/size drain loop until ctx is canceled.
func (b *uploadBatcher) run(ctx context.Context) error {
	timer := time.NewTimer(b.linger())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-b.trigger:
			b.flush(ctx)
			timer.Reset(b.linger())
		case <-timer.C:
			b.flush(ctx)
			timer.Reset(b.linger())
		}
	}
}

// drainAll flushes whatever remains, used by Engine.Drain during shutdown.
func (b *uploadBatcher) drainAll(ctx context.Context) error {
	return b.flush(ctx)
}

func (b *uploadBatcher) flush(ctx context.Context) error {
	if !b.processingMu.TryLock() {
		return nil
	}
	defer b.processingMu.Unlock()

	b.mu.Lock()
	batch := b.queue
	b.queue = nil
	for _, id := range batch {
		delete(b.queued, id)
	}
	b.mu.Unlock()

	for i, localID := range batch {
		if err := b.uploadOne(ctx, localID); err != nil {
			if kind, ok := syncerr.KindOf(err); ok && kind == syncerr.Throttled {
				b.engine.logger.Debug("syncengine: upload batch halted by throttling, %d item(s) requeued", len(batch)-i)
				b.requeueAll(batch[i:])
				return nil
			}
			b.engine.logger.Warn("syncengine: upload %s failed: %v", localID, err)
			b.engine.noteError(err)
			if kind, ok := syncerr.KindOf(err); ok && kind.Terminal() {
				b.engine.failOp(ctx, pendingOp{Kind: opKindUpload, Payload: localID, Attempts: maxPendingAttempts})
				continue
			}
			b.engine.enqueuePendingOp(ctx, pendingOp{Kind: opKindUpload, Payload: localID})
		}
	}
	return nil
}

type lastUploadMeta struct {
	UpdatedAt time.Time `json:"updated_at"`
}

// uploadOne performs the create-or-update for a single local task
// (spec.md §4.7.2, §4.7.8).
func (b *uploadBatcher) uploadOne(ctx context.Context, localID string) error {
	e := b.engine

	if isSubitem(localID) {
		ref, ok := taskmodel.ParseSubitem(localID)
		if ok {
			return e.batcher.enqueue(ctx, ref.ParentID)
		}
		return nil
	}

	var local taskmodel.Task
	found, err := e.store.GetJSON(ctx, e.keys.Task(localID), &local)
	if err != nil {
		return taskKeyErr(localID, err)
	}
	if !found {
		// The update notification named a key that no longer exists: that is
		// how a local delete reaches the engine. Propagate it to the planner
		// instead of silently dropping the event.
		return e.OnTaskDeleted(ctx, localID)
	}
	if !e.cfg.SyncEligibleListTypes[local.ListType] {
		return nil
	}

	var meta lastUploadMeta
	hasMeta, err := e.store.GetJSON(ctx, e.keys.LastUpload(localID), &meta)
	if err != nil {
		return taskKeyErr(localID, err)
	}
	if hasMeta && !local.UpdatedAt.After(meta.UpdatedAt) {
		return nil // coalesced: nothing changed since the last successful upload
	}

	local, err = e.foldSubitems(ctx, local)
	if err != nil {
		return taskKeyErr(localID, err)
	}

	externalID, err := e.crossw.ExternalID(ctx, localID)
	if err != nil {
		if errors.Is(err, crosswalk.ErrNotFound) {
			return e.createRemote(ctx, localID, local)
		}
		return err
	}
	return e.updateRemote(ctx, localID, externalID, local)
}

// foldSubitems appends any checklist-subitem task records owned by local
// onto its checklist before translation, so subitems reach the planner as
// checklist rows of the parent rather than as tasks of their own
// (spec.md §4.7.8). The subitem's own local ID doubles as the checklist
// item key, keeping the fold idempotent across repeated uploads.
func (e *Engine) foldSubitems(ctx context.Context, local taskmodel.Task) (taskmodel.Task, error) {
	var agg taskmodel.AggregateState
	if _, err := e.store.GetJSON(ctx, e.keys.AggregateState(), &agg); err != nil {
		return local, err
	}
	present := make(map[string]bool, len(local.ChecklistItems))
	for _, item := range local.ChecklistItems {
		present[item.ID] = true
	}
	for _, list := range agg.Lists {
		for _, t := range list {
			ref, ok := taskmodel.ParseSubitem(t.ID)
			if !ok || ref.ParentID != local.ID || present[t.ID] {
				continue
			}
			local.ChecklistItems = append(local.ChecklistItems, taskmodel.ChecklistItem{
				ID:      t.ID,
				Text:    t.Title,
				Checked: t.Status == taskmodel.StatusCompleted,
			})
			present[t.ID] = true
		}
	}
	return local, nil
}

func (e *Engine) createRemote(ctx context.Context, localID string, local taskmodel.Task) error {
	planID := e.cfg.DefaultPlanID
	allowed, err := e.capacity.Allow(ctx, planID)
	if err != nil {
		return taskKeyErr(localID, err)
	}
	if !allowed {
		return syncerr.New(syncerr.CapacityExhausted, fmt.Errorf("plan %s at capacity", planID))
	}

	remote, details, warnings := taskmodel.ToPlanner(local, e.resolver)
	for _, w := range warnings {
		e.logger.Debug("syncengine: upload %s: adapter warning: %s", localID, w)
	}
	remote.PlanID = planID

	created, err := e.planner.CreateTask(ctx, remote)
	if err != nil {
		if kind, ok := syncerr.KindOf(err); ok && kind == syncerr.CapacityExhausted {
			e.capacity.forceExhausted(planID)
		}
		return err
	}
	if _, err := e.planner.UpdateTaskDetails(ctx, created.ID, "", details); err != nil {
		e.logger.Warn("syncengine: create %s: details update failed: %v", localID, err)
	}

	if err := e.crossw.Create(ctx, localID, created.ID, created.ETag); err != nil {
		return err
	}
	e.capacity.noteCreated(planID)
	if err := e.stampSnapshot(ctx, localID, local); err != nil {
		return err
	}
	return e.stampUpload(ctx, localID, local.UpdatedAt)
}

func (e *Engine) updateRemote(ctx context.Context, localID, externalID string, local taskmodel.Task) error {
	etag, found, err := e.crossw.ETag(ctx, externalID)
	if err != nil {
		return err
	}
	if !found {
		// No cached ETag: a bare PATCH would go out with no If-Match at
		// all (spec.md §3.4 invariant 2), so force a read-refresh first.
		refreshed, err := e.planner.GetTask(ctx, externalID)
		if err != nil {
			return err
		}
		etag = refreshed.ETag
		if err := e.crossw.SetETag(ctx, externalID, etag); err != nil {
			return err
		}
	}

	remote, details, warnings := taskmodel.ToPlanner(local, e.resolver)
	for _, w := range warnings {
		e.logger.Debug("syncengine: upload %s: adapter warning: %s", localID, w)
	}
	remote.ID = externalID

	newETag, err := e.planner.UpdateTask(ctx, externalID, etag, remote)
	if err != nil {
		return err
	}
	if _, err := e.planner.UpdateTaskDetails(ctx, externalID, "", details); err != nil {
		e.logger.Warn("syncengine: update %s: details update failed: %v", localID, err)
	}
	if err := e.crossw.SetETag(ctx, externalID, newETag); err != nil {
		return err
	}
	if err := e.stampSnapshot(ctx, localID, local); err != nil {
		return err
	}
	return e.stampUpload(ctx, localID, local.UpdatedAt)
}

// lastUploadTTL bounds the coalescing stamps so deleted tasks don't leave
// them behind forever (spec.md §3.3: sync:last_upload keeps for 7 days).
const lastUploadTTL = 7 * 24 * time.Hour

func (e *Engine) stampUpload(ctx context.Context, localID string, updatedAt time.Time) error {
	if err := e.store.SetJSON(ctx, e.keys.LastUpload(localID), lastUploadMeta{UpdatedAt: updatedAt}, lastUploadTTL); err != nil {
		return err
	}
	e.noteUpload(time.Now())
	return nil
}

// stampSnapshot records the task state both sides have just agreed on, the
// baseline the conflict resolver diffs future changes against (spec.md
// §4.7.4 rule 3).
func (e *Engine) stampSnapshot(ctx context.Context, localID string, t taskmodel.Task) error {
	return e.store.SetJSON(ctx, e.keys.SyncSnapshot(localID), t, 0)
}
