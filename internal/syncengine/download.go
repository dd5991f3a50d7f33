package syncengine

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/antigravity-dev/taskbridge/internal/crosswalk"
	"github.com/antigravity-dev/taskbridge/internal/store"
	"github.com/antigravity-dev/taskbridge/internal/syncerr"
	"github.com/antigravity-dev/taskbridge/internal/taskmodel"
)

// InitialSync discovers accessible plans, reconciles every remote task
// against the local mirror, and enqueues locally-created-but-unmapped
// tasks for upload (spec.md §4.7.1).
func (e *Engine) InitialSync(ctx context.Context) error {
	plans, err := e.discover.Plans(ctx)
	if err != nil {
		return err
	}

	for _, planID := range plans {
		remoteTasks, err := e.discover.PlanTasks(ctx, planID)
		if err != nil {
			if errors.Is(err, errPlanInaccessible) {
				e.logger.Debug("syncengine: initial sync: plan %s memoized as inaccessible, skipping", planID)
				continue
			}
			e.logger.Warn("syncengine: initial sync: list plan %s: %v", planID, err)
			continue
		}
		for _, rt := range remoteTasks {
			if err := e.reconcileOneRemote(ctx, rt); err != nil {
				e.logger.Warn("syncengine: initial sync: reconcile %s: %v", rt.ID, err)
			}
		}
	}

	var agg taskmodel.AggregateState
	if _, err := e.store.GetJSON(ctx, e.keys.AggregateState(), &agg); err != nil {
		return err
	}
	for listType, tasks := range agg.Lists {
		if !e.cfg.SyncEligibleListTypes[listType] {
			continue
		}
		for _, local := range tasks {
			if isSubitem(local.ID) {
				continue
			}
			if _, err := e.crossw.ExternalID(ctx, local.ID); errors.Is(err, crosswalk.ErrNotFound) {
				if err := e.batcher.enqueue(ctx, local.ID); err != nil {
					e.logger.Warn("syncengine: initial sync: enqueue %s: %v", local.ID, err)
				}
			}
		}
	}

	e.noteDownload(time.Now())
	return nil
}

// downloadSweep is the slow download path: a full re-list of every
// accessible plan, run on PlannerPollInterval (spec.md §4.7.3).
func (e *Engine) downloadSweep(ctx context.Context) error {
	plans, err := e.discover.Plans(ctx)
	if err != nil {
		return err
	}
	for _, planID := range plans {
		tasks, err := e.discover.PlanTasks(ctx, planID)
		if err != nil {
			if errors.Is(err, errPlanInaccessible) {
				e.logger.Debug("syncengine: download sweep: plan %s memoized as inaccessible, skipping", planID)
				continue
			}
			e.logger.Warn("syncengine: download sweep: list plan %s: %v", planID, err)
			continue
		}
		for _, rt := range tasks {
			if err := e.reconcileOneRemote(ctx, rt); err != nil {
				e.logger.Warn("syncengine: download sweep: reconcile %s: %v", rt.ID, err)
			}
		}
	}
	e.noteDownload(time.Now())
	return nil
}

// reconcileRemote is the fast download path: a webhook notification names
// one external ID, which is refetched and reconciled directly without
// re-listing its plan (spec.md §4.7.3).
func (e *Engine) reconcileRemote(ctx context.Context, externalID string) error {
	remote, err := e.planner.GetTask(ctx, externalID)
	if err != nil {
		if kind, ok := syncerr.KindOf(err); ok && kind == syncerr.NotFound {
			return e.handleRemoteDeleted(ctx, externalID)
		}
		return err
	}
	if err := e.reconcileOneRemote(ctx, remote); err != nil {
		return err
	}
	e.noteDownload(time.Now())
	e.maybeQuickPollPlan(ctx, remote.PlanID)
	return nil
}

// maybeQuickPollPlan re-lists a plan after a webhook-driven reconcile to
// catch sibling changes whose notifications were dropped or delivered out
// of order, gated to at most once per MinQuickPollInterval plus jitter per
// plan (spec.md §4.7.3 quick-poll suppression).
func (e *Engine) maybeQuickPollPlan(ctx context.Context, planID string) {
	if planID == "" {
		return
	}
	if !e.quickPoll.allow(planID, e.minQuickPollInterval()) {
		return
	}

	if err := e.store.Delete(ctx, e.keys.PlanBuckets(planID)); err != nil {
		e.logger.Warn("syncengine: quick poll: invalidate plan %s cache: %v", planID, err)
	}
	tasks, err := e.discover.PlanTasks(ctx, planID)
	if err != nil {
		if !errors.Is(err, errPlanInaccessible) {
			e.logger.Warn("syncengine: quick poll: list plan %s: %v", planID, err)
		}
		return
	}
	for _, rt := range tasks {
		if err := e.reconcileOneRemote(ctx, rt); err != nil {
			e.logger.Warn("syncengine: quick poll: reconcile %s: %v", rt.ID, err)
		}
	}
}

func (e *Engine) minQuickPollInterval() time.Duration {
	if e.cfg.MinQuickPollInterval > 0 {
		return e.cfg.MinQuickPollInterval
	}
	return 5 * time.Minute
}

func (e *Engine) reconcileOneRemote(ctx context.Context, remote taskmodel.PlannerTask) error {
	details, err := e.planner.GetTaskDetails(ctx, remote.ID)
	if err != nil {
		return err
	}

	localID, err := e.crossw.LocalID(ctx, remote.ID)
	if errors.Is(err, crosswalk.ErrNotFound) {
		newLocal := taskmodel.FromPlanner(remote, details, e.resolver, nil)
		newLocal.ID = uuid.NewString()
		if err := e.saveLocalTask(ctx, newLocal); err != nil {
			return err
		}
		if err := e.crossw.Create(ctx, newLocal.ID, remote.ID, remote.ETag); err != nil {
			return err
		}
		if err := e.stampSnapshot(ctx, newLocal.ID, newLocal); err != nil {
			return err
		}
		// the task originated remotely; stamp it as already uploaded so the
		// batcher's coalescing check doesn't immediately echo it back.
		return e.stampUpload(ctx, newLocal.ID, newLocal.UpdatedAt)
	}
	if err != nil {
		return err
	}

	var local taskmodel.Task
	found, err := e.store.GetJSON(ctx, e.keys.Task(localID), &local)
	if err != nil {
		return err
	}
	if !found {
		local = taskmodel.Task{ID: localID}
	}

	remoteAsLocal := taskmodel.FromPlanner(remote, details, e.resolver, &local)
	resolved := e.resolveConflict(ctx, localID, local, remote, remoteAsLocal)
	resolved.ID = localID
	if err := e.saveLocalTask(ctx, resolved); err != nil {
		return err
	}
	if err := e.stampSnapshot(ctx, localID, resolved); err != nil {
		return err
	}
	return e.crossw.SetETag(ctx, remote.ID, remote.ETag)
}

// handleRemoteDeleted mirrors a remote deletion onto the local store and
// crosswalk (spec.md §4.7.9).
func (e *Engine) handleRemoteDeleted(ctx context.Context, externalID string) error {
	localID, err := e.crossw.LocalID(ctx, externalID)
	if errors.Is(err, crosswalk.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := e.store.Delete(ctx, e.keys.Task(localID)); err != nil {
		return err
	}
	if err := e.removeFromAggregate(ctx, localID); err != nil {
		return err
	}
	if err := e.crossw.Delete(ctx, localID, externalID); err != nil {
		return err
	}
	if err := e.store.Publish(ctx, store.ChannelTaskUpdates, localID); err != nil {
		e.logger.Warn("syncengine: publish task delete for %s: %v", localID, err)
	}
	return nil
}

// OnTaskDeleted is the local-delete-triggers-remote-delete wiring
// (spec.md §4.7.9): a local delete propagates to the planner, then the
// crosswalk entry is removed.
func (e *Engine) OnTaskDeleted(ctx context.Context, localID string) error {
	externalID, err := e.crossw.ExternalID(ctx, localID)
	if errors.Is(err, crosswalk.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	etag, _, err := e.crossw.ETag(ctx, externalID)
	if err != nil {
		return err
	}
	if err := e.planner.DeleteTask(ctx, externalID, etag); err != nil {
		if !syncerr.Is(err, syncerr.NotFound) {
			return err
		}
	}
	if err := e.removeFromAggregate(ctx, localID); err != nil {
		return err
	}
	if err := e.store.Delete(ctx, e.keys.SyncSnapshot(localID)); err != nil {
		return err
	}
	return e.crossw.Delete(ctx, localID, externalID)
}

func (e *Engine) saveLocalTask(ctx context.Context, t taskmodel.Task) error {
	if err := e.store.SetJSON(ctx, e.keys.Task(t.ID), t, 0); err != nil {
		return err
	}
	if err := e.upsertAggregate(ctx, t); err != nil {
		return err
	}
	// Local agents learn about remote-driven changes the same way they learn
	// about each other's: the authoritative tasks:updates broadcast. The
	// engine's own listener picks this up too, but the sync:last_upload stamp
	// coalesces the echo into a no-op.
	if err := e.store.Publish(ctx, store.ChannelTaskUpdates, t.ID); err != nil {
		e.logger.Warn("syncengine: publish task update for %s: %v", t.ID, err)
	}
	return nil
}

func (e *Engine) upsertAggregate(ctx context.Context, t taskmodel.Task) error {
	var agg taskmodel.AggregateState
	if _, err := e.store.GetJSON(ctx, e.keys.AggregateState(), &agg); err != nil {
		return err
	}
	if agg.Lists == nil {
		agg.Lists = make(map[taskmodel.ListType][]taskmodel.Task)
	}
	list := agg.Lists[t.ListType]
	for i, existing := range list {
		if existing.ID == t.ID {
			list[i] = t
			agg.Lists[t.ListType] = list
			return e.store.SetJSON(ctx, e.keys.AggregateState(), agg, 0)
		}
	}
	agg.Lists[t.ListType] = append(list, t)
	return e.store.SetJSON(ctx, e.keys.AggregateState(), agg, 0)
}

func (e *Engine) removeFromAggregate(ctx context.Context, localID string) error {
	var agg taskmodel.AggregateState
	found, err := e.store.GetJSON(ctx, e.keys.AggregateState(), &agg)
	if err != nil || !found {
		return err
	}
	for listType, list := range agg.Lists {
		for i, existing := range list {
			if existing.ID == localID {
				agg.Lists[listType] = append(list[:i], list[i+1:]...)
				return e.store.SetJSON(ctx, e.keys.AggregateState(), agg, 0)
			}
		}
	}
	return nil
}
