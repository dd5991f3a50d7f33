package syncengine

import (
	"context"
	"time"

	"github.com/antigravity-dev/taskbridge/internal/taskmodel"
)

// conflictDeadBand favors the remote side whenever both sides changed
// within this window of each other, rather than flip-flopping on clock
// skew between the local process and the planner tenant (spec.md §4.7.4).
const conflictDeadBand = 2 * time.Second

// resolveConflict picks between the locally-stored task and the version
// freshly translated from the planner, using which side actually changed
// since the last successful sync rather than always comparing timestamps:
// a side that hasn't moved contributes nothing to the decision.
func (e *Engine) resolveConflict(ctx context.Context, localID string, local taskmodel.Task, remote taskmodel.PlannerTask, remoteAsLocal taskmodel.Task) taskmodel.Task {
	var meta lastUploadMeta
	hasMeta, _ := e.store.GetJSON(ctx, e.keys.LastUpload(localID), &meta)
	localUnchanged := hasMeta && !local.UpdatedAt.After(meta.UpdatedAt)

	storedETag, hasETag, _ := e.crossw.ETag(ctx, remote.ID)
	remoteUnchanged := hasETag && storedETag == remote.ETag

	switch {
	case localUnchanged && remoteUnchanged:
		return local
	case localUnchanged:
		return remoteAsLocal
	case remoteUnchanged:
		return local
	}

	// Both sides changed since the last reconcile. Prefer a field-level
	// merge over a whole-record decision when the two sides touched
	// disjoint fields (spec.md §4.7.4 rule 3); this needs a last-agreed
	// baseline to tell "changed" from "always was".
	var baseline taskmodel.Task
	hasBaseline, _ := e.store.GetJSON(ctx, e.keys.SyncSnapshot(localID), &baseline)
	if hasBaseline {
		localChanged := taskmodel.ChangedFields(baseline, local)
		remoteChanged := taskmodel.ChangedFields(baseline, remoteAsLocal)
		if taskmodel.Disjoint(localChanged, remoteChanged) {
			return taskmodel.MergeDisjoint(remoteAsLocal, local, localChanged)
		}
	}

	remoteUpdatedAt, _ := taskmodel.ParseGraphTime(remote.LastModifiedDateTime)
	if local.UpdatedAt.Sub(remoteUpdatedAt) > conflictDeadBand {
		return local
	}
	return remoteAsLocal
}
