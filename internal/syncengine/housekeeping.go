package syncengine

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/antigravity-dev/taskbridge/internal/crosswalk"
	"github.com/antigravity-dev/taskbridge/internal/taskmodel"
)

// cleanupLogEntry is one line appended to cleanup:log.
type cleanupLogEntry struct {
	At     time.Time `json:"at"`
	Action string    `json:"action"`
	Key    string    `json:"key"`
}

// cleanupStats is the counters document written to cleanup:stats.
type cleanupStats struct {
	RanAt              time.Time `json:"ran_at"`
	DryRun             bool      `json:"dry_run"`
	OrphanedETagsFound int       `json:"orphaned_etags_found"`
	FailedListTrimmed  int       `json:"failed_list_trimmed"`
}

// runHousekeeping is the periodic maintenance sweep (spec.md §4.7.6): by
// default it only reports what it would change (HousekeepingDryRun),
// recording findings to cleanup:log/cleanup:stats rather than mutating
// state, since the sweep runs unattended every 30 minutes.
func (e *Engine) runHousekeeping(ctx context.Context) error {
	stats := cleanupStats{RanAt: time.Now(), DryRun: e.cfg.HousekeepingDryRun}

	orphaned, err := e.findOrphanedETags(ctx)
	if err != nil {
		return err
	}
	stats.OrphanedETagsFound = len(orphaned)
	for _, externalID := range orphaned {
		e.logCleanup(ctx, "orphaned_etag", externalID)
		if e.cfg.HousekeepingDryRun {
			continue
		}
		localID, lerr := e.crossw.LocalID(ctx, externalID)
		if lerr != nil && !errors.Is(lerr, crosswalk.ErrNotFound) {
			e.logger.Warn("syncengine: housekeeping: resolve orphan %s: %v", externalID, lerr)
			continue
		}
		if lerr == nil {
			if err := e.crossw.Delete(ctx, localID, externalID); err != nil {
				e.logger.Warn("syncengine: housekeeping: delete orphaned mapping %s: %v", externalID, err)
				continue
			}
			continue
		}
		// Reverse mapping already gone; only the registry entry is left.
		if err := e.store.SRem(ctx, e.keys.CrosswalkRegistry(), externalID); err != nil {
			e.logger.Warn("syncengine: housekeeping: prune crosswalk registry %s: %v", externalID, err)
		}
	}

	failedLen, err := e.store.LLen(ctx, e.keys.Failed())
	if err == nil && failedLen > maxFailedDepth {
		stats.FailedListTrimmed = failedLen - maxFailedDepth
		if !e.cfg.HousekeepingDryRun {
			if err := e.store.LTrimToMaxFIFO(ctx, e.keys.Failed(), maxFailedDepth); err != nil {
				e.logger.Warn("syncengine: housekeeping: trim failed list: %v", err)
			}
		}
	}

	e.discover.invalidate(ctx)

	return e.store.SetJSON(ctx, e.keys.CleanupStats(), stats, 0)
}

// findOrphanedETags flags external IDs whose crosswalk mapping and ETag
// are still on record but no longer correspond to a live local task. Two
// cases produce this: a task still listed in the aggregate mirror whose
// forward/reverse mapping no longer agree, and a task deleted outright
// (no aggregate entry, no per-task key) that never went through
// OnTaskDeleted, leaving the mapping as the only trace of it. The second
// case can't be found by walking the aggregate mirror, since by
// definition the task isn't there any more — it needs the crosswalk's
// own registry of every external ID it has ever mapped (spec.md §4.3:
// "if the remote is gone, the forward entry is garbage-collected by
// housekeeping").
func (e *Engine) findOrphanedETags(ctx context.Context) ([]string, error) {
	seen := make(map[string]bool)
	var orphaned []string
	add := func(externalID string) {
		if !seen[externalID] {
			seen[externalID] = true
			orphaned = append(orphaned, externalID)
		}
	}

	var agg taskmodel.AggregateState
	if _, err := e.store.GetJSON(ctx, e.keys.AggregateState(), &agg); err != nil {
		return nil, err
	}
	present := make(map[string]bool)
	for _, list := range agg.Lists {
		for _, t := range list {
			present[t.ID] = true
			externalID, err := e.crossw.ExternalID(ctx, t.ID)
			if errors.Is(err, crosswalk.ErrNotFound) {
				continue
			}
			if err != nil {
				return nil, err
			}
			localBack, err := e.crossw.LocalID(ctx, externalID)
			if errors.Is(err, crosswalk.ErrNotFound) || localBack != t.ID {
				add(externalID)
			}
		}
	}

	registered, err := e.store.SMembers(ctx, e.keys.CrosswalkRegistry())
	if err != nil {
		return nil, err
	}
	for _, externalID := range registered {
		localID, err := e.crossw.LocalID(ctx, externalID)
		if errors.Is(err, crosswalk.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if present[localID] {
			continue
		}
		exists, err := e.store.Exists(ctx, e.keys.Task(localID))
		if err != nil {
			return nil, err
		}
		if !exists {
			add(externalID)
		}
	}

	return orphaned, nil
}

func (e *Engine) logCleanup(ctx context.Context, action, key string) {
	entry := cleanupLogEntry{At: time.Now(), Action: action, Key: key}
	raw, err := json.Marshal(entry)
	if err != nil {
		return
	}
	if err := e.store.RPush(ctx, e.keys.CleanupLog(), string(raw)); err != nil {
		e.logger.Warn("syncengine: housekeeping: log cleanup entry: %v", err)
	}
}
