package syncengine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antigravity-dev/taskbridge/internal/crosswalk"
	"github.com/antigravity-dev/taskbridge/internal/taskmodel"
)

func TestFindOrphanedETagsCatchesTaskDeletedOutright(t *testing.T) {
	ctx := context.Background()
	planner := newFakePlanner()
	e, s, keys := newTestEngine(t, planner)

	local := taskmodel.Task{ID: "L7", ListType: taskmodel.ListUserTasks, Title: "will be deleted", UpdatedAt: time.Now()}
	mustSaveTask(t, ctx, s, keys, local)
	require.NoError(t, e.crossw.Create(ctx, "L7", "E7", "etag-7"))

	// Delete the task directly, the way a store-level wipe or a bug in
	// an upstream caller might, without ever going through
	// OnTaskDeleted: the per-task key and the aggregate entry both
	// disappear, but the crosswalk mapping and ETag are left behind.
	require.NoError(t, s.Delete(ctx, keys.Task("L7")))

	orphaned, err := e.findOrphanedETags(ctx)
	require.NoError(t, err)
	assert.Contains(t, orphaned, "E7", "a crosswalk entry for a task with no aggregate entry and no per-task key is exactly the garbage spec.md §4.3 describes")
}

func TestFindOrphanedETagsIgnoresLiveMappings(t *testing.T) {
	ctx := context.Background()
	planner := newFakePlanner()
	e, s, keys := newTestEngine(t, planner)

	local := taskmodel.Task{ID: "L8", ListType: taskmodel.ListUserTasks, Title: "still alive", UpdatedAt: time.Now()}
	mustSaveTask(t, ctx, s, keys, local)
	require.NoError(t, e.crossw.Create(ctx, "L8", "E8", "etag-8"))
	require.NoError(t, e.upsertAggregate(ctx, local))

	orphaned, err := e.findOrphanedETags(ctx)
	require.NoError(t, err)
	assert.NotContains(t, orphaned, "E8")
}

func TestRunHousekeepingDeletesOrphanedMappingWhenNotDryRun(t *testing.T) {
	ctx := context.Background()
	planner := newFakePlanner()
	e, s, keys := newTestEngine(t, planner)
	e.cfg.HousekeepingDryRun = false

	local := taskmodel.Task{ID: "L9", ListType: taskmodel.ListUserTasks, Title: "orphan", UpdatedAt: time.Now()}
	mustSaveTask(t, ctx, s, keys, local)
	require.NoError(t, e.crossw.Create(ctx, "L9", "E9", "etag-9"))
	require.NoError(t, s.Delete(ctx, keys.Task("L9")))

	require.NoError(t, e.runHousekeeping(ctx))

	_, err := e.crossw.LocalID(ctx, "E9")
	assert.ErrorIs(t, err, crosswalk.ErrNotFound, "a live (non-dry-run) sweep must actually remove the orphaned crosswalk entry")

	member, err := s.SIsMember(ctx, keys.CrosswalkRegistry(), "E9")
	require.NoError(t, err)
	assert.False(t, member, "the crosswalk registry must be pruned alongside the mapping")
}

func TestRunHousekeepingDryRunLeavesOrphanInPlace(t *testing.T) {
	ctx := context.Background()
	planner := newFakePlanner()
	e, s, keys := newTestEngine(t, planner)
	e.cfg.HousekeepingDryRun = true

	local := taskmodel.Task{ID: "L10", ListType: taskmodel.ListUserTasks, Title: "orphan", UpdatedAt: time.Now()}
	mustSaveTask(t, ctx, s, keys, local)
	require.NoError(t, e.crossw.Create(ctx, "L10", "E10", "etag-10"))
	require.NoError(t, s.Delete(ctx, keys.Task("L10")))

	require.NoError(t, e.runHousekeeping(ctx))

	localID, err := e.crossw.LocalID(ctx, "E10")
	require.NoError(t, err, "dry-run must only report findings, never mutate the crosswalk")
	assert.Equal(t, "L10", localID)
}
