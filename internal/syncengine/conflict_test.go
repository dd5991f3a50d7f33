package syncengine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antigravity-dev/taskbridge/internal/taskmodel"
)

func TestResolveConflictDisjointFieldsMerge(t *testing.T) {
	ctx := context.Background()
	planner := newFakePlanner()
	e, _, _ := newTestEngine(t, planner)

	baseline := taskmodel.Task{ID: "L1", Title: "original", PercentComplete: 0.2, Priority: taskmodel.PriorityNormal}
	require.NoError(t, e.stampSnapshot(ctx, "L1", baseline))
	require.NoError(t, e.stampUpload(ctx, "L1", time.Time{})) // mark local as "last synced at t=0"

	// Local changed only the title since the baseline.
	local := baseline
	local.Title = "local edit"
	local.UpdatedAt = time.Now()

	// Remote changed only percent_complete since the baseline.
	remoteAsLocal := baseline
	remoteAsLocal.PercentComplete = 0.8
	remote := taskmodel.PlannerTask{ID: "E1", LastModifiedDateTime: taskmodel.FormatGraphTime(time.Now())}

	resolved := e.resolveConflict(ctx, "L1", local, remote, remoteAsLocal)

	assert.Equal(t, "local edit", resolved.Title, "the locally-changed field must survive the merge")
	assert.Equal(t, 0.8, resolved.PercentComplete, "the remotely-changed field must survive the merge")
}

func TestResolveConflictOverlappingFieldsFallsBackToNewerWins(t *testing.T) {
	ctx := context.Background()
	planner := newFakePlanner()
	e, _, _ := newTestEngine(t, planner)

	baseline := taskmodel.Task{ID: "L2", Title: "original"}
	require.NoError(t, e.stampSnapshot(ctx, "L2", baseline))
	require.NoError(t, e.stampUpload(ctx, "L2", time.Time{}))

	local := baseline
	local.Title = "local title"
	local.UpdatedAt = time.Now()

	remoteAsLocal := baseline
	remoteAsLocal.Title = "remote title"
	// Remote is well outside the dead-band and strictly older than local.
	remoteTime := local.UpdatedAt.Add(-10 * time.Second)
	remote := taskmodel.PlannerTask{ID: "E2", LastModifiedDateTime: taskmodel.FormatGraphTime(remoteTime)}

	resolved := e.resolveConflict(ctx, "L2", local, remote, remoteAsLocal)
	assert.Equal(t, "local title", resolved.Title, "both sides touched the same field; local is strictly newer so it should win")
}

func TestResolveConflictDeadBandFavorsRemote(t *testing.T) {
	ctx := context.Background()
	planner := newFakePlanner()
	e, _, _ := newTestEngine(t, planner)

	baseline := taskmodel.Task{ID: "L3", Title: "original"}
	require.NoError(t, e.stampSnapshot(ctx, "L3", baseline))
	require.NoError(t, e.stampUpload(ctx, "L3", time.Time{}))

	now := time.Now()
	local := baseline
	local.Title = "local title"
	local.UpdatedAt = now

	remoteAsLocal := baseline
	remoteAsLocal.Title = "remote title"
	// Remote is only 1s older than local: inside the 2s dead-band, so
	// remote is authoritative for the tie (spec.md §4.7.4 rule 2).
	remote := taskmodel.PlannerTask{ID: "E3", LastModifiedDateTime: taskmodel.FormatGraphTime(now.Add(-1 * time.Second))}

	resolved := e.resolveConflict(ctx, "L3", local, remote, remoteAsLocal)
	assert.Equal(t, "remote title", resolved.Title)
}

func TestResolveConflictLocalUnchangedTakesRemote(t *testing.T) {
	ctx := context.Background()
	planner := newFakePlanner()
	e, _, _ := newTestEngine(t, planner)

	local := taskmodel.Task{ID: "L4", Title: "stale local", UpdatedAt: time.Now().Add(-time.Hour)}
	require.NoError(t, e.stampUpload(ctx, "L4", local.UpdatedAt))

	remoteAsLocal := taskmodel.Task{ID: "L4", Title: "fresh remote"}
	remote := taskmodel.PlannerTask{ID: "E4"}

	resolved := e.resolveConflict(ctx, "L4", local, remote, remoteAsLocal)
	assert.Equal(t, "fresh remote", resolved.Title)
}
