package syncengine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antigravity-dev/taskbridge/internal/syncerr"
	"github.com/antigravity-dev/taskbridge/internal/taskmodel"
)

func TestDiscoveryCachePlansIsStoreBacked(t *testing.T) {
	ctx := context.Background()
	planner := newFakePlanner()
	e, s, keys := newTestEngine(t, planner)

	planner.planTasks["plan-A"] = nil
	plans, err := e.discover.Plans(ctx)
	require.NoError(t, err)
	assert.Contains(t, plans, "plan-A")

	var cached []string
	found, err := s.GetJSON(ctx, keys.PlansIndex(), &cached)
	require.NoError(t, err)
	assert.True(t, found, "graph:plans:index must be populated after a discovery call")
	assert.Equal(t, plans, cached)
}

func TestDiscoveryPlanTasksServesCachedBucket(t *testing.T) {
	ctx := context.Background()
	planner := newFakePlanner()
	e, _, _ := newTestEngine(t, planner)

	planner.tasks["E1"] = taskmodel.PlannerTask{ID: "E1", PlanID: "plan-A"}
	planner.planTasks["plan-A"] = []string{"E1"}

	tasks, err := e.discover.PlanTasks(ctx, "plan-A")
	require.NoError(t, err)
	require.Len(t, tasks, 1)

	// Remove the task from the fake planner directly, bypassing the
	// cache: a second call within the TTL must still see the cached copy.
	delete(planner.tasks, "E1")
	planner.planTasks["plan-A"] = nil

	tasks, err = e.discover.PlanTasks(ctx, "plan-A")
	require.NoError(t, err)
	assert.Len(t, tasks, 1, "graph:buckets:{plan_id} should serve the cached listing within the TTL")
}

func TestDiscoveryPlanTasksMemoizesForbiddenPlan(t *testing.T) {
	ctx := context.Background()
	planner := newFakePlanner()
	e, s, keys := newTestEngine(t, planner)

	forbiddenPlanner := &forbiddenOnceOnListPlanner{fakePlanner: planner}
	e.planner = forbiddenPlanner

	_, err := e.discover.PlanTasks(ctx, "plan-locked")
	require.Error(t, err)
	assert.True(t, syncerr.Is(err, syncerr.Forbidden))

	member, err := s.SIsMember(ctx, keys.InaccessiblePlans(), "plan-locked")
	require.NoError(t, err)
	assert.True(t, member, "a 403 from ListPlanTasks must memoize the plan into planner:inaccessible_plans")

	// Subsequent calls must short-circuit on the memoized set without
	// calling the planner again.
	calls := forbiddenPlanner.calls
	_, err = e.discover.PlanTasks(ctx, "plan-locked")
	assert.True(t, errors.Is(err, errPlanInaccessible))
	assert.Equal(t, calls, forbiddenPlanner.calls, "a memoized-inaccessible plan must not be relisted")
}

func TestQuickPollGateSuppressesRepeatedPolls(t *testing.T) {
	g := newQuickPollGate()

	assert.True(t, g.allow("plan-A", time.Minute), "the first webhook in a window gets its re-poll")
	assert.False(t, g.allow("plan-A", time.Minute), "a second re-poll inside the window is suppressed")
	assert.True(t, g.allow("plan-B", time.Minute), "suppression is per plan")
}

// forbiddenOnceOnListPlanner wraps fakePlanner to return a Forbidden error
// from ListPlanTasks, counting how many times it was actually invoked.
type forbiddenOnceOnListPlanner struct {
	*fakePlanner
	calls int
}

func (f *forbiddenOnceOnListPlanner) ListPlanTasks(ctx context.Context, planID string) ([]taskmodel.PlannerTask, error) {
	f.calls++
	return nil, syncerr.New(syncerr.Forbidden, errors.New("access denied"))
}
