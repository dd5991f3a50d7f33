package syncengine

import (
	"context"
	"fmt"
	"sync"

	"github.com/antigravity-dev/taskbridge/internal/syncerr"
	"github.com/antigravity-dev/taskbridge/internal/taskmodel"
)

// fakePlanner is an in-memory PlannerAPI double, the same style the
// teacher's own tests use for its outbound HTTP collaborators (fake the
// interface, not the transport).
type fakePlanner struct {
	mu sync.Mutex

	tasks      map[string]taskmodel.PlannerTask
	details    map[string]taskmodel.PlannerTaskDetails
	planTasks  map[string][]string // planID -> external task IDs
	nextID     int
	planCounts map[string]int

	createErr          error
	updateErr          error
	forcedEtagMismatch bool
	rejectEmptyIfMatch bool
}

func newFakePlanner() *fakePlanner {
	return &fakePlanner{
		tasks:      make(map[string]taskmodel.PlannerTask),
		details:    make(map[string]taskmodel.PlannerTaskDetails),
		planTasks:  make(map[string][]string),
		planCounts: make(map[string]int),
	}
}

func (f *fakePlanner) GetTask(ctx context.Context, taskID string) (taskmodel.PlannerTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[taskID]
	if !ok {
		return taskmodel.PlannerTask{}, syncerr.New(syncerr.NotFound, fmt.Errorf("no such task"))
	}
	return t, nil
}

func (f *fakePlanner) GetTaskDetails(ctx context.Context, taskID string) (taskmodel.PlannerTaskDetails, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.details[taskID], nil
}

func (f *fakePlanner) ListPlanTasks(ctx context.Context, planID string) ([]taskmodel.PlannerTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []taskmodel.PlannerTask
	for _, id := range f.planTasks[planID] {
		out = append(out, f.tasks[id])
	}
	return out, nil
}

func (f *fakePlanner) CreateTask(ctx context.Context, t taskmodel.PlannerTask) (taskmodel.PlannerTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return taskmodel.PlannerTask{}, f.createErr
	}
	f.nextID++
	t.ID = fmt.Sprintf("E%d", f.nextID)
	t.ETag = fmt.Sprintf("etag-%d-1", f.nextID)
	f.tasks[t.ID] = t
	f.planTasks[t.PlanID] = append(f.planTasks[t.PlanID], t.ID)
	f.planCounts[t.PlanID]++
	return t, nil
}

func (f *fakePlanner) UpdateTask(ctx context.Context, taskID, etag string, patch taskmodel.PlannerTask) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		return "", f.updateErr
	}
	existing, ok := f.tasks[taskID]
	if !ok {
		return "", syncerr.New(syncerr.NotFound, fmt.Errorf("no such task"))
	}
	if f.rejectEmptyIfMatch && etag == "" {
		return "", syncerr.New(syncerr.BadRequest, fmt.Errorf("If-Match header required"))
	}
	if f.forcedEtagMismatch || (etag != "" && etag != existing.ETag) {
		return "", syncerr.New(syncerr.PreconditionFailed, fmt.Errorf("etag mismatch"))
	}
	patch.ID = taskID
	patch.ETag = existing.ETag + "x"
	f.tasks[taskID] = patch
	return patch.ETag, nil
}

func (f *fakePlanner) UpdateTaskDetails(ctx context.Context, taskID, etag string, patch taskmodel.PlannerTaskDetails) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	patch.ID = taskID
	f.details[taskID] = patch
	return "details-etag", nil
}

func (f *fakePlanner) DeleteTask(ctx context.Context, taskID, etag string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.tasks, taskID)
	delete(f.details, taskID)
	return nil
}

func (f *fakePlanner) DiscoverPlans(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	plans := make([]string, 0, len(f.planTasks))
	for p := range f.planTasks {
		plans = append(plans, p)
	}
	if len(plans) == 0 {
		plans = []string{"plan-default"}
	}
	return plans, nil
}

func (f *fakePlanner) PlanTaskCount(ctx context.Context, planID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.planCounts[planID], nil
}

// staticNameResolver is a trivial NameResolver for tests that don't exercise
// assignment translation specifically.
type staticNameResolver struct{}

func (staticNameResolver) UserIDForName(name string) (string, bool)   { return "", false }
func (staticNameResolver) NameForUserID(userID string) (string, bool) { return "", false }
