package syncengine

import (
	"context"
	"sync"
	"time"
)

const defaultMaxTasksPerPlannerPlan = 200

// capacityGuard caches per-plan task counts and refuses new-task uploads
// into plans that have reached MaxTasksPerPlannerPlan (spec.md §4.7.7).
type capacityGuard struct {
	engine *Engine

	mu        sync.Mutex
	counts    map[string]int
	refreshed map[string]time.Time
}

func newCapacityGuard(e *Engine) *capacityGuard {
	return &capacityGuard{
		engine:    e,
		counts:    make(map[string]int),
		refreshed: make(map[string]time.Time),
	}
}

func (g *capacityGuard) limit() int {
	if g.engine.cfg.MaxTasksPerPlannerPlan > 0 {
		return g.engine.cfg.MaxTasksPerPlannerPlan
	}
	return defaultMaxTasksPerPlannerPlan
}

func (g *capacityGuard) refreshInterval() time.Duration {
	return 5 * time.Minute
}

// Allow reports whether planID has room for another task, refreshing its
// cached count if stale.
func (g *capacityGuard) Allow(ctx context.Context, planID string) (bool, error) {
	count, err := g.count(ctx, planID)
	if err != nil {
		return false, err
	}
	return count < g.limit(), nil
}

func (g *capacityGuard) count(ctx context.Context, planID string) (int, error) {
	g.mu.Lock()
	last, seen := g.refreshed[planID]
	cached := g.counts[planID]
	g.mu.Unlock()

	if seen && time.Since(last) < g.refreshInterval() {
		return cached, nil
	}

	count, err := g.engine.planner.PlanTaskCount(ctx, planID)
	if err != nil {
		if seen {
			// stale data beats no data when the planner call fails transiently
			return cached, nil
		}
		return 0, err
	}

	g.mu.Lock()
	g.counts[planID] = count
	g.refreshed[planID] = time.Now()
	g.mu.Unlock()
	return count, nil
}

// noteCreated bumps the cached count without a round trip, so a burst of
// creates into the same plan within one refresh window still sees an
// up-to-date count.
func (g *capacityGuard) noteCreated(planID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.counts[planID]++
}

// forceExhausted pins planID's cached count to the limit so every
// subsequent create is blocked locally without another HTTP round trip,
// per spec.md §4.7.7/scenario 5: a 403 MaximumActiveTasksInProject forces
// the cached count to MAX rather than waiting out the refresh interval.
func (g *capacityGuard) forceExhausted(planID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.counts[planID] = g.limit()
	g.refreshed[planID] = time.Now()
}
