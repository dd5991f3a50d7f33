package syncengine

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/antigravity-dev/taskbridge/internal/syncerr"
	"github.com/antigravity-dev/taskbridge/internal/taskmodel"
)

// errPlanInaccessible is returned by PlanTasks for a plan currently
// memoized in planner:inaccessible_plans; callers should skip it rather
// than treat it as a transient listing failure.
var errPlanInaccessible = errors.New("syncengine: plan memoized as inaccessible")

// discoveryCache is the store-backed plan/bucket discovery cache
// (spec.md §3.3): graph:plans:index and graph:buckets:{plan_id} hold
// positive results for DiscoveryCacheTTL (default 5 minutes), and
// planner:inaccessible_plans remembers a plan that came back 403 for
// InaccessiblePlanCacheTTL (default 10 minutes, spec.md §7's Forbidden
// row) so it isn't relisted on every sweep.
type discoveryCache struct {
	engine *Engine
}

func newDiscoveryCache(e *Engine) *discoveryCache {
	return &discoveryCache{engine: e}
}

func (d *discoveryCache) ttl() time.Duration {
	if d.engine.cfg.DiscoveryCacheTTL > 0 {
		return d.engine.cfg.DiscoveryCacheTTL
	}
	return 5 * time.Minute
}

func (d *discoveryCache) inaccessibleTTL() time.Duration {
	if d.engine.cfg.InaccessiblePlanCacheTTL > 0 {
		return d.engine.cfg.InaccessiblePlanCacheTTL
	}
	return 10 * time.Minute
}

// Plans returns the accessible plan list, serving graph:plans:index
// when it's still fresh and refetching through the planner otherwise.
func (d *discoveryCache) Plans(ctx context.Context) ([]string, error) {
	e := d.engine

	var cached []string
	if found, err := e.store.GetJSON(ctx, e.keys.PlansIndex(), &cached); err == nil && found {
		return cached, nil
	}

	plans, err := e.planner.DiscoverPlans(ctx)
	if err != nil {
		return nil, err
	}
	if err := e.store.SetJSON(ctx, e.keys.PlansIndex(), plans, d.ttl()); err != nil {
		e.logger.Warn("syncengine: discovery: cache plans index: %v", err)
	}
	return plans, nil
}

// PlanTasks returns planID's tasks, serving graph:buckets:{plan_id}
// when fresh. A plan already memoized as inaccessible is rejected with
// errPlanInaccessible without ever reaching the planner; a fresh 403
// memoizes it for inaccessibleTTL before returning the same error.
func (d *discoveryCache) PlanTasks(ctx context.Context, planID string) ([]taskmodel.PlannerTask, error) {
	e := d.engine

	blocked, err := e.store.SIsMember(ctx, e.keys.InaccessiblePlans(), planID)
	if err != nil {
		return nil, err
	}
	if blocked {
		return nil, errPlanInaccessible
	}

	var cached []taskmodel.PlannerTask
	if found, err := e.store.GetJSON(ctx, e.keys.PlanBuckets(planID), &cached); err == nil && found {
		return cached, nil
	}

	tasks, err := e.planner.ListPlanTasks(ctx, planID)
	if err != nil {
		if kind, ok := syncerr.KindOf(err); ok && kind == syncerr.Forbidden {
			// Memoize but surface the original 403: the first hit is worth a
			// log line, only the repeats short-circuit silently.
			if serr := e.store.SAdd(ctx, e.keys.InaccessiblePlans(), planID, d.inaccessibleTTL()); serr != nil {
				e.logger.Warn("syncengine: discovery: memoize inaccessible plan %s: %v", planID, serr)
			}
		}
		return nil, err
	}

	if err := e.store.SetJSON(ctx, e.keys.PlanBuckets(planID), tasks, d.ttl()); err != nil {
		e.logger.Warn("syncengine: discovery: cache plan %s tasks: %v", planID, err)
	}
	return tasks, nil
}

// invalidate forces the next Plans call to re-fetch, used after a
// housekeeping sweep so discovery doesn't keep serving a stale index.
func (d *discoveryCache) invalidate(ctx context.Context) {
	if err := d.engine.store.Delete(ctx, d.engine.keys.PlansIndex()); err != nil {
		d.engine.logger.Warn("syncengine: discovery: invalidate plans index: %v", err)
	}
}

// quickPollGate tracks, per plan, when a webhook-driven re-list last ran so
// a burst of notifications doesn't turn into a burst of full plan listings
// (spec.md §4.7.3).
type quickPollGate struct {
	mu   sync.Mutex
	last map[string]time.Time
}

func newQuickPollGate() *quickPollGate {
	return &quickPollGate{last: make(map[string]time.Time)}
}

// allow reports whether a quick re-poll of planID may run now, recording the
// attempt when it may. The interval is stretched by up to 25% jitter so
// every plan's gate doesn't reopen on the same tick.
func (g *quickPollGate) allow(planID string, min time.Duration) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	gap := min + time.Duration(rand.Int63n(int64(min/4+1)))
	if last, ok := g.last[planID]; ok && time.Since(last) < gap {
		return false
	}
	g.last[planID] = time.Now()
	return true
}
