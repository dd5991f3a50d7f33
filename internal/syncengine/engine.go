// Package syncengine is the reconciliation core: initial full sync, the
// event-driven upload path, the timed+event-driven download path, conflict
// resolution, the pending-op worker, housekeeping, and the capacity guard
// (spec.md §4.7). It fans its cooperating loops out with golang.org/x/sync/errgroup,
// the way the rest of the domain stack favors structured concurrency over ad hoc
// goroutines.
package syncengine

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/antigravity-dev/taskbridge/internal/crosswalk"
	"github.com/antigravity-dev/taskbridge/internal/health"
	"github.com/antigravity-dev/taskbridge/internal/logging"
	"github.com/antigravity-dev/taskbridge/internal/plannerclient"
	"github.com/antigravity-dev/taskbridge/internal/ratelimit"
	"github.com/antigravity-dev/taskbridge/internal/store"
	"github.com/antigravity-dev/taskbridge/internal/taskmodel"
)

var _ health.Depths = (*Engine)(nil)

// Config carries the Sync Engine's tunables (spec.md §6, SPEC_FULL.md).
type Config struct {
	PlannerPollInterval      time.Duration
	MinQuickPollInterval     time.Duration
	UploadBatchSize          int
	UploadBatchLinger        time.Duration
	MaxTasksPerPlannerPlan   int
	HousekeepingDryRun       bool
	HousekeepingInterval     time.Duration
	DiscoveryCacheTTL        time.Duration
	InaccessiblePlanCacheTTL time.Duration
	DefaultPlanID            string
	SyncEligibleListTypes    map[taskmodel.ListType]bool
}

// DefaultSyncEligibleListTypes treats every documented list_type as
// sync-eligible; spec.md §4.7.2 names the concept but not the exact subset,
// so this is an Open Question decision recorded in DESIGN.md.
func DefaultSyncEligibleListTypes() map[taskmodel.ListType]bool {
	return map[taskmodel.ListType]bool{
		taskmodel.ListUserTasks:      true,
		taskmodel.ListResearchTasks:  true,
		taskmodel.ListSystemTwoTasks: true,
	}
}

// PlannerAPI is the subset of plannerclient.Client the engine needs,
// narrowed to an interface so tests can fake it.
type PlannerAPI interface {
	GetTask(ctx context.Context, taskID string) (taskmodel.PlannerTask, error)
	GetTaskDetails(ctx context.Context, taskID string) (taskmodel.PlannerTaskDetails, error)
	ListPlanTasks(ctx context.Context, planID string) ([]taskmodel.PlannerTask, error)
	CreateTask(ctx context.Context, t taskmodel.PlannerTask) (taskmodel.PlannerTask, error)
	UpdateTask(ctx context.Context, taskID, etag string, patch taskmodel.PlannerTask) (string, error)
	UpdateTaskDetails(ctx context.Context, taskID, etag string, patch taskmodel.PlannerTaskDetails) (string, error)
	DeleteTask(ctx context.Context, taskID, etag string) error
	DiscoverPlans(ctx context.Context) ([]string, error)
	PlanTaskCount(ctx context.Context, planID string) (int, error)
}

var _ PlannerAPI = (*plannerclient.Client)(nil)

// Engine is the Sync Engine component. It satisfies internal/applife.Component.
type Engine struct {
	cfg      Config
	store    store.Store
	keys     store.Keys
	planner  PlannerAPI
	crossw   *crosswalk.Crosswalk
	resolver taskmodel.NameResolver
	health   *health.Reporter
	governor *ratelimit.Governor
	logger   logging.Logger

	batcher   *uploadBatcher
	capacity  *capacityGuard
	discover  *discoveryCache
	quickPoll *quickPollGate
}

// New wires an Engine from its collaborators.
func New(cfg Config, s store.Store, keys store.Keys, planner PlannerAPI, crossw *crosswalk.Crosswalk, resolver taskmodel.NameResolver, reporter *health.Reporter, governor *ratelimit.Governor, logger logging.Logger) *Engine {
	logger = logging.OrNop(logger)
	if cfg.SyncEligibleListTypes == nil {
		cfg.SyncEligibleListTypes = DefaultSyncEligibleListTypes()
	}
	e := &Engine{
		cfg:      cfg,
		store:    s,
		keys:     keys,
		planner:  planner,
		crossw:   crossw,
		resolver: resolver,
		health:   reporter,
		governor: governor,
		logger:   logger,
	}
	e.batcher = newUploadBatcher(e)
	e.capacity = newCapacityGuard(e)
	e.discover = newDiscoveryCache(e)
	e.quickPoll = newQuickPollGate()
	return e
}

func (e *Engine) Name() string { return "sync-engine" }

// SetHealth wires the Health Reporter after construction, breaking the
// construction cycle between the two components: the Reporter needs the
// Engine as its health.Depths source (queue depths, backoff deadline), while
// the Engine needs the Reporter to forward upload/download/error timestamps
// (spec.md §7). Callers build the Engine with a nil reporter, build the
// Reporter from the Engine, then call SetHealth before Start.
func (e *Engine) SetHealth(reporter *health.Reporter) {
	e.health = reporter
}

// Start runs the initial sync once, then the cooperating loops until ctx is
// canceled (spec.md §4.7, §5).
func (e *Engine) Start(ctx context.Context) error {
	if err := e.InitialSync(ctx); err != nil {
		e.logger.Warn("syncengine: initial sync failed: %v", err)
	}

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error { return e.batcher.run(gctx) })
	group.Go(func() error { return e.runPendingWorker(gctx) })
	group.Go(func() error { return e.runDownloadTicker(gctx) })
	group.Go(func() error { return e.runHousekeepingTicker(gctx) })
	group.Go(func() error { return e.runBusListener(gctx) })

	return group.Wait()
}

// Drain flushes the pending upload batch within a 10s deadline (spec.md §5
// shutdown sequence). It does not itself stop webhook intake; the caller
// closes the HTTP endpoint before the group drains.
func (e *Engine) Drain(ctx context.Context) error {
	drainCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return e.batcher.drainAll(drainCtx)
}

// OnTaskUpdated is the tasks:updates subscription handler: it enqueues the
// local task for upload consideration (spec.md §4.7.2).
func (e *Engine) OnTaskUpdated(ctx context.Context, localID string) error {
	return e.batcher.enqueue(ctx, localID)
}

// OnPlannerNotification is the fast download path: a webhook fired for a
// planner resource triggers a targeted refetch and reconcile (spec.md
// §4.7.3).
func (e *Engine) OnPlannerNotification(ctx context.Context, externalID string) error {
	return e.reconcileRemote(ctx, externalID)
}

func (e *Engine) runDownloadTicker(ctx context.Context) error {
	interval := e.cfg.PlannerPollInterval
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := e.downloadSweep(ctx); err != nil {
				e.logger.Warn("syncengine: download sweep failed: %v", err)
			}
		}
	}
}

func (e *Engine) runHousekeepingTicker(ctx context.Context) error {
	interval := e.cfg.HousekeepingInterval
	if interval <= 0 {
		interval = 30 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := e.runHousekeeping(ctx); err != nil {
				e.logger.Warn("syncengine: housekeeping failed: %v", err)
			}
		}
	}
}

// noteUpload/noteDownload forward success timestamps to the health reporter,
// tolerating a nil reporter in tests.
func (e *Engine) noteUpload(at time.Time) {
	if e.health != nil {
		e.health.NoteUpload(at)
	}
}

func (e *Engine) noteDownload(at time.Time) {
	if e.health != nil {
		e.health.NoteDownload(at)
	}
}

func (e *Engine) noteError(err error) {
	if e.health != nil {
		e.health.NoteError(err)
	}
}

func isSubitem(localID string) bool {
	return taskmodel.IsChecklistSubitem(localID)
}

func taskKeyErr(localID string, err error) error {
	return fmt.Errorf("syncengine: task %s: %w", localID, err)
}
