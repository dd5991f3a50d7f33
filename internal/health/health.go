// Package health implements the Health & Metrics component: a periodic
// sync:health snapshot plus Prometheus counters/gauges for the sync engine's
// queues and error rates (spec.md §4.7.6, §7).
package health

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/antigravity-dev/taskbridge/internal/logging"
	"github.com/antigravity-dev/taskbridge/internal/store"
)

// Status is the top-level sync:health status value.
type Status string

const (
	StatusRunning   Status = "running"
	StatusThrottled Status = "throttled" // backoff deadline in effect, drains paused
	StatusStopped   Status = "stopped"
	StatusHalted    Status = "halted" // writes halted due to ConsentRequired/BadCredentials
)

// Snapshot is the document written to sync:health (spec.md §7).
type Snapshot struct {
	Status         Status    `json:"status"`
	LastUploadAt   time.Time `json:"last_upload_at"`
	LastDownloadAt time.Time `json:"last_download_at"`
	PendingDepth   int       `json:"pending_depth"`
	FailedDepth    int       `json:"failed_depth"`
	BackoffUntil   time.Time `json:"backoff_until"`
	LastError      string    `json:"last_error,omitempty"`
}

const healthTTL = 300 * time.Second

// Depths is the queue-depth/backoff data the Reporter needs each tick,
// supplied by the caller so this package doesn't import the sync engine.
type Depths interface {
	PendingDepth(ctx context.Context) (int, error)
	FailedDepth(ctx context.Context) (int, error)
	BackoffUntil() time.Time
}

// Metrics are the Prometheus collectors exposed by the sync engine.
type Metrics struct {
	UploadsTotal      prometheus.Counter
	DownloadsTotal    prometheus.Counter
	ConflictsTotal    prometheus.Counter
	ThrottledTotal    prometheus.Counter
	FailedOpsTotal    prometheus.Counter
	PendingDepthGauge prometheus.Gauge
	FailedDepthGauge  prometheus.Gauge
}

// NewMetrics registers and returns the sync engine's Prometheus collectors.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		UploadsTotal:      prometheus.NewCounter(prometheus.CounterOpts{Name: "taskbridge_uploads_total", Help: "Tasks uploaded to the planner."}),
		DownloadsTotal:    prometheus.NewCounter(prometheus.CounterOpts{Name: "taskbridge_downloads_total", Help: "Tasks downloaded from the planner."}),
		ConflictsTotal:    prometheus.NewCounter(prometheus.CounterOpts{Name: "taskbridge_conflicts_total", Help: "Conflicting task versions resolved."}),
		ThrottledTotal:    prometheus.NewCounter(prometheus.CounterOpts{Name: "taskbridge_throttled_total", Help: "Planner calls that hit rate limiting."}),
		FailedOpsTotal:    prometheus.NewCounter(prometheus.CounterOpts{Name: "taskbridge_failed_ops_total", Help: "Pending ops moved to the dead letter list."}),
		PendingDepthGauge: prometheus.NewGauge(prometheus.GaugeOpts{Name: "taskbridge_pending_depth", Help: "Current depth of sync:pending."}),
		FailedDepthGauge:  prometheus.NewGauge(prometheus.GaugeOpts{Name: "taskbridge_failed_depth", Help: "Current depth of sync:failed."}),
	}
	registry.MustRegister(m.UploadsTotal, m.DownloadsTotal, m.ConflictsTotal, m.ThrottledTotal, m.FailedOpsTotal, m.PendingDepthGauge, m.FailedDepthGauge)
	return m
}

// Reporter owns the mutable fields of the health snapshot and periodically
// flushes them to the store.
type Reporter struct {
	store   store.Store
	keys    store.Keys
	depths  Depths
	metrics *Metrics
	logger  logging.Logger

	mu             sync.Mutex
	lastUploadAt   time.Time
	lastDownloadAt time.Time
	lastError      string
	status         Status
}

// New builds a Reporter.
func New(s store.Store, keys store.Keys, depths Depths, metrics *Metrics, logger logging.Logger) *Reporter {
	return &Reporter{store: s, keys: keys, depths: depths, metrics: metrics, logger: logging.OrNop(logger), status: StatusRunning}
}

func (r *Reporter) Name() string { return "health-reporter" }

// NoteUpload records the time of the most recent successful upload.
func (r *Reporter) NoteUpload(at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastUploadAt = at
}

// NoteDownload records the time of the most recent successful download.
func (r *Reporter) NoteDownload(at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastDownloadAt = at
}

// NoteError records the last error surfaced to health, per spec.md §7.
func (r *Reporter) NoteError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err == nil {
		r.lastError = ""
		return
	}
	r.lastError = err.Error()
}

// Halt marks the engine as write-halted (ConsentRequired/BadCredentials).
func (r *Reporter) Halt() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = StatusHalted
}

// Start runs the once-a-minute snapshot loop until ctx is canceled
// (spec.md §7: "refreshed every minute with TTL 300s").
func (r *Reporter) Start(ctx context.Context) error {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		if err := r.flush(ctx); err != nil {
			r.logger.Warn("health: flush failed: %v", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Drain writes a final snapshot with status=stopped (spec.md §5 shutdown
// sequence step 3).
func (r *Reporter) Drain(ctx context.Context) error {
	r.mu.Lock()
	r.status = StatusStopped
	r.mu.Unlock()
	return r.flush(ctx)
}

func (r *Reporter) flush(ctx context.Context) error {
	pending, err := r.depths.PendingDepth(ctx)
	if err != nil {
		return err
	}
	failed, err := r.depths.FailedDepth(ctx)
	if err != nil {
		return err
	}
	if r.metrics != nil {
		r.metrics.PendingDepthGauge.Set(float64(pending))
		r.metrics.FailedDepthGauge.Set(float64(failed))
	}

	backoffUntil := r.depths.BackoffUntil()

	r.mu.Lock()
	status := r.status
	if status == StatusRunning && time.Now().Before(backoffUntil) {
		status = StatusThrottled
	}
	snap := Snapshot{
		Status:         status,
		LastUploadAt:   r.lastUploadAt,
		LastDownloadAt: r.lastDownloadAt,
		PendingDepth:   pending,
		FailedDepth:    failed,
		BackoffUntil:   backoffUntil,
		LastError:      r.lastError,
	}
	r.mu.Unlock()

	return r.store.SetJSON(ctx, r.keys.Health(), snap, healthTTL)
}
