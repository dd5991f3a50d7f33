package syncengine

import (
	"context"
	"encoding/json"
	"math/rand"
	"time"
)

// opKind discriminates the envelope stored on sync:pending (spec.md §4.7.5).
type opKind string

const (
	opKindUpload            opKind = "upload"
	opKindDownloadReconcile opKind = "download_reconcile"
)

const maxPendingAttempts = 8
const maxFailedDepth = 1000

// pendingOp is the envelope pushed onto sync:pending.
type pendingOp struct {
	OpID        string    `json:"op_id"`
	Kind        opKind    `json:"kind"`
	Payload     string    `json:"payload"`
	Attempts    int       `json:"attempts"`
	NextAttempt time.Time `json:"next_attempt_at"`
}

// enqueuePendingOp pushes a fresh op (attempts=0) onto sync:pending.
func (e *Engine) enqueuePendingOp(ctx context.Context, op pendingOp) {
	op.OpID = newOpID()
	e.pushPending(ctx, op)
}

// failOp moves op straight to sync:failed without requeueing, used for
// terminal error kinds (spec.md §4.7.7: CapacityExhausted never retries).
func (e *Engine) failOp(ctx context.Context, op pendingOp) {
	e.appendFailed(ctx, op)
}

func (e *Engine) pushPending(ctx context.Context, op pendingOp) {
	raw, err := json.Marshal(op)
	if err != nil {
		e.logger.Warn("syncengine: marshal pending op: %v", err)
		return
	}
	if err := e.store.RPush(ctx, e.keys.Pending(), string(raw)); err != nil {
		e.logger.Warn("syncengine: enqueue pending op: %v", err)
	}
}

func (e *Engine) appendFailed(ctx context.Context, op pendingOp) {
	raw, err := json.Marshal(op)
	if err != nil {
		e.logger.Warn("syncengine: marshal failed op: %v", err)
		return
	}
	if err := e.store.RPush(ctx, e.keys.Failed(), string(raw)); err != nil {
		e.logger.Warn("syncengine: append failed op: %v", err)
		return
	}
	if err := e.store.LTrimToMaxFIFO(ctx, e.keys.Failed(), maxFailedDepth); err != nil {
		e.logger.Warn("syncengine: trim failed list: %v", err)
	}
}

// runPendingWorker consumes sync:pending with a blocking pop, retrying
// failures with capped exponential backoff up to maxPendingAttempts before
// giving up to sync:failed (spec.md §4.7.5).
func (e *Engine) runPendingWorker(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		raw, ok, err := e.store.BLPop(ctx, e.keys.Pending(), 5*time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			e.logger.Warn("syncengine: pending worker pop failed: %v", err)
			continue
		}
		if !ok {
			continue // timeout elapsed, nothing queued
		}

		var op pendingOp
		if err := json.Unmarshal([]byte(raw), &op); err != nil {
			e.logger.Warn("syncengine: pending worker: malformed envelope dropped: %v", err)
			continue
		}
		if !op.NextAttempt.IsZero() && time.Now().Before(op.NextAttempt) {
			// not due yet; requeue without counting another attempt
			time.AfterFunc(time.Until(op.NextAttempt), func() { e.pushPending(context.Background(), op) })
			continue
		}

		e.processPendingOp(ctx, op)
	}
}

func (e *Engine) processPendingOp(ctx context.Context, op pendingOp) {
	var err error
	switch op.Kind {
	case opKindUpload:
		err = e.batcher.uploadOne(ctx, op.Payload)
	case opKindDownloadReconcile:
		err = e.reconcileRemote(ctx, op.Payload)
	default:
		e.logger.Warn("syncengine: pending worker: unknown op kind %q dropped", op.Kind)
		return
	}
	if err == nil {
		e.markProcessed(ctx, op.OpID)
		return
	}

	op.Attempts++
	if op.Attempts >= maxPendingAttempts {
		e.logger.Warn("syncengine: op %s exhausted retries, moving to failed: %v", op.OpID, err)
		e.appendFailed(ctx, op)
		e.noteError(err)
		return
	}

	backoff := time.Duration(1<<uint(op.Attempts)) * time.Second
	if backoff > 10*time.Minute {
		backoff = 10 * time.Minute
	}
	backoff += time.Duration(rand.Int63n(int64(backoff/2 + 1)))
	op.NextAttempt = time.Now().Add(backoff)
	e.pushPending(ctx, op)
}

func (e *Engine) markProcessed(ctx context.Context, opID string) {
	if opID == "" {
		return
	}
	today := time.Now().UTC().Format("2006-01-02")
	if err := e.store.SAdd(ctx, e.keys.Processed(today), opID, 48*time.Hour); err != nil {
		e.logger.Warn("syncengine: mark processed: %v", err)
	}
}

func newOpID() string {
	const alphabet = "0123456789abcdef"
	b := make([]byte, 16)
	for i := range b {
		b[i] = alphabet[rand.Intn(len(alphabet))]
	}
	return string(b)
}

// PendingDepth and FailedDepth satisfy health.Depths.
func (e *Engine) PendingDepth(ctx context.Context) (int, error) {
	return e.store.LLen(ctx, e.keys.Pending())
}

func (e *Engine) FailedDepth(ctx context.Context) (int, error) {
	return e.store.LLen(ctx, e.keys.Failed())
}

func (e *Engine) BackoffUntil() time.Time {
	if e.governor == nil {
		return time.Time{}
	}
	return e.governor.BackoffUntil()
}
