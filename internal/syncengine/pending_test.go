package syncengine

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antigravity-dev/taskbridge/internal/taskmodel"
)

func TestProcessPendingOpMarksProcessedOnSuccess(t *testing.T) {
	ctx := context.Background()
	planner := newFakePlanner()
	e, s, keys := newTestEngine(t, planner)

	local := taskmodel.Task{ID: "P1", ListType: taskmodel.ListUserTasks, Title: "pending upload", UpdatedAt: time.Now()}
	mustSaveTask(t, ctx, s, keys, local)

	op := pendingOp{OpID: "op-1", Kind: opKindUpload, Payload: "P1"}
	e.processPendingOp(ctx, op)

	today := time.Now().UTC().Format("2006-01-02")
	member, err := s.SIsMember(ctx, keys.Processed(today), "op-1")
	require.NoError(t, err)
	assert.True(t, member, "successful ops must land in sync:processed:{today} (spec.md invariant 3)")

	failedLen, err := s.LLen(ctx, keys.Failed())
	require.NoError(t, err)
	assert.Zero(t, failedLen)
}

func TestProcessPendingOpRetriesThenDeadLetters(t *testing.T) {
	ctx := context.Background()
	planner := newFakePlanner()
	e, _, keys := newTestEngine(t, planner)

	// Payload names a task that was never saved locally, so uploadOne's
	// GetJSON "found" check returns false and the op "succeeds" as a no-op
	// — to force a genuine failure path, point it at a planner create error
	// instead by uploading a task with an impossible list type mapping is
	// awkward; simplest reliable failure is a malformed op kind the worker
	// can't dispatch... but that path logs and returns without retrying.
	// Use a kind it does dispatch but whose payload will error: a download
	// reconcile against an external ID the fake planner errors on only via
	// NotFound, which itself is handled gracefully. So directly drive
	// processPendingOp past maxPendingAttempts using a kind that always
	// errors: an upload op whose task JSON is corrupt triggers a real error.
	require.NoError(t, e.store.Set(ctx, keys.Task("broken"), "{not json", 0))

	op := pendingOp{OpID: "op-2", Kind: opKindUpload, Payload: "broken", Attempts: maxPendingAttempts - 1}
	e.processPendingOp(ctx, op)

	raw, err := e.store.LRange(ctx, keys.Failed(), 0, -1)
	require.NoError(t, err)
	require.Len(t, raw, 1)

	var failed pendingOp
	require.NoError(t, json.Unmarshal([]byte(raw[0]), &failed))
	assert.Equal(t, "op-2", failed.OpID)
	assert.Equal(t, maxPendingAttempts, failed.Attempts)

	pendingLen, err := e.store.LLen(ctx, keys.Pending())
	require.NoError(t, err)
	assert.Zero(t, pendingLen, "an exhausted op must not be requeued onto sync:pending")
}

func TestProcessPendingOpRequeuesBelowAttemptCap(t *testing.T) {
	ctx := context.Background()
	planner := newFakePlanner()
	e, _, keys := newTestEngine(t, planner)

	require.NoError(t, e.store.Set(ctx, keys.Task("broken2"), "{not json", 0))

	op := pendingOp{OpID: "op-3", Kind: opKindUpload, Payload: "broken2", Attempts: 0}
	e.processPendingOp(ctx, op)

	failedLen, err := e.store.LLen(ctx, keys.Failed())
	require.NoError(t, err)
	assert.Zero(t, failedLen, "an op below the attempt cap must retry, not dead-letter")

	pendingLen, err := e.store.LLen(ctx, keys.Pending())
	require.NoError(t, err)
	assert.Equal(t, 1, pendingLen)

	raw, err := e.store.LRange(ctx, keys.Pending(), 0, -1)
	require.NoError(t, err)
	var requeued pendingOp
	require.NoError(t, json.Unmarshal([]byte(raw[0]), &requeued))
	assert.Equal(t, 1, requeued.Attempts)
	assert.True(t, requeued.NextAttempt.After(time.Now()), "retry must be scheduled in the future")
}

func TestFailedListBoundedAtCap(t *testing.T) {
	ctx := context.Background()
	e, _, keys := newTestEngine(t, newFakePlanner())

	for i := 0; i < maxFailedDepth+5; i++ {
		e.appendFailed(ctx, pendingOp{OpID: "x"})
	}
	n, err := e.store.LLen(ctx, keys.Failed())
	require.NoError(t, err)
	assert.LessOrEqual(t, n, maxFailedDepth, "spec.md invariant 4: |sync:failed| <= 1000 at all times")
}
