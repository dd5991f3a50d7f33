package health

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/antigravity-dev/taskbridge/internal/store"
)

// Handler mounts a read-only probe endpoint over the sync:health snapshot
// (spec.md §7), the way external liveness/readiness checks are expected to
// consume it. Unlike the Store Gateway key itself, this is reachable from
// outside the process, which is what lets the healthcheck CLI subcommand
// inspect a separately-running server (SPEC_FULL.md's cmd/syncengine
// supplement).
func Handler(s store.Store, keys store.Keys) gin.HandlerFunc {
	return func(c *gin.Context) {
		var snap Snapshot
		ok, err := s.GetJSON(c.Request.Context(), keys.Health(), &snap)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if !ok {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unknown"})
			return
		}

		status := http.StatusOK
		if snap.Status == StatusHalted {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, snap)
	}
}

// Fetch reads the current snapshot directly, for in-process callers that
// don't need the HTTP indirection.
func Fetch(ctx context.Context, s store.Store, keys store.Keys) (Snapshot, bool, error) {
	var snap Snapshot
	ok, err := s.GetJSON(ctx, keys.Health(), &snap)
	return snap, ok, err
}
