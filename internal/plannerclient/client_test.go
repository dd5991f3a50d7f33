package plannerclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antigravity-dev/taskbridge/internal/ratelimit"
	"github.com/antigravity-dev/taskbridge/internal/store"
	"github.com/antigravity-dev/taskbridge/internal/syncerr"
	"github.com/antigravity-dev/taskbridge/internal/taskmodel"
	"github.com/antigravity-dev/taskbridge/internal/token"
)

type staticMinter struct{}

func (staticMinter) Mint(ctx context.Context, kind token.Kind, scopes []string) (string, time.Duration, error) {
	return "test-access-token", time.Hour, nil
}

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	tokens := token.New(store.NewMemoryStore(), store.Keys{Prefix: "taskbridge"}, staticMinter{}, []string{"Tasks.ReadWrite"})
	governor := ratelimit.New(1000, 1000)
	return New(srv.URL, tokens, governor, []string{"Tasks.ReadWrite"}, srv.Client()), srv
}

func TestGetTaskDecodesAndCapturesETag(t *testing.T) {
	c, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-access-token", r.Header.Get("Authorization"))
		w.Header().Set("ETag", `W/"1"`)
		w.Write([]byte(`{"id":"T1","title":"hello","percentComplete":50}`))
	})
	defer srv.Close()

	task, err := c.GetTask(context.Background(), "T1")

	require.NoError(t, err)
	assert.Equal(t, "hello", task.Title)
	assert.Equal(t, `W/"1"`, task.ETag)
}

func TestUpdateTaskSendsIfMatchHeader(t *testing.T) {
	var gotIfMatch string
	c, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotIfMatch = r.Header.Get("If-Match")
		w.Header().Set("ETag", `W/"2"`)
		w.WriteHeader(http.StatusOK)
	})
	defer srv.Close()

	etag, err := c.UpdateTask(context.Background(), "T1", `W/"1"`, taskmodelTask())

	require.NoError(t, err)
	assert.Equal(t, `W/"1"`, gotIfMatch)
	assert.Equal(t, `W/"2"`, etag)
}

func TestForbiddenWithCapacityMessageClassifiesAsCapacityExhausted(t *testing.T) {
	c, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"error":{"code":"MaximumActiveTasksInProject"}}`))
	})
	defer srv.Close()

	_, err := c.CreateTask(context.Background(), taskmodelTask())

	require.Error(t, err)
	assert.True(t, syncerr.Is(err, syncerr.CapacityExhausted))
}

func TestThrottledResponseSetsBackoffAndReturnsThrottledKind(t *testing.T) {
	c, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "1")
		w.WriteHeader(http.StatusTooManyRequests)
	})
	defer srv.Close()

	_, err := c.GetTask(context.Background(), "T1")

	require.Error(t, err)
	assert.True(t, syncerr.Is(err, syncerr.Throttled))
	assert.True(t, c.governor.BackoffUntil().After(time.Now()))
}

func TestDeleteTaskRetriesOncePreconditionFailed(t *testing.T) {
	attempts := 0
	c, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			w.Header().Set("ETag", `W/"fresh"`)
			w.Write([]byte(`{"id":"T1"}`))
			return
		}
		attempts++
		ifMatch := r.Header.Get("If-Match")
		if attempts == 1 {
			assert.Equal(t, `W/"stale"`, ifMatch)
			w.WriteHeader(http.StatusPreconditionFailed)
			return
		}
		assert.Equal(t, `W/"fresh"`, ifMatch)
		w.WriteHeader(http.StatusNoContent)
	})
	defer srv.Close()

	err := c.DeleteTask(context.Background(), "T1", `W/"stale"`)

	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
}

func taskmodelTask() taskmodel.PlannerTask {
	return taskmodel.PlannerTask{ID: "T1", Title: "hello"}
}
