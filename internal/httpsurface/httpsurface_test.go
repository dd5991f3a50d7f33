package httpsurface

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeUpstream struct {
	delegatedErr error
	calls        []string
}

func (f *fakeUpstream) Do(ctx context.Context, method, path string, body io.Reader) (int, http.Header, io.ReadCloser, error) {
	f.calls = append(f.calls, path)
	if strings.HasPrefix(path, "/users/") || f.delegatedErr == nil {
		return http.StatusOK, http.Header{"X-Upstream": []string{"yes"}}, io.NopCloser(strings.NewReader(`{"ok":true}`)), nil
	}
	return 0, nil, nil, f.delegatedErr
}

func newTestSurface(upstream Upstream, cfg Config) *gin.Engine {
	gin.SetMode(gin.TestMode)
	s := New(upstream, nil, cfg, nil)
	engine := gin.New()
	s.RegisterRoutes(engine, "/proxy")
	return engine
}

func TestProxyDelegatedSuccess(t *testing.T) {
	upstream := &fakeUpstream{}
	engine := newTestSurface(upstream, Config{})

	req := httptest.NewRequest(http.MethodGet, "/proxy/chats/123/messages", nil)
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ok":true}`, rec.Body.String())
	require.Len(t, upstream.calls, 1)
	assert.Equal(t, "/chats/123/messages", upstream.calls[0])
}

func TestProxyFallsBackToAppOnlyWhenDelegatedFails(t *testing.T) {
	upstream := &fakeUpstream{delegatedErr: errors.New("delegated auth unavailable")}
	engine := newTestSurface(upstream, Config{AgentUserID: "agent-1"})

	req := httptest.NewRequest(http.MethodGet, "/proxy/mail/messages", nil)
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, upstream.calls, 2)
	assert.Equal(t, "/mail/messages", upstream.calls[0])
	assert.Equal(t, "/users/agent-1/mail/messages", upstream.calls[1])
}

func TestProxyReturnsBadGatewayWithoutFallbackConfigured(t *testing.T) {
	upstream := &fakeUpstream{delegatedErr: errors.New("delegated auth unavailable")}
	engine := newTestSurface(upstream, Config{})

	req := httptest.NewRequest(http.MethodGet, "/proxy/calendar/events", nil)
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	require.Len(t, upstream.calls, 1)
}
