// Package httpsurface implements the out-of-core HTTP Surface: read/write
// proxy endpoints for chats, mail, calendar, and files that consume the
// Token Cache only and implement no sync semantics (spec.md §4.8). It is
// documented at interface level only; each handler here is a thin pass
// through to the upstream Graph-shaped resource.
package httpsurface

import (
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/antigravity-dev/taskbridge/internal/logging"
	"github.com/antigravity-dev/taskbridge/internal/token"
)

// Upstream performs the actual proxied HTTP call against the planner tenant,
// choosing delegated or app-only auth per spec.md §4.8.
type Upstream interface {
	// Do issues method against path (already resolved to either the
	// delegated shape or /users/{agentUserID}/... app-only shape) and
	// returns the upstream status code, headers to copy, and body.
	Do(ctx context.Context, method, path string, body io.Reader) (status int, header http.Header, respBody io.ReadCloser, err error)
}

// Config carries the fallback behavior spec.md §4.8 describes.
type Config struct {
	AgentUserID string // non-empty enables app-only fallback
}

// Surface wires the delegated-preferred / app-only-fallback resource
// families onto a gin engine.
type Surface struct {
	upstream Upstream
	tokens   *token.Cache
	cfg      Config
	logger   logging.Logger
}

// New builds a Surface.
func New(upstream Upstream, tokens *token.Cache, cfg Config, logger logging.Logger) *Surface {
	return &Surface{upstream: upstream, tokens: tokens, cfg: cfg, logger: logging.OrNop(logger)}
}

// RegisterRoutes mounts the resource-family proxy routes (spec.md §4.8:
// chats, mail, calendar, files) under the given group prefix.
func (s *Surface) RegisterRoutes(engine *gin.Engine, prefix string) {
	group := engine.Group(prefix)
	for _, resource := range []string{"chats", "mail", "calendar", "files"} {
		group.Any("/"+resource+"/*rest", s.proxyHandler(resource))
	}
}

func (s *Surface) proxyHandler(resource string) gin.HandlerFunc {
	return func(c *gin.Context) {
		rest := strings.TrimPrefix(c.Param("rest"), "/")
		delegatedPath := "/" + resource
		if rest != "" {
			delegatedPath += "/" + rest
		}

		status, header, body, err := s.upstream.Do(c.Request.Context(), c.Request.Method, delegatedPath, c.Request.Body)
		if err != nil && s.cfg.AgentUserID != "" {
			s.logger.Debug("httpsurface: delegated call to %s failed, falling back to app-only: %v", delegatedPath, err)
			appPath := "/users/" + s.cfg.AgentUserID + delegatedPath
			status, header, body, err = s.upstream.Do(c.Request.Context(), c.Request.Method, appPath, c.Request.Body)
		}
		if err != nil {
			s.logger.Warn("httpsurface: proxy %s %s failed: %v", c.Request.Method, delegatedPath, err)
			c.Status(http.StatusBadGateway)
			return
		}
		defer body.Close()

		for k, values := range header {
			for _, v := range values {
				c.Writer.Header().Add(k, v)
			}
		}
		c.Status(status)
		_, _ = io.Copy(c.Writer, body)
	}
}
