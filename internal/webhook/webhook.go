// Package webhook implements the Webhook Router: the HTTP endpoint the
// planner and chat change-notification subscriptions call into, including
// the validation handshake, clientState verification, and duplicate
// suppression (spec.md §4.6). Its dedup cache follows the teacher's
// LRU-plus-timestamp pattern for inbound message deduplication.
package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/antigravity-dev/taskbridge/internal/logging"
)

const dedupCacheSize = 4096

// Notification is the planner/chat webhook envelope's per-item shape.
type Notification struct {
	SubscriptionID string          `json:"subscriptionId"`
	ChangeType     string          `json:"changeType"`
	Resource       string          `json:"resource"`
	ClientState    string          `json:"clientState"`
	ResourceData   json.RawMessage `json:"resourceData"`
}

type envelope struct {
	Value []Notification `json:"value"`
}

// NormalizedEvent is what gets published to the bus after validation
// (spec.md §4.6 step 3).
type NormalizedEvent struct {
	ChangeType     string          `json:"changeType"`
	Resource       string          `json:"resource"`
	ResourceData   json.RawMessage `json:"resourceData"`
	SubscriptionID string          `json:"subscriptionId"`
	ReceivedAt     time.Time       `json:"receivedAt"`
}

// StateVerifier checks a notification's clientState against the registry
// entry for its subscription. Satisfied by subscription.Manager.
type StateVerifier interface {
	VerifyClientState(ctx context.Context, subscriptionID, clientState string) (bool, error)
}

// Publisher publishes normalized events to the bus and re-queues on
// publish failure per spec.md §4.6 step 4.
type Publisher interface {
	PublishEvent(ctx context.Context, channel string, event NormalizedEvent) error
	Requeue(ctx context.Context, event NormalizedEvent) error
}

// Router is the Webhook Router component.
type Router struct {
	verifier  StateVerifier
	publisher Publisher
	logger    logging.Logger

	dedupMu    sync.Mutex
	dedupCache *lru.Cache[string, struct{}]

	// now is overridable in tests.
	now func() time.Time
}

// New builds a Router. The bus channel for each notification is chosen
// from its resource path by resourceKind.
func New(verifier StateVerifier, publisher Publisher, logger logging.Logger) *Router {
	cache, _ := lru.New[string, struct{}](dedupCacheSize)
	return &Router{
		verifier:   verifier,
		publisher:  publisher,
		logger:     logging.OrNop(logger),
		dedupCache: cache,
		now:        time.Now,
	}
}

// resourceKind classifies a notification's resource path to choose its bus
// channel.
func resourceKind(resource string) (channel string) {
	if len(resource) >= 6 && resource[:6] == "/chats" {
		return "bus:chat:webhook"
	}
	return "bus:planner:webhook"
}

// RegisterRoutes wires the webhook endpoint onto a gin engine.
func (r *Router) RegisterRoutes(engine *gin.Engine, path string) {
	engine.Any(path, r.handle)
}

func (r *Router) handle(c *gin.Context) {
	if token := c.Query("validationToken"); token != "" {
		// Subscription handshake: echo the token verbatim as text/plain.
		// Nothing else may run first; the planner abandons the subscription
		// if the echo takes longer than its handshake deadline.
		c.Data(http.StatusOK, "text/plain", []byte(token))
		return
	}

	var env envelope
	if err := c.ShouldBindJSON(&env); err != nil {
		r.logger.Warn("webhook: malformed envelope: %v", err)
		c.Status(http.StatusAccepted)
		return
	}

	ctx := c.Request.Context()
	for _, n := range env.Value {
		r.processOne(ctx, n)
	}
	c.Status(http.StatusAccepted)
}

func (r *Router) processOne(ctx context.Context, n Notification) {
	ok, err := r.verifier.VerifyClientState(ctx, n.SubscriptionID, n.ClientState)
	if err != nil {
		r.logger.Warn("webhook: clientState verification error for sub %s: %v", n.SubscriptionID, err)
		return
	}
	if !ok {
		r.logger.Warn("webhook: clientState mismatch for sub %s, dropping", n.SubscriptionID)
		return
	}

	key := dedupKey(n)
	if r.isDuplicate(key) {
		r.logger.Debug("webhook: duplicate notification suppressed: %s", key)
		return
	}

	event := NormalizedEvent{
		ChangeType:     n.ChangeType,
		Resource:       n.Resource,
		ResourceData:   n.ResourceData,
		SubscriptionID: n.SubscriptionID,
		ReceivedAt:     r.now(),
	}

	if err := r.publisher.PublishEvent(ctx, resourceKind(n.Resource), event); err != nil {
		r.logger.Warn("webhook: publish failed, re-queuing: %v", err)
		if rerr := r.publisher.Requeue(ctx, event); rerr != nil {
			r.logger.Error("webhook: requeue after publish failure also failed: %v", rerr)
		}
	}
}

// dedupKey mirrors spec.md §4.6: "(resource, changeType, resourceData.id,
// resourceData.etag?)".
func dedupKey(n Notification) string {
	var parsed struct {
		ID   string `json:"id"`
		ETag string `json:"@odata.etag"`
	}
	_ = json.Unmarshal(n.ResourceData, &parsed)
	return n.Resource + "|" + n.ChangeType + "|" + parsed.ID + "|" + parsed.ETag
}

func (r *Router) isDuplicate(key string) bool {
	r.dedupMu.Lock()
	defer r.dedupMu.Unlock()
	if r.dedupCache == nil {
		return false
	}
	if r.dedupCache.Contains(key) {
		return true
	}
	r.dedupCache.Add(key, struct{}{})
	return false
}
