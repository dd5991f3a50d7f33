package webhook

import (
	"context"
	"encoding/json"
	"math/rand"
	"time"

	"github.com/antigravity-dev/taskbridge/internal/logging"
	"github.com/antigravity-dev/taskbridge/internal/store"
)

const (
	retryPopTimeout  = 5 * time.Second
	maxRetryAttempts = 6
)

// retryEnvelope is what gets pushed onto the retry list when a Publish call
// fails; it carries the target channel alongside the event so a single list
// can serve both bus:planner:webhook and bus:chat:webhook failures.
type retryEnvelope struct {
	Channel  string          `json:"channel"`
	Event    NormalizedEvent `json:"event"`
	Attempts int             `json:"attempts"`
}

// StorePublisher is the production Publisher, backed directly by the Store
// Gateway's pub/sub and list primitives (spec.md §4.6 step 4). It satisfies
// applife.Component so its retry worker starts and drains alongside the
// rest of the domain stack.
type StorePublisher struct {
	store  store.Store
	keys   store.Keys
	logger logging.Logger
}

// NewStorePublisher builds a StorePublisher.
func NewStorePublisher(s store.Store, keys store.Keys, logger logging.Logger) *StorePublisher {
	return &StorePublisher{store: s, keys: keys, logger: logging.OrNop(logger)}
}

func (p *StorePublisher) Name() string { return "webhook-publisher" }

// PublishEvent broadcasts event on channel via the store's pub/sub.
func (p *StorePublisher) PublishEvent(ctx context.Context, channel string, event NormalizedEvent) error {
	raw, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return p.store.Publish(ctx, channel, string(raw))
}

// Requeue pushes a failed publish onto the bounded retry list for the
// background worker to replay (spec.md §4.6 step 4).
func (p *StorePublisher) Requeue(ctx context.Context, event NormalizedEvent) error {
	return p.pushRetry(ctx, retryEnvelope{Channel: resourceKind(event.Resource), Event: event})
}

func (p *StorePublisher) pushRetry(ctx context.Context, env retryEnvelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return p.store.RPush(ctx, p.keys.WebhookRetry(), string(raw))
}

// Start drives the retry worker until ctx is canceled.
func (p *StorePublisher) Start(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		raw, ok, err := p.store.BLPop(ctx, p.keys.WebhookRetry(), retryPopTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			p.logger.Warn("webhook: retry worker pop failed: %v", err)
			continue
		}
		if !ok {
			continue
		}

		var env retryEnvelope
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			p.logger.Warn("webhook: retry worker: malformed envelope dropped: %v", err)
			continue
		}

		if err := p.PublishEvent(ctx, env.Channel, env.Event); err != nil {
			env.Attempts++
			if env.Attempts >= maxRetryAttempts {
				p.logger.Error("webhook: event for sub %s exhausted retries, dropping: %v", env.Event.SubscriptionID, err)
				continue
			}
			backoff := time.Duration(1<<uint(env.Attempts)) * time.Second
			backoff += time.Duration(rand.Int63n(int64(backoff/2 + 1)))
			time.AfterFunc(backoff, func() { _ = p.pushRetry(context.Background(), env) })
		}
	}
}

// Drain returns immediately without waiting for in-flight retries; the
// retry list itself persists in the store across restarts.
func (p *StorePublisher) Drain(ctx context.Context) error {
	return nil
}
