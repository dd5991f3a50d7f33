package syncengine

import (
	"context"
	"encoding/json"

	"github.com/antigravity-dev/taskbridge/internal/store"
)

// webhookEnvelope mirrors the fields of webhook.NormalizedEvent the engine
// actually needs; duplicated here (rather than imported) so syncengine
// doesn't have to depend on the webhook package for a three-field struct.
type webhookEnvelope struct {
	ChangeType   string `json:"changeType"`
	ResourceData struct {
		ID string `json:"id"`
	} `json:"resourceData"`
}

// runBusListener subscribes to the store's pub/sub channels that drive the
// engine's event-driven paths: tasks:updates triggers the upload batcher
// (spec.md §4.7.2), bus:planner:webhook triggers the fast download path
// (spec.md §4.7.3). bus:chat:webhook has no Sync Engine action in CORE
// scope; its notifications are received here and discarded, and no other
// component consumes them.
func (e *Engine) runBusListener(ctx context.Context) error {
	taskUpdates, err := e.store.Subscribe(ctx, store.ChannelTaskUpdates)
	if err != nil {
		return err
	}
	defer taskUpdates.Close()

	plannerWebhooks, err := e.store.Subscribe(ctx, store.ChannelPlannerWebhook)
	if err != nil {
		return err
	}
	defer plannerWebhooks.Close()

	chatWebhooks, err := e.store.Subscribe(ctx, store.ChannelChatWebhook)
	if err != nil {
		return err
	}
	defer chatWebhooks.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case localID, ok := <-taskUpdates.Channel():
			if !ok {
				return nil
			}
			if err := e.OnTaskUpdated(ctx, localID); err != nil {
				e.logger.Warn("syncengine: bus: handle tasks:updates for %s: %v", localID, err)
			}
		case payload, ok := <-plannerWebhooks.Channel():
			if !ok {
				return nil
			}
			e.handlePlannerWebhookPayload(ctx, payload)
		case _, ok := <-chatWebhooks.Channel():
			if !ok {
				return nil
			}
		}
	}
}

func (e *Engine) handlePlannerWebhookPayload(ctx context.Context, payload string) {
	var env webhookEnvelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		e.logger.Warn("syncengine: bus: malformed planner webhook payload dropped: %v", err)
		return
	}
	if env.ResourceData.ID == "" {
		return
	}

	if env.ChangeType == "deleted" {
		if err := e.handleRemoteDeleted(ctx, env.ResourceData.ID); err != nil {
			e.logger.Warn("syncengine: bus: handle delete notification for %s: %v", env.ResourceData.ID, err)
		}
		return
	}

	if err := e.OnPlannerNotification(ctx, env.ResourceData.ID); err != nil {
		e.logger.Warn("syncengine: bus: handle webhook notification for %s: %v", env.ResourceData.ID, err)
	}
}
