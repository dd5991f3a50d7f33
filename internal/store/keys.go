package store

import "fmt"

// Keys centralizes the key patterns from spec.md §3.3 so every component
// constructs them identically instead of hand-formatting strings. All keys
// are namespaced under a configured prefix (spec.md §6).
type Keys struct {
	Prefix string
}

func (k Keys) ns(s string) string { return k.Prefix + ":" + s }

func (k Keys) Task(localID string) string { return k.ns("task:" + localID) }
func (k Keys) AggregateState() string     { return k.ns("tasks:aggregate") }

func (k Keys) IDMapLocal(localID string) string {
	return k.ns(fmt.Sprintf("sync:id_map:local:%s", localID))
}
func (k Keys) IDMapExt(externalID string) string {
	return k.ns(fmt.Sprintf("sync:id_map:ext:%s", externalID))
}
func (k Keys) ETag(externalID string) string { return k.ns(fmt.Sprintf("sync:etag:%s", externalID)) }
func (k Keys) LastUpload(localID string) string {
	return k.ns(fmt.Sprintf("sync:last_upload:%s", localID))
}
func (k Keys) CrosswalkRegistry() string { return k.ns("sync:crosswalk:registry") }
func (k Keys) SyncSnapshot(localID string) string {
	return k.ns(fmt.Sprintf("sync:snapshot:%s", localID))
}
func (k Keys) Pending() string                  { return k.ns("sync:pending") }
func (k Keys) Processed(date string) string     { return k.ns(fmt.Sprintf("sync:processed:%s", date)) }
func (k Keys) Failed() string                   { return k.ns("sync:failed") }
func (k Keys) Health() string                   { return k.ns("sync:health") }
func (k Keys) InaccessiblePlans() string        { return k.ns("planner:inaccessible_plans") }
func (k Keys) PlansIndex() string               { return k.ns("graph:plans:index") }
func (k Keys) PlanBuckets(planID string) string { return k.ns(fmt.Sprintf("graph:buckets:%s", planID)) }
func (k Keys) PlanTaskCount(planID string) string {
	return k.ns(fmt.Sprintf("graph:plan_task_count:%s", planID))
}
func (k Keys) TokenCache(kind, scopeHash string) string {
	return k.ns(fmt.Sprintf("tokens:%s:%s", kind, scopeHash))
}
func (k Keys) SubClientState(subID string) string {
	return k.ns(fmt.Sprintf("subs:clientState:%s", subID))
}
func (k Keys) SubRegistry() string  { return k.ns("subs:registry") }
func (k Keys) CleanupLog() string   { return k.ns("cleanup:log") }
func (k Keys) CleanupStats() string { return k.ns("cleanup:stats") }
func (k Keys) WebhookRetry() string { return k.ns("webhook:retry") }

// Pub/sub channels (spec.md §6).
const (
	ChannelTaskUpdates    = "tasks:updates"
	ChannelPlannerWebhook = "bus:planner:webhook"
	ChannelChatWebhook    = "bus:chat:webhook"
)
