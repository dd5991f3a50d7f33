// Package taskmodel holds the two task shapes the sync engine bridges — the
// local canonical task and the planner's remote task — plus the pure
// translation between them (spec.md §3, §4.4). No I/O lives here.
package taskmodel

import "time"

// ListType buckets tasks for the aggregate state document (spec.md §3.1).
type ListType string

const (
	ListUserTasks      ListType = "user_tasks"
	ListResearchTasks  ListType = "research_tasks"
	ListSystemTwoTasks ListType = "system_two_tasks"
)

// Status is the canonical task lifecycle state.
type Status string

const (
	StatusNotStarted Status = "not_started"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
)

// Priority is the canonical priority enum.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// ChecklistItem is one round-tripped checklist row.
type ChecklistItem struct {
	ID      string `json:"id"`
	Text    string `json:"text"`
	Checked bool   `json:"checked"`
}

// Task is the local canonical record (spec.md §3.1).
type Task struct {
	ID              string          `json:"id"`
	ExternalID      string          `json:"external_id,omitempty"`
	ListType        ListType        `json:"list_type"`
	Title           string          `json:"title"`
	Description     string          `json:"description,omitempty"`
	Output          string          `json:"output,omitempty"`
	Status          Status          `json:"status"`
	PercentComplete float64         `json:"percent_complete"`
	Priority        Priority        `json:"priority"`
	AssignedTo      []string        `json:"assigned_to,omitempty"`
	DueDate         string          `json:"due_date,omitempty"` // "YYYY-MM-DD"
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
	ConversationID  string          `json:"conversation_id,omitempty"`
	ChecklistItems  []ChecklistItem `json:"checklist_items,omitempty"`

	// RawRemote stashes the last-seen remote document verbatim so fields the
	// planner carries but this record doesn't model are preserved across a
	// round trip instead of silently dropped (SPEC_FULL.md "dynamic shape at
	// the boundary").
	RawRemote map[string]any `json:"raw_remote,omitempty"`
}

// AggregateState is the best-effort mirror document grouping tasks by
// ListType (spec.md §3.1).
type AggregateState struct {
	Lists map[ListType][]Task `json:"lists"`
}

// checklistSubitemPattern-style IDs are handled in taskmodel/subitem.go.
