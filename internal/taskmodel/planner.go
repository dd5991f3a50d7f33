package taskmodel

import "time"

// Assignment is one entry in a PlannerTask's assignments map.
type Assignment struct {
	OdataType string `json:"@odata.type"`
	OrderHint string `json:"orderHint"`
}

// PlannerChecklistItem is one entry in a PlannerTask's checklist map.
type PlannerChecklistItem struct {
	Title     string `json:"title"`
	IsChecked bool   `json:"isChecked"`
	OrderHint string `json:"orderHint,omitempty"`
}

// PlannerTask is the remote shape (spec.md §3.2). PercentComplete is an
// integer 0-100; Priority follows the planner's integer table
// (1=urgent, 3=high, 5=normal, 9=low).
type PlannerTask struct {
	ID                   string                `json:"id"`
	PlanID               string                `json:"planId"`
	BucketID             string                `json:"bucketId"`
	Title                string                `json:"title"`
	PercentComplete      int                   `json:"percentComplete"`
	Priority             int                   `json:"priority"`
	Assignments          map[string]Assignment `json:"assignments"`
	DueDateTime          string                `json:"dueDateTime,omitempty"`
	CreatedDateTime      string                `json:"createdDateTime,omitempty"`
	CompletedDateTime    string                `json:"completedDateTime,omitempty"`
	ConversationThreadID string                `json:"conversationThreadId,omitempty"`
	ETag                 string                `json:"@odata.etag,omitempty"`

	// LastModifiedDateTime is surfaced by the planner for conflict
	// resolution (spec.md §4.7.4) but is not itself a create/update field.
	LastModifiedDateTime string `json:"lastModifiedDateTime,omitempty"`
}

// PlannerTaskDetails is the sibling "task details" resource carrying notes
// and the checklist, with its own ETag (spec.md §3.2).
type PlannerTaskDetails struct {
	ID        string                          `json:"id"`
	Notes     string                          `json:"description,omitempty"`
	Checklist map[string]PlannerChecklistItem `json:"checklist,omitempty"`
	ETag      string                          `json:"@odata.etag,omitempty"`
}

// ParseGraphTime parses the planner's ISO-8601 UTC timestamps, treating an
// empty string as the zero time.
func ParseGraphTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

// FormatGraphTime renders t in the planner's ISO-8601 UTC form, or "" for
// the zero time.
func FormatGraphTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format("2006-01-02T15:04:05.0000000Z")
}
