package taskmodel

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestChangedFieldsDetectsEachDocumentedField(t *testing.T) {
	base := Task{
		Title:           "t",
		Description:     "d",
		Output:          "o",
		Status:          StatusInProgress,
		PercentComplete: 0.5,
		Priority:        PriorityNormal,
		AssignedTo:      []string{"Ada"},
		DueDate:         "2025-01-01",
		ChecklistItems:  []ChecklistItem{{ID: "1", Text: "a"}},
	}

	cases := []struct {
		name    string
		mutate  func(Task) Task
		wantKey mergeableField
	}{
		{"title", func(t Task) Task { t.Title = "changed"; return t }, FieldTitle},
		{"description", func(t Task) Task { t.Description = "changed"; return t }, FieldDescription},
		{"output", func(t Task) Task { t.Output = "changed"; return t }, FieldOutput},
		{"status", func(t Task) Task { t.Status = StatusCompleted; return t }, FieldStatus},
		{"percent", func(t Task) Task { t.PercentComplete = 0.9; return t }, FieldPercentComplete},
		{"priority", func(t Task) Task { t.Priority = PriorityUrgent; return t }, FieldPriority},
		{"assigned", func(t Task) Task { t.AssignedTo = []string{"Grace"}; return t }, FieldAssignedTo},
		{"due", func(t Task) Task { t.DueDate = "2025-02-02"; return t }, FieldDueDate},
		{"checklist", func(t Task) Task { t.ChecklistItems = []ChecklistItem{{ID: "2", Text: "b"}}; return t }, FieldChecklistItems},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			changed := ChangedFields(base, tc.mutate(base))
			assert.Len(t, changed, 1)
			assert.True(t, changed[tc.wantKey])
		})
	}
}

func TestChangedFieldsEmptyWhenIdentical(t *testing.T) {
	base := Task{Title: "same", AssignedTo: []string{"Ada"}}
	assert.Empty(t, ChangedFields(base, base))
}

func TestDisjointDetectsOverlap(t *testing.T) {
	a := map[mergeableField]bool{FieldTitle: true}
	b := map[mergeableField]bool{FieldPercentComplete: true}
	assert.True(t, Disjoint(a, b))

	b[FieldTitle] = true
	assert.False(t, Disjoint(a, b))
}

func TestMergeDisjointAppliesOnlyLocalChangedFields(t *testing.T) {
	remote := Task{Title: "remote title", PercentComplete: 0.9, Priority: PriorityLow}
	local := Task{Title: "local title", PercentComplete: 0.1, Priority: PriorityUrgent}

	merged := MergeDisjoint(remote, local, map[mergeableField]bool{FieldTitle: true})

	assert.Equal(t, "local title", merged.Title, "local's changed field must win")
	assert.Equal(t, 0.9, merged.PercentComplete, "remote's untouched-by-local field must be preserved")
	assert.Equal(t, PriorityLow, merged.Priority)
}
