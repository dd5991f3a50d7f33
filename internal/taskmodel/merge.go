package taskmodel

import "reflect"

// mergeableField names the documented Task fields the conflict resolver
// reasons about (spec.md §4.7.4's "disjoint fields" rule). Bookkeeping
// fields (ID, ExternalID, timestamps, RawRemote) are deliberately excluded:
// they aren't something either side "changes" in the conflict sense.
type mergeableField string

const (
	FieldTitle           mergeableField = "title"
	FieldDescription     mergeableField = "description"
	FieldOutput          mergeableField = "output"
	FieldStatus          mergeableField = "status"
	FieldPercentComplete mergeableField = "percent_complete"
	FieldPriority        mergeableField = "priority"
	FieldAssignedTo      mergeableField = "assigned_to"
	FieldDueDate         mergeableField = "due_date"
	FieldChecklistItems  mergeableField = "checklist_items"
)

// ChangedFields reports which documented fields differ between base (the
// last-reconciled snapshot both sides agreed on) and candidate.
func ChangedFields(base, candidate Task) map[mergeableField]bool {
	changed := make(map[mergeableField]bool)
	if base.Title != candidate.Title {
		changed[FieldTitle] = true
	}
	if base.Description != candidate.Description {
		changed[FieldDescription] = true
	}
	if base.Output != candidate.Output {
		changed[FieldOutput] = true
	}
	if base.Status != candidate.Status {
		changed[FieldStatus] = true
	}
	if base.PercentComplete != candidate.PercentComplete {
		changed[FieldPercentComplete] = true
	}
	if base.Priority != candidate.Priority {
		changed[FieldPriority] = true
	}
	if !reflect.DeepEqual(base.AssignedTo, candidate.AssignedTo) {
		changed[FieldAssignedTo] = true
	}
	if base.DueDate != candidate.DueDate {
		changed[FieldDueDate] = true
	}
	if !reflect.DeepEqual(base.ChecklistItems, candidate.ChecklistItems) {
		changed[FieldChecklistItems] = true
	}
	return changed
}

// Disjoint reports whether two changed-field sets share no field, the
// precondition for the field-level merge spec.md §4.7.4 prefers over a
// whole-record newer-wins decision.
func Disjoint(a, b map[mergeableField]bool) bool {
	for f := range a {
		if b[f] {
			return false
		}
	}
	return true
}

// MergeDisjoint applies localChanged's fields from local onto remote,
// field by field, leaving every field remote didn't change (and local did)
// intact and every field local didn't touch as remote's value. Metadata
// (ID, ExternalID, timestamps, RawRemote, ConversationID, ListType) always
// comes from remote's carrier since those aren't part of the conflict.
func MergeDisjoint(remote Task, local Task, localChanged map[mergeableField]bool) Task {
	merged := remote
	if localChanged[FieldTitle] {
		merged.Title = local.Title
	}
	if localChanged[FieldDescription] {
		merged.Description = local.Description
	}
	if localChanged[FieldOutput] {
		merged.Output = local.Output
	}
	if localChanged[FieldStatus] {
		merged.Status = local.Status
	}
	if localChanged[FieldPercentComplete] {
		merged.PercentComplete = local.PercentComplete
	}
	if localChanged[FieldPriority] {
		merged.Priority = local.Priority
	}
	if localChanged[FieldAssignedTo] {
		merged.AssignedTo = local.AssignedTo
	}
	if localChanged[FieldDueDate] {
		merged.DueDate = local.DueDate
	}
	if localChanged[FieldChecklistItems] {
		merged.ChecklistItems = local.ChecklistItems
	}
	return merged
}
