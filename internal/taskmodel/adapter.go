package taskmodel

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

// NotesDelimiter separates description from agent-authored output inside
// the planner's notes field (spec.md §4.4). Open Question in spec.md §9:
// whether this should be a stricter marker is left for telemetry to decide;
// the current behavior re-splits on this exact line.
const NotesDelimiter = "--- output ---"

// priorityToInt mirrors spec.md §4.4's priority table.
var priorityToInt = map[Priority]int{
	PriorityUrgent: 1,
	PriorityHigh:   3,
	PriorityNormal: 5,
	PriorityLow:    9,
}

var intToPriority = map[int]Priority{
	1: PriorityUrgent,
	3: PriorityHigh,
	5: PriorityNormal,
	9: PriorityLow,
}

// NameResolver maps a display name to a planner user ID and back. Both
// directions are needed: ToPlanner drops unknown display names (with a
// warning), FromPlanner passes through unknown user IDs verbatim so the
// round trip doesn't lose them (spec.md §4.4).
type NameResolver interface {
	UserIDForName(name string) (userID string, ok bool)
	NameForUserID(userID string) (name string, ok bool)
}

// staticResolver is the straightforward NameResolver backing the configured
// USER_NAME_MAP (spec.md §6).
type staticResolver struct {
	nameToID map[string]string
	idToName map[string]string
}

// NewStaticResolver builds a NameResolver from a configured
// displayName -> userID table.
func NewStaticResolver(nameToID map[string]string) NameResolver {
	idToName := make(map[string]string, len(nameToID))
	for name, id := range nameToID {
		idToName[id] = name
	}
	return &staticResolver{nameToID: nameToID, idToName: idToName}
}

func (r *staticResolver) UserIDForName(name string) (string, bool) {
	id, ok := r.nameToID[name]
	return id, ok
}

func (r *staticResolver) NameForUserID(userID string) (string, bool) {
	name, ok := r.idToName[userID]
	return name, ok
}

// AdapterWarning is a non-fatal issue surfaced while translating a task
// (e.g. an assignee with no configured planner user ID).
type AdapterWarning struct {
	Field   string
	Message string
}

// ToPlanner translates a canonical Task into the create/update body and the
// sibling details body the planner API expects (spec.md §4.4). It is a pure
// function: no I/O, no clock reads beyond what's already on local.
func ToPlanner(local Task, resolver NameResolver) (PlannerTask, PlannerTaskDetails, []AdapterWarning) {
	var warnings []AdapterWarning

	remote := PlannerTask{
		ID:                   local.ExternalID,
		Title:                local.Title,
		PercentComplete:      int(math.Round(local.PercentComplete * 100)),
		Priority:             priorityFor(local.Priority),
		ConversationThreadID: local.ConversationID,
	}

	if local.DueDate != "" {
		remote.DueDateTime = local.DueDate + "T00:00:00Z"
	}
	if !local.CreatedAt.IsZero() {
		remote.CreatedDateTime = FormatGraphTime(local.CreatedAt)
	}
	if local.CompletedAt != nil {
		remote.CompletedDateTime = FormatGraphTime(*local.CompletedAt)
	}

	if len(local.AssignedTo) > 0 {
		remote.Assignments = make(map[string]Assignment, len(local.AssignedTo))
		for _, name := range local.AssignedTo {
			userID, ok := resolver.UserIDForName(name)
			if !ok {
				warnings = append(warnings, AdapterWarning{
					Field:   "assigned_to",
					Message: fmt.Sprintf("no planner user id configured for display name %q; dropping assignment", name),
				})
				continue
			}
			remote.Assignments[userID] = Assignment{
				OdataType: "#microsoft.graph.plannerAssignment",
				OrderHint: " !",
			}
		}
	}

	details := PlannerTaskDetails{
		ID:    local.ExternalID,
		Notes: composeNotes(local.Description, local.Output),
	}
	if len(local.ChecklistItems) > 0 {
		details.Checklist = make(map[string]PlannerChecklistItem, len(local.ChecklistItems))
		for i, item := range local.ChecklistItems {
			id := item.ID
			if id == "" {
				id = deterministicChecklistID(local.ID, i)
			}
			details.Checklist[id] = PlannerChecklistItem{
				Title:     item.Text,
				IsChecked: item.Checked,
				OrderHint: orderHintFor(i),
			}
		}
	}

	return remote, details, warnings
}

func priorityFor(p Priority) int {
	if v, ok := priorityToInt[p]; ok {
		return v
	}
	return priorityToInt[PriorityNormal]
}

func composeNotes(description, output string) string {
	if output == "" {
		return description
	}
	if description == "" {
		return NotesDelimiter + "\n" + output
	}
	return description + "\n" + NotesDelimiter + "\n" + output
}

// splitNotes reverses composeNotes, re-splitting on the delimiter line
// (spec.md §9 Open Question: this is heuristic, not a strict marker).
func splitNotes(notes string) (description, output string) {
	idx := strings.Index(notes, "\n"+NotesDelimiter+"\n")
	if idx < 0 {
		if strings.HasPrefix(notes, NotesDelimiter+"\n") {
			return "", strings.TrimPrefix(notes, NotesDelimiter+"\n")
		}
		return notes, ""
	}
	return notes[:idx], notes[idx+len("\n"+NotesDelimiter+"\n"):]
}

func deterministicChecklistID(localID string, index int) string {
	return fmt.Sprintf("item-%s-%d", localID, index)
}

func orderHintFor(index int) string {
	return fmt.Sprintf("%d !", index)
}

// FromPlanner translates a planner task (plus its details sibling) into the
// canonical shape, merging over an optional pre-existing canonical record so
// fields the planner cannot carry (conversation_id, list_type, unknown-user
// display names) survive the round trip (spec.md §4.4).
func FromPlanner(remote PlannerTask, details PlannerTaskDetails, resolver NameResolver, existing *Task) Task {
	var local Task
	if existing != nil {
		local = *existing
	}

	local.ExternalID = remote.ID
	local.Title = remote.Title
	local.PercentComplete = float64(remote.PercentComplete) / 100.0
	local.Priority = priorityFrom(remote.Priority)
	local.Status = statusFor(remote.PercentComplete)

	if remote.DueDateTime != "" {
		local.DueDate = dueDateFromGraphTime(remote.DueDateTime)
	} else {
		local.DueDate = ""
	}
	if t, err := ParseGraphTime(remote.CreatedDateTime); err == nil && !t.IsZero() {
		local.CreatedAt = t
	}
	if remote.CompletedDateTime != "" {
		if t, err := ParseGraphTime(remote.CompletedDateTime); err == nil {
			local.CompletedAt = &t
		}
	} else if local.Status != StatusCompleted {
		local.CompletedAt = nil
	}

	if remote.ConversationThreadID != "" {
		local.ConversationID = remote.ConversationThreadID
	}

	local.AssignedTo = assignedNamesFrom(remote.Assignments, resolver)

	local.Description, local.Output = splitNotes(details.Notes)
	local.ChecklistItems = checklistFrom(details.Checklist)

	return local
}

func priorityFrom(v int) Priority {
	if p, ok := intToPriority[v]; ok {
		return p
	}
	return PriorityNormal
}

// statusFor derives status per spec.md §4.4: completed iff percentComplete
// == 100; else in_progress iff > 0; else not_started.
func statusFor(percentComplete int) Status {
	switch {
	case percentComplete >= 100:
		return StatusCompleted
	case percentComplete > 0:
		return StatusInProgress
	default:
		return StatusNotStarted
	}
}

func dueDateFromGraphTime(dueDateTime string) string {
	// dueDateTime is "YYYY-MM-DDT00:00:00Z" (date-only semantics); take the
	// date portion verbatim rather than round-tripping through time.Time to
	// avoid any timezone surprises on UTC-midnight boundaries.
	if idx := strings.IndexByte(dueDateTime, 'T'); idx > 0 {
		return dueDateTime[:idx]
	}
	return dueDateTime
}

func assignedNamesFrom(assignments map[string]Assignment, resolver NameResolver) []string {
	if len(assignments) == 0 {
		return nil
	}
	names := make([]string, 0, len(assignments))
	for userID := range assignments {
		if name, ok := resolver.NameForUserID(userID); ok {
			names = append(names, name)
		} else {
			// Unknown user IDs pass through as the raw ID so the round trip
			// doesn't silently drop the assignment.
			names = append(names, userID)
		}
	}
	sort.Strings(names)
	return names
}

func checklistFrom(checklist map[string]PlannerChecklistItem) []ChecklistItem {
	if len(checklist) == 0 {
		return nil
	}
	ids := make([]string, 0, len(checklist))
	for id := range checklist {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return checklist[ids[i]].OrderHint < checklist[ids[j]].OrderHint
	})
	items := make([]ChecklistItem, 0, len(ids))
	for _, id := range ids {
		c := checklist[id]
		items = append(items, ChecklistItem{ID: id, Text: c.Title, Checked: c.IsChecked})
	}
	return items
}
