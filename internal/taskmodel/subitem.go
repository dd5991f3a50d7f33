package taskmodel

import "regexp"

// subitemPattern matches local IDs of the form Task-<conv>-<parent>-<child>,
// which spec.md §4.7.8 treats as checklist subitems of a parent task rather
// than standalone planner tasks.
var subitemPattern = regexp.MustCompile(`^Task-([^-]+)-([^-]+)-([^-]+)$`)

// SubitemRef identifies the parent task and conversation a checklist
// subitem belongs to.
type SubitemRef struct {
	ConversationID string
	ParentID       string
	ChildID        string
}

// IsChecklistSubitem reports whether localID matches the checklist-subitem
// pattern.
func IsChecklistSubitem(localID string) bool {
	return subitemPattern.MatchString(localID)
}

// ParseSubitem extracts the conversation/parent/child components from a
// checklist-subitem local ID. ok is false if localID doesn't match.
func ParseSubitem(localID string) (ref SubitemRef, ok bool) {
	m := subitemPattern.FindStringSubmatch(localID)
	if m == nil {
		return SubitemRef{}, false
	}
	return SubitemRef{ConversationID: m[1], ParentID: m[2], ChildID: m[3]}, true
}
