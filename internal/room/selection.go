package room

// Selection carries a work-item reference that may arrive as a stable id,
// a positional index, or both. Some call sites only have positional
// context (prev/next navigation), so the index form survives as a
// fallback, but every selection is translated to an id before anything
// downstream sees it.
type Selection struct {
	StoryID string
	Index   *int
}

// SelectionByID builds the preferred, id-carrying form.
func SelectionByID(id string) Selection {
	return Selection{StoryID: id}
}

// SelectionByIndex builds the legacy positional form.
func SelectionByIndex(idx int) Selection {
	return Selection{Index: &idx}
}

// resolve translates a selection into a concrete item id against the
// room's current order. The id wins whenever both forms are present; an
// index is resolved at receipt time, never against the sender's possibly
// stale ordering. Returns "" when nothing resolves. Callers hold r.mu.
func (r *Room) resolve(sel Selection) string {
	if sel.StoryID != "" {
		if _, ok := r.itemsByID[sel.StoryID]; ok {
			return sel.StoryID
		}
		return ""
	}
	if sel.Index != nil {
		idx := *sel.Index
		if idx >= 0 && idx < len(r.items) {
			return r.items[idx].ID
		}
	}
	return ""
}
