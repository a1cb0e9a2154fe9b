package room

import (
	"sync"
	"time"

	"github.com/scrumdeck/scrumdeck/internal/protocol"
)

// Member is one participant in a room, keyed by a connection-scoped id.
// Membership implies a live connection: a disconnect removes the member,
// and reconnect tracking lives in the client's own mirror.
type Member struct {
	ID       string
	Name     string
	JoinedAt time.Time
}

// WorkItem is a unit of estimation. ID uniquely identifies the item for
// the room's lifetime; display position is derived from the room's item
// slice on read and never stored.
type WorkItem struct {
	ID    string
	Text  string
	votes *VoteSet
}

// Room is the authoritative state of one estimation session. All
// mutation goes through Registry operations; the mutex guards every
// field below it.
type Room struct {
	ID           string
	VotingSystem string
	CreatedAt    time.Time

	mu           sync.Mutex
	members      map[string]*Member
	joinOrder    []string
	items        []*WorkItem
	itemsByID    map[string]*WorkItem
	activeItemID string
}

func newRoom(id, votingSystem string) *Room {
	return &Room{
		ID:           id,
		VotingSystem: votingSystem,
		CreatedAt:    time.Now(),
		members:      make(map[string]*Member),
		itemsByID:    make(map[string]*WorkItem),
	}
}

// userList builds the membership snapshot in join order. Callers hold r.mu.
func (r *Room) userList() []protocol.User {
	users := make([]protocol.User, 0, len(r.members))
	for _, id := range r.joinOrder {
		if m, ok := r.members[id]; ok {
			users = append(users, protocol.User{ID: m.ID, Name: m.Name})
		}
	}
	return users
}

// ticketList builds the work-item snapshot in display order. Callers hold r.mu.
func (r *Room) ticketList() []protocol.Ticket {
	tickets := make([]protocol.Ticket, 0, len(r.items))
	for _, item := range r.items {
		tickets = append(tickets, protocol.Ticket{ID: item.ID, Text: item.Text})
	}
	return tickets
}

// indexOf returns the current display index of an item, -1 if absent.
// Callers hold r.mu.
func (r *Room) indexOf(itemID string) int {
	for i, item := range r.items {
		if item.ID == itemID {
			return i
		}
	}
	return -1
}

// removeItemLocked drops an item and its vote set, clearing the active
// selection when it pointed at the removed item. Callers hold r.mu.
func (r *Room) removeItemLocked(itemID string) bool {
	idx := r.indexOf(itemID)
	if idx < 0 {
		return false
	}
	r.items = append(r.items[:idx], r.items[idx+1:]...)
	delete(r.itemsByID, itemID)
	if r.activeItemID == itemID {
		r.activeItemID = ""
	}
	return true
}

// Vote is one member's cast value, carried in insertion order.
type Vote struct {
	MemberID string
	Value    string
}

// VoteSet holds the votes for one work item. A vote set exists only while
// its item does; members own exactly one slot each, last write wins.
type VoteSet struct {
	values   map[string]string
	order    []string // member ids by first-vote order
	revealed bool
}

func newVoteSet() *VoteSet {
	return &VoteSet{values: make(map[string]string)}
}

// Set records a member's vote, overwriting any previous one. Insertion
// order is fixed by the first vote, not the latest overwrite.
func (vs *VoteSet) Set(memberID, value string) {
	if _, seen := vs.values[memberID]; !seen {
		vs.order = append(vs.order, memberID)
	}
	vs.values[memberID] = value
}

// Remove drops a member's slot, e.g. when the member leaves mid-vote.
func (vs *VoteSet) Remove(memberID string) {
	if _, seen := vs.values[memberID]; !seen {
		return
	}
	delete(vs.values, memberID)
	for i, id := range vs.order {
		if id == memberID {
			vs.order = append(vs.order[:i], vs.order[i+1:]...)
			break
		}
	}
}

// Revealed reports whether values are visible to all members.
func (vs *VoteSet) Revealed() bool { return vs.revealed }

// Reveal makes the set visible. Idempotent; reports whether this call
// performed the transition.
func (vs *VoteSet) Reveal() bool {
	if vs.revealed {
		return false
	}
	vs.revealed = true
	return true
}

// Reset clears all votes and hides the set again.
func (vs *VoteSet) Reset() {
	vs.values = make(map[string]string)
	vs.order = nil
	vs.revealed = false
}

// Len returns the number of members with a recorded vote.
func (vs *VoteSet) Len() int { return len(vs.values) }

// Ordered returns the votes in insertion order.
func (vs *VoteSet) Ordered() []Vote {
	votes := make([]Vote, 0, len(vs.order))
	for _, id := range vs.order {
		votes = append(votes, Vote{MemberID: id, Value: vs.values[id]})
	}
	return votes
}

// Visible returns the vote map as clients may see it: real values once
// revealed, the masked marker before that.
func (vs *VoteSet) Visible() map[string]string {
	out := make(map[string]string, len(vs.values))
	for id, v := range vs.values {
		if vs.revealed {
			out[id] = v
		} else {
			out[id] = protocol.MaskedVote
		}
	}
	return out
}

// plain returns an unmasked copy regardless of reveal state. Used only
// for the reveal broadcast itself.
func (vs *VoteSet) plain() map[string]string {
	out := make(map[string]string, len(vs.values))
	for id, v := range vs.values {
		out[id] = v
	}
	return out
}
