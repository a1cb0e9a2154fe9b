package room

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/scrumdeck/scrumdeck/internal/protocol"
)

// Broadcaster delivers canonical events to connected members. The
// registry enqueues events while holding the room mutex, so a
// non-blocking, FIFO implementation preserves per-room total order:
// events reach every member in the order the mutations were applied.
type Broadcaster interface {
	Broadcast(roomID string, ev protocol.Event)
	BroadcastExcept(roomID, exceptMemberID string, ev protocol.Event)
	SendTo(roomID, memberID string, ev protocol.Event)
}

// Registry is the single authoritative store of rooms. It owns the
// Room/Member/WorkItem/VoteSet graph exclusively; clients hold read-only
// mirrors rebuilt from the events this registry broadcasts.
type Registry struct {
	mu    sync.RWMutex
	rooms map[string]*Room

	broadcaster Broadcaster
}

// NewRegistry creates an empty registry wired to a broadcaster. The
// registry is injected wherever it is needed; there is no ambient
// package-level instance.
func NewRegistry(b Broadcaster) *Registry {
	return &Registry{
		rooms:       make(map[string]*Room),
		broadcaster: b,
	}
}

func (g *Registry) lookup(roomID string) (*Room, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	rm, ok := g.rooms[roomID]
	return rm, ok
}

func (g *Registry) getOrCreate(roomID, votingSystem string) *Room {
	g.mu.Lock()
	defer g.mu.Unlock()
	if rm, ok := g.rooms[roomID]; ok {
		return rm
	}
	if !KnownVotingSystem(votingSystem) {
		votingSystem = DefaultVotingSystem
	}
	rm := newRoom(roomID, votingSystem)
	g.rooms[roomID] = rm
	log.Info().
		Str("room_id", roomID).
		Str("voting_system", votingSystem).
		Msg("room created")
	return rm
}

// RoomCount returns the number of live rooms.
func (g *Registry) RoomCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.rooms)
}

// emit wraps payloads into envelopes; a marshal failure is logged and the
// event dropped rather than crashing the room for everyone else.
func (g *Registry) emit(roomID string, typ protocol.EventType, payload any) {
	ev, err := protocol.NewEvent(roomID, typ, payload)
	if err != nil {
		log.Error().Err(err).Str("room_id", roomID).Msg("failed to build event")
		return
	}
	g.broadcaster.Broadcast(roomID, ev)
}

func (g *Registry) emitExcept(roomID, exceptMemberID string, typ protocol.EventType, payload any) {
	ev, err := protocol.NewEvent(roomID, typ, payload)
	if err != nil {
		log.Error().Err(err).Str("room_id", roomID).Msg("failed to build event")
		return
	}
	g.broadcaster.BroadcastExcept(roomID, exceptMemberID, ev)
}

func (g *Registry) emitTo(roomID, memberID string, typ protocol.EventType, payload any) {
	ev, err := protocol.NewEvent(roomID, typ, payload)
	if err != nil {
		log.Error().Err(err).Str("room_id", roomID).Msg("failed to build event")
		return
	}
	g.broadcaster.SendTo(roomID, memberID, ev)
}

// Join adds a member to a room, creating the room lazily on first join.
// The member id is connection-scoped and supplied by the transport; a
// reconnecting client joins as a fresh member. The joining client alone
// receives the full roomState snapshot; everyone else gets the
// membership update.
func (g *Registry) Join(roomID, memberID, displayName, votingSystem string) error {
	if displayName == "" {
		return ErrInvalidName
	}

	var rm *Room
	for {
		rm = g.getOrCreate(roomID, votingSystem)
		rm.mu.Lock()
		g.mu.RLock()
		current := g.rooms[roomID] == rm
		g.mu.RUnlock()
		if current {
			break
		}
		// Lost a race with garbage collection of the emptied room.
		rm.mu.Unlock()
	}

	// A repeat join on the same connection is a resync, possibly with a
	// new name; the member keeps its original position.
	if _, rejoining := rm.members[memberID]; !rejoining {
		rm.joinOrder = append(rm.joinOrder, memberID)
	}
	rm.members[memberID] = &Member{
		ID:       memberID,
		Name:     displayName,
		JoinedAt: time.Now(),
	}

	g.emitTo(roomID, memberID, protocol.EventTypeRoomState, rm.snapshotLocked(memberID))
	g.emitExcept(roomID, memberID, protocol.EventTypeUserList, protocol.UserListPayload{Users: rm.userList()})
	rm.mu.Unlock()

	log.Info().
		Str("room_id", roomID).
		Str("member_id", memberID).
		Str("name", displayName).
		Msg("member joined")
	return nil
}

// Leave removes a member and broadcasts the membership change. Leaving
// twice, or leaving an unknown room, is a no-op. The room itself is
// garbage-collected when its last member leaves.
func (g *Registry) Leave(roomID, memberID string) {
	rm, ok := g.lookup(roomID)
	if !ok {
		return
	}

	rm.mu.Lock()
	if _, ok := rm.members[memberID]; !ok {
		rm.mu.Unlock()
		return
	}
	delete(rm.members, memberID)
	for i, id := range rm.joinOrder {
		if id == memberID {
			rm.joinOrder = append(rm.joinOrder[:i], rm.joinOrder[i+1:]...)
			break
		}
	}
	// A leaver's in-progress votes go with them; revealed results stay
	// visible until an explicit reset.
	for _, item := range rm.items {
		if !item.votes.Revealed() {
			item.votes.Remove(memberID)
		}
	}
	if len(rm.members) == 0 {
		g.mu.Lock()
		delete(g.rooms, roomID)
		g.mu.Unlock()
		log.Info().Str("room_id", roomID).Msg("room empty, removed")
	} else {
		g.emit(roomID, protocol.EventTypeUserList, protocol.UserListPayload{Users: rm.userList()})
	}
	rm.mu.Unlock()

	log.Info().
		Str("room_id", roomID).
		Str("member_id", memberID).
		Msg("member left")
}

// AddItem appends a work item and broadcasts it to every member,
// including the submitter: the submitter reconciles via the broadcast so
// there is exactly one source of truth. A fresh id is assigned when the
// client did not generate one.
func (g *Registry) AddItem(roomID, itemID, text string) (string, error) {
	rm, ok := g.lookup(roomID)
	if !ok {
		return "", ErrRoomNotFound
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()

	if itemID == "" {
		itemID = uuid.New().String()
	}
	if _, dup := rm.itemsByID[itemID]; dup {
		// Same client retrying after a dropped ack; the first add won.
		return itemID, nil
	}

	item := &WorkItem{ID: itemID, Text: text, votes: newVoteSet()}
	rm.items = append(rm.items, item)
	rm.itemsByID[itemID] = item

	g.emit(roomID, protocol.EventTypeAddTicket, protocol.AddTicketPayload{
		TicketData: &protocol.Ticket{ID: itemID, Text: text},
	})
	return itemID, nil
}

// RemoveItem drops a work item together with its vote set. Removing the
// active item clears the selection. Unknown ids are a silent no-op.
func (g *Registry) RemoveItem(roomID, itemID string) error {
	rm, ok := g.lookup(roomID)
	if !ok {
		return ErrRoomNotFound
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()

	if !rm.removeItemLocked(itemID) {
		return ErrItemNotFound
	}
	g.emit(roomID, protocol.EventTypeTicketRemoved, protocol.TicketRemovedPayload{StoryID: itemID})
	return nil
}

// Select resolves a selection (id preferred, positional index fallback)
// against the current order and broadcasts the result to every member,
// originator included, so local and remote selection share one code
// path. Unresolvable selections are dropped without a broadcast.
func (g *Registry) Select(roomID string, sel Selection) error {
	rm, ok := g.lookup(roomID)
	if !ok {
		return ErrRoomNotFound
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()

	itemID := rm.resolve(sel)
	if itemID == "" {
		return ErrItemNotFound
	}
	rm.activeItemID = itemID

	g.emit(roomID, protocol.EventTypeStorySelected, protocol.StorySelectedPayload{
		StoryIndex: rm.indexOf(itemID),
		StoryID:    itemID,
	})
	return nil
}

// CastVote records a member's vote on an item, overwriting any previous
// one. Voting stays open after reveal: the slot is overwritten without
// re-hiding the set. The broadcast masks the value while unrevealed.
func (g *Registry) CastVote(roomID, memberID, itemID, value string) error {
	rm, ok := g.lookup(roomID)
	if !ok {
		return ErrRoomNotFound
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()

	if _, ok := rm.members[memberID]; !ok {
		return ErrMemberNotFound
	}
	item, ok := rm.itemsByID[itemID]
	if !ok {
		return ErrItemNotFound
	}

	item.votes.Set(memberID, value)

	visible := protocol.MaskedVote
	if item.votes.Revealed() {
		visible = value
	}
	g.emit(roomID, protocol.EventTypeVoteUpdate, protocol.VoteUpdatePayload{
		UserID:  memberID,
		Vote:    visible,
		StoryID: itemID,
	})
	return nil
}

// Reveal makes an item's votes visible and broadcasts the full map with
// its aggregate. Revealing an already-revealed item changes nothing and
// emits nothing.
func (g *Registry) Reveal(roomID, itemID string) error {
	rm, ok := g.lookup(roomID)
	if !ok {
		return ErrRoomNotFound
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()

	item, ok := rm.itemsByID[itemID]
	if !ok {
		return ErrItemNotFound
	}
	if !item.votes.Reveal() {
		return nil
	}

	g.emit(roomID, protocol.EventTypeVotesRevealed, protocol.VotesRevealedPayload{
		StoryID: itemID,
		Votes:   item.votes.plain(),
		Stats:   Summarize(item.votes.Ordered()),
	})
	return nil
}

// Reset clears an item's vote map and hides it again, returning the item
// to the voting state.
func (g *Registry) Reset(roomID, itemID string) error {
	rm, ok := g.lookup(roomID)
	if !ok {
		return ErrRoomNotFound
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()

	item, ok := rm.itemsByID[itemID]
	if !ok {
		return ErrItemNotFound
	}
	item.votes.Reset()

	g.emit(roomID, protocol.EventTypeVotesReset, protocol.VotesResetPayload{StoryID: itemID})
	return nil
}

// ItemVotes returns the vote map for one item, masked while unrevealed.
// Used when a client focuses an item it has not seen deltas for.
func (g *Registry) ItemVotes(roomID string, sel Selection) (protocol.StoryVotesPayload, error) {
	rm, ok := g.lookup(roomID)
	if !ok {
		return protocol.StoryVotesPayload{}, ErrRoomNotFound
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()

	itemID := rm.resolve(sel)
	if itemID == "" {
		return protocol.StoryVotesPayload{}, ErrItemNotFound
	}
	item := rm.itemsByID[itemID]
	return protocol.StoryVotesPayload{
		StoryID:  itemID,
		Votes:    item.votes.Visible(),
		Revealed: item.votes.Revealed(),
	}, nil
}

// Snapshot returns the full room state for one client, equivalent to
// what a freshly joined member would see.
func (g *Registry) Snapshot(roomID, selfID string) (protocol.RoomStatePayload, error) {
	rm, ok := g.lookup(roomID)
	if !ok {
		return protocol.RoomStatePayload{}, ErrRoomNotFound
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.snapshotLocked(selfID), nil
}

// HasMember reports whether a member id is currently in the room.
func (g *Registry) HasMember(roomID, memberID string) bool {
	rm, ok := g.lookup(roomID)
	if !ok {
		return false
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	_, ok = rm.members[memberID]
	return ok
}

// snapshotLocked assembles the roomState payload. Callers hold rm.mu.
func (rm *Room) snapshotLocked(selfID string) protocol.RoomStatePayload {
	snap := protocol.RoomStatePayload{
		RoomID:       rm.ID,
		VotingSystem: rm.VotingSystem,
		Deck:         Deck(rm.VotingSystem),
		Users:        rm.userList(),
		Tickets:      rm.ticketList(),
		SelfID:       selfID,
	}
	if rm.activeItemID != "" {
		snap.ActiveStoryID = rm.activeItemID
		if item, ok := rm.itemsByID[rm.activeItemID]; ok {
			snap.Votes = item.votes.Visible()
			snap.Revealed = item.votes.Revealed()
		}
	}
	return snap
}
