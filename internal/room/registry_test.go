package room

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrumdeck/scrumdeck/internal/protocol"
)

// recordingBroadcaster captures emitted events in order.
type recordingBroadcaster struct {
	events []recordedEvent
}

type recordedEvent struct {
	roomID string
	target string // member id for SendTo, "" for broadcast
	except string
	event  protocol.Event
}

func (b *recordingBroadcaster) Broadcast(roomID string, ev protocol.Event) {
	b.events = append(b.events, recordedEvent{roomID: roomID, event: ev})
}

func (b *recordingBroadcaster) BroadcastExcept(roomID, exceptMemberID string, ev protocol.Event) {
	b.events = append(b.events, recordedEvent{roomID: roomID, except: exceptMemberID, event: ev})
}

func (b *recordingBroadcaster) SendTo(roomID, memberID string, ev protocol.Event) {
	b.events = append(b.events, recordedEvent{roomID: roomID, target: memberID, event: ev})
}

func (b *recordingBroadcaster) reset() {
	b.events = nil
}

func (b *recordingBroadcaster) lastOfType(t *testing.T, typ protocol.EventType) recordedEvent {
	t.Helper()
	for i := len(b.events) - 1; i >= 0; i-- {
		if b.events[i].event.Type == typ {
			return b.events[i]
		}
	}
	t.Fatalf("no event of type %s recorded", typ)
	return recordedEvent{}
}

func (b *recordingBroadcaster) countOfType(typ protocol.EventType) int {
	n := 0
	for _, rec := range b.events {
		if rec.event.Type == typ {
			n++
		}
	}
	return n
}

func decode[T any](t *testing.T, ev protocol.Event) T {
	t.Helper()
	payload, err := protocol.DecodePayload(ev)
	require.NoError(t, err)
	typed, ok := payload.(T)
	require.True(t, ok, "payload has type %T", payload)
	return typed
}

func newTestRegistry() (*Registry, *recordingBroadcaster) {
	b := &recordingBroadcaster{}
	return NewRegistry(b), b
}

func TestJoinCreatesRoomAndSnapshotsJoiner(t *testing.T) {
	g, b := newTestRegistry()

	require.NoError(t, g.Join("room-1", "alice-id", "Alice", "fibonacci"))
	assert.Equal(t, 1, g.RoomCount())

	snap := b.lastOfType(t, protocol.EventTypeRoomState)
	assert.Equal(t, "alice-id", snap.target)
	state := decode[protocol.RoomStatePayload](t, snap.event)
	assert.Equal(t, "room-1", state.RoomID)
	assert.Equal(t, "fibonacci", state.VotingSystem)
	assert.Equal(t, Deck("fibonacci"), state.Deck)
	assert.Equal(t, "alice-id", state.SelfID)
	require.Len(t, state.Users, 1)
	assert.Equal(t, "Alice", state.Users[0].Name)

	b.reset()
	require.NoError(t, g.Join("room-1", "bob-id", "Bob", ""))

	// The second joiner gets the snapshot, incumbents the membership
	// delta.
	snap = b.lastOfType(t, protocol.EventTypeRoomState)
	assert.Equal(t, "bob-id", snap.target)
	users := b.lastOfType(t, protocol.EventTypeUserList)
	assert.Equal(t, "bob-id", users.except)
	list := decode[protocol.UserListPayload](t, users.event)
	require.Len(t, list.Users, 2)
	assert.Equal(t, "Alice", list.Users[0].Name)
	assert.Equal(t, "Bob", list.Users[1].Name)
}

func TestRejoinSameConnectionKeepsSinglePresence(t *testing.T) {
	g, b := newTestRegistry()
	require.NoError(t, g.Join("room-1", "m1", "Alice", ""))
	require.NoError(t, g.Join("room-1", "m2", "Bob", ""))

	// A resync join on the same connection, here with a rename.
	b.reset()
	require.NoError(t, g.Join("room-1", "m1", "Alicia", ""))

	state := decode[protocol.RoomStatePayload](t, b.lastOfType(t, protocol.EventTypeRoomState).event)
	require.Len(t, state.Users, 2)
	assert.Equal(t, "Alicia", state.Users[0].Name, "rejoin keeps the original position")

	list := decode[protocol.UserListPayload](t, b.lastOfType(t, protocol.EventTypeUserList).event)
	assert.Len(t, list.Users, 2)

	// A single leave fully removes the rejoined member.
	g.Leave("room-1", "m1")
	snap, err := g.Snapshot("room-1", "")
	require.NoError(t, err)
	require.Len(t, snap.Users, 1)
	assert.Equal(t, "Bob", snap.Users[0].Name)

	g.Leave("room-1", "m2")
	assert.Equal(t, 0, g.RoomCount())
}

func TestJoinRejectsEmptyName(t *testing.T) {
	g, _ := newTestRegistry()
	assert.ErrorIs(t, g.Join("room-1", "m1", "", ""), ErrInvalidName)
	assert.Equal(t, 0, g.RoomCount())
}

func TestJoinUnknownVotingSystemFallsBack(t *testing.T) {
	g, b := newTestRegistry()
	require.NoError(t, g.Join("room-1", "m1", "Alice", "tarot"))
	state := decode[protocol.RoomStatePayload](t, b.lastOfType(t, protocol.EventTypeRoomState).event)
	assert.Equal(t, DefaultVotingSystem, state.VotingSystem)
}

func TestLeaveRemovesRoomWhenEmpty(t *testing.T) {
	g, _ := newTestRegistry()
	require.NoError(t, g.Join("room-1", "m1", "Alice", ""))
	require.NoError(t, g.Join("room-1", "m2", "Bob", ""))

	g.Leave("room-1", "m1")
	assert.Equal(t, 1, g.RoomCount())

	g.Leave("room-1", "m2")
	assert.Equal(t, 0, g.RoomCount())

	// Leaving twice and leaving unknown rooms are no-ops.
	g.Leave("room-1", "m2")
	g.Leave("no-such-room", "m1")
}

func TestLeaveDropsUnrevealedVotesOnly(t *testing.T) {
	g, _ := newTestRegistry()
	require.NoError(t, g.Join("room-1", "m1", "Alice", ""))
	require.NoError(t, g.Join("room-1", "m2", "Bob", ""))

	hidden, err := g.AddItem("room-1", "", "hidden story")
	require.NoError(t, err)
	shown, err := g.AddItem("room-1", "", "revealed story")
	require.NoError(t, err)

	require.NoError(t, g.CastVote("room-1", "m1", hidden, "5"))
	require.NoError(t, g.CastVote("room-1", "m1", shown, "8"))
	require.NoError(t, g.Reveal("room-1", shown))

	g.Leave("room-1", "m1")

	sv, err := g.ItemVotes("room-1", SelectionByID(hidden))
	require.NoError(t, err)
	assert.Empty(t, sv.Votes)

	sv, err = g.ItemVotes("room-1", SelectionByID(shown))
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"m1": "8"}, sv.Votes)
}

func TestAddItemAssignsIDAndBroadcastsToEveryone(t *testing.T) {
	g, b := newTestRegistry()
	require.NoError(t, g.Join("room-1", "m1", "Alice", ""))
	b.reset()

	id, err := g.AddItem("room-1", "", "estimate the login flow")
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	rec := b.lastOfType(t, protocol.EventTypeAddTicket)
	assert.Empty(t, rec.target, "add must go to the submitter too")
	assert.Empty(t, rec.except)
	p := decode[protocol.AddTicketPayload](t, rec.event)
	require.NotNil(t, p.TicketData)
	assert.Equal(t, id, p.TicketData.ID)
	assert.Equal(t, "estimate the login flow", p.TicketData.Text)
}

func TestAddItemDuplicateIDIsNoOp(t *testing.T) {
	g, b := newTestRegistry()
	require.NoError(t, g.Join("room-1", "m1", "Alice", ""))

	id, err := g.AddItem("room-1", "ticket-1", "first")
	require.NoError(t, err)
	assert.Equal(t, "ticket-1", id)
	b.reset()

	id, err = g.AddItem("room-1", "ticket-1", "retry of first")
	require.NoError(t, err)
	assert.Equal(t, "ticket-1", id)
	assert.Equal(t, 0, b.countOfType(protocol.EventTypeAddTicket))

	snap, err := g.Snapshot("room-1", "")
	require.NoError(t, err)
	require.Len(t, snap.Tickets, 1)
	assert.Equal(t, "first", snap.Tickets[0].Text)
}

func TestSelectPrefersIDOverIndex(t *testing.T) {
	g, b := newTestRegistry()
	require.NoError(t, g.Join("room-1", "m1", "Alice", ""))
	_, err := g.AddItem("room-1", "t1", "one")
	require.NoError(t, err)
	_, err = g.AddItem("room-1", "t2", "two")
	require.NoError(t, err)
	b.reset()

	idx := 0
	require.NoError(t, g.Select("room-1", Selection{StoryID: "t2", Index: &idx}))

	p := decode[protocol.StorySelectedPayload](t, b.lastOfType(t, protocol.EventTypeStorySelected).event)
	assert.Equal(t, "t2", p.StoryID)
	assert.Equal(t, 1, p.StoryIndex)
}

func TestSelectByIndexResolvesCurrentOrder(t *testing.T) {
	g, b := newTestRegistry()
	require.NoError(t, g.Join("room-1", "m1", "Alice", ""))
	_, err := g.AddItem("room-1", "t1", "one")
	require.NoError(t, err)
	_, err = g.AddItem("room-1", "t2", "two")
	require.NoError(t, err)

	// Removing t1 shifts t2 to index 0; a positional selection must see
	// the post-removal order.
	require.NoError(t, g.RemoveItem("room-1", "t1"))
	b.reset()

	require.NoError(t, g.Select("room-1", SelectionByIndex(0)))
	p := decode[protocol.StorySelectedPayload](t, b.lastOfType(t, protocol.EventTypeStorySelected).event)
	assert.Equal(t, "t2", p.StoryID)
}

func TestSelectOutOfRangeIsDroppedSilently(t *testing.T) {
	g, b := newTestRegistry()
	require.NoError(t, g.Join("room-1", "m1", "Alice", ""))
	_, err := g.AddItem("room-1", "t1", "one")
	require.NoError(t, err)
	b.reset()

	assert.ErrorIs(t, g.Select("room-1", SelectionByIndex(5)), ErrItemNotFound)
	assert.ErrorIs(t, g.Select("room-1", SelectionByID("ghost")), ErrItemNotFound)
	assert.Equal(t, 0, b.countOfType(protocol.EventTypeStorySelected))
}

func TestCastVoteMasksUntilRevealed(t *testing.T) {
	g, b := newTestRegistry()
	require.NoError(t, g.Join("room-1", "m1", "Alice", ""))
	_, err := g.AddItem("room-1", "t1", "one")
	require.NoError(t, err)
	b.reset()

	require.NoError(t, g.CastVote("room-1", "m1", "t1", "13"))
	p := decode[protocol.VoteUpdatePayload](t, b.lastOfType(t, protocol.EventTypeVoteUpdate).event)
	assert.Equal(t, protocol.MaskedVote, p.Vote)
	assert.Equal(t, "m1", p.UserID)

	require.NoError(t, g.Reveal("room-1", "t1"))
	b.reset()

	// Voting stays open after reveal and the update carries the value.
	require.NoError(t, g.CastVote("room-1", "m1", "t1", "21"))
	p = decode[protocol.VoteUpdatePayload](t, b.lastOfType(t, protocol.EventTypeVoteUpdate).event)
	assert.Equal(t, "21", p.Vote)
}

func TestCastVoteLastWriterWins(t *testing.T) {
	g, _ := newTestRegistry()
	require.NoError(t, g.Join("room-1", "m1", "Alice", ""))
	_, err := g.AddItem("room-1", "t1", "one")
	require.NoError(t, err)

	require.NoError(t, g.CastVote("room-1", "m1", "t1", "3"))
	require.NoError(t, g.CastVote("room-1", "m1", "t1", "5"))
	require.NoError(t, g.Reveal("room-1", "t1"))

	sv, err := g.ItemVotes("room-1", SelectionByID("t1"))
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"m1": "5"}, sv.Votes)
}

func TestCastVoteValidation(t *testing.T) {
	g, b := newTestRegistry()
	require.NoError(t, g.Join("room-1", "m1", "Alice", ""))
	_, err := g.AddItem("room-1", "t1", "one")
	require.NoError(t, err)
	b.reset()

	assert.ErrorIs(t, g.CastVote("room-1", "ghost", "t1", "3"), ErrMemberNotFound)
	assert.ErrorIs(t, g.CastVote("room-1", "m1", "ghost", "3"), ErrItemNotFound)
	assert.ErrorIs(t, g.CastVote("no-room", "m1", "t1", "3"), ErrRoomNotFound)
	assert.Equal(t, 0, b.countOfType(protocol.EventTypeVoteUpdate))
}

func TestRevealBroadcastsPlainVotesWithStats(t *testing.T) {
	g, b := newTestRegistry()
	require.NoError(t, g.Join("room-1", "m1", "Alice", ""))
	require.NoError(t, g.Join("room-1", "m2", "Bob", ""))
	_, err := g.AddItem("room-1", "t1", "one")
	require.NoError(t, err)
	require.NoError(t, g.CastVote("room-1", "m1", "t1", "3"))
	require.NoError(t, g.CastVote("room-1", "m2", "t1", "5"))
	b.reset()

	require.NoError(t, g.Reveal("room-1", "t1"))
	p := decode[protocol.VotesRevealedPayload](t, b.lastOfType(t, protocol.EventTypeVotesRevealed).event)
	assert.Equal(t, map[string]string{"m1": "3", "m2": "5"}, p.Votes)
	assert.Equal(t, "3", p.Stats.Mode)
	assert.Equal(t, 4.0, p.Stats.Average)
}

func TestRevealIsIdempotent(t *testing.T) {
	g, b := newTestRegistry()
	require.NoError(t, g.Join("room-1", "m1", "Alice", ""))
	_, err := g.AddItem("room-1", "t1", "one")
	require.NoError(t, err)
	require.NoError(t, g.CastVote("room-1", "m1", "t1", "3"))
	b.reset()

	require.NoError(t, g.Reveal("room-1", "t1"))
	require.NoError(t, g.Reveal("room-1", "t1"))
	assert.Equal(t, 1, b.countOfType(protocol.EventTypeVotesRevealed))
}

func TestResetClearsAndHides(t *testing.T) {
	g, b := newTestRegistry()
	require.NoError(t, g.Join("room-1", "m1", "Alice", ""))
	_, err := g.AddItem("room-1", "t1", "one")
	require.NoError(t, err)
	require.NoError(t, g.CastVote("room-1", "m1", "t1", "3"))
	require.NoError(t, g.Reveal("room-1", "t1"))
	b.reset()

	require.NoError(t, g.Reset("room-1", "t1"))
	p := decode[protocol.VotesResetPayload](t, b.lastOfType(t, protocol.EventTypeVotesReset).event)
	assert.Equal(t, "t1", p.StoryID)

	sv, err := g.ItemVotes("room-1", SelectionByID("t1"))
	require.NoError(t, err)
	assert.Empty(t, sv.Votes)
	assert.False(t, sv.Revealed)

	// A reset item accepts reveal again.
	require.NoError(t, g.CastVote("room-1", "m1", "t1", "8"))
	require.NoError(t, g.Reveal("room-1", "t1"))
	assert.Equal(t, 1, b.countOfType(protocol.EventTypeVotesRevealed))
}

func TestRemoveActiveItemClearsSelection(t *testing.T) {
	g, _ := newTestRegistry()
	require.NoError(t, g.Join("room-1", "m1", "Alice", ""))
	_, err := g.AddItem("room-1", "t1", "one")
	require.NoError(t, err)
	require.NoError(t, g.Select("room-1", SelectionByID("t1")))
	require.NoError(t, g.RemoveItem("room-1", "t1"))

	snap, err := g.Snapshot("room-1", "")
	require.NoError(t, err)
	assert.Empty(t, snap.ActiveStoryID)
	assert.Empty(t, snap.Tickets)

	// Votes addressed at the removed item bounce as not-found.
	assert.ErrorIs(t, g.CastVote("room-1", "m1", "t1", "3"), ErrItemNotFound)
}

func TestItemVotesMaskedWhileHidden(t *testing.T) {
	g, _ := newTestRegistry()
	require.NoError(t, g.Join("room-1", "m1", "Alice", ""))
	_, err := g.AddItem("room-1", "t1", "one")
	require.NoError(t, err)
	require.NoError(t, g.CastVote("room-1", "m1", "t1", "13"))

	sv, err := g.ItemVotes("room-1", SelectionByID("t1"))
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"m1": protocol.MaskedVote}, sv.Votes)
	assert.False(t, sv.Revealed)
}

func TestSnapshotMatchesFreshJoinerView(t *testing.T) {
	g, b := newTestRegistry()
	require.NoError(t, g.Join("room-1", "m1", "Alice", ""))
	_, err := g.AddItem("room-1", "t1", "one")
	require.NoError(t, err)
	require.NoError(t, g.Select("room-1", SelectionByID("t1")))
	require.NoError(t, g.CastVote("room-1", "m1", "t1", "5"))

	b.reset()
	require.NoError(t, g.Join("room-1", "m2", "Bob", ""))
	joinerState := decode[protocol.RoomStatePayload](t, b.lastOfType(t, protocol.EventTypeRoomState).event)

	snap, err := g.Snapshot("room-1", "m2")
	require.NoError(t, err)
	assert.Equal(t, joinerState.ActiveStoryID, snap.ActiveStoryID)
	assert.Equal(t, joinerState.Votes, snap.Votes)
	assert.Equal(t, joinerState.Tickets, snap.Tickets)
	assert.Equal(t, map[string]string{"m1": protocol.MaskedVote}, snap.Votes)
}

func TestBroadcastOrderFollowsMutationOrder(t *testing.T) {
	g, b := newTestRegistry()
	require.NoError(t, g.Join("room-1", "m1", "Alice", ""))
	b.reset()

	for i := 0; i < 5; i++ {
		_, err := g.AddItem("room-1", fmt.Sprintf("t%d", i), fmt.Sprintf("story %d", i))
		require.NoError(t, err)
	}

	require.Len(t, b.events, 5)
	for i, rec := range b.events {
		p := decode[protocol.AddTicketPayload](t, rec.event)
		assert.Equal(t, fmt.Sprintf("t%d", i), p.TicketData.ID)
	}
}
