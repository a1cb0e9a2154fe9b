package client

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/scrumdeck/scrumdeck/internal/protocol"
)

// Origin marks where a state change came from. It is passed through
// every listener call so that a handler reacting to a server-pushed
// event can thread the marker into any action it triggers; the client
// suppresses sends carrying a server origin, which breaks the
// select/broadcast/re-select feedback loop between clients. There is no
// shared guard flag to leak across concurrent applies.
type Origin struct {
	FromServer bool
}

// OriginLocal marks a user-initiated action.
var OriginLocal = Origin{}

// originServer is attached to every listener call made while applying a
// canonical event.
var originServer = Origin{FromServer: true}

// Listeners receive mirror changes. All fields are optional. Callbacks
// run synchronously on the transport's read goroutine; heavy work
// belongs elsewhere.
type Listeners struct {
	// SelectionChanged fires when the active story changes. Handlers
	// must pass the given origin into any selection they trigger.
	SelectionChanged func(storyID string, origin Origin)
	// RoomUpdated fires after any canonical event mutated the mirror.
	RoomUpdated func()
	// ImportStatus reports the outcome of an issue-tracker import.
	ImportStatus func(protocol.ImportStatusPayload)
}

// storyVotes is the mirror's view of one item's vote set.
type storyVotes struct {
	votes    map[string]string
	revealed bool
	stats    protocol.VoteStats
	hasStats bool
}

// Mirror is the client-side read-only copy of room state, rebuilt solely
// from server-pushed canonical events. Optimistic local mutation is not
// supported: every action round-trips through the server and lands here
// via its broadcast, submitter included.
type Mirror struct {
	mu sync.RWMutex

	selfID        string
	roomID        string
	votingSystem  string
	deck          []string
	users         []protocol.User
	tickets       []protocol.Ticket
	activeStoryID string
	stories       map[string]*storyVotes

	listeners Listeners
}

// NewMirror creates an empty mirror.
func NewMirror(listeners Listeners) *Mirror {
	return &Mirror{
		stories:   make(map[string]*storyVotes),
		listeners: listeners,
	}
}

// Apply folds one canonical event into the mirror. Events the catalogue
// does not know are logged and skipped; state is never partially
// applied.
func (m *Mirror) Apply(ev protocol.Event) {
	payload, err := protocol.DecodePayload(ev)
	if err != nil {
		log.Warn().Err(err).Str("event_type", string(ev.Type)).Msg("mirror skipping event")
		return
	}

	var selectionChanged bool
	var selectedStory string

	m.mu.Lock()
	switch p := payload.(type) {
	case protocol.RoomStatePayload:
		// Full snapshot: anything buffered locally is stale by
		// definition and gets discarded wholesale.
		m.roomID = p.RoomID
		m.votingSystem = p.VotingSystem
		m.deck = p.Deck
		m.users = p.Users
		m.tickets = p.Tickets
		m.stories = make(map[string]*storyVotes)
		if p.SelfID != "" {
			m.selfID = p.SelfID
		}
		selectionChanged = m.activeStoryID != p.ActiveStoryID
		m.activeStoryID = p.ActiveStoryID
		selectedStory = p.ActiveStoryID
		if p.ActiveStoryID != "" {
			m.stories[p.ActiveStoryID] = &storyVotes{
				votes:    copyVotes(p.Votes),
				revealed: p.Revealed,
			}
		}

	case protocol.UserListPayload:
		m.users = p.Users

	case protocol.AddTicketPayload:
		if p.TicketData != nil {
			m.tickets = append(m.tickets, *p.TicketData)
		}

	case protocol.AllTicketsPayload:
		m.tickets = p.Tickets

	case protocol.TicketRemovedPayload:
		for i, t := range m.tickets {
			if t.ID == p.StoryID {
				m.tickets = append(m.tickets[:i], m.tickets[i+1:]...)
				break
			}
		}
		delete(m.stories, p.StoryID)
		if m.activeStoryID == p.StoryID {
			m.activeStoryID = ""
			selectionChanged = true
			selectedStory = ""
		}

	case protocol.StorySelectedPayload:
		id := p.StoryID
		if id == "" && p.StoryIndex >= 0 && p.StoryIndex < len(m.tickets) {
			id = m.tickets[p.StoryIndex].ID
		}
		if id != "" && id != m.activeStoryID {
			m.activeStoryID = id
			selectionChanged = true
			selectedStory = id
		}

	case protocol.VoteUpdatePayload:
		sv := m.story(p.StoryID)
		sv.votes[p.UserID] = p.Vote

	case protocol.VotesRevealedPayload:
		sv := m.story(p.StoryID)
		sv.votes = copyVotes(p.Votes)
		sv.revealed = true
		sv.stats = p.Stats
		sv.hasStats = true

	case protocol.VotesResetPayload:
		m.stories[p.StoryID] = &storyVotes{votes: make(map[string]string)}

	case protocol.StoryVotesPayload:
		m.stories[p.StoryID] = &storyVotes{
			votes:    copyVotes(p.Votes),
			revealed: p.Revealed,
		}

	case protocol.ImportStatusPayload:
		m.mu.Unlock()
		if m.listeners.ImportStatus != nil {
			m.listeners.ImportStatus(p)
		}
		return

	default:
		m.mu.Unlock()
		log.Debug().Str("event_type", string(ev.Type)).Msg("mirror ignoring event")
		return
	}
	m.mu.Unlock()

	if selectionChanged && m.listeners.SelectionChanged != nil {
		m.listeners.SelectionChanged(selectedStory, originServer)
	}
	if m.listeners.RoomUpdated != nil {
		m.listeners.RoomUpdated()
	}
}

// story returns the vote view for an item, creating it lazily. Callers
// hold m.mu.
func (m *Mirror) story(storyID string) *storyVotes {
	sv, ok := m.stories[storyID]
	if !ok {
		sv = &storyVotes{votes: make(map[string]string)}
		m.stories[storyID] = sv
	}
	return sv
}

// SelfID returns the member id the server assigned to this client.
func (m *Mirror) SelfID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.selfID
}

// VotingSystem returns the room's configured voting system.
func (m *Mirror) VotingSystem() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.votingSystem
}

// Deck returns the room's card deck as announced in the join snapshot.
func (m *Mirror) Deck() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, len(m.deck))
	copy(out, m.deck)
	return out
}

// Users returns the current membership snapshot.
func (m *Mirror) Users() []protocol.User {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]protocol.User, len(m.users))
	copy(out, m.users)
	return out
}

// Tickets returns the work items in display order.
func (m *Mirror) Tickets() []protocol.Ticket {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]protocol.Ticket, len(m.tickets))
	copy(out, m.tickets)
	return out
}

// ActiveStoryID returns the currently selected story, "" when none.
func (m *Mirror) ActiveStoryID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.activeStoryID
}

// StoryIndex returns the display position of a story, -1 when unknown.
// Derived from current order on every call, never cached.
func (m *Mirror) StoryIndex(storyID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i, t := range m.tickets {
		if t.ID == storyID {
			return i
		}
	}
	return -1
}

// StoryVotes returns the known votes for a story and its reveal state.
func (m *Mirror) StoryVotes(storyID string) (map[string]string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sv, ok := m.stories[storyID]
	if !ok {
		return map[string]string{}, false
	}
	return copyVotes(sv.votes), sv.revealed
}

// Stats returns the reveal-time aggregate for a story when one has been
// received.
func (m *Mirror) Stats(storyID string) (protocol.VoteStats, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sv, ok := m.stories[storyID]
	if !ok || !sv.hasStats {
		return protocol.VoteStats{}, false
	}
	return sv.stats, true
}

func copyVotes(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
