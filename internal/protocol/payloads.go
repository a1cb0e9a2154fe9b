package protocol

// User is the wire shape of a room member.
type User struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Ticket is the wire shape of a work item. ID is the canonical identity;
// positional indexes never appear here.
type Ticket struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// VoteStats is the aggregate computed at reveal time.
type VoteStats struct {
	Mode    string  `json:"mode"`
	Average float64 `json:"average"`
}

type JoinRoomPayload struct {
	RoomID       string `json:"roomId"`
	UserName     string `json:"userName"`
	VotingSystem string `json:"votingSystem,omitempty"`
}

type LeaveRoomPayload struct{}

type UserListPayload struct {
	Users []User `json:"users"`
}

// AddTicketPayload serves both directions of the addTicket message: a
// client submits {id, text}, the server rebroadcasts {ticketData}. The
// submitter reconciles via the broadcast, never a local echo.
type AddTicketPayload struct {
	ID         string  `json:"id,omitempty"`
	Text       string  `json:"text,omitempty"`
	TicketData *Ticket `json:"ticketData,omitempty"`
}

type RemoveTicketPayload struct {
	StoryID string `json:"storyId"`
}

type TicketRemovedPayload struct {
	StoryID string `json:"storyId"`
}

type AllTicketsPayload struct {
	Tickets []Ticket `json:"tickets"`
}

// StorySelectedByIDPayload is the preferred selection message.
type StorySelectedByIDPayload struct {
	StoryID string `json:"storyId"`
}

// StorySelectedPayload carries the legacy positional form. Inbound it may
// hold only an index; outbound the server always fills StoryID and the
// index is a display convenience recomputed from current order.
type StorySelectedPayload struct {
	StoryIndex int    `json:"storyIndex"`
	StoryID    string `json:"storyId,omitempty"`
}

type CastVotePayload struct {
	Vote         string `json:"vote"`
	TargetUserID string `json:"targetUserId"`
	StoryID      string `json:"storyId"`
}

type VoteUpdatePayload struct {
	UserID  string `json:"userId"`
	Vote    string `json:"vote"`
	StoryID string `json:"storyId"`
}

type RevealVotesPayload struct {
	StoryID string `json:"storyId"`
}

type VotesRevealedPayload struct {
	StoryID string            `json:"storyId"`
	Votes   map[string]string `json:"votes"`
	Stats   VoteStats         `json:"stats"`
}

type ResetVotesPayload struct {
	StoryID string `json:"storyId"`
}

type VotesResetPayload struct {
	StoryID string `json:"storyId"`
}

// RequestStoryVotesPayload accepts either form; StoryIndex is resolved
// against the server-side order at receipt when no id is present.
type RequestStoryVotesPayload struct {
	StoryID    string `json:"storyId,omitempty"`
	StoryIndex *int   `json:"storyIndex,omitempty"`
}

type StoryVotesPayload struct {
	StoryID  string            `json:"storyId"`
	Votes    map[string]string `json:"votes"`
	Revealed bool              `json:"revealed"`
}

// RoomStatePayload is the full snapshot sent to a joining or resyncing
// client. Votes and Revealed describe the active story only; votes for
// other stories are fetched on demand via requestStoryVotes.
type RoomStatePayload struct {
	RoomID        string            `json:"roomId"`
	VotingSystem  string            `json:"votingSystem"`
	Deck          []string          `json:"deck,omitempty"`
	Users         []User            `json:"users"`
	Tickets       []Ticket          `json:"tickets"`
	ActiveStoryID string            `json:"activeStoryId,omitempty"`
	Votes         map[string]string `json:"votes,omitempty"`
	Revealed      bool              `json:"revealed"`
	SelfID        string            `json:"selfId,omitempty"`
}

type ImportTicketsPayload struct {
	Query string `json:"query"`
}

// ImportStatusPayload reports the outcome of an issue-tracker import to
// the requesting client only. Failures are a status, not a protocol error.
type ImportStatusPayload struct {
	OK      bool   `json:"ok"`
	Count   int    `json:"count,omitempty"`
	Message string `json:"message,omitempty"`
}
