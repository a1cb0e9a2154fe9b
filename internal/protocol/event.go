package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event is the envelope for every message exchanged over a room channel,
// in both directions. Data carries the type-specific payload.
type Event struct {
	ID        string          `json:"id"`
	RoomID    string          `json:"roomId"`
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// EventType enumerates every message kind in the room protocol. The set is
// closed: DecodePayload switches exhaustively over it, so adding a kind
// means adding a payload type and a case there.
//
// Liveness ping/pong rides on WebSocket control frames and never appears
// as an Event.
type EventType string

const (
	// client -> server
	EventTypeJoinRoom          EventType = "joinRoom"
	EventTypeLeaveRoom         EventType = "leaveRoom"
	EventTypeAddTicket         EventType = "addTicket"
	EventTypeRemoveTicket      EventType = "removeTicket"
	EventTypeStorySelectedByID EventType = "storySelectedById"
	EventTypeCastVote          EventType = "castVote"
	EventTypeRevealVotes       EventType = "revealVotes"
	EventTypeResetVotes        EventType = "resetVotes"
	EventTypeRequestStoryVotes EventType = "requestStoryVotes"
	EventTypeImportTickets     EventType = "importTickets"

	// server -> client
	EventTypeUserList      EventType = "userList"
	EventTypeAllTickets    EventType = "allTickets"
	EventTypeVoteUpdate    EventType = "voteUpdate"
	EventTypeVotesRevealed EventType = "votesRevealed"
	EventTypeVotesReset    EventType = "votesReset"
	EventTypeStoryVotes    EventType = "storyVotes"
	EventTypeTicketRemoved EventType = "ticketRemoved"
	EventTypeRoomState     EventType = "roomState"
	EventTypeImportStatus  EventType = "importStatus"

	// both directions: client sends it with an index, the server always
	// rebroadcasts it carrying the resolved story id
	EventTypeStorySelected EventType = "storySelected"
)

// MaskedVote is the value broadcast in voteUpdate while the story is not
// revealed. The member key itself signals "has voted".
const MaskedVote = "hidden"

// ErrUnknownEventType is returned when decoding an event whose type is not
// part of the catalogue.
var ErrUnknownEventType = errors.New("unknown event type")

// NewEvent builds an envelope around a payload, assigning an event id and
// timestamp. Payloads are expected to always be marshalable; a marshal
// failure is a programming error surfaced to the caller.
func NewEvent(roomID string, typ EventType, payload any) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s payload: %w", typ, err)
	}
	return Event{
		ID:        uuid.New().String(),
		RoomID:    roomID,
		Type:      typ,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}, nil
}

// DecodePayload parses an event's data into its typed payload.
func DecodePayload(ev Event) (any, error) {
	switch ev.Type {
	case EventTypeJoinRoom:
		return decodeAs[JoinRoomPayload](ev)
	case EventTypeLeaveRoom:
		return decodeAs[LeaveRoomPayload](ev)
	case EventTypeAddTicket:
		return decodeAs[AddTicketPayload](ev)
	case EventTypeRemoveTicket:
		return decodeAs[RemoveTicketPayload](ev)
	case EventTypeStorySelectedByID:
		return decodeAs[StorySelectedByIDPayload](ev)
	case EventTypeStorySelected:
		return decodeAs[StorySelectedPayload](ev)
	case EventTypeCastVote:
		return decodeAs[CastVotePayload](ev)
	case EventTypeRevealVotes:
		return decodeAs[RevealVotesPayload](ev)
	case EventTypeResetVotes:
		return decodeAs[ResetVotesPayload](ev)
	case EventTypeRequestStoryVotes:
		return decodeAs[RequestStoryVotesPayload](ev)
	case EventTypeImportTickets:
		return decodeAs[ImportTicketsPayload](ev)
	case EventTypeUserList:
		return decodeAs[UserListPayload](ev)
	case EventTypeAllTickets:
		return decodeAs[AllTicketsPayload](ev)
	case EventTypeVoteUpdate:
		return decodeAs[VoteUpdatePayload](ev)
	case EventTypeVotesRevealed:
		return decodeAs[VotesRevealedPayload](ev)
	case EventTypeVotesReset:
		return decodeAs[VotesResetPayload](ev)
	case EventTypeStoryVotes:
		return decodeAs[StoryVotesPayload](ev)
	case EventTypeTicketRemoved:
		return decodeAs[TicketRemovedPayload](ev)
	case EventTypeRoomState:
		return decodeAs[RoomStatePayload](ev)
	case EventTypeImportStatus:
		return decodeAs[ImportStatusPayload](ev)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, ev.Type)
	}
}

func decodeAs[T any](ev Event) (T, error) {
	var payload T
	if len(ev.Data) == 0 {
		return payload, nil
	}
	if err := json.Unmarshal(ev.Data, &payload); err != nil {
		return payload, fmt.Errorf("unmarshal %s payload: %w", ev.Type, err)
	}
	return payload, nil
}
