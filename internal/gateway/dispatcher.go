package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/scrumdeck/scrumdeck/internal/importer"
	"github.com/scrumdeck/scrumdeck/internal/protocol"
	"github.com/scrumdeck/scrumdeck/internal/room"
)

// IssueSearcher is the issue-tracker import boundary: one request/response
// call producing a batch of issues for a query.
type IssueSearcher interface {
	Search(ctx context.Context, query string) ([]importer.Issue, error)
}

// Dispatcher validates inbound client events at the server boundary and
// applies them to the room registry. Malformed or unexpected payloads are
// logged and dropped; a failing mutation simply produces no broadcast,
// which bystanders cannot tell apart from nothing having happened.
type Dispatcher struct {
	registry *room.Registry
	searcher IssueSearcher // nil when import is not configured

	importTimeout time.Duration
}

// NewDispatcher wires a dispatcher to the registry. The searcher may be
// nil; import requests then fail with a status message.
func NewDispatcher(registry *room.Registry, searcher IssueSearcher) *Dispatcher {
	return &Dispatcher{
		registry:      registry,
		searcher:      searcher,
		importTimeout: 15 * time.Second,
	}
}

// HandleEvent processes one parsed client event.
func (d *Dispatcher) HandleEvent(conn *Connection, ev protocol.Event) {
	payload, err := protocol.DecodePayload(ev)
	if err != nil {
		log.Warn().
			Err(err).
			Str("member_id", conn.MemberID).
			Str("room_id", conn.RoomID).
			Msg("dropping undecodable client event")
		return
	}

	switch p := payload.(type) {
	case protocol.JoinRoomPayload:
		// The room is fixed at upgrade time; the payload's roomId is
		// display data and cannot redirect the connection.
		if err := d.registry.Join(conn.RoomID, conn.MemberID, p.UserName, p.VotingSystem); err != nil {
			log.Warn().
				Err(err).
				Str("room_id", conn.RoomID).
				Msg("join rejected")
		}

	case protocol.LeaveRoomPayload:
		d.registry.Leave(conn.RoomID, conn.MemberID)

	case protocol.AddTicketPayload:
		if !d.requireMember(conn) {
			return
		}
		if _, err := d.registry.AddItem(conn.RoomID, p.ID, p.Text); err != nil {
			d.logDropped(conn, ev, err)
		}

	case protocol.RemoveTicketPayload:
		if !d.requireMember(conn) {
			return
		}
		if err := d.registry.RemoveItem(conn.RoomID, p.StoryID); err != nil {
			d.logDropped(conn, ev, err)
		}

	case protocol.StorySelectedByIDPayload:
		if !d.requireMember(conn) {
			return
		}
		if err := d.registry.Select(conn.RoomID, room.SelectionByID(p.StoryID)); err != nil {
			d.logDropped(conn, ev, err)
		}

	case protocol.StorySelectedPayload:
		if !d.requireMember(conn) {
			return
		}
		// Legacy form; the id wins when the sender supplied both.
		idx := p.StoryIndex
		sel := room.Selection{StoryID: p.StoryID, Index: &idx}
		if err := d.registry.Select(conn.RoomID, sel); err != nil {
			d.logDropped(conn, ev, err)
		}

	case protocol.CastVotePayload:
		if p.TargetUserID != conn.MemberID {
			log.Warn().
				Str("member_id", conn.MemberID).
				Str("target_user_id", p.TargetUserID).
				Msg("rejecting vote cast on behalf of another member")
			return
		}
		if err := d.registry.CastVote(conn.RoomID, conn.MemberID, p.StoryID, p.Vote); err != nil {
			d.logDropped(conn, ev, err)
		}

	case protocol.RevealVotesPayload:
		if !d.requireMember(conn) {
			return
		}
		if err := d.registry.Reveal(conn.RoomID, p.StoryID); err != nil {
			d.logDropped(conn, ev, err)
		}

	case protocol.ResetVotesPayload:
		if !d.requireMember(conn) {
			return
		}
		if err := d.registry.Reset(conn.RoomID, p.StoryID); err != nil {
			d.logDropped(conn, ev, err)
		}

	case protocol.RequestStoryVotesPayload:
		sel := room.Selection{StoryID: p.StoryID, Index: p.StoryIndex}
		votes, err := d.registry.ItemVotes(conn.RoomID, sel)
		if err != nil {
			d.logDropped(conn, ev, err)
			return
		}
		d.reply(conn, protocol.EventTypeStoryVotes, votes)

	case protocol.AllTicketsPayload:
		snap, err := d.registry.Snapshot(conn.RoomID, conn.MemberID)
		if err != nil {
			d.logDropped(conn, ev, err)
			return
		}
		d.reply(conn, protocol.EventTypeAllTickets, protocol.AllTicketsPayload{Tickets: snap.Tickets})

	case protocol.ImportTicketsPayload:
		if !d.requireMember(conn) {
			return
		}
		go d.runImport(conn, p.Query)

	default:
		// Server-to-client event types echoed back, or additions to the
		// catalogue this dispatcher does not serve.
		log.Warn().
			Str("member_id", conn.MemberID).
			Str("event_type", string(ev.Type)).
			Msg("unexpected client event type")
	}
}

// HandleDisconnect removes the departed member. Leave is idempotent, so
// a disconnect racing an explicit leaveRoom is harmless.
func (d *Dispatcher) HandleDisconnect(conn *Connection) {
	d.registry.Leave(conn.RoomID, conn.MemberID)
}

// runImport performs the external search and appends the results as work
// items. Tracker failures surface to the requester as a status message,
// never as a protocol error.
func (d *Dispatcher) runImport(conn *Connection, query string) {
	ctx, cancel := context.WithTimeout(context.Background(), d.importTimeout)
	defer cancel()

	if d.searcher == nil {
		d.reply(conn, protocol.EventTypeImportStatus, protocol.ImportStatusPayload{
			OK:      false,
			Message: "issue tracker import is not configured",
		})
		return
	}

	issues, err := d.searcher.Search(ctx, query)
	if err != nil {
		log.Error().Err(err).Str("query", query).Msg("issue tracker search failed")
		d.reply(conn, protocol.EventTypeImportStatus, protocol.ImportStatusPayload{
			OK:      false,
			Message: "could not reach the issue tracker",
		})
		return
	}

	added := 0
	for _, ticket := range importer.ToWorkItems(issues) {
		if _, err := d.registry.AddItem(conn.RoomID, ticket.ID, ticket.Text); err != nil {
			break
		}
		added++
	}
	d.reply(conn, protocol.EventTypeImportStatus, protocol.ImportStatusPayload{OK: true, Count: added})
}

func (d *Dispatcher) reply(conn *Connection, typ protocol.EventType, payload any) {
	ev, err := protocol.NewEvent(conn.RoomID, typ, payload)
	if err != nil {
		log.Error().Err(err).Msg("failed to build reply event")
		return
	}
	conn.Manager.SendTo(conn.RoomID, conn.MemberID, ev)
}

// requireMember rejects mutations from connections that never joined.
func (d *Dispatcher) requireMember(conn *Connection) bool {
	if d.registry.HasMember(conn.RoomID, conn.MemberID) {
		return true
	}
	log.Warn().
		Str("member_id", conn.MemberID).
		Str("room_id", conn.RoomID).
		Msg("rejecting event from non-member connection")
	return false
}

func (d *Dispatcher) logDropped(conn *Connection, ev protocol.Event, err error) {
	// The not-found class is a silent no-op; log at debug so phantom
	// references stay traceable without alarming anyone.
	level := log.Debug()
	if !errors.Is(err, room.ErrItemNotFound) && !errors.Is(err, room.ErrRoomNotFound) {
		level = log.Warn()
	}
	level.
		Err(err).
		Str("member_id", conn.MemberID).
		Str("room_id", conn.RoomID).
		Str("event_type", string(ev.Type)).
		Msg("mutation dropped")
}
