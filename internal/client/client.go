package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/scrumdeck/scrumdeck/internal/protocol"
)

// Status is the connection lifecycle state surfaced to callers.
type Status string

const (
	// StatusConnected means the session is live.
	StatusConnected Status = "connected"
	// StatusReconnecting means the link dropped and redial attempts are
	// in progress.
	StatusReconnecting Status = "reconnecting"
	// StatusDisconnected is terminal: the reconnect budget is spent and
	// no further attempts will be made.
	StatusDisconnected Status = "disconnected"
)

const (
	defaultMaxReconnectAttempts = 10
	defaultReconnectBaseDelay   = 500 * time.Millisecond
	defaultReconnectMaxDelay    = 15 * time.Second
	defaultPingInterval         = 30 * time.Second
	defaultPongTimeout          = 2 * time.Minute
	writeWait                   = 10 * time.Second
)

// Options configures a Client.
type Options struct {
	// URL is the server base, e.g. "ws://localhost:8080".
	URL string
	// RoomID is the room to join; created server-side on first join.
	RoomID string
	// UserName is the display name announced to the room.
	UserName string
	// VotingSystem is applied only when this join creates the room.
	VotingSystem string

	// Clock drives heartbeat and backoff timing. Defaults to the real
	// clock; tests inject a fake.
	Clock clockwork.Clock

	// MaxReconnectAttempts bounds consecutive failed redials before the
	// client goes terminally disconnected. Defaults to 10.
	MaxReconnectAttempts int
	// ReconnectBaseDelay is the first backoff step; doubled per attempt
	// up to ReconnectMaxDelay.
	ReconnectBaseDelay time.Duration
	ReconnectMaxDelay  time.Duration

	// PingInterval is how often the client pings and checks pong
	// freshness. PongTimeout is how stale the last pong may be before
	// the link is declared dead.
	PingInterval time.Duration
	PongTimeout  time.Duration

	// StatusChanged receives lifecycle transitions. Optional.
	StatusChanged func(Status)
	// Listeners receive mirror changes.
	Listeners Listeners
}

// Client maintains a live session against a room: it dials, joins,
// feeds every server event into its Mirror, and redials with backoff
// when the link drops. All local actions are fire-to-server only; state
// changes come back as broadcasts.
type Client struct {
	opts   Options
	clock  clockwork.Clock
	mirror *Mirror
	dialer *websocket.Dialer

	connMu sync.Mutex
	conn   *websocket.Conn

	pongMu   sync.Mutex
	lastPong time.Time
}

// New builds a Client. Run must be called to establish the session.
func New(opts Options) *Client {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.MaxReconnectAttempts <= 0 {
		opts.MaxReconnectAttempts = defaultMaxReconnectAttempts
	}
	if opts.ReconnectBaseDelay <= 0 {
		opts.ReconnectBaseDelay = defaultReconnectBaseDelay
	}
	if opts.ReconnectMaxDelay <= 0 {
		opts.ReconnectMaxDelay = defaultReconnectMaxDelay
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaultPingInterval
	}
	if opts.PongTimeout <= 0 {
		opts.PongTimeout = defaultPongTimeout
	}
	return &Client{
		opts:   opts,
		clock:  opts.Clock,
		mirror: NewMirror(opts.Listeners),
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
}

// Mirror exposes the client's read-only room state.
func (c *Client) Mirror() *Mirror {
	return c.mirror
}

// Run connects and blocks serving the session until ctx is cancelled or
// the reconnect budget is exhausted. Each successful connection resets
// the attempt counter; after a fresh connect the client rejoins and the
// resulting full snapshot replaces whatever the mirror held.
func (c *Client) Run(ctx context.Context) error {
	attempts := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn, err := c.dial(ctx)
		if err != nil {
			attempts++
			if attempts >= c.opts.MaxReconnectAttempts {
				c.setStatus(StatusDisconnected)
				return fmt.Errorf("reconnect attempts exhausted: %w", err)
			}
			c.setStatus(StatusReconnecting)
			delay := backoffDelay(attempts, c.opts.ReconnectBaseDelay, c.opts.ReconnectMaxDelay)
			log.Warn().Err(err).Int("attempt", attempts).Dur("retry_in", delay).Msg("dial failed")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-c.clock.After(delay):
			}
			continue
		}

		attempts = 0
		c.setConn(conn)
		c.setStatus(StatusConnected)

		if err := c.join(); err != nil {
			log.Warn().Err(err).Msg("join send failed")
			c.closeConn()
			continue
		}

		err = c.serve(ctx, conn)
		c.closeConn()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Warn().Err(err).Msg("connection lost")
		c.setStatus(StatusReconnecting)
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	u := fmt.Sprintf("%s/ws/room?room_id=%s", c.opts.URL, url.QueryEscape(c.opts.RoomID))
	conn, _, err := c.dialer.DialContext(ctx, u, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", u, err)
	}
	return conn, nil
}

// serve reads events until the connection fails, keeping a heartbeat
// goroutine alive alongside it.
func (c *Client) serve(ctx context.Context, conn *websocket.Conn) error {
	c.pongMu.Lock()
	c.lastPong = c.clock.Now()
	c.pongMu.Unlock()

	conn.SetPongHandler(func(string) error {
		c.pongMu.Lock()
		c.lastPong = c.clock.Now()
		c.pongMu.Unlock()
		return nil
	})

	hbCtx, cancelHB := context.WithCancel(ctx)
	defer cancelHB()
	go c.heartbeat(hbCtx, conn)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var ev protocol.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			log.Warn().Err(err).Msg("malformed frame")
			continue
		}
		c.mirror.Apply(ev)
	}
}

// heartbeat pings on a fixed cycle and declares the link dead when the
// last pong is older than the pong timeout, closing the connection so
// the read loop unblocks into a reconnect.
func (c *Client) heartbeat(ctx context.Context, conn *websocket.Conn) {
	ticker := c.clock.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			c.pongMu.Lock()
			stale := c.clock.Now().Sub(c.lastPong) > c.opts.PongTimeout
			c.pongMu.Unlock()
			if stale {
				log.Warn().Msg("pong deadline exceeded, dropping connection")
				conn.Close()
				return
			}
			c.connMu.Lock()
			err := conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err == nil {
				err = conn.WriteMessage(websocket.PingMessage, nil)
			}
			c.connMu.Unlock()
			if err != nil {
				conn.Close()
				return
			}
		}
	}
}

func (c *Client) join() error {
	return c.send(protocol.EventTypeJoinRoom, protocol.JoinRoomPayload{
		RoomID:       c.opts.RoomID,
		UserName:     c.opts.UserName,
		VotingSystem: c.opts.VotingSystem,
	})
}

// AddTicket submits a new work item.
func (c *Client) AddTicket(text string) error {
	return c.send(protocol.EventTypeAddTicket, protocol.AddTicketPayload{Text: text})
}

// RemoveTicket asks the server to delete a work item.
func (c *Client) RemoveTicket(storyID string) error {
	return c.send(protocol.EventTypeRemoveTicket, protocol.RemoveTicketPayload{StoryID: storyID})
}

// SelectStory changes the active story. The origin must be the one the
// caller received: handlers reacting to a server-pushed selection pass
// it straight through, and the send is suppressed so the room does not
// echo selections back and forth forever.
func (c *Client) SelectStory(storyID string, origin Origin) error {
	if origin.FromServer {
		return nil
	}
	return c.send(protocol.EventTypeStorySelectedByID, protocol.StorySelectedByIDPayload{StoryID: storyID})
}

// SelectStoryIndex selects by display position, for surfaces that track
// order rather than ids. Same origin contract as SelectStory.
func (c *Client) SelectStoryIndex(index int, origin Origin) error {
	if origin.FromServer {
		return nil
	}
	return c.send(protocol.EventTypeStorySelected, protocol.StorySelectedPayload{StoryIndex: index})
}

// CastVote records this member's vote on a story.
func (c *Client) CastVote(storyID, value string) error {
	return c.send(protocol.EventTypeCastVote, protocol.CastVotePayload{
		Vote:         value,
		TargetUserID: c.mirror.SelfID(),
		StoryID:      storyID,
	})
}

// RevealVotes uncovers a story's votes for the whole room.
func (c *Client) RevealVotes(storyID string) error {
	return c.send(protocol.EventTypeRevealVotes, protocol.RevealVotesPayload{StoryID: storyID})
}

// ResetVotes clears a story's votes and returns it to hidden.
func (c *Client) ResetVotes(storyID string) error {
	return c.send(protocol.EventTypeResetVotes, protocol.ResetVotesPayload{StoryID: storyID})
}

// RequestStoryVotes asks for a story's current vote set on demand.
func (c *Client) RequestStoryVotes(storyID string) error {
	return c.send(protocol.EventTypeRequestStoryVotes, protocol.RequestStoryVotesPayload{StoryID: storyID})
}

// RequestAllTickets asks for the full work-item list, for surfaces that
// resync their backlog without a full rejoin.
func (c *Client) RequestAllTickets() error {
	return c.send(protocol.EventTypeAllTickets, protocol.AllTicketsPayload{})
}

// ImportTickets asks the server to pull work items from the configured
// issue tracker.
func (c *Client) ImportTickets(query string) error {
	return c.send(protocol.EventTypeImportTickets, protocol.ImportTicketsPayload{Query: query})
}

// Leave announces departure. The server also infers it from the socket
// closing, so this is best-effort.
func (c *Client) Leave() error {
	return c.send(protocol.EventTypeLeaveRoom, protocol.LeaveRoomPayload{})
}

func (c *Client) send(typ protocol.EventType, payload any) error {
	ev, err := protocol.NewEvent(c.opts.RoomID, typ, payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("not connected")
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) setConn(conn *websocket.Conn) {
	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
}

func (c *Client) closeConn() {
	c.connMu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.connMu.Unlock()
}

func (c *Client) setStatus(s Status) {
	if c.opts.StatusChanged != nil {
		c.opts.StatusChanged(s)
	}
}

// backoffDelay doubles from base per attempt, capped at max.
func backoffDelay(attempt int, base, max time.Duration) time.Duration {
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}
