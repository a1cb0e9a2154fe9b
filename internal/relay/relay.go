// Package relay mirrors canonical room events onto NATS JetStream so
// external consumers (bots, dashboards, integrations) can follow rooms
// without holding a WebSocket. The room protocol never depends on it:
// the relay is attached only when a NATS URL is configured, and a
// publish failure costs nothing but the mirrored copy.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"

	"github.com/scrumdeck/scrumdeck/internal/protocol"
)

// JetStreamConfig holds connection and stream settings for the relay.
type JetStreamConfig struct {
	URL           string
	StreamName    string
	SubjectPrefix string
	MaxReconnects int
	ReconnectWait time.Duration
	MaxAge        time.Duration
}

// DefaultJetStreamConfig returns the relay defaults. Rooms are
// ephemeral, so mirrored events only need to outlive a slow consumer.
func DefaultJetStreamConfig() JetStreamConfig {
	return JetStreamConfig{
		URL:           nats.DefaultURL,
		StreamName:    "ROOM_EVENTS",
		SubjectPrefix: "rooms.events",
		MaxReconnects: -1, // Infinite
		ReconnectWait: 2 * time.Second,
		MaxAge:        24 * time.Hour,
	}
}

// Relay publishes room events to JetStream subjects keyed by room id.
type Relay struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	config JetStreamConfig
}

// New connects to NATS and ensures the stream exists.
func New(ctx context.Context, cfg JetStreamConfig) (*Relay, error) {
	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	r := &Relay{nc: nc, js: js, config: cfg}
	if err := r.ensureStream(ctx); err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensure stream: %w", err)
	}
	return r, nil
}

func (r *Relay) ensureStream(ctx context.Context) error {
	_, err := r.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     r.config.StreamName,
		Subjects: []string{r.config.SubjectPrefix + ".>"},
		MaxAge:   r.config.MaxAge,
		Storage:  jetstream.FileStorage,
	})
	if err != nil {
		return err
	}
	log.Info().
		Str("stream", r.config.StreamName).
		Str("subjects", r.config.SubjectPrefix+".>").
		Msg("JetStream stream ready")
	return nil
}

// Publish mirrors one event onto its room's subject.
func (r *Relay) Publish(ctx context.Context, ev protocol.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	subject := fmt.Sprintf("%s.%s", r.config.SubjectPrefix, ev.RoomID)
	if _, err := r.js.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}

	log.Debug().
		Str("subject", subject).
		Str("event_type", string(ev.Type)).
		Msg("event relayed")
	return nil
}

// Close drains the NATS connection.
func (r *Relay) Close() {
	if r.nc != nil {
		r.nc.Close()
	}
}
