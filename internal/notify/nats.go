package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/atmx/market-game/internal/metrics"
)

// DefaultSubjectPrefix is used when NATSPublisher is given an empty prefix.
const DefaultSubjectPrefix = "marketgame"

// NATSPublisher publishes events to NATS on
// "<prefix>.<game_id>.<entity>", so subscribers can follow one game with
// "<prefix>.<game_id>.>" or one entity type across games with
// "<prefix>.*.order".
type NATSPublisher struct {
	conn   *nats.Conn
	prefix string
	logger *slog.Logger
}

// Connect dials NATS with reconnects enabled.
func Connect(url, name string) (*nats.Conn, error) {
	conn, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.RetryOnFailedConnect(true),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return conn, nil
}

// NewNATSPublisher creates a publisher on an established connection.
func NewNATSPublisher(conn *nats.Conn, prefix string, logger *slog.Logger) *NATSPublisher {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSPublisher{
		conn:   conn,
		prefix: prefix,
		logger: logger.With("component", "nats_publisher"),
	}
}

// Subject returns the subject an event is published on.
func (p *NATSPublisher) Subject(e Event) string {
	entity := e.Entity
	if entity == "" {
		entity = "game"
	}
	return fmt.Sprintf("%s.%s.%s", p.prefix, e.GameID, entity)
}

// Notify publishes the event. nats.Conn buffers publishes, so this does
// not wait on the network; failures are logged and counted.
func (p *NATSPublisher) Notify(_ context.Context, e Event) {
	data, err := json.Marshal(e)
	if err != nil {
		p.logger.Error("marshal event", "type", e.Type, "err", err)
		return
	}
	if err := p.conn.Publish(p.Subject(e), data); err != nil {
		metrics.NotificationsDropped.WithLabelValues("nats").Inc()
		p.logger.Warn("publish event failed", "type", e.Type, "game_id", e.GameID, "err", err)
	}
}
