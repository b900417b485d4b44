// Package notify fans game change events out to subscribers. Delivery is
// best-effort: a Notifier never blocks the caller and may drop events when
// a sink is slow or unavailable. Clients that miss an event re-read state.
package notify

import (
	"context"
	"time"
)

// EventType names a change to game state.
type EventType string

const (
	GameCreated     EventType = "game.created"
	GameStarted     EventType = "game.started"
	GameCompleted   EventType = "game.completed"
	GameArchived    EventType = "game.archived"
	InstrumentAdded EventType = "instrument.added"
	PricesSet       EventType = "prices.set"
	RoundAdvanced   EventType = "round.advanced"
	PlayerJoined    EventType = "player.joined"
	OrderPlaced     EventType = "order.placed"
)

// Event is one change notification.
type Event struct {
	Type     EventType `json:"type"`
	GameID   string    `json:"game_id"`
	Entity   string    `json:"entity"` // game, round, instrument, player, order
	EntityID string    `json:"entity_id,omitempty"`
	Round    int       `json:"round,omitempty"`
	At       time.Time `json:"at"`
	Payload  any       `json:"payload,omitempty"`
}

// Notifier publishes change events. Implementations must not block.
type Notifier interface {
	Notify(ctx context.Context, e Event)
}

// Noop discards every event.
type Noop struct{}

func (Noop) Notify(context.Context, Event) {}

// Multi forwards each event to every notifier in order.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, e Event) {
	for _, n := range m {
		if n != nil {
			n.Notify(ctx, e)
		}
	}
}
