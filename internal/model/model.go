// Package model defines the core domain types shared across the game server.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// GameStatus is the lifecycle state of a game.
type GameStatus string

const (
	GameDraft     GameStatus = "draft"
	GameLive      GameStatus = "live"
	GameCompleted GameStatus = "completed"
	GameArchived  GameStatus = "archived"
)

// RoundStatus is the lifecycle state of a round.
type RoundStatus string

const (
	RoundPending   RoundStatus = "pending"
	RoundActive    RoundStatus = "active"
	RoundCompleted RoundStatus = "completed"
)

// Side is the direction of an order.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Valid reports whether s is buy or sell.
func (s Side) Valid() bool { return s == SideBuy || s == SideSell }

// OrderStatus is the outcome of an order attempt.
type OrderStatus string

const (
	OrderFilled   OrderStatus = "filled"
	OrderRejected OrderStatus = "rejected"
)

// RejectReason explains why an order was rejected.
type RejectReason string

const (
	RejectTradingClosed        RejectReason = "TradingClosed"
	RejectUnknownInstrument    RejectReason = "UnknownInstrument"
	RejectInvalidQuantity      RejectReason = "InvalidQuantity"
	RejectInsufficientFunds    RejectReason = "InsufficientFunds"
	RejectInsufficientPosition RejectReason = "InsufficientPosition"
	RejectConcurrencyConflict  RejectReason = "ConcurrencyConflict"
)

// Rejection errors, one per RejectReason. Order.Err maps a rejected order
// onto these so callers can use errors.Is.
var (
	ErrTradingClosed        = errors.New("trading closed")
	ErrUnknownInstrument    = errors.New("unknown instrument")
	ErrInvalidQuantity      = errors.New("invalid quantity")
	ErrInsufficientFunds    = errors.New("insufficient funds")
	ErrInsufficientPosition = errors.New("insufficient position")
	ErrOrderConflict        = errors.New("order conflicted with concurrent updates")
)

// Game is one simulation: a fixed number of rounds over a set of instruments.
type Game struct {
	ID                 string          `json:"id" db:"id"`
	Name               string          `json:"name" db:"name"`
	Status             GameStatus      `json:"status" db:"status"`
	InitialCash        decimal.Decimal `json:"initial_cash" db:"initial_cash"`
	TotalRounds        int             `json:"total_rounds" db:"total_rounds"`
	AllowShort         bool            `json:"allow_short" db:"allow_short"`
	CurrentRoundNumber int             `json:"current_round_number" db:"current_round_number"` // 0 = not started
	CreatedBy          string          `json:"created_by" db:"created_by"`
	CreatedAt          time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at" db:"updated_at"`
}

// Instrument is a tradable symbol within one game.
type Instrument struct {
	GameID       string          `json:"game_id" db:"game_id"`
	Symbol       string          `json:"symbol" db:"symbol"`
	Name         string          `json:"name" db:"name"`
	InitialPrice decimal.Decimal `json:"initial_price" db:"initial_price"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
}

// RoundPrice is the operator-set price of one symbol in one round.
type RoundPrice struct {
	GameID      string          `json:"game_id" db:"game_id"`
	RoundNumber int             `json:"round_number" db:"round_number"`
	Symbol      string          `json:"symbol" db:"symbol"`
	Price       decimal.Decimal `json:"price" db:"price"`
}

// Round is a fixed-duration trading window. Start and end times are each
// set exactly once.
type Round struct {
	GameID          string      `json:"game_id" db:"game_id"`
	RoundNumber     int         `json:"round_number" db:"round_number"`
	Status          RoundStatus `json:"status" db:"status"`
	DurationMinutes int         `json:"duration_minutes" db:"duration_minutes"`
	ActualStartTime *time.Time  `json:"actual_start_time,omitempty" db:"actual_start_time"`
	ActualEndTime   *time.Time  `json:"actual_end_time,omitempty" db:"actual_end_time"`
}

// Duration returns the configured round length.
func (r Round) Duration() time.Duration {
	return time.Duration(r.DurationMinutes) * time.Minute
}

// Deadline returns start + duration. ok is false until the round has started.
func (r Round) Deadline() (deadline time.Time, ok bool) {
	if r.ActualStartTime == nil {
		return time.Time{}, false
	}
	return r.ActualStartTime.Add(r.Duration()), true
}

// PlayerGameState is a player's cash and cached valuation within one game.
// Version is bumped on every cash or position change and guards conditional
// writes.
type PlayerGameState struct {
	GameID      string          `json:"game_id" db:"game_id"`
	PlayerID    string          `json:"player_id" db:"player_id"`
	Cash        decimal.Decimal `json:"cash" db:"cash"`
	EquityValue decimal.Decimal `json:"equity_value" db:"equity_value"`
	TotalValue  decimal.Decimal `json:"total_value" db:"total_value"`
	ValuedRound int             `json:"valued_round" db:"valued_round"`
	Version     int64           `json:"version" db:"version"`
	JoinSeq     int64           `json:"-" db:"join_seq"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at" db:"updated_at"`
}

// Position is a player's signed holding in one instrument.
type Position struct {
	GameID       string          `json:"game_id" db:"game_id"`
	PlayerID     string          `json:"player_id" db:"player_id"`
	Symbol       string          `json:"symbol" db:"symbol"`
	Quantity     int64           `json:"quantity" db:"quantity"`
	AveragePrice decimal.Decimal `json:"average_price" db:"average_price"` // 0 when flat
	Version      int64           `json:"version" db:"version"`
	UpdatedAt    time.Time       `json:"updated_at" db:"updated_at"`
}

// Order is an immutable record of one order attempt, filled or rejected.
type Order struct {
	ID           string              `json:"id" db:"id"`
	GameID       string              `json:"game_id" db:"game_id"`
	PlayerID     string              `json:"player_id" db:"player_id"`
	RoundNumber  int                 `json:"round_number" db:"round_number"`
	Symbol       string              `json:"symbol" db:"symbol"`
	Side         Side                `json:"side" db:"side"`
	Quantity     int64               `json:"quantity" db:"quantity"`
	Status       OrderStatus         `json:"status" db:"status"`
	RejectReason RejectReason        `json:"reject_reason,omitempty" db:"reject_reason"`
	FilledPrice  decimal.NullDecimal `json:"filled_price" db:"filled_price"`
	Notional     decimal.Decimal     `json:"notional" db:"notional"` // price × quantity when filled
	CreatedAt    time.Time           `json:"created_at" db:"created_at"`
}

// Err returns the rejection error for a rejected order, nil when filled.
func (o *Order) Err() error {
	if o.Status != OrderRejected {
		return nil
	}
	switch o.RejectReason {
	case RejectTradingClosed:
		return ErrTradingClosed
	case RejectUnknownInstrument:
		return ErrUnknownInstrument
	case RejectInvalidQuantity:
		return ErrInvalidQuantity
	case RejectInsufficientFunds:
		return ErrInsufficientFunds
	case RejectInsufficientPosition:
		return ErrInsufficientPosition
	case RejectConcurrencyConflict:
		return ErrOrderConflict
	}
	return errors.New(string(o.RejectReason))
}

// LeaderboardEntry is a derived standing. It is never stored.
type LeaderboardEntry struct {
	PlayerID    string          `json:"player_id"`
	Cash        decimal.Decimal `json:"cash"`
	EquityValue decimal.Decimal `json:"equity_value"`
	TotalValue  decimal.Decimal `json:"total_value"`
	PnL         decimal.Decimal `json:"pnl"`
	PnLPercent  decimal.Decimal `json:"pnl_percent"`
	Rank        int             `json:"rank"`
	ValuedRound int             `json:"valued_round"`
}

// PositionView is a position marked at a round's price.
type PositionView struct {
	Position
	MarketPrice   decimal.Decimal `json:"market_price"`
	MarketValue   decimal.Decimal `json:"market_value"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
}

// Portfolio aggregates a player's state and marked positions.
type Portfolio struct {
	State     PlayerGameState `json:"state"`
	Positions []PositionView  `json:"positions"`
	PnL       decimal.Decimal `json:"pnl"`
}
