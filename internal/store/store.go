// Package store defines the persistence interface for the game server.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing and single-process development).
//
// Every write that guards a game invariant is conditional: it succeeds only
// if the state it was computed from is still current, and otherwise returns
// ErrConflict without side effects.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/atmx/market-game/internal/model"
)

var (
	// ErrNotFound is returned when the requested entity does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrDuplicate is returned when a uniqueness constraint is violated.
	ErrDuplicate = errors.New("store: duplicate")

	// ErrConflict is returned when a conditional write finds the state
	// changed since it was read.
	ErrConflict = errors.New("store: conflict")

	// ErrRoundClosed is returned by ApplyFill when the order's round is no
	// longer the game's active round.
	ErrRoundClosed = errors.New("store: round closed")
)

// Revaluer recomputes a player's valuation in place from its positions and
// the round's prices. AdvanceRound calls it inside the transition so the
// end-of-round mark sees exactly the committed cash and positions.
type Revaluer func(state *model.PlayerGameState, positions []model.Position, prices []model.RoundPrice) error

// Fill is the atomic unit of order execution: the order record plus, for a
// filled order, the player's new state and position.
//
// State.Version and Position.Version carry the versions the fill was
// computed from (Position.Version 0 = position did not exist). Stores bump
// both on success.
type Fill struct {
	Order    *model.Order
	State    *model.PlayerGameState
	Position *model.Position
}

// RoundTransition claims the completion of round FromRound.
type RoundTransition struct {
	GameID    string
	FromRound int
	Now       time.Time
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Games and rounds ---

	// CreateGame persists a draft game and its pending rounds.
	CreateGame(ctx context.Context, g *model.Game, rounds []model.Round) error

	// GetGame retrieves a game by ID.
	GetGame(ctx context.Context, id string) (*model.Game, error)

	// ListGames returns games, newest first. With no statuses given all
	// games are returned.
	ListGames(ctx context.Context, statuses ...model.GameStatus) ([]model.Game, error)

	// ListRounds returns a game's rounds ordered by round number.
	ListRounds(ctx context.Context, gameID string) ([]model.Round, error)

	// GetRound retrieves one round.
	GetRound(ctx context.Context, gameID string, round int) (*model.Round, error)

	// StartGame moves a draft game to live and activates round 1.
	// ErrConflict if the game is no longer draft.
	StartGame(ctx context.Context, gameID string, now time.Time) error

	// AdvanceRound completes the active round t.FromRound, revalues every
	// player at that round's prices, and activates the next round or
	// completes the game. ErrConflict if the round is no longer active.
	AdvanceRound(ctx context.Context, t RoundTransition, revalue Revaluer) error

	// ArchiveGame moves a non-archived game to archived, completing its
	// active round if any. ErrConflict if already archived.
	ArchiveGame(ctx context.Context, gameID string, now time.Time) error

	// --- Instruments and prices ---

	// AddInstrument adds an instrument to a draft game. ErrDuplicate on a
	// repeated symbol, ErrConflict if the game is no longer draft.
	AddInstrument(ctx context.Context, inst *model.Instrument) error

	// ListInstruments returns a game's instruments ordered by symbol.
	ListInstruments(ctx context.Context, gameID string) ([]model.Instrument, error)

	// SetRoundPrices upserts prices for one round. ErrConflict unless the
	// round is still pending and the game is draft or live.
	SetRoundPrices(ctx context.Context, gameID string, round int, prices []model.RoundPrice) error

	// GetRoundPrices returns one round's prices ordered by symbol.
	GetRoundPrices(ctx context.Context, gameID string, round int) ([]model.RoundPrice, error)

	// ListRoundPrices returns the whole price matrix of a game.
	ListRoundPrices(ctx context.Context, gameID string) ([]model.RoundPrice, error)

	// --- Players ---

	// CreatePlayerState joins a player to a game. ErrDuplicate if already joined.
	CreatePlayerState(ctx context.Context, s *model.PlayerGameState) error

	// GetPlayerState retrieves one player's state.
	GetPlayerState(ctx context.Context, gameID, playerID string) (*model.PlayerGameState, error)

	// ListPlayerStates returns every player state in a game in join order.
	ListPlayerStates(ctx context.Context, gameID string) ([]model.PlayerGameState, error)

	// UpdateValuation stores a live valuation if the state version still
	// matches. It does not bump the version. ErrConflict otherwise.
	UpdateValuation(ctx context.Context, s *model.PlayerGameState) error

	// ListPositions returns one player's positions ordered by symbol.
	ListPositions(ctx context.Context, gameID, playerID string) ([]model.Position, error)

	// ListGamePositions returns every position in a game.
	ListGamePositions(ctx context.Context, gameID string) ([]model.Position, error)

	// --- Orders (append-only ledger) ---

	// ApplyFill atomically records a filled order with the new cash and
	// position. ErrRoundClosed if the order's round is no longer active,
	// ErrConflict if the state or position version moved.
	ApplyFill(ctx context.Context, f *Fill) error

	// InsertOrder appends a rejected order.
	InsertOrder(ctx context.Context, o *model.Order) error

	// ListOrders returns a game's orders in creation order, restricted to
	// one player unless playerID is empty.
	ListOrders(ctx context.Context, gameID, playerID string) ([]model.Order, error)
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*PostgresStore)(nil)
	_ Store = (*CachedStore)(nil)
)
