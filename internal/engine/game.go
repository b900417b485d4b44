package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/market-game/internal/instrument"
	"github.com/atmx/market-game/internal/metrics"
	"github.com/atmx/market-game/internal/model"
	"github.com/atmx/market-game/internal/notify"
	"github.com/atmx/market-game/internal/portfolio"
	"github.com/atmx/market-game/internal/store"
)

// GameSpec describes a game to create.
type GameSpec struct {
	Name        string          `json:"name"`
	InitialCash decimal.Decimal `json:"initial_cash"`
	TotalRounds int             `json:"total_rounds"`
	AllowShort  bool            `json:"allow_short"`

	// RoundDurationMinutes applies to every round unless RoundDurations
	// lists one duration per round.
	RoundDurationMinutes int   `json:"round_duration_minutes"`
	RoundDurations       []int `json:"round_durations,omitempty"`

	CreatedBy string `json:"-"`
}

func (s GameSpec) durations() ([]int, error) {
	if s.TotalRounds < 1 {
		return nil, fmt.Errorf("%w: total_rounds must be >= 1", ErrValidation)
	}
	out := make([]int, s.TotalRounds)
	if len(s.RoundDurations) > 0 {
		if len(s.RoundDurations) != s.TotalRounds {
			return nil, fmt.Errorf("%w: round_durations has %d entries for %d rounds",
				ErrValidation, len(s.RoundDurations), s.TotalRounds)
		}
		copy(out, s.RoundDurations)
	} else {
		for i := range out {
			out[i] = s.RoundDurationMinutes
		}
	}
	for i, d := range out {
		if d <= 0 {
			return nil, fmt.Errorf("%w: round %d duration must be > 0 minutes", ErrValidation, i+1)
		}
	}
	return out, nil
}

// AdvanceResult reports the state after an AdvanceRound call.
type AdvanceResult struct {
	GameID         string           `json:"game_id"`
	CompletedRound int              `json:"completed_round,omitempty"`
	CurrentRound   int              `json:"current_round"`
	GameStatus     model.GameStatus `json:"game_status"`
	// Advanced is false when another caller already made this transition.
	Advanced bool `json:"advanced"`
}

// RoundClock is the countdown of a game's current round.
type RoundClock struct {
	GameID           string            `json:"game_id"`
	GameStatus       model.GameStatus  `json:"game_status"`
	RoundNumber      int               `json:"round_number"`
	TotalRounds      int               `json:"total_rounds"`
	RoundStatus      model.RoundStatus `json:"round_status,omitempty"`
	StartedAt        *time.Time        `json:"started_at,omitempty"`
	Deadline         *time.Time        `json:"deadline,omitempty"`
	DurationSeconds  int64             `json:"duration_seconds"`
	RemainingSeconds int64             `json:"remaining_seconds"`
	GraceSeconds     int64             `json:"grace_seconds"`

	Duration  time.Duration `json:"-"`
	Remaining time.Duration `json:"-"`
}

// --- Lifecycle ---

// CreateGame creates a draft game with all of its rounds pending.
func (e *Engine) CreateGame(ctx context.Context, spec GameSpec) (*model.Game, error) {
	name := strings.TrimSpace(spec.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrValidation)
	}
	if spec.InitialCash.IsNegative() {
		return nil, fmt.Errorf("%w: initial_cash must be >= 0", ErrValidation)
	}
	durations, err := spec.durations()
	if err != nil {
		return nil, err
	}

	now := e.now()
	g := &model.Game{
		ID:          uuid.New().String(),
		Name:        name,
		Status:      model.GameDraft,
		InitialCash: spec.InitialCash,
		TotalRounds: spec.TotalRounds,
		AllowShort:  spec.AllowShort,
		CreatedBy:   spec.CreatedBy,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	rounds := make([]model.Round, len(durations))
	for i, d := range durations {
		rounds[i] = model.Round{
			GameID:          g.ID,
			RoundNumber:     i + 1,
			Status:          model.RoundPending,
			DurationMinutes: d,
		}
	}
	if err := e.store.CreateGame(ctx, g, rounds); err != nil {
		return nil, translate(err)
	}

	e.logger.Info("game created", "game_id", g.ID, "name", g.Name, "rounds", g.TotalRounds,
		"initial_cash", g.InitialCash.String())
	e.publish(ctx, notify.Event{Type: notify.GameCreated, GameID: g.ID, Entity: "game", EntityID: g.ID})
	return g, nil
}

// AddInstrument adds a tradable symbol to a draft game.
func (e *Engine) AddInstrument(ctx context.Context, gameID, symbol, name string, initialPrice decimal.Decimal) (*model.Instrument, error) {
	sym, err := instrument.ParseSymbol(symbol)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidation, err)
	}
	if err := instrument.ValidatePrice(initialPrice); err != nil {
		return nil, fmt.Errorf("%w: initial_price: %w", ErrValidation, err)
	}
	g, err := e.GetGame(ctx, gameID)
	if err != nil {
		return nil, err
	}
	if g.Status != model.GameDraft {
		return nil, fmt.Errorf("%w: instruments can only be added to a draft game (status %s)", ErrInvalidState, g.Status)
	}

	inst := &model.Instrument{
		GameID:       gameID,
		Symbol:       sym,
		Name:         strings.TrimSpace(name),
		InitialPrice: initialPrice,
		CreatedAt:    e.now(),
	}
	if err := e.store.AddInstrument(ctx, inst); err != nil {
		return nil, stateError(err)
	}

	e.logger.Info("instrument added", "game_id", gameID, "symbol", sym)
	e.publish(ctx, notify.Event{Type: notify.InstrumentAdded, GameID: gameID, Entity: "instrument", EntityID: sym})
	return inst, nil
}

// ListInstruments returns a game's instruments ordered by symbol.
func (e *Engine) ListInstruments(ctx context.Context, gameID string) ([]model.Instrument, error) {
	if _, err := e.GetGame(ctx, gameID); err != nil {
		return nil, err
	}
	insts, err := e.store.ListInstruments(ctx, gameID)
	return insts, translate(err)
}

// SetRoundPrices upserts the prices of one round. It is allowed while the
// game is draft, or live for a round that has not started.
func (e *Engine) SetRoundPrices(ctx context.Context, gameID string, round int, in []instrument.PriceInput) ([]model.RoundPrice, error) {
	g, err := e.GetGame(ctx, gameID)
	if err != nil {
		return nil, err
	}
	if round < 1 || round > g.TotalRounds {
		return nil, fmt.Errorf("%w: round %d outside 1..%d", ErrValidation, round, g.TotalRounds)
	}
	if len(in) == 0 {
		return nil, fmt.Errorf("%w: no prices given", ErrValidation)
	}
	prices, err := instrument.NormalizePrices(gameID, round, in)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidation, err)
	}

	insts, err := e.store.ListInstruments(ctx, gameID)
	if err != nil {
		return nil, translate(err)
	}
	known := make(map[string]bool, len(insts))
	for _, inst := range insts {
		known[inst.Symbol] = true
	}
	for _, p := range prices {
		if !known[p.Symbol] {
			return nil, fmt.Errorf("%w: unknown instrument %s", ErrValidation, p.Symbol)
		}
	}

	if g.Status != model.GameDraft && g.Status != model.GameLive {
		return nil, fmt.Errorf("%w: prices cannot change in a %s game", ErrInvalidState, g.Status)
	}
	r, err := e.store.GetRound(ctx, gameID, round)
	if err != nil {
		return nil, translate(err)
	}
	if r.Status != model.RoundPending {
		return nil, fmt.Errorf("%w: round %d is %s", ErrInvalidState, round, r.Status)
	}
	if err := e.store.SetRoundPrices(ctx, gameID, round, prices); err != nil {
		return nil, stateError(err)
	}

	e.logger.Info("round prices set", "game_id", gameID, "round", round, "count", len(prices))
	e.publish(ctx, notify.Event{Type: notify.PricesSet, GameID: gameID, Entity: "round", Round: round})
	return prices, nil
}

// GetRoundPrices returns one round's prices. Unless revealFuture is set,
// prices of rounds that have not started are ErrForbidden.
func (e *Engine) GetRoundPrices(ctx context.Context, gameID string, round int, revealFuture bool) ([]model.RoundPrice, error) {
	g, err := e.GetGame(ctx, gameID)
	if err != nil {
		return nil, err
	}
	if round < 1 || round > g.TotalRounds {
		return nil, fmt.Errorf("%w: round %d outside 1..%d", ErrNotFound, round, g.TotalRounds)
	}
	if !revealFuture {
		r, err := e.store.GetRound(ctx, gameID, round)
		if err != nil {
			return nil, translate(err)
		}
		if r.Status == model.RoundPending {
			return nil, fmt.Errorf("%w: round %d has not started", ErrForbidden, round)
		}
	}
	prices, err := e.store.GetRoundPrices(ctx, gameID, round)
	return prices, translate(err)
}

// StartGame moves a draft game to live and activates round 1. Every
// instrument must be priced for every round.
func (e *Engine) StartGame(ctx context.Context, gameID string) (*model.Game, error) {
	unlock := e.games.Lock(gameID)
	g, err := e.startLocked(ctx, gameID)
	unlock()
	if err != nil {
		return nil, err
	}

	metrics.ActiveGames.Inc()
	e.logger.Info("game started", "game_id", gameID)
	e.publish(ctx,
		notify.Event{Type: notify.GameStarted, GameID: gameID, Entity: "game", EntityID: gameID, Round: 1},
	)
	return g, nil
}

func (e *Engine) startLocked(ctx context.Context, gameID string) (*model.Game, error) {
	g, err := e.GetGame(ctx, gameID)
	if err != nil {
		return nil, err
	}
	if g.Status != model.GameDraft {
		return nil, fmt.Errorf("%w: game is %s", ErrInvalidState, g.Status)
	}
	insts, err := e.store.ListInstruments(ctx, gameID)
	if err != nil {
		return nil, translate(err)
	}
	if len(insts) == 0 {
		return nil, fmt.Errorf("%w: game has no instruments", ErrInvalidState)
	}
	prices, err := e.store.ListRoundPrices(ctx, gameID)
	if err != nil {
		return nil, translate(err)
	}
	symbols := make([]string, len(insts))
	for i, inst := range insts {
		symbols[i] = inst.Symbol
	}
	if err := instrument.CheckMatrix(symbols, g.TotalRounds, prices); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidState, err)
	}

	now := e.now()
	if err := e.store.StartGame(ctx, gameID, now); err != nil {
		return nil, stateError(err)
	}
	first, err := e.store.GetRound(ctx, gameID, 1)
	if err != nil {
		return nil, translate(err)
	}
	if deadline, ok := first.Deadline(); ok {
		e.schedule(ctx, gameID, 1, deadline)
	}
	return e.GetGame(ctx, gameID)
}

// AdvanceRound completes round fromRound and activates the next one, or
// completes the game after the last round. fromRound 0 means the current
// round, read before queueing on the game lock so that simultaneous
// callers all name the same transition. The call is idempotent per
// transition: once the game has moved past fromRound it returns the
// current state with Advanced false.
func (e *Engine) AdvanceRound(ctx context.Context, gameID string, fromRound int) (*AdvanceResult, error) {
	var (
		res *AdvanceResult
		err error
	)
	if fromRound == 0 {
		fromRound, err = e.currentLiveRound(ctx, gameID)
	}
	if err == nil {
		unlock := e.games.Lock(gameID)
		res, err = e.advanceLocked(ctx, gameID, fromRound)
		unlock()
	}

	switch {
	case err != nil:
		metrics.RoundAdvances.WithLabelValues("error").Inc()
		return nil, err
	case !res.Advanced:
		metrics.RoundAdvances.WithLabelValues("noop").Inc()
		return res, nil
	}
	metrics.RoundAdvances.WithLabelValues("advanced").Inc()

	events := []notify.Event{{
		Type: notify.RoundAdvanced, GameID: gameID, Entity: "round",
		Round: res.CurrentRound, Payload: res,
	}}
	if res.GameStatus == model.GameCompleted {
		metrics.ActiveGames.Dec()
		e.logger.Info("game completed", "game_id", gameID, "round", res.CompletedRound)
		events = append(events, notify.Event{Type: notify.GameCompleted, GameID: gameID, Entity: "game", EntityID: gameID})
	} else {
		e.logger.Info("round advanced", "game_id", gameID, "from", res.CompletedRound, "to", res.CurrentRound)
	}
	e.publish(ctx, events...)
	return res, nil
}

func (e *Engine) advanceLocked(ctx context.Context, gameID string, fromRound int) (*AdvanceResult, error) {
	if fromRound < 1 {
		return nil, fmt.Errorf("%w: from_round must be >= 0", ErrValidation)
	}
	g, err := e.GetGame(ctx, gameID)
	if err != nil {
		return nil, err
	}
	if res, done := advancedPast(g, fromRound); done {
		return res, nil
	}
	if g.Status != model.GameLive {
		return nil, fmt.Errorf("%w: game is %s", ErrInvalidState, g.Status)
	}
	if fromRound != g.CurrentRoundNumber {
		return nil, fmt.Errorf("%w: round %d is not active (current %d)", ErrInvalidState, fromRound, g.CurrentRoundNumber)
	}

	now := e.now()
	revalue := func(st *model.PlayerGameState, positions []model.Position, prices []model.RoundPrice) error {
		return portfolio.Mark(st, positions, instrument.PriceMap(prices), fromRound)
	}
	err = e.store.AdvanceRound(ctx, store.RoundTransition{GameID: gameID, FromRound: fromRound, Now: now}, revalue)
	if errors.Is(err, store.ErrConflict) {
		// Another process claimed the transition first, or archived the game.
		if g, gerr := e.GetGame(ctx, gameID); gerr == nil {
			if res, done := advancedPast(g, fromRound); done {
				return res, nil
			}
			if g.Status != model.GameLive {
				return nil, fmt.Errorf("%w: game is %s", ErrInvalidState, g.Status)
			}
		}
		return nil, translate(err)
	}
	if err != nil {
		return nil, translate(err)
	}

	g, err = e.GetGame(ctx, gameID)
	if err != nil {
		return nil, err
	}
	if g.Status == model.GameCompleted {
		e.cancelSchedule(ctx, gameID)
	} else {
		next, err := e.store.GetRound(ctx, gameID, g.CurrentRoundNumber)
		if err != nil {
			return nil, translate(err)
		}
		if deadline, ok := next.Deadline(); ok {
			e.schedule(ctx, gameID, next.RoundNumber, deadline)
		}
	}
	return &AdvanceResult{
		GameID:         gameID,
		CompletedRound: fromRound,
		CurrentRound:   g.CurrentRoundNumber,
		GameStatus:     g.Status,
		Advanced:       true,
	}, nil
}

// currentLiveRound returns the active round of a live game.
func (e *Engine) currentLiveRound(ctx context.Context, gameID string) (int, error) {
	g, err := e.GetGame(ctx, gameID)
	if err != nil {
		return 0, err
	}
	if g.Status != model.GameLive {
		return 0, fmt.Errorf("%w: game is %s", ErrInvalidState, g.Status)
	}
	return g.CurrentRoundNumber, nil
}

// advancedPast reports whether the transition out of fromRound has
// already happened.
func advancedPast(g *model.Game, fromRound int) (*AdvanceResult, bool) {
	if g.Status == model.GameArchived || fromRound < 1 {
		return nil, false
	}
	past := g.CurrentRoundNumber > fromRound ||
		(g.Status == model.GameCompleted && fromRound == g.CurrentRoundNumber)
	if !past {
		return nil, false
	}
	return &AdvanceResult{
		GameID:       g.ID,
		CurrentRound: g.CurrentRoundNumber,
		GameStatus:   g.Status,
	}, true
}

// ArchiveGame retires a game from any non-archived state. A live game's
// active round is closed without a valuation snapshot.
func (e *Engine) ArchiveGame(ctx context.Context, gameID string) (*model.Game, error) {
	unlock := e.games.Lock(gameID)
	g, wasLive, err := e.archiveLocked(ctx, gameID)
	unlock()
	if err != nil {
		return nil, err
	}

	if wasLive {
		metrics.ActiveGames.Dec()
	}
	e.logger.Info("game archived", "game_id", gameID)
	e.publish(ctx, notify.Event{Type: notify.GameArchived, GameID: gameID, Entity: "game", EntityID: gameID})
	return g, nil
}

func (e *Engine) archiveLocked(ctx context.Context, gameID string) (*model.Game, bool, error) {
	g, err := e.GetGame(ctx, gameID)
	if err != nil {
		return nil, false, err
	}
	if g.Status == model.GameArchived {
		return nil, false, fmt.Errorf("%w: game is already archived", ErrInvalidState)
	}
	if err := e.store.ArchiveGame(ctx, gameID, e.now()); err != nil {
		return nil, false, stateError(err)
	}
	e.cancelSchedule(ctx, gameID)
	archived, err := e.GetGame(ctx, gameID)
	return archived, g.Status == model.GameLive, err
}

// --- Reads ---

// GetGame retrieves a game by ID.
func (e *Engine) GetGame(ctx context.Context, gameID string) (*model.Game, error) {
	g, err := e.store.GetGame(ctx, gameID)
	if err != nil {
		return nil, translate(err)
	}
	return g, nil
}

// ListGames returns games newest first, optionally filtered by status.
func (e *Engine) ListGames(ctx context.Context, statuses ...model.GameStatus) ([]model.Game, error) {
	games, err := e.store.ListGames(ctx, statuses...)
	return games, translate(err)
}

// ListRounds returns a game's rounds in order.
func (e *Engine) ListRounds(ctx context.Context, gameID string) ([]model.Round, error) {
	rounds, err := e.store.ListRounds(ctx, gameID)
	return rounds, translate(err)
}

// Clock returns the countdown of the game's current round.
func (e *Engine) Clock(ctx context.Context, gameID string) (*RoundClock, error) {
	g, err := e.GetGame(ctx, gameID)
	if err != nil {
		return nil, err
	}
	return e.clock(ctx, g)
}

func (e *Engine) clock(ctx context.Context, g *model.Game) (*RoundClock, error) {
	c := &RoundClock{
		GameID:       g.ID,
		GameStatus:   g.Status,
		RoundNumber:  g.CurrentRoundNumber,
		TotalRounds:  g.TotalRounds,
		GraceSeconds: int64(e.grace / time.Second),
	}
	if g.CurrentRoundNumber == 0 {
		return c, nil
	}
	r, err := e.store.GetRound(ctx, g.ID, g.CurrentRoundNumber)
	if err != nil {
		return nil, translate(err)
	}
	c.RoundStatus = r.Status
	c.StartedAt = r.ActualStartTime
	c.Duration = r.Duration()
	c.DurationSeconds = int64(c.Duration / time.Second)
	if deadline, ok := r.Deadline(); ok {
		c.Deadline = &deadline
		if r.Status == model.RoundActive {
			if rem := deadline.Sub(e.now()); rem > 0 {
				c.Remaining = rem
			}
		}
	}
	c.RemainingSeconds = int64(c.Remaining / time.Second)
	return c, nil
}

// ActiveRounds returns the clock of every live game's active round. The
// scheduler uses it to resume after a restart.
func (e *Engine) ActiveRounds(ctx context.Context) ([]RoundClock, error) {
	games, err := e.store.ListGames(ctx, model.GameLive)
	if err != nil {
		return nil, translate(err)
	}
	out := make([]RoundClock, 0, len(games))
	for i := range games {
		c, err := e.clock(ctx, &games[i])
		if err != nil {
			return nil, err
		}
		if c.RoundStatus == model.RoundActive && c.Deadline != nil {
			out = append(out, *c)
		}
	}
	return out, nil
}

// stateError maps a store conflict on a lifecycle write to ErrInvalidState:
// the game or round moved on between the engine's check and the write.
func stateError(err error) error {
	if errors.Is(err, store.ErrConflict) {
		return fmt.Errorf("%w: %w", ErrInvalidState, err)
	}
	return translate(err)
}
