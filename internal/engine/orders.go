package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
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

// fillAttempts bounds how often a fill is recomputed after losing a
// compare-and-set race.
const fillAttempts = 2

var maxQuantity = decimal.NewFromInt(math.MaxInt64)

// PlaceOrder executes a market order at the active round's price.
//
// Business outcomes, filled or rejected, return the recorded order and a
// nil error; Order.Err maps a rejection to its sentinel. An error is
// returned only when no order could be recorded: unknown game, malformed
// side, or an infrastructure failure. A fill that keeps losing the
// version race is recorded as rejected with RejectConcurrencyConflict.
func (e *Engine) PlaceOrder(ctx context.Context, gameID, playerID, symbol string, side model.Side, quantity decimal.Decimal) (*model.Order, error) {
	start := time.Now()
	if !side.Valid() {
		return nil, fmt.Errorf("%w: side must be buy or sell", ErrValidation)
	}
	if strings.TrimSpace(playerID) == "" {
		return nil, fmt.Errorf("%w: player is required", ErrValidation)
	}
	if _, err := e.GetGame(ctx, gameID); err != nil {
		return nil, err
	}

	unlock := e.players.Lock(playerKey(gameID, playerID))
	o, joined, err := e.placeLocked(ctx, gameID, playerID, symbol, side, quantity)
	unlock()
	if joined {
		e.publishJoin(ctx, gameID, playerID)
	}
	if err != nil {
		if !IsBusiness(err) {
			e.logger.Error("place order failed", "game_id", gameID, "player_id", playerID, "err", err)
		}
		return nil, err
	}

	metrics.OrdersTotal.WithLabelValues(string(side), string(o.Status)).Inc()
	metrics.OrderLatency.WithLabelValues(string(side)).Observe(time.Since(start).Seconds())
	if o.Status == model.OrderRejected {
		metrics.OrderRejections.WithLabelValues(string(o.RejectReason)).Inc()
		e.logger.Info("order rejected", "game_id", gameID, "player_id", playerID,
			"symbol", o.Symbol, "side", side, "reason", o.RejectReason)
		return o, nil
	}

	e.logger.Info("order filled", "game_id", gameID, "player_id", playerID, "round", o.RoundNumber,
		"symbol", o.Symbol, "side", side, "quantity", o.Quantity, "price", o.FilledPrice.Decimal.String())
	e.publish(ctx, notify.Event{
		Type: notify.OrderPlaced, GameID: gameID, Entity: "order", EntityID: o.ID,
		Round: o.RoundNumber, At: o.CreatedAt, Payload: o,
	})
	return o, nil
}

// placeLocked runs under the player lock. joined reports whether the
// player was enrolled by this order.
func (e *Engine) placeLocked(ctx context.Context, gameID, playerID, rawSymbol string, side model.Side, quantity decimal.Decimal) (o *model.Order, joined bool, err error) {
	for attempt := 1; ; attempt++ {
		p, err := e.prepareOrder(ctx, gameID, playerID, rawSymbol, side, quantity)
		if p != nil && p.joined {
			joined = true
		}
		if err != nil {
			return nil, joined, err
		}
		if p.fill == nil {
			return p.order, joined, e.recordRejection(ctx, p.order)
		}

		err = e.store.ApplyFill(ctx, p.fill)
		switch {
		case err == nil:
			return p.order, joined, nil
		case errors.Is(err, store.ErrRoundClosed):
			// The round closed between pricing and commit.
			o, err := e.reject(ctx, p.order, model.RejectTradingClosed)
			return o, joined, err
		case errors.Is(err, store.ErrConflict):
			metrics.FillConflicts.Inc()
			if attempt < fillAttempts {
				e.logger.Warn("fill conflict, retrying", "game_id", gameID, "player_id", playerID)
				continue
			}
			o, err := e.reject(ctx, p.order, model.RejectConcurrencyConflict)
			return o, joined, err
		}
		return nil, joined, translate(err)
	}
}

type preparedOrder struct {
	order  *model.Order
	fill   *store.Fill // nil when the order is rejected
	joined bool
}

// prepareOrder validates the order against current state and prices it.
func (e *Engine) prepareOrder(ctx context.Context, gameID, playerID, rawSymbol string, side model.Side, quantity decimal.Decimal) (*preparedOrder, error) {
	g, err := e.GetGame(ctx, gameID)
	if err != nil {
		return nil, err
	}

	sym, symErr := instrument.ParseSymbol(rawSymbol)
	if symErr != nil {
		sym = strings.ToUpper(strings.TrimSpace(rawSymbol))
	}
	qty, qtyOK := wholeQuantity(quantity)
	o := &model.Order{
		ID:          uuid.New().String(),
		GameID:      gameID,
		PlayerID:    playerID,
		RoundNumber: g.CurrentRoundNumber,
		Symbol:      sym,
		Side:        side,
		Quantity:    qty,
		CreatedAt:   e.now(),
	}
	p := &preparedOrder{order: o}
	rejected := func(reason model.RejectReason) (*preparedOrder, error) {
		o.Status = model.OrderRejected
		o.RejectReason = reason
		return p, nil
	}

	// Preconditions in order; the first failure wins.
	if g.Status != model.GameLive {
		return rejected(model.RejectTradingClosed)
	}
	round, err := e.store.GetRound(ctx, gameID, g.CurrentRoundNumber)
	if err != nil {
		return nil, translate(err)
	}
	if round.Status != model.RoundActive {
		return rejected(model.RejectTradingClosed)
	}
	if symErr != nil {
		return rejected(model.RejectUnknownInstrument)
	}
	insts, err := e.store.ListInstruments(ctx, gameID)
	if err != nil {
		return nil, translate(err)
	}
	if !hasInstrument(insts, sym) {
		return rejected(model.RejectUnknownInstrument)
	}
	if !qtyOK {
		return rejected(model.RejectInvalidQuantity)
	}

	roundPrices, err := e.store.GetRoundPrices(ctx, gameID, round.RoundNumber)
	if err != nil {
		return nil, translate(err)
	}
	prices := instrument.PriceMap(roundPrices)
	price, ok := prices[sym]
	if !ok {
		return nil, fmt.Errorf("no price for %s in round %d: %w", sym, round.RoundNumber, portfolio.ErrMissingPrice)
	}

	state, joined, err := e.ensurePlayer(ctx, g, playerID)
	p.joined = joined
	if err != nil {
		return p, err
	}
	positions, err := e.store.ListPositions(ctx, gameID, playerID)
	if err != nil {
		return nil, translate(err)
	}
	pos := model.Position{GameID: gameID, PlayerID: playerID, Symbol: sym}
	idx := -1
	for i, held := range positions {
		if held.Symbol == sym {
			pos, idx = held, i
			break
		}
	}

	f := computeFill(side, qty, price, state.Cash, pos, g.AllowShort)
	if f.reason != "" {
		return rejected(f.reason)
	}

	next := *state
	next.Cash = f.cash
	newPos := pos
	newPos.Quantity = f.quantity
	newPos.AveragePrice = f.average
	if idx >= 0 {
		positions[idx] = newPos
	} else {
		positions = append(positions, newPos)
	}
	if err := portfolio.Mark(&next, positions, prices, round.RoundNumber); err != nil {
		return p, err
	}

	o.Status = model.OrderFilled
	o.FilledPrice = decimal.NewNullDecimal(price)
	o.Notional = f.notional
	p.fill = &store.Fill{Order: o, State: &next, Position: &newPos}
	return p, nil
}

func (e *Engine) reject(ctx context.Context, o *model.Order, reason model.RejectReason) (*model.Order, error) {
	o.Status = model.OrderRejected
	o.RejectReason = reason
	o.FilledPrice = decimal.NullDecimal{}
	o.Notional = decimal.Zero
	return o, e.recordRejection(ctx, o)
}

func (e *Engine) recordRejection(ctx context.Context, o *model.Order) error {
	if err := e.store.InsertOrder(ctx, o); err != nil {
		return translate(err)
	}
	return nil
}

// wholeQuantity converts a requested quantity to a positive whole number
// of units.
func wholeQuantity(q decimal.Decimal) (int64, bool) {
	if !q.IsInteger() || !q.IsPositive() || q.GreaterThan(maxQuantity) {
		return 0, false
	}
	return q.IntPart(), true
}

func hasInstrument(insts []model.Instrument, symbol string) bool {
	for _, inst := range insts {
		if inst.Symbol == symbol {
			return true
		}
	}
	return false
}

// --- Players ---

// JoinGame enrolls a player in a draft or live game with the game's
// initial cash. Joining again returns the existing state.
func (e *Engine) JoinGame(ctx context.Context, gameID, playerID string) (*model.PlayerGameState, error) {
	if strings.TrimSpace(playerID) == "" {
		return nil, fmt.Errorf("%w: player is required", ErrValidation)
	}
	g, err := e.GetGame(ctx, gameID)
	if err != nil {
		return nil, err
	}
	if g.Status != model.GameDraft && g.Status != model.GameLive {
		return nil, fmt.Errorf("%w: cannot join a %s game", ErrInvalidState, g.Status)
	}

	unlock := e.players.Lock(playerKey(gameID, playerID))
	st, joined, err := e.ensurePlayer(ctx, g, playerID)
	unlock()
	if joined {
		e.publishJoin(ctx, gameID, playerID)
	}
	return st, err
}

// ensurePlayer returns the player's state, creating it on first use.
// Callers hold the player lock.
func (e *Engine) ensurePlayer(ctx context.Context, g *model.Game, playerID string) (st *model.PlayerGameState, created bool, err error) {
	st, err = e.store.GetPlayerState(ctx, g.ID, playerID)
	if err == nil {
		return st, false, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, false, translate(err)
	}

	now := e.now()
	st = &model.PlayerGameState{
		GameID:      g.ID,
		PlayerID:    playerID,
		Cash:        g.InitialCash,
		EquityValue: decimal.Zero,
		TotalValue:  g.InitialCash,
		ValuedRound: g.CurrentRoundNumber,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	err = e.store.CreatePlayerState(ctx, st)
	if errors.Is(err, store.ErrDuplicate) {
		// Joined concurrently from another process.
		st, err = e.store.GetPlayerState(ctx, g.ID, playerID)
		return st, false, translate(err)
	}
	if err != nil {
		return nil, false, translate(err)
	}
	return st, true, nil
}

func (e *Engine) publishJoin(ctx context.Context, gameID, playerID string) {
	e.logger.Info("player joined", "game_id", gameID, "player_id", playerID)
	e.publish(ctx, notify.Event{Type: notify.PlayerJoined, GameID: gameID, Entity: "player", EntityID: playerID})
}

// ListOrders returns a game's orders in creation order, restricted to one
// player unless playerID is empty.
func (e *Engine) ListOrders(ctx context.Context, gameID, playerID string) ([]model.Order, error) {
	if _, err := e.GetGame(ctx, gameID); err != nil {
		return nil, err
	}
	orders, err := e.store.ListOrders(ctx, gameID, playerID)
	return orders, translate(err)
}
