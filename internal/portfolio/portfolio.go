// Package portfolio computes player valuations from cash, positions and a
// round's prices. Every function here is pure: valuations are always
// recomputable from canonical state and never trusted as a source of truth.
package portfolio

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/market-game/internal/model"
)

// ErrMissingPrice is returned when a held position has no price in the
// round being used for valuation.
var ErrMissingPrice = errors.New("portfolio: no price for held symbol")

// Valuation is the mark of a player's holdings at one round's prices.
type Valuation struct {
	Equity decimal.Decimal
	Total  decimal.Decimal
}

// Valuate computes equity = Σ quantity × price (negative for shorts) and
// total = cash + equity. Flat positions need no price.
func Valuate(cash decimal.Decimal, positions []model.Position, prices map[string]decimal.Decimal) (Valuation, error) {
	equity := decimal.Zero
	for _, p := range positions {
		if p.Quantity == 0 {
			continue
		}
		price, ok := prices[p.Symbol]
		if !ok {
			return Valuation{}, fmt.Errorf("%w: %s", ErrMissingPrice, p.Symbol)
		}
		equity = equity.Add(price.Mul(decimal.NewFromInt(p.Quantity)))
	}
	return Valuation{Equity: equity, Total: cash.Add(equity)}, nil
}

// Mark revalues state in place at the given round's prices and stamps the
// round number used.
func Mark(state *model.PlayerGameState, positions []model.Position, prices map[string]decimal.Decimal, round int) error {
	v, err := Valuate(state.Cash, positions, prices)
	if err != nil {
		return err
	}
	state.EquityValue = v.Equity
	state.TotalValue = v.Total
	state.ValuedRound = round
	return nil
}

// View marks each position at the round's price. Positions without a price
// (only possible when flat) are marked at zero.
func View(positions []model.Position, prices map[string]decimal.Decimal) []model.PositionView {
	views := make([]model.PositionView, 0, len(positions))
	for _, p := range positions {
		price := prices[p.Symbol]
		qty := decimal.NewFromInt(p.Quantity)
		value := price.Mul(qty)
		views = append(views, model.PositionView{
			Position:      p,
			MarketPrice:   price,
			MarketValue:   value,
			UnrealizedPnL: value.Sub(p.AveragePrice.Mul(qty)),
		})
	}
	return views
}

// GroupByPlayer splits a game's positions by player ID.
func GroupByPlayer(positions []model.Position) map[string][]model.Position {
	out := make(map[string][]model.Position)
	for _, p := range positions {
		out[p.PlayerID] = append(out[p.PlayerID], p)
	}
	return out
}
