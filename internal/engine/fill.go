package engine

import (
	"github.com/shopspring/decimal"

	"github.com/atmx/market-game/internal/model"
)

// fill is the outcome of pricing an order against a player's holdings.
type fill struct {
	reason   model.RejectReason // empty when the order can execute
	cash     decimal.Decimal
	quantity int64
	average  decimal.Decimal
	notional decimal.Decimal
}

// computeFill applies one order to cash and a position without touching
// the store. A non-empty reason means the order must be rejected.
func computeFill(side model.Side, qty int64, price, cash decimal.Decimal, pos model.Position, allowShort bool) fill {
	notional := price.Mul(decimal.NewFromInt(qty))
	f := fill{notional: notional}

	var delta int64
	switch side {
	case model.SideBuy:
		if cash.LessThan(notional) {
			f.reason = model.RejectInsufficientFunds
			return f
		}
		f.cash = cash.Sub(notional)
		delta = qty
	case model.SideSell:
		if !allowShort && pos.Quantity < qty {
			f.reason = model.RejectInsufficientPosition
			return f
		}
		f.cash = cash.Add(notional)
		delta = -qty
	}

	f.quantity = pos.Quantity + delta
	f.average = nextAverage(pos.Quantity, pos.AveragePrice, delta, price)
	return f
}

// nextAverage returns the average price after adding delta (signed) units
// at price to a holding of oldQty at oldAvg.
//
// Buys take the weighted average over signed quantity. Sells leave the
// average unchanged while the holding keeps its sign. Either way the
// average resets to the fill price when the holding opens from flat or
// crosses zero, and is zero when flat.
func nextAverage(oldQty int64, oldAvg decimal.Decimal, delta int64, price decimal.Decimal) decimal.Decimal {
	newQty := oldQty + delta
	switch {
	case newQty == 0:
		return decimal.Zero
	case oldQty == 0 || (oldQty > 0) != (newQty > 0):
		return price
	case delta > 0:
		basis := oldAvg.Mul(decimal.NewFromInt(oldQty)).Add(price.Mul(decimal.NewFromInt(delta)))
		return basis.Div(decimal.NewFromInt(newQty))
	default:
		return oldAvg
	}
}
