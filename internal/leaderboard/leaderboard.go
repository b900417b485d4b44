// Package leaderboard derives ranked standings from player valuations.
package leaderboard

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/atmx/market-game/internal/model"
)

// PercentScale is the number of decimal places kept for pnl_percent.
var PercentScale int32 = 4

var hundred = decimal.NewFromInt(100)

// Compute ranks every state by total value descending. Ties go to the
// player who joined first (CreatedAt, then JoinSeq, then PlayerID), so the
// order is total and deterministic. The input slice is not modified.
func Compute(states []model.PlayerGameState, initialCash decimal.Decimal) []model.LeaderboardEntry {
	sorted := append([]model.PlayerGameState(nil), states...)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if c := a.TotalValue.Cmp(b.TotalValue); c != 0 {
			return c > 0
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		if a.JoinSeq != b.JoinSeq {
			return a.JoinSeq < b.JoinSeq
		}
		return a.PlayerID < b.PlayerID
	})

	entries := make([]model.LeaderboardEntry, len(sorted))
	for i, s := range sorted {
		pnl := s.TotalValue.Sub(initialCash)
		entries[i] = model.LeaderboardEntry{
			PlayerID:    s.PlayerID,
			Cash:        s.Cash,
			EquityValue: s.EquityValue,
			TotalValue:  s.TotalValue,
			PnL:         pnl,
			PnLPercent:  PnLPercent(pnl, initialCash),
			Rank:        i + 1,
			ValuedRound: s.ValuedRound,
		}
	}
	return entries
}

// PnLPercent returns pnl / initialCash × 100, or zero when initialCash is zero.
func PnLPercent(pnl, initialCash decimal.Decimal) decimal.Decimal {
	if initialCash.IsZero() {
		return decimal.Zero
	}
	return pnl.Div(initialCash).Mul(hundred).Round(PercentScale)
}
