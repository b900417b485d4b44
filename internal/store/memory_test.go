package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/market-game/internal/model"
	"github.com/atmx/market-game/internal/store"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// seedGame creates a draft game with one instrument "X" priced in every round.
func seedGame(t *testing.T, s store.Store, id string, rounds int) {
	t.Helper()
	ctx := context.Background()

	g := &model.Game{
		ID: id, Name: id, Status: model.GameDraft, InitialCash: d(10000),
		TotalRounds: rounds, CreatedAt: t0, UpdatedAt: t0,
	}
	rs := make([]model.Round, rounds)
	for i := range rs {
		rs[i] = model.Round{GameID: id, RoundNumber: i + 1, Status: model.RoundPending, DurationMinutes: 5}
	}
	require.NoError(t, s.CreateGame(ctx, g, rs))
	require.NoError(t, s.AddInstrument(ctx, &model.Instrument{GameID: id, Symbol: "X", InitialPrice: d(100), CreatedAt: t0}))
	for r := 1; r <= rounds; r++ {
		require.NoError(t, s.SetRoundPrices(ctx, id, r, []model.RoundPrice{{Symbol: "X", Price: d(float64(100 + 10*(r-1)))}}))
	}
}

func join(t *testing.T, s store.Store, gameID, playerID string) *model.PlayerGameState {
	t.Helper()
	st := &model.PlayerGameState{
		GameID: gameID, PlayerID: playerID, Cash: d(10000), TotalValue: d(10000),
		CreatedAt: t0, UpdatedAt: t0,
	}
	require.NoError(t, s.CreatePlayerState(context.Background(), st))
	return st
}

func markAll(st *model.PlayerGameState, positions []model.Position, prices []model.RoundPrice) error {
	equity := decimal.Zero
	for _, p := range positions {
		for _, rp := range prices {
			if rp.Symbol == p.Symbol {
				equity = equity.Add(rp.Price.Mul(decimal.NewFromInt(p.Quantity)))
			}
		}
	}
	st.EquityValue = equity
	st.TotalValue = st.Cash.Add(equity)
	if len(prices) > 0 {
		st.ValuedRound = prices[0].RoundNumber
	}
	return nil
}

func buyFill(st *model.PlayerGameState, round int, qty int64, price decimal.Decimal, posVersion int64) *store.Fill {
	notional := price.Mul(decimal.NewFromInt(qty))
	next := *st
	next.Cash = st.Cash.Sub(notional)
	next.EquityValue = notional
	next.TotalValue = next.Cash.Add(notional)
	next.ValuedRound = round
	return &store.Fill{
		Order: &model.Order{
			ID: "o-" + st.PlayerID, GameID: st.GameID, PlayerID: st.PlayerID, RoundNumber: round,
			Symbol: "X", Side: model.SideBuy, Quantity: qty, Status: model.OrderFilled,
			FilledPrice: decimal.NewNullDecimal(price), Notional: notional, CreatedAt: t0,
		},
		State:    &next,
		Position: &model.Position{GameID: st.GameID, PlayerID: st.PlayerID, Symbol: "X", Quantity: qty, AveragePrice: price, Version: posVersion},
	}
}

func TestMemoryStore_GameNotFound(t *testing.T) {
	s := store.NewMemoryStore()
	_, err := s.GetGame(context.Background(), "nope")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestMemoryStore_CreateGameDuplicate(t *testing.T) {
	s := store.NewMemoryStore()
	seedGame(t, s, "g1", 1)
	err := s.CreateGame(context.Background(), &model.Game{ID: "g1", TotalRounds: 0}, nil)
	assert.ErrorIs(t, err, store.ErrDuplicate)
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	s := store.NewMemoryStore()
	seedGame(t, s, "g1", 1)
	ctx := context.Background()

	g, err := s.GetGame(ctx, "g1")
	require.NoError(t, err)
	g.Status = model.GameArchived

	again, err := s.GetGame(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, model.GameDraft, again.Status)
}

func TestMemoryStore_StartGame(t *testing.T) {
	s := store.NewMemoryStore()
	seedGame(t, s, "g1", 2)
	ctx := context.Background()

	require.NoError(t, s.StartGame(ctx, "g1", t0))

	g, err := s.GetGame(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, model.GameLive, g.Status)
	assert.Equal(t, 1, g.CurrentRoundNumber)

	r, err := s.GetRound(ctx, "g1", 1)
	require.NoError(t, err)
	assert.Equal(t, model.RoundActive, r.Status)
	require.NotNil(t, r.ActualStartTime)
	assert.True(t, r.ActualStartTime.Equal(t0))

	assert.ErrorIs(t, s.StartGame(ctx, "g1", t0), store.ErrConflict)
}

func TestMemoryStore_AddInstrumentRules(t *testing.T) {
	s := store.NewMemoryStore()
	seedGame(t, s, "g1", 1)
	ctx := context.Background()

	err := s.AddInstrument(ctx, &model.Instrument{GameID: "g1", Symbol: "X", InitialPrice: d(1)})
	assert.ErrorIs(t, err, store.ErrDuplicate)

	require.NoError(t, s.StartGame(ctx, "g1", t0))
	err = s.AddInstrument(ctx, &model.Instrument{GameID: "g1", Symbol: "Y", InitialPrice: d(1)})
	assert.ErrorIs(t, err, store.ErrConflict)
}

func TestMemoryStore_SetRoundPricesOnlyPending(t *testing.T) {
	s := store.NewMemoryStore()
	seedGame(t, s, "g1", 2)
	ctx := context.Background()
	require.NoError(t, s.StartGame(ctx, "g1", t0))

	err := s.SetRoundPrices(ctx, "g1", 1, []model.RoundPrice{{Symbol: "X", Price: d(1)}})
	assert.ErrorIs(t, err, store.ErrConflict, "active round prices are frozen")

	require.NoError(t, s.SetRoundPrices(ctx, "g1", 2, []model.RoundPrice{{Symbol: "X", Price: d(555)}}))
	prices, err := s.GetRoundPrices(ctx, "g1", 2)
	require.NoError(t, err)
	require.Len(t, prices, 1)
	assert.True(t, prices[0].Price.Equal(d(555)))

	err = s.SetRoundPrices(ctx, "g1", 2, []model.RoundPrice{{Symbol: "NOPE", Price: d(1)}})
	assert.ErrorIs(t, err, store.ErrNotFound)
	err = s.SetRoundPrices(ctx, "g1", 3, []model.RoundPrice{{Symbol: "X", Price: d(1)}})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestMemoryStore_PlayerJoinOrder(t *testing.T) {
	s := store.NewMemoryStore()
	seedGame(t, s, "g1", 1)
	ctx := context.Background()

	a := join(t, s, "g1", "a")
	b := join(t, s, "g1", "b")
	assert.Less(t, a.JoinSeq, b.JoinSeq)

	err := s.CreatePlayerState(ctx, &model.PlayerGameState{GameID: "g1", PlayerID: "a"})
	assert.ErrorIs(t, err, store.ErrDuplicate)

	states, err := s.ListPlayerStates(ctx, "g1")
	require.NoError(t, err)
	require.Len(t, states, 2)
	assert.Equal(t, "a", states[0].PlayerID)
	assert.Equal(t, "b", states[1].PlayerID)
}

func TestMemoryStore_ApplyFill(t *testing.T) {
	s := store.NewMemoryStore()
	seedGame(t, s, "g1", 2)
	ctx := context.Background()
	st := join(t, s, "g1", "a")
	require.NoError(t, s.StartGame(ctx, "g1", t0))

	f := buyFill(st, 1, 50, d(100), 0)
	require.NoError(t, s.ApplyFill(ctx, f))
	assert.Equal(t, int64(1), f.State.Version)
	assert.Equal(t, int64(1), f.Position.Version)

	got, err := s.GetPlayerState(ctx, "g1", "a")
	require.NoError(t, err)
	assert.True(t, got.Cash.Equal(d(5000)), "cash %s", got.Cash)
	assert.True(t, got.TotalValue.Equal(d(10000)), "total %s", got.TotalValue)
	assert.Equal(t, 1, got.ValuedRound)
	assert.Equal(t, int64(1), got.Version)

	positions, err := s.ListPositions(ctx, "g1", "a")
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, int64(50), positions[0].Quantity)

	orders, err := s.ListOrders(ctx, "g1", "a")
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, model.OrderFilled, orders[0].Status)
}

func TestMemoryStore_ApplyFillStaleVersion(t *testing.T) {
	s := store.NewMemoryStore()
	seedGame(t, s, "g1", 1)
	ctx := context.Background()
	st := join(t, s, "g1", "a")
	require.NoError(t, s.StartGame(ctx, "g1", t0))

	first := buyFill(st, 1, 1, d(100), 0)
	stale := buyFill(st, 1, 1, d(100), 0)
	require.NoError(t, s.ApplyFill(ctx, first))

	err := s.ApplyFill(ctx, stale)
	assert.ErrorIs(t, err, store.ErrConflict)

	orders, err := s.ListOrders(ctx, "g1", "")
	require.NoError(t, err)
	assert.Len(t, orders, 1, "a conflicting fill must not record an order")
}

func TestMemoryStore_ApplyFillRoundClosed(t *testing.T) {
	s := store.NewMemoryStore()
	seedGame(t, s, "g1", 2)
	ctx := context.Background()
	st := join(t, s, "g1", "a")

	// Draft game: no active round.
	assert.ErrorIs(t, s.ApplyFill(ctx, buyFill(st, 1, 1, d(100), 0)), store.ErrRoundClosed)

	require.NoError(t, s.StartGame(ctx, "g1", t0))
	require.NoError(t, s.AdvanceRound(ctx, store.RoundTransition{GameID: "g1", FromRound: 1, Now: t0}, markAll))

	// Round 1 has closed even though the fill was computed against it.
	assert.ErrorIs(t, s.ApplyFill(ctx, buyFill(st, 1, 1, d(100), 0)), store.ErrRoundClosed)
}

func TestMemoryStore_AdvanceRound(t *testing.T) {
	s := store.NewMemoryStore()
	seedGame(t, s, "g1", 2)
	ctx := context.Background()
	st := join(t, s, "g1", "a")
	require.NoError(t, s.StartGame(ctx, "g1", t0))
	require.NoError(t, s.ApplyFill(ctx, buyFill(st, 1, 50, d(100), 0)))

	later := t0.Add(5 * time.Minute)
	require.NoError(t, s.AdvanceRound(ctx, store.RoundTransition{GameID: "g1", FromRound: 1, Now: later}, markAll))

	g, err := s.GetGame(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, 2, g.CurrentRoundNumber)
	assert.Equal(t, model.GameLive, g.Status)

	rounds, err := s.ListRounds(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, model.RoundCompleted, rounds[0].Status)
	require.NotNil(t, rounds[0].ActualEndTime)
	assert.True(t, rounds[0].ActualEndTime.Equal(later))
	assert.Equal(t, model.RoundActive, rounds[1].Status)

	// Valued at round 1 price 100: 5000 cash + 50*100.
	got, err := s.GetPlayerState(ctx, "g1", "a")
	require.NoError(t, err)
	assert.True(t, got.TotalValue.Equal(d(10000)), "total %s", got.TotalValue)
	assert.Equal(t, 1, got.ValuedRound)

	// Replaying the same transition is a conflict, not a second advance.
	err = s.AdvanceRound(ctx, store.RoundTransition{GameID: "g1", FromRound: 1, Now: later}, markAll)
	assert.ErrorIs(t, err, store.ErrConflict)

	require.NoError(t, s.AdvanceRound(ctx, store.RoundTransition{GameID: "g1", FromRound: 2, Now: later}, markAll))
	g, err = s.GetGame(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, model.GameCompleted, g.Status)
	assert.Equal(t, 2, g.CurrentRoundNumber)

	got, err = s.GetPlayerState(ctx, "g1", "a")
	require.NoError(t, err)
	assert.True(t, got.TotalValue.Equal(d(10500)), "total %s", got.TotalValue)
}

func TestMemoryStore_ArchiveClosesActiveRound(t *testing.T) {
	s := store.NewMemoryStore()
	seedGame(t, s, "g1", 2)
	ctx := context.Background()
	require.NoError(t, s.StartGame(ctx, "g1", t0))

	require.NoError(t, s.ArchiveGame(ctx, "g1", t0))
	r, err := s.GetRound(ctx, "g1", 1)
	require.NoError(t, err)
	assert.Equal(t, model.RoundCompleted, r.Status)

	assert.ErrorIs(t, s.ArchiveGame(ctx, "g1", t0), store.ErrConflict)
}

func TestMemoryStore_UpdateValuationConditional(t *testing.T) {
	s := store.NewMemoryStore()
	seedGame(t, s, "g1", 1)
	ctx := context.Background()
	st := join(t, s, "g1", "a")

	st.TotalValue = d(1)
	require.NoError(t, s.UpdateValuation(ctx, st))
	got, err := s.GetPlayerState(ctx, "g1", "a")
	require.NoError(t, err)
	assert.True(t, got.TotalValue.Equal(d(1)))
	assert.Equal(t, int64(0), got.Version, "valuation does not bump the version")

	st.Version = 7
	assert.ErrorIs(t, s.UpdateValuation(ctx, st), store.ErrConflict)
}

func TestMemoryStore_ListGamesFilter(t *testing.T) {
	s := store.NewMemoryStore()
	seedGame(t, s, "g1", 1)
	seedGame(t, s, "g2", 1)
	ctx := context.Background()
	require.NoError(t, s.StartGame(ctx, "g2", t0))

	live, err := s.ListGames(ctx, model.GameLive)
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, "g2", live[0].ID)

	all, err := s.ListGames(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}
