package engine

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/atmx/market-game/internal/instrument"
	"github.com/atmx/market-game/internal/leaderboard"
	"github.com/atmx/market-game/internal/model"
	"github.com/atmx/market-game/internal/portfolio"
	"github.com/atmx/market-game/internal/store"
)

// displayRound is the round whose prices values a game for display: the
// active round while live, the last round reached once completed or
// archived, and 0 before the game starts.
func displayRound(g *model.Game) int {
	return g.CurrentRoundNumber
}

func (e *Engine) displayPrices(ctx context.Context, g *model.Game) (map[string]decimal.Decimal, int, error) {
	round := displayRound(g)
	if round == 0 {
		return nil, 0, nil
	}
	prices, err := e.store.GetRoundPrices(ctx, g.ID, round)
	if err != nil {
		return nil, 0, translate(err)
	}
	return instrument.PriceMap(prices), round, nil
}

// GetPlayerState returns a player's state valued at the display round. A
// changed valuation is written back unless a concurrent fill got there
// first, in which case the fill's own valuation stands.
func (e *Engine) GetPlayerState(ctx context.Context, gameID, playerID string) (*model.PlayerGameState, error) {
	st, _, _, err := e.valuedPlayer(ctx, gameID, playerID)
	return st, err
}

func (e *Engine) valuedPlayer(ctx context.Context, gameID, playerID string) (*model.PlayerGameState, []model.Position, map[string]decimal.Decimal, error) {
	g, err := e.GetGame(ctx, gameID)
	if err != nil {
		return nil, nil, nil, err
	}
	st, err := e.store.GetPlayerState(ctx, gameID, playerID)
	if err != nil {
		return nil, nil, nil, translate(err)
	}
	positions, err := e.store.ListPositions(ctx, gameID, playerID)
	if err != nil {
		return nil, nil, nil, translate(err)
	}
	prices, round, err := e.displayPrices(ctx, g)
	if err != nil || round == 0 {
		return st, positions, prices, err
	}

	fresh := *st
	if err := portfolio.Mark(&fresh, positions, prices, round); err != nil {
		return nil, nil, nil, err
	}
	if fresh.ValuedRound != st.ValuedRound || !fresh.TotalValue.Equal(st.TotalValue) || !fresh.EquityValue.Equal(st.EquityValue) {
		fresh.UpdatedAt = e.now()
		if err := e.store.UpdateValuation(ctx, &fresh); err != nil && !errors.Is(err, store.ErrConflict) {
			e.logger.Warn("persist valuation failed", "game_id", gameID, "player_id", playerID, "err", err)
		}
	}
	return &fresh, positions, prices, nil
}

// GetPortfolio returns a player's state plus every position marked at the
// display round, with unrealised P&L against the average price.
func (e *Engine) GetPortfolio(ctx context.Context, gameID, playerID string) (*model.Portfolio, error) {
	g, err := e.GetGame(ctx, gameID)
	if err != nil {
		return nil, err
	}
	st, positions, prices, err := e.valuedPlayer(ctx, gameID, playerID)
	if err != nil {
		return nil, err
	}
	return &model.Portfolio{
		State:     *st,
		Positions: portfolio.View(positions, prices),
		PnL:       st.TotalValue.Sub(g.InitialCash),
	}, nil
}

// GetLeaderboard ranks every player of a game. Players are revalued in
// memory at the display round, so live standings follow live prices and
// finished games rank on the final mark.
func (e *Engine) GetLeaderboard(ctx context.Context, gameID string) ([]model.LeaderboardEntry, error) {
	g, err := e.GetGame(ctx, gameID)
	if err != nil {
		return nil, err
	}
	states, err := e.store.ListPlayerStates(ctx, gameID)
	if err != nil {
		return nil, translate(err)
	}
	prices, round, err := e.displayPrices(ctx, g)
	if err != nil {
		return nil, err
	}
	if round > 0 {
		all, err := e.store.ListGamePositions(ctx, gameID)
		if err != nil {
			return nil, translate(err)
		}
		byPlayer := portfolio.GroupByPlayer(all)
		for i := range states {
			if err := portfolio.Mark(&states[i], byPlayer[states[i].PlayerID], prices, round); err != nil {
				return nil, err
			}
		}
	}
	return leaderboard.Compute(states, g.InitialCash), nil
}
