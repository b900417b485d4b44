// Package scheduler auto-advances rounds once their deadline plus a grace
// period has passed. Two backends implement engine.RoundScheduler: an
// in-process TimerScheduler and a Postgres-backed RiverScheduler. Both only
// ever call Engine.AdvanceRound, so a scheduled advance is indistinguishable
// from an operator's and is safe to run more than once.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/atmx/market-game/internal/engine"
)

// DefaultSweepInterval is how often the timer backend re-arms active rounds
// that lost their timer.
const DefaultSweepInterval = 15 * time.Second

// ErrStopped is returned when scheduling on a stopped scheduler.
var ErrStopped = errors.New("scheduler: stopped")

// Advancer is the part of the engine a scheduler drives.
type Advancer interface {
	AdvanceRound(ctx context.Context, gameID string, fromRound int) (*engine.AdvanceResult, error)
	ActiveRounds(ctx context.Context) ([]engine.RoundClock, error)
}

// FireAt returns when a round with the given deadline should be advanced:
// grace after the deadline, or grace from now if the deadline has passed.
func FireAt(deadline, now time.Time, grace time.Duration) time.Time {
	if deadline.Before(now) {
		deadline = now
	}
	return deadline.Add(grace)
}

// advance runs one scheduled transition. Outcomes that mean the work is
// already done (game archived, completed, moved on or deleted) are not
// errors.
func advance(ctx context.Context, a Advancer, logger *slog.Logger, gameID string, round int) error {
	res, err := a.AdvanceRound(ctx, gameID, round)
	switch {
	case errors.Is(err, engine.ErrInvalidState), errors.Is(err, engine.ErrNotFound):
		logger.Info("scheduled advance skipped", "game_id", gameID, "round", round, "reason", err)
		return nil
	case err != nil:
		return err
	case res.Advanced:
		logger.Info("round auto-advanced", "game_id", gameID, "from", round,
			"to", res.CurrentRound, "status", res.GameStatus)
	default:
		logger.Debug("round already advanced", "game_id", gameID, "round", round)
	}
	return nil
}
