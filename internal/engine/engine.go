// Package engine is the server-authoritative round-and-order engine: it
// owns the game and round lifecycle, executes orders at the active round's
// price, and serves valuations and standings.
//
// The engine keeps no game state of its own. Every invariant is enforced by
// a conditional store write (see store.Store); the in-process keyed mutexes
// only keep contention within one process off the store's conflict path.
package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/atmx/market-game/internal/notify"
	"github.com/atmx/market-game/internal/store"
)

// DefaultGrace is added to a round's deadline before it is auto-advanced.
const DefaultGrace = 5 * time.Second

// RoundScheduler arranges for AdvanceRound to be called once a round's
// deadline has passed.
type RoundScheduler interface {
	// ScheduleAdvance replaces any pending advance for the game.
	ScheduleAdvance(ctx context.Context, gameID string, round int, deadline time.Time) error
	// CancelGame drops any pending advance for the game.
	CancelGame(ctx context.Context, gameID string) error
}

// Options tune an Engine. Zero values select the defaults.
type Options struct {
	// Now returns the current time. Defaults to time.Now in UTC.
	Now func() time.Time
	// Grace is the delay after a deadline before auto-advance.
	Grace time.Duration
}

// Engine serves every game operation.
type Engine struct {
	store     store.Store
	notifier  notify.Notifier
	scheduler RoundScheduler
	logger    *slog.Logger
	now       func() time.Time
	grace     time.Duration

	players *keyedMutex // game/player
	games   *keyedMutex // game
}

// New creates an engine. notifier may be nil.
func New(st store.Store, notifier notify.Notifier, logger *slog.Logger, opts Options) *Engine {
	if notifier == nil {
		notifier = notify.Noop{}
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	grace := opts.Grace
	if grace <= 0 {
		grace = DefaultGrace
	}
	return &Engine{
		store:    st,
		notifier: notifier,
		logger:   logger.With("component", "engine"),
		now:      now,
		grace:    grace,
		players:  newKeyedMutex(),
		games:    newKeyedMutex(),
	}
}

// SetScheduler wires the auto-advance scheduler. It must be called before
// the engine serves requests; the scheduler in turn calls the engine.
func (e *Engine) SetScheduler(s RoundScheduler) {
	e.scheduler = s
}

// Grace returns the configured auto-advance grace period.
func (e *Engine) Grace() time.Duration { return e.grace }

// Now returns the engine's current time.
func (e *Engine) Now() time.Time { return e.now() }

func (e *Engine) schedule(ctx context.Context, gameID string, round int, deadline time.Time) {
	if e.scheduler == nil {
		return
	}
	if err := e.scheduler.ScheduleAdvance(ctx, gameID, round, deadline); err != nil {
		// The scheduler's sweep re-arms active rounds, so this is not fatal.
		e.logger.Error("schedule advance failed", "game_id", gameID, "round", round, "err", err)
	}
}

func (e *Engine) cancelSchedule(ctx context.Context, gameID string) {
	if e.scheduler == nil {
		return
	}
	if err := e.scheduler.CancelGame(ctx, gameID); err != nil {
		e.logger.Warn("cancel scheduled advance failed", "game_id", gameID, "err", err)
	}
}

// publish sends events after all locks are released.
func (e *Engine) publish(ctx context.Context, events ...notify.Event) {
	for _, ev := range events {
		if ev.At.IsZero() {
			ev.At = e.now()
		}
		e.notifier.Notify(ctx, ev)
	}
}
