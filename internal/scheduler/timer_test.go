package scheduler_test

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/atmx/market-game/internal/engine"
	"github.com/atmx/market-game/internal/instrument"
	"github.com/atmx/market-game/internal/model"
	"github.com/atmx/market-game/internal/scheduler"
	"github.com/atmx/market-game/internal/store"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func discard() *slog.Logger { return slog.New(slog.DiscardHandler) }

// fakeClock fires due callbacks synchronously from Advance.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	when    time.Time
	f       func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	was := !t.stopped
	t.stopped = true
	return was
}

func newFakeClock(now time.Time) *fakeClock { return &fakeClock{now: now} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) scheduler.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, when: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves time forward and runs every callback that became due, in
// deadline order. Callbacks scheduled while firing run if they are due too.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()
	for {
		c.mu.Lock()
		sort.Slice(c.timers, func(i, j int) bool { return c.timers[i].when.Before(c.timers[j].when) })
		var next *fakeTimer
		for i, t := range c.timers {
			if t.stopped {
				continue
			}
			if t.when.After(target) {
				break
			}
			next = t
			c.timers = append(c.timers[:i], c.timers[i+1:]...)
			break
		}
		if next == nil {
			c.now = target
			c.mu.Unlock()
			return
		}
		next.stopped = true
		if next.when.After(c.now) {
			c.now = next.when
		}
		c.mu.Unlock()
		next.f()
	}
}

type call struct {
	GameID string
	Round  int
}

type fakeAdvancer struct {
	mu     sync.Mutex
	calls  []call
	active []engine.RoundClock
	err    error
}

func (f *fakeAdvancer) AdvanceRound(_ context.Context, gameID string, fromRound int) (*engine.AdvanceResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{gameID, fromRound})
	if f.err != nil {
		return nil, f.err
	}
	return &engine.AdvanceResult{GameID: gameID, CompletedRound: fromRound, CurrentRound: fromRound + 1,
		GameStatus: model.GameLive, Advanced: true}, nil
}

func (f *fakeAdvancer) ActiveRounds(context.Context) ([]engine.RoundClock, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]engine.RoundClock(nil), f.active...), nil
}

func (f *fakeAdvancer) Calls() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]call(nil), f.calls...)
}

func TestFireAt(t *testing.T) {
	grace := 5 * time.Second
	assert.Equal(t, t0.Add(65*time.Second), scheduler.FireAt(t0.Add(time.Minute), t0, grace))
	// A deadline in the past fires one grace period from now.
	assert.Equal(t, t0.Add(grace), scheduler.FireAt(t0.Add(-time.Hour), t0, grace))
}

func TestTimer_FiresAfterGrace(t *testing.T) {
	clock := newFakeClock(t0)
	adv := &fakeAdvancer{}
	s := scheduler.NewTimerScheduler(adv, discard(), scheduler.TimerOptions{Clock: clock, Grace: 5 * time.Second})
	defer s.Stop()

	require.NoError(t, s.ScheduleAdvance(context.Background(), "g1", 1, t0.Add(time.Minute)))
	round, fireAt, ok := s.Pending("g1")
	require.True(t, ok)
	assert.Equal(t, 1, round)
	assert.Equal(t, t0.Add(65*time.Second), fireAt)

	clock.Advance(time.Minute)
	assert.Empty(t, adv.Calls())

	clock.Advance(5 * time.Second)
	assert.Equal(t, []call{{"g1", 1}}, adv.Calls())
	_, _, ok = s.Pending("g1")
	assert.False(t, ok)
}

func TestTimer_RescheduleReplaces(t *testing.T) {
	clock := newFakeClock(t0)
	adv := &fakeAdvancer{}
	s := scheduler.NewTimerScheduler(adv, discard(), scheduler.TimerOptions{Clock: clock, Grace: time.Second})
	defer s.Stop()

	ctx := context.Background()
	require.NoError(t, s.ScheduleAdvance(ctx, "g1", 1, t0.Add(time.Minute)))
	require.NoError(t, s.ScheduleAdvance(ctx, "g1", 2, t0.Add(2*time.Minute)))

	clock.Advance(3 * time.Minute)
	assert.Equal(t, []call{{"g1", 2}}, adv.Calls())
}

func TestTimer_CancelGame(t *testing.T) {
	clock := newFakeClock(t0)
	adv := &fakeAdvancer{}
	s := scheduler.NewTimerScheduler(adv, discard(), scheduler.TimerOptions{Clock: clock})
	defer s.Stop()

	ctx := context.Background()
	require.NoError(t, s.ScheduleAdvance(ctx, "g1", 1, t0.Add(time.Minute)))
	require.NoError(t, s.ScheduleAdvance(ctx, "g2", 1, t0.Add(time.Minute)))
	require.NoError(t, s.CancelGame(ctx, "g1"))
	require.NoError(t, s.CancelGame(ctx, "unknown"))

	clock.Advance(time.Hour)
	assert.Equal(t, []call{{"g2", 1}}, adv.Calls())
}

func TestTimer_InvalidStateIsBenign(t *testing.T) {
	clock := newFakeClock(t0)
	adv := &fakeAdvancer{err: engine.ErrInvalidState}
	s := scheduler.NewTimerScheduler(adv, discard(), scheduler.TimerOptions{Clock: clock, SweepInterval: time.Hour})
	defer s.Stop()

	require.NoError(t, s.ScheduleAdvance(context.Background(), "g1", 3, t0))
	clock.Advance(time.Minute)
	assert.Len(t, adv.Calls(), 1)
}

func TestTimer_StartResumesAndSweeps(t *testing.T) {
	clock := newFakeClock(t0)
	past := t0.Add(-time.Minute)
	adv := &fakeAdvancer{active: []engine.RoundClock{{GameID: "g1", RoundNumber: 2, Deadline: &past}}}
	s := scheduler.NewTimerScheduler(adv, discard(), scheduler.TimerOptions{
		Clock: clock, Grace: 5 * time.Second, SweepInterval: 15 * time.Second,
	})
	defer s.Stop()

	require.NoError(t, s.Start(context.Background()))
	round, fireAt, ok := s.Pending("g1")
	require.True(t, ok)
	assert.Equal(t, 2, round)
	assert.Equal(t, t0.Add(5*time.Second), fireAt)

	// The fake advance does not change ActiveRounds, so the sweep re-arms
	// the same round once its timer has fired.
	clock.Advance(5 * time.Second)
	assert.Len(t, adv.Calls(), 1)
	_, _, ok = s.Pending("g1")
	assert.False(t, ok)

	clock.Advance(10 * time.Second)
	_, _, ok = s.Pending("g1")
	assert.True(t, ok)
}

func TestTimer_SweepKeepsLaterRound(t *testing.T) {
	clock := newFakeClock(t0)
	adv := &fakeAdvancer{}
	s := scheduler.NewTimerScheduler(adv, discard(), scheduler.TimerOptions{
		Clock: clock, Grace: 5 * time.Second, SweepInterval: 15 * time.Second,
	})
	defer s.Stop()
	require.NoError(t, s.Start(context.Background()))

	// Round 3 was scheduled by an advance that committed after the sweep
	// read its snapshot, which still shows round 2 as active.
	next := t0.Add(time.Hour)
	require.NoError(t, s.ScheduleAdvance(context.Background(), "g1", 3, next))
	stale := t0.Add(time.Minute)
	adv.mu.Lock()
	adv.active = []engine.RoundClock{{GameID: "g1", RoundNumber: 2, Deadline: &stale}}
	adv.mu.Unlock()

	clock.Advance(15 * time.Second)
	round, fireAt, ok := s.Pending("g1")
	require.True(t, ok)
	assert.Equal(t, 3, round)
	assert.Equal(t, next.Add(5*time.Second), fireAt)

	clock.Advance(2 * time.Minute)
	assert.Empty(t, adv.Calls())
}

func TestTimer_ScheduleAfterStop(t *testing.T) {
	s := scheduler.NewTimerScheduler(&fakeAdvancer{}, discard(), scheduler.TimerOptions{Clock: newFakeClock(t0)})
	s.Stop()
	s.Stop()
	assert.ErrorIs(t, s.ScheduleAdvance(context.Background(), "g1", 1, t0), scheduler.ErrStopped)
}

func TestTimer_RealClockNoLeaks(t *testing.T) {
	defer goleak.VerifyNone(t)

	adv := &fakeAdvancer{}
	s := scheduler.NewTimerScheduler(adv, discard(), scheduler.TimerOptions{Grace: 10 * time.Millisecond})
	require.NoError(t, s.Start(context.Background()))

	ctx := context.Background()
	require.NoError(t, s.ScheduleAdvance(ctx, "due", 1, time.Now().Add(-time.Second)))
	require.NoError(t, s.ScheduleAdvance(ctx, "later", 1, time.Now().Add(time.Hour)))

	require.Eventually(t, func() bool { return len(adv.Calls()) == 1 }, 2*time.Second, 5*time.Millisecond)
	s.Stop()
	assert.Equal(t, []call{{"due", 1}}, adv.Calls())
}

// A one-minute round auto-advances once start + 60s + grace has elapsed,
// with no operator action.
func TestAutoAdvanceWithEngine(t *testing.T) {
	defer goleak.VerifyNone(t)

	ctx := context.Background()
	clock := newFakeClock(t0)
	eng := engine.New(store.NewMemoryStore(), nil, discard(), engine.Options{Now: clock.Now, Grace: 5 * time.Second})
	s := scheduler.NewTimerScheduler(eng, discard(), scheduler.TimerOptions{Clock: clock, Grace: eng.Grace()})
	eng.SetScheduler(s)
	require.NoError(t, s.Start(ctx))
	defer s.Stop()

	g, err := eng.CreateGame(ctx, engine.GameSpec{
		Name: "auto", InitialCash: decimal.NewFromInt(1000), TotalRounds: 2, RoundDurationMinutes: 1,
	})
	require.NoError(t, err)
	_, err = eng.AddInstrument(ctx, g.ID, "X", "", decimal.NewFromInt(10))
	require.NoError(t, err)
	for r := 1; r <= 2; r++ {
		_, err = eng.SetRoundPrices(ctx, g.ID, r, []instrument.PriceInput{{Symbol: "X", Price: decimal.NewFromInt(10)}})
		require.NoError(t, err)
	}
	_, err = eng.StartGame(ctx, g.ID)
	require.NoError(t, err)

	clock.Advance(64 * time.Second)
	got, err := eng.GetGame(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.CurrentRoundNumber)

	clock.Advance(time.Second)
	got, err = eng.GetGame(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.CurrentRoundNumber)

	rounds, err := eng.ListRounds(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RoundCompleted, rounds[0].Status)
	assert.Equal(t, model.RoundActive, rounds[1].Status)
	assert.Equal(t, t0.Add(65*time.Second), *rounds[1].ActualStartTime)

	round, fireAt, ok := s.Pending(g.ID)
	require.True(t, ok)
	assert.Equal(t, 2, round)
	assert.Equal(t, t0.Add(130*time.Second), fireAt)

	clock.Advance(65 * time.Second)
	got, err = eng.GetGame(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, model.GameCompleted, got.Status)
	_, _, ok = s.Pending(g.ID)
	assert.False(t, ok)
}
