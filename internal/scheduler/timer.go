package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/atmx/market-game/internal/metrics"
)

// Clock abstracts time for the timer backend.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a pending callback created by Clock.AfterFunc.
type Timer interface {
	Stop() bool
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

func (systemClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// TimerOptions tune a TimerScheduler. Zero values select the defaults.
type TimerOptions struct {
	Clock         Clock
	Grace         time.Duration
	SweepInterval time.Duration
}

type pendingAdvance struct {
	round  int
	fireAt time.Time
	timer  Timer
}

// TimerScheduler keeps one timer per game in process memory. Timers are
// lost on restart; Start rebuilds them from the store and a periodic sweep
// re-arms any active round that has none.
type TimerScheduler struct {
	engine Advancer
	logger *slog.Logger
	clock  Clock
	grace  time.Duration
	sweep  time.Duration

	mu         sync.Mutex
	pending    map[string]*pendingAdvance
	sweepTimer Timer
	stopped    bool
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// NewTimerScheduler creates a scheduler. ScheduleAdvance works before
// Start; only the resume and the sweep wait for it.
func NewTimerScheduler(a Advancer, logger *slog.Logger, opts TimerOptions) *TimerScheduler {
	if opts.Clock == nil {
		opts.Clock = systemClock{}
	}
	if opts.Grace <= 0 {
		opts.Grace = 5 * time.Second
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &TimerScheduler{
		engine:  a,
		logger:  logger.With("component", "scheduler", "backend", "timer"),
		clock:   opts.Clock,
		grace:   opts.Grace,
		sweep:   opts.SweepInterval,
		pending: make(map[string]*pendingAdvance),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start re-arms every active round and begins the periodic sweep.
func (s *TimerScheduler) Start(ctx context.Context) error {
	if err := s.resume(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrStopped
	}
	s.sweepTimer = s.clock.AfterFunc(s.sweep, s.onSweep)
	s.logger.Info("timer scheduler started", "pending", len(s.pending), "sweep", s.sweep)
	return nil
}

// Stop cancels every timer and waits for in-flight advances.
func (s *TimerScheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	for id, p := range s.pending {
		p.timer.Stop()
		delete(s.pending, id)
	}
	if s.sweepTimer != nil {
		s.sweepTimer.Stop()
	}
	metrics.ScheduledAdvances.Set(0)
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	s.logger.Info("timer scheduler stopped")
}

// ScheduleAdvance replaces any pending advance for the game.
func (s *TimerScheduler) ScheduleAdvance(_ context.Context, gameID string, round int, deadline time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrStopped
	}
	s.armLocked(gameID, round, deadline)
	return nil
}

// CancelGame drops the game's pending advance, if any.
func (s *TimerScheduler) CancelGame(_ context.Context, gameID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.pending[gameID]; ok {
		p.timer.Stop()
		delete(s.pending, gameID)
		metrics.ScheduledAdvances.Set(float64(len(s.pending)))
	}
	return nil
}

// Pending reports the game's scheduled advance.
func (s *TimerScheduler) Pending(gameID string) (round int, fireAt time.Time, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[gameID]
	if !ok {
		return 0, time.Time{}, false
	}
	return p.round, p.fireAt, true
}

func (s *TimerScheduler) armLocked(gameID string, round int, deadline time.Time) {
	if old, ok := s.pending[gameID]; ok {
		old.timer.Stop()
	}
	now := s.clock.Now()
	fireAt := FireAt(deadline, now, s.grace)
	p := &pendingAdvance{round: round, fireAt: fireAt}
	p.timer = s.clock.AfterFunc(fireAt.Sub(now), func() { s.fire(gameID, p) })
	s.pending[gameID] = p
	metrics.ScheduledAdvances.Set(float64(len(s.pending)))
	s.logger.Debug("advance scheduled", "game_id", gameID, "round", round, "fire_at", fireAt)
}

func (s *TimerScheduler) fire(gameID string, p *pendingAdvance) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	if s.pending[gameID] == p {
		delete(s.pending, gameID)
		metrics.ScheduledAdvances.Set(float64(len(s.pending)))
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	if err := advance(s.ctx, s.engine, s.logger, gameID, p.round); err != nil {
		// The next sweep re-arms it.
		s.logger.Error("scheduled advance failed", "game_id", gameID, "round", p.round, "err", err)
	}
}

func (s *TimerScheduler) onSweep() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	if err := s.resume(s.ctx); err != nil {
		s.logger.Warn("sweep failed", "err", err)
	}

	s.mu.Lock()
	if !s.stopped {
		s.sweepTimer = s.clock.AfterFunc(s.sweep, s.onSweep)
	}
	s.mu.Unlock()
}

// resume arms every active round that has no pending advance for that
// round or a later one. A snapshot read before a concurrent advance may
// still list the previous round; it must not replace the newer timer.
func (s *TimerScheduler) resume(ctx context.Context) error {
	rounds, err := s.engine.ActiveRounds(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrStopped
	}
	armed := 0
	for _, c := range rounds {
		if p, ok := s.pending[c.GameID]; ok && p.round >= c.RoundNumber {
			continue
		}
		s.armLocked(c.GameID, c.RoundNumber, *c.Deadline)
		armed++
	}
	if armed > 0 {
		s.logger.Info("re-armed active rounds", "count", armed)
	}
	return nil
}
