package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/riverqueue/river/rivertype"
)

// RiverQueue is the queue advance jobs run on.
const RiverQueue = "rounds"

// AdvanceRoundArgs is the job that completes one round of one game.
type AdvanceRoundArgs struct {
	GameID string `json:"game_id"`
	Round  int    `json:"round"`
}

// Kind returns the job type identifier for River.
func (AdvanceRoundArgs) Kind() string { return "advance_round" }

type advanceWorker struct {
	river.WorkerDefaults[AdvanceRoundArgs]
	engine Advancer
	logger *slog.Logger
}

func (w *advanceWorker) Work(ctx context.Context, job *river.Job[AdvanceRoundArgs]) error {
	return advance(ctx, w.engine, w.logger, job.Args.GameID, job.Args.Round)
}

// RiverOptions tune a RiverScheduler. Zero values select the defaults.
type RiverOptions struct {
	Grace      time.Duration
	Now        func() time.Time
	MaxWorkers int
}

// RiverScheduler stores advances as scheduled River jobs in Postgres, so a
// pending advance survives restarts and runs on exactly one server.
type RiverScheduler struct {
	client *river.Client[pgx.Tx]
	engine Advancer
	logger *slog.Logger
	grace  time.Duration
	now    func() time.Time

	mu   sync.Mutex
	jobs map[string]int64 // game ID -> scheduled job ID
}

// NewRiverScheduler creates a River client with the advance worker
// registered. The River schema must already be migrated (see MigrateRiver).
func NewRiverScheduler(pool *pgxpool.Pool, a Advancer, logger *slog.Logger, opts RiverOptions) (*RiverScheduler, error) {
	if opts.Grace <= 0 {
		opts.Grace = 5 * time.Second
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if opts.MaxWorkers <= 0 {
		opts.MaxWorkers = 10
	}
	logger = logger.With("component", "scheduler", "backend", "river")

	workers := river.NewWorkers()
	river.AddWorker(workers, &advanceWorker{engine: a, logger: logger})

	client, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			RiverQueue: {MaxWorkers: opts.MaxWorkers},
		},
		Workers: workers,
		Logger:  logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create river client: %w", err)
	}
	return &RiverScheduler{
		client: client,
		engine: a,
		logger: logger,
		grace:  opts.Grace,
		now:    opts.Now,
		jobs:   make(map[string]int64),
	}, nil
}

// MigrateRiver applies River's own schema migrations.
func MigrateRiver(ctx context.Context, pool *pgxpool.Pool) error {
	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		return fmt.Errorf("create river migrator: %w", err)
	}
	res, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, &rivermigrate.MigrateOpts{})
	if err != nil {
		return fmt.Errorf("migrate river: %w", err)
	}
	for _, v := range res.Versions {
		slog.Info("river migration applied", "version", v.Version)
	}
	return nil
}

// Start starts the River client and schedules every active round. Unique
// args make re-inserting an already scheduled round a no-op.
func (s *RiverScheduler) Start(ctx context.Context) error {
	if err := s.client.Start(ctx); err != nil {
		return fmt.Errorf("start river client: %w", err)
	}
	rounds, err := s.engine.ActiveRounds(ctx)
	if err != nil {
		return err
	}
	for _, c := range rounds {
		if err := s.ScheduleAdvance(ctx, c.GameID, c.RoundNumber, *c.Deadline); err != nil {
			return err
		}
	}
	s.logger.Info("river scheduler started", "active_rounds", len(rounds))
	return nil
}

// Stop waits for running jobs to finish.
func (s *RiverScheduler) Stop(ctx context.Context) error {
	if err := s.client.Stop(ctx); err != nil {
		return fmt.Errorf("stop river client: %w", err)
	}
	s.logger.Info("river scheduler stopped")
	return nil
}

// ScheduleAdvance inserts the advance job for the round and cancels the
// game's previously tracked job.
func (s *RiverScheduler) ScheduleAdvance(ctx context.Context, gameID string, round int, deadline time.Time) error {
	fireAt := FireAt(deadline, s.now(), s.grace)
	res, err := s.client.Insert(ctx, AdvanceRoundArgs{GameID: gameID, Round: round}, &river.InsertOpts{
		Queue:       RiverQueue,
		ScheduledAt: fireAt,
		UniqueOpts: river.UniqueOpts{
			ByArgs: true,
		},
	})
	if err != nil {
		return fmt.Errorf("schedule advance of game %s round %d: %w", gameID, round, err)
	}

	s.mu.Lock()
	prev, had := s.jobs[gameID]
	s.jobs[gameID] = res.Job.ID
	s.mu.Unlock()
	if had && prev != res.Job.ID {
		s.cancelJob(ctx, prev)
	}

	s.logger.Debug("advance scheduled", "game_id", gameID, "round", round, "fire_at", fireAt,
		"job_id", res.Job.ID, "duplicate", res.UniqueSkippedAsDuplicate)
	return nil
}

// CancelGame cancels every waiting advance job of the game, including jobs
// inserted by other processes.
func (s *RiverScheduler) CancelGame(ctx context.Context, gameID string) error {
	s.mu.Lock()
	id, had := s.jobs[gameID]
	delete(s.jobs, gameID)
	s.mu.Unlock()
	if had {
		s.cancelJob(ctx, id)
	}

	params := river.NewJobListParams().
		Kinds(AdvanceRoundArgs{}.Kind()).
		States(rivertype.JobStateAvailable, rivertype.JobStateScheduled, rivertype.JobStateRetryable).
		First(1000)
	list, err := s.client.JobList(ctx, params)
	if err != nil {
		return fmt.Errorf("list advance jobs: %w", err)
	}
	for _, job := range list.Jobs {
		var args AdvanceRoundArgs
		if err := json.Unmarshal(job.EncodedArgs, &args); err != nil || args.GameID != gameID {
			continue
		}
		s.cancelJob(ctx, job.ID)
	}
	return nil
}

func (s *RiverScheduler) cancelJob(ctx context.Context, id int64) {
	if _, err := s.client.JobCancel(ctx, id); err != nil && !errors.Is(err, rivertype.ErrNotFound) {
		s.logger.Warn("cancel advance job failed", "job_id", id, "err", err)
	}
}
