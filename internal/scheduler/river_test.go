//go:build integration

package scheduler_test

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/atmx/market-game/internal/scheduler"
)

func riverPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	testcontainers.SkipIfProviderIsNotHealthy(t)
	ctx := context.Background()

	ctr, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("marketgame"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = testcontainers.TerminateContainer(ctr) })

	dsn, err := ctr.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	require.NoError(t, scheduler.MigrateRiver(ctx, pool))
	return pool
}

func TestRiverScheduler_RunsDueAdvance(t *testing.T) {
	pool := riverPool(t)
	ctx := context.Background()
	adv := &fakeAdvancer{}

	s, err := scheduler.NewRiverScheduler(pool, adv, discard(), scheduler.RiverOptions{Grace: 10 * time.Millisecond})
	require.NoError(t, err)
	require.NoError(t, s.Start(ctx))
	t.Cleanup(func() { _ = s.Stop(context.Background()) })

	past := time.Now().Add(-time.Second)
	require.NoError(t, s.ScheduleAdvance(ctx, "g1", 1, past))
	// Same args again is deduplicated.
	require.NoError(t, s.ScheduleAdvance(ctx, "g1", 1, past))
	require.NoError(t, s.ScheduleAdvance(ctx, "g2", 1, time.Now().Add(time.Hour)))
	require.NoError(t, s.CancelGame(ctx, "g2"))

	require.Eventually(t, func() bool { return len(adv.Calls()) >= 1 }, 20*time.Second, 100*time.Millisecond)
	time.Sleep(2 * time.Second)
	assert.Equal(t, []call{{"g1", 1}}, adv.Calls())
}
