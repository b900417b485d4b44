package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"slices"
	"strconv"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v2"
	"golang.org/x/time/rate"

	"github.com/atmx/market-game/internal/api"
	"github.com/atmx/market-game/internal/auth"
	"github.com/atmx/market-game/internal/config"
	"github.com/atmx/market-game/internal/engine"
	"github.com/atmx/market-game/internal/metrics"
	"github.com/atmx/market-game/internal/model"
	"github.com/atmx/market-game/internal/notify"
	"github.com/atmx/market-game/internal/scheduler"
	"github.com/atmx/market-game/internal/store"
)

func serve(c *cli.Context) error {
	cfg, logger, err := loadConfig(c)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	var st store.Store
	var pool *pgxpool.Pool
	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	if cfg.Database.URL != "" {
		pool, err = pgxpool.New(ctx, cfg.Database.URL)
		if err != nil {
			return fmt.Errorf("database connection failed: %w", err)
		}
		cleanup = append(cleanup, pool.Close)
		if err := store.Migrate(ctx, pool); err != nil {
			return err
		}
		st = store.NewPostgresStore(pool)
		logger.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if cfg.Redis.URL != "" {
			opt, err := redis.ParseURL(cfg.Redis.URL)
			if err != nil {
				return fmt.Errorf("invalid REDIS_URL: %w", err)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, cfg.Redis.TTL)
			logger.Info("Redis cache enabled", "ttl", cfg.Redis.TTL)
		}
	} else {
		logger.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	// --- Notifications ---
	wsHub := notify.NewWSHub(logger)
	go wsHub.Run(ctx)
	sinks := notify.Multi{wsHub}

	if cfg.NATS.URL != "" {
		conn, err := notify.Connect(cfg.NATS.URL, "market-game")
		if err != nil {
			return err
		}
		cleanup = append(cleanup, func() {
			if err := conn.Drain(); err != nil {
				logger.Warn("NATS drain failed", "err", err)
			}
		})
		sinks = append(sinks, notify.NewNATSPublisher(conn, cfg.NATS.SubjectPrefix, logger))
		logger.Info("publishing events to NATS", "subject_prefix", cfg.NATS.SubjectPrefix)
	}

	// --- Engine and scheduler ---
	eng := engine.New(st, sinks, logger, engine.Options{Grace: cfg.Game.AdvanceGrace})

	live, err := eng.ListGames(ctx, model.GameLive)
	if err != nil {
		return fmt.Errorf("list live games: %w", err)
	}
	metrics.ActiveGames.Set(float64(len(live)))

	stopScheduler, err := startScheduler(ctx, cfg, pool, eng, logger)
	if err != nil {
		return err
	}

	// --- Auth ---
	var provider auth.Provider = auth.HeaderProvider{}
	if cfg.Auth.Mode == config.AuthJWT {
		provider = auth.NewJWTProvider(cfg.Auth.JWTSecret)
	} else {
		logger.Warn("trusting X-Player-ID headers; use auth.mode=jwt outside development")
	}
	limiter := auth.NewPlayerRateLimiter(rate.Limit(cfg.Game.OrderRate), cfg.Game.OrderBurst)

	svc := api.NewService(eng, logger)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(cfg.Server.RequestTimeout))
	r.Use(metrics.Middleware)
	r.Use(cors(cfg.Server.CORSOrigins))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"market-game"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Mount("/api/v1", svc.Routes(provider, limiter, wsHub.HandleWS))

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("market-game listening", "port", cfg.Server.Port, "scheduler", cfg.Scheduler.Backend, "auth", cfg.Auth.Mode)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Graceful shutdown.
	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			stopScheduler(context.Background())
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	logger.Info("shutting down market-game...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "err", err)
	}
	stopScheduler(shutdownCtx)
	logger.Info("market-game stopped")
	return nil
}

// startScheduler wires the configured auto-advance backend into eng and
// resumes every live round. The returned func stops it.
func startScheduler(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool, eng *engine.Engine, logger *slog.Logger) (func(context.Context), error) {
	switch cfg.Scheduler.Backend {
	case config.SchedulerRiver:
		if err := scheduler.MigrateRiver(ctx, pool); err != nil {
			return nil, err
		}
		rs, err := scheduler.NewRiverScheduler(pool, eng, logger, scheduler.RiverOptions{
			Grace:      cfg.Game.AdvanceGrace,
			MaxWorkers: cfg.Scheduler.MaxWorkers,
		})
		if err != nil {
			return nil, err
		}
		eng.SetScheduler(rs)
		if err := rs.Start(ctx); err != nil {
			return nil, err
		}
		return func(ctx context.Context) {
			if err := rs.Stop(ctx); err != nil {
				logger.Error("river scheduler stop failed", "err", err)
			}
		}, nil

	default:
		ts := scheduler.NewTimerScheduler(eng, logger, scheduler.TimerOptions{
			Grace:         cfg.Game.AdvanceGrace,
			SweepInterval: cfg.Scheduler.SweepInterval,
		})
		eng.SetScheduler(ts)
		if err := ts.Start(ctx); err != nil {
			return nil, err
		}
		return func(context.Context) { ts.Stop() }, nil
	}
}

// cors allows the configured origins; "*" allows any.
func cors(origins []string) func(http.Handler) http.Handler {
	allowAll := len(origins) == 0 || slices.Contains(origins, "*")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			switch {
			case allowAll:
				w.Header().Set("Access-Control-Allow-Origin", "*")
			case slices.Contains(origins, origin):
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Player-ID, X-Player-Role")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
