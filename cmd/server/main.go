package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/urfave/cli/v2"

	"github.com/atmx/market-game/internal/auth"
	"github.com/atmx/market-game/internal/config"
	"github.com/atmx/market-game/internal/logging"
	"github.com/atmx/market-game/internal/scheduler"
	"github.com/atmx/market-game/internal/store"
)

func main() {
	app := &cli.App{
		Name:  "market-game",
		Usage: "round-based market simulation server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to a YAML config file",
				EnvVars: []string{"CONFIG_PATH"},
			},
		},
		Commands: []*cli.Command{
			serveCommand(),
			migrateCommand(),
			tokenCommand(),
		},
		// Running without a subcommand serves.
		Action: serve,
	}

	if err := app.Run(os.Args); err != nil {
		slog.Error("market-game failed", "err", err)
		os.Exit(1)
	}
}

// loadConfig reads the configuration and installs the default logger.
func loadConfig(c *cli.Context) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	logger := logging.New(cfg.Logging.Level)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:   "serve",
		Usage:  "run the HTTP API and round scheduler",
		Action: serve,
	}
}

func migrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "create or update the game schema and job tables",
		Action: func(c *cli.Context) error {
			cfg, logger, err := loadConfig(c)
			if err != nil {
				return err
			}
			if cfg.Database.URL == "" {
				return fmt.Errorf("migrate: DATABASE_URL is not set")
			}

			ctx, cancel := context.WithTimeout(c.Context, time.Minute)
			defer cancel()

			pool, err := pgxpool.New(ctx, cfg.Database.URL)
			if err != nil {
				return fmt.Errorf("connect to database: %w", err)
			}
			defer pool.Close()

			if err := store.Migrate(ctx, pool); err != nil {
				return err
			}
			logger.Info("game schema migrated")
			if err := scheduler.MigrateRiver(ctx, pool); err != nil {
				return err
			}
			logger.Info("job schema migrated")
			return nil
		},
	}
}

func tokenCommand() *cli.Command {
	return &cli.Command{
		Name:  "token",
		Usage: "issue a signed bearer token",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "player", Usage: "player ID (token subject)", Required: true},
			&cli.StringFlag{Name: "role", Usage: "player or admin", Value: string(auth.RolePlayer)},
			&cli.DurationFlag{Name: "ttl", Usage: "token lifetime, defaults to auth.token_ttl"},
		},
		Action: func(c *cli.Context) error {
			cfg, _, err := loadConfig(c)
			if err != nil {
				return err
			}
			if cfg.Auth.JWTSecret == "" {
				return fmt.Errorf("token: JWT_SECRET is not set")
			}
			role := auth.Role(c.String("role"))
			if !role.Valid() {
				return fmt.Errorf("token: unknown role %q", role)
			}
			ttl := c.Duration("ttl")
			if ttl == 0 {
				ttl = cfg.Auth.TokenTTL
			}

			tok, err := auth.NewJWTProvider(cfg.Auth.JWTSecret).GenerateToken(c.String("player"), role, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(c.App.Writer, tok)
			return nil
		},
	}
}
