package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/market-game/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// Migrate creates the game tables if they do not exist.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
//
// Lock order inside transactions is rounds, then games, then player_states,
// then positions.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const (
	gameColumns = `id, name, status, initial_cash::TEXT, total_rounds, allow_short,
	               current_round_number, created_by, created_at, updated_at`
	roundColumns = `game_id, round_number, status, duration_minutes, actual_start_time, actual_end_time`
	stateColumns = `game_id, player_id, cash::TEXT, equity_value::TEXT, total_value::TEXT,
	                valued_round, version, join_seq, created_at, updated_at`
	positionColumns = `game_id, player_id, symbol, quantity, average_price::TEXT, version, updated_at`
	orderColumns    = `id, game_id, player_id, round_number, symbol, side, quantity, status,
	                COALESCE(reject_reason, ''), filled_price::TEXT, notional::TEXT, created_at`
)

// --- Games and rounds ---

func (s *PostgresStore) CreateGame(ctx context.Context, g *model.Game, rounds []model.Round) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO games (id, name, status, initial_cash, total_rounds, allow_short,
			                    current_round_number, created_by, created_at, updated_at)
			 VALUES ($1, $2, $3, $4::NUMERIC, $5, $6, $7, $8, $9, $10)`,
			g.ID, g.Name, g.Status, g.InitialCash.String(), g.TotalRounds, g.AllowShort,
			g.CurrentRoundNumber, g.CreatedBy, g.CreatedAt, g.UpdatedAt,
		); err != nil {
			return err
		}
		batch := &pgx.Batch{}
		for _, r := range rounds {
			batch.Queue(
				`INSERT INTO rounds (game_id, round_number, status, duration_minutes)
				 VALUES ($1, $2, $3, $4)`,
				g.ID, r.RoundNumber, r.Status, r.DurationMinutes,
			)
		}
		return tx.SendBatch(ctx, batch).Close()
	})
	if err != nil {
		return fmt.Errorf("create game %s: %w", g.ID, mapPgError(err))
	}
	return nil
}

func (s *PostgresStore) GetGame(ctx context.Context, id string) (*model.Game, error) {
	g, err := scanGame(s.pool.QueryRow(ctx,
		`SELECT `+gameColumns+` FROM games WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("get game %s: %w", id, mapPgError(err))
	}
	return g, nil
}

func (s *PostgresStore) ListGames(ctx context.Context, statuses ...model.GameStatus) ([]model.Game, error) {
	var filter []string
	for _, st := range statuses {
		filter = append(filter, string(st))
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+gameColumns+` FROM games
		 WHERE $1::TEXT[] IS NULL OR status = ANY($1)
		 ORDER BY created_at DESC, id`, filter)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var games []model.Game
	for rows.Next() {
		g, err := scanGame(rows)
		if err != nil {
			return nil, err
		}
		games = append(games, *g)
	}
	return games, rows.Err()
}

func (s *PostgresStore) ListRounds(ctx context.Context, gameID string) ([]model.Round, error) {
	if err := s.gameExists(ctx, s.pool, gameID); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+roundColumns+` FROM rounds WHERE game_id = $1 ORDER BY round_number`, gameID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rounds []model.Round
	for rows.Next() {
		r, err := scanRound(rows)
		if err != nil {
			return nil, err
		}
		rounds = append(rounds, *r)
	}
	return rounds, rows.Err()
}

func (s *PostgresStore) GetRound(ctx context.Context, gameID string, round int) (*model.Round, error) {
	r, err := scanRound(s.pool.QueryRow(ctx,
		`SELECT `+roundColumns+` FROM rounds WHERE game_id = $1 AND round_number = $2`, gameID, round))
	if err != nil {
		return nil, fmt.Errorf("get game %s round %d: %w", gameID, round, mapPgError(err))
	}
	return r, nil
}

func (s *PostgresStore) StartGame(ctx context.Context, gameID string, now time.Time) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE games SET status = 'live', current_round_number = 1, updated_at = $2
			 WHERE id = $1 AND status = 'draft'`, gameID, now)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			if err := s.gameExists(ctx, tx, gameID); err != nil {
				return err
			}
			return fmt.Errorf("start game %s: %w", gameID, ErrConflict)
		}
		tag, err = tx.Exec(ctx,
			`UPDATE rounds SET status = 'active', actual_start_time = $2
			 WHERE game_id = $1 AND round_number = 1 AND status = 'pending'`, gameID, now)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("start game %s: round 1 not pending: %w", gameID, ErrConflict)
		}
		return nil
	})
}

func (s *PostgresStore) AdvanceRound(ctx context.Context, t RoundTransition, revalue Revaluer) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		// Claim the round. Waits for in-flight fills holding FOR SHARE on it.
		tag, err := tx.Exec(ctx,
			`UPDATE rounds SET status = 'completed', actual_end_time = $3
			 WHERE game_id = $1 AND round_number = $2 AND status = 'active'`,
			t.GameID, t.FromRound, t.Now)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			if err := s.gameExists(ctx, tx, t.GameID); err != nil {
				return err
			}
			return fmt.Errorf("advance game %s from round %d: %w", t.GameID, t.FromRound, ErrConflict)
		}

		var status model.GameStatus
		var current, total int
		if err := tx.QueryRow(ctx,
			`SELECT status, current_round_number, total_rounds FROM games WHERE id = $1 FOR UPDATE`,
			t.GameID).Scan(&status, &current, &total); err != nil {
			return mapPgError(err)
		}
		if status != model.GameLive || current != t.FromRound {
			return fmt.Errorf("advance game %s (status %s, round %d): %w", t.GameID, status, current, ErrConflict)
		}

		prices, err := queryRoundPrices(ctx, tx, t.GameID, t.FromRound)
		if err != nil {
			return err
		}
		states, err := queryStates(ctx, tx,
			`SELECT `+stateColumns+` FROM player_states WHERE game_id = $1 ORDER BY join_seq FOR UPDATE`, t.GameID)
		if err != nil {
			return err
		}
		positions, err := queryPositions(ctx, tx,
			`SELECT `+positionColumns+` FROM positions WHERE game_id = $1 ORDER BY player_id, symbol`, t.GameID)
		if err != nil {
			return err
		}
		byPlayer := make(map[string][]model.Position)
		for _, p := range positions {
			byPlayer[p.PlayerID] = append(byPlayer[p.PlayerID], p)
		}

		for i := range states {
			st := &states[i]
			if err := revalue(st, byPlayer[st.PlayerID], prices); err != nil {
				return fmt.Errorf("revalue player %s: %w", st.PlayerID, err)
			}
			if _, err := tx.Exec(ctx,
				`UPDATE player_states
				 SET equity_value = $3::NUMERIC, total_value = $4::NUMERIC, valued_round = $5, updated_at = $6
				 WHERE game_id = $1 AND player_id = $2`,
				st.GameID, st.PlayerID, st.EquityValue.String(), st.TotalValue.String(), st.ValuedRound, t.Now,
			); err != nil {
				return err
			}
		}

		if t.FromRound >= total {
			_, err = tx.Exec(ctx,
				`UPDATE games SET status = 'completed', updated_at = $2 WHERE id = $1`, t.GameID, t.Now)
			return err
		}
		if _, err := tx.Exec(ctx,
			`UPDATE games SET current_round_number = $2, updated_at = $3 WHERE id = $1`,
			t.GameID, t.FromRound+1, t.Now); err != nil {
			return err
		}
		tag, err = tx.Exec(ctx,
			`UPDATE rounds SET status = 'active', actual_start_time = $3
			 WHERE game_id = $1 AND round_number = $2 AND status = 'pending'`,
			t.GameID, t.FromRound+1, t.Now)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("activate game %s round %d: %w", t.GameID, t.FromRound+1, ErrConflict)
		}
		return nil
	})
}

func (s *PostgresStore) ArchiveGame(ctx context.Context, gameID string, now time.Time) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := s.gameExists(ctx, tx, gameID); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`UPDATE rounds SET status = 'completed', actual_end_time = $2
			 WHERE game_id = $1 AND status = 'active'`, gameID, now); err != nil {
			return err
		}
		tag, err := tx.Exec(ctx,
			`UPDATE games SET status = 'archived', updated_at = $2
			 WHERE id = $1 AND status <> 'archived'`, gameID, now)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("archive game %s: %w", gameID, ErrConflict)
		}
		return nil
	})
}

// --- Instruments and prices ---

func (s *PostgresStore) AddInstrument(ctx context.Context, inst *model.Instrument) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var status model.GameStatus
		if err := tx.QueryRow(ctx,
			`SELECT status FROM games WHERE id = $1 FOR SHARE`, inst.GameID).Scan(&status); err != nil {
			return fmt.Errorf("game %s: %w", inst.GameID, mapPgError(err))
		}
		if status != model.GameDraft {
			return fmt.Errorf("add instrument to game %s (status %s): %w", inst.GameID, status, ErrConflict)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO instruments (game_id, symbol, name, initial_price, created_at)
			 VALUES ($1, $2, $3, $4::NUMERIC, $5)`,
			inst.GameID, inst.Symbol, inst.Name, inst.InitialPrice.String(), inst.CreatedAt,
		); err != nil {
			return fmt.Errorf("instrument %s: %w", inst.Symbol, mapPgError(err))
		}
		return nil
	})
}

func (s *PostgresStore) ListInstruments(ctx context.Context, gameID string) ([]model.Instrument, error) {
	if err := s.gameExists(ctx, s.pool, gameID); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx,
		`SELECT game_id, symbol, name, initial_price::TEXT, created_at
		 FROM instruments WHERE game_id = $1 ORDER BY symbol`, gameID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Instrument
	for rows.Next() {
		var inst model.Instrument
		var priceS string
		if err := rows.Scan(&inst.GameID, &inst.Symbol, &inst.Name, &priceS, &inst.CreatedAt); err != nil {
			return nil, err
		}
		inst.InitialPrice, _ = decimal.NewFromString(priceS)
		out = append(out, inst)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SetRoundPrices(ctx context.Context, gameID string, round int, prices []model.RoundPrice) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		// Locking the round row serializes with AdvanceRound activating it.
		var gStatus model.GameStatus
		var rStatus model.RoundStatus
		err := tx.QueryRow(ctx,
			`SELECT g.status, r.status
			 FROM rounds r JOIN games g ON g.id = r.game_id
			 WHERE r.game_id = $1 AND r.round_number = $2
			 FOR UPDATE OF r`, gameID, round).Scan(&gStatus, &rStatus)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				if err := s.gameExists(ctx, tx, gameID); err != nil {
					return err
				}
			}
			return fmt.Errorf("game %s round %d: %w", gameID, round, mapPgError(err))
		}
		if (gStatus != model.GameDraft && gStatus != model.GameLive) || rStatus != model.RoundPending {
			return fmt.Errorf("set prices for game %s round %d (%s/%s): %w", gameID, round, gStatus, rStatus, ErrConflict)
		}
		for _, p := range prices {
			if _, err := tx.Exec(ctx,
				`INSERT INTO round_prices (game_id, round_number, symbol, price)
				 VALUES ($1, $2, $3, $4::NUMERIC)
				 ON CONFLICT (game_id, round_number, symbol) DO UPDATE SET price = EXCLUDED.price`,
				gameID, round, p.Symbol, p.Price.String(),
			); err != nil {
				return fmt.Errorf("price %s: %w", p.Symbol, mapPgError(err))
			}
		}
		return nil
	})
}

func (s *PostgresStore) GetRoundPrices(ctx context.Context, gameID string, round int) ([]model.RoundPrice, error) {
	if err := s.gameExists(ctx, s.pool, gameID); err != nil {
		return nil, err
	}
	return queryRoundPrices(ctx, s.pool, gameID, round)
}

func (s *PostgresStore) ListRoundPrices(ctx context.Context, gameID string) ([]model.RoundPrice, error) {
	if err := s.gameExists(ctx, s.pool, gameID); err != nil {
		return nil, err
	}
	return scanRoundPrices(s.pool.Query(ctx,
		`SELECT game_id, round_number, symbol, price::TEXT FROM round_prices
		 WHERE game_id = $1 ORDER BY round_number, symbol`, gameID))
}

// --- Players ---

func (s *PostgresStore) CreatePlayerState(ctx context.Context, st *model.PlayerGameState) error {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO player_states (game_id, player_id, cash, equity_value, total_value,
		                            valued_round, version, created_at, updated_at)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6, $7, $8, $9)
		 RETURNING join_seq`,
		st.GameID, st.PlayerID, st.Cash.String(), st.EquityValue.String(), st.TotalValue.String(),
		st.ValuedRound, st.Version, st.CreatedAt, st.UpdatedAt,
	).Scan(&st.JoinSeq)
	if err != nil {
		return fmt.Errorf("player %s in game %s: %w", st.PlayerID, st.GameID, mapPgError(err))
	}
	return nil
}

func (s *PostgresStore) GetPlayerState(ctx context.Context, gameID, playerID string) (*model.PlayerGameState, error) {
	st, err := scanState(s.pool.QueryRow(ctx,
		`SELECT `+stateColumns+` FROM player_states WHERE game_id = $1 AND player_id = $2`,
		gameID, playerID))
	if err != nil {
		return nil, fmt.Errorf("player %s in game %s: %w", playerID, gameID, mapPgError(err))
	}
	return st, nil
}

func (s *PostgresStore) ListPlayerStates(ctx context.Context, gameID string) ([]model.PlayerGameState, error) {
	if err := s.gameExists(ctx, s.pool, gameID); err != nil {
		return nil, err
	}
	return queryStates(ctx, s.pool,
		`SELECT `+stateColumns+` FROM player_states WHERE game_id = $1 ORDER BY join_seq`, gameID)
}

func (s *PostgresStore) UpdateValuation(ctx context.Context, st *model.PlayerGameState) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE player_states
		 SET equity_value = $4::NUMERIC, total_value = $5::NUMERIC, valued_round = $6, updated_at = $7
		 WHERE game_id = $1 AND player_id = $2 AND version = $3`,
		st.GameID, st.PlayerID, st.Version,
		st.EquityValue.String(), st.TotalValue.String(), st.ValuedRound, st.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetPlayerState(ctx, st.GameID, st.PlayerID); err != nil {
			return err
		}
		return fmt.Errorf("valuation for player %s: %w", st.PlayerID, ErrConflict)
	}
	return nil
}

func (s *PostgresStore) ListPositions(ctx context.Context, gameID, playerID string) ([]model.Position, error) {
	return queryPositions(ctx, s.pool,
		`SELECT `+positionColumns+` FROM positions
		 WHERE game_id = $1 AND player_id = $2 ORDER BY symbol`, gameID, playerID)
}

func (s *PostgresStore) ListGamePositions(ctx context.Context, gameID string) ([]model.Position, error) {
	return queryPositions(ctx, s.pool,
		`SELECT `+positionColumns+` FROM positions
		 WHERE game_id = $1 ORDER BY player_id, symbol`, gameID)
}

// --- Orders ---

func (s *PostgresStore) ApplyFill(ctx context.Context, f *Fill) error {
	o := f.Order
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		// FOR SHARE on the round blocks AdvanceRound's claim until commit.
		var gStatus model.GameStatus
		var rStatus model.RoundStatus
		var current int
		err := tx.QueryRow(ctx,
			`SELECT g.status, g.current_round_number, r.status
			 FROM rounds r JOIN games g ON g.id = r.game_id
			 WHERE r.game_id = $1 AND r.round_number = $2
			 FOR SHARE OF r`, o.GameID, o.RoundNumber).Scan(&gStatus, &current, &rStatus)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrRoundClosed
		}
		if err != nil {
			return err
		}
		if gStatus != model.GameLive || current != o.RoundNumber || rStatus != model.RoundActive {
			return ErrRoundClosed
		}

		tag, err := tx.Exec(ctx,
			`UPDATE player_states
			 SET cash = $4::NUMERIC, equity_value = $5::NUMERIC, total_value = $6::NUMERIC,
			     valued_round = $7, version = version + 1, updated_at = $8
			 WHERE game_id = $1 AND player_id = $2 AND version = $3`,
			o.GameID, o.PlayerID, f.State.Version, f.State.Cash.String(),
			f.State.EquityValue.String(), f.State.TotalValue.String(), f.State.ValuedRound, o.CreatedAt)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("player %s state version %d: %w", o.PlayerID, f.State.Version, ErrConflict)
		}

		p := f.Position
		if p.Version == 0 {
			tag, err = tx.Exec(ctx,
				`INSERT INTO positions (game_id, player_id, symbol, quantity, average_price, version, updated_at)
				 VALUES ($1, $2, $3, $4, $5::NUMERIC, 1, $6)
				 ON CONFLICT (game_id, player_id, symbol) DO NOTHING`,
				o.GameID, o.PlayerID, p.Symbol, p.Quantity, p.AveragePrice.String(), o.CreatedAt)
		} else {
			tag, err = tx.Exec(ctx,
				`UPDATE positions SET quantity = $5, average_price = $6::NUMERIC, version = version + 1, updated_at = $7
				 WHERE game_id = $1 AND player_id = $2 AND symbol = $3 AND version = $4`,
				o.GameID, o.PlayerID, p.Symbol, p.Version, p.Quantity, p.AveragePrice.String(), o.CreatedAt)
		}
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("position %s version %d: %w", p.Symbol, p.Version, ErrConflict)
		}

		return insertOrder(ctx, tx, o)
	})
	if err != nil {
		return fmt.Errorf("apply fill %s: %w", o.ID, mapPgError(err))
	}

	f.State.Version++
	f.State.UpdatedAt = o.CreatedAt
	f.Position.Version++
	f.Position.UpdatedAt = o.CreatedAt
	return nil
}

func (s *PostgresStore) InsertOrder(ctx context.Context, o *model.Order) error {
	if err := insertOrder(ctx, s.pool, o); err != nil {
		return fmt.Errorf("insert order %s: %w", o.ID, mapPgError(err))
	}
	return nil
}

func (s *PostgresStore) ListOrders(ctx context.Context, gameID, playerID string) ([]model.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderColumns+` FROM orders
		 WHERE game_id = $1 AND ($2 = '' OR player_id = $2)
		 ORDER BY seq`, gameID, playerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []model.Order
	for rows.Next() {
		var o model.Order
		var filledS *string
		var notionalS string
		if err := rows.Scan(&o.ID, &o.GameID, &o.PlayerID, &o.RoundNumber, &o.Symbol, &o.Side,
			&o.Quantity, &o.Status, &o.RejectReason, &filledS, &notionalS, &o.CreatedAt); err != nil {
			return nil, err
		}
		if filledS != nil {
			if v, err := decimal.NewFromString(*filledS); err == nil {
				o.FilledPrice = decimal.NewNullDecimal(v)
			}
		}
		o.Notional, _ = decimal.NewFromString(notionalS)
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// --- helpers ---

func (s *PostgresStore) gameExists(ctx context.Context, q querier, gameID string) error {
	var one int
	if err := q.QueryRow(ctx, `SELECT 1 FROM games WHERE id = $1`, gameID).Scan(&one); err != nil {
		return fmt.Errorf("game %s: %w", gameID, mapPgError(err))
	}
	return nil
}

func insertOrder(ctx context.Context, q querier, o *model.Order) error {
	var rejectReason, filledPrice *string
	if o.RejectReason != "" {
		r := string(o.RejectReason)
		rejectReason = &r
	}
	if o.FilledPrice.Valid {
		p := o.FilledPrice.Decimal.String()
		filledPrice = &p
	}
	_, err := q.Exec(ctx,
		`INSERT INTO orders (id, game_id, player_id, round_number, symbol, side, quantity,
		                     status, reject_reason, filled_price, notional, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::NUMERIC, $11::NUMERIC, $12)`,
		o.ID, o.GameID, o.PlayerID, o.RoundNumber, o.Symbol, o.Side, o.Quantity,
		o.Status, rejectReason, filledPrice, o.Notional.String(), o.CreatedAt,
	)
	return err
}

func queryRoundPrices(ctx context.Context, q querier, gameID string, round int) ([]model.RoundPrice, error) {
	return scanRoundPrices(q.Query(ctx,
		`SELECT game_id, round_number, symbol, price::TEXT FROM round_prices
		 WHERE game_id = $1 AND round_number = $2 ORDER BY symbol`, gameID, round))
}

func scanRoundPrices(rows pgx.Rows, err error) ([]model.RoundPrice, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var prices []model.RoundPrice
	for rows.Next() {
		var p model.RoundPrice
		var priceS string
		if err := rows.Scan(&p.GameID, &p.RoundNumber, &p.Symbol, &priceS); err != nil {
			return nil, err
		}
		p.Price, _ = decimal.NewFromString(priceS)
		prices = append(prices, p)
	}
	return prices, rows.Err()
}

func queryStates(ctx context.Context, q querier, sql string, args ...any) ([]model.PlayerGameState, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var states []model.PlayerGameState
	for rows.Next() {
		st, err := scanState(rows)
		if err != nil {
			return nil, err
		}
		states = append(states, *st)
	}
	return states, rows.Err()
}

func queryPositions(ctx context.Context, q querier, sql string, args ...any) ([]model.Position, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		var p model.Position
		var avgS string
		if err := rows.Scan(&p.GameID, &p.PlayerID, &p.Symbol, &p.Quantity, &avgS,
			&p.Version, &p.UpdatedAt); err != nil {
			return nil, err
		}
		p.AveragePrice, _ = decimal.NewFromString(avgS)
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

func scanGame(row pgx.Row) (*model.Game, error) {
	var g model.Game
	var cashS string
	if err := row.Scan(&g.ID, &g.Name, &g.Status, &cashS, &g.TotalRounds, &g.AllowShort,
		&g.CurrentRoundNumber, &g.CreatedBy, &g.CreatedAt, &g.UpdatedAt); err != nil {
		return nil, err
	}
	g.InitialCash, _ = decimal.NewFromString(cashS)
	return &g, nil
}

func scanRound(row pgx.Row) (*model.Round, error) {
	var r model.Round
	if err := row.Scan(&r.GameID, &r.RoundNumber, &r.Status, &r.DurationMinutes,
		&r.ActualStartTime, &r.ActualEndTime); err != nil {
		return nil, err
	}
	return &r, nil
}

func scanState(row pgx.Row) (*model.PlayerGameState, error) {
	var st model.PlayerGameState
	var cashS, equityS, totalS string
	if err := row.Scan(&st.GameID, &st.PlayerID, &cashS, &equityS, &totalS,
		&st.ValuedRound, &st.Version, &st.JoinSeq, &st.CreatedAt, &st.UpdatedAt); err != nil {
		return nil, err
	}
	st.Cash, _ = decimal.NewFromString(cashS)
	st.EquityValue, _ = decimal.NewFromString(equityS)
	st.TotalValue, _ = decimal.NewFromString(totalS)
	return &st, nil
}

// mapPgError translates driver errors into store sentinels.
func mapPgError(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505": // unique_violation
			return ErrDuplicate
		case "23503": // foreign_key_violation
			return ErrNotFound
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return ErrConflict
		}
	}
	return err
}
