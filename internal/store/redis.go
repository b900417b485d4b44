package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/market-game/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for games, instruments and round prices.
//
// Entries are keyed by a per-game generation counter. Every write to the
// game bumps the counter after the primary commits, so a reader that
// fetched the pre-write row can only cache it under a generation nobody
// reads anymore. Old generations expire with the TTL.
//
// Player state, positions and orders are never cached.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Writes (write to primary, then bump the generation) ---

func (s *CachedStore) CreateGame(ctx context.Context, g *model.Game, rounds []model.Round) error {
	if err := s.primary.CreateGame(ctx, g, rounds); err != nil {
		return err
	}
	s.bump(ctx, g.ID)
	return nil
}

func (s *CachedStore) StartGame(ctx context.Context, gameID string, now time.Time) error {
	defer s.bump(ctx, gameID)
	return s.primary.StartGame(ctx, gameID, now)
}

func (s *CachedStore) AdvanceRound(ctx context.Context, t RoundTransition, revalue Revaluer) error {
	defer s.bump(ctx, t.GameID)
	return s.primary.AdvanceRound(ctx, t, revalue)
}

func (s *CachedStore) ArchiveGame(ctx context.Context, gameID string, now time.Time) error {
	defer s.bump(ctx, gameID)
	return s.primary.ArchiveGame(ctx, gameID, now)
}

func (s *CachedStore) AddInstrument(ctx context.Context, inst *model.Instrument) error {
	defer s.bump(ctx, inst.GameID)
	return s.primary.AddInstrument(ctx, inst)
}

func (s *CachedStore) SetRoundPrices(ctx context.Context, gameID string, round int, prices []model.RoundPrice) error {
	defer s.bump(ctx, gameID)
	return s.primary.SetRoundPrices(ctx, gameID, round, prices)
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetGame(ctx context.Context, id string) (*model.Game, error) {
	key, ok := s.key(ctx, id, "")
	var g model.Game
	if ok && s.readJSON(ctx, key, &g) {
		return &g, nil
	}

	// Cache miss: read from primary.
	gp, err := s.primary.GetGame(ctx, id)
	if err != nil {
		return nil, err
	}
	if ok {
		s.cacheJSON(ctx, key, gp)
	}
	return gp, nil
}

func (s *CachedStore) ListInstruments(ctx context.Context, gameID string) ([]model.Instrument, error) {
	key, ok := s.key(ctx, gameID, "instruments")
	var insts []model.Instrument
	if ok && s.readJSON(ctx, key, &insts) {
		return insts, nil
	}

	insts, err := s.primary.ListInstruments(ctx, gameID)
	if err != nil {
		return nil, err
	}
	if ok {
		s.cacheJSON(ctx, key, insts)
	}
	return insts, nil
}

func (s *CachedStore) GetRoundPrices(ctx context.Context, gameID string, round int) ([]model.RoundPrice, error) {
	key, ok := s.key(ctx, gameID, fmt.Sprintf("prices:%d", round))
	var prices []model.RoundPrice
	if ok && s.readJSON(ctx, key, &prices) {
		return prices, nil
	}

	prices, err := s.primary.GetRoundPrices(ctx, gameID, round)
	if err != nil {
		return nil, err
	}
	if ok {
		s.cacheJSON(ctx, key, prices)
	}
	return prices, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListGames(ctx context.Context, statuses ...model.GameStatus) ([]model.Game, error) {
	return s.primary.ListGames(ctx, statuses...)
}

func (s *CachedStore) ListRounds(ctx context.Context, gameID string) ([]model.Round, error) {
	return s.primary.ListRounds(ctx, gameID)
}

func (s *CachedStore) GetRound(ctx context.Context, gameID string, round int) (*model.Round, error) {
	return s.primary.GetRound(ctx, gameID, round)
}

func (s *CachedStore) ListRoundPrices(ctx context.Context, gameID string) ([]model.RoundPrice, error) {
	return s.primary.ListRoundPrices(ctx, gameID)
}

func (s *CachedStore) CreatePlayerState(ctx context.Context, st *model.PlayerGameState) error {
	return s.primary.CreatePlayerState(ctx, st)
}

func (s *CachedStore) GetPlayerState(ctx context.Context, gameID, playerID string) (*model.PlayerGameState, error) {
	return s.primary.GetPlayerState(ctx, gameID, playerID)
}

func (s *CachedStore) ListPlayerStates(ctx context.Context, gameID string) ([]model.PlayerGameState, error) {
	return s.primary.ListPlayerStates(ctx, gameID)
}

func (s *CachedStore) UpdateValuation(ctx context.Context, st *model.PlayerGameState) error {
	return s.primary.UpdateValuation(ctx, st)
}

func (s *CachedStore) ListPositions(ctx context.Context, gameID, playerID string) ([]model.Position, error) {
	return s.primary.ListPositions(ctx, gameID, playerID)
}

func (s *CachedStore) ListGamePositions(ctx context.Context, gameID string) ([]model.Position, error) {
	return s.primary.ListGamePositions(ctx, gameID)
}

func (s *CachedStore) ApplyFill(ctx context.Context, f *Fill) error {
	return s.primary.ApplyFill(ctx, f)
}

func (s *CachedStore) InsertOrder(ctx context.Context, o *model.Order) error {
	return s.primary.InsertOrder(ctx, o)
}

func (s *CachedStore) ListOrders(ctx context.Context, gameID, playerID string) ([]model.Order, error) {
	return s.primary.ListOrders(ctx, gameID, playerID)
}

// --- Cache helpers ---

// key returns the cache key of an entry at the game's current generation.
// ok is false when Redis cannot be reached; the caller then skips the cache.
func (s *CachedStore) key(ctx context.Context, gameID, entry string) (string, bool) {
	gen, err := s.rdb.Get(ctx, genKey(gameID)).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return "", false
	}
	if entry == "" {
		return fmt.Sprintf("game:%s:%d", gameID, gen), true
	}
	return fmt.Sprintf("game:%s:%d:%s", gameID, gen, entry), true
}

// bump moves the game to a new generation.
func (s *CachedStore) bump(ctx context.Context, gameID string) {
	s.rdb.Incr(ctx, genKey(gameID))
}

func (s *CachedStore) readJSON(ctx context.Context, key string, v any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, v) == nil
}

func (s *CachedStore) cacheJSON(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func genKey(gameID string) string { return fmt.Sprintf("game:%s:gen", gameID) }
