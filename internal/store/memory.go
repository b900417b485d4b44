package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/atmx/market-game/internal/model"
)

type positionKey struct {
	gameID, playerID, symbol string
}

type priceKey struct {
	round  int
	symbol string
}

// MemoryStore implements Store with in-memory maps guarded by one lock, so
// every conditional write is trivially atomic. Used for testing and
// development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu          sync.RWMutex
	games       map[string]*model.Game
	rounds      map[string][]model.Round // index i holds round i+1
	instruments map[string]map[string]model.Instrument
	prices      map[string]map[priceKey]model.RoundPrice
	states      map[string]map[string]*model.PlayerGameState
	positions   map[positionKey]*model.Position
	orders      []model.Order
	joinSeq     int64
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		games:       make(map[string]*model.Game),
		rounds:      make(map[string][]model.Round),
		instruments: make(map[string]map[string]model.Instrument),
		prices:      make(map[string]map[priceKey]model.RoundPrice),
		states:      make(map[string]map[string]*model.PlayerGameState),
		positions:   make(map[positionKey]*model.Position),
	}
}

// --- Games and rounds ---

func (s *MemoryStore) CreateGame(_ context.Context, g *model.Game, rounds []model.Round) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.games[g.ID]; ok {
		return fmt.Errorf("game %s: %w", g.ID, ErrDuplicate)
	}
	if len(rounds) != g.TotalRounds {
		return fmt.Errorf("game %s: %d rounds for total_rounds=%d", g.ID, len(rounds), g.TotalRounds)
	}

	// Store copies to avoid external mutation.
	gc := *g
	s.games[g.ID] = &gc
	rs := make([]model.Round, len(rounds))
	for i, r := range rounds {
		rs[i] = copyRound(r)
	}
	s.rounds[g.ID] = rs
	s.instruments[g.ID] = make(map[string]model.Instrument)
	s.prices[g.ID] = make(map[priceKey]model.RoundPrice)
	s.states[g.ID] = make(map[string]*model.PlayerGameState)
	return nil
}

func (s *MemoryStore) GetGame(_ context.Context, id string) (*model.Game, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	g, ok := s.games[id]
	if !ok {
		return nil, fmt.Errorf("game %s: %w", id, ErrNotFound)
	}
	gc := *g
	return &gc, nil
}

func (s *MemoryStore) ListGames(_ context.Context, statuses ...model.GameStatus) ([]model.Game, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	games := make([]model.Game, 0, len(s.games))
	for _, g := range s.games {
		if len(statuses) > 0 && !hasStatus(statuses, g.Status) {
			continue
		}
		games = append(games, *g)
	}
	sort.Slice(games, func(i, j int) bool {
		if !games[i].CreatedAt.Equal(games[j].CreatedAt) {
			return games[i].CreatedAt.After(games[j].CreatedAt)
		}
		return games[i].ID < games[j].ID
	})
	return games, nil
}

func (s *MemoryStore) ListRounds(_ context.Context, gameID string) ([]model.Round, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rs, ok := s.rounds[gameID]
	if !ok {
		return nil, fmt.Errorf("game %s: %w", gameID, ErrNotFound)
	}
	out := make([]model.Round, len(rs))
	for i, r := range rs {
		out[i] = copyRound(r)
	}
	return out, nil
}

func (s *MemoryStore) GetRound(_ context.Context, gameID string, round int) (*model.Round, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.round(gameID, round)
	if !ok {
		return nil, fmt.Errorf("game %s round %d: %w", gameID, round, ErrNotFound)
	}
	rc := copyRound(*r)
	return &rc, nil
}

func (s *MemoryStore) StartGame(_ context.Context, gameID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.games[gameID]
	if !ok {
		return fmt.Errorf("game %s: %w", gameID, ErrNotFound)
	}
	first, ok := s.round(gameID, 1)
	if g.Status != model.GameDraft || !ok || first.Status != model.RoundPending {
		return fmt.Errorf("start game %s (status %s): %w", gameID, g.Status, ErrConflict)
	}

	t := now
	first.Status = model.RoundActive
	first.ActualStartTime = &t
	g.Status = model.GameLive
	g.CurrentRoundNumber = 1
	g.UpdatedAt = now
	return nil
}

func (s *MemoryStore) AdvanceRound(_ context.Context, t RoundTransition, revalue Revaluer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.games[t.GameID]
	if !ok {
		return fmt.Errorf("game %s: %w", t.GameID, ErrNotFound)
	}
	cur, ok := s.round(t.GameID, t.FromRound)
	if !ok || g.Status != model.GameLive || g.CurrentRoundNumber != t.FromRound || cur.Status != model.RoundActive {
		return fmt.Errorf("advance game %s from round %d: %w", t.GameID, t.FromRound, ErrConflict)
	}

	// Compute every valuation before mutating anything so a revalue error
	// leaves the store untouched.
	prices := s.roundPrices(t.GameID, t.FromRound)
	revalued := make([]model.PlayerGameState, 0, len(s.states[t.GameID]))
	for _, st := range s.states[t.GameID] {
		sc := *st
		if err := revalue(&sc, s.playerPositions(t.GameID, st.PlayerID), prices); err != nil {
			return fmt.Errorf("revalue player %s: %w", st.PlayerID, err)
		}
		sc.UpdatedAt = t.Now
		revalued = append(revalued, sc)
	}

	end := t.Now
	cur.Status = model.RoundCompleted
	cur.ActualEndTime = &end
	for i := range revalued {
		sc := revalued[i]
		s.states[t.GameID][sc.PlayerID] = &sc
	}

	if t.FromRound >= g.TotalRounds {
		g.Status = model.GameCompleted
	} else {
		next, _ := s.round(t.GameID, t.FromRound+1)
		start := t.Now
		next.Status = model.RoundActive
		next.ActualStartTime = &start
		g.CurrentRoundNumber = t.FromRound + 1
	}
	g.UpdatedAt = t.Now
	return nil
}

func (s *MemoryStore) ArchiveGame(_ context.Context, gameID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.games[gameID]
	if !ok {
		return fmt.Errorf("game %s: %w", gameID, ErrNotFound)
	}
	if g.Status == model.GameArchived {
		return fmt.Errorf("archive game %s: %w", gameID, ErrConflict)
	}
	if r, ok := s.round(gameID, g.CurrentRoundNumber); ok && r.Status == model.RoundActive {
		end := now
		r.Status = model.RoundCompleted
		r.ActualEndTime = &end
	}
	g.Status = model.GameArchived
	g.UpdatedAt = now
	return nil
}

// --- Instruments and prices ---

func (s *MemoryStore) AddInstrument(_ context.Context, inst *model.Instrument) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.games[inst.GameID]
	if !ok {
		return fmt.Errorf("game %s: %w", inst.GameID, ErrNotFound)
	}
	if g.Status != model.GameDraft {
		return fmt.Errorf("add instrument to game %s (status %s): %w", g.ID, g.Status, ErrConflict)
	}
	if _, ok := s.instruments[inst.GameID][inst.Symbol]; ok {
		return fmt.Errorf("instrument %s: %w", inst.Symbol, ErrDuplicate)
	}
	s.instruments[inst.GameID][inst.Symbol] = *inst
	return nil
}

func (s *MemoryStore) ListInstruments(_ context.Context, gameID string) ([]model.Instrument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.instruments[gameID]
	if !ok {
		return nil, fmt.Errorf("game %s: %w", gameID, ErrNotFound)
	}
	out := make([]model.Instrument, 0, len(m))
	for _, inst := range m {
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func (s *MemoryStore) SetRoundPrices(_ context.Context, gameID string, round int, prices []model.RoundPrice) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.games[gameID]
	if !ok {
		return fmt.Errorf("game %s: %w", gameID, ErrNotFound)
	}
	r, ok := s.round(gameID, round)
	if !ok {
		return fmt.Errorf("game %s round %d: %w", gameID, round, ErrNotFound)
	}
	if (g.Status != model.GameDraft && g.Status != model.GameLive) || r.Status != model.RoundPending {
		return fmt.Errorf("set prices for game %s round %d (%s/%s): %w", gameID, round, g.Status, r.Status, ErrConflict)
	}
	for _, p := range prices {
		if _, ok := s.instruments[gameID][p.Symbol]; !ok {
			return fmt.Errorf("instrument %s: %w", p.Symbol, ErrNotFound)
		}
	}
	for _, p := range prices {
		p.GameID = gameID
		p.RoundNumber = round
		s.prices[gameID][priceKey{round: round, symbol: p.Symbol}] = p
	}
	return nil
}

func (s *MemoryStore) GetRoundPrices(_ context.Context, gameID string, round int) ([]model.RoundPrice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.games[gameID]; !ok {
		return nil, fmt.Errorf("game %s: %w", gameID, ErrNotFound)
	}
	return s.roundPrices(gameID, round), nil
}

func (s *MemoryStore) ListRoundPrices(_ context.Context, gameID string) ([]model.RoundPrice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.prices[gameID]
	if !ok {
		return nil, fmt.Errorf("game %s: %w", gameID, ErrNotFound)
	}
	out := make([]model.RoundPrice, 0, len(m))
	for _, p := range m {
		out = append(out, p)
	}
	sortPrices(out)
	return out, nil
}

// --- Players ---

func (s *MemoryStore) CreatePlayerState(_ context.Context, st *model.PlayerGameState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	players, ok := s.states[st.GameID]
	if !ok {
		return fmt.Errorf("game %s: %w", st.GameID, ErrNotFound)
	}
	if _, ok := players[st.PlayerID]; ok {
		return fmt.Errorf("player %s in game %s: %w", st.PlayerID, st.GameID, ErrDuplicate)
	}
	s.joinSeq++
	sc := *st
	sc.JoinSeq = s.joinSeq
	players[st.PlayerID] = &sc
	st.JoinSeq = sc.JoinSeq
	return nil
}

func (s *MemoryStore) GetPlayerState(_ context.Context, gameID, playerID string) (*model.PlayerGameState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.states[gameID][playerID]
	if !ok {
		return nil, fmt.Errorf("player %s in game %s: %w", playerID, gameID, ErrNotFound)
	}
	sc := *st
	return &sc, nil
}

func (s *MemoryStore) ListPlayerStates(_ context.Context, gameID string) ([]model.PlayerGameState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	players, ok := s.states[gameID]
	if !ok {
		return nil, fmt.Errorf("game %s: %w", gameID, ErrNotFound)
	}
	out := make([]model.PlayerGameState, 0, len(players))
	for _, st := range players {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JoinSeq < out[j].JoinSeq })
	return out, nil
}

func (s *MemoryStore) UpdateValuation(_ context.Context, st *model.PlayerGameState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.states[st.GameID][st.PlayerID]
	if !ok {
		return fmt.Errorf("player %s in game %s: %w", st.PlayerID, st.GameID, ErrNotFound)
	}
	if cur.Version != st.Version {
		return fmt.Errorf("valuation for player %s: %w", st.PlayerID, ErrConflict)
	}
	cur.EquityValue = st.EquityValue
	cur.TotalValue = st.TotalValue
	cur.ValuedRound = st.ValuedRound
	cur.UpdatedAt = st.UpdatedAt
	return nil
}

func (s *MemoryStore) ListPositions(_ context.Context, gameID, playerID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.playerPositions(gameID, playerID), nil
}

func (s *MemoryStore) ListGamePositions(_ context.Context, gameID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Position
	for k, p := range s.positions {
		if k.gameID == gameID {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PlayerID != out[j].PlayerID {
			return out[i].PlayerID < out[j].PlayerID
		}
		return out[i].Symbol < out[j].Symbol
	})
	return out, nil
}

// --- Orders ---

func (s *MemoryStore) ApplyFill(_ context.Context, f *Fill) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	o := f.Order
	g, ok := s.games[o.GameID]
	if !ok {
		return fmt.Errorf("game %s: %w", o.GameID, ErrNotFound)
	}
	r, ok := s.round(o.GameID, o.RoundNumber)
	if !ok || g.Status != model.GameLive || g.CurrentRoundNumber != o.RoundNumber || r.Status != model.RoundActive {
		return fmt.Errorf("fill in game %s round %d: %w", o.GameID, o.RoundNumber, ErrRoundClosed)
	}

	cur, ok := s.states[o.GameID][o.PlayerID]
	if !ok {
		return fmt.Errorf("player %s in game %s: %w", o.PlayerID, o.GameID, ErrNotFound)
	}
	if cur.Version != f.State.Version {
		return fmt.Errorf("player %s state version %d != %d: %w", o.PlayerID, cur.Version, f.State.Version, ErrConflict)
	}
	key := positionKey{o.GameID, o.PlayerID, f.Position.Symbol}
	existing, exists := s.positions[key]
	switch {
	case f.Position.Version == 0 && exists:
		return fmt.Errorf("position %s created concurrently: %w", key.symbol, ErrConflict)
	case f.Position.Version != 0 && (!exists || existing.Version != f.Position.Version):
		return fmt.Errorf("position %s version moved: %w", key.symbol, ErrConflict)
	}

	f.State.Version++
	f.State.UpdatedAt = o.CreatedAt
	sc := *f.State
	s.states[o.GameID][o.PlayerID] = &sc

	f.Position.Version++
	f.Position.UpdatedAt = o.CreatedAt
	pc := *f.Position
	s.positions[key] = &pc

	s.orders = append(s.orders, *o)
	return nil
}

func (s *MemoryStore) InsertOrder(_ context.Context, o *model.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.games[o.GameID]; !ok {
		return fmt.Errorf("game %s: %w", o.GameID, ErrNotFound)
	}
	s.orders = append(s.orders, *o)
	return nil
}

func (s *MemoryStore) ListOrders(_ context.Context, gameID, playerID string) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Order
	for _, o := range s.orders {
		if o.GameID != gameID {
			continue
		}
		if playerID != "" && o.PlayerID != playerID {
			continue
		}
		result = append(result, o)
	}
	return result, nil
}

// --- helpers (callers hold s.mu) ---

func (s *MemoryStore) round(gameID string, n int) (*model.Round, bool) {
	rs := s.rounds[gameID]
	if n < 1 || n > len(rs) {
		return nil, false
	}
	return &rs[n-1], true
}

func (s *MemoryStore) roundPrices(gameID string, round int) []model.RoundPrice {
	var out []model.RoundPrice
	for k, p := range s.prices[gameID] {
		if k.round == round {
			out = append(out, p)
		}
	}
	sortPrices(out)
	return out
}

func (s *MemoryStore) playerPositions(gameID, playerID string) []model.Position {
	var out []model.Position
	for k, p := range s.positions {
		if k.gameID == gameID && k.playerID == playerID {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

func copyRound(r model.Round) model.Round {
	if r.ActualStartTime != nil {
		t := *r.ActualStartTime
		r.ActualStartTime = &t
	}
	if r.ActualEndTime != nil {
		t := *r.ActualEndTime
		r.ActualEndTime = &t
	}
	return r
}

func sortPrices(ps []model.RoundPrice) {
	sort.Slice(ps, func(i, j int) bool {
		if ps[i].RoundNumber != ps[j].RoundNumber {
			return ps[i].RoundNumber < ps[j].RoundNumber
		}
		return ps[i].Symbol < ps[j].Symbol
	})
}

func hasStatus(statuses []model.GameStatus, s model.GameStatus) bool {
	for _, st := range statuses {
		if st == s {
			return true
		}
	}
	return false
}
