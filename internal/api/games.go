package api

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/market-game/internal/engine"
	"github.com/atmx/market-game/internal/instrument"
	"github.com/atmx/market-game/internal/model"
)

// --- Request types ---

// AddInstrumentRequest is the JSON body for POST /games/{gameID}/instruments.
type AddInstrumentRequest struct {
	Symbol       string          `json:"symbol"`
	Name         string          `json:"name"`
	InitialPrice decimal.Decimal `json:"initial_price"`
}

// SetPricesRequest is the JSON body for PUT /games/{gameID}/rounds/{round}/prices.
type SetPricesRequest struct {
	Prices []instrument.PriceInput `json:"prices"`
}

// AdvanceRequest is the optional JSON body for POST /games/{gameID}/advance.
// FromRound 0 or absent advances the current round.
type AdvanceRequest struct {
	FromRound int `json:"from_round"`
}

// --- Lifecycle ---

// CreateGame handles POST /api/v1/games
func (s *Service) CreateGame(w http.ResponseWriter, r *http.Request) {
	var spec engine.GameSpec
	if err := decode(r, &spec); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	spec.CreatedBy = identity(r).PlayerID

	g, err := s.engine.CreateGame(r.Context(), spec)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, g)
}

// ListGames handles GET /api/v1/games
// Optional ?status=draft,live filters by status.
func (s *Service) ListGames(w http.ResponseWriter, r *http.Request) {
	var statuses []model.GameStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			statuses = append(statuses, model.GameStatus(strings.TrimSpace(part)))
		}
	}
	games, err := s.engine.ListGames(r.Context(), statuses...)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	if games == nil {
		games = []model.Game{}
	}
	writeJSON(w, http.StatusOK, games)
}

// GetGame handles GET /api/v1/games/{gameID}
func (s *Service) GetGame(w http.ResponseWriter, r *http.Request) {
	g, err := s.engine.GetGame(r.Context(), chi.URLParam(r, "gameID"))
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

// AddInstrument handles POST /api/v1/games/{gameID}/instruments
func (s *Service) AddInstrument(w http.ResponseWriter, r *http.Request) {
	var req AddInstrumentRequest
	if err := decode(r, &req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	inst, err := s.engine.AddInstrument(r.Context(), chi.URLParam(r, "gameID"), req.Symbol, req.Name, req.InitialPrice)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, inst)
}

// ListInstruments handles GET /api/v1/games/{gameID}/instruments
func (s *Service) ListInstruments(w http.ResponseWriter, r *http.Request) {
	insts, err := s.engine.ListInstruments(r.Context(), chi.URLParam(r, "gameID"))
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	if insts == nil {
		insts = []model.Instrument{}
	}
	writeJSON(w, http.StatusOK, insts)
}

// SetRoundPrices handles PUT /api/v1/games/{gameID}/rounds/{round}/prices
func (s *Service) SetRoundPrices(w http.ResponseWriter, r *http.Request) {
	round, err := roundParam(r)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	var req SetPricesRequest
	if err := decode(r, &req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	prices, err := s.engine.SetRoundPrices(r.Context(), chi.URLParam(r, "gameID"), round, req.Prices)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, prices)
}

// GetRoundPrices handles GET /api/v1/games/{gameID}/rounds/{round}/prices
// Prices of rounds that have not started are visible to admins only.
func (s *Service) GetRoundPrices(w http.ResponseWriter, r *http.Request) {
	round, err := roundParam(r)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	prices, err := s.engine.GetRoundPrices(r.Context(), chi.URLParam(r, "gameID"), round, identity(r).IsAdmin())
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	if prices == nil {
		prices = []model.RoundPrice{}
	}
	writeJSON(w, http.StatusOK, prices)
}

// ListRounds handles GET /api/v1/games/{gameID}/rounds
func (s *Service) ListRounds(w http.ResponseWriter, r *http.Request) {
	rounds, err := s.engine.ListRounds(r.Context(), chi.URLParam(r, "gameID"))
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rounds)
}

// GetClock handles GET /api/v1/games/{gameID}/clock
func (s *Service) GetClock(w http.ResponseWriter, r *http.Request) {
	c, err := s.engine.Clock(r.Context(), chi.URLParam(r, "gameID"))
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// StartGame handles POST /api/v1/games/{gameID}/start
func (s *Service) StartGame(w http.ResponseWriter, r *http.Request) {
	g, err := s.engine.StartGame(r.Context(), chi.URLParam(r, "gameID"))
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

// AdvanceRound handles POST /api/v1/games/{gameID}/advance
// A caller that loses the race to another advance still gets 200 with
// "advanced": false.
func (s *Service) AdvanceRound(w http.ResponseWriter, r *http.Request) {
	var req AdvanceRequest
	if err := decode(r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	res, err := s.engine.AdvanceRound(r.Context(), chi.URLParam(r, "gameID"), req.FromRound)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ArchiveGame handles POST /api/v1/games/{gameID}/archive
func (s *Service) ArchiveGame(w http.ResponseWriter, r *http.Request) {
	g, err := s.engine.ArchiveGame(r.Context(), chi.URLParam(r, "gameID"))
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

// GetLeaderboard handles GET /api/v1/games/{gameID}/leaderboard
func (s *Service) GetLeaderboard(w http.ResponseWriter, r *http.Request) {
	board, err := s.engine.GetLeaderboard(r.Context(), chi.URLParam(r, "gameID"))
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	if board == nil {
		board = []model.LeaderboardEntry{}
	}
	writeJSON(w, http.StatusOK, board)
}
