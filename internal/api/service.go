// Package api exposes the game engine over HTTP.
//
// All monetary values are shopspring/decimal and travel as JSON strings.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/atmx/market-game/internal/auth"
	"github.com/atmx/market-game/internal/engine"
)

// Service holds the HTTP handlers. It has no state of its own; every
// request goes through the engine.
type Service struct {
	engine *engine.Engine
	logger *slog.Logger
}

// NewService creates the HTTP service for eng.
func NewService(eng *engine.Engine, logger *slog.Logger) *Service {
	return &Service{engine: eng, logger: logger.With("component", "api")}
}

// Routes returns the authenticated API router, to be mounted under
// /api/v1. limiter throttles order placement and may be nil; ws serves
// live events and may be nil.
func (s *Service) Routes(provider auth.Provider, limiter *auth.PlayerRateLimiter, ws http.HandlerFunc) chi.Router {
	r := chi.NewRouter()
	r.Use(auth.Middleware(provider))

	if ws != nil {
		r.Get("/ws", ws)
	}

	// Reads open to any identity.
	r.Get("/games", s.ListGames)
	r.Get("/games/{gameID}", s.GetGame)
	r.Get("/games/{gameID}/instruments", s.ListInstruments)
	r.Get("/games/{gameID}/rounds", s.ListRounds)
	r.Get("/games/{gameID}/rounds/{round}/prices", s.GetRoundPrices)
	r.Get("/games/{gameID}/clock", s.GetClock)
	r.Get("/games/{gameID}/leaderboard", s.GetLeaderboard)

	// Player actions and self-or-admin reads.
	r.Post("/games/{gameID}/join", s.JoinGame)
	orders := s.PlaceOrder
	if limiter != nil {
		orders = limiter.Middleware(http.HandlerFunc(s.PlaceOrder)).ServeHTTP
	}
	r.Post("/games/{gameID}/orders", orders)
	r.Get("/games/{gameID}/orders", s.ListOrders)
	r.Get("/games/{gameID}/players/{playerID}", s.GetPlayerState)
	r.Get("/games/{gameID}/players/{playerID}/portfolio", s.GetPortfolio)

	// Operator actions.
	r.Group(func(r chi.Router) {
		r.Use(auth.RequireAdmin)
		r.Post("/games", s.CreateGame)
		r.Post("/games/{gameID}/instruments", s.AddInstrument)
		r.Put("/games/{gameID}/rounds/{round}/prices", s.SetRoundPrices)
		r.Post("/games/{gameID}/start", s.StartGame)
		r.Post("/games/{gameID}/advance", s.AdvanceRound)
		r.Post("/games/{gameID}/archive", s.ArchiveGame)
	})
	return r
}

// identity returns the caller resolved by auth.Middleware.
func identity(r *http.Request) auth.Identity {
	id, _ := auth.FromContext(r.Context())
	return id
}

// resolvePlayer maps the "me" alias to the caller and enforces that only
// the player or an admin may read private state.
func resolvePlayer(r *http.Request) (string, bool) {
	id := identity(r)
	playerID := chi.URLParam(r, "playerID")
	if playerID == "me" {
		playerID = id.PlayerID
	}
	return playerID, id.CanView(playerID)
}

func roundParam(r *http.Request) (int, error) {
	n, err := strconv.Atoi(chi.URLParam(r, "round"))
	if err != nil || n < 1 {
		return 0, errors.New("round must be a positive integer")
	}
	return n, nil
}

func decode(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// writeEngineError maps engine errors to HTTP statuses. Anything that is
// not a business error is reported as 503 so clients retry.
func (s *Service) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, engine.ErrValidation):
		writeError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, engine.ErrForbidden):
		writeError(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, engine.ErrNotFound):
		writeError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, engine.ErrInvalidState),
		errors.Is(err, engine.ErrDuplicate),
		errors.Is(err, engine.ErrConcurrencyConflict):
		writeError(w, err.Error(), http.StatusConflict)
	default:
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
		w.Header().Set("Retry-After", "1")
		writeError(w, "service temporarily unavailable", http.StatusServiceUnavailable)
	}
}
