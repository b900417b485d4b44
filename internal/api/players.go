package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/market-game/internal/model"
)

// OrderRequest is the JSON body for POST /games/{gameID}/orders. The player
// is always the caller.
type OrderRequest struct {
	Symbol   string          `json:"symbol"`
	Side     string          `json:"side"`     // "buy" or "sell"
	Quantity decimal.Decimal `json:"quantity"` // positive whole number of units
}

// OrderRejectedResponse is the 422 body for a rejected order.
type OrderRejectedResponse struct {
	Error string       `json:"error"`
	Order *model.Order `json:"order"`
}

// JoinGame handles POST /api/v1/games/{gameID}/join
func (s *Service) JoinGame(w http.ResponseWriter, r *http.Request) {
	st, err := s.engine.JoinGame(r.Context(), chi.URLParam(r, "gameID"), identity(r).PlayerID)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// PlaceOrder handles POST /api/v1/games/{gameID}/orders
// A filled order answers 201; a rejected one is still recorded and answers
// 422 with the order and its reason.
func (s *Service) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req OrderRequest
	if err := decode(r, &req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	side := model.Side(strings.ToLower(strings.TrimSpace(req.Side)))

	o, err := s.engine.PlaceOrder(r.Context(), chi.URLParam(r, "gameID"), identity(r).PlayerID, req.Symbol, side, req.Quantity)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	if o.Status == model.OrderRejected {
		writeJSON(w, http.StatusUnprocessableEntity, OrderRejectedResponse{Error: string(o.RejectReason), Order: o})
		return
	}
	writeJSON(w, http.StatusCreated, o)
}

// ListOrders handles GET /api/v1/games/{gameID}/orders
// Players see their own orders. Admins see every order, or one player's
// with ?player_id=.
func (s *Service) ListOrders(w http.ResponseWriter, r *http.Request) {
	id := identity(r)
	playerID := id.PlayerID
	if id.IsAdmin() {
		playerID = r.URL.Query().Get("player_id")
	}
	orders, err := s.engine.ListOrders(r.Context(), chi.URLParam(r, "gameID"), playerID)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	if orders == nil {
		orders = []model.Order{}
	}
	writeJSON(w, http.StatusOK, orders)
}

// GetPlayerState handles GET /api/v1/games/{gameID}/players/{playerID}
// "me" stands for the caller.
func (s *Service) GetPlayerState(w http.ResponseWriter, r *http.Request) {
	playerID, ok := resolvePlayer(r)
	if !ok {
		writeError(w, "cannot view another player's state", http.StatusForbidden)
		return
	}
	st, err := s.engine.GetPlayerState(r.Context(), chi.URLParam(r, "gameID"), playerID)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// GetPortfolio handles GET /api/v1/games/{gameID}/players/{playerID}/portfolio
func (s *Service) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	playerID, ok := resolvePlayer(r)
	if !ok {
		writeError(w, "cannot view another player's portfolio", http.StatusForbidden)
		return
	}
	p, err := s.engine.GetPortfolio(r.Context(), chi.URLParam(r, "gameID"), playerID)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	if p.Positions == nil {
		p.Positions = []model.PositionView{}
	}
	writeJSON(w, http.StatusOK, p)
}
