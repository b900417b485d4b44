package notify_test

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/atmx/market-game/internal/notify"
)

func httpHandler(hub *notify.WSHub) http.Handler {
	r := chi.NewRouter()
	r.Get("/ws", hub.HandleWS)
	return r
}
