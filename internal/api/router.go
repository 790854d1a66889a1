package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Routes returns the HTTP handler for the API and the websocket endpoint
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))

		r.Get("/health", h.GetHealth)
		r.Get("/flights/active", h.GetActiveFlights)
		r.Get("/flights/{id}", h.GetFlight)
		r.Get("/aircraft/{device}", h.GetAircraft)
		r.Post("/fixes", h.SubmitFixes)
		r.Post("/sweep", h.RunSweep)
	})

	if h.wsServer != nil {
		h.wsServer.SetMessageHandler(h)
		r.Get("/ws", h.wsServer.HandleConnection)
	}
	return r
}
