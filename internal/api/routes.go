package api

import (
	"github.com/go-chi/chi/v5"
)

// setupAPIRoutes sets up API v1 routes
func (s *Server) setupAPIRoutes(r chi.Router) {
	r.Get("/health", s.HandleHealth)

	if s.auth != nil {
		r.Post("/auth/token", s.HandleToken)
	}

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Get("/status", s.HandleStatus)
		r.Get("/methods", s.HandleMethods)
		if s.store != nil {
			r.Get("/events", s.HandleListEvents)
		}
	})
}
