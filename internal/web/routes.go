package web

import (
	"github.com/go-chi/chi/v5"
	"github.com/kozaktomas/face-auth/internal/web/handlers"
	"github.com/kozaktomas/face-auth/internal/web/middleware"
)

func (s *Server) setupRoutes() {
	o := s.opts

	authHandler := handlers.NewAuthHandler(o.Service, o.Tokens, o.Denylist, o.Frames, o.Log, s.config.Server.SecureCookies)
	identitiesHandler := handlers.NewIdentitiesHandler(o.Service, o.Frames, o.Log)
	healthHandler := handlers.NewHealthHandler(o.Service, o.Checks, o.Log)

	// Health check (no auth required)
	s.router.Get("/api/v1/health", healthHandler.Health)

	s.router.Route("/api/v1", func(r chi.Router) {
		// Face capture endpoints are expensive, limit them per client
		r.Group(func(r chi.Router) {
			r.Use(s.limiter.Middleware)
			r.Post("/register", authHandler.Register)
			r.Post("/login", authHandler.Login)
			r.Post("/identify", authHandler.Identify)
		})

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireToken(o.Tokens, o.Denylist, o.Log))

			r.Get("/me", authHandler.Me)
			r.Post("/logout", authHandler.Logout)

			r.Get("/identities", identitiesHandler.List)
			r.Put("/identities/{faceID}/enrollment", identitiesHandler.Reenroll)
			r.Delete("/identities/{faceID}", identitiesHandler.Delete)
		})
	})
}
