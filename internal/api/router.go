// Copyright (c) 2025, the Till contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package api

import (
	"database/sql"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tillhq/licensed/internal/api/handlers"
	apimiddleware "github.com/tillhq/licensed/internal/api/middleware"
	"github.com/tillhq/licensed/internal/auth"
	"github.com/tillhq/licensed/internal/config"
	"github.com/tillhq/licensed/internal/metrics"
	"github.com/tillhq/licensed/internal/services"
	"github.com/tillhq/licensed/internal/web/swagger"
)

// Dependencies holds everything the router needs to serve requests.
type Dependencies struct {
	Config         *config.AppConfig
	DB             *sql.DB
	AuthService    *auth.Service
	LicenseService *services.LicenseService
	MetricsManager *metrics.Manager
	SwaggerHandler *swagger.Handler
}

// NewRouter creates and configures the main application router.
func NewRouter(deps *Dependencies) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(apimiddleware.HTTPLogger)
	r.Use(middleware.Compress(5))

	authHandler := handlers.NewAuthHandler(deps.AuthService, deps.LicenseService)
	licenseHandler := handlers.NewLicenseHandler(deps.LicenseService)
	deviceHandler := handlers.NewDeviceHandler(deps.LicenseService)

	r.Route("/api", func(r chi.Router) {
		r.Use(apimiddleware.CORS)

		// Account routes use cookie sessions; the POS terminal talks to
		// the license routes below with bearer tokens instead.
		r.Route("/auth", func(r chi.Router) {
			r.Post("/register", authHandler.Register)
			r.Post("/login", authHandler.Login)

			r.Group(func(r chi.Router) {
				r.Use(apimiddleware.RequireSession(deps.AuthService))

				r.Post("/logout", authHandler.Logout)
				r.Get("/me", authHandler.GetCurrentUser)
				r.Put("/change-password", authHandler.ChangePassword)
			})
		})

		r.Group(func(r chi.Router) {
			r.Use(apimiddleware.RequireSession(deps.AuthService))

			r.Route("/tokens", func(r chi.Router) {
				r.Get("/", authHandler.ListTokens)
				r.Post("/", authHandler.CreateToken)
				r.Delete("/{id}", authHandler.DeleteToken)
			})
		})

		r.Route("/license", func(r chi.Router) {
			r.Use(apimiddleware.RequireClientVersion(deps.Config.Config.Licensing.MinClientVersion))
			r.Use(apimiddleware.RequireBearer(deps.AuthService))

			r.Get("/validate", licenseHandler.Validate)
			r.Post("/validate", licenseHandler.Validate)
			r.Post("/activate", licenseHandler.Activate)
		})

		// Device unbinding authenticates with account credentials in the
		// body so it works from a terminal that lost its token. Rate
		// limited to slow down credential stuffing.
		r.Route("/device", func(r chi.Router) {
			r.Use(apimiddleware.RateLimitPerIP(deps.Config.Config.Licensing.ResetRatePerMin))

			r.Post("/reset", deviceHandler.Reset)
			r.Post("/transfer", deviceHandler.Transfer)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})

	if deps.MetricsManager != nil && deps.Config.Config.MetricsEnabled {
		r.Get("/metrics", promhttp.HandlerFor(deps.MetricsManager.GetRegistry(), promhttp.HandlerOpts{}).ServeHTTP)
	}

	if deps.SwaggerHandler != nil {
		deps.SwaggerHandler.RegisterRoutes(r)
	}

	return r
}
