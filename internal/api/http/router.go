package http

import (
	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/account-service/internal/api/http/handlers"
	"github.com/spec-kit/account-service/internal/auth"
)

// RouteConfig bundles dependencies for route registration.
type RouteConfig struct {
	Health         *handlers.HealthHandler
	Accounts       *handlers.AccountsHandler
	AuthMiddleware *auth.AuthMiddleware
}

// RegisterRoutes wires HTTP routes.
func RegisterRoutes(app *fiber.App, cfg RouteConfig) {
	app.Get("/health/live", cfg.Health.Live)
	app.Get("/health/ready", cfg.Health.Ready)

	v1 := app.Group("/api/v1")
	v1.Post("/register", cfg.Accounts.Register)
	v1.Post("/login", cfg.Accounts.Login)
	v1.Get("/logout", cfg.Accounts.Logout)
	v1.Post("/password/forgot", cfg.Accounts.ForgotPassword)
	v1.Put("/password/reset/:token", cfg.Accounts.ResetPassword)

	protected := v1.Group("", cfg.AuthMiddleware.Handle)
	protected.Get("/me", cfg.Accounts.GetProfile)
	protected.Put("/me/update", cfg.Accounts.UpdateProfile)
	protected.Put("/password/update", cfg.Accounts.UpdatePassword)
}
