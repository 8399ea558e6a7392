package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/vetting-api/internal/config"
	"github.com/noah-isme/vetting-api/internal/handler"
	"github.com/noah-isme/vetting-api/internal/middleware"
)

// Dependencies groups router dependencies for registration.
type Dependencies struct {
	VettingHandler   *handler.VettingHandler
	SkillFlowHandler *handler.SkillFlowHandler
	ActivityHandler  *handler.ActivityHandler
	ReviewHandler    *handler.ReviewHandler
	JWTMiddleware    fiber.Handler
	MetricsHandler   fiber.Handler
}

// Register wires the HTTP routes into the fiber application.
func Register(app *fiber.App, cfg config.Config, deps Dependencies) {
	if deps.MetricsHandler != nil {
		app.Get("/metrics", deps.MetricsHandler)
	}

	api := app.Group("/api/v1", func(c *fiber.Ctx) error {
		c.Set("X-Application", cfg.AppName)
		return c.Next()
	})
	api.Get("/health", handler.HealthCheck(cfg))

	// Use provided JWT middleware, or a no-op if nil
	jwtMiddleware := deps.JWTMiddleware
	if jwtMiddleware == nil {
		jwtMiddleware = func(c *fiber.Ctx) error { return c.Next() }
	}
	applicantOnly := middleware.WithAuth(func(c *fiber.Ctx) error { return c.Next() }, middleware.AuthOptions{Role: middleware.AuthRoleApplicant})

	// Applicant pipeline
	vetting := api.Group("/vetting", jwtMiddleware, applicantOnly)
	vetting.Use("/identity", middleware.RateLimit("identity", cfg.IdentityRateLimit, cfg.IdentityRateWindow))
	if deps.VettingHandler != nil {
		deps.VettingHandler.Register(vetting)
	}
	if deps.SkillFlowHandler != nil {
		deps.SkillFlowHandler.Register(vetting.Group("/skill-test"))
	}
	if deps.ActivityHandler != nil {
		deps.ActivityHandler.Register(vetting)
	}

	// Reviewer tools
	if deps.ReviewHandler != nil {
		review := api.Group("/review", jwtMiddleware, middleware.RequireRole(middleware.RoleReviewer))
		deps.ReviewHandler.Register(review)
	}
}
