package router

import (
	"github.com/blooma/blooma/app/controllers"
	"github.com/blooma/blooma/internal/pkg/middleware"
	"github.com/blooma/blooma/internal/pkg/oauth"
	"github.com/blooma/blooma/internal/pkg/session"

	"github.com/gofiber/fiber/v2"
)

type HttpRouter struct {
}

func (h HttpRouter) InstallRouter(app *fiber.App) {
	// init session
	session.NewSessionStore()

	// init oauth providers
	oauth.Setup()

	// Apply UserContext middleware globally as first middleware
	app.Use(middleware.UserContextMiddleware)

	// OAuth login flow
	app.Get("/auth/:provider", controllers.HandleAuthProvider)
	app.Get("/auth/:provider/callback", controllers.HandleOAuthCallback)
	app.Get("/logout", controllers.HandleLogout)
}

func NewHttpRouter() *HttpRouter {
	return &HttpRouter{}
}
