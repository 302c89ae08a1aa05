package apiv1

import (
	"github.com/gofiber/fiber/v2"

	"github.com/blooma/blooma/app/controllers"
	"github.com/blooma/blooma/internal/pkg/middleware"
)

// RegisterHandlers wires the versioned API surface onto the given group.
// Session auth is enforced at the route level; the webhook receiver lives
// outside v1 because it authenticates by signature instead.
func RegisterHandlers(router fiber.Router, s *APIServer) {
	router.Get("/ping", s.GetPing)

	router.Get("/user/entitlement", middleware.RequireAPISessionAuth, s.GetUserEntitlement)
	router.Post("/credits/consume", middleware.RequireAPISessionAuth, s.PostCreditsConsume)
	router.Get("/credits/transactions", middleware.RequireAPISessionAuth, s.GetCreditTransactions)
	router.Post("/frames", middleware.RequireAPISessionAuth, controllers.HandleFrameUpload)
}
