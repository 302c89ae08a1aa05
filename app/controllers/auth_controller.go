package controllers

import (
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	gothfiber "github.com/shareed2k/goth_fiber"

	"github.com/blooma/blooma/app/models"
	"github.com/blooma/blooma/internal/pkg/session"
	"github.com/blooma/blooma/internal/pkg/usercontext"
)

// HandleAuthProvider starts the provider OAuth flow
func HandleAuthProvider(c *fiber.Ctx) error {
	return gothfiber.BeginAuthHandler(c)
}

// HandleOAuthCallback completes the provider flow and logs the user in
func HandleOAuthCallback(c *fiber.Ctx) error {
	// Complete OAuth with provider and obtain unified user
	identity, err := gothfiber.CompleteUserAuth(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).SendString(fmt.Sprintf("OAuth failed: %v", err))
	}

	user, err := GetAccountSyncService().EnsureUser(c.Context(), identity)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).SendString(fmt.Sprintf("account sync failed: %v", err))
	}
	if !user.IsActive() {
		return c.Status(fiber.StatusForbidden).SendString("account disabled")
	}

	// Create app session
	sess, err := session.GetSessionStore().Get(c)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).SendString("session init failed")
	}
	sess.Set(usercontext.AuthKey, true)
	sess.Set(usercontext.KeyUserID, user.ID)
	sess.Set(usercontext.KeyUsername, user.Name)
	sess.Set(usercontext.KeyIsAdmin, user.Role == models.ROLE_ADMIN)
	if err := sess.Save(); err != nil {
		return c.Status(fiber.StatusInternalServerError).SendString("session save failed")
	}

	// Cache the plan for the navbar/entitlement checks
	if ent, err := GetBillingService().CurrentEntitlement(c.Context(), user.ID, time.Now()); err == nil {
		_ = session.SetSessionValue(c, "user_plan", string(ent.Plan))
	}

	return c.Redirect("/", fiber.StatusSeeOther)
}

// HandleLogout drops the app session
func HandleLogout(c *fiber.Ctx) error {
	_ = gothfiber.Logout(c)
	if err := session.DestroySession(c); err != nil {
		return c.Status(fiber.StatusInternalServerError).SendString("logout failed")
	}
	return c.Redirect("/", fiber.StatusSeeOther)
}
