package controllers

import (
	"strings"
	"sync"

	"github.com/gofiber/fiber/v2"

	"github.com/blooma/blooma/app/repository"
	"github.com/blooma/blooma/internal/pkg/accountsync"
	"github.com/blooma/blooma/internal/pkg/billing"
	"github.com/blooma/blooma/internal/pkg/cache"
	"github.com/blooma/blooma/internal/pkg/database"
	"github.com/blooma/blooma/internal/pkg/ledger"
	"github.com/blooma/blooma/internal/pkg/usercontext"
)

var (
	serviceOnce    sync.Once
	ledgerService  *ledger.Service
	billingService *billing.Service
	syncService    *accountsync.Service
)

func initServices() {
	serviceOnce.Do(func() {
		db := database.GetDB()
		ledgerService = ledger.NewServiceFromDB(db, cache.GetClient())
		billingService = billing.NewServiceFromDB(db, ledgerService)
		syncService = accountsync.NewService(repository.GetGlobalFactory().GetUserRepository(), ledgerService)
	})
}

// GetLedgerService returns the shared ledger service
func GetLedgerService() *ledger.Service {
	initServices()
	return ledgerService
}

// GetBillingService returns the shared billing service
func GetBillingService() *billing.Service {
	initServices()
	return billingService
}

// GetAccountSyncService returns the shared account sync service
func GetAccountSyncService() *accountsync.Service {
	initServices()
	return syncService
}

// SetServicesForTest overrides the shared services (tests only)
func SetServicesForTest(led *ledger.Service, bill *billing.Service, sync *accountsync.Service) {
	serviceOnce.Do(func() {})
	ledgerService = led
	billingService = bill
	syncService = sync
}

func isLoggedIn(c *fiber.Ctx) bool {
	return usercontext.IsLoggedIn(c)
}

// GetClientIP determines the actual client IP address considering proxies
func GetClientIP(c *fiber.Ctx) string {
	if cfIP := strings.TrimSpace(c.Get("CF-Connecting-IP")); cfIP != "" {
		return cfIP
	}
	if xff := c.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		if len(parts) > 0 && strings.TrimSpace(parts[0]) != "" {
			return strings.TrimSpace(parts[0])
		}
	}
	return c.IP()
}
