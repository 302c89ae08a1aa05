package accountsync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/markbates/goth"
	"gorm.io/gorm"

	"github.com/blooma/blooma/app/models"
	"github.com/blooma/blooma/app/repository"
	"github.com/blooma/blooma/internal/pkg/utils"
)

// WelcomeBonusCredits is granted once per account on first sign-in.
const WelcomeBonusCredits = 100

// ErrIncompleteIdentity is returned when the provider identity lacks the
// fields needed to map it to a local account.
var ErrIncompleteIdentity = errors.New("identity missing provider, subject or email")

// Ledger is the slice of the credit ledger account sync writes through.
type Ledger interface {
	Append(ctx context.Context, tx *models.CreditTransaction) (*models.CreditTransaction, bool, error)
}

// Service maps authenticated provider identities onto local user rows.
// Authentication itself happens upstream (goth); this only mirrors the
// verified result.
type Service struct {
	users  repository.UserRepository
	ledger Ledger
}

// NewService creates an account sync service.
func NewService(users repository.UserRepository, led Ledger) *Service {
	return &Service{users: users, ledger: led}
}

// WelcomeBonusKey derives the one-per-account idempotency key for the
// sign-up grant.
func WelcomeBonusKey(userID uint) string {
	return fmt.Sprintf("welcome_bonus:%d", userID)
}

// EnsureUser resolves a verified identity to a local user, creating the row
// on first sight. Lookup order: provider subject, then email (links accounts
// that signed in through a different provider earlier), then create. The
// welcome grant goes through the ledger with a fixed key, so re-running sync
// for the same account never grants twice.
func (s *Service) EnsureUser(ctx context.Context, identity goth.User) (*models.User, error) {
	provider := strings.ToLower(strings.TrimSpace(identity.Provider))
	subject := strings.TrimSpace(identity.UserID)
	email := strings.ToLower(strings.TrimSpace(identity.Email))
	if provider == "" || subject == "" || email == "" {
		return nil, ErrIncompleteIdentity
	}

	user, err := s.users.GetByProviderSubject(provider, subject)
	switch {
	case err == nil:
		return s.refresh(ctx, user, identity)
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return nil, fmt.Errorf("lookup by provider subject: %w", err)
	}

	user, err = s.users.GetByEmail(email)
	switch {
	case err == nil:
		// Same mailbox, new provider: adopt the mapping.
		user.Provider = provider
		user.ExternalID = subject
		return s.refresh(ctx, user, identity)
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return nil, fmt.Errorf("lookup by email: %w", err)
	}

	avatar := strings.TrimSpace(identity.AvatarURL)
	if avatar == "" {
		avatar = utils.GetGravatarURL(email, 200)
	}
	user = &models.User{
		Provider:   provider,
		ExternalID: subject,
		Name:       strings.TrimSpace(identity.Name),
		Email:      email,
		AvatarURL:  avatar,
		Role:       models.ROLE_USER,
		Status:     models.STATUS_ACTIVE,
	}
	if err := user.Validate(); err != nil {
		return nil, fmt.Errorf("invalid identity for %s/%s: %w", provider, subject, err)
	}
	if err := s.users.Create(user); err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}

	s.grantWelcomeBonus(ctx, user.ID)

	now := time.Now()
	user.LastLoginAt = &now
	if err := s.users.Update(user); err != nil {
		log.Printf("accountsync: update last login for user %d: %v", user.ID, err)
	}
	return user, nil
}

// refresh keeps the mirrored profile fields current on every sign-in. It also
// retries the welcome grant; the fixed idempotency key makes that a no-op for
// accounts that already received it.
func (s *Service) refresh(ctx context.Context, user *models.User, identity goth.User) (*models.User, error) {
	s.grantWelcomeBonus(ctx, user.ID)
	if name := strings.TrimSpace(identity.Name); name != "" {
		user.Name = name
	}
	if avatar := strings.TrimSpace(identity.AvatarURL); avatar != "" {
		user.AvatarURL = avatar
	}
	now := time.Now()
	user.LastLoginAt = &now
	if err := s.users.Update(user); err != nil {
		return nil, fmt.Errorf("update user %d: %w", user.ID, err)
	}
	return user, nil
}

func (s *Service) grantWelcomeBonus(ctx context.Context, userID uint) {
	_, created, err := s.ledger.Append(ctx, &models.CreditTransaction{
		UserID:         userID,
		Kind:           models.CreditKindGrant,
		Amount:         WelcomeBonusCredits,
		IdempotencyKey: WelcomeBonusKey(userID),
		Description:    "welcome bonus",
	})
	if err != nil {
		// The account exists either way; the grant retries on next sign-in.
		log.Printf("accountsync: welcome bonus for user %d: %v", userID, err)
		return
	}
	if created {
		log.Printf("accountsync: granted welcome bonus to user %d", userID)
	}
}
