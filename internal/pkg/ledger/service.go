package ledger

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/blooma/blooma/app/models"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

const (
	balanceCacheKeyPrefix = "credits:balance:"
	balanceCacheTTL       = 5 * time.Minute
)

// Service wraps the ledger repository with a Redis balance cache. The cache
// is a derived view: it is dropped on every committed write and re-filled
// from the transaction log, never the other way around.
type Service struct {
	repo  Repository
	cache *redis.Client
}

// NewService creates a ledger service from an injected repository. The cache
// client may be nil; every read then goes to the log directly.
func NewService(repo Repository, cache *redis.Client) *Service {
	return &Service{repo: repo, cache: cache}
}

// NewServiceFromDB creates a ledger service from a GORM DB handle.
func NewServiceFromDB(db *gorm.DB, cache *redis.Client) *Service {
	return NewService(NewRepository(db), cache)
}

func balanceCacheKey(userID uint) string {
	return balanceCacheKeyPrefix + strconv.FormatUint(uint64(userID), 10)
}

// Append writes a transaction through to the log and invalidates the cached
// balance. Collisions on the idempotency key return the existing row with
// created=false.
func (s *Service) Append(ctx context.Context, tx *models.CreditTransaction) (*models.CreditTransaction, bool, error) {
	stored, created, err := s.repo.Append(ctx, tx)
	if err != nil {
		return nil, false, err
	}
	if created {
		s.invalidateBalance(ctx, tx.UserID)
	}
	return stored, created, nil
}

// BalanceOf returns the account balance, serving from cache when possible.
func (s *Service) BalanceOf(ctx context.Context, userID uint) (int64, error) {
	if s.cache != nil {
		if v, err := s.cache.Get(ctx, balanceCacheKey(userID)).Int64(); err == nil {
			return v, nil
		}
	}

	balance, err := s.repo.BalanceOf(ctx, userID)
	if err != nil {
		return 0, err
	}
	if s.cache != nil {
		if err := s.cache.Set(ctx, balanceCacheKey(userID), balance, balanceCacheTTL).Err(); err != nil {
			log.Printf("ledger: balance cache set failed for user %d: %v", userID, err)
		}
	}
	return balance, nil
}

// Consume atomically spends credits. The reference makes retries safe: a
// caller that timed out re-invokes with the same reference and gets the
// original row back instead of a double spend.
func (s *Service) Consume(ctx context.Context, userID uint, amount int64, reason, reference string) (*models.CreditTransaction, int64, error) {
	key := "consume:" + reference
	tx, balance, err := s.repo.Consume(ctx, userID, amount, reason, key)
	if err != nil {
		return nil, 0, err
	}
	s.invalidateBalance(ctx, userID)
	return tx, balance, nil
}

// Refund returns previously consumed credits, keyed to the consumption
// reference so a retried refund cannot double-credit.
func (s *Service) Refund(ctx context.Context, userID uint, amount int64, reason, reference string) (*models.CreditTransaction, bool, error) {
	if amount <= 0 {
		return nil, false, ErrInvalidAmount
	}
	stored, created, err := s.Append(ctx, &models.CreditTransaction{
		UserID:         userID,
		Kind:           models.CreditKindRefund,
		Amount:         amount,
		IdempotencyKey: "refund:" + reference,
		Description:    reason,
	})
	if err != nil {
		return nil, false, fmt.Errorf("refund for user %d: %w", userID, err)
	}
	return stored, created, nil
}

// ListTransactions returns the account's ledger history, newest first.
func (s *Service) ListTransactions(ctx context.Context, userID uint, offset, limit int) ([]models.CreditTransaction, error) {
	return s.repo.ListByUser(ctx, userID, offset, limit)
}

func (s *Service) invalidateBalance(ctx context.Context, userID uint) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Del(ctx, balanceCacheKey(userID)).Err(); err != nil {
		log.Printf("ledger: balance cache invalidation failed for user %d: %v", userID, err)
	}
}
