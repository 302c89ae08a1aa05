package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/blooma/blooma/app/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Repository is the storage contract for the append-only credit ledger.
// Append and Consume are atomic units; BalanceOf observes a consistent
// snapshot. Implementations serialize per account, never across accounts.
type Repository interface {
	// Append inserts a transaction unless one with the same
	// (user, idempotency key) already exists. On collision it returns the
	// existing row and created=false; a collision is not an error.
	Append(ctx context.Context, tx *models.CreditTransaction) (*models.CreditTransaction, bool, error)

	// BalanceOf returns the sum of all committed transaction amounts.
	BalanceOf(ctx context.Context, userID uint) (int64, error)

	// Consume atomically checks balance >= amount and appends a negative
	// transaction in the same unit. Returns the stored row and the balance
	// after it. Fails with ErrInsufficientBalance when the check fails.
	Consume(ctx context.Context, userID uint, amount int64, reason, idempotencyKey string) (*models.CreditTransaction, int64, error)

	// ListByUser returns transactions newest first.
	ListByUser(ctx context.Context, userID uint, offset, limit int) ([]models.CreditTransaction, error)
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a ledger repository backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) Append(ctx context.Context, tx *models.CreditTransaction) (*models.CreditTransaction, bool, error) {
	if err := validateAmount(tx.Kind, tx.Amount); err != nil {
		return nil, false, err
	}
	if tx.IdempotencyKey == "" {
		return nil, false, errors.New("idempotency key is required")
	}

	res := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "user_id"},
			{Name: "idempotency_key"},
		},
		DoNothing: true,
	}).Create(tx)
	if res.Error != nil {
		return nil, false, fmt.Errorf("append credit transaction: %w", res.Error)
	}

	created := res.RowsAffected > 0
	var stored models.CreditTransaction
	if err := r.db.WithContext(ctx).
		Where("user_id = ? AND idempotency_key = ?", tx.UserID, tx.IdempotencyKey).
		First(&stored).Error; err != nil {
		return nil, false, fmt.Errorf("load credit transaction after append: %w", err)
	}
	return &stored, created, nil
}

func (r *gormRepository) BalanceOf(ctx context.Context, userID uint) (int64, error) {
	var balance int64
	err := r.db.WithContext(ctx).
		Model(&models.CreditTransaction{}).
		Where("user_id = ?", userID).
		Select("COALESCE(SUM(amount), 0)").
		Scan(&balance).Error
	if err != nil {
		return 0, fmt.Errorf("sum credit transactions: %w", err)
	}
	return balance, nil
}

func (r *gormRepository) Consume(ctx context.Context, userID uint, amount int64, reason, idempotencyKey string) (*models.CreditTransaction, int64, error) {
	if amount <= 0 {
		return nil, 0, ErrInvalidAmount
	}
	if idempotencyKey == "" {
		return nil, 0, errors.New("idempotency key is required")
	}

	var stored models.CreditTransaction
	var balance int64

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// The user row is the per-account serialization point. Locking it
		// keeps concurrent consumes for the same account strictly ordered
		// while different accounts proceed in parallel.
		var user models.User
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&user, userID).Error; err != nil {
			return fmt.Errorf("lock account %d: %w", userID, err)
		}

		// A retried consume with the same key must not spend twice.
		err := tx.Where("user_id = ? AND idempotency_key = ?", userID, idempotencyKey).
			First(&stored).Error
		if err == nil {
			return tx.Model(&models.CreditTransaction{}).
				Where("user_id = ?", userID).
				Select("COALESCE(SUM(amount), 0)").
				Scan(&balance).Error
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		if err := tx.Model(&models.CreditTransaction{}).
			Where("user_id = ?", userID).
			Select("COALESCE(SUM(amount), 0)").
			Scan(&balance).Error; err != nil {
			return err
		}
		if balance < amount {
			return ErrInsufficientBalance
		}

		row := models.CreditTransaction{
			UserID:         userID,
			Kind:           models.CreditKindConsumption,
			Amount:         -amount,
			IdempotencyKey: idempotencyKey,
			Description:    reason,
		}
		if err := tx.Create(&row).Error; err != nil {
			return fmt.Errorf("append consumption: %w", err)
		}
		stored = row
		balance -= amount
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return &stored, balance, nil
}

func (r *gormRepository) ListByUser(ctx context.Context, userID uint, offset, limit int) ([]models.CreditTransaction, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var rows []models.CreditTransaction
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC, id DESC").
		Offset(offset).
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

func validateAmount(kind string, amount int64) error {
	switch kind {
	case models.CreditKindGrant, models.CreditKindRefund:
		if amount <= 0 {
			return fmt.Errorf("%w: %s must be positive", ErrInvalidAmount, kind)
		}
	case models.CreditKindConsumption:
		if amount >= 0 {
			return fmt.Errorf("%w: consumption must be negative", ErrInvalidAmount)
		}
	case models.CreditKindAdjustment:
		if amount == 0 {
			return fmt.Errorf("%w: adjustment must be non-zero", ErrInvalidAmount)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidAmount, kind)
	}
	return nil
}
