package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	CreditKindGrant       = "grant"
	CreditKindConsumption = "consumption"
	CreditKindAdjustment  = "adjustment"
	CreditKindRefund      = "refund"
)

// CreditTransaction is one immutable row of the append-only credit ledger.
// The balance of an account is always the sum of its rows; there is no
// separately mutated counter. The (user_id, idempotency_key) unique index is
// what makes replayed billing events safe.
type CreditTransaction struct {
	ID             string    `gorm:"type:char(36);primaryKey" json:"id"`
	UserID         uint      `gorm:"not null;index;index:ux_credit_transactions_user_key,unique,priority:1" json:"user_id"`
	Kind           string    `gorm:"type:varchar(16);not null;index" json:"kind"`
	Amount         int64     `gorm:"not null" json:"amount"`
	IdempotencyKey string    `gorm:"type:varchar(191);not null;index:ux_credit_transactions_user_key,unique,priority:2" json:"idempotency_key"`
	Description    string    `gorm:"type:varchar(255);not null;default:''" json:"description"`
	PeriodRef      string    `gorm:"type:varchar(191);not null;default:'';index" json:"period_ref"`
	CreatedAt      time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}

func (t *CreditTransaction) BeforeCreate(tx *gorm.DB) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	return nil
}
