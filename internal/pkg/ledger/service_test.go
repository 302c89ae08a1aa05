package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/blooma/blooma/app/models"
	"github.com/google/uuid"
)

// memRepository is an in-memory Repository used to test the service and the
// ledger invariants without a database. A single mutex stands in for the
// per-account row lock of the GORM implementation.
type memRepository struct {
	mu   sync.Mutex
	rows map[uint][]models.CreditTransaction
}

func newMemRepository() *memRepository {
	return &memRepository{rows: make(map[uint][]models.CreditTransaction)}
}

func (m *memRepository) findLocked(userID uint, key string) *models.CreditTransaction {
	for i := range m.rows[userID] {
		if m.rows[userID][i].IdempotencyKey == key {
			return &m.rows[userID][i]
		}
	}
	return nil
}

func (m *memRepository) sumLocked(userID uint) int64 {
	var sum int64
	for _, row := range m.rows[userID] {
		sum += row.Amount
	}
	return sum
}

func (m *memRepository) Append(ctx context.Context, tx *models.CreditTransaction) (*models.CreditTransaction, bool, error) {
	if err := validateAmount(tx.Kind, tx.Amount); err != nil {
		return nil, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing := m.findLocked(tx.UserID, tx.IdempotencyKey); existing != nil {
		out := *existing
		return &out, false, nil
	}
	stored := *tx
	stored.ID = uuid.NewString()
	stored.CreatedAt = time.Now()
	m.rows[tx.UserID] = append(m.rows[tx.UserID], stored)
	out := stored
	return &out, true, nil
}

func (m *memRepository) BalanceOf(ctx context.Context, userID uint) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sumLocked(userID), nil
}

func (m *memRepository) Consume(ctx context.Context, userID uint, amount int64, reason, key string) (*models.CreditTransaction, int64, error) {
	if amount <= 0 {
		return nil, 0, ErrInvalidAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing := m.findLocked(userID, key); existing != nil {
		out := *existing
		return &out, m.sumLocked(userID), nil
	}
	balance := m.sumLocked(userID)
	if balance < amount {
		return nil, 0, ErrInsufficientBalance
	}
	stored := models.CreditTransaction{
		ID:             uuid.NewString(),
		UserID:         userID,
		Kind:           models.CreditKindConsumption,
		Amount:         -amount,
		IdempotencyKey: key,
		Description:    reason,
		CreatedAt:      time.Now(),
	}
	m.rows[userID] = append(m.rows[userID], stored)
	out := stored
	return &out, balance - amount, nil
}

func (m *memRepository) ListByUser(ctx context.Context, userID uint, offset, limit int) ([]models.CreditTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rows := m.rows[userID]
	out := make([]models.CreditTransaction, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		out = append(out, rows[i])
	}
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func grant(t *testing.T, svc *Service, userID uint, amount int64, key string) {
	t.Helper()
	_, created, err := svc.Append(context.Background(), &models.CreditTransaction{
		UserID:         userID,
		Kind:           models.CreditKindGrant,
		Amount:         amount,
		IdempotencyKey: key,
	})
	if err != nil {
		t.Fatalf("grant failed: %v", err)
	}
	if !created {
		t.Fatalf("expected grant %q to be created", key)
	}
}

func TestAppend_IdempotencyCollisionReturnsExisting(t *testing.T) {
	svc := NewService(newMemRepository(), nil)
	ctx := context.Background()

	first, created, err := svc.Append(ctx, &models.CreditTransaction{
		UserID: 1, Kind: models.CreditKindGrant, Amount: 100, IdempotencyKey: "grant:small_brands:p1",
	})
	if err != nil || !created {
		t.Fatalf("first append: created=%v err=%v", created, err)
	}

	second, created, err := svc.Append(ctx, &models.CreditTransaction{
		UserID: 1, Kind: models.CreditKindGrant, Amount: 100, IdempotencyKey: "grant:small_brands:p1",
	})
	if err != nil {
		t.Fatalf("replayed append errored: %v", err)
	}
	if created {
		t.Fatalf("replayed append must not create a second row")
	}
	if second.ID != first.ID {
		t.Fatalf("replayed append returned a different row: %s != %s", second.ID, first.ID)
	}

	balance, err := svc.BalanceOf(ctx, 1)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance != 100 {
		t.Fatalf("balance = %d after replayed grant, want 100", balance)
	}
}

func TestAppend_RejectsWrongSign(t *testing.T) {
	svc := NewService(newMemRepository(), nil)
	ctx := context.Background()

	_, _, err := svc.Append(ctx, &models.CreditTransaction{
		UserID: 1, Kind: models.CreditKindGrant, Amount: -5, IdempotencyKey: "bad-grant",
	})
	if !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount for negative grant, got %v", err)
	}

	_, _, err = svc.Append(ctx, &models.CreditTransaction{
		UserID: 1, Kind: models.CreditKindConsumption, Amount: 5, IdempotencyKey: "bad-consume",
	})
	if !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount for positive consumption, got %v", err)
	}
}

func TestConsume_InsufficientBalance(t *testing.T) {
	svc := NewService(newMemRepository(), nil)
	ctx := context.Background()
	grant(t, svc, 1, 70, "grant:p1")

	if _, _, err := svc.Consume(ctx, 1, 80, "image", "req-1"); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}

	balance, _ := svc.BalanceOf(ctx, 1)
	if balance != 70 {
		t.Fatalf("failed consume must not change the balance, got %d", balance)
	}
}

func TestConsume_RetryWithSameReferenceIsSafe(t *testing.T) {
	svc := NewService(newMemRepository(), nil)
	ctx := context.Background()
	grant(t, svc, 1, 100, "grant:p1")

	first, balance, err := svc.Consume(ctx, 1, 30, "image", "req-42")
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if balance != 70 {
		t.Fatalf("balance after consume = %d, want 70", balance)
	}

	// Caller timed out and retries with the same reference.
	second, balance, err := svc.Consume(ctx, 1, 30, "image", "req-42")
	if err != nil {
		t.Fatalf("retried consume: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("retried consume created a new row")
	}
	if balance != 70 {
		t.Fatalf("retried consume changed the balance: %d", balance)
	}
}

func TestConsume_ConcurrentExhaustion(t *testing.T) {
	svc := NewService(newMemRepository(), nil)
	ctx := context.Background()
	grant(t, svc, 1, 100, "grant:p1")

	const workers = 8
	var wg sync.WaitGroup
	results := make(chan error, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, _, err := svc.Consume(ctx, 1, 100, "image", uuid.NewString())
			results <- err
		}(i)
	}
	wg.Wait()
	close(results)

	succeeded, insufficient := 0, 0
	for err := range results {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, ErrInsufficientBalance):
			insufficient++
		default:
			t.Fatalf("unexpected consume error: %v", err)
		}
	}
	if succeeded != 1 {
		t.Fatalf("exactly one concurrent consume may succeed against an exactly-exhausting balance, got %d", succeeded)
	}
	if insufficient != workers-1 {
		t.Fatalf("expected %d InsufficientBalance failures, got %d", workers-1, insufficient)
	}

	balance, _ := svc.BalanceOf(ctx, 1)
	if balance != 0 {
		t.Fatalf("balance = %d after exhaustion, want 0", balance)
	}
}

func TestBalanceEqualsSumOfLog(t *testing.T) {
	repo := newMemRepository()
	svc := NewService(repo, nil)
	ctx := context.Background()

	grant(t, svc, 7, 2000, "grant:small_brands:p1")
	if _, _, err := svc.Consume(ctx, 7, 250, "storyboard", "req-a"); err != nil {
		t.Fatalf("consume: %v", err)
	}
	if _, _, err := svc.Refund(ctx, 7, 250, "generation failed", "req-a"); err != nil {
		t.Fatalf("refund: %v", err)
	}
	grant(t, svc, 7, 5000, "grant:agency:p1-upgrade")

	rows, err := svc.ListTransactions(ctx, 7, 0, 50)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var sum int64
	for _, row := range rows {
		sum += row.Amount
	}

	balance, err := svc.BalanceOf(ctx, 7)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance != sum {
		t.Fatalf("balance %d drifted from log sum %d", balance, sum)
	}
	if balance != 7000 {
		t.Fatalf("balance = %d, want 7000", balance)
	}
}

func TestRefund_ReplayDoesNotDoubleCredit(t *testing.T) {
	svc := NewService(newMemRepository(), nil)
	ctx := context.Background()
	grant(t, svc, 1, 100, "grant:p1")

	if _, _, err := svc.Consume(ctx, 1, 40, "image", "req-9"); err != nil {
		t.Fatalf("consume: %v", err)
	}
	if _, created, err := svc.Refund(ctx, 1, 40, "upload failed", "req-9"); err != nil || !created {
		t.Fatalf("refund: created=%v err=%v", created, err)
	}
	if _, created, err := svc.Refund(ctx, 1, 40, "upload failed", "req-9"); err != nil || created {
		t.Fatalf("replayed refund: created=%v err=%v, want no-op", created, err)
	}

	balance, _ := svc.BalanceOf(ctx, 1)
	if balance != 100 {
		t.Fatalf("balance = %d after refund replay, want 100", balance)
	}
}
