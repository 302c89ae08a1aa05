package controllers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"

	"github.com/blooma/blooma/app/models"
	"github.com/blooma/blooma/internal/pkg/ledger"
	"github.com/blooma/blooma/internal/pkg/storage"
	"github.com/blooma/blooma/internal/pkg/usercontext"
)

type fakeLedgerRepo struct {
	mu   sync.Mutex
	rows []models.CreditTransaction
	next uint64
}

func (r *fakeLedgerRepo) Append(ctx context.Context, tx *models.CreditTransaction) (*models.CreditTransaction, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.rows {
		if r.rows[i].UserID == tx.UserID && r.rows[i].IdempotencyKey == tx.IdempotencyKey {
			return &r.rows[i], false, nil
		}
	}
	r.next++
	stored := *tx
	stored.ID = fmt.Sprintf("tx-%d", r.next)
	r.rows = append(r.rows, stored)
	return &r.rows[len(r.rows)-1], true, nil
}

func (r *fakeLedgerRepo) BalanceOf(ctx context.Context, userID uint) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.balanceLocked(userID), nil
}

func (r *fakeLedgerRepo) balanceLocked(userID uint) int64 {
	var sum int64
	for _, row := range r.rows {
		if row.UserID == userID {
			sum += row.Amount
		}
	}
	return sum
}

func (r *fakeLedgerRepo) Consume(ctx context.Context, userID uint, amount int64, reason, idempotencyKey string) (*models.CreditTransaction, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.rows {
		if r.rows[i].UserID == userID && r.rows[i].IdempotencyKey == idempotencyKey {
			return &r.rows[i], r.balanceLocked(userID), nil
		}
	}
	if r.balanceLocked(userID) < amount {
		return nil, 0, ledger.ErrInsufficientBalance
	}
	r.rows = append(r.rows, models.CreditTransaction{
		UserID:         userID,
		Kind:           models.CreditKindConsumption,
		Amount:         -amount,
		IdempotencyKey: idempotencyKey,
		Description:    reason,
	})
	return &r.rows[len(r.rows)-1], r.balanceLocked(userID), nil
}

func (r *fakeLedgerRepo) ListByUser(ctx context.Context, userID uint, offset, limit int) ([]models.CreditTransaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.CreditTransaction
	for _, row := range r.rows {
		if row.UserID == userID {
			out = append(out, row)
		}
	}
	return out, nil
}

type fakeFrameStore struct {
	failPut bool
	puts    int
}

func (s *fakeFrameStore) PutFrame(ctx context.Context, objectKey, contentType string, data []byte) (*storage.UploadResult, error) {
	s.puts++
	if s.failPut {
		return nil, errors.New("bucket rejected the object")
	}
	return &storage.UploadResult{
		BucketName:  "blooma-frames",
		ObjectKey:   objectKey,
		Size:        int64(len(data)),
		ContentType: contentType,
	}, nil
}

func (s *fakeFrameStore) DeleteFrame(ctx context.Context, objectKey string) error { return nil }

func (s *fakeFrameStore) FrameExists(ctx context.Context, objectKey string) (bool, error) {
	return false, nil
}

func newFrameApp(userID uint) *fiber.App {
	app := fiber.New()
	app.Use(func(c *fiber.Ctx) error {
		if userID != 0 {
			c.Locals("USER_CONTEXT", usercontext.UserContext{
				UserID:     userID,
				Username:   "maya",
				IsLoggedIn: true,
			})
		}
		return c.Next()
	})
	app.Post("/frames", HandleFrameUpload)
	return app
}

func frameRequest(t *testing.T, reference, cost string) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	part, err := mw.CreateFormFile("frame", "scene-01.png")
	assert.NoError(t, err)
	_, err = part.Write([]byte("not really a png"))
	assert.NoError(t, err)
	assert.NoError(t, mw.WriteField("reference", reference))
	if cost != "" {
		assert.NoError(t, mw.WriteField("cost", cost))
	}
	assert.NoError(t, mw.Close())
	return body, mw.FormDataContentType()
}

func setupFramePipeline(t *testing.T, startingCredits int64) (*fakeLedgerRepo, *fakeFrameStore) {
	t.Helper()
	repo := &fakeLedgerRepo{}
	store := &fakeFrameStore{}
	svc := ledger.NewService(repo, nil)
	SetServicesForTest(svc, nil, nil)
	SetFrameStoreForTest(store, &storage.Config{BucketName: "blooma-frames", Enabled: true})
	if startingCredits > 0 {
		_, _, err := svc.Append(context.Background(), &models.CreditTransaction{
			UserID:         7,
			Kind:           models.CreditKindGrant,
			Amount:         startingCredits,
			IdempotencyKey: "grant:test:setup",
		})
		assert.NoError(t, err)
	}
	return repo, store
}

func TestFrameUploadConsumesAndStores(t *testing.T) {
	repo, store := setupFramePipeline(t, 100)
	app := newFrameApp(7)

	body, contentType := frameRequest(t, "frame-abc", "10")
	req := httptest.NewRequest("POST", "/frames", body)
	req.Header.Set("Content-Type", contentType)
	resp, err := app.Test(req)
	assert.NoError(t, err)
	assert.Equal(t, fiber.StatusCreated, resp.StatusCode)

	var payload struct {
		ObjectKey string `json:"object_key"`
		Balance   int64  `json:"balance"`
	}
	assert.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	assert.Contains(t, payload.ObjectKey, "frames/")
	assert.Equal(t, int64(90), payload.Balance)
	assert.Equal(t, 1, store.puts)

	balance, err := repo.BalanceOf(context.Background(), 7)
	assert.NoError(t, err)
	assert.Equal(t, int64(90), balance)
}

func TestFrameUploadInsufficientCredits(t *testing.T) {
	_, store := setupFramePipeline(t, 5)
	app := newFrameApp(7)

	body, contentType := frameRequest(t, "frame-poor", "10")
	req := httptest.NewRequest("POST", "/frames", body)
	req.Header.Set("Content-Type", contentType)
	resp, err := app.Test(req)
	assert.NoError(t, err)
	assert.Equal(t, fiber.StatusPaymentRequired, resp.StatusCode)
	assert.Equal(t, 0, store.puts)
}

func TestFrameUploadRefundsOnStorageFailure(t *testing.T) {
	repo, store := setupFramePipeline(t, 100)
	store.failPut = true
	app := newFrameApp(7)

	body, contentType := frameRequest(t, "frame-fail", "10")
	req := httptest.NewRequest("POST", "/frames", body)
	req.Header.Set("Content-Type", contentType)
	resp, err := app.Test(req)
	assert.NoError(t, err)
	assert.Equal(t, fiber.StatusBadGateway, resp.StatusCode)

	// The consumption and its refund both stay in the log; the balance nets out.
	balance, err := repo.BalanceOf(context.Background(), 7)
	assert.NoError(t, err)
	assert.Equal(t, int64(100), balance)

	rows, err := repo.ListByUser(context.Background(), 7, 0, 50)
	assert.NoError(t, err)
	assert.Len(t, rows, 3)
}

func TestFrameUploadRetrySameReference(t *testing.T) {
	repo, _ := setupFramePipeline(t, 100)
	app := newFrameApp(7)

	for i := 0; i < 2; i++ {
		body, contentType := frameRequest(t, "frame-retry", "10")
		req := httptest.NewRequest("POST", "/frames", body)
		req.Header.Set("Content-Type", contentType)
		resp, err := app.Test(req)
		assert.NoError(t, err)
		assert.Equal(t, fiber.StatusCreated, resp.StatusCode)
	}

	balance, err := repo.BalanceOf(context.Background(), 7)
	assert.NoError(t, err)
	assert.Equal(t, int64(90), balance)
}

// Pricing is server-side; a cost field in the form must not change what is
// consumed.
func TestFrameUploadIgnoresClientCost(t *testing.T) {
	repo, _ := setupFramePipeline(t, 100)
	app := newFrameApp(7)

	body, contentType := frameRequest(t, "frame-cheap", "1")
	req := httptest.NewRequest("POST", "/frames", body)
	req.Header.Set("Content-Type", contentType)
	resp, err := app.Test(req)
	assert.NoError(t, err)
	assert.Equal(t, fiber.StatusCreated, resp.StatusCode)

	balance, err := repo.BalanceOf(context.Background(), 7)
	assert.NoError(t, err)
	assert.Equal(t, int64(90), balance)
}

func TestFrameUploadRequiresAuth(t *testing.T) {
	setupFramePipeline(t, 100)
	app := newFrameApp(0)

	body, contentType := frameRequest(t, "frame-anon", "10")
	req := httptest.NewRequest("POST", "/frames", body)
	req.Header.Set("Content-Type", contentType)
	resp, err := app.Test(req)
	assert.NoError(t, err)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
}
