package controllers

import (
	"errors"
	"io"
	"log"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/blooma/blooma/internal/pkg/env"
	"github.com/blooma/blooma/internal/pkg/ledger"
	"github.com/blooma/blooma/internal/pkg/storage"
	"github.com/blooma/blooma/internal/pkg/usercontext"
)

// defaultFrameCost is the credit price of storing one rendered frame.
const defaultFrameCost = 10

// frameCost is the server-side price of a frame. It is never read from the
// request; clients cannot price their own consumption.
func frameCost() int64 {
	raw := env.GetEnv("FRAME_CREDIT_COST", "")
	if raw == "" {
		return defaultFrameCost
	}
	cost, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || cost <= 0 {
		return defaultFrameCost
	}
	return cost
}

var (
	frameStoreOnce sync.Once
	frameStore     storage.FrameStore
	frameConfig    *storage.Config
)

func getFrameStore() (storage.FrameStore, *storage.Config, error) {
	var initErr error
	frameStoreOnce.Do(func() {
		cfg, err := storage.LoadConfig()
		if err != nil {
			initErr = err
			return
		}
		client, err := storage.NewClient(cfg)
		if err != nil {
			initErr = err
			return
		}
		frameStore = client
		frameConfig = cfg
	})
	if initErr != nil {
		return nil, nil, initErr
	}
	if frameStore == nil {
		return nil, nil, errors.New("frame storage unavailable")
	}
	return frameStore, frameConfig, nil
}

// SetFrameStoreForTest overrides the frame store (tests only)
func SetFrameStoreForTest(store storage.FrameStore, cfg *storage.Config) {
	frameStoreOnce.Do(func() {})
	frameStore = store
	frameConfig = cfg
}

// HandleFrameUpload stores one rendered storyboard frame. Credits are spent
// first in their own transaction; the S3 upload happens outside any ledger
// lock, and a failed upload refunds the consumption under the same reference.
func HandleFrameUpload(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)
	if !userCtx.IsLoggedIn {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Missing or invalid authentication"})
	}

	fileHeader, err := c.FormFile("frame")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": "Missing frame file"})
	}
	reference := strings.TrimSpace(c.FormValue("reference"))
	if reference == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": "Missing reference"})
	}
	cost := frameCost()

	file, err := fileHeader.Open()
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": "Unreadable frame file"})
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": "Unreadable frame file"})
	}

	store, cfg, err := getFrameStore()
	if err != nil {
		log.Printf("frame upload: storage unavailable: %v", err)
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "service_unavailable", "message": "Frame storage unavailable"})
	}

	ledgerSvc := GetLedgerService()
	tx, balance, err := ledgerSvc.Consume(c.Context(), userCtx.UserID, cost, "frame render", reference)
	if err != nil {
		if errors.Is(err, ledger.ErrInsufficientBalance) {
			return c.Status(fiber.StatusPaymentRequired).JSON(fiber.Map{"error": "insufficient_credits", "message": "Not enough credits"})
		}
		log.Printf("frame upload: consume failed for user %d: %v", userCtx.UserID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Credit consumption failed"})
	}

	ext := strings.ToLower(filepath.Ext(fileHeader.Filename))
	now := time.Now().UTC()
	objectKey := cfg.FrameObjectKey(uuid.NewString(), ext, now.Year(), int(now.Month()))

	result, err := store.PutFrame(c.Context(), objectKey, storage.ContentTypeForExt(ext), data)
	if err != nil {
		log.Printf("frame upload: S3 put failed for user %d, refunding %d credits: %v", userCtx.UserID, cost, err)
		if _, _, refundErr := ledgerSvc.Refund(c.Context(), userCtx.UserID, cost, "frame upload failed", reference); refundErr != nil {
			log.Printf("frame upload: refund failed for user %d reference %s: %v", userCtx.UserID, reference, refundErr)
		}
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "upload_failed", "message": "Frame storage rejected the upload, credits refunded"})
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"object_key":     result.ObjectKey,
		"size":           result.Size,
		"content_type":   result.ContentType,
		"transaction_id": tx.ID,
		"balance":        balance,
	})
}
