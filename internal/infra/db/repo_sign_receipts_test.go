//go:build integration
// +build integration

package db

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"trellis-signer/internal/domain"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func TestSignReceiptRepository_AppendAndList(t *testing.T) {
	db := setupTestDB(t)
	resetDB(t, db)
	repo := NewSignReceiptRepository(db)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	first, err := repo.Append(ctx, domain.SignReceipt{
		JobID:          "job-1",
		Worker:         "a1b2c3d4e5f6",
		Path:           "/resources/abc",
		SignatureType:  "transcription",
		Outcome:        domain.ReceiptSigned,
		SignatureCount: 1,
		CreatedAt:      base,
	})
	if err != nil {
		t.Fatalf("append first: %v", err)
	}
	if first.ID == "" {
		t.Fatal("expected id to be assigned")
	}
	if _, err := repo.Append(ctx, domain.SignReceipt{
		JobID:          "job-2",
		Worker:         "a1b2c3d4e5f6",
		Path:           "/resources/abc",
		SignatureType:  "transcription",
		Outcome:        domain.ReceiptSkipped,
		SignatureCount: 1,
		CreatedAt:      base.Add(time.Minute),
	}); err != nil {
		t.Fatalf("append second: %v", err)
	}
	if _, err := repo.Append(ctx, domain.SignReceipt{
		JobID:         "job-3",
		Worker:        "a1b2c3d4e5f6",
		Path:          "/resources/other",
		SignatureType: "transcription",
		Outcome:       domain.ReceiptFailed,
		Stage:         "fetch",
		Error:         "not found",
		CreatedAt:     base,
	}); err != nil {
		t.Fatalf("append other: %v", err)
	}

	got, err := repo.ListByPath(ctx, "/resources/abc", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 receipts, got %d", len(got))
	}
	if got[0].JobID != "job-2" || got[0].Outcome != domain.ReceiptSkipped {
		t.Fatalf("expected newest first, got %+v", got[0])
	}
	if !got[1].CreatedAt.Equal(base) {
		t.Fatalf("unexpected created_at %v", got[1].CreatedAt)
	}
}

func TestSignReceiptRepository_RequiresOutcome(t *testing.T) {
	db := setupTestDB(t)
	repo := NewSignReceiptRepository(db)
	if _, err := repo.Append(context.Background(), domain.SignReceipt{JobID: "job-1"}); err == nil {
		t.Fatal("expected missing outcome to be rejected")
	}
}

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("POSTGRES_DSN_TEST"))
	if dsn == "" {
		t.Skip("POSTGRES_DSN_TEST not set")
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	store := &Store{DB: db}
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func resetDB(t *testing.T, db *gorm.DB) {
	t.Helper()
	if err := db.Exec(`TRUNCATE sign_receipts`).Error; err != nil {
		t.Fatalf("truncate tables: %v", err)
	}
}
