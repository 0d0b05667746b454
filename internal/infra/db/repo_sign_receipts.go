package db

import (
	"context"
	"errors"
	"time"

	"trellis-signer/internal/domain"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const maxReceiptPage = 500

type SignReceiptRepository struct {
	db *gorm.DB
}

func NewSignReceiptRepository(db *gorm.DB) *SignReceiptRepository {
	return &SignReceiptRepository{db: db}
}

func (r *SignReceiptRepository) Append(ctx context.Context, receipt domain.SignReceipt) (domain.SignReceipt, error) {
	if r.db == nil {
		return domain.SignReceipt{}, errDBUnavailable
	}
	if receipt.JobID == "" {
		return domain.SignReceipt{}, errors.New("job_id is required")
	}
	if receipt.Outcome == "" {
		return domain.SignReceipt{}, errors.New("outcome is required")
	}
	if receipt.ID == "" {
		receipt.ID = uuid.NewString()
	}
	if receipt.CreatedAt.IsZero() {
		receipt.CreatedAt = time.Now().UTC()
	}
	receipt.CreatedAt = receipt.CreatedAt.UTC().Truncate(time.Microsecond)

	model := signReceiptModelFromDomain(receipt)
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return domain.SignReceipt{}, err
	}
	return receipt, nil
}

// ListByPath returns the newest receipts for path first.
func (r *SignReceiptRepository) ListByPath(ctx context.Context, path string, limit int) ([]domain.SignReceipt, error) {
	if r.db == nil {
		return nil, errDBUnavailable
	}
	if limit <= 0 || limit > maxReceiptPage {
		limit = maxReceiptPage
	}
	var models []SignReceiptModel
	err := r.db.WithContext(ctx).
		Where("path = ?", path).
		Order("created_at DESC").
		Order("id").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	out := make([]domain.SignReceipt, 0, len(models))
	for _, m := range models {
		out = append(out, signReceiptFromModel(m))
	}
	return out, nil
}

func signReceiptModelFromDomain(r domain.SignReceipt) SignReceiptModel {
	return SignReceiptModel{
		ID:             r.ID,
		JobID:          r.JobID,
		Worker:         r.Worker,
		Path:           r.Path,
		SignatureType:  r.SignatureType,
		Outcome:        string(r.Outcome),
		Stage:          r.Stage,
		Error:          r.Error,
		SignatureCount: r.SignatureCount,
		PolicyHash:     r.PolicyHash,
		CreatedAt:      r.CreatedAt,
	}
}

func signReceiptFromModel(m SignReceiptModel) domain.SignReceipt {
	return domain.SignReceipt{
		ID:             m.ID,
		JobID:          m.JobID,
		Worker:         m.Worker,
		Path:           m.Path,
		SignatureType:  m.SignatureType,
		Outcome:        domain.ReceiptOutcome(m.Outcome),
		Stage:          m.Stage,
		Error:          m.Error,
		SignatureCount: m.SignatureCount,
		PolicyHash:     m.PolicyHash,
		CreatedAt:      m.CreatedAt.UTC(),
	}
}
