package usecase

import (
	"context"

	"trellis-signer/internal/domain"
)

type DocumentStore interface {
	Get(ctx context.Context, path string) (domain.Document, error)
	// Put replaces the resource at path with value. A sub-path such as
	// <doc>/signatures replaces only that field.
	Put(ctx context.Context, path string, value any, contentType string) error
}

type SignatureVerifier interface {
	Verify(ctx context.Context, doc domain.Document) (domain.VerificationResult, error)
}

type SignatureSigner interface {
	Sign(ctx context.Context, doc domain.Document, id domain.SignatureIdentity) (domain.Document, error)
}

type SignPolicy interface {
	Evaluate(ctx context.Context, input domain.PolicyInput) (domain.PolicyEvaluation, error)
}

type ReceiptRepository interface {
	Append(ctx context.Context, receipt domain.SignReceipt) (domain.SignReceipt, error)
	ListByPath(ctx context.Context, path string, limit int) ([]domain.SignReceipt, error)
}
