package usecase

import (
	"context"
	"fmt"

	"trellis-signer/internal/domain"
)

// SigningOperation applies exactly one new envelope to a snapshot.
type SigningOperation struct {
	Signer SignatureSigner
}

// Apply returns doc with one envelope appended. The result is rebuilt from doc
// so no other field can change, and the primitive's output is rejected unless
// it kept every prior envelope in order.
func (op *SigningOperation) Apply(ctx context.Context, doc domain.Document, id domain.SignatureIdentity) (domain.Document, error) {
	before, err := doc.Signatures()
	if err != nil {
		return nil, err
	}
	signed, err := op.Signer.Sign(ctx, doc.Clone(), id)
	if err != nil {
		return nil, err
	}
	after, err := signed.Signatures()
	if err != nil {
		return nil, err
	}
	if len(after) != len(before)+1 {
		return nil, fmt.Errorf("%w: expected %d envelopes, got %d", domain.ErrSignatureChainMismatch, len(before)+1, len(after))
	}
	for i := range before {
		if before[i] != after[i] {
			return nil, fmt.Errorf("%w: envelope %d changed", domain.ErrSignatureChainMismatch, i)
		}
	}
	return doc.WithSignatures(after)
}
