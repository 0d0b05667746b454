package usecase

import (
	"context"
	"log/slog"

	"trellis-signer/internal/domain"
)

// SignatureChain walks the stacked envelopes of a document looking for one
// produced by a given (type, signer).
type SignatureChain struct {
	Verifier SignatureVerifier
	Logger   *slog.Logger
}

type ChainInspection struct {
	Recognition domain.Recognition
	// Steps is the number of envelopes unwrapped.
	Steps int
}

// AlreadyHasSignature treats Indeterminate as not signed.
func (c *SignatureChain) AlreadyHasSignature(ctx context.Context, doc domain.Document, id domain.SignatureIdentity) bool {
	return c.Inspect(ctx, doc, id).Recognition == domain.Matched
}

// Inspect unwraps at most one envelope per signatures entry, outermost first,
// and stops at the first layer carrying the wanted type and signer. The
// trusted, valid and unchanged flags are only logged. doc is never modified.
func (c *SignatureChain) Inspect(ctx context.Context, doc domain.Document, id domain.SignatureIdentity) ChainInspection {
	logger := c.logger()
	current := doc
	steps := 0
	for current.HasSignatures() {
		if err := ctx.Err(); err != nil {
			return ChainInspection{Recognition: domain.Indeterminate, Steps: steps}
		}
		result, err := c.Verifier.Verify(ctx, current)
		if err != nil {
			logger.Warn("signature on resource was invalid", "error", err, "layer", steps+1)
			return ChainInspection{Recognition: domain.Indeterminate, Steps: steps}
		}
		steps++
		logger.Debug("checked signature layer",
			"layer", steps,
			"trusted", result.Trusted,
			"valid", result.Valid,
			"unchanged", result.Unchanged,
			"type", result.Payload.Type,
		)
		if result.Payload.Matches(id) {
			return ChainInspection{Recognition: domain.Matched, Steps: steps}
		}
		if result.Original == nil {
			break
		}
		current = result.Original
	}
	return ChainInspection{Recognition: domain.NotMatched, Steps: steps}
}

func (c *SignatureChain) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.Default()
	}
	return c.Logger
}
