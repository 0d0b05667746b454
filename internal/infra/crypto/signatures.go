package crypto

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"trellis-signer/internal/domain"
	"trellis-signer/internal/infra/keys/soft"

	"github.com/go-jose/go-jose/v4"
)

const (
	headerKID = "kid"
	headerJKU = "jku"
)

var allowedAlgorithms = []jose.SignatureAlgorithm{
	jose.RS256, jose.RS384, jose.RS512,
	jose.PS256, jose.PS384, jose.PS512,
	jose.ES256, jose.ES384, jose.ES512,
	jose.EdDSA,
}

// KeySetResolver looks up a key published at a trusted jku URL.
type KeySetResolver interface {
	Lookup(ctx context.Context, url, kid string) (jose.JSONWebKey, error)
}

// SignatureService produces and unwraps compact JWS envelopes stored in a
// document's signatures list. It is safe for concurrent use.
type SignatureService struct {
	key    *soft.KeyPair
	trust  *soft.TrustStore
	keySet KeySetResolver
	now    func() time.Time
}

type Option func(*SignatureService)

func WithKeySetResolver(r KeySetResolver) Option {
	return func(s *SignatureService) {
		s.keySet = r
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *SignatureService) {
		s.now = now
	}
}

// NewSignatureService signs with key. The key's public half is always trusted.
func NewSignatureService(key *soft.KeyPair, trust *soft.TrustStore, opts ...Option) (*SignatureService, error) {
	if key == nil {
		return nil, errors.New("signing key is required")
	}
	if trust == nil {
		var err error
		trust, err = soft.NewTrustStore(nil, nil)
		if err != nil {
			return nil, err
		}
	}
	if err := trust.Add(key.Public); err != nil {
		return nil, err
	}
	s := &SignatureService{key: key, trust: trust, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Sign appends one envelope covering the current document, prior envelopes included.
func (s *SignatureService) Sign(_ context.Context, doc domain.Document, id domain.SignatureIdentity) (domain.Document, error) {
	sigs, err := doc.Signatures()
	if err != nil {
		return nil, err
	}
	hash, err := HashDocument(doc)
	if err != nil {
		return nil, fmt.Errorf("hash document: %w", err)
	}
	signer := id.Signer
	payload, err := json.Marshal(domain.SignaturePayload{
		Type:     id.Type,
		Signer:   &signer,
		HashInfo: &hash,
		IssuedAt: s.now().Unix(),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	opts := &jose.SignerOptions{EmbedJWK: true}
	if s.key.Header.KID != "" {
		opts = opts.WithHeader(headerKID, s.key.Header.KID)
	}
	if s.key.Header.JKU != "" {
		opts = opts.WithHeader(headerJKU, s.key.Header.JKU)
	}
	joseSigner, err := jose.NewSigner(jose.SigningKey{Algorithm: s.key.Algorithm, Key: s.key.Private}, opts)
	if err != nil {
		return nil, fmt.Errorf("build signer: %w", err)
	}
	jws, err := joseSigner.Sign(payload)
	if err != nil {
		return nil, fmt.Errorf("sign payload: %w", err)
	}
	compact, err := jws.CompactSerialize()
	if err != nil {
		return nil, fmt.Errorf("serialize envelope: %w", err)
	}

	next := make([]string, 0, len(sigs)+1)
	next = append(next, sigs...)
	next = append(next, compact)
	return doc.WithSignatures(next)
}

// Verify unwraps the outermost envelope. Errors mean the envelope could not be
// interpreted at all; a parsed but failing envelope is reported through the flags.
func (s *SignatureService) Verify(ctx context.Context, doc domain.Document) (domain.VerificationResult, error) {
	sigs, err := doc.Signatures()
	if err != nil {
		return domain.VerificationResult{}, err
	}
	if len(sigs) == 0 {
		return domain.VerificationResult{}, domain.ErrNoSignatures
	}
	outer := sigs[len(sigs)-1]
	jws, err := jose.ParseSigned(outer, allowedAlgorithms)
	if err != nil {
		return domain.VerificationResult{}, fmt.Errorf("%w: %v", domain.ErrMalformedEnvelope, err)
	}
	if len(jws.Signatures) != 1 {
		return domain.VerificationResult{}, fmt.Errorf("%w: expected one signature, got %d", domain.ErrMalformedEnvelope, len(jws.Signatures))
	}
	header := jws.Signatures[0].Protected
	jku, _ := header.ExtraHeaders[jose.HeaderKey(headerJKU)].(string)

	key, ok := s.resolveKey(header)
	if !ok {
		return domain.VerificationResult{}, fmt.Errorf("%w: kid %q", domain.ErrUnknownSigningKey, header.KeyID)
	}

	original, err := doc.WithSignatures(sigs[:len(sigs)-1])
	if err != nil {
		return domain.VerificationResult{}, err
	}
	result := domain.VerificationResult{
		KeyID:    key.KeyID,
		Original: original,
	}

	raw, err := jws.Verify(key)
	if err != nil {
		result.Messages = append(result.Messages, fmt.Sprintf("signature check failed: %v", err))
		raw = jws.UnsafePayloadWithoutVerification()
	} else {
		result.Valid = true
	}
	if err := json.Unmarshal(raw, &result.Payload); err != nil {
		return domain.VerificationResult{}, fmt.Errorf("%w: payload: %v", domain.ErrMalformedEnvelope, err)
	}

	result.Trusted = s.trusted(ctx, key, jku)
	if !result.Trusted {
		result.Messages = append(result.Messages, "signing key is not trusted")
	}

	if info := result.Payload.HashInfo; info != nil && info.Alg == hashAlgSHA256 {
		current, err := HashDocument(original)
		if err != nil {
			return domain.VerificationResult{}, fmt.Errorf("hash original: %w", err)
		}
		result.Unchanged = current.Hash == info.Hash
	}
	if !result.Unchanged {
		result.Messages = append(result.Messages, "document changed since signing")
	}
	return result, nil
}

func (s *SignatureService) resolveKey(header jose.Header) (jose.JSONWebKey, bool) {
	if header.JSONWebKey != nil && header.JSONWebKey.Valid() {
		key := *header.JSONWebKey
		if key.KeyID == "" {
			key.KeyID = header.KeyID
		}
		return key, true
	}
	return s.trust.KeyByID(header.KeyID)
}

func (s *SignatureService) trusted(ctx context.Context, key jose.JSONWebKey, jku string) bool {
	if s.trust.TrustsKey(key) {
		return true
	}
	if s.keySet == nil || !s.trust.TrustsJKU(jku) || key.KeyID == "" {
		return false
	}
	published, err := s.keySet.Lookup(ctx, jku, key.KeyID)
	if err != nil {
		return false
	}
	want, err := soft.Thumbprint(published)
	if err != nil {
		return false
	}
	got, err := soft.Thumbprint(key)
	return err == nil && got == want
}
