package crypto

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"trellis-signer/internal/domain"
	"trellis-signer/internal/infra/keys/jku"
	"trellis-signer/internal/infra/keys/soft"

	"github.com/go-jose/go-jose/v4"
)

var testIdentity = domain.SignatureIdentity{
	Type:   "transcription",
	Signer: domain.Signer{Name: "Test Signer", URL: "https://oatscenter.org"},
}

func newKey(t *testing.T, jkuURL string) *soft.KeyPair {
	t.Helper()
	key, err := soft.Generate("ES256", jkuURL)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key
}

func newService(t *testing.T, key *soft.KeyPair, trust *soft.TrustStore, opts ...Option) *SignatureService {
	t.Helper()
	svc, err := NewSignatureService(key, trust, opts...)
	if err != nil {
		t.Fatalf("signature service: %v", err)
	}
	return svc
}

func testDocument(t *testing.T) domain.Document {
	t.Helper()
	doc, err := domain.ParseDocument([]byte(`{"_id":"resources/1","_rev":4,"iam":"a test document"}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return doc
}

func TestSignThenVerify(t *testing.T) {
	svc := newService(t, newKey(t, ""), nil, WithClock(func() time.Time { return time.Unix(1700000000, 0) }))
	doc := testDocument(t)

	signed, err := svc.Sign(context.Background(), doc, testIdentity)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	sigs, err := signed.Signatures()
	if err != nil || len(sigs) != 1 {
		t.Fatalf("expected one envelope, got %v (%v)", sigs, err)
	}
	if !doc.EqualExcept(signed, domain.SignaturesField) {
		t.Fatal("sign changed a field other than signatures")
	}
	if doc.HasSignatures() {
		t.Fatal("sign modified its input")
	}

	result, err := svc.Verify(context.Background(), signed)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !result.Valid || !result.Trusted || !result.Unchanged {
		t.Fatalf("expected valid, trusted and unchanged: %+v", result)
	}
	if !result.Payload.Matches(testIdentity) {
		t.Fatalf("payload does not match identity: %+v", result.Payload)
	}
	if result.Payload.IssuedAt != 1700000000 {
		t.Fatalf("unexpected iat %d", result.Payload.IssuedAt)
	}
	if result.Original.HasSignatures() || !result.Original.EqualExcept(doc) {
		t.Fatalf("unexpected original %v", result.Original)
	}
}

func TestChainOfSignaturesUnwrapsInOrder(t *testing.T) {
	svc := newService(t, newKey(t, ""), nil)
	doc := testDocument(t)
	types := []string{"audit", "certificate", "transcription"}

	current := doc
	for _, typ := range types {
		id := testIdentity
		id.Type = typ
		next, err := svc.Sign(context.Background(), current, id)
		if err != nil {
			t.Fatalf("sign %s: %v", typ, err)
		}
		prev, _ := current.Signatures()
		got, _ := next.Signatures()
		if len(got) != len(prev)+1 {
			t.Fatalf("expected %d envelopes, got %d", len(prev)+1, len(got))
		}
		for i := range prev {
			if prev[i] != got[i] {
				t.Fatalf("envelope %d changed", i)
			}
		}
		current = next
	}

	for i := len(types) - 1; i >= 0; i-- {
		result, err := svc.Verify(context.Background(), current)
		if err != nil {
			t.Fatalf("verify layer for %s: %v", types[i], err)
		}
		if result.Payload.Type != types[i] {
			t.Fatalf("expected %s outermost, got %s", types[i], result.Payload.Type)
		}
		if !result.Valid || !result.Trusted || !result.Unchanged {
			t.Fatalf("layer %s failed: %+v", types[i], result)
		}
		current = result.Original
	}
	if current.HasSignatures() {
		t.Fatal("expected the innermost original to carry no signatures")
	}
}

func TestVerifyDetectsChangedDocument(t *testing.T) {
	svc := newService(t, newKey(t, ""), nil)
	signed, err := svc.Sign(context.Background(), testDocument(t), testIdentity)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	signed["iam"] = json.RawMessage(`"an edited document"`)
	// store-managed keys are outside the signed view
	signed["_rev"] = json.RawMessage(`9`)

	result, err := svc.Verify(context.Background(), signed)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !result.Valid || !result.Trusted {
		t.Fatalf("expected valid and trusted: %+v", result)
	}
	if result.Unchanged {
		t.Fatal("expected the edit to be detected")
	}
}

func TestVerifyIgnoresStoreManagedKeys(t *testing.T) {
	svc := newService(t, newKey(t, ""), nil)
	signed, err := svc.Sign(context.Background(), testDocument(t), testIdentity)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	signed["_rev"] = json.RawMessage(`5`)
	signed["_meta"] = json.RawMessage(`{"_id":"resources/1/_meta"}`)

	result, err := svc.Verify(context.Background(), signed)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !result.Unchanged {
		t.Fatalf("expected unchanged: %+v", result)
	}
}

func TestVerifyErrors(t *testing.T) {
	svc := newService(t, newKey(t, ""), nil)
	tests := []struct {
		name    string
		doc     string
		wantErr error
	}{
		{"no signatures", `{"a":1}`, domain.ErrNoSignatures},
		{"corrupt envelope", `{"a":1,"signatures":["not-a-jws"]}`, domain.ErrMalformedEnvelope},
		{"malformed list", `{"a":1,"signatures":{"x":1}}`, domain.ErrMalformedSignatures},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc, err := domain.ParseDocument([]byte(tt.doc))
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if _, err := svc.Verify(context.Background(), doc); !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestVerifyUntrustedKey(t *testing.T) {
	other := newService(t, newKey(t, ""), nil)
	signed, err := other.Sign(context.Background(), testDocument(t), testIdentity)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	svc := newService(t, newKey(t, ""), nil)
	result, err := svc.Verify(context.Background(), signed)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !result.Valid || !result.Unchanged {
		t.Fatalf("expected a valid, unchanged envelope: %+v", result)
	}
	if result.Trusted {
		t.Fatal("expected the foreign key to be untrusted")
	}
}

func TestVerifyTrustedByKeyFile(t *testing.T) {
	otherKey := newKey(t, "")
	other := newService(t, otherKey, nil)
	signed, err := other.Sign(context.Background(), testDocument(t), testIdentity)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	trust, err := soft.NewTrustStore([]jose.JSONWebKey{otherKey.Public}, nil)
	if err != nil {
		t.Fatalf("trust store: %v", err)
	}
	svc := newService(t, newKey(t, ""), trust)
	result, err := svc.Verify(context.Background(), signed)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !result.Trusted {
		t.Fatalf("expected a trusted key: %+v", result)
	}
}

func TestVerifyTrustedByJKU(t *testing.T) {
	var (
		mu        sync.Mutex
		published jose.JSONWebKeySet
	)
	publish := func(keys ...jose.JSONWebKey) {
		mu.Lock()
		defer mu.Unlock()
		published = jose.JSONWebKeySet{Keys: keys}
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		_ = json.NewEncoder(w).Encode(published)
	}))
	defer srv.Close()

	otherKey := newKey(t, srv.URL)
	other := newService(t, otherKey, nil)
	signed, err := other.Sign(context.Background(), testDocument(t), testIdentity)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	trust, err := soft.NewTrustStore(nil, []string{srv.URL})
	if err != nil {
		t.Fatalf("trust store: %v", err)
	}

	t.Run("published key", func(t *testing.T) {
		publish(otherKey.Public)
		svc := newService(t, newKey(t, ""), trust, WithKeySetResolver(jku.NewCache(srv.Client())))
		result, err := svc.Verify(context.Background(), signed)
		if err != nil {
			t.Fatalf("verify: %v", err)
		}
		if !result.Trusted {
			t.Fatalf("expected the published key to be trusted: %+v", result)
		}
	})

	t.Run("different key under the same kid", func(t *testing.T) {
		impostor := newKey(t, "").Public
		impostor.KeyID = otherKey.Public.KeyID
		publish(impostor)
		svc := newService(t, newKey(t, ""), trust, WithKeySetResolver(jku.NewCache(srv.Client())))
		result, err := svc.Verify(context.Background(), signed)
		if err != nil {
			t.Fatalf("verify: %v", err)
		}
		if result.Trusted {
			t.Fatal("expected a thumbprint mismatch to be untrusted")
		}
	})

	t.Run("jku not trusted", func(t *testing.T) {
		publish(otherKey.Public)
		svc := newService(t, newKey(t, ""), nil, WithKeySetResolver(jku.NewCache(srv.Client())))
		result, err := svc.Verify(context.Background(), signed)
		if err != nil {
			t.Fatalf("verify: %v", err)
		}
		if result.Trusted {
			t.Fatal("expected an untrusted jku to be ignored")
		}
	})
}
