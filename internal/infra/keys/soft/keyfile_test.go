package soft

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-jose/go-jose/v4"
	"github.com/sigstore/sigstore/pkg/cryptoutils"
)

func TestGenerateWriteLoad(t *testing.T) {
	for _, alg := range []string{"RS256", "ES256", "EdDSA"} {
		t.Run(alg, func(t *testing.T) {
			key, err := Generate(alg, "https://keys.example.org/jwks.json")
			if err != nil {
				t.Fatalf("generate: %v", err)
			}
			dir := t.TempDir()
			privatePath, publicPath, err := key.WriteFiles(dir)
			if err != nil {
				t.Fatalf("write: %v", err)
			}
			info, err := os.Stat(privatePath)
			if err != nil {
				t.Fatalf("stat private: %v", err)
			}
			if info.Mode().Perm() != 0o600 {
				t.Fatalf("expected 0600 private key, got %v", info.Mode().Perm())
			}

			loaded, err := Load(privatePath)
			if err != nil {
				t.Fatalf("load: %v", err)
			}
			if loaded.Public.KeyID != key.Public.KeyID || loaded.Algorithm != key.Algorithm {
				t.Fatalf("loaded %s/%s, want %s/%s", loaded.Public.KeyID, loaded.Algorithm, key.Public.KeyID, key.Algorithm)
			}
			if loaded.Header.JKU != "https://keys.example.org/jwks.json" {
				t.Fatalf("expected jku to survive a round trip, got %q", loaded.Header.JKU)
			}

			if _, err := Load(publicPath); err == nil {
				t.Fatal("expected loading a public key as signing key to fail")
			}
		})
	}
}

func TestGenerateRejectsUnknownAlgorithm(t *testing.T) {
	if _, err := Generate("HS256", ""); err == nil {
		t.Fatal("expected an error")
	}
}

func TestParsePEM(t *testing.T) {
	priv, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	pemBytes, err := cryptoutils.MarshalPrivateKeyToPEM(priv)
	if err != nil {
		t.Fatalf("marshal pem: %v", err)
	}
	key, err := Parse(pemBytes)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if key.Algorithm != jose.ES384 {
		t.Fatalf("expected ES384, got %s", key.Algorithm)
	}
	tp, err := Thumbprint(key.Public)
	if err != nil {
		t.Fatalf("thumbprint: %v", err)
	}
	if key.Public.KeyID != tp {
		t.Fatalf("expected the thumbprint as kid, got %s", key.Public.KeyID)
	}
}

func TestParseJWKRejectsMismatchedAlg(t *testing.T) {
	key, err := Generate("ES256", "")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	raw, err := key.MarshalPrivate()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		t.Fatalf("decode: %v", err)
	}
	fields["alg"] = "RS256"
	raw, err = json.Marshal(fields)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := Parse(raw); err == nil {
		t.Fatal("expected an alg/key mismatch to be rejected")
	}
}

func TestTrustStore(t *testing.T) {
	trusted, err := Generate("ES256", "")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	other, err := Generate("ES256", "")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	dir := t.TempDir()
	set, err := json.Marshal(jose.JSONWebKeySet{Keys: []jose.JSONWebKey{trusted.Public}})
	if err != nil {
		t.Fatalf("marshal set: %v", err)
	}
	path := filepath.Join(dir, "trusted.json")
	if err := os.WriteFile(path, set, 0o600); err != nil {
		t.Fatalf("write set: %v", err)
	}
	keys, err := LoadKeySet(path)
	if err != nil {
		t.Fatalf("load set: %v", err)
	}

	ts, err := NewTrustStore(keys, []string{" https://keys.example.org/jwks.json ", ""})
	if err != nil {
		t.Fatalf("trust store: %v", err)
	}
	if !ts.TrustsKey(trusted.Public) {
		t.Fatal("expected the listed key to be trusted")
	}
	if ts.TrustsKey(other.Public) {
		t.Fatal("expected an unlisted key to be untrusted")
	}
	if !ts.TrustsJKU("https://keys.example.org/jwks.json") || ts.TrustsJKU("https://evil.example.org") || ts.TrustsJKU("") {
		t.Fatal("unexpected jku trust")
	}
	if _, ok := ts.KeyByID(trusted.Public.KeyID); !ok {
		t.Fatal("expected lookup by kid")
	}

	if err := ts.Add(other.Private); err != nil {
		t.Fatalf("add private: %v", err)
	}
	if !ts.TrustsKey(other.Public) {
		t.Fatal("expected Add to trust the public half of a private key")
	}

	var nilStore *TrustStore
	if nilStore.TrustsKey(trusted.Public) || nilStore.TrustsJKU("x") {
		t.Fatal("a nil trust store trusts nothing")
	}
}

func TestLoadKeySetEmptyPath(t *testing.T) {
	keys, err := LoadKeySet("")
	if err != nil || keys != nil {
		t.Fatalf("expected no keys and no error, got %v %v", keys, err)
	}
}
