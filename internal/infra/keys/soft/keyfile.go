// Package soft loads signing keys from local files (JWK or PEM).
package soft

import (
	"bytes"
	stdcrypto "crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"trellis-signer/internal/domain"

	"github.com/go-jose/go-jose/v4"
	"github.com/sigstore/sigstore/pkg/cryptoutils"
)

// KeyPair is the process signing identity. It is immutable once loaded and
// safe to share across goroutines.
type KeyPair struct {
	Private   jose.JSONWebKey
	Public    jose.JSONWebKey
	Algorithm jose.SignatureAlgorithm
	Header    domain.KeyHeader
}

type keyMetadata struct {
	JKU string `json:"jku,omitempty"`
}

func Load(path string) (*KeyPair, error) {
	if path == "" {
		return nil, errors.New("private key path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	kp, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse private key %s: %w", path, err)
	}
	return kp, nil
}

// Parse accepts a private JWK or a PEM encoded private key.
func Parse(data []byte) (*KeyPair, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		return parseJWK(trimmed)
	}
	key, err := cryptoutils.UnmarshalPEMToPrivateKey(trimmed, cryptoutils.SkipPassword)
	if err != nil {
		return nil, fmt.Errorf("decode pem: %w", err)
	}
	return FromPrivateKey(key, "", "")
}

func parseJWK(data []byte) (*KeyPair, error) {
	var jwk jose.JSONWebKey
	if err := json.Unmarshal(data, &jwk); err != nil {
		return nil, fmt.Errorf("decode jwk: %w", err)
	}
	if jwk.IsPublic() {
		return nil, errors.New("jwk is a public key")
	}
	var meta keyMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("decode jwk metadata: %w", err)
	}
	kp, err := FromPrivateKey(jwk.Key, jwk.KeyID, meta.JKU)
	if err != nil {
		return nil, err
	}
	if jwk.Algorithm != "" {
		alg := jose.SignatureAlgorithm(jwk.Algorithm)
		if !algorithmFits(alg, jwk.Key) {
			return nil, fmt.Errorf("jwk alg %s does not match key type", jwk.Algorithm)
		}
		kp.Algorithm = alg
		kp.Private.Algorithm = jwk.Algorithm
		kp.Public.Algorithm = jwk.Algorithm
	}
	return kp, nil
}

// FromPrivateKey wraps a private key. An empty kid defaults to the RFC 7638
// thumbprint of the public key.
func FromPrivateKey(key any, kid, jku string) (*KeyPair, error) {
	alg, err := algorithmFor(key)
	if err != nil {
		return nil, err
	}
	private := jose.JSONWebKey{Key: key, KeyID: kid, Algorithm: string(alg), Use: "sig"}
	if !private.Valid() {
		return nil, errors.New("invalid private key")
	}
	public := private.Public()
	if !public.Valid() {
		return nil, errors.New("cannot derive public key")
	}
	if kid == "" {
		kid, err = Thumbprint(public)
		if err != nil {
			return nil, err
		}
		private.KeyID = kid
		public.KeyID = kid
	}
	return &KeyPair{
		Private:   private,
		Public:    public,
		Algorithm: alg,
		Header:    domain.KeyHeader{KID: kid, JKU: jku},
	}, nil
}

func Thumbprint(key jose.JSONWebKey) (string, error) {
	sum, err := key.Thumbprint(stdcrypto.SHA256)
	if err != nil {
		return "", fmt.Errorf("jwk thumbprint: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(sum), nil
}

func algorithmFor(key any) (jose.SignatureAlgorithm, error) {
	switch k := key.(type) {
	case *rsa.PrivateKey:
		return jose.RS256, nil
	case *ecdsa.PrivateKey:
		switch k.Curve {
		case elliptic.P256():
			return jose.ES256, nil
		case elliptic.P384():
			return jose.ES384, nil
		case elliptic.P521():
			return jose.ES512, nil
		}
		return "", fmt.Errorf("unsupported ecdsa curve %s", k.Curve.Params().Name)
	case ed25519.PrivateKey:
		return jose.EdDSA, nil
	default:
		return "", fmt.Errorf("unsupported private key type %T", key)
	}
}

func algorithmFits(alg jose.SignatureAlgorithm, key any) bool {
	switch key.(type) {
	case *rsa.PrivateKey:
		switch alg {
		case jose.RS256, jose.RS384, jose.RS512, jose.PS256, jose.PS384, jose.PS512:
			return true
		}
	case *ecdsa.PrivateKey:
		want, err := algorithmFor(key)
		return err == nil && want == alg
	case ed25519.PrivateKey:
		return alg == jose.EdDSA
	}
	return false
}

// MarshalPrivate renders the private JWK, keeping jku alongside the standard members.
func (k *KeyPair) MarshalPrivate() ([]byte, error) {
	return marshalWithJKU(k.Private, k.Header.JKU)
}

func (k *KeyPair) MarshalPublic() ([]byte, error) {
	return marshalWithJKU(k.Public, k.Header.JKU)
}

func marshalWithJKU(jwk jose.JSONWebKey, jku string) ([]byte, error) {
	raw, err := json.Marshal(jwk)
	if err != nil {
		return nil, err
	}
	if jku == "" {
		return indent(raw)
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	fields["jku"] = jku
	out, err := json.Marshal(fields)
	if err != nil {
		return nil, err
	}
	return indent(out)
}

func indent(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return nil, err
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}
