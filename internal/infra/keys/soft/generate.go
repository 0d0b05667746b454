package soft

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-jose/go-jose/v4"
)

const (
	PrivateKeyFile = "private_key.jwk"
	PublicKeyFile  = "public_key.jwk"
)

// Generate creates a fresh key pair for alg (RS256, ES256 or EdDSA).
func Generate(alg string, jku string) (*KeyPair, error) {
	var key any
	var err error
	switch jose.SignatureAlgorithm(strings.ToUpper(alg)) {
	case jose.RS256, "":
		key, err = rsa.GenerateKey(rand.Reader, 2048)
	case jose.ES256:
		key, err = ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	case "EDDSA":
		_, key, err = ed25519.GenerateKey(rand.Reader)
	default:
		return nil, fmt.Errorf("unsupported key algorithm %q", alg)
	}
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return FromPrivateKey(key, "", jku)
}

// WriteFiles writes private_key.jwk (0600) and public_key.jwk into dir.
func (k *KeyPair) WriteFiles(dir string) (string, string, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", "", fmt.Errorf("create key dir: %w", err)
	}
	private, err := k.MarshalPrivate()
	if err != nil {
		return "", "", err
	}
	public, err := k.MarshalPublic()
	if err != nil {
		return "", "", err
	}
	privatePath := filepath.Join(dir, PrivateKeyFile)
	publicPath := filepath.Join(dir, PublicKeyFile)
	if err := os.WriteFile(privatePath, private, 0o600); err != nil {
		return "", "", fmt.Errorf("write private key: %w", err)
	}
	if err := os.WriteFile(publicPath, public, 0o644); err != nil {
		return "", "", fmt.Errorf("write public key: %w", err)
	}
	return privatePath, publicPath, nil
}
