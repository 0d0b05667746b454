package soft

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/go-jose/go-jose/v4"
)

// TrustStore answers whether a public key or key-set URL is trusted.
type TrustStore struct {
	thumbprints map[string]struct{}
	byKID       map[string]jose.JSONWebKey
	jkus        map[string]struct{}
}

func NewTrustStore(keys []jose.JSONWebKey, jkus []string) (*TrustStore, error) {
	ts := &TrustStore{
		thumbprints: make(map[string]struct{}, len(keys)),
		byKID:       make(map[string]jose.JSONWebKey, len(keys)),
		jkus:        make(map[string]struct{}, len(jkus)),
	}
	for _, key := range keys {
		if err := ts.Add(key); err != nil {
			return nil, err
		}
	}
	for _, u := range jkus {
		u = strings.TrimSpace(u)
		if u != "" {
			ts.jkus[u] = struct{}{}
		}
	}
	return ts, nil
}

// Add trusts key. Only used while wiring at startup; TrustStore is read-only afterwards.
func (t *TrustStore) Add(key jose.JSONWebKey) error {
	public := key
	if !key.IsPublic() {
		public = key.Public()
	}
	tp, err := Thumbprint(public)
	if err != nil {
		return err
	}
	t.thumbprints[tp] = struct{}{}
	if public.KeyID != "" {
		t.byKID[public.KeyID] = public
	}
	return nil
}

func (t *TrustStore) TrustsKey(key jose.JSONWebKey) bool {
	if t == nil {
		return false
	}
	tp, err := Thumbprint(key)
	if err != nil {
		return false
	}
	_, ok := t.thumbprints[tp]
	return ok
}

func (t *TrustStore) TrustsJKU(jku string) bool {
	if t == nil || jku == "" {
		return false
	}
	_, ok := t.jkus[jku]
	return ok
}

// KeyByID returns a trusted key by kid, for envelopes that do not embed a jwk.
func (t *TrustStore) KeyByID(kid string) (jose.JSONWebKey, bool) {
	if t == nil || kid == "" {
		return jose.JSONWebKey{}, false
	}
	key, ok := t.byKID[kid]
	return key, ok
}

// LoadKeySet reads a JWK set file ({"keys": [...]}).
func LoadKeySet(path string) ([]jose.JSONWebKey, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read trusted keys: %w", err)
	}
	var set jose.JSONWebKeySet
	if err := json.Unmarshal(data, &set); err != nil {
		return nil, fmt.Errorf("decode trusted keys %s: %w", path, err)
	}
	return set.Keys, nil
}
