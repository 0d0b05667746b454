package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// SignaturesField is the only document key this service ever reads or writes.
const SignaturesField = "signatures"

// Document is a JSON object snapshot. Values are kept as raw bytes so every
// field other than signatures round-trips untouched.
type Document map[string]json.RawMessage

func ParseDocument(data []byte) (Document, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, ErrDocumentNotObject
	}
	var doc Document
	if err := json.Unmarshal(trimmed, &doc); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	if doc == nil {
		doc = Document{}
	}
	return doc, nil
}

// HasSignatures reports whether the signatures key is present and non-empty.
// A malformed signatures value counts as present so it reaches the verifier.
func (d Document) HasSignatures() bool {
	raw, ok := d[SignaturesField]
	if !ok {
		return false
	}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || string(trimmed) == "null" {
		return false
	}
	var items []json.RawMessage
	if err := json.Unmarshal(trimmed, &items); err != nil {
		return true
	}
	return len(items) > 0
}

func (d Document) Signatures() ([]string, error) {
	raw, ok := d[SignaturesField]
	if !ok || string(bytes.TrimSpace(raw)) == "null" {
		return nil, nil
	}
	var sigs []string
	if err := json.Unmarshal(raw, &sigs); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedSignatures, err)
	}
	return sigs, nil
}

// WithSignatures returns a copy of d with the signatures field replaced.
// An empty list removes the field.
func (d Document) WithSignatures(sigs []string) (Document, error) {
	out := d.Clone()
	if len(sigs) == 0 {
		delete(out, SignaturesField)
		return out, nil
	}
	raw, err := json.Marshal(sigs)
	if err != nil {
		return nil, err
	}
	out[SignaturesField] = raw
	return out, nil
}

func (d Document) Clone() Document {
	out := make(Document, len(d))
	for k, v := range d {
		out[k] = append(json.RawMessage(nil), v...)
	}
	return out
}

// StringField returns a top level string value, or "" when absent or not a string.
func (d Document) StringField(key string) string {
	raw, ok := d[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

// Payload returns the document with store-managed keys (leading underscore)
// removed and an empty signatures list dropped. This is the view covered by
// signature hashes.
func (d Document) Payload() map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(d))
	for k, v := range d {
		if strings.HasPrefix(k, "_") {
			continue
		}
		if k == SignaturesField && !d.HasSignatures() {
			continue
		}
		out[k] = v
	}
	return out
}

// EqualExcept reports whether every field except the named ones holds
// byte-identical JSON in both documents.
func (d Document) EqualExcept(other Document, skip ...string) bool {
	skipped := make(map[string]struct{}, len(skip))
	for _, k := range skip {
		skipped[k] = struct{}{}
	}
	for k, v := range d {
		if _, ok := skipped[k]; ok {
			continue
		}
		ov, ok := other[k]
		if !ok || !bytes.Equal(v, ov) {
			return false
		}
	}
	for k := range other {
		if _, ok := skipped[k]; ok {
			continue
		}
		if _, ok := d[k]; !ok {
			return false
		}
	}
	return true
}
