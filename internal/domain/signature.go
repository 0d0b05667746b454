package domain

// Signer is the display identity written into every signature payload.
type Signer struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// SignatureIdentity is the (type, signer) pair a process signs as.
type SignatureIdentity struct {
	Type   string `json:"type"`
	Signer Signer `json:"signer"`
}

type HashInfo struct {
	Alg  string `json:"alg"`
	Hash string `json:"hash"`
}

// SignaturePayload holds the decoded claims of one envelope.
type SignaturePayload struct {
	Type     string    `json:"type"`
	Signer   *Signer   `json:"signer,omitempty"`
	HashInfo *HashInfo `json:"hashinfo,omitempty"`
	IssuedAt int64     `json:"iat,omitempty"`
}

// Matches compares type and signer structurally.
func (p SignaturePayload) Matches(id SignatureIdentity) bool {
	if p.Type != id.Type || p.Signer == nil {
		return false
	}
	return *p.Signer == id.Signer
}

// KeyHeader is the header metadata attached to every envelope we produce.
type KeyHeader struct {
	KID string `json:"kid,omitempty"`
	JKU string `json:"jku,omitempty"`
}

// VerificationResult is the outcome of unwrapping the outermost envelope.
type VerificationResult struct {
	Trusted   bool
	Valid     bool
	Unchanged bool
	Payload   SignaturePayload
	KeyID     string
	Messages  []string
	// Original is the document as it was before the outermost envelope was added.
	Original Document
}

// Recognition is the outcome of a signature chain walk.
type Recognition int

const (
	NotMatched Recognition = iota
	Matched
	// Indeterminate means verification failed outright; callers treat it as NotMatched.
	Indeterminate
)

func (r Recognition) String() string {
	switch r {
	case Matched:
		return "matched"
	case NotMatched:
		return "not_matched"
	case Indeterminate:
		return "indeterminate"
	default:
		return "unknown"
	}
}
