package domain

import "errors"

var (
	ErrInvalidJobConfig       = errors.New("invalid job config")
	ErrNotFound               = errors.New("not found")
	ErrDocumentNotObject      = errors.New("document is not a JSON object")
	ErrMalformedSignatures    = errors.New("malformed signatures field")
	ErrNoSignatures           = errors.New("document has no signatures")
	ErrMalformedEnvelope      = errors.New("malformed signature envelope")
	ErrUnknownSigningKey      = errors.New("unknown signing key")
	ErrSignatureChainMismatch = errors.New("signature chain mismatch")
	ErrPolicyDenied           = errors.New("policy denied")
	ErrUnknownWorker          = errors.New("unknown worker")
	ErrJobNotFound            = errors.New("job not found")
	ErrUnknownJobKind         = errors.New("unknown job kind")
	ErrQueueStopped           = errors.New("job queue stopped")
)
