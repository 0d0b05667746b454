package domain

import "time"

type ReceiptOutcome string

const (
	ReceiptSigned  ReceiptOutcome = "signed"
	ReceiptSkipped ReceiptOutcome = "skipped"
	ReceiptFailed  ReceiptOutcome = "failed"
)

// SignReceipt records the terminal outcome of one sign job.
type SignReceipt struct {
	ID             string         `json:"id"`
	JobID          string         `json:"job_id"`
	Worker         string         `json:"worker"`
	Path           string         `json:"path"`
	SignatureType  string         `json:"signature_type"`
	Outcome        ReceiptOutcome `json:"outcome"`
	Stage          string         `json:"stage,omitempty"`
	Error          string         `json:"error,omitempty"`
	SignatureCount int            `json:"signature_count"`
	PolicyHash     string         `json:"policy_hash,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}
