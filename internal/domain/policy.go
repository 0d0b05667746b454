package domain

import "encoding/json"

type PolicyInput struct {
	JobID     string            `json:"job_id"`
	Worker    string            `json:"worker"`
	Path      string            `json:"path"`
	Signature SignatureIdentity `json:"signature"`
	Document  json.RawMessage   `json:"document"`
}

type PolicyDeny struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

type PolicyResult struct {
	Allow bool         `json:"allow"`
	Deny  []PolicyDeny `json:"deny,omitempty"`
}

type PolicyEvaluation struct {
	BundleID   string       `json:"bundle_id,omitempty"`
	BundleHash string       `json:"bundle_hash"`
	Result     PolicyResult `json:"result"`
}
