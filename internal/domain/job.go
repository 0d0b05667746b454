package domain

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

const JobKindSign = "sign"

type Job struct {
	ID     string          `json:"id"`
	Kind   string          `json:"kind"`
	Config json.RawMessage `json:"config"`
}

// SignJobConfig is the config payload of a sign job.
type SignJobConfig struct {
	Path string `json:"path"`
}

type JobResult struct {
	Success bool `json:"success"`
	Skipped bool `json:"skipped,omitempty"`
}

type JobState string

const (
	JobQueued  JobState = "queued"
	JobRunning JobState = "running"
	JobSuccess JobState = "success"
	JobError   JobState = "error"
)

type JobStatus struct {
	ID        string     `json:"id"`
	Kind      string     `json:"kind"`
	State     JobState   `json:"state"`
	Result    *JobResult `json:"result,omitempty"`
	Error     string     `json:"error,omitempty"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// JobHandler handles one delivered job. Returning an error marks the job failed.
type JobHandler func(ctx context.Context, job Job) (JobResult, error)

// JobQueue is the job framework a worker runs on.
type JobQueue interface {
	// On registers fn for jobs of kind; timeout bounds a single run.
	On(kind string, timeout time.Duration, fn JobHandler) error
	// Start begins dispatching and returns once the queue is reachable.
	Start(ctx context.Context) error
	Stop()
	Submit(ctx context.Context, job Job) (string, error)
	Status(ctx context.Context, id string) (JobStatus, error)
}

// TokenID is a stable, non-secret fingerprint of a store credential, used to
// name per-token queues and workers.
func TokenID(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:6])
}
