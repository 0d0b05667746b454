package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"trellis-signer/internal/domain"
)

const (
	defaultContentType = "application/json"
	receiptTimeout     = 5 * time.Second
)

type Stage string

const (
	StageValidate Stage = "validate"
	StageFetch    Stage = "fetch"
	StagePolicy   Stage = "policy"
	StageSign     Stage = "sign"
	StageWrite    Stage = "write"
)

// JobError is returned for every failed sign job. It keeps the cause for errors.Is/As.
type JobError struct {
	JobID string
	Path  string
	Stage Stage
	Err   error
}

func (e *JobError) Error() string {
	var what string
	switch e.Stage {
	case StageValidate:
		what = "invalid job config for path"
	case StageFetch:
		what = "could not get path"
	case StagePolicy:
		what = "policy refused signing of path"
	case StageSign:
		what = "could not apply signature to path"
	case StageWrite:
		what = "failed to PUT signatures to path"
	default:
		what = "failed on path"
	}
	return fmt.Sprintf("FAIL job %s: %s %q: %v", e.JobID, what, e.Path, e.Err)
}

func (e *JobError) Unwrap() error {
	return e.Err
}

// ParseSignJobConfig validates the config payload of a sign job.
func ParseSignJobConfig(raw json.RawMessage) (domain.SignJobConfig, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return domain.SignJobConfig{}, fmt.Errorf("%w: job.config is missing", domain.ErrInvalidJobConfig)
	}
	var cfg domain.SignJobConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return domain.SignJobConfig{}, fmt.Errorf("%w: %v", domain.ErrInvalidJobConfig, err)
	}
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return domain.SignJobConfig{}, fmt.Errorf("%w: job.config did not have a path", domain.ErrInvalidJobConfig)
	}
	path = strings.TrimRight(path, "/")
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	if path == "/" {
		return domain.SignJobConfig{}, fmt.Errorf("%w: path must name a resource", domain.ErrInvalidJobConfig)
	}
	cfg.Path = path
	return cfg, nil
}

// SignJob is the handler bound to "sign" jobs.
type SignJob struct {
	Store    DocumentStore
	Chain    *SignatureChain
	Signing  *SigningOperation
	Identity domain.SignatureIdentity
	Worker   string

	Policy   SignPolicy
	Receipts ReceiptRepository
	Logger   *slog.Logger
	Now      func() time.Time
}

func (h *SignJob) Handle(ctx context.Context, job domain.Job) (domain.JobResult, error) {
	logger := h.logger().With("job_id", job.ID)

	cfg, err := ParseSignJobConfig(job.Config)
	if err != nil {
		jobErr := &JobError{JobID: job.ID, Stage: StageValidate, Err: err}
		logger.Error("sign job rejected", "error", jobErr)
		h.record(ctx, job, "", domain.ReceiptFailed, jobErr, 0, "")
		return domain.JobResult{}, jobErr
	}
	path := cfg.Path
	logger = logger.With("path", path)
	logger.Info("received sign job")

	doc, err := h.Store.Get(ctx, path)
	if err != nil {
		return h.fail(ctx, logger, job, path, StageFetch, err, 0, "")
	}

	logger.Debug("checking for existing signature", "type", h.Identity.Type)
	inspection := h.Chain.Inspect(ctx, doc, h.Identity)
	if inspection.Recognition == domain.Matched {
		logger.Warn("document already has a signature of this type from us, skipping",
			"type", h.Identity.Type, "layer", inspection.Steps)
		count := signatureCount(doc)
		h.record(ctx, job, path, domain.ReceiptSkipped, nil, count, "")
		return domain.JobResult{Success: true, Skipped: true}, nil
	}

	policyHash := ""
	if h.Policy != nil {
		policyHash, err = h.checkPolicy(ctx, job, path, doc)
		if err != nil {
			return h.fail(ctx, logger, job, path, StagePolicy, err, signatureCount(doc), policyHash)
		}
	}

	logger.Debug("no existing signature found, signing", "type", h.Identity.Type)
	signed, err := h.Signing.Apply(ctx, doc, h.Identity)
	if err != nil {
		return h.fail(ctx, logger, job, path, StageSign, err, signatureCount(doc), policyHash)
	}
	sigs, err := signed.Signatures()
	if err != nil {
		return h.fail(ctx, logger, job, path, StageSign, err, signatureCount(doc), policyHash)
	}

	target := path + "/" + domain.SignaturesField
	contentType := doc.StringField("_type")
	if contentType == "" {
		contentType = defaultContentType
	}
	logger.Info("putting signatures key only", "target", target, "signatures", len(sigs))
	if err := h.Store.Put(ctx, target, sigs, contentType); err != nil {
		return h.fail(ctx, logger, job, path, StageWrite, err, signatureCount(doc), policyHash)
	}

	h.record(ctx, job, path, domain.ReceiptSigned, nil, len(sigs), policyHash)
	return domain.JobResult{Success: true}, nil
}

func (h *SignJob) checkPolicy(ctx context.Context, job domain.Job, path string, doc domain.Document) (string, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return "", err
	}
	eval, err := h.Policy.Evaluate(ctx, domain.PolicyInput{
		JobID:     job.ID,
		Worker:    h.Worker,
		Path:      path,
		Signature: h.Identity,
		Document:  raw,
	})
	if err != nil {
		return "", fmt.Errorf("evaluate policy: %w", err)
	}
	if !eval.Result.Allow {
		codes := make([]string, 0, len(eval.Result.Deny))
		for _, d := range eval.Result.Deny {
			codes = append(codes, d.Code)
		}
		return eval.BundleHash, fmt.Errorf("%w: %s", domain.ErrPolicyDenied, strings.Join(codes, ","))
	}
	return eval.BundleHash, nil
}

func (h *SignJob) fail(ctx context.Context, logger *slog.Logger, job domain.Job, path string, stage Stage, cause error, count int, policyHash string) (domain.JobResult, error) {
	jobErr := &JobError{JobID: job.ID, Path: path, Stage: stage, Err: cause}
	logger.Error("sign job failed", "stage", stage, "error", cause)
	h.record(ctx, job, path, domain.ReceiptFailed, jobErr, count, policyHash)
	return domain.JobResult{}, jobErr
}

// record appends a receipt. Receipts are bookkeeping: a failure is logged and
// never changes the job outcome.
func (h *SignJob) record(ctx context.Context, job domain.Job, path string, outcome domain.ReceiptOutcome, jobErr *JobError, count int, policyHash string) {
	if h.Receipts == nil {
		return
	}
	receipt := domain.SignReceipt{
		JobID:          job.ID,
		Worker:         h.Worker,
		Path:           path,
		SignatureType:  h.Identity.Type,
		Outcome:        outcome,
		SignatureCount: count,
		PolicyHash:     policyHash,
		CreatedAt:      h.now(),
	}
	if jobErr != nil {
		receipt.Stage = string(jobErr.Stage)
		receipt.Error = jobErr.Error()
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), receiptTimeout)
	defer cancel()
	if _, err := h.Receipts.Append(rctx, receipt); err != nil {
		h.logger().Warn("could not record sign receipt", "job_id", job.ID, "path", path, "error", err)
	}
}

func signatureCount(doc domain.Document) int {
	sigs, err := doc.Signatures()
	if err != nil {
		return 0
	}
	return len(sigs)
}

func (h *SignJob) now() time.Time {
	if h.Now == nil {
		return time.Now().UTC()
	}
	return h.Now().UTC()
}

func (h *SignJob) logger() *slog.Logger {
	if h.Logger == nil {
		return slog.Default()
	}
	return h.Logger
}

// IsJobError reports whether err came from a sign job and at which stage.
func IsJobError(err error) (Stage, bool) {
	var jobErr *JobError
	if errors.As(err, &jobErr) {
		return jobErr.Stage, true
	}
	return "", false
}
