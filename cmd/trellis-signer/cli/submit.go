package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"trellis-signer/internal/config"
	"trellis-signer/internal/domain"
	"trellis-signer/internal/usecase"

	"github.com/spf13/cobra"
)

const submitPollInterval = 500 * time.Millisecond

type submitOptions struct {
	Path   string
	JobID  string
	Worker string
	Server string
	Wait   time.Duration
}

func (o *submitOptions) AddFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&o.Path, "path", "", "resource path to sign")
	_ = cmd.MarkFlagRequired("path")
	cmd.Flags().StringVar(&o.JobID, "id", "", "job id (generated when empty)")
	cmd.Flags().StringVar(&o.Worker, "worker", "", "worker id (defaults to the worker of the first token)")
	cmd.Flags().StringVar(&o.Server, "server", "", "submit through the admin API at this URL instead of the queue backend")
	cmd.Flags().DurationVar(&o.Wait, "wait", 0, "wait up to this long for the job to finish")
}

func Submit(st *state) *cobra.Command {
	o := &submitOptions{}
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Enqueue a sign job for a resource path",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := usecase.ParseSignJobConfig(mustJSON(domain.SignJobConfig{Path: o.Path}))
			if err != nil {
				return err
			}
			workerID := o.Worker
			if workerID == "" {
				if len(st.cfg.Tokens) == 0 {
					return errors.New("no token configured; pass --worker")
				}
				workerID = domain.TokenID(st.cfg.Tokens[0])
			}
			job := domain.Job{ID: o.JobID, Kind: domain.JobKindSign, Config: mustJSON(cfg)}

			var sub submitter
			if o.Server != "" {
				sub = &adminSubmitter{
					baseURL:  strings.TrimRight(o.Server, "/"),
					adminKey: st.cfg.AdminAPIKey,
					worker:   workerID,
					client:   &http.Client{Timeout: 10 * time.Second},
				}
			} else {
				if st.cfg.QueueBackend == config.QueueMemory {
					return errors.New("the memory queue lives inside the running service; pass --server")
				}
				a := newApp(st.cfg, st.logger)
				defer a.Close()
				queue, err := a.queue(cmd.Context(), workerID)
				if err != nil {
					return err
				}
				sub = queue
			}

			id, err := sub.Submit(cmd.Context(), job)
			if err != nil {
				return fmt.Errorf("submit job: %w", err)
			}
			st.logger.Info("sign job submitted", "job_id", id, "worker", workerID, "path", cfg.Path)
			if o.Wait <= 0 {
				fmt.Fprintln(cmd.OutOrStdout(), id)
				return nil
			}
			status, err := waitForJob(cmd.Context(), sub, id, o.Wait)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(status); err != nil {
				return err
			}
			if status.State == domain.JobError {
				return fmt.Errorf("job %s failed: %s", id, status.Error)
			}
			return nil
		},
	}
	o.AddFlags(cmd)
	return cmd
}

type submitter interface {
	Submit(ctx context.Context, job domain.Job) (string, error)
	Status(ctx context.Context, id string) (domain.JobStatus, error)
}

func waitForJob(ctx context.Context, sub submitter, id string, wait time.Duration) (domain.JobStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	ticker := time.NewTicker(submitPollInterval)
	defer ticker.Stop()
	for {
		status, err := sub.Status(ctx, id)
		if err != nil && !errors.Is(err, domain.ErrJobNotFound) {
			return domain.JobStatus{}, fmt.Errorf("job status: %w", err)
		}
		if err == nil && (status.State == domain.JobSuccess || status.State == domain.JobError) {
			return status, nil
		}
		select {
		case <-ctx.Done():
			return domain.JobStatus{}, fmt.Errorf("job %s did not finish: %w", id, ctx.Err())
		case <-ticker.C:
		}
	}
}

// adminSubmitter talks to the admin API of a running service.
type adminSubmitter struct {
	baseURL  string
	adminKey string
	worker   string
	client   *http.Client
}

func (s *adminSubmitter) Submit(ctx context.Context, job domain.Job) (string, error) {
	body, err := json.Marshal(map[string]any{"id": job.ID, "config": job.Config})
	if err != nil {
		return "", err
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := s.do(ctx, http.MethodPost, "/v1/workers/"+s.worker+"/jobs", body, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

func (s *adminSubmitter) Status(ctx context.Context, id string) (domain.JobStatus, error) {
	var out domain.JobStatus
	err := s.do(ctx, http.MethodGet, "/v1/workers/"+s.worker+"/jobs/"+id, nil, &out)
	return out, err
}

func (s *adminSubmitter) do(ctx context.Context, method, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.adminKey != "" {
		req.Header.Set("X-Admin-Key", s.adminKey)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound && method == http.MethodGet {
		return domain.ErrJobNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return fmt.Errorf("%s %s: status %d body %s", method, path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func mustJSON(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return raw
}
