package cli

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"trellis-signer/internal/config"
	"trellis-signer/internal/domain"
	"trellis-signer/internal/infra/crypto"
	"trellis-signer/internal/infra/db"
	"trellis-signer/internal/infra/jobs"
	"trellis-signer/internal/infra/keys/jku"
	"trellis-signer/internal/infra/keys/soft"
	"trellis-signer/internal/infra/oada"
	"trellis-signer/internal/infra/policyopa"
	"trellis-signer/internal/infra/ratelimit"
	"trellis-signer/internal/infra/temporalq"
	"trellis-signer/internal/usecase"
	"trellis-signer/internal/worker"

	"github.com/go-jose/go-jose/v4"
	"github.com/redis/go-redis/v9"
	"go.temporal.io/sdk/client"
	tlog "go.temporal.io/sdk/log"
)

// app owns the long-lived clients shared by every worker of the process.
type app struct {
	cfg    config.Config
	logger *slog.Logger

	mu       sync.Mutex
	temporal client.Client
	redis    *redis.Client
	store    *db.Store
}

func newApp(cfg config.Config, logger *slog.Logger) *app {
	if logger == nil {
		logger = slog.Default()
	}
	return &app{cfg: cfg, logger: logger}
}

func (a *app) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.temporal != nil {
		a.temporal.Close()
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("close redis", "error", err)
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("close database", "error", err)
		}
	}
}

// signatureService loads the signing key and the trusted keys and key set URLs.
func (a *app) signatureService() (*crypto.SignatureService, error) {
	key, err := soft.Load(a.cfg.PrivateJWK)
	if err != nil {
		return nil, fmt.Errorf("load signing key %s: %w", a.cfg.PrivateJWK, err)
	}
	var trusted []jose.JSONWebKey
	if a.cfg.TrustedJWKS != "" {
		trusted, err = soft.LoadKeySet(a.cfg.TrustedJWKS)
		if err != nil {
			return nil, fmt.Errorf("load trusted keys %s: %w", a.cfg.TrustedJWKS, err)
		}
	}
	trust, err := soft.NewTrustStore(trusted, a.cfg.TrustedJKUs)
	if err != nil {
		return nil, fmt.Errorf("trust store: %w", err)
	}
	a.logger.Info("signing key loaded", "kid", key.Public.KeyID, "trusted_keys", len(trusted), "trusted_jkus", len(a.cfg.TrustedJKUs))
	return crypto.NewSignatureService(key, trust, crypto.WithKeySetResolver(jku.NewCache(nil)))
}

func (a *app) identity() domain.SignatureIdentity {
	return domain.SignatureIdentity{
		Type: a.cfg.SignatureType,
		Signer: domain.Signer{
			Name: a.cfg.SignerName,
			URL:  a.cfg.SignerURL,
		},
	}
}

// queue builds the job queue of one worker on the configured backend.
func (a *app) queue(ctx context.Context, workerID string) (domain.JobQueue, error) {
	switch a.cfg.QueueBackend {
	case config.QueueMemory:
		return jobs.NewMemoryQueue(jobs.MemoryQueueConfig{
			Concurrency: a.cfg.JobConcurrency,
			Logger:      a.logger,
		}), nil
	case config.QueueRedis:
		rdb := a.redisClient()
		return jobs.NewRedisQueue(rdb, jobs.RedisQueueConfig{
			Name:        a.cfg.ServiceName + ":" + workerID,
			Concurrency: a.cfg.JobConcurrency,
			Logger:      a.logger,
		})
	case config.QueueTemporal:
		c, err := a.temporalClient(ctx)
		if err != nil {
			return nil, err
		}
		return temporalq.New(c, temporalq.Config{
			TaskQueue:   a.cfg.TemporalTaskQueue + "." + workerID,
			Concurrency: a.cfg.JobConcurrency,
			MaxAttempts: int32(a.cfg.TemporalMaxAttempts),
			Logger:      a.logger,
		})
	default:
		return nil, fmt.Errorf("unknown queue backend %q", a.cfg.QueueBackend)
	}
}

// submitLimiter shares windows through redis when redis is the queue
// backend and keeps them in process otherwise.
func (a *app) submitLimiter() (domain.RateLimiter, error) {
	if a.cfg.SubmitRateLimit <= 0 {
		return nil, nil
	}
	if a.cfg.QueueBackend == config.QueueRedis {
		return ratelimit.NewRedisLimiter(a.redisClient(), a.cfg.ServiceName, nil)
	}
	return ratelimit.NewMemoryLimiter(ratelimit.MemoryLimiterConfig{}), nil
}

func (a *app) redisClient() *redis.Client {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.redis == nil {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     a.cfg.RedisAddr,
			Password: a.cfg.RedisPassword,
			DB:       a.cfg.RedisDB,
		})
	}
	return a.redis
}

func (a *app) temporalClient(ctx context.Context) (client.Client, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.temporal != nil {
		return a.temporal, nil
	}
	c, err := client.DialContext(ctx, client.Options{
		HostPort:  a.cfg.TemporalAddress,
		Namespace: a.cfg.TemporalNamespace,
		Logger:    tlog.NewStructuredLogger(a.logger),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create temporal client: %w", err)
	}
	a.temporal = c
	return c, nil
}

// receipts returns nil when no database is configured.
func (a *app) receipts(ctx context.Context) (usecase.ReceiptRepository, error) {
	store, err := db.NewStore(a.cfg.PostgresDSN, a.logger)
	if err != nil {
		return nil, err
	}
	if !store.Enabled() {
		return nil, nil
	}
	a.mu.Lock()
	a.store = store
	a.mu.Unlock()
	if err := store.Migrate(ctx); err != nil {
		return nil, err
	}
	return db.NewSignReceiptRepository(store.DB), nil
}

// policy returns nil when no policy bundle is configured.
func (a *app) policy(ctx context.Context) (usecase.SignPolicy, error) {
	if a.cfg.SignPolicyPath == "" {
		return nil, nil
	}
	engine, err := policyopa.NewEngineFromBundlePath(ctx, a.cfg.SignPolicyPath, "")
	if err != nil {
		return nil, fmt.Errorf("load sign policy: %w", err)
	}
	a.logger.Info("sign policy loaded", "path", a.cfg.SignPolicyPath, "bundle_hash", engine.BundleHash())
	return engine, nil
}

// buildPool creates one worker per configured token. Workers share the
// signature service, policy and receipts but each has its own store client
// and queue.
func (a *app) buildPool(ctx context.Context) (*worker.Pool, usecase.ReceiptRepository, error) {
	signer, err := a.signatureService()
	if err != nil {
		return nil, nil, err
	}
	policy, err := a.policy(ctx)
	if err != nil {
		return nil, nil, err
	}
	receipts, err := a.receipts(ctx)
	if err != nil {
		return nil, nil, err
	}

	chain := &usecase.SignatureChain{Verifier: signer, Logger: a.logger}
	signing := &usecase.SigningOperation{Signer: signer}
	identity := a.identity()

	workers := make([]*worker.Worker, 0, len(a.cfg.Tokens))
	for _, token := range a.cfg.Tokens {
		id := domain.TokenID(token)
		logger := a.logger.With("worker", id)
		queue, err := a.queue(ctx, id)
		if err != nil {
			return nil, nil, fmt.Errorf("worker %s: %w", id, err)
		}
		handler := &usecase.SignJob{
			Store:    oada.NewClient(a.cfg.Domain, token, oada.WithMaxConns(a.cfg.JobConcurrency)),
			Chain:    chain,
			Signing:  signing,
			Identity: identity,
			Worker:   id,
			Policy:   policy,
			Receipts: receipts,
			Logger:   logger,
		}
		w, err := worker.New(worker.Options{
			ID:      id,
			Kind:    domain.JobKindSign,
			Timeout: a.cfg.JobTimeout(),
			Queue:   queue,
			Handler: handler.Handle,
			Logger:  a.logger,
		})
		if err != nil {
			return nil, nil, err
		}
		workers = append(workers, w)
	}
	return worker.NewPool(workers...), receipts, nil
}
