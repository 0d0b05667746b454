package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	QueueTemporal = "temporal"
	QueueRedis    = "redis"
	QueueMemory   = "memory"
)

type Config struct {
	ServiceName string
	Domain      string
	Tokens      []string

	PrivateJWK    string
	SignerName    string
	SignerURL     string
	SignatureType string
	TrustedJWKS   string
	TrustedJKUs   []string

	JobConcurrency    int
	JobTimeoutSeconds int

	QueueBackend        string
	TemporalAddress     string
	TemporalNamespace   string
	TemporalTaskQueue   string
	TemporalMaxAttempts int
	RedisAddr           string
	RedisPassword       string
	RedisDB             int

	PostgresDSN    string
	SignPolicyPath string

	HTTPAddr                string
	AdminAPIKey             string
	SubmitRateLimit         int
	SubmitRateWindowSeconds int

	LogLevel  string
	LogFormat string
}

// Load reads the given env files (.env when none are named) when they exist
// and then the environment. Variables already set win over the files.
func Load(files ...string) Config {
	_ = godotenv.Load(files...)
	return FromEnv()
}

func FromEnv() Config {
	return Config{
		ServiceName:         envDefault("SERVICE_NAME", "trellis-signer"),
		Domain:              NormalizeDomain(envDefault("DOMAIN", "localhost")),
		Tokens:              unique(splitCSV(envDefault("TOKEN", "god"))),
		PrivateJWK:          envDefault("PRIVATEJWK", "./keys/private_key.jwk"),
		SignerName:          envDefault("SIGNERNAME", "Test Signer"),
		SignerURL:           envDefault("SIGNERURL", "https://oatscenter.org"),
		SignatureType:       envDefault("SIGNATURETYPE", "transcription"),
		TrustedJWKS:         os.Getenv("TRUSTED_JWKS"),
		TrustedJKUs:         splitCSV(os.Getenv("TRUSTED_JKUS")),
		JobConcurrency:      envIntDefault("JOB_CONCURRENCY", 10),
		JobTimeoutSeconds:   envIntDefault("JOB_TIMEOUT_SECONDS", 10),
		QueueBackend:        strings.ToLower(envDefault("QUEUE_BACKEND", QueueTemporal)),
		TemporalAddress:     envDefault("TEMPORAL_ADDRESS", "localhost:7233"),
		TemporalNamespace:   envDefault("TEMPORAL_NAMESPACE", "default"),
		TemporalTaskQueue:   envDefault("TEMPORAL_TASK_QUEUE", "trellis-signer"),
		TemporalMaxAttempts: envIntDefault("TEMPORAL_MAX_ATTEMPTS", 1),
		RedisAddr:           envDefault("REDIS_ADDR", "localhost:6379"),
		RedisPassword:       os.Getenv("REDIS_PASSWORD"),
		RedisDB:             envIntDefault("REDIS_DB", 0),
		PostgresDSN:         os.Getenv("POSTGRES_DSN"),
		SignPolicyPath:      os.Getenv("SIGN_POLICY_PATH"),
		HTTPAddr:            httpAddr(),
		AdminAPIKey:         os.Getenv("ADMIN_API_KEY"),
		LogLevel:            envDefault("LOG_LEVEL", "info"),
		LogFormat:           envDefault("LOG_FORMAT", "text"),

		SubmitRateLimit:         envIntDefault("SUBMIT_RATE_LIMIT", 0),
		SubmitRateWindowSeconds: envIntDefault("SUBMIT_RATE_WINDOW_SECONDS", 60),
	}
}

func (c Config) Validate() error {
	var errs []error
	if c.Domain == "" {
		errs = append(errs, errors.New("DOMAIN is required"))
	}
	if len(c.Tokens) == 0 {
		errs = append(errs, errors.New("TOKEN must list at least one token"))
	}
	if len(unique(c.Tokens)) != len(c.Tokens) {
		errs = append(errs, errors.New("TOKEN lists the same token twice"))
	}
	if c.PrivateJWK == "" {
		errs = append(errs, errors.New("PRIVATEJWK is required"))
	}
	if c.SignatureType == "" {
		errs = append(errs, errors.New("SIGNATURETYPE is required"))
	}
	if c.JobConcurrency <= 0 {
		errs = append(errs, errors.New("JOB_CONCURRENCY must be positive"))
	}
	if c.JobTimeoutSeconds <= 0 {
		errs = append(errs, errors.New("JOB_TIMEOUT_SECONDS must be positive"))
	}
	switch c.QueueBackend {
	case QueueTemporal:
		if c.TemporalAddress == "" || c.TemporalTaskQueue == "" {
			errs = append(errs, errors.New("TEMPORAL_ADDRESS and TEMPORAL_TASK_QUEUE are required for the temporal backend"))
		}
	case QueueRedis:
		if c.RedisAddr == "" {
			errs = append(errs, errors.New("REDIS_ADDR is required for the redis backend"))
		}
	case QueueMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown QUEUE_BACKEND %q", c.QueueBackend))
	}
	return errors.Join(errs...)
}

func (c Config) JobTimeout() time.Duration {
	return time.Duration(c.JobTimeoutSeconds) * time.Second
}

func (c Config) SubmitRateWindow() time.Duration {
	return time.Duration(c.SubmitRateWindowSeconds) * time.Second
}

// NormalizeDomain prefixes https:// when no scheme is given.
func NormalizeDomain(domain string) string {
	d := strings.TrimSpace(domain)
	if d == "" {
		return ""
	}
	if !strings.HasPrefix(d, "http://") && !strings.HasPrefix(d, "https://") {
		d = "https://" + d
	}
	return strings.TrimRight(d, "/")
}

func envDefault(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func envIntDefault(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	parsed, err := strconv.Atoi(v)
	if err != nil || parsed < 0 {
		return def
	}
	return parsed
}

// httpAddr defaults to :8090; HTTP_ADDR set to an empty value disables the
// admin server.
func httpAddr() string {
	v, ok := os.LookupEnv("HTTP_ADDR")
	if !ok {
		return ":8090"
	}
	return strings.TrimSpace(v)
}

// unique drops repeated values and keeps the first occurrence order.
func unique(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		trimmed := strings.TrimSpace(p)
		if trimmed == "" {
			continue
		}
		out = append(out, trimmed)
	}
	return out
}
