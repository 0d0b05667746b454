package config

import (
	"strings"
	"testing"
	"time"
)

func TestFromEnvDefaults(t *testing.T) {
	for _, key := range []string{"DOMAIN", "TOKEN", "PRIVATEJWK", "SIGNERNAME", "SIGNERURL", "SIGNATURETYPE", "QUEUE_BACKEND", "JOB_CONCURRENCY", "JOB_TIMEOUT_SECONDS"} {
		t.Setenv(key, "")
	}
	cfg := FromEnv()
	if cfg.Domain != "https://localhost" {
		t.Fatalf("unexpected domain %q", cfg.Domain)
	}
	if len(cfg.Tokens) != 1 || cfg.Tokens[0] != "god" {
		t.Fatalf("unexpected tokens %v", cfg.Tokens)
	}
	if cfg.PrivateJWK != "./keys/private_key.jwk" || cfg.SignerName != "Test Signer" ||
		cfg.SignerURL != "https://oatscenter.org" || cfg.SignatureType != "transcription" {
		t.Fatalf("unexpected signer defaults %+v", cfg)
	}
	if cfg.JobConcurrency != 10 || cfg.JobTimeout() != 10*time.Second {
		t.Fatalf("unexpected job defaults %d %v", cfg.JobConcurrency, cfg.JobTimeout())
	}
	if cfg.QueueBackend != QueueTemporal {
		t.Fatalf("unexpected queue backend %q", cfg.QueueBackend)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("DOMAIN", "http://proxy:3000/")
	t.Setenv("TOKEN", "abc, def ,,")
	t.Setenv("QUEUE_BACKEND", "Redis")
	t.Setenv("TRUSTED_JKUS", "https://keys.example.org/jwks.json")
	t.Setenv("JOB_TIMEOUT_SECONDS", "notanumber")

	cfg := FromEnv()
	if cfg.Domain != "http://proxy:3000" {
		t.Fatalf("unexpected domain %q", cfg.Domain)
	}
	if strings.Join(cfg.Tokens, "|") != "abc|def" {
		t.Fatalf("unexpected tokens %v", cfg.Tokens)
	}
	if cfg.QueueBackend != QueueRedis {
		t.Fatalf("unexpected backend %q", cfg.QueueBackend)
	}
	if len(cfg.TrustedJKUs) != 1 {
		t.Fatalf("unexpected trusted jkus %v", cfg.TrustedJKUs)
	}
	if cfg.JobTimeoutSeconds != 10 {
		t.Fatalf("invalid int should fall back to default, got %d", cfg.JobTimeoutSeconds)
	}
}

func TestValidate(t *testing.T) {
	base := Config{
		Domain:            "https://localhost",
		Tokens:            []string{"god"},
		PrivateJWK:        "key.jwk",
		SignatureType:     "transcription",
		JobConcurrency:    10,
		JobTimeoutSeconds: 10,
		QueueBackend:      QueueMemory,
	}
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"valid", func(*Config) {}, ""},
		{"no tokens", func(c *Config) { c.Tokens = nil }, "TOKEN"},
		{"duplicate tokens", func(c *Config) { c.Tokens = []string{"a", "b", "a"} }, "same token twice"},
		{"zero concurrency", func(c *Config) { c.JobConcurrency = 0 }, "JOB_CONCURRENCY"},
		{"zero timeout", func(c *Config) { c.JobTimeoutSeconds = 0 }, "JOB_TIMEOUT_SECONDS"},
		{"unknown backend", func(c *Config) { c.QueueBackend = "kafka" }, "QUEUE_BACKEND"},
		{"redis without addr", func(c *Config) { c.QueueBackend = QueueRedis }, "REDIS_ADDR"},
		{"temporal without queue", func(c *Config) {
			c.QueueBackend = QueueTemporal
			c.TemporalAddress = "localhost:7233"
		}, "TEMPORAL_TASK_QUEUE"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.want == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error mentioning %s, got %v", tt.want, err)
			}
		})
	}
}

func TestNormalizeDomain(t *testing.T) {
	cases := map[string]string{
		"localhost":              "https://localhost",
		"https://example.org/":   "https://example.org",
		"http://127.0.0.1:8080":  "http://127.0.0.1:8080",
		"  trellis.example.com ": "https://trellis.example.com",
		"":                       "",
	}
	for in, want := range cases {
		if got := NormalizeDomain(in); got != want {
			t.Fatalf("NormalizeDomain(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSubmitRateLimitSettings(t *testing.T) {
	t.Setenv("SUBMIT_RATE_LIMIT", "")
	t.Setenv("SUBMIT_RATE_WINDOW_SECONDS", "")
	cfg := FromEnv()
	if cfg.SubmitRateLimit != 0 || cfg.SubmitRateWindow() != time.Minute {
		t.Fatalf("unexpected rate limit defaults %d %v", cfg.SubmitRateLimit, cfg.SubmitRateWindow())
	}

	t.Setenv("SUBMIT_RATE_LIMIT", "30")
	t.Setenv("SUBMIT_RATE_WINDOW_SECONDS", "10")
	cfg = FromEnv()
	if cfg.SubmitRateLimit != 30 || cfg.SubmitRateWindow() != 10*time.Second {
		t.Fatalf("unexpected rate limit overrides %d %v", cfg.SubmitRateLimit, cfg.SubmitRateWindow())
	}
}

func TestFromEnvDropsDuplicateTokens(t *testing.T) {
	t.Setenv("TOKEN", "a,b, a")
	cfg := FromEnv()
	if strings.Join(cfg.Tokens, "|") != "a|b" {
		t.Fatalf("expected duplicates dropped, got %v", cfg.Tokens)
	}
}
