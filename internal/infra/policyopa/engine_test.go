package policyopa

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"trellis-signer/internal/domain"
)

func TestEngineAllowsBaseline(t *testing.T) {
	engine := newEngine(t)
	input := basePolicyInput()

	first, err := engine.Evaluate(context.Background(), input)
	if err != nil {
		t.Fatalf("evaluate first: %v", err)
	}
	second, err := engine.Evaluate(context.Background(), input)
	if err != nil {
		t.Fatalf("evaluate second: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("expected deterministic policy evaluation")
	}
	if !first.Result.Allow || len(first.Result.Deny) != 0 {
		t.Fatalf("expected allow for baseline input, got %+v", first.Result)
	}
	if first.BundleHash == "" || first.BundleID != "signer_v0" {
		t.Fatalf("expected bundle identity, got %q %q", first.BundleID, first.BundleHash)
	}
}

func TestEnginePolicyDenies(t *testing.T) {
	engine := newEngine(t)

	tests := []struct {
		name   string
		mutate func(input *domain.PolicyInput)
		want   []string
	}{
		{
			name:   "not a resource",
			mutate: func(input *domain.PolicyInput) { input.Path = "/bookmarks/trellis" },
			want:   []string{"PATH_NOT_RESOURCE"},
		},
		{
			name:   "no signature type",
			mutate: func(input *domain.PolicyInput) { input.Signature.Type = "" },
			want:   []string{"SIGNATURE_TYPE_MISSING"},
		},
		{
			name: "metadata only",
			mutate: func(input *domain.PolicyInput) {
				input.Document = json.RawMessage(`{"_id":"resources/1","_rev":4}`)
			},
			want: []string{"DOCUMENT_EMPTY"},
		},
		{
			name: "several",
			mutate: func(input *domain.PolicyInput) {
				input.Path = "/bookmarks/x"
				input.Signature.Signer.Name = ""
			},
			want: []string{"PATH_NOT_RESOURCE", "SIGNER_MISSING"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			input := basePolicyInput()
			tt.mutate(&input)
			out, err := engine.Evaluate(context.Background(), input)
			if err != nil {
				t.Fatalf("evaluate: %v", err)
			}
			if out.Result.Allow {
				t.Fatalf("expected deny")
			}
			if got := denyOrder(out.Result.Deny); !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("expected deny codes %v, got %v", tt.want, got)
			}
		})
	}
}

func TestEngineRejectsTimeBuiltin(t *testing.T) {
	rejectBuiltin(t, "time.now_ns()")
}

func TestEngineRejectsHttpSend(t *testing.T) {
	rejectBuiltin(t, "http.send({\"method\": \"get\", \"url\": \"https://example.com\"})")
}

func TestEngineRejectsRand(t *testing.T) {
	rejectBuiltin(t, "rand.intn(\"x\", 10)")
}

func rejectBuiltin(t *testing.T, expr string) {
	t.Helper()
	dir := t.TempDir()
	regoContent := `package trellis.signer
result := {"allow": true, "deny": []} {
  ` + expr + `
}`
	if err := os.WriteFile(filepath.Join(dir, "policy.rego"), []byte(regoContent), 0o644); err != nil {
		t.Fatalf("write rego: %v", err)
	}
	if _, err := NewEngineFromBundlePath(context.Background(), dir, "test"); err == nil {
		t.Fatalf("expected builtin to be rejected")
	}
}

func TestBundleHashIgnoresNonPolicyFiles(t *testing.T) {
	dir := t.TempDir()
	write := func(name, content string) {
		t.Helper()
		if err := os.MkdirAll(filepath.Dir(filepath.Join(dir, name)), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	write("policy.rego", `package trellis.signer`)
	write("data.json", `{"ok":true}`)

	hashA, err := ComputeBundleHashFromPath(dir)
	if err != nil {
		t.Fatalf("hash A: %v", err)
	}
	write(".DS_Store", "noise")
	write("notes.txt", "noise")
	write("vendor/vendored.rego", "junk")
	write("__MACOSX/junk.rego", "junk")

	hashB, err := ComputeBundleHashFromPath(dir)
	if err != nil {
		t.Fatalf("hash B: %v", err)
	}
	if hashA != hashB {
		t.Fatalf("expected hash to ignore non-policy files")
	}

	write("policy.rego", `package trellis.signer

result := {"allow": false, "deny": []}`)
	hashC, err := ComputeBundleHashFromPath(dir)
	if err != nil {
		t.Fatalf("hash C: %v", err)
	}
	if hashC == hashA {
		t.Fatalf("expected hash to change with the policy")
	}
}

func newEngine(t *testing.T) *Engine {
	t.Helper()
	path := filepath.Join("..", "..", "..", "policy", "bundles", "signer_v0")
	engine, err := NewEngineFromBundlePath(context.Background(), path, "signer_v0")
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return engine
}

func basePolicyInput() domain.PolicyInput {
	return domain.PolicyInput{
		JobID:  "job-1",
		Worker: "a1b2c3d4e5f6",
		Path:   "/resources/abc",
		Signature: domain.SignatureIdentity{
			Type:   "transcription",
			Signer: domain.Signer{Name: "Test Signer", URL: "https://oatscenter.org"},
		},
		Document: json.RawMessage(`{"iam":"a test document","_rev":3}`),
	}
}

func denyOrder(deny []domain.PolicyDeny) []string {
	out := make([]string, 0, len(deny))
	for _, item := range deny {
		out = append(out, item.Code)
	}
	return out
}
