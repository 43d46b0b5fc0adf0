package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeManifest(t *testing.T, dir, contents string) string {
	t.Helper()
	path := filepath.Join(dir, "manifest.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	return path
}

func TestLoad_AppliesDefaultsAndResolvesSigningKey(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("MAAS_SIGNING_KEY", "deadbeef")
	path := writeManifest(t, dir, `
rpcUrl: "http://localhost:8545"
signingKey: "MAAS_SIGNING_KEY"
`)

	m, err := Load(path, "")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if m.SigningKey != "deadbeef" {
		t.Fatalf("expected resolved signing key, got %q", m.SigningKey)
	}
	if m.GasPolicy != "multiplier-of-suggested" {
		t.Fatalf("expected default gasPolicy, got %q", m.GasPolicy)
	}
	if m.GasLimit != 300_000 {
		t.Fatalf("expected default gasLimit, got %d", m.GasLimit)
	}
	if m.Retry.MaxAttempts != 5 {
		t.Fatalf("expected default maxAttempts, got %d", m.Retry.MaxAttempts)
	}
}

func TestLoad_MissingSigningKeyEnvFails(t *testing.T) {
	dir := t.TempDir()
	path := writeManifest(t, dir, `
rpcUrl: "http://localhost:8545"
signingKey: "UNSET_ENV_VAR"
`)
	if _, err := Load(path, ""); err == nil {
		t.Fatalf("expected error for unset signing key env var")
	}
}

func TestLoad_RejectsUnrecognizedGasPolicy(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("MAAS_SIGNING_KEY", "deadbeef")
	path := writeManifest(t, dir, `
rpcUrl: "http://localhost:8545"
signingKey: "MAAS_SIGNING_KEY"
gasPolicy: "not-a-real-policy"
`)
	if _, err := Load(path, ""); err == nil {
		t.Fatalf("expected error for unrecognized gasPolicy")
	}
}

func TestExpandEnvDefault(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		in   string
		want string
	}{
		{name: "plain var set", env: map[string]string{"FOO": "bar"}, in: "${FOO}", want: "bar"},
		{name: "default used when unset", env: nil, in: "${MISSING:-fallback}", want: "fallback"},
		{name: "no tokens passes through", env: nil, in: "plain-value", want: "plain-value"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if got := expandEnvDefault(tt.in); got != tt.want {
				t.Errorf("expandEnvDefault(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestManifest_InitialDelay(t *testing.T) {
	m := Manifest{}
	if d := m.InitialDelay(); d.String() != "200ms" {
		t.Fatalf("expected default 200ms, got %s", d)
	}
	m.Retry.InitialDelay = "1s"
	if d := m.InitialDelay(); d.String() != "1s" {
		t.Fatalf("expected parsed 1s, got %s", d)
	}
}
