package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParseDefaults(t *testing.T) {
	loader := NewLoader()
	cfg, err := loader.Parse([]byte("server:\n  listen: \":9443\"\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Listen != ":9443" {
		t.Errorf("expected listen :9443, got %s", cfg.Server.Listen)
	}
	if cfg.Server.ReadTimeout != 30*time.Second {
		t.Errorf("expected default read timeout 30s, got %v", cfg.Server.ReadTimeout)
	}
	if cfg.Policy.Timeout != time.Second {
		t.Errorf("expected default policy timeout 1s, got %v", cfg.Policy.Timeout)
	}
	if cfg.Adapters.Defaults.Breaker.FailureThreshold != 5 {
		t.Errorf("expected default failure threshold 5, got %d",
			cfg.Adapters.Defaults.Breaker.FailureThreshold)
	}
	if cfg.Adapters.Defaults.Retry.Jitter != "full" {
		t.Errorf("expected default jitter full, got %s", cfg.Adapters.Defaults.Retry.Jitter)
	}
	if cfg.SIEM.QueueMax != 10000 {
		t.Errorf("expected default queue max 10000, got %d", cfg.SIEM.QueueMax)
	}
	if cfg.Policy.CacheEnabled == nil || !*cfg.Policy.CacheEnabled {
		t.Error("expected policy cache enabled by default")
	}
}

func TestParseResource(t *testing.T) {
	yml := `
server:
  listen: ":8443"
resources:
  - id: github
    protocol: http
    endpoint: https://api.github.com
    sensitivity: high
    capabilities:
      - name: create_issue
      - name: list_repos
        sensitivity: low
`
	loader := NewLoader()
	cfg, err := loader.Parse([]byte(yml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Resources) != 1 {
		t.Fatalf("expected 1 resource, got %d", len(cfg.Resources))
	}
	res := cfg.Resources[0]
	if res.Name != "github" {
		t.Errorf("expected name defaulted to id, got %s", res.Name)
	}
	if len(res.Capabilities) != 2 {
		t.Fatalf("expected 2 capabilities, got %d", len(res.Capabilities))
	}
	if res.Capabilities[0].ID != "github.create_issue" {
		t.Errorf("expected capability id github.create_issue, got %s", res.Capabilities[0].ID)
	}
	if res.Capabilities[0].Sensitivity != SensitivityHigh {
		t.Errorf("expected capability to inherit high sensitivity, got %s",
			res.Capabilities[0].Sensitivity)
	}
	if res.Capabilities[1].Sensitivity != SensitivityLow {
		t.Errorf("expected explicit low sensitivity kept, got %s",
			res.Capabilities[1].Sensitivity)
	}
}

func TestParseDuration(t *testing.T) {
	yml := `
server:
  listen: ":8443"
  read_timeout: 45s
policy:
  timeout: 750ms
`
	loader := NewLoader()
	cfg, err := loader.Parse([]byte(yml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.ReadTimeout != 45*time.Second {
		t.Errorf("expected 45s, got %v", cfg.Server.ReadTimeout)
	}
	if cfg.Policy.Timeout != 750*time.Millisecond {
		t.Errorf("expected 750ms, got %v", cfg.Policy.Timeout)
	}
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("TEST_LISTEN_ADDR", ":7443")

	loader := NewLoader()
	cfg, err := loader.Parse([]byte("server:\n  listen: \"${TEST_LISTEN_ADDR}\"\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Listen != ":7443" {
		t.Errorf("expected env-expanded listen :7443, got %s", cfg.Server.Listen)
	}
}

func TestExpandEnvVarsUnsetKept(t *testing.T) {
	loader := NewLoader()
	out := loader.expandEnvVars("addr: ${DEFINITELY_NOT_SET_12345}")
	if out != "addr: ${DEFINITELY_NOT_SET_12345}" {
		t.Errorf("expected unset var kept verbatim, got %s", out)
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sark.yaml")
	if err := os.WriteFile(path, []byte("server:\n  listen: \":8443\"\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := NewLoader().Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Listen != ":8443" {
		t.Errorf("expected :8443, got %s", cfg.Server.Listen)
	}

	if _, err := NewLoader().Load(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name string
		yml  string
		want string
	}{
		{
			name: "tls without cert",
			yml: `
server:
  listen: ":8443"
  tls:
    enabled: true
`,
			want: "cert_file",
		},
		{
			name: "duplicate resource id",
			yml: `
resources:
  - id: a
    protocol: http
    endpoint: http://a
  - id: a
    protocol: http
    endpoint: http://b
`,
			want: "duplicate resource id",
		},
		{
			name: "bad protocol",
			yml: `
resources:
  - id: a
    protocol: ftp
    endpoint: http://a
`,
			want: "invalid protocol",
		},
		{
			name: "stdio without command",
			yml: `
resources:
  - id: a
    protocol: mcp-stdio
`,
			want: "stdio.command",
		},
		{
			name: "missing endpoint",
			yml: `
resources:
  - id: a
    protocol: grpc
`,
			want: "endpoint is required",
		},
		{
			name: "bad injection mode",
			yml: `
injection:
  mode: observe
`,
			want: "invalid mode",
		},
		{
			name: "bad injection rule regex",
			yml: `
injection:
  mode: block
  rules:
    - name: broken
      pattern: "["
`,
			want: "invalid pattern",
		},
		{
			name: "bad scanner regex",
			yml: `
scanner:
  custom_patterns:
    - name: broken
      regex: "("
`,
			want: "invalid regex",
		},
		{
			name: "bad sink type",
			yml: `
siem:
  fallback_dir: /tmp
  sinks:
    - name: s1
      type: syslog
      url: http://collector
`,
			want: "invalid type",
		},
		{
			name: "duplicate sink",
			yml: `
siem:
  fallback_dir: /tmp
  sinks:
    - name: s1
      type: hec
      url: http://one
    - name: s1
      type: hec
      url: http://two
`,
			want: "duplicate sink name",
		},
		{
			name: "sinks without fallback dir",
			yml: `
siem:
  fallback_dir: ""
  sinks:
    - name: s1
      type: hec
      url: http://one
`,
			want: "fallback_dir",
		},
		{
			name: "federation without cert",
			yml: `
federation:
  enabled: true
  node_id: node-a
`,
			want: "cert_file",
		},
		{
			name: "federation node over plain http",
			yml: `
federation:
  nodes:
    - node_id: peer-1
      endpoint: http://peer.internal:8444
`,
			want: "must be https",
		},
		{
			name: "bad discovery method",
			yml: `
discovery:
  methods: [zeroconf]
`,
			want: "invalid method",
		},
		{
			name: "redis sessions without addr",
			yml: `
sessions:
  backend: redis
`,
			want: "redis.addr",
		},
		{
			name: "bad jitter",
			yml: `
adapters:
  defaults:
    retry:
      jitter: gaussian
`,
			want: "jitter",
		},
	}

	loader := NewLoader()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loader.Parse([]byte(tt.yml))
			if err == nil {
				t.Fatal("expected validation error, got nil")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
