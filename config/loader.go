package config

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"

	"github.com/goccy/go-yaml"
)

// Loader handles configuration loading and parsing
type Loader struct {
	envPattern *regexp.Regexp
	secrets    *SecretRegistry
}

// NewLoader creates a new configuration loader with the default
// secret providers (env, file) registered.
func NewLoader() *Loader {
	reg := NewSecretRegistry()
	reg.Register(&EnvProvider{})
	reg.Register(&FileProvider{})
	return &Loader{
		envPattern: regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`),
		secrets:    reg,
	}
}

// Load reads and parses a configuration file
func (l *Loader) Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return l.Parse(data)
}

// Parse parses configuration from YAML bytes
func (l *Loader) Parse(data []byte) (*Config, error) {
	// Expand bare ${VAR} references in the raw text
	expanded := l.expandEnvVars(string(data))

	// Start with defaults
	cfg := DefaultConfig()

	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	// Resolve ${scheme:ref} secret references field by field
	if err := resolveSecretRefs(context.Background(), cfg, l.secrets); err != nil {
		return nil, err
	}

	applyDefaults(cfg)

	if err := l.validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} with environment variable values
func (l *Loader) expandEnvVars(input string) string {
	return l.envPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := strings.TrimPrefix(strings.TrimSuffix(match, "}"), "${")
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match // Keep original if env var not set
	})
}

// applyDefaults fills derived defaults that depend on other fields.
func applyDefaults(cfg *Config) {
	for i := range cfg.Resources {
		res := &cfg.Resources[i]
		if res.Sensitivity == "" {
			res.Sensitivity = SensitivityMedium
		}
		if res.Name == "" {
			res.Name = res.ID
		}
		for j := range res.Capabilities {
			cap := &res.Capabilities[j]
			if cap.Sensitivity == "" {
				cap.Sensitivity = res.Sensitivity
			}
			if cap.ID == "" {
				cap.ID = res.ID + "." + cap.Name
			}
		}
	}
	if cfg.Federation.NodeName == "" {
		cfg.Federation.NodeName = cfg.Federation.NodeID
	}
}

var validInjectionModes = map[string]bool{"off": true, "alert": true, "block": true}

var validSinkTypes = map[string]bool{"hec": true, "taglog": true}

var validDiscoveryMethods = map[string]bool{
	"mdns": true, "dns-sd": true, "consul": true, "etcd": true, "manual": true,
}

var validAuthStrategies = map[string]bool{
	"": true, "none": true, "bearer": true, "basic": true,
	"api-key": true, "oauth2-client-credentials": true,
}

// validate checks configuration for errors
func (l *Loader) validate(cfg *Config) error {
	if cfg.Server.Listen == "" {
		return fmt.Errorf("server: listen address is required")
	}
	if cfg.Server.TLS.Enabled {
		if cfg.Server.TLS.CertFile == "" {
			return fmt.Errorf("server: TLS enabled but cert_file not provided")
		}
		if cfg.Server.TLS.KeyFile == "" {
			return fmt.Errorf("server: TLS enabled but key_file not provided")
		}
	}

	switch cfg.Sessions.Backend {
	case "", "memory":
	case "redis":
		if cfg.Redis.Addr == "" {
			return fmt.Errorf("sessions: redis backend requires redis.addr")
		}
	default:
		return fmt.Errorf("sessions: invalid backend %q", cfg.Sessions.Backend)
	}

	for i, u := range cfg.Auth.Providers.Local.Users {
		if u.Username == "" {
			return fmt.Errorf("auth: local user %d: username is required", i)
		}
		if u.PasswordHash == "" {
			return fmt.Errorf("auth: local user %s: password_hash is required", u.Username)
		}
	}
	if oidc := cfg.Auth.Providers.OIDC; oidc.Enabled {
		if oidc.ClientID == "" || oidc.ClientSecret == "" {
			return fmt.Errorf("auth: oidc requires client_id and client_secret")
		}
		if oidc.AuthorizeURL == "" || oidc.TokenURL == "" {
			return fmt.Errorf("auth: oidc requires authorize_url and token_url")
		}
		if oidc.RedirectURI == "" {
			return fmt.Errorf("auth: oidc requires redirect_uri")
		}
	}

	if cfg.Policy.Endpoint != "" {
		if _, err := url.Parse(cfg.Policy.Endpoint); err != nil {
			return fmt.Errorf("policy: invalid endpoint: %w", err)
		}
	}

	if !validInjectionModes[cfg.Injection.Mode] {
		return fmt.Errorf("injection: invalid mode %q", cfg.Injection.Mode)
	}
	if cfg.Injection.Threshold < 0 || cfg.Injection.Threshold > 1 {
		return fmt.Errorf("injection: threshold must be within [0, 1]")
	}
	for _, r := range cfg.Injection.Rules {
		if r.Name == "" || r.Pattern == "" {
			return fmt.Errorf("injection: rules need name and pattern")
		}
		if _, err := regexp.Compile(r.Pattern); err != nil {
			return fmt.Errorf("injection: rule %s: invalid pattern: %w", r.Name, err)
		}
	}

	for _, p := range cfg.Scanner.CustomPatterns {
		if p.Name == "" || p.Regex == "" {
			return fmt.Errorf("scanner: custom patterns need name and regex")
		}
		if _, err := regexp.Compile(p.Regex); err != nil {
			return fmt.Errorf("scanner: pattern %s: invalid regex: %w", p.Name, err)
		}
	}

	if j := cfg.Adapters.Defaults.Retry.Jitter; j != "" && j != "none" && j != "full" {
		return fmt.Errorf("adapters: invalid retry jitter %q", j)
	}

	switch cfg.Audit.Store {
	case "", "memory":
	case "file":
		if cfg.Audit.Path == "" {
			return fmt.Errorf("audit: file store requires path")
		}
	default:
		return fmt.Errorf("audit: invalid store %q", cfg.Audit.Store)
	}

	if len(cfg.SIEM.Sinks) > 0 && cfg.SIEM.FallbackDir == "" {
		return fmt.Errorf("siem: fallback_dir is required when sinks are configured")
	}
	sinkNames := make(map[string]bool)
	for i, s := range cfg.SIEM.Sinks {
		if s.Name == "" {
			return fmt.Errorf("siem: sink %d: name is required", i)
		}
		if sinkNames[s.Name] {
			return fmt.Errorf("siem: duplicate sink name %q", s.Name)
		}
		sinkNames[s.Name] = true
		if !validSinkTypes[s.Type] {
			return fmt.Errorf("siem: sink %s: invalid type %q", s.Name, s.Type)
		}
		if s.URL == "" {
			return fmt.Errorf("siem: sink %s: url is required", s.Name)
		}
	}

	if cfg.Federation.Enabled {
		if cfg.Federation.NodeID == "" {
			return fmt.Errorf("federation: node_id is required")
		}
		if cfg.Federation.CertFile == "" || cfg.Federation.KeyFile == "" {
			return fmt.Errorf("federation: cert_file and key_file are required")
		}
	}
	nodeIDs := make(map[string]bool)
	for _, n := range cfg.Federation.Nodes {
		if n.NodeID == "" {
			return fmt.Errorf("federation: node entries need node_id")
		}
		if nodeIDs[n.NodeID] {
			return fmt.Errorf("federation: duplicate node_id %q", n.NodeID)
		}
		nodeIDs[n.NodeID] = true
		if !strings.HasPrefix(n.Endpoint, "https://") {
			return fmt.Errorf("federation: node %s: endpoint must be https", n.NodeID)
		}
	}

	for _, m := range cfg.Discovery.Methods {
		if !validDiscoveryMethods[m] {
			return fmt.Errorf("discovery: invalid method %q", m)
		}
	}

	resourceIDs := make(map[string]bool)
	for i, res := range cfg.Resources {
		if res.ID == "" {
			return fmt.Errorf("resource %d: id is required", i)
		}
		if resourceIDs[res.ID] {
			return fmt.Errorf("duplicate resource id: %s", res.ID)
		}
		resourceIDs[res.ID] = true

		if !res.Protocol.Valid() {
			return fmt.Errorf("resource %s: invalid protocol: %s", res.ID, res.Protocol)
		}
		if !res.Sensitivity.Valid() {
			return fmt.Errorf("resource %s: invalid sensitivity: %s", res.ID, res.Sensitivity)
		}
		if res.Protocol == ProtocolMCPStdio {
			if res.Stdio == nil || len(res.Stdio.Command) == 0 {
				return fmt.Errorf("resource %s: mcp-stdio requires stdio.command", res.ID)
			}
		} else if res.Endpoint == "" {
			return fmt.Errorf("resource %s: endpoint is required", res.ID)
		}
		if !validAuthStrategies[res.Auth.Strategy] {
			return fmt.Errorf("resource %s: invalid auth strategy %q", res.ID, res.Auth.Strategy)
		}

		capIDs := make(map[string]bool)
		for _, cap := range res.Capabilities {
			if cap.Name == "" {
				return fmt.Errorf("resource %s: capabilities need a name", res.ID)
			}
			if capIDs[cap.ID] {
				return fmt.Errorf("resource %s: duplicate capability id %s", res.ID, cap.ID)
			}
			capIDs[cap.ID] = true
			if !cap.Sensitivity.Valid() {
				return fmt.Errorf("resource %s: capability %s: invalid sensitivity", res.ID, cap.Name)
			}
		}
	}

	return nil
}
