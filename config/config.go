package config

import (
	"time"
)

// Protocol identifies the backend protocol of a resource.
type Protocol string

const (
	ProtocolHTTP     Protocol = "http"
	ProtocolGRPC     Protocol = "grpc"
	ProtocolMCP      Protocol = "mcp"
	ProtocolMCPStdio Protocol = "mcp-stdio"
)

// Valid reports whether p is a known protocol.
func (p Protocol) Valid() bool {
	switch p {
	case ProtocolHTTP, ProtocolGRPC, ProtocolMCP, ProtocolMCPStdio:
		return true
	}
	return false
}

// Sensitivity is the operator-assigned risk tier of a resource or capability.
// It drives decision-cache TTL, redaction, and audit severity.
type Sensitivity string

const (
	SensitivityLow      Sensitivity = "low"
	SensitivityMedium   Sensitivity = "medium"
	SensitivityHigh     Sensitivity = "high"
	SensitivityCritical Sensitivity = "critical"
)

// Valid reports whether s is a known sensitivity tier.
func (s Sensitivity) Valid() bool {
	switch s {
	case SensitivityLow, SensitivityMedium, SensitivityHigh, SensitivityCritical:
		return true
	}
	return false
}

var sensitivityRank = map[Sensitivity]int{
	SensitivityLow:      0,
	SensitivityMedium:   1,
	SensitivityHigh:     2,
	SensitivityCritical: 3,
}

// AtLeast reports whether s ranks at or above other. Unknown tiers
// rank below low.
func (s Sensitivity) AtLeast(other Sensitivity) bool {
	sr, ok := sensitivityRank[s]
	if !ok {
		return false
	}
	return sr >= sensitivityRank[other]
}

// Config represents the complete gateway configuration
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Admin      AdminConfig      `yaml:"admin"`
	Logging    LoggingConfig    `yaml:"logging"`
	Tracing    TracingConfig    `yaml:"tracing"`
	Auth       AuthConfig       `yaml:"auth"`
	Sessions   SessionsConfig   `yaml:"sessions"`
	Redis      RedisConfig      `yaml:"redis"`
	Policy     PolicyConfig     `yaml:"policy"`
	Injection  InjectionConfig  `yaml:"injection"`
	Scanner    ScannerConfig    `yaml:"scanner"`
	Adapters   AdaptersConfig   `yaml:"adapters"`
	Stdio      StdioConfig      `yaml:"stdio"`
	Audit      AuditConfig      `yaml:"audit"`
	SIEM       SIEMConfig       `yaml:"siem"`
	Federation FederationConfig `yaml:"federation"`
	Discovery  DiscoveryConfig  `yaml:"discovery"`
	Resources  []ResourceConfig `yaml:"resources"`
}

// ServerConfig configures the public HTTP listener. An empty
// CORSOrigins list disables cross-origin handling entirely.
type ServerConfig struct {
	Listen       string        `yaml:"listen"`
	TLS          TLSConfig     `yaml:"tls"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
	MaxBodyBytes int64         `yaml:"max_body_bytes"`
	CORSOrigins  []string      `yaml:"cors_origins"`
}

// TLSConfig holds a certificate pair for a listener.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// AdminConfig configures the admin/metrics listener.
type AdminConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// LoggingConfig configures structured logging output.
type LoggingConfig struct {
	Level string        `yaml:"level"`
	File  LogFileConfig `yaml:"file"`
}

// LogFileConfig configures optional rotated file output.
type LogFileConfig struct {
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// TracingConfig configures OpenTelemetry export.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRatio float64 `yaml:"sample_ratio"`
	Insecure    bool    `yaml:"insecure"`
}

// AuthConfig configures principal authentication.
type AuthConfig struct {
	// AppName and Environment form the API key prefix {app}_sk_{env}_.
	AppName               string          `yaml:"app_name"`
	Environment           string          `yaml:"environment"`
	SessionTimeoutSeconds int             `yaml:"session_timeout_seconds"`
	RememberMeMultiplier  int             `yaml:"remember_me_multiplier"`
	Providers             ProvidersConfig `yaml:"providers"`
}

// ProvidersConfig holds the configured auth providers.
type ProvidersConfig struct {
	Local LocalProviderConfig `yaml:"local"`
	OIDC  OIDCProviderConfig  `yaml:"oidc"`
}

// LocalProviderConfig defines config-backed users for the local provider.
type LocalProviderConfig struct {
	Enabled bool        `yaml:"enabled"`
	Users   []LocalUser `yaml:"users"`
}

// LocalUser is a statically provisioned principal.
type LocalUser struct {
	Username     string   `yaml:"username"`
	PasswordHash string   `yaml:"password_hash" redact:"true"`
	Email        string   `yaml:"email"`
	Role         string   `yaml:"role"`
	Teams        []string `yaml:"teams"`
}

// OIDCProviderConfig configures the OIDC login flow.
type OIDCProviderConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Issuer       string        `yaml:"issuer"`
	AuthorizeURL string        `yaml:"authorize_url"`
	TokenURL     string        `yaml:"token_url"`
	JWKSURL      string        `yaml:"jwks_url"`
	ClientID     string        `yaml:"client_id"`
	ClientSecret string        `yaml:"client_secret" redact:"true"`
	RedirectURI  string        `yaml:"redirect_uri"`
	Scopes       []string      `yaml:"scopes"`
	JWKSRefresh  time.Duration `yaml:"jwks_refresh"` // default 1h
}

// SessionsConfig selects the session store backend.
type SessionsConfig struct {
	Backend string `yaml:"backend"` // memory | redis
}

// RedisConfig configures the shared Redis connection.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password" redact:"true"`
	DB       int    `yaml:"db"`
}

// PolicyConfig configures the external policy engine client.
type PolicyConfig struct {
	Endpoint     string        `yaml:"endpoint"`
	Path         string        `yaml:"path"`
	Timeout      time.Duration `yaml:"timeout"` // default 1s; expiry means deny
	CacheEnabled *bool         `yaml:"cache_enabled"`
}

// InjectionConfig configures the prompt-injection screen.
type InjectionConfig struct {
	Mode      string                `yaml:"mode"` // off | alert | block
	Threshold float64               `yaml:"threshold"`
	Rules     []InjectionRuleConfig `yaml:"rules"`
}

// InjectionRuleConfig adds a detector rule on top of the built-ins.
type InjectionRuleConfig struct {
	Name    string  `yaml:"name"`
	Pattern string  `yaml:"pattern"`
	Score   float64 `yaml:"score"`
}

// ScannerConfig configures secret detection on responses.
type ScannerConfig struct {
	Enabled        *bool           `yaml:"enabled"`
	CustomPatterns []PatternConfig `yaml:"custom_patterns"`
}

// PatternConfig is a named regex added to the scanner registry.
type PatternConfig struct {
	Name  string `yaml:"name"`
	Regex string `yaml:"regex"`
}

// AdaptersConfig carries the adapter guard defaults.
type AdaptersConfig struct {
	Defaults AdapterGuardConfig `yaml:"defaults"`
}

// AdapterGuardConfig bundles the per-adapter resilience settings.
type AdapterGuardConfig struct {
	Timeout time.Duration `yaml:"timeout"`
	Rate    RateConfig    `yaml:"rate"`
	Breaker BreakerConfig `yaml:"breaker"`
	Retry   RetryConfig   `yaml:"retry"`
}

// RateConfig configures a token-bucket limiter. RPS 0 means unlimited.
type RateConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// BreakerConfig configures a circuit breaker.
type BreakerConfig struct {
	FailureThreshold int `yaml:"failure_threshold"`
	RecoverySeconds  int `yaml:"recovery_seconds"`
	HalfOpenMax      int `yaml:"half_open_max"`
	SuccessThreshold int `yaml:"success_threshold"`
}

// RetryConfig configures retry with exponential backoff.
type RetryConfig struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Base         float64       `yaml:"base"`
	Jitter       string        `yaml:"jitter"` // none | full
}

// StdioConfig bounds child-process MCP transports.
type StdioConfig struct {
	MaxMemoryMB      int `yaml:"max_memory_mb"`
	MaxFDs           int `yaml:"max_fds"`
	HeartbeatSeconds int `yaml:"heartbeat_seconds"`
	HungSeconds      int `yaml:"hung_seconds"`
	MaxRestarts      int `yaml:"max_restarts"`
	GraceSeconds     int `yaml:"grace_seconds"`
}

// AuditConfig selects the audit event store. The memory store keeps
// the most recent Capacity events in a ring; the file store appends
// JSONL with a sync per event.
type AuditConfig struct {
	Store    string `yaml:"store"` // memory | file
	Path     string `yaml:"path"`
	Capacity int    `yaml:"capacity"`
}

// SIEMConfig configures the SIEM forwarder.
type SIEMConfig struct {
	BatchSize             int          `yaml:"batch_size"`
	BatchTimeoutSeconds   int          `yaml:"batch_timeout_seconds"`
	QueueMax              int          `yaml:"queue_max"`
	RetryAttempts         int          `yaml:"retry_attempts"`
	MinCompressBytes      int          `yaml:"min_compress_bytes"`
	FallbackDir           string       `yaml:"fallback_dir"`
	HealthIntervalSeconds int          `yaml:"health_interval_seconds"`
	Alert                 AlertConfig  `yaml:"alert"`
	Sinks                 []SinkConfig `yaml:"sinks"`
}

// AlertConfig defines the sustained-failure alert predicate.
type AlertConfig struct {
	Expression    string `yaml:"expression"`
	WindowSeconds int    `yaml:"window_seconds"`
}

// SinkConfig defines one SIEM backend.
type SinkConfig struct {
	Name       string            `yaml:"name"`
	Type       string            `yaml:"type"` // hec | taglog
	URL        string            `yaml:"url"`
	Token      string            `yaml:"token" redact:"true"`
	Index      string            `yaml:"index"`
	Source     string            `yaml:"source"`
	SourceType string            `yaml:"sourcetype"`
	Host       string            `yaml:"host"`
	Service    string            `yaml:"service"`
	Tags       map[string]string `yaml:"tags"`
}

// FederationConfig configures cross-node trust and routing.
type FederationConfig struct {
	Enabled              bool                   `yaml:"enabled"`
	NodeID               string                 `yaml:"node_id"`
	NodeName             string                 `yaml:"node_name"`
	Listen               string                 `yaml:"listen"`
	CAFile               string                 `yaml:"ca_file"`
	CertFile             string                 `yaml:"cert_file"`
	KeyFile              string                 `yaml:"key_file"`
	PeerTimeoutSeconds   int                    `yaml:"peer_timeout_seconds"`
	HealthTimeoutSeconds int                    `yaml:"health_timeout_seconds"`
	RateLimitPerHour     int                    `yaml:"rate_limit_per_hour"`
	Nodes                []FederationNodeConfig `yaml:"nodes"`
}

// FederationNodeConfig statically provisions a trusted peer.
type FederationNodeConfig struct {
	NodeID          string `yaml:"node_id"`
	Name            string `yaml:"name"`
	Endpoint        string `yaml:"endpoint"`
	TrustAnchorFile string `yaml:"trust_anchor_file"`
	Enabled         *bool  `yaml:"enabled"`
}

// DiscoveryConfig configures backend service discovery.
type DiscoveryConfig struct {
	Methods     []string       `yaml:"methods"` // mdns | dns-sd | consul | etcd | manual
	ServiceType string         `yaml:"service_type"`
	MDNS        MDNSConfig     `yaml:"mdns"`
	DNSSD       DNSSDConfig    `yaml:"dns_sd"`
	Consul      ConsulConfig   `yaml:"consul"`
	Etcd        EtcdConfig     `yaml:"etcd"`
	Manual      []ManualRecord `yaml:"manual"`
}

// MDNSConfig configures multicast DNS probing.
type MDNSConfig struct {
	Interface      string `yaml:"interface"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// DNSSDConfig configures unicast DNS-SD lookups.
type DNSSDConfig struct {
	Domain string `yaml:"domain"`
	Server string `yaml:"server"` // optional custom resolver addr
}

// ConsulConfig configures Consul catalog discovery.
type ConsulConfig struct {
	Addr       string `yaml:"addr"`
	Datacenter string `yaml:"datacenter"`
	Token      string `yaml:"token" redact:"true"`
}

// EtcdConfig configures the etcd registry backend.
type EtcdConfig struct {
	Endpoints []string `yaml:"endpoints"`
	Prefix    string   `yaml:"prefix"`
	Username  string   `yaml:"username"`
	Password  string   `yaml:"password" redact:"true"`
}

// ManualRecord statically declares a discoverable service instance.
type ManualRecord struct {
	ServiceName  string            `yaml:"service_name"`
	InstanceName string            `yaml:"instance_name"`
	Hostname     string            `yaml:"hostname"`
	Port         int               `yaml:"port"`
	TXT          map[string]string `yaml:"txt"`
}

// ResourceConfig statically registers a backend resource.
type ResourceConfig struct {
	ID           string              `yaml:"id"`
	Name         string              `yaml:"name"`
	Protocol     Protocol            `yaml:"protocol"`
	Endpoint     string              `yaml:"endpoint"`
	Sensitivity  Sensitivity         `yaml:"sensitivity"`
	Auth         BackendAuthConfig   `yaml:"auth"`
	Metadata     map[string]string   `yaml:"metadata"`
	Stdio        *StdioCommandConfig `yaml:"stdio"`
	Guards       *AdapterGuardConfig `yaml:"guards"` // overrides adapters.defaults
	OpenAPIURL   string              `yaml:"openapi_url"`
	Capabilities []CapabilityConfig  `yaml:"capabilities"`
}

// BackendAuthConfig selects the outbound auth strategy for a resource.
type BackendAuthConfig struct {
	Strategy     string   `yaml:"strategy"` // none | bearer | basic | api-key | oauth2-client-credentials
	Token        string   `yaml:"token" redact:"true"`
	Username     string   `yaml:"username"`
	Password     string   `yaml:"password" redact:"true"`
	Header       string   `yaml:"header"` // api-key header name
	TokenURL     string   `yaml:"token_url"`
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret" redact:"true"`
	Scopes       []string `yaml:"scopes"`
}

// StdioCommandConfig spawns a child-process MCP server.
type StdioCommandConfig struct {
	Command []string          `yaml:"command"`
	Dir     string            `yaml:"dir"`
	Env     map[string]string `yaml:"env"`
}

// CapabilityConfig statically declares a capability of a resource.
type CapabilityConfig struct {
	ID           string            `yaml:"id"`
	Name         string            `yaml:"name"`
	Description  string            `yaml:"description"`
	Sensitivity  Sensitivity       `yaml:"sensitivity"`
	InputSchema  map[string]any    `yaml:"input_schema"`
	OutputSchema map[string]any    `yaml:"output_schema"`
	Metadata     map[string]string `yaml:"metadata"`
}

// DefaultConfig returns a Config populated with defaults.
func DefaultConfig() *Config {
	cacheEnabled := true
	scannerEnabled := true
	return &Config{
		Server: ServerConfig{
			Listen:       ":8443",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  120 * time.Second,
			MaxBodyBytes: 4 << 20,
		},
		Admin: AdminConfig{
			Enabled: true,
			Listen:  "127.0.0.1:9901",
		},
		Logging: LoggingConfig{
			Level: "info",
			File: LogFileConfig{
				MaxSizeMB:  100,
				MaxBackups: 3,
				MaxAgeDays: 7,
				Compress:   true,
			},
		},
		Tracing: TracingConfig{
			Endpoint:    "localhost:4317",
			ServiceName: "sark",
			SampleRatio: 0.1,
		},
		Auth: AuthConfig{
			AppName:               "sark",
			Environment:           "prod",
			SessionTimeoutSeconds: 86400,
			RememberMeMultiplier:  30,
			Providers: ProvidersConfig{
				OIDC: OIDCProviderConfig{
					JWKSRefresh: time.Hour,
				},
			},
		},
		Sessions: SessionsConfig{Backend: "memory"},
		Policy: PolicyConfig{
			Endpoint:     "http://127.0.0.1:8181",
			Path:         "sark/authz",
			Timeout:      time.Second,
			CacheEnabled: &cacheEnabled,
		},
		Injection: InjectionConfig{
			Mode:      "off",
			Threshold: 0.7,
		},
		Scanner: ScannerConfig{Enabled: &scannerEnabled},
		Adapters: AdaptersConfig{
			Defaults: AdapterGuardConfig{
				Timeout: 30 * time.Second,
				Breaker: BreakerConfig{
					FailureThreshold: 5,
					RecoverySeconds:  60,
					HalfOpenMax:      1,
					SuccessThreshold: 2,
				},
				Retry: RetryConfig{
					MaxAttempts:  3,
					InitialDelay: 500 * time.Millisecond,
					MaxDelay:     10 * time.Second,
					Base:         2.0,
					Jitter:       "full",
				},
			},
		},
		Stdio: StdioConfig{
			MaxMemoryMB:      1024,
			MaxFDs:           1000,
			HeartbeatSeconds: 10,
			HungSeconds:      15,
			MaxRestarts:      3,
			GraceSeconds:     5,
		},
		Audit: AuditConfig{
			Store:    "memory",
			Capacity: 10000,
		},
		SIEM: SIEMConfig{
			BatchSize:             100,
			BatchTimeoutSeconds:   2,
			QueueMax:              10000,
			RetryAttempts:         3,
			MinCompressBytes:      1024,
			HealthIntervalSeconds: 30,
			Alert: AlertConfig{
				WindowSeconds: 300,
			},
		},
		Federation: FederationConfig{
			Listen:               ":8444",
			PeerTimeoutSeconds:   30,
			HealthTimeoutSeconds: 5,
			RateLimitPerHour:     1000,
		},
		Discovery: DiscoveryConfig{
			Methods:     []string{"manual"},
			ServiceType: "_sark._tcp.local.",
			MDNS:        MDNSConfig{TimeoutSeconds: 3},
			Consul:      ConsulConfig{Addr: "127.0.0.1:8500"},
			Etcd: EtcdConfig{
				Endpoints: []string{"127.0.0.1:2379"},
				Prefix:    "/sark/registry",
			},
		},
	}
}
