package config

import "testing"

func TestRedactConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Redis.Password = "redis-pw"
	cfg.Auth.Providers.OIDC.ClientSecret = "oidc-secret"
	cfg.Auth.Providers.Local.Users = []LocalUser{
		{Username: "alice", PasswordHash: "$2a$10$hash"},
	}
	cfg.SIEM.Sinks = []SinkConfig{
		{Name: "splunk", Type: "hec", URL: "https://splunk:8088", Token: "hec-token"},
	}
	cfg.Resources = []ResourceConfig{
		{ID: "svc", Protocol: ProtocolHTTP, Endpoint: "http://svc",
			Auth: BackendAuthConfig{Strategy: "bearer", Token: "backend-token"}},
	}

	redacted, err := RedactConfig(cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if redacted.Redis.Password != RedactedValue {
		t.Errorf("expected redacted redis password, got %q", redacted.Redis.Password)
	}
	if redacted.Auth.Providers.OIDC.ClientSecret != RedactedValue {
		t.Errorf("expected redacted client secret, got %q", redacted.Auth.Providers.OIDC.ClientSecret)
	}
	if redacted.Auth.Providers.Local.Users[0].PasswordHash != RedactedValue {
		t.Errorf("expected redacted password hash, got %q",
			redacted.Auth.Providers.Local.Users[0].PasswordHash)
	}
	if redacted.SIEM.Sinks[0].Token != RedactedValue {
		t.Errorf("expected redacted sink token, got %q", redacted.SIEM.Sinks[0].Token)
	}
	if redacted.Resources[0].Auth.Token != RedactedValue {
		t.Errorf("expected redacted backend token, got %q", redacted.Resources[0].Auth.Token)
	}

	// Non-secret fields survive.
	if redacted.Auth.Providers.Local.Users[0].Username != "alice" {
		t.Errorf("expected username kept, got %q", redacted.Auth.Providers.Local.Users[0].Username)
	}
	if redacted.SIEM.Sinks[0].URL != "https://splunk:8088" {
		t.Errorf("expected sink url kept, got %q", redacted.SIEM.Sinks[0].URL)
	}

	// The original is untouched.
	if cfg.Redis.Password != "redis-pw" {
		t.Errorf("expected original untouched, got %q", cfg.Redis.Password)
	}
	if cfg.SIEM.Sinks[0].Token != "hec-token" {
		t.Errorf("expected original sink token untouched, got %q", cfg.SIEM.Sinks[0].Token)
	}
}

func TestRedactConfigEmptySecrets(t *testing.T) {
	cfg := DefaultConfig()
	redacted, err := RedactConfig(cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Empty secrets stay empty rather than showing the placeholder.
	if redacted.Redis.Password != "" {
		t.Errorf("expected empty password kept empty, got %q", redacted.Redis.Password)
	}
}
