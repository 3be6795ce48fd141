package identity

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sark-io/sark/config"
	"github.com/sark-io/sark/internal/ratelimit"
)

func newTestAuthenticator(t *testing.T) *Authenticator {
	t.Helper()
	window := ratelimit.NewMemoryWindow(time.Minute)
	t.Cleanup(window.Close)

	auth := NewAuthenticator(config.AuthConfig{
		AppName:               "sark",
		Environment:           "test",
		SessionTimeoutSeconds: 3600,
		RememberMeMultiplier:  30,
	}, NewMemorySessionStore(), NewAPIKeyStore("sark", "test", window))

	provider, err := NewLocalProvider(config.LocalProviderConfig{
		Users: []config.LocalUser{
			{Username: "alice", PasswordHash: mustHash(t, "hunter2"), Role: "developer", Teams: []string{"platform"}},
		},
	})
	if err != nil {
		t.Fatalf("NewLocalProvider failed: %v", err)
	}
	auth.RegisterProvider(provider)
	return auth
}

func TestExtractCredentials(t *testing.T) {
	tests := []struct {
		name        string
		cookie      string
		bearer      string
		headerKey   string
		wantSession string
		wantAPIKey  string
	}{
		{name: "cookie wins", cookie: "abc123", bearer: "Bearer sark_sk_test_ffee0011_zzz", wantSession: "abc123"},
		{name: "bearer session id", bearer: "Bearer deadbeef", wantSession: "deadbeef"},
		{name: "bearer api key", bearer: "Bearer sark_sk_test_ffee0011_zzz", wantAPIKey: "sark_sk_test_ffee0011_zzz"},
		{name: "x-api-key header", headerKey: "sark_sk_test_ffee0011_zzz", wantAPIKey: "sark_sk_test_ffee0011_zzz"},
		{name: "nothing", wantSession: "", wantAPIKey: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("POST", "/invoke", nil)
			if tt.cookie != "" {
				r.Header.Set("Cookie", "session_id="+tt.cookie)
			}
			if tt.bearer != "" {
				r.Header.Set("Authorization", tt.bearer)
			}
			if tt.headerKey != "" {
				r.Header.Set("X-API-Key", tt.headerKey)
			}

			session, apiKey := ExtractCredentials(r)
			if session != tt.wantSession {
				t.Errorf("expected session %q, got %q", tt.wantSession, session)
			}
			if apiKey != tt.wantAPIKey {
				t.Errorf("expected api key %q, got %q", tt.wantAPIKey, apiKey)
			}
		})
	}
}

func TestAuthenticatorLoginAndSessionAuth(t *testing.T) {
	auth := newTestAuthenticator(t)
	ctx := context.Background()

	sess, err := auth.Login(ctx, "local", "alice", "hunter2", false, "10.0.0.1", "curl/8")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}

	r := httptest.NewRequest("POST", "/invoke", nil)
	r.Header.Set("Cookie", "session_id="+sess.ID)

	result, err := auth.Authenticate(ctx, r, ScopeInvoke)
	if err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
	if result.Method != MethodSession {
		t.Errorf("expected method session, got %s", result.Method)
	}
	if result.Principal.ID != "local:alice" {
		t.Errorf("expected principal local:alice, got %s", result.Principal.ID)
	}
	if result.Principal.Role != "developer" {
		t.Errorf("expected role developer, got %s", result.Principal.Role)
	}
}

func TestAuthenticatorLoginWrongPassword(t *testing.T) {
	auth := newTestAuthenticator(t)

	if _, err := auth.Login(context.Background(), "local", "alice", "wrong", false, "", ""); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("expected ErrInvalidCredentials, got %v", err)
	}
	if _, err := auth.Login(context.Background(), "ldap", "alice", "hunter2", false, "", ""); !errors.Is(err, ErrUnknownProvider) {
		t.Errorf("expected ErrUnknownProvider, got %v", err)
	}
}

func TestAuthenticatorAPIKeyAuth(t *testing.T) {
	auth := newTestAuthenticator(t)
	ctx := context.Background()

	_, fullKey, err := auth.Keys().Provision(ctx, ProvisionRequest{
		PrincipalID: "local:alice",
		TeamID:      "platform",
		Name:        "pipeline",
		Scopes:      []string{ScopeInvoke},
	})
	if err != nil {
		t.Fatalf("Provision failed: %v", err)
	}

	r := httptest.NewRequest("POST", "/invoke", nil)
	r.Header.Set("Authorization", "Bearer "+fullKey)

	result, err := auth.Authenticate(ctx, r, ScopeInvoke)
	if err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
	if result.Method != MethodAPIKey {
		t.Errorf("expected method api_key, got %s", result.Method)
	}
	if result.Principal.Kind != KindService {
		t.Errorf("expected service principal, got %s", result.Principal.Kind)
	}
	if len(result.Principal.Teams) != 1 || result.Principal.Teams[0] != "platform" {
		t.Errorf("expected team platform on key principal, got %v", result.Principal.Teams)
	}
}

func TestAuthenticatorNoCredentials(t *testing.T) {
	auth := newTestAuthenticator(t)

	r := httptest.NewRequest("POST", "/invoke", nil)
	if _, err := auth.Authenticate(context.Background(), r, ScopeInvoke); !errors.Is(err, ErrNoCredentials) {
		t.Errorf("expected ErrNoCredentials, got %v", err)
	}
}

func TestSessionLifetime(t *testing.T) {
	auth := newTestAuthenticator(t)

	if got := auth.SessionLifetime(false); got != time.Hour {
		t.Errorf("expected 1h lifetime, got %v", got)
	}
	if got := auth.SessionLifetime(true); got != 30*time.Hour {
		t.Errorf("expected 30h remember-me lifetime, got %v", got)
	}
}

func TestLogoutAll(t *testing.T) {
	auth := newTestAuthenticator(t)
	ctx := context.Background()

	s1, _ := auth.Login(ctx, "local", "alice", "hunter2", false, "", "")
	s2, _ := auth.Login(ctx, "local", "alice", "hunter2", false, "", "")

	n, err := auth.LogoutAll(ctx, "local:alice")
	if err != nil {
		t.Fatalf("LogoutAll failed: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 sessions invalidated, got %d", n)
	}
	for _, id := range []string{s1.ID, s2.ID} {
		if _, err := auth.Sessions().Validate(ctx, id); err == nil {
			t.Error("expected session to be invalid after LogoutAll")
		}
	}
}
