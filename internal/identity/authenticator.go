package identity

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/sark-io/sark/config"
)

// ErrNoCredentials is returned when a request carries no session cookie,
// bearer token, or API key.
var ErrNoCredentials = errors.New("no credentials provided")

// ErrUnknownProvider is returned when a login names a provider that is not
// registered.
var ErrUnknownProvider = errors.New("unknown auth provider")

// ScopeInvoke is the scope API keys need for data-plane invocations.
const ScopeInvoke = "invoke"

// AuthMethod is how a request authenticated.
type AuthMethod string

const (
	MethodSession AuthMethod = "session"
	MethodAPIKey  AuthMethod = "api_key"

	// MethodFederation marks invocations arriving from a trust-verified
	// peer node; the principal is asserted by the peer, not resolved
	// from local stores.
	MethodFederation AuthMethod = "federation"
)

// AuthResult is a resolved request identity.
type AuthResult struct {
	Principal *Principal
	Method    AuthMethod
	Session   *Session
	Key       *APIKey
}

// Authenticator resolves request credentials against the session and API
// key stores and runs login flows through registered providers.
//
// Credential precedence: session_id cookie, then Authorization bearer
// (treated as an API key when it carries the _sk_ infix, a session ID
// otherwise), then the X-API-Key header.
type Authenticator struct {
	cfg       config.AuthConfig
	sessions  SessionStore
	keys      *APIKeyStore
	providers map[string]AuthProvider
}

// NewAuthenticator wires stores together. Providers are registered
// separately.
func NewAuthenticator(cfg config.AuthConfig, sessions SessionStore, keys *APIKeyStore) *Authenticator {
	return &Authenticator{
		cfg:       cfg,
		sessions:  sessions,
		keys:      keys,
		providers: make(map[string]AuthProvider),
	}
}

// RegisterProvider adds a login provider, replacing any with the same name.
func (a *Authenticator) RegisterProvider(p AuthProvider) {
	a.providers[p.Name()] = p
}

// Provider returns a registered provider by name.
func (a *Authenticator) Provider(name string) (AuthProvider, bool) {
	p, ok := a.providers[name]
	return p, ok
}

// Sessions exposes the underlying session store.
func (a *Authenticator) Sessions() SessionStore { return a.sessions }

// Keys exposes the underlying API key store.
func (a *Authenticator) Keys() *APIKeyStore { return a.keys }

// SessionLifetime returns the configured session TTL, stretched by the
// remember-me multiplier when requested.
func (a *Authenticator) SessionLifetime(rememberMe bool) time.Duration {
	lifetime := time.Duration(a.cfg.SessionTimeoutSeconds) * time.Second
	if lifetime <= 0 {
		lifetime = 24 * time.Hour
	}
	if rememberMe {
		mult := a.cfg.RememberMeMultiplier
		if mult <= 0 {
			mult = 30
		}
		lifetime *= time.Duration(mult)
	}
	return lifetime
}

// Login authenticates username/password against the named provider and
// creates a session.
func (a *Authenticator) Login(ctx context.Context, provider, username, password string, rememberMe bool, ip, userAgent string) (*Session, error) {
	p, ok := a.providers[provider]
	if !ok {
		return nil, ErrUnknownProvider
	}
	info, err := p.Authenticate(ctx, username, password)
	if err != nil {
		return nil, err
	}
	return a.sessions.Create(ctx, info.Principal(provider), provider, ip, userAgent, a.SessionLifetime(rememberMe))
}

// CreateSession mints a session for an externally authenticated user, e.g.
// after an OIDC callback.
func (a *Authenticator) CreateSession(ctx context.Context, provider string, info *UserInfo, rememberMe bool, ip, userAgent string) (*Session, error) {
	return a.sessions.Create(ctx, info.Principal(provider), provider, ip, userAgent, a.SessionLifetime(rememberMe))
}

// Logout invalidates one session.
func (a *Authenticator) Logout(ctx context.Context, sessionID string) error {
	return a.sessions.Invalidate(ctx, sessionID)
}

// LogoutAll invalidates every session for the principal.
func (a *Authenticator) LogoutAll(ctx context.Context, principalID string) (int, error) {
	return a.sessions.InvalidateAll(ctx, principalID)
}

// Authenticate resolves the request to a principal. requiredScope applies
// only to API-key credentials; sessions carry the full principal role.
func (a *Authenticator) Authenticate(ctx context.Context, r *http.Request, requiredScope string) (*AuthResult, error) {
	sessionID, apiKey := ExtractCredentials(r)

	switch {
	case apiKey != "":
		key, err := a.keys.Validate(ctx, apiKey, requiredScope, ClientIP(r))
		if err != nil {
			return nil, err
		}
		return &AuthResult{
			Principal: keyPrincipal(key),
			Method:    MethodAPIKey,
			Key:       key,
		}, nil

	case sessionID != "":
		sess, err := a.sessions.Validate(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		principal := sess.Principal
		if principal == nil {
			principal = &Principal{
				ID:         sess.PrincipalID,
				Kind:       KindUser,
				Role:       "user",
				TrustLevel: TrustTrusted,
			}
		}
		return &AuthResult{
			Principal: principal,
			Method:    MethodSession,
			Session:   sess,
		}, nil

	default:
		return nil, ErrNoCredentials
	}
}

// keyPrincipal builds the machine principal an API key acts as.
func keyPrincipal(key *APIKey) *Principal {
	p := &Principal{
		ID:         key.PrincipalID,
		Kind:       KindService,
		Role:       "service",
		TrustLevel: TrustTrusted,
	}
	if key.TeamID != "" {
		p.Teams = []string{key.TeamID}
	}
	return p
}

// ExtractCredentials pulls the session ID or API key from a request.
// Exactly one of the return values is non-empty when credentials exist.
func ExtractCredentials(r *http.Request) (sessionID, apiKey string) {
	if c, err := r.Cookie("session_id"); err == nil && c.Value != "" {
		return c.Value, ""
	}

	if auth := r.Header.Get("Authorization"); auth != "" {
		const prefix = "Bearer "
		if strings.HasPrefix(auth, prefix) {
			token := strings.TrimSpace(auth[len(prefix):])
			if token != "" {
				if IsAPIKey(token) {
					return "", token
				}
				return token, ""
			}
		}
	}

	if key := r.Header.Get("X-API-Key"); key != "" {
		return "", key
	}
	return "", ""
}

// ClientIP returns the request's remote IP without the port.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i > 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
