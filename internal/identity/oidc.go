package identity

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"

	"github.com/sark-io/sark/config"
)

const stateTTL = 5 * time.Minute

var (
	// ErrStateInvalid is returned when the OIDC state is unknown, expired,
	// or already consumed.
	ErrStateInvalid = errors.New("oidc state invalid or expired")
	// ErrTokenInvalid is returned when the ID token fails verification.
	ErrTokenInvalid = errors.New("oidc id token invalid")
)

// OIDCProvider runs the authorization-code flow against an external IdP.
// ID tokens are verified against the IdP's JWKS, fetched and cached with
// background refresh.
type OIDCProvider struct {
	cfg    config.OIDCProviderConfig
	client *http.Client
	keys   *jwk.Cache

	mu     sync.Mutex
	states map[string]time.Time
}

// NewOIDCProvider creates the provider and registers the JWKS URL for
// cached refresh. The initial fetch must succeed.
func NewOIDCProvider(cfg config.OIDCProviderConfig) (*OIDCProvider, error) {
	if cfg.Issuer == "" || cfg.ClientID == "" {
		return nil, fmt.Errorf("oidc provider requires issuer and client_id")
	}
	if cfg.JWKSURL == "" {
		return nil, fmt.Errorf("oidc provider requires jwks_url")
	}

	refresh := cfg.JWKSRefresh
	if refresh <= 0 {
		refresh = time.Hour
	}

	ctx := context.Background()
	cache := jwk.NewCache(ctx)
	if err := cache.Register(cfg.JWKSURL, jwk.WithMinRefreshInterval(refresh)); err != nil {
		return nil, fmt.Errorf("failed to register JWKS URL: %w", err)
	}
	if _, err := cache.Refresh(ctx, cfg.JWKSURL); err != nil {
		return nil, fmt.Errorf("failed to fetch JWKS from %s: %w", cfg.JWKSURL, err)
	}

	return &OIDCProvider{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		keys:   cache,
		states: make(map[string]time.Time),
	}, nil
}

func (p *OIDCProvider) Name() string { return "oidc" }

// Authenticate is not supported; OIDC logins go through the redirect flow.
func (p *OIDCProvider) Authenticate(ctx context.Context, username, password string) (*UserInfo, error) {
	return nil, fmt.Errorf("oidc provider does not accept password logins")
}

// NewState mints a one-shot CSRF state token valid for five minutes.
func (p *OIDCProvider) NewState() (string, error) {
	var b [32]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("failed to generate state: %w", err)
	}
	state := base64.RawURLEncoding.EncodeToString(b[:])

	p.mu.Lock()
	now := time.Now()
	for s, issued := range p.states {
		if now.Sub(issued) > stateTTL {
			delete(p.states, s)
		}
	}
	p.states[state] = now
	p.mu.Unlock()

	return state, nil
}

// ConsumeState validates and burns a state token. Each token verifies at
// most once.
func (p *OIDCProvider) ConsumeState(state string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	issued, ok := p.states[state]
	if !ok {
		return ErrStateInvalid
	}
	delete(p.states, state)
	if time.Since(issued) > stateTTL {
		return ErrStateInvalid
	}
	return nil
}

// AuthorizeURL builds the IdP redirect URL for the given state.
func (p *OIDCProvider) AuthorizeURL(state string) string {
	scopes := p.cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{"openid", "profile", "email"}
	}
	q := url.Values{}
	q.Set("response_type", "code")
	q.Set("client_id", p.cfg.ClientID)
	q.Set("redirect_uri", p.cfg.RedirectURI)
	q.Set("scope", strings.Join(scopes, " "))
	q.Set("state", state)

	sep := "?"
	if strings.Contains(p.cfg.AuthorizeURL, "?") {
		sep = "&"
	}
	return p.cfg.AuthorizeURL + sep + q.Encode()
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	IDToken     string `json:"id_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

// Exchange trades an authorization code for tokens at the IdP token
// endpoint.
func (p *OIDCProvider) Exchange(ctx context.Context, code string) (*tokenResponse, error) {
	data := url.Values{}
	data.Set("grant_type", "authorization_code")
	data.Set("code", code)
	data.Set("redirect_uri", p.cfg.RedirectURI)
	data.Set("client_id", p.cfg.ClientID)
	if p.cfg.ClientSecret != "" {
		data.Set("client_secret", p.cfg.ClientSecret)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.TokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token exchange failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var tok tokenResponse
	if err := json.Unmarshal(body, &tok); err != nil {
		return nil, fmt.Errorf("invalid token response: %w", err)
	}
	if tok.IDToken == "" {
		return nil, fmt.Errorf("token response missing id_token")
	}
	return &tok, nil
}

// VerifyIDToken validates the ID token signature against the JWKS and
// checks issuer, audience, and expiry, then maps claims to user info.
func (p *OIDCProvider) VerifyIDToken(ctx context.Context, rawToken string) (*UserInfo, error) {
	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(rawToken, claims, p.keyFunc(),
		jwt.WithIssuer(p.cfg.Issuer),
		jwt.WithAudience(p.cfg.ClientID),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	if !token.Valid {
		return nil, ErrTokenInvalid
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, fmt.Errorf("%w: missing sub claim", ErrTokenInvalid)
	}

	info := &UserInfo{Username: sub}
	if v, ok := claims["preferred_username"].(string); ok && v != "" {
		info.Username = v
	}
	if v, ok := claims["email"].(string); ok {
		info.Email = v
	}
	if v, ok := claims["role"].(string); ok {
		info.Role = v
	}
	if groups, ok := claims["groups"].([]interface{}); ok {
		for _, g := range groups {
			if s, ok := g.(string); ok {
				info.Teams = append(info.Teams, s)
			}
		}
	}
	return info, nil
}

// keyFunc resolves the verification key by kid from the cached JWKS.
func (p *OIDCProvider) keyFunc() jwt.Keyfunc {
	return func(token *jwt.Token) (interface{}, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		keySet, err := p.keys.Get(ctx, p.cfg.JWKSURL)
		if err != nil {
			return nil, fmt.Errorf("failed to get JWKS: %w", err)
		}

		kid, ok := token.Header["kid"].(string)
		if !ok || kid == "" {
			if keySet.Len() > 0 {
				key, _ := keySet.Key(0)
				var raw interface{}
				if err := key.Raw(&raw); err != nil {
					return nil, fmt.Errorf("failed to extract raw key: %w", err)
				}
				return raw, nil
			}
			return nil, fmt.Errorf("no kid in token header and no keys in JWKS")
		}

		key, found := keySet.LookupKeyID(kid)
		if !found {
			return nil, fmt.Errorf("key %q not found in JWKS", kid)
		}
		var raw interface{}
		if err := key.Raw(&raw); err != nil {
			return nil, fmt.Errorf("failed to extract raw key for kid %q: %w", kid, err)
		}
		return raw, nil
	}
}
