package httpadapter

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sark-io/sark/config"
	"github.com/sark-io/sark/internal/logging"
)

// authApplier sets outbound credentials on backend requests
// according to the resource's strategy.
type authApplier struct {
	strategy string
	token    string
	username string
	password string
	header   string
	oauth    *tokenProvider
}

// newAuthApplier builds the applier for a resource. A nil return
// means no auth is configured.
func newAuthApplier(resourceID string, cfg config.BackendAuthConfig) (*authApplier, error) {
	switch cfg.Strategy {
	case "", "none":
		return nil, nil
	case "bearer":
		if cfg.Token == "" {
			return nil, fmt.Errorf("bearer strategy requires token")
		}
		return &authApplier{strategy: cfg.Strategy, token: cfg.Token}, nil
	case "basic":
		if cfg.Username == "" {
			return nil, fmt.Errorf("basic strategy requires username")
		}
		return &authApplier{strategy: cfg.Strategy, username: cfg.Username, password: cfg.Password}, nil
	case "api-key":
		if cfg.Token == "" {
			return nil, fmt.Errorf("api-key strategy requires token")
		}
		header := cfg.Header
		if header == "" {
			header = "X-API-Key"
		}
		return &authApplier{strategy: cfg.Strategy, token: cfg.Token, header: header}, nil
	case "oauth2-client-credentials":
		tp, err := newTokenProvider(resourceID, cfg)
		if err != nil {
			return nil, err
		}
		return &authApplier{strategy: cfg.Strategy, oauth: tp}, nil
	default:
		return nil, fmt.Errorf("unknown auth strategy %q", cfg.Strategy)
	}
}

func (a *authApplier) apply(ctx context.Context, r *http.Request) {
	switch a.strategy {
	case "bearer":
		r.Header.Set("Authorization", "Bearer "+a.token)
	case "basic":
		r.SetBasicAuth(a.username, a.password)
	case "api-key":
		r.Header.Set(a.header, a.token)
	case "oauth2-client-credentials":
		token, err := a.oauth.get(ctx)
		if err != nil {
			logging.Warn("outbound token refresh failed",
				zap.String("resource", a.oauth.resourceID), zap.Error(err))
			return
		}
		r.Header.Set("Authorization", "Bearer "+token)
	}
}

// tokenProvider caches client-credentials access tokens and refreshes
// them ahead of expiry.
type tokenProvider struct {
	resourceID   string
	tokenURL     string
	clientID     string
	clientSecret string
	scopes       []string
	client       *http.Client

	mu          sync.RWMutex
	accessToken string
	expiresAt   time.Time
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

func newTokenProvider(resourceID string, cfg config.BackendAuthConfig) (*tokenProvider, error) {
	if _, err := url.ParseRequestURI(cfg.TokenURL); err != nil {
		return nil, fmt.Errorf("invalid token_url: %w", err)
	}
	return &tokenProvider{
		resourceID:   resourceID,
		tokenURL:     cfg.TokenURL,
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		scopes:       cfg.Scopes,
		client:       &http.Client{Timeout: 10 * time.Second},
	}, nil
}

// get returns the cached token or refreshes when expired.
func (p *tokenProvider) get(ctx context.Context) (string, error) {
	p.mu.RLock()
	if p.accessToken != "" && time.Now().Before(p.expiresAt) {
		token := p.accessToken
		p.mu.RUnlock()
		return token, nil
	}
	p.mu.RUnlock()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.accessToken != "" && time.Now().Before(p.expiresAt) {
		return p.accessToken, nil
	}
	return p.refresh(ctx)
}

// refresh fetches a new token. Caller holds p.mu.
func (p *tokenProvider) refresh(ctx context.Context) (string, error) {
	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {p.clientID},
		"client_secret": {p.clientSecret},
	}
	if len(p.scopes) > 0 {
		form.Set("scope", strings.Join(p.scopes, " "))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("reading token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, truncate(string(body), 256))
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return "", fmt.Errorf("parsing token response: %w", err)
	}
	if tr.AccessToken == "" {
		return "", fmt.Errorf("token response missing access_token")
	}

	// Cache with a safety margin so in-flight requests never carry a
	// token about to expire.
	expiresIn := tr.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = 3600
	}
	p.accessToken = tr.AccessToken
	p.expiresAt = time.Now().Add(time.Duration(expiresIn)*time.Second - 10*time.Second)
	return p.accessToken, nil
}
