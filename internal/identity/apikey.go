package identity

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/sark-io/sark/internal/ratelimit"
)

var (
	ErrKeyMalformed   = errors.New("api key malformed")
	ErrKeyNotFound    = errors.New("api key not found")
	ErrKeyInvalid     = errors.New("api key invalid")
	ErrKeyRevoked     = errors.New("api key revoked")
	ErrKeyExpired     = errors.New("api key expired")
	ErrScopeMissing   = errors.New("api key missing required scope")
	ErrKeyRateLimited = errors.New("api key rate limit exceeded")
)

// ScopeAdmin grants every scope.
const ScopeAdmin = "admin"

const keyPrefixLen = 8

// APIKey is a provisioned machine credential. Only the bcrypt hash and the
// 8-char prefix are stored; the full key is shown once at provisioning.
type APIKey struct {
	ID              string     `json:"id"`
	PrincipalID     string     `json:"principal_id"`
	TeamID          string     `json:"team_id,omitempty"`
	Name            string     `json:"name"`
	Prefix          string     `json:"prefix"`
	Hash            string     `json:"-"`
	Scopes          []string   `json:"scopes"`
	RateLimitPerMin int        `json:"rate_limit_per_min"`
	CreatedAt       time.Time  `json:"created_at"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
	RevokedAt       *time.Time `json:"revoked_at,omitempty"`
	UsageCount      int64      `json:"usage_count"`
	LastUsedAt      *time.Time `json:"last_used_at,omitempty"`
	LastUsedIP      string     `json:"last_used_ip,omitempty"`
}

// HasScope reports whether the key carries scope. The admin scope grants
// everything; an empty required scope always passes.
func (k *APIKey) HasScope(scope string) bool {
	if scope == "" {
		return true
	}
	for _, s := range k.Scopes {
		if s == scope || s == ScopeAdmin {
			return true
		}
	}
	return false
}

// ProvisionRequest describes a key to create.
type ProvisionRequest struct {
	PrincipalID     string
	TeamID          string
	Name            string
	Scopes          []string
	RateLimitPerMin int
	TTL             time.Duration
}

// APIKeyStore provisions and validates API keys. Per-key rate budgets are
// enforced through a shared keyed window.
type APIKeyStore struct {
	app    string
	env    string
	window ratelimit.KeyedWindow

	mu       sync.RWMutex
	keys     map[string]*APIKey
	byPrefix map[string][]*APIKey
}

// NewAPIKeyStore creates an in-memory key store. app and env form the key
// prefix {app}_sk_{env}_.
func NewAPIKeyStore(app, env string, window ratelimit.KeyedWindow) *APIKeyStore {
	if app == "" {
		app = "sark"
	}
	if env == "" {
		env = "dev"
	}
	return &APIKeyStore{
		app:      app,
		env:      env,
		window:   window,
		keys:     make(map[string]*APIKey),
		byPrefix: make(map[string][]*APIKey),
	}
}

// Provision mints a new key and returns the record plus the full key string.
// The full key is never recoverable afterwards.
func (s *APIKeyStore) Provision(ctx context.Context, req ProvisionRequest) (*APIKey, string, error) {
	if req.PrincipalID == "" {
		return nil, "", fmt.Errorf("principal_id is required")
	}
	if req.Name == "" {
		return nil, "", fmt.Errorf("name is required")
	}

	var prefixBytes [keyPrefixLen / 2]byte
	if _, err := rand.Read(prefixBytes[:]); err != nil {
		return nil, "", fmt.Errorf("failed to generate key prefix: %w", err)
	}
	prefix := hex.EncodeToString(prefixBytes[:])

	var secret [32]byte
	if _, err := rand.Read(secret[:]); err != nil {
		return nil, "", fmt.Errorf("failed to generate key secret: %w", err)
	}

	fullKey := fmt.Sprintf("%s_sk_%s_%s_%s", s.app, s.env, prefix,
		base64.RawURLEncoding.EncodeToString(secret[:]))

	hash, err := hashKey(fullKey)
	if err != nil {
		return nil, "", fmt.Errorf("failed to hash key: %w", err)
	}

	now := time.Now()
	key := &APIKey{
		ID:              "key_" + prefix,
		PrincipalID:     req.PrincipalID,
		TeamID:          req.TeamID,
		Name:            req.Name,
		Prefix:          prefix,
		Hash:            hash,
		Scopes:          req.Scopes,
		RateLimitPerMin: req.RateLimitPerMin,
		CreatedAt:       now,
	}
	if req.TTL > 0 {
		exp := now.Add(req.TTL)
		key.ExpiresAt = &exp
	}

	s.mu.Lock()
	s.keys[key.ID] = key
	s.byPrefix[prefix] = append(s.byPrefix[prefix], key)
	s.mu.Unlock()

	return snapshotKey(key), fullKey, nil
}

// Validate runs the full validation path: prefix lookup, hash compare,
// revocation and expiry checks, scope check, per-minute budget, then usage
// recording.
func (s *APIKeyStore) Validate(ctx context.Context, fullKey, requiredScope, ip string) (*APIKey, error) {
	prefix, err := ParseKeyPrefix(fullKey)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	candidates := s.byPrefix[prefix]
	s.mu.RUnlock()
	if len(candidates) == 0 {
		return nil, ErrKeyNotFound
	}

	var key *APIKey
	for _, cand := range candidates {
		if verifyKey(cand.Hash, fullKey) {
			key = cand
			break
		}
	}
	if key == nil {
		return nil, ErrKeyInvalid
	}

	now := time.Now()
	if key.RevokedAt != nil {
		return nil, ErrKeyRevoked
	}
	if key.ExpiresAt != nil && !now.Before(*key.ExpiresAt) {
		return nil, ErrKeyExpired
	}
	if !key.HasScope(requiredScope) {
		return nil, ErrScopeMissing
	}

	if s.window != nil && key.RateLimitPerMin > 0 {
		allowed, _, _, err := s.window.Allow(ctx, "apikey:"+key.ID, key.RateLimitPerMin)
		if err == nil && !allowed {
			return nil, ErrKeyRateLimited
		}
	}

	s.mu.Lock()
	key.UsageCount++
	key.LastUsedAt = &now
	if ip != "" {
		key.LastUsedIP = ip
	}
	cp := snapshotKey(key)
	s.mu.Unlock()

	return cp, nil
}

// Revoke disables a key by ID. Revocation is permanent.
func (s *APIKeyStore) Revoke(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, ok := s.keys[id]
	if !ok {
		return ErrKeyNotFound
	}
	if key.RevokedAt != nil {
		return nil
	}
	now := time.Now()
	key.RevokedAt = &now
	return nil
}

// Get returns a key record by ID.
func (s *APIKeyStore) Get(id string) (*APIKey, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key, ok := s.keys[id]
	if !ok {
		return nil, false
	}
	return snapshotKey(key), true
}

// List returns every key record, newest first.
func (s *APIKeyStore) List() []*APIKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*APIKey, 0, len(s.keys))
	for _, key := range s.keys {
		out = append(out, snapshotKey(key))
	}
	return out
}

// ListForPrincipal returns the principal's key records.
func (s *APIKeyStore) ListForPrincipal(principalID string) []*APIKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*APIKey
	for _, key := range s.keys {
		if key.PrincipalID == principalID {
			out = append(out, snapshotKey(key))
		}
	}
	return out
}

// ParseKeyPrefix extracts the 8-char prefix from a full key of the form
// {app}_sk_{env}_{prefix}_{secret}.
func ParseKeyPrefix(fullKey string) (string, error) {
	if !strings.Contains(fullKey, "_sk_") {
		return "", ErrKeyMalformed
	}
	parts := strings.Split(fullKey, "_")
	if len(parts) < 5 {
		return "", ErrKeyMalformed
	}
	prefix := parts[len(parts)-2]
	if len(prefix) != keyPrefixLen {
		return "", ErrKeyMalformed
	}
	return prefix, nil
}

// IsAPIKey reports whether a bearer credential looks like a full API key
// rather than a session ID.
func IsAPIKey(credential string) bool {
	return strings.Contains(credential, "_sk_")
}

// hashKey bcrypt-hashes the SHA-256 of the full key; the digest keeps the
// input under bcrypt's 72-byte limit regardless of app/env length.
func hashKey(fullKey string) (string, error) {
	digest := sha256.Sum256([]byte(fullKey))
	hash, err := bcrypt.GenerateFromPassword([]byte(hex.EncodeToString(digest[:])), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func verifyKey(hash, fullKey string) bool {
	digest := sha256.Sum256([]byte(fullKey))
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(hex.EncodeToString(digest[:]))) == nil
}

func snapshotKey(key *APIKey) *APIKey {
	cp := *key
	cp.Scopes = append([]string(nil), key.Scopes...)
	return &cp
}
