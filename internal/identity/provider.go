package identity

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"github.com/sark-io/sark/config"
)

// ErrInvalidCredentials is returned for any username/password mismatch.
// Providers never distinguish unknown user from wrong password.
var ErrInvalidCredentials = errors.New("invalid credentials")

// UserInfo is what a provider knows about an authenticated user.
type UserInfo struct {
	Username string
	Email    string
	Role     string
	Teams    []string
}

// Principal converts provider user info into a principal. IDs are prefixed
// with the provider name so the same username on two providers stays
// distinct.
func (u *UserInfo) Principal(provider string) *Principal {
	role := u.Role
	if role == "" {
		role = "user"
	}
	return &Principal{
		ID:         provider + ":" + u.Username,
		Kind:       KindUser,
		Email:      u.Email,
		Role:       role,
		Teams:      u.Teams,
		TrustLevel: TrustTrusted,
	}
}

// AuthProvider authenticates username/password credentials.
type AuthProvider interface {
	Name() string
	Authenticate(ctx context.Context, username, password string) (*UserInfo, error)
}

// LocalProvider authenticates against statically configured users with
// bcrypt password hashes.
type LocalProvider struct {
	users map[string]config.LocalUser
}

// dummyHash is compared when the username is unknown so both failure paths
// cost one bcrypt verification.
var dummyHash = []byte("$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy")

// NewLocalProvider creates a provider over the configured user list.
func NewLocalProvider(cfg config.LocalProviderConfig) (*LocalProvider, error) {
	users := make(map[string]config.LocalUser, len(cfg.Users))
	for _, u := range cfg.Users {
		if u.Username == "" {
			return nil, fmt.Errorf("local user with empty username")
		}
		if u.PasswordHash == "" {
			return nil, fmt.Errorf("local user %q has no password hash", u.Username)
		}
		if _, dup := users[u.Username]; dup {
			return nil, fmt.Errorf("duplicate local user %q", u.Username)
		}
		users[u.Username] = u
	}
	return &LocalProvider{users: users}, nil
}

func (p *LocalProvider) Name() string { return "local" }

func (p *LocalProvider) Authenticate(ctx context.Context, username, password string) (*UserInfo, error) {
	user, ok := p.users[username]
	if !ok {
		bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		return nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	return &UserInfo{
		Username: user.Username,
		Email:    user.Email,
		Role:     user.Role,
		Teams:    user.Teams,
	}, nil
}
