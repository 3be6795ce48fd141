package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

var (
	// ErrSessionNotFound is returned when the session ID does not resolve.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionExpired is returned when the session exists but is expired
	// or has been invalidated.
	ErrSessionExpired = errors.New("session expired")
)

// Session is a server-side login session. The ID is an opaque random
// 128-bit value; it is the only thing the client holds.
type Session struct {
	ID             string            `json:"session_id"`
	PrincipalID    string            `json:"principal_id"`
	Principal      *Principal        `json:"principal,omitempty"`
	Provider       string            `json:"provider,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	ExpiresAt      time.Time         `json:"expires_at"`
	LastAccessedAt time.Time         `json:"last_accessed_at"`
	IP             string            `json:"ip,omitempty"`
	UserAgent      string            `json:"user_agent,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	Active         bool              `json:"active"`
}

// Valid reports whether the session is active and unexpired at now.
func (s *Session) Valid(now time.Time) bool {
	return s.Active && now.Before(s.ExpiresAt)
}

// SessionStore manages login sessions. Implementations must treat a
// session as valid only while active and before expiry.
type SessionStore interface {
	// Create mints a new session for the principal with the given lifetime.
	Create(ctx context.Context, principal *Principal, provider, ip, userAgent string, lifetime time.Duration) (*Session, error)
	// Validate resolves a session ID. ErrSessionNotFound for unknown IDs,
	// ErrSessionExpired for expired or invalidated sessions.
	Validate(ctx context.Context, sessionID string) (*Session, error)
	// Refresh extends the session's expiry by lifetime from now. The
	// resulting expiry never moves backwards.
	Refresh(ctx context.Context, sessionID string, lifetime time.Duration) (*Session, error)
	// Invalidate ends one session.
	Invalidate(ctx context.Context, sessionID string) error
	// InvalidateAll ends every session belonging to the principal and
	// returns how many were ended.
	InvalidateAll(ctx context.Context, principalID string) (int, error)
	// Sessions lists the principal's live sessions, oldest first.
	Sessions(ctx context.Context, principalID string) ([]*Session, error)
	// CleanupExpired removes expired and invalidated sessions.
	CleanupExpired(ctx context.Context) (int, error)
	// Count returns the number of live sessions.
	Count(ctx context.Context) (int, error)
	Close() error
}

// newSessionID returns a 128-bit random hex token.
func newSessionID() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("failed to generate session id: %w", err)
	}
	return hex.EncodeToString(b[:]), nil
}

// MemorySessionStore is the default single-node session store.
type MemorySessionStore struct {
	mu          sync.RWMutex
	sessions    map[string]*Session
	byPrincipal map[string]map[string]struct{}
}

// NewMemorySessionStore creates an empty in-memory session store.
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{
		sessions:    make(map[string]*Session),
		byPrincipal: make(map[string]map[string]struct{}),
	}
}

func (s *MemorySessionStore) Create(ctx context.Context, principal *Principal, provider, ip, userAgent string, lifetime time.Duration) (*Session, error) {
	id, err := newSessionID()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	sess := &Session{
		ID:             id,
		PrincipalID:    principal.ID,
		Principal:      principal,
		Provider:       provider,
		CreatedAt:      now,
		ExpiresAt:      now.Add(lifetime),
		LastAccessedAt: now,
		IP:             ip,
		UserAgent:      userAgent,
		Active:         true,
	}

	s.mu.Lock()
	s.sessions[id] = sess
	idx := s.byPrincipal[principal.ID]
	if idx == nil {
		idx = make(map[string]struct{})
		s.byPrincipal[principal.ID] = idx
	}
	idx[id] = struct{}{}
	s.mu.Unlock()

	return sess, nil
}

func (s *MemorySessionStore) Validate(ctx context.Context, sessionID string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	if !sess.Valid(time.Now()) {
		return nil, ErrSessionExpired
	}
	sess.LastAccessedAt = time.Now()
	cp := *sess
	return &cp, nil
}

func (s *MemorySessionStore) Refresh(ctx context.Context, sessionID string, lifetime time.Duration) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	now := time.Now()
	if !sess.Valid(now) {
		return nil, ErrSessionExpired
	}
	if next := now.Add(lifetime); next.After(sess.ExpiresAt) {
		sess.ExpiresAt = next
	}
	sess.LastAccessedAt = now
	cp := *sess
	return &cp, nil
}

func (s *MemorySessionStore) Invalidate(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	sess.Active = false
	delete(s.sessions, sessionID)
	if idx := s.byPrincipal[sess.PrincipalID]; idx != nil {
		delete(idx, sessionID)
		if len(idx) == 0 {
			delete(s.byPrincipal, sess.PrincipalID)
		}
	}
	return nil
}

func (s *MemorySessionStore) InvalidateAll(ctx context.Context, principalID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.byPrincipal[principalID]
	n := len(idx)
	for id := range idx {
		if sess, ok := s.sessions[id]; ok {
			sess.Active = false
		}
		delete(s.sessions, id)
	}
	delete(s.byPrincipal, principalID)
	return n, nil
}

func (s *MemorySessionStore) Sessions(ctx context.Context, principalID string) ([]*Session, error) {
	now := time.Now()

	s.mu.RLock()
	defer s.mu.RUnlock()

	idx := s.byPrincipal[principalID]
	out := make([]*Session, 0, len(idx))
	for id := range idx {
		sess, ok := s.sessions[id]
		if !ok || !sess.Valid(now) {
			continue
		}
		cp := *sess
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemorySessionStore) CleanupExpired(ctx context.Context) (int, error) {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, sess := range s.sessions {
		if sess.Valid(now) {
			continue
		}
		delete(s.sessions, id)
		if idx := s.byPrincipal[sess.PrincipalID]; idx != nil {
			delete(idx, id)
			if len(idx) == 0 {
				delete(s.byPrincipal, sess.PrincipalID)
			}
		}
		removed++
	}
	return removed, nil
}

func (s *MemorySessionStore) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions), nil
}

func (s *MemorySessionStore) Close() error { return nil }
