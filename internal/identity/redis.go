package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/sark-io/sark/internal/logging"
)

const (
	redisSessionPrefix = "sark:session:"
	redisIndexPrefix   = "sark:session_idx:"
)

// RedisSessionStore keeps sessions in Redis so multiple nodes share logins.
// Expiry is enforced twice: by the stored expires_at and by the key TTL.
type RedisSessionStore struct {
	client *redis.Client
}

// NewRedisSessionStore creates a Redis-backed session store.
func NewRedisSessionStore(client *redis.Client) *RedisSessionStore {
	return &RedisSessionStore{client: client}
}

func sessionKey(id string) string        { return redisSessionPrefix + id }
func principalIndexKey(id string) string { return redisIndexPrefix + id }

func (s *RedisSessionStore) Create(ctx context.Context, principal *Principal, provider, ip, userAgent string, lifetime time.Duration) (*Session, error) {
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

	if err := s.put(ctx, sess); err != nil {
		return nil, err
	}
	if err := s.client.SAdd(ctx, principalIndexKey(principal.ID), id).Err(); err != nil {
		logging.Warn("Failed to index session by principal", zap.Error(err))
	}
	return sess, nil
}

func (s *RedisSessionStore) put(ctx context.Context, sess *Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	ttl := time.Until(sess.ExpiresAt)
	if ttl <= 0 {
		return ErrSessionExpired
	}
	if err := s.client.Set(ctx, sessionKey(sess.ID), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store session: %w", err)
	}
	return nil
}

func (s *RedisSessionStore) get(ctx context.Context, sessionID string) (*Session, error) {
	data, err := s.client.Get(ctx, sessionKey(sessionID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("failed to decode session: %w", err)
	}
	return &sess, nil
}

func (s *RedisSessionStore) Validate(ctx context.Context, sessionID string) (*Session, error) {
	sess, err := s.get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !sess.Valid(time.Now()) {
		return nil, ErrSessionExpired
	}
	sess.LastAccessedAt = time.Now()
	if err := s.put(ctx, sess); err != nil {
		logging.Warn("Failed to update session access time", zap.Error(err))
	}
	return sess, nil
}

func (s *RedisSessionStore) Refresh(ctx context.Context, sessionID string, lifetime time.Duration) (*Session, error) {
	sess, err := s.get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	if !sess.Valid(now) {
		return nil, ErrSessionExpired
	}
	if next := now.Add(lifetime); next.After(sess.ExpiresAt) {
		sess.ExpiresAt = next
	}
	sess.LastAccessedAt = now
	if err := s.put(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

func (s *RedisSessionStore) Invalidate(ctx context.Context, sessionID string) error {
	sess, err := s.get(ctx, sessionID)
	if err != nil {
		return err
	}
	if err := s.client.Del(ctx, sessionKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	if err := s.client.SRem(ctx, principalIndexKey(sess.PrincipalID), sessionID).Err(); err != nil {
		logging.Warn("Failed to unindex session", zap.Error(err))
	}
	return nil
}

func (s *RedisSessionStore) InvalidateAll(ctx context.Context, principalID string) (int, error) {
	ids, err := s.client.SMembers(ctx, principalIndexKey(principalID)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list principal sessions: %w", err)
	}
	removed := 0
	for _, id := range ids {
		n, err := s.client.Del(ctx, sessionKey(id)).Result()
		if err != nil {
			logging.Warn("Failed to delete session", zap.String("session_id", id), zap.Error(err))
			continue
		}
		removed += int(n)
	}
	if err := s.client.Del(ctx, principalIndexKey(principalID)).Err(); err != nil {
		logging.Warn("Failed to delete session index", zap.Error(err))
	}
	return removed, nil
}

// Sessions lists the principal's live sessions, skipping index entries
// whose session keys have already been expired away by Redis TTL.
func (s *RedisSessionStore) Sessions(ctx context.Context, principalID string) ([]*Session, error) {
	ids, err := s.client.SMembers(ctx, principalIndexKey(principalID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list principal sessions: %w", err)
	}
	now := time.Now()
	out := make([]*Session, 0, len(ids))
	for _, id := range ids {
		sess, err := s.get(ctx, id)
		if err != nil {
			if errors.Is(err, ErrSessionNotFound) {
				continue
			}
			return nil, err
		}
		if sess.Valid(now) {
			out = append(out, sess)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// CleanupExpired prunes index entries whose session keys have been expired
// away by Redis TTL.
func (s *RedisSessionStore) CleanupExpired(ctx context.Context) (int, error) {
	pruned := 0
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, redisIndexPrefix+"*", 100).Result()
		if err != nil {
			return pruned, fmt.Errorf("failed to scan session indexes: %w", err)
		}
		for _, idxKey := range keys {
			ids, err := s.client.SMembers(ctx, idxKey).Result()
			if err != nil {
				continue
			}
			for _, id := range ids {
				exists, err := s.client.Exists(ctx, sessionKey(id)).Result()
				if err != nil || exists > 0 {
					continue
				}
				if err := s.client.SRem(ctx, idxKey, id).Err(); err == nil {
					pruned++
				}
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return pruned, nil
}

func (s *RedisSessionStore) Count(ctx context.Context) (int, error) {
	count := 0
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, redisSessionPrefix+"*", 100).Result()
		if err != nil {
			return 0, fmt.Errorf("failed to scan sessions: %w", err)
		}
		count += len(keys)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return count, nil
}

func (s *RedisSessionStore) Close() error { return nil }
