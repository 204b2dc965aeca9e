package auth

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// SessionStore tracks which session credentials are live. Revoking a session
// takes effect on the next request carrying it; RevokeAll is used when a
// password changes so stolen stale sessions die with the old credential.
type SessionStore interface {
	Register(ctx context.Context, userID, sessionID string, ttl time.Duration) error
	Revoke(ctx context.Context, userID, sessionID string) error
	RevokeAll(ctx context.Context, userID string) error
	IsActive(ctx context.Context, userID, sessionID string) (bool, error)
}

type redisSessionStore struct {
	client *redis.Client
}

// NewRedisSessionStore returns a Redis-backed session allowlist.
func NewRedisSessionStore(client *redis.Client) SessionStore {
	return &redisSessionStore{client: client}
}

func sessionKey(userID, sessionID string) string {
	return "session:" + userID + ":" + sessionID
}

func (s *redisSessionStore) Register(ctx context.Context, userID, sessionID string, ttl time.Duration) error {
	return s.client.Set(ctx, sessionKey(userID, sessionID), 1, ttl).Err()
}

func (s *redisSessionStore) Revoke(ctx context.Context, userID, sessionID string) error {
	return s.client.Del(ctx, sessionKey(userID, sessionID)).Err()
}

func (s *redisSessionStore) RevokeAll(ctx context.Context, userID string) error {
	pattern := "session:" + userID + ":*"
	iter := s.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		if err := s.client.Del(ctx, iter.Val()).Err(); err != nil {
			return err
		}
	}
	return iter.Err()
}

func (s *redisSessionStore) IsActive(ctx context.Context, userID, sessionID string) (bool, error) {
	n, err := s.client.Exists(ctx, sessionKey(userID, sessionID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
