package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrRedisUnavailable wraps transport-level Redis failures so callers can
// tell an unreachable store apart from a missing session.
var ErrRedisUnavailable = errors.New("redis unavailable")

// RedisSessionStore implements SessionStore using Redis. Sessions are stored
// as JSON blobs keyed by token hash with a TTL matching their expiry; user
// and org index sets support listing, revocation, and counting.
type RedisSessionStore struct {
	rdb *redis.Client
}

// NewRedisSessionStore connects to Redis and verifies the connection.
func NewRedisSessionStore(ctx context.Context, addr, password string, db int) (*RedisSessionStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return &RedisSessionStore{rdb: rdb}, nil
}

// newRedisSessionStoreFromClient is used by tests to wrap an existing client.
func newRedisSessionStoreFromClient(rdb *redis.Client) *RedisSessionStore {
	return &RedisSessionStore{rdb: rdb}
}

func sessionKey(tokenHash string) string { return "mdsess:" + tokenHash }
func sessionIDKey(id string) string      { return "mdsid:" + id }
func userIndexKey(userID string) string  { return "mduser:" + userID }
func orgIndexKey(orgID string) string    { return "mdorg:" + orgID }

func (s *RedisSessionStore) CreateSession(ctx context.Context, sess *Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return err
	}

	ttl := time.Until(sess.ExpiresAt)
	if ttl <= 0 {
		return errors.New("session already expired")
	}

	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, sessionKey(sess.TokenHash), data, ttl)
		pipe.Set(ctx, sessionIDKey(sess.ID), sess.TokenHash, ttl)
		pipe.SAdd(ctx, userIndexKey(sess.UserID), sess.ID)
		pipe.SAdd(ctx, orgIndexKey(sess.OrgID), sess.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

func (s *RedisSessionStore) GetSessionByTokenHash(ctx context.Context, tokenHash string) (*Session, error) {
	data, err := s.rdb.Get(ctx, sessionKey(tokenHash)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

func (s *RedisSessionStore) getByID(ctx context.Context, id string) (*Session, error) {
	tokenHash, err := s.rdb.Get(ctx, sessionIDKey(id)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return s.GetSessionByTokenHash(ctx, tokenHash)
}

// RevokeSession marks a session revoked in place, preserving its TTL so the
// revocation is visible to validation until natural expiry.
func (s *RedisSessionStore) RevokeSession(ctx context.Context, id string) error {
	sess, err := s.getByID(ctx, id)
	if err != nil {
		return err
	}
	if sess == nil || sess.RevokedAt != nil {
		return nil
	}

	now := time.Now()
	sess.RevokedAt = &now
	data, err := json.Marshal(sess)
	if err != nil {
		return err
	}

	key := sessionKey(sess.TokenHash)
	pttl, err := s.rdb.PTTL(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if pttl <= 0 {
		return nil
	}
	if err := s.rdb.Set(ctx, key, data, pttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

func (s *RedisSessionStore) RevokeUserSessions(ctx context.Context, userID string) (int64, error) {
	ids, err := s.rdb.SMembers(ctx, userIndexKey(userID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	var revoked int64
	for _, id := range ids {
		sess, err := s.getByID(ctx, id)
		if err != nil {
			return revoked, err
		}
		if sess == nil || !sess.Active(time.Now()) {
			continue
		}
		if err := s.RevokeSession(ctx, id); err != nil {
			return revoked, err
		}
		revoked++
	}
	return revoked, nil
}

func (s *RedisSessionStore) ListSessionsByUser(ctx context.Context, userID string) ([]Session, error) {
	return s.listByIndex(ctx, userIndexKey(userID), false)
}

func (s *RedisSessionStore) ListActiveSessions(ctx context.Context, orgID string) ([]Session, error) {
	return s.listByIndex(ctx, orgIndexKey(orgID), true)
}

func (s *RedisSessionStore) listByIndex(ctx context.Context, indexKey string, activeOnly bool) ([]Session, error) {
	ids, err := s.rdb.SMembers(ctx, indexKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return []Session{}, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	now := time.Now()
	sessions := make([]Session, 0, len(ids))
	for _, id := range ids {
		sess, err := s.getByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if sess == nil {
			// Expired key; prune the stale index entry.
			s.rdb.SRem(ctx, indexKey, id)
			continue
		}
		if activeOnly && !sess.Active(now) {
			continue
		}
		sessions = append(sessions, *sess)
	}
	return sessions, nil
}

func (s *RedisSessionStore) CountActiveSessionsByUser(ctx context.Context, userID string) (int, error) {
	return s.countActive(ctx, userIndexKey(userID))
}

func (s *RedisSessionStore) CountActiveSessionsByOrg(ctx context.Context, orgID string) (int, error) {
	return s.countActive(ctx, orgIndexKey(orgID))
}

func (s *RedisSessionStore) countActive(ctx context.Context, indexKey string) (int, error) {
	sessions, err := s.listByIndex(ctx, indexKey, true)
	if err != nil {
		return 0, err
	}
	return len(sessions), nil
}

// DeleteExpiredSessions prunes stale index entries. Session blobs themselves
// expire via TTL; only the index sets accumulate dead IDs.
func (s *RedisSessionStore) DeleteExpiredSessions(ctx context.Context, before time.Time) (int64, error) {
	var pruned int64
	for _, pattern := range []string{"mduser:*", "mdorg:*"} {
		var cursor uint64
		for {
			keys, next, err := s.rdb.Scan(ctx, cursor, pattern, 100).Result()
			if err != nil {
				return pruned, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
			}
			for _, key := range keys {
				ids, err := s.rdb.SMembers(ctx, key).Result()
				if err != nil {
					return pruned, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
				}
				for _, id := range ids {
					exists, err := s.rdb.Exists(ctx, sessionIDKey(id)).Result()
					if err != nil {
						return pruned, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
					}
					if exists == 0 {
						s.rdb.SRem(ctx, key, id)
						pruned++
					}
				}
			}
			cursor = next
			if cursor == 0 {
				break
			}
		}
	}
	return pruned, nil
}

func (s *RedisSessionStore) Ping(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// Close closes the Redis client.
func (s *RedisSessionStore) Close() error {
	return s.rdb.Close()
}
