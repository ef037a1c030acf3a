package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	redisKeyPrefix = "imagelab:session:"
	redisIndexKey  = "imagelab:sessions:updated"
)

// RedisStore keeps sessions in Redis hashes. A sorted set indexed by update
// time lets CleanupOlderThan find stale users without scanning the keyspace.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	now    func() time.Time
}

// NewRedisStore wraps an existing client. Keys expire after ttl even when the
// janitor never runs; ttl <= 0 disables expiry.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl, now: time.Now}
}

// Close closes the underlying client.
func (r *RedisStore) Close() error {
	return r.client.Close()
}

func redisKey(userID string) string {
	return redisKeyPrefix + userID
}

// Get implements Store.
func (r *RedisStore) Get(ctx context.Context, userID string) (*Session, error) {
	fields, err := r.client.HGetAll(ctx, redisKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis get session: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	return &Session{
		UserID:    userID,
		Feature:   fields["feature"],
		State:     fields["state"],
		Data:      []byte(fields["data"]),
		CreatedAt: parseUnixNano(fields["created_at"]),
		UpdatedAt: parseUnixNano(fields["updated_at"]),
	}, nil
}

// Set implements Store. created_at survives overwrites of the same user.
func (r *RedisStore) Set(ctx context.Context, s *Session) error {
	if s == nil || s.UserID == "" {
		return errors.New("redis set session: missing user id")
	}

	now := r.now()
	key := redisKey(s.UserID)

	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, key,
		"feature", s.Feature,
		"state", s.State,
		"data", s.Data,
		"updated_at", now.UnixNano(),
	)
	pipe.HSetNX(ctx, key, "created_at", now.UnixNano())
	if r.ttl > 0 {
		pipe.Expire(ctx, key, r.ttl)
	}
	pipe.ZAdd(ctx, redisIndexKey, &redis.Z{Score: float64(now.Unix()), Member: s.UserID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis set session: %w", err)
	}
	return nil
}

// Clear implements Store.
func (r *RedisStore) Clear(ctx context.Context, userID string) error {
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, redisKey(userID))
	pipe.ZRem(ctx, redisIndexKey, userID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis clear session: %w", err)
	}
	return nil
}

// CleanupOlderThan implements Store. Index entries whose hash already expired
// are dropped but not counted.
func (r *RedisStore) CleanupOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	cutoff := r.now().Add(-age).Unix()
	userIDs, err := r.client.ZRangeByScore(ctx, redisIndexKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(cutoff, 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("redis scan stale sessions: %w", err)
	}
	if len(userIDs) == 0 {
		return 0, nil
	}

	keys := make([]string, len(userIDs))
	members := make([]interface{}, len(userIDs))
	for i, id := range userIDs {
		keys[i] = redisKey(id)
		members[i] = id
	}

	pipe := r.client.TxPipeline()
	del := pipe.Del(ctx, keys...)
	pipe.ZRem(ctx, redisIndexKey, members...)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("redis delete stale sessions: %w", err)
	}
	return del.Val(), nil
}

// Ping implements Store.
func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func parseUnixNano(v string) time.Time {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}
