package presence

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps online markers as TTL'd keys and last-seen timestamps in
// a hash, so presence survives process restarts and is shared between
// instances.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisStore(addr string, ttl time.Duration) *RedisStore {
	return &RedisStore{
		client: redis.NewClient(&redis.Options{Addr: addr}),
		ttl:    ttl,
	}
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func onlineKey(userID string) string {
	return "presence:online:" + userID
}

const lastSeenHash = "presence:last_seen"

func (s *RedisStore) SetOnline(ctx context.Context, userID string) error {
	now := time.Now().Unix()
	pipe := s.client.Pipeline()
	pipe.Set(ctx, onlineKey(userID), now, s.ttl)
	pipe.HSet(ctx, lastSeenHash, userID, now)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to set presence for %s: %w", userID, err)
	}
	return nil
}

func (s *RedisStore) Heartbeat(ctx context.Context, userID string) error {
	return s.SetOnline(ctx, userID)
}

func (s *RedisStore) SetOffline(ctx context.Context, userID string) error {
	pipe := s.client.Pipeline()
	pipe.Del(ctx, onlineKey(userID))
	pipe.HSet(ctx, lastSeenHash, userID, time.Now().Unix())
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to clear presence for %s: %w", userID, err)
	}
	return nil
}

func (s *RedisStore) IsOnline(ctx context.Context, userID string) (bool, error) {
	n, err := s.client.Exists(ctx, onlineKey(userID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check presence for %s: %w", userID, err)
	}
	return n > 0, nil
}

func (s *RedisStore) LastSeen(ctx context.Context, userID string) (time.Time, error) {
	val, err := s.client.HGet(ctx, lastSeenHash, userID).Result()
	if err == redis.Nil {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to get last seen for %s: %w", userID, err)
	}
	sec, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(sec, 0), nil
}
