// Package store is the gateway to the shared key-value store.  It is the
// only package that speaks to Redis: registries express intent through the
// namespaced helpers here (or through the Batcher for mutations) and never
// touch a client directly.
package store

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Key namespaces.  All payloads are UTF-8 JSON except credential verifiers,
// which are opaque.
const (
	connectedUsersKey = "connected_users"
)

func UserKey(username string) string     { return "users:" + username }
func SessionKey(sid string) string       { return "sessions:" + sid }
func UserSessionsKey(user string) string { return "user_sessions:" + user }
func ConnectionKey(sid string) string    { return "connections:" + sid }
func ConnectedUsersKey() string          { return connectedUsersKey }

// Store wraps a shared Redis client with the command surface the gateway
// needs.  Reads go straight through; mutating callers normally go through
// the Batcher instead.
type Store struct {
	rdb *redis.Client
	log *zap.Logger
}

func New(rdb *redis.Client, log *zap.Logger) *Store {
	return &Store{rdb: rdb, log: log.Named("store")}
}

// Get returns the scalar value at key.  ok is false when the key is absent.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.rdb.Set(ctx, key, value, ttl).Err()
}

func (s *Store) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return s.rdb.Del(ctx, keys...).Err()
}

func (s *Store) HGet(ctx context.Context, key, field string) (string, bool, error) {
	v, err := s.rdb.HGet(ctx, key, field).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *Store) HSet(ctx context.Context, key string, fields map[string]string) error {
	return s.rdb.HSet(ctx, key, fields).Err()
}

// HGetAll returns the full hash at key.  An empty map means the key does
// not exist; Redis does not distinguish the two.
func (s *Store) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return s.rdb.HGetAll(ctx, key).Result()
}

func (s *Store) HDel(ctx context.Context, key string, fields ...string) error {
	return s.rdb.HDel(ctx, key, fields...).Err()
}

func (s *Store) SAdd(ctx context.Context, key string, members ...string) error {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return s.rdb.SAdd(ctx, key, args...).Err()
}

func (s *Store) SRem(ctx context.Context, key string, members ...string) error {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return s.rdb.SRem(ctx, key, args...).Err()
}

func (s *Store) SMembers(ctx context.Context, key string) ([]string, error) {
	return s.rdb.SMembers(ctx, key).Result()
}

func (s *Store) ZAdd(ctx context.Context, key, member string, score float64) error {
	return s.rdb.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
}

// ZRangeByScore returns members with min <= score <= max.
func (s *Store) ZRangeByScore(ctx context.Context, key string, min, max string) ([]string, error) {
	return s.rdb.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: min, Max: max}).Result()
}

func (s *Store) ZRem(ctx context.Context, key string, members ...string) error {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return s.rdb.ZRem(ctx, key, args...).Err()
}

func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return s.rdb.Expire(ctx, key, ttl).Err()
}

// Scan walks the keyspace for keys matching pattern.  Used only by the
// sweepers and admin listings; hot paths go through the indexes.
func (s *Store) Scan(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := s.rdb.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	return keys, iter.Err()
}

// Publish sends payload on a pub/sub topic.  Publishes bypass the Batcher:
// event delivery must not wait out a flush window.
func (s *Store) Publish(ctx context.Context, topic string, payload []byte) error {
	return s.rdb.Publish(ctx, topic, payload).Err()
}

// Subscribe opens an empty subscription; the bus adds and removes topics as
// local interest changes.
func (s *Store) Subscribe(ctx context.Context) *redis.PubSub {
	return s.rdb.Subscribe(ctx)
}
