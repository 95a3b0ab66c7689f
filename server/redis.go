package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore is a LaunchStore backed by redis, for deployments with more
// than one replica behind a load balancer. Layout is one key per value,
// smart:{flow}:{name}, so in-flight and session entries can expire
// independently.
type RedisStore struct {
	client    *redis.Client
	launchTTL time.Duration
	sessTTL   time.Duration
}

// NewRedisStore constructs the store from config.
func NewRedisStore(cfg Config) *RedisStore {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	return &RedisStore{
		client:    client,
		launchTTL: cfg.StateTTL(),
		sessTTL:   cfg.SessionTTL(),
	}
}

// NewRedisStoreWithClient wraps an existing client, used in tests.
func NewRedisStoreWithClient(client *redis.Client, launchTTL, sessionTTL time.Duration) *RedisStore {
	return &RedisStore{client: client, launchTTL: launchTTL, sessTTL: sessionTTL}
}

// Ping verifies connectivity at startup.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// Put stores a value under the flow.
func (s *RedisStore) Put(ctx context.Context, flowID, key, value string) error {
	ttl := s.sessTTL
	if inFlightKey(key) {
		ttl = s.launchTTL
	}
	if err := s.client.Set(ctx, flowKey(flowID, key), value, ttl).Err(); err != nil {
		return fmt.Errorf("store %s: %w", key, err)
	}
	return nil
}

// Get returns a stored value if present.
func (s *RedisStore) Get(ctx context.Context, flowID, key string) (string, bool, error) {
	v, err := s.client.Get(ctx, flowKey(flowID, key)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("load %s: %w", key, err)
	}
	return v, true, nil
}

// Remove deletes the named keys from the flow.
func (s *RedisStore) Remove(ctx context.Context, flowID string, keys ...string) error {
	full := make([]string, len(keys))
	for i, key := range keys {
		full[i] = flowKey(flowID, key)
	}
	if err := s.client.Del(ctx, full...).Err(); err != nil {
		return fmt.Errorf("remove launch keys: %w", err)
	}
	return nil
}

// ConsumeLaunch returns and deletes the state/verifier pair. Each value is
// a GETDEL, so the verifier is handed out at most once per flow.
func (s *RedisStore) ConsumeLaunch(ctx context.Context, flowID string) (string, string, error) {
	state, err := s.getDel(ctx, flowKey(flowID, KeyState))
	if err != nil {
		return "", "", err
	}
	verifier, err := s.getDel(ctx, flowKey(flowID, KeyCodeVerifier))
	if err != nil {
		return "", "", err
	}
	return state, verifier, nil
}

func (s *RedisStore) getDel(ctx context.Context, key string) (string, error) {
	v, err := s.client.GetDel(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", nil
		}
		return "", fmt.Errorf("consume %s: %w", key, err)
	}
	return v, nil
}

func flowKey(flowID, key string) string {
	return "smart:" + flowID + ":" + key
}
