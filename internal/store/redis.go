package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"capital-risk-engine/config"
)

// StateTTL bounds how long stale engine snapshots survive in Redis. State is
// rewritten on every mutation, so anything older than this is from a dead
// process.
const StateTTL = 7 * 24 * time.Hour

// RedisStateStore persists engine state to Redis with an in-memory fallback
// cache. When Redis is unavailable the fallback keeps the running process
// authoritative; an unrecovered restart cold-starts instead of crashing.
type RedisStateStore struct {
	client    *redis.Client
	fallback  map[string][]byte
	mu        sync.RWMutex
	available atomic.Bool
	logger    zerolog.Logger
}

// NewRedisStateStore creates a RedisStateStore from the given config. If the
// initial ping fails the store starts in memory-only mode and retries
// transparently on the next save.
func NewRedisStateStore(cfg config.RedisConfig, logger zerolog.Logger) *RedisStateStore {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: 2,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	s := &RedisStateStore{
		client:   client,
		fallback: make(map[string][]byte),
		logger:   logger.With().Str("component", "RedisStateStore").Logger(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		s.logger.Warn().Err(err).Msg("redis unavailable at startup, using in-memory fallback")
		s.available.Store(false)
	} else {
		s.logger.Info().Str("address", cfg.Address).Msg("redis connected")
		s.available.Store(true)
	}

	return s
}

// Save implements StateStore. The fallback cache is always written so a
// Redis outage never loses in-process state.
func (s *RedisStateStore) Save(ctx context.Context, key string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal state for %s: %w", key, err)
	}

	s.mu.Lock()
	s.fallback[key] = data
	s.mu.Unlock()

	if err := s.client.Set(ctx, key, data, StateTTL).Err(); err != nil {
		if s.available.Swap(false) {
			s.logger.Warn().Err(err).Str("key", key).Msg("redis save failed, state held in memory")
		}
		return nil
	}

	if !s.available.Swap(true) {
		s.logger.Info().Msg("redis recovered")
	}
	return nil
}

// Load implements StateStore. Redis is preferred; the fallback cache covers
// keys written during an outage.
func (s *RedisStateStore) Load(ctx context.Context, key string, dest interface{}) (bool, error) {
	data, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			s.logger.Warn().Err(err).Str("key", key).Msg("redis load failed, trying fallback")
		}
		s.mu.RLock()
		cached, ok := s.fallback[key]
		s.mu.RUnlock()
		if !ok {
			return false, nil
		}
		data = cached
	}

	if err := json.Unmarshal(data, dest); err != nil {
		return false, fmt.Errorf("failed to unmarshal state for %s: %w", key, err)
	}
	return true, nil
}

// Delete implements StateStore
func (s *RedisStateStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	delete(s.fallback, key)
	s.mu.Unlock()

	if err := s.client.Del(ctx, key).Err(); err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("redis delete failed")
	}
	return nil
}

// Close releases the Redis client
func (s *RedisStateStore) Close() error {
	return s.client.Close()
}
