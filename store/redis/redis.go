// Package redis provides a Redis-backed store.Store so several dispatcher
// nodes can share one connection directory.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"

	"github.com/ggoodman/httpconnections-go/store"
)

// DefaultKeyPrefix namespaces every key written by the store.
const DefaultKeyPrefix = "httpconnections:conn:"

// Config contains configuration options for the Redis store
type Config struct {
	// Client is the Redis client instance
	Client *redis.Client

	// KeyPrefix is the prefix for all Redis keys
	// Default: "httpconnections:conn:"
	KeyPrefix string
}

// EnvConfig is decoded from the environment by NewFromEnv.
type EnvConfig struct {
	Addr      string `env:"REDIS_ADDR,default=localhost:6379"`
	Password  string `env:"REDIS_PASSWORD"`
	DB        int    `env:"REDIS_DB,default=0"`
	KeyPrefix string `env:"CONNECTIONS_KEY_PREFIX,default=httpconnections:conn:"`
}

// Store implements store.Store using Redis
type Store struct {
	client    *redis.Client
	keyPrefix string
}

// New creates a Redis-backed store around an existing client.
func New(config Config) (*Store, error) {
	if config.Client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = DefaultKeyPrefix
	}
	return &Store{
		client:    config.Client,
		keyPrefix: config.KeyPrefix,
	}, nil
}

// NewFromEnv dials Redis using EnvConfig and verifies the connection.
func NewFromEnv(ctx context.Context) (*Store, error) {
	var cfg EnvConfig
	if err := envdecode.Decode(&cfg); err != nil && err != envdecode.ErrNoTargetFieldsAreSet {
		return nil, fmt.Errorf("failed to decode redis config: %w", err)
	}
	if cfg.Addr == "" {
		cfg.Addr = "localhost:6379"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to reach redis at %s: %w", cfg.Addr, err)
	}
	return New(Config{Client: client, KeyPrefix: cfg.KeyPrefix})
}

func (s *Store) Get(ctx context.Context, connectionID string) (*store.Record, error) {
	key := s.key(connectionID)

	raw, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get key %s: %w", key, err)
	}

	var rec store.Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal stored record: %w", err)
	}
	if rec.IsExpired() {
		s.client.Del(ctx, key)
		return nil, nil
	}
	return &rec, nil
}

func (s *Store) Put(ctx context.Context, rec store.Record, opts ...store.Option) error {
	if rec.ConnectionID == "" {
		return store.ErrInvalidRecord
	}
	o := store.Apply(opts)
	key := s.key(rec.ConnectionID)

	var ttl time.Duration
	rec.ExpiresAt = nil
	if o.TTL != nil {
		expiresAt := time.Now().Add(*o.TTL)
		rec.ExpiresAt = &expiresAt
		ttl = *o.TTL
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set key %s: %w", key, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, connectionID string) error {
	key := s.key(connectionID)
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("failed to delete key %s: %w", key, err)
	}
	return nil
}

// Close closes the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) key(connectionID string) string {
	return s.keyPrefix + connectionID
}

var _ store.Store = (*Store)(nil)
