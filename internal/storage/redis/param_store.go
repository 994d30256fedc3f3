// Package redis provides a Redis-backed parameter store for deployments that
// keep durable state outside the process.
package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/AltairaLabs/continuation-manager/internal/storage"
)

const defaultPrefix = "continuationmgr:param:"

// Config holds Redis connection configuration.
type Config struct {
	// Addr is the Redis server address (host:port).
	Addr string
	// Password is the Redis password (optional).
	Password string
	// DB is the Redis database number.
	DB int
	// Prefix is prepended to every parameter key.
	Prefix string
}

// ParameterStore implements storage.ParameterStore on Redis strings.
type ParameterStore struct {
	client *goredis.Client
	prefix string
	mu     sync.RWMutex
	closed bool
}

// NewParameterStore connects to Redis and verifies the connection.
func NewParameterStore(cfg Config) (*ParameterStore, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}

	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return NewParameterStoreFromClient(client, cfg.Prefix), nil
}

// NewParameterStoreFromClient wraps an existing client. Tests pass a client
// pointed at miniredis.
func NewParameterStoreFromClient(client *goredis.Client, prefix string) *ParameterStore {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &ParameterStore{
		client: client,
		prefix: prefix,
	}
}

func (s *ParameterStore) key(name string) string {
	return s.prefix + name
}

func (s *ParameterStore) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// GetParameter returns the stored value or def when the key is missing.
func (s *ParameterStore) GetParameter(ctx context.Context, key, def string) (string, error) {
	if s.isClosed() {
		return def, storage.ErrStoreClosed
	}
	v, err := s.client.Get(ctx, s.key(key)).Result()
	if errors.Is(err, goredis.Nil) {
		return def, nil
	}
	if err != nil {
		return def, fmt.Errorf("get parameter %s: %w", key, err)
	}
	return v, nil
}

// SetParameter stores value under key without expiry.
func (s *ParameterStore) SetParameter(ctx context.Context, key, value string) error {
	if s.isClosed() {
		return storage.ErrStoreClosed
	}
	if err := s.client.Set(ctx, s.key(key), value, 0).Err(); err != nil {
		return fmt.Errorf("set parameter %s: %w", key, err)
	}
	return nil
}

// Close closes the underlying client.
func (s *ParameterStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.client.Close()
}

var _ storage.ParameterStore = (*ParameterStore)(nil)
