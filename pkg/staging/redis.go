package staging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig configures the Redis-backed region store.
type RedisConfig struct {
	// Address is the host:port of the Redis server
	Address string `yaml:"address"`

	// Password for AUTH, empty for no auth
	Password string `yaml:"password"`

	// DB is the Redis database number
	DB int `yaml:"db"`

	// KeyPrefix namespaces region keys
	KeyPrefix string `yaml:"key_prefix"`

	// TTL bounds region lifetime so crashed publishers cannot leak
	// regions forever. Zero disables expiry.
	TTL time.Duration `yaml:"ttl"`

	// DialTimeout for establishing connections
	DialTimeout time.Duration `yaml:"dial_timeout"`

	// ReadTimeout for read operations
	ReadTimeout time.Duration `yaml:"read_timeout"`

	// WriteTimeout for write operations
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// PoolSize is the maximum number of connections
	PoolSize int `yaml:"pool_size"`
}

// DefaultRedisConfig returns a config with sensible defaults.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Address:      "localhost:6379",
		DB:           0,
		KeyPrefix:    "rl:staging:",
		TTL:          10 * time.Minute,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
	}
}

// RedisRegionStore stages regions in Redis so publisher and redeemers can
// run in separate processes. Region values are written whole in a single
// SET, so concurrent GET/DEL observe either the complete value or nothing.
type RedisRegionStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger *slog.Logger
}

// NewRedisRegionStore connects to Redis and verifies the connection.
func NewRedisRegionStore(config RedisConfig) (*RedisRegionStore, error) {
	defaults := DefaultRedisConfig()
	if config.Address == "" {
		config.Address = defaults.Address
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = defaults.KeyPrefix
	}
	if config.DialTimeout == 0 {
		config.DialTimeout = defaults.DialTimeout
	}
	if config.ReadTimeout == 0 {
		config.ReadTimeout = defaults.ReadTimeout
	}
	if config.WriteTimeout == 0 {
		config.WriteTimeout = defaults.WriteTimeout
	}
	if config.PoolSize == 0 {
		config.PoolSize = defaults.PoolSize
	}

	client := redis.NewClient(&redis.Options{
		Addr:         config.Address,
		Password:     config.Password,
		DB:           config.DB,
		DialTimeout:  config.DialTimeout,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		PoolSize:     config.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), config.DialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", config.Address, err)
	}

	store := &RedisRegionStore{
		client: client,
		prefix: config.KeyPrefix,
		ttl:    config.TTL,
		logger: slog.Default().With("component", "redis-region-store"),
	}
	store.logger.Info("connected to redis staging backend",
		"address", config.Address,
		"db", config.DB,
		"ttl", config.TTL)
	return store, nil
}

// Put stores a region with the configured TTL.
func (s *RedisRegionStore) Put(ctx context.Context, region string, data []byte) error {
	if err := s.client.Set(ctx, s.prefix+region, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to put region %s: %w", region, err)
	}
	return nil
}

// Get returns the complete region bytes.
func (s *RedisRegionStore) Get(ctx context.Context, region string) ([]byte, error) {
	data, err := s.client.Get(ctx, s.prefix+region).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrRegionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get region %s: %w", region, err)
	}
	return data, nil
}

// Delete releases a region. Deleting an absent region is a no-op.
func (s *RedisRegionStore) Delete(ctx context.Context, region string) error {
	if err := s.client.Del(ctx, s.prefix+region).Err(); err != nil {
		return fmt.Errorf("failed to delete region %s: %w", region, err)
	}
	return nil
}

// Ping checks backend health.
func (s *RedisRegionStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the client connection pool.
func (s *RedisRegionStore) Close() error {
	return s.client.Close()
}

// Compile-time interface compliance check
var _ RegionStore = (*RedisRegionStore)(nil)
