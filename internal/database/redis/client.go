// Package redis provides the Redis client used by the miner.
// It stores persisted settings and caches live per-pool statistics.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Key names
const (
	settingsKeyPrefix = "gompminer:settings:"
	snapshotKey       = "gompminer:miners"
	hashrateKeyPrefix = "gompminer:hashrate:"
	counterKeyPrefix  = "gompminer:counter:"
)

// ErrNotFound is returned when a key does not exist
var ErrNotFound = errors.New("not found")

// Client wraps Redis operations for the miner
type Client struct {
	rdb *redis.Client
}

// Config holds Redis connection configuration
type Config struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	MaxRetries   int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// ConfigFromURL parses a redis:// URL into a Config
func ConfigFromURL(url string) (*Config, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid Redis URL: %w", err)
	}
	return &Config{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     4,
		MinIdleConns: 1,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}, nil
}

// NewClient creates a new Redis client
func NewClient(cfg *Config) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		MaxRetries:   cfg.MaxRetries,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	return &Client{rdb: rdb}, nil
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Health checks Redis connectivity
func (c *Client) Health(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Settings

// SetSettings stores a settings document under name
func (c *Client) SetSettings(ctx context.Context, name string, data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}

	if err := c.rdb.Set(ctx, settingsKeyPrefix+name, jsonData, 0).Err(); err != nil {
		return fmt.Errorf("failed to set settings: %w", err)
	}
	return nil
}

// GetSettings loads the settings document stored under name. It returns
// ErrNotFound when nothing was stored yet.
func (c *Client) GetSettings(ctx context.Context, name string, dest any) error {
	jsonData, err := c.rdb.Get(ctx, settingsKeyPrefix+name).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to get settings: %w", err)
	}

	if err := json.Unmarshal([]byte(jsonData), dest); err != nil {
		return fmt.Errorf("failed to unmarshal settings: %w", err)
	}
	return nil
}

// Miner snapshots

// SetMinerSnapshot stores the latest statistics of the miner for pool
func (c *Client) SetMinerSnapshot(ctx context.Context, pool string, snapshot any) error {
	jsonData, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal miner snapshot: %w", err)
	}

	if err := c.rdb.HSet(ctx, snapshotKey, pool, jsonData).Err(); err != nil {
		return fmt.Errorf("failed to set miner snapshot: %w", err)
	}
	return nil
}

// GetMinerSnapshot loads the snapshot stored for pool into dest
func (c *Client) GetMinerSnapshot(ctx context.Context, pool string, dest any) error {
	jsonData, err := c.rdb.HGet(ctx, snapshotKey, pool).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to get miner snapshot: %w", err)
	}

	if err := json.Unmarshal([]byte(jsonData), dest); err != nil {
		return fmt.Errorf("failed to unmarshal miner snapshot: %w", err)
	}
	return nil
}

// DeleteMinerSnapshot removes the snapshot of a pool that left the list
func (c *Client) DeleteMinerSnapshot(ctx context.Context, pool string) error {
	if err := c.rdb.HDel(ctx, snapshotKey, pool).Err(); err != nil {
		return fmt.Errorf("failed to delete miner snapshot: %w", err)
	}
	return nil
}

// Statistics and counters

// IncrementCounter increments a named counter
func (c *Client) IncrementCounter(ctx context.Context, name string) (int64, error) {
	val, err := c.rdb.Incr(ctx, counterKeyPrefix+name).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to increment counter: %w", err)
	}
	return val, nil
}

// GetCounter retrieves a counter value
func (c *Client) GetCounter(ctx context.Context, name string) (int64, error) {
	val, err := c.rdb.Get(ctx, counterKeyPrefix+name).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to get counter: %w", err)
	}
	return val, nil
}

// AddHashrate records a hash rate sample for pool, keeping window worth of samples
func (c *Client) AddHashrate(ctx context.Context, pool string, hashrate float64, window time.Duration) error {
	key := hashrateKeyPrefix + pool
	now := time.Now()

	// Member carries the timestamp so equal rates do not collapse
	member := &redis.Z{
		Score:  float64(now.Unix()),
		Member: strconv.FormatInt(now.UnixNano(), 10) + ":" + strconv.FormatFloat(hashrate, 'f', -1, 64),
	}

	pipe := c.rdb.Pipeline()
	pipe.ZAdd(ctx, key, *member)
	pipe.ZRemRangeByScore(ctx, key, "0", strconv.FormatInt(now.Add(-window).Unix(), 10))
	pipe.Expire(ctx, key, window*2)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to add hashrate: %w", err)
	}
	return nil
}

// GetAverageHashrate calculates the average hash rate of pool over window
func (c *Client) GetAverageHashrate(ctx context.Context, pool string, window time.Duration) (float64, error) {
	values, err := c.rdb.ZRangeByScore(ctx, hashrateKeyPrefix+pool, &redis.ZRangeBy{
		Min: strconv.FormatInt(time.Now().Add(-window).Unix(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to get hashrate values: %w", err)
	}

	return averageSamples(values), nil
}

func averageSamples(values []string) float64 {
	var total float64
	var n int
	for _, val := range values {
		for i := len(val) - 1; i >= 0; i-- {
			if val[i] != ':' {
				continue
			}
			if rate, err := strconv.ParseFloat(val[i+1:], 64); err == nil {
				total += rate
				n++
			}
			break
		}
	}
	if n == 0 {
		return 0
	}
	return total / float64(n)
}
