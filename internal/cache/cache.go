// Package cache wraps the Redis key-value store used for ephemeral state:
// price data and history, alert indices, arbitrage opportunities, hourly
// transaction counters, activity patterns and pending budget changes.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Key prefixes and TTLs for the ephemeral state owned by the core.
const (
	KeyPriceData      = "price_data:"      // + momentID
	KeyPriceHistory   = "price_history:"   // + momentID
	KeyActiveAlerts   = "active_price_alerts"
	KeyAlert          = "alert:"           // + alertID
	KeyAlertsList     = "alerts_list"
	KeyArbitrage      = "arbitrage:"       // + opportunityID
	KeyArbitrageList  = "arbitrage_opportunities"
	KeyHourlyTx       = "hourly_transactions:" // + userID
	KeyLastTx         = "last_transaction:"    // + userID
	KeyActivity       = "activity_pattern:"    // + userID
	KeyPendingChanges = "pending_budget_changes:" // + userID
	KeyOriginalLimits = "original_limits:"        // + userID
	KeyTxReview       = "transaction_review:"     // + reviewID
	KeyUserReviews    = "user_reviews:"           // + userID

	TTLPriceData     = time.Hour
	TTLAlert         = 7 * 24 * time.Hour
	TTLArbitrage     = time.Hour
	TTLHourlyCounter = time.Hour
	TTLPendingChange = 24 * time.Hour
	TTLPattern       = 7 * 24 * time.Hour
)

// Cache is the key-value interface consumed by the core components.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
	GetJSON(ctx context.Context, key string, out interface{}) (bool, error)
	SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Ping(ctx context.Context) error
	Close() error
}

// RedisCache implements Cache on go-redis.
type RedisCache struct {
	client *redis.Client
}

// New connects to Redis and verifies the connection.
func New(addr, password string, db int) (*RedisCache, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		PoolSize:     10,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return &RedisCache{client: rdb}, nil
}

// NewFromClient wraps an existing client; used by tests with redismock.
func NewFromClient(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

// Get retrieves raw bytes. The second return reports a hit.
func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("redis get %s: %w", key, err)
	}
	return val, true, nil
}

// Set stores raw bytes with a TTL. Zero TTL means no expiry.
func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// Delete removes keys; missing keys are not an error.
func (c *RedisCache) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Incr atomically increments a counter, setting the TTL on first increment.
func (c *RedisCache) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	n, err := c.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("redis incr %s: %w", key, err)
	}
	if n == 1 && ttl > 0 {
		if err := c.client.Expire(ctx, key, ttl).Err(); err != nil {
			return n, fmt.Errorf("redis expire %s: %w", key, err)
		}
	}
	return n, nil
}

// GetJSON unmarshals a cached JSON value into out. Returns false on miss.
func (c *RedisCache) GetJSON(ctx context.Context, key string, out interface{}) (bool, error) {
	data, ok, err := c.Get(ctx, key)
	if err != nil || !ok {
		return ok, err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("cache decode %s: %w", key, err)
	}
	return true, nil
}

// SetJSON marshals and stores a value with a TTL.
func (c *RedisCache) SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache encode %s: %w", key, err)
	}
	return c.Set(ctx, key, data, ttl)
}

// Ping verifies connectivity; used by the health aggregator.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close releases the underlying connection pool.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
