package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Client wraps Redis operations for replay coordination: per-collection
// leases so only one instance replays a collection at a time, pause flags
// an operator can flip without restarting, and a dead-letter notification
// list consumed by external tooling.
type Client struct {
	rdb *redis.Client
}

// Config holds Redis connection configuration.
type Config struct {
	URL      string `yaml:"url"`
	Password string `yaml:"password"`
}

// NewClient creates a new Redis client.
func NewClient(cfg Config) (*Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}

	rdb := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Client{rdb: rdb}, nil
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Key helpers
func leaseKey(collection string) string {
	return fmt.Sprintf("replay_lease:%s", collection)
}

func pauseKey(collection string) string {
	return fmt.Sprintf("replay_paused:%s", collection)
}

func deadListKey(collection string) string {
	return fmt.Sprintf("dead_mutations:%s", collection)
}

// AcquireLease attempts to take the replay lease for a collection. The
// owner value distinguishes instances so a crashed holder's lease simply
// expires instead of needing cleanup.
func (c *Client) AcquireLease(ctx context.Context, collection, owner string, ttl time.Duration) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, leaseKey(collection), owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("setnx failed: %w", err)
	}
	return ok, nil
}

// RefreshLease extends the TTL of a held lease. Returns false when the
// lease is no longer ours (expired and claimed by another instance).
func (c *Client) RefreshLease(ctx context.Context, collection, owner string, ttl time.Duration) (bool, error) {
	val, err := c.rdb.Get(ctx, leaseKey(collection)).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get failed: %w", err)
	}
	if val != owner {
		return false, nil
	}
	if err := c.rdb.Expire(ctx, leaseKey(collection), ttl).Err(); err != nil {
		return false, fmt.Errorf("expire failed: %w", err)
	}
	return true, nil
}

// ReleaseLease releases a held lease.
func (c *Client) ReleaseLease(ctx context.Context, collection, owner string) error {
	val, err := c.rdb.Get(ctx, leaseKey(collection)).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("get failed: %w", err)
	}
	if val != owner {
		return nil
	}
	return c.rdb.Del(ctx, leaseKey(collection)).Err()
}

// IsPaused checks the operator pause flag for a collection.
func (c *Client) IsPaused(ctx context.Context, collection string) (bool, error) {
	_, err := c.rdb.Get(ctx, pauseKey(collection)).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get failed: %w", err)
	}
	return true, nil
}

// SetPaused sets or clears the pause flag for a collection.
func (c *Client) SetPaused(ctx context.Context, collection string, paused bool) error {
	if paused {
		return c.rdb.Set(ctx, pauseKey(collection), "1", 0).Err()
	}
	return c.rdb.Del(ctx, pauseKey(collection)).Err()
}

// NotifyDead pushes a dead mutation ID onto the notification list so
// external tooling can alert or triage. The list is capped to keep a
// forgotten consumer from growing it unbounded.
func (c *Client) NotifyDead(ctx context.Context, collection, mutationID string) error {
	key := deadListKey(collection)
	if err := c.rdb.LPush(ctx, key, mutationID).Err(); err != nil {
		return fmt.Errorf("lpush failed: %w", err)
	}
	return c.rdb.LTrim(ctx, key, 0, 999).Err()
}

// DeadList returns the most recent dead mutation IDs for a collection.
func (c *Client) DeadList(ctx context.Context, collection string, limit int64) ([]string, error) {
	return c.rdb.LRange(ctx, deadListKey(collection), 0, limit-1).Result()
}
