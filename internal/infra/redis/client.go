package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLockNotHeld is returned when refreshing a lock this client does not own.
var ErrLockNotHeld = errors.New("lock not held")

// Client wraps Redis operations for distribution coordination.
type Client struct {
	rdb    *redis.Client
	prefix string

	mu     sync.Mutex
	tokens map[string]string
}

// Config holds Redis connection configuration.
type Config struct {
	URL       string `yaml:"url"`
	Password  string `yaml:"password"`
	KeyPrefix string `yaml:"key_prefix"`
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

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "distributor"
	}
	return &Client{rdb: rdb, prefix: prefix, tokens: make(map[string]string)}, nil
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Key helpers
func lockKey(prefix, name string) string {
	return fmt.Sprintf("%s:lock:%s", prefix, name)
}

func runsKey(prefix, name string) string {
	return fmt.Sprintf("%s:runs:%s", prefix, name)
}

// releaseScript deletes the lock only while it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// refreshScript extends the lock only while it still holds our token.
var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// Acquire attempts to take the named lock for ttl.
func (c *Client) Acquire(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	token := uuid.NewString()
	ok, err := c.rdb.SetNX(ctx, lockKey(c.prefix, name), token, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("setnx failed: %w", err)
	}
	if ok {
		c.mu.Lock()
		c.tokens[name] = token
		c.mu.Unlock()
	}
	return ok, nil
}

// Release drops a lock taken by this client. Releasing a lock that expired
// and was taken by someone else is a no-op.
func (c *Client) Release(ctx context.Context, name string) error {
	c.mu.Lock()
	token, ok := c.tokens[name]
	delete(c.tokens, name)
	c.mu.Unlock()
	if !ok {
		return nil
	}
	if err := releaseScript.Run(ctx, c.rdb, []string{lockKey(c.prefix, name)}, token).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}

// Refresh extends the TTL of a lock taken by this client. A lock that expired
// and was taken by someone else is left alone.
func (c *Client) Refresh(ctx context.Context, name string, ttl time.Duration) error {
	c.mu.Lock()
	token, ok := c.tokens[name]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("refresh %s: %w", name, ErrLockNotHeld)
	}

	n, err := refreshScript.Run(ctx, c.rdb, []string{lockKey(c.prefix, name)}, token, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("refresh lock: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("refresh %s: %w", name, ErrLockNotHeld)
	}
	return nil
}
