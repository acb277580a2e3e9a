package knowledge

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/corralhq/corral/core/infra/redisutil"
)

const (
	defaultRedisURL = "redis://localhost:6379"

	entryKeyPrefix   = "coord:knowledge:entry:"
	agentIndexPrefix = "coord:knowledge:agent:"

	// value TTL guards against unbounded Redis growth; configurable via env.
	defaultValueTTL          = 24 * time.Hour
	defaultRedisOpTimeout    = 2 * time.Second
	envValueTTLInSeconds     = "CORRAL_KNOWLEDGE_TTL_SECONDS"
	envValueTTLParseDuration = "CORRAL_KNOWLEDGE_TTL" // accepts ParseDuration values (e.g. 24h)
)

// RedisCache implements Cache using Redis.
type RedisCache struct {
	client   redis.UniversalClient
	valueTTL time.Duration
}

// NewRedisCache constructs a Redis-backed cache from a redis:// URL.
func NewRedisCache(url string) (*RedisCache, error) {
	if url == "" {
		url = defaultRedisURL
	}

	ttl := defaultValueTTL
	if ttlSeconds := os.Getenv(envValueTTLInSeconds); ttlSeconds != "" {
		if secs, err := strconv.Atoi(ttlSeconds); err == nil && secs > 0 {
			ttl = time.Duration(secs) * time.Second
		}
	}
	if ttlEnv := os.Getenv(envValueTTLParseDuration); ttlEnv != "" {
		if parsed, err := time.ParseDuration(ttlEnv); err == nil && parsed > 0 {
			ttl = parsed
		}
	}

	client, err := redisutil.NewClient(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}

	return &RedisCache{client: client, valueTTL: ttl}, nil
}

// Save stores a value for the target agent. Saving refreshes the agent's
// key index so it expires with the newest entry.
func (c *RedisCache) Save(ctx context.Context, targetAgent, key string, value []byte) error {
	if c == nil || c.client == nil {
		return fmt.Errorf("knowledge cache unavailable")
	}
	targetAgent = strings.TrimSpace(targetAgent)
	key = strings.TrimSpace(key)
	if targetAgent == "" {
		return fmt.Errorf("target agent required")
	}
	if key == "" {
		return fmt.Errorf("key required")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultRedisOpTimeout)
	defer cancel()

	pipe := c.client.TxPipeline()
	pipe.Set(cctx, entryKey(targetAgent, key), value, c.valueTTL)
	pipe.ZAdd(cctx, agentIndexKey(targetAgent), redis.Z{
		Score:  float64(time.Now().Unix()),
		Member: key,
	})
	pipe.Expire(cctx, agentIndexKey(targetAgent), c.valueTTL)
	_, err := pipe.Exec(cctx)
	return err
}

// Get returns the stored value, or ErrNotFound when missing or expired.
func (c *RedisCache) Get(ctx context.Context, targetAgent, key string) ([]byte, error) {
	if c == nil || c.client == nil {
		return nil, fmt.Errorf("knowledge cache unavailable")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultRedisOpTimeout)
	defer cancel()

	val, err := c.client.Get(cctx, entryKey(targetAgent, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return val, nil
}

// ListKeys returns the agent's live keys, newest first. Index members whose
// entry has expired are pruned as a side effect.
func (c *RedisCache) ListKeys(ctx context.Context, targetAgent string) ([]string, error) {
	if c == nil || c.client == nil {
		return nil, fmt.Errorf("knowledge cache unavailable")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultRedisOpTimeout)
	defer cancel()

	keys, err := c.client.ZRevRange(cctx, agentIndexKey(targetAgent), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return []string{}, nil
	}

	pipe := c.client.Pipeline()
	cmds := make(map[string]*redis.IntCmd, len(keys))
	for _, key := range keys {
		cmds[key] = pipe.Exists(cctx, entryKey(targetAgent, key))
	}
	_, _ = pipe.Exec(cctx)

	live := make([]string, 0, len(keys))
	var stale []any
	for _, key := range keys {
		cmd := cmds[key]
		if cmd != nil && cmd.Val() > 0 {
			live = append(live, key)
			continue
		}
		stale = append(stale, key)
	}
	if len(stale) > 0 {
		_ = c.client.ZRem(cctx, agentIndexKey(targetAgent), stale...).Err()
	}
	return live, nil
}

// Close closes the underlying Redis client.
func (c *RedisCache) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}

func entryKey(agent, key string) string {
	return entryKeyPrefix + agent + ":" + key
}

func agentIndexKey(agent string) string {
	return agentIndexPrefix + agent
}
