package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/corralhq/corral/core/infra/redisutil"
)

const (
	defaultRedisURL = "redis://localhost:6379"

	entryKeyPrefix    = "coord:audit:entry:"
	indexKey          = "coord:audit:index"
	agentIndexPrefix  = "coord:audit:agent:"
	envEntryTTL       = "CORRAL_AUDIT_TTL"
	defaultEntryTTL   = 7 * 24 * time.Hour
	indexKeepLastRank = -1001 // keep last ~1000
)

// RedisRecorder persists audit records in Redis: one JSON entry per record
// plus time-scored indexes, global and per-agent, both capped.
type RedisRecorder struct {
	client   redis.UniversalClient
	entryTTL time.Duration
}

// NewRedisRecorder constructs a Redis-backed recorder from a redis:// URL.
func NewRedisRecorder(url string) (*RedisRecorder, error) {
	if url == "" {
		url = defaultRedisURL
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
	return &RedisRecorder{client: client, entryTTL: entryTTLFromEnv()}, nil
}

func entryTTLFromEnv() time.Duration {
	raw := os.Getenv(envEntryTTL)
	if raw == "" {
		return defaultEntryTTL
	}
	if d, err := time.ParseDuration(raw); err == nil && d > 0 {
		return d
	}
	if secs, err := strconv.Atoi(raw); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return defaultEntryTTL
}

// Close shuts down the Redis client.
func (r *RedisRecorder) Close() error {
	if r == nil || r.client == nil {
		return nil
	}
	return r.client.Close()
}

// Append writes the record and maintains both indexes.
func (r *RedisRecorder) Append(ctx context.Context, record Record) error {
	if r == nil || r.client == nil {
		return fmt.Errorf("recorder unavailable")
	}
	record, err := normalize(record)
	if err != nil {
		return err
	}
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal audit record: %w", err)
	}
	score := float64(record.CreatedAt.Unix())
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, entryKey(record.ID), data, r.entryTTL)
	pipe.ZAdd(ctx, indexKey, redis.Z{Score: score, Member: record.ID})
	pipe.ZRemRangeByRank(ctx, indexKey, 0, indexKeepLastRank)
	pipe.ZAdd(ctx, agentIndexKey(record.Agent), redis.Z{Score: score, Member: record.ID})
	pipe.ZRemRangeByRank(ctx, agentIndexKey(record.Agent), 0, indexKeepLastRank)
	_, err = pipe.Exec(ctx)
	return err
}

// List returns the most recent records, newest first.
func (r *RedisRecorder) List(ctx context.Context, limit int64) ([]Record, error) {
	if r == nil || r.client == nil {
		return nil, fmt.Errorf("recorder unavailable")
	}
	return r.listIndex(ctx, indexKey, limit)
}

// ListByAgent returns the most recent records for one agent, newest first.
func (r *RedisRecorder) ListByAgent(ctx context.Context, agent string, limit int64) ([]Record, error) {
	if r == nil || r.client == nil {
		return nil, fmt.Errorf("recorder unavailable")
	}
	if agent == "" {
		return nil, fmt.Errorf("agent required")
	}
	return r.listIndex(ctx, agentIndexKey(agent), limit)
}

func (r *RedisRecorder) listIndex(ctx context.Context, key string, limit int64) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}
	ids, err := r.client.ZRevRange(ctx, key, 0, limit-1).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []Record{}, nil
	}
	pipe := r.client.Pipeline()
	cmds := make(map[string]*redis.StringCmd, len(ids))
	for _, id := range ids {
		cmds[id] = pipe.Get(ctx, entryKey(id))
	}
	_, _ = pipe.Exec(ctx)

	out := make([]Record, 0, len(ids))
	for _, id := range ids {
		cmd := cmds[id]
		if cmd == nil {
			continue
		}
		data, err := cmd.Bytes()
		if err != nil {
			continue
		}
		var record Record
		if err := json.Unmarshal(data, &record); err != nil {
			continue
		}
		out = append(out, record)
	}
	return out, nil
}

func entryKey(id string) string {
	return entryKeyPrefix + id
}

func agentIndexKey(agent string) string {
	return agentIndexPrefix + agent
}
