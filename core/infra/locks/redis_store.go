package locks

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/corralhq/corral/core/infra/redisutil"
)

const (
	defaultRedisURL = "redis://localhost:6379"

	rowKeyPrefix      = "coord:lock:row:"
	resourceKeyPrefix = "coord:lock:res:"
	agentKeyPrefix    = "coord:lock:agent:"
	activeIndexKey    = "coord:lock:active"

	cleanupBatch = 500
)

// RedisStore keeps one row per (resource, agent) pair with ZSET indexes by
// resource, by agent, and a global index scored by lease expiry.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore constructs a Redis-backed lock store from a redis:// URL.
func NewRedisStore(url string) (*RedisStore, error) {
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
	return &RedisStore{client: client}, nil
}

// Close shuts down the Redis client.
func (s *RedisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

// Ping reports backend reachability.
func (s *RedisStore) Ping(ctx context.Context) error {
	if s == nil || s.client == nil {
		return fmt.Errorf("lock store not initialized")
	}
	return s.client.Ping(ctx).Err()
}

type lockRow struct {
	Resource  string `json:"resource"`
	Agent     string `json:"agent"`
	Mode      string `json:"mode"`
	CreatedAt int64  `json:"created_at"`
	ExpiresAt int64  `json:"expires_at,omitempty"`
}

// Save upserts the row for (lock.Resource, lock.Agent) and refreshes the
// indexes in one MULTI/EXEC pipeline.
func (s *RedisStore) Save(ctx context.Context, lock Lock) error {
	if s == nil || s.client == nil {
		return fmt.Errorf("lock store unavailable")
	}
	resource := strings.TrimSpace(lock.Resource)
	agent := strings.TrimSpace(lock.Agent)
	if resource == "" || agent == "" {
		return fmt.Errorf("resource and agent required")
	}
	if !lock.Mode.Valid() {
		return fmt.Errorf("unknown lock mode %q", lock.Mode)
	}
	createdAt := lock.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	row := lockRow{
		Resource:  resource,
		Agent:     agent,
		Mode:      string(lock.Mode),
		CreatedAt: createdAt.Unix(),
	}
	var ttl time.Duration
	if !lock.ExpiresAt.IsZero() {
		row.ExpiresAt = lock.ExpiresAt.Unix()
		ttl = time.Until(lock.ExpiresAt)
		if ttl <= 0 {
			// Already past its deadline; nothing worth persisting.
			return nil
		}
	}
	data, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("marshal lock row: %w", err)
	}

	score := expiryScore(lock.ExpiresAt)
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, rowKey(resource, agent), data, ttl)
	pipe.ZAdd(ctx, resourceKey(resource), redis.Z{Score: score, Member: agent})
	pipe.ZAdd(ctx, agentKey(agent), redis.Z{Score: score, Member: resource})
	pipe.ZAdd(ctx, activeIndexKey, redis.Z{Score: score, Member: indexMember(resource, agent)})
	_, err = pipe.Exec(ctx)
	return err
}

// Release deletes the row for (resource, agent); reports whether a row was
// actually removed. Index entries are cleared either way.
func (s *RedisStore) Release(ctx context.Context, resource, agent string) (bool, error) {
	if s == nil || s.client == nil {
		return false, fmt.Errorf("lock store unavailable")
	}
	resource = strings.TrimSpace(resource)
	agent = strings.TrimSpace(agent)
	if resource == "" || agent == "" {
		return false, fmt.Errorf("resource and agent required")
	}
	pipe := s.client.TxPipeline()
	delCmd := pipe.Del(ctx, rowKey(resource, agent))
	pipe.ZRem(ctx, resourceKey(resource), agent)
	pipe.ZRem(ctx, agentKey(agent), resource)
	pipe.ZRem(ctx, activeIndexKey, indexMember(resource, agent))
	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}
	return delCmd.Val() > 0, nil
}

// ReleaseAll deletes every row held by agent and returns how many rows were
// actually removed (auto-expired rows no longer count).
func (s *RedisStore) ReleaseAll(ctx context.Context, agent string) (int, error) {
	if s == nil || s.client == nil {
		return 0, fmt.Errorf("lock store unavailable")
	}
	agent = strings.TrimSpace(agent)
	if agent == "" {
		return 0, fmt.Errorf("agent required")
	}
	resources, err := s.client.ZRange(ctx, agentKey(agent), 0, -1).Result()
	if err != nil {
		return 0, err
	}
	if len(resources) == 0 {
		return 0, nil
	}
	pipe := s.client.TxPipeline()
	delCmds := make([]*redis.IntCmd, 0, len(resources))
	for _, resource := range resources {
		delCmds = append(delCmds, pipe.Del(ctx, rowKey(resource, agent)))
		pipe.ZRem(ctx, resourceKey(resource), agent)
		pipe.ZRem(ctx, activeIndexKey, indexMember(resource, agent))
	}
	pipe.Del(ctx, agentKey(agent))
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	count := 0
	for _, cmd := range delCmds {
		count += int(cmd.Val())
	}
	return count, nil
}

// ListActive returns all unexpired rows, optionally filtered by resource.
// Stale index members whose row already expired are pruned on the way.
func (s *RedisStore) ListActive(ctx context.Context, resource string) ([]Lock, error) {
	if s == nil || s.client == nil {
		return nil, fmt.Errorf("lock store unavailable")
	}
	now := time.Now().UTC()
	rangeBy := &redis.ZRangeBy{Min: fmt.Sprintf("(%d", now.Unix()), Max: "+inf"}

	resource = strings.TrimSpace(resource)
	var members []string
	var err error
	if resource != "" {
		members, err = s.client.ZRangeByScore(ctx, resourceKey(resource), rangeBy).Result()
	} else {
		members, err = s.client.ZRangeByScore(ctx, activeIndexKey, rangeBy).Result()
	}
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return []Lock{}, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringCmd, 0, len(members))
	keys := make([][2]string, 0, len(members))
	for _, member := range members {
		res, agent := resource, member
		if resource == "" {
			res, agent = splitIndexMember(member)
			if res == "" || agent == "" {
				continue
			}
		}
		keys = append(keys, [2]string{res, agent})
		cmds = append(cmds, pipe.Get(ctx, rowKey(res, agent)))
	}
	_, _ = pipe.Exec(ctx)

	out := make([]Lock, 0, len(cmds))
	for i, cmd := range cmds {
		data, err := cmd.Bytes()
		if err != nil {
			// Row auto-expired under the index entry; prune it.
			s.pruneIndexes(ctx, keys[i][0], keys[i][1])
			continue
		}
		lock, err := decodeRow(data)
		if err != nil {
			continue
		}
		if lock.Expired(now) {
			s.pruneIndexes(ctx, lock.Resource, lock.Agent)
			continue
		}
		out = append(out, lock)
	}
	return out, nil
}

// CleanupExpired removes every row and index entry past its lease deadline.
func (s *RedisStore) CleanupExpired(ctx context.Context) error {
	if s == nil || s.client == nil {
		return fmt.Errorf("lock store unavailable")
	}
	for {
		members, err := s.client.ZRangeByScore(ctx, activeIndexKey, &redis.ZRangeBy{
			Min:   "-inf",
			Max:   fmt.Sprintf("%d", time.Now().UTC().Unix()),
			Count: cleanupBatch,
		}).Result()
		if err != nil {
			return err
		}
		if len(members) == 0 {
			return nil
		}
		pipe := s.client.TxPipeline()
		for _, member := range members {
			resource, agent := splitIndexMember(member)
			if resource == "" || agent == "" {
				pipe.ZRem(ctx, activeIndexKey, member)
				continue
			}
			pipe.Del(ctx, rowKey(resource, agent))
			pipe.ZRem(ctx, resourceKey(resource), agent)
			pipe.ZRem(ctx, agentKey(agent), resource)
			pipe.ZRem(ctx, activeIndexKey, member)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
		if len(members) < cleanupBatch {
			return nil
		}
	}
}

func (s *RedisStore) pruneIndexes(ctx context.Context, resource, agent string) {
	pipe := s.client.TxPipeline()
	pipe.ZRem(ctx, resourceKey(resource), agent)
	pipe.ZRem(ctx, agentKey(agent), resource)
	pipe.ZRem(ctx, activeIndexKey, indexMember(resource, agent))
	_, _ = pipe.Exec(ctx)
}

func decodeRow(data []byte) (Lock, error) {
	var row lockRow
	if err := json.Unmarshal(data, &row); err != nil {
		return Lock{}, fmt.Errorf("decode lock row: %w", err)
	}
	lock := Lock{
		Resource: row.Resource,
		Agent:    row.Agent,
		Mode:     Mode(row.Mode),
	}
	if row.CreatedAt > 0 {
		lock.CreatedAt = time.Unix(row.CreatedAt, 0).UTC()
	}
	if row.ExpiresAt > 0 {
		lock.ExpiresAt = time.Unix(row.ExpiresAt, 0).UTC()
	}
	return lock, nil
}

func expiryScore(expiresAt time.Time) float64 {
	if expiresAt.IsZero() {
		return math.Inf(1)
	}
	return float64(expiresAt.Unix())
}

func rowKey(resource, agent string) string {
	return rowKeyPrefix + resource + "|" + agent
}

func resourceKey(resource string) string {
	return resourceKeyPrefix + resource
}

func agentKey(agent string) string {
	return agentKeyPrefix + agent
}

func indexMember(resource, agent string) string {
	return resource + "|" + agent
}

func splitIndexMember(member string) (string, string) {
	idx := strings.LastIndex(member, "|")
	if idx <= 0 || idx == len(member)-1 {
		return "", ""
	}
	return member[:idx], member[idx+1:]
}
