package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/corralhq/corral/core/infra/redisutil"
)

const (
	defaultRedisURL = "redis://localhost:6379"

	agentKeyPrefix = "coord:agent:"
	agentsIndexKey = "coord:agents"

	fieldID           = "id"
	fieldName         = "name"
	fieldStatus       = "status"
	fieldTask         = "task"
	fieldCapabilities = "capabilities"
	fieldLastSeen     = "last_seen"
	fieldRegisteredAt = "registered_at"
)

// RedisRegistry keeps one hash per agent plus a ZSET index scored by
// last-seen time.
type RedisRegistry struct {
	client redis.UniversalClient
}

// NewRedisRegistry constructs a Redis-backed registry from a redis:// URL.
func NewRedisRegistry(url string) (*RedisRegistry, error) {
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
	return &RedisRegistry{client: client}, nil
}

// Close shuts down the Redis client.
func (r *RedisRegistry) Close() error {
	if r == nil || r.client == nil {
		return nil
	}
	return r.client.Close()
}

// Ping reports backend reachability.
func (r *RedisRegistry) Ping(ctx context.Context) error {
	if r == nil || r.client == nil {
		return fmt.Errorf("registry not initialized")
	}
	return r.client.Ping(ctx).Err()
}

// PutAgent registers or fully replaces the record for agent.ID.
func (r *RedisRegistry) PutAgent(ctx context.Context, agent Agent) error {
	if r == nil || r.client == nil {
		return fmt.Errorf("registry unavailable")
	}
	id := strings.TrimSpace(agent.ID)
	if id == "" {
		return fmt.Errorf("agent id required")
	}
	if agent.Status == "" {
		agent.Status = StatusInit
	}
	if !agent.Status.Valid() {
		return fmt.Errorf("unknown agent status %q", agent.Status)
	}
	now := time.Now().UTC()
	if agent.RegisteredAt.IsZero() {
		agent.RegisteredAt = now
	}
	if agent.LastSeen.IsZero() {
		agent.LastSeen = now
	}

	fields := map[string]any{
		fieldID:           id,
		fieldStatus:       string(agent.Status),
		fieldLastSeen:     agent.LastSeen.Unix(),
		fieldRegisteredAt: agent.RegisteredAt.Unix(),
	}
	if name := strings.TrimSpace(agent.Name); name != "" {
		fields[fieldName] = name
	}
	if task := strings.TrimSpace(agent.CurrentTaskID); task != "" {
		fields[fieldTask] = task
	}
	if len(agent.Capabilities) > 0 {
		caps, err := json.Marshal(agent.Capabilities)
		if err != nil {
			return fmt.Errorf("marshal capabilities: %w", err)
		}
		fields[fieldCapabilities] = string(caps)
	}

	pipe := r.client.TxPipeline()
	pipe.Del(ctx, agentKey(id))
	pipe.HSet(ctx, agentKey(id), fields)
	pipe.ZAdd(ctx, agentsIndexKey, redis.Z{Score: float64(agent.LastSeen.Unix()), Member: id})
	_, err := pipe.Exec(ctx)
	return err
}

// GetAgent returns the agent record, or (nil, nil) when the id is unknown.
func (r *RedisRegistry) GetAgent(ctx context.Context, id string) (*Agent, error) {
	if r == nil || r.client == nil {
		return nil, fmt.Errorf("registry unavailable")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fmt.Errorf("agent id required")
	}
	fields, err := r.client.HGetAll(ctx, agentKey(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, nil
	}
	agent, err := decodeAgentFields(fields)
	if err != nil {
		return nil, fmt.Errorf("decode agent %s: %w", id, err)
	}
	return &agent, nil
}

// UpdateStatus sets the lifecycle state of an existing agent.
func (r *RedisRegistry) UpdateStatus(ctx context.Context, id string, status Status) error {
	if !status.Valid() {
		return fmt.Errorf("unknown agent status %q", status)
	}
	return r.updateFields(ctx, id, map[string]any{fieldStatus: string(status)}, nil)
}

// UpdateAssignment sets (or clears, with task == "") the current task of an
// existing agent. The write is guarded by WATCH so a concurrent re-register
// cannot be interleaved with it.
func (r *RedisRegistry) UpdateAssignment(ctx context.Context, id, task string) error {
	task = strings.TrimSpace(task)
	if task == "" {
		return r.updateFields(ctx, id, nil, []string{fieldTask})
	}
	return r.updateFields(ctx, id, map[string]any{fieldTask: task}, nil)
}

// UpdateHeartbeat refreshes the agent's last-seen timestamp and its index
// position.
func (r *RedisRegistry) UpdateHeartbeat(ctx context.Context, id string) error {
	now := time.Now().UTC().Unix()
	return r.updateFields(ctx, id, map[string]any{fieldLastSeen: now}, nil)
}

func (r *RedisRegistry) updateFields(ctx context.Context, id string, set map[string]any, del []string) error {
	if r == nil || r.client == nil {
		return fmt.Errorf("registry unavailable")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("agent id required")
	}
	key := agentKey(id)
	return r.client.Watch(ctx, func(tx *redis.Tx) error {
		exists, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if exists == 0 {
			return ErrAgentNotFound
		}
		pipe := tx.TxPipeline()
		if len(set) > 0 {
			pipe.HSet(ctx, key, set)
		}
		for _, field := range del {
			pipe.HDel(ctx, key, field)
		}
		if lastSeen, ok := set[fieldLastSeen].(int64); ok {
			pipe.ZAdd(ctx, agentsIndexKey, redis.Z{Score: float64(lastSeen), Member: id})
		}
		_, err = pipe.Exec(ctx)
		return err
	}, key)
}

// ListAgents returns registered agents matching the filter, oldest heartbeat
// first. Index members whose hash disappeared are pruned on the way.
func (r *RedisRegistry) ListAgents(ctx context.Context, filter Filter) ([]Agent, error) {
	if r == nil || r.client == nil {
		return nil, fmt.Errorf("registry unavailable")
	}
	ids, err := r.client.ZRange(ctx, agentsIndexKey, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []Agent{}, nil
	}

	pipe := r.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, agentKey(id))
	}
	_, _ = pipe.Exec(ctx)

	out := make([]Agent, 0, len(ids))
	for i, cmd := range cmds {
		fields, err := cmd.Result()
		if err != nil || len(fields) == 0 {
			r.client.ZRem(ctx, agentsIndexKey, ids[i])
			continue
		}
		agent, err := decodeAgentFields(fields)
		if err != nil {
			continue
		}
		if filter.matches(agent) {
			out = append(out, agent)
		}
	}
	return out, nil
}

func decodeAgentFields(fields map[string]string) (Agent, error) {
	agent := Agent{
		ID:            fields[fieldID],
		Name:          fields[fieldName],
		Status:        Status(fields[fieldStatus]),
		CurrentTaskID: fields[fieldTask],
	}
	if agent.ID == "" {
		return Agent{}, fmt.Errorf("agent hash missing id")
	}
	if !agent.Status.Valid() {
		return Agent{}, fmt.Errorf("agent hash has unknown status %q", fields[fieldStatus])
	}
	if raw := fields[fieldCapabilities]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &agent.Capabilities); err != nil {
			return Agent{}, fmt.Errorf("decode capabilities: %w", err)
		}
	}
	if raw := fields[fieldLastSeen]; raw != "" {
		unix, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return Agent{}, fmt.Errorf("decode last_seen: %w", err)
		}
		agent.LastSeen = time.Unix(unix, 0).UTC()
	}
	if raw := fields[fieldRegisteredAt]; raw != "" {
		unix, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return Agent{}, fmt.Errorf("decode registered_at: %w", err)
		}
		agent.RegisteredAt = time.Unix(unix, 0).UTC()
	}
	return agent, nil
}

func agentKey(id string) string {
	return agentKeyPrefix + id
}
