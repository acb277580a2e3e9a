package locks

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	store, err := NewRedisStore("redis://" + mr.Addr())
	if err != nil {
		t.Fatalf("NewRedisStore: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store, mr
}

func TestRedisStoreSaveAndListActive(t *testing.T) {
	store, _ := newTestRedisStore(t)
	ctx := context.Background()

	lock := Lock{
		Resource:  "repo:main",
		Agent:     "agent-1",
		Mode:      ModeExclusive,
		CreatedAt: time.Now().UTC(),
		ExpiresAt: time.Now().UTC().Add(time.Hour),
	}
	if err := store.Save(ctx, lock); err != nil {
		t.Fatalf("Save: %v", err)
	}

	active, err := store.ListActive(ctx, "")
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	if len(active) != 1 {
		t.Fatalf("expected 1 active lock, got %d", len(active))
	}
	got := active[0]
	if got.Resource != lock.Resource || got.Agent != lock.Agent || got.Mode != ModeExclusive {
		t.Fatalf("round-trip mismatch: %+v", got)
	}
	if got.CreatedAt.Unix() != lock.CreatedAt.Unix() {
		t.Fatalf("created_at mismatch: %v vs %v", got.CreatedAt, lock.CreatedAt)
	}
	if got.ExpiresAt.Unix() != lock.ExpiresAt.Unix() {
		t.Fatalf("expires_at mismatch: %v vs %v", got.ExpiresAt, lock.ExpiresAt)
	}
}

func TestRedisStoreSaveValidates(t *testing.T) {
	store, _ := newTestRedisStore(t)
	ctx := context.Background()

	if err := store.Save(ctx, Lock{Resource: "", Agent: "a", Mode: ModeShared}); err == nil {
		t.Fatalf("expected error for blank resource")
	}
	if err := store.Save(ctx, Lock{Resource: "r", Agent: "a", Mode: Mode("write")}); err == nil {
		t.Fatalf("expected error for unknown mode")
	}
}

func TestRedisStoreSaveSkipsAlreadyExpired(t *testing.T) {
	store, _ := newTestRedisStore(t)
	ctx := context.Background()

	lock := Lock{
		Resource:  "repo",
		Agent:     "agent-1",
		Mode:      ModeShared,
		ExpiresAt: time.Now().UTC().Add(-time.Minute),
	}
	if err := store.Save(ctx, lock); err != nil {
		t.Fatalf("Save: %v", err)
	}
	active, err := store.ListActive(ctx, "")
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("expired lock must not be persisted, got %d rows", len(active))
	}
}

func TestRedisStoreRelease(t *testing.T) {
	store, _ := newTestRedisStore(t)
	ctx := context.Background()

	lock := Lock{Resource: "db", Agent: "agent-2", Mode: ModeShared, ExpiresAt: time.Now().Add(time.Hour)}
	if err := store.Save(ctx, lock); err != nil {
		t.Fatalf("Save: %v", err)
	}

	released, err := store.Release(ctx, "db", "agent-2")
	if err != nil {
		t.Fatalf("Release: %v", err)
	}
	if !released {
		t.Fatalf("expected release of existing lock to report true")
	}

	released, err = store.Release(ctx, "db", "agent-2")
	if err != nil {
		t.Fatalf("second Release: %v", err)
	}
	if released {
		t.Fatalf("releasing an absent lock must report false")
	}

	active, err := store.ListActive(ctx, "db")
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("lock still listed after release")
	}
}

func TestRedisStoreReleaseAll(t *testing.T) {
	store, _ := newTestRedisStore(t)
	ctx := context.Background()
	expires := time.Now().Add(time.Hour)

	for _, resource := range []string{"repo", "db", "cache"} {
		lock := Lock{Resource: resource, Agent: "agent-busy", Mode: ModeExclusive, ExpiresAt: expires}
		if err := store.Save(ctx, lock); err != nil {
			t.Fatalf("Save %s: %v", resource, err)
		}
	}
	other := Lock{Resource: "repo2", Agent: "agent-other", Mode: ModeShared, ExpiresAt: expires}
	if err := store.Save(ctx, other); err != nil {
		t.Fatalf("Save other: %v", err)
	}

	count, err := store.ReleaseAll(ctx, "agent-busy")
	if err != nil {
		t.Fatalf("ReleaseAll: %v", err)
	}
	if count != 3 {
		t.Fatalf("ReleaseAll = %d, want 3", count)
	}

	active, err := store.ListActive(ctx, "")
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	if len(active) != 1 || active[0].Agent != "agent-other" {
		t.Fatalf("expected only agent-other's lock to survive, got %+v", active)
	}

	count, err = store.ReleaseAll(ctx, "agent-busy")
	if err != nil {
		t.Fatalf("ReleaseAll empty: %v", err)
	}
	if count != 0 {
		t.Fatalf("second ReleaseAll = %d, want 0", count)
	}
}

func TestRedisStoreListActiveFiltersByResource(t *testing.T) {
	store, _ := newTestRedisStore(t)
	ctx := context.Background()
	expires := time.Now().Add(time.Hour)

	locks := []Lock{
		{Resource: "repo", Agent: "a1", Mode: ModeShared, ExpiresAt: expires},
		{Resource: "repo", Agent: "a2", Mode: ModeShared, ExpiresAt: expires},
		{Resource: "db", Agent: "a3", Mode: ModeExclusive, ExpiresAt: expires},
	}
	for _, lk := range locks {
		if err := store.Save(ctx, lk); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}

	repoLocks, err := store.ListActive(ctx, "repo")
	if err != nil {
		t.Fatalf("ListActive repo: %v", err)
	}
	if len(repoLocks) != 2 {
		t.Fatalf("expected 2 repo locks, got %d", len(repoLocks))
	}
	for _, lk := range repoLocks {
		if lk.Resource != "repo" {
			t.Fatalf("filter leaked resource %q", lk.Resource)
		}
	}

	all, err := store.ListActive(ctx, "")
	if err != nil {
		t.Fatalf("ListActive all: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 locks total, got %d", len(all))
	}
}

func TestRedisStoreListActivePrunesExpiredRows(t *testing.T) {
	store, mr := newTestRedisStore(t)
	ctx := context.Background()

	lock := Lock{Resource: "repo", Agent: "a1", Mode: ModeExclusive, ExpiresAt: time.Now().Add(time.Second)}
	if err := store.Save(ctx, lock); err != nil {
		t.Fatalf("Save: %v", err)
	}

	// Redis drops the row via its key TTL while the index entry lingers.
	mr.FastForward(2 * time.Second)

	active, err := store.ListActive(ctx, "")
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("expired lease still listed: %+v", active)
	}

	if n, _ := store.client.ZCard(ctx, activeIndexKey).Result(); n != 0 {
		t.Fatalf("global index not pruned, %d members left", n)
	}
	if n, _ := store.client.ZCard(ctx, resourceKey("repo")).Result(); n != 0 {
		t.Fatalf("resource index not pruned, %d members left", n)
	}
}

func TestRedisStoreLockWithoutDeadlineSurvives(t *testing.T) {
	store, mr := newTestRedisStore(t)
	ctx := context.Background()

	lock := Lock{Resource: "repo", Agent: "a1", Mode: ModeShared}
	if err := store.Save(ctx, lock); err != nil {
		t.Fatalf("Save: %v", err)
	}

	mr.FastForward(240 * time.Hour)

	active, err := store.ListActive(ctx, "")
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	if len(active) != 1 {
		t.Fatalf("deadline-free lock dropped, got %d rows", len(active))
	}
	if !active[0].ExpiresAt.IsZero() {
		t.Fatalf("expected zero expiry, got %v", active[0].ExpiresAt)
	}
}

func TestRedisStoreCleanupExpired(t *testing.T) {
	store, _ := newTestRedisStore(t)
	ctx := context.Background()

	// A row left behind by a dead coordinator: past deadline, no key TTL.
	stale := lockRow{
		Resource:  "repo",
		Agent:     "agent-dead",
		Mode:      string(ModeExclusive),
		CreatedAt: time.Now().Add(-2 * time.Hour).Unix(),
		ExpiresAt: time.Now().Add(-time.Hour).Unix(),
	}
	data, err := json.Marshal(stale)
	if err != nil {
		t.Fatalf("marshal stale row: %v", err)
	}
	score := float64(stale.ExpiresAt)
	if err := store.client.Set(ctx, rowKey(stale.Resource, stale.Agent), data, 0).Err(); err != nil {
		t.Fatalf("seed row: %v", err)
	}
	store.client.ZAdd(ctx, resourceKey(stale.Resource), redis.Z{Score: score, Member: stale.Agent})
	store.client.ZAdd(ctx, agentKey(stale.Agent), redis.Z{Score: score, Member: stale.Resource})
	store.client.ZAdd(ctx, activeIndexKey, redis.Z{Score: score, Member: indexMember(stale.Resource, stale.Agent)})

	live := Lock{Resource: "db", Agent: "agent-live", Mode: ModeShared, ExpiresAt: time.Now().Add(time.Hour)}
	if err := store.Save(ctx, live); err != nil {
		t.Fatalf("Save live: %v", err)
	}

	if err := store.CleanupExpired(ctx); err != nil {
		t.Fatalf("CleanupExpired: %v", err)
	}

	if n, _ := store.client.Exists(ctx, rowKey("repo", "agent-dead")).Result(); n != 0 {
		t.Fatalf("stale row survived cleanup")
	}
	if n, _ := store.client.ZCard(ctx, agentKey("agent-dead")).Result(); n != 0 {
		t.Fatalf("stale agent index survived cleanup")
	}

	active, err := store.ListActive(ctx, "")
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	if len(active) != 1 || active[0].Agent != "agent-live" {
		t.Fatalf("live lock lost in cleanup: %+v", active)
	}
}

func TestSplitIndexMember(t *testing.T) {
	res, agent := splitIndexMember("repo:main|agent-1")
	if res != "repo:main" || agent != "agent-1" {
		t.Fatalf("splitIndexMember = (%q, %q)", res, agent)
	}
	// Resources may themselves contain the separator; the agent may not.
	res, agent = splitIndexMember("a|b|agent")
	if res != "a|b" || agent != "agent" {
		t.Fatalf("splitIndexMember = (%q, %q)", res, agent)
	}
	if res, agent = splitIndexMember("nodivider"); res != "" || agent != "" {
		t.Fatalf("malformed member must split to empty, got (%q, %q)", res, agent)
	}
}
