package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/srszzw/stagehand-glm/schema"
)

// setupTestRedis 启动一个内嵌 miniredis 并返回挂在其上的存储。
func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *RedisStore) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err, "miniredis 启动失败")
	t.Cleanup(mr.Close)

	store, err := NewRedisStore(RedisStoreConfig{
		Addr:      mr.Addr(),
		KeyPrefix: "stagehand:",
	}, zap.NewNop())
	require.NoError(t, err, "RedisStore 创建失败")
	t.Cleanup(func() { _ = store.Close() })

	return mr, store
}

func TestRedisStore_Miss(t *testing.T) {
	_, store := setupTestRedis(t)

	_, err := store.Get(context.Background(), "no-such-key")
	assert.ErrorIs(t, err, ErrCacheMiss, "不存在的键应返回 ErrCacheMiss")

	_, err = store.GetActions(context.Background(), "no-such-key")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestRedisStore_RoundTrip(t *testing.T) {
	_, store := setupTestRedis(t)
	ctx := context.Background()

	key := DeriveKey("click login", "https://example.com", "Example")
	require.NoError(t, store.Put(ctx, key, testEntry("click login")))

	got, err := store.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "click login", got.Instruction)
	assert.Equal(t, "xpath=//button[@id='login']", got.Result.Selector)

	// 覆盖写入后应读到新值
	updated := testEntry("click login")
	updated.Result.Description = "primary login button"
	require.NoError(t, store.Put(ctx, key, updated))

	got, err = store.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "primary login button", got.Result.Description, "后写的条目应覆盖先写的")
}

func TestRedisStore_AgentRoundTrip(t *testing.T) {
	_, store := setupTestRedis(t)
	ctx := context.Background()

	entry := &AgentEntry{
		Instruction: "search for gophers",
		Actions: []AgentAction{
			{Type: ActionClick, X: 10, Y: 20},
			{Type: ActionInput, Text: "gophers"},
		},
		Page:      schema.PageContext{URL: "https://example.com", Title: "Example"},
		CreatedAt: time.Now(),
	}
	require.NoError(t, store.PutActions(ctx, "agent-key", entry))

	got, err := store.GetActions(ctx, "agent-key")
	require.NoError(t, err)
	require.Len(t, got.Actions, 2)
	assert.Equal(t, ActionInput, got.Actions[1].Type)
	assert.Equal(t, "gophers", got.Actions[1].Text)
}

func TestRedisStore_Remove(t *testing.T) {
	_, store := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "k1", testEntry("one")))
	require.NoError(t, store.Remove(ctx, "k1"))

	_, err := store.Get(ctx, "k1")
	assert.ErrorIs(t, err, ErrCacheMiss, "删除后应 miss")

	entries, err := store.Entries(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries, "索引中不应残留已删除的键")
}

func TestRedisStore_CorruptValueDropped(t *testing.T) {
	_, store := setupTestRedis(t)
	ctx := context.Background()

	// 直接往 Redis 里塞一个非 JSON 的值并登记索引
	require.NoError(t, store.client.Set(ctx, "stagehand:cache:bad-key", "{not valid json", 0).Err())
	require.NoError(t, store.client.SAdd(ctx, "stagehand:cache:index", "bad-key").Err())

	_, err := store.Get(ctx, "bad-key")
	assert.ErrorIs(t, err, ErrCacheMiss, "损坏的值应按 miss 处理")

	// 值与索引都应被顺手清掉
	exists, err := store.client.Exists(ctx, "stagehand:cache:bad-key").Result()
	require.NoError(t, err)
	assert.Zero(t, exists, "损坏的值应被删除")
	entries, err := store.Entries(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRedisStore_ClearExpiredOnly(t *testing.T) {
	_, store := setupTestRedis(t)
	ctx := context.Background()
	now := time.Now()

	fresh := testEntry("fresh")
	fresh.CreatedAt = now.Add(-time.Hour)
	stale := testEntry("stale")
	stale.CreatedAt = now.Add(-48 * time.Hour)

	require.NoError(t, store.Put(ctx, "fresh", fresh))
	require.NoError(t, store.Put(ctx, "stale", stale))

	removed, err := store.Clear(ctx, EvictPredicate{ExpiredOnly: true, TTL: 24 * time.Hour, Now: now})
	require.NoError(t, err)
	assert.Equal(t, 1, removed, "只应清除过期的那一条")

	_, err = store.Get(ctx, "stale")
	assert.ErrorIs(t, err, ErrCacheMiss)
	_, err = store.Get(ctx, "fresh")
	assert.NoError(t, err, "未过期的条目应保留")
}

func TestRedisStore_ClearAll(t *testing.T) {
	_, store := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "k1", testEntry("one")))
	require.NoError(t, store.Put(ctx, "k2", testEntry("two")))
	require.NoError(t, store.PutActions(ctx, "k3", &AgentEntry{
		Instruction: "agent",
		Actions:     []AgentAction{{Type: ActionWait, DurationMS: 100}},
		CreatedAt:   time.Now(),
	}))

	removed, err := store.Clear(ctx, EvictPredicate{})
	require.NoError(t, err)
	assert.Equal(t, 3, removed)

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.TotalEntries)
	assert.Zero(t, stats.AgentEntries)
}

func TestRedisStore_Stats(t *testing.T) {
	_, store := setupTestRedis(t)
	ctx := context.Background()

	e := testEntry("one")
	e.HitCount = 3
	require.NoError(t, store.Put(ctx, "k1", e))
	require.NoError(t, store.Put(ctx, "k2", testEntry("two")))

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalEntries)
	assert.Equal(t, 3, stats.TotalHits)
	assert.Equal(t, "redis", stats.Backend)
}

func TestRedisStore_Closed(t *testing.T) {
	_, store := setupTestRedis(t)
	require.NoError(t, store.Close())

	_, err := store.Get(context.Background(), "k1")
	assert.ErrorIs(t, err, ErrStoreClosed, "关闭后的存储应拒绝操作")
	err = store.Put(context.Background(), "k1", testEntry("one"))
	assert.ErrorIs(t, err, ErrStoreClosed)
}
