package cache

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/srszzw/stagehand-glm/schema"
)

func setupTestSQLite(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "cache.db"), zap.NewNop())
	require.NoError(t, err, "SQLiteStore 创建失败")
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSQLiteStore_Miss(t *testing.T) {
	store := setupTestSQLite(t)

	_, err := store.Get(context.Background(), "no-such-key")
	assert.ErrorIs(t, err, ErrCacheMiss)
	_, err = store.GetActions(context.Background(), "no-such-key")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestSQLiteStore_RoundTrip(t *testing.T) {
	store := setupTestSQLite(t)
	ctx := context.Background()

	key := DeriveKey("click login", "https://example.com", "Example")
	require.NoError(t, store.Put(ctx, key, testEntry("click login")))

	got, err := store.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "click login", got.Instruction)
	assert.Equal(t, "xpath=//button[@id='login']", got.Result.Selector)
}

func TestSQLiteStore_PutOverwrites(t *testing.T) {
	store := setupTestSQLite(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "k1", testEntry("first")))

	updated := testEntry("first")
	updated.HitCount = 7
	require.NoError(t, store.Put(ctx, "k1", updated))

	got, err := store.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, 7, got.HitCount, "同键重写应覆盖旧行")

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TotalEntries, "覆盖写入不应产生重复行")
}

func TestSQLiteStore_SharedKeyAcrossKinds(t *testing.T) {
	store := setupTestSQLite(t)
	ctx := context.Background()

	// 复合主键 (cache_key, kind)：同一个键可以同时挂两类条目
	require.NoError(t, store.Put(ctx, "k1", testEntry("observe login")))
	require.NoError(t, store.PutActions(ctx, "k1", &AgentEntry{
		Instruction: "agent login",
		Actions:     []AgentAction{{Type: ActionClick, X: 1, Y: 2}},
		Page:        schema.PageContext{URL: "https://example.com"},
		CreatedAt:   time.Now(),
	}))

	e, err := store.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, "observe login", e.Instruction)

	a, err := store.GetActions(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, "agent login", a.Instruction)
}

func TestSQLiteStore_Remove(t *testing.T) {
	store := setupTestSQLite(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "k1", testEntry("one")))
	require.NoError(t, store.Remove(ctx, "k1"))

	_, err := store.Get(ctx, "k1")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestSQLiteStore_ClearExpiredOnly(t *testing.T) {
	store := setupTestSQLite(t)
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
	assert.Equal(t, 1, removed)

	_, err = store.Get(ctx, "stale")
	assert.ErrorIs(t, err, ErrCacheMiss)
	_, err = store.Get(ctx, "fresh")
	assert.NoError(t, err)
}

func TestSQLiteStore_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	ctx := context.Background()

	store, err := NewSQLiteStore(path, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, "k1", testEntry("durable")))
	require.NoError(t, store.Close())

	store2, err := NewSQLiteStore(path, zap.NewNop())
	require.NoError(t, err)
	defer store2.Close()

	got, err := store2.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, "durable", got.Instruction, "条目应在重开后仍可读到")
}

func TestSQLiteStore_Stats(t *testing.T) {
	store := setupTestSQLite(t)
	ctx := context.Background()

	e := testEntry("one")
	e.HitCount = 2
	require.NoError(t, store.Put(ctx, "k1", e))
	require.NoError(t, store.PutActions(ctx, "k2", &AgentEntry{
		Instruction: "agent",
		Actions:     []AgentAction{{Type: ActionWait, DurationMS: 50}},
		CreatedAt:   time.Now(),
		HitCount:    1,
	}))

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TotalEntries)
	assert.Equal(t, 1, stats.AgentEntries)
	assert.Equal(t, 3, stats.TotalHits)
	assert.Equal(t, "sqlite", stats.Backend)
}

func TestSQLiteStore_Closed(t *testing.T) {
	store := setupTestSQLite(t)
	require.NoError(t, store.Close())

	_, err := store.Get(context.Background(), "k1")
	assert.ErrorIs(t, err, ErrStoreClosed)
}
