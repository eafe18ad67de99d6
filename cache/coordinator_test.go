package cache

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/srszzw/stagehand-glm/schema"
)

// countingMetrics 记录各计数器的调用次数。
type countingMetrics struct {
	mu        sync.Mutex
	hits      map[string]int
	misses    map[string]int
	evictions map[string]int
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{
		hits:      make(map[string]int),
		misses:    make(map[string]int),
		evictions: make(map[string]int),
	}
}

func (m *countingMetrics) CacheHit(kind string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hits[kind]++
}

func (m *countingMetrics) CacheMiss(kind string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.misses[kind]++
}

func (m *countingMetrics) CacheEviction(kind string, count int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evictions[kind] += count
}

func newTestCoordinator(t *testing.T, opts ...CoordinatorOption) *Coordinator {
	t.Helper()
	v := NewValidator(24*time.Hour, StrictStrategy{}, zap.NewNop())
	return NewCoordinator(NewMemoryStore(), v, zap.NewNop(), opts...)
}

func TestCoordinator_StoreAndLookup(t *testing.T) {
	metrics := newCountingMetrics()
	c := newTestCoordinator(t, WithMetrics(metrics))
	ctx := context.Background()
	page := &fakeResolver{ok: true}

	// 首次查询必 miss
	_, err := c.Lookup(ctx, "click login", "https://example.com", "Example", page)
	assert.ErrorIs(t, err, ErrCacheMiss)

	c.Store(ctx, "click login", "https://example.com", "Example", schema.ObserveResult{
		Selector:    "xpath=//button[@id='login']",
		Description: "login button",
		Method:      "click",
	})

	got, err := c.Lookup(ctx, "click login", "https://example.com", "Example", page)
	require.NoError(t, err)
	assert.Equal(t, "xpath=//button[@id='login']", got.Selector)

	// 指令归一化：大小写与首尾空白不影响命中
	got, err = c.Lookup(ctx, "  Click LOGIN  ", "https://example.com", "Example", page)
	require.NoError(t, err)
	assert.Equal(t, "login button", got.Description)

	assert.Equal(t, 2, metrics.hits[kindSelector])
	assert.Equal(t, 1, metrics.misses[kindSelector])
}

func TestCoordinator_HitBumpsCounters(t *testing.T) {
	base := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	now := base
	c := newTestCoordinator(t, WithClock(func() time.Time { return now }))
	ctx := context.Background()
	page := &fakeResolver{ok: true}

	c.Store(ctx, "click login", "https://example.com", "Example", schema.ObserveResult{Selector: "//b"})

	now = base.Add(time.Minute)
	_, err := c.Lookup(ctx, "click login", "https://example.com", "Example", page)
	require.NoError(t, err)
	now = base.Add(2 * time.Minute)
	_, err = c.Lookup(ctx, "click login", "https://example.com", "Example", page)
	require.NoError(t, err)

	entries, err := c.Entries(ctx)
	require.NoError(t, err)
	key := DeriveKey("click login", "https://example.com", "Example")
	require.Contains(t, entries, key)
	assert.Equal(t, 2, entries[key].HitCount, "每次命中都应累加计数")
	assert.Equal(t, base.Add(2*time.Minute), entries[key].LastUsed.UTC())
}

func TestCoordinator_EvictsInvalidSelector(t *testing.T) {
	metrics := newCountingMetrics()
	c := newTestCoordinator(t, WithMetrics(metrics))
	ctx := context.Background()

	c.Store(ctx, "click login", "https://example.com", "Example", schema.ObserveResult{Selector: "//gone"})

	// 选择器解析失败 → 命中即驱逐，按 miss 返回
	_, err := c.Lookup(ctx, "click login", "https://example.com", "Example", &fakeResolver{ok: false})
	assert.ErrorIs(t, err, ErrCacheMiss)
	assert.Equal(t, 1, metrics.evictions[kindSelector])

	// 条目已被清除，即使选择器恢复也查不到
	_, err = c.Lookup(ctx, "click login", "https://example.com", "Example", &fakeResolver{ok: true})
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestCoordinator_EvictsExpiredEntry(t *testing.T) {
	base := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	now := base
	c := newTestCoordinator(t, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	c.Store(ctx, "click login", "https://example.com", "Example", schema.ObserveResult{Selector: "//b"})

	now = base.Add(25 * time.Hour)
	_, err := c.Lookup(ctx, "click login", "https://example.com", "Example", &fakeResolver{ok: true})
	assert.ErrorIs(t, err, ErrCacheMiss, "过期条目应按 miss 返回并被驱逐")

	stats, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.TotalEntries)
}

func TestCoordinator_GetOrCompute(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()
	page := &fakeResolver{ok: true}

	var calls atomic.Int32
	compute := func(ctx context.Context) (schema.ObserveResult, error) {
		calls.Add(1)
		return schema.ObserveResult{Selector: "//computed", Method: "click"}, nil
	}

	got, fromCache, err := c.GetOrCompute(ctx, "find button", "https://example.com", "Example", page, compute)
	require.NoError(t, err)
	assert.False(t, fromCache, "首次必回源")
	assert.Equal(t, "//computed", got.Selector)
	assert.Equal(t, int32(1), calls.Load())

	got, fromCache, err = c.GetOrCompute(ctx, "find button", "https://example.com", "Example", page, compute)
	require.NoError(t, err)
	assert.True(t, fromCache, "第二次应命中缓存")
	assert.Equal(t, int32(1), calls.Load(), "命中后不应再回源")
}

func TestCoordinator_GetOrCompute_Error(t *testing.T) {
	c := newTestCoordinator(t)

	wantErr := errors.New("inference failed")
	_, _, err := c.GetOrCompute(context.Background(), "find", "https://x.com", "X", &fakeResolver{ok: true},
		func(ctx context.Context) (schema.ObserveResult, error) {
			return schema.ObserveResult{}, wantErr
		})
	assert.ErrorIs(t, err, wantErr, "回源失败应原样透出且不写缓存")

	stats, err := c.Stats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.TotalEntries)
}

func TestCoordinator_LookupActions(t *testing.T) {
	base := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	now := base
	c := newTestCoordinator(t, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	page := schema.PageContext{URL: "https://example.com", Title: "Example"}
	fp := &Fingerprint{Kind: fingerprintKindDHash, Hash: 0xABCD}
	actions := []AgentAction{
		{Type: ActionClick, X: 10, Y: 20},
		{Type: ActionInput, Text: "gophers"},
	}
	c.StoreActions(ctx, "search for gophers", page, actions, fp, 0)

	// 相同指纹 → 命中
	got, err := c.LookupActions(ctx, "search for gophers", page.URL, page.Title, fp)
	require.NoError(t, err)
	require.Len(t, got.Actions, 2)
	assert.Equal(t, 1, got.HitCount)

	// 指纹偏离过大 → 驱逐 + miss
	far := &Fingerprint{Kind: fingerprintKindDHash, Hash: ^uint64(0)}
	_, err = c.LookupActions(ctx, "search for gophers", page.URL, page.Title, far)
	assert.ErrorIs(t, err, ErrCacheMiss, "页面状态不兼容应驱逐条目")

	_, err = c.LookupActions(ctx, "search for gophers", page.URL, page.Title, fp)
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestCoordinator_LookupActionsWithoutCurrentFingerprint(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()

	page := schema.PageContext{URL: "https://example.com", Title: "Example"}
	fp := &Fingerprint{Kind: fingerprintKindDHash, Hash: 0xABCD}
	actions := []AgentAction{{Type: ActionClick, X: 10, Y: 20}}
	c.StoreActions(ctx, "search for gophers", page, actions, fp, 0)

	// 条目带指纹而当前指纹采不到：页面状态未知，按 miss 处理
	_, err := c.LookupActions(ctx, "search for gophers", page.URL, page.Title, nil)
	assert.ErrorIs(t, err, ErrCacheMiss, "采不到当前指纹时带指纹条目不应命中")

	// 但条目不被驱逐，下次带指纹的查询仍可命中
	got, err := c.LookupActions(ctx, "search for gophers", page.URL, page.Title, fp)
	require.NoError(t, err)
	assert.Len(t, got.Actions, 1)

	// 无指纹条目退化为纯 TTL 校验，nil 指纹也能命中
	c.StoreActions(ctx, "bare entry", page, actions, nil, 0)
	got, err = c.LookupActions(ctx, "bare entry", page.URL, page.Title, nil)
	require.NoError(t, err)
	assert.Len(t, got.Actions, 1)
}

func TestCoordinator_DiscardActions(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()

	page := schema.PageContext{URL: "https://example.com", Title: "Example"}
	actions := []AgentAction{{Type: ActionClick, X: 10, Y: 20}}
	c.StoreActions(ctx, "search for gophers", page, actions, nil, 0)

	_, err := c.LookupActions(ctx, "search for gophers", page.URL, page.Title, nil)
	require.NoError(t, err)

	c.DiscardActions(ctx, "search for gophers", page.URL, page.Title)

	_, err = c.LookupActions(ctx, "search for gophers", page.URL, page.Title, nil)
	assert.ErrorIs(t, err, ErrCacheMiss, "作废后的序列不应再命中")
}

func TestCoordinator_StoreActionsTTL(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()
	page := schema.PageContext{URL: "https://example.com", Title: "Example"}

	c.StoreActions(ctx, "short", page, []AgentAction{{Type: ActionWait, DurationMS: 10}}, nil, 10*time.Minute)

	key := DeriveKey("short", page.URL, page.Title)
	store := c.store
	e, err := store.GetActions(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(600), e.TTLSeconds, "显式 TTL 应落到条目上")
}

func TestCoordinator_Evict(t *testing.T) {
	base := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	now := base
	c := newTestCoordinator(t, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	c.Store(ctx, "old", "https://a.com", "A", schema.ObserveResult{Selector: "//a"})
	now = base.Add(30 * time.Hour)
	c.Store(ctx, "new", "https://b.com", "B", schema.ObserveResult{Selector: "//b"})

	removed, err := c.Evict(ctx, true, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed, "只应清掉超龄 TTL 的条目")

	removed, err = c.Evict(ctx, false, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	stats, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.TotalEntries)
}

func TestCoordinator_Search(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()

	c.Store(ctx, "click the login button", "https://shop.example.com", "Shop", schema.ObserveResult{Selector: "//a", Description: "login link"})
	c.Store(ctx, "open cart", "https://shop.example.com/cart", "Cart", schema.ObserveResult{Selector: "//b", Description: "cart icon"})
	c.Store(ctx, "search products", "https://other.com", "Other", schema.ObserveResult{Selector: "//c", Description: "search box"})

	hits, err := c.Search(ctx, "LOGIN")
	require.NoError(t, err)
	require.Len(t, hits, 1, "指令与描述都应参与大小写不敏感匹配")
	assert.Equal(t, "click the login button", hits[0].Entry.Instruction)

	hits, err = c.Search(ctx, "shop.example.com")
	require.NoError(t, err)
	assert.Len(t, hits, 2, "URL 也应参与匹配")
	if len(hits) == 2 {
		assert.Less(t, hits[0].Key, hits[1].Key, "结果应按 key 排序")
	}

	hits, err = c.Search(ctx, "nothing matches this")
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestCoordinator_ExportImport(t *testing.T) {
	src := newTestCoordinator(t)
	ctx := context.Background()

	src.Store(ctx, "click login", "https://example.com", "Example", schema.ObserveResult{Selector: "//login"})
	src.StoreActions(ctx, "search", schema.PageContext{URL: "https://example.com", Title: "Example"},
		[]AgentAction{{Type: ActionClick, X: 1, Y: 2}}, nil, 0)

	var buf bytes.Buffer
	require.NoError(t, src.Export(ctx, &buf))

	dst := newTestCoordinator(t)
	report, err := dst.Import(ctx, &buf)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Imported)
	assert.Zero(t, report.Skipped)
	assert.Zero(t, report.Conflict)

	got, err := dst.Lookup(ctx, "click login", "https://example.com", "Example", &fakeResolver{ok: true})
	require.NoError(t, err)
	assert.Equal(t, "//login", got.Selector)
}

func TestCoordinator_ImportLocalWins(t *testing.T) {
	ctx := context.Background()

	src := newTestCoordinator(t)
	src.Store(ctx, "click login", "https://example.com", "Example", schema.ObserveResult{Selector: "//remote"})
	var buf bytes.Buffer
	require.NoError(t, src.Export(ctx, &buf))

	dst := newTestCoordinator(t)
	dst.Store(ctx, "click login", "https://example.com", "Example", schema.ObserveResult{Selector: "//local"})

	report, err := dst.Import(ctx, &buf)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Conflict, "同键冲突应计数且不覆盖")
	assert.Zero(t, report.Imported)

	got, err := dst.Lookup(ctx, "click login", "https://example.com", "Example", &fakeResolver{ok: true})
	require.NoError(t, err)
	assert.Equal(t, "//local", got.Selector, "冲突时本地条目优先")
}

func TestCoordinator_ImportSkipsBadEntries(t *testing.T) {
	dst := newTestCoordinator(t)

	// 选择器为空的条目和动作为空的 agent 条目都应被跳过
	payload := `{
		"version": "` + SchemaVersion + `",
		"caches": {
			"deadbeefdeadbeefdeadbeefdeadbeef": {"instruction": "x", "result": {"selector": ""}}
		},
		"agent_caches": {
			"cafebabecafebabecafebabecafebabe": {"instruction": "y", "actions": []}
		}
	}`
	report, err := dst.Import(context.Background(), bytes.NewReader([]byte(payload)))
	require.NoError(t, err)
	assert.Equal(t, 2, report.Skipped)
	assert.Zero(t, report.Imported)
}

func TestCoordinator_ImportMalformed(t *testing.T) {
	dst := newTestCoordinator(t)
	_, err := dst.Import(context.Background(), bytes.NewReader([]byte("{broken")))
	assert.Error(t, err, "整个文件解析失败才算导入失败")
}
