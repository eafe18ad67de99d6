package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/srszzw/stagehand-glm/schema"
)

// Metrics 命中/回源计数接口，由 internal/metrics 提供 Prometheus 实现。
// 放接口是为了让核心包不直接依赖采集后端。
type Metrics interface {
	CacheHit(kind string)
	CacheMiss(kind string)
	CacheEviction(kind string, count int)
}

type noopMetrics struct{}

func (noopMetrics) CacheHit(string)           {}
func (noopMetrics) CacheMiss(string)          {}
func (noopMetrics) CacheEviction(string, int) {}

const (
	kindSelector = "selector"
	kindActions  = "actions"
)

// Coordinator 缓存子系统的总入口：串起键派生、存储、校验三件事，
// 并保证「校验失败即清除」的闭环。所有外层（handlers、CLI）只跟它打交道。
//
// ==================== 📦 命中路径 ====================
// Lookup → Store.Get → Validator → 命中则 bump 计数，失效则当场驱逐。
type Coordinator struct {
	store     Store
	validator *Validator
	metrics   Metrics
	logger    *zap.Logger
	group     singleflight.Group
	nowFn     func() time.Time
}

// CoordinatorOption 构造期可选项。
type CoordinatorOption func(*Coordinator)

func WithMetrics(m Metrics) CoordinatorOption {
	return func(c *Coordinator) {
		if m != nil {
			c.metrics = m
		}
	}
}

func WithClock(now func() time.Time) CoordinatorOption {
	return func(c *Coordinator) {
		if now != nil {
			c.nowFn = now
		}
	}
}

func NewCoordinator(store Store, validator *Validator, logger *zap.Logger, opts ...CoordinatorOption) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if validator == nil {
		validator = NewValidator(0, nil, logger)
	}
	c := &Coordinator{
		store:     store,
		validator: validator,
		metrics:   noopMetrics{},
		logger:    logger.With(zap.String("component", "cache_coordinator")),
		nowFn:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Lookup 查选择器缓存。键在这里派生，命中后现场校验：
// 校验不过的条目立即驱逐并按 miss 返回，绝不把坏选择器交给调用方。
func (c *Coordinator) Lookup(ctx context.Context, instruction, pageURL, pageTitle string, page SelectorResolver) (*schema.ObserveResult, error) {
	key := DeriveKey(instruction, pageURL, pageTitle)

	entry, err := c.store.Get(ctx, key)
	if err != nil {
		if IsCacheMiss(err) {
			c.metrics.CacheMiss(kindSelector)
			return nil, ErrCacheMiss
		}
		return nil, err
	}

	if !c.validator.ValidateEntry(ctx, entry, page, c.nowFn()) {
		c.logger.Info("cached selector no longer valid, evicting",
			zap.String("key", key),
			zap.String("selector", entry.Result.Selector))
		if rmErr := c.store.Remove(ctx, key); rmErr != nil {
			c.logger.Warn("failed to evict stale entry", zap.String("key", key), zap.Error(rmErr))
		}
		c.metrics.CacheEviction(kindSelector, 1)
		c.metrics.CacheMiss(kindSelector)
		return nil, ErrCacheMiss
	}

	entry.LastUsed = c.nowFn()
	entry.HitCount++
	if putErr := c.store.Put(ctx, key, entry); putErr != nil {
		// 计数更新失败不影响命中结果。
		c.logger.Warn("failed to bump hit count", zap.String("key", key), zap.Error(putErr))
	}

	c.metrics.CacheHit(kindSelector)
	c.logger.Debug("cache hit",
		zap.String("key", key),
		zap.Int("hit_count", entry.HitCount))

	result := entry.Result
	return &result, nil
}

// Store 写入一条选择器缓存。写失败只记日志——缓存永远不该让主流程失败。
func (c *Coordinator) Store(ctx context.Context, instruction, pageURL, pageTitle string, result schema.ObserveResult) {
	key := DeriveKey(instruction, pageURL, pageTitle)
	now := c.nowFn()

	entry := &Entry{
		Instruction: instruction,
		PageURL:     pageURL,
		PageTitle:   pageTitle,
		Result:      result,
		CreatedAt:   now,
		LastUsed:    now,
	}
	if err := c.store.Put(ctx, key, entry); err != nil {
		c.logger.Warn("failed to store cache entry", zap.String("key", key), zap.Error(err))
	}
}

// LookupActions 查动作序列缓存，带新鲜度与页面指纹校验。
// 条目带指纹而 currentFP 为 nil 时按 miss 处理——页面状态未知不能重放，
// 但条目本身可能仍然有效，不驱逐，留给下次带指纹的查询判定。
func (c *Coordinator) LookupActions(ctx context.Context, instruction, pageURL, pageTitle string, currentFP *Fingerprint) (*AgentEntry, error) {
	key := DeriveKey(instruction, pageURL, pageTitle)

	entry, err := c.store.GetActions(ctx, key)
	if err != nil {
		if IsCacheMiss(err) {
			c.metrics.CacheMiss(kindActions)
			return nil, ErrCacheMiss
		}
		return nil, err
	}

	if currentFP == nil && !entry.Fingerprint.IsZero() && c.validator.IsFreshEntry(entry, c.nowFn()) {
		c.logger.Debug("skipping fingerprinted entry, no current fingerprint", zap.String("key", key))
		c.metrics.CacheMiss(kindActions)
		return nil, ErrCacheMiss
	}

	if !c.validator.ValidateAgentEntry(entry, currentFP, c.nowFn()) {
		c.logger.Info("cached action sequence no longer valid, evicting", zap.String("key", key))
		if rmErr := c.store.Remove(ctx, key); rmErr != nil {
			c.logger.Warn("failed to evict stale agent entry", zap.String("key", key), zap.Error(rmErr))
		}
		c.metrics.CacheEviction(kindActions, 1)
		c.metrics.CacheMiss(kindActions)
		return nil, ErrCacheMiss
	}

	entry.LastUsed = c.nowFn()
	entry.HitCount++
	if putErr := c.store.PutActions(ctx, key, entry); putErr != nil {
		c.logger.Warn("failed to bump agent hit count", zap.String("key", key), zap.Error(putErr))
	}

	c.metrics.CacheHit(kindActions)
	return entry, nil
}

// StoreActions 写入一条动作序列缓存。
func (c *Coordinator) StoreActions(ctx context.Context, instruction string, page schema.PageContext, actions []AgentAction, fp *Fingerprint, ttl time.Duration) {
	key := DeriveKey(instruction, page.URL, page.Title)
	now := c.nowFn()

	entry := &AgentEntry{
		Instruction: instruction,
		Actions:     actions,
		Page:        page,
		CreatedAt:   now,
		LastUsed:    now,
	}
	if fp != nil {
		entry.Fingerprint = *fp
	}
	if ttl > 0 {
		entry.TTLSeconds = int64(ttl / time.Second)
	}
	if err := c.store.PutActions(ctx, key, entry); err != nil {
		c.logger.Warn("failed to store agent cache entry", zap.String("key", key), zap.Error(err))
	}
}

// DiscardActions 删除一条动作序列缓存。重放中途失败说明序列对当前页面
// 已不成立，必须当场作废，否则坏序列会在每次命中时重复执行失败前缀。
func (c *Coordinator) DiscardActions(ctx context.Context, instruction, pageURL, pageTitle string) {
	key := DeriveKey(instruction, pageURL, pageTitle)
	if err := c.store.Remove(ctx, key); err != nil {
		c.logger.Warn("failed to discard agent cache entry", zap.String("key", key), zap.Error(err))
		return
	}
	c.metrics.CacheEviction(kindActions, 1)
	c.logger.Info("discarded failed action sequence", zap.String("key", key))
}

// ComputeFunc 回源函数：缓存 miss 时执行真正的推理。
type ComputeFunc func(ctx context.Context) (schema.ObserveResult, error)

// GetOrCompute 命中则返回缓存，miss 则回源并写回。
// 同键并发回源用 singleflight 折叠成一次。
func (c *Coordinator) GetOrCompute(ctx context.Context, instruction, pageURL, pageTitle string, page SelectorResolver, compute ComputeFunc) (*schema.ObserveResult, bool, error) {
	if cached, err := c.Lookup(ctx, instruction, pageURL, pageTitle, page); err == nil {
		return cached, true, nil
	} else if !IsCacheMiss(err) {
		return nil, false, err
	}

	key := DeriveKey(instruction, pageURL, pageTitle)
	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		result, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		c.Store(ctx, instruction, pageURL, pageTitle, result)
		return result, nil
	})
	if err != nil {
		return nil, false, err
	}

	result := v.(schema.ObserveResult)
	return &result, false, nil
}

// Evict 删除过期（expiredOnly=true）或全部条目，返回删除数。
func (c *Coordinator) Evict(ctx context.Context, expiredOnly bool, ttl time.Duration) (int, error) {
	if ttl <= 0 {
		ttl = c.validator.TTL
	}
	count, err := c.store.Clear(ctx, EvictPredicate{
		ExpiredOnly: expiredOnly,
		TTL:         ttl,
		Now:         c.nowFn(),
	})
	if err != nil {
		return count, err
	}
	c.metrics.CacheEviction(kindSelector, count)
	c.logger.Info("cache eviction complete",
		zap.Bool("expired_only", expiredOnly),
		zap.Int("removed", count))
	return count, nil
}

// Stats 当前存储的统计快照。
func (c *Coordinator) Stats(ctx context.Context) (*StoreStats, error) {
	return c.store.Stats(ctx)
}

// SearchResult 一条检索命中。Key 随条目带回，供 CLI 展示与后续删除。
type SearchResult struct {
	Key   string `json:"key"`
	Entry *Entry `json:"entry"`
}

// Search 在指令、URL、选择器描述三个字段上做大小写不敏感的子串匹配，
// 结果按 key 排序保证输出稳定。
func (c *Coordinator) Search(ctx context.Context, query string) ([]SearchResult, error) {
	entries, err := c.store.Entries(ctx)
	if err != nil {
		return nil, err
	}

	needle := strings.ToLower(query)
	var out []SearchResult
	for key, e := range entries {
		if strings.Contains(strings.ToLower(e.Instruction), needle) ||
			strings.Contains(strings.ToLower(e.PageURL), needle) ||
			strings.Contains(strings.ToLower(e.Result.Description), needle) {
			out = append(out, SearchResult{Key: key, Entry: e})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Export 把全部缓存以标准文件格式写出，可直接被 Import 读回。
func (c *Coordinator) Export(ctx context.Context, w io.Writer) error {
	entries, err := c.store.Entries(ctx)
	if err != nil {
		return err
	}
	agents, err := c.store.AgentEntries(ctx)
	if err != nil {
		return err
	}

	doc := NewFile()
	doc.LastUpdated = c.nowFn()
	doc.Caches = entries
	doc.AgentCaches = agents

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("failed to export cache: %w", err)
	}
	return nil
}

// ImportReport Import 的逐项结果。
type ImportReport struct {
	Imported int `json:"imported"`
	Skipped  int `json:"skipped"`
	Conflict int `json:"conflict"`
}

// Import 合并外部缓存文件。冲突时本地优先（不覆盖已有键），
// 单条坏数据跳过并计数，不让整个导入失败。
func (c *Coordinator) Import(ctx context.Context, r io.Reader) (*ImportReport, error) {
	var doc File
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to parse import file: %w", err)
	}

	local, err := c.store.Entries(ctx)
	if err != nil {
		return nil, err
	}
	localAgents, err := c.store.AgentEntries(ctx)
	if err != nil {
		return nil, err
	}

	report := &ImportReport{}
	for key, e := range doc.Caches {
		if e == nil || e.Result.Selector == "" {
			report.Skipped++
			continue
		}
		if _, exists := local[key]; exists {
			report.Conflict++
			continue
		}
		if err := c.store.Put(ctx, key, e); err != nil {
			c.logger.Warn("failed to import entry", zap.String("key", key), zap.Error(err))
			report.Skipped++
			continue
		}
		report.Imported++
	}

	for key, e := range doc.AgentCaches {
		if e == nil || len(e.Actions) == 0 {
			report.Skipped++
			continue
		}
		if _, exists := localAgents[key]; exists {
			report.Conflict++
			continue
		}
		if err := c.store.PutActions(ctx, key, e); err != nil {
			c.logger.Warn("failed to import agent entry", zap.String("key", key), zap.Error(err))
			report.Skipped++
			continue
		}
		report.Imported++
	}

	c.logger.Info("cache import complete",
		zap.Int("imported", report.Imported),
		zap.Int("skipped", report.Skipped),
		zap.Int("conflict", report.Conflict))
	return report, nil
}

// Entries 透传底层条目快照，供 CLI list 使用。
func (c *Coordinator) Entries(ctx context.Context) (map[string]*Entry, error) {
	return c.store.Entries(ctx)
}

// Close 关闭底层存储。
func (c *Coordinator) Close() error {
	return c.store.Close()
}
