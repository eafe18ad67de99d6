package cache

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"
)

// SelectorResolver 判定一个选择器当前是否能解析到页面元素。
// 由 browser 层实现；放在这里是为了让校验逻辑不依赖具体驱动。
type SelectorResolver interface {
	ResolveSelector(ctx context.Context, selector string) (bool, error)
}

// Validator 缓存命中前的三道闸：新鲜度、选择器可解析、页面状态兼容。
// 任何一道不确定都按不通过处理——宁可重新推理，不可重放坏数据。
type Validator struct {
	TTL      time.Duration
	Strategy CompareStrategy
	logger   *zap.Logger
}

// DefaultTTL 动作缓存的默认存活时间。
const DefaultTTL = 24 * time.Hour

func NewValidator(ttl time.Duration, strategy CompareStrategy, logger *zap.Logger) *Validator {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if strategy == nil {
		strategy = StrictStrategy{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Validator{
		TTL:      ttl,
		Strategy: strategy,
		logger:   logger.With(zap.String("component", "cache_validator")),
	}
}

// IsFresh 条目是否仍在 TTL 内。恰好到期的瞬间按过期算。
func (v *Validator) IsFresh(createdAt time.Time, now time.Time) bool {
	return freshAt(createdAt, v.TTL, now)
}

// IsFreshEntry 针对带 TTL 覆盖值的动作条目判定新鲜度。
func (v *Validator) IsFreshEntry(e *AgentEntry, now time.Time) bool {
	if e == nil {
		return false
	}
	return freshAt(e.CreatedAt, e.ttl(v.TTL), now)
}

// IsSelectorValid 用当前页面实测选择器是否仍能解析到元素。
// 解析出错一律按失效处理（fail closed）。
func (v *Validator) IsSelectorValid(ctx context.Context, page SelectorResolver, selector string) bool {
	if page == nil || selector == "" {
		return false
	}

	// 存储的选择器可能带 "xpath=" 前缀，解析前剥掉。
	selector = strings.TrimPrefix(selector, "xpath=")

	ok, err := page.ResolveSelector(ctx, selector)
	if err != nil {
		v.logger.Debug("selector resolution failed, treating as stale",
			zap.String("selector", selector),
			zap.Error(err))
		return false
	}
	return ok
}

// IsStateCompatible 缓存指纹与当前页面状态是否接近到可以重放。
func (v *Validator) IsStateCompatible(cached *Fingerprint, current *Fingerprint) bool {
	ok := v.Strategy.Compatible(cached, current)
	if !ok && cached != nil && current != nil {
		v.logger.Debug("page state diverged from cached fingerprint",
			zap.String("strategy", v.Strategy.Name()),
			zap.Int("distance", cached.Distance(current)))
	}
	return ok
}

// ValidateEntry 选择器条目的完整校验：新鲜 + 选择器可解析。
func (v *Validator) ValidateEntry(ctx context.Context, e *Entry, page SelectorResolver, now time.Time) bool {
	if e == nil {
		return false
	}
	if !v.IsFresh(e.CreatedAt, now) {
		return false
	}
	return v.IsSelectorValid(ctx, page, e.Result.Selector)
}

// ValidateAgentEntry 动作条目的完整校验：新鲜 + 页面状态兼容。
// 条目带指纹而当前指纹采集失败（current 为 nil）时按失效处理——
// 采不到截图说明页面状态未知，重放坏序列的代价远高于一次重新规划。
// 条目本身没有指纹（入缓存时就没截到图）则只查新鲜度。
func (v *Validator) ValidateAgentEntry(e *AgentEntry, current *Fingerprint, now time.Time) bool {
	if e == nil {
		return false
	}
	if !v.IsFreshEntry(e, now) {
		return false
	}
	if e.Fingerprint.IsZero() {
		return true
	}
	if current == nil {
		v.logger.Debug("current fingerprint unavailable, treating cached actions as stale")
		return false
	}
	return v.IsStateCompatible(&e.Fingerprint, current)
}
