package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeResolver 可编程的选择器解析器，记录收到的选择器。
type fakeResolver struct {
	ok       bool
	err      error
	lastSeen string
}

func (r *fakeResolver) ResolveSelector(_ context.Context, selector string) (bool, error) {
	r.lastSeen = selector
	return r.ok, r.err
}

func TestValidator_IsFresh(t *testing.T) {
	v := NewValidator(time.Hour, nil, zap.NewNop())
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		createdAt time.Time
		want      bool
	}{
		{"刚写入", now, true},
		{"TTL 内", now.Add(-30 * time.Minute), true},
		{"恰好到期", now.Add(-time.Hour), false},
		{"已过期", now.Add(-2 * time.Hour), false},
		{"零值时间戳", time.Time{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, v.IsFresh(tt.createdAt, now))
		})
	}
}

func TestValidator_AgentEntryTTLOverride(t *testing.T) {
	v := NewValidator(24*time.Hour, nil, zap.NewNop())
	now := time.Now()

	// 条目自带 10 分钟 TTL，覆盖全局 24 小时
	e := &AgentEntry{
		Instruction: "short lived",
		CreatedAt:   now.Add(-30 * time.Minute),
		TTLSeconds:  600,
	}
	assert.False(t, v.IsFreshEntry(e, now), "条目级 TTL 应覆盖全局值")

	e.TTLSeconds = 0
	assert.True(t, v.IsFreshEntry(e, now), "无覆盖值时回退到全局 TTL")

	assert.False(t, v.IsFreshEntry(nil, now))
}

func TestValidator_Defaults(t *testing.T) {
	v := NewValidator(0, nil, nil)
	require.NotNil(t, v.Strategy)
	assert.Equal(t, DefaultTTL, v.TTL, "非法 TTL 应回退到默认值")
	assert.Equal(t, "strict", v.Strategy.Name())
}

func TestValidator_IsSelectorValid(t *testing.T) {
	v := NewValidator(time.Hour, nil, zap.NewNop())
	ctx := context.Background()

	r := &fakeResolver{ok: true}
	assert.True(t, v.IsSelectorValid(ctx, r, "xpath=//button[@id='go']"))
	assert.Equal(t, "//button[@id='go']", r.lastSeen, "xpath= 前缀应在解析前剥掉")

	r.ok = false
	assert.False(t, v.IsSelectorValid(ctx, r, "//button"))

	// 解析报错按失效处理
	r.ok = true
	r.err = errors.New("target crashed")
	assert.False(t, v.IsSelectorValid(ctx, r, "//button"), "解析出错应判失效而不是放行")

	assert.False(t, v.IsSelectorValid(ctx, nil, "//button"))
	assert.False(t, v.IsSelectorValid(ctx, &fakeResolver{ok: true}, ""))
}

func TestValidator_ValidateEntry(t *testing.T) {
	v := NewValidator(time.Hour, nil, zap.NewNop())
	ctx := context.Background()
	now := time.Now()

	entry := testEntry("click login")
	entry.CreatedAt = now.Add(-10 * time.Minute)

	assert.True(t, v.ValidateEntry(ctx, entry, &fakeResolver{ok: true}, now))
	assert.False(t, v.ValidateEntry(ctx, entry, &fakeResolver{ok: false}, now), "选择器失效应整体不通过")

	stale := testEntry("click login")
	stale.CreatedAt = now.Add(-2 * time.Hour)
	assert.False(t, v.ValidateEntry(ctx, stale, &fakeResolver{ok: true}, now), "过期条目无须再查选择器")

	assert.False(t, v.ValidateEntry(ctx, nil, &fakeResolver{ok: true}, now))
}

func TestValidator_ValidateAgentEntry(t *testing.T) {
	v := NewValidator(time.Hour, StrictStrategy{}, zap.NewNop())
	now := time.Now()

	e := &AgentEntry{
		Instruction: "search",
		CreatedAt:   now.Add(-10 * time.Minute),
		Fingerprint: Fingerprint{Kind: fingerprintKindDHash, Hash: 0xF0F0},
	}

	same := &Fingerprint{Kind: fingerprintKindDHash, Hash: 0xF0F0}
	assert.True(t, v.ValidateAgentEntry(e, same, now))

	// 条目带指纹而当前指纹采不到：页面状态未知，按失效处理
	assert.False(t, v.ValidateAgentEntry(e, nil, now), "采不到当前指纹时带指纹条目应判失效")

	far := &Fingerprint{Kind: fingerprintKindDHash, Hash: ^uint64(0)}
	assert.False(t, v.ValidateAgentEntry(e, far, now), "页面状态偏离过大应不通过")

	// 条目本身没有指纹（入缓存时没截到图），退化为纯 TTL 校验
	bare := &AgentEntry{
		Instruction: "search",
		CreatedAt:   now.Add(-10 * time.Minute),
	}
	assert.True(t, v.ValidateAgentEntry(bare, nil, now), "无指纹条目应只查新鲜度")
	assert.True(t, v.ValidateAgentEntry(bare, same, now))
}
