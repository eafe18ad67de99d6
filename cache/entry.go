package cache

import (
	"time"

	"github.com/srszzw/stagehand-glm/schema"
)

// SchemaVersion 缓存文件结构版本。
const SchemaVersion = "1.0"

// Entry 选择器缓存条目：一次 observe 推理的持久化结果。
// 条目归 Store 独占，键在创建后不再重算（键相同 ⇒ 逻辑请求相同），
// 只有 Coordinator 的读（更新 last_used / hit_count）和写（整体覆盖）
// 两条路径会修改它。
type Entry struct {
	Instruction string               `json:"instruction"`
	PageURL     string               `json:"page_url"`
	PageTitle   string               `json:"page_title"`
	Result      schema.ObserveResult `json:"result"`
	CreatedAt   time.Time            `json:"created_at"`
	LastUsed    time.Time            `json:"last_used"`
	HitCount    int                  `json:"hit_count"`
}

// AgentEntry 动作序列缓存条目（agent 变体）：整段有序动作加上
// 采集时的页面指纹与上下文。TTLSeconds 非零时覆盖全局 TTL。
type AgentEntry struct {
	Instruction string             `json:"instruction"`
	Actions     []AgentAction      `json:"actions"`
	Fingerprint Fingerprint        `json:"fingerprint"`
	Page        schema.PageContext `json:"page"`
	CreatedAt   time.Time          `json:"created_at"`
	LastUsed    time.Time          `json:"last_used"`
	TTLSeconds  int64              `json:"ttl_seconds,omitempty"`
	HitCount    int                `json:"hit_count"`
}

// File 持久化缓存文件的顶层结构，即磁盘上的 JSON 布局。
type File struct {
	Version     string                 `json:"version"`
	CreatedAt   time.Time              `json:"created_at"`
	LastUpdated time.Time              `json:"last_updated"`
	Caches      map[string]*Entry      `json:"caches"`
	AgentCaches map[string]*AgentEntry `json:"agent_caches,omitempty"`
}

// NewFile 返回带版本与创建时间戳的空缓存结构。
func NewFile() *File {
	return &File{
		Version:     SchemaVersion,
		CreatedAt:   time.Now(),
		Caches:      make(map[string]*Entry),
		AgentCaches: make(map[string]*AgentEntry),
	}
}

// clone 深拷贝条目，避免调用方拿到内部指针后绕过 Store 修改。
func (e *Entry) clone() *Entry {
	if e == nil {
		return nil
	}
	cp := *e
	if e.Result.Arguments != nil {
		cp.Result.Arguments = append([]string(nil), e.Result.Arguments...)
	}
	return &cp
}

func (e *AgentEntry) clone() *AgentEntry {
	if e == nil {
		return nil
	}
	cp := *e
	if e.Actions != nil {
		cp.Actions = append([]AgentAction(nil), e.Actions...)
	}
	return &cp
}

// ttl 返回条目生效的 TTL：条目自带覆盖值优先，否则用默认值。
func (e *AgentEntry) ttl(def time.Duration) time.Duration {
	if e.TTLSeconds > 0 {
		return time.Duration(e.TTLSeconds) * time.Second
	}
	return def
}

// StoreStats 缓存统计快照：按需重算，从不持久化。
type StoreStats struct {
	TotalEntries  int    `json:"total_entries"`
	TotalHits     int    `json:"total_hits"`
	MemoryEntries int    `json:"memory_entries"`
	AgentEntries  int    `json:"agent_entries"`
	Backend       string `json:"backend"`
	Version       string `json:"version"`
}
