package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// 通用错误
var (
	ErrCacheMiss     = errors.New("cache miss")
	ErrStoreClosed   = errors.New("store is closed")
	ErrInvalidInput  = errors.New("invalid input")
	ErrUnknownAction = errors.New("unknown action type")
)

// IsCacheMiss 判断是否为缓存未命中错误。
func IsCacheMiss(err error) bool {
	return errors.Is(err, ErrCacheMiss)
}

// StoreType 存储后端类型。
type StoreType string

const (
	StoreTypeFile   StoreType = "file"
	StoreTypeMemory StoreType = "memory"
	StoreTypeRedis  StoreType = "redis"
	StoreTypeSQLite StoreType = "sqlite"
)

// RedisStoreConfig Redis 后端配置。
type RedisStoreConfig struct {
	// 地址
	Addr string `yaml:"addr" json:"addr"`
	// 密码
	Password string `yaml:"password" json:"password"`
	// 数据库编号
	DB int `yaml:"db" json:"db"`
	// 键前缀
	KeyPrefix string `yaml:"key_prefix" json:"key_prefix"`
	// 连接池大小，0 走客户端默认
	PoolSize int `yaml:"pool_size" json:"pool_size"`
}

// StoreConfig 存储配置。
type StoreConfig struct {
	// 后端类型: file | memory | redis | sqlite
	Type StoreType `yaml:"type" json:"type"`
	// 文件后端的缓存文件路径
	Path string `yaml:"path" json:"path"`
	// sqlite 后端的数据库文件路径
	SQLitePath string `yaml:"sqlite_path" json:"sqlite_path"`
	// Redis 后端配置
	Redis RedisStoreConfig `yaml:"redis" json:"redis"`
}

// DefaultStoreConfig 返回默认存储配置。
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		Type:       StoreTypeFile,
		Path:       "stagehand_cache.json",
		SQLitePath: "stagehand_cache.db",
		Redis: RedisStoreConfig{
			Addr:      "localhost:6379",
			KeyPrefix: "stagehand:",
		},
	}
}

// EvictPredicate 批量清理谓词。ExpiredOnly 为 false 时匹配全部条目，
// 否则只匹配按 TTL 判定已过期的条目（agent 条目优先用自身 TTL 覆盖值）。
type EvictPredicate struct {
	ExpiredOnly bool
	TTL         time.Duration
	Now         time.Time
}

// MatchEntry 判定选择器条目是否应被清除。
func (p EvictPredicate) MatchEntry(e *Entry) bool {
	if !p.ExpiredOnly {
		return true
	}
	return !freshAt(e.CreatedAt, p.TTL, p.now())
}

// MatchAgentEntry 判定动作序列条目是否应被清除。
func (p EvictPredicate) MatchAgentEntry(e *AgentEntry) bool {
	if !p.ExpiredOnly {
		return true
	}
	return !freshAt(e.CreatedAt, e.ttl(p.TTL), p.now())
}

func (p EvictPredicate) now() time.Time {
	if p.Now.IsZero() {
		return time.Now()
	}
	return p.Now
}

// Store 持久化缓存存储接口。所有实现都保证：
//   - Get 对不存在的键返回 ErrCacheMiss 而非其它错误
//   - Put 无条件覆盖（last-write-wins，键相同即逻辑请求相同）
//   - Clear 返回实际删除的条目数
//   - Entries / AgentEntries 返回快照拷贝，调用方可安全遍历
type Store interface {
	Get(ctx context.Context, key string) (*Entry, error)
	Put(ctx context.Context, key string, entry *Entry) error
	GetActions(ctx context.Context, key string) (*AgentEntry, error)
	PutActions(ctx context.Context, key string, entry *AgentEntry) error
	Remove(ctx context.Context, key string) error
	Clear(ctx context.Context, pred EvictPredicate) (int, error)
	Entries(ctx context.Context) (map[string]*Entry, error)
	AgentEntries(ctx context.Context) (map[string]*AgentEntry, error)
	Stats(ctx context.Context) (*StoreStats, error)
	Ping(ctx context.Context) error
	Close() error
}

// NewStore 按配置创建存储后端。
func NewStore(cfg StoreConfig, logger *zap.Logger) (Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	switch cfg.Type {
	case StoreTypeFile, "":
		return NewFileStore(cfg.Path, logger)
	case StoreTypeMemory:
		return NewMemoryStore(), nil
	case StoreTypeRedis:
		return NewRedisStore(cfg.Redis, logger)
	case StoreTypeSQLite:
		return NewSQLiteStore(cfg.SQLitePath, logger)
	default:
		return nil, fmt.Errorf("%w: unsupported store type %q", ErrInvalidInput, cfg.Type)
	}
}

// freshAt 判定创建时间 createdAt 的条目在 now 时刻是否仍在 ttl 内。
// 边界固定为严格小于：恰好 now-createdAt == ttl 时视为过期。
// 时间戳缺失（零值）按不新鲜处理，fail closed。
func freshAt(createdAt time.Time, ttl time.Duration, now time.Time) bool {
	if createdAt.IsZero() || ttl <= 0 {
		return false
	}
	return now.Sub(createdAt) < ttl
}
