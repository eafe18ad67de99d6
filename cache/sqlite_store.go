package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	rowKindSelector = "selector"
	rowKindActions  = "actions"
)

// cacheRow SQLite 后端的行模型：一行一个条目，载荷整体存 JSON。
type cacheRow struct {
	Key       string    `gorm:"primaryKey;column:cache_key;size:64"`
	Kind      string    `gorm:"primaryKey;size:16"`
	Payload   []byte    `gorm:"not null"`
	CreatedAt time.Time `gorm:"index"`
	HitCount  int
}

func (cacheRow) TableName() string { return "stagehand_caches" }

// SQLiteStore 基于 gorm + sqlite 的单文件存储，
// 适合条目数大到整文件 JSON 重写开始吃亏的部署。
type SQLiteStore struct {
	db     *gorm.DB
	logger *zap.Logger
	mu     sync.RWMutex
	closed bool
}

// NewSQLiteStore 打开（必要时创建）数据库并迁移表结构。
func NewSQLiteStore(path string, logger *zap.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if path == "" {
		path = DefaultStoreConfig().SQLitePath
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	if err := db.AutoMigrate(&cacheRow{}); err != nil {
		return nil, fmt.Errorf("failed to migrate cache table: %w", err)
	}

	return &SQLiteStore{
		db:     db,
		logger: logger.With(zap.String("component", "cache_sqlite_store")),
	}, nil
}

func (s *SQLiteStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

func (s *SQLiteStore) getRow(ctx context.Context, key, kind string) (*cacheRow, error) {
	var row cacheRow
	err := s.db.WithContext(ctx).
		Where("cache_key = ? AND kind = ?", key, kind).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite get failed: %w", err)
	}
	return &row, nil
}

func (s *SQLiteStore) putRow(ctx context.Context, row *cacheRow) error {
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(row).Error
	if err != nil {
		return fmt.Errorf("sqlite put failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, key string) (*Entry, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	row, err := s.getRow(ctx, key, rowKindSelector)
	if err != nil {
		return nil, err
	}

	var e Entry
	if err := json.Unmarshal(row.Payload, &e); err != nil {
		s.logger.Warn("corrupt cache row, dropping", zap.String("key", key), zap.Error(err))
		s.db.WithContext(ctx).Where("cache_key = ? AND kind = ?", key, rowKindSelector).Delete(&cacheRow{})
		return nil, ErrCacheMiss
	}
	return &e, nil
}

func (s *SQLiteStore) Put(ctx context.Context, key string, entry *Entry) error {
	if entry == nil {
		return ErrInvalidInput
	}
	if err := s.checkOpen(); err != nil {
		return err
	}

	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal cache entry: %w", err)
	}
	return s.putRow(ctx, &cacheRow{
		Key:       key,
		Kind:      rowKindSelector,
		Payload:   payload,
		CreatedAt: entry.CreatedAt,
		HitCount:  entry.HitCount,
	})
}

func (s *SQLiteStore) GetActions(ctx context.Context, key string) (*AgentEntry, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	row, err := s.getRow(ctx, key, rowKindActions)
	if err != nil {
		return nil, err
	}

	var e AgentEntry
	if err := json.Unmarshal(row.Payload, &e); err != nil {
		s.logger.Warn("corrupt agent cache row, dropping", zap.String("key", key), zap.Error(err))
		s.db.WithContext(ctx).Where("cache_key = ? AND kind = ?", key, rowKindActions).Delete(&cacheRow{})
		return nil, ErrCacheMiss
	}
	return &e, nil
}

func (s *SQLiteStore) PutActions(ctx context.Context, key string, entry *AgentEntry) error {
	if entry == nil {
		return ErrInvalidInput
	}
	if err := s.checkOpen(); err != nil {
		return err
	}

	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal agent cache entry: %w", err)
	}
	return s.putRow(ctx, &cacheRow{
		Key:       key,
		Kind:      rowKindActions,
		Payload:   payload,
		CreatedAt: entry.CreatedAt,
		HitCount:  entry.HitCount,
	})
}

func (s *SQLiteStore) Remove(ctx context.Context, key string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	err := s.db.WithContext(ctx).Where("cache_key = ?", key).Delete(&cacheRow{}).Error
	if err != nil {
		return fmt.Errorf("sqlite remove failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Clear(ctx context.Context, pred EvictPredicate) (int, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}

	count := 0

	entries, err := s.Entries(ctx)
	if err != nil {
		return 0, err
	}
	for key, e := range entries {
		if pred.MatchEntry(e) {
			if err := s.db.WithContext(ctx).
				Where("cache_key = ? AND kind = ?", key, rowKindSelector).
				Delete(&cacheRow{}).Error; err != nil {
				return count, fmt.Errorf("sqlite clear failed: %w", err)
			}
			count++
		}
	}

	agents, err := s.AgentEntries(ctx)
	if err != nil {
		return count, err
	}
	for key, e := range agents {
		if pred.MatchAgentEntry(e) {
			if err := s.db.WithContext(ctx).
				Where("cache_key = ? AND kind = ?", key, rowKindActions).
				Delete(&cacheRow{}).Error; err != nil {
				return count, fmt.Errorf("sqlite clear failed: %w", err)
			}
			count++
		}
	}

	return count, nil
}

func (s *SQLiteStore) Entries(ctx context.Context) (map[string]*Entry, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	var rows []cacheRow
	if err := s.db.WithContext(ctx).Where("kind = ?", rowKindSelector).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("sqlite list failed: %w", err)
	}

	out := make(map[string]*Entry, len(rows))
	for _, row := range rows {
		var e Entry
		if err := json.Unmarshal(row.Payload, &e); err != nil {
			s.logger.Warn("corrupt cache row skipped", zap.String("key", row.Key), zap.Error(err))
			continue
		}
		out[row.Key] = &e
	}
	return out, nil
}

func (s *SQLiteStore) AgentEntries(ctx context.Context) (map[string]*AgentEntry, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	var rows []cacheRow
	if err := s.db.WithContext(ctx).Where("kind = ?", rowKindActions).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("sqlite list failed: %w", err)
	}

	out := make(map[string]*AgentEntry, len(rows))
	for _, row := range rows {
		var e AgentEntry
		if err := json.Unmarshal(row.Payload, &e); err != nil {
			s.logger.Warn("corrupt agent cache row skipped", zap.String("key", row.Key), zap.Error(err))
			continue
		}
		out[row.Key] = &e
	}
	return out, nil
}

func (s *SQLiteStore) Stats(ctx context.Context) (*StoreStats, error) {
	entries, err := s.Entries(ctx)
	if err != nil {
		return nil, err
	}
	agents, err := s.AgentEntries(ctx)
	if err != nil {
		return nil, err
	}

	totalHits := 0
	for _, e := range entries {
		totalHits += e.HitCount
	}
	for _, e := range agents {
		totalHits += e.HitCount
	}

	return &StoreStats{
		TotalEntries: len(entries),
		TotalHits:    totalHits,
		AgentEntries: len(agents),
		Backend:      "sqlite",
		Version:      SchemaVersion,
	}, nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	db, err := s.db.DB()
	if err != nil {
		return err
	}
	return db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	db, err := s.db.DB()
	if err != nil {
		return err
	}
	return db.Close()
}

var _ Store = (*SQLiteStore)(nil)
