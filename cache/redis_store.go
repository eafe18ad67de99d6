package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisStore Redis 后端，供多进程共享同一份缓存时使用。
// 条目以 JSON 值存放在前缀键下，另用两个集合维护键索引。
type RedisStore struct {
	client *redis.Client
	prefix string
	logger *zap.Logger
	mu     sync.RWMutex
	closed bool
}

// NewRedisStore 创建 Redis 存储并检测连通性。
func NewRedisStore(cfg RedisStoreConfig, logger *zap.Logger) (*RedisStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "stagehand:"
	}

	return &RedisStore{
		client: client,
		prefix: prefix,
		logger: logger.With(zap.String("component", "cache_redis_store")),
	}, nil
}

func (s *RedisStore) entryKey(key string) string { return s.prefix + "cache:" + key }
func (s *RedisStore) agentKey(key string) string { return s.prefix + "agentcache:" + key }
func (s *RedisStore) entryIndex() string         { return s.prefix + "cache:index" }
func (s *RedisStore) agentIndex() string         { return s.prefix + "agentcache:index" }

func (s *RedisStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (*Entry, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	data, err := s.client.Get(ctx, s.entryKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}

	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		// 损坏的值按 miss 处理并顺手清掉
		s.logger.Warn("corrupt cache entry in redis, dropping", zap.String("key", key), zap.Error(err))
		s.client.Del(ctx, s.entryKey(key))
		s.client.SRem(ctx, s.entryIndex(), key)
		return nil, ErrCacheMiss
	}
	return &e, nil
}

func (s *RedisStore) Put(ctx context.Context, key string, entry *Entry) error {
	if entry == nil {
		return ErrInvalidInput
	}
	if err := s.checkOpen(); err != nil {
		return err
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal cache entry: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.entryKey(key), data, 0)
	pipe.SAdd(ctx, s.entryIndex(), key)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis put failed: %w", err)
	}
	return nil
}

func (s *RedisStore) GetActions(ctx context.Context, key string) (*AgentEntry, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	data, err := s.client.Get(ctx, s.agentKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}

	var e AgentEntry
	if err := json.Unmarshal(data, &e); err != nil {
		s.logger.Warn("corrupt agent cache entry in redis, dropping", zap.String("key", key), zap.Error(err))
		s.client.Del(ctx, s.agentKey(key))
		s.client.SRem(ctx, s.agentIndex(), key)
		return nil, ErrCacheMiss
	}
	return &e, nil
}

func (s *RedisStore) PutActions(ctx context.Context, key string, entry *AgentEntry) error {
	if entry == nil {
		return ErrInvalidInput
	}
	if err := s.checkOpen(); err != nil {
		return err
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal agent cache entry: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.agentKey(key), data, 0)
	pipe.SAdd(ctx, s.agentIndex(), key)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis put failed: %w", err)
	}
	return nil
}

func (s *RedisStore) Remove(ctx context.Context, key string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.entryKey(key), s.agentKey(key))
	pipe.SRem(ctx, s.entryIndex(), key)
	pipe.SRem(ctx, s.agentIndex(), key)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis remove failed: %w", err)
	}
	return nil
}

func (s *RedisStore) Clear(ctx context.Context, pred EvictPredicate) (int, error) {
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
			if err := s.Remove(ctx, key); err != nil {
				return count, err
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
			if err := s.Remove(ctx, key); err != nil {
				return count, err
			}
			count++
		}
	}

	return count, nil
}

func (s *RedisStore) Entries(ctx context.Context) (map[string]*Entry, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	keys, err := s.client.SMembers(ctx, s.entryIndex()).Result()
	if err != nil {
		return nil, fmt.Errorf("redis index read failed: %w", err)
	}

	out := make(map[string]*Entry, len(keys))
	for _, key := range keys {
		e, err := s.Get(ctx, key)
		if IsCacheMiss(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out[key] = e
	}
	return out, nil
}

func (s *RedisStore) AgentEntries(ctx context.Context) (map[string]*AgentEntry, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	keys, err := s.client.SMembers(ctx, s.agentIndex()).Result()
	if err != nil {
		return nil, fmt.Errorf("redis index read failed: %w", err)
	}

	out := make(map[string]*AgentEntry, len(keys))
	for _, key := range keys {
		e, err := s.GetActions(ctx, key)
		if IsCacheMiss(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out[key] = e
	}
	return out, nil
}

func (s *RedisStore) Stats(ctx context.Context) (*StoreStats, error) {
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
		Backend:      "redis",
		Version:      SchemaVersion,
	}, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.client.Close()
}

var _ Store = (*RedisStore)(nil)
