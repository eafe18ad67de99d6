package cache

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

// FileStore 基于单个 JSON 文件的缓存存储，适合单节点部署。
//
// 磁盘上的完整映射（doc）之外维护一层内存镜像（memory / agentMemory），
// 进程内的重复查找不再反序列化。每次变更都整体重写文件——
// 这是刻意的简单性/持久性权衡：缓存重建代价由每个会话执行的指令数
// 决定，而不是高吞吐服务的请求速率，不值得引入增量 WAL。
type FileStore struct {
	path        string
	doc         *File
	memory      map[string]*Entry
	agentMemory map[string]*AgentEntry
	mu          sync.RWMutex
	closed      bool
	logger      *zap.Logger
}

// NewFileStore 创建文件存储并装载既有缓存。
// 文件缺失或解析失败不报错：记日志并退化为空缓存（fail open——
// 静默丢缓存的代价只是一次额外的模型调用）。
func NewFileStore(path string, logger *zap.Logger) (*FileStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if path == "" {
		path = DefaultStoreConfig().Path
	}

	s := &FileStore{
		path:        path,
		memory:      make(map[string]*Entry),
		agentMemory: make(map[string]*AgentEntry),
		logger:      logger.With(zap.String("component", "cache_file_store")),
	}
	s.doc = s.load()
	return s, nil
}

// load 读取缓存文件；任何失败都退化为全新空结构。
func (s *FileStore) load() *File {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return NewFile()
	}
	if err != nil {
		s.logger.Warn("failed to read cache file, starting empty",
			zap.String("path", s.path), zap.Error(err))
		return NewFile()
	}

	var doc File
	if err := json.Unmarshal(data, &doc); err != nil {
		s.logger.Warn("failed to parse cache file, starting empty",
			zap.String("path", s.path), zap.Error(err))
		return NewFile()
	}
	if doc.Caches == nil {
		doc.Caches = make(map[string]*Entry)
	}
	if doc.AgentCaches == nil {
		doc.AgentCaches = make(map[string]*AgentEntry)
	}

	s.logger.Info("cache file loaded",
		zap.String("path", s.path),
		zap.Int("entries", len(doc.Caches)),
		zap.Int("agent_entries", len(doc.AgentCaches)))
	return &doc
}

// save 将全量映射写回磁盘。原子写：先写临时文件再重命名。
// 错误返回给调用方，由 Coordinator 决定 log-and-continue。
func (s *FileStore) save() error {
	s.doc.LastUpdated = time.Now()

	data, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return err
	}

	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}

	tempPath := s.path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return err
	}
	return os.Rename(tempPath, s.path)
}

// saveBestEffort 保存失败只记日志——丢一次缓存写入对自动化任务不致命。
func (s *FileStore) saveBestEffort() {
	if err := s.save(); err != nil {
		s.logger.Error("failed to save cache file", zap.String("path", s.path), zap.Error(err))
	}
}

// Get 查找条目：先查内存镜像，再查磁盘映射并回填镜像。
func (s *FileStore) Get(ctx context.Context, key string) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	if e, ok := s.memory[key]; ok {
		return e.clone(), nil
	}
	if e, ok := s.doc.Caches[key]; ok {
		s.memory[key] = e
		return e.clone(), nil
	}
	return nil, ErrCacheMiss
}

// Put 写入镜像与磁盘映射并立即落盘。
func (s *FileStore) Put(ctx context.Context, key string, entry *Entry) error {
	if entry == nil {
		return ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	cp := entry.clone()
	s.memory[key] = cp
	s.doc.Caches[key] = cp
	s.saveBestEffort()
	return nil
}

// GetActions 查找动作序列条目。
func (s *FileStore) GetActions(ctx context.Context, key string) (*AgentEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	if e, ok := s.agentMemory[key]; ok {
		return e.clone(), nil
	}
	if e, ok := s.doc.AgentCaches[key]; ok {
		s.agentMemory[key] = e
		return e.clone(), nil
	}
	return nil, ErrCacheMiss
}

// PutActions 写入动作序列条目。
func (s *FileStore) PutActions(ctx context.Context, key string, entry *AgentEntry) error {
	if entry == nil {
		return ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	cp := entry.clone()
	s.agentMemory[key] = cp
	s.doc.AgentCaches[key] = cp
	s.saveBestEffort()
	return nil
}

// Remove 删除两个变体下同名键的条目。
func (s *FileStore) Remove(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	_, hadEntry := s.doc.Caches[key]
	_, hadAgent := s.doc.AgentCaches[key]
	delete(s.memory, key)
	delete(s.agentMemory, key)
	delete(s.doc.Caches, key)
	delete(s.doc.AgentCaches, key)

	if hadEntry || hadAgent {
		s.saveBestEffort()
	}
	return nil
}

// Clear 按谓词批量清理，返回删除数量。
func (s *FileStore) Clear(ctx context.Context, pred EvictPredicate) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrStoreClosed
	}

	count := 0
	for key, e := range s.doc.Caches {
		if pred.MatchEntry(e) {
			delete(s.doc.Caches, key)
			delete(s.memory, key)
			count++
		}
	}
	for key, e := range s.doc.AgentCaches {
		if pred.MatchAgentEntry(e) {
			delete(s.doc.AgentCaches, key)
			delete(s.agentMemory, key)
			count++
		}
	}

	if count > 0 {
		s.saveBestEffort()
	}
	return count, nil
}

// Entries 返回选择器条目快照。
func (s *FileStore) Entries(ctx context.Context) (map[string]*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	out := make(map[string]*Entry, len(s.doc.Caches))
	for k, e := range s.doc.Caches {
		out[k] = e.clone()
	}
	return out, nil
}

// AgentEntries 返回动作序列条目快照。
func (s *FileStore) AgentEntries(ctx context.Context) (map[string]*AgentEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	out := make(map[string]*AgentEntry, len(s.doc.AgentCaches))
	for k, e := range s.doc.AgentCaches {
		out[k] = e.clone()
	}
	return out, nil
}

// Stats 重算统计快照。
func (s *FileStore) Stats(ctx context.Context) (*StoreStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	totalHits := 0
	for _, e := range s.doc.Caches {
		totalHits += e.HitCount
	}
	for _, e := range s.doc.AgentCaches {
		totalHits += e.HitCount
	}

	return &StoreStats{
		TotalEntries:  len(s.doc.Caches),
		TotalHits:     totalHits,
		MemoryEntries: len(s.memory) + len(s.agentMemory),
		AgentEntries:  len(s.doc.AgentCaches),
		Backend:       s.path,
		Version:       s.doc.Version,
	}, nil
}

// Ping 检查存储是否可用。
func (s *FileStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

// Close 落盘并关闭。
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.save()
}

var _ Store = (*FileStore)(nil)
