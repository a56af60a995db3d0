package readmodel

import (
	"context"
	"sort"
	"sync"

	xerrors "plugin-runtime/internal/errors"
)

// ErrRecordNotFound 表示读模型中不存在该插件。
var ErrRecordNotFound = xerrors.New(xerrors.CodeNotFound, "插件记录不存在")

// Store 持久化读模型记录。
type Store interface {
	Get(ctx context.Context, pluginID string) (*Record, error)
	List(ctx context.Context) ([]Record, error)
	Upsert(ctx context.Context, rec Record) error
	Delete(ctx context.Context, pluginID string) error
	Close() error
}

// MemoryStore 以内存方式保存记录，用于未配置数据库的部署和测试。
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

// Get 实现 Store 接口。
func (m *MemoryStore) Get(_ context.Context, pluginID string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[pluginID]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return &rec, nil
}

// List 返回按插件 ID 排序的全部记录。
func (m *MemoryStore) List(_ context.Context) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Record, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PluginID < out[j].PluginID })
	return out, nil
}

// Upsert 实现 Store 接口。
func (m *MemoryStore) Upsert(_ context.Context, rec Record) error {
	if rec.PluginID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "插件 ID 不能为空")
	}
	m.mu.Lock()
	m.records[rec.PluginID] = rec
	m.mu.Unlock()
	return nil
}

// Delete 实现 Store 接口，删除不存在的记录不报错。
func (m *MemoryStore) Delete(_ context.Context, pluginID string) error {
	m.mu.Lock()
	delete(m.records, pluginID)
	m.mu.Unlock()
	return nil
}

// Close 实现 Store 接口。
func (m *MemoryStore) Close() error { return nil }
