package store

import (
	"context"
	"slices"
	"sync"

	"github.com/rushteam/streamrec/core"
)

// MemoryVectorService 是内存实现的权威向量存储，检索为暴力扫描，结果精确。
// 用于测试/开发，以及单机部署时作为 Milvus/Qdrant 的替代。
//
// 特点：
//   - 纯内存实现，进程重启后数据丢失
//   - 支持余弦相似度、欧氏距离、内积
//   - 按类目/标签过滤在扫描时完成（预过滤）
//   - 线程安全
type MemoryVectorService struct {
	mu          sync.RWMutex
	collections map[string]*collection
}

type collection struct {
	dimension int
	metric    core.Metric
	vectors   map[string][]float64
	metadata  map[string]core.ItemMeta
}

// NewMemoryVectorService 创建内存向量服务实例
func NewMemoryVectorService() *MemoryVectorService {
	return &MemoryVectorService{collections: make(map[string]*collection)}
}

func (m *MemoryVectorService) Name() string { return "memory_vector" }

func invalidVector(format string, args ...any) error {
	return core.Errorf(core.ModuleVector, core.ErrorCodeInvalidInput, format, args...)
}

func (m *MemoryVectorService) Search(ctx context.Context, req *core.VectorSearchRequest) (*core.VectorSearchResult, error) {
	if req == nil {
		return nil, invalidVector("search request is nil")
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	col, ok := m.collections[req.Collection]
	if !ok {
		return nil, core.Errorf(core.ModuleVector, core.ErrorCodeNotFound, "collection not found: %s", req.Collection)
	}
	if len(req.Vector) != col.dimension {
		return nil, invalidVector("vector dimension %d does not match collection dimension %d", len(req.Vector), col.dimension)
	}
	topK := req.TopK
	if topK <= 0 {
		topK = 10
	}
	metric := req.Metric
	if !metric.Valid() {
		metric = col.metric
	}

	scored := make([]core.ScoredItem, 0, len(col.vectors))
	for id, vec := range col.vectors {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !req.Filter.Match(id, col.metadata[id]) {
			continue
		}
		scored = append(scored, core.ScoredItem{ItemID: id, Score: metric.Score(req.Vector, vec)})
	}
	slices.SortFunc(scored, metric.Compare)
	if len(scored) > topK {
		scored = scored[:topK]
	}

	items := make([]core.VectorSearchItem, len(scored))
	for i, s := range scored {
		items[i] = core.VectorSearchItem{ID: s.ItemID, Score: s.Score, Meta: col.metadata[s.ItemID]}
	}
	return &core.VectorSearchResult{Items: items}, nil
}

func (m *MemoryVectorService) Upsert(ctx context.Context, req *core.VectorUpsertRequest) error {
	if req == nil {
		return invalidVector("upsert request is nil")
	}
	if len(req.Vectors) != len(req.IDs) {
		return invalidVector("vectors and ids length mismatch")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	col, ok := m.collections[req.Collection]
	if !ok {
		return core.Errorf(core.ModuleVector, core.ErrorCodeNotFound, "collection not found: %s", req.Collection)
	}
	for _, vec := range req.Vectors {
		if len(vec) != col.dimension {
			return invalidVector("vector dimension %d does not match collection dimension %d", len(vec), col.dimension)
		}
	}
	for i, id := range req.IDs {
		col.vectors[id] = slices.Clone(req.Vectors[i])
		if i < len(req.Metadata) {
			col.metadata[id] = req.Metadata[i]
		}
	}
	return nil
}

func (m *MemoryVectorService) Delete(ctx context.Context, req *core.VectorDeleteRequest) error {
	if req == nil {
		return invalidVector("delete request is nil")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	col, ok := m.collections[req.Collection]
	if !ok {
		return core.Errorf(core.ModuleVector, core.ErrorCodeNotFound, "collection not found: %s", req.Collection)
	}
	for _, id := range req.IDs {
		delete(col.vectors, id)
		delete(col.metadata, id)
	}
	return nil
}

func (m *MemoryVectorService) CreateCollection(ctx context.Context, req *core.VectorCreateCollectionRequest) error {
	if req == nil || req.Name == "" {
		return invalidVector("collection name is required")
	}
	if req.Dimension <= 0 {
		return invalidVector("dimension must be greater than 0")
	}
	metric := req.Metric
	if !metric.Valid() {
		metric = core.MetricCosine
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.collections[req.Name]; exists {
		return core.Errorf(core.ModuleVector, core.ErrorCodeConflict, "collection already exists: %s", req.Name)
	}
	m.collections[req.Name] = &collection{
		dimension: req.Dimension,
		metric:    metric,
		vectors:   make(map[string][]float64),
		metadata:  make(map[string]core.ItemMeta),
	}
	return nil
}

func (m *MemoryVectorService) DropCollection(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.collections, name)
	return nil
}

func (m *MemoryVectorService) HasCollection(ctx context.Context, name string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.collections[name]
	return ok, nil
}

// Count 返回集合中的向量数
func (m *MemoryVectorService) Count(name string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if col, ok := m.collections[name]; ok {
		return len(col.vectors)
	}
	return 0
}

func (m *MemoryVectorService) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.collections = make(map[string]*collection)
	return nil
}

var _ core.VectorDatabaseService = (*MemoryVectorService)(nil)
