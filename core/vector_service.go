package core

import "context"

// VectorService 是权威向量存储的检索接口。
//
// 实现：
//   - store.MemoryVectorService（内存暴力扫描，精确）
//   - vector.MilvusService
//   - vector.QdrantService
type VectorService interface {
	// Search 返回按度量排序（最优在前）的 TopK 结果
	Search(ctx context.Context, req *VectorSearchRequest) (*VectorSearchResult, error)

	// Close 关闭连接
	Close() error
}

// VectorDatabaseService 是完整的向量数据库服务接口，在检索之外提供按 ID 写入与集合管理。
type VectorDatabaseService interface {
	VectorService

	// Name 返回后端名称
	Name() string

	// Upsert 按 ID 写入（存在则覆盖）
	Upsert(ctx context.Context, req *VectorUpsertRequest) error

	// Delete 按 ID 删除
	Delete(ctx context.Context, req *VectorDeleteRequest) error

	// CreateCollection 创建集合
	CreateCollection(ctx context.Context, req *VectorCreateCollectionRequest) error

	// DropCollection 删除集合
	DropCollection(ctx context.Context, collection string) error

	// HasCollection 检查集合是否存在
	HasCollection(ctx context.Context, collection string) (bool, error)
}

// VectorSearchRequest 向量搜索请求
type VectorSearchRequest struct {
	Collection string
	Vector     []float64
	TopK       int
	Metric     Metric

	// Filter 按类目/标签过滤；Predicate 不会下推到远端后端
	Filter *Filter
}

// VectorSearchItem 单个向量搜索结果项
type VectorSearchItem struct {
	ID    string
	Score float64 // 度量的原始分数（欧氏为距离）
	Meta  ItemMeta
}

// VectorSearchResult 向量搜索结果
type VectorSearchResult struct {
	Items []VectorSearchItem
}

// VectorUpsertRequest 向量写入请求
type VectorUpsertRequest struct {
	Collection string
	IDs        []string
	Vectors    [][]float64
	Metadata   []ItemMeta
}

// VectorDeleteRequest 向量删除请求
type VectorDeleteRequest struct {
	Collection string
	IDs        []string
}

// VectorCreateCollectionRequest 创建集合请求
type VectorCreateCollectionRequest struct {
	Name      string
	Dimension int
	Metric    Metric
	// IndexType 索引类型，例如 FLAT / HNSW / IVF_FLAT；需要精确结果时使用 FLAT
	IndexType string
	Params    map[string]any
}
