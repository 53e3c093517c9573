package vector

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/milvus-io/milvus/client/v2/column"
	"github.com/milvus-io/milvus/client/v2/entity"
	"github.com/milvus-io/milvus/client/v2/index"
	"github.com/milvus-io/milvus/client/v2/milvusclient"

	"github.com/rushteam/streamrec/core"
	"github.com/rushteam/streamrec/pkg/conv"
)

const (
	fieldID         = "id"
	fieldVector     = "vector"
	fieldCategory   = "category"
	fieldTags       = "tags"
	fieldPopularity = "popularity"
)

// MilvusService 是 Milvus 向量数据库的 VectorDatabaseService 实现，作为物品向量的权威存储。
//
// 集合 Schema：
//
//	id          VarChar 主键（物品 ID）
//	vector      FloatVector
//	category    VarChar
//	tags        Array<VarChar>
//	popularity  Float
type MilvusService struct {
	Address  string
	Username string
	Password string
	Database string
	client   *milvusclient.Client
}

type MilvusOption func(*MilvusService)

func WithMilvusAuth(username, password string) MilvusOption {
	return func(s *MilvusService) {
		s.Username = username
		s.Password = password
	}
}

func WithMilvusDatabase(database string) MilvusOption {
	return func(s *MilvusService) {
		if database != "" {
			s.Database = database
		}
	}
}

// NewMilvusService 创建 Milvus 服务并建立连接
func NewMilvusService(ctx context.Context, address string, opts ...MilvusOption) (*MilvusService, error) {
	s := &MilvusService{
		Address:  address,
		Database: "default",
	}
	for _, opt := range opts {
		opt(s)
	}
	client, err := milvusclient.New(ctx, &milvusclient.ClientConfig{
		Address:  s.Address,
		Username: s.Username,
		Password: s.Password,
		DBName:   s.Database,
	})
	if err != nil {
		return nil, fmt.Errorf("create milvus client: %w", err)
	}
	s.client = client
	return s, nil
}

func (s *MilvusService) Name() string { return "milvus" }

// milvusFilter 把类目/标签过滤翻译为 Milvus 表达式（模板参数），自定义谓词由调用方在结果上执行
func milvusFilter(f *core.Filter) (string, map[string]any) {
	if f == nil {
		return "", nil
	}
	var exprs []string
	params := make(map[string]any)
	if len(f.Categories) > 0 {
		exprs = append(exprs, fieldCategory+" in {cats}")
		params["cats"] = f.Categories
	}
	if len(f.Tags) > 0 {
		exprs = append(exprs, "ARRAY_CONTAINS_ANY("+fieldTags+", {tags})")
		params["tags"] = f.Tags
	}
	return strings.Join(exprs, " && "), params
}

// Search 实现 core.VectorService 接口。
// 返回自然分数：余弦/内积为相似度，欧氏为距离（Milvus 的 L2 为平方距离，这里开方）。
func (s *MilvusService) Search(ctx context.Context, req *core.VectorSearchRequest) (*core.VectorSearchResult, error) {
	if req == nil || req.Collection == "" {
		return nil, core.Errorf(core.ModuleVector, core.ErrorCodeInvalidInput, "collection name is required")
	}
	if len(req.Vector) == 0 {
		return nil, core.Errorf(core.ModuleVector, core.ErrorCodeInvalidInput, "vector is required")
	}
	topK := req.TopK
	if topK <= 0 {
		topK = 10
	}

	opt := milvusclient.NewSearchOption(req.Collection, topK, []entity.Vector{entity.FloatVector(conv.Float32s(req.Vector))}).
		WithOutputFields(fieldCategory, fieldTags, fieldPopularity).
		WithConsistencyLevel(entity.ClStrong)
	if expr, params := milvusFilter(req.Filter); expr != "" {
		opt = opt.WithFilter(expr)
		for k, v := range params {
			opt = opt.WithTemplateParam(k, v)
		}
	}

	results, err := s.client.Search(ctx, opt)
	if err != nil {
		return nil, remoteErr("milvus search", err)
	}

	items := make([]core.VectorSearchItem, 0, topK)
	for _, rs := range results {
		if rs.Err != nil {
			return nil, remoteErr("milvus search", rs.Err)
		}
		catCol := rs.GetColumn(fieldCategory)
		tagCol := rs.GetColumn(fieldTags)
		popCol := rs.GetColumn(fieldPopularity)
		for i := 0; i < rs.ResultCount; i++ {
			id, err := rs.IDs.GetAsString(i)
			if err != nil {
				return nil, fmt.Errorf("milvus result id: %w", err)
			}
			item := core.VectorSearchItem{ID: id}
			if i < len(rs.Scores) {
				item.Score = float64(rs.Scores[i])
				if req.Metric == core.MetricEuclidean {
					item.Score = math.Sqrt(math.Max(item.Score, 0))
				}
			}
			if catCol != nil {
				item.Meta.Category, _ = catCol.GetAsString(i)
			}
			if tagCol != nil {
				if v, err := tagCol.Get(i); err == nil {
					if tags, ok := v.([]string); ok {
						item.Meta.Tags = tags
					}
				}
			}
			if popCol != nil {
				item.Meta.Popularity, _ = popCol.GetAsDouble(i)
			}
			items = append(items, item)
		}
	}
	return &core.VectorSearchResult{Items: items}, nil
}

// Upsert 按列写入，主键相同则覆盖
func (s *MilvusService) Upsert(ctx context.Context, req *core.VectorUpsertRequest) error {
	if req == nil || req.Collection == "" {
		return core.Errorf(core.ModuleVector, core.ErrorCodeInvalidInput, "collection name is required")
	}
	if len(req.Vectors) == 0 {
		return nil
	}
	if len(req.Vectors) != len(req.IDs) {
		return core.Errorf(core.ModuleVector, core.ErrorCodeInvalidInput, "vectors and ids length mismatch")
	}

	n := len(req.IDs)
	vectors := make([][]float32, n)
	cats := make([]string, n)
	tags := make([][]string, n)
	pops := make([]float32, n)
	for i, v := range req.Vectors {
		vectors[i] = conv.Float32s(v)
		tags[i] = []string{}
		if i < len(req.Metadata) {
			m := req.Metadata[i]
			cats[i] = m.Category
			if m.Tags != nil {
				tags[i] = m.Tags
			}
			pops[i] = float32(m.Popularity)
		}
	}

	opt := milvusclient.NewColumnBasedInsertOption(req.Collection,
		column.NewColumnVarChar(fieldID, req.IDs),
		column.NewColumnFloatVector(fieldVector, len(vectors[0]), vectors),
		column.NewColumnVarChar(fieldCategory, cats),
		column.NewColumnVarCharArray(fieldTags, tags),
		column.NewColumnFloat(fieldPopularity, pops),
	)
	if _, err := s.client.Upsert(ctx, opt); err != nil {
		return remoteErr("milvus upsert", err)
	}
	return nil
}

func (s *MilvusService) Delete(ctx context.Context, req *core.VectorDeleteRequest) error {
	if req == nil || req.Collection == "" {
		return core.Errorf(core.ModuleVector, core.ErrorCodeInvalidInput, "collection name is required")
	}
	if len(req.IDs) == 0 {
		return nil
	}
	if _, err := s.client.Delete(ctx, milvusclient.NewDeleteOption(req.Collection).WithStringIDs(fieldID, req.IDs)); err != nil {
		return remoteErr("milvus delete", err)
	}
	return nil
}

// CreateCollection 创建集合、建索引并加载
func (s *MilvusService) CreateCollection(ctx context.Context, req *core.VectorCreateCollectionRequest) error {
	if req == nil || req.Name == "" {
		return core.Errorf(core.ModuleVector, core.ErrorCodeInvalidInput, "collection name is required")
	}
	if req.Dimension <= 0 {
		return core.Errorf(core.ModuleVector, core.ErrorCodeInvalidInput, "dimension must be greater than 0")
	}
	metric := milvusMetric(req.Metric)

	schema := entity.NewSchema().
		WithName(req.Name).
		WithField(entity.NewField().
			WithName(fieldID).
			WithDataType(entity.FieldTypeVarChar).
			WithMaxLength(core.MaxIDLength).
			WithIsPrimaryKey(true)).
		WithField(entity.NewField().
			WithName(fieldVector).
			WithDataType(entity.FieldTypeFloatVector).
			WithDim(int64(req.Dimension))).
		WithField(entity.NewField().
			WithName(fieldCategory).
			WithDataType(entity.FieldTypeVarChar).
			WithMaxLength(core.MaxCategoryLength)).
		WithField(entity.NewField().
			WithName(fieldTags).
			WithDataType(entity.FieldTypeArray).
			WithElementType(entity.FieldTypeVarChar).
			WithMaxCapacity(core.MaxItemTags).
			WithMaxLength(core.MaxCategoryLength)).
		WithField(entity.NewField().
			WithName(fieldPopularity).
			WithDataType(entity.FieldTypeFloat))

	var idx index.Index
	switch strings.ToUpper(req.IndexType) {
	case "FLAT":
		idx = index.NewFlatIndex(metric)
	case "HNSW":
		idx = index.NewHNSWIndex(metric, conv.Param(req.Params, "M", 16), conv.Param(req.Params, "efConstruction", 200))
	default:
		idx = index.NewAutoIndex(metric)
	}

	opt := milvusclient.NewCreateCollectionOption(req.Name, schema).
		WithIndexOptions(milvusclient.NewCreateIndexOption(req.Name, fieldVector, idx))
	if err := s.client.CreateCollection(ctx, opt); err != nil {
		return remoteErr("milvus create collection", err)
	}
	task, err := s.client.LoadCollection(ctx, milvusclient.NewLoadCollectionOption(req.Name))
	if err != nil {
		return remoteErr("milvus load collection", err)
	}
	return task.Await(ctx)
}

func (s *MilvusService) DropCollection(ctx context.Context, collection string) error {
	if err := s.client.DropCollection(ctx, milvusclient.NewDropCollectionOption(collection)); err != nil {
		return remoteErr("milvus drop collection", err)
	}
	return nil
}

func (s *MilvusService) HasCollection(ctx context.Context, collection string) (bool, error) {
	exists, err := s.client.HasCollection(ctx, milvusclient.NewHasCollectionOption(collection))
	if err != nil {
		return false, remoteErr("milvus has collection", err)
	}
	return exists, nil
}

func (s *MilvusService) Close() error {
	if s.client != nil {
		return s.client.Close(context.Background())
	}
	return nil
}

func milvusMetric(m core.Metric) entity.MetricType {
	switch m {
	case core.MetricEuclidean:
		return entity.L2
	case core.MetricInnerProduct:
		return entity.IP
	default:
		return entity.COSINE
	}
}

var _ core.VectorDatabaseService = (*MilvusService)(nil)
