package vector

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"

	"github.com/rushteam/streamrec/core"
	"github.com/rushteam/streamrec/pkg/conv"
)

// Qdrant 点 ID 只接受整数或 UUID，物品 ID 经 SHA1 映射为确定性的 UUID，原始 ID 存在 payload 中
var pointNamespace = uuid.NewSHA1(uuid.NameSpaceOID, []byte("streamrec.items"))

const payloadItemID = "item_id"

// QdrantOptions 是 Qdrant 连接配置
type QdrantOptions struct {
	Host   string `yaml:"host" env:"HOST"`
	Port   int    `yaml:"port" env:"PORT"`
	APIKey string `yaml:"api_key" env:"API_KEY"`
	UseTLS bool   `yaml:"use_tls" env:"USE_TLS"`
}

// QdrantService 是 Qdrant 的 VectorDatabaseService 实现
type QdrantService struct {
	client *qdrant.Client
}

// NewQdrantService 创建 Qdrant gRPC 客户端
func NewQdrantService(opts QdrantOptions) (*QdrantService, error) {
	if opts.Port == 0 {
		opts.Port = 6334
	}
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   opts.Host,
		Port:   opts.Port,
		APIKey: opts.APIKey,
		UseTLS: opts.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("create qdrant client: %w", err)
	}
	return &QdrantService{client: client}, nil
}

func (s *QdrantService) Name() string { return "qdrant" }

func pointID(itemID string) *qdrant.PointId {
	return &qdrant.PointId{
		PointIdOptions: &qdrant.PointId_Uuid{Uuid: uuid.NewSHA1(pointNamespace, []byte(itemID)).String()},
	}
}

func keywordCondition(field string, values []string) *qdrant.Condition {
	return &qdrant.Condition{
		ConditionOneOf: &qdrant.Condition_Field{
			Field: &qdrant.FieldCondition{
				Key: field,
				Match: &qdrant.Match{
					MatchValue: &qdrant.Match_Keywords{Keywords: &qdrant.RepeatedStrings{Strings: values}},
				},
			},
		},
	}
}

// qdrantFilter 把类目/标签过滤下推到 Qdrant。数组字段上的 keywords 匹配即"任一标签命中"
func qdrantFilter(f *core.Filter) *qdrant.Filter {
	if f == nil || (len(f.Categories) == 0 && len(f.Tags) == 0) {
		return nil
	}
	must := make([]*qdrant.Condition, 0, 2)
	if len(f.Categories) > 0 {
		must = append(must, keywordCondition(fieldCategory, f.Categories))
	}
	if len(f.Tags) > 0 {
		must = append(must, keywordCondition(fieldTags, f.Tags))
	}
	return &qdrant.Filter{Must: must}
}

func stringValue(v string) *qdrant.Value {
	return &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: v}}
}

func payloadOf(id string, meta core.ItemMeta) map[string]*qdrant.Value {
	tags := make([]*qdrant.Value, len(meta.Tags))
	for i, t := range meta.Tags {
		tags[i] = stringValue(t)
	}
	return map[string]*qdrant.Value{
		payloadItemID:   stringValue(id),
		fieldCategory:   stringValue(meta.Category),
		fieldTags:       {Kind: &qdrant.Value_ListValue{ListValue: &qdrant.ListValue{Values: tags}}},
		fieldPopularity: {Kind: &qdrant.Value_DoubleValue{DoubleValue: meta.Popularity}},
	}
}

func metaOf(payload map[string]*qdrant.Value) (string, core.ItemMeta) {
	meta := core.ItemMeta{
		Category:   payload[fieldCategory].GetStringValue(),
		Popularity: payload[fieldPopularity].GetDoubleValue(),
	}
	meta.Tags = conv.FilterMap(payload[fieldTags].GetListValue().GetValues(), func(v *qdrant.Value) (string, bool) {
		s, ok := v.GetKind().(*qdrant.Value_StringValue)
		if !ok {
			return "", false
		}
		return s.StringValue, true
	})
	return payload[payloadItemID].GetStringValue(), meta
}

// Search 实现 core.VectorService 接口。Qdrant 的分数即自然分数（欧氏为距离）
func (s *QdrantService) Search(ctx context.Context, req *core.VectorSearchRequest) (*core.VectorSearchResult, error) {
	if req == nil || req.Collection == "" {
		return nil, core.Errorf(core.ModuleVector, core.ErrorCodeInvalidInput, "collection name is required")
	}
	if len(req.Vector) == 0 {
		return nil, core.Errorf(core.ModuleVector, core.ErrorCodeInvalidInput, "vector is required")
	}
	limit := uint64(10)
	if req.TopK > 0 {
		limit = uint64(req.TopK)
	}
	points, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: req.Collection,
		Query: &qdrant.Query{
			Variant: &qdrant.Query_Nearest{
				Nearest: &qdrant.VectorInput{
					Variant: &qdrant.VectorInput_Dense{
						Dense: &qdrant.DenseVector{Data: conv.Float32s(req.Vector)},
					},
				},
			},
		},
		Filter: qdrantFilter(req.Filter),
		Limit:  &limit,
		WithPayload: &qdrant.WithPayloadSelector{
			SelectorOptions: &qdrant.WithPayloadSelector_Enable{Enable: true},
		},
	})
	if err != nil {
		return nil, remoteErr("qdrant query", err)
	}

	items := make([]core.VectorSearchItem, 0, len(points))
	for _, p := range points {
		id, meta := metaOf(p.GetPayload())
		if id == "" {
			continue
		}
		items = append(items, core.VectorSearchItem{ID: id, Score: float64(p.GetScore()), Meta: meta})
	}
	return &core.VectorSearchResult{Items: items}, nil
}

func (s *QdrantService) Upsert(ctx context.Context, req *core.VectorUpsertRequest) error {
	if req == nil || req.Collection == "" {
		return core.Errorf(core.ModuleVector, core.ErrorCodeInvalidInput, "collection name is required")
	}
	if len(req.Vectors) != len(req.IDs) {
		return core.Errorf(core.ModuleVector, core.ErrorCodeInvalidInput, "vectors and ids length mismatch")
	}
	if len(req.IDs) == 0 {
		return nil
	}
	points := make([]*qdrant.PointStruct, len(req.IDs))
	for i, id := range req.IDs {
		var meta core.ItemMeta
		if i < len(req.Metadata) {
			meta = req.Metadata[i]
		}
		points[i] = &qdrant.PointStruct{
			Id:      pointID(id),
			Payload: payloadOf(id, meta),
			Vectors: &qdrant.Vectors{VectorsOptions: &qdrant.Vectors_Vector{
				Vector: &qdrant.Vector{Data: conv.Float32s(req.Vectors[i])},
			}},
		}
	}
	wait := true
	if _, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: req.Collection,
		Wait:           &wait,
		Points:         points,
	}); err != nil {
		return remoteErr("qdrant upsert", err)
	}
	return nil
}

func (s *QdrantService) Delete(ctx context.Context, req *core.VectorDeleteRequest) error {
	if req == nil || req.Collection == "" {
		return core.Errorf(core.ModuleVector, core.ErrorCodeInvalidInput, "collection name is required")
	}
	if len(req.IDs) == 0 {
		return nil
	}
	ids := make([]*qdrant.PointId, len(req.IDs))
	for i, id := range req.IDs {
		ids[i] = pointID(id)
	}
	wait := true
	if _, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: req.Collection,
		Wait:           &wait,
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Points{Points: &qdrant.PointsIdsList{Ids: ids}},
		},
	}); err != nil {
		return remoteErr("qdrant delete", err)
	}
	return nil
}

// CreateCollection 创建集合，并为类目/标签建 keyword 索引
func (s *QdrantService) CreateCollection(ctx context.Context, req *core.VectorCreateCollectionRequest) error {
	if req == nil || req.Name == "" {
		return core.Errorf(core.ModuleVector, core.ErrorCodeInvalidInput, "collection name is required")
	}
	if req.Dimension <= 0 {
		return core.Errorf(core.ModuleVector, core.ErrorCodeInvalidInput, "dimension must be greater than 0")
	}
	err := s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: req.Name,
		VectorsConfig: &qdrant.VectorsConfig{Config: &qdrant.VectorsConfig_Params{
			Params: &qdrant.VectorParams{
				Size:     uint64(req.Dimension),
				Distance: qdrantDistance(req.Metric),
			},
		}},
	})
	if err != nil {
		return remoteErr("qdrant create collection", err)
	}
	wait := true
	for _, field := range []string{fieldCategory, fieldTags} {
		_, err := s.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
			CollectionName: req.Name,
			Wait:           &wait,
			FieldName:      field,
			FieldType:      qdrant.FieldType_FieldTypeKeyword.Enum(),
		})
		if err != nil {
			return remoteErr("qdrant create field index "+field, err)
		}
	}
	return nil
}

func (s *QdrantService) DropCollection(ctx context.Context, collection string) error {
	if err := s.client.DeleteCollection(ctx, collection); err != nil {
		return remoteErr("qdrant drop collection", err)
	}
	return nil
}

func (s *QdrantService) HasCollection(ctx context.Context, collection string) (bool, error) {
	ok, err := s.client.CollectionExists(ctx, collection)
	if err != nil {
		return false, remoteErr("qdrant collection exists", err)
	}
	return ok, nil
}

func (s *QdrantService) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}

func qdrantDistance(m core.Metric) qdrant.Distance {
	switch m {
	case core.MetricEuclidean:
		return qdrant.Distance_Euclid
	case core.MetricInnerProduct:
		return qdrant.Distance_Dot
	default:
		return qdrant.Distance_Cosine
	}
}

var _ core.VectorDatabaseService = (*QdrantService)(nil)
