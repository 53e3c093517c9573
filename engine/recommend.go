package engine

import (
	"context"
	"encoding/hex"
	"slices"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/goccy/go-json"

	"github.com/rushteam/streamrec/cache"
	"github.com/rushteam/streamrec/core"
	"github.com/rushteam/streamrec/pkg/metrics"
	"github.com/rushteam/streamrec/vector"
)

// Recommend 返回按相似度排序的推荐结果。
//
// 流程：画像（经缓存，缺失时为空）与用户 embedding 按 ProfileBlend 合成查询向量 → 向量检索
// （过滤、阈值截断、TopK）→ 结果写入缓存并打上 user/item 标签，以及类目标签
// （无类目过滤时为 catalog），新物品入库后依赖它的列表随之失效。
// 用户既无画像也无 embedding 时返回 NOT_FOUND；超过 deadline 返回 TIMEOUT，
// 已开始的回源在后台继续并写入缓存。
func (e *Engine) Recommend(ctx context.Context, req core.RecommendRequest) (items []core.ScoredItem, err error) {
	start := time.Now()
	defer func() { observe(start, err) }()

	if req.NumRecommendations == 0 {
		req.NumRecommendations = e.opts.DefaultTopK
	}
	if err := core.ValidateRecommendRequest(&req); err != nil {
		return nil, err
	}
	filter := req.Filter()
	if err := e.filters.Bind(filter); err != nil {
		return nil, err
	}
	ctx, cancel := e.withDeadline(ctx)
	defer cancel()

	key := "recs:" + req.UserID + ":" + fingerprint(
		strconv.Itoa(req.NumRecommendations),
		strconv.FormatBool(req.Exact),
		joinSorted(req.FilterCategories),
		joinSorted(req.FilterTags),
		req.FilterExpr,
		joinSorted(req.ExcludeItems),
	)
	return cache.GetJSON(ctx, e.Cache, key, func(ctx context.Context) ([]core.ScoredItem, []string, error) {
		query, err := e.queryVector(ctx, req.UserID)
		if err != nil {
			return nil, nil, err
		}
		items, err := e.search(ctx, req.Exact, vector.SearchRequest{
			Vector:    query,
			TopK:      req.NumRecommendations,
			Filter:    filter,
			Threshold: e.threshold(),
			Exclude:   toSet(req.ExcludeItems),
		})
		if err != nil {
			return nil, nil, err
		}
		tags := append(itemTags(items), core.UserTag(req.UserID))
		return items, append(tags, scopeTags(req.FilterCategories)...), nil
	})
}

// SimilarItems 返回与指定物品最相似的 k 个物品（不含自身）
func (e *Engine) SimilarItems(ctx context.Context, itemID string, k int, filter *core.Filter) (items []core.ScoredItem, err error) {
	start := time.Now()
	defer func() { observe(start, err) }()

	if itemID == "" {
		return nil, core.Errorf(core.ModuleEngine, core.ErrorCodeInvalidInput, "item_id is required")
	}
	if k < 1 || k > core.MaxRecommendations {
		return nil, core.Errorf(core.ModuleEngine, core.ErrorCodeInvalidInput, "k must be within [1,%d], got %d", core.MaxRecommendations, k)
	}
	if filter != nil {
		cp := *filter
		filter = &cp
	}
	if err := e.filters.Bind(filter); err != nil {
		return nil, err
	}
	ctx, cancel := e.withDeadline(ctx)
	defer cancel()

	var cats, tags []string
	var expr string
	if filter != nil {
		cats, tags, expr = filter.Categories, filter.Tags, filter.Expr
	}
	key := "similar:" + itemID + ":" + fingerprint(strconv.Itoa(k), joinSorted(cats), joinSorted(tags), expr)
	return cache.GetJSON(ctx, e.Cache, key, func(ctx context.Context) ([]core.ScoredItem, []string, error) {
		vec, _, ok := e.Index.Get(itemID)
		if !ok {
			return nil, nil, core.Errorf(core.ModuleEngine, core.ErrorCodeNotFound, "item %s not found", itemID).WithStage("index")
		}
		items, err := e.search(ctx, false, vector.SearchRequest{
			Vector:    vec,
			TopK:      k,
			Filter:    filter,
			Threshold: e.threshold(),
			Exclude:   map[string]struct{}{itemID: {}},
		})
		if err != nil {
			return nil, nil, err
		}
		tags := append(itemTags(items), core.ItemTag(itemID))
		return items, append(tags, scopeTags(cats)...), nil
	})
}

// Profile 经缓存读取用户画像
func (e *Engine) Profile(ctx context.Context, userID string) (*core.UserProfile, error) {
	raw, err := e.Cache.Get(ctx, core.ProfileKey(userID), e.profileLoader(userID))
	if err != nil {
		return nil, err
	}
	p := &core.UserProfile{}
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, core.WrapError(core.ModuleEngine, "profile", err)
	}
	return p, nil
}

func (e *Engine) profileLoader(userID string) cache.Loader {
	return func(ctx context.Context) ([]byte, []string, error) {
		p, err := e.Profiles.Get(ctx, userID)
		if err != nil {
			return nil, nil, err
		}
		raw, err := json.Marshal(p)
		if err != nil {
			return nil, nil, err
		}
		return raw, []string{core.UserTag(userID)}, nil
	}
}

// queryVector 合成查询向量：画像向量与用户 embedding 都存在时按 ProfileBlend 加权，
// 余弦度量下先各自归一化
func (e *Engine) queryVector(ctx context.Context, userID string) ([]float64, error) {
	var pv []float64
	p, err := e.Profile(ctx, userID)
	switch {
	case err == nil && p.HasVector() && len(p.Vector) == e.Embeddings.Dimension():
		pv = p.Vector
	case err != nil && !core.IsNotFound(err):
		return nil, core.WrapError(core.ModuleEngine, "profile", err)
	}
	var uv []float64
	if emb, ok := e.Embeddings.Get(core.EntityUser, userID); ok && core.Norm(emb.Vector) > 0 {
		uv = emb.Vector
	}

	switch {
	case pv == nil && uv == nil:
		return nil, core.Errorf(core.ModuleEngine, core.ErrorCodeNotFound, "user %s has no profile and no embedding", userID).WithStage("profile")
	case uv == nil:
		return pv, nil
	case pv == nil:
		return uv, nil
	}
	if e.Index.Metric() == core.MetricCosine {
		pv, uv = unit(pv), unit(uv)
	}
	beta := e.opts.ProfileBlend
	q := make([]float64, len(pv))
	for i := range q {
		q[i] = beta*pv[i] + (1-beta)*uv[i]
	}
	if core.Norm(q) == 0 {
		return pv, nil
	}
	return q, nil
}

func (e *Engine) search(ctx context.Context, exact bool, req vector.SearchRequest) ([]core.ScoredItem, error) {
	var (
		items []core.ScoredItem
		err   error
	)
	if exact {
		items, err = e.Index.SearchExact(ctx, req)
	} else {
		items, err = e.Index.Search(ctx, req)
	}
	if err != nil {
		return nil, core.WrapError(core.ModuleEngine, "index", err)
	}
	if items == nil {
		items = []core.ScoredItem{}
	}
	return items, nil
}

func (e *Engine) threshold() *float64 {
	if e.opts.SimilarityThreshold == 0 {
		return nil
	}
	t := e.opts.SimilarityThreshold
	return &t
}

func (e *Engine) withDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, e.opts.RequestTimeout)
}

func observe(start time.Time, err error) {
	metrics.RecommendLatency.Observe(time.Since(start).Seconds())
	if err == nil {
		return
	}
	stage, code := "recommend", core.ErrorCodeInternalError
	if de := core.GetDomainError(err); de != nil {
		code = de.Code
		if de.Stage != "" {
			stage = de.Stage
		}
	}
	metrics.RecommendErrors.WithLabelValues(stage, code).Inc()
}

func fingerprint(parts ...string) string {
	d := xxhash.New()
	for _, p := range parts {
		_, _ = d.WriteString(p)
		_, _ = d.Write([]byte{0})
	}
	var buf [8]byte
	return hex.EncodeToString(d.Sum(buf[:0]))
}

func joinSorted(ss []string) string {
	if len(ss) == 0 {
		return ""
	}
	cp := slices.Clone(ss)
	slices.Sort(cp)
	out := make([]byte, 0, len(cp)*8)
	for _, s := range cp {
		out = append(out, s...)
		out = append(out, 0x1f)
	}
	return string(out)
}

func toSet(ids []string) map[string]struct{} {
	if len(ids) == 0 {
		return nil
	}
	m := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		m[id] = struct{}{}
	}
	return m
}

func itemTags(items []core.ScoredItem) []string {
	tags := make([]string, 0, len(items)+1)
	for _, it := range items {
		tags = append(tags, core.ItemTag(it.ItemID))
	}
	return tags
}

// scopeTags 标记结果列表覆盖的候选范围
func scopeTags(categories []string) []string {
	if len(categories) == 0 {
		return []string{core.CatalogTag}
	}
	tags := make([]string, len(categories))
	for i, c := range categories {
		tags[i] = core.CategoryTag(c)
	}
	return tags
}

func unit(v []float64) []float64 {
	n := core.Norm(v)
	out := make([]float64, len(v))
	if n == 0 {
		return out
	}
	for i, x := range v {
		out[i] = x / n
	}
	return out
}
