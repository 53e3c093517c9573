package vector

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rushteam/streamrec/core"
	"github.com/rushteam/streamrec/pkg/metrics"
)

// Options 是 Index 的配置
type Options struct {
	Dimension  int          `yaml:"dimension"`
	Metric     core.Metric  `yaml:"metric"`
	Collection string       `yaml:"collection"`
	IndexType  string       `yaml:"index_type"` // 权威存储的索引类型
	Graph      GraphOptions `yaml:"graph"`
	// EfSearch 是检索宽度，越大召回越高、延迟越大
	EfSearch int `yaml:"ef_search"`
	// OverFetch 是后过滤时的初始放大倍数
	OverFetch int `yaml:"over_fetch"`
	// MaxBuildLag 是写入到进入近似索引的最大延迟
	MaxBuildLag time.Duration `yaml:"max_build_lag"`
	// DirtyLimit 是未进入近似索引的写入数达到多少时提前重建
	DirtyLimit int `yaml:"dirty_limit"`
	// FlushBatch 是批量写回权威存储的批大小
	FlushBatch int `yaml:"flush_batch"`
}

func (o *Options) withDefaults() {
	if o.Metric == "" {
		o.Metric = core.MetricCosine
	}
	if o.Collection == "" {
		o.Collection = "items"
	}
	if o.IndexType == "" {
		o.IndexType = "FLAT"
	}
	if o.Graph.M <= 0 {
		o.Graph.M = 16
	}
	if o.Graph.EfConstruction <= 0 {
		o.Graph.EfConstruction = 200
	}
	if o.EfSearch <= 0 {
		o.EfSearch = 64
	}
	if o.OverFetch <= 1 {
		o.OverFetch = 4
	}
	if o.MaxBuildLag <= 0 {
		o.MaxBuildLag = 30 * time.Second
	}
	if o.DirtyLimit <= 0 {
		o.DirtyLimit = 10000
	}
	if o.FlushBatch <= 0 {
		o.FlushBatch = 512
	}
}

// SearchRequest 是一次检索请求
type SearchRequest struct {
	Vector []float64
	TopK   int
	// Metric 为空时使用索引的度量；与索引度量不同时走精确扫描
	Metric core.Metric
	Filter *core.Filter
	// Threshold 在按度量排序之后、截断到 TopK 之前生效
	Threshold *float64
	Exclude   map[string]struct{}
}

func (r *SearchRequest) keep(id string, meta core.ItemMeta) bool {
	if _, ok := r.Exclude[id]; ok {
		return false
	}
	return r.Filter.Match(id, meta)
}

// Stats 索引统计
type Stats struct {
	Items        int
	Dirty        int
	PendingFlush int
	GraphSize    int
	GraphVersion uint64
	Rebuilds     int64
}

type record struct {
	vec     []float64
	meta    core.ItemMeta
	version uint64
}

// Index 是双路检索的物品向量索引。
//
//   - 近似路径：内存中的 HNSW 图快照，后台定期整体重建并原子替换，检索方始终看到完整的图
//   - 精确路径：对权威向量存储的暴力扫描，用于冷启动物品与需要精确结果的重算路径
//
// 写入先进入目录（权威存储的进程内镜像）并记为 dirty；近似路径检索时对 dirty 物品精确打分后合并，
// 因此写入立即可见，而近似图在 MaxBuildLag 内追上。
type Index struct {
	opts    Options
	backend core.VectorDatabaseService

	mu         sync.RWMutex
	catalog    map[string]*record
	dirty      map[string]uint64
	pending    map[string]struct{}
	seq        uint64
	lastRemove uint64

	snap     atomic.Pointer[graph]
	buildMu  sync.Mutex
	trigger  chan struct{}
	rebuilds atomic.Int64
}

// NewIndex 创建索引。backend 为权威向量存储。
func NewIndex(backend core.VectorDatabaseService, opts Options) (*Index, error) {
	if backend == nil {
		return nil, fmt.Errorf("vector backend is required")
	}
	if opts.Dimension <= 0 {
		return nil, fmt.Errorf("dimension must be positive, got %d", opts.Dimension)
	}
	opts.withDefaults()
	if !opts.Metric.Valid() {
		return nil, fmt.Errorf("unsupported metric %q", opts.Metric)
	}
	return &Index{
		opts:    opts,
		backend: backend,
		catalog: make(map[string]*record),
		dirty:   make(map[string]uint64),
		pending: make(map[string]struct{}),
		trigger: make(chan struct{}, 1),
	}, nil
}

// Metric 返回索引度量
func (x *Index) Metric() core.Metric { return x.opts.Metric }

// Open 确保权威存储中的集合存在
func (x *Index) Open(ctx context.Context) error {
	ok, err := x.backend.HasCollection(ctx, x.opts.Collection)
	if err != nil {
		return core.WrapError(core.ModuleVector, "open", err)
	}
	if ok {
		return nil
	}
	err = x.backend.CreateCollection(ctx, &core.VectorCreateCollectionRequest{
		Name:      x.opts.Collection,
		Dimension: x.opts.Dimension,
		Metric:    x.opts.Metric,
		IndexType: x.opts.IndexType,
	})
	return core.WrapError(core.ModuleVector, "open", err)
}

// Upsert 同步写入权威存储，然后更新目录。返回后写入对检索立即可见（作为冷物品），
// 近似图在下一次重建后包含它。
func (x *Index) Upsert(ctx context.Context, id string, vec []float64, meta core.ItemMeta) error {
	if err := core.ValidateVector(core.ModuleVector, vec, x.opts.Dimension); err != nil {
		return err
	}
	err := x.backend.Upsert(ctx, &core.VectorUpsertRequest{
		Collection: x.opts.Collection,
		IDs:        []string{id},
		Vectors:    [][]float64{vec},
		Metadata:   []core.ItemMeta{meta},
	})
	if err != nil {
		return core.WrapError(core.ModuleVector, "upsert", err)
	}
	x.mu.Lock()
	x.put(id, slices.Clone(vec), meta)
	delete(x.pending, id)
	x.mu.Unlock()
	return nil
}

// Stage 更新已知物品的向量（训练路径）。权威存储由 Flush 批量写回。
// 物品未通过 Upsert 入库时返回 false。
func (x *Index) Stage(id string, vec []float64) bool {
	if len(vec) != x.opts.Dimension || !core.IsFinite(vec) {
		return false
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	rec, ok := x.catalog[id]
	if !ok {
		return false
	}
	x.put(id, slices.Clone(vec), rec.meta)
	x.pending[id] = struct{}{}
	return true
}

// SetMeta 更新物品元数据（例如热度刷新），不影响近似图
func (x *Index) SetMeta(id string, meta core.ItemMeta) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	rec, ok := x.catalog[id]
	if !ok {
		return false
	}
	x.catalog[id] = &record{vec: rec.vec, meta: meta, version: rec.version}
	x.pending[id] = struct{}{}
	return true
}

// put 需持有写锁
func (x *Index) put(id string, vec []float64, meta core.ItemMeta) {
	x.seq++
	x.catalog[id] = &record{vec: vec, meta: meta, version: x.seq}
	x.dirty[id] = x.seq
	metrics.IndexDirty.Set(float64(len(x.dirty)))
	if len(x.dirty) >= x.opts.DirtyLimit {
		select {
		case x.trigger <- struct{}{}:
		default:
		}
	}
}

// Delete 从权威存储和目录中删除物品
func (x *Index) Delete(ctx context.Context, id string) error {
	err := x.backend.Delete(ctx, &core.VectorDeleteRequest{Collection: x.opts.Collection, IDs: []string{id}})
	if err != nil {
		return core.WrapError(core.ModuleVector, "delete", err)
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	if _, ok := x.catalog[id]; !ok {
		return nil
	}
	delete(x.catalog, id)
	delete(x.dirty, id)
	delete(x.pending, id)
	x.seq++
	x.lastRemove = x.seq
	return nil
}

// Get 返回物品当前向量与元数据
func (x *Index) Get(id string) ([]float64, core.ItemMeta, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	rec, ok := x.catalog[id]
	if !ok {
		return nil, core.ItemMeta{}, false
	}
	return slices.Clone(rec.vec), rec.meta, true
}

// Len 返回物品数
func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.catalog)
}

func (x *Index) validate(req *SearchRequest) (core.Metric, error) {
	if err := core.ValidateVector(core.ModuleVector, req.Vector, x.opts.Dimension); err != nil {
		return "", err
	}
	if req.TopK <= 0 {
		return "", core.Errorf(core.ModuleVector, core.ErrorCodeInvalidInput, "top_k must be positive, got %d", req.TopK)
	}
	metric := req.Metric
	if metric == "" {
		metric = x.opts.Metric
	}
	if !metric.Valid() {
		return "", core.Errorf(core.ModuleVector, core.ErrorCodeInvalidInput, "unsupported metric %q", metric)
	}
	return metric, nil
}

func timeoutErr(ctx context.Context, stage string) error {
	return &core.DomainError{
		Module:  core.ModuleVector,
		Code:    core.ErrorCodeTimeout,
		Stage:   stage,
		Message: "search deadline exceeded",
		Err:     ctx.Err(),
	}
}

// Search 返回按度量排序（最优在前）的至多 TopK 个结果，所有结果都满足过滤条件与阈值。
//
// 近似路径先取 OverFetch×TopK 个候选，过滤后不足 TopK 时倍增候选池；候选池覆盖整张图仍不足时
// 改走精确扫描，不会静默返回短列表。
func (x *Index) Search(ctx context.Context, req SearchRequest) ([]core.ScoredItem, error) {
	metric, err := x.validate(&req)
	if err != nil {
		return nil, err
	}
	g := x.snap.Load()
	if g == nil || g.size() == 0 || metric != x.opts.Metric {
		metrics.IndexSearches.WithLabelValues(core.SourceExact).Inc()
		return x.scan(req, metric), nil
	}
	metrics.IndexSearches.WithLabelValues(core.SourceANN).Inc()

	k := req.TopK
	fetch := k * x.opts.OverFetch
	for {
		if ctx.Err() != nil {
			return nil, timeoutErr(ctx, "search")
		}
		cands := g.search(req.Vector, fetch, max(x.opts.EfSearch, fetch))
		items := x.collect(g, req, metric, cands)
		if len(items) >= k {
			return items[:k], nil
		}
		if len(cands) < fetch || fetch >= g.size() {
			if len(cands) >= g.size() {
				return items, nil
			}
			// 图不连通或检索宽度不足，退回精确扫描
			metrics.IndexSearches.WithLabelValues(core.SourceExact).Inc()
			return x.scan(req, metric), nil
		}
		if req.Threshold != nil && len(cands) > 0 {
			worst := -cands[len(cands)-1].dist
			if !metric.HigherIsBetter() {
				worst = -worst
			}
			if !metric.Passes(worst, *req.Threshold) {
				// 更大的候选池只会带来更差的分数
				return items, nil
			}
		}
		fetch *= 2
	}
}

// collect 对图候选与冷物品重新精确打分、过滤、排序，并按阈值截断
func (x *Index) collect(g *graph, req SearchRequest, metric core.Metric, cands []candidate) []core.ScoredItem {
	x.mu.RLock()
	items := make([]core.ScoredItem, 0, len(cands)+len(x.dirty))
	for _, c := range cands {
		id := g.ids[c.node]
		rec, ok := x.catalog[id]
		if !ok || rec.version > g.version || !req.keep(id, rec.meta) {
			continue
		}
		items = append(items, core.ScoredItem{
			ItemID:   id,
			Score:    metric.Score(req.Vector, rec.vec),
			Category: rec.meta.Category,
			Source:   core.SourceANN,
		})
	}
	for id, ver := range x.dirty {
		if ver <= g.version {
			continue
		}
		rec := x.catalog[id]
		if rec == nil || !req.keep(id, rec.meta) {
			continue
		}
		items = append(items, core.ScoredItem{
			ItemID:   id,
			Score:    metric.Score(req.Vector, rec.vec),
			Category: rec.meta.Category,
			Source:   core.SourceCold,
		})
	}
	x.mu.RUnlock()
	return finalize(items, metric, req.Threshold, -1)
}

// scan 对目录做暴力精确扫描
func (x *Index) scan(req SearchRequest, metric core.Metric) []core.ScoredItem {
	x.mu.RLock()
	items := make([]core.ScoredItem, 0, min(len(x.catalog), 4*req.TopK))
	for id, rec := range x.catalog {
		if !req.keep(id, rec.meta) {
			continue
		}
		items = append(items, core.ScoredItem{
			ItemID:   id,
			Score:    metric.Score(req.Vector, rec.vec),
			Category: rec.meta.Category,
			Source:   core.SourceExact,
		})
	}
	x.mu.RUnlock()
	return finalize(items, metric, req.Threshold, req.TopK)
}

// finalize 按度量排序，去掉阈值以外的结果，再截断到 limit（limit < 0 表示不截断）
func finalize(items []core.ScoredItem, metric core.Metric, threshold *float64, limit int) []core.ScoredItem {
	slices.SortFunc(items, metric.Compare)
	if threshold != nil {
		cut := len(items)
		for i, it := range items {
			if !metric.Passes(it.Score, *threshold) {
				cut = i
				break
			}
		}
		items = items[:cut]
	}
	if limit >= 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}

// SearchExact 在权威存储上做精确检索，先把暂存的训练更新写回。
// 权威存储不可用时退回目录扫描。
func (x *Index) SearchExact(ctx context.Context, req SearchRequest) ([]core.ScoredItem, error) {
	metric, err := x.validate(&req)
	if err != nil {
		return nil, err
	}
	metrics.IndexSearches.WithLabelValues(core.SourceExact).Inc()
	if metric != x.opts.Metric {
		return x.scan(req, metric), nil
	}
	if err := x.Flush(ctx); err != nil {
		log.Warn().Err(err).Msg("flush before exact search failed, scanning local catalog")
		return x.scan(req, metric), nil
	}

	k := req.TopK
	fetch := k
	if len(req.Exclude) > 0 || (req.Filter != nil && req.Filter.Predicate != nil) {
		fetch = k * x.opts.OverFetch
	}
	for {
		if ctx.Err() != nil {
			return nil, timeoutErr(ctx, "exact")
		}
		res, err := x.backend.Search(ctx, &core.VectorSearchRequest{
			Collection: x.opts.Collection,
			Vector:     req.Vector,
			TopK:       fetch,
			Metric:     metric,
			Filter:     req.Filter,
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil, timeoutErr(ctx, "exact")
			}
			log.Warn().Err(err).Str("backend", x.backend.Name()).Msg("authoritative search failed, scanning local catalog")
			return x.scan(req, metric), nil
		}
		items := make([]core.ScoredItem, 0, len(res.Items))
		for _, it := range res.Items {
			if !req.keep(it.ID, it.Meta) {
				continue
			}
			items = append(items, core.ScoredItem{
				ItemID:   it.ID,
				Score:    it.Score,
				Category: it.Meta.Category,
				Source:   core.SourceExact,
			})
		}
		items = finalize(items, metric, req.Threshold, -1)
		if len(items) >= k {
			return items[:k], nil
		}
		if len(res.Items) < fetch || fetch >= maxBackendTopK {
			return items, nil
		}
		fetch = min(fetch*2, maxBackendTopK)
	}
}

// maxBackendTopK 是向量数据库单次检索的 TopK 上限
const maxBackendTopK = 16384

// Flush 把暂存的向量批量写回权威存储。失败的批次保留在待写队列中。
func (x *Index) Flush(ctx context.Context) error {
	x.mu.Lock()
	if len(x.pending) == 0 {
		x.mu.Unlock()
		return nil
	}
	ids := make([]string, 0, len(x.pending))
	vecs := make([][]float64, 0, len(x.pending))
	metas := make([]core.ItemMeta, 0, len(x.pending))
	for id := range x.pending {
		if rec, ok := x.catalog[id]; ok {
			ids = append(ids, id)
			vecs = append(vecs, rec.vec)
			metas = append(metas, rec.meta)
		}
	}
	clear(x.pending)
	x.mu.Unlock()

	for start := 0; start < len(ids); start += x.opts.FlushBatch {
		end := min(start+x.opts.FlushBatch, len(ids))
		err := x.backend.Upsert(ctx, &core.VectorUpsertRequest{
			Collection: x.opts.Collection,
			IDs:        ids[start:end],
			Vectors:    vecs[start:end],
			Metadata:   metas[start:end],
		})
		if err != nil {
			x.mu.Lock()
			for _, id := range ids[start:] {
				if _, ok := x.catalog[id]; ok {
					x.pending[id] = struct{}{}
				}
			}
			x.mu.Unlock()
			return core.WrapError(core.ModuleVector, "flush", err)
		}
	}
	return nil
}

func (x *Index) needsRebuild(g *graph) bool {
	if g == nil {
		return len(x.catalog) > 0
	}
	return len(x.dirty) > 0 || x.lastRemove > g.version
}

// Rebuild 在锁外整体重建近似图，完成后原子替换，并清理已被新图覆盖的 dirty 记录
func (x *Index) Rebuild(ctx context.Context) error {
	x.buildMu.Lock()
	defer x.buildMu.Unlock()

	x.mu.RLock()
	if !x.needsRebuild(x.snap.Load()) {
		x.mu.RUnlock()
		return nil
	}
	version := x.seq
	ids := make([]string, 0, len(x.catalog))
	for id := range x.catalog {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	vecs := make([][]float64, len(ids))
	for i, id := range ids {
		vecs[i] = x.catalog[id].vec
	}
	x.mu.RUnlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	start := time.Now()
	g := buildGraph(x.opts.Metric, x.opts.Graph, ids, vecs, version)
	x.snap.Store(g)

	x.mu.Lock()
	for id, v := range x.dirty {
		if v <= version {
			delete(x.dirty, id)
		}
	}
	metrics.IndexDirty.Set(float64(len(x.dirty)))
	x.mu.Unlock()

	x.rebuilds.Add(1)
	metrics.IndexRebuilds.Inc()
	metrics.IndexRebuildSeconds.Observe(time.Since(start).Seconds())
	log.Debug().Int("items", len(ids)).Uint64("version", version).Dur("took", time.Since(start)).Msg("approximate index swapped")
	return nil
}

// Run 运行后台重建与写回循环，直到 ctx 结束。
// 每 MaxBuildLag/2 检查一次，dirty 数达到 DirtyLimit 时立即重建。
func (x *Index) Run(ctx context.Context) error {
	ticker := time.NewTicker(x.opts.MaxBuildLag / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-x.trigger:
		}
		if err := x.Flush(ctx); err != nil {
			log.Warn().Err(err).Msg("flush to authoritative vector store failed")
		}
		if err := x.Rebuild(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("approximate index rebuild failed")
		}
	}
}

// Stats 返回索引统计
func (x *Index) Stats() Stats {
	x.mu.RLock()
	defer x.mu.RUnlock()
	st := Stats{
		Items:        len(x.catalog),
		Dirty:        len(x.dirty),
		PendingFlush: len(x.pending),
		Rebuilds:     x.rebuilds.Load(),
	}
	if g := x.snap.Load(); g != nil {
		st.GraphSize = g.size()
		st.GraphVersion = g.version
	}
	return st
}
