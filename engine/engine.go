// Package engine 编排画像、向量索引、缓存层级与 EmbeddingStore，对外提供推荐、
// 相似物品查询以及物品/行为/训练样本的接入。
package engine

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/rushteam/streamrec/cache"
	"github.com/rushteam/streamrec/core"
	"github.com/rushteam/streamrec/feature"
	"github.com/rushteam/streamrec/model"
	"github.com/rushteam/streamrec/pkg/dsl"
	"github.com/rushteam/streamrec/profile"
	"github.com/rushteam/streamrec/stream"
	"github.com/rushteam/streamrec/vector"
)

// Options 是引擎配置
type Options struct {
	// DefaultTopK 是请求未指定数量时返回的条数
	DefaultTopK int `yaml:"top_k"`
	// SimilarityThreshold 是相似度截断：余弦/内积为下限，欧氏距离为上限；0 表示不截断
	SimilarityThreshold float64 `yaml:"similarity_threshold"`
	// ProfileBlend 是查询向量中画像向量的权重，其余权重给用户 embedding
	ProfileBlend float64 `yaml:"profile_blend"`
	// RequestTimeout 是调用方未设置 deadline 时的默认超时
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	InvalidateTimeout time.Duration `yaml:"invalidate_timeout"`
	// PreloadUsers 是每轮预热的最近活跃用户数
	PreloadUsers int           `yaml:"preload_users"`
	PreloadEvery time.Duration `yaml:"preload_every"`
	Topics       stream.Topics `yaml:"topics"`
}

func (o *Options) withDefaults() {
	if o.DefaultTopK <= 0 {
		o.DefaultTopK = 50
	}
	if o.ProfileBlend < 0 || o.ProfileBlend > 1 {
		o.ProfileBlend = 0.5
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 200 * time.Millisecond
	}
	if o.InvalidateTimeout <= 0 {
		o.InvalidateTimeout = time.Second
	}
	if o.PreloadUsers <= 0 {
		o.PreloadUsers = 100
	}
	if o.PreloadEvery <= 0 {
		o.PreloadEvery = 30 * time.Second
	}
	if o.Topics == (stream.Topics{}) {
		o.Topics = stream.DefaultTopics()
	}
}

// Components 是引擎依赖的组件。Audit 与 Producer 可以为空
type Components struct {
	Features   *feature.Store
	Embeddings *model.EmbeddingStore
	Trainer    *model.Trainer
	Sampler    *model.NegativeSampler
	Index      *vector.Index
	Profiles   *profile.Manager
	Cache      *cache.Hierarchy
	Audit      core.AuditStore
	// Producer 用于 SubmitAction/SubmitItem 写入流
	Producer core.Producer
}

func (c Components) validate() error {
	switch {
	case c.Features == nil:
		return errors.New("engine: feature store is required")
	case c.Embeddings == nil:
		return errors.New("engine: embedding store is required")
	case c.Trainer == nil:
		return errors.New("engine: trainer is required")
	case c.Sampler == nil:
		return errors.New("engine: negative sampler is required")
	case c.Index == nil:
		return errors.New("engine: vector index is required")
	case c.Profiles == nil:
		return errors.New("engine: profile manager is required")
	case c.Cache == nil:
		return errors.New("engine: cache hierarchy is required")
	}
	return nil
}

// Engine 是在线推荐引擎
type Engine struct {
	Components
	opts    Options
	filters *dsl.Compiler
	now     func() time.Time
}

// New 创建引擎，并订阅物品 embedding 的变化：变化先写入索引，再同步失效依赖该物品的缓存
func New(c Components, opts Options) (*Engine, error) {
	if err := c.validate(); err != nil {
		return nil, err
	}
	opts.withDefaults()
	e := &Engine{
		Components: c,
		opts:       opts,
		filters:    dsl.NewCompiler(0),
		now:        time.Now,
	}
	c.Embeddings.OnChange(e.onEmbeddingChange)
	return e, nil
}

// onEmbeddingChange 同步索引并失效受影响的缓存：用户向量变化失效该用户的结果，
// 物品向量变化失效该物品、其类目与全量目录的结果
func (e *Engine) onEmbeddingChange(kind core.EntityKind, id string, emb core.Embedding, version uint64) {
	var tags []string
	switch kind {
	case core.EntityUser:
		tags = []string{core.UserTag(id)}
	case core.EntityItem:
		e.Index.Stage(id, emb.Vector)
		meta, _ := e.Features.Meta(id)
		tags = core.ItemChangeTags(id, meta.Category)
	default:
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), e.opts.InvalidateTimeout)
	defer cancel()
	if err := e.Cache.InvalidateTag(ctx, tags...); err != nil {
		log.Warn().Err(err).
			Stringer("kind", kind).
			Str("id", id).
			Uint64("version", version).
			Msg("embedding cache invalidation failed")
	}
}

// Stats 是引擎统计
type Stats struct {
	Items             int
	Trainer           model.TrainerStats
	Index             vector.Stats
	Cache             cache.Stats
	ProfileRecomputes int64
}

// Stats 返回各组件统计
func (e *Engine) Stats() Stats {
	return Stats{
		Items:             e.Features.Len(),
		Trainer:           e.Trainer.Stats(),
		Index:             e.Index.Stats(),
		Cache:             e.Cache.Stats(),
		ProfileRecomputes: e.Profiles.Recomputes(),
	}
}

// Run 运行后台任务（索引重建与写回、画像重算、缓存预热），直到 ctx 结束
func (e *Engine) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.Index.Run(gctx) })
	g.Go(func() error { return e.Profiles.Run(gctx) })
	g.Go(func() error {
		ticker := time.NewTicker(e.opts.PreloadEvery)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case <-ticker.C:
			}
			e.Cache.Sweep()
			if n := e.Preload(gctx); n > 0 {
				log.Debug().Int("users", n).Msg("preloading profiles")
			}
		}
	})
	err := g.Wait()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// Preload 把最近活跃用户的画像异步预热进缓存，返回发起的预热数
func (e *Engine) Preload(ctx context.Context) int {
	n := 0
	for _, uid := range e.Profiles.RecentlyActive(e.opts.PreloadUsers) {
		if e.Cache.Preload(ctx, core.ProfileKey(uid), e.profileLoader(uid)) {
			n++
		}
	}
	return n
}

// ItemSource 把物品特征与当前物品 embedding 组合为画像折叠所需的数据源
func ItemSource(features *feature.Store, embeddings *model.EmbeddingStore) profile.ItemSource {
	return itemSource{features: features, embeddings: embeddings}
}

type itemSource struct {
	features   *feature.Store
	embeddings *model.EmbeddingStore
}

func (s itemSource) ItemProfile(itemID string) ([]float64, string, bool) {
	meta, ok := s.features.Meta(itemID)
	if !ok {
		return nil, "", false
	}
	emb, ok := s.embeddings.Get(core.EntityItem, itemID)
	if !ok {
		return nil, "", false
	}
	return emb.Vector, meta.Category, true
}
