package engine

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/rushteam/streamrec/core"
	"github.com/rushteam/streamrec/stream"
)

// IngestItem 入库一条物品特征。
//
// 新物品：写 EmbeddingStore → 同步写权威向量存储并进入索引目录（立即作为冷物品可检索）
// → 写特征库（此后行为可以关联）→ 加入负采样候选 → 失效依赖该物品、其类目与全量目录的缓存。
// 已存在的物品只刷新热度。
func (e *Engine) IngestItem(ctx context.Context, f *core.ItemFeature) error {
	if err := core.ValidateItem(f, e.Embeddings.Dimension()); err != nil {
		return err
	}
	if e.Features.Has(f.ItemID) {
		return e.refreshPopularity(ctx, f.ItemID, f.Popularity)
	}

	if err := e.Embeddings.UpsertItem(f.ItemID, core.Embedding{Vector: f.Embedding}); err != nil {
		return err
	}
	if err := e.Index.Upsert(ctx, f.ItemID, f.Embedding, f.Meta()); err != nil {
		return err
	}
	created, err := e.Features.Put(f)
	if err != nil {
		return err
	}
	if !created {
		return e.refreshPopularity(ctx, f.ItemID, f.Popularity)
	}
	e.Sampler.Set(f.ItemID, f.Popularity)
	return e.Cache.InvalidateTag(ctx, core.ItemChangeTags(f.ItemID, f.Category)...)
}

func (e *Engine) refreshPopularity(ctx context.Context, itemID string, popularity float64) error {
	updated, err := e.Features.UpdatePopularity(itemID, popularity)
	if err != nil {
		return err
	}
	e.Index.SetMeta(itemID, updated.Meta())
	e.Sampler.Set(itemID, popularity)
	return e.Cache.InvalidateTag(ctx, core.ItemChangeTags(itemID, updated.Category)...)
}

// ObserveAction 把行为折叠进画像缓冲并写审计。审计失败不影响返回
func (e *Engine) ObserveAction(ctx context.Context, a core.UserAction) error {
	if err := core.ValidateAction(&a, e.now()); err != nil {
		return err
	}
	if err := e.Profiles.Touch(a); err != nil {
		return err
	}
	if e.Audit != nil {
		if err := e.Audit.RecordAction(ctx, a); err != nil {
			log.Debug().Err(err).Str("user_id", a.UserID).Msg("action audit skipped")
		}
	}
	return nil
}

// Train 消费一条训练样本
func (e *Engine) Train(ex core.TrainingExample) error {
	return e.Trainer.Train(ex)
}

// SubmitAction 校验后把行为写入行为流
func (e *Engine) SubmitAction(ctx context.Context, a core.UserAction) error {
	if err := core.ValidateAction(&a, e.now()); err != nil {
		return err
	}
	rec, err := stream.ActionRecord(e.opts.Topics.Actions, a)
	if err != nil {
		return err
	}
	return e.publish(ctx, rec)
}

// SubmitItem 校验后把物品特征写入特征流
func (e *Engine) SubmitItem(ctx context.Context, f *core.ItemFeature) error {
	if err := core.ValidateItem(f, e.Embeddings.Dimension()); err != nil {
		return err
	}
	rec, err := stream.ItemRecord(e.opts.Topics.Features, f)
	if err != nil {
		return err
	}
	return e.publish(ctx, rec)
}

func (e *Engine) publish(ctx context.Context, rec *core.Record) error {
	if e.Producer == nil {
		return core.NewDomainError(core.ModuleEngine, core.ErrorCodeUnavailable, "no stream producer configured")
	}
	if err := e.Producer.Produce(ctx, rec); err != nil {
		return core.WrapError(core.ModuleEngine, "publish", err)
	}
	return nil
}
