package stream

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/rushteam/streamrec/core"
)

// ItemSink 接收物品特征（入库、写 embedding、更新索引）
type ItemSink interface {
	IngestItem(ctx context.Context, f *core.ItemFeature) error
}

// ActionSink 接收原始行为（画像、审计）
type ActionSink interface {
	ObserveAction(ctx context.Context, a core.UserAction) error
}

// ExampleSink 消费训练样本
type ExampleSink interface {
	Train(ex core.TrainingExample) error
}

// Subscriptions 是三条逻辑流各自的订阅
type Subscriptions struct {
	Actions  core.Subscriber
	Features core.Subscriber
	Examples core.Subscriber
}

// RunnerOptions 是流水线配置
type RunnerOptions struct {
	Topics      Topics
	Actions     ConsumerOptions
	Features    ConsumerOptions
	Examples    ConsumerOptions
	ExpireEvery time.Duration
	// Dedupe 过滤重复投递的行为，避免画像与训练样本被重复计数
	Dedupe      DedupeOptions
}

// Runner 把三条逻辑流串起来：
//
//	item-features     → ItemSink → Builder.ItemArrived ┐
//	user-actions      → ActionSink → Builder.Join ─────┴→ training-examples
//	training-examples → ExampleSink（在线训练）
type Runner struct {
	opts     RunnerOptions
	subs     Subscriptions
	producer core.Producer
	builder  *Builder
	items    ItemSink
	actions  ActionSink
	trainer  ExampleSink
	dedupe   *Deduper

	consumers []*Consumer
}

// NewRunner 创建流水线。actions 可以为空
func NewRunner(subs Subscriptions, producer core.Producer, builder *Builder, items ItemSink, actions ActionSink, trainer ExampleSink, opts RunnerOptions) *Runner {
	if opts.Topics == (Topics{}) {
		opts.Topics = DefaultTopics()
	}
	if opts.ExpireEvery <= 0 {
		opts.ExpireEvery = time.Second
	}
	opts.Actions.Name = opts.Topics.Actions
	opts.Features.Name = opts.Topics.Features
	opts.Examples.Name = opts.Topics.Examples
	opts.Actions.withDefaults()
	opts.Features.withDefaults()
	opts.Examples.withDefaults()

	r := &Runner{
		opts:     opts,
		subs:     subs,
		producer: producer,
		builder:  builder,
		items:    items,
		actions:  actions,
		trainer:  trainer,
		dedupe:   NewDeduper(opts.Dedupe),
	}
	r.consumers = []*Consumer{
		NewConsumer(subs.Features, r.handleFeature, opts.Features),
		NewConsumer(subs.Actions, r.handleAction, opts.Actions),
		NewConsumer(subs.Examples, r.handleExample, opts.Examples),
	}
	return r
}

// Run 启动三个消费者与 join 过期清理，直到 ctx 结束
func (r *Runner) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, c := range r.consumers {
		g.Go(func() error { return c.Run(gctx) })
	}
	g.Go(func() error {
		ticker := time.NewTicker(r.opts.ExpireEvery)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case <-ticker.C:
				if n := r.builder.Expire(); n > 0 {
					log.Debug().Int("actions", n).Msg("expired pending joins")
				}
			}
		}
	})
	return g.Wait()
}

// Stats 返回各消费者统计，顺序为 features / actions / examples
func (r *Runner) Stats() []ConsumerStats {
	out := make([]ConsumerStats, len(r.consumers))
	for i, c := range r.consumers {
		out[i] = c.Stats()
	}
	return out
}

func (r *Runner) handleFeature(ctx context.Context, rec *core.Record) error {
	f, err := Decode[core.ItemFeature](rec)
	if err != nil {
		return err
	}
	if err := r.items.IngestItem(ctx, &f); err != nil {
		return err
	}
	// ItemArrived 释放的样本不可重放，发布失败时在这里重试
	examples := r.builder.ItemArrived(f.ItemID)
	var perr error
	for attempt := 1; attempt <= publishAttempts; attempt++ {
		if perr = r.publish(ctx, examples); perr == nil {
			return nil
		}
		if !sleep(ctx, r.opts.Features.RetryBackoff*time.Duration(attempt)) {
			break
		}
	}
	log.Error().Err(perr).Str("item_id", f.ItemID).Int("examples", len(examples)).Msg("lost joined examples")
	return nil
}

const publishAttempts = 5

func (r *Runner) handleAction(ctx context.Context, rec *core.Record) error {
	a, err := Decode[core.UserAction](rec)
	if err != nil {
		return err
	}
	key := actionKey(a)
	if r.dedupe.Seen(key) {
		log.Debug().Str("user_id", a.UserID).Str("item_id", a.ItemID).Msg("skip duplicate action")
		return nil
	}
	examples, err := r.builder.Join(a)
	if err != nil {
		return err
	}
	if err := r.publish(ctx, examples); err != nil {
		return err
	}
	// 样本发布成功后再更新画像，发布失败重试时行为不会被重复计入
	if r.actions != nil {
		if err := r.actions.ObserveAction(ctx, a); err != nil {
			return err
		}
	}
	r.dedupe.Mark(key)
	return nil
}

func (r *Runner) handleExample(ctx context.Context, rec *core.Record) error {
	ex, err := Decode[core.TrainingExample](rec)
	if err != nil {
		return err
	}
	return r.trainer.Train(ex)
}

func (r *Runner) publish(ctx context.Context, examples []core.TrainingExample) error {
	if len(examples) == 0 {
		return nil
	}
	recs := make([]*core.Record, 0, len(examples))
	for _, ex := range examples {
		rec, err := ExampleRecord(r.opts.Topics.Examples, ex)
		if err != nil {
			return err
		}
		recs = append(recs, rec)
	}
	return r.producer.Produce(ctx, recs...)
}
