package model

import (
	"errors"
	"math"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/rushteam/streamrec/core"
	"github.com/rushteam/streamrec/pkg/metrics"
)

// TrainerOptions 是在线训练的超参
type TrainerOptions struct {
	// Regularization 是 embedding 的 L2 正则系数 λ（偏置不做正则）
	Regularization float64 `yaml:"regularization"`
	// Logistic 为 true 时预测分数经过 sigmoid，适用于隐式反馈
	Logistic bool `yaml:"logistic"`
	// GradClip 为梯度的最大 L2 范数，<= 0 表示不裁剪
	GradClip float64 `yaml:"grad_clip"`
}

// TrainerStats 训练统计
type TrainerStats struct {
	Examples  int64
	Positives int64
	Discarded int64
	Users     int
	Items     int
}

// Trainer 把训练样本转换为梯度并交给 EmbeddingStore。
//
//	score = dot(u, i) + b_u + b_i
//	p     = sigmoid(score)（Logistic）或 score
//	e     = p - y
//	∇u    = w·e·i + λ·u      ∇b_u = w·e
//	∇i    = w·e·u + λ·i      ∇b_i = w·e
type Trainer struct {
	store *EmbeddingStore
	opts  TrainerOptions

	examples  atomic.Int64
	positives atomic.Int64
	discarded atomic.Int64
}

// NewTrainer 创建 Trainer
func NewTrainer(store *EmbeddingStore, opts TrainerOptions) *Trainer {
	return &Trainer{store: store, opts: opts}
}

// Predict 返回 (user, item) 的预测分数，任一 embedding 不存在时返回 NOT_FOUND
func (t *Trainer) Predict(userID, itemID string) (float64, error) {
	u, ok := t.store.Get(core.EntityUser, userID)
	if !ok {
		return 0, core.Errorf(core.ModuleEmbedding, core.ErrorCodeNotFound, "user %s has no embedding", userID)
	}
	i, ok := t.store.Get(core.EntityItem, itemID)
	if !ok {
		return 0, core.Errorf(core.ModuleEmbedding, core.ErrorCodeNotFound, "item %s has no embedding", itemID)
	}
	return t.link(score(u, i)), nil
}

func score(u, i core.Embedding) float64 {
	return core.Dot(u.Vector, i.Vector) + u.Bias + i.Bias
}

func (t *Trainer) link(s float64) float64 {
	if t.opts.Logistic {
		return sigmoid(s)
	}
	return s
}

func sigmoid(x float64) float64 {
	if x >= 0 {
		return 1 / (1 + math.Exp(-x))
	}
	e := math.Exp(x)
	return e / (1 + e)
}

// Train 消费一条训练样本：计算梯度并分别更新用户与物品 embedding。
// 更新产生 NaN/Inf 时该次更新被丢弃并计数，不返回错误，其余更新照常进行。
func (t *Trainer) Train(ex core.TrainingExample) error {
	if err := core.ValidateExample(&ex); err != nil {
		return err
	}
	u := t.store.Ensure(core.EntityUser, ex.UserID)
	i := t.store.Ensure(core.EntityItem, ex.ItemID)

	e := t.link(score(u, i)) - ex.Label
	we := ex.Weight * e
	gu := t.gradient(we, i.Vector, u.Vector)
	gi := t.gradient(we, u.Vector, i.Vector)

	t.examples.Add(1)
	label := "negative"
	if ex.Positive() {
		t.positives.Add(1)
		label = "positive"
	}
	metrics.TrainingExamples.WithLabelValues(label).Inc()

	if err := t.update(core.EntityUser, ex.UserID, gu); err != nil {
		return err
	}
	return t.update(core.EntityItem, ex.ItemID, gi)
}

func (t *Trainer) gradient(we float64, other, self []float64) core.Embedding {
	g := core.Embedding{Vector: make([]float64, len(self)), Bias: we}
	for k := range self {
		g.Vector[k] = we*other[k] + t.opts.Regularization*self[k]
	}
	if t.opts.GradClip > 0 {
		if n := math.Hypot(core.Norm(g.Vector), g.Bias); n > t.opts.GradClip {
			s := t.opts.GradClip / n
			for k := range g.Vector {
				g.Vector[k] *= s
			}
			g.Bias *= s
		}
	}
	return g
}

func (t *Trainer) update(kind core.EntityKind, id string, g core.Embedding) error {
	_, err := t.store.Update(kind, id, g)
	if errors.Is(err, ErrNonFinite) {
		t.discarded.Add(1)
		log.Warn().Str("kind", kind.String()).Str("id", id).Msg("discarded non-finite update")
		return nil
	}
	return err
}

// Stats 返回训练统计
func (t *Trainer) Stats() TrainerStats {
	return TrainerStats{
		Examples:  t.examples.Load(),
		Positives: t.positives.Load(),
		Discarded: t.discarded.Load(),
		Users:     t.store.Len(core.EntityUser),
		Items:     t.store.Len(core.EntityItem),
	}
}
