package stream

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rushteam/streamrec/core"
	"github.com/rushteam/streamrec/pkg/metrics"
)

// FeatureLookup 判断物品特征是否已入库
type FeatureLookup interface {
	Has(itemID string) bool
}

// Sampler 为正样本抽取负样本物品
type Sampler interface {
	Sample(user, positive string, k int) []string
}

// join miss 原因
const (
	MissExpired  = "expired"
	MissOverflow = "overflow"
)

// BuilderOptions 是训练样本构建配置
type BuilderOptions struct {
	// Capacity 是等待物品特征的行为缓冲上限
	Capacity int `yaml:"pending_capacity"`
	// RetryWindow 是行为等待物品特征的最长时间
	RetryWindow time.Duration `yaml:"retry_window"`
	// NegativeRatio 是每个正样本对应的负样本数
	NegativeRatio int `yaml:"negative_ratio"`
	// NegativeWeight 是负样本权重
	NegativeWeight float64 `yaml:"negative_weight"`
}

func (o *BuilderOptions) withDefaults() {
	if o.Capacity <= 0 {
		o.Capacity = 10000
	}
	if o.RetryWindow <= 0 {
		o.RetryWindow = 5 * time.Minute
	}
	if o.NegativeRatio < 0 {
		o.NegativeRatio = 0
	}
	if o.NegativeWeight <= 0 {
		o.NegativeWeight = 1
	}
}

// BuilderStats 样本构建统计
type BuilderStats struct {
	Joined       int64
	Positives    int64
	Negatives    int64
	MissExpired  int64
	MissOverflow int64
	Pending      int
}

type pendingSlot struct {
	action   core.UserAction
	deadline time.Time
	gen      uint64
	live     bool
}

type slotRef struct {
	idx int
	gen uint64
}

// Builder 把行为与物品特征关联为训练样本。
//
// 物品特征尚未到达的行为进入固定容量的等待区（按槽位编号寻址，按物品 id 索引），
// 在 RetryWindow 内等待特征到达；超时或等待区溢出（淘汰最早的行为）时计为 join miss。
// 每条关联成功的行为产生一个正样本和 NegativeRatio 个负样本。
type Builder struct {
	opts    BuilderOptions
	items   FeatureLookup
	sampler Sampler
	now     func() time.Time

	mu      sync.Mutex
	slots   []pendingSlot
	free    []int
	byItem  map[string][]slotRef
	fifo    []slotRef
	nextGen uint64
	live    int
	stats   BuilderStats
}

// NewBuilder 创建样本构建器，sampler 为空时不产生负样本
func NewBuilder(items FeatureLookup, sampler Sampler, opts BuilderOptions) *Builder {
	opts.withDefaults()
	b := &Builder{
		opts:    opts,
		items:   items,
		sampler: sampler,
		now:     time.Now,
		slots:   make([]pendingSlot, opts.Capacity),
		free:    make([]int, 0, opts.Capacity),
		byItem:  make(map[string][]slotRef),
	}
	for i := opts.Capacity - 1; i >= 0; i-- {
		b.free = append(b.free, i)
	}
	return b
}

// Join 处理一条行为：物品特征已存在时立即返回样本，否则进入等待区并返回空
func (b *Builder) Join(a core.UserAction) ([]core.TrainingExample, error) {
	if err := core.ValidateAction(&a, b.now()); err != nil {
		return nil, err
	}
	b.mu.Lock()
	if b.items.Has(a.ItemID) {
		b.stats.Joined++
		b.mu.Unlock()
		return b.examples(a), nil
	}
	b.hold(a)
	b.mu.Unlock()
	return nil, nil
}

// hold 需持有 b.mu
func (b *Builder) hold(a core.UserAction) {
	if len(b.free) == 0 {
		b.evictOldest()
	}
	if len(b.fifo) > 2*b.opts.Capacity {
		b.compact()
	}
	idx := b.free[len(b.free)-1]
	b.free = b.free[:len(b.free)-1]
	b.nextGen++
	b.slots[idx] = pendingSlot{action: a, deadline: b.now().Add(b.opts.RetryWindow), gen: b.nextGen, live: true}
	ref := slotRef{idx: idx, gen: b.nextGen}
	b.byItem[a.ItemID] = append(b.byItem[a.ItemID], ref)
	b.fifo = append(b.fifo, ref)
	b.live++
	metrics.PendingJoins.Set(float64(b.live))
}

func (b *Builder) valid(ref slotRef) bool {
	s := &b.slots[ref.idx]
	return s.live && s.gen == ref.gen
}

// release 释放槽位，需持有 b.mu
func (b *Builder) release(ref slotRef) core.UserAction {
	s := &b.slots[ref.idx]
	a := s.action
	*s = pendingSlot{}
	b.free = append(b.free, ref.idx)
	b.live--
	metrics.PendingJoins.Set(float64(b.live))
	return a
}

// unindex 从物品索引中删除槽位引用，需持有 b.mu
func (b *Builder) unindex(itemID string, ref slotRef) {
	refs := b.byItem[itemID]
	for i, r := range refs {
		if r == ref {
			refs = append(refs[:i], refs[i+1:]...)
			break
		}
	}
	if len(refs) == 0 {
		delete(b.byItem, itemID)
		return
	}
	b.byItem[itemID] = refs
}

func (b *Builder) evictOldest() {
	for len(b.fifo) > 0 {
		ref := b.fifo[0]
		b.fifo = b.fifo[1:]
		if !b.valid(ref) {
			continue
		}
		a := b.release(ref)
		b.unindex(a.ItemID, ref)
		b.miss(MissOverflow, a)
		return
	}
}

// compact 丢弃 fifo 中已释放的引用
func (b *Builder) compact() {
	live := make([]slotRef, 0, b.live)
	for _, ref := range b.fifo {
		if b.valid(ref) {
			live = append(live, ref)
		}
	}
	b.fifo = live
}

// miss 需持有 b.mu
func (b *Builder) miss(reason string, a core.UserAction) {
	switch reason {
	case MissExpired:
		b.stats.MissExpired++
	case MissOverflow:
		b.stats.MissOverflow++
	}
	metrics.JoinMisses.WithLabelValues(reason).Inc()
	log.Warn().Str("user_id", a.UserID).Str("item_id", a.ItemID).Str("reason", reason).Msg("join miss")
}

// ItemArrived 在物品特征入库后调用，返回因该物品而完成关联的样本
func (b *Builder) ItemArrived(itemID string) []core.TrainingExample {
	b.mu.Lock()
	refs := b.byItem[itemID]
	delete(b.byItem, itemID)
	var ready []core.UserAction
	for _, ref := range refs {
		if b.valid(ref) {
			ready = append(ready, b.release(ref))
		}
	}
	b.stats.Joined += int64(len(ready))
	b.mu.Unlock()

	var out []core.TrainingExample
	for _, a := range ready {
		out = append(out, b.examples(a)...)
	}
	return out
}

// Expire 丢弃等待超过 RetryWindow 的行为并计为 join miss，返回丢弃条数
func (b *Builder) Expire() int {
	now := b.now()
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for len(b.fifo) > 0 {
		ref := b.fifo[0]
		if !b.valid(ref) {
			b.fifo = b.fifo[1:]
			continue
		}
		if now.Before(b.slots[ref.idx].deadline) {
			break
		}
		b.fifo = b.fifo[1:]
		a := b.release(ref)
		b.unindex(a.ItemID, ref)
		b.miss(MissExpired, a)
		n++
	}
	if len(b.fifo) == 0 {
		b.fifo = nil
	}
	return n
}

func (b *Builder) examples(a core.UserAction) []core.TrainingExample {
	out := []core.TrainingExample{{
		UserID:    a.UserID,
		ItemID:    a.ItemID,
		Label:     1,
		Weight:    a.Action.Weight(),
		Timestamp: a.Timestamp,
	}}
	var negatives []string
	if b.sampler != nil && b.opts.NegativeRatio > 0 {
		negatives = b.sampler.Sample(a.UserID, a.ItemID, b.opts.NegativeRatio)
	}
	for _, id := range negatives {
		out = append(out, core.TrainingExample{
			UserID:    a.UserID,
			ItemID:    id,
			Label:     0,
			Weight:    b.opts.NegativeWeight,
			Timestamp: a.Timestamp,
		})
	}
	b.mu.Lock()
	b.stats.Positives++
	b.stats.Negatives += int64(len(negatives))
	b.mu.Unlock()
	return out
}

// Stats 返回构建统计
func (b *Builder) Stats() BuilderStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.stats
	s.Pending = b.live
	return s
}
