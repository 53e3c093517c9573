package model

import (
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog/log"

	"github.com/rushteam/streamrec/core"
	"github.com/rushteam/streamrec/pkg/metrics"
)

// ErrNonFinite 表示一次更新产生了 NaN/Inf，更新已被丢弃，旧向量保留。
var ErrNonFinite = core.NewDomainError(core.ModuleEmbedding, core.ErrorCodeInternalError, "update produced non-finite values")

// ChangeFunc 在某个 key 的 embedding 被写入后调用。
// 调用发生在该 key 的写锁内，同一 key 的通知顺序与写入顺序一致；实现应尽快返回。
type ChangeFunc func(kind core.EntityKind, id string, emb core.Embedding, version uint64)

// StoreOptions 是 EmbeddingStore 的配置
type StoreOptions struct {
	Dimension   int
	Shards      int
	Optimizer   Optimizer
	Initializer *Initializer
}

// EmbeddingStore 保存用户/物品隐向量与偏置，并执行在线梯度更新。
//
// 并发模型：
//   - 表按 key 哈希分片，分片锁只保护 key -> slot 的映射
//   - 每个 slot 有独立的写锁，同一 key 的更新串行执行（优化器状态一致），不同 key 互不阻塞
//   - 读取通过原子指针拿到不可变快照，不会读到写了一半的向量
type EmbeddingStore struct {
	dim    int
	opt    Optimizer
	init   *Initializer
	shards []*embShard

	lmu       sync.RWMutex
	listeners []ChangeFunc
}

type embKey struct {
	kind core.EntityKind
	id   string
}

type embShard struct {
	mu    sync.RWMutex
	slots map[embKey]*slot
}

type slot struct {
	mu      sync.Mutex
	snap    atomic.Pointer[snapshot]
	state   OptimizerState
	removed bool
}

// snapshot 是不可变的参数快照：前 dim 个分量为向量，最后一个分量为偏置
type snapshot struct {
	params  []float64
	version uint64
}

func (s *snapshot) embedding(dim int) core.Embedding {
	return core.Embedding{Vector: slices.Clone(s.params[:dim]), Bias: s.params[dim]}
}

// NewEmbeddingStore 创建 EmbeddingStore
func NewEmbeddingStore(opts StoreOptions) (*EmbeddingStore, error) {
	if opts.Dimension <= 0 {
		return nil, fmt.Errorf("dimension must be positive, got %d", opts.Dimension)
	}
	if err := opts.Optimizer.Validate(); err != nil {
		return nil, err
	}
	if opts.Shards <= 0 {
		opts.Shards = 64
	}
	if opts.Initializer == nil {
		init, err := NewInitializer(InitUniform, opts.Dimension, 0.01, 1, 0)
		if err != nil {
			return nil, err
		}
		opts.Initializer = init
	}
	s := &EmbeddingStore{
		dim:    opts.Dimension,
		opt:    opts.Optimizer,
		init:   opts.Initializer,
		shards: make([]*embShard, opts.Shards),
	}
	for i := range s.shards {
		s.shards[i] = &embShard{slots: make(map[embKey]*slot)}
	}
	return s, nil
}

// Dimension 返回向量维度
func (s *EmbeddingStore) Dimension() int { return s.dim }

// OnChange 注册写入通知
func (s *EmbeddingStore) OnChange(fn ChangeFunc) {
	s.lmu.Lock()
	defer s.lmu.Unlock()
	s.listeners = append(s.listeners, fn)
}

func (s *EmbeddingStore) notify(k embKey, snap *snapshot) {
	s.lmu.RLock()
	listeners := s.listeners
	s.lmu.RUnlock()
	if len(listeners) == 0 {
		return
	}
	emb := snap.embedding(s.dim)
	for _, fn := range listeners {
		fn(k.kind, k.id, emb, snap.version)
	}
}

func (s *EmbeddingStore) shard(k embKey) *embShard {
	h := xxhash.New()
	_, _ = h.Write([]byte{byte(k.kind)})
	_, _ = h.WriteString(k.id)
	return s.shards[h.Sum64()%uint64(len(s.shards))]
}

func (s *EmbeddingStore) lookup(k embKey) *slot {
	sh := s.shard(k)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	return sh.slots[k]
}

// Get 返回 embedding 的一致快照
func (s *EmbeddingStore) Get(kind core.EntityKind, id string) (core.Embedding, bool) {
	sl := s.lookup(embKey{kind, id})
	if sl == nil {
		return core.Embedding{}, false
	}
	snap := sl.snap.Load()
	if snap == nil {
		return core.Embedding{}, false
	}
	return snap.embedding(s.dim), true
}

// Version 返回 key 当前快照的版本号，不存在时返回 0
func (s *EmbeddingStore) Version(kind core.EntityKind, id string) uint64 {
	sl := s.lookup(embKey{kind, id})
	if sl == nil {
		return 0
	}
	if snap := sl.snap.Load(); snap != nil {
		return snap.version
	}
	return 0
}

// Len 返回某类实体的 embedding 数量
func (s *EmbeddingStore) Len(kind core.EntityKind) int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		for k := range sh.slots {
			if k.kind == kind {
				n++
			}
		}
		sh.mu.RUnlock()
	}
	return n
}

// Ensure 返回已有 embedding，不存在时按初始化方案创建
func (s *EmbeddingStore) Ensure(kind core.EntityKind, id string) core.Embedding {
	k := embKey{kind, id}
	if sl := s.lookup(k); sl != nil {
		if snap := sl.snap.Load(); snap != nil {
			return snap.embedding(s.dim)
		}
	}
	sl, snap := s.ensureSlot(k)
	if snap == nil {
		snap = sl.snap.Load()
	}
	return snap.embedding(s.dim)
}

// ensureSlot 返回 key 的 slot；如果由本次调用新建，同时返回初始快照
func (s *EmbeddingStore) ensureSlot(k embKey) (*slot, *snapshot) {
	sh := s.shard(k)
	sh.mu.Lock()
	if sl, ok := sh.slots[k]; ok {
		sh.mu.Unlock()
		return sl, nil
	}
	emb := s.init.Init(k.kind, k.id)
	sl := &slot{}
	snap := &snapshot{params: append(emb.Vector, emb.Bias), version: 1}
	sl.snap.Store(snap)
	// 先持有 slot 锁再发布，其他协程的更新只能排在 v1 通知之后
	sl.mu.Lock()
	sh.slots[k] = sl
	sh.mu.Unlock()

	s.notify(k, snap)
	sl.mu.Unlock()
	return sl, snap
}

// Update 用梯度执行一步优化器更新并返回新向量。
//
//   - 梯度维度不符返回 INVALID_INPUT，不修改任何状态
//   - 梯度全为 0 时不做任何修改（包括优化器状态），直接返回当前向量
//   - 结果出现 NaN/Inf 时丢弃本次更新，保留旧向量与旧状态，返回 ErrNonFinite
//
// key 不存在时先按初始化方案创建。
func (s *EmbeddingStore) Update(kind core.EntityKind, id string, grad core.Embedding) (core.Embedding, error) {
	if len(grad.Vector) != s.dim {
		return core.Embedding{}, core.Errorf(core.ModuleEmbedding, core.ErrorCodeInvalidInput,
			"gradient dimension %d does not match %d", len(grad.Vector), s.dim)
	}
	k := embKey{kind, id}
	for {
		sl := s.lookup(k)
		if sl == nil {
			sl, _ = s.ensureSlot(k)
		}
		emb, retry, err := s.apply(k, sl, grad)
		if !retry {
			return emb, err
		}
	}
}

func (s *EmbeddingStore) apply(k embKey, sl *slot, grad core.Embedding) (core.Embedding, bool, error) {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if sl.removed {
		return core.Embedding{}, true, nil
	}
	cur := sl.snap.Load()
	if grad.IsZero() {
		metrics.EmbeddingUpdates.WithLabelValues(k.kind.String(), "noop").Inc()
		return cur.embedding(s.dim), false, nil
	}

	g := make([]float64, 0, s.dim+1)
	g = append(g, grad.Vector...)
	g = append(g, grad.Bias)
	next, st := s.opt.Apply(cur.params, g, sl.state)
	if !core.IsFinite(next) {
		metrics.EmbeddingUpdates.WithLabelValues(k.kind.String(), "discarded").Inc()
		log.Warn().Str("kind", k.kind.String()).Str("id", k.id).
			Msg("embedding update produced non-finite values, keeping previous vector")
		return cur.embedding(s.dim), false, ErrNonFinite
	}
	snap := &snapshot{params: next, version: cur.version + 1}
	sl.state = st
	sl.snap.Store(snap)
	metrics.EmbeddingUpdates.WithLabelValues(k.kind.String(), "applied").Inc()
	s.notify(k, snap)
	return snap.embedding(s.dim), false, nil
}

// UpsertItem 写入外部提供的物品向量（冷启动），重置该物品的优化器状态
func (s *EmbeddingStore) UpsertItem(id string, emb core.Embedding) error {
	return s.put(embKey{core.EntityItem, id}, emb)
}

// UpsertUser 写入外部导入的用户向量（例如离线模型产出）
func (s *EmbeddingStore) UpsertUser(id string, emb core.Embedding) error {
	return s.put(embKey{core.EntityUser, id}, emb)
}

func (s *EmbeddingStore) put(k embKey, emb core.Embedding) error {
	if err := core.ValidateVector(core.ModuleEmbedding, emb.Vector, s.dim); err != nil {
		return err
	}
	if !emb.Finite() {
		return core.Errorf(core.ModuleEmbedding, core.ErrorCodeInvalidInput, "bias is not finite")
	}
	params := make([]float64, 0, s.dim+1)
	params = append(params, emb.Vector...)
	params = append(params, emb.Bias)

	for {
		sl := s.lookup(k)
		if sl == nil {
			sl, _ = s.ensureSlot(k)
		}
		sl.mu.Lock()
		if sl.removed {
			sl.mu.Unlock()
			continue
		}
		var version uint64 = 1
		if cur := sl.snap.Load(); cur != nil {
			version = cur.version + 1
		}
		snap := &snapshot{params: params, version: version}
		sl.state = OptimizerState{}
		sl.snap.Store(snap)
		s.notify(k, snap)
		sl.mu.Unlock()
		return nil
	}
}

// Remove 删除 embedding 及其优化器状态
func (s *EmbeddingStore) Remove(kind core.EntityKind, id string) bool {
	k := embKey{kind, id}
	sh := s.shard(k)
	sh.mu.Lock()
	sl, ok := sh.slots[k]
	if ok {
		delete(sh.slots, k)
	}
	sh.mu.Unlock()
	if !ok {
		return false
	}
	sl.mu.Lock()
	sl.removed = true
	sl.state = OptimizerState{}
	sl.mu.Unlock()
	return true
}

// optimizerState 返回 key 的优化器状态副本（测试用）
func (s *EmbeddingStore) optimizerState(kind core.EntityKind, id string) (OptimizerState, bool) {
	sl := s.lookup(embKey{kind, id})
	if sl == nil {
		return OptimizerState{}, false
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()
	return sl.state.clone(), true
}
