// Package cache 实现三级读穿缓存：进程内 LRU → 分布式缓存 → 权威数据源。
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/rushteam/streamrec/core"
	"github.com/rushteam/streamrec/pkg/metrics"
)

const (
	tierL1 = "l1"
	tierL2 = "l2"
	tierL3 = "l3"
)

// Options 是缓存层级配置
type Options struct {
	L1Capacity int           `yaml:"l1_capacity"`
	L1TTL      time.Duration `yaml:"l1_ttl"`
	L2TTL      time.Duration `yaml:"l2_ttl"`
	// L2Timeout 是单次二级缓存调用的超时，超时按未命中处理
	L2Timeout time.Duration `yaml:"l2_timeout"`
	// FillTimeout 限制一次回源填充的总时长（填充与请求方的取消解耦）
	FillTimeout        time.Duration  `yaml:"fill_timeout"`
	PreloadConcurrency int            `yaml:"preload_concurrency"`
	Breaker            BreakerOptions `yaml:"breaker"`
}

func (o *Options) withDefaults() {
	if o.L1Capacity <= 0 {
		o.L1Capacity = 10000
	}
	if o.L1TTL <= 0 {
		o.L1TTL = 5 * time.Minute
	}
	if o.L2TTL <= 0 {
		o.L2TTL = time.Hour
	}
	if o.L2Timeout <= 0 {
		o.L2Timeout = 50 * time.Millisecond
	}
	if o.FillTimeout <= 0 {
		o.FillTimeout = 2 * time.Second
	}
	if o.PreloadConcurrency <= 0 {
		o.PreloadConcurrency = 8
	}
}

// Loader 从权威数据源（第三级）计算值，并返回该值依赖的标签（如 "user:u1"、"item:i9"），
// 标签上的写入会使该值失效。
type Loader func(ctx context.Context) (value []byte, tags []string, err error)

// Hierarchy 是三级读穿缓存。
//
// 读：L1 命中直接返回；否则同 key 的并发读合并为一次填充，依次探测 L2、调用 Loader，
// 并回写 L2、L1。
//
// 写一致性：Invalidate 在返回前同步删除所有层级中的 key。每次失效都会推进全局序号并记在 key（或标签）上；
// 填充开始时记下序号，回写前发现 key 在此之后被失效过，就放弃回写，
// 因此与写入竞争的读不会把旧值重新装回缓存；失效之后才开始的读也不会拿到失效前开始的填充结果。
type Hierarchy struct {
	opts  Options
	l1    *MemoryTier
	l2    *RemoteTier
	group singleflight.Group
	sem   *semaphore.Weighted
	now   func() time.Time

	mu       sync.Mutex
	seq      uint64
	gens     map[string]uint64
	tagGens  map[string]uint64
	inflight int
	tags     map[string]map[string]time.Time // tag -> key -> 过期时间
}

// New 创建缓存层级。l2 为 nil 时只有进程内一级缓存
func New(l2 core.Store, opts Options) *Hierarchy {
	opts.withDefaults()
	h := &Hierarchy{
		opts:    opts,
		l1:      NewMemoryTier(opts.L1Capacity, opts.L1TTL),
		sem:     semaphore.NewWeighted(int64(opts.PreloadConcurrency)),
		now:     time.Now,
		gens:    make(map[string]uint64),
		tagGens: make(map[string]uint64),
		tags:    make(map[string]map[string]time.Time),
	}
	if l2 != nil {
		h.l2 = NewRemoteTier(l2, opts.L2TTL, opts.L2Timeout, opts.Breaker)
	}
	return h
}

func logStateChange(name, from, to string) {
	log.Warn().Str("breaker", name).Str("from", from).Str("to", to).Msg("cache circuit breaker state changed")
}

// envelope 是写入二级缓存的格式，标签随值保存，使其他实例从 L2 装入时也能登记标签
type envelope struct {
	Tags []string `json:"t,omitempty"`
	Data []byte   `json:"d"`
}

// Get 按 L1 → L2 → Loader 的顺序读取。
// ctx 到期时返回 TIMEOUT 错误；已开始的填充在后台继续完成并回写缓存。
func (h *Hierarchy) Get(ctx context.Context, key string, load Loader) ([]byte, error) {
	if v, ok := h.l1.Get(key); ok {
		metrics.CacheLookups.WithLabelValues(tierL1, "hit").Inc()
		return v, nil
	}
	metrics.CacheLookups.WithLabelValues(tierL1, "miss").Inc()

	fillCtx := context.WithoutCancel(ctx)
	for attempt := 1; ; attempt++ {
		h.mu.Lock()
		readAt := h.seq
		h.mu.Unlock()

		ch := h.group.DoChan(key, func() (any, error) {
			fctx, cancel := context.WithTimeout(fillCtx, h.opts.FillTimeout)
			defer cancel()
			return h.fill(fctx, key, load)
		})
		select {
		case res := <-ch:
			if res.Err != nil {
				return nil, res.Err
			}
			fr := res.Val.(fillResult)
			// 合并到的填充在本次读取之前就被失效了，它的值不能返回
			if fr.invalidated != 0 && fr.invalidated <= readAt && attempt < maxFillAttempts {
				continue
			}
			return fr.value, nil
		case <-ctx.Done():
			return nil, &core.DomainError{
				Module:  core.ModuleCache,
				Code:    core.ErrorCodeTimeout,
				Stage:   "cache",
				Message: "deadline exceeded while filling " + key,
				Err:     ctx.Err(),
			}
		}
	}
}

const maxFillAttempts = 3

type fillResult struct {
	value []byte
	// invalidated 是填充期间影响该值的最近一次失效序号，0 表示没有
	invalidated uint64
}

func (h *Hierarchy) begin() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.inflight++
	return h.seq
}

func (h *Hierarchy) end() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.inflight--
	if h.inflight == 0 {
		// 没有进行中的填充时，失效记录不再有用
		clear(h.gens)
		clear(h.tagGens)
	}
}

// invalidatedSince 返回填充开始后 key 或其任一标签最近一次失效的序号，没有则为 0。需持有 h.mu
func (h *Hierarchy) invalidatedSince(key string, tags []string, start uint64) uint64 {
	var last uint64
	if g := h.gens[key]; g > start {
		last = g
	}
	for _, t := range tags {
		if g := h.tagGens[t]; g > start && g > last {
			last = g
		}
	}
	return last
}

func (h *Hierarchy) fill(ctx context.Context, key string, load Loader) (fillResult, error) {
	start := h.begin()
	defer h.end()

	if h.l2 != nil {
		raw, ok, err := h.l2.Get(ctx, key)
		switch {
		case err != nil:
			result := "error"
			if core.IsTimeout(err) {
				result = "timeout"
			}
			metrics.CacheLookups.WithLabelValues(tierL2, result).Inc()
			log.Warn().Err(err).Str("key", key).Msg("l2 lookup failed, falling through")
		case ok:
			var env envelope
			if err := json.Unmarshal(raw, &env); err == nil {
				metrics.CacheLookups.WithLabelValues(tierL2, "hit").Inc()
				inv := h.populateL1(key, env.Data, env.Tags, start)
				return fillResult{value: env.Data, invalidated: inv}, nil
			}
			metrics.CacheLookups.WithLabelValues(tierL2, "error").Inc()
			log.Warn().Str("key", key).Msg("l2 entry is corrupt, reloading")
		default:
			metrics.CacheLookups.WithLabelValues(tierL2, "miss").Inc()
		}
	}

	value, tags, err := load(ctx)
	if err != nil {
		metrics.CacheLookups.WithLabelValues(tierL3, "error").Inc()
		return fillResult{}, err
	}
	metrics.CacheLookups.WithLabelValues(tierL3, "hit").Inc()

	if h.l2 != nil {
		h.populateL2(ctx, key, value, tags, start)
	}
	inv := h.populateL1(key, value, tags, start)
	return fillResult{value: value, invalidated: inv}, nil
}

// populateL1 回写一级缓存；填充期间被失效时放弃回写，并返回失效序号
func (h *Hierarchy) populateL1(key string, value []byte, tags []string, start uint64) uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if inv := h.invalidatedSince(key, tags, start); inv != 0 {
		log.Debug().Str("key", key).Msg("skip l1 populate, key invalidated during fill")
		return inv
	}
	h.l1.Set(key, value)
	h.tagLocked(key, tags)
	return 0
}

func (h *Hierarchy) populateL2(ctx context.Context, key string, value []byte, tags []string, start uint64) {
	h.mu.Lock()
	stale := h.invalidatedSince(key, tags, start) != 0
	h.mu.Unlock()
	if stale {
		return
	}
	raw, err := json.Marshal(envelope{Tags: tags, Data: value})
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("encode l2 entry failed")
		return
	}
	if err := h.l2.Set(ctx, key, raw); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("l2 populate failed")
		return
	}
	// 写入期间发生的失效可能已先于本次写入删除了 L2，这里补删
	h.mu.Lock()
	stale = h.invalidatedSince(key, tags, start) != 0
	h.mu.Unlock()
	if stale {
		if err := h.l2.Delete(ctx, key); err != nil {
			log.Warn().Err(err).Str("key", key).Msg("l2 compensating delete failed")
		}
	}
}

// tagLocked 需持有 h.mu
func (h *Hierarchy) tagLocked(key string, tags []string) {
	if len(tags) == 0 {
		return
	}
	expire := h.now().Add(h.opts.L2TTL)
	for _, t := range tags {
		keys, ok := h.tags[t]
		if !ok {
			keys = make(map[string]time.Time)
			h.tags[t] = keys
		}
		keys[key] = expire
	}
}

func (h *Hierarchy) mark(keys []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seq++
	for _, k := range keys {
		if h.inflight > 0 {
			h.gens[k] = h.seq
		}
		// 之后的读不能再合并到失效前开始的填充上
		h.group.Forget(k)
	}
	h.l1.Delete(keys...)
}

// Invalidate 同步删除所有层级中的 key，返回后不会再读到失效前的值
func (h *Hierarchy) Invalidate(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	h.mark(keys)
	var err error
	if h.l2 != nil {
		err = h.l2.Delete(ctx, keys...)
	}
	// L2 删除期间开始的填充可能读到了旧的 L2 值，再推进一次序号
	h.mark(keys)
	metrics.CacheInvalidations.Add(float64(len(keys)))
	return err
}

// InvalidateTag 失效带有任一标签的全部 key
func (h *Hierarchy) InvalidateTag(ctx context.Context, tags ...string) error {
	h.mu.Lock()
	// 进行中的填充还没有登记标签，按标签记下序号，回写时检查
	h.seq++
	if h.inflight > 0 {
		for _, t := range tags {
			h.tagGens[t] = h.seq
		}
	}
	var keys []string
	for _, t := range tags {
		for k := range h.tags[t] {
			keys = append(keys, k)
		}
		delete(h.tags, t)
	}
	h.mu.Unlock()
	return h.Invalidate(ctx, keys...)
}

// Preload 异步预热 key。并发预热数达到上限时直接跳过；失败不影响后续请求（仍可回源）
func (h *Hierarchy) Preload(ctx context.Context, key string, load Loader) bool {
	if _, ok := h.l1.Get(key); ok {
		return false
	}
	if !h.sem.TryAcquire(1) {
		return false
	}
	go func() {
		defer h.sem.Release(1)
		if _, err := h.Get(context.WithoutCancel(ctx), key, load); err != nil {
			log.Debug().Err(err).Str("key", key).Msg("preload failed")
		}
	}()
	return true
}

// Sweep 清理一级缓存中的过期条目和过期的标签登记
func (h *Hierarchy) Sweep() {
	h.l1.Purge()
	now := h.now()
	h.mu.Lock()
	defer h.mu.Unlock()
	for t, keys := range h.tags {
		for k, exp := range keys {
			if now.After(exp) {
				delete(keys, k)
			}
		}
		if len(keys) == 0 {
			delete(h.tags, t)
		}
	}
}

// Stats 是缓存统计
type Stats struct {
	L1Entries int
	Tags      int
}

func (h *Hierarchy) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Stats{L1Entries: h.l1.Len(), Tags: len(h.tags)}
}

// GetJSON 是 Get 的类型化版本，值以 JSON 编码保存
func GetJSON[T any](ctx context.Context, h *Hierarchy, key string, load func(ctx context.Context) (T, []string, error)) (T, error) {
	var out T
	raw, err := h.Get(ctx, key, func(ctx context.Context) ([]byte, []string, error) {
		v, tags, err := load(ctx)
		if err != nil {
			return nil, nil, err
		}
		b, err := json.Marshal(v)
		return b, tags, err
	})
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, &core.DomainError{
			Module:  core.ModuleCache,
			Code:    core.ErrorCodeInternalError,
			Stage:   "cache",
			Message: "decode cached value for " + key,
			Err:     err,
		}
	}
	return out, nil
}
