// Package profile 维护用户画像：行为先缓冲，按用户限流后批量折叠，避免突发行为流放大写入。
package profile

import (
	"cmp"
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/rushteam/streamrec/core"
	"github.com/rushteam/streamrec/pkg/metrics"
)

// ItemSource 提供画像折叠所需的物品向量与类目
type ItemSource interface {
	ItemProfile(itemID string) (vector []float64, category string, ok bool)
}

// Invalidator 是画像提交后需要同步失效的缓存（通常是 *cache.Hierarchy）
type Invalidator interface {
	Invalidate(ctx context.Context, keys ...string) error
	InvalidateTag(ctx context.Context, tags ...string) error
}

// Options 是画像管理配置
type Options struct {
	Dimension int `yaml:"-"`
	// Interval 是同一用户两次重算之间的最小间隔
	Interval time.Duration `yaml:"update_interval"`
	// LearningRate 是画像向量的滑动平均系数
	LearningRate   float64       `yaml:"learning_rate"`
	InterestDecay  float64       `yaml:"interest_decay"`
	MaxRecentItems int           `yaml:"max_recent_items"`
	MaxPending     int           `yaml:"max_pending"`
	FlushEvery     time.Duration `yaml:"flush_every"`
	IdleTTL        time.Duration `yaml:"idle_ttl"`
	// StoreTTL 是画像在存储中的过期秒数，0 表示不过期
	StoreTTL int `yaml:"store_ttl"`
}

func (o *Options) withDefaults() {
	if o.Interval <= 0 {
		o.Interval = 300 * time.Second
	}
	if o.LearningRate <= 0 || o.LearningRate > 1 {
		o.LearningRate = 0.1
	}
	if o.InterestDecay <= 0 || o.InterestDecay > 1 {
		o.InterestDecay = 0.95
	}
	if o.MaxRecentItems <= 0 {
		o.MaxRecentItems = 50
	}
	if o.MaxPending <= 0 {
		o.MaxPending = 256
	}
	if o.FlushEvery <= 0 {
		o.FlushEvery = time.Second
	}
	if o.IdleTTL <= 0 {
		o.IdleTTL = 24 * time.Hour
	}
}

// minInterest 以下的类目兴趣直接删除
const minInterest = 1e-3

type userState struct {
	limiter  *rate.Limiter
	pending  []core.UserAction
	lastSeen time.Time
	busy     bool
}

// Manager 管理用户画像。
//
// Touch 只把行为放进该用户的有界缓冲区；ProcessDue 对缓冲区非空且限流器放行的用户做一次重算，
// 把缓冲区中的全部行为一次性折叠进画像。因此每个用户每个 Interval 至多一次物理重算。
//
// 提交顺序：写入画像存储 → 同步失效缓存（profile key 与 user 标签）→ 异步写审计。
type Manager struct {
	opts  Options
	store core.Store
	items ItemSource
	cache Invalidator
	audit core.AuditStore
	now   func() time.Time

	mu         sync.Mutex
	users      map[string]*userState
	recomputes atomic.Int64
}

// Option 配置 Manager 的可选依赖
type Option func(*Manager)

// WithInvalidator 设置提交后要失效的缓存
func WithInvalidator(inv Invalidator) Option {
	return func(m *Manager) { m.cache = inv }
}

// WithAudit 设置审计存储
func WithAudit(a core.AuditStore) Option {
	return func(m *Manager) { m.audit = a }
}

// NewManager 创建画像管理器。store 保存已提交的画像
func NewManager(store core.Store, items ItemSource, opts Options, options ...Option) (*Manager, error) {
	if store == nil || items == nil {
		return nil, errors.New("profile store and item source are required")
	}
	if opts.Dimension <= 0 {
		return nil, errors.New("profile dimension must be positive")
	}
	opts.withDefaults()
	m := &Manager{
		opts:  opts,
		store: store,
		items: items,
		now:   time.Now,
		users: make(map[string]*userState),
	}
	for _, o := range options {
		o(m)
	}
	return m, nil
}

// Touch 缓冲一条行为，等待下一次重算。缓冲区满时丢弃最旧的行为
func (m *Manager) Touch(a core.UserAction) error {
	if a.UserID == "" || a.ItemID == "" {
		return core.Errorf(core.ModuleProfile, core.ErrorCodeInvalidInput, "user_id and item_id are required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.state(a.UserID)
	st.pending = append(st.pending, a)
	if over := len(st.pending) - m.opts.MaxPending; over > 0 {
		st.pending = slices.Delete(st.pending, 0, over)
		metrics.ProfileActionsSkipped.WithLabelValues("buffer_full").Add(float64(over))
	}
	st.lastSeen = m.now()
	return nil
}

// state 需持有 m.mu
func (m *Manager) state(userID string) *userState {
	st, ok := m.users[userID]
	if !ok {
		st = &userState{limiter: rate.NewLimiter(rate.Every(m.opts.Interval), 1)}
		m.users[userID] = st
	}
	return st
}

type job struct {
	userID  string
	actions []core.UserAction
}

// take 取出待重算用户的缓冲区。force 为 true 时忽略限流
func (m *Manager) take(now time.Time, force bool) []job {
	m.mu.Lock()
	defer m.mu.Unlock()
	var jobs []job
	for uid, st := range m.users {
		if len(st.pending) == 0 || st.busy {
			continue
		}
		if !force && !st.limiter.AllowN(now, 1) {
			continue
		}
		jobs = append(jobs, job{userID: uid, actions: st.pending})
		st.pending = nil
		st.busy = true
	}
	return jobs
}

// done 结束一次重算；requeue 非空时把行为放回缓冲区头部
func (m *Manager) done(userID string, requeue []core.UserAction) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.state(userID)
	st.busy = false
	if len(requeue) == 0 {
		return
	}
	st.pending = append(requeue, st.pending...)
	if over := len(st.pending) - m.opts.MaxPending; over > 0 {
		st.pending = slices.Delete(st.pending, 0, over)
		metrics.ProfileActionsSkipped.WithLabelValues("buffer_full").Add(float64(over))
	}
}

// ProcessDue 重算所有到期用户，返回重算人数
func (m *Manager) ProcessDue(ctx context.Context) (int, error) {
	return m.run(ctx, m.take(m.now(), false))
}

// Flush 忽略限流，立即重算所有有缓冲行为的用户（用于停机）
func (m *Manager) Flush(ctx context.Context) (int, error) {
	return m.run(ctx, m.take(m.now(), true))
}

func (m *Manager) run(ctx context.Context, jobs []job) (int, error) {
	var errs []error
	n := 0
	for _, j := range jobs {
		committed, err := m.recompute(ctx, j.userID, j.actions)
		if committed {
			n++
		}
		if err != nil {
			errs = append(errs, err)
		}
		if !committed && err != nil {
			m.done(j.userID, j.actions)
			continue
		}
		m.done(j.userID, nil)
	}
	return n, errors.Join(errs...)
}

// recompute 把行为折叠进已提交画像并提交，返回是否已写入存储
func (m *Manager) recompute(ctx context.Context, userID string, actions []core.UserAction) (bool, error) {
	p, err := m.Get(ctx, userID)
	switch {
	case core.IsNotFound(err):
		p = core.NewUserProfile(userID)
	case err != nil:
		return false, core.WrapError(core.ModuleProfile, "load", err)
	}
	if len(p.Vector) != m.opts.Dimension {
		p.Vector = make([]float64, m.opts.Dimension)
	}
	if p.Interests == nil {
		p.Interests = make(map[string]float64)
	}

	slices.SortStableFunc(actions, func(a, b core.UserAction) int { return a.Timestamp.Compare(b.Timestamp) })
	applied := 0
	for _, a := range actions {
		if m.fold(p, a) {
			applied++
			if a.Timestamp.After(p.UpdateTime) {
				p.UpdateTime = a.Timestamp
			}
		}
	}
	if applied == 0 {
		return false, nil
	}
	if !core.IsFinite(p.Vector) {
		log.Warn().Str("user_id", userID).Msg("discarded non-finite profile recompute")
		return false, core.Errorf(core.ModuleProfile, core.ErrorCodeInternalError, "non-finite profile for %s", userID)
	}

	raw, err := json.Marshal(p)
	if err != nil {
		return false, core.WrapError(core.ModuleProfile, "encode", err)
	}
	if err := m.store.Set(ctx, core.ProfileKey(userID), raw, m.opts.StoreTTL); err != nil {
		return false, core.WrapError(core.ModuleProfile, "commit", err)
	}
	m.recomputes.Add(1)
	metrics.ProfileRecomputes.Inc()

	var invErr error
	if m.cache != nil {
		invErr = errors.Join(
			m.cache.Invalidate(ctx, core.ProfileKey(userID)),
			m.cache.InvalidateTag(ctx, core.UserTag(userID)),
		)
		if invErr != nil {
			log.Error().Err(invErr).Str("user_id", userID).Msg("profile cache invalidation failed")
			invErr = core.WrapError(core.ModuleProfile, "invalidate", invErr)
		}
	}
	if m.audit != nil {
		if err := m.audit.RecordProfile(ctx, p); err != nil {
			log.Debug().Err(err).Str("user_id", userID).Msg("profile audit skipped")
		}
	}
	log.Debug().Str("user_id", userID).Int("actions", applied).Int64("interactions", p.InteractionCount).Msg("profile recomputed")
	return true, invErr
}

// fold 把一条行为折叠进画像：v ← (1-α)·v + α·w·item
func (m *Manager) fold(p *core.UserProfile, a core.UserAction) bool {
	vec, category, ok := m.items.ItemProfile(a.ItemID)
	if !ok || len(vec) != len(p.Vector) {
		metrics.ProfileActionsSkipped.WithLabelValues("unknown_item").Inc()
		return false
	}
	alpha, w := m.opts.LearningRate, a.Action.Weight()
	for i := range p.Vector {
		p.Vector[i] = (1-alpha)*p.Vector[i] + alpha*w*vec[i]
	}
	for k, v := range p.Interests {
		v *= m.opts.InterestDecay
		if v < minInterest {
			delete(p.Interests, k)
			continue
		}
		p.Interests[k] = v
	}
	if category != "" {
		p.Interests[category] += w
	}
	p.AddRecentItem(a.ItemID, m.opts.MaxRecentItems)
	p.InteractionCount++
	return true
}

// Get 返回最近一次提交的画像，不存在时返回 NOT_FOUND
func (m *Manager) Get(ctx context.Context, userID string) (*core.UserProfile, error) {
	raw, err := m.store.Get(ctx, core.ProfileKey(userID))
	if core.IsStoreNotFound(err) {
		return nil, core.Errorf(core.ModuleProfile, core.ErrorCodeNotFound, "no profile for user %s", userID)
	}
	if err != nil {
		return nil, core.WrapError(core.ModuleProfile, "load", err)
	}
	p := &core.UserProfile{}
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, core.WrapError(core.ModuleProfile, "decode", err)
	}
	return p, nil
}

// Pending 返回用户缓冲中尚未折叠的行为数
func (m *Manager) Pending(userID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.users[userID]; ok {
		return len(st.pending)
	}
	return 0
}

// Recomputes 返回累计物理重算次数
func (m *Manager) Recomputes() int64 { return m.recomputes.Load() }

// RecentlyActive 返回最近活跃的 n 个用户（用于缓存预热）
func (m *Manager) RecentlyActive(n int) []string {
	m.mu.Lock()
	type seen struct {
		id string
		at time.Time
	}
	all := make([]seen, 0, len(m.users))
	for id, st := range m.users {
		all = append(all, seen{id, st.lastSeen})
	}
	m.mu.Unlock()

	slices.SortFunc(all, func(a, b seen) int {
		if c := b.at.Compare(a.at); c != 0 {
			return c
		}
		return cmp.Compare(a.id, b.id)
	})
	if len(all) > n {
		all = all[:n]
	}
	out := make([]string, len(all))
	for i, s := range all {
		out[i] = s.id
	}
	return out
}

// prune 删除长时间不活跃且无缓冲的用户状态
func (m *Manager) prune(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, st := range m.users {
		if len(st.pending) == 0 && !st.busy && now.Sub(st.lastSeen) > m.opts.IdleTTL {
			delete(m.users, id)
			n++
		}
	}
	return n
}

// Run 周期性重算到期用户，直到 ctx 结束；结束时把剩余缓冲全部提交
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.opts.FlushEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if _, err := m.Flush(flushCtx); err != nil {
				log.Error().Err(err).Msg("final profile flush failed")
			}
			return ctx.Err()
		case <-ticker.C:
		}
		if _, err := m.ProcessDue(ctx); err != nil {
			log.Warn().Err(err).Msg("profile recompute failed")
		}
		if n := m.prune(m.now()); n > 0 {
			log.Debug().Int("users", n).Msg("pruned idle profile state")
		}
	}
}
