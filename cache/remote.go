package cache

import (
	"context"
	"errors"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/rushteam/streamrec/core"
)

// BreakerOptions 是二级缓存熔断配置
type BreakerOptions struct {
	FailureThreshold uint32        `yaml:"failure_threshold"`
	OpenTimeout      time.Duration `yaml:"open_timeout"`
}

// RemoteTier 是二级（分布式）缓存，基于 core.Store（通常是 Redis）。
// 每次调用都带超时；连续失败时熔断，熔断期间直接按未命中处理，不再等待网络。
type RemoteTier struct {
	store   core.Store
	ttl     time.Duration
	timeout time.Duration
	breaker *gobreaker.CircuitBreaker[[]byte]
}

// NewRemoteTier 创建二级缓存
func NewRemoteTier(store core.Store, ttl, timeout time.Duration, bo BreakerOptions) *RemoteTier {
	if bo.FailureThreshold == 0 {
		bo.FailureThreshold = 5
	}
	if bo.OpenTimeout <= 0 {
		bo.OpenTimeout = 10 * time.Second
	}
	return &RemoteTier{
		store:   store,
		ttl:     ttl,
		timeout: timeout,
		breaker: gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
			Name:        "cache-l2-" + store.Name(),
			MaxRequests: 1,
			Timeout:     bo.OpenTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= bo.FailureThreshold
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logStateChange(name, from.String(), to.String())
			},
		}),
	}
}

func (r *RemoteTier) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.timeout)
}

func (r *RemoteTier) classify(ctx context.Context, op string, err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		return &core.DomainError{Module: core.ModuleCache, Code: core.ErrorCodeTimeout, Stage: op, Message: "l2 call timed out", Err: err}
	case errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests):
		return &core.DomainError{Module: core.ModuleCache, Code: core.ErrorCodeUnavailable, Stage: op, Message: "l2 circuit open", Err: err}
	default:
		return core.WrapError(core.ModuleCache, op, err)
	}
}

// Get 返回 (值, 是否命中, 错误)。key 不存在不算错误
func (r *RemoteTier) Get(ctx context.Context, key string) ([]byte, bool, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	v, err := r.breaker.Execute(func() ([]byte, error) {
		v, err := r.store.Get(ctx, key)
		if core.IsStoreNotFound(err) {
			return nil, nil
		}
		return v, err
	})
	if err != nil {
		return nil, false, r.classify(ctx, "l2_get", err)
	}
	return v, v != nil, nil
}

// ttlSeconds 把 TTL 换算为存储层的整秒，不足一秒向上取整（0 表示永不过期）
func ttlSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int((d + time.Second - 1) / time.Second)
}

// Set 以二级缓存 TTL 写入
func (r *RemoteTier) Set(ctx context.Context, key string, value []byte) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	_, err := r.breaker.Execute(func() ([]byte, error) {
		return nil, r.store.Set(ctx, key, value, ttlSeconds(r.ttl))
	})
	if err != nil {
		return r.classify(ctx, "l2_set", err)
	}
	return nil
}

// Delete 删除 key。失效必须真正送达，所以不经过熔断器
func (r *RemoteTier) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	if err := r.store.Delete(ctx, keys...); err != nil {
		return r.classify(ctx, "l2_delete", err)
	}
	return nil
}
