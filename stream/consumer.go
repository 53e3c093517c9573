package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/rushteam/streamrec/core"
	"github.com/rushteam/streamrec/pkg/metrics"
)

// Handler 处理一条消息。返回 INVALID_INPUT 的消息直接丢弃，其余错误按配置重试
type Handler func(ctx context.Context, rec *core.Record) error

// ConsumerOptions 是消费者配置
type ConsumerOptions struct {
	// Name 用于日志与监控标签
	Name string `yaml:"-"`
	// Workers 是并发处理协程数，同一 key 固定路由到同一协程
	Workers int `yaml:"workers"`
	// QueueSize 是每个协程的队列长度，队列满时拉取暂停
	QueueSize    int           `yaml:"queue_size"`
	MaxAttempts  int           `yaml:"max_attempts"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
}

func (o *ConsumerOptions) withDefaults() {
	if o.Name == "" {
		o.Name = "stream"
	}
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 64
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = 100 * time.Millisecond
	}
}

// ConsumerStats 消费统计
type ConsumerStats struct {
	Handled     int64
	Dropped     int64
	Committed   int64
	FetchErrors int64
}

type task struct {
	rec  *core.Record
	done *sync.WaitGroup
}

// Consumer 从 Subscriber 拉取消息并交给 Handler 并发处理。
//
// 消息按 key 哈希路由到固定协程，保证同 key 有序；协程队列有界，队列满时拉取协程阻塞，
// 不再拉取新消息。一批消息全部处理完成后才提交位点（至少一次）。
type Consumer struct {
	sub    core.Subscriber
	handle Handler
	opts   ConsumerOptions

	handled     atomic.Int64
	dropped     atomic.Int64
	committed   atomic.Int64
	fetchErrors atomic.Int64
}

// NewConsumer 创建消费者
func NewConsumer(sub core.Subscriber, handle Handler, opts ConsumerOptions) *Consumer {
	opts.withDefaults()
	return &Consumer{sub: sub, handle: handle, opts: opts}
}

// Run 持续消费直到 ctx 结束或 Subscriber 关闭（返回 ErrClosed）。
// 其余拉取错误（如 broker 切主、连接重置）只记录并退避重试，不会结束消费。
func (c *Consumer) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	queues := make([]chan task, c.opts.Workers)
	for i := range queues {
		q := make(chan task, c.opts.QueueSize)
		queues[i] = q
		g.Go(func() error {
			for t := range q {
				c.process(gctx, t.rec)
				metrics.ConsumerInFlight.WithLabelValues(c.opts.Name).Dec()
				t.done.Done()
			}
			return nil
		})
	}
	g.Go(func() error {
		defer func() {
			for _, q := range queues {
				close(q)
			}
		}()
		return c.poll(gctx, queues)
	})
	err := g.Wait()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (c *Consumer) poll(ctx context.Context, queues []chan task) error {
	failures := 0
	for {
		recs, err := c.sub.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, ErrClosed) {
				return err
			}
			failures++
			c.fetchErrors.Add(1)
			metrics.ConsumerFetchErrors.WithLabelValues(c.opts.Name).Inc()
			backoff := fetchBackoff(c.opts.RetryBackoff, failures)
			log.Warn().Err(err).
				Str("stream", c.opts.Name).
				Int("failures", failures).
				Dur("backoff", backoff).
				Msg("fetch failed, retrying")
			if !sleep(ctx, backoff) {
				return ctx.Err()
			}
			continue
		}
		failures = 0
		if len(recs) == 0 {
			continue
		}

		var wg sync.WaitGroup
		for _, r := range recs {
			q := queues[xxhash.Sum64(r.Key)%uint64(len(queues))]
			wg.Add(1)
			metrics.ConsumerInFlight.WithLabelValues(c.opts.Name).Inc()
			select {
			case q <- task{rec: r, done: &wg}:
			case <-ctx.Done():
				wg.Done()
				metrics.ConsumerInFlight.WithLabelValues(c.opts.Name).Dec()
				wg.Wait()
				return ctx.Err()
			}
		}
		wg.Wait()
		if ctx.Err() != nil {
			return ctx.Err()
		}

		commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		err = c.sub.Commit(commitCtx, recs...)
		cancel()
		if err != nil {
			log.Error().Err(err).Str("stream", c.opts.Name).Int("records", len(recs)).Msg("commit failed")
			continue
		}
		c.committed.Add(int64(len(recs)))
	}
}

// process 处理单条消息，panic 被恢复并计为丢弃
func (c *Consumer) process(ctx context.Context, rec *core.Record) {
	for attempt := 1; ; attempt++ {
		err := c.safeHandle(ctx, rec)
		if err == nil {
			c.handled.Add(1)
			return
		}
		if ctx.Err() != nil {
			return
		}
		if core.IsValidation(err) || attempt >= c.opts.MaxAttempts {
			c.dropped.Add(1)
			metrics.ConsumerErrors.WithLabelValues(c.opts.Name).Inc()
			log.Error().Err(err).
				Str("stream", c.opts.Name).
				Str("topic", rec.Topic).
				Int32("partition", rec.Partition).
				Int64("offset", rec.Offset).
				Int("attempts", attempt).
				Msg("dropped record")
			return
		}
		if !sleep(ctx, c.opts.RetryBackoff*time.Duration(attempt)) {
			return
		}
	}
}

func (c *Consumer) safeHandle(ctx context.Context, rec *core.Record) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = core.Errorf(core.ModuleStream, core.ErrorCodeInvalidInput, "handler panic: %v", r)
		}
	}()
	if err := c.handle(ctx, rec); err != nil {
		return fmt.Errorf("%s handler: %w", c.opts.Name, err)
	}
	return nil
}

// Stats 返回消费统计
func (c *Consumer) Stats() ConsumerStats {
	return ConsumerStats{
		Handled:     c.handled.Load(),
		Dropped:     c.dropped.Load(),
		Committed:   c.committed.Load(),
		FetchErrors: c.fetchErrors.Load(),
	}
}

// fetchBackoff 按连续失败次数指数退避，上限 maxFetchBackoff
func fetchBackoff(base time.Duration, failures int) time.Duration {
	d := base
	for i := 1; i < failures && d < maxFetchBackoff; i++ {
		d *= 2
	}
	return min(d, max(base, maxFetchBackoff))
}

const maxFetchBackoff = 10 * time.Second

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
