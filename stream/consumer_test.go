package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/rushteam/streamrec/core"
)

// countingSubscriber 统计 Fetch 调用次数
type countingSubscriber struct {
	*MemorySubscriber
	fetches atomic.Int32
}

func (s *countingSubscriber) Fetch(ctx context.Context) ([]*core.Record, error) {
	s.fetches.Add(1)
	return s.MemorySubscriber.Fetch(ctx)
}

func produceN(t *testing.T, l *MemoryLog, topic string, n int, key func(i int) string) {
	t.Helper()
	for i := range n {
		require.NoError(t, l.Produce(context.Background(), &core.Record{
			Topic: topic,
			Key:   []byte(key(i)),
			Value: []byte(fmt.Sprint(i)),
		}))
	}
}

func runConsumer(c *Consumer) (context.CancelFunc, <-chan error) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	return cancel, done
}

func TestConsumer_HandlesAndCommits(t *testing.T) {
	l := NewMemoryLog(4)
	produceN(t, l, "t", 100, func(i int) string { return fmt.Sprintf("k%d", i%7) })

	var mu sync.Mutex
	seen := make(map[string][]string)
	c := NewConsumer(l.Subscribe("g", 16, "t"), func(ctx context.Context, rec *core.Record) error {
		mu.Lock()
		seen[string(rec.Key)] = append(seen[string(rec.Key)], string(rec.Value))
		mu.Unlock()
		return nil
	}, ConsumerOptions{Name: "test", Workers: 3, QueueSize: 2})

	cancel, done := runConsumer(c)
	require.Eventually(t, func() bool { return l.Lag("g", "t") == 0 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	assert.Equal(t, int64(100), c.Stats().Handled)
	assert.Equal(t, int64(100), c.Stats().Committed)
	for i := range 7 {
		var want []string
		for j := i; j < 100; j += 7 {
			want = append(want, fmt.Sprint(j))
		}
		assert.Equal(t, want, seen[fmt.Sprintf("k%d", i)], "records of one key are handled in order")
	}
}

func TestConsumer_RetriesThenDrops(t *testing.T) {
	l := NewMemoryLog(1)
	produceN(t, l, "t", 3, func(i int) string { return "k" })

	var attempts sync.Map
	c := NewConsumer(l.Subscribe("g", 10, "t"), func(ctx context.Context, rec *core.Record) error {
		n, _ := attempts.LoadOrStore(string(rec.Value), new(atomic.Int32))
		count := n.(*atomic.Int32).Add(1)
		switch string(rec.Value) {
		case "0":
			return core.Errorf(core.ModuleStream, core.ErrorCodeInvalidInput, "bad record")
		case "1":
			if count < 2 {
				return errors.New("transient")
			}
			return nil
		default:
			return errors.New("always failing")
		}
	}, ConsumerOptions{Name: "test", Workers: 1, MaxAttempts: 3, RetryBackoff: time.Millisecond})

	cancel, done := runConsumer(c)
	require.Eventually(t, func() bool { return l.Lag("g", "t") == 0 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done

	count := func(v string) int32 {
		n, _ := attempts.Load(v)
		return n.(*atomic.Int32).Load()
	}
	assert.Equal(t, int32(1), count("0"), "validation errors are not retried")
	assert.Equal(t, int32(2), count("1"))
	assert.Equal(t, int32(3), count("2"))
	st := c.Stats()
	assert.Equal(t, int64(1), st.Handled)
	assert.Equal(t, int64(2), st.Dropped)
}

func TestConsumer_RecoversPanics(t *testing.T) {
	l := NewMemoryLog(1)
	produceN(t, l, "t", 2, func(i int) string { return "k" })

	var handled atomic.Int32
	c := NewConsumer(l.Subscribe("g", 10, "t"), func(ctx context.Context, rec *core.Record) error {
		if string(rec.Value) == "0" {
			panic("boom")
		}
		handled.Add(1)
		return nil
	}, ConsumerOptions{Name: "test", Workers: 1})

	cancel, done := runConsumer(c)
	require.Eventually(t, func() bool { return l.Lag("g", "t") == 0 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done
	assert.Equal(t, int32(1), handled.Load())
	assert.Equal(t, int64(1), c.Stats().Dropped)
}

func TestConsumer_Backpressure(t *testing.T) {
	l := NewMemoryLog(1)
	produceN(t, l, "t", 20, func(i int) string { return "k" })

	gate := make(chan struct{})
	sub := &countingSubscriber{MemorySubscriber: l.Subscribe("g", 4, "t")}
	c := NewConsumer(sub, func(ctx context.Context, rec *core.Record) error {
		select {
		case <-gate:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}, ConsumerOptions{Name: "test", Workers: 1, QueueSize: 1})

	cancel, done := runConsumer(c)
	defer func() {
		cancel()
		<-done
	}()

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(1), sub.fetches.Load(), "no new fetch while the batch is in flight")
	assert.Equal(t, int64(20), l.Lag("g", "t"))

	close(gate)
	require.Eventually(t, func() bool { return l.Lag("g", "t") == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(20), c.Stats().Handled)
}

func TestConsumer_StopsWhenLogCloses(t *testing.T) {
	l := NewMemoryLog(1)
	c := NewConsumer(l.Subscribe("g", 10, "t"), func(ctx context.Context, rec *core.Record) error { return nil }, ConsumerOptions{})
	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background()) }()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, l.Close())
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrClosed)
		assert.True(t, core.IsUnavailable(err))
	case <-time.After(time.Second):
		t.Fatal("consumer did not stop")
	}
}

// flakySubscriber 第一次 Fetch 返回 broker 暂时故障，之后正常拉取
type flakySubscriber struct {
	*MemorySubscriber
	failed atomic.Bool
}

func (s *flakySubscriber) Fetch(ctx context.Context) ([]*core.Record, error) {
	if s.failed.CompareAndSwap(false, true) {
		return nil, classifyKafka(ctx, errors.New("NOT_LEADER_FOR_PARTITION: leader election in progress"))
	}
	return s.MemorySubscriber.Fetch(ctx)
}

func TestConsumer_KeepsPollingAfterTransientFetchError(t *testing.T) {
	l := NewMemoryLog(1)
	sub := &flakySubscriber{MemorySubscriber: l.Subscribe("g", 10, "t")}
	var handled atomic.Int32
	c := NewConsumer(sub, func(ctx context.Context, rec *core.Record) error {
		handled.Add(1)
		return nil
	}, ConsumerOptions{Name: "test", RetryBackoff: time.Millisecond})

	cancel, done := runConsumer(c)
	defer cancel()
	require.Eventually(t, func() bool { return c.Stats().FetchErrors == 1 }, time.Second, time.Millisecond)

	produceN(t, l, "t", 1, func(int) string { return "k" })
	require.Eventually(t, func() bool { return handled.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return l.Lag("g", "t") == 0 }, time.Second, 5*time.Millisecond)

	select {
	case err := <-done:
		t.Fatalf("consumer exited: %v", err)
	default:
	}
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestFetchBackoff(t *testing.T) {
	assert.Equal(t, 100*time.Millisecond, fetchBackoff(100*time.Millisecond, 1))
	assert.Equal(t, 400*time.Millisecond, fetchBackoff(100*time.Millisecond, 3))
	assert.Equal(t, maxFetchBackoff, fetchBackoff(100*time.Millisecond, 30))
	assert.Equal(t, time.Minute, fetchBackoff(time.Minute, 5), "a base above the cap is kept")
}

func TestClassifyKafka_OnlyClosedClientIsFatal(t *testing.T) {
	ctx := context.Background()
	assert.ErrorIs(t, classifyKafka(ctx, kgo.ErrClientClosed), ErrClosed)

	err := classifyKafka(ctx, errors.New("connection reset by peer"))
	assert.True(t, core.IsUnavailable(err))
	assert.NotErrorIs(t, err, ErrClosed)

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	assert.True(t, core.IsTimeout(classifyKafka(cctx, errors.New("poll aborted"))))
}
