package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rushteam/streamrec/core"
	"github.com/rushteam/streamrec/store"
)

// source 模拟权威数据源
type source struct {
	mu    sync.Mutex
	value string
	tags  []string
	calls atomic.Int32
	gate  chan struct{}
	err   error
}

func (s *source) set(v string) {
	s.mu.Lock()
	s.value = v
	s.mu.Unlock()
}

func (s *source) load(ctx context.Context) ([]byte, []string, error) {
	s.calls.Add(1)
	s.mu.Lock()
	v, tags, gate, err := s.value, s.tags, s.gate, s.err
	s.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if err != nil {
		return nil, nil, err
	}
	return []byte(v), tags, nil
}

// slowStore 的读写一直阻塞到 ctx 结束
type slowStore struct{ *store.MemoryStore }

func (s *slowStore) Get(ctx context.Context, key string) ([]byte, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (s *slowStore) Set(ctx context.Context, key string, value []byte, ttl ...int) error {
	<-ctx.Done()
	return ctx.Err()
}

// failingStore 的所有调用都失败
type failingStore struct {
	*store.MemoryStore
	calls atomic.Int32
}

func (s *failingStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.calls.Add(1)
	return nil, errors.New("connection refused")
}

func (s *failingStore) Set(ctx context.Context, key string, value []byte, ttl ...int) error {
	s.calls.Add(1)
	return errors.New("connection refused")
}

func TestHierarchy_ReadThrough(t *testing.T) {
	ctx := context.Background()
	l2 := store.NewMemoryStore()
	defer l2.Close()
	src := &source{value: "v1", tags: []string{"user:u1"}}

	a := New(l2, Options{})
	v, err := a.Get(ctx, "profile:u1", src.load)
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), v)
	_, err = a.Get(ctx, "profile:u1", src.load)
	require.NoError(t, err)
	assert.Equal(t, int32(1), src.calls.Load(), "second read is served by l1")

	// 另一个实例共享 L2
	b := New(l2, Options{})
	v, err = b.Get(ctx, "profile:u1", src.load)
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), v)
	assert.Equal(t, int32(1), src.calls.Load(), "served by l2")
	assert.Equal(t, 1, b.Stats().Tags, "tags travel with the l2 entry")

	require.NoError(t, b.InvalidateTag(ctx, "user:u1"))
	src.set("v2")
	v, err = b.Get(ctx, "profile:u1", src.load)
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), v)
}

func TestHierarchy_CoalescesConcurrentMisses(t *testing.T) {
	ctx := context.Background()
	src := &source{value: "v", gate: make(chan struct{})}
	h := New(nil, Options{})

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := h.Get(ctx, "k", src.load)
			assert.NoError(t, err)
			assert.Equal(t, []byte("v"), v)
		}()
	}
	assert.Eventually(t, func() bool { return src.calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	close(src.gate)
	wg.Wait()
	assert.Equal(t, int32(1), src.calls.Load())
}

func TestHierarchy_InvalidateIsSynchronous(t *testing.T) {
	ctx := context.Background()
	l2 := store.NewMemoryStore()
	defer l2.Close()
	src := &source{value: "old"}
	h := New(l2, Options{})

	_, err := h.Get(ctx, "k", src.load)
	require.NoError(t, err)
	_, err = l2.Get(ctx, "k")
	require.NoError(t, err)

	src.set("new")
	require.NoError(t, h.Invalidate(ctx, "k"))
	_, err = l2.Get(ctx, "k")
	assert.True(t, core.IsStoreNotFound(err))

	v, err := h.Get(ctx, "k", src.load)
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), v)
}

func TestHierarchy_InvalidateTagLeavesOtherKeys(t *testing.T) {
	ctx := context.Background()
	h := New(nil, Options{})
	i1 := &source{value: "a", tags: []string{"item:i1", "user:u1"}}
	i2 := &source{value: "b", tags: []string{"item:i2"}}
	_, err := h.Get(ctx, "rec:1", i1.load)
	require.NoError(t, err)
	_, err = h.Get(ctx, "rec:2", i2.load)
	require.NoError(t, err)

	require.NoError(t, h.InvalidateTag(ctx, "item:i1"))
	_, _ = h.Get(ctx, "rec:1", i1.load)
	_, _ = h.Get(ctx, "rec:2", i2.load)
	assert.Equal(t, int32(2), i1.calls.Load())
	assert.Equal(t, int32(1), i2.calls.Load())
}

func TestHierarchy_FillRacingInvalidationIsNotInstalled(t *testing.T) {
	ctx := context.Background()
	l2 := store.NewMemoryStore()
	defer l2.Close()
	src := &source{value: "old", gate: make(chan struct{})}
	h := New(l2, Options{})

	done := make(chan []byte)
	go func() {
		v, err := h.Get(ctx, "k", src.load)
		assert.NoError(t, err)
		done <- v
	}()
	require.Eventually(t, func() bool { return src.calls.Load() == 1 }, time.Second, time.Millisecond)

	// 写入发生在读取加载期间
	require.NoError(t, h.Invalidate(ctx, "k"))
	close(src.gate)
	assert.Equal(t, []byte("old"), <-done)

	assert.Equal(t, 0, h.Stats().L1Entries)
	_, err := l2.Get(ctx, "k")
	assert.True(t, core.IsStoreNotFound(err))

	src.mu.Lock()
	src.gate = nil
	src.value = "new"
	src.mu.Unlock()
	v, err := h.Get(ctx, "k", src.load)
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), v)
}

func TestHierarchy_ReadAfterInvalidateDoesNotJoinOldFill(t *testing.T) {
	ctx := context.Background()
	gate := make(chan struct{})
	old := &source{value: "old", gate: gate}
	h := New(nil, Options{})

	go func() { _, _ = h.Get(ctx, "k", old.load) }()
	require.Eventually(t, func() bool { return old.calls.Load() == 1 }, time.Second, time.Millisecond)
	require.NoError(t, h.Invalidate(ctx, "k"))

	fresh := &source{value: "new"}
	v, err := h.Get(ctx, "k", fresh.load)
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), v)
	close(gate)
}

func TestHierarchy_TagInvalidationDuringFill(t *testing.T) {
	ctx := context.Background()
	l2 := store.NewMemoryStore()
	defer l2.Close()
	src := &source{value: "old", tags: []string{"item:x"}, gate: make(chan struct{})}
	h := New(l2, Options{})

	first := make(chan []byte)
	go func() {
		v, err := h.Get(ctx, "recs:u1", src.load)
		assert.NoError(t, err)
		first <- v
	}()
	require.Eventually(t, func() bool { return src.calls.Load() == 1 }, time.Second, time.Millisecond)

	// 填充还没有登记标签时按标签失效
	require.NoError(t, h.InvalidateTag(ctx, "item:x"))

	second := make(chan []byte)
	go func() {
		v, err := h.Get(ctx, "recs:u1", src.load)
		assert.NoError(t, err)
		second <- v
	}()

	src.mu.Lock()
	gate := src.gate
	src.gate = nil
	src.value = "new"
	src.mu.Unlock()
	close(gate)

	assert.Equal(t, []byte("old"), <-first)
	assert.Equal(t, []byte("new"), <-second)

	v, err := h.Get(ctx, "recs:u1", src.load)
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), v)
}

func TestHierarchy_L2TimeoutFallsThrough(t *testing.T) {
	ctx := context.Background()
	slow := &slowStore{MemoryStore: store.NewMemoryStore()}
	h := New(slow, Options{L2Timeout: 10 * time.Millisecond})
	src := &source{value: "v"}

	start := time.Now()
	v, err := h.Get(ctx, "k", src.load)
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), v)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, int32(1), src.calls.Load())
}

func TestHierarchy_BreakerOpensOnRepeatedFailures(t *testing.T) {
	ctx := context.Background()
	l2 := &failingStore{MemoryStore: store.NewMemoryStore()}
	h := New(l2, Options{Breaker: BreakerOptions{FailureThreshold: 2, OpenTimeout: time.Hour}})
	src := &source{value: "v"}

	for range 5 {
		require.NoError(t, h.Invalidate(ctx, "k"))
		v, err := h.Get(ctx, "k", src.load)
		require.NoError(t, err)
		assert.Equal(t, []byte("v"), v)
	}
	assert.Equal(t, int32(2), l2.calls.Load(), "open breaker short-circuits l2 calls")
	assert.Equal(t, int32(5), src.calls.Load())
}

func TestHierarchy_DeadlineReturnsTimeoutButFillCompletes(t *testing.T) {
	src := &source{value: "v", gate: make(chan struct{})}
	h := New(nil, Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := h.Get(ctx, "k", src.load)
	require.Error(t, err)
	assert.True(t, core.IsTimeout(err))

	close(src.gate)
	assert.Eventually(t, func() bool { return h.Stats().L1Entries == 1 }, time.Second, time.Millisecond)
	v, err := h.Get(context.Background(), "k", src.load)
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), v)
	assert.Equal(t, int32(1), src.calls.Load())
}

func TestHierarchy_LoaderErrorIsNotCached(t *testing.T) {
	ctx := context.Background()
	src := &source{err: core.Errorf(core.ModuleProfile, core.ErrorCodeNotFound, "no profile")}
	h := New(nil, Options{})

	_, err := h.Get(ctx, "k", src.load)
	assert.True(t, core.IsNotFound(err))
	_, err = h.Get(ctx, "k", src.load)
	assert.True(t, core.IsNotFound(err))
	assert.Equal(t, int32(2), src.calls.Load())
}

func TestHierarchy_PreloadAndSweep(t *testing.T) {
	h := New(nil, Options{L1TTL: time.Minute, L2TTL: time.Minute})
	clock := newFakeClock()
	h.now = clock.now
	h.l1.now = clock.now

	src := &source{value: "warm", tags: []string{"user:u1"}}
	assert.True(t, h.Preload(context.Background(), "profile:u1", src.load))
	assert.Eventually(t, func() bool { return h.Stats().L1Entries == 1 }, time.Second, time.Millisecond)
	assert.False(t, h.Preload(context.Background(), "profile:u1", src.load), "already warm")

	failing := &source{err: errors.New("boom")}
	assert.True(t, h.Preload(context.Background(), "profile:u2", failing.load))
	assert.Eventually(t, func() bool { return failing.calls.Load() == 1 }, time.Second, time.Millisecond)

	clock.advance(2 * time.Minute)
	h.Sweep()
	st := h.Stats()
	assert.Equal(t, 0, st.L1Entries)
	assert.Equal(t, 0, st.Tags)
}

func TestGetJSON(t *testing.T) {
	type payload struct {
		IDs []string `json:"ids"`
	}
	h := New(nil, Options{})
	calls := 0
	load := func(ctx context.Context) (payload, []string, error) {
		calls++
		return payload{IDs: []string{"a", "b"}}, nil, nil
	}
	for range 2 {
		got, err := GetJSON(context.Background(), h, "rec:x", load)
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b"}, got.IDs)
	}
	assert.Equal(t, 1, calls)
}

// ttlStore 记录写入时的 TTL
type ttlStore struct {
	*store.MemoryStore
	ttls []int
}

func (s *ttlStore) Set(ctx context.Context, key string, value []byte, ttl ...int) error {
	s.ttls = append(s.ttls, ttl...)
	return s.MemoryStore.Set(ctx, key, value, ttl...)
}

func TestRemoteTier_SubSecondTTLStillExpires(t *testing.T) {
	l2 := &ttlStore{MemoryStore: store.NewMemoryStore()}
	defer l2.Close()
	ctx := context.Background()

	require.NoError(t, NewRemoteTier(l2, 500*time.Millisecond, 0, BreakerOptions{}).Set(ctx, "k", []byte("v")))
	require.NoError(t, NewRemoteTier(l2, 1500*time.Millisecond, 0, BreakerOptions{}).Set(ctx, "k", []byte("v")))
	require.NoError(t, NewRemoteTier(l2, time.Minute, 0, BreakerOptions{}).Set(ctx, "k", []byte("v")))
	assert.Equal(t, []int{1, 2, 60}, l2.ttls)
}
