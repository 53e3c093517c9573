package stream

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rushteam/streamrec/core"
)

type featureSet struct {
	mu  sync.Mutex
	ids map[string]bool
}

func newFeatureSet(ids ...string) *featureSet {
	s := &featureSet{ids: make(map[string]bool)}
	for _, id := range ids {
		s.ids[id] = true
	}
	return s
}

func (s *featureSet) Has(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ids[id]
}

func (s *featureSet) add(id string) {
	s.mu.Lock()
	s.ids[id] = true
	s.mu.Unlock()
}

type fixedSampler []string

func (f fixedSampler) Sample(user, positive string, k int) []string {
	var out []string
	for _, id := range f {
		if id != positive && len(out) < k {
			out = append(out, id)
		}
	}
	return out
}

type testClock struct{ t time.Time }

func (c *testClock) now() time.Time { return c.t }

func newTestBuilder(items FeatureLookup, sampler Sampler, opts BuilderOptions) (*Builder, *testClock) {
	b := NewBuilder(items, sampler, opts)
	clock := &testClock{t: time.Now()}
	b.now = clock.now
	return b, clock
}

func click(uid, item string, at time.Time) core.UserAction {
	return core.UserAction{UserID: uid, ItemID: item, Action: core.ActionClick, Timestamp: at}
}

func TestBuilder_JoinPresentItem(t *testing.T) {
	b, clock := newTestBuilder(newFeatureSet("i1", "n1", "n2", "n3"), fixedSampler{"i1", "n1", "n2", "n3"}, BuilderOptions{NegativeRatio: 2})

	exs, err := b.Join(click("u1", "i1", clock.now()))
	require.NoError(t, err)
	require.Len(t, exs, 3)
	assert.Equal(t, 1.0, exs[0].Label)
	assert.Equal(t, core.ActionClick.Weight(), exs[0].Weight)
	for _, ex := range exs[1:] {
		assert.Equal(t, 0.0, ex.Label)
		assert.NotEqual(t, "i1", ex.ItemID)
		assert.Equal(t, 1.0, ex.Weight)
	}
	st := b.Stats()
	assert.Equal(t, int64(1), st.Joined)
	assert.Equal(t, int64(2), st.Negatives)
}

func TestBuilder_LateFeatureYieldsExactlyOneExample(t *testing.T) {
	items := newFeatureSet()
	b, clock := newTestBuilder(items, nil, BuilderOptions{RetryWindow: time.Minute})

	exs, err := b.Join(click("u1", "I2", clock.now()))
	require.NoError(t, err)
	assert.Empty(t, exs)
	assert.Equal(t, 1, b.Stats().Pending)

	clock.t = clock.t.Add(30 * time.Second)
	assert.Equal(t, 0, b.Expire())

	items.add("I2")
	exs = b.ItemArrived("I2")
	require.Len(t, exs, 1)
	assert.Equal(t, "u1", exs[0].UserID)
	assert.Equal(t, "I2", exs[0].ItemID)

	assert.Empty(t, b.ItemArrived("I2"))
	clock.t = clock.t.Add(time.Hour)
	assert.Equal(t, 0, b.Expire())
	st := b.Stats()
	assert.Equal(t, 0, st.Pending)
	assert.Equal(t, int64(0), st.MissExpired)
}

func TestBuilder_ExpiryCountsJoinMiss(t *testing.T) {
	b, clock := newTestBuilder(newFeatureSet(), nil, BuilderOptions{RetryWindow: time.Minute})

	_, err := b.Join(click("u1", "a", clock.now()))
	require.NoError(t, err)
	clock.t = clock.t.Add(30 * time.Second)
	_, err = b.Join(click("u2", "b", clock.now()))
	require.NoError(t, err)

	clock.t = clock.t.Add(31 * time.Second)
	assert.Equal(t, 1, b.Expire())
	assert.Empty(t, b.ItemArrived("a"), "expired action is not joined later")

	clock.t = clock.t.Add(time.Minute)
	assert.Equal(t, 1, b.Expire())
	st := b.Stats()
	assert.Equal(t, int64(2), st.MissExpired)
	assert.Equal(t, 0, st.Pending)
}

func TestBuilder_OverflowEvictsOldest(t *testing.T) {
	b, clock := newTestBuilder(newFeatureSet(), nil, BuilderOptions{Capacity: 2})

	for _, item := range []string{"a", "b", "c"} {
		_, err := b.Join(click("u1", item, clock.now()))
		require.NoError(t, err)
	}
	st := b.Stats()
	assert.Equal(t, 2, st.Pending)
	assert.Equal(t, int64(1), st.MissOverflow)
	assert.Empty(t, b.ItemArrived("a"))
	assert.Len(t, b.ItemArrived("b"), 1)
	assert.Len(t, b.ItemArrived("c"), 1)
}

func TestBuilder_ArenaReusesSlots(t *testing.T) {
	items := newFeatureSet()
	b, clock := newTestBuilder(items, nil, BuilderOptions{Capacity: 4})

	for range 50 {
		_, err := b.Join(click("u1", "x", clock.now()))
		require.NoError(t, err)
		items.add("x")
		require.Len(t, b.ItemArrived("x"), 1)
		items.ids = map[string]bool{}
	}
	st := b.Stats()
	assert.Equal(t, int64(50), st.Joined)
	assert.Equal(t, int64(0), st.MissOverflow)
	assert.LessOrEqual(t, len(b.fifo), 2*4+1)
}

func TestBuilder_RejectsInvalidAction(t *testing.T) {
	b, clock := newTestBuilder(newFeatureSet("i1"), nil, BuilderOptions{})
	tests := []core.UserAction{
		{ItemID: "i1", Action: core.ActionClick, Timestamp: clock.now()},
		{UserID: "u", ItemID: "i1", Timestamp: clock.now()},
		{UserID: "u", ItemID: "i1", Action: core.ActionView, Timestamp: clock.now().Add(2 * time.Hour)},
	}
	for _, a := range tests {
		_, err := b.Join(a)
		assert.True(t, core.IsValidation(err))
	}
	assert.Equal(t, 0, b.Stats().Pending)
}
