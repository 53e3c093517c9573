package vector

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rushteam/streamrec/core"
	"github.com/rushteam/streamrec/store"
)

func newTestIndex(t *testing.T, metric core.Metric) (*Index, *store.MemoryVectorService) {
	t.Helper()
	backend := store.NewMemoryVectorService()
	idx, err := NewIndex(backend, Options{Dimension: 2, Metric: metric, Graph: GraphOptions{M: 8, EfConstruction: 32}})
	require.NoError(t, err)
	require.NoError(t, idx.Open(context.Background()))
	return idx, backend
}

func ids(items []core.ScoredItem) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.ItemID
	}
	return out
}

func TestNewIndex_Validation(t *testing.T) {
	_, err := NewIndex(nil, Options{Dimension: 2})
	assert.Error(t, err)
	_, err = NewIndex(store.NewMemoryVectorService(), Options{})
	assert.Error(t, err)
	_, err = NewIndex(store.NewMemoryVectorService(), Options{Dimension: 2, Metric: "manhattan"})
	assert.Error(t, err)
}

func TestIndex_SearchOrdering(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		metric core.Metric
		query  []float64
		want   []string
	}{
		{core.MetricCosine, []float64{1, 0}, []string{"a", "b", "far"}},
		{core.MetricEuclidean, []float64{1, 0}, []string{"a", "b", "c"}},
		{core.MetricInnerProduct, []float64{1, 0}, []string{"far", "a", "b"}},
	}
	for _, tt := range tests {
		t.Run(string(tt.metric), func(t *testing.T) {
			idx, _ := newTestIndex(t, tt.metric)
			require.NoError(t, idx.Upsert(ctx, "a", []float64{1, 0}, core.ItemMeta{}))
			require.NoError(t, idx.Upsert(ctx, "b", []float64{0.9, 0.3}, core.ItemMeta{}))
			require.NoError(t, idx.Upsert(ctx, "c", []float64{0, 1}, core.ItemMeta{}))
			require.NoError(t, idx.Upsert(ctx, "far", []float64{5, 5}, core.ItemMeta{}))

			for _, rebuilt := range []bool{false, true} {
				if rebuilt {
					require.NoError(t, idx.Rebuild(ctx))
				}
				got, err := idx.Search(ctx, SearchRequest{Vector: tt.query, TopK: 3})
				require.NoError(t, err)
				assert.Equal(t, tt.want, ids(got), "rebuilt=%v", rebuilt)
			}
		})
	}
}

func TestIndex_ColdItemVisibleBeforeRebuild(t *testing.T) {
	ctx := context.Background()
	idx, _ := newTestIndex(t, core.MetricCosine)
	for i := range 20 {
		require.NoError(t, idx.Upsert(ctx, fmt.Sprintf("old-%d", i), []float64{0.1 * float64(i+1), 1}, core.ItemMeta{}))
	}
	require.NoError(t, idx.Rebuild(ctx))
	assert.Equal(t, 0, idx.Stats().Dirty)

	require.NoError(t, idx.Upsert(ctx, "new", []float64{1, 0}, core.ItemMeta{}))
	st := idx.Stats()
	assert.Equal(t, 1, st.Dirty)
	assert.Equal(t, 20, st.GraphSize)

	got, err := idx.Search(ctx, SearchRequest{Vector: []float64{1, 0}, TopK: 5})
	require.NoError(t, err)
	require.Len(t, got, 5)
	assert.Equal(t, "new", got[0].ItemID)
	assert.Equal(t, core.SourceCold, got[0].Source)
	assert.Equal(t, core.SourceANN, got[1].Source)

	require.NoError(t, idx.Rebuild(ctx))
	st = idx.Stats()
	assert.Equal(t, 0, st.Dirty)
	assert.Equal(t, 21, st.GraphSize)
	assert.Equal(t, int64(2), st.Rebuilds)

	got, err = idx.Search(ctx, SearchRequest{Vector: []float64{1, 0}, TopK: 1})
	require.NoError(t, err)
	assert.Equal(t, "new", got[0].ItemID)
	assert.Equal(t, core.SourceANN, got[0].Source)
}

func TestIndex_UpdatedVectorScoredFromCatalog(t *testing.T) {
	ctx := context.Background()
	idx, _ := newTestIndex(t, core.MetricCosine)
	require.NoError(t, idx.Upsert(ctx, "x", []float64{0, 1}, core.ItemMeta{}))
	require.NoError(t, idx.Upsert(ctx, "y", []float64{0.7, 0.7}, core.ItemMeta{}))
	require.NoError(t, idx.Rebuild(ctx))

	assert.True(t, idx.Stage("x", []float64{1, 0}))
	assert.False(t, idx.Stage("unknown", []float64{1, 0}))
	assert.False(t, idx.Stage("x", []float64{1}))

	got, err := idx.Search(ctx, SearchRequest{Vector: []float64{1, 0}, TopK: 2})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "x", got[0].ItemID)
	assert.InDelta(t, 1.0, got[0].Score, 1e-9)
	assert.Equal(t, core.SourceCold, got[0].Source)
}

func TestIndex_FilterOverFetch(t *testing.T) {
	ctx := context.Background()
	idx, _ := newTestIndex(t, core.MetricCosine)
	for i := range 200 {
		require.NoError(t, idx.Upsert(ctx, fmt.Sprintf("common-%d", i), []float64{1, 0.001 * float64(i)}, core.ItemMeta{Category: "common"}))
	}
	for i := range 3 {
		require.NoError(t, idx.Upsert(ctx, fmt.Sprintf("rare-%d", i), []float64{0.1 * float64(i), 1}, core.ItemMeta{Category: "rare"}))
	}
	require.NoError(t, idx.Rebuild(ctx))

	got, err := idx.Search(ctx, SearchRequest{
		Vector: []float64{1, 0},
		TopK:   3,
		Filter: &core.Filter{Categories: []string{"rare"}},
	})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, []string{"rare-2", "rare-1", "rare-0"}, ids(got))
	for _, it := range got {
		assert.Equal(t, "rare", it.Category)
	}

	got, err = idx.Search(ctx, SearchRequest{
		Vector:  []float64{1, 0},
		TopK:    2,
		Exclude: map[string]struct{}{"common-0": {}},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"common-1", "common-2"}, ids(got))
}

func TestIndex_Threshold(t *testing.T) {
	ctx := context.Background()
	for _, rebuilt := range []bool{false, true} {
		idx, _ := newTestIndex(t, core.MetricCosine)
		require.NoError(t, idx.Upsert(ctx, "a", []float64{1, 0}, core.ItemMeta{}))
		require.NoError(t, idx.Upsert(ctx, "b", []float64{1, 0.2}, core.ItemMeta{}))
		require.NoError(t, idx.Upsert(ctx, "c", []float64{1, 1}, core.ItemMeta{}))
		require.NoError(t, idx.Upsert(ctx, "d", []float64{0, 1}, core.ItemMeta{}))
		if rebuilt {
			require.NoError(t, idx.Rebuild(ctx))
		}
		thr := 0.9
		got, err := idx.Search(ctx, SearchRequest{Vector: []float64{1, 0}, TopK: 4, Threshold: &thr})
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b"}, ids(got), "rebuilt=%v", rebuilt)
	}

	idx, _ := newTestIndex(t, core.MetricEuclidean)
	require.NoError(t, idx.Upsert(ctx, "near", []float64{0, 0.5}, core.ItemMeta{}))
	require.NoError(t, idx.Upsert(ctx, "far", []float64{0, 3}, core.ItemMeta{}))
	thr := 1.0
	got, err := idx.Search(ctx, SearchRequest{Vector: []float64{0, 0}, TopK: 2, Threshold: &thr})
	require.NoError(t, err)
	assert.Equal(t, []string{"near"}, ids(got))
}

func TestIndex_MetricOverrideScans(t *testing.T) {
	ctx := context.Background()
	idx, _ := newTestIndex(t, core.MetricCosine)
	require.NoError(t, idx.Upsert(ctx, "small", []float64{0.1, 0}, core.ItemMeta{}))
	require.NoError(t, idx.Upsert(ctx, "large", []float64{3, 0.5}, core.ItemMeta{}))
	require.NoError(t, idx.Rebuild(ctx))

	got, err := idx.Search(ctx, SearchRequest{Vector: []float64{0, 0}, TopK: 1, Metric: core.MetricEuclidean})
	require.NoError(t, err)
	assert.Equal(t, []string{"small"}, ids(got))
	assert.Equal(t, core.SourceExact, got[0].Source)
}

func TestIndex_SearchExactFlushes(t *testing.T) {
	ctx := context.Background()
	idx, backend := newTestIndex(t, core.MetricCosine)
	require.NoError(t, idx.Upsert(ctx, "a", []float64{0, 1}, core.ItemMeta{Category: "x"}))
	require.NoError(t, idx.Upsert(ctx, "b", []float64{0.6, 0.8}, core.ItemMeta{Category: "x"}))

	require.True(t, idx.Stage("a", []float64{1, 0}))
	assert.Equal(t, 1, idx.Stats().PendingFlush)

	got, err := idx.SearchExact(ctx, SearchRequest{Vector: []float64{1, 0}, TopK: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids(got))
	assert.Equal(t, core.SourceExact, got[0].Source)
	assert.Equal(t, "x", got[0].Category)
	assert.Equal(t, 0, idx.Stats().PendingFlush)

	res, err := backend.Search(ctx, &core.VectorSearchRequest{Collection: "items", Vector: []float64{1, 0}, TopK: 1})
	require.NoError(t, err)
	assert.Equal(t, "a", res.Items[0].ID)
}

func TestIndex_Delete(t *testing.T) {
	ctx := context.Background()
	idx, backend := newTestIndex(t, core.MetricCosine)
	require.NoError(t, idx.Upsert(ctx, "a", []float64{1, 0}, core.ItemMeta{}))
	require.NoError(t, idx.Upsert(ctx, "b", []float64{0.8, 0.6}, core.ItemMeta{}))
	require.NoError(t, idx.Upsert(ctx, "c", []float64{0, 1}, core.ItemMeta{}))
	require.NoError(t, idx.Rebuild(ctx))

	require.NoError(t, idx.Delete(ctx, "a"))
	assert.Equal(t, 2, idx.Len())
	assert.Equal(t, 2, backend.Count("items"))
	_, _, ok := idx.Get("a")
	assert.False(t, ok)

	got, err := idx.Search(ctx, SearchRequest{Vector: []float64{1, 0}, TopK: 3})
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c"}, ids(got))

	require.NoError(t, idx.Rebuild(ctx))
	assert.Equal(t, 2, idx.Stats().GraphSize)
}

func TestIndex_Errors(t *testing.T) {
	idx, _ := newTestIndex(t, core.MetricCosine)
	ctx := context.Background()

	_, err := idx.Search(ctx, SearchRequest{Vector: []float64{1, 0, 0}, TopK: 1})
	assert.True(t, core.IsValidation(err))
	_, err = idx.Search(ctx, SearchRequest{Vector: []float64{1, 0}, TopK: 0})
	assert.True(t, core.IsValidation(err))
	assert.True(t, core.IsValidation(idx.Upsert(ctx, "a", []float64{1}, core.ItemMeta{})))

	require.NoError(t, idx.Upsert(ctx, "a", []float64{1, 0}, core.ItemMeta{}))
	require.NoError(t, idx.Rebuild(ctx))
	cctx, cancel := context.WithTimeout(ctx, time.Nanosecond)
	defer cancel()
	<-cctx.Done()
	_, err = idx.Search(cctx, SearchRequest{Vector: []float64{1, 0}, TopK: 1})
	assert.True(t, core.IsTimeout(err))
}

func TestIndex_RunRebuildsInBackground(t *testing.T) {
	backend := store.NewMemoryVectorService()
	idx, err := NewIndex(backend, Options{Dimension: 2, MaxBuildLag: 20 * time.Millisecond})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, idx.Open(ctx))
	require.NoError(t, idx.Upsert(ctx, "a", []float64{1, 0}, core.ItemMeta{}))

	done := make(chan error, 1)
	go func() { done <- idx.Run(ctx) }()
	assert.Eventually(t, func() bool { return idx.Stats().GraphSize == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
