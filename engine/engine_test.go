package engine

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rushteam/streamrec/cache"
	"github.com/rushteam/streamrec/core"
	"github.com/rushteam/streamrec/feature"
	"github.com/rushteam/streamrec/model"
	"github.com/rushteam/streamrec/profile"
	"github.com/rushteam/streamrec/store"
	"github.com/rushteam/streamrec/stream"
	"github.com/rushteam/streamrec/vector"
)

const testDim = 4

// slowStore 的读取固定延迟后再访问内存存储
type slowStore struct {
	*store.MemoryStore
	delay time.Duration
}

func (s *slowStore) Get(ctx context.Context, key string) ([]byte, error) {
	select {
	case <-time.After(s.delay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return s.MemoryStore.Get(ctx, key)
}

type fixture struct {
	*Engine
	log *stream.MemoryLog
}

func newFixture(t *testing.T, opts Options, profileStore core.Store) *fixture {
	t.Helper()
	ctx := context.Background()

	embeddings, err := model.NewEmbeddingStore(model.StoreOptions{Dimension: testDim, Optimizer: model.DefaultOptimizer()})
	require.NoError(t, err)
	features := feature.NewStore(testDim)

	backend := store.NewMemoryVectorService()
	index, err := vector.NewIndex(backend, vector.Options{Dimension: testDim, Metric: core.MetricCosine})
	require.NoError(t, err)
	require.NoError(t, index.Open(ctx))

	l2 := store.NewMemoryStore()
	hier := cache.New(l2, cache.Options{})
	if profileStore == nil {
		profileStore = store.NewMemoryStore()
	}
	profiles, err := profile.NewManager(profileStore, ItemSource(features, embeddings),
		profile.Options{Dimension: testDim, LearningRate: 0.5}, profile.WithInvalidator(hier))
	require.NoError(t, err)

	log := stream.NewMemoryLog(2)
	e, err := New(Components{
		Features:   features,
		Embeddings: embeddings,
		Trainer:    model.NewTrainer(embeddings, model.TrainerOptions{}),
		Sampler:    model.NewNegativeSampler(model.SampleUniform, 0),
		Index:      index,
		Profiles:   profiles,
		Cache:      hier,
		Producer:   log,
	}, opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = l2.Close()
		_ = log.Close()
	})
	return &fixture{Engine: e, log: log}
}

func (f *fixture) ingest(t *testing.T, id, category string, popularity float64, vec ...float64) {
	t.Helper()
	require.NoError(t, f.IngestItem(context.Background(), &core.ItemFeature{
		ItemID:     id,
		Embedding:  vec,
		Category:   category,
		Popularity: popularity,
		CreatedAt:  time.Now(),
	}))
}

func ids(items []core.ScoredItem) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.ItemID
	}
	return out
}

func TestNew_RequiresComponents(t *testing.T) {
	_, err := New(Components{}, Options{})
	assert.Error(t, err)
}

func TestRecommend_Validation(t *testing.T) {
	f := newFixture(t, Options{}, nil)
	ctx := context.Background()

	tests := []struct {
		name string
		req  core.RecommendRequest
	}{
		{"missing user", core.RecommendRequest{NumRecommendations: 5}},
		{"too many", core.RecommendRequest{UserID: "u1", NumRecommendations: core.MaxRecommendations + 1}},
		{"negative", core.RecommendRequest{UserID: "u1", NumRecommendations: -1}},
		{"empty category", core.RecommendRequest{UserID: "u1", NumRecommendations: 5, FilterCategories: []string{""}}},
		{"bad expr", core.RecommendRequest{UserID: "u1", NumRecommendations: 5, FilterExpr: "item.popularity +"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.Recommend(ctx, tt.req)
			assert.True(t, core.IsValidation(err), "got %v", err)
		})
	}
}

func TestRecommend_UnknownUserIsNotFound(t *testing.T) {
	f := newFixture(t, Options{}, nil)
	f.ingest(t, "a", "news", 0.5, 1, 0, 0, 0)

	_, err := f.Recommend(context.Background(), core.RecommendRequest{UserID: "ghost", NumRecommendations: 3})
	require.Error(t, err)
	assert.True(t, core.IsNotFound(err))
	assert.Equal(t, "profile", core.GetDomainError(err).Stage)
}

func TestRecommend_ColdItemIsServed(t *testing.T) {
	f := newFixture(t, Options{SimilarityThreshold: 0.5}, nil)
	ctx := context.Background()
	f.ingest(t, "a", "news", 0.5, 1, 0, 0, 0)
	f.ingest(t, "b", "news", 0.5, 0, 1, 0, 0)
	f.ingest(t, "c", "sport", 0.5, 0, 0, 1, 0)
	require.NoError(t, f.Index.Rebuild(ctx))

	// 新物品还没有进入近似图
	f.ingest(t, "fresh", "sport", 0.1, 0, 0, 0, 1)
	require.NoError(t, f.Embeddings.UpsertUser("u1", core.Embedding{Vector: []float64{0, 0, 0.1, 1}}))

	items, err := f.Recommend(ctx, core.RecommendRequest{UserID: "u1", NumRecommendations: 2})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "fresh", items[0].ItemID)
	assert.Equal(t, core.SourceCold, items[0].Source)
	assert.Greater(t, items[0].Score, 0.5)
}

func TestRecommend_FreshAfterItemEmbeddingUpdate(t *testing.T) {
	f := newFixture(t, Options{}, nil)
	ctx := context.Background()
	f.ingest(t, "a", "news", 0.5, 1, 0, 0, 0)
	f.ingest(t, "b", "news", 0.5, 0.8, 0.6, 0, 0)
	f.ingest(t, "c", "news", 0.5, 0, 0, 1, 0)
	require.NoError(t, f.Embeddings.UpsertUser("u1", core.Embedding{Vector: []float64{1, 0, 0, 0}}))
	req := core.RecommendRequest{UserID: "u1", NumRecommendations: 1}

	items, err := f.Recommend(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, ids(items))

	require.NoError(t, f.Embeddings.UpsertItem("a", core.Embedding{Vector: []float64{0, 0, 0, 1}}))

	items, err = f.Recommend(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, ids(items))
}

func TestRecommend_FreshAfterUserEmbeddingUpdate(t *testing.T) {
	f := newFixture(t, Options{}, nil)
	ctx := context.Background()
	f.ingest(t, "a", "news", 0.5, 1, 0, 0, 0)
	f.ingest(t, "b", "news", 0.5, 0, 1, 0, 0)
	require.NoError(t, f.Embeddings.UpsertUser("u1", core.Embedding{Vector: []float64{1, 0, 0, 0}}))
	req := core.RecommendRequest{UserID: "u1", NumRecommendations: 1}

	items, err := f.Recommend(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, ids(items))

	require.NoError(t, f.Embeddings.UpsertUser("u1", core.Embedding{Vector: []float64{0, 1, 0, 0}}))

	items, err = f.Recommend(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, ids(items))
}

func TestRecommend_ColdItemAfterCachedResult(t *testing.T) {
	f := newFixture(t, Options{SimilarityThreshold: 0.5}, nil)
	ctx := context.Background()
	f.ingest(t, "n1", "news", 0.5, 0, 0, 1, 0)
	require.NoError(t, f.Embeddings.UpsertUser("u1", core.Embedding{Vector: []float64{1, 0, 0, 0}}))
	sport := core.RecommendRequest{UserID: "u1", NumRecommendations: 5, FilterCategories: []string{"sport"}}
	news := core.RecommendRequest{UserID: "u1", NumRecommendations: 5, FilterCategories: []string{"news"}}
	all := core.RecommendRequest{UserID: "u1", NumRecommendations: 5}

	for _, req := range []core.RecommendRequest{sport, news, all} {
		items, err := f.Recommend(ctx, req)
		require.NoError(t, err)
		assert.Empty(t, items)
	}
	similar, err := f.SimilarItems(ctx, "n1", 5, nil)
	require.NoError(t, err)
	assert.Empty(t, similar)

	// 冷物品入库后，已缓存的类目列表与全量列表都要失效
	f.ingest(t, "I1", "sport", 0.1, 1, 0.1, 0, 0)

	items, err := f.Recommend(ctx, sport)
	require.NoError(t, err)
	assert.Equal(t, []string{"I1"}, ids(items))

	items, err = f.Recommend(ctx, all)
	require.NoError(t, err)
	assert.Equal(t, []string{"I1"}, ids(items))

	items, err = f.Recommend(ctx, news)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestSimilarItems_FreshAfterItemEmbeddingUpdate(t *testing.T) {
	f := newFixture(t, Options{}, nil)
	ctx := context.Background()
	f.ingest(t, "a", "news", 0.5, 1, 0, 0, 0)
	f.ingest(t, "b", "news", 0.5, 0.9, 0.1, 0, 0)
	f.ingest(t, "c", "news", 0.5, 0, 1, 0, 0)
	f.ingest(t, "d", "news", 0.5, 0, 0, 1, 0)

	items, err := f.SimilarItems(ctx, "a", 1, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, ids(items))

	require.NoError(t, f.Embeddings.UpsertItem("a", core.Embedding{Vector: []float64{0, 0, 1, 0.1}}))

	items, err = f.SimilarItems(ctx, "a", 1, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"d"}, ids(items))
}

func TestSimilarItems_Errors(t *testing.T) {
	f := newFixture(t, Options{}, nil)
	ctx := context.Background()
	f.ingest(t, "a", "news", 0.5, 1, 0, 0, 0)

	_, err := f.SimilarItems(ctx, "missing", 3, nil)
	assert.True(t, core.IsNotFound(err))

	_, err = f.SimilarItems(ctx, "a", 0, nil)
	assert.True(t, core.IsValidation(err))

	_, err = f.SimilarItems(ctx, "", 3, nil)
	assert.True(t, core.IsValidation(err))
}

func TestRecommend_FollowsProfileUpdates(t *testing.T) {
	f := newFixture(t, Options{}, nil)
	ctx := context.Background()
	f.ingest(t, "x", "news", 0.5, 1, 0, 0, 0)
	f.ingest(t, "y", "sport", 0.5, 0, 1, 0, 0)
	now := time.Now()

	require.NoError(t, f.ObserveAction(ctx, core.UserAction{UserID: "u1", ItemID: "x", Action: core.ActionClick, Timestamp: now}))
	_, err := f.Profiles.Flush(ctx)
	require.NoError(t, err)

	req := core.RecommendRequest{UserID: "u1", NumRecommendations: 1}
	items, err := f.Recommend(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, []string{"x"}, ids(items))

	for i := range 30 {
		a := core.UserAction{UserID: "u1", ItemID: "y", Action: core.ActionClick, Timestamp: now.Add(time.Duration(i+1) * time.Millisecond)}
		require.NoError(t, f.ObserveAction(ctx, a))
	}
	_, err = f.Profiles.Flush(ctx)
	require.NoError(t, err)

	items, err = f.Recommend(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, []string{"y"}, ids(items))

	p, err := f.Profile(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(31), p.InteractionCount)
	assert.Greater(t, p.Interests["sport"], p.Interests["news"])
}

func TestRecommend_TimeoutThenFillCompletes(t *testing.T) {
	slow := &slowStore{MemoryStore: store.NewMemoryStore(), delay: 100 * time.Millisecond}
	defer slow.Close()
	f := newFixture(t, Options{}, slow)
	f.ingest(t, "a", "news", 0.5, 1, 0, 0, 0)
	require.NoError(t, f.Embeddings.UpsertUser("u1", core.Embedding{Vector: []float64{1, 0, 0, 0}}))
	req := core.RecommendRequest{UserID: "u1", NumRecommendations: 1}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := f.Recommend(ctx, req)
	require.Error(t, err)
	assert.True(t, core.IsTimeout(err))

	// 回源在后台完成并写入缓存
	require.Eventually(t, func() bool { return f.Cache.Stats().L1Entries >= 1 }, 2*time.Second, 5*time.Millisecond)
	start := time.Now()
	items, err := f.Recommend(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, ids(items))
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestRecommend_FilterExprSeesPopularityRefresh(t *testing.T) {
	f := newFixture(t, Options{}, nil)
	ctx := context.Background()
	f.ingest(t, "p1", "news", 0.2, 1, 0.1, 0, 0)
	f.ingest(t, "p2", "news", 0.9, 1, 0.2, 0, 0)
	f.ingest(t, "p3", "sport", 0.9, 0, 0, 1, 0)
	for _, u := range []string{"u1", "u2"} {
		require.NoError(t, f.Embeddings.UpsertUser(u, core.Embedding{Vector: []float64{1, 0, 0, 0}}))
	}
	filtered := func(uid string) core.RecommendRequest {
		return core.RecommendRequest{
			UserID:             uid,
			NumRecommendations: 5,
			FilterCategories:   []string{"news"},
			FilterExpr:         "item.popularity > 0.5",
		}
	}

	items, err := f.Recommend(ctx, filtered("u1"))
	require.NoError(t, err)
	assert.Equal(t, []string{"p2"}, ids(items))

	// 重复入库只刷新热度
	f.ingest(t, "p1", "news", 0.8, 0, 0, 0, 1)
	v, _, ok := f.Index.Get("p1")
	require.True(t, ok)
	assert.Equal(t, []float64{1, 0.1, 0, 0}, v)

	items, err = f.Recommend(ctx, filtered("u2"))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"p1", "p2"}, ids(items))

	items, err = f.Recommend(ctx, filtered("u1"))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"p1", "p2"}, ids(items), "cached category list is refreshed")
}

func TestRecommend_ExcludeAndExact(t *testing.T) {
	f := newFixture(t, Options{}, nil)
	ctx := context.Background()
	for i := range 5 {
		f.ingest(t, fmt.Sprintf("i%d", i), "news", 0.5, 1, float64(i)*0.1, 0, 0)
	}
	require.NoError(t, f.Embeddings.UpsertUser("u1", core.Embedding{Vector: []float64{1, 0, 0, 0}}))

	items, err := f.Recommend(ctx, core.RecommendRequest{UserID: "u1", NumRecommendations: 2, ExcludeItems: []string{"i0"}, Exact: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"i1", "i2"}, ids(items))
	for _, it := range items {
		assert.Equal(t, core.SourceExact, it.Source)
	}
}

func TestTrain_UpdatesIndexedVector(t *testing.T) {
	f := newFixture(t, Options{}, nil)
	ctx := context.Background()
	f.ingest(t, "a", "news", 0.5, 1, 0, 0, 0)
	before, _, _ := f.Index.Get("a")

	require.NoError(t, f.Train(core.TrainingExample{UserID: "u1", ItemID: "a", Label: 1, Weight: 1, Timestamp: time.Now()}))

	after, _, ok := f.Index.Get("a")
	require.True(t, ok)
	assert.NotEqual(t, before, after)
	assert.Equal(t, 1, f.Index.Stats().PendingFlush)

	err := f.Train(core.TrainingExample{UserID: "u1", ItemID: "a", Label: 2, Weight: 1})
	assert.True(t, core.IsValidation(err))
	require.NoError(t, f.Index.Flush(ctx))
	assert.Equal(t, 0, f.Index.Stats().PendingFlush)
}

func TestIngest_ValidationAndSampler(t *testing.T) {
	f := newFixture(t, Options{}, nil)
	ctx := context.Background()

	err := f.IngestItem(ctx, &core.ItemFeature{ItemID: "a", Embedding: []float64{1, 0}, Category: "news"})
	assert.True(t, core.IsValidation(err))
	err = f.IngestItem(ctx, &core.ItemFeature{ItemID: "a", Embedding: []float64{1, 0, 0, 0}, Category: "news", Popularity: 1.5})
	assert.True(t, core.IsValidation(err))

	f.ingest(t, "a", "news", 0.5, 1, 0, 0, 0)
	f.ingest(t, "b", "news", 0.5, 0, 1, 0, 0)
	assert.Equal(t, 2, f.Sampler.Len())
	assert.Equal(t, 2, f.Stats().Items)
	assert.Equal(t, 2, f.Stats().Index.Items)
}

func TestSubmit_PublishesToStream(t *testing.T) {
	f := newFixture(t, Options{}, nil)
	ctx := context.Background()

	require.NoError(t, f.SubmitAction(ctx, core.UserAction{UserID: "u1", ItemID: "a", Action: core.ActionLike, Timestamp: time.Now()}))
	require.NoError(t, f.SubmitItem(ctx, &core.ItemFeature{ItemID: "a", Embedding: []float64{1, 0, 0, 0}, Category: "news"}))
	topics := stream.DefaultTopics()
	assert.Equal(t, 1, f.log.Len(topics.Actions))
	assert.Equal(t, 1, f.log.Len(topics.Features))

	err := f.SubmitAction(ctx, core.UserAction{UserID: "u1", ItemID: "a", Action: core.ActionLike})
	assert.True(t, core.IsValidation(err))

	f.Producer = nil
	err = f.SubmitAction(ctx, core.UserAction{UserID: "u1", ItemID: "a", Action: core.ActionLike, Timestamp: time.Now()})
	assert.True(t, core.IsUnavailable(err))
}

func TestPreload_WarmsRecentProfiles(t *testing.T) {
	f := newFixture(t, Options{}, nil)
	ctx := context.Background()
	f.ingest(t, "a", "news", 0.5, 1, 0, 0, 0)
	require.NoError(t, f.ObserveAction(ctx, core.UserAction{UserID: "u1", ItemID: "a", Action: core.ActionView, Timestamp: time.Now()}))
	_, err := f.Profiles.Flush(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, f.Preload(ctx))
	require.Eventually(t, func() bool { return f.Cache.Stats().L1Entries == 1 }, time.Second, 5*time.Millisecond)
	// 已在一级缓存中的画像不会重复预热
	assert.Equal(t, 0, f.Preload(ctx))
}

func TestRun_StopsWithContext(t *testing.T) {
	f := newFixture(t, Options{PreloadEvery: 10 * time.Millisecond}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not stop")
	}
}
