// Package metrics 定义引擎各组件的 Prometheus 指标。
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "streamrec"

var (
	// EmbeddingUpdates 记录 embedding 更新次数，result 为 applied / noop / discarded
	EmbeddingUpdates = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "embedding_updates_total",
			Help:      "Embedding updates by entity kind and result",
		},
		[]string{"kind", "result"},
	)

	// TrainingExamples 记录被模型消费的训练样本
	TrainingExamples = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "training_examples_total",
			Help:      "Training examples consumed by label",
		},
		[]string{"label"},
	)

	// JoinMisses 记录未能关联到物品特征的行为，reason 为 expired / overflow
	JoinMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "join_misses_total",
			Help:      "Actions dropped because their item feature never arrived",
		},
		[]string{"reason"},
	)

	// PendingJoins 当前等待物品特征的行为数
	PendingJoins = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "pending_joins",
		Help:      "Actions buffered while waiting for item features",
	})

	// ProfileRecomputes 画像重算次数
	ProfileRecomputes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "profile_recomputes_total",
		Help:      "Physical user profile recomputes",
	})

	// ProfileActionsSkipped 未折叠进画像的行为，reason 为 buffer_full / unknown_item
	ProfileActionsSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "profile_actions_skipped_total",
			Help:      "Actions not folded into a user profile",
		},
		[]string{"reason"},
	)

	// CacheLookups 记录缓存访问，tier 为 l1 / l2 / l3，result 为 hit / miss / error / timeout
	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Cache lookups by tier and result",
		},
		[]string{"tier", "result"},
	)

	// CacheInvalidations 缓存失效次数
	CacheInvalidations = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cache_invalidations_total",
		Help:      "Keys invalidated across all cache tiers",
	})

	// IndexRebuilds 近似索引重建次数
	IndexRebuilds = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "index_rebuilds_total",
		Help:      "Approximate index rebuilds swapped in",
	})

	// IndexRebuildSeconds 近似索引重建耗时
	IndexRebuildSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "index_rebuild_seconds",
		Help:      "Time spent building the approximate index",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
	})

	// IndexDirty 已写入但尚未进入近似索引的物品数
	IndexDirty = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "index_dirty_items",
		Help:      "Items written since the current approximate index snapshot",
	})

	// IndexSearches 检索次数，path 为 ann / exact
	IndexSearches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "index_searches_total",
			Help:      "Vector searches by path",
		},
		[]string{"path"},
	)

	// RecommendLatency 推荐请求耗时
	RecommendLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "recommend_duration_seconds",
		Help:      "Recommendation request latency",
		Buckets:   prometheus.DefBuckets,
	})

	// RecommendErrors 推荐失败次数，按失败阶段划分
	RecommendErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recommend_errors_total",
			Help:      "Failed recommendation requests by stage and code",
		},
		[]string{"stage", "code"},
	)

	// ConsumerInFlight 流消费者正在处理的消息数
	ConsumerInFlight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "consumer_in_flight",
			Help:      "Records dispatched to workers and not yet committed",
		},
		[]string{"stream"},
	)

	// ConsumerErrors 处理失败的消息数
	ConsumerErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consumer_errors_total",
			Help:      "Records whose handler failed after retries",
		},
		[]string{"stream"},
	)

	// ConsumerFetchErrors 拉取失败次数，失败后消费者退避重试
	ConsumerFetchErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consumer_fetch_errors_total",
			Help:      "Transient fetch failures retried by stream consumers",
		},
		[]string{"stream"},
	)

	// DuplicateRecords 被去重丢弃的重复行为数
	DuplicateRecords = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "duplicate_records_total",
		Help:      "Action records skipped because they were already processed",
	})

	// AuditDropped 审计队列满时丢弃的记录数
	AuditDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "audit_dropped_total",
		Help:      "Audit records dropped because the writer queue was full",
	})
)
