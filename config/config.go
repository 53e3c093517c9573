// Package config 定义 streamrec 的配置：默认值 ← YAML 文件 ← 环境变量（前缀 STREAMREC_），最后统一校验。
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/rushteam/streamrec/cache"
	"github.com/rushteam/streamrec/core"
	"github.com/rushteam/streamrec/engine"
	"github.com/rushteam/streamrec/model"
	"github.com/rushteam/streamrec/profile"
	"github.com/rushteam/streamrec/store"
	"github.com/rushteam/streamrec/stream"
	"github.com/rushteam/streamrec/vector"
)

// EnvPrefix 是环境变量前缀
const EnvPrefix = "STREAMREC_"

// Config 是服务的完整配置
type Config struct {
	// Dimension 是 embedding 维度，所有组件共用
	Dimension int         `yaml:"dimension" env:"DIMENSION"`
	Metric    core.Metric `yaml:"metric" env:"METRIC"`
	LogLevel  string      `yaml:"log_level" env:"LOG_LEVEL"`

	Model   ModelConfig           `yaml:"model" envPrefix:"MODEL_"`
	Index   vector.Options        `yaml:"index"`
	Cache   cache.Options         `yaml:"cache"`
	Profile profile.Options       `yaml:"profile"`
	Join    stream.BuilderOptions `yaml:"join"`
	Engine  engine.Options        `yaml:"engine"`

	Stream   StreamConfig  `yaml:"stream" envPrefix:"STREAM_"`
	Backends BackendConfig `yaml:"backends" envPrefix:"BACKEND_"`
}

// ModelConfig 是在线学习配置
type ModelConfig struct {
	Optimizer model.Optimizer      `yaml:"optimizer"`
	Init      InitConfig           `yaml:"init"`
	Trainer   model.TrainerOptions `yaml:"trainer"`
	Shards    int                  `yaml:"shards" env:"SHARDS"`
	// Sampling 是负采样策略：uniform / popularity
	Sampling      model.SamplingStrategy `yaml:"sampling" env:"SAMPLING"`
	SamplingPower float64                `yaml:"sampling_power"`
}

// InitConfig 是 embedding 初始化配置
type InitConfig struct {
	Scheme  model.InitScheme `yaml:"scheme" env:"INIT_SCHEME"`
	Scale   float64          `yaml:"scale"`
	MaxNorm float64          `yaml:"max_norm"`
	Seed    uint64           `yaml:"seed" env:"INIT_SEED"`
}

// StreamConfig 是流配置
type StreamConfig struct {
	// Driver: memory / kafka
	Driver string              `yaml:"driver" env:"DRIVER"`
	Topics stream.Topics       `yaml:"topics" envPrefix:"TOPIC_"`
	Kafka  stream.KafkaOptions `yaml:"kafka" envPrefix:"KAFKA_"`
	// Partitions 是内存日志的分区数
	Partitions  int                    `yaml:"partitions"`
	Actions     stream.ConsumerOptions `yaml:"actions"`
	Features    stream.ConsumerOptions `yaml:"features"`
	Examples    stream.ConsumerOptions `yaml:"examples"`
	ExpireEvery time.Duration          `yaml:"expire_every"`
	Dedupe      stream.DedupeOptions   `yaml:"dedupe"`
}

// BackendConfig 选择各存储的实现
type BackendConfig struct {
	// Vector 是权威向量存储：memory / milvus / qdrant
	Vector string               `yaml:"vector" env:"VECTOR"`
	Milvus MilvusConfig         `yaml:"milvus" envPrefix:"MILVUS_"`
	Qdrant vector.QdrantOptions `yaml:"qdrant" envPrefix:"QDRANT_"`
	// Cache 是二级缓存：memory / redis / none
	Cache string `yaml:"cache" env:"CACHE"`
	// Profile 是画像的权威存储：memory / redis
	Profile string             `yaml:"profile" env:"PROFILE"`
	Redis   store.RedisOptions `yaml:"redis" envPrefix:"REDIS_"`
	// Audit.Path 为空时不启用审计
	Audit store.SQLiteAuditOptions `yaml:"audit" envPrefix:"AUDIT_"`
}

// MilvusConfig 是 Milvus 连接配置
type MilvusConfig struct {
	Address  string `yaml:"address" env:"ADDRESS"`
	Username string `yaml:"username" env:"USERNAME"`
	Password string `yaml:"password" env:"PASSWORD"`
	Database string `yaml:"database" env:"DATABASE"`
}

// Default 返回默认配置
func Default() *Config {
	opt := model.DefaultOptimizer()
	return &Config{
		Dimension: 128,
		Metric:    core.MetricCosine,
		LogLevel:  "info",
		Model: ModelConfig{
			Optimizer:     opt,
			Init:          InitConfig{Scheme: model.InitUniform, Scale: 0.01, MaxNorm: 1},
			Trainer:       model.TrainerOptions{Regularization: 0.01, Logistic: true, GradClip: 5},
			Shards:        64,
			Sampling:      model.SamplePopularity,
			SamplingPower: 0.75,
		},
		Index: vector.Options{
			Collection:  "items",
			IndexType:   "FLAT",
			Graph:       vector.GraphOptions{M: 16, EfConstruction: 200},
			EfSearch:    64,
			OverFetch:   4,
			MaxBuildLag: 30 * time.Second,
			DirtyLimit:  10000,
			FlushBatch:  512,
		},
		Cache: cache.Options{
			L1Capacity:         10000,
			L1TTL:              5 * time.Minute,
			L2TTL:              time.Hour,
			L2Timeout:          50 * time.Millisecond,
			FillTimeout:        2 * time.Second,
			PreloadConcurrency: 8,
		},
		Profile: profile.Options{
			Interval:       300 * time.Second,
			LearningRate:   0.1,
			InterestDecay:  0.95,
			MaxRecentItems: 50,
			MaxPending:     256,
			FlushEvery:     time.Second,
			IdleTTL:        24 * time.Hour,
		},
		Join: stream.BuilderOptions{
			Capacity:       10000,
			RetryWindow:    5 * time.Minute,
			NegativeRatio:  4,
			NegativeWeight: 1,
		},
		Engine: engine.Options{
			DefaultTopK:         50,
			SimilarityThreshold: 0.7,
			ProfileBlend:        0.5,
			RequestTimeout:      200 * time.Millisecond,
			InvalidateTimeout:   time.Second,
			PreloadUsers:        100,
			PreloadEvery:        30 * time.Second,
		},
		Stream: StreamConfig{
			Driver:      "memory",
			Topics:      stream.DefaultTopics(),
			Kafka:       stream.KafkaOptions{ClientID: "streamrec", Group: "streamrec", RequiredAcks: -1, Idempotent: true},
			Partitions:  8,
			ExpireEvery: time.Second,
			Dedupe:      stream.DedupeOptions{Capacity: 1 << 20, FalsePositive: 1e-4},
		},
		Backends: BackendConfig{
			Vector:  "memory",
			Cache:   "memory",
			Profile: "memory",
			Milvus:  MilvusConfig{Database: "default"},
			Qdrant:  vector.QdrantOptions{Port: 6334},
			Redis:   store.RedisOptions{Addr: "localhost:6379", KeyPrefix: "streamrec:"},
		},
	}
}

// LoadFromYAML 在默认配置上依次叠加 YAML 文件与环境变量，然后校验。path 为空时只读环境变量。
func LoadFromYAML(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse yaml: %w", err)
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv 用 STREAMREC_ 前缀的环境变量覆盖配置
func (c *Config) ApplyEnv() error {
	if err := env.ParseWithOptions(c, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

func invalid(format string, args ...any) error {
	return core.Errorf(core.ModuleConfig, core.ErrorCodeInvalidInput, format, args...)
}

// Validate 校验配置，并把全局的维度与度量同步到各组件配置
func (c *Config) Validate() error {
	if c.Dimension <= 0 {
		return invalid("dimension must be positive, got %d", c.Dimension)
	}
	if !c.Metric.Valid() {
		return invalid("unsupported metric %q", c.Metric)
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return invalid("log_level: %v", err)
	}
	if err := c.Model.Optimizer.Validate(); err != nil {
		return invalid("model.optimizer: %v", err)
	}
	switch c.Model.Sampling {
	case model.SampleUniform, model.SamplePopularity:
	default:
		return invalid("unknown sampling strategy %q", c.Model.Sampling)
	}
	if c.Join.NegativeRatio < 0 {
		return invalid("join.negative_ratio must not be negative, got %d", c.Join.NegativeRatio)
	}
	if c.Engine.DefaultTopK < 1 || c.Engine.DefaultTopK > core.MaxRecommendations {
		return invalid("engine.top_k must be within [1,%d], got %d", core.MaxRecommendations, c.Engine.DefaultTopK)
	}
	if c.Engine.ProfileBlend < 0 || c.Engine.ProfileBlend > 1 {
		return invalid("engine.profile_blend must be within [0,1], got %v", c.Engine.ProfileBlend)
	}
	if c.Cache.L2TTL < time.Second {
		return invalid("cache.l2_ttl must be at least 1s, got %v", c.Cache.L2TTL)
	}
	if c.Profile.Interval <= 0 {
		return invalid("profile.update_interval must be positive")
	}
	switch c.Stream.Driver {
	case "memory":
	case "kafka":
		if len(c.Stream.Kafka.Brokers) == 0 {
			return invalid("stream.kafka.brokers is required for the kafka driver")
		}
	default:
		return invalid("unknown stream driver %q", c.Stream.Driver)
	}
	if c.Stream.Topics.Actions == "" || c.Stream.Topics.Features == "" || c.Stream.Topics.Examples == "" {
		return invalid("stream topics must not be empty")
	}
	if err := validateBackends(&c.Backends); err != nil {
		return err
	}

	c.Index.Dimension = c.Dimension
	c.Index.Metric = c.Metric
	c.Profile.Dimension = c.Dimension
	c.Engine.Topics = c.Stream.Topics
	return nil
}

// Level 返回日志级别
func (c *Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil {
		return zerolog.InfoLevel
	}
	return lvl
}

// Initializer 按配置创建 embedding 初始化器
func (c *Config) Initializer() (*model.Initializer, error) {
	in := c.Model.Init
	return model.NewInitializer(in.Scheme, c.Dimension, in.Scale, in.MaxNorm, in.Seed)
}

// RunnerOptions 返回流水线配置
func (c *Config) RunnerOptions() stream.RunnerOptions {
	return stream.RunnerOptions{
		Topics:      c.Stream.Topics,
		Actions:     c.Stream.Actions,
		Features:    c.Stream.Features,
		Examples:    c.Stream.Examples,
		ExpireEvery: c.Stream.ExpireEvery,
		Dedupe:      c.Stream.Dedupe,
	}
}
