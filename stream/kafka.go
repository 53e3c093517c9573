package stream

import (
	"context"
	"errors"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/rushteam/streamrec/core"
)

// KafkaOptions 是 Kafka 客户端配置
type KafkaOptions struct {
	Brokers  []string `yaml:"brokers" env:"BROKERS" envSeparator:","`
	ClientID string   `yaml:"client_id" env:"CLIENT_ID"`
	// Group 是消费组，仅订阅方使用
	Group string `yaml:"group" env:"GROUP"`
	// RequiredAcks: 0=不等待, 1=leader, -1=全部 ISR
	RequiredAcks int16 `yaml:"required_acks" env:"REQUIRED_ACKS"`
	// Compression: gzip / snappy / lz4 / zstd
	Compression    string `yaml:"compression" env:"COMPRESSION"`
	Idempotent     bool   `yaml:"idempotent" env:"IDEMPOTENT"`
	MaxRetries     int    `yaml:"max_retries" env:"MAX_RETRIES"`
	MaxPollRecords int    `yaml:"max_poll_records" env:"MAX_POLL_RECORDS"`
}

func (o *KafkaOptions) withDefaults() {
	if o.ClientID == "" {
		o.ClientID = "streamrec"
	}
	if o.RequiredAcks == 0 {
		o.RequiredAcks = 1
	}
	if o.MaxRetries == 0 {
		o.MaxRetries = 3
	}
	if o.MaxPollRecords <= 0 {
		o.MaxPollRecords = 256
	}
}

func (o KafkaOptions) clientOpts() []kgo.Opt {
	opts := []kgo.Opt{
		kgo.SeedBrokers(o.Brokers...),
		kgo.ClientID(o.ClientID),
		kgo.RecordRetries(o.MaxRetries),
	}
	switch o.RequiredAcks {
	case -1:
		opts = append(opts, kgo.RequiredAcks(kgo.AllISRAcks()))
	case 0:
		opts = append(opts, kgo.RequiredAcks(kgo.NoAck()))
	default:
		opts = append(opts, kgo.RequiredAcks(kgo.LeaderAck()))
	}
	// 幂等写入要求 acks=all
	if !o.Idempotent || o.RequiredAcks != -1 {
		opts = append(opts, kgo.DisableIdempotentWrite())
	}
	if c, ok := compressionCodec(o.Compression); ok {
		opts = append(opts, kgo.ProducerBatchCompression(c))
	}
	return opts
}

func compressionCodec(name string) (kgo.CompressionCodec, bool) {
	switch name {
	case "gzip":
		return kgo.GzipCompression(), true
	case "snappy":
		return kgo.SnappyCompression(), true
	case "lz4":
		return kgo.Lz4Compression(), true
	case "zstd":
		return kgo.ZstdCompression(), true
	}
	return kgo.CompressionCodec{}, false
}

// KafkaProducer 是基于 franz-go 的 core.Producer 实现
type KafkaProducer struct {
	client *kgo.Client
}

// NewKafkaProducer 创建 Kafka 生产者
func NewKafkaProducer(opts KafkaOptions) (*KafkaProducer, error) {
	if len(opts.Brokers) == 0 {
		return nil, core.Errorf(core.ModuleStream, core.ErrorCodeInvalidInput, "kafka brokers are required")
	}
	opts.withDefaults()
	client, err := kgo.NewClient(opts.clientOpts()...)
	if err != nil {
		return nil, core.WrapError(core.ModuleStream, "kafka", err)
	}
	return &KafkaProducer{client: client}, nil
}

// Produce 同步发送，全部确认后返回
func (p *KafkaProducer) Produce(ctx context.Context, records ...*core.Record) error {
	krs := make([]*kgo.Record, len(records))
	for i, r := range records {
		krs[i] = toKafka(r)
	}
	if err := p.client.ProduceSync(ctx, krs...).FirstErr(); err != nil {
		return classifyKafka(ctx, err)
	}
	return nil
}

// Close 刷出缓冲并关闭客户端
func (p *KafkaProducer) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := p.client.Flush(ctx)
	p.client.Close()
	return err
}

// KafkaSubscriber 是基于 franz-go 消费组的 core.Subscriber 实现，关闭自动提交，
// 位点只在 Commit 时提交。
type KafkaSubscriber struct {
	client   *kgo.Client
	maxBatch int
}

// NewKafkaSubscriber 创建消费组订阅
func NewKafkaSubscriber(opts KafkaOptions, topics ...string) (*KafkaSubscriber, error) {
	if len(opts.Brokers) == 0 || opts.Group == "" {
		return nil, core.Errorf(core.ModuleStream, core.ErrorCodeInvalidInput, "kafka brokers and group are required")
	}
	opts.withDefaults()
	kopts := append(opts.clientOpts(),
		kgo.ConsumerGroup(opts.Group),
		kgo.ConsumeTopics(topics...),
		kgo.DisableAutoCommit(),
	)
	client, err := kgo.NewClient(kopts...)
	if err != nil {
		return nil, core.WrapError(core.ModuleStream, "kafka", err)
	}
	return &KafkaSubscriber{client: client, maxBatch: opts.MaxPollRecords}, nil
}

// Fetch 拉取下一批消息
func (s *KafkaSubscriber) Fetch(ctx context.Context) ([]*core.Record, error) {
	fetches := s.client.PollRecords(ctx, s.maxBatch)
	if fetches.IsClientClosed() {
		return nil, errLogClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var errs []error
	fetches.EachError(func(topic string, partition int32, err error) {
		errs = append(errs, err)
	})
	out := make([]*core.Record, 0, fetches.NumRecords())
	fetches.EachRecord(func(r *kgo.Record) {
		out = append(out, fromKafka(r))
	})
	if len(out) == 0 && len(errs) > 0 {
		return nil, classifyKafka(ctx, errors.Join(errs...))
	}
	return out, nil
}

// Commit 提交已处理消息的位点
func (s *KafkaSubscriber) Commit(ctx context.Context, records ...*core.Record) error {
	krs := make([]*kgo.Record, len(records))
	for i, r := range records {
		krs[i] = toKafka(r)
		krs[i].LeaderEpoch = -1
	}
	if err := s.client.CommitRecords(ctx, krs...); err != nil {
		return classifyKafka(ctx, err)
	}
	return nil
}

// Close 离开消费组并关闭客户端
func (s *KafkaSubscriber) Close() error {
	s.client.Close()
	return nil
}

func toKafka(r *core.Record) *kgo.Record {
	return &kgo.Record{
		Topic:     r.Topic,
		Key:       r.Key,
		Value:     r.Value,
		Partition: r.Partition,
		Offset:    r.Offset,
		Timestamp: r.Timestamp,
	}
}

func fromKafka(r *kgo.Record) *core.Record {
	return &core.Record{
		Topic:     r.Topic,
		Key:       r.Key,
		Value:     r.Value,
		Partition: r.Partition,
		Offset:    r.Offset,
		Timestamp: r.Timestamp,
	}
}

func classifyKafka(ctx context.Context, err error) error {
	if errors.Is(err, kgo.ErrClientClosed) {
		return errLogClosed
	}
	if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
		return core.NewDomainError(core.ModuleStream, core.ErrorCodeTimeout, err.Error()).WithStage("kafka")
	}
	return core.NewDomainError(core.ModuleStream, core.ErrorCodeUnavailable, err.Error()).WithStage("kafka")
}
