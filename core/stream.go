package core

import (
	"context"
	"time"
)

// Record 是分区日志中的一条消息。同一 Key 总是落在同一分区，保证按 key 有序。
type Record struct {
	Topic     string
	Key       []byte
	Value     []byte
	Partition int32
	Offset    int64
	Timestamp time.Time
}

// Producer 向分区日志追加消息
type Producer interface {
	Produce(ctx context.Context, records ...*Record) error
	Close() error
}

// Subscriber 以消费组的方式拉取消息。Fetch 阻塞直到有消息或 ctx 结束；
// Commit 在消息处理完成后提交位点。
type Subscriber interface {
	Fetch(ctx context.Context) ([]*Record, error)
	Commit(ctx context.Context, records ...*Record) error
	Close() error
}
