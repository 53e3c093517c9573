package stream

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/rushteam/streamrec/core"
)

type topicPartition struct {
	topic     string
	partition int32
}

// MemoryLog 是进程内的分区日志，语义与 Kafka 一致：同 key 同分区、分区内有序、
// 按消费组提交位点。用于测试与单机部署。
type MemoryLog struct {
	partitions int

	mu        sync.Mutex
	topics    map[string][][]*core.Record
	committed map[string]map[topicPartition]int64
	notify    chan struct{}
	closed    bool
}

// NewMemoryLog 创建内存日志，每个 topic 有 partitions 个分区
func NewMemoryLog(partitions int) *MemoryLog {
	if partitions <= 0 {
		partitions = 1
	}
	return &MemoryLog{
		partitions: partitions,
		topics:     make(map[string][][]*core.Record),
		committed:  make(map[string]map[topicPartition]int64),
		notify:     make(chan struct{}),
	}
}

// ErrClosed 表示日志或消费客户端已关闭。消费者只在遇到它时退出，其余拉取错误按暂时故障重试
var ErrClosed = errors.New("log is closed")

var errLogClosed = &core.DomainError{
	Module:  core.ModuleStream,
	Code:    core.ErrorCodeUnavailable,
	Message: "subscription stopped",
	Err:     ErrClosed,
}

// Partition 返回 key 所在分区
func (l *MemoryLog) Partition(key []byte) int32 {
	return int32(xxhash.Sum64(key) % uint64(l.partitions))
}

// Produce 追加消息，Partition/Offset 由日志分配
func (l *MemoryLog) Produce(ctx context.Context, records ...*core.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return errLogClosed
	}
	for _, r := range records {
		parts, ok := l.topics[r.Topic]
		if !ok {
			parts = make([][]*core.Record, l.partitions)
			l.topics[r.Topic] = parts
		}
		p := l.Partition(r.Key)
		cp := *r
		cp.Partition = p
		cp.Offset = int64(len(parts[p]))
		if cp.Timestamp.IsZero() {
			cp.Timestamp = time.Now()
		}
		parts[p] = append(parts[p], &cp)
	}
	close(l.notify)
	l.notify = make(chan struct{})
	return nil
}

// Len 返回 topic 的消息总数
func (l *MemoryLog) Len(topic string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, p := range l.topics[topic] {
		n += len(p)
	}
	return n
}

// Committed 返回消费组在分区上已提交的下一条位点
func (l *MemoryLog) Committed(group, topic string, partition int32) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.committed[group][topicPartition{topic, partition}]
}

// Lag 返回消费组在 topic 上尚未提交的消息数
func (l *MemoryLog) Lag(group, topic string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	var lag int64
	for p, recs := range l.topics[topic] {
		lag += int64(len(recs)) - l.committed[group][topicPartition{topic, int32(p)}]
	}
	return lag
}

// Close 关闭日志，阻塞中的 Fetch 返回 UNAVAILABLE
func (l *MemoryLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.closed {
		l.closed = true
		close(l.notify)
	}
	return nil
}

// Subscribe 以消费组 group 订阅 topics。同组的新订阅者从已提交位点开始消费
func (l *MemoryLog) Subscribe(group string, maxBatch int, topics ...string) *MemorySubscriber {
	if maxBatch <= 0 {
		maxBatch = 256
	}
	return &MemorySubscriber{
		log:      l,
		group:    group,
		topics:   topics,
		maxBatch: maxBatch,
		cursor:   make(map[topicPartition]int64),
	}
}

// MemorySubscriber 是 MemoryLog 上的消费者
type MemorySubscriber struct {
	log      *MemoryLog
	group    string
	topics   []string
	maxBatch int

	mu     sync.Mutex
	cursor map[topicPartition]int64
}

// Fetch 返回下一批消息，没有消息时阻塞直到有新消息或 ctx 结束
func (s *MemorySubscriber) Fetch(ctx context.Context) ([]*core.Record, error) {
	for {
		l := s.log
		l.mu.Lock()
		if l.closed {
			l.mu.Unlock()
			return nil, errLogClosed
		}
		out := s.collect()
		wait := l.notify
		l.mu.Unlock()
		if len(out) > 0 {
			return out, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wait:
		}
	}
}

// collect 需持有 log.mu
func (s *MemorySubscriber) collect() []*core.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*core.Record
	for _, topic := range s.topics {
		for p, recs := range s.log.topics[topic] {
			tp := topicPartition{topic, int32(p)}
			pos, ok := s.cursor[tp]
			if !ok {
				pos = s.log.committed[s.group][tp]
			}
			for pos < int64(len(recs)) && len(out) < s.maxBatch {
				out = append(out, recs[pos])
				pos++
			}
			s.cursor[tp] = pos
		}
	}
	return out
}

// Commit 提交已处理的消息位点，位点只前进不后退
func (s *MemorySubscriber) Commit(ctx context.Context, records ...*core.Record) error {
	l := s.log
	l.mu.Lock()
	defer l.mu.Unlock()
	offsets, ok := l.committed[s.group]
	if !ok {
		offsets = make(map[topicPartition]int64)
		l.committed[s.group] = offsets
	}
	for _, r := range records {
		tp := topicPartition{r.Topic, r.Partition}
		if next := r.Offset + 1; next > offsets[tp] {
			offsets[tp] = next
		}
	}
	return nil
}

// Close 释放订阅，不影响日志本身
func (s *MemorySubscriber) Close() error { return nil }
