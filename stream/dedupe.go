package stream

import (
	"strconv"
	"sync"

	"github.com/bits-and-blooms/bloom/v3"

	"github.com/rushteam/streamrec/core"
	"github.com/rushteam/streamrec/pkg/metrics"
)

// DedupeOptions 是行为去重配置
type DedupeOptions struct {
	// Capacity 是每一代过滤器容纳的消息数，0 表示关闭去重
	Capacity uint `yaml:"capacity"`
	// FalsePositive 是单代过滤器的误判率，误判的消息会被当作重复丢弃
	FalsePositive float64 `yaml:"false_positive"`
}

// Deduper 用两代轮换的布隆过滤器识别重复投递的行为。
// 当前代写满 Capacity 后降为上一代，查询同时检查两代，因此至少记住最近 Capacity 条。
// nil Deduper 不做去重。
type Deduper struct {
	mu    sync.Mutex
	opts  DedupeOptions
	cur   *bloom.BloomFilter
	prev  *bloom.BloomFilter
	added uint
}

// NewDeduper 创建去重器，Capacity 为 0 时返回 nil
func NewDeduper(opts DedupeOptions) *Deduper {
	if opts.Capacity == 0 {
		return nil
	}
	if opts.FalsePositive <= 0 || opts.FalsePositive >= 1 {
		opts.FalsePositive = 1e-4
	}
	return &Deduper{
		opts: opts,
		cur:  bloom.NewWithEstimates(opts.Capacity, opts.FalsePositive),
	}
}

// Seen 判断 key 是否已经处理过
func (d *Deduper) Seen(key []byte) bool {
	if d == nil {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cur.Test(key) || (d.prev != nil && d.prev.Test(key)) {
		metrics.DuplicateRecords.Inc()
		return true
	}
	return false
}

// Mark 记录 key 已处理
func (d *Deduper) Mark(key []byte) {
	if d == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cur.Add(key)
	d.added++
	if d.added >= d.opts.Capacity {
		d.prev = d.cur
		d.cur = bloom.NewWithEstimates(d.opts.Capacity, d.opts.FalsePositive)
		d.added = 0
	}
}

// actionKey 以行为内容作为去重键，同一行为被重放或被重复提交时键相同
func actionKey(a core.UserAction) []byte {
	b := make([]byte, 0, len(a.UserID)+len(a.ItemID)+24)
	b = append(b, a.UserID...)
	b = append(b, 0)
	b = append(b, a.ItemID...)
	b = append(b, 0)
	b = strconv.AppendInt(b, int64(a.Action), 10)
	b = append(b, 0)
	return strconv.AppendInt(b, a.Timestamp.UnixNano(), 10)
}
