package cache

import (
	"container/list"
	"sync"
	"time"
)

// MemoryTier 是进程内的一级缓存：固定容量的精确 LRU，加统一 TTL。
//
// 条目同时挂在两条链表上：
//
//	lru   按访问顺序，队尾是最久未访问的条目，容量满时淘汰
//	byAge 按写入顺序；TTL 统一，所以队头最先过期，过期清理为 O(1) 摊还
//
// 过期判定独立于 LRU 且优先：即使刚被访问过，过期条目也按未命中处理。
type MemoryTier struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	now      func() time.Time

	items map[string]*memEntry
	lru   *list.List
	byAge *list.List
}

type memEntry struct {
	key     string
	value   []byte
	expire  time.Time
	lruElem *list.Element
	ageElem *list.Element
}

// NewMemoryTier 创建一级缓存。ttl <= 0 表示不过期。
func NewMemoryTier(capacity int, ttl time.Duration) *MemoryTier {
	if capacity <= 0 {
		capacity = 1
	}
	return &MemoryTier{
		capacity: capacity,
		ttl:      ttl,
		now:      time.Now,
		items:    make(map[string]*memEntry, capacity),
		lru:      list.New(),
		byAge:    list.New(),
	}
}

func (m *MemoryTier) expired(e *memEntry, now time.Time) bool {
	return m.ttl > 0 && !now.Before(e.expire)
}

// Get 返回未过期的值，并把条目标记为最近使用
func (m *MemoryTier) Get(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.items[key]
	if !ok {
		return nil, false
	}
	if m.expired(e, m.now()) {
		m.remove(e)
		return nil, false
	}
	m.lru.MoveToFront(e.lruElem)
	return e.value, true
}

// Set 写入或覆盖条目，TTL 从本次写入起算
func (m *MemoryTier) Set(key string, value []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if e, ok := m.items[key]; ok {
		e.value = value
		e.expire = now.Add(m.ttl)
		m.lru.MoveToFront(e.lruElem)
		m.byAge.MoveToBack(e.ageElem)
		return
	}
	if len(m.items) >= m.capacity {
		m.purge(now)
	}
	if len(m.items) >= m.capacity {
		m.remove(m.lru.Back().Value.(*memEntry))
	}
	e := &memEntry{key: key, value: value, expire: now.Add(m.ttl)}
	e.lruElem = m.lru.PushFront(e)
	e.ageElem = m.byAge.PushBack(e)
	m.items[key] = e
}

// Delete 删除条目，不存在的 key 忽略
func (m *MemoryTier) Delete(keys ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		if e, ok := m.items[k]; ok {
			m.remove(e)
		}
	}
}

// Purge 清理所有过期条目，返回清理数量
func (m *MemoryTier) Purge() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.purge(m.now())
}

// Len 返回条目数（含尚未清理的过期条目）
func (m *MemoryTier) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

func (m *MemoryTier) purge(now time.Time) int {
	if m.ttl <= 0 {
		return 0
	}
	n := 0
	for front := m.byAge.Front(); front != nil; front = m.byAge.Front() {
		e := front.Value.(*memEntry)
		if !m.expired(e, now) {
			break
		}
		m.remove(e)
		n++
	}
	return n
}

func (m *MemoryTier) remove(e *memEntry) {
	m.lru.Remove(e.lruElem)
	m.byAge.Remove(e.ageElem)
	delete(m.items, e.key)
}
