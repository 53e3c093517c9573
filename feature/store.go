// Package feature 保存物品特征记录，是训练样本关联（join）的右表。
package feature

import (
	"sync"

	"github.com/rushteam/streamrec/core"
)

// Store 是物品特征的内存存储。
//
// 记录入库后不可变（热度除外）：热度刷新时整体替换为新记录（写时复制），
// 读方拿到的 *core.ItemFeature 永远不会被修改，可以在锁外使用。
type Store struct {
	dim   int
	mu    sync.RWMutex
	items map[string]*core.ItemFeature
}

// NewStore 创建特征存储，dim 为物品向量维度
func NewStore(dim int) *Store {
	return &Store{dim: dim, items: make(map[string]*core.ItemFeature)}
}

// Put 校验并保存特征记录，返回是否为新物品。
// 物品已存在时只刷新热度，其余字段保持首次入库时的值。
func (s *Store) Put(f *core.ItemFeature) (bool, error) {
	if err := core.ValidateItem(f, s.dim); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.items[f.ItemID]; ok {
		if old.Popularity != f.Popularity {
			cp := *old
			cp.Popularity = f.Popularity
			s.items[f.ItemID] = &cp
		}
		return false, nil
	}
	s.items[f.ItemID] = f.Clone()
	return true, nil
}

// UpdatePopularity 刷新热度，物品不存在时返回 NOT_FOUND
func (s *Store) UpdatePopularity(itemID string, popularity float64) (*core.ItemFeature, error) {
	if err := core.ValidatePopularity(popularity); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.items[itemID]
	if !ok {
		return nil, core.Errorf(core.ModuleFeature, core.ErrorCodeNotFound, "item %s has no feature record", itemID)
	}
	cp := *old
	cp.Popularity = popularity
	s.items[itemID] = &cp
	return &cp, nil
}

// Get 返回只读的特征记录
func (s *Store) Get(itemID string) (*core.ItemFeature, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.items[itemID]
	return f, ok
}

func (s *Store) Has(itemID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.items[itemID]
	return ok
}

// Meta 返回过滤用的物品元数据
func (s *Store) Meta(itemID string) (core.ItemMeta, bool) {
	f, ok := s.Get(itemID)
	if !ok {
		return core.ItemMeta{}, false
	}
	return f.Meta(), true
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}
