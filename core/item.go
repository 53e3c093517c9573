package core

import (
	"slices"
	"time"
)

// ItemFeature 是物品特征记录，入库后除 Popularity 外不可变。
type ItemFeature struct {
	ItemID     string    `json:"item_id"`
	Embedding  []float64 `json:"embedding"`
	Category   string    `json:"category"`
	Tags       []string  `json:"tags,omitempty"`
	Popularity float64   `json:"popularity_score"`
	CreatedAt  time.Time `json:"created_at"`
}

// Meta 返回用于过滤的物品元数据
func (f *ItemFeature) Meta() ItemMeta {
	return ItemMeta{
		Category:   f.Category,
		Tags:       f.Tags,
		Popularity: f.Popularity,
	}
}

// Clone 深拷贝
func (f *ItemFeature) Clone() *ItemFeature {
	if f == nil {
		return nil
	}
	cp := *f
	cp.Embedding = slices.Clone(f.Embedding)
	cp.Tags = slices.Clone(f.Tags)
	return &cp
}

// ItemMeta 是向量检索时随向量保存的物品元数据，用于类目/标签过滤。
type ItemMeta struct {
	Category   string   `json:"category"`
	Tags       []string `json:"tags,omitempty"`
	Popularity float64  `json:"popularity"`
}

// HasTag 判断是否包含指定标签
func (m ItemMeta) HasTag(tag string) bool {
	return slices.Contains(m.Tags, tag)
}

// ScoredItem 是检索/推荐结果中的一项。
// Score 的含义由度量决定：余弦/内积越大越好，欧氏距离越小越好。
type ScoredItem struct {
	ItemID   string  `json:"item_id"`
	Score    float64 `json:"score"`
	Category string  `json:"category,omitempty"`
	Source   string  `json:"source,omitempty"` // ann / exact / cold
}

// 结果来源
const (
	SourceANN   = "ann"
	SourceExact = "exact"
	SourceCold  = "cold"
)
