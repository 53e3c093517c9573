package core

import (
	"maps"
	"slices"
	"time"
)

// UserProfile 是用户近期行为的滚动聚合，由 ProfileManager 维护。
//
// 设计要点：
//
//	字段              作用
//	Vector            行为加权的指数滑动平均向量，作为召回查询向量
//	Interests         类目兴趣（带衰减），用于解释与过滤
//	RecentItems       最近交互的物品（有界，去重，新的在前）
//	InteractionCount  累计折叠的行为条数
type UserProfile struct {
	UserID           string             `json:"user_id"`
	Vector           []float64          `json:"vector,omitempty"`
	Interests        map[string]float64 `json:"interests,omitempty"`
	RecentItems      []string           `json:"recent_items,omitempty"`
	InteractionCount int64              `json:"interaction_count"`
	UpdateTime       time.Time          `json:"update_time"`
}

// NewUserProfile 创建一个空画像
func NewUserProfile(userID string) *UserProfile {
	return &UserProfile{
		UserID:    userID,
		Interests: make(map[string]float64),
	}
}

// Clone 深拷贝
func (p *UserProfile) Clone() *UserProfile {
	if p == nil {
		return nil
	}
	cp := *p
	cp.Vector = slices.Clone(p.Vector)
	cp.Interests = maps.Clone(p.Interests)
	cp.RecentItems = slices.Clone(p.RecentItems)
	return &cp
}

// AddRecentItem 把物品放到最近列表头部，去重并截断到 maxSize。
func (p *UserProfile) AddRecentItem(itemID string, maxSize int) {
	if i := slices.Index(p.RecentItems, itemID); i >= 0 {
		p.RecentItems = slices.Delete(p.RecentItems, i, i+1)
	}
	p.RecentItems = slices.Insert(p.RecentItems, 0, itemID)
	if maxSize > 0 && len(p.RecentItems) > maxSize {
		p.RecentItems = p.RecentItems[:maxSize]
	}
}

// HasVector 判断画像是否已有可用的查询向量
func (p *UserProfile) HasVector() bool {
	return p != nil && len(p.Vector) > 0 && Norm(p.Vector) > 0
}
