package core

import "slices"

// Filter 是检索过滤条件，在召回之后应用（后过滤）。
//
//   - Categories：物品类目必须在列表中（为空表示不限）
//   - Tags：物品至少包含其中一个标签（为空表示不限）
//   - Expr：CEL 表达式，例如 `item.popularity > 0.5 && "sale" in item.tags`
//
// Expr 由上层编译为 Predicate 后再交给索引。
type Filter struct {
	Categories []string `json:"categories,omitempty" yaml:"categories"`
	Tags       []string `json:"tags,omitempty" yaml:"tags"`
	Expr       string   `json:"expr,omitempty" yaml:"expr"`

	Predicate func(id string, meta ItemMeta) bool `json:"-" yaml:"-"`
}

// Empty 判断是否没有任何过滤条件
func (f *Filter) Empty() bool {
	return f == nil || (len(f.Categories) == 0 && len(f.Tags) == 0 && f.Predicate == nil)
}

// Match 判断物品是否满足过滤条件
func (f *Filter) Match(id string, meta ItemMeta) bool {
	if f == nil {
		return true
	}
	if len(f.Categories) > 0 && !slices.Contains(f.Categories, meta.Category) {
		return false
	}
	if len(f.Tags) > 0 && !slices.ContainsFunc(f.Tags, meta.HasTag) {
		return false
	}
	if f.Predicate != nil && !f.Predicate(id, meta) {
		return false
	}
	return true
}

// RecommendRequest 是推荐请求。
type RecommendRequest struct {
	UserID             string   `json:"user_id"`
	NumRecommendations int      `json:"num_recommendations"`
	FilterCategories   []string `json:"filter_categories,omitempty"`
	FilterTags         []string `json:"filter_tags,omitempty"`
	FilterExpr         string   `json:"filter_expr,omitempty"`
	ExcludeItems       []string `json:"exclude_items,omitempty"`

	// Exact 为 true 时跳过近似索引，直接走权威存储的精确扫描
	Exact bool `json:"exact,omitempty"`
}

// Filter 把请求中的过滤字段组装为 Filter
func (r *RecommendRequest) Filter() *Filter {
	if len(r.FilterCategories) == 0 && len(r.FilterTags) == 0 && r.FilterExpr == "" {
		return nil
	}
	return &Filter{
		Categories: r.FilterCategories,
		Tags:       r.FilterTags,
		Expr:       r.FilterExpr,
	}
}
