package core

import (
	"cmp"
	"math"
)

// Metric 是向量相似度度量（封闭枚举）。
//
//   - cosine：余弦相似度，越大越好
//   - inner_product：内积，越大越好
//   - euclidean：欧氏距离，越小越好
type Metric string

const (
	MetricCosine       Metric = "cosine"
	MetricEuclidean    Metric = "euclidean"
	MetricInnerProduct Metric = "inner_product"
)

// Valid 判断是否为支持的度量
func (m Metric) Valid() bool {
	switch m {
	case MetricCosine, MetricEuclidean, MetricInnerProduct:
		return true
	}
	return false
}

// HigherIsBetter 返回该度量下分数是否越大越好
func (m Metric) HigherIsBetter() bool { return m != MetricEuclidean }

// Score 返回 a 与 b 在该度量下的原始分数（余弦/内积为相似度，欧氏为距离）
func (m Metric) Score(a, b []float64) float64 {
	switch m {
	case MetricEuclidean:
		var s float64
		for i := range a {
			d := a[i] - b[i]
			s += d * d
		}
		return math.Sqrt(s)
	case MetricInnerProduct:
		return Dot(a, b)
	default:
		na, nb := Norm(a), Norm(b)
		if na == 0 || nb == 0 {
			return 0
		}
		return Dot(a, b) / (na * nb)
	}
}

// Distance 把分数转换为越小越好的距离，供图检索使用
func (m Metric) Distance(a, b []float64) float64 {
	s := m.Score(a, b)
	if m.HigherIsBetter() {
		return -s
	}
	return s
}

// Better 判断分数 a 是否优于 b
func (m Metric) Better(a, b float64) bool {
	if m.HigherIsBetter() {
		return a > b
	}
	return a < b
}

// Passes 判断分数是否满足阈值（余弦/内积 >= 阈值，欧氏 <= 阈值）
func (m Metric) Passes(score, threshold float64) bool {
	if m.HigherIsBetter() {
		return score >= threshold
	}
	return score <= threshold
}

// Compare 按度量给结果排序：更优的在前，分数相同时按 ItemID 升序
func (m Metric) Compare(a, b ScoredItem) int {
	if a.Score != b.Score {
		if m.Better(a.Score, b.Score) {
			return -1
		}
		return 1
	}
	return cmp.Compare(a.ItemID, b.ItemID)
}
