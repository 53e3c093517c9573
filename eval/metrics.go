// Package eval 提供离线排序指标（Precision/Recall/F1/NDCG/MAP@K、覆盖率、多样性、新颖性），
// 以及用留出集评估推荐结果的 Evaluate。
package eval

import (
	"cmp"
	"math"
	"slices"

	"github.com/rushteam/streamrec/core"
)

// Calculator 计算截断到前 K 个结果的指标
type Calculator struct {
	K int
}

// NewCalculator 创建指标计算器，k <= 0 时取 10
func NewCalculator(k int) Calculator {
	if k <= 0 {
		k = 10
	}
	return Calculator{K: k}
}

func (c Calculator) top(recommended []string) []string {
	return recommended[:min(c.K, len(recommended))]
}

func toSet(ids []string) map[string]struct{} {
	m := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		m[id] = struct{}{}
	}
	return m
}

func (c Calculator) hits(recommended, relevant []string) int {
	rel := toSet(relevant)
	n := 0
	for _, id := range c.top(recommended) {
		if _, ok := rel[id]; ok {
			n++
		}
	}
	return n
}

// Precision 返回 Precision@K，分母为 min(K, 推荐数)
func (c Calculator) Precision(recommended, relevant []string) float64 {
	if len(recommended) == 0 {
		return 0
	}
	return float64(c.hits(recommended, relevant)) / float64(len(c.top(recommended)))
}

// Recall 返回 Recall@K
func (c Calculator) Recall(recommended, relevant []string) float64 {
	if len(relevant) == 0 {
		return 0
	}
	return float64(c.hits(recommended, relevant)) / float64(len(relevant))
}

// F1 是 precision 与 recall 的调和平均
func F1(precision, recall float64) float64 {
	if precision+recall == 0 {
		return 0
	}
	return 2 * precision * recall / (precision + recall)
}

// NDCG 返回 NDCG@K。relevance 为物品的分级相关度，未出现的物品相关度为 0；
// 第 i 位（从 0 开始）的折损为 log2(i+2)。
func (c Calculator) NDCG(recommended []string, relevance map[string]float64) float64 {
	var dcg float64
	for i, id := range c.top(recommended) {
		dcg += relevance[id] / math.Log2(float64(i)+2)
	}
	ideal := make([]float64, 0, len(relevance))
	for _, r := range relevance {
		ideal = append(ideal, r)
	}
	slices.SortFunc(ideal, func(a, b float64) int { return cmp.Compare(b, a) })
	var idcg float64
	for i, r := range ideal[:min(c.K, len(ideal))] {
		idcg += r / math.Log2(float64(i)+2)
	}
	if idcg == 0 {
		return 0
	}
	return dcg / idcg
}

// AveragePrecision 返回 AP@K，按相关物品总数归一
func (c Calculator) AveragePrecision(recommended, relevant []string) float64 {
	if len(relevant) == 0 {
		return 0
	}
	rel := toSet(relevant)
	found := 0
	var sum float64
	for i, id := range c.top(recommended) {
		if _, ok := rel[id]; ok {
			found++
			sum += float64(found) / float64(i+1)
		}
	}
	return sum / float64(len(relevant))
}

// MAP 返回多个用户 AP@K 的均值。两组长度不一致或为空时返回 0
func (c Calculator) MAP(recommended, relevant [][]string) float64 {
	if len(recommended) != len(relevant) || len(recommended) == 0 {
		return 0
	}
	var sum float64
	for i := range recommended {
		sum += c.AveragePrecision(recommended[i], relevant[i])
	}
	return sum / float64(len(recommended))
}

// Coverage 返回全部物品中被推荐过的比例
func Coverage(recommended, all []string) float64 {
	if len(all) == 0 {
		return 0
	}
	seen := toSet(recommended)
	n := 0
	for _, id := range all {
		if _, ok := seen[id]; ok {
			n++
		}
	}
	return float64(n) / float64(len(all))
}

// Diversity 返回推荐列表两两之间欧氏距离的均值，缺少向量的物品不参与计算
func Diversity(recommended []string, vectors map[string][]float64) float64 {
	var total float64
	pairs := 0
	for i := range recommended {
		a, ok := vectors[recommended[i]]
		if !ok {
			continue
		}
		for j := i + 1; j < len(recommended); j++ {
			b, ok := vectors[recommended[j]]
			if !ok || len(a) != len(b) {
				continue
			}
			total += core.MetricEuclidean.Score(a, b)
			pairs++
		}
	}
	if pairs == 0 {
		return 0
	}
	return total / float64(pairs)
}

// Novelty 返回推荐物品的平均自信息 -log2(popularity)，热度为 0 或未知的物品贡献 0
func Novelty(recommended []string, popularity map[string]float64) float64 {
	if len(recommended) == 0 {
		return 0
	}
	var total float64
	for _, id := range recommended {
		if p := popularity[id]; p > 0 {
			total -= math.Log2(p)
		}
	}
	return total / float64(len(recommended))
}
