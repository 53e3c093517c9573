package eval

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/rushteam/streamrec/core"
)

// Recommender 是被评估的推荐接口，*engine.Engine 实现了它
type Recommender interface {
	Recommend(ctx context.Context, req core.RecommendRequest) ([]core.ScoredItem, error)
}

// Case 是一个用户的留出集
type Case struct {
	UserID string
	// Relevant 是留出的相关物品
	Relevant []string
	// Relevance 是分级相关度，为空时 Relevant 中的物品相关度都按 1 计
	Relevance map[string]float64
	// Exclude 是训练阶段已交互、评估时应排除的物品
	Exclude []string
}

// Report 是按用户平均后的指标
type Report struct {
	Users     int     `json:"users"`
	Skipped   int     `json:"skipped"`
	Precision float64 `json:"precision_at_k"`
	Recall    float64 `json:"recall_at_k"`
	F1        float64 `json:"f1_score"`
	NDCG      float64 `json:"ndcg_at_k"`
	MAP       float64 `json:"map_score"`
	HitRate   float64 `json:"hit_rate"`
	Coverage  float64 `json:"coverage"`
}

// Options 是评估配置
type Options struct {
	K           int
	Concurrency int
	// Catalog 是物品全集，用于计算覆盖率；为空时覆盖率为 0
	Catalog []string
}

// Evaluate 对每个用户请求 K 个推荐并与留出集比较。
// 没有相关物品的用户与推荐返回 NOT_FOUND 的用户（冷启动）计入 Skipped，不参与平均；其他错误中止评估。
func Evaluate(ctx context.Context, rec Recommender, cases []Case, opts Options) (Report, error) {
	calc := NewCalculator(opts.K)
	if opts.Concurrency <= 0 {
		opts.Concurrency = 8
	}

	var (
		mu        sync.Mutex
		report    Report
		sumP      float64
		sumR      float64
		sumNDCG   float64
		sumAP     float64
		hits      int
		evaluated []string
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Concurrency)
	for _, c := range cases {
		if len(c.Relevant) == 0 {
			report.Skipped++
			continue
		}
		g.Go(func() error {
			items, err := rec.Recommend(gctx, core.RecommendRequest{
				UserID:             c.UserID,
				NumRecommendations: calc.K,
				ExcludeItems:       c.Exclude,
			})
			if core.IsNotFound(err) {
				log.Debug().Str("user_id", c.UserID).Msg("skip user without profile or embedding")
				mu.Lock()
				report.Skipped++
				mu.Unlock()
				return nil
			}
			if err != nil {
				return err
			}
			ids := make([]string, len(items))
			for i, it := range items {
				ids[i] = it.ItemID
			}
			relevance := c.Relevance
			if len(relevance) == 0 {
				relevance = make(map[string]float64, len(c.Relevant))
				for _, id := range c.Relevant {
					relevance[id] = 1
				}
			}

			p := calc.Precision(ids, c.Relevant)
			r := calc.Recall(ids, c.Relevant)
			ndcg := calc.NDCG(ids, relevance)
			ap := calc.AveragePrecision(ids, c.Relevant)
			mu.Lock()
			defer mu.Unlock()
			report.Users++
			sumP += p
			sumR += r
			sumNDCG += ndcg
			sumAP += ap
			if p > 0 {
				hits++
			}
			evaluated = append(evaluated, ids...)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Report{}, err
	}

	if n := float64(report.Users); n > 0 {
		report.Precision = sumP / n
		report.Recall = sumR / n
		report.F1 = F1(report.Precision, report.Recall)
		report.NDCG = sumNDCG / n
		report.MAP = sumAP / n
		report.HitRate = float64(hits) / n
	}
	report.Coverage = Coverage(evaluated, opts.Catalog)
	return report, nil
}
