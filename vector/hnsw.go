package vector

import (
	"cmp"
	"container/heap"
	"math"
	"math/rand/v2"
	"slices"
	"sync"

	"github.com/rushteam/streamrec/core"
)

// GraphOptions 是 HNSW 图参数
type GraphOptions struct {
	M              int    `yaml:"m"`               // 每层邻居上限，第 0 层为 2M
	EfConstruction int    `yaml:"ef_construction"` // 建图时的候选队列宽度
	Seed           uint64 `yaml:"seed"`
}

// graph 是只读的 HNSW 图。节点按整数下标存放在数组中，邻居列表保存下标；
// 建好后不再修改，检索时无需加锁。
type graph struct {
	metric  core.Metric
	m, m0   int
	ids     []string
	vecs    [][]float64
	links   [][][]int32 // node -> layer -> neighbors
	entry   int32
	top     int
	version uint64

	visited sync.Pool
}

type candidate struct {
	node int32
	dist float64
}

// minQueue 按距离升序出队
type minQueue []candidate

func (q minQueue) Len() int           { return len(q) }
func (q minQueue) Less(i, j int) bool { return q[i].dist < q[j].dist }
func (q minQueue) Swap(i, j int)      { q[i], q[j] = q[j], q[i] }
func (q *minQueue) Push(x any)        { *q = append(*q, x.(candidate)) }
func (q *minQueue) Pop() any {
	old := *q
	c := old[len(old)-1]
	*q = old[:len(old)-1]
	return c
}

// maxQueue 按距离降序出队，堆顶是当前结果中最差的一个
type maxQueue struct{ minQueue }

func (q maxQueue) Less(i, j int) bool { return q.minQueue[i].dist > q.minQueue[j].dist }

type visitSet struct {
	marks []uint32
	epoch uint32
}

func (v *visitSet) reset(n int) {
	if len(v.marks) < n {
		v.marks = make([]uint32, n)
		v.epoch = 0
	}
	v.epoch++
	if v.epoch == 0 {
		clear(v.marks)
		v.epoch = 1
	}
}

func (v *visitSet) visit(i int32) bool {
	if v.marks[i] == v.epoch {
		return false
	}
	v.marks[i] = v.epoch
	return true
}

// buildGraph 按给定顺序插入全部向量，构建新图
func buildGraph(metric core.Metric, opts GraphOptions, ids []string, vecs [][]float64, version uint64) *graph {
	if opts.M < 2 {
		opts.M = 16
	}
	if opts.EfConstruction < opts.M {
		opts.EfConstruction = 200
	}
	g := &graph{
		metric:  metric,
		m:       opts.M,
		m0:      2 * opts.M,
		ids:     ids,
		vecs:    vecs,
		links:   make([][][]int32, len(ids)),
		entry:   -1,
		version: version,
	}
	g.visited.New = func() any { return &visitSet{} }
	r := rand.New(rand.NewPCG(opts.Seed, uint64(len(ids))))
	ml := 1 / math.Log(float64(opts.M))
	for i := range ids {
		level := int(math.Floor(-math.Log(1-r.Float64()) * ml))
		g.insert(int32(i), level, opts.EfConstruction)
	}
	return g
}

func (g *graph) size() int { return len(g.ids) }

func (g *graph) dist(q []float64, n int32) float64 {
	return g.metric.Distance(q, g.vecs[n])
}

func (g *graph) maxLinks(layer int) int {
	if layer == 0 {
		return g.m0
	}
	return g.m
}

func (g *graph) insert(n int32, level, ef int) {
	g.links[n] = make([][]int32, level+1)
	if g.entry < 0 {
		g.entry = n
		g.top = level
		return
	}
	q := g.vecs[n]
	ep := []candidate{{g.entry, g.dist(q, g.entry)}}
	for layer := g.top; layer > level; layer-- {
		ep = g.searchLayer(q, ep, 1, layer)
	}
	for layer := min(level, g.top); layer >= 0; layer-- {
		found := g.searchLayer(q, ep, ef, layer)
		neighbors := g.selectNeighbors(found, g.m)
		g.links[n][layer] = nodesOf(neighbors)
		for _, nb := range neighbors {
			g.link(nb.node, n, layer)
		}
		ep = found
	}
	if level > g.top {
		g.top = level
		g.entry = n
	}
}

// link 给 from 在 layer 层加一条指向 to 的边，超出上限时重新挑选邻居
func (g *graph) link(from, to int32, layer int) {
	cur := append(g.links[from][layer], to)
	limit := g.maxLinks(layer)
	if len(cur) <= limit {
		g.links[from][layer] = cur
		return
	}
	base := g.vecs[from]
	cands := make([]candidate, len(cur))
	for i, c := range cur {
		cands[i] = candidate{c, g.dist(base, c)}
	}
	sortCandidates(cands)
	g.links[from][layer] = nodesOf(g.selectNeighbors(cands, limit))
}

// selectNeighbors 启发式挑选邻居：候选按距离升序，只保留比已选邻居更靠近查询点的候选，
// 名额不足时用被跳过的候选补齐。cands 必须按距离升序。
func (g *graph) selectNeighbors(cands []candidate, m int) []candidate {
	if len(cands) <= m {
		return cands
	}
	out := make([]candidate, 0, m)
	skipped := make([]candidate, 0, len(cands))
	for _, c := range cands {
		if len(out) >= m {
			break
		}
		good := true
		for _, s := range out {
			if g.metric.Distance(g.vecs[c.node], g.vecs[s.node]) < c.dist {
				good = false
				break
			}
		}
		if good {
			out = append(out, c)
		} else {
			skipped = append(skipped, c)
		}
	}
	for _, c := range skipped {
		if len(out) >= m {
			break
		}
		out = append(out, c)
	}
	return out
}

// searchLayer 在单层上做贪心最佳优先搜索，返回按距离升序的至多 ef 个结果
func (g *graph) searchLayer(q []float64, entries []candidate, ef, layer int) []candidate {
	vs := g.visited.Get().(*visitSet)
	defer g.visited.Put(vs)
	vs.reset(len(g.ids))

	cands := &minQueue{}
	results := &maxQueue{}
	for _, e := range entries {
		if !vs.visit(e.node) {
			continue
		}
		heap.Push(cands, e)
		heap.Push(results, e)
		if results.Len() > ef {
			heap.Pop(results)
		}
	}
	for cands.Len() > 0 {
		c := heap.Pop(cands).(candidate)
		if results.Len() >= ef && c.dist > results.minQueue[0].dist {
			break
		}
		if layer >= len(g.links[c.node]) {
			continue
		}
		for _, nb := range g.links[c.node][layer] {
			if !vs.visit(nb) {
				continue
			}
			d := g.dist(q, nb)
			if results.Len() < ef || d < results.minQueue[0].dist {
				heap.Push(cands, candidate{nb, d})
				heap.Push(results, candidate{nb, d})
				if results.Len() > ef {
					heap.Pop(results)
				}
			}
		}
	}
	out := make([]candidate, results.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(results).(candidate)
	}
	return out
}

// search 自顶向下逐层贪心下降，最后在第 0 层以 ef 宽度搜索，返回至多 k 个最近节点
func (g *graph) search(q []float64, k, ef int) []candidate {
	if g.entry < 0 || k <= 0 {
		return nil
	}
	ef = max(ef, k)
	ep := []candidate{{g.entry, g.dist(q, g.entry)}}
	for layer := g.top; layer > 0; layer-- {
		ep = g.searchLayer(q, ep, 1, layer)
	}
	found := g.searchLayer(q, ep, ef, 0)
	if len(found) > k {
		found = found[:k]
	}
	return found
}

func nodesOf(cands []candidate) []int32 {
	out := make([]int32, len(cands))
	for i, c := range cands {
		out[i] = c.node
	}
	return out
}

func sortCandidates(c []candidate) {
	slices.SortFunc(c, func(a, b candidate) int { return cmp.Compare(a.dist, b.dist) })
}
