package model

import (
	"math"
	"math/rand/v2"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
)

// SamplingStrategy 决定负样本的抽样权重
type SamplingStrategy string

const (
	SampleUniform    SamplingStrategy = "uniform"
	SamplePopularity SamplingStrategy = "popularity" // 权重 ∝ popularity^Power
)

// NegativeSampler 从物品全集中抽取负样本。
//
// 热度加权通过别名表（alias method）实现 O(1) 抽样；物品集合或热度变化后别名表在下一次抽样时重建。
// 抽样先做有限次拒绝采样，剩余名额再按排除集合顺序补齐，保证返回 k 个互不相同且不等于正样本的物品。
type NegativeSampler struct {
	strategy SamplingStrategy
	power    float64

	mu    sync.RWMutex
	ids   []string
	pos   map[string]int
	pop   []float64
	alias *aliasTable
	dirty bool

	calls atomic.Uint64
}

// NewNegativeSampler 创建负采样器，power <= 0 时取 0.75
func NewNegativeSampler(strategy SamplingStrategy, power float64) *NegativeSampler {
	if power <= 0 {
		power = 0.75
	}
	if strategy != SamplePopularity {
		strategy = SampleUniform
	}
	return &NegativeSampler{
		strategy: strategy,
		power:    power,
		pos:      make(map[string]int),
	}
}

// Set 加入物品或更新其热度
func (s *NegativeSampler) Set(id string, popularity float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i, ok := s.pos[id]; ok {
		s.pop[i] = popularity
	} else {
		s.pos[id] = len(s.ids)
		s.ids = append(s.ids, id)
		s.pop = append(s.pop, popularity)
	}
	s.dirty = true
}

// Remove 从候选集合中移除物品
func (s *NegativeSampler) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.pos[id]
	if !ok {
		return
	}
	last := len(s.ids) - 1
	s.ids[i], s.pop[i] = s.ids[last], s.pop[last]
	s.pos[s.ids[i]] = i
	s.ids, s.pop = s.ids[:last], s.pop[:last]
	delete(s.pos, id)
	s.dirty = true
}

// Len 返回候选物品数
func (s *NegativeSampler) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.ids)
}

// Sample 为 (user, positive) 抽取 k 个负样本物品。
// 候选不足 k 个时返回全部可用候选（部分结果），不返回错误。
func (s *NegativeSampler) Sample(user, positive string, k int) []string {
	if k <= 0 {
		return nil
	}
	s.prepare()

	s.mu.RLock()
	defer s.mu.RUnlock()
	n := len(s.ids)
	_, hasPositive := s.pos[positive]
	available := n
	if hasPositive {
		available--
	}
	r := rand.New(rand.NewPCG(xxhash.Sum64String(user), s.calls.Add(1)))
	if available <= k {
		out := make([]string, 0, available)
		for _, id := range s.ids {
			if id != positive {
				out = append(out, id)
			}
		}
		r.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
		return out
	}

	out := make([]string, 0, k)
	seen := make(map[int]struct{}, k)
	for tries := 0; len(out) < k && tries < k*8; tries++ {
		i := s.draw(r, n)
		if _, dup := seen[i]; dup || s.ids[i] == positive {
			continue
		}
		seen[i] = struct{}{}
		out = append(out, s.ids[i])
	}
	// 拒绝采样次数用尽时，从随机起点顺序补齐
	for start, j := r.IntN(n), 0; len(out) < k && j < n; j++ {
		i := (start + j) % n
		if _, dup := seen[i]; dup || s.ids[i] == positive {
			continue
		}
		seen[i] = struct{}{}
		out = append(out, s.ids[i])
	}
	return out
}

func (s *NegativeSampler) draw(r *rand.Rand, n int) int {
	if s.strategy == SamplePopularity && s.alias != nil && len(s.alias.prob) == n {
		return s.alias.draw(r)
	}
	return r.IntN(n)
}

func (s *NegativeSampler) prepare() {
	if s.strategy != SamplePopularity {
		return
	}
	s.mu.RLock()
	dirty := s.dirty
	s.mu.RUnlock()
	if !dirty {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.dirty {
		return
	}
	weights := make([]float64, len(s.pop))
	for i, p := range s.pop {
		// 热度为 0 的物品仍保留一个很小的被抽中概率
		weights[i] = math.Pow(math.Max(p, 1e-6), s.power)
	}
	s.alias = newAliasTable(weights)
	s.dirty = false
}

// aliasTable 是 Vose 别名表
type aliasTable struct {
	prob  []float64
	alias []int
}

func newAliasTable(weights []float64) *aliasTable {
	n := len(weights)
	if n == 0 {
		return nil
	}
	var sum float64
	for _, w := range weights {
		sum += w
	}
	t := &aliasTable{prob: make([]float64, n), alias: make([]int, n)}
	scaled := make([]float64, n)
	small := make([]int, 0, n)
	large := make([]int, 0, n)
	for i, w := range weights {
		scaled[i] = w * float64(n) / sum
		if scaled[i] < 1 {
			small = append(small, i)
		} else {
			large = append(large, i)
		}
	}
	for len(small) > 0 && len(large) > 0 {
		l := small[len(small)-1]
		small = small[:len(small)-1]
		g := large[len(large)-1]
		large = large[:len(large)-1]
		t.prob[l] = scaled[l]
		t.alias[l] = g
		scaled[g] = scaled[g] + scaled[l] - 1
		if scaled[g] < 1 {
			small = append(small, g)
		} else {
			large = append(large, g)
		}
	}
	for _, i := range large {
		t.prob[i] = 1
	}
	for _, i := range small {
		t.prob[i] = 1
	}
	return t
}

func (t *aliasTable) draw(r *rand.Rand) int {
	i := r.IntN(len(t.prob))
	if r.Float64() < t.prob[i] {
		return i
	}
	return t.alias[i]
}
