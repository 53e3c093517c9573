package model

import (
	"fmt"
	"math"
	"math/rand/v2"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/rushteam/streamrec/core"
)

// InitScheme 是新建 embedding 的初始化方式（封闭枚举）。
type InitScheme string

const (
	InitUniform       InitScheme = "uniform"        // [-Scale, Scale] 均匀分布
	InitXavierUniform InitScheme = "xavier_uniform" // 按 fan-in/fan-out 缩放的均匀分布
	InitHeUniform     InitScheme = "he_uniform"     // 按 fan-in 缩放的均匀分布
	InitNormal        InitScheme = "normal"         // N(0, Scale²)
	InitOrthogonal    InitScheme = "orthogonal"     // 正交矩阵的行，按块依次分配
)

// Initializer 生成初始向量。
//
// 约束：初始向量不为零向量，且范数不超过 MaxNorm。
// 随机类方案以 (Seed, kind, id) 为种子，同一个 key 多次初始化结果一致。
type Initializer struct {
	Scheme  InitScheme `yaml:"scheme"`
	Scale   float64    `yaml:"scale"`
	MaxNorm float64    `yaml:"max_norm"`
	Seed    uint64     `yaml:"seed"`

	dim int

	mu    sync.Mutex
	block [][]float64
	next  int
	round uint64
}

// NewInitializer 创建初始化器
func NewInitializer(scheme InitScheme, dim int, scale, maxNorm float64, seed uint64) (*Initializer, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("dimension must be positive, got %d", dim)
	}
	switch scheme {
	case InitUniform, InitXavierUniform, InitHeUniform, InitNormal, InitOrthogonal:
	default:
		return nil, fmt.Errorf("unknown init scheme %q", scheme)
	}
	if scale <= 0 {
		scale = 0.01
	}
	if maxNorm <= 0 {
		maxNorm = 1
	}
	return &Initializer{Scheme: scheme, Scale: scale, MaxNorm: maxNorm, Seed: seed, dim: dim}, nil
}

// Init 返回 kind/id 对应的初始 embedding，偏置为 0
func (in *Initializer) Init(kind core.EntityKind, id string) core.Embedding {
	var v []float64
	if in.Scheme == InitOrthogonal {
		v = in.orthogonalRow()
	} else {
		v = in.random(kind, id)
	}
	in.bound(v, kind, id)
	return core.Embedding{Vector: v}
}

func (in *Initializer) rng(kind core.EntityKind, id string) *rand.Rand {
	h := xxhash.New()
	_, _ = h.WriteString(kind.String())
	_, _ = h.WriteString(":")
	_, _ = h.WriteString(id)
	return rand.New(rand.NewPCG(in.Seed, h.Sum64()))
}

func (in *Initializer) random(kind core.EntityKind, id string) []float64 {
	r := in.rng(kind, id)
	v := make([]float64, in.dim)
	switch in.Scheme {
	case InitXavierUniform:
		// 把向量视为 dim×1 的权重，fan_in = dim，fan_out = 1
		limit := math.Sqrt(6.0 / float64(in.dim+1))
		fillUniform(r, v, limit)
	case InitHeUniform:
		limit := math.Sqrt(6.0 / float64(in.dim))
		fillUniform(r, v, limit)
	case InitNormal:
		for i := range v {
			v[i] = r.NormFloat64() * in.Scale
		}
	default:
		fillUniform(r, v, in.Scale)
	}
	return v
}

func fillUniform(r *rand.Rand, v []float64, limit float64) {
	for i := range v {
		v[i] = (r.Float64()*2 - 1) * limit
	}
}

// orthogonalRow 从当前正交块中取下一行；块用完后以新种子重新生成。
func (in *Initializer) orthogonalRow() []float64 {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.block == nil || in.next >= len(in.block) {
		in.block = orthonormalBlock(in.dim, rand.New(rand.NewPCG(in.Seed, in.round)))
		in.round++
		in.next = 0
	}
	row := make([]float64, in.dim)
	for i, x := range in.block[in.next] {
		row[i] = x * in.Scale * math.Sqrt(float64(in.dim))
	}
	in.next++
	return row
}

// orthonormalBlock 对随机高斯矩阵做 Gram-Schmidt 正交化，得到 n 个单位正交行向量。
func orthonormalBlock(n int, r *rand.Rand) [][]float64 {
	rows := make([][]float64, 0, n)
	for len(rows) < n {
		v := make([]float64, n)
		for i := range v {
			v[i] = r.NormFloat64()
		}
		for _, u := range rows {
			p := core.Dot(v, u)
			for i := range v {
				v[i] -= p * u[i]
			}
		}
		norm := core.Norm(v)
		if norm < 1e-10 {
			continue
		}
		for i := range v {
			v[i] /= norm
		}
		rows = append(rows, v)
	}
	return rows
}

// bound 保证非零且范数不超过 MaxNorm
func (in *Initializer) bound(v []float64, kind core.EntityKind, id string) {
	norm := core.Norm(v)
	if norm < 1e-12 {
		i := int(xxhash.Sum64String(kind.String()+":"+id) % uint64(len(v)))
		v[i] = math.Min(in.Scale, in.MaxNorm)
		return
	}
	if norm > in.MaxNorm {
		scale := in.MaxNorm / norm
		for i := range v {
			v[i] *= scale
		}
	}
}
