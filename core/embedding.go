package core

import (
	"math"
	"slices"
)

// EntityKind 区分用户与物品的向量空间键。
type EntityKind uint8

const (
	EntityUser EntityKind = iota + 1
	EntityItem
)

func (k EntityKind) String() string {
	switch k {
	case EntityUser:
		return "user"
	case EntityItem:
		return "item"
	default:
		return "unknown"
	}
}

// Embedding 是定长隐向量加标量偏置。每个用户、每个物品各一个。
type Embedding struct {
	Vector []float64 `json:"vector"`
	Bias   float64   `json:"bias"`
}

// Clone 深拷贝
func (e Embedding) Clone() Embedding {
	return Embedding{Vector: slices.Clone(e.Vector), Bias: e.Bias}
}

// Finite 判断向量与偏置是否均为有限值
func (e Embedding) Finite() bool {
	return IsFinite(e.Vector) && !math.IsNaN(e.Bias) && !math.IsInf(e.Bias, 0)
}

// IsZero 判断向量与偏置是否全为 0
func (e Embedding) IsZero() bool {
	if e.Bias != 0 {
		return false
	}
	for _, v := range e.Vector {
		if v != 0 {
			return false
		}
	}
	return true
}

// IsFinite 判断切片中是否不含 NaN/Inf
func IsFinite(v []float64) bool {
	for _, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}

// Dot 计算内积，要求长度一致
func Dot(a, b []float64) float64 {
	var s float64
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}

// Norm 计算 L2 范数
func Norm(v []float64) float64 {
	return math.Sqrt(Dot(v, v))
}
