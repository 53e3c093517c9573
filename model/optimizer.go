package model

import (
	"fmt"
	"math"
	"slices"
)

// OptimizerKind 是优化器类型（封闭枚举），由配置选择。
type OptimizerKind string

const (
	OptimizerSGD      OptimizerKind = "sgd"
	OptimizerMomentum OptimizerKind = "momentum"
	OptimizerAdaGrad  OptimizerKind = "adagrad"
	OptimizerRMSProp  OptimizerKind = "rmsprop"
	OptimizerAdam     OptimizerKind = "adam"
)

// Optimizer 是参数更新规则。
//
// 各变体只维护自己需要的逐参数状态：
//   - sgd：无状态，p -= lr·g
//   - momentum：速度 v = μ·v + g，p -= lr·v
//   - adagrad：平方梯度累加 a += g²，p -= lr·g/√(a+ε)
//   - rmsprop：平方梯度滑动平均 a = ρ·a + (1-ρ)·g²，p -= lr·g/√(a+ε)
//   - adam：一阶/二阶矩滑动平均并做偏差修正
type Optimizer struct {
	Kind         OptimizerKind `yaml:"kind"`
	LearningRate float64       `yaml:"learning_rate"`
	Momentum     float64       `yaml:"momentum"` // momentum 的 μ
	Rho          float64       `yaml:"rho"`      // rmsprop 的 ρ
	Beta1        float64       `yaml:"beta1"`
	Beta2        float64       `yaml:"beta2"`
	Epsilon      float64       `yaml:"epsilon"`
}

// DefaultOptimizer 返回 Adam，超参与常见默认值一致
func DefaultOptimizer() Optimizer {
	return Optimizer{
		Kind:         OptimizerAdam,
		LearningRate: 0.001,
		Momentum:     0.9,
		Rho:          0.9,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
	}
}

// Validate 校验超参
func (o Optimizer) Validate() error {
	switch o.Kind {
	case OptimizerSGD, OptimizerMomentum, OptimizerAdaGrad, OptimizerRMSProp, OptimizerAdam:
	default:
		return fmt.Errorf("unknown optimizer %q", o.Kind)
	}
	if !(o.LearningRate > 0) {
		return fmt.Errorf("learning rate must be positive, got %v", o.LearningRate)
	}
	if o.Kind == OptimizerAdam && (o.Beta1 < 0 || o.Beta1 >= 1 || o.Beta2 < 0 || o.Beta2 >= 1) {
		return fmt.Errorf("adam betas must be within [0,1)")
	}
	return nil
}

// OptimizerState 是某个 embedding 的优化器状态，与 embedding 同键、同生命周期。
// M 在 momentum 中为速度、在 adam 中为一阶矩；V 为平方梯度累加或二阶矩。
type OptimizerState struct {
	Step int64
	M    []float64
	V    []float64
}

func (s OptimizerState) clone() OptimizerState {
	return OptimizerState{Step: s.Step, M: slices.Clone(s.M), V: slices.Clone(s.V)}
}

// Apply 执行一步更新，返回新参数与新状态，不修改入参。
// 调用方据此可以在结果非法（NaN/Inf）时丢弃本次更新。
func (o Optimizer) Apply(params, grad []float64, state OptimizerState) ([]float64, OptimizerState) {
	next := slices.Clone(params)
	st := state.clone()
	st.Step++
	n := len(params)
	lr := o.LearningRate
	eps := o.Epsilon
	if eps <= 0 {
		eps = 1e-8
	}

	switch o.Kind {
	case OptimizerMomentum:
		st.M = ensureLen(st.M, n)
		for i, g := range grad {
			st.M[i] = o.Momentum*st.M[i] + g
			next[i] -= lr * st.M[i]
		}
	case OptimizerAdaGrad:
		st.V = ensureLen(st.V, n)
		for i, g := range grad {
			st.V[i] += g * g
			next[i] -= lr * g / math.Sqrt(st.V[i]+eps)
		}
	case OptimizerRMSProp:
		st.V = ensureLen(st.V, n)
		for i, g := range grad {
			st.V[i] = o.Rho*st.V[i] + (1-o.Rho)*g*g
			next[i] -= lr * g / math.Sqrt(st.V[i]+eps)
		}
	case OptimizerAdam:
		st.M = ensureLen(st.M, n)
		st.V = ensureLen(st.V, n)
		c1 := 1 - math.Pow(o.Beta1, float64(st.Step))
		c2 := 1 - math.Pow(o.Beta2, float64(st.Step))
		for i, g := range grad {
			st.M[i] = o.Beta1*st.M[i] + (1-o.Beta1)*g
			st.V[i] = o.Beta2*st.V[i] + (1-o.Beta2)*g*g
			mHat := st.M[i] / c1
			vHat := st.V[i] / c2
			next[i] -= lr * mHat / (math.Sqrt(vHat) + eps)
		}
	default:
		for i, g := range grad {
			next[i] -= lr * g
		}
	}
	return next, st
}

func ensureLen(s []float64, n int) []float64 {
	if len(s) == n {
		return s
	}
	return make([]float64, n)
}
