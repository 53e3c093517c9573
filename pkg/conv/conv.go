// Package conv 提供向量精度转换、切片映射与索引参数读取等小工具。
package conv

type number interface {
	~int | ~int32 | ~int64 | ~float32 | ~float64
}

// Float32s 把向量转为 float32（向量数据库的存储精度）。
func Float32s(v []float64) []float32 {
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(x)
	}
	return out
}

// FilterMap 将 []T 按 convert 转为 []U，convert 返回 false 的元素被跳过。
func FilterMap[T, U any](s []T, convert func(T) (U, bool)) []U {
	if s == nil {
		return nil
	}
	out := make([]U, 0, len(s))
	for _, v := range s {
		if u, ok := convert(v); ok {
			out = append(out, u)
		}
	}
	return out
}

// Param 从索引参数中读取数值。
// 参数通常来自 YAML/JSON，整数可能被解析为 int 或 float64；缺失或类型不符时返回 def。
func Param[T number](params map[string]any, key string, def T) T {
	switch v := params[key].(type) {
	case int:
		return T(v)
	case int32:
		return T(v)
	case int64:
		return T(v)
	case float32:
		return T(v)
	case float64:
		return T(v)
	default:
		return def
	}
}
