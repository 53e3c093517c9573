package core

import (
	"time"
	"unicode/utf8"
)

// 校验边界
const (
	MaxCategoryLength   = 100
	MaxRecommendations  = 1000
	MaxExcludeItems     = 10000
	MaxActionFutureSkew = time.Hour
	MaxActionPastAge    = 365 * 24 * time.Hour
	MaxItemTags         = 256
	MaxFilterCategories = 100
	MaxIDLength         = 256
)

func invalid(module, format string, args ...any) error {
	return Errorf(module, ErrorCodeInvalidInput, format, args...)
}

func validateID(module, field, id string) error {
	if id == "" {
		return invalid(module, "%s is required", field)
	}
	if len(id) > MaxIDLength {
		return invalid(module, "%s exceeds %d bytes", field, MaxIDLength)
	}
	return nil
}

// ValidateVector 校验向量维度与数值
func ValidateVector(module string, v []float64, dim int) error {
	if len(v) != dim {
		return invalid(module, "embedding dimension %d does not match configured dimension %d", len(v), dim)
	}
	if !IsFinite(v) {
		return invalid(module, "embedding contains NaN or Inf")
	}
	return nil
}

// ValidateItem 校验物品入库请求
func ValidateItem(f *ItemFeature, dim int) error {
	if f == nil {
		return invalid(ModuleFeature, "item is nil")
	}
	if err := validateID(ModuleFeature, "item_id", f.ItemID); err != nil {
		return err
	}
	if err := ValidateVector(ModuleFeature, f.Embedding, dim); err != nil {
		return err
	}
	if f.Category == "" {
		return invalid(ModuleFeature, "category is required")
	}
	if utf8.RuneCountInString(f.Category) > MaxCategoryLength {
		return invalid(ModuleFeature, "category exceeds %d characters", MaxCategoryLength)
	}
	if len(f.Tags) > MaxItemTags {
		return invalid(ModuleFeature, "too many tags: %d", len(f.Tags))
	}
	return ValidatePopularity(f.Popularity)
}

// ValidatePopularity 校验热度分数在 [0,1]
func ValidatePopularity(p float64) error {
	if !(p >= 0 && p <= 1) {
		return invalid(ModuleFeature, "popularity score %v out of range [0,1]", p)
	}
	return nil
}

// ValidateAction 校验行为事件，now 用于判断时间戳是否合理
func ValidateAction(a *UserAction, now time.Time) error {
	if a == nil {
		return invalid(ModuleStream, "action is nil")
	}
	if err := validateID(ModuleStream, "user_id", a.UserID); err != nil {
		return err
	}
	if err := validateID(ModuleStream, "item_id", a.ItemID); err != nil {
		return err
	}
	if !a.Action.Valid() {
		return invalid(ModuleStream, "unknown action type %d", int(a.Action))
	}
	if a.Timestamp.IsZero() {
		return invalid(ModuleStream, "timestamp is required")
	}
	if a.Timestamp.After(now.Add(MaxActionFutureSkew)) {
		return invalid(ModuleStream, "timestamp %s is too far in the future", a.Timestamp.Format(time.RFC3339))
	}
	if a.Timestamp.Before(now.Add(-MaxActionPastAge)) {
		return invalid(ModuleStream, "timestamp %s is too old", a.Timestamp.Format(time.RFC3339))
	}
	return nil
}

// ValidateExample 校验训练样本
func ValidateExample(e *TrainingExample) error {
	if e == nil {
		return invalid(ModuleEmbedding, "training example is nil")
	}
	if err := validateID(ModuleEmbedding, "user_id", e.UserID); err != nil {
		return err
	}
	if err := validateID(ModuleEmbedding, "item_id", e.ItemID); err != nil {
		return err
	}
	if e.Label != 0 && e.Label != 1 {
		return invalid(ModuleEmbedding, "label must be 0 or 1, got %v", e.Label)
	}
	if !(e.Weight > 0) || !IsFinite([]float64{e.Weight}) {
		return invalid(ModuleEmbedding, "weight must be a positive finite number, got %v", e.Weight)
	}
	return nil
}

// ValidateRecommendRequest 校验推荐请求
func ValidateRecommendRequest(r *RecommendRequest) error {
	if r == nil {
		return invalid(ModuleEngine, "request is nil")
	}
	if err := validateID(ModuleEngine, "user_id", r.UserID); err != nil {
		return err
	}
	if r.NumRecommendations < 1 || r.NumRecommendations > MaxRecommendations {
		return invalid(ModuleEngine, "num_recommendations must be within [1,%d], got %d", MaxRecommendations, r.NumRecommendations)
	}
	if len(r.FilterCategories) > MaxFilterCategories {
		return invalid(ModuleEngine, "too many filter categories: %d", len(r.FilterCategories))
	}
	for _, c := range r.FilterCategories {
		if c == "" {
			return invalid(ModuleEngine, "filter category must not be empty")
		}
	}
	if len(r.ExcludeItems) > MaxExcludeItems {
		return invalid(ModuleEngine, "too many excluded items: %d", len(r.ExcludeItems))
	}
	return nil
}
