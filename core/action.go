package core

import (
	"fmt"
	"strings"
	"time"
)

// ActionType 是用户行为类型（封闭枚举），每种行为对应固定的隐式反馈权重。
type ActionType int

const (
	ActionView ActionType = iota + 1
	ActionClick
	ActionLike
	ActionShare
	ActionPurchase
	ActionConvert
)

var actionNames = map[ActionType]string{
	ActionView:     "view",
	ActionClick:    "click",
	ActionLike:     "like",
	ActionShare:    "share",
	ActionPurchase: "purchase",
	ActionConvert:  "convert",
}

var actionWeights = map[ActionType]float64{
	ActionView:     0.1,
	ActionClick:    0.3,
	ActionLike:     0.7,
	ActionShare:    0.8,
	ActionPurchase: 1.0,
	ActionConvert:  1.0,
}

// Weight 返回行为的隐式反馈权重，未知行为返回 0。
func (a ActionType) Weight() float64 { return actionWeights[a] }

// Valid 判断是否为已定义的行为类型
func (a ActionType) Valid() bool {
	_, ok := actionNames[a]
	return ok
}

func (a ActionType) String() string {
	if name, ok := actionNames[a]; ok {
		return name
	}
	return fmt.Sprintf("action(%d)", int(a))
}

// ParseActionType 解析行为名称（大小写不敏感）
func ParseActionType(s string) (ActionType, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for t, n := range actionNames {
		if n == name {
			return t, nil
		}
	}
	return 0, Errorf(ModuleStream, ErrorCodeInvalidInput, "unknown action type %q", s)
}

func (a ActionType) MarshalText() ([]byte, error) {
	if !a.Valid() {
		return nil, Errorf(ModuleStream, ErrorCodeInvalidInput, "unknown action type %d", int(a))
	}
	return []byte(a.String()), nil
}

func (a *ActionType) UnmarshalText(b []byte) error {
	t, err := ParseActionType(string(b))
	if err != nil {
		return err
	}
	*a = t
	return nil
}

// UserAction 是一次用户行为事件，只追加、不修改。
type UserAction struct {
	UserID    string     `json:"user_id"`
	ItemID    string     `json:"item_id"`
	Action    ActionType `json:"action_type"`
	Timestamp time.Time  `json:"timestamp"`
}

// TrainingExample 是一条带标签的训练样本，由行为与物品特征关联产生，被模型消费一次后丢弃。
type TrainingExample struct {
	UserID    string    `json:"user_id"`
	ItemID    string    `json:"item_id"`
	Label     float64   `json:"label"`
	Weight    float64   `json:"weight"`
	Timestamp time.Time `json:"timestamp"`
}

// Positive 判断是否为正样本
func (e TrainingExample) Positive() bool { return e.Label > 0.5 }
