// Package stream 是三条逻辑流（原始行为、物品特征、训练样本）的分区日志抽象与处理：
// 内存日志与 Kafka 两种后端、JSON 编解码、行为与物品特征的有界关联，以及带背压的消费者。
package stream

import (
	"time"

	"github.com/goccy/go-json"

	"github.com/rushteam/streamrec/core"
)

// Topics 是三条逻辑流对应的 topic 名称
type Topics struct {
	Actions  string `yaml:"actions" env:"ACTIONS"`
	Features string `yaml:"features" env:"FEATURES"`
	Examples string `yaml:"examples" env:"EXAMPLES"`
}

// DefaultTopics 返回默认 topic 名称
func DefaultTopics() Topics {
	return Topics{
		Actions:  "user-actions",
		Features: "item-features",
		Examples: "training-examples",
	}
}

func newRecord(topic, key string, v any, ts time.Time) (*core.Record, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, core.WrapError(core.ModuleStream, "encode", err)
	}
	return &core.Record{Topic: topic, Key: []byte(key), Value: data, Timestamp: ts}, nil
}

// ActionRecord 编码一条行为，按用户分区
func ActionRecord(topic string, a core.UserAction) (*core.Record, error) {
	return newRecord(topic, a.UserID, a, a.Timestamp)
}

// ItemRecord 编码一条物品特征，按物品分区
func ItemRecord(topic string, f *core.ItemFeature) (*core.Record, error) {
	return newRecord(topic, f.ItemID, f, f.CreatedAt)
}

// ExampleRecord 编码一条训练样本，按用户分区
func ExampleRecord(topic string, e core.TrainingExample) (*core.Record, error) {
	return newRecord(topic, e.UserID, e, e.Timestamp)
}

// Decode 解码消息体，格式错误返回 INVALID_INPUT
func Decode[T any](rec *core.Record) (T, error) {
	var v T
	if err := json.Unmarshal(rec.Value, &v); err != nil {
		return v, core.Errorf(core.ModuleStream, core.ErrorCodeInvalidInput,
			"decode %s@%d/%d: %v", rec.Topic, rec.Partition, rec.Offset, err)
	}
	return v, nil
}
