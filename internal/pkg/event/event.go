// Package event 定义了服务之间通过 Kafka 交换的事件契约：主题、事件类型和信封格式。
package event

import (
	"encoding/json"
	"time"
)

// Kind 是事件类型标签，序列化为 JSON 的 "event" 字段。
type Kind string

const (
	KindOrderCreated   Kind = "order_created"
	KindStatusUpdated  Kind = "status_updated"
	KindOrderPlaced    Kind = "order_placed" // 网关发出的边缘事件
	KindUserRegistered Kind = "user-registered"
)

// 主题名称在各实现之间保持稳定。
const (
	TopicOrderEvents        = "order-events"
	TopicOrderStatusUpdates = "order-status-updates"
	TopicUserEvents         = "user-events"
)

// Envelope 是总线上传输的事件信封。
// Topic 和 Key 不进入消息体：Topic 决定目标日志，Key 决定分区。
// 同一订单的所有事件都以订单ID为 Key，因此落在同一分区并保持相对顺序。
type Envelope struct {
	Kind  Kind   `json:"event"`
	Topic string `json:"-"`
	Key   string `json:"-"`

	// Seq 是单调递增的逻辑时间戳，用于处理乱序投递。
	Seq uint64 `json:"seq,omitempty"`

	OrderID   string    `json:"order_id,omitempty"`
	UserID    string    `json:"user_id,omitempty"`
	Email     string    `json:"email,omitempty"`
	Total     float64   `json:"total,omitempty"`
	Status    string    `json:"status,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// IsOrderEvent 报告该事件是否以订单为分区键。
func (k Kind) IsOrderEvent() bool {
	switch k {
	case KindOrderCreated, KindStatusUpdated, KindOrderPlaced:
		return true
	default:
		return false
	}
}

// CarriesTotal 报告该类事件的消息体是否必须带 total。
func (k Kind) CarriesTotal() bool {
	return k == KindOrderCreated || k == KindOrderPlaced
}

// MarshalJSON 让带金额的事件即使 total 为 0 也输出该字段，其余事件照旧省略。
func (e Envelope) MarshalJSON() ([]byte, error) {
	type plain Envelope
	out := struct {
		plain
		Total *float64 `json:"total,omitempty"`
	}{plain: plain(e)}
	if e.Total != 0 || e.Kind.CarriesTotal() {
		total := e.Total
		out.Total = &total
	}
	return json.Marshal(out)
}

// Encode 将信封序列化为消息体。
func Encode(env Envelope) ([]byte, error) {
	return json.Marshal(env)
}

// Decode 从一条消息还原信封。任何无法识别的消息体都返回 *DecodeError，
// 消费方据此把它当作毒消息处理。
func Decode(topic string, key, value []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(value, &env); err != nil {
		return Envelope{}, &DecodeError{Topic: topic, Key: string(key), Reason: "malformed payload", Err: err}
	}
	if env.Kind == "" {
		return Envelope{}, &DecodeError{Topic: topic, Key: string(key), Reason: "missing event kind"}
	}
	if env.Kind.IsOrderEvent() && env.OrderID == "" {
		return Envelope{}, &DecodeError{Topic: topic, Key: string(key), Reason: "missing order_id"}
	}
	if env.Kind == KindStatusUpdated && env.Status == "" {
		return Envelope{}, &DecodeError{Topic: topic, Key: string(key), Reason: "missing status"}
	}

	env.Topic = topic
	env.Key = string(key)
	if env.Key == "" {
		env.Key = env.OrderID
	}
	return env, nil
}
