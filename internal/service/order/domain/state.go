// internal/service/order/domain/state.go
package domain

// Status 定义了订单的生命周期状态
type Status string

const (
	StatusPending        Status = "pending"          // 已创建，等待确认
	StatusConfirmed      Status = "confirmed"        // 已确认
	StatusPreparing      Status = "preparing"        // 制作中
	StatusOutForDelivery Status = "out_for_delivery" // 配送中
	StatusDelivered      Status = "delivered"        // 已送达（终态）
	StatusCancelled      Status = "cancelled"        // 已取消（终态）
)

// 前向链上每个状态的位置，越大越靠后。
var stage = map[Status]int{
	StatusPending:        0,
	StatusConfirmed:      1,
	StatusPreparing:      2,
	StatusOutForDelivery: 3,
	StatusDelivered:      4,
}

// ParseStatus 校验外部传入的状态名。
func ParseStatus(s string) (Status, bool) {
	st := Status(s)
	if st == StatusCancelled {
		return st, true
	}
	_, ok := stage[st]
	return st, ok
}

func (s Status) IsTerminal() bool {
	return s == StatusDelivered || s == StatusCancelled
}

// CanTransitionTo 报告 target 是否可以从 s 沿前向链到达：
// 任意更靠后的阶段，或者从非终态取消。不允许原地或回退。
func (s Status) CanTransitionTo(target Status) bool {
	if s.IsTerminal() {
		return false
	}
	if target == StatusCancelled {
		return true
	}
	from, ok := stage[s]
	if !ok {
		return false
	}
	to, ok := stage[target]
	return ok && to > from
}
