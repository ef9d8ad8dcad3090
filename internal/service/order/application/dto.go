// internal/service/order/application/dto.go
package application

import (
	"fmt"

	"orderflow/internal/service/order/domain"
)

// Source 标识一次状态变更的来源，只用于日志、指标和追踪。
type Source string

const (
	SourceAPI       Source = "api"
	SourceEvent     Source = "event"
	SourceScheduler Source = "scheduler"
)

// CreateOrderRequest 是创建订单用例的输入数据
type CreateOrderRequest struct {
	UserID string
	Items  []domain.Item
	Total  float64
}

// TransitionRequest 是状态变更用例的输入数据。
// Seq 为 0 表示同步调用；通过事件总线送达的变更携带事件的逻辑时间戳。
type TransitionRequest struct {
	OrderID string
	Target  domain.Status
	Source  Source
	Seq     uint64
}

// MutationResult 是写操作的结果：主结果之外附带不影响成功与否的告警。
type MutationResult struct {
	Order *domain.Order
	// PublishErr 非空表示变更已落库但事件没有被 broker 确认。
	PublishErr error
	// TotalMismatch 非空表示申报总价被计算总价替换。
	TotalMismatch *domain.Reconciliation
	// Skipped 表示这是一次过期或重复的投递，没有做任何修改。
	Skipped bool
}

// Warnings 把附带的告警整理成面向客户端的文本。
func (r *MutationResult) Warnings() []string {
	var out []string
	if r.TotalMismatch != nil {
		out = append(out, fmt.Sprintf("declared total %.2f did not match items; stored %.2f",
			r.TotalMismatch.Declared, r.TotalMismatch.Computed))
	}
	if r.PublishErr != nil {
		out = append(out, "order saved but event publication failed: "+r.PublishErr.Error())
	}
	return out
}
