package interfaces

import (
	"context"

	"orderflow/internal/pkg/event"
)

// LifecycleEvents 是订单服务消费的两类事件的处理入口，由 *application.LifecycleManager 实现。
type LifecycleEvents interface {
	HandleOrderCreated(ctx context.Context, env event.Envelope) error
	HandleStatusUpdated(ctx context.Context, env event.Envelope) error
}

// NewEventRouter 把订单服务订阅的事件类型绑定到生命周期管理器。
// order_placed 是网关的边缘事件，订单服务不处理，会被直接提交。
func NewEventRouter(h LifecycleEvents) *event.Router {
	return event.NewRouter().
		Handle(event.KindOrderCreated, h.HandleOrderCreated).
		Handle(event.KindStatusUpdated, h.HandleStatusUpdated)
}
