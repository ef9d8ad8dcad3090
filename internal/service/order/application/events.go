package application

import (
	"orderflow/internal/pkg/event"
	"orderflow/internal/service/order/domain"
)

// OrderCreatedEvent 从已落库的订单构造 order_created 事件。
func OrderCreatedEvent(o *domain.Order) event.Envelope {
	return event.Envelope{
		Kind:      event.KindOrderCreated,
		Topic:     event.TopicOrderEvents,
		Key:       o.ID,
		Seq:       o.Seq,
		OrderID:   o.ID,
		UserID:    o.UserID,
		Total:     o.Total,
		Status:    string(o.Status),
		Timestamp: o.UpdatedAt,
	}
}

// StatusUpdatedEvent 从已落库的订单构造 status_updated 事件。
func StatusUpdatedEvent(o *domain.Order) event.Envelope {
	return event.Envelope{
		Kind:      event.KindStatusUpdated,
		Topic:     event.TopicOrderStatusUpdates,
		Key:       o.ID,
		Seq:       o.Seq,
		OrderID:   o.ID,
		UserID:    o.UserID,
		Status:    string(o.Status),
		Timestamp: o.UpdatedAt,
	}
}
