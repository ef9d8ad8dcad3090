package infrastructure

import "orderflow/internal/service/order/domain"

// ToDomainOrder 将数据库模型转换为领域模型
func ToDomainOrder(model *OrderModel) *domain.Order {
	if model == nil {
		return nil
	}
	items := make([]domain.Item, len(model.Items))
	for i, it := range model.Items {
		items[i] = domain.Item{Name: it.Name, Price: it.Price, Quantity: it.Quantity}
	}
	return &domain.Order{
		ID:          model.ID,
		UserID:      model.UserID,
		Items:       items,
		Total:       model.Total,
		Status:      domain.Status(model.Status),
		Seq:         model.Seq,
		TerminalSeq: model.TerminalSeq,
		CreatedAt:   model.CreatedAt.UTC(),
		UpdatedAt:   model.UpdatedAt.UTC(),
	}
}

// FromDomainOrder 将领域模型转换为数据库模型，用于插入
func FromDomainOrder(order *domain.Order) *OrderModel {
	if order == nil {
		return nil
	}
	items := make([]ItemModel, len(order.Items))
	for i, it := range order.Items {
		items[i] = ItemModel{Name: it.Name, Price: it.Price, Quantity: it.Quantity}
	}
	return &OrderModel{
		ID:          order.ID,
		UserID:      order.UserID,
		Items:       items,
		Total:       order.Total,
		Status:      string(order.Status),
		Seq:         order.Seq,
		TerminalSeq: order.TerminalSeq,
		CreatedAt:   order.CreatedAt,
		UpdatedAt:   order.UpdatedAt,
	}
}
