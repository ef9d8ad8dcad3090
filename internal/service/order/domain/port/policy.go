package port

import (
	"context"

	"orderflow/internal/service/order/domain"
)

// AutoConfirmPolicy 决定一个新订单是否应当自动确认。
type AutoConfirmPolicy interface {
	ShouldAutoConfirm(ctx context.Context, order *domain.Order) (bool, error)
}
