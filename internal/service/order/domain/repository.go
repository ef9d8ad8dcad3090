// internal/service/order/domain/repository.go
package domain

import "context"

// OrderRepository 定义了订单聚合的持久化接口。
// 它位于领域层，但由基础设施层实现。
type OrderRepository interface {
	// Insert 分配 ID 并保存一个新订单，返回存储后的值。
	Insert(ctx context.Context, order *Order) (*Order, error)

	// FindByID 根据 ID 查找订单，不存在时返回 *NotFoundError。
	FindByID(ctx context.Context, id string) (*Order, error)

	// FindByUser 返回某个用户的全部订单，按创建时间倒序。
	FindByUser(ctx context.Context, userID string) ([]*Order, error)

	// UpdateStatus 条件更新订单状态，当前状态或 Seq 不匹配时返回 ErrConflict。
	UpdateStatus(ctx context.Context, id string, change StatusChange) (*Order, error)
}
