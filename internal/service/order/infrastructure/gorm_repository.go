package infrastructure

import (
	"context"

	"orderflow/internal/service/order/domain"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// GormRepository 是 OrderRepository 的 GORM 实现
type GormRepository struct {
	db *gorm.DB
}

// NewGormRepository 创建一个新的 GORM 仓储实例
func NewGormRepository(db *gorm.DB) *GormRepository {
	return &GormRepository{db: db}
}

func (r *GormRepository) Insert(ctx context.Context, order *domain.Order) (*domain.Order, error) {
	model := FromDomainOrder(order)
	model.ID = uuid.NewString()
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return nil, storeError("insert", errors.Wrapf(err, "insert order for user %s", order.UserID))
	}
	return ToDomainOrder(model), nil
}

func (r *GormRepository) FindByID(ctx context.Context, id string) (*domain.Order, error) {
	var model OrderModel
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &domain.NotFoundError{OrderID: id}
		}
		return nil, storeError("find", errors.Wrapf(err, "find order %s", id))
	}
	return ToDomainOrder(&model), nil
}

func (r *GormRepository) FindByUser(ctx context.Context, userID string) ([]*domain.Order, error) {
	var models []*OrderModel
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).Order("created_at DESC").Find(&models).Error
	if err != nil {
		return nil, storeError("list", errors.Wrapf(err, "list orders of user %s", userID))
	}
	orders := make([]*domain.Order, len(models))
	for i, m := range models {
		orders[i] = ToDomainOrder(m)
	}
	return orders, nil
}

// UpdateStatus 以 (status, seq) 为条件更新，相当于一次比较并交换。
func (r *GormRepository) UpdateStatus(ctx context.Context, id string, change domain.StatusChange) (*domain.Order, error) {
	res := r.db.WithContext(ctx).
		Model(&OrderModel{}).
		Where("id = ? AND status = ? AND seq = ?", id, string(change.From), change.FromSeq).
		Updates(map[string]interface{}{
			"status":       string(change.To),
			"seq":          change.ToSeq,
			"terminal_seq": change.TerminalSeq,
			"updated_at":   change.At,
		})
	if res.Error != nil {
		return nil, storeError("update", errors.Wrapf(res.Error, "update status of order %s", id))
	}
	if res.RowsAffected == 0 {
		var count int64
		if err := r.db.WithContext(ctx).Model(&OrderModel{}).Where("id = ?", id).Count(&count).Error; err != nil {
			return nil, storeError("update", errors.Wrapf(err, "check order %s", id))
		}
		if count == 0 {
			return nil, &domain.NotFoundError{OrderID: id}
		}
		return nil, domain.ErrConflict
	}
	return r.FindByID(ctx, id)
}

func storeError(op string, err error) error {
	return &domain.StoreError{Op: op, Err: err}
}
