package infrastructure

import (
	"context"
	"sort"
	"sync"

	"orderflow/internal/service/order/domain"

	"github.com/google/uuid"
)

// MemoryRepository 是进程内的 OrderRepository，用于本地运行和测试。
// 条件更新的语义与 GormRepository 一致。
type MemoryRepository struct {
	mu     sync.RWMutex
	orders map[string]*domain.Order
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{orders: make(map[string]*domain.Order)}
}

func (r *MemoryRepository) Insert(_ context.Context, order *domain.Order) (*domain.Order, error) {
	stored := cloneOrder(order)
	stored.ID = uuid.NewString()

	r.mu.Lock()
	r.orders[stored.ID] = stored
	r.mu.Unlock()
	return cloneOrder(stored), nil
}

func (r *MemoryRepository) FindByID(_ context.Context, id string) (*domain.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	o, ok := r.orders[id]
	if !ok {
		return nil, &domain.NotFoundError{OrderID: id}
	}
	return cloneOrder(o), nil
}

func (r *MemoryRepository) FindByUser(_ context.Context, userID string) ([]*domain.Order, error) {
	r.mu.RLock()
	out := make([]*domain.Order, 0)
	for _, o := range r.orders {
		if o.UserID == userID {
			out = append(out, cloneOrder(o))
		}
	}
	r.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (r *MemoryRepository) UpdateStatus(_ context.Context, id string, change domain.StatusChange) (*domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[id]
	if !ok {
		return nil, &domain.NotFoundError{OrderID: id}
	}
	if o.Status != change.From || o.Seq != change.FromSeq {
		return nil, domain.ErrConflict
	}
	o.Apply(change)
	return cloneOrder(o), nil
}

func cloneOrder(o *domain.Order) *domain.Order {
	c := *o
	c.Items = append([]domain.Item(nil), o.Items...)
	return &c
}
