package infrastructure

import "time"

// OrderModel 对应数据库中的 orders 表
type OrderModel struct {
	ID          string      `gorm:"primaryKey;type:varchar(36)"`
	UserID      string      `gorm:"type:varchar(64);not null;index:idx_orders_user_created,priority:1"`
	Items       []ItemModel `gorm:"type:json;serializer:json"`
	Total       float64     `gorm:"type:decimal(12,2)"`
	Status      string      `gorm:"type:varchar(32);not null"`
	Seq         uint64      `gorm:"not null"`
	TerminalSeq uint64      `gorm:"not null;default:0"` // 0 表示尚未进入终态
	CreatedAt   time.Time   `gorm:"index:idx_orders_user_created,priority:2"`
	UpdatedAt   time.Time
}

// ItemModel 以 JSON 数组的形式存放在 items 列中
type ItemModel struct {
	Name     string  `json:"name"`
	Price    float64 `json:"price"`
	Quantity int     `json:"quantity"`
}

// TableName 指定 GORM 应该使用的表名
func (OrderModel) TableName() string {
	return "orders"
}
