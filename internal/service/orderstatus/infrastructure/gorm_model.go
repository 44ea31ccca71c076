package infrastructure

import (
	"time"

	"ordersync/internal/service/orderstatus/domain"
)

// OrderModel 对应数据库中的 orders 表，只映射状态同步需要的列
type OrderModel struct {
	ID        uint   `gorm:"primarykey"`
	OrderID   string `gorm:"column:order_id;type:varchar(64);uniqueIndex"`
	Status    string `gorm:"column:status;type:varchar(32)"`
	AccountID string `gorm:"column:account_id;type:varchar(64);index"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TableName 指定 GORM 应该使用的表名
func (OrderModel) TableName() string {
	return "orders"
}

func toOrderRecord(m *OrderModel) *domain.OrderRecord {
	return &domain.OrderRecord{
		OrderID:   m.OrderID,
		Status:    domain.Status(m.Status),
		AccountID: m.AccountID,
		UpdatedAt: m.UpdatedAt,
	}
}
