package domain

import (
	"context"
	"errors"
)

var (
	ErrOrderNotFound     = errors.New("order not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrUnknownStatus     = errors.New("unknown order status")
)

// OrderGateway 定义了订单状态的持久化接口。
// 它位于领域层，但由基础设施层实现（MySQL、Redis 缓存等）。
type OrderGateway interface {
	// GetOrder 根据 ID 查找订单，不存在时返回 ErrOrderNotFound。
	GetOrder(ctx context.Context, orderID string) (*OrderRecord, error)

	// UpsertOrder 按订单 ID 插入或更新状态，存储层语义为后写覆盖。
	UpsertOrder(ctx context.Context, orderID string, status Status, accountID string) error
}
