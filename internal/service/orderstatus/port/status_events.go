package port

import (
	"context"

	"ordersync/internal/service/orderstatus/domain"
)

// StatusEventPublisher 是订单状态变更事件的出站端口。
type StatusEventPublisher interface {
	// PublishStatusChanged 在状态成功落库后调用，发布失败不影响已提交的状态。
	PublishStatusChanged(ctx context.Context, event *domain.StatusChanged) error
}
