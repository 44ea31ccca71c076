package domain

import "time"

// OrderRecord 是持久化层中订单的最小视图
type OrderRecord struct {
	OrderID   string
	Status    Status
	AccountID string
	UpdatedAt time.Time
}

// CurrentStatus 返回记录中的状态，空状态视为处理中
func (o *OrderRecord) CurrentStatus() Status {
	if o == nil || o.Status == "" {
		return StatusProcessing
	}
	return o.Status
}

// StatusChanged 是订单状态提交成功后发布的领域事件
type StatusChanged struct {
	OrderID   string    `json:"order_id"`
	AccountID string    `json:"account_id"`
	From      Status    `json:"from"`
	To        Status    `json:"to"`
	FromLabel string    `json:"from_label"`
	ToLabel   string    `json:"to_label"`
	Context   string    `json:"context"`
	ChangedAt time.Time `json:"changed_at"`
}

func NewStatusChanged(orderID, accountID string, from, to Status, context string, at time.Time) *StatusChanged {
	return &StatusChanged{
		OrderID:   orderID,
		AccountID: accountID,
		From:      from,
		To:        to,
		FromLabel: from.Label(),
		ToLabel:   to.Label(),
		Context:   context,
		ChangedAt: at,
	}
}
