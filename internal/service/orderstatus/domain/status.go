package domain

// Status 定义了订单在本地订单管理中的规范状态
type Status string

const (
	StatusProcessing      Status = "processing"       // 处理中: 已拍下/基本信息阶段
	StatusPendingShip     Status = "pending_ship"     // 待发货: 已付款
	StatusShipped         Status = "shipped"          // 已发货
	StatusCompleted       Status = "completed"        // 已完成
	StatusRefunding       Status = "refunding"        // 退款中/退货中
	StatusRefundCancelled Status = "refund_cancelled" // 退款撤销: 临时状态，提交前回退
	StatusCancelled       Status = "cancelled"        // 已关闭
)

var statusLabels = map[Status]string{
	StatusProcessing:      "处理中",
	StatusPendingShip:     "待发货",
	StatusShipped:         "已发货",
	StatusCompleted:       "已完成",
	StatusRefunding:       "退款中",
	StatusRefundCancelled: "退款撤销",
	StatusCancelled:       "已关闭",
}

// transitions 是合法的状态流转表。
// 已付款/已完成的订单可以因退款进入已关闭；退款中可以回到已完成（买家取消退款）。
var transitions = map[Status][]Status{
	StatusProcessing:      {StatusPendingShip, StatusShipped, StatusCompleted, StatusCancelled},
	StatusPendingShip:     {StatusShipped, StatusCompleted, StatusCancelled, StatusRefunding},
	StatusShipped:         {StatusCompleted, StatusCancelled, StatusRefunding},
	StatusCompleted:       {StatusCancelled, StatusRefunding},
	StatusRefunding:       {StatusCompleted, StatusCancelled, StatusRefundCancelled},
	StatusRefundCancelled: {},
	StatusCancelled:       {},
}

// ParseStatus 校验一个状态字符串是否属于已知状态集合
func ParseStatus(s string) (Status, bool) {
	st := Status(s)
	_, ok := statusLabels[st]
	return st, ok
}

func (s Status) Valid() bool {
	_, ok := statusLabels[s]
	return ok
}

// Label 返回中文展示名，未知状态原样返回
func (s Status) Label() string {
	if l, ok := statusLabels[s]; ok {
		return l
	}
	return string(s)
}

// IsTransient 临时状态永远不会被写入存储
func (s Status) IsTransient() bool {
	return s == StatusRefundCancelled
}

// AllowedNext 返回 current 允许流转到的状态。不在流转表中的状态返回 nil，表示不受限制。
func AllowedNext(current Status) []Status {
	next, ok := transitions[current]
	if !ok {
		return nil
	}
	out := make([]Status, len(next))
	copy(out, next)
	return out
}

// CanTransition 判断 current -> next 是否合法。
// 1. 不在流转表中的当前状态一律放行（兼容旧数据）
// 2. 一旦离开处理中，就不能再回到处理中
// 3. 其余按流转表判断
func CanTransition(current, next Status) bool {
	allowed, ok := transitions[current]
	if !ok {
		return true
	}
	if next == StatusProcessing && current != StatusProcessing {
		return false
	}
	for _, s := range allowed {
		if s == next {
			return true
		}
	}
	return false
}
