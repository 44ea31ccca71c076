package classifier

import (
	"strings"

	"ordersync/internal/service/orderstatus/domain"
)

// 市场下发的系统消息原文，精确匹配
var exactText = map[string]domain.Status{
	"[买家确认收货，交易成功]":    domain.StatusCompleted,
	"[你已确认收货，交易成功]":    domain.StatusCompleted,
	"[你已发货]":           domain.StatusShipped,
	"你已发货":             domain.StatusShipped,
	"[你已发货，请等待买家确认收货]": domain.StatusShipped,
	"[我已付款，等待你发货]":     domain.StatusPendingShip,
	"[我已拍下，待付款]":       domain.StatusProcessing,
	"[买家已付款]":          domain.StatusPendingShip,
	"[付款完成]":           domain.StatusPendingShip,
	"[已付款，待发货]":        domain.StatusPendingShip,
	"[退款成功，钱款已原路退返]":   domain.StatusCancelled,
	"[你关闭了订单，钱款已原路退返]": domain.StatusCancelled,
}

var (
	// 退款完成类提示 (tip / detailNotice / reminderContent)
	refundDonePhrases = []string{
		"退款成功", "钱款已原路退返", "钱款已退回", "退款已完成",
		"交易关闭，已退款", "交易成功，已退款", "交易成功，有退款",
	}
	requestPhrases    = []string{"退款申请", "退货申请"}
	tipReviewPhrases  = []string{"已同意", "同意", "处理中"}
	noticeReviewWords = []string{"已同意", "处理中", "待处理"}

	// 关键字推断，按顺序判断
	textRefundDone    = []string{"退款成功", "退货成功", "退货退款成功", "钱款已原路退返", "钱款已退回", "款项已退回", "交易成功，已退款", "交易关闭，已退款"}
	textTradeResult   = []string{"交易成功", "交易关闭"}
	textAgreed        = []string{"已同意", "同意了", "通过了", "同意退款", "同意退货"}
	textWithdrawn     = []string{"已撤销", "撤销了", "取消了", "已取消"}
	textPaid          = []string{"买家已付款", "付款完成", "已付款", "等待你发货", "待发货"}
	textShipped       = []string{"你已发货", "已发货", "等待买家确认收货"}
	textCompleted     = []string{"确认收货", "交易成功"}
	textClosed        = []string{"交易关闭", "关闭了订单"}
	returnTaskPhrases = []string{"退货", "退货退款"}

	// taskName 推断
	taskRefundOnlyAgreed = []string{"退款申请已同意", "仅退款已同意"}
	taskCancelled        = []string{"退款成功", "退货成功", "退货退款成功", "退款退货成功", "关闭订单", "交易关闭", "退款已完成", "交易成功，有退款", "交易成功，已退款"}
	taskRefunding        = []string{"改为仅退款已同意", "发起退款申请", "申请退款", "退款处理中"}
	taskRefundCancelled  = []string{"退款申请已撤销", "退款申请已取消", "取消退款申请"}
)

const (
	dynamicRefundTitle   = "我发起了退款申请"
	dynamicButtonRevoked = "已撤销"
	dynamicButtonAgreed  = "已同意"
	dynamicButtonRefund  = "同意退款"

	redReminderClosed = "交易关闭"
)

func containsAny(s string, phrases []string) bool {
	for _, p := range phrases {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}

// normalize 去掉首尾空白和中英文方括号
func normalize(s string) string {
	return strings.TrimSpace(strings.Trim(strings.TrimSpace(s), "[]【】"))
}
