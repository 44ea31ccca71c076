// Package classifier 根据系统消息文本和消息结构推断订单的目标状态。
package classifier

import (
	"strings"

	"ordersync/internal/service/orderstatus/domain"
	"ordersync/internal/service/orderstatus/payload"
	"ordersync/internal/service/orderstatus/resolver"
)

// 命中来源，写入日志和指标标签
const (
	RuleRefundTip    = "refund_tip"
	RuleRefundCard   = "refund_card"
	RuleRefundNotice = "refund_notice"
	RuleExactText    = "exact_text"
	RuleKeyword      = "keyword"
	RuleTaskName     = "task_name"

	operatorRulePrefix = "rule:"
)

type Match struct {
	Status domain.Status
	Rule   string
}

type Classifier struct {
	rules []*operatorRule
}

// NewClassifier 编译运维配置的 CEL 规则，任意一条编译失败即返回错误。
func NewClassifier(rules []RuleConfig) (*Classifier, error) {
	compiled, err := compileRules(rules)
	if err != nil {
		return nil, err
	}
	return &Classifier{rules: compiled}, nil
}

// Classify 按优先级推断状态，第一个命中的规则生效:
// 退款结构检查 -> 精确文本 -> 关键字 -> taskName -> 运维规则
func (c *Classifier) Classify(p payload.Node, text string) (Match, bool) {
	if m, ok := classifyRefund(p); ok {
		return m, true
	}
	if s, ok := exactText[text]; ok {
		return Match{Status: s, Rule: RuleExactText}, true
	}
	if s, ok := inferFromText(text); ok {
		return Match{Status: s, Rule: RuleKeyword}, true
	}
	taskName := TaskName(p)
	if s, ok := inferFromTaskName(taskName); ok {
		return Match{Status: s, Rule: RuleTaskName}, true
	}
	if c != nil {
		for _, r := range c.rules {
			if r.eval(text, taskName) {
				return Match{Status: r.status, Rule: operatorRulePrefix + r.name}, true
			}
		}
	}
	return Match{}, false
}

// ClassifyRedReminder 红色提醒只识别"交易关闭"
func ClassifyRedReminder(text string) (domain.Status, bool) {
	if text == redReminderClosed {
		return domain.StatusCancelled, true
	}
	return "", false
}

// TaskName 读取 1.10.bizTag 中的 taskName，bizTag 可能是 JSON 字符串或对象
func TaskName(p payload.Node) string {
	bizTag := p.Path("1", "10", "bizTag")
	if bizTag.IsZero() {
		return ""
	}
	return strings.TrimSpace(bizTag.Embedded("taskName").Str())
}

func classifyRefund(p payload.Node) (Match, bool) {
	content := resolver.CardContent(p).Decoded()
	if content.IsMap() {
		if s, ok := refundFromTip(content.Get("tip")); ok {
			return Match{Status: s, Rule: RuleRefundTip}, true
		}
		if s, ok := refundFromDynamicCard(p, content.Get("dynamicOperation").Get("changeContent").Decoded()); ok {
			return Match{Status: s, Rule: RuleRefundCard}, true
		}
	}
	for _, ext := range []payload.Node{p.Get("10"), p.Path("1", "10")} {
		for _, field := range []string{"detailNotice", "reminderContent"} {
			notice, _ := ext.Get(field).Scalar()
			if s, ok := refundFromNotice(notice); ok {
				return Match{Status: s, Rule: RuleRefundNotice}, true
			}
		}
	}
	return Match{}, false
}

func refundFromTip(tip payload.Node) (domain.Status, bool) {
	text, ok := tip.String()
	if !ok {
		text = tip.Get("tip").Str()
	}
	text = normalize(text)
	if text == "" {
		return "", false
	}
	if containsAny(text, refundDonePhrases) {
		return domain.StatusCancelled, true
	}
	if containsAny(text, requestPhrases) && containsAny(text, tipReviewPhrases) {
		return domain.StatusRefunding, true
	}
	return "", false
}

func refundFromDynamicCard(p, change payload.Node) (domain.Status, bool) {
	if !change.IsMap() {
		return "", false
	}
	ex := change.Path("dxCard", "item", "main", "exContent")
	title := ex.Get("title").Str()
	button, ok := ex.Get("button").String()
	if !ok {
		button = ex.Get("button").Get("text").Str()
	}

	switch {
	case title == dynamicRefundTitle && button == dynamicButtonRevoked:
		return domain.StatusRefundCancelled, true
	case strings.Contains(title, "退货") && button == dynamicButtonAgreed:
		return domain.StatusRefunding, true
	case strings.Contains(title, "退款") && (button == dynamicButtonAgreed || button == dynamicButtonRefund):
		// 退货退款需要等买家寄回，仅退款同意即关闭
		if containsAny(TaskName(p), returnTaskPhrases) {
			return domain.StatusRefunding, true
		}
		return domain.StatusCancelled, true
	}
	return "", false
}

func refundFromNotice(text string) (domain.Status, bool) {
	text = normalize(text)
	if text == "" {
		return "", false
	}
	if containsAny(text, refundDonePhrases) {
		return domain.StatusCancelled, true
	}
	if containsAny(text, requestPhrases) && containsAny(text, noticeReviewWords) {
		return domain.StatusRefunding, true
	}
	return "", false
}

func inferFromText(text string) (domain.Status, bool) {
	t := normalize(text)
	if t == "" {
		return "", false
	}
	switch {
	case containsAny(t, textRefundDone):
		return domain.StatusCancelled, true
	case strings.Contains(t, "已退款") && containsAny(t, textTradeResult):
		return domain.StatusCancelled, true
	case containsAny(t, requestPhrases) && containsAny(t, textAgreed):
		return domain.StatusRefunding, true
	case containsAny(t, requestPhrases) && containsAny(t, textWithdrawn):
		return domain.StatusRefundCancelled, true
	case containsAny(t, textPaid):
		return domain.StatusPendingShip, true
	case containsAny(t, textShipped):
		return domain.StatusShipped, true
	case containsAny(t, textCompleted):
		return domain.StatusCompleted, true
	case containsAny(t, textClosed):
		return domain.StatusCancelled, true
	}
	return "", false
}

func inferFromTaskName(taskName string) (domain.Status, bool) {
	if taskName == "" {
		return "", false
	}
	onlyRefund := !strings.Contains(taskName, "退货") && !strings.Contains(taskName, "改为")
	switch {
	case onlyRefund && containsAny(taskName, taskRefundOnlyAgreed):
		return domain.StatusCancelled, true
	case containsAny(taskName, taskCancelled):
		return domain.StatusCancelled, true
	case containsAny(taskName, taskRefunding):
		return domain.StatusRefunding, true
	case containsAny(taskName, taskRefundCancelled):
		return domain.StatusRefundCancelled, true
	}
	return "", false
}
