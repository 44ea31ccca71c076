package application

import (
	"time"

	"ordersync/internal/service/orderstatus/payload"
)

// Notification 是消息接入层交给引擎的一条市场通知
type Notification struct {
	AccountID  string
	Text       string
	Payload    payload.Node
	ReceivedAt time.Time
}

// label 用作状态历史和事件里的上下文说明
func (n Notification) label() string {
	if n.ReceivedAt.IsZero() {
		return n.Text
	}
	return n.Text + " - " + n.ReceivedAt.Format(time.DateTime)
}

// Outcome 一次状态更新的结果
type Outcome int

const (
	OutcomeCommitted Outcome = iota
	OutcomeNoop
	OutcomeDeferred
	OutcomeInvalid
	OutcomeFailed
	OutcomeSkipped
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCommitted:
		return "committed"
	case OutcomeNoop:
		return "noop"
	case OutcomeDeferred:
		return "deferred"
	case OutcomeInvalid:
		return "invalid"
	case OutcomeFailed:
		return "failed"
	case OutcomeSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// mutated 提交或延迟都算作发生了状态变更
func (o Outcome) mutated() bool {
	return o == OutcomeCommitted || o == OutcomeDeferred
}
