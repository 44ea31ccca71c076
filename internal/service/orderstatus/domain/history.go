package domain

import "time"

const DefaultHistoryLimit = 10

// HistoryEntry 是一次已提交的状态变更
type HistoryEntry struct {
	OrderID string
	From    Status
	To      Status
	Context string
	At      time.Time
}

// HistoryTracker 按订单记录最近的状态变更，用于退款撤销时回退。
// 非并发安全，由调用方持锁。
type HistoryTracker struct {
	limit   int
	entries map[string][]HistoryEntry
}

func NewHistoryTracker(limit int) *HistoryTracker {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return &HistoryTracker{
		limit:   limit,
		entries: make(map[string][]HistoryEntry),
	}
}

// Record 追加一条历史。临时状态不会被记录，返回 false。
func (h *HistoryTracker) Record(orderID string, from, to Status, context string, at time.Time) bool {
	if to.IsTransient() {
		return false
	}
	list := append(h.entries[orderID], HistoryEntry{
		OrderID: orderID,
		From:    from,
		To:      to,
		Context: context,
		At:      at,
	})
	if len(list) > h.limit {
		trimmed := make([]HistoryEntry, h.limit)
		copy(trimmed, list[len(list)-h.limit:])
		list = trimmed
	}
	h.entries[orderID] = list
	return true
}

func (h *HistoryTracker) Latest(orderID string) (HistoryEntry, bool) {
	list := h.entries[orderID]
	if len(list) == 0 {
		return HistoryEntry{}, false
	}
	return list[len(list)-1], true
}

// StatusBeforeRefund 返回最近一次进入退款中之前的状态
func (h *HistoryTracker) StatusBeforeRefund(orderID string) (Status, bool) {
	list := h.entries[orderID]
	for i := len(list) - 1; i >= 0; i-- {
		if list[i].To == StatusRefunding {
			return list[i].From, true
		}
	}
	return "", false
}

func (h *HistoryTracker) Entries(orderID string) []HistoryEntry {
	list := h.entries[orderID]
	out := make([]HistoryEntry, len(list))
	copy(out, list)
	return out
}
