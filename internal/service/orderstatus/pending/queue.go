// Package pending 缓存暂时无法落库的状态更新，以及暂时拿不到订单 ID 的通知。
package pending

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"ordersync/internal/service/orderstatus/domain"
	"ordersync/internal/service/orderstatus/payload"
)

const placeholderPrefix = "temp_"

type Kind string

const (
	KindSystem      Kind = "system"
	KindRedReminder Kind = "red_reminder"
)

// Update 一条挂在订单 ID (或占位 ID) 下的待处理状态更新
type Update struct {
	Status    domain.Status
	AccountID string
	Context   string
	At        time.Time
}

// Notification 一条拿不到订单 ID 的通知，等同账号后续消息解析出订单 ID 时再提交
type Notification struct {
	Kind          Kind
	Payload       payload.Node
	Hash          string
	Text          string
	Status        domain.Status
	PlaceholderID string
	AccountID     string
	ReceivedAt    time.Time
	At            time.Time
}

type SweepStats struct {
	Updates       int
	Orders        int
	Notifications int
}

func (s SweepStats) Total() int {
	return s.Updates + s.Notifications
}

// NewPlaceholderID 生成 temp_<毫秒时间戳>_<8 位十六进制> 形式的占位 ID
func NewPlaceholderID(now time.Time) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return fmt.Sprintf("%s%d_%s", placeholderPrefix, now.UnixMilli(), id[:8])
}

func IsPlaceholder(id string) bool {
	return strings.HasPrefix(id, placeholderPrefix)
}

// Queue 非并发安全，由调用方持锁
type Queue struct {
	updates       map[string][]Update
	notifications map[string][]Notification
}

func NewQueue() *Queue {
	return &Queue{
		updates:       make(map[string][]Update),
		notifications: make(map[string][]Notification),
	}
}

func (q *Queue) Enqueue(orderID string, u Update) {
	q.updates[orderID] = append(q.updates[orderID], u)
}

// Drain 取出并移除某订单下的全部更新
func (q *Queue) Drain(orderID string) []Update {
	updates, ok := q.updates[orderID]
	if !ok {
		return nil
	}
	delete(q.updates, orderID)
	return updates
}

// Discard 丢弃某订单下的全部更新，返回丢弃条数
func (q *Queue) Discard(orderID string) int {
	n := len(q.updates[orderID])
	delete(q.updates, orderID)
	return n
}

// OrderIDs 按首条更新的入队时间从早到晚返回
func (q *Queue) OrderIDs() []string {
	ids := make([]string, 0, len(q.updates))
	for id := range q.updates {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		ai, aj := q.updates[ids[i]][0].At, q.updates[ids[j]][0].At
		if ai.Equal(aj) {
			return ids[i] < ids[j]
		}
		return ai.Before(aj)
	})
	return ids
}

func (q *Queue) AddNotification(accountID string, n Notification) {
	q.notifications[accountID] = append(q.notifications[accountID], n)
}

// MatchNotification 取出账号下的一条待处理通知:
// 优先按结构哈希从新到旧匹配，否则按到达顺序取最早的一条。
// 命中后同时丢弃其占位 ID 下的更新。
func (q *Queue) MatchNotification(accountID, hash string) (Notification, bool) {
	list := q.notifications[accountID]
	if len(list) == 0 {
		return Notification{}, false
	}

	idx := 0
	if hash != "" {
		for i := len(list) - 1; i >= 0; i-- {
			if list[i].Hash == hash {
				idx = i
				break
			}
		}
	}

	n := list[idx]
	list = append(list[:idx:idx], list[idx+1:]...)
	if len(list) == 0 {
		delete(q.notifications, accountID)
	} else {
		q.notifications[accountID] = list
	}
	if n.PlaceholderID != "" {
		q.Discard(n.PlaceholderID)
	}
	return n, true
}

// HasNotifications 账号下是否有待处理通知
func (q *Queue) HasNotifications(accountID string) bool {
	return len(q.notifications[accountID]) > 0
}

// Sweep 清理 cutoff 之前入队的更新和通知
func (q *Queue) Sweep(cutoff time.Time) SweepStats {
	var stats SweepStats
	for id, updates := range q.updates {
		kept := updates[:0]
		for _, u := range updates {
			if u.At.Before(cutoff) {
				stats.Updates++
				continue
			}
			kept = append(kept, u)
		}
		if len(kept) == 0 {
			delete(q.updates, id)
			stats.Orders++
		} else {
			q.updates[id] = kept
		}
	}

	for account, list := range q.notifications {
		kept := list[:0]
		for _, n := range list {
			if n.At.Before(cutoff) {
				stats.Notifications++
				if n.PlaceholderID != "" {
					if dropped := q.Discard(n.PlaceholderID); dropped > 0 {
						stats.Updates += dropped
						stats.Orders++
					}
				}
				continue
			}
			kept = append(kept, n)
		}
		if len(kept) == 0 {
			delete(q.notifications, account)
		} else {
			q.notifications[account] = kept
		}
	}
	return stats
}

// Len 当前有待处理更新的订单 ID 数
func (q *Queue) Len() int {
	return len(q.updates)
}

func (q *Queue) NotificationCount() int {
	n := 0
	for _, list := range q.notifications {
		n += len(list)
	}
	return n
}
