package resolver

import (
	"sort"
	"time"

	"ordersync/internal/service/orderstatus/payload"
)

const (
	DefaultChatMapTTL        = 48 * time.Hour
	DefaultChatMapMaxEntries = 200
)

type chatEntry struct {
	orderID string
	at      time.Time
}

// ChatOrderMap 记录每个账号下 聊天标识 -> 最近一次订单 ID 的映射，
// 用于系统消息里拿不到订单 ID 时回退匹配。
// 非并发安全，由调用方持锁。
type ChatOrderMap struct {
	ttl        time.Duration
	maxEntries int
	now        func() time.Time
	accounts   map[string]map[string]chatEntry
}

func NewChatOrderMap(ttl time.Duration, maxEntries int, now func() time.Time) *ChatOrderMap {
	if ttl <= 0 {
		ttl = DefaultChatMapTTL
	}
	if maxEntries <= 0 {
		maxEntries = DefaultChatMapMaxEntries
	}
	if now == nil {
		now = time.Now
	}
	return &ChatOrderMap{
		ttl:        ttl,
		maxEntries: maxEntries,
		now:        now,
		accounts:   make(map[string]map[string]chatEntry),
	}
}

// Remember 把消息中的所有聊天标识映射到 orderID。
// 插入前先清理过期项，超出容量时按时间从旧到新淘汰。
func (c *ChatOrderMap) Remember(orderID, accountID string, p payload.Node) int {
	if orderID == "" || accountID == "" {
		return 0
	}
	ids := ExtractChatIdentifiers(p)
	if len(ids) == 0 {
		return 0
	}
	if len(ids) > c.maxEntries {
		ids = ids[:c.maxEntries]
	}

	now := c.now()
	mapping := c.accounts[accountID]
	if mapping == nil {
		mapping = make(map[string]chatEntry)
		c.accounts[accountID] = mapping
	}
	c.purgeAccount(mapping, now)

	incoming := make(map[string]struct{}, len(ids))
	fresh := 0
	for _, id := range ids {
		incoming[id] = struct{}{}
		if _, exists := mapping[id]; !exists {
			fresh++
		}
	}
	if overflow := len(mapping) + fresh - c.maxEntries; overflow > 0 {
		c.evictOldest(mapping, overflow, incoming)
	}

	for _, id := range ids {
		mapping[id] = chatEntry{orderID: orderID, at: now}
	}
	return len(ids)
}

// Lookup 返回第一个未过期命中的订单 ID，顺带清理命中的过期项
func (c *ChatOrderMap) Lookup(p payload.Node, accountID string) (string, bool) {
	if accountID == "" {
		return "", false
	}
	mapping := c.accounts[accountID]
	if len(mapping) == 0 {
		return "", false
	}
	ids := ExtractChatIdentifiers(p)
	now := c.now()

	var expired []string
	defer func() {
		for _, id := range expired {
			delete(mapping, id)
		}
		if len(mapping) == 0 {
			delete(c.accounts, accountID)
		}
	}()

	for _, id := range ids {
		entry, ok := mapping[id]
		if !ok {
			continue
		}
		if now.Sub(entry.at) > c.ttl {
			expired = append(expired, id)
			continue
		}
		if entry.orderID != "" {
			return entry.orderID, true
		}
	}
	return "", false
}

// Purge 清理所有账号下的过期映射，返回清理条数
func (c *ChatOrderMap) Purge() int {
	now := c.now()
	removed := 0
	for account, mapping := range c.accounts {
		removed += c.purgeAccount(mapping, now)
		if len(mapping) == 0 {
			delete(c.accounts, account)
		}
	}
	return removed
}

// Len 返回某账号当前的映射数量
func (c *ChatOrderMap) Len(accountID string) int {
	return len(c.accounts[accountID])
}

func (c *ChatOrderMap) purgeAccount(mapping map[string]chatEntry, now time.Time) int {
	removed := 0
	for id, entry := range mapping {
		if now.Sub(entry.at) > c.ttl {
			delete(mapping, id)
			removed++
		}
	}
	return removed
}

func (c *ChatOrderMap) evictOldest(mapping map[string]chatEntry, n int, keep map[string]struct{}) {
	type kv struct {
		id string
		at time.Time
	}
	candidates := make([]kv, 0, len(mapping))
	for id, entry := range mapping {
		if _, ok := keep[id]; ok {
			continue
		}
		candidates = append(candidates, kv{id: id, at: entry.at})
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].at.Equal(candidates[j].at) {
			return candidates[i].id < candidates[j].id
		}
		return candidates[i].at.Before(candidates[j].at)
	})
	for i := 0; i < n && i < len(candidates); i++ {
		delete(mapping, candidates[i].id)
	}
}
