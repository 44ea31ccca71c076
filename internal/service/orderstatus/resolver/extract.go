// Package resolver 从市场消息中解析订单 ID，并维护聊天标识到订单 ID 的映射。
package resolver

import (
	"regexp"
	"sort"
	"strings"

	"ordersync/internal/service/orderstatus/payload"
)

var (
	buttonOrderIDPattern = regexp.MustCompile(`orderId=(\d+)`)
	detailOrderIDPattern = regexp.MustCompile(`order_detail\?id=(\d+)`)

	// 兜底扫描只接受至少 10 位的数字，避免误命中商品数量之类的短数字
	fallbackPatterns = []*regexp.Regexp{
		regexp.MustCompile(`orderId[=:](\d{10,})`),
		regexp.MustCompile(`order_detail\?id=(\d{10,})`),
		regexp.MustCompile(`"id"\s*:\s*"?(\d{10,})"?`),
		regexp.MustCompile(`bizOrderId[=:](\d{10,})`),
	}

	reminderURLParams = []string{"sid", "itemId", "bizOrderId", "orderId", "tradeId"}
)

const sessionSuffix = ".PNM"

// CardContent 返回消息卡片的内嵌 JSON 内容 (1.6.3.5)
func CardContent(p payload.Node) payload.Node {
	return p.Path("1", "6", "3", "5")
}

// ExtractOrderID 按优先级从消息中提取订单 ID:
//  1. 卡片按钮 targetUrl 中的 orderId=
//  2. 卡片主体 targetUrl 中的 order_detail?id=
//  3. dynamicOperation.changeContent 中的同样两处
//  4. 整条消息文本中的长数字模式
func ExtractOrderID(p payload.Node) (string, bool) {
	content := CardContent(p)
	if !content.IsZero() {
		if id, ok := extractFromCard(content); ok {
			return id, true
		}
		if id, ok := extractFromCard(content.Embedded("dynamicOperation", "changeContent")); ok {
			return id, true
		}
	}

	flat := p.Flatten()
	for _, re := range fallbackPatterns {
		if m := re.FindStringSubmatch(flat); m != nil {
			return m[1], true
		}
	}
	return "", false
}

func extractFromCard(card payload.Node) (string, bool) {
	if card.IsZero() {
		return "", false
	}
	buttonURL := card.Embedded("dxCard", "item", "main", "exContent", "button", "targetUrl").Str()
	if m := buttonOrderIDPattern.FindStringSubmatch(buttonURL); m != nil {
		return m[1], true
	}
	if m := detailOrderIDPattern.FindStringSubmatch(buttonURL); m != nil {
		return m[1], true
	}
	mainURL := card.Embedded("dxCard", "item", "main", "targetUrl").Str()
	if m := detailOrderIDPattern.FindStringSubmatch(mainURL); m != nil {
		return m[1], true
	}
	return "", false
}

// ExtractChatIdentifiers 收集所有可能标识会话的字段，结果去重并排序
func ExtractChatIdentifiers(p payload.Node) []string {
	if !p.IsMap() {
		return nil
	}
	set := make(map[string]struct{})
	add := func(n payload.Node) {
		for _, id := range normalizeIdentifier(n) {
			set[id] = struct{}{}
		}
	}

	m1 := p.Get("1")
	if m1.IsMap() {
		nested := m1.Get("1")
		for _, k := range []string{"1", "2", "3"} {
			add(nested.Get(k))
		}
		for _, k := range []string{"2", "3", "4"} {
			add(m1.Get(k))
		}
		ext := m1.Get("10")
		add(ext.Get("senderUserId"))
		add(ext.Get("receiver"))
		if reminderURL, ok := ext.Get("reminderUrl").String(); ok {
			for _, param := range reminderURLParams {
				if v, ok := queryParam(reminderURL, param); ok {
					add(payload.New(v))
				}
			}
		}
	} else {
		add(m1)
	}
	add(p.Get("3"))

	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// normalizeIdentifier 为一个标识生成多个候选键: 原值、@ 之前的部分、去掉 .PNM 后缀
func normalizeIdentifier(n payload.Node) []string {
	raw, ok := n.Scalar()
	if !ok {
		return nil
	}
	v := strings.TrimSpace(raw)
	if v == "" {
		return nil
	}
	out := []string{v}
	if i := strings.Index(v, "@"); i > 0 {
		out = append(out, v[:i])
	}
	if trimmed := strings.TrimSuffix(v, sessionSuffix); trimmed != v && trimmed != "" {
		out = append(out, trimmed)
	}
	return out
}

// queryParam 取 url 中第一个 name= 之后到 & 之前的值。
// reminderUrl 往往是自定义 scheme，不一定能被 net/url 正常解析。
func queryParam(rawURL, name string) (string, bool) {
	key := name + "="
	idx := strings.Index(rawURL, key)
	if idx < 0 {
		return "", false
	}
	v := rawURL[idx+len(key):]
	if amp := strings.IndexByte(v, '&'); amp >= 0 {
		v = v[:amp]
	}
	return v, v != ""
}
