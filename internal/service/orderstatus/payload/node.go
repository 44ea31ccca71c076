// Package payload 提供对市场消息通道下发的松散结构消息的只读、全函数式访问。
// 所有访问器在字段缺失或类型不符时返回零值 Node，而不是 panic 或 error。
package payload

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/buger/jsonparser"
	"github.com/gowebpki/jcs"
)

// Node 是消息树上的一个节点: map[string]any / []any / 标量 / nil。
type Node struct {
	v any
}

// New 包装一个由 encoding/json 解码得到的通用值。
func New(v any) Node {
	return Node{v: v}
}

// Parse 解析原始 JSON。数字保留为 json.Number，避免长订单号被转成科学计数法。
func Parse(data []byte) (Node, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return Node{}, fmt.Errorf("payload: decode failed: %w", err)
	}
	return Node{v: v}, nil
}

func (n Node) IsZero() bool { return n.v == nil }

func (n Node) Raw() any { return n.v }

func (n Node) IsMap() bool {
	_, ok := n.v.(map[string]any)
	return ok
}

// Get 返回 map 中 key 对应的子节点。
func (n Node) Get(key string) Node {
	m, ok := n.v.(map[string]any)
	if !ok {
		return Node{}
	}
	return Node{v: m[key]}
}

// Path 逐级调用 Get。
func (n Node) Path(keys ...string) Node {
	cur := n
	for _, k := range keys {
		cur = cur.Get(k)
		if cur.IsZero() {
			return Node{}
		}
	}
	return cur
}

func (n Node) Index(i int) Node {
	list, ok := n.v.([]any)
	if !ok || i < 0 || i >= len(list) {
		return Node{}
	}
	return Node{v: list[i]}
}

// String 仅当节点本身是字符串时返回 true。
func (n Node) String() (string, bool) {
	s, ok := n.v.(string)
	return s, ok
}

// Str 返回字符串值，非字符串时返回空串。
func (n Node) Str() string {
	s, _ := n.String()
	return s
}

// Scalar 把字符串和数字统一成字符串表示，数字按整数格式化。
func (n Node) Scalar() (string, bool) {
	switch t := n.v.(type) {
	case string:
		return t, true
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return strconv.FormatInt(i, 10), true
		}
		if f, err := t.Float64(); err == nil {
			return strconv.FormatInt(int64(f), 10), true
		}
		return t.String(), true
	case float64:
		return strconv.FormatInt(int64(t), 10), true
	case int:
		return strconv.Itoa(t), true
	case int64:
		return strconv.FormatInt(t, 10), true
	default:
		return "", false
	}
}

// Decoded 返回结构化视图: map 原样返回，字符串尝试按 JSON 解码。
// 卡片内容和 bizTag 经常以内嵌 JSON 字符串的形式出现。
func (n Node) Decoded() Node {
	switch t := n.v.(type) {
	case map[string]any, []any:
		return n
	case string:
		s := strings.TrimSpace(t)
		if s == "" || (s[0] != '{' && s[0] != '[') {
			return Node{}
		}
		parsed, err := Parse([]byte(s))
		if err != nil {
			return Node{}
		}
		return parsed
	default:
		return Node{}
	}
}

// Embedded 沿 keys 读取内嵌内容。节点为 JSON 字符串时直接在原始字节上查找，
// 不需要把整段卡片 JSON 解码出来；节点为 map 时退化为 Path。
func (n Node) Embedded(keys ...string) Node {
	s, ok := n.v.(string)
	if !ok {
		return n.Path(keys...)
	}
	value, dataType, _, err := jsonparser.Get([]byte(s), keys...)
	if err != nil {
		return Node{}
	}
	switch dataType {
	case jsonparser.String:
		str, err := jsonparser.ParseString(value)
		if err != nil {
			return Node{}
		}
		return Node{v: str}
	case jsonparser.Number:
		return Node{v: json.Number(string(value))}
	case jsonparser.Boolean:
		b, err := jsonparser.ParseBoolean(value)
		if err != nil {
			return Node{}
		}
		return Node{v: b}
	case jsonparser.Object, jsonparser.Array:
		parsed, err := Parse(value)
		if err != nil {
			return Node{}
		}
		return parsed
	default:
		return Node{}
	}
}

// Canonical 返回 RFC 8785 规范化 JSON，map key 有序。
// JCS 会把数字转成 float64，超过 2^53 的订单号会丢精度，所以 json.Number 先按原文转成字符串。
func (n Node) Canonical() ([]byte, error) {
	raw, err := json.Marshal(numbersAsText(n.v))
	if err != nil {
		return nil, err
	}
	return jcs.Transform(raw)
}

func numbersAsText(v any) any {
	switch t := v.(type) {
	case json.Number:
		return t.String()
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = numbersAsText(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[k] = numbersAsText(item)
		}
		return out
	default:
		return v
	}
}

// Hash 是消息结构的稳定指纹，用于把延迟处理的通知和后续事件对应起来。
func (n Node) Hash() string {
	data, err := n.Canonical()
	if err != nil {
		data = []byte(fmt.Sprintf("%v", n.v))
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Flatten 把整棵树展开成一段可供正则扫描的文本: 规范化 JSON 加上所有字符串叶子。
// 内嵌 JSON 字符串在规范化 JSON 中是转义的，所以叶子需要单独追加。
func (n Node) Flatten() string {
	var b strings.Builder
	if data, err := n.Canonical(); err == nil {
		b.Write(data)
	}
	collectStrings(n.v, &b)
	return b.String()
}

func collectStrings(v any, b *strings.Builder) {
	switch t := v.(type) {
	case string:
		b.WriteByte('\n')
		b.WriteString(t)
	case json.Number:
		b.WriteByte('\n')
		b.WriteString(t.String())
	case []any:
		for _, item := range t {
			collectStrings(item, b)
		}
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			collectStrings(t[k], b)
		}
	}
}
