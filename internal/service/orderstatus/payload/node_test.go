package payload

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustParse(t *testing.T, raw string) Node {
	t.Helper()
	n, err := Parse([]byte(raw))
	require.NoError(t, err)
	return n
}

func TestNode_AccessorsAreTotal(t *testing.T) {
	n := mustParse(t, `{"1":{"6":"not-a-map","10":{"receiver":12345678901}},"list":[1,"a"]}`)

	assert.True(t, n.Path("1", "6", "3", "5").IsZero())
	assert.True(t, n.Get("missing").Get("deeper").IsZero())
	assert.True(t, n.Index(0).IsZero(), "indexing a map yields nothing")
	assert.True(t, n.Get("list").Index(5).IsZero())
	assert.True(t, New(nil).Path("a").IsZero())

	s, ok := n.Path("1", "10", "receiver").Scalar()
	require.True(t, ok)
	assert.Equal(t, "12345678901", s)

	_, ok = n.Path("1", "10", "receiver").String()
	assert.False(t, ok)

	v, ok := n.Get("list").Index(1).String()
	require.True(t, ok)
	assert.Equal(t, "a", v)
}

func TestNode_EmbeddedJSONString(t *testing.T) {
	content := `{"dxCard":{"item":{"main":{"exContent":{"button":{"text":"已同意","targetUrl":"fleamarket://x?orderId=42"},"title":"退款"}}}},"tip":"退款成功"}`
	n := New(map[string]any{"5": content})

	assert.Equal(t, "fleamarket://x?orderId=42",
		n.Get("5").Embedded("dxCard", "item", "main", "exContent", "button", "targetUrl").Str())

	button := n.Get("5").Embedded("dxCard", "item", "main", "exContent", "button")
	assert.True(t, button.IsMap())
	assert.Equal(t, "已同意", button.Get("text").Str())

	assert.True(t, n.Get("5").Embedded("nope").IsZero())
	assert.True(t, New("{broken").Embedded("a").IsZero())

	// 已解码的 map 走 Path
	decoded := n.Get("5").Decoded()
	require.True(t, decoded.IsMap())
	assert.Equal(t, "退款成功", decoded.Embedded("tip").Str())
}

func TestNode_DecodedRejectsPlainText(t *testing.T) {
	assert.True(t, New("hello").Decoded().IsZero())
	assert.True(t, New(" ").Decoded().IsZero())
	assert.Equal(t, "x", New(`{"taskName":"x"}`).Decoded().Get("taskName").Str())
}

func TestNode_HashIgnoresKeyOrder(t *testing.T) {
	a := mustParse(t, `{"b":1,"a":{"y":"2","x":[1,2]}}`)
	b := mustParse(t, `{"a":{"x":[1,2],"y":"2"},"b":1}`)
	c := mustParse(t, `{"a":{"x":[2,1],"y":"2"},"b":1}`)

	assert.Equal(t, a.Hash(), b.Hash())
	assert.NotEqual(t, a.Hash(), c.Hash())
	assert.Len(t, a.Hash(), 64)
}

func TestNode_HashKeepsLongNumbersExact(t *testing.T) {
	a := mustParse(t, `{"1":{"9":4012345678901234567}}`)
	b := mustParse(t, `{"1":{"9":4012345678901234568}}`)
	assert.NotEqual(t, a.Hash(), b.Hash())

	canon, err := a.Canonical()
	require.NoError(t, err)
	assert.Contains(t, string(canon), "4012345678901234567")
}

func TestNode_FlattenIncludesNumberLeaves(t *testing.T) {
	n := mustParse(t, `{"biz":{"id":4012345678901234567}}`)
	flat := n.Flatten()
	assert.Contains(t, flat, "\n4012345678901234567")
	assert.NotContains(t, flat, "4012345678901234700")
}

func TestNode_FlattenIncludesEmbeddedStrings(t *testing.T) {
	n := mustParse(t, `{"1":{"6":{"3":{"5":"{\"id\":\"1234567890123\"}"}}}}`)
	flat := n.Flatten()
	assert.Contains(t, flat, `{"id":"1234567890123"}`)
}
