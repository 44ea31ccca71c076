package interfaces

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"ordersync/internal/pkg/logger"
	"ordersync/internal/service/orderstatus/domain"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
	sendBufferSize = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool { // 内部运维页面，允许所有来源
		return true
	},
}

// StatusPushHub 把状态变更实时推给订阅了该账号的 WebSocket 连接，
// 同时实现 port.StatusEventPublisher。
type StatusPushHub struct {
	lock    sync.RWMutex
	clients map[string]map[*pushClient]struct{} // accountID -> 连接集合
}

type pushClient struct {
	hub       *StatusPushHub
	conn      *websocket.Conn
	send      chan []byte
	accountID string
}

func NewStatusPushHub() *StatusPushHub {
	return &StatusPushHub{clients: make(map[string]map[*pushClient]struct{})}
}

func (h *StatusPushHub) register(c *pushClient) {
	h.lock.Lock()
	set, ok := h.clients[c.accountID]
	if !ok {
		set = make(map[*pushClient]struct{})
		h.clients[c.accountID] = set
	}
	set[c] = struct{}{}
	h.lock.Unlock()
	logger.Ctx(context.Background()).Info().Str("account_id", c.accountID).Msg("🔌 Status subscriber connected")
}

func (h *StatusPushHub) unregister(c *pushClient) {
	h.lock.Lock()
	defer h.lock.Unlock()
	set, ok := h.clients[c.accountID]
	if !ok {
		return
	}
	if _, ok := set[c]; !ok {
		return
	}
	delete(set, c)
	close(c.send)
	if len(set) == 0 {
		delete(h.clients, c.accountID)
	}
	logger.Ctx(context.Background()).Info().Str("account_id", c.accountID).Msg("🔌 Status subscriber disconnected")
}

// ClientCount 返回某账号当前的连接数
func (h *StatusPushHub) ClientCount(accountID string) int {
	h.lock.RLock()
	defer h.lock.RUnlock()
	return len(h.clients[accountID])
}

// PublishStatusChanged 推送给该账号的全部连接，缓冲满的慢连接会被断开
func (h *StatusPushHub) PublishStatusChanged(ctx context.Context, event *domain.StatusChanged) error {
	msg, err := json.Marshal(event)
	if err != nil {
		return err
	}

	var slow []*pushClient
	h.lock.RLock()
	for c := range h.clients[event.AccountID] {
		select {
		case c.send <- msg:
		default:
			slow = append(slow, c)
		}
	}
	h.lock.RUnlock()

	for _, c := range slow {
		logger.Ctx(ctx).Warn().Str("account_id", c.accountID).Msg("⚠️ Dropping slow status subscriber")
		h.unregister(c)
	}
	return nil
}

// ServeWS 处理 /ws?accountId= 的升级请求
func (h *StatusPushHub) ServeWS(w http.ResponseWriter, r *http.Request) {
	accountID := r.URL.Query().Get("accountId")
	if accountID == "" {
		http.Error(w, "accountId is required", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Ctx(r.Context()).Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	c := &pushClient{hub: h, conn: conn, send: make(chan []byte, sendBufferSize), accountID: accountID}
	h.register(c)

	go c.writePump()
	go c.readPump()
}

// readPump 只处理心跳和关闭，客户端不会发业务消息
func (c *pushClient) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *pushClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
