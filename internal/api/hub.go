// Package api 给界面使用的HTTP接口: 状态快照、控制命令和WebSocket推送。
package api

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	writeWait  = time.Second
	clientSend = 32
)

// Event 推送给界面的消息
type Event struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// LogEvent 日志推送
type LogEvent struct {
	Time     time.Time `json:"time"`
	Level    string    `json:"level"`
	Category string    `json:"category,omitempty"`
	Message  string    `json:"message"`
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub 管理WebSocket客户端。每个客户端一个写goroutine，发送跟不上的客户端被断开。
type Hub struct {
	mu      sync.Mutex
	clients map[*client]struct{}
	log     *logrus.Entry
}

func NewHub(log *logrus.Entry) *Hub {
	return &Hub{
		clients: make(map[*client]struct{}),
		log:     log,
	}
}

// add 注册连接并启动写goroutine
func (h *Hub) add(conn *websocket.Conn) *client {
	c := &client{conn: conn, send: make(chan []byte, clientSend)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	go h.writeLoop(c)
	return c
}

// remove 注销并关闭连接
func (h *Hub) remove(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

// Count 当前客户端数
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Broadcast 非阻塞地推送给所有客户端
func (h *Hub) Broadcast(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			delete(h.clients, c)
			close(c.send)
		}
	}
}

// send 推送给单个客户端
func (h *Hub) send(c *client, ev Event) bool {
	data, err := json.Marshal(ev)
	if err != nil {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (h *Hub) writeLoop(c *client) {
	defer c.conn.Close()
	for data := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			h.remove(c)
			return
		}
	}
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
}

// LogHook 把日志转发给WebSocket客户端
type LogHook struct {
	hub    *Hub
	levels []logrus.Level
}

// NewLogHook 转发min及更严重级别的日志
func NewLogHook(hub *Hub, min logrus.Level) *LogHook {
	var levels []logrus.Level
	for _, l := range logrus.AllLevels {
		if l <= min {
			levels = append(levels, l)
		}
	}
	return &LogHook{hub: hub, levels: levels}
}

func (h *LogHook) Levels() []logrus.Level {
	return h.levels
}

func (h *LogHook) Fire(entry *logrus.Entry) error {
	category, _ := entry.Data["category"].(string)
	h.hub.Broadcast(Event{Type: "log", Data: LogEvent{
		Time:     entry.Time,
		Level:    entry.Level.String(),
		Category: category,
		Message:  entry.Message,
	}})
	return nil
}
