package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/snan-microbit/labdisc-microbit-link-app/internal/bridge"
	"github.com/snan-microbit/labdisc-microbit-link-app/internal/session"
)

// Controller 桥接的控制面，由 *bridge.Bridge 实现
type Controller interface {
	Snapshot() bridge.Snapshot
	ConnectLogger(ctx context.Context) error
	DisconnectLogger()
	LoggerCommand(name string) error
	StartStreaming(mode session.Mode) error
	StopStreaming() error
	ConnectBeacon(ctx context.Context) error
	DisconnectBeacon() error
	SetMode(mode session.Mode)
}

// Server HTTP处理器集合
type Server struct {
	ctrl           Controller
	hub            *Hub
	log            *logrus.Entry
	upgrader       websocket.Upgrader
	ConnectTimeout time.Duration
}

func NewServer(ctrl Controller, hub *Hub, log *logrus.Entry) *Server {
	return &Server{
		ctrl: ctrl,
		hub:  hub,
		log:  log.WithField("category", "api"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		ConnectTimeout: 60 * time.Second,
	}
}

// Register 挂载所有路由
func (s *Server) Register(handle func(pattern string, h http.Handler)) {
	handle("GET /api/state", http.HandlerFunc(s.state))
	handle("POST /api/logger/connect", http.HandlerFunc(s.connectLogger))
	handle("POST /api/logger/disconnect", http.HandlerFunc(s.disconnectLogger))
	handle("POST /api/logger/command/{name}", http.HandlerFunc(s.loggerCommand))
	handle("POST /api/stream/start", http.HandlerFunc(s.startStream))
	handle("POST /api/stream/stop", http.HandlerFunc(s.stopStream))
	handle("POST /api/beacon/connect", http.HandlerFunc(s.connectBeacon))
	handle("POST /api/beacon/disconnect", http.HandlerFunc(s.disconnectBeacon))
	handle("PUT /api/mode", http.HandlerFunc(s.setMode))
	handle("GET /ws", http.HandlerFunc(s.websocket))
}

// Publish 推送桥接快照，作为 bridge.Observer 使用
func (s *Server) Publish(snap bridge.Snapshot) {
	s.hub.Broadcast(Event{Type: "state", Data: snap})
}

func (s *Server) state(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.Snapshot())
}

// 连接可能需要扫描或等待端口，异步执行，结果通过日志和状态推送体现
func (s *Server) connectLogger(w http.ResponseWriter, r *http.Request) {
	s.async("连接采集器", s.ctrl.ConnectLogger)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "connecting"})
}

func (s *Server) connectBeacon(w http.ResponseWriter, r *http.Request) {
	s.async("连接信标", s.ctrl.ConnectBeacon)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "connecting"})
}

func (s *Server) async(what string, fn func(ctx context.Context) error) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.ConnectTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			s.log.Errorf("%s失败: %v", what, err)
		}
	}()
}

func (s *Server) disconnectLogger(w http.ResponseWriter, r *http.Request) {
	s.ctrl.DisconnectLogger()
	writeJSON(w, http.StatusOK, s.ctrl.Snapshot())
}

// loggerCommand 单条命令: status, ids, info, config, reset, sync-clock
func (s *Server) loggerCommand(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.LoggerCommand(r.PathValue("name")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.ctrl.Snapshot())
}

func (s *Server) disconnectBeacon(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.DisconnectBeacon(); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.ctrl.Snapshot())
}

func (s *Server) startStream(w http.ResponseWriter, r *http.Request) {
	mode, err := session.ParseMode(r.URL.Query().Get("mode"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := s.ctrl.StartStreaming(mode); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, s.ctrl.Snapshot())
}

func (s *Server) stopStream(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.StopStreaming(); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.ctrl.Snapshot())
}

func (s *Server) setMode(w http.ResponseWriter, r *http.Request) {
	mode, err := session.ParseMode(r.URL.Query().Get("mode"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	s.ctrl.SetMode(mode)
	writeJSON(w, http.StatusOK, s.ctrl.Snapshot())
}

func (s *Server) websocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnf("WebSocket升级失败: %v", err)
		return
	}
	c := s.hub.add(conn)

	s.hub.send(c, Event{Type: "state", Data: s.ctrl.Snapshot()})

	// 只为检测断开而读
	go func() {
		defer s.hub.remove(c)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, bridge.ErrUnknownCommand):
		status = http.StatusBadRequest
	case errors.Is(err, session.ErrNotConnected),
		errors.Is(err, session.ErrBusy),
		errors.Is(err, session.ErrNotStreaming),
		errors.Is(err, session.ErrNoSensors):
		status = http.StatusConflict
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
