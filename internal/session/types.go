package session

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/snan-microbit/labdisc-microbit-link-app/internal/parser"
	"github.com/snan-microbit/labdisc-microbit-link-app/pkg/protocol"
)

var (
	// ErrPortSelectionCancelled 用户取消选择串口，静默处理
	ErrPortSelectionCancelled = errors.New("串口选择已取消")
	ErrNotConnected           = errors.New("采集器未连接")
	ErrBusy                   = errors.New("已有命令序列在执行")
	ErrNoSensors              = errors.New("没有可用的传感器")
	ErrNotStreaming           = errors.New("采集器未在采集")
)

// State 连接状态
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Streaming
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Streaming:
		return "streaming"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Mode 采集模式
type Mode int

const (
	// Normal 全部传感器，1 Hz
	Normal Mode = iota
	// Fast 支持10 Hz的传感器子集
	Fast
)

func (m Mode) String() string {
	if m == Fast {
		return "fast"
	}
	return "normal"
}

func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// ParseMode 解析模式名，空串视为normal
func ParseMode(s string) (Mode, error) {
	switch s {
	case "", "normal":
		return Normal, nil
	case "fast":
		return Fast, nil
	}
	return Normal, fmt.Errorf("未知采集模式: %q", s)
}

// RateIndex 模式对应的采样率索引
func (m Mode) RateIndex() uint8 {
	if m == Fast {
		return protocol.Rate10Hz
	}
	return protocol.Rate1Hz
}

// Opener 打开采集器的字节流端口
type Opener interface {
	Open(ctx context.Context) (io.ReadWriteCloser, error)
}

// OpenerFunc 函数适配
type OpenerFunc func(ctx context.Context) (io.ReadWriteCloser, error)

func (f OpenerFunc) Open(ctx context.Context) (io.ReadWriteCloser, error) { return f(ctx) }

// Listener 会话事件订阅者。回调在同一个goroutine中按发生顺序依次调用。
type Listener interface {
	SessionStateChanged(from, to State)
	SensorIDsReceived(ids []uint8)
	StatusReceived(st protocol.DeviceStatus)
	SampleReceived(ev parser.SampleEvent)
}

type nopListener struct{}

func (nopListener) SessionStateChanged(State, State)     {}
func (nopListener) SensorIDsReceived([]uint8)            {}
func (nopListener) StatusReceived(protocol.DeviceStatus) {}
func (nopListener) SampleReceived(parser.SampleEvent)    {}

// Snapshot 会话状态快照
type Snapshot struct {
	State     State                  `json:"state"`
	Mode      Mode                   `json:"mode"`
	SensorIDs []uint8                `json:"sensor_ids"`
	Status    *protocol.DeviceStatus `json:"status,omitempty"`
	Packets   uint64                 `json:"packets"`
	Busy      bool                   `json:"busy"`
}
