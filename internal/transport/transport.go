// Package transport 实际的设备链路: 采集器的蓝牙串口和信标的BLE UART服务。
package transport

import "errors"

var (
	ErrBeaconNotConnected = errors.New("信标未连接")
	ErrQueueFull          = errors.New("发送队列已满")
	ErrNoPort             = errors.New("未找到蓝牙串口")
)

// BeaconEventKind 信标事件类型
type BeaconEventKind int

const (
	BeaconConnected BeaconEventKind = iota
	BeaconDisconnected
	BeaconLine
)

func (k BeaconEventKind) String() string {
	switch k {
	case BeaconConnected:
		return "connected"
	case BeaconDisconnected:
		return "disconnected"
	case BeaconLine:
		return "line"
	}
	return "unknown"
}

// BeaconEvent 信标连接变化或收到的一行文本
type BeaconEvent struct {
	Kind    BeaconEventKind
	Address string
	Line    string
}
