package parser

import (
	"github.com/snan-microbit/labdisc-microbit-link-app/pkg/protocol"
	"github.com/snan-microbit/labdisc-microbit-link-app/pkg/sensor"
)

// Event 分帧器输出的类型化事件
type Event interface {
	PacketType() protocol.PacketType
}

// SensorIDsEvent 设备上报的传感器ID顺序
type SensorIDsEvent struct {
	IDs []uint8
}

// StatusEvent 设备状态
type StatusEvent struct {
	Status protocol.DeviceStatus
}

// SampleEvent 在线数据或实验数据解码后的采样
type SampleEvent struct {
	Kind    protocol.PacketType
	Sample  sensor.Sample
	Mask    uint16
	Counter uint16
	Packet  uint64
}

// ConfigEvent 设备配置包，负载原样上报
type ConfigEvent struct {
	Payload []byte
}

func (SensorIDsEvent) PacketType() protocol.PacketType { return protocol.TypeSensorIDs }
func (StatusEvent) PacketType() protocol.PacketType    { return protocol.TypeDeviceStatus }
func (e SampleEvent) PacketType() protocol.PacketType  { return e.Kind }
func (ConfigEvent) PacketType() protocol.PacketType    { return protocol.TypeConfig }
