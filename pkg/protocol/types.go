package protocol

import "time"

// 协议头
const (
	CommandHeader0  = 0x47
	CommandHeader1  = 0x14
	ResponseHeader0 = 0x2E
	ResponseHeader1 = 0x69

	HeaderSize = 2
)

// 命令码
const (
	CmdGetSensorStatus = 0x10
	CmdStartExperiment = 0x11
	CmdStartLogin      = 0x22
	CmdStopLogin       = 0x33
	CmdGetDeviceInfo   = 0x45
	CmdResetClear      = 0x48
	CmdGetConfig       = 0x55
	CmdGetSensorIDs    = 0xAA
	CmdSetDateTime     = 0xCC
)

// PacketType 响应包类型
type PacketType uint8

const (
	TypeOnlineData     PacketType = 0x81
	TypeSensorIDs      PacketType = 0x82
	TypeDeviceStatus   PacketType = 0x83
	TypeExperimentData PacketType = 0x84
	TypeConfig         PacketType = 0x85
)

func (t PacketType) String() string {
	switch t {
	case TypeOnlineData:
		return "online_data"
	case TypeSensorIDs:
		return "sensor_ids"
	case TypeDeviceStatus:
		return "device_status"
	case TypeExperimentData:
		return "experiment_data"
	case TypeConfig:
		return "config"
	default:
		return "unknown"
	}
}

// 固定长度包
const (
	SensorIDsLength    = 21
	DeviceStatusLength = 33

	// 可变长度包在偏移3处声明总长度
	DeclaredLengthOffset = 3

	MinPacketLength           = 5
	MinExperimentPacketLength = 9
	MaxPacketLength           = 128

	SensorIDSlots       = 17
	MaxMaskedSensors    = 16
	ExperimentPayloadAt = 8
	OnlinePayloadAt     = 4

	StartExperimentPayloadSize = 13
)

// FixedLength 返回固定长度包类型的长度
func FixedLength(t PacketType) (int, bool) {
	switch t {
	case TypeSensorIDs:
		return SensorIDsLength, true
	case TypeDeviceStatus:
		return DeviceStatusLength, true
	}
	return 0, false
}

// IsVariable 判断是否为可变长度包类型
func IsVariable(t PacketType) bool {
	return t == TypeOnlineData || t == TypeExperimentData || t == TypeConfig
}

// 状态子类型
const (
	StatusReport    = 0x01
	StatusRunning   = 0x02
	StatusCompleted = 0x03 // 采样数耗尽后设备自行停止
	StatusStopped   = 0x04
)

// 采样率索引
const (
	Rate1Hz  = 0x02
	Rate10Hz = 0x03
	Rate25Hz = 0x04
)

// 采样数索引
const (
	Count10    = 0x00
	Count100   = 0x01
	Count1000  = 0x02
	Count10000 = 0x03

	CountMax = Count10000
)

var rateHz = map[uint8]float64{
	Rate1Hz:  1,
	Rate10Hz: 10,
	Rate25Hz: 25,
}

var sampleCounts = map[uint8]int{
	Count10:    10,
	Count100:   100,
	Count1000:  1000,
	Count10000: 10000,
}

// RateHz 返回采样率索引对应的频率
func RateHz(idx uint8) (float64, bool) {
	hz, ok := rateHz[idx]
	return hz, ok
}

// SampleCount 返回采样数索引对应的采样点数
func SampleCount(idx uint8) (int, bool) {
	n, ok := sampleCounts[idx]
	return n, ok
}

// DeviceStatus 设备状态快照
type DeviceStatus struct {
	Subtype     uint8     `json:"subtype"`
	Model       uint8     `json:"model"`
	Firmware    string    `json:"firmware"`
	Active      bool      `json:"active"`
	SensorMask  uint16    `json:"sensor_mask"`
	RateIndex   uint8     `json:"rate_index"`
	CountIndex  uint8     `json:"count_index"`
	Clock       time.Time `json:"clock"`
	ClockValid  bool      `json:"clock_valid"`
	SensorCount uint8     `json:"sensor_count"`
}

// Completed 设备因采样数耗尽而停止
func (s DeviceStatus) Completed() bool {
	return s.Subtype == StatusCompleted
}
