package protocol

import (
	"encoding/binary"
	"fmt"
	"time"
)

// Checksum 计算校验字节，使整包字节和模256为0
func Checksum(data []byte) byte {
	var sum uint8
	for _, b := range data {
		sum += b
	}
	return -sum
}

// Valid 校验整包（含末尾校验字节）
func Valid(packet []byte) bool {
	if len(packet) == 0 {
		return false
	}
	var sum uint8
	for _, b := range packet {
		sum += b
	}
	return sum == 0
}

// BuildCommand 构造命令包: 命令头 + 命令码 + 负载 + 校验
func BuildCommand(code byte, payload ...byte) []byte {
	packet := make([]byte, 0, HeaderSize+1+len(payload)+1)
	packet = append(packet, CommandHeader0, CommandHeader1, code)
	packet = append(packet, payload...)
	return append(packet, Checksum(packet))
}

func GetSensorStatus() []byte { return BuildCommand(CmdGetSensorStatus) }
func StartLogin() []byte      { return BuildCommand(CmdStartLogin) }
func StopLogin() []byte       { return BuildCommand(CmdStopLogin) }
func GetDeviceInfo() []byte   { return BuildCommand(CmdGetDeviceInfo) }
func ResetClear() []byte      { return BuildCommand(CmdResetClear) }
func GetConfig() []byte       { return BuildCommand(CmdGetConfig) }
func GetSensorIDs() []byte    { return BuildCommand(CmdGetSensorIDs) }

// StartExperiment 构造实验配置命令，负载固定13字节，不足补零
func StartExperiment(mask uint16, rateIdx, countIdx uint8) []byte {
	payload := make([]byte, StartExperimentPayloadSize)
	binary.BigEndian.PutUint16(payload[0:2], mask)
	payload[2] = rateIdx
	payload[3] = countIdx
	return BuildCommand(CmdStartExperiment, payload...)
}

// SetDateTime 构造设置时间命令（BCD: yy mm dd hh mi ss）
func SetDateTime(t time.Time) []byte {
	return BuildCommand(CmdSetDateTime,
		ToBCD(t.Year()%100),
		ToBCD(int(t.Month())),
		ToBCD(t.Day()),
		ToBCD(t.Hour()),
		ToBCD(t.Minute()),
		ToBCD(t.Second()),
	)
}

// ToBCD 两位十进制数转BCD
func ToBCD(v int) byte {
	if v < 0 || v > 99 {
		return 0
	}
	return byte(v/10<<4 | v%10)
}

// FromBCD BCD转十进制，非法半字节返回false
func FromBCD(b byte) (int, bool) {
	hi, lo := int(b>>4), int(b&0x0F)
	if hi > 9 || lo > 9 {
		return 0, false
	}
	return hi*10 + lo, true
}

// DecodeStatus 解析设备状态包（整包，含头和校验）
func DecodeStatus(packet []byte) (DeviceStatus, error) {
	if len(packet) < DeviceStatusLength {
		return DeviceStatus{}, fmt.Errorf("状态包长度不足: %d bytes", len(packet))
	}
	if PacketType(packet[2]) != TypeDeviceStatus {
		return DeviceStatus{}, fmt.Errorf("非状态包类型: 0x%02X", packet[2])
	}

	st := DeviceStatus{
		Subtype:     packet[3],
		Model:       packet[4],
		Firmware:    fmt.Sprintf("%d.%02X", packet[5], packet[6]),
		Active:      packet[7] != 0,
		SensorMask:  binary.BigEndian.Uint16(packet[8:10]),
		RateIndex:   packet[10],
		CountIndex:  packet[11],
		SensorCount: packet[18],
	}
	st.Clock, st.ClockValid = decodeClock(packet[12:18])
	return st, nil
}

func decodeClock(b []byte) (time.Time, bool) {
	var f [6]int
	for i := range f {
		v, ok := FromBCD(b[i])
		if !ok {
			return time.Time{}, false
		}
		f[i] = v
	}
	if f[1] < 1 || f[1] > 12 || f[2] < 1 || f[2] > 31 || f[3] > 23 || f[4] > 59 || f[5] > 59 {
		return time.Time{}, false
	}
	return time.Date(2000+f[0], time.Month(f[1]), f[2], f[3], f[4], f[5], 0, time.Local), true
}
