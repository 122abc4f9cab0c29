package protocol

import "encoding/binary"

// 响应包构造，供模拟器、生成工具和测试使用

// BuildResponse 构造响应包: 响应头 + 类型 + 内容 + 校验
func BuildResponse(t PacketType, body ...byte) []byte {
	packet := make([]byte, 0, HeaderSize+1+len(body)+1)
	packet = append(packet, ResponseHeader0, ResponseHeader1, byte(t))
	packet = append(packet, body...)
	return append(packet, Checksum(packet))
}

// SensorIDsPacket 构造传感器ID列表包，超出17个的ID被截断
func SensorIDsPacket(ids []uint8) []byte {
	body := make([]byte, SensorIDSlots)
	copy(body, ids)
	return BuildResponse(TypeSensorIDs, body...)
}

// StatusPacket 构造设备状态包
func StatusPacket(st DeviceStatus, fwMajor, fwMinor uint8) []byte {
	body := make([]byte, DeviceStatusLength-HeaderSize-2)
	body[0] = st.Subtype
	body[1] = st.Model
	body[2] = fwMajor
	body[3] = fwMinor
	if st.Active {
		body[4] = 1
	}
	binary.BigEndian.PutUint16(body[5:7], st.SensorMask)
	body[7] = st.RateIndex
	body[8] = st.CountIndex
	if !st.Clock.IsZero() {
		c := st.Clock
		body[9] = ToBCD(c.Year() % 100)
		body[10] = ToBCD(int(c.Month()))
		body[11] = ToBCD(c.Day())
		body[12] = ToBCD(c.Hour())
		body[13] = ToBCD(c.Minute())
		body[14] = ToBCD(c.Second())
	}
	body[15] = st.SensorCount
	return BuildResponse(TypeDeviceStatus, body...)
}

// OnlineDataPacket 构造在线数据包
func OnlineDataPacket(payload []byte) []byte {
	total := OnlinePayloadAt + len(payload) + 1
	body := append([]byte{byte(total)}, payload...)
	return BuildResponse(TypeOnlineData, body...)
}

// ExperimentDataPacket 构造实验数据包
func ExperimentDataPacket(mask, counter uint16, payload []byte) []byte {
	total := ExperimentPayloadAt + len(payload) + 1
	body := make([]byte, 5, 5+len(payload))
	body[0] = byte(total)
	binary.BigEndian.PutUint16(body[1:3], mask)
	binary.BigEndian.PutUint16(body[3:5], counter)
	body = append(body, payload...)
	return BuildResponse(TypeExperimentData, body...)
}

// ConfigPacket 构造配置包
func ConfigPacket(payload []byte) []byte {
	total := OnlinePayloadAt + len(payload) + 1
	body := append([]byte{byte(total)}, payload...)
	return BuildResponse(TypeConfig, body...)
}
