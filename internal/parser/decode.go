package parser

import (
	"encoding/binary"

	"github.com/snan-microbit/labdisc-microbit-link-app/pkg/protocol"
	"github.com/snan-microbit/labdisc-microbit-link-app/pkg/sensor"
)

var noData = sensor.Reading{Raw: sensor.NoDataRaw, NoData: true}

// handleSensorIDs 缓存设备上报的传感器顺序，后续数据包都按此顺序解码
func (f *Framer) handleSensorIDs(packet []byte) Event {
	slots := packet[3 : 3+protocol.SensorIDSlots]
	ids := make([]uint8, 0, len(slots))
	for _, id := range slots {
		if id != 0 {
			ids = append(ids, id)
		}
	}
	if len(ids) > protocol.MaxMaskedSensors {
		f.log.Warnf("传感器数量 %d 超过掩码位数，仅前 %d 个可用于实验模式", len(ids), protocol.MaxMaskedSensors)
	}
	f.ids = ids
	f.log.Infof("传感器列表: %v", ids)
	return SensorIDsEvent{IDs: append([]uint8(nil), ids...)}
}

// handleOnlineData 在线数据: 覆盖全部已知传感器，GPS占8字节
func (f *Framer) handleOnlineData(packet []byte) Event {
	if len(f.ids) == 0 {
		f.log.Warn("尚未收到传感器ID列表，丢弃在线数据包")
		return nil
	}
	payload := packet[protocol.OnlinePayloadAt : len(packet)-1]

	sample := make(sensor.Sample, len(f.ids))
	off := 0
	short := false
	for _, id := range f.ids {
		width := f.catalog.Width(id)
		if id == sensor.GPSID {
			width = sensor.GPSOnlineWidth
		}
		if short || off+width > len(payload) {
			short = true
			sample[id] = noData
			continue
		}
		sample[id] = f.decodeField(id, payload[off:off+width])
		off += width
	}
	if short {
		f.log.Warnf("在线数据负载不足: %d bytes，缺失传感器记为无数据", len(payload))
	}

	f.packets++
	return SampleEvent{
		Kind:   protocol.TypeOnlineData,
		Sample: sample,
		Packet: f.packets,
	}
}

// handleExperimentData 实验数据: 只有掩码中激活的传感器占用负载字节，GPS占12字节
func (f *Framer) handleExperimentData(packet []byte) Event {
	if len(f.ids) == 0 {
		f.log.Warn("尚未收到传感器ID列表，丢弃实验数据包")
		return nil
	}
	mask := binary.BigEndian.Uint16(packet[4:6])
	counter := binary.BigEndian.Uint16(packet[6:8])
	payload := packet[protocol.ExperimentPayloadAt : len(packet)-1]

	sample := make(sensor.Sample, len(f.ids))
	off := 0
	short := false
	for i, id := range f.ids {
		if i >= protocol.MaxMaskedSensors || mask&(1<<uint(i)) == 0 {
			sample[id] = noData
			continue
		}
		width := f.catalog.Width(id)
		if id == sensor.GPSID {
			width = sensor.GPSExperimentWidth
		}
		if short || off+width > len(payload) {
			short = true
			sample[id] = noData
			continue
		}
		sample[id] = f.decodeField(id, payload[off:off+width])
		off += width
	}
	if short {
		f.log.Warnf("实验数据负载不足: %d bytes (mask=0x%04X)", len(payload), mask)
	}

	f.packets++
	return SampleEvent{
		Kind:    protocol.TypeExperimentData,
		Sample:  sample,
		Mask:    mask,
		Counter: counter,
		Packet:  f.packets,
	}
}

func (f *Framer) decodeField(id uint8, b []byte) sensor.Reading {
	if id == sensor.GPSID {
		r, err := sensor.DecodeGPS(b)
		if err != nil {
			f.log.Warnf("GPS解码失败: %v", err)
			return noData
		}
		return r
	}
	return f.catalog.Decode(id, binary.BigEndian.Uint16(b))
}
