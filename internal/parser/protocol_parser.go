package parser

import (
	"bytes"

	"github.com/sirupsen/logrus"
	"github.com/snan-microbit/labdisc-microbit-link-app/internal/monitor"
	"github.com/snan-microbit/labdisc-microbit-link-app/pkg/protocol"
	"github.com/snan-microbit/labdisc-microbit-link-app/pkg/sensor"
)

const (
	// 无包头时缓冲区超过该长度即裁剪，只保留末尾2字节（可能是半个包头）
	pruneThreshold = 512
	// 连续校验失败达到该次数后强制跳过一段数据
	maxChecksumFailures = 8
	forcedSkip          = 16
	// 单次Feed的循环上限
	maxIterations = 4096
)

var responseHeader = []byte{protocol.ResponseHeader0, protocol.ResponseHeader1}

// Framer 字节流分帧器。非并发安全，由调用方串行调用。
type Framer struct {
	catalog  *sensor.Catalog
	log      *logrus.Entry
	buf      []byte
	pos      int
	ids      []uint8
	packets  uint64
	failures int
}

func NewFramer(catalog *sensor.Catalog, log *logrus.Entry) *Framer {
	if catalog == nil {
		catalog = sensor.Default()
	}
	return &Framer{
		catalog: catalog,
		log:     log.WithField("category", "framer"),
	}
}

// Feed 追加字节并返回本次解析出的事件
func (f *Framer) Feed(data []byte) []Event {
	f.buf = append(f.buf, data...)

	var events []Event
	for i := 0; i < maxIterations; i++ {
		ev, more := f.step()
		if ev != nil {
			events = append(events, ev)
		}
		if !more {
			break
		}
	}

	f.compact()
	return events
}

// Reset 清空缓冲区和缓存的传感器顺序
func (f *Framer) Reset() {
	f.buf = f.buf[:0]
	f.pos = 0
	f.ids = nil
	f.packets = 0
	f.failures = 0
}

// SensorIDs 返回缓存的传感器ID顺序
func (f *Framer) SensorIDs() []uint8 {
	return append([]uint8(nil), f.ids...)
}

// Packets 已解析的数据包数
func (f *Framer) Packets() uint64 {
	return f.packets
}

// Buffered 未消费字节数
func (f *Framer) Buffered() int {
	return len(f.buf) - f.pos
}

// step 处理一次；返回false表示需要等待更多字节
func (f *Framer) step() (Event, bool) {
	pending := f.buf[f.pos:]

	idx := bytes.Index(pending, responseHeader)
	if idx < 0 {
		if len(pending) > pruneThreshold {
			drop := len(pending) - 2
			f.drop(drop)
			f.log.Warnf("未找到包头，丢弃 %d 字节", drop)
		}
		return nil, false
	}
	if idx > 0 {
		f.drop(idx)
		f.log.Debugf("包头前丢弃 %d 字节", idx)
		pending = f.buf[f.pos:]
	}

	if len(pending) < 3 {
		return nil, false
	}
	t := protocol.PacketType(pending[2])

	length, ok := protocol.FixedLength(t)
	if !ok {
		if !protocol.IsVariable(t) {
			f.log.Warnf("未知包类型 0x%02X，跳过1字节重新同步", byte(t))
			f.drop(1)
			return nil, true
		}
		if len(pending) <= protocol.DeclaredLengthOffset {
			return nil, false
		}
		length = int(pending[protocol.DeclaredLengthOffset])
		minLen := protocol.MinPacketLength
		if t == protocol.TypeExperimentData {
			minLen = protocol.MinExperimentPacketLength
		}
		if length < minLen || length > protocol.MaxPacketLength {
			f.log.Warnf("%s 声明长度异常: %d，跳过1字节重新同步", t, length)
			f.drop(1)
			return nil, true
		}
	}

	if len(pending) < length {
		return nil, false
	}

	candidate := pending[:length]
	if !protocol.Valid(candidate) {
		monitor.ChecksumFailures.Inc()
		f.failures++
		if f.failures >= maxChecksumFailures {
			// 跳过长度只取决于候选包，与缓冲区里已有多少字节无关
			skip := forcedSkip
			if skip > length {
				skip = length
			}
			f.log.Warnf("连续 %d 次校验失败，强制跳过 %d 字节", f.failures, skip)
			f.failures = 0
			f.drop(skip)
			return nil, true
		}
		f.log.Warnf("%s 校验失败，重新同步: % x", t, candidate)
		f.drop(1)
		return nil, true
	}

	f.failures = 0
	packet := append([]byte(nil), candidate...)
	f.pos += length
	monitor.PacketsParsed.WithLabelValues(t.String()).Inc()
	return f.dispatch(t, packet), true
}

func (f *Framer) drop(n int) {
	f.pos += n
	monitor.ResyncBytes.Add(float64(n))
}

func (f *Framer) compact() {
	if f.pos == 0 {
		return
	}
	f.buf = append(f.buf[:0], f.buf[f.pos:]...)
	f.pos = 0
}

// dispatch 按包类型分发；返回nil表示该包不产生事件
func (f *Framer) dispatch(t protocol.PacketType, packet []byte) Event {
	switch t {
	case protocol.TypeSensorIDs:
		return f.handleSensorIDs(packet)
	case protocol.TypeDeviceStatus:
		st, err := protocol.DecodeStatus(packet)
		if err != nil {
			f.log.Warnf("解析状态包失败: %v", err)
			return nil
		}
		return StatusEvent{Status: st}
	case protocol.TypeOnlineData:
		return f.handleOnlineData(packet)
	case protocol.TypeExperimentData:
		return f.handleExperimentData(packet)
	case protocol.TypeConfig:
		return ConfigEvent{Payload: append([]byte(nil), packet[protocol.OnlinePayloadAt:len(packet)-1]...)}
	}
	return nil
}
