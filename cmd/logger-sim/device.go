package main

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/snan-microbit/labdisc-microbit-link-app/pkg/protocol"
	"github.com/snan-microbit/labdisc-microbit-link-app/pkg/sensor"
)

var commandHeader = []byte{protocol.CommandHeader0, protocol.CommandHeader1}

// device 模拟采集器: 应答命令，开始采集后按采样率发送实验数据
type device struct {
	ids     []uint8
	catalog *sensor.Catalog
	log     *logrus.Entry
	// limit 非0时覆盖采样数索引对应的点数，便于快速触发采样耗尽
	limit int
	// online 空闲时发送在线数据的间隔，0表示不发送
	online time.Duration

	writeMu sync.Mutex
	w       io.Writer

	mu      sync.Mutex
	mask    uint16
	rate    uint8
	count   uint8
	running bool
	stop    chan struct{}
	clock   time.Time
	raw     map[uint8]uint16
	rnd     *rand.Rand
}

func newDevice(ids []uint8, log *logrus.Entry) *device {
	raw := make(map[uint8]uint16, len(ids))
	for _, id := range ids {
		raw[id] = 2500
	}
	return &device{
		ids:     ids,
		catalog: sensor.Default(),
		log:     log,
		rate:    protocol.Rate1Hz,
		count:   protocol.CountMax,
		raw:     raw,
		rnd:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// serve 读取命令直到连接出错或ctx结束
func (d *device) serve(ctx context.Context, rw io.ReadWriter) error {
	d.w = rw
	defer d.halt()

	if d.online > 0 {
		go d.onlineLoop(ctx)
	}

	var buf []byte
	chunk := make([]byte, 256)
	for {
		if ctx.Err() != nil {
			return nil
		}
		n, err := rw.Read(chunk)
		if err != nil {
			return err
		}
		buf = append(buf, chunk[:n]...)
		buf = d.consume(ctx, buf)
	}
}

// consume 解析缓冲区中的完整命令，返回剩余字节
func (d *device) consume(ctx context.Context, buf []byte) []byte {
	for {
		idx := bytes.Index(buf, commandHeader)
		if idx < 0 {
			if len(buf) > 1 {
				buf = buf[len(buf)-1:]
			}
			return buf
		}
		buf = buf[idx:]
		if len(buf) < 3 {
			return buf
		}
		size := 4 + payloadSize(buf[2])
		if len(buf) < size {
			return buf
		}
		cmd := buf[:size]
		if !protocol.Valid(cmd) {
			d.log.Warnf("命令校验失败: % x", cmd)
			buf = buf[1:]
			continue
		}
		d.handle(ctx, cmd[2], cmd[3:size-1])
		buf = buf[size:]
	}
}

func payloadSize(code byte) int {
	switch code {
	case protocol.CmdStartExperiment:
		return protocol.StartExperimentPayloadSize
	case protocol.CmdSetDateTime:
		return 6
	}
	return 0
}

func (d *device) handle(ctx context.Context, code byte, payload []byte) {
	switch code {
	case protocol.CmdGetSensorIDs:
		d.log.Info("收到命令: 读取传感器ID")
		d.write(protocol.SensorIDsPacket(d.ids))
	case protocol.CmdGetSensorStatus:
		d.log.Info("收到命令: 读取状态")
		d.write(d.statusPacket(protocol.StatusReport))
	case protocol.CmdStartExperiment:
		mask := binary.BigEndian.Uint16(payload[0:2])
		d.mu.Lock()
		d.mask, d.rate, d.count = mask, payload[2], payload[3]
		d.mu.Unlock()
		d.log.Infof("收到命令: 实验配置 mask=0x%04X rate=0x%02X count=0x%02X", mask, payload[2], payload[3])
	case protocol.CmdStartLogin:
		d.log.Info("收到命令: 开始采集")
		d.start(ctx)
	case protocol.CmdStopLogin:
		d.log.Info("收到命令: 停止采集")
		d.halt()
	case protocol.CmdSetDateTime:
		d.setClock(payload)
	case protocol.CmdGetConfig:
		d.write(protocol.ConfigPacket([]byte{d.rate, d.count}))
	default:
		d.log.Infof("收到命令 0x%02X，忽略", code)
	}
}

func (d *device) setClock(payload []byte) {
	var parts [6]int
	for i, b := range payload {
		v, ok := protocol.FromBCD(b)
		if !ok {
			d.log.Warnf("时间BCD无效: % x", payload)
			return
		}
		parts[i] = v
	}
	d.mu.Lock()
	d.clock = time.Date(2000+parts[0], time.Month(parts[1]), parts[2], parts[3], parts[4], parts[5], 0, time.Local)
	d.mu.Unlock()
	d.log.Infof("时间已设置: %s", d.clock.Format("2006-01-02 15:04:05"))
}

func (d *device) statusPacket(subtype uint8) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return protocol.StatusPacket(protocol.DeviceStatus{
		Subtype:     subtype,
		Model:       0x10,
		Active:      d.running,
		SensorMask:  d.mask,
		RateIndex:   d.rate,
		CountIndex:  d.count,
		Clock:       d.clock,
		SensorCount: uint8(len(d.ids)),
	}, 1, 2)
}

func (d *device) start(ctx context.Context) {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return
	}
	hz, ok := protocol.RateHz(d.rate)
	if !ok {
		hz = 1
	}
	total, ok := protocol.SampleCount(d.count)
	if !ok {
		total = 10
	}
	if d.limit > 0 {
		total = d.limit
	}
	d.running = true
	stop := make(chan struct{})
	d.stop = stop
	d.mu.Unlock()

	go d.experimentLoop(ctx, stop, time.Duration(float64(time.Second)/hz), total)
}

// halt 停止采集，重复调用无副作用
func (d *device) halt() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stop != nil {
		close(d.stop)
		d.stop = nil
	}
	d.running = false
}

func (d *device) experimentLoop(ctx context.Context, stop chan struct{}, interval time.Duration, total int) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for counter := 0; counter < total; {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
		}
		d.mu.Lock()
		mask := d.mask
		d.mu.Unlock()
		d.write(protocol.ExperimentDataPacket(mask, uint16(counter), d.experimentPayload(mask)))
		counter++
	}

	d.mu.Lock()
	if d.stop == stop {
		d.stop = nil
		d.running = false
	}
	d.mu.Unlock()
	d.log.Infof("采样数 %d 已耗尽", total)
	d.write(d.statusPacket(protocol.StatusCompleted))
}

func (d *device) onlineLoop(ctx context.Context) {
	ticker := time.NewTicker(d.online)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		d.mu.Lock()
		running := d.running
		d.mu.Unlock()
		if !running {
			d.write(protocol.OnlineDataPacket(d.onlinePayload()))
		}
	}
}

func (d *device) onlinePayload() []byte {
	var out []byte
	for _, id := range d.ids {
		out = append(out, d.field(id, false)...)
	}
	return out
}

func (d *device) experimentPayload(mask uint16) []byte {
	var out []byte
	for i, id := range d.ids {
		if i >= protocol.MaxMaskedSensors || mask&(1<<uint(i)) == 0 {
			continue
		}
		out = append(out, d.field(id, true)...)
	}
	return out
}

// field 生成单个传感器的原始字节，数值做小幅随机游走
func (d *device) field(id uint8, experiment bool) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()

	if id == sensor.GPSID {
		// 40°12.345'N 3°0.000'E
		b := []byte{0x28, 0x30, 0x39, 'N', 0x03, 0x00, 0x00, 'E'}
		if experiment {
			b = append(b, 0x00, byte(d.rnd.Intn(200)), 0x01, 0x2C)
		}
		return b
	}

	v := int(d.raw[id]) + d.rnd.Intn(21) - 10
	if v < 0 {
		v = 0
	}
	if v > 0x7FFF {
		v = 0x7FFF
	}
	d.raw[id] = uint16(v)

	b := make([]byte, d.catalog.Width(id))
	if len(b) >= 2 {
		binary.BigEndian.PutUint16(b[len(b)-2:], uint16(v))
	}
	return b
}

func (d *device) write(p []byte) {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	if _, err := d.w.Write(p); err != nil {
		d.log.Warnf("写入失败: %v", err)
	}
}
