package session

import (
	"context"
	"io"

	"github.com/snan-microbit/labdisc-microbit-link-app/internal/monitor"
	"github.com/snan-microbit/labdisc-microbit-link-app/internal/parser"
)

// readLoop 每个连接一个，读到的字节同步交给分帧器
func (s *Session) readLoop(ctx context.Context, gen uint64, port io.Reader) {
	buf := make([]byte, s.opts.ReadBuffer)
	for {
		n, err := port.Read(buf)
		if n > 0 {
			monitor.BytesReceived.Add(float64(n))
			s.handleBytes(gen, buf[:n])
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.log.Errorf("读取串口失败: %v", err)
			s.mu.Lock()
			if s.gen == gen {
				s.teardownLocked()
			}
			s.mu.Unlock()
			return
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func (s *Session) handleBytes(gen uint64, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen || s.framer == nil {
		return
	}

	for _, ev := range s.framer.Feed(data) {
		switch e := ev.(type) {
		case parser.SensorIDsEvent:
			ids := e.IDs
			s.notify.push(func(l Listener) { l.SensorIDsReceived(ids) })
		case parser.StatusEvent:
			st := e.Status
			s.status = &st
			s.log.Debugf("设备状态: subtype=0x%02X mask=0x%04X rate=0x%02X active=%v",
				st.Subtype, st.SensorMask, st.RateIndex, st.Active)
			s.notify.push(func(l Listener) { l.StatusReceived(st) })
			if st.Completed() && s.state == Streaming && !s.starting {
				s.autoRestartLocked()
			}
		case parser.SampleEvent:
			sample := e
			s.notify.push(func(l Listener) { l.SampleReceived(sample) })
		case parser.ConfigEvent:
			s.log.Infof("设备配置: % x", e.Payload)
		}
	}
}

