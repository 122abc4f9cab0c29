package session

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/snan-microbit/labdisc-microbit-link-app/internal/monitor"
	"github.com/snan-microbit/labdisc-microbit-link-app/pkg/protocol"
)

// discover 连接后的初始查询: 可选校时，然后查询传感器列表和状态
func (s *Session) discover(ctx context.Context, gen uint64) error {
	if s.opts.SyncClock {
		if err := s.sendAndSettle(ctx, gen, "set-datetime", protocol.SetDateTime(s.opts.Now())); err != nil {
			return err
		}
	}
	if err := s.sendAndSettle(ctx, gen, "get-sensor-ids", protocol.GetSensorIDs()); err != nil {
		return err
	}
	return s.sendAndSettle(ctx, gen, "get-sensor-status", protocol.GetSensorStatus())
}

// StartStreaming 以指定模式开始采集。握手异步执行，同一时间只允许一个。
func (s *Session) StartStreaming(mode Mode) error {
	s.mu.Lock()
	switch {
	case s.state == Disconnected || s.state == Connecting:
		s.mu.Unlock()
		s.log.Warn("采集器未连接，无法开始采集")
		return ErrNotConnected
	case s.starting:
		s.mu.Unlock()
		s.log.Debug("启动握手进行中，忽略")
		return ErrBusy
	case s.state == Streaming:
		s.mu.Unlock()
		s.log.Debugf("已在采集 (%s)", s.mode)
		return nil
	case s.framer == nil || len(s.framer.SensorIDs()) == 0:
		s.mu.Unlock()
		s.log.Warnf("尚未收到传感器列表，无法开始%s模式采集", mode)
		return ErrNoSensors
	}
	s.starting = true
	gen, epoch := s.gen, s.startEpoch
	s.mu.Unlock()

	err := s.enqueue(sequence{name: "start-" + mode.String(), run: func(ctx context.Context) error {
		return s.handshake(ctx, gen, epoch, mode)
	}})
	if err != nil {
		s.clearStarting(gen)
	}
	return err
}

// handshake 设备的启动命令总是沿用上一次的实验配置，所以每次启动都要先停止、
// 重新查询、显式下发配置，最后才发送启动命令。
func (s *Session) handshake(ctx context.Context, gen, epoch uint64, mode Mode) error {
	defer s.clearStarting(gen)
	begin := time.Now()

	if err := s.sendAndSettle(ctx, gen, "stop-login", protocol.StopLogin()); err != nil {
		return err
	}
	if err := s.sendAndSettle(ctx, gen, "get-sensor-ids", protocol.GetSensorIDs()); err != nil {
		return err
	}
	if err := s.sendAndSettle(ctx, gen, "get-sensor-status", protocol.GetSensorStatus()); err != nil {
		return err
	}

	mask, err := s.buildMask(mode)
	if err != nil {
		s.log.Warnf("无法开始%s模式采集: %v", mode, err)
		return err
	}
	configure := protocol.StartExperiment(mask, mode.RateIndex(), protocol.CountMax)
	if err := s.sendAndSettle(ctx, gen, "start-experiment", configure); err != nil {
		return err
	}

	s.mu.Lock()
	if s.gen != gen || s.startEpoch != epoch || s.state != Connected {
		s.mu.Unlock()
		s.log.Info("启动握手被取消")
		return nil
	}
	s.mu.Unlock()

	if err := s.send(gen, "start-login", protocol.StartLogin()); err != nil {
		return err
	}

	s.mu.Lock()
	if s.gen != gen || s.startEpoch != epoch || s.state != Connected {
		s.mu.Unlock()
		s.log.Info("启动命令发出后收到停止请求，不进入采集状态")
		return nil
	}
	s.mode = mode
	s.setStateLocked(Streaming)
	s.mu.Unlock()

	monitor.HandshakeDuration.Observe(time.Since(begin).Seconds())
	s.log.Infof("开始%s模式采集: mask=0x%04X", mode, mask)
	return nil
}

func (s *Session) clearStarting(gen uint64) {
	s.mu.Lock()
	if s.gen == gen {
		s.starting = false
	}
	s.mu.Unlock()
}

// buildMask 按缓存的传感器顺序构造掩码。快速模式排除不支持10 Hz的传感器。
func (s *Session) buildMask(mode Mode) (uint16, error) {
	ids := s.SensorIDs()
	if len(ids) == 0 {
		return 0, ErrNoSensors
	}

	hz, _ := protocol.RateHz(mode.RateIndex())
	var mask uint16
	var excluded []string
	for i, id := range ids {
		if i >= protocol.MaxMaskedSensors {
			break
		}
		if mode == Fast {
			if d, ok := s.opts.Catalog.Lookup(id); ok && !d.SupportsRate(hz) {
				excluded = append(excluded, d.Name)
				continue
			}
		}
		mask |= 1 << uint(i)
	}
	if len(excluded) > 0 {
		s.log.Infof("快速模式排除传感器: %s", strings.Join(excluded, ", "))
	}
	if mask == 0 {
		return 0, ErrNoSensors
	}
	return mask, nil
}

// StopStreaming 停止采集；也会放弃进行中的启动握手
func (s *Session) StopStreaming() error {
	s.mu.Lock()
	if s.state != Streaming && !s.starting {
		s.mu.Unlock()
		s.log.Warn("未在采集，忽略停止请求")
		return ErrNotStreaming
	}
	s.startEpoch++
	gen := s.gen
	s.mu.Unlock()

	if err := s.send(gen, "stop-login", protocol.StopLogin()); err != nil {
		return err
	}

	s.mu.Lock()
	if s.gen == gen && s.state == Streaming {
		s.setStateLocked(Connected)
	}
	s.mu.Unlock()
	s.log.Info("已停止采集")
	return nil
}

// autoRestartLocked 设备采样数耗尽后以相同模式重新启动，调用时持有锁
func (s *Session) autoRestartLocked() {
	mode := s.mode
	gen, epoch := s.gen, s.startEpoch
	s.setStateLocked(Connected)
	s.starting = true
	monitor.AutoRestarts.Inc()
	s.log.Infof("设备采样数已耗尽，以%s模式自动重启采集", mode)

	seq := sequence{name: "restart-" + mode.String(), run: func(ctx context.Context) error {
		if err := sleep(ctx, s.opts.SettleDelay); err != nil {
			s.clearStarting(gen)
			return err
		}
		return s.handshake(ctx, gen, epoch, mode)
	}}
	select {
	case s.seqs <- seq:
	default:
		s.starting = false
		s.log.Warn("命令队列已满，无法自动重启")
	}
}

// 单条查询命令

func (s *Session) RequestStatus() error     { return s.command("get-sensor-status", protocol.GetSensorStatus()) }
func (s *Session) RequestSensorIDs() error  { return s.command("get-sensor-ids", protocol.GetSensorIDs()) }
func (s *Session) RequestDeviceInfo() error { return s.command("get-device-info", protocol.GetDeviceInfo()) }
func (s *Session) RequestConfig() error     { return s.command("get-config", protocol.GetConfig()) }
func (s *Session) ResetClear() error        { return s.command("reset-clear", protocol.ResetClear()) }

// SyncClock 用主机时间校准设备时钟
func (s *Session) SyncClock() error {
	return s.command("set-datetime", protocol.SetDateTime(s.opts.Now()))
}

func (s *Session) command(name string, packet []byte) error {
	gen, err := s.currentGen()
	if err != nil {
		s.log.Warnf("采集器未连接，无法发送 %s", name)
		return err
	}
	if err := s.send(gen, name, packet); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}
