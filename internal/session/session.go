// Package session 管理与采集器的串口会话: 连接状态机、启动握手、采集模式和自动重启。
package session

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/snan-microbit/labdisc-microbit-link-app/internal/monitor"
	"github.com/snan-microbit/labdisc-microbit-link-app/internal/parser"
	"github.com/snan-microbit/labdisc-microbit-link-app/pkg/protocol"
	"github.com/snan-microbit/labdisc-microbit-link-app/pkg/sensor"
)

// Options 会话参数
type Options struct {
	// SettleDelay 每条命令发送后的等待时间，设备要求命令之间留出间隔
	SettleDelay time.Duration
	// SyncClock 连接后用主机时间校准设备时钟
	SyncClock  bool
	ReadBuffer int
	Catalog    *sensor.Catalog
	// Now 时钟来源，测试可替换
	Now func() time.Time
}

func (o *Options) defaults() {
	if o.ReadBuffer <= 0 {
		o.ReadBuffer = 256
	}
	if o.Catalog == nil {
		o.Catalog = sensor.Default()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// sequence 一组按顺序执行的命令
type sequence struct {
	name string
	run  func(ctx context.Context) error
}

// Session 采集器会话，方法可以并发调用
type Session struct {
	opener Opener
	opts   Options
	log    *logrus.Entry
	notify *notifier
	lis    Listener

	mu       sync.Mutex
	state    State
	mode     Mode
	gen      uint64
	port     io.ReadWriteCloser
	framer   *parser.Framer
	status   *protocol.DeviceStatus
	cancel   context.CancelFunc
	seqs     chan sequence
	starting bool
	// startEpoch 每次停止请求递增，进行中的启动握手据此放弃
	startEpoch uint64

	writeMu sync.Mutex
}

func New(opener Opener, listener Listener, opts Options, log *logrus.Entry) *Session {
	opts.defaults()
	if listener == nil {
		listener = nopListener{}
	}
	return &Session{
		opener: opener,
		opts:   opts,
		log:    log.WithField("category", "session"),
		notify: newNotifier(),
		lis:    listener,
		state:  Disconnected,
	}
}

// Run 投递事件直到ctx结束，结束时断开连接
func (s *Session) Run(ctx context.Context) {
	s.notify.run(ctx, s.lis)
	s.Disconnect()
}

// Connect 打开端口并执行初始查询。用户取消选择端口时返回nil。
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.state != Disconnected {
		s.mu.Unlock()
		s.log.Debug("已连接或正在连接，忽略")
		return nil
	}
	s.setStateLocked(Connecting)
	s.mu.Unlock()

	port, err := s.opener.Open(ctx)
	if err != nil {
		s.mu.Lock()
		if s.state == Connecting {
			s.setStateLocked(Disconnected)
		}
		s.mu.Unlock()
		if errors.Is(err, ErrPortSelectionCancelled) {
			return nil
		}
		s.log.Errorf("打开串口失败: %v", err)
		return err
	}

	s.mu.Lock()
	if s.state != Connecting {
		// 打开期间被断开
		s.mu.Unlock()
		port.Close()
		return ErrNotConnected
	}
	connCtx, cancel := context.WithCancel(context.Background())
	s.gen++
	gen := s.gen
	s.port = port
	s.cancel = cancel
	s.framer = parser.NewFramer(s.opts.Catalog, s.log)
	s.status = nil
	s.starting = false
	s.seqs = make(chan sequence, 8)
	seqs := s.seqs
	s.setStateLocked(Connected)
	s.mu.Unlock()

	s.log.Info("采集器已连接")

	go s.readLoop(connCtx, gen, port)
	go s.runSequences(connCtx, seqs)

	return s.enqueue(sequence{name: "discovery", run: func(ctx context.Context) error {
		return s.discover(ctx, gen)
	}})
}

// Disconnect 关闭端口，放弃进行中的命令序列
func (s *Session) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Disconnected {
		return
	}
	s.teardownLocked()
	s.log.Info("采集器已断开")
}

func (s *Session) teardownLocked() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	if s.port != nil {
		if err := s.port.Close(); err != nil {
			s.log.Debugf("关闭串口: %v", err)
		}
		s.port = nil
	}
	s.gen++
	s.framer = nil
	s.status = nil
	s.seqs = nil
	s.starting = false
	s.setStateLocked(Disconnected)
}

// State 当前状态
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SensorIDs 当前连接缓存的传感器顺序
func (s *Session) SensorIDs() []uint8 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.framer == nil {
		return nil
	}
	return s.framer.SensorIDs()
}

// Snapshot 返回状态快照
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{State: s.state, Mode: s.mode, Busy: s.starting}
	if s.framer != nil {
		snap.SensorIDs = s.framer.SensorIDs()
		snap.Packets = s.framer.Packets()
	}
	if s.status != nil {
		st := *s.status
		snap.Status = &st
	}
	return snap
}

func (s *Session) setStateLocked(next State) {
	prev := s.state
	if prev == next {
		return
	}
	s.state = next
	monitor.LoggerState.Set(float64(next))
	s.log.Debugf("状态 %s -> %s", prev, next)
	s.notify.push(func(l Listener) { l.SessionStateChanged(prev, next) })
}

func (s *Session) enqueue(seq sequence) error {
	s.mu.Lock()
	seqs := s.seqs
	s.mu.Unlock()
	if seqs == nil {
		return ErrNotConnected
	}
	select {
	case seqs <- seq:
		return nil
	default:
		s.log.Warnf("命令队列已满，丢弃 %s", seq.name)
		return ErrBusy
	}
}

func (s *Session) runSequences(ctx context.Context, seqs <-chan sequence) {
	for {
		select {
		case <-ctx.Done():
			return
		case seq := <-seqs:
			if err := seq.run(ctx); err != nil && ctx.Err() == nil {
				s.log.Warnf("命令序列 %s 未完成: %v", seq.name, err)
			}
		}
	}
}

// send 写一条命令。写失败只记录日志，不改变状态。
func (s *Session) send(gen uint64, name string, packet []byte) error {
	s.mu.Lock()
	if s.gen != gen || s.port == nil {
		s.mu.Unlock()
		return ErrNotConnected
	}
	port := s.port
	s.mu.Unlock()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := port.Write(packet); err != nil {
		s.log.Warnf("发送 %s 失败: %v", name, err)
		return err
	}
	s.log.Debugf("发送 %s: % x", name, packet)
	return nil
}

// sendAndSettle 发送命令后等待设备处理
func (s *Session) sendAndSettle(ctx context.Context, gen uint64, name string, packet []byte) error {
	if err := s.send(gen, name, packet); err != nil {
		return err
	}
	return sleep(ctx, s.opts.SettleDelay)
}

func (s *Session) currentGen() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Connected && s.state != Streaming {
		return 0, ErrNotConnected
	}
	return s.gen, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
