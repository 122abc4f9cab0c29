// Package bridge 协调采集器会话和信标两个独立连接: 自动开始/停止采集，
// 把每个采样转换成文本行发给信标，同时维护界面用的状态快照。
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/snan-microbit/labdisc-microbit-link-app/internal/parser"
	"github.com/snan-microbit/labdisc-microbit-link-app/internal/session"
	"github.com/snan-microbit/labdisc-microbit-link-app/internal/storage"
	"github.com/snan-microbit/labdisc-microbit-link-app/internal/transport"
	"github.com/snan-microbit/labdisc-microbit-link-app/internal/wire"
	"github.com/snan-microbit/labdisc-microbit-link-app/pkg/protocol"
)

// ErrUnknownCommand 未知的采集器命令名
var ErrUnknownCommand = errors.New("未知采集器命令")

// Beacon 信标链路
type Beacon interface {
	Connect(ctx context.Context) error
	Disconnect() error
	Connected() bool
	Send(line string) error
	Events() <-chan transport.BeaconEvent
}

// Options 桥接参数
type Options struct {
	Mode       session.Mode
	AutoStream bool
	Session    session.Options
	// Dispatcher 可为nil
	Dispatcher *storage.Dispatcher
}

// Snapshot 界面状态快照
type Snapshot struct {
	RunID           string           `json:"run_id"`
	Logger          session.Snapshot `json:"logger"`
	BeaconConnected bool             `json:"beacon_connected"`
	Mode            session.Mode     `json:"mode"`
	AutoStream      bool             `json:"auto_stream"`
	AutoStarted     bool             `json:"auto_started"`
	Rows            []wire.Row       `json:"rows"`
	LastLine        string           `json:"last_line"`
	Sent            uint64           `json:"sent"`
	LastSampleAt    *time.Time       `json:"last_sample_at,omitempty"`
}

// Observer 状态变化时收到最新快照
type Observer func(Snapshot)

type Bridge struct {
	session    *session.Session
	beacon     Beacon
	formatter  *wire.Formatter
	dispatcher *storage.Dispatcher
	log        *logrus.Entry

	mu           sync.Mutex
	runID        string
	mode         session.Mode
	autoStream   bool
	autoStarted  bool
	idsSeen      bool
	rows         []wire.Row
	lastLine     string
	sent         uint64
	lastSampleAt time.Time
	observers    []Observer
}

func New(opener session.Opener, beacon Beacon, opts Options, log *logrus.Entry) *Bridge {
	b := &Bridge{
		beacon:     beacon,
		formatter:  wire.NewFormatter(opts.Session.Catalog),
		dispatcher: opts.Dispatcher,
		log:        log.WithField("category", "bridge"),
		runID:      uuid.NewString(),
		mode:       opts.Mode,
		autoStream: opts.AutoStream,
	}
	b.rows = b.formatter.Rows(nil)
	b.session = session.New(opener, listener{b}, opts.Session, log)
	return b
}

// Session 底层采集器会话
func (b *Bridge) Session() *session.Session {
	return b.session
}

// Run 处理信标事件直到ctx结束，结束时断开两个设备
func (b *Bridge) Run(ctx context.Context) {
	go b.session.Run(ctx)

	for {
		select {
		case <-ctx.Done():
			b.session.Disconnect()
			if err := b.beacon.Disconnect(); err != nil {
				b.log.Debugf("断开信标: %v", err)
			}
			return
		case ev := <-b.beacon.Events():
			b.handleBeaconEvent(ev)
		}
	}
}

func (b *Bridge) handleBeaconEvent(ev transport.BeaconEvent) {
	switch ev.Kind {
	case transport.BeaconConnected:
		b.mu.Lock()
		b.evaluateLocked("信标已连接")
		b.mu.Unlock()
	case transport.BeaconDisconnected:
		b.mu.Lock()
		if b.autoStarted {
			b.autoStarted = false
			b.log.Info("信标断开，停止自动开始的采集")
			if err := b.session.StopStreaming(); err != nil {
				b.log.Debugf("停止采集: %v", err)
			}
		}
		b.evaluateLocked("信标已断开")
		b.mu.Unlock()
	case transport.BeaconLine:
		return
	}
	b.publish()
}

// evaluateLocked 两个设备都就绪且已知传感器时自动开始采集
func (b *Bridge) evaluateLocked(reason string) {
	if !b.autoStream {
		return
	}
	snap := b.session.Snapshot()
	if snap.State != session.Connected || snap.Busy {
		return
	}
	if len(snap.SensorIDs) == 0 || !b.beacon.Connected() {
		return
	}
	if err := b.session.StartStreaming(b.mode); err != nil {
		b.log.Debugf("自动开始采集失败: %v", err)
		return
	}
	b.autoStarted = true
	b.log.Infof("%s，自动开始%s模式采集", reason, b.mode)
}

// ConnectLogger 连接采集器
func (b *Bridge) ConnectLogger(ctx context.Context) error {
	return b.session.Connect(ctx)
}

// DisconnectLogger 断开采集器
func (b *Bridge) DisconnectLogger() {
	b.session.Disconnect()
}

// ConnectBeacon 连接信标
func (b *Bridge) ConnectBeacon(ctx context.Context) error {
	return b.beacon.Connect(ctx)
}

// DisconnectBeacon 断开信标
func (b *Bridge) DisconnectBeacon() error {
	return b.beacon.Disconnect()
}

// StartStreaming 用户手动开始采集；手动开始的采集不会因信标断开而停止。
// 正在以其他模式采集时先停止再按新模式启动。
func (b *Bridge) StartStreaming(mode session.Mode) error {
	b.mu.Lock()
	b.mode = mode
	b.autoStarted = false
	b.mu.Unlock()

	if snap := b.session.Snapshot(); snap.State == session.Streaming && snap.Mode != mode {
		b.log.Infof("切换采集模式 %s -> %s", snap.Mode, mode)
		if err := b.session.StopStreaming(); err != nil {
			b.publish()
			return err
		}
	}

	err := b.session.StartStreaming(mode)
	b.publish()
	return err
}

// LoggerCommand 向采集器发送一条单独的查询或维护命令
func (b *Bridge) LoggerCommand(name string) error {
	s := b.session
	switch name {
	case "status":
		return s.RequestStatus()
	case "ids":
		return s.RequestSensorIDs()
	case "info":
		return s.RequestDeviceInfo()
	case "config":
		return s.RequestConfig()
	case "reset":
		return s.ResetClear()
	case "sync-clock":
		return s.SyncClock()
	}
	return fmt.Errorf("%w: %q", ErrUnknownCommand, name)
}

// StopStreaming 用户手动停止，直到下一次连接变化前不会自动重新开始
func (b *Bridge) StopStreaming() error {
	b.mu.Lock()
	b.autoStarted = false
	b.mu.Unlock()

	err := b.session.StopStreaming()
	b.publish()
	return err
}

// SetMode 选择下一次开始采集使用的模式
func (b *Bridge) SetMode(mode session.Mode) {
	b.mu.Lock()
	b.mode = mode
	b.mu.Unlock()
	b.log.Infof("采集模式: %s", mode)
	b.publish()
}

// Observe 注册状态观察者
func (b *Bridge) Observe(fn Observer) {
	b.mu.Lock()
	b.observers = append(b.observers, fn)
	b.mu.Unlock()
}

func (b *Bridge) Snapshot() Snapshot {
	logger := b.session.Snapshot()
	connected := b.beacon.Connected()

	b.mu.Lock()
	defer b.mu.Unlock()
	snap := Snapshot{
		RunID:           b.runID,
		Logger:          logger,
		BeaconConnected: connected,
		Mode:            b.mode,
		AutoStream:      b.autoStream,
		AutoStarted:     b.autoStarted,
		Rows:            append([]wire.Row(nil), b.rows...),
		LastLine:        b.lastLine,
		Sent:            b.sent,
	}
	if !b.lastSampleAt.IsZero() {
		t := b.lastSampleAt
		snap.LastSampleAt = &t
	}
	return snap
}

func (b *Bridge) publish() {
	b.mu.Lock()
	observers := append([]Observer(nil), b.observers...)
	b.mu.Unlock()
	if len(observers) == 0 {
		return
	}
	snap := b.Snapshot()
	for _, fn := range observers {
		fn(snap)
	}
}

func (b *Bridge) onSample(ev parser.SampleEvent) {
	line := b.formatter.Line(ev.Sample)
	rows := b.formatter.Rows(ev.Sample)
	now := time.Now()

	b.mu.Lock()
	b.rows = rows
	b.lastLine = line
	b.lastSampleAt = now
	if b.beacon.Connected() {
		if err := b.beacon.Send(line); err != nil {
			b.log.Warnf("发送到信标失败: %v", err)
		} else {
			b.sent++
		}
	}
	runID := b.runID
	b.mu.Unlock()

	if b.dispatcher != nil {
		b.dispatcher.Submit(&storage.Record{
			RunID:    runID,
			Time:     now,
			Packet:   ev.Packet,
			Kind:     ev.Kind.String(),
			Counter:  ev.Counter,
			Readings: ev.Sample,
			Line:     line,
		})
	}
	b.publish()
}

func (b *Bridge) onStateChanged(from, to session.State) {
	b.mu.Lock()
	switch to {
	case session.Connected:
		if from == session.Connecting {
			b.runID = uuid.NewString()
			b.idsSeen = false
			b.log.Infof("新的采集运行: %s", b.runID)
			b.evaluateLocked("采集器已连接")
		}
	case session.Disconnected:
		b.autoStarted = false
		b.idsSeen = false
		b.rows = b.formatter.Rows(nil)
	}
	b.mu.Unlock()
	b.publish()
}

func (b *Bridge) onSensorIDs(ids []uint8) {
	b.mu.Lock()
	if len(ids) > 0 && !b.idsSeen {
		b.idsSeen = true
		b.evaluateLocked("收到传感器列表")
	}
	b.mu.Unlock()
	b.publish()
}

// listener 把会话事件转给桥接，避免在Bridge上暴露回调方法
type listener struct{ b *Bridge }

func (l listener) SessionStateChanged(from, to session.State) { l.b.onStateChanged(from, to) }
func (l listener) SensorIDsReceived(ids []uint8)              { l.b.onSensorIDs(ids) }
func (l listener) StatusReceived(protocol.DeviceStatus)       { l.b.publish() }
func (l listener) SampleReceived(ev parser.SampleEvent)       { l.b.onSample(ev) }
