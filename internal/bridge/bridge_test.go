package bridge

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snan-microbit/labdisc-microbit-link-app/internal/session"
	"github.com/snan-microbit/labdisc-microbit-link-app/internal/storage"
	"github.com/snan-microbit/labdisc-microbit-link-app/internal/transport"
	"github.com/snan-microbit/labdisc-microbit-link-app/pkg/protocol"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

// loggerPort 模拟采集器串口
type loggerPort struct {
	mu      sync.Mutex
	codes   []byte
	ids     []uint8
	in      chan []byte
	pending []byte
	closed  chan struct{}
	once    sync.Once
}

func newLoggerPort(ids ...uint8) *loggerPort {
	return &loggerPort{ids: ids, in: make(chan []byte, 64), closed: make(chan struct{})}
}

func (p *loggerPort) Read(b []byte) (int, error) {
	if len(p.pending) == 0 {
		select {
		case p.pending = <-p.in:
		case <-p.closed:
			return 0, io.EOF
		}
	}
	n := copy(b, p.pending)
	p.pending = p.pending[n:]
	return n, nil
}

func (p *loggerPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	p.codes = append(p.codes, b[2])
	p.mu.Unlock()

	switch b[2] {
	case protocol.CmdGetSensorIDs:
		p.in <- protocol.SensorIDsPacket(p.ids)
	case protocol.CmdGetSensorStatus:
		p.in <- protocol.StatusPacket(protocol.DeviceStatus{Subtype: protocol.StatusReport}, 1, 0)
	}
	return len(b), nil
}

func (p *loggerPort) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

func (p *loggerPort) count(code byte) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.codes {
		if c == code {
			n++
		}
	}
	return n
}

type fakeBeacon struct {
	mu        sync.Mutex
	connected bool
	lines     []string
	events    chan transport.BeaconEvent
}

func newFakeBeacon() *fakeBeacon {
	return &fakeBeacon{events: make(chan transport.BeaconEvent, 16)}
}

func (f *fakeBeacon) Connect(context.Context) error {
	f.mu.Lock()
	f.connected = true
	f.mu.Unlock()
	f.events <- transport.BeaconEvent{Kind: transport.BeaconConnected}
	return nil
}

func (f *fakeBeacon) Disconnect() error {
	f.mu.Lock()
	was := f.connected
	f.connected = false
	f.mu.Unlock()
	if was {
		f.events <- transport.BeaconEvent{Kind: transport.BeaconDisconnected}
	}
	return nil
}

func (f *fakeBeacon) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeBeacon) Send(line string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return transport.ErrBeaconNotConnected
	}
	f.lines = append(f.lines, line)
	return nil
}

func (f *fakeBeacon) Events() <-chan transport.BeaconEvent { return f.events }

func (f *fakeBeacon) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.lines...)
}

type harness struct {
	b      *Bridge
	port   *loggerPort
	beacon *fakeBeacon
}

func newHarness(t *testing.T, opts Options, ids ...uint8) *harness {
	t.Helper()
	logger, _ := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	port := newLoggerPort(ids...)
	beacon := newFakeBeacon()
	opener := session.OpenerFunc(func(context.Context) (io.ReadWriteCloser, error) { return port, nil })
	b := New(opener, beacon, opts, logrus.NewEntry(logger))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		b.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return &harness{b: b, port: port, beacon: beacon}
}

func (h *harness) state() session.State {
	return h.b.Session().State()
}

func TestAutoStreamStartsOnce(t *testing.T) {
	h := newHarness(t, Options{AutoStream: true}, 1, 3)

	require.NoError(t, h.b.ConnectBeacon(context.Background()))
	require.NoError(t, h.b.ConnectLogger(context.Background()))

	require.Eventually(t, func() bool { return h.state() == session.Streaming }, waitFor, tick)
	assert.True(t, h.b.Snapshot().AutoStarted)

	// 同样的连接事件重复出现不会再次启动
	h.beacon.events <- transport.BeaconEvent{Kind: transport.BeaconConnected}
	h.port.in <- protocol.SensorIDsPacket([]uint8{1, 3})
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, 1, h.port.count(protocol.CmdStartLogin))
	assert.Equal(t, 1, h.port.count(protocol.CmdStartExperiment))
	assert.Equal(t, session.Streaming, h.state())
}

func TestAutoStreamWaitsForBothDevices(t *testing.T) {
	h := newHarness(t, Options{AutoStream: true}, 1)

	require.NoError(t, h.b.ConnectLogger(context.Background()))
	require.Eventually(t, func() bool { return h.b.Snapshot().Logger.Status != nil }, waitFor, tick)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, session.Connected, h.state())

	require.NoError(t, h.b.ConnectBeacon(context.Background()))
	require.Eventually(t, func() bool { return h.state() == session.Streaming }, waitFor, tick)
}

func TestAutoStreamDisabled(t *testing.T) {
	h := newHarness(t, Options{AutoStream: false}, 1)

	require.NoError(t, h.b.ConnectBeacon(context.Background()))
	require.NoError(t, h.b.ConnectLogger(context.Background()))
	require.Eventually(t, func() bool { return h.b.Snapshot().Logger.Status != nil }, waitFor, tick)
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, session.Connected, h.state())
	assert.Zero(t, h.port.count(protocol.CmdStartLogin))
}

func TestBeaconLossStopsAutoStream(t *testing.T) {
	h := newHarness(t, Options{AutoStream: true}, 1)

	require.NoError(t, h.b.ConnectBeacon(context.Background()))
	require.NoError(t, h.b.ConnectLogger(context.Background()))
	require.Eventually(t, func() bool { return h.state() == session.Streaming }, waitFor, tick)

	require.NoError(t, h.b.DisconnectBeacon())
	require.Eventually(t, func() bool { return h.state() == session.Connected }, waitFor, tick)
	assert.False(t, h.b.Snapshot().AutoStarted)
	assert.Equal(t, 2, h.port.count(protocol.CmdStopLogin), "handshake stop plus auto stop")
}

func TestBeaconLossKeepsManualStream(t *testing.T) {
	h := newHarness(t, Options{AutoStream: false}, 1)

	require.NoError(t, h.b.ConnectBeacon(context.Background()))
	require.NoError(t, h.b.ConnectLogger(context.Background()))
	require.Eventually(t, func() bool { return h.b.Snapshot().Logger.Status != nil }, waitFor, tick)

	require.NoError(t, h.b.StartStreaming(session.Fast))
	require.Eventually(t, func() bool { return h.state() == session.Streaming }, waitFor, tick)

	require.NoError(t, h.b.DisconnectBeacon())
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, session.Streaming, h.state())
	assert.Equal(t, session.Fast, h.b.Snapshot().Mode)
}

func TestManualStopIsSticky(t *testing.T) {
	h := newHarness(t, Options{AutoStream: true}, 1)

	require.NoError(t, h.b.ConnectBeacon(context.Background()))
	require.NoError(t, h.b.ConnectLogger(context.Background()))
	require.Eventually(t, func() bool { return h.state() == session.Streaming }, waitFor, tick)

	require.NoError(t, h.b.StopStreaming())
	assert.Equal(t, session.Connected, h.state())

	h.port.in <- protocol.StatusPacket(protocol.DeviceStatus{Subtype: protocol.StatusStopped}, 1, 0)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, session.Connected, h.state())
	assert.Equal(t, 1, h.port.count(protocol.CmdStartLogin))

	// 信标重新连接是新的评估时机
	require.NoError(t, h.b.DisconnectBeacon())
	require.NoError(t, h.b.ConnectBeacon(context.Background()))
	require.Eventually(t, func() bool { return h.state() == session.Streaming }, waitFor, tick)
}

func TestManualStartSwitchesMode(t *testing.T) {
	h := newHarness(t, Options{AutoStream: false}, 1, 7)

	require.NoError(t, h.b.ConnectLogger(context.Background()))
	require.Eventually(t, func() bool { return h.b.Snapshot().Logger.Status != nil }, waitFor, tick)

	require.NoError(t, h.b.StartStreaming(session.Normal))
	require.Eventually(t, func() bool { return h.state() == session.Streaming }, waitFor, tick)

	require.NoError(t, h.b.StartStreaming(session.Fast))
	require.Eventually(t, func() bool {
		snap := h.b.Snapshot()
		return snap.Logger.State == session.Streaming && snap.Logger.Mode == session.Fast
	}, waitFor, tick)

	snap := h.b.Snapshot()
	assert.Equal(t, session.Fast, snap.Mode)
	assert.Equal(t, 2, h.port.count(protocol.CmdStartLogin))
	assert.Equal(t, 3, h.port.count(protocol.CmdStopLogin), "two handshakes plus the switch")

	// 同模式再次开始不会重启
	require.NoError(t, h.b.StartStreaming(session.Fast))
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 2, h.port.count(protocol.CmdStartLogin))
}

func TestLoggerCommand(t *testing.T) {
	h := newHarness(t, Options{}, 1)

	assert.ErrorIs(t, h.b.LoggerCommand("info"), session.ErrNotConnected)

	require.NoError(t, h.b.ConnectLogger(context.Background()))
	require.Eventually(t, func() bool { return h.b.Snapshot().Logger.Status != nil }, waitFor, tick)

	for _, name := range []string{"status", "ids", "info", "config", "reset", "sync-clock"} {
		require.NoError(t, h.b.LoggerCommand(name), name)
	}
	assert.Equal(t, 1, h.port.count(protocol.CmdGetDeviceInfo))
	assert.Equal(t, 1, h.port.count(protocol.CmdGetConfig))
	assert.Equal(t, 1, h.port.count(protocol.CmdResetClear))
	assert.Equal(t, 1, h.port.count(protocol.CmdSetDateTime))
	assert.Equal(t, 2, h.port.count(protocol.CmdGetSensorIDs), "discovery plus explicit request")

	assert.ErrorIs(t, h.b.LoggerCommand("format-disk"), ErrUnknownCommand)
}

func TestSamplesGoToBeaconWhenConnected(t *testing.T) {
	h := newHarness(t, Options{AutoStream: false}, 1)

	require.NoError(t, h.b.ConnectLogger(context.Background()))
	require.Eventually(t, func() bool { return h.b.Snapshot().Logger.Status != nil }, waitFor, tick)

	// 信标未连接: 只更新显示
	h.port.in <- protocol.OnlineDataPacket([]byte{0x0A, 0x46})
	require.Eventually(t, func() bool { return h.b.Snapshot().LastLine != "" }, waitFor, tick)
	snap := h.b.Snapshot()
	assert.Equal(t, "263,-9999,-9999,-9999,-9999,-9999,-9999,-9999,-9999,-9999,-9999,-9999,-9999\n", snap.LastLine)
	assert.Zero(t, snap.Sent)
	assert.Equal(t, "26.3", snap.Rows[0].Value)
	assert.True(t, snap.Rows[0].HasData)
	assert.Empty(t, h.beacon.sent())

	require.NoError(t, h.b.ConnectBeacon(context.Background()))
	require.Eventually(t, func() bool { return h.beacon.Connected() }, waitFor, tick)
	h.port.in <- protocol.OnlineDataPacket([]byte{0x0A, 0x50})
	require.Eventually(t, func() bool { return h.b.Snapshot().Sent == 1 }, waitFor, tick)
	require.Len(t, h.beacon.sent(), 1)
	assert.Equal(t, "264,", h.beacon.sent()[0][:4])
}

type memSink struct {
	mu   sync.Mutex
	recs []*storage.Record
}

func (m *memSink) Name() string { return "mem" }
func (m *memSink) Write(_ context.Context, rec *storage.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs = append(m.recs, rec)
	return nil
}
func (m *memSink) Close() error { return nil }
func (m *memSink) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.recs)
}

func TestSamplesAreDispatched(t *testing.T) {
	logger, _ := test.NewNullLogger()
	sink := &memSink{}
	d := storage.NewDispatcher([]storage.Sink{sink}, 8, logrus.NewEntry(logger))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)

	h := newHarness(t, Options{Dispatcher: d}, 1)
	require.NoError(t, h.b.ConnectLogger(context.Background()))
	require.Eventually(t, func() bool { return h.b.Snapshot().Logger.Status != nil }, waitFor, tick)

	h.port.in <- protocol.OnlineDataPacket([]byte{0x0A, 0x46})
	require.Eventually(t, func() bool { return sink.len() == 1 }, waitFor, tick)

	sink.mu.Lock()
	rec := sink.recs[0]
	sink.mu.Unlock()
	assert.Equal(t, h.b.Snapshot().RunID, rec.RunID)
	assert.Equal(t, "online_data", rec.Kind)
	assert.Equal(t, uint64(1), rec.Packet)
	assert.Contains(t, rec.Line, "263,")
}

func TestObserversReceiveSnapshots(t *testing.T) {
	h := newHarness(t, Options{}, 1)

	var mu sync.Mutex
	var states []session.State
	h.b.Observe(func(s Snapshot) {
		mu.Lock()
		states = append(states, s.Logger.State)
		mu.Unlock()
	})

	require.NoError(t, h.b.ConnectLogger(context.Background()))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(states) > 0 && states[len(states)-1] == session.Connected
	}, waitFor, tick)
}

func TestConnectLoggerOpenFailure(t *testing.T) {
	logger, _ := test.NewNullLogger()
	boom := errors.New("no such device")
	b := New(session.OpenerFunc(func(context.Context) (io.ReadWriteCloser, error) { return nil, boom }),
		newFakeBeacon(), Options{}, logrus.NewEntry(logger))

	assert.ErrorIs(t, b.ConnectLogger(context.Background()), boom)
	assert.Equal(t, session.Disconnected, b.Snapshot().Logger.State)
}
