package transport

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"tinygo.org/x/bluetooth"

	"github.com/snan-microbit/labdisc-microbit-link-app/internal/monitor"
)

// BLEOptions 信标连接参数
type BLEOptions struct {
	// Address 非空时只连接该地址，否则按名称前缀匹配
	Address         string
	NamePrefix      string
	ServiceUUID     string
	WriteUUID       string
	NotifyUUID      string
	ChunkSize       int
	WritesPerSecond float64
	QueueSize       int
	ScanTimeout     time.Duration
}

// BLEBeacon 通过BLE UART服务连接的信标
type BLEBeacon struct {
	opts    BLEOptions
	adapter *bluetooth.Adapter
	log     *logrus.Entry
	events  chan BeaconEvent

	enableOnce sync.Once
	enableErr  error

	mu        sync.Mutex
	device    *bluetooth.Device
	address   string
	connected bool
	cancel    context.CancelFunc
	queue     *txQueue
}

func NewBLEBeacon(opts BLEOptions, log *logrus.Entry) *BLEBeacon {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = 20
	}
	return &BLEBeacon{
		opts:    opts,
		adapter: bluetooth.DefaultAdapter,
		log:     log.WithField("category", "beacon"),
		events:  make(chan BeaconEvent, 32),
	}
}

// Events 连接变化和收到的文本行
func (b *BLEBeacon) Events() <-chan BeaconEvent {
	return b.events
}

func (b *BLEBeacon) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

func (b *BLEBeacon) enable() error {
	b.enableOnce.Do(func() {
		if err := b.adapter.Enable(); err != nil {
			b.enableErr = fmt.Errorf("启用蓝牙适配器失败: %w", err)
			return
		}
		b.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
			if !connected {
				b.lost(device.Address.String())
			}
		})
	})
	return b.enableErr
}

// Connect 扫描、连接并订阅信标的UART通知
func (b *BLEBeacon) Connect(ctx context.Context) error {
	if b.Connected() {
		return nil
	}
	if err := b.enable(); err != nil {
		return err
	}

	svcUUID, err := bluetooth.ParseUUID(b.opts.ServiceUUID)
	if err != nil {
		return fmt.Errorf("service uuid: %w", err)
	}
	writeUUID, err := bluetooth.ParseUUID(b.opts.WriteUUID)
	if err != nil {
		return fmt.Errorf("write uuid: %w", err)
	}
	notifyUUID, err := bluetooth.ParseUUID(b.opts.NotifyUUID)
	if err != nil {
		return fmt.Errorf("notify uuid: %w", err)
	}

	result, err := b.scan(ctx)
	if err != nil {
		return err
	}
	b.log.Infof("发现信标: %s (%s)", result.LocalName(), result.Address.String())

	device, err := b.adapter.Connect(result.Address, bluetooth.ConnectionParams{})
	if err != nil {
		return fmt.Errorf("连接信标失败: %w", err)
	}

	writeChar, notifyChar, err := discoverUART(device, svcUUID, writeUUID, notifyUUID)
	if err != nil {
		device.Disconnect()
		return err
	}

	asm := &lineAssembler{max: 256}
	if err := notifyChar.EnableNotifications(func(buf []byte) {
		for _, line := range asm.Push(buf) {
			b.log.Infof("信标: %s", line)
			b.emit(BeaconEvent{Kind: BeaconLine, Address: result.Address.String(), Line: line})
		}
	}); err != nil {
		device.Disconnect()
		return fmt.Errorf("订阅通知失败: %w", err)
	}

	connCtx, cancel := context.WithCancel(context.Background())
	queue := newTxQueue(b.opts.QueueSize, b.opts.ChunkSize, b.opts.WritesPerSecond, func(chunk []byte) error {
		_, err := writeChar.WriteWithoutResponse(chunk)
		return err
	}, b.log)

	b.mu.Lock()
	b.device = &device
	b.address = result.Address.String()
	b.connected = true
	b.cancel = cancel
	b.queue = queue
	b.mu.Unlock()

	go queue.run(connCtx)

	monitor.BeaconConnected.Set(1)
	b.log.Info("信标已连接")
	b.emit(BeaconEvent{Kind: BeaconConnected, Address: result.Address.String()})
	return nil
}

func (b *BLEBeacon) scan(ctx context.Context) (bluetooth.ScanResult, error) {
	if b.opts.ScanTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.opts.ScanTimeout)
		defer cancel()
	}

	found := make(chan bluetooth.ScanResult, 1)
	done := make(chan error, 1)
	go func() {
		done <- b.adapter.Scan(func(a *bluetooth.Adapter, r bluetooth.ScanResult) {
			if !b.matches(r.Address.String(), r.LocalName()) {
				return
			}
			select {
			case found <- r:
			default:
			}
			a.StopScan()
		})
	}()

	b.log.Debugf("开始扫描信标 (address=%q prefix=%q)", b.opts.Address, b.opts.NamePrefix)
	select {
	case r := <-found:
		<-done
		return r, nil
	case err := <-done:
		if err == nil {
			err = fmt.Errorf("扫描意外结束")
		}
		return bluetooth.ScanResult{}, fmt.Errorf("扫描失败: %w", err)
	case <-ctx.Done():
		b.adapter.StopScan()
		<-done
		return bluetooth.ScanResult{}, fmt.Errorf("未找到信标: %w", ctx.Err())
	}
}

func (b *BLEBeacon) matches(address, name string) bool {
	if b.opts.Address != "" {
		return strings.EqualFold(address, b.opts.Address)
	}
	return name != "" && strings.HasPrefix(name, b.opts.NamePrefix)
}

func discoverUART(device bluetooth.Device, svc, write, notify bluetooth.UUID) (w, n bluetooth.DeviceCharacteristic, err error) {
	services, err := device.DiscoverServices([]bluetooth.UUID{svc})
	if err != nil || len(services) == 0 {
		return w, n, fmt.Errorf("未找到UART服务: %v", err)
	}
	chars, err := services[0].DiscoverCharacteristics([]bluetooth.UUID{write, notify})
	if err != nil {
		return w, n, fmt.Errorf("查找UART特征失败: %w", err)
	}

	var haveW, haveN bool
	for _, c := range chars {
		switch c.UUID() {
		case write:
			w, haveW = c, true
		case notify:
			n, haveN = c, true
		}
	}
	if !haveW || !haveN {
		return w, n, fmt.Errorf("UART特征不完整 (write=%v notify=%v)", haveW, haveN)
	}
	return w, n, nil
}

// Send 入队一行文本，按块限速写出
func (b *BLEBeacon) Send(line string) error {
	b.mu.Lock()
	queue, connected := b.queue, b.connected
	b.mu.Unlock()
	if !connected {
		return ErrBeaconNotConnected
	}
	return queue.enqueue(line)
}

// Disconnect 主动断开
func (b *BLEBeacon) Disconnect() error {
	b.mu.Lock()
	device := b.device
	b.mu.Unlock()
	if device == nil {
		return nil
	}
	err := device.Disconnect()
	b.lost(device.Address.String())
	return err
}

// lost 连接断开（主动或被动），只处理当前设备
func (b *BLEBeacon) lost(address string) {
	b.mu.Lock()
	if !b.connected || address != b.address {
		b.mu.Unlock()
		return
	}
	b.connected = false
	b.device = nil
	b.queue = nil
	if b.cancel != nil {
		b.cancel()
		b.cancel = nil
	}
	b.mu.Unlock()

	monitor.BeaconConnected.Set(0)
	b.log.Info("信标已断开")
	b.emit(BeaconEvent{Kind: BeaconDisconnected, Address: address})
}

func (b *BLEBeacon) emit(ev BeaconEvent) {
	select {
	case b.events <- ev:
	default:
		b.log.Warnf("事件队列已满，丢弃 %s 事件", ev.Kind)
	}
}
