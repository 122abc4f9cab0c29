package transport

import (
	"context"
	"fmt"
	"io"
	"runtime"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"go.bug.st/serial"

	"github.com/snan-microbit/labdisc-microbit-link-app/internal/session"
)

// SerialOptions 采集器串口参数
type SerialOptions struct {
	// Port 为空时自动选择第一个蓝牙串口
	Port        string
	BaudRate    int
	ReadTimeout time.Duration
}

// SerialOpener 打开采集器的SPP串口，实现 session.Opener
type SerialOpener struct {
	opts SerialOptions
	log  *logrus.Entry
	list func() ([]string, error)
	open func(string, *serial.Mode) (serial.Port, error)
}

func NewSerialOpener(opts SerialOptions, log *logrus.Entry) *SerialOpener {
	if opts.BaudRate == 0 {
		opts.BaudRate = 9600
	}
	return &SerialOpener{
		opts: opts,
		log:  log.WithField("category", "serial"),
		list: serial.GetPortsList,
		open: serial.Open,
	}
}

func (o *SerialOpener) Open(ctx context.Context) (io.ReadWriteCloser, error) {
	if ctx.Err() != nil {
		return nil, session.ErrPortSelectionCancelled
	}

	path, err := o.resolvePort()
	if err != nil {
		return nil, err
	}

	mode := &serial.Mode{
		BaudRate: o.opts.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := o.open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("打开 %s 失败: %w", path, err)
	}
	if o.opts.ReadTimeout > 0 {
		if err := port.SetReadTimeout(o.opts.ReadTimeout); err != nil {
			port.Close()
			return nil, fmt.Errorf("设置读取超时失败: %w", err)
		}
	}
	if err := port.ResetInputBuffer(); err != nil {
		o.log.Debugf("清空输入缓冲失败: %v", err)
	}

	if ctx.Err() != nil {
		port.Close()
		return nil, session.ErrPortSelectionCancelled
	}

	o.log.Infof("串口已打开: %s (%d 8N1)", path, o.opts.BaudRate)
	return port, nil
}

// resolvePort 未配置端口时选择第一个名字像蓝牙串口的设备
func (o *SerialOpener) resolvePort() (string, error) {
	if o.opts.Port != "" {
		return o.opts.Port, nil
	}
	ports, err := o.list()
	if err != nil {
		return "", fmt.Errorf("枚举串口失败: %w", err)
	}
	for _, p := range ports {
		if looksLikeSPP(p) {
			o.log.Infof("自动选择串口: %s", p)
			return p, nil
		}
	}
	return "", fmt.Errorf("%w (候选: %v)", ErrNoPort, ports)
}

func looksLikeSPP(name string) bool {
	lower := strings.ToLower(name)
	if strings.Contains(lower, "rfcomm") {
		return true
	}
	return runtime.GOOS == "darwin" && strings.Contains(lower, "bluetooth") && !strings.Contains(lower, "incoming")
}
