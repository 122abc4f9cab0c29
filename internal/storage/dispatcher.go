package storage

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/snan-microbit/labdisc-microbit-link-app/internal/monitor"
)

const writeTimeout = 5 * time.Second

// Dispatcher 异步把记录写到所有输出目标。队列满时丢弃新记录。
type Dispatcher struct {
	sinks []Sink
	queue chan *Record
	log   *logrus.Entry
	wg    sync.WaitGroup
}

func NewDispatcher(sinks []Sink, size int, log *logrus.Entry) *Dispatcher {
	if size <= 0 {
		size = 256
	}
	return &Dispatcher{
		sinks: sinks,
		queue: make(chan *Record, size),
		log:   log,
	}
}

// Enabled 是否有输出目标
func (d *Dispatcher) Enabled() bool {
	return len(d.sinks) > 0
}

// Submit 非阻塞入队
func (d *Dispatcher) Submit(rec *Record) bool {
	if !d.Enabled() {
		return false
	}
	select {
	case d.queue <- rec:
		return true
	default:
		monitor.SinkDropped.Inc()
		d.log.Debug("输出队列已满，丢弃记录")
		return false
	}
}

// Start 在后台消费队列直到ctx结束，之后尽量写完已入队的记录
func (d *Dispatcher) Start(ctx context.Context) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.run(ctx)
	}()
}

func (d *Dispatcher) run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			d.drain()
			return
		}
		select {
		case <-ctx.Done():
			d.drain()
			return
		case rec := <-d.queue:
			d.write(ctx, rec)
		}
	}
}

// drain 取出剩余记录，支持批量写入的输出一次写完
func (d *Dispatcher) drain() {
	var pending []*Record
	for {
		select {
		case rec := <-d.queue:
			pending = append(pending, rec)
			continue
		default:
		}
		break
	}
	if len(pending) == 0 {
		return
	}

	for _, sink := range d.sinks {
		batch, ok := sink.(BatchSink)
		if !ok {
			for _, rec := range pending {
				d.writeOne(context.Background(), sink, rec)
			}
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		err := batch.WriteBatch(ctx, pending)
		cancel()
		if err != nil {
			monitor.SinkErrors.WithLabelValues(sink.Name()).Inc()
			d.log.Warnf("批量写入 %s 失败: %v", sink.Name(), err)
		}
	}
	d.log.Debugf("关闭前写出 %d 条记录", len(pending))
}

func (d *Dispatcher) write(ctx context.Context, rec *Record) {
	for _, sink := range d.sinks {
		d.writeOne(ctx, sink, rec)
	}
}

func (d *Dispatcher) writeOne(ctx context.Context, sink Sink, rec *Record) {
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	err := sink.Write(wctx, rec)
	cancel()
	if err != nil {
		monitor.SinkErrors.WithLabelValues(sink.Name()).Inc()
		d.log.Warnf("写入 %s 失败: %v", sink.Name(), err)
	}
}

// Close 等待 Start 启动的消费者退出后关闭全部输出目标
func (d *Dispatcher) Close() error {
	d.wg.Wait()
	var errs []error
	for _, sink := range d.sinks {
		if err := sink.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
