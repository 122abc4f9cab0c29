package transport

import (
	"bytes"
	"context"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/snan-microbit/labdisc-microbit-link-app/internal/monitor"
)

// Fragment 把文本切成不超过size字节的块
func Fragment(text string, size int) [][]byte {
	if size <= 0 {
		size = 20
	}
	data := []byte(text)
	chunks := make([][]byte, 0, (len(data)+size-1)/size)
	for len(data) > 0 {
		n := size
		if n > len(data) {
			n = len(data)
		}
		chunks = append(chunks, data[:n:n])
		data = data[n:]
	}
	return chunks
}

// lineAssembler 把通知分片重新拼成以换行结尾的文本行
type lineAssembler struct {
	buf []byte
	max int
}

func (a *lineAssembler) Push(data []byte) []string {
	a.buf = append(a.buf, data...)

	var lines []string
	for {
		i := bytes.IndexByte(a.buf, '\n')
		if i < 0 {
			break
		}
		lines = append(lines, strings.TrimRight(string(a.buf[:i]), "\r"))
		a.buf = a.buf[i+1:]
	}
	if a.max > 0 && len(a.buf) > a.max {
		lines = append(lines, string(a.buf))
		a.buf = nil
	}
	if len(a.buf) == 0 {
		a.buf = nil
	}
	return lines
}

// txQueue 按限速依次写出每一行的分块
type txQueue struct {
	lines   chan string
	limiter *rate.Limiter
	chunk   int
	write   func([]byte) error
	log     *logrus.Entry
}

func newTxQueue(size, chunk int, perSecond float64, write func([]byte) error, log *logrus.Entry) *txQueue {
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	return &txQueue{
		lines:   make(chan string, size),
		limiter: rate.NewLimiter(limit, 1),
		chunk:   chunk,
		write:   write,
		log:     log,
	}
}

func (q *txQueue) enqueue(line string) error {
	select {
	case q.lines <- line:
		return nil
	default:
		return ErrQueueFull
	}
}

func (q *txQueue) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case line := <-q.lines:
			q.send(ctx, line)
		}
	}
}

func (q *txQueue) send(ctx context.Context, line string) {
	for _, c := range Fragment(line, q.chunk) {
		if err := q.limiter.Wait(ctx); err != nil {
			return
		}
		if err := q.write(c); err != nil {
			monitor.SendErrors.Inc()
			q.log.Warnf("写入信标失败: %v", err)
			return
		}
	}
	monitor.LinesSent.Inc()
}
