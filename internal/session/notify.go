package session

import (
	"context"
	"sync"
)

// notifier 把事件按入队顺序交给单个goroutine投递，入队方不会被订阅者阻塞
type notifier struct {
	mu    sync.Mutex
	queue []func(Listener)
	wake  chan struct{}
}

func newNotifier() *notifier {
	return &notifier{wake: make(chan struct{}, 1)}
}

func (n *notifier) push(fn func(Listener)) {
	n.mu.Lock()
	n.queue = append(n.queue, fn)
	n.mu.Unlock()

	select {
	case n.wake <- struct{}{}:
	default:
	}
}

func (n *notifier) run(ctx context.Context, l Listener) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-n.wake:
		}
		for {
			n.mu.Lock()
			batch := n.queue
			n.queue = nil
			n.mu.Unlock()
			if len(batch) == 0 {
				break
			}
			for _, fn := range batch {
				fn(l)
			}
		}
	}
}
