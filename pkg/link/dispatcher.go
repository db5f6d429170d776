package link

import (
	"fmt"
	"sync"

	"github.com/eapache/queue"
	"go.uber.org/zap"

	"github.com/tokmz/wslink/pkg/logger"
)

// dispatcher 在单个 goroutine 中按入队顺序执行回调
// 入队从不阻塞，回调之间不会重叠
type dispatcher struct {
	mu     sync.Mutex
	q      *queue.Queue
	closed bool
	wake   chan struct{}
	done   chan struct{}
	log    logger.Logger
}

func newDispatcher(log logger.Logger) *dispatcher {
	d := &dispatcher{
		q:    queue.New(),
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
		log:  log,
	}
	go d.run()
	return d
}

// push 入队，关闭后返回 false
func (d *dispatcher) push(fn func()) bool {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return false
	}
	d.q.Add(fn)
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
	return true
}

func (d *dispatcher) run() {
	defer close(d.done)
	for {
		d.mu.Lock()
		if d.q.Length() == 0 {
			closed := d.closed
			d.mu.Unlock()
			if closed {
				return
			}
			<-d.wake
			continue
		}
		fn := d.q.Remove().(func())
		d.mu.Unlock()

		d.call(fn)
	}
}

func (d *dispatcher) call(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("callback panicked", zap.String("panic", fmt.Sprint(r)), zap.Stack("stack"))
		}
	}()
	fn()
}

// pending 尚未执行的回调数
func (d *dispatcher) pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.q.Length()
}

// close 拒绝新回调，执行完已入队的回调后返回
// 不能在回调内部调用
func (d *dispatcher) close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		<-d.done
		return
	}
	d.closed = true
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
	<-d.done
}
