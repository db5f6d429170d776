package relay

import (
	"sync"
	"sync/atomic"
	"time"
)

// EventType 事件类型
type EventType string

const (
	EventPeerConnected    EventType = "peer.connected"
	EventPeerDisconnected EventType = "peer.disconnected"
	EventMessageReceived  EventType = "message.received"
	EventHandlerError     EventType = "handler.error"
)

// Event 中继事件
type Event struct {
	Type    EventType
	PeerID  string
	Message *Message
	Err     error
	Time    time.Time
}

// EventHandler 事件处理器
type EventHandler func(Event)

// EventBus 异步事件总线，固定数量的 worker 执行订阅者
// 连接与断开事件在队列满时最多等待 100ms，其余事件直接丢弃
type EventBus struct {
	mu       sync.RWMutex
	handlers map[EventType][]EventHandler
	tasks    chan func()
	stop     chan struct{}
	wg       sync.WaitGroup
	closed   atomic.Bool
	dropped  atomic.Int64
}

// NewEventBus 创建事件总线
func NewEventBus(workers, queueSize int) *EventBus {
	eb := &EventBus{
		handlers: make(map[EventType][]EventHandler),
		tasks:    make(chan func(), queueSize),
		stop:     make(chan struct{}),
	}
	for range workers {
		eb.wg.Add(1)
		go eb.worker()
	}
	return eb
}

func (eb *EventBus) worker() {
	defer eb.wg.Done()
	for {
		select {
		case task := <-eb.tasks:
			task()
		case <-eb.stop:
			return
		}
	}
}

// Subscribe 订阅事件
func (eb *EventBus) Subscribe(t EventType, h EventHandler) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.handlers[t] = append(eb.handlers[t], h)
}

// Publish 异步发布事件
func (eb *EventBus) Publish(e Event) {
	if eb.closed.Load() {
		return
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	eb.mu.RLock()
	handlers := eb.handlers[e.Type]
	eb.mu.RUnlock()

	critical := e.Type == EventPeerConnected || e.Type == EventPeerDisconnected
	for _, h := range handlers {
		task := func() { h(e) }
		if critical {
			select {
			case eb.tasks <- task:
			case <-time.After(100 * time.Millisecond):
				eb.dropped.Add(1)
			}
			continue
		}
		select {
		case eb.tasks <- task:
		default:
			eb.dropped.Add(1)
		}
	}
}

// Close 停止 worker，队列中未执行的事件被丢弃
func (eb *EventBus) Close() {
	if !eb.closed.CompareAndSwap(false, true) {
		return
	}
	close(eb.stop)
	eb.wg.Wait()
}

// Dropped 被丢弃的事件数
func (eb *EventBus) Dropped() int64 {
	return eb.dropped.Load()
}
