package node

import (
	"sync"

	"dagbft/interfaces"
	"dagbft/logs"
	"dagbft/types"
)

// EventBus 节点内的事件分发。Publish 在调用方线程里按注册顺序执行订阅者；
// PublishAsync 进队列，由一个分发协程按发布顺序执行
type EventBus struct {
	mu       sync.RWMutex
	handlers map[types.EventType][]interfaces.EventHandler
	closed   bool

	queue chan interfaces.Event
	done  chan struct{}
	wg    sync.WaitGroup
}

func NewEventBus(queueSize int) *EventBus {
	if queueSize <= 0 {
		queueSize = 1024
	}
	eb := &EventBus{
		handlers: make(map[types.EventType][]interfaces.EventHandler),
		queue:    make(chan interfaces.Event, queueSize),
		done:     make(chan struct{}),
	}
	eb.wg.Add(1)
	go eb.loop()
	return eb
}

func (eb *EventBus) Subscribe(topic types.EventType, handler interfaces.EventHandler) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.handlers[topic] = append(eb.handlers[topic], handler)
}

func (eb *EventBus) Publish(event interfaces.Event) {
	eb.mu.RLock()
	handlers := eb.handlers[event.Type()]
	eb.mu.RUnlock()

	for _, handler := range handlers {
		eb.call(handler, event)
	}
}

// PublishAsync 不阻塞发布方；队列满时退化成单独协程分发，不丢事件。关闭后的事件直接丢弃
func (eb *EventBus) PublishAsync(event interfaces.Event) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	if eb.closed {
		return
	}
	select {
	case eb.queue <- event:
	default:
		logs.Debug("[EventBus] queue full, dispatching %s out of order", event.Type())
		go eb.Publish(event)
	}
}

func (eb *EventBus) call(handler interfaces.EventHandler, event interfaces.Event) {
	defer func() {
		if r := recover(); r != nil {
			logs.Error("[EventBus] handler for %s panicked: %v", event.Type(), r)
		}
	}()
	handler(event)
}

func (eb *EventBus) loop() {
	defer eb.wg.Done()
	for {
		select {
		case ev := <-eb.queue:
			eb.Publish(ev)
		case <-eb.done:
			// 把关闭前已入队的事件分发完
			for {
				select {
				case ev := <-eb.queue:
					eb.Publish(ev)
				default:
					return
				}
			}
		}
	}
}

// Close 停止接收异步事件，等待队列里的事件分发完
func (eb *EventBus) Close() {
	eb.mu.Lock()
	if eb.closed {
		eb.mu.Unlock()
		return
	}
	eb.closed = true
	close(eb.done)
	eb.mu.Unlock()
	eb.wg.Wait()
}
