// Package eventbus 提供有序的会话事件广播
// 同一会话的事件严格按状态机应用信令的顺序发布；跨会话顺序无定义
// 投递语义为至少一次：事件携带会话内单调序列号，订阅方据此检测缺口与重复
package eventbus

import (
	"log"
	"sync"
	"sync/atomic"

	"CallScreenGuard/internal/protocol"
)

const defaultSubscriberBuffer = 64

// Subscription 一个订阅方的事件通道
type Subscription struct {
	sessionID string // 空表示订阅全部会话
	ch        chan protocol.SessionEvent
	closeOnce sync.Once
	bus       *Bus
}

// Events 返回事件接收通道
func (s *Subscription) Events() <-chan protocol.SessionEvent {
	return s.ch
}

// Close 取消订阅并关闭通道
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		s.bus.remove(s)
		close(s.ch)
	})
}

// matches 判断事件是否命中该订阅的过滤条件
func (s *Subscription) matches(ev *protocol.SessionEvent) bool {
	return s.sessionID == "" || s.sessionID == ev.SessionID
}

// Bus 会话事件总线
// 不保证会话生命周期之外的持久化；迟到的订阅方只能收到订阅之后的事件
// （权威当前状态由会话存储承担，见screening.SessionStore）
type Bus struct {
	mu      sync.RWMutex
	subs    map[*Subscription]struct{}
	bufSize int

	published atomic.Uint64
	dropped   atomic.Uint64
}

// BusOption 总线选项
type BusOption func(*Bus)

// WithSubscriberBuffer 设置订阅方通道缓冲大小
func WithSubscriberBuffer(size int) BusOption {
	return func(b *Bus) {
		if size > 0 {
			b.bufSize = size
		}
	}
}

// New 创建事件总线
func New(opts ...BusOption) *Bus {
	b := &Bus{
		subs:    make(map[*Subscription]struct{}),
		bufSize: defaultSubscriberBuffer,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish 向所有命中的订阅方广播事件
// 发布方永不阻塞：订阅方通道已满时丢弃该订阅方的本条事件并计数，
// 订阅方通过序列号缺口发现丢失后从会话存储兜底读取
func (b *Bus) Publish(ev protocol.SessionEvent) {
	b.published.Add(1)

	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subs {
		if !sub.matches(&ev) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			b.dropped.Add(1)
			log.Printf("[eventbus] Slow subscriber, dropped event: session=%s seq=%d", ev.SessionID, ev.Seq)
		}
	}
}

// Subscribe 订阅指定会话的事件流（sessionID为空等价于SubscribeAll）
func (b *Bus) Subscribe(sessionID string) *Subscription {
	sub := &Subscription{
		sessionID: sessionID,
		ch:        make(chan protocol.SessionEvent, b.bufSize),
		bus:       b,
	}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	return sub
}

// SubscribeAll 订阅所有会话的事件流
func (b *Bus) SubscribeAll() *Subscription {
	return b.Subscribe("")
}

// remove 从总线移除订阅
func (b *Bus) remove(sub *Subscription) {
	b.mu.Lock()
	delete(b.subs, sub)
	b.mu.Unlock()
}

// Stats 返回总线统计信息
func (b *Bus) Stats() map[string]uint64 {
	b.mu.RLock()
	subCount := uint64(len(b.subs))
	b.mu.RUnlock()

	return map[string]uint64{
		"subscribers": subCount,
		"published":   b.published.Load(),
		"dropped":     b.dropped.Load(),
	}
}
