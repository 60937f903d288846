package eventbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"CallScreenGuard/internal/protocol"
)

func publishN(b *Bus, sessionID string, n int) {
	for i := 1; i <= n; i++ {
		b.Publish(protocol.SessionEvent{
			SessionID: sessionID,
			CallID:    "CA-" + sessionID,
			Seq:       uint64(i),
			Timestamp: time.Now(),
		})
	}
}

func drain(sub *Subscription, max int, timeout time.Duration) []protocol.SessionEvent {
	var events []protocol.SessionEvent
	deadline := time.After(timeout)
	for len(events) < max {
		select {
		case ev := <-sub.Events():
			events = append(events, ev)
		case <-deadline:
			return events
		}
	}
	return events
}

// TestFanoutToAllSubscribers 测试事件广播到所有订阅方
func TestFanoutToAllSubscribers(t *testing.T) {
	bus := New()

	sub1 := bus.SubscribeAll()
	defer sub1.Close()
	sub2 := bus.SubscribeAll()
	defer sub2.Close()

	publishN(bus, "sess-a", 3)

	assert.Len(t, drain(sub1, 3, time.Second), 3)
	assert.Len(t, drain(sub2, 3, time.Second), 3)
}

// TestSessionFilter 测试按会话过滤的订阅只收到命中事件
func TestSessionFilter(t *testing.T) {
	bus := New()

	subA := bus.Subscribe("sess-a")
	defer subA.Close()
	subAll := bus.SubscribeAll()
	defer subAll.Close()

	publishN(bus, "sess-a", 2)
	publishN(bus, "sess-b", 3)

	eventsA := drain(subA, 2, time.Second)
	require.Len(t, eventsA, 2)
	for _, ev := range eventsA {
		assert.Equal(t, "sess-a", ev.SessionID)
	}

	assert.Len(t, drain(subAll, 5, time.Second), 5)
}

// TestSlowSubscriberDropsNotBlocks 测试慢订阅方：发布永不阻塞，溢出事件被丢弃并计数
func TestSlowSubscriberDropsNotBlocks(t *testing.T) {
	bus := New(WithSubscriberBuffer(2))

	sub := bus.SubscribeAll()
	defer sub.Close()

	done := make(chan struct{})
	go func() {
		publishN(bus, "sess-slow", 10)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on slow subscriber")
	}

	// 缓冲只有2，其余8条被丢弃
	events := drain(sub, 10, 200*time.Millisecond)
	assert.Len(t, events, 2)

	stats := bus.Stats()
	assert.Equal(t, uint64(10), stats["published"])
	assert.Equal(t, uint64(8), stats["dropped"])
}

// TestGapDetectionBySeq 测试订阅方通过序列号缺口发现丢失
func TestGapDetectionBySeq(t *testing.T) {
	bus := New(WithSubscriberBuffer(3))

	sub := bus.SubscribeAll()
	defer sub.Close()

	publishN(bus, "sess-gap", 6)

	events := drain(sub, 6, 200*time.Millisecond)
	require.Len(t, events, 3)

	// 收到的序列号来自前缀1..3，之后的缺口提示需要从会话存储兜底
	var lastSeq uint64
	for _, ev := range events {
		assert.Greater(t, ev.Seq, lastSeq)
		lastSeq = ev.Seq
	}
	assert.Less(t, lastSeq, uint64(6))
}

// TestCloseUnsubscribes 测试关闭订阅后不再接收事件
func TestCloseUnsubscribes(t *testing.T) {
	bus := New()

	sub := bus.SubscribeAll()
	sub.Close()
	// 重复关闭安全
	sub.Close()

	publishN(bus, "sess-closed", 3)

	_, open := <-sub.Events()
	assert.False(t, open, "channel must be closed")

	stats := bus.Stats()
	assert.Equal(t, uint64(0), stats["subscribers"])
	assert.Equal(t, uint64(0), stats["dropped"])
}
