package test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"CallScreenGuard/internal/eventbus"
	"CallScreenGuard/internal/protocol"
	"CallScreenGuard/internal/screening"
	"CallScreenGuard/internal/secrets"
)

// BenchmarkFrameEncode 基准测试帧编码
func BenchmarkFrameEncode(b *testing.B) {
	sig := protocol.Signal{
		CallID:          "CA-bench-001",
		Seq:             42,
		Kind:            protocol.SignalThreatVerdict,
		Confidence:      92,
		Reason:          "urgency plus payment request",
		ClaimedIdentity: "mom",
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := protocol.EncodeMessage(protocol.OpSignal, &sig); err != nil {
			b.Fatalf("encode failed: %v", err)
		}
	}
}

// BenchmarkFrameDecode 基准测试帧解码
func BenchmarkFrameDecode(b *testing.B) {
	sig := protocol.Signal{
		CallID: "CA-bench-002",
		Seq:    7,
		Kind:   protocol.SignalTranscriptFragment,
		Text:   "Grandma it's David, I crashed the car and I need money before tonight",
	}
	raw, err := protocol.EncodeMessage(protocol.OpSignal, &sig)
	if err != nil {
		b.Fatalf("encode seed failed: %v", err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		var decoded protocol.Signal
		if _, err := protocol.DecodeMessage(raw, &decoded); err != nil {
			b.Fatalf("decode failed: %v", err)
		}
	}
}

// BenchmarkAnswerVerification 基准测试密语答案校验（归一化+哈希）
func BenchmarkAnswerVerification(b *testing.B) {
	challenge := &secrets.Challenge{
		Question:           "Where did we go on holiday when you were ten?",
		ExpectedAnswerHash: secrets.HashAnswer("Muizenberg beach"),
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if !secrets.VerifyAnswer(challenge, "  MUIZENBERG   beach ") {
			b.Fatal("verification must pass")
		}
	}
}

// BenchmarkEventBusPublish 基准测试事件总线发布（带一个订阅方）
func BenchmarkEventBusPublish(b *testing.B) {
	bus := eventbus.New(eventbus.WithSubscriberBuffer(1024))
	sub := bus.SubscribeAll()
	defer sub.Close()

	// 消费协程防止缓冲写满后全变成丢弃路径
	go func() {
		for range sub.Events() {
		}
	}()

	ev := protocol.SessionEvent{
		SessionID: "sess-bench",
		CallID:    "CA-bench-003",
		FromState: "ANALYZING",
		ToState:   "ANALYZING",
		Timestamp: time.Now(),
		Payload:   protocol.EventPayload{Signal: protocol.SignalTranscriptFragment},
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		ev.Seq = uint64(i + 1)
		bus.Publish(ev)
	}
}

// BenchmarkSessionLifecycle 基准测试完整会话生命周期：
// 接纳 -> 接入 -> 挂断收尾 -> 自动销毁
func BenchmarkSessionLifecycle(b *testing.B) {
	resolver := secrets.NewStaticResolver()
	resolver.Register("mom", "Where did we go on holiday when you were ten?", "Muizenberg beach")

	bus := eventbus.New()
	manager := screening.NewManager(nil, bus, resolver)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		manager.Shutdown(ctx)
	}()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		callID := fmt.Sprintf("CA-bench-%d", i)
		if _, err := manager.Admit(callID); err != nil {
			b.Fatalf("admit failed: %v", err)
		}
		if err := manager.Route(callID, protocol.Signal{Kind: protocol.SignalHangUp}); err != nil {
			b.Fatalf("route failed: %v", err)
		}
	}
	b.StopTimer()

	// 等销毁协程排空
	deadline := time.Now().Add(10 * time.Second)
	for manager.ActiveSessions() > 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
}
