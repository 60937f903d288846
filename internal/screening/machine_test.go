package screening

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"CallScreenGuard/internal/eventbus"
	"CallScreenGuard/internal/protocol"
	"CallScreenGuard/internal/secrets"
)

// directiveRecorder 记录状态机下发的全部有效指令
type directiveRecorder struct {
	mu         sync.Mutex
	directives []protocol.Directive
}

func (r *directiveRecorder) sink(d protocol.Directive) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.directives = append(r.directives, d)
}

func (r *directiveRecorder) all() []protocol.Directive {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]protocol.Directive, len(r.directives))
	copy(out, r.directives)
	return out
}

// snapshotArchiver 捕获销毁时归档的终态快照
type snapshotArchiver struct {
	mu    sync.Mutex
	snaps []SessionSnapshot
}

func (a *snapshotArchiver) Archive(_ context.Context, snap SessionSnapshot) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.snaps = append(a.snaps, snap)
	return nil
}

func (a *snapshotArchiver) last() (SessionSnapshot, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.snaps) == 0 {
		return SessionSnapshot{}, false
	}
	return a.snaps[len(a.snaps)-1], true
}

// testRig 一套拉满观测手段的管理器：事件订阅、指令记录、归档捕获
type testRig struct {
	manager  *SessionManager
	bus      *eventbus.Bus
	sub      *eventbus.Subscription
	recorder *directiveRecorder
	archiver *snapshotArchiver
}

func newTestRig(t *testing.T, cfg *Config) *testRig {
	t.Helper()

	resolver := secrets.NewStaticResolver()
	require.NoError(t, resolver.Register("mom", "Where did we scatter Fluffy's ashes?", "Muizenberg beach"))
	require.NoError(t, resolver.Register("dad", "What was the name of my first goldfish?", "Maximillian"))
	require.NoError(t, resolver.Register("david", "What color did we paint the garage door?", "Purple"))

	bus := eventbus.New()
	recorder := &directiveRecorder{}
	archiver := &snapshotArchiver{}

	manager := NewManager(cfg, bus, resolver,
		WithDirectiveSink(recorder.sink),
		WithArchiver(archiver))

	rig := &testRig{
		manager:  manager,
		bus:      bus,
		sub:      bus.SubscribeAll(),
		recorder: recorder,
		archiver: archiver,
	}

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = manager.Shutdown(ctx)
		rig.sub.Close()
	})

	return rig
}

// waitForState 消费事件流直到出现目标状态的转移，返回途经的全部事件
func (rig *testRig) waitForState(t *testing.T, toState string, timeout time.Duration) []protocol.SessionEvent {
	t.Helper()

	var events []protocol.SessionEvent
	deadline := time.After(timeout)

	for {
		select {
		case ev := <-rig.sub.Events():
			events = append(events, ev)
			if ev.ToState == toState {
				return events
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %s, saw %d events", toState, len(events))
			return nil
		}
	}
}

// waitForDisposed 等待会话被自动销毁并归档
func (rig *testRig) waitForDisposed(t *testing.T) SessionSnapshot {
	t.Helper()

	require.Eventually(t, func() bool {
		_, ok := rig.archiver.last()
		return ok && rig.manager.ActiveSessions() == 0
	}, 3*time.Second, 10*time.Millisecond, "session was not disposed")

	snap, _ := rig.archiver.last()
	return snap
}

func route(t *testing.T, rig *testRig, callID string, sig protocol.Signal) {
	t.Helper()
	require.NoError(t, rig.manager.Route(callID, sig))
}

// TestHappyPathVerified 测试完整验证通过流程：
// 来电->分析->威胁裁决->质询->答对->VERIFIED+转接
func TestHappyPathVerified(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ForwardNumber = "+27-82-555-0199"
	rig := newTestRig(t, cfg)

	const callID = "CA-happy-001"
	_, err := rig.manager.Admit(callID)
	require.NoError(t, err)

	rig.waitForState(t, "RINGING", 2*time.Second)

	route(t, rig, callID, protocol.Signal{Kind: protocol.SignalAIConnected})
	rig.waitForState(t, "ANALYZING", 2*time.Second)

	route(t, rig, callID, protocol.Signal{Kind: protocol.SignalTranscriptFragment, Seq: 1,
		Text: "Dad it's me David, I crashed the car, I need money right now"})
	route(t, rig, callID, protocol.Signal{Kind: protocol.SignalThreatVerdict,
		Confidence: 92, Reason: "urgency plus payment request", ClaimedIdentity: "David"})
	rig.waitForState(t, "THREAT_DETECTED", 2*time.Second)

	route(t, rig, callID, protocol.Signal{Kind: protocol.SignalBeginChallenge})
	rig.waitForState(t, "CHALLENGING", 2*time.Second)

	route(t, rig, callID, protocol.Signal{Kind: protocol.SignalAnswerSubmitted, Text: "purple"})
	rig.waitForState(t, "VERIFIED", 2*time.Second)

	snap := rig.waitForDisposed(t)
	assert.Equal(t, "VERIFIED", snap.State)
	assert.True(t, snap.Terminal)
	assert.Equal(t, "David", snap.ClaimedIdentity)
	assert.Equal(t, 1, snap.AttemptCount)
	require.NotNil(t, snap.Verdict)
	assert.Equal(t, 92, snap.Verdict.Confidence)

	// 指令序列：质询问题SPEAK -> 验证通过FORWARD
	directives := rig.recorder.all()
	require.Len(t, directives, 2)
	assert.Equal(t, protocol.DirectiveSpeak, directives[0].Kind)
	assert.Contains(t, directives[0].Text, "garage door")
	assert.Equal(t, protocol.DirectiveForward, directives[1].Kind)
	assert.Equal(t, "+27-82-555-0199", directives[1].DestinationNumber)
}

// TestChallengeExhausted 测试答错三次后安全关闭：FAILED+TERMINATE
func TestChallengeExhausted(t *testing.T) {
	rig := newTestRig(t, nil)

	const callID = "CA-exhaust-001"
	_, err := rig.manager.Admit(callID)
	require.NoError(t, err)

	route(t, rig, callID, protocol.Signal{Kind: protocol.SignalAIConnected})
	route(t, rig, callID, protocol.Signal{Kind: protocol.SignalThreatVerdict,
		Confidence: 88, Reason: "cloned voice artifacts", ClaimedIdentity: "mom"})
	route(t, rig, callID, protocol.Signal{Kind: protocol.SignalBeginChallenge})
	rig.waitForState(t, "CHALLENGING", 2*time.Second)

	for _, wrong := range []string{"the garden", "I don't remember", "Clifton beach"} {
		route(t, rig, callID, protocol.Signal{Kind: protocol.SignalAnswerSubmitted, Text: wrong})
	}
	events := rig.waitForState(t, "FAILED", 2*time.Second)

	snap := rig.waitForDisposed(t)
	assert.Equal(t, "FAILED", snap.State)
	assert.Equal(t, 3, snap.AttemptCount)

	// 指令序列：首次质询SPEAK + 两次重试SPEAK + 耗尽TERMINATE
	directives := rig.recorder.all()
	require.Len(t, directives, 4)
	assert.Equal(t, protocol.DirectiveSpeak, directives[0].Kind)
	assert.Equal(t, protocol.DirectiveSpeak, directives[1].Kind)
	assert.Equal(t, protocol.DirectiveSpeak, directives[2].Kind)
	assert.Equal(t, protocol.DirectiveTerminate, directives[3].Kind)

	// 事件流里绝不能出现预期答案
	for _, ev := range events {
		assert.NotContains(t, ev.Payload.Question, "Muizenberg")
		assert.NotContains(t, ev.Payload.Note, "Muizenberg")
	}

	// 终态吸收：销毁后的迟到信令返回未知会话
	err = rig.manager.Route(callID, protocol.Signal{Kind: protocol.SignalAnswerSubmitted, Text: "Muizenberg beach"})
	assert.ErrorIs(t, err, ErrUnknownSession)
}

// TestLowConfidenceVerdictRecordedOnly 测试低置信度裁决只记录不转移
func TestLowConfidenceVerdictRecordedOnly(t *testing.T) {
	rig := newTestRig(t, nil)

	const callID = "CA-low-001"
	_, err := rig.manager.Admit(callID)
	require.NoError(t, err)

	route(t, rig, callID, protocol.Signal{Kind: protocol.SignalAIConnected})
	route(t, rig, callID, protocol.Signal{Kind: protocol.SignalThreatVerdict,
		Confidence: 40, Reason: "mild urgency", ClaimedIdentity: "mom"})

	events := rig.waitForState(t, "ANALYZING", 2*time.Second)
	last := events[len(events)-1]
	for last.Payload.Signal != protocol.SignalThreatVerdict {
		events = rig.waitForState(t, "ANALYZING", 2*time.Second)
		last = events[len(events)-1]
	}
	assert.Equal(t, "ANALYZING", last.FromState)
	assert.Equal(t, 40, last.Payload.Confidence)
	assert.NotEmpty(t, last.Payload.Note)

	snap, ok := rig.manager.Store().Get(callID)
	require.True(t, ok)
	assert.Equal(t, "ANALYZING", snap.State)
	assert.Nil(t, snap.Verdict)
	// 低置信度裁决携带的身份名依然首写生效
	assert.Equal(t, "mom", snap.ClaimedIdentity)
	assert.Empty(t, rig.recorder.all())
}

// TestHangUpResolvesWithoutDirective 测试挂断收尾：FAILED且不下发任何动作
func TestHangUpResolvesWithoutDirective(t *testing.T) {
	rig := newTestRig(t, nil)

	const callID = "CA-hangup-001"
	_, err := rig.manager.Admit(callID)
	require.NoError(t, err)

	route(t, rig, callID, protocol.Signal{Kind: protocol.SignalAIConnected})
	route(t, rig, callID, protocol.Signal{Kind: protocol.SignalHangUp})
	rig.waitForState(t, "FAILED", 2*time.Second)

	snap := rig.waitForDisposed(t)
	assert.Equal(t, "FAILED", snap.State)
	// 电话已经没了，TERMINATE没有意义
	assert.Empty(t, rig.recorder.all())
}

// TestWatchdogTimeout 测试无进展看门狗：协作方卡死时强制FAILED+TERMINATE
func TestWatchdogTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StateTimeout = 100 * time.Millisecond
	rig := newTestRig(t, cfg)

	const callID = "CA-timeout-001"
	_, err := rig.manager.Admit(callID)
	require.NoError(t, err)

	route(t, rig, callID, protocol.Signal{Kind: protocol.SignalAIConnected})

	// 之后不再有任何信令，等看门狗开火
	rig.waitForState(t, "FAILED", 2*time.Second)

	snap := rig.waitForDisposed(t)
	assert.Equal(t, "FAILED", snap.State)

	directives := rig.recorder.all()
	require.Len(t, directives, 1)
	assert.Equal(t, protocol.DirectiveTerminate, directives[0].Kind)
}

// TestFailClosedUnknownIdentity 测试密语缺失时的安全关闭：宁可错杀
func TestFailClosedUnknownIdentity(t *testing.T) {
	rig := newTestRig(t, nil)

	const callID = "CA-unknown-001"
	_, err := rig.manager.Admit(callID)
	require.NoError(t, err)

	route(t, rig, callID, protocol.Signal{Kind: protocol.SignalAIConnected})
	route(t, rig, callID, protocol.Signal{Kind: protocol.SignalThreatVerdict,
		Confidence: 95, Reason: "impersonation", ClaimedIdentity: "your uncle Frank"})
	route(t, rig, callID, protocol.Signal{Kind: protocol.SignalBeginChallenge})

	events := rig.waitForState(t, "FAILED", 2*time.Second)
	last := events[len(events)-1]
	assert.Equal(t, "THREAT_DETECTED", last.FromState)
	assert.Contains(t, last.Payload.Note, "fail closed")

	directives := rig.recorder.all()
	require.Len(t, directives, 1)
	assert.Equal(t, protocol.DirectiveTerminate, directives[0].Kind)
}

// TestTranscriptDeduplication 测试至少一次投递下的转写去重
func TestTranscriptDeduplication(t *testing.T) {
	rig := newTestRig(t, nil)

	const callID = "CA-dedup-001"
	_, err := rig.manager.Admit(callID)
	require.NoError(t, err)

	route(t, rig, callID, protocol.Signal{Kind: protocol.SignalAIConnected})
	route(t, rig, callID, protocol.Signal{Kind: protocol.SignalTranscriptFragment, Seq: 1, Text: "hello"})
	route(t, rig, callID, protocol.Signal{Kind: protocol.SignalTranscriptFragment, Seq: 2, Text: "it's me"})
	// 重复与乱序旧片段
	route(t, rig, callID, protocol.Signal{Kind: protocol.SignalTranscriptFragment, Seq: 2, Text: "it's me"})
	route(t, rig, callID, protocol.Signal{Kind: protocol.SignalTranscriptFragment, Seq: 1, Text: "hello"})
	route(t, rig, callID, protocol.Signal{Kind: protocol.SignalTranscriptFragment, Seq: 3, Text: "send money"})

	require.Eventually(t, func() bool {
		snap, ok := rig.manager.Store().Get(callID)
		return ok && len(snap.Transcript) == 3
	}, 2*time.Second, 10*time.Millisecond)

	snap, _ := rig.manager.Store().Get(callID)
	assert.Equal(t, uint64(1), snap.Transcript[0].Seq)
	assert.Equal(t, uint64(2), snap.Transcript[1].Seq)
	assert.Equal(t, uint64(3), snap.Transcript[2].Seq)
}

// TestIllegalSignalDiscarded 测试非法信令被丢弃：不变状态、不发事件
func TestIllegalSignalDiscarded(t *testing.T) {
	rig := newTestRig(t, nil)

	const callID = "CA-illegal-001"
	_, err := rig.manager.Admit(callID)
	require.NoError(t, err)

	route(t, rig, callID, protocol.Signal{Kind: protocol.SignalAIConnected})
	rig.waitForState(t, "ANALYZING", 2*time.Second)

	// 没有质询就提交答案：非法，静默丢弃
	route(t, rig, callID, protocol.Signal{Kind: protocol.SignalAnswerSubmitted, Text: "purple"})
	// 没有裁决就发起质询：同样非法
	route(t, rig, callID, protocol.Signal{Kind: protocol.SignalBeginChallenge})

	time.Sleep(100 * time.Millisecond)

	snap, ok := rig.manager.Store().Get(callID)
	require.True(t, ok)
	assert.Equal(t, "ANALYZING", snap.State)
	assert.Zero(t, snap.AttemptCount)
	assert.Empty(t, rig.recorder.all())
}

// TestAtMostOneActingVerdict 测试生效裁决至多一次：
// THREAT_DETECTED之后的再次裁决按非法丢弃
func TestAtMostOneActingVerdict(t *testing.T) {
	rig := newTestRig(t, nil)

	const callID = "CA-verdict-001"
	_, err := rig.manager.Admit(callID)
	require.NoError(t, err)

	route(t, rig, callID, protocol.Signal{Kind: protocol.SignalAIConnected})
	route(t, rig, callID, protocol.Signal{Kind: protocol.SignalThreatVerdict,
		Confidence: 80, Reason: "first verdict", ClaimedIdentity: "dad"})
	rig.waitForState(t, "THREAT_DETECTED", 2*time.Second)

	// 第二个裁决不会覆盖第一个，也不会改变身份
	route(t, rig, callID, protocol.Signal{Kind: protocol.SignalThreatVerdict,
		Confidence: 99, Reason: "second verdict", ClaimedIdentity: "mom"})

	time.Sleep(100 * time.Millisecond)

	snap, ok := rig.manager.Store().Get(callID)
	require.True(t, ok)
	assert.Equal(t, "THREAT_DETECTED", snap.State)
	require.NotNil(t, snap.Verdict)
	assert.Equal(t, 80, snap.Verdict.Confidence)
	assert.Equal(t, "dad", snap.ClaimedIdentity)
}

// TestEventSeqMonotonicPerSession 测试事件序列号会话内严格单调递增
func TestEventSeqMonotonicPerSession(t *testing.T) {
	rig := newTestRig(t, nil)

	const callID = "CA-seq-001"
	_, err := rig.manager.Admit(callID)
	require.NoError(t, err)

	route(t, rig, callID, protocol.Signal{Kind: protocol.SignalAIConnected})
	for i := 1; i <= 5; i++ {
		route(t, rig, callID, protocol.Signal{Kind: protocol.SignalTranscriptFragment,
			Seq: uint64(i), Text: "fragment"})
	}
	route(t, rig, callID, protocol.Signal{Kind: protocol.SignalHangUp})

	events := rig.waitForState(t, "FAILED", 2*time.Second)
	require.NotEmpty(t, events)

	var lastSeq uint64
	for _, ev := range events {
		assert.Greater(t, ev.Seq, lastSeq, "event seq must strictly increase")
		lastSeq = ev.Seq
	}
	// RINGING + ANALYZING + 5转写 + FAILED
	assert.Equal(t, uint64(8), lastSeq)
}

// TestRetryPromptRepeatsQuestion 测试答错后的重试提示包含原问题
func TestRetryPromptRepeatsQuestion(t *testing.T) {
	rig := newTestRig(t, nil)

	const callID = "CA-retry-001"
	_, err := rig.manager.Admit(callID)
	require.NoError(t, err)

	route(t, rig, callID, protocol.Signal{Kind: protocol.SignalAIConnected})
	route(t, rig, callID, protocol.Signal{Kind: protocol.SignalThreatVerdict,
		Confidence: 75, Reason: "verified threat", ClaimedIdentity: "dad"})
	route(t, rig, callID, protocol.Signal{Kind: protocol.SignalBeginChallenge})
	rig.waitForState(t, "CHALLENGING", 2*time.Second)

	route(t, rig, callID, protocol.Signal{Kind: protocol.SignalAnswerSubmitted, Text: "Goldie"})

	require.Eventually(t, func() bool {
		return len(rig.recorder.all()) == 2
	}, 2*time.Second, 10*time.Millisecond)

	directives := rig.recorder.all()
	assert.Equal(t, protocol.DirectiveSpeak, directives[1].Kind)
	assert.Contains(t, directives[1].Text, "try again")
	assert.Contains(t, directives[1].Text, "goldfish")

	// 会话仍在质询中，可以继续作答
	snap, ok := rig.manager.Store().Get(callID)
	require.True(t, ok)
	assert.Equal(t, "CHALLENGING", snap.State)
	assert.Equal(t, 1, snap.AttemptCount)
}

// TestAnswerNormalization 测试答案归一化：大小写与空白不影响判定
func TestAnswerNormalization(t *testing.T) {
	rig := newTestRig(t, nil)

	const callID = "CA-norm-001"
	_, err := rig.manager.Admit(callID)
	require.NoError(t, err)

	route(t, rig, callID, protocol.Signal{Kind: protocol.SignalAIConnected})
	route(t, rig, callID, protocol.Signal{Kind: protocol.SignalThreatVerdict,
		Confidence: 90, Reason: "threat", ClaimedIdentity: "MOM"})
	route(t, rig, callID, protocol.Signal{Kind: protocol.SignalBeginChallenge})
	rig.waitForState(t, "CHALLENGING", 2*time.Second)

	route(t, rig, callID, protocol.Signal{Kind: protocol.SignalAnswerSubmitted,
		Text: "  MUIZENBERG   Beach "})
	rig.waitForState(t, "VERIFIED", 2*time.Second)

	snap := rig.waitForDisposed(t)
	assert.Equal(t, "VERIFIED", snap.State)
}

// TestConcurrentSignalInterleavings 并发随机交错下的串行化保证
// 同一呼叫的固定信令集由多个协程乱序提交，多轮重复后最终状态必须一致：
// 至多一条生效裁决、质询次数封顶、事件序列号严格递增
func TestConcurrentSignalInterleavings(t *testing.T) {
	const runs = 3

	type outcome struct {
		state        string
		attemptCount int
		identity     string
	}
	var outcomes []outcome

	for run := 0; run < runs; run++ {
		rig := newTestRig(t, DefaultConfig())
		callID := fmt.Sprintf("CA-interleave-%03d", run)

		_, err := rig.manager.Admit(callID)
		require.NoError(t, err)
		route(t, rig, callID, protocol.Signal{Kind: protocol.SignalAIConnected})
		events := rig.waitForState(t, "ANALYZING", 2*time.Second)

		// 阶段一：多条达阈裁决并发到达，只有先被应用的那条生效
		verdicts := []int{75, 80, 85, 90}
		rand.Shuffle(len(verdicts), func(i, j int) {
			verdicts[i], verdicts[j] = verdicts[j], verdicts[i]
		})
		var wg sync.WaitGroup
		for _, confidence := range verdicts {
			wg.Add(1)
			go func(confidence int) {
				defer wg.Done()
				// 后到的裁决按非法丢弃，路由本身不报错
				_ = rig.manager.Route(callID, protocol.Signal{
					Kind:            protocol.SignalThreatVerdict,
					Confidence:      confidence,
					Reason:          "scripted urgency",
					ClaimedIdentity: "mom",
				})
			}(confidence)
		}
		wg.Wait()
		events = append(events, rig.waitForState(t, "THREAT_DETECTED", 3*time.Second)...)

		route(t, rig, callID, protocol.Signal{
			Kind:            protocol.SignalBeginChallenge,
			ClaimedIdentity: "mom",
		})
		events = append(events, rig.waitForState(t, "CHALLENGING", 2*time.Second)...)

		// 阶段二：错误答案并发涌入，无论交错顺序质询都在上限处失败
		wrongAnswers := []string{
			"Paris", "the attic", "no idea", "Clifton", "somewhere warm", "the garden",
		}
		rand.Shuffle(len(wrongAnswers), func(i, j int) {
			wrongAnswers[i], wrongAnswers[j] = wrongAnswers[j], wrongAnswers[i]
		})
		for _, answer := range wrongAnswers {
			wg.Add(1)
			go func(answer string) {
				defer wg.Done()
				_ = rig.manager.Route(callID, protocol.Signal{
					Kind: protocol.SignalAnswerSubmitted,
					Text: answer,
				})
			}(answer)
		}
		wg.Wait()
		events = append(events, rig.waitForState(t, "FAILED", 3*time.Second)...)

		snap := rig.waitForDisposed(t)

		// 每一轮自身的不变量
		require.NotNil(t, snap.Verdict)
		assert.Contains(t, []int{75, 80, 85, 90}, snap.Verdict.Confidence)
		assert.Equal(t, "mom", snap.ClaimedIdentity)

		threatTransitions := 0
		var lastSeq uint64
		for _, ev := range events {
			if ev.CallID != callID {
				continue
			}
			assert.Greater(t, ev.Seq, lastSeq, "event seq must be strictly increasing")
			lastSeq = ev.Seq
			if ev.ToState == "THREAT_DETECTED" {
				threatTransitions++
			}
		}
		assert.Equal(t, 1, threatTransitions, "exactly one verdict may act")

		outcomes = append(outcomes, outcome{
			state:        snap.State,
			attemptCount: snap.AttemptCount,
			identity:     snap.ClaimedIdentity,
		})
	}

	// 跨轮次：随机交错不得影响最终结果
	for i := 1; i < runs; i++ {
		assert.Equal(t, outcomes[0], outcomes[i],
			"interleaving order must not change the resulting state")
	}
	assert.Equal(t, outcome{state: "FAILED", attemptCount: 3, identity: "mom"}, outcomes[0])
}
