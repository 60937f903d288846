package testutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"CallScreenGuard/internal/protocol"
	"CallScreenGuard/internal/screening"
)

// ScreeningAssertions 甄别流程测试断言助手
type ScreeningAssertions struct {
	t *testing.T
}

// NewScreeningAssertions 创建断言助手
func NewScreeningAssertions(t *testing.T) *ScreeningAssertions {
	return &ScreeningAssertions{t: t}
}

// AssertSessionState 断言会话当前状态
func (sa *ScreeningAssertions) AssertSessionState(h *GuardHarness, callID, expectedState string) {
	snap, ok := h.Manager.Store().Get(callID)
	require.True(sa.t, ok, "No session snapshot for call %s", callID)
	assert.Equal(sa.t, expectedState, snap.State, "Unexpected session state")
	sa.t.Logf("✅ Session state assertion passed: %s is %s", callID, snap.State)
}

// WaitForSessionState 等待会话到达指定状态
func (sa *ScreeningAssertions) WaitForSessionState(h *GuardHarness, callID, expectedState string, timeout time.Duration) {
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		snap, ok := h.Manager.Store().Get(callID)
		if ok && snap.State == expectedState {
			sa.t.Logf("✅ Session %s reached state %s", callID, expectedState)
			return
		}
		time.Sleep(10 * time.Millisecond)
	}

	snap, ok := h.Manager.Store().Get(callID)
	if ok {
		require.Failf(sa.t, "state wait timeout",
			"Session %s did not reach %s within %v, current state %s", callID, expectedState, timeout, snap.State)
	} else {
		require.Failf(sa.t, "state wait timeout",
			"Session %s did not reach %s within %v, session gone", callID, expectedState, timeout)
	}
}

// WaitForSessionGone 等待会话被销毁（终态后自动清理）
func (sa *ScreeningAssertions) WaitForSessionGone(h *GuardHarness, callID string, timeout time.Duration) {
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		if _, ok := h.Manager.Store().Get(callID); !ok {
			sa.t.Logf("✅ Session %s disposed", callID)
			return
		}
		time.Sleep(10 * time.Millisecond)
	}

	require.Failf(sa.t, "dispose wait timeout", "Session %s not disposed within %v", callID, timeout)
}

// AssertDirectiveKind 断言指令类型
func (sa *ScreeningAssertions) AssertDirectiveKind(d protocol.Directive, expectedKind protocol.DirectiveKind) {
	assert.Equal(sa.t, expectedKind, d.Kind, "Unexpected directive kind")
	sa.t.Logf("✅ Directive assertion passed: %s", d.Kind)
}

// AssertEventSeqMonotonic 断言事件序列号在各会话内严格单调递增
func (sa *ScreeningAssertions) AssertEventSeqMonotonic(events []ReceivedEvent) {
	lastSeqs := make(map[string]uint64)

	for i, ev := range events {
		last := lastSeqs[ev.Event.SessionID]
		assert.Greater(sa.t, ev.Event.Seq, last,
			"Event %d violates per-session seq monotonicity: session=%s seq=%d last=%d",
			i, ev.Event.SessionID, ev.Event.Seq, last)
		lastSeqs[ev.Event.SessionID] = ev.Event.Seq
	}

	sa.t.Logf("✅ Event sequence assertion passed: %d events across %d sessions",
		len(events), len(lastSeqs))
}

// AssertTranscriptLength 断言快照中的转写片段数量
func (sa *ScreeningAssertions) AssertTranscriptLength(snap screening.SessionSnapshot, expected int) {
	assert.Len(sa.t, snap.Transcript, expected, "Unexpected transcript length")
	sa.t.Logf("✅ Transcript assertion passed: %d fragments", len(snap.Transcript))
}

// AssertNoAnswerLeak 断言事件与快照中不含密语答案
func (sa *ScreeningAssertions) AssertNoAnswerLeak(events []ReceivedEvent, answer string) {
	for i, ev := range events {
		assert.NotContains(sa.t, ev.Event.Payload.Question, answer,
			"Event %d question leaks answer", i)
		assert.NotContains(sa.t, ev.Event.Payload.Note, answer,
			"Event %d note leaks answer", i)
	}
	sa.t.Logf("✅ Answer leak assertion passed: %d events checked", len(events))
}

// AssertRTTReadings 断言RTT读数在合理范围内
func (sa *ScreeningAssertions) AssertRTTReadings(readings []time.Duration, maxRTT time.Duration) {
	if len(readings) == 0 {
		sa.t.Logf("⚠️  No RTT readings for latency validation")
		return
	}

	var total time.Duration
	for _, rtt := range readings {
		total += rtt
	}
	avg := total / time.Duration(len(readings))

	assert.LessOrEqual(sa.t, avg, maxRTT, "Average RTT too high: %v > %v", avg, maxRTT)
	sa.t.Logf("✅ RTT assertion passed: avg=%v over %d readings", avg, len(readings))
}
