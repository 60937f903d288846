package testutil

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"CallScreenGuard/internal/aiclient"
	"CallScreenGuard/internal/protocol"
)

// TestCollaborator 测试协作方包装器
// 以指定角色接入网关，收集推送回来的指令、事件与错误
type TestCollaborator struct {
	*aiclient.Client
	t *testing.T

	// 消息收集
	mu           sync.RWMutex
	directives   []ReceivedDirective
	events       []ReceivedEvent
	errorsSeen   []ReceivedError
	rttReadings  []time.Duration
	stateChanges []StateChange
}

// ReceivedDirective 收到的会话指令
type ReceivedDirective struct {
	Directive protocol.Directive
	Timestamp time.Time
}

// ReceivedEvent 收到的会话事件
type ReceivedEvent struct {
	Event     protocol.SessionEvent
	Timestamp time.Time
}

// ReceivedError 收到的错误响应
type ReceivedError struct {
	Code      string
	Message   string
	Timestamp time.Time
}

// StateChange 状态变化
type StateChange struct {
	OldState  aiclient.ClientState
	NewState  aiclient.ClientState
	Timestamp time.Time
}

// NewTestCollaborator 创建测试协作方
func NewTestCollaborator(t *testing.T, serverURL string, role protocol.CollaboratorRole) *TestCollaborator {
	clientConfig := aiclient.DefaultClientConfig(serverURL, role)
	clientConfig.CollaboratorID = fmt.Sprintf("test-%s", role)
	clientConfig.HeartbeatInterval = time.Second

	client := aiclient.New(clientConfig)

	tc := &TestCollaborator{
		Client: client,
		t:      t,
	}

	tc.setupHandlers()
	return tc
}

// setupHandlers 设置各种处理器
func (tc *TestCollaborator) setupHandlers() {
	tc.Client.SetDirectiveHandler(func(d protocol.Directive) {
		tc.mu.Lock()
		tc.directives = append(tc.directives, ReceivedDirective{Directive: d, Timestamp: time.Now()})
		tc.mu.Unlock()
		tc.t.Logf("📥 Received directive: call=%s kind=%s", d.CallID, d.Kind)
	})

	tc.Client.SetEventHandler(func(ev protocol.SessionEvent) {
		tc.mu.Lock()
		tc.events = append(tc.events, ReceivedEvent{Event: ev, Timestamp: time.Now()})
		tc.mu.Unlock()
		tc.t.Logf("📥 Received event: session=%s seq=%d %s -> %s",
			ev.SessionID, ev.Seq, ev.FromState, ev.ToState)
	})

	tc.Client.SetErrorHandler(func(code, message string) {
		tc.mu.Lock()
		tc.errorsSeen = append(tc.errorsSeen, ReceivedError{Code: code, Message: message, Timestamp: time.Now()})
		tc.mu.Unlock()
		tc.t.Logf("⚠️ Server error: %s - %s", code, message)
	})

	tc.Client.SetRTTHandler(func(rtt time.Duration) {
		tc.mu.Lock()
		tc.rttReadings = append(tc.rttReadings, rtt)
		tc.mu.Unlock()
	})

	tc.Client.SetStateChangeHandler(func(oldState, newState aiclient.ClientState) {
		tc.mu.Lock()
		tc.stateChanges = append(tc.stateChanges, StateChange{
			OldState:  oldState,
			NewState:  newState,
			Timestamp: time.Now(),
		})
		tc.mu.Unlock()
		tc.t.Logf("🔄 State change: %s -> %s", oldState.String(), newState.String())
	})
}

// ConnectAndWait 连接并等待就绪
func (tc *TestCollaborator) ConnectAndWait() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := tc.Client.Connect(ctx); err != nil {
		tc.t.Logf("❌ Collaborator connection failed: %v", err)
		return err
	}

	tc.t.Logf("✅ Collaborator connected")
	return nil
}

// RingCall 上报来电振铃
func (tc *TestCollaborator) RingCall(callID string) error {
	return tc.SendSignal(protocol.Signal{
		CallID: callID,
		Kind:   protocol.SignalCallRinging,
	})
}

// SendTranscript 上报转写片段
func (tc *TestCollaborator) SendTranscript(callID string, seq uint64, text string) error {
	return tc.SendSignal(protocol.Signal{
		CallID: callID,
		Kind:   protocol.SignalTranscriptFragment,
		Seq:    seq,
		Text:   text,
	})
}

// SendVerdict 上报威胁裁决
func (tc *TestCollaborator) SendVerdict(callID string, confidence int, reason, claimedIdentity string) error {
	return tc.SendSignal(protocol.Signal{
		CallID:          callID,
		Kind:            protocol.SignalThreatVerdict,
		Confidence:      confidence,
		Reason:          reason,
		ClaimedIdentity: claimedIdentity,
	})
}

// BeginChallenge 发起身份质询
func (tc *TestCollaborator) BeginChallenge(callID, claimedIdentity string) error {
	return tc.SendSignal(protocol.Signal{
		CallID:          callID,
		Kind:            protocol.SignalBeginChallenge,
		ClaimedIdentity: claimedIdentity,
	})
}

// SubmitAnswer 提交质询答案
func (tc *TestCollaborator) SubmitAnswer(callID, answer string) error {
	return tc.SendSignal(protocol.Signal{
		CallID: callID,
		Kind:   protocol.SignalAnswerSubmitted,
		Text:   answer,
	})
}

// HangUp 上报来电挂断
func (tc *TestCollaborator) HangUp(callID string) error {
	return tc.SendSignal(protocol.Signal{
		CallID: callID,
		Kind:   protocol.SignalHangUp,
	})
}

// WaitForDirective 等待下一条指定类型的指令
func (tc *TestCollaborator) WaitForDirective(kind protocol.DirectiveKind, timeout time.Duration) (protocol.Directive, error) {
	deadline := time.Now().Add(timeout)
	seen := 0

	for time.Now().Before(deadline) {
		tc.mu.RLock()
		for ; seen < len(tc.directives); seen++ {
			if tc.directives[seen].Directive.Kind == kind {
				d := tc.directives[seen].Directive
				tc.mu.RUnlock()
				return d, nil
			}
		}
		tc.mu.RUnlock()
		time.Sleep(10 * time.Millisecond)
	}

	return protocol.Directive{}, fmt.Errorf("timeout waiting for %s directive", kind)
}

// WaitForDirectives 等待接收指定数量的指令
func (tc *TestCollaborator) WaitForDirectives(expectedCount int, timeout time.Duration) ([]ReceivedDirective, error) {
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		tc.mu.RLock()
		currentCount := len(tc.directives)
		tc.mu.RUnlock()

		if currentCount >= expectedCount {
			return tc.GetDirectives(), nil
		}

		time.Sleep(10 * time.Millisecond)
	}

	return nil, fmt.Errorf("timeout waiting for directives: expected %d, got %d",
		expectedCount, len(tc.GetDirectives()))
}

// WaitForEvents 等待接收指定数量的会话事件
func (tc *TestCollaborator) WaitForEvents(expectedCount int, timeout time.Duration) ([]ReceivedEvent, error) {
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		tc.mu.RLock()
		currentCount := len(tc.events)
		tc.mu.RUnlock()

		if currentCount >= expectedCount {
			return tc.GetEvents(), nil
		}

		time.Sleep(10 * time.Millisecond)
	}

	return nil, fmt.Errorf("timeout waiting for events: expected %d, got %d",
		expectedCount, len(tc.GetEvents()))
}

// WaitForError 等待指定错误码
func (tc *TestCollaborator) WaitForError(code string, timeout time.Duration) (ReceivedError, error) {
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		tc.mu.RLock()
		for _, e := range tc.errorsSeen {
			if e.Code == code {
				tc.mu.RUnlock()
				return e, nil
			}
		}
		tc.mu.RUnlock()
		time.Sleep(10 * time.Millisecond)
	}

	return ReceivedError{}, fmt.Errorf("timeout waiting for error code %s", code)
}

// GetDirectives 获取收到的全部指令
func (tc *TestCollaborator) GetDirectives() []ReceivedDirective {
	tc.mu.RLock()
	defer tc.mu.RUnlock()

	directives := make([]ReceivedDirective, len(tc.directives))
	copy(directives, tc.directives)
	return directives
}

// GetEvents 获取收到的全部事件
func (tc *TestCollaborator) GetEvents() []ReceivedEvent {
	tc.mu.RLock()
	defer tc.mu.RUnlock()

	events := make([]ReceivedEvent, len(tc.events))
	copy(events, tc.events)
	return events
}

// GetErrors 获取收到的全部错误响应
func (tc *TestCollaborator) GetErrors() []ReceivedError {
	tc.mu.RLock()
	defer tc.mu.RUnlock()

	errs := make([]ReceivedError, len(tc.errorsSeen))
	copy(errs, tc.errorsSeen)
	return errs
}

// GetRTTReadings 获取RTT读数
func (tc *TestCollaborator) GetRTTReadings() []time.Duration {
	tc.mu.RLock()
	defer tc.mu.RUnlock()

	readings := make([]time.Duration, len(tc.rttReadings))
	copy(readings, tc.rttReadings)
	return readings
}

// GetStateChanges 获取状态变化
func (tc *TestCollaborator) GetStateChanges() []StateChange {
	tc.mu.RLock()
	defer tc.mu.RUnlock()

	changes := make([]StateChange, len(tc.stateChanges))
	copy(changes, tc.stateChanges)
	return changes
}

// ClearStats 清除收集到的数据
func (tc *TestCollaborator) ClearStats() {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	tc.directives = tc.directives[:0]
	tc.events = tc.events[:0]
	tc.errorsSeen = tc.errorsSeen[:0]
	tc.rttReadings = tc.rttReadings[:0]
	tc.stateChanges = tc.stateChanges[:0]
}

// Cleanup 清理资源
func (tc *TestCollaborator) Cleanup() {
	if tc.Client != nil {
		tc.Client.Close()
		tc.t.Logf("🧹 Collaborator cleanup completed")
	}
}
