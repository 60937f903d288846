package protocol

import "time"

// EventPayload 事件的公开载荷
// 只携带可对外展示的数据：问题文本、转写、裁决信息
// 预期答案哈希绝不进入事件流
type EventPayload struct {
	Signal          SignalKind    `json:"signal,omitempty"` // 触发本次转移的信令
	Transcript      string        `json:"transcript,omitempty"`
	Confidence      int           `json:"confidence,omitempty"`
	Reason          string        `json:"reason,omitempty"`
	ClaimedIdentity string        `json:"claimed_identity,omitempty"`
	Question        string        `json:"question,omitempty"`
	AttemptCount    int           `json:"attempt_count,omitempty"`
	Directive       DirectiveKind `json:"directive,omitempty"`
	Note            string        `json:"note,omitempty"` // 附加说明（如丢弃原因）
}

// SessionEvent 会话状态转移事件
// Seq在会话内单调递增，订阅方用它检测缺口和重复
type SessionEvent struct {
	SessionID string       `json:"session_id"`
	CallID    string       `json:"call_id"`
	Seq       uint64       `json:"seq"`
	FromState string       `json:"from_state"`
	ToState   string       `json:"to_state"`
	Timestamp time.Time    `json:"timestamp"`
	Payload   EventPayload `json:"payload"`
}

// IsTransition 判断事件是否携带实际的状态变化
// 状态不变的事件（如ANALYZING期间的转写追加）From==To
func (e *SessionEvent) IsTransition() bool {
	return e.FromState != e.ToState
}
