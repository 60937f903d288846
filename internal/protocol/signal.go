package protocol

import (
	"errors"
	"fmt"
)

// SignalKind 信令类型 - 状态机消费的全部入站信令
type SignalKind string

const (
	SignalCallRinging        SignalKind = "CALL_RINGING"
	SignalAIConnected        SignalKind = "AI_CONNECTED"
	SignalTranscriptFragment SignalKind = "TRANSCRIPT_FRAGMENT"
	SignalThreatVerdict      SignalKind = "THREAT_VERDICT"
	SignalBeginChallenge     SignalKind = "BEGIN_CHALLENGE"
	SignalAnswerSubmitted    SignalKind = "ANSWER_SUBMITTED"
	SignalHangUp             SignalKind = "HANG_UP"
	SignalTimeout            SignalKind = "TIMEOUT"
)

var ErrUnknownSignalKind = errors.New("unknown signal kind")

// Signal 入站信令，携带呼叫标识和会话内单调递增的序列号
// 固定字段集合：每种信令只使用其中一部分字段，没有开放式扩展
type Signal struct {
	CallID string     `json:"call_id"`
	Seq    uint64     `json:"seq"`
	Kind   SignalKind `json:"kind"`

	// TRANSCRIPT_FRAGMENT / ANSWER_SUBMITTED 使用
	Text string `json:"text,omitempty"`

	// THREAT_VERDICT 使用
	Confidence int    `json:"confidence,omitempty"`
	Reason     string `json:"reason,omitempty"`

	// THREAT_VERDICT / BEGIN_CHALLENGE 使用
	ClaimedIdentity string `json:"claimed_identity,omitempty"`
}

// IsValid 检查信令类型是否有效
func (k SignalKind) IsValid() bool {
	switch k {
	case SignalCallRinging, SignalAIConnected, SignalTranscriptFragment,
		SignalThreatVerdict, SignalBeginChallenge, SignalAnswerSubmitted,
		SignalHangUp, SignalTimeout:
		return true
	default:
		return false
	}
}

// Validate 校验信令的结构完整性（类型相关的必填字段）
func (s *Signal) Validate() error {
	if s.CallID == "" {
		return errors.New("signal missing call_id")
	}
	if !s.Kind.IsValid() {
		return fmt.Errorf("%w: %q", ErrUnknownSignalKind, s.Kind)
	}

	switch s.Kind {
	case SignalTranscriptFragment, SignalAnswerSubmitted:
		if s.Text == "" {
			return fmt.Errorf("signal %s missing text", s.Kind)
		}
	case SignalThreatVerdict:
		if s.Confidence < 0 || s.Confidence > 100 {
			return fmt.Errorf("signal %s confidence out of range: %d", s.Kind, s.Confidence)
		}
	}

	return nil
}
