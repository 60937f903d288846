package screening

import (
	"time"

	"CallScreenGuard/internal/secrets"
)

// TranscriptFragment 一段对话转写
// Seq为协作方分配的会话内单调序列号，用于至少一次投递下的去重
type TranscriptFragment struct {
	Seq        uint64    `json:"seq"`
	Text       string    `json:"text"`
	ReceivedAt time.Time `json:"received_at"`
}

// ThreatVerdict 对话AI给出的威胁裁决
type ThreatVerdict struct {
	Confidence      int       `json:"confidence"` // 0-100
	Reason          string    `json:"reason"`
	ClaimedIdentity string    `json:"claimed_identity,omitempty"`
	ReceivedAt      time.Time `json:"received_at"`
}

// CallSession 一通电话的聚合根
// 只由该会话的状态机单线程修改，外部通过Snapshot读取
type CallSession struct {
	SessionID       string
	CallID          string
	State           CallState
	ClaimedIdentity string // 首写生效，之后不可改（防止骗子在质询中途换身份）
	Transcript      []TranscriptFragment
	Verdict         *ThreatVerdict // 生效裁决，至多设置一次
	LowVerdicts     []ThreatVerdict
	Challenge       *secrets.Challenge
	AttemptCount    int
	CreatedAt       time.Time
	ResolvedAt      time.Time

	lastTranscriptSeq uint64
}

// appendTranscript 追加转写片段，按序列号去重
// 返回false表示片段是重复或乱序旧数据，被丢弃
func (s *CallSession) appendTranscript(frag TranscriptFragment) bool {
	if len(s.Transcript) > 0 && frag.Seq <= s.lastTranscriptSeq {
		return false
	}
	s.Transcript = append(s.Transcript, frag)
	s.lastTranscriptSeq = frag.Seq
	return true
}

// setClaimedIdentity 首写生效地记录主叫声称的身份
func (s *CallSession) setClaimedIdentity(identity string) {
	if s.ClaimedIdentity == "" && identity != "" {
		s.ClaimedIdentity = identity
	}
}

// TranscriptText 拼接完整转写文本
func (s *CallSession) TranscriptText() string {
	var text string
	for i, frag := range s.Transcript {
		if i > 0 {
			text += " "
		}
		text += frag.Text
	}
	return text
}

// SessionSnapshot 会话的只读快照，供存储层和观察方使用
// 不包含预期答案哈希
type SessionSnapshot struct {
	SessionID       string               `json:"session_id"`
	CallID          string               `json:"call_id"`
	State           string               `json:"state"`
	Terminal        bool                 `json:"terminal"`
	ClaimedIdentity string               `json:"claimed_identity,omitempty"`
	Transcript      []TranscriptFragment `json:"transcript"`
	Verdict         *ThreatVerdict       `json:"verdict,omitempty"`
	Question        string               `json:"question,omitempty"`
	AttemptCount    int                  `json:"attempt_count"`
	CreatedAt       time.Time            `json:"created_at"`
	ResolvedAt      time.Time            `json:"resolved_at,omitempty"`
}

// snapshot 生成深拷贝快照
func (s *CallSession) snapshot() SessionSnapshot {
	snap := SessionSnapshot{
		SessionID:       s.SessionID,
		CallID:          s.CallID,
		State:           s.State.String(),
		Terminal:        s.State.IsTerminal(),
		ClaimedIdentity: s.ClaimedIdentity,
		AttemptCount:    s.AttemptCount,
		CreatedAt:       s.CreatedAt,
		ResolvedAt:      s.ResolvedAt,
	}

	snap.Transcript = make([]TranscriptFragment, len(s.Transcript))
	copy(snap.Transcript, s.Transcript)

	if s.Verdict != nil {
		v := *s.Verdict
		snap.Verdict = &v
	}
	if s.Challenge != nil {
		snap.Question = s.Challenge.Question
	}

	return snap
}
