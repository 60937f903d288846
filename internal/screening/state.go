package screening

// CallState 呼叫会话状态
// 状态沿转移图单调前进，VERIFIED和FAILED为终态
type CallState int32

const (
	StateIdle CallState = iota
	StateRinging
	StateAnalyzing
	StateThreatDetected
	StateChallenging
	StateVerified
	StateFailed
)

func (s CallState) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateRinging:
		return "RINGING"
	case StateAnalyzing:
		return "ANALYZING"
	case StateThreatDetected:
		return "THREAT_DETECTED"
	case StateChallenging:
		return "CHALLENGING"
	case StateVerified:
		return "VERIFIED"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// IsTerminal 判断是否为终态（终态后任何信令都不再改变会话状态）
func (s CallState) IsTerminal() bool {
	return s == StateVerified || s == StateFailed
}

// IsValid 检查状态值是否有效
func (s CallState) IsValid() bool {
	return s >= StateIdle && s <= StateFailed
}
