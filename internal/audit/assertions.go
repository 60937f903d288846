package audit

import (
	"fmt"
	"time"

	"CallScreenGuard/internal/protocol"
)

// AssertionResult 断言结果
type AssertionResult struct {
	Passed    bool          `json:"passed"`
	Message   string        `json:"message"`
	Expected  interface{}   `json:"expected,omitempty"`
	Actual    interface{}   `json:"actual,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
	Duration  time.Duration `json:"duration,omitempty"`
}

// Assertion 断言接口
type Assertion interface {
	Assert(record *CallRecord) *AssertionResult
	GetName() string
	GetDescription() string
}

// EventOrderAssertion 事件顺序断言
// 验证会话内事件序列号严格单调递增、无重复
type EventOrderAssertion struct {
	Name        string
	Description string
	AllowGaps   bool // 事件总线至少一次投递下允许序列号间隙
}

// NewEventOrderAssertion 创建事件顺序断言
func NewEventOrderAssertion(name, description string, allowGaps bool) *EventOrderAssertion {
	return &EventOrderAssertion{
		Name:        name,
		Description: description,
		AllowGaps:   allowGaps,
	}
}

// Assert 执行断言
func (a *EventOrderAssertion) Assert(record *CallRecord) *AssertionResult {
	start := time.Now()

	var lastSeq uint64
	for i, ev := range record.Events {
		if ev.Seq <= lastSeq {
			return &AssertionResult{
				Passed:    false,
				Message:   fmt.Sprintf("Event order violation at index %d: seq %d <= previous %d", i, ev.Seq, lastSeq),
				Expected:  "strictly increasing sequence numbers",
				Actual:    fmt.Sprintf("seq[%d]=%d after %d", i, ev.Seq, lastSeq),
				Timestamp: time.Now(),
				Duration:  time.Since(start),
			}
		}
		if !a.AllowGaps && lastSeq > 0 && ev.Seq != lastSeq+1 {
			return &AssertionResult{
				Passed:    false,
				Message:   fmt.Sprintf("Event gap at index %d: seq jumped from %d to %d", i, lastSeq, ev.Seq),
				Expected:  "contiguous sequence numbers",
				Actual:    fmt.Sprintf("%d -> %d", lastSeq, ev.Seq),
				Timestamp: time.Now(),
				Duration:  time.Since(start),
			}
		}
		lastSeq = ev.Seq
	}

	return &AssertionResult{
		Passed:    true,
		Message:   fmt.Sprintf("Event order assertion passed: %d events in order", len(record.Events)),
		Expected:  "strictly increasing sequence numbers",
		Actual:    len(record.Events),
		Timestamp: time.Now(),
		Duration:  time.Since(start),
	}
}

// GetName 获取断言名称
func (a *EventOrderAssertion) GetName() string {
	return a.Name
}

// GetDescription 获取断言描述
func (a *EventOrderAssertion) GetDescription() string {
	return a.Description
}

// SingleVerdictAssertion 单次裁决断言
// 一通电话最多只能有一次生效的威胁裁决转移
type SingleVerdictAssertion struct {
	Name        string
	Description string
}

// NewSingleVerdictAssertion 创建单次裁决断言
func NewSingleVerdictAssertion(name, description string) *SingleVerdictAssertion {
	return &SingleVerdictAssertion{Name: name, Description: description}
}

// Assert 执行断言
func (a *SingleVerdictAssertion) Assert(record *CallRecord) *AssertionResult {
	start := time.Now()

	actingVerdicts := 0
	for _, ev := range record.Events {
		if ev.Payload.Signal == protocol.SignalThreatVerdict && ev.IsTransition() {
			actingVerdicts++
		}
	}

	if actingVerdicts > 1 {
		return &AssertionResult{
			Passed:    false,
			Message:   fmt.Sprintf("Single verdict assertion failed: %d acting verdicts recorded", actingVerdicts),
			Expected:  "at most 1 acting verdict",
			Actual:    actingVerdicts,
			Timestamp: time.Now(),
			Duration:  time.Since(start),
		}
	}

	return &AssertionResult{
		Passed:    true,
		Message:   fmt.Sprintf("Single verdict assertion passed: %d acting verdict(s)", actingVerdicts),
		Expected:  "at most 1 acting verdict",
		Actual:    actingVerdicts,
		Timestamp: time.Now(),
		Duration:  time.Since(start),
	}
}

// GetName 获取断言名称
func (a *SingleVerdictAssertion) GetName() string {
	return a.Name
}

// GetDescription 获取断言描述
func (a *SingleVerdictAssertion) GetDescription() string {
	return a.Description
}

// TerminalResolutionAssertion 终态断言
// 验证会话恰好终结一次，且终态是可接受的
type TerminalResolutionAssertion struct {
	Name          string
	Description   string
	AllowedStates []string
}

// NewTerminalResolutionAssertion 创建终态断言
func NewTerminalResolutionAssertion(name, description string, allowedStates ...string) *TerminalResolutionAssertion {
	return &TerminalResolutionAssertion{
		Name:          name,
		Description:   description,
		AllowedStates: allowedStates,
	}
}

// Assert 执行断言
func (a *TerminalResolutionAssertion) Assert(record *CallRecord) *AssertionResult {
	start := time.Now()

	terminalEvents := 0
	for _, ev := range record.Events {
		if isTerminalState(ev.ToState) && ev.IsTransition() {
			terminalEvents++
		}
	}

	if terminalEvents != 1 {
		return &AssertionResult{
			Passed:    false,
			Message:   fmt.Sprintf("Terminal resolution assertion failed: %d terminal transitions", terminalEvents),
			Expected:  "exactly 1 terminal transition",
			Actual:    terminalEvents,
			Timestamp: time.Now(),
			Duration:  time.Since(start),
		}
	}

	if len(a.AllowedStates) > 0 {
		allowed := false
		for _, st := range a.AllowedStates {
			if record.FinalState == st {
				allowed = true
				break
			}
		}
		if !allowed {
			return &AssertionResult{
				Passed:    false,
				Message:   fmt.Sprintf("Terminal resolution assertion failed: final state %s not in allowed set", record.FinalState),
				Expected:  a.AllowedStates,
				Actual:    record.FinalState,
				Timestamp: time.Now(),
				Duration:  time.Since(start),
			}
		}
	}

	return &AssertionResult{
		Passed:    true,
		Message:   fmt.Sprintf("Terminal resolution assertion passed: final state %s", record.FinalState),
		Expected:  "exactly 1 terminal transition",
		Actual:    record.FinalState,
		Timestamp: time.Now(),
		Duration:  time.Since(start),
	}
}

// GetName 获取断言名称
func (a *TerminalResolutionAssertion) GetName() string {
	return a.Name
}

// GetDescription 获取断言描述
func (a *TerminalResolutionAssertion) GetDescription() string {
	return a.Description
}

// ChallengeAttemptAssertion 质询次数断言
// 验证答题次数不超过上限
type ChallengeAttemptAssertion struct {
	Name        string
	Description string
	MaxAttempts int
}

// NewChallengeAttemptAssertion 创建质询次数断言
func NewChallengeAttemptAssertion(name, description string, maxAttempts int) *ChallengeAttemptAssertion {
	return &ChallengeAttemptAssertion{
		Name:        name,
		Description: description,
		MaxAttempts: maxAttempts,
	}
}

// Assert 执行断言
func (a *ChallengeAttemptAssertion) Assert(record *CallRecord) *AssertionResult {
	start := time.Now()

	attempts := 0
	maxRecorded := 0
	for _, ev := range record.Events {
		if ev.Payload.Signal == protocol.SignalAnswerSubmitted {
			attempts++
		}
		if ev.Payload.AttemptCount > maxRecorded {
			maxRecorded = ev.Payload.AttemptCount
		}
	}

	if attempts > a.MaxAttempts || maxRecorded > a.MaxAttempts {
		return &AssertionResult{
			Passed:    false,
			Message:   fmt.Sprintf("Challenge attempt assertion failed: %d submissions (max recorded %d) exceed limit %d", attempts, maxRecorded, a.MaxAttempts),
			Expected:  fmt.Sprintf("<= %d attempts", a.MaxAttempts),
			Actual:    attempts,
			Timestamp: time.Now(),
			Duration:  time.Since(start),
		}
	}

	return &AssertionResult{
		Passed:    true,
		Message:   fmt.Sprintf("Challenge attempt assertion passed: %d attempts within limit %d", attempts, a.MaxAttempts),
		Expected:  fmt.Sprintf("<= %d attempts", a.MaxAttempts),
		Actual:    attempts,
		Timestamp: time.Now(),
		Duration:  time.Since(start),
	}
}

// GetName 获取断言名称
func (a *ChallengeAttemptAssertion) GetName() string {
	return a.Name
}

// GetDescription 获取断言描述
func (a *ChallengeAttemptAssertion) GetDescription() string {
	return a.Description
}

// TimeToResolutionAssertion 处置时延断言
// 验证呼叫从接入到终结的耗时在预算内
type TimeToResolutionAssertion struct {
	Name        string
	Description string
	MaxDuration time.Duration
}

// NewTimeToResolutionAssertion 创建处置时延断言
func NewTimeToResolutionAssertion(name, description string, maxDuration time.Duration) *TimeToResolutionAssertion {
	return &TimeToResolutionAssertion{
		Name:        name,
		Description: description,
		MaxDuration: maxDuration,
	}
}

// Assert 执行断言
func (a *TimeToResolutionAssertion) Assert(record *CallRecord) *AssertionResult {
	start := time.Now()

	if record.EndTime.IsZero() {
		return &AssertionResult{
			Passed:    false,
			Message:   "Time to resolution assertion failed: call not resolved",
			Expected:  fmt.Sprintf("<= %v", a.MaxDuration),
			Actual:    "unresolved",
			Timestamp: time.Now(),
			Duration:  time.Since(start),
		}
	}

	elapsed := record.EndTime.Sub(record.StartTime)
	if elapsed > a.MaxDuration {
		return &AssertionResult{
			Passed:    false,
			Message:   fmt.Sprintf("Time to resolution assertion failed: %v exceeds budget %v", elapsed, a.MaxDuration),
			Expected:  fmt.Sprintf("<= %v", a.MaxDuration),
			Actual:    elapsed,
			Timestamp: time.Now(),
			Duration:  time.Since(start),
		}
	}

	return &AssertionResult{
		Passed:    true,
		Message:   fmt.Sprintf("Time to resolution assertion passed: %v within budget %v", elapsed, a.MaxDuration),
		Expected:  fmt.Sprintf("<= %v", a.MaxDuration),
		Actual:    elapsed,
		Timestamp: time.Now(),
		Duration:  time.Since(start),
	}
}

// GetName 获取断言名称
func (a *TimeToResolutionAssertion) GetName() string {
	return a.Name
}

// GetDescription 获取断言描述
func (a *TimeToResolutionAssertion) GetDescription() string {
	return a.Description
}

// AssertionSuite 断言套件
type AssertionSuite struct {
	Name        string
	Description string
	Assertions  []Assertion
	Results     []*AssertionResult
}

// NewAssertionSuite 创建断言套件
func NewAssertionSuite(name, description string) *AssertionSuite {
	return &AssertionSuite{
		Name:        name,
		Description: description,
		Assertions:  make([]Assertion, 0),
		Results:     make([]*AssertionResult, 0),
	}
}

// DefaultSuite 标准的呼叫录制校验套件
func DefaultSuite(maxAttempts int) *AssertionSuite {
	suite := NewAssertionSuite("call-record", "standard call record validation")
	suite.AddAssertion(NewEventOrderAssertion("event-order", "events ordered by sequence number", true))
	suite.AddAssertion(NewSingleVerdictAssertion("single-verdict", "at most one acting threat verdict"))
	suite.AddAssertion(NewTerminalResolutionAssertion("terminal-resolution", "call resolved exactly once", "VERIFIED", "FAILED"))
	suite.AddAssertion(NewChallengeAttemptAssertion("challenge-attempts", "answer submissions within limit", maxAttempts))
	return suite
}

// AddAssertion 添加断言
func (s *AssertionSuite) AddAssertion(assertion Assertion) {
	s.Assertions = append(s.Assertions, assertion)
}

// RunAssertions 运行所有断言
func (s *AssertionSuite) RunAssertions(record *CallRecord) []*AssertionResult {
	s.Results = make([]*AssertionResult, 0, len(s.Assertions))

	for _, assertion := range s.Assertions {
		result := assertion.Assert(record)
		s.Results = append(s.Results, result)
	}

	return s.Results
}

// GetPassedCount 获取通过的断言数量
func (s *AssertionSuite) GetPassedCount() int {
	count := 0
	for _, result := range s.Results {
		if result.Passed {
			count++
		}
	}
	return count
}

// GetFailedCount 获取失败的断言数量
func (s *AssertionSuite) GetFailedCount() int {
	count := 0
	for _, result := range s.Results {
		if !result.Passed {
			count++
		}
	}
	return count
}

// GetSuccessRate 获取成功率
func (s *AssertionSuite) GetSuccessRate() float64 {
	if len(s.Results) == 0 {
		return 0.0
	}
	return float64(s.GetPassedCount()) / float64(len(s.Results))
}

// GetSummary 获取断言套件摘要
func (s *AssertionSuite) GetSummary() string {
	passed := s.GetPassedCount()
	total := len(s.Results)
	successRate := s.GetSuccessRate() * 100

	return fmt.Sprintf("Assertion Suite '%s': %d/%d passed (%.1f%% success rate)",
		s.Name, passed, total, successRate)
}
