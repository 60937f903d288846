package audit

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"CallScreenGuard/internal/protocol"
)

// TimelinePhase 呼叫流程中的一个阶段
type TimelinePhase struct {
	State      string        `json:"state"`
	EnteredAt  time.Time     `json:"entered_at"`
	Duration   time.Duration `json:"duration"`
	EventCount int           `json:"event_count"`
}

// TimelineReport 时间线分析报告
type TimelineReport struct {
	SessionID  string          `json:"session_id"`
	CallID     string          `json:"call_id"`
	FinalState string          `json:"final_state"`
	Phases     []TimelinePhase `json:"phases"`

	// 至少一次投递的健康度：序列号缺口与重复
	MissingSeqs   []uint64 `json:"missing_seqs,omitempty"`
	DuplicateSeqs []uint64 `json:"duplicate_seqs,omitempty"`
}

// TimelineAnalyzer 时间线分析器
type TimelineAnalyzer struct {
	record *CallRecord
}

// NewTimelineAnalyzer 创建时间线分析器
func NewTimelineAnalyzer(record *CallRecord) *TimelineAnalyzer {
	return &TimelineAnalyzer{record: record}
}

// Analyze 生成完整的时间线报告
func (a *TimelineAnalyzer) Analyze() *TimelineReport {
	report := &TimelineReport{
		SessionID:  a.record.SessionID,
		CallID:     a.record.CallID,
		FinalState: a.record.FinalState,
	}

	// 按事件序列号排序（录制顺序即发布顺序，这里防御乱序读取）
	events := append([]protocol.SessionEvent(nil), a.record.Events...)
	sort.Slice(events, func(i, j int) bool {
		return events[i].Seq < events[j].Seq
	})

	// 阶段划分：每次状态变化开启一个新阶段
	var current *TimelinePhase
	for _, ev := range events {
		if current == nil || ev.ToState != current.State {
			if current != nil {
				current.Duration = ev.Timestamp.Sub(current.EnteredAt)
				report.Phases = append(report.Phases, *current)
			}
			current = &TimelinePhase{
				State:     ev.ToState,
				EnteredAt: ev.Timestamp,
			}
		}
		current.EventCount++
	}
	if current != nil {
		if !a.record.EndTime.IsZero() {
			current.Duration = a.record.EndTime.Sub(current.EnteredAt)
		}
		report.Phases = append(report.Phases, *current)
	}

	report.MissingSeqs, report.DuplicateSeqs = analyzeSeqs(events)
	return report
}

// analyzeSeqs 检测事件序列号的缺口与重复
func analyzeSeqs(events []protocol.SessionEvent) (missing, duplicates []uint64) {
	seen := make(map[uint64]bool, len(events))
	var maxSeq uint64

	for _, ev := range events {
		if seen[ev.Seq] {
			duplicates = append(duplicates, ev.Seq)
			continue
		}
		seen[ev.Seq] = true
		if ev.Seq > maxSeq {
			maxSeq = ev.Seq
		}
	}

	for seq := uint64(1); seq <= maxSeq; seq++ {
		if !seen[seq] {
			missing = append(missing, seq)
		}
	}
	return missing, duplicates
}

// Summary 生成可读的文本摘要
func (r *TimelineReport) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Call %s (session %s) -> %s\n", r.CallID, r.SessionID, r.FinalState)
	for _, phase := range r.Phases {
		fmt.Fprintf(&b, "  %-16s %8s  events=%d\n",
			phase.State, phase.Duration.Round(time.Millisecond), phase.EventCount)
	}
	if len(r.MissingSeqs) > 0 {
		fmt.Fprintf(&b, "  missing event seqs: %v\n", r.MissingSeqs)
	}
	if len(r.DuplicateSeqs) > 0 {
		fmt.Fprintf(&b, "  duplicate event seqs: %v\n", r.DuplicateSeqs)
	}
	return b.String()
}
