// Package audit 记录每通呼叫的完整事件流并提供时间线分析与回放
// 录制数据来自事件总线，核心路径对录制无感知
package audit

import (
	"log"
	"sync"
	"time"

	"CallScreenGuard/internal/eventbus"
	"CallScreenGuard/internal/protocol"
)

// CallRecord 一通呼叫的完整录制
type CallRecord struct {
	SessionID  string                  `json:"session_id"`
	CallID     string                  `json:"call_id"`
	StartTime  time.Time               `json:"start_time"`
	EndTime    time.Time               `json:"end_time"`
	Events     []protocol.SessionEvent `json:"events"`
	FinalState string                  `json:"final_state"`
}

// RecordStats 录制统计
type RecordStats struct {
	Duration        time.Duration                 `json:"duration"`
	TotalEvents     int                           `json:"total_events"`
	SignalCounts    map[protocol.SignalKind]int   `json:"signal_counts"`
	TimeToVerdict   time.Duration                 `json:"time_to_verdict"`   // 接入到威胁裁决
	TimeInChallenge time.Duration                 `json:"time_in_challenge"` // 质询阶段时长
	AttemptCount    int                           `json:"attempt_count"`
}

// Recorder 呼叫录制器：订阅事件总线，按会话聚合事件
type Recorder struct {
	bus          *eventbus.Bus
	maxCompleted int

	mu        sync.RWMutex
	active    map[string]*CallRecord // sessionID -> 进行中的录制
	completed []*CallRecord          // 终态录制，超过上限丢最旧

	sub      *eventbus.Subscription
	stopChan chan struct{}
	doneChan chan struct{}
	once     sync.Once
}

// NewRecorder 创建录制器
func NewRecorder(bus *eventbus.Bus, maxCompleted int) *Recorder {
	if maxCompleted <= 0 {
		maxCompleted = 256
	}
	return &Recorder{
		bus:          bus,
		maxCompleted: maxCompleted,
		active:       make(map[string]*CallRecord),
		stopChan:     make(chan struct{}),
		doneChan:     make(chan struct{}),
	}
}

// Start 开始录制
func (r *Recorder) Start() {
	r.sub = r.bus.SubscribeAll()
	go r.loop()
	log.Printf("[audit] Recorder started")
}

// Stop 停止录制
func (r *Recorder) Stop() {
	r.once.Do(func() {
		close(r.stopChan)
		r.sub.Close()
		<-r.doneChan
	})
}

// loop 事件消费循环
func (r *Recorder) loop() {
	defer close(r.doneChan)

	for {
		select {
		case <-r.stopChan:
			return
		case ev, ok := <-r.sub.Events():
			if !ok {
				return
			}
			r.record(ev)
		}
	}
}

// record 记录单条事件
func (r *Recorder) record(ev protocol.SessionEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.active[ev.SessionID]
	if !ok {
		rec = &CallRecord{
			SessionID: ev.SessionID,
			CallID:    ev.CallID,
			StartTime: ev.Timestamp,
		}
		r.active[ev.SessionID] = rec
	}

	rec.Events = append(rec.Events, ev)

	if isTerminalState(ev.ToState) {
		rec.EndTime = ev.Timestamp
		rec.FinalState = ev.ToState
		delete(r.active, ev.SessionID)

		r.completed = append(r.completed, rec)
		if len(r.completed) > r.maxCompleted {
			r.completed = r.completed[1:]
		}
	}
}

// isTerminalState 基于状态名判断终态（audit只看事件流，不依赖screening包）
func isTerminalState(state string) bool {
	return state == "VERIFIED" || state == "FAILED"
}

// GetRecord 按会话ID取录制（进行中或已完成）
func (r *Recorder) GetRecord(sessionID string) (*CallRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if rec, ok := r.active[sessionID]; ok {
		return copyRecord(rec), true
	}
	for _, rec := range r.completed {
		if rec.SessionID == sessionID {
			return copyRecord(rec), true
		}
	}
	return nil, false
}

// CompletedRecords 返回全部已完成录制
func (r *Recorder) CompletedRecords() []*CallRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	records := make([]*CallRecord, 0, len(r.completed))
	for _, rec := range r.completed {
		records = append(records, copyRecord(rec))
	}
	return records
}

// copyRecord 深拷贝录制，调用方拿不到内部切片
func copyRecord(rec *CallRecord) *CallRecord {
	cp := *rec
	cp.Events = make([]protocol.SessionEvent, len(rec.Events))
	copy(cp.Events, rec.Events)
	return &cp
}

// Stats 计算录制统计
func (rec *CallRecord) Stats() RecordStats {
	stats := RecordStats{
		TotalEvents:  len(rec.Events),
		SignalCounts: make(map[protocol.SignalKind]int),
	}

	if !rec.EndTime.IsZero() {
		stats.Duration = rec.EndTime.Sub(rec.StartTime)
	}

	var verdictAt, challengeAt, challengeEnd time.Time
	for _, ev := range rec.Events {
		if ev.Payload.Signal != "" {
			stats.SignalCounts[ev.Payload.Signal]++
		}
		if ev.Payload.AttemptCount > stats.AttemptCount {
			stats.AttemptCount = ev.Payload.AttemptCount
		}
		switch {
		case ev.ToState == "THREAT_DETECTED" && verdictAt.IsZero():
			verdictAt = ev.Timestamp
		case ev.ToState == "CHALLENGING" && challengeAt.IsZero():
			challengeAt = ev.Timestamp
		case isTerminalState(ev.ToState):
			challengeEnd = ev.Timestamp
		}
	}

	if !verdictAt.IsZero() {
		stats.TimeToVerdict = verdictAt.Sub(rec.StartTime)
	}
	if !challengeAt.IsZero() && !challengeEnd.IsZero() {
		stats.TimeInChallenge = challengeEnd.Sub(challengeAt)
	}

	return stats
}
