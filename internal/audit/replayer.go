package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"CallScreenGuard/internal/eventbus"
	"CallScreenGuard/internal/protocol"
	"CallScreenGuard/internal/screening"
)

// ReplaySpeed 回放速度
type ReplaySpeed float64

const (
	SpeedSlow    ReplaySpeed = 0.5 // 慢速回放
	SpeedNormal  ReplaySpeed = 1.0 // 原始节奏
	SpeedFast    ReplaySpeed = 2.0 // 快速回放
	SpeedInstant ReplaySpeed = 0.0 // 瞬间回放（无延迟）
)

// ReplayResult 回放结果
type ReplayResult struct {
	CallID        string        `json:"call_id"`
	OriginalState string        `json:"original_state"`
	ReplayedState string        `json:"replayed_state"`
	Matched       bool          `json:"matched"`
	SignalCount   int           `json:"signal_count"`
	Elapsed       time.Duration `json:"elapsed"`
}

// Replayer 呼叫回放器
// 把录制中的信令按原始顺序重新灌进一个新的会话管理器，
// 用于阈值调参后的回归验证：同样的通话在新配置下会怎么走
type Replayer struct {
	speed ReplaySpeed
}

// NewReplayer 创建回放器
func NewReplayer(speed ReplaySpeed) *Replayer {
	return &Replayer{speed: speed}
}

// SignalsFromRecord 从事件流还原信令序列
// 事件载荷携带触发信令的判别字段，足以重建原始输入
func SignalsFromRecord(rec *CallRecord) []protocol.Signal {
	var signals []protocol.Signal
	var transcriptSeq uint64

	for _, ev := range rec.Events {
		kind := ev.Payload.Signal
		if kind == "" || kind == protocol.SignalCallRinging {
			// 铃声信令由管理器在Admit时注入，回放不用重复
			continue
		}

		sig := protocol.Signal{
			CallID: rec.CallID,
			Kind:   kind,
		}

		switch kind {
		case protocol.SignalTranscriptFragment:
			transcriptSeq++
			sig.Seq = transcriptSeq
			sig.Text = ev.Payload.Transcript
		case protocol.SignalThreatVerdict:
			sig.Confidence = ev.Payload.Confidence
			sig.Reason = ev.Payload.Reason
			sig.ClaimedIdentity = ev.Payload.ClaimedIdentity
		case protocol.SignalBeginChallenge:
			sig.ClaimedIdentity = ev.Payload.ClaimedIdentity
		case protocol.SignalAnswerSubmitted:
			// 答案明文不进事件流，回放只能重现提交动作本身
			sig.Text = ev.Payload.Transcript
		}

		signals = append(signals, sig)
	}

	return signals
}

// Replay 将录制回放进给定的会话管理器
// bus必须是mgr发布事件用的总线：回放会话随终态自动销毁，
// 终态只能从事件流上观察，存储里的快照等不到
func (r *Replayer) Replay(ctx context.Context, rec *CallRecord, mgr *screening.SessionManager, bus *eventbus.Bus) (*ReplayResult, error) {
	if len(rec.Events) == 0 {
		return nil, fmt.Errorf("record for call %s has no events", rec.CallID)
	}

	start := time.Now()
	signals := SignalsFromRecord(rec)

	sub := bus.SubscribeAll()
	defer sub.Close()

	if _, err := mgr.Admit(rec.CallID); err != nil {
		return nil, fmt.Errorf("admit replay session failed: %w", err)
	}

	prev := rec.StartTime
	for i, sig := range signals {
		// 按原始事件间隔与回放速度延迟
		if r.speed > 0 && i < len(rec.Events) {
			gap := rec.Events[i].Timestamp.Sub(prev)
			prev = rec.Events[i].Timestamp
			if gap > 0 {
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(time.Duration(float64(gap) / float64(r.speed))):
				}
			}
		}

		if err := mgr.Route(rec.CallID, sig); err != nil {
			// 回放中的会话可能提前进入终态并被销毁，这不是错误
			if errors.Is(err, screening.ErrUnknownSession) {
				break
			}
			return nil, fmt.Errorf("route replay signal %s failed: %w", sig.Kind, err)
		}
	}

	// 等待回放会话收尾
	timeout := time.After(5 * time.Second)
	var finalState string
wait:
	for {
		select {
		case ev := <-sub.Events():
			if ev.CallID != rec.CallID {
				continue
			}
			finalState = ev.ToState
			if isTerminalState(ev.ToState) {
				break wait
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timeout:
			break wait
		}
	}

	result := &ReplayResult{
		CallID:        rec.CallID,
		OriginalState: rec.FinalState,
		ReplayedState: finalState,
		SignalCount:   len(signals),
		Elapsed:       time.Since(start),
	}
	result.Matched = result.OriginalState == result.ReplayedState
	return result, nil
}
