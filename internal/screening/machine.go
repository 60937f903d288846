package screening

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"CallScreenGuard/internal/eventbus"
	"CallScreenGuard/internal/protocol"
	"CallScreenGuard/internal/secrets"
)

// Config 甄别核心配置
type Config struct {
	// ThreatThreshold 威胁裁决生效的最低置信度（0-100）
	ThreatThreshold int
	// MaxChallengeAttempts 质询答案的最大提交次数
	MaxChallengeAttempts int
	// ForwardNumber 验证通过后转接的真实号码
	ForwardNumber string
	// RetryPrompt 答案错误后的重试提示语
	RetryPrompt string
	// StateTimeout 非终态的无进展看门狗窗口，超时强制FAILED+TERMINATE
	StateTimeout time.Duration
	// ResolveTimeout 密语解析的单次超时
	ResolveTimeout time.Duration
	// QueueSize 每个会话的信令队列容量
	QueueSize int
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		ThreatThreshold:      70,
		MaxChallengeAttempts: 3,
		ForwardNumber:        "",
		RetryPrompt:          "That is not the answer I have. Please try again.",
		StateTimeout:         60 * time.Second,
		ResolveTimeout:       5 * time.Second,
		QueueSize:            128,
	}
}

// DirectiveSink 指令出口：状态机每应用一条信令产出一个指令，
// 由电话协作方（或测试桩）执行
type DirectiveSink func(protocol.Directive)

// stepResult 单条信令的处理结果
type stepResult struct {
	toState   CallState
	payload   protocol.EventPayload
	directive protocol.Directive
}

// SessionMachine 单个会话的状态机
// 信令经队列串行应用（单写者），转移判定绝不与自己并发
type SessionMachine struct {
	cfg      *Config
	session  *CallSession
	bus      *eventbus.Bus
	resolver secrets.Resolver
	store    *SessionStore
	sink     DirectiveSink

	// onTerminal 到达终态后的回调（管理器用它触发销毁）
	onTerminal func(callID string)

	signals   chan protocol.Signal
	stopChan  chan struct{}
	doneChan  chan struct{}
	closeOnce sync.Once

	eventSeq     atomic.Uint64
	illegalCount atomic.Uint64
}

// newSessionMachine 创建并启动一个会话状态机
func newSessionMachine(session *CallSession, cfg *Config, bus *eventbus.Bus,
	resolver secrets.Resolver, store *SessionStore, sink DirectiveSink,
	onTerminal func(callID string)) *SessionMachine {

	m := &SessionMachine{
		cfg:        cfg,
		session:    session,
		bus:        bus,
		resolver:   resolver,
		store:      store,
		sink:       sink,
		onTerminal: onTerminal,
		signals:    make(chan protocol.Signal, cfg.QueueSize),
		stopChan:   make(chan struct{}),
		doneChan:   make(chan struct{}),
	}

	go m.run()
	return m
}

// enqueue 将信令加入会话队列（到达顺序即应用顺序）
func (m *SessionMachine) enqueue(sig protocol.Signal) error {
	select {
	case <-m.stopChan:
		return ErrUnknownSession
	default:
	}

	select {
	case m.signals <- sig:
		return nil
	default:
		return fmt.Errorf("%w: call=%s", ErrQueueFull, m.session.CallID)
	}
}

// stop 停止状态机并等待工作协程退出
func (m *SessionMachine) stop() {
	m.closeOnce.Do(func() {
		close(m.stopChan)
	})
	<-m.doneChan
}

// Snapshot 返回会话当前快照（经存储读取，避免与工作协程竞争）
func (m *SessionMachine) Snapshot() (SessionSnapshot, bool) {
	return m.store.Get(m.session.CallID)
}

// run 工作协程：串行消费信令，带无进展看门狗
func (m *SessionMachine) run() {
	defer close(m.doneChan)

	watchdog := time.NewTimer(m.cfg.StateTimeout)
	defer watchdog.Stop()

	for {
		select {
		case <-m.stopChan:
			return

		case sig := <-m.signals:
			terminal := m.apply(sig)
			if terminal {
				return
			}
			// 任何被应用的信令都算进展
			if !watchdog.Stop() {
				select {
				case <-watchdog.C:
				default:
				}
			}
			watchdog.Reset(m.cfg.StateTimeout)

		case <-watchdog.C:
			// 协作方卡死保护：注入timeout信令
			log.Printf("[screening] Watchdog fired: call=%s state=%s",
				m.session.CallID, m.session.State)
			if m.apply(protocol.Signal{
				CallID: m.session.CallID,
				Kind:   protocol.SignalTimeout,
			}) {
				return
			}
			watchdog.Reset(m.cfg.StateTimeout)
		}
	}
}

// apply 应用单条信令：校验合法性、变更数据、发布事件、产出指令
// 返回true表示会话已进入终态
func (m *SessionMachine) apply(sig protocol.Signal) bool {
	s := m.session
	fromState := s.State

	result, err := m.step(sig)
	if err != nil {
		// 非法信令：记录并丢弃，不改变状态、不发布事件
		m.illegalCount.Add(1)
		log.Printf("[screening] Discarded signal: call=%s state=%s signal=%s err=%v",
			s.CallID, fromState, sig.Kind, err)
		return false
	}

	s.State = result.toState
	if result.toState.IsTerminal() {
		s.ResolvedAt = time.Now()
	}

	// 先落存储再发事件：订阅方收到事件时存储里一定是不旧于事件的状态
	m.store.Put(s.snapshot())

	m.bus.Publish(protocol.SessionEvent{
		SessionID: s.SessionID,
		CallID:    s.CallID,
		Seq:       m.eventSeq.Add(1),
		FromState: fromState.String(),
		ToState:   result.toState.String(),
		Timestamp: time.Now(),
		Payload:   result.payload,
	})

	if m.sink != nil && result.directive.HasEffect() {
		m.sink(result.directive)
	}

	if result.toState.IsTerminal() {
		log.Printf("[screening] Session resolved: call=%s %s -> %s",
			s.CallID, fromState, result.toState)
		if m.onTerminal != nil {
			// 同步通知：回调只登记销毁任务，实际销毁由管理器异步执行
			// （销毁会反过来等待本协程退出，不能在这里直接做）
			m.onTerminal(s.CallID)
		}
		return true
	}

	return false
}

// step 转移判定与数据变更
// 对应转移表：非法组合返回ErrIllegalTransition，由apply统一丢弃
func (m *SessionMachine) step(sig protocol.Signal) (stepResult, error) {
	s := m.session

	if s.State.IsTerminal() {
		return stepResult{}, fmt.Errorf("%w: %s in terminal state %s",
			ErrIllegalTransition, sig.Kind, s.State)
	}

	// 挂断与超时在任何非终态都合法，优先于各状态的专属信令处理
	switch sig.Kind {
	case protocol.SignalHangUp:
		// 电话已经没了，只收尾不下发动作
		return stepResult{
			toState:   StateFailed,
			payload:   protocol.EventPayload{Signal: sig.Kind, Directive: protocol.DirectiveNone},
			directive: protocol.None(s.CallID),
		}, nil

	case protocol.SignalTimeout:
		return stepResult{
			toState:   StateFailed,
			payload:   protocol.EventPayload{Signal: sig.Kind, Directive: protocol.DirectiveTerminate},
			directive: protocol.Terminate(s.CallID),
		}, nil
	}

	switch s.State {
	case StateIdle:
		if sig.Kind == protocol.SignalCallRinging {
			return stepResult{
				toState:   StateRinging,
				payload:   protocol.EventPayload{Signal: sig.Kind},
				directive: protocol.None(s.CallID),
			}, nil
		}

	case StateRinging:
		if sig.Kind == protocol.SignalAIConnected {
			return stepResult{
				toState:   StateAnalyzing,
				payload:   protocol.EventPayload{Signal: sig.Kind},
				directive: protocol.None(s.CallID),
			}, nil
		}

	case StateAnalyzing:
		switch sig.Kind {
		case protocol.SignalTranscriptFragment:
			return m.stepTranscript(sig)
		case protocol.SignalThreatVerdict:
			return m.stepVerdict(sig)
		}

	case StateThreatDetected:
		if sig.Kind == protocol.SignalBeginChallenge {
			return m.stepBeginChallenge(sig)
		}

	case StateChallenging:
		if sig.Kind == protocol.SignalAnswerSubmitted {
			return m.stepAnswer(sig)
		}
	}

	return stepResult{}, fmt.Errorf("%w: %s in state %s",
		ErrIllegalTransition, sig.Kind, s.State)
}

// stepTranscript 追加转写片段（状态保持ANALYZING）
func (m *SessionMachine) stepTranscript(sig protocol.Signal) (stepResult, error) {
	s := m.session

	frag := TranscriptFragment{
		Seq:        sig.Seq,
		Text:       sig.Text,
		ReceivedAt: time.Now(),
	}
	if !s.appendTranscript(frag) {
		// 至少一次投递带来的重复/乱序旧片段：丢弃，不发事件
		return stepResult{}, fmt.Errorf("%w: duplicate transcript seq %d",
			ErrIllegalTransition, sig.Seq)
	}

	return stepResult{
		toState: StateAnalyzing,
		payload: protocol.EventPayload{
			Signal:     sig.Kind,
			Transcript: sig.Text,
		},
		directive: protocol.None(s.CallID),
	}, nil
}

// stepVerdict 处理威胁裁决
// 只有首个达到阈值的裁决触发转移；低置信度裁决只记录
func (m *SessionMachine) stepVerdict(sig protocol.Signal) (stepResult, error) {
	s := m.session

	verdict := ThreatVerdict{
		Confidence:      sig.Confidence,
		Reason:          sig.Reason,
		ClaimedIdentity: sig.ClaimedIdentity,
		ReceivedAt:      time.Now(),
	}

	// 身份首写生效，低置信度裁决提供的名字同样有效
	s.setClaimedIdentity(sig.ClaimedIdentity)

	if sig.Confidence < m.cfg.ThreatThreshold {
		s.LowVerdicts = append(s.LowVerdicts, verdict)
		return stepResult{
			toState: StateAnalyzing,
			payload: protocol.EventPayload{
				Signal:     sig.Kind,
				Confidence: sig.Confidence,
				Reason:     sig.Reason,
				Note:       "below threshold, recorded only",
			},
			directive: protocol.None(s.CallID),
		}, nil
	}

	// 生效裁决至多一次（ANALYZING之外的裁决走不到这里，直接按非法丢弃）
	s.Verdict = &verdict

	return stepResult{
		toState: StateThreatDetected,
		payload: protocol.EventPayload{
			Signal:          sig.Kind,
			Confidence:      sig.Confidence,
			Reason:          sig.Reason,
			ClaimedIdentity: s.ClaimedIdentity,
		},
		directive: protocol.None(s.CallID),
	}, nil
}

// stepBeginChallenge 发起共享密语质询
// 解析不到密语时安全关闭：宁可错杀，绝不裸连
func (m *SessionMachine) stepBeginChallenge(sig protocol.Signal) (stepResult, error) {
	s := m.session
	s.setClaimedIdentity(sig.ClaimedIdentity)

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ResolveTimeout)
	defer cancel()

	challenge, err := m.resolver.Resolve(ctx, s.ClaimedIdentity)
	if err != nil {
		if !errors.Is(err, secrets.ErrNotFound) {
			log.Printf("[screening] Secret resolve failed: call=%s identity=%q err=%v",
				s.CallID, s.ClaimedIdentity, err)
		}
		return stepResult{
			toState: StateFailed,
			payload: protocol.EventPayload{
				Signal:          sig.Kind,
				ClaimedIdentity: s.ClaimedIdentity,
				Directive:       protocol.DirectiveTerminate,
				Note:            "secret unavailable, fail closed",
			},
			directive: protocol.Terminate(s.CallID),
		}, nil
	}

	s.Challenge = challenge

	return stepResult{
		toState: StateChallenging,
		payload: protocol.EventPayload{
			Signal:          sig.Kind,
			ClaimedIdentity: s.ClaimedIdentity,
			Question:        challenge.Question,
			Directive:       protocol.DirectiveSpeak,
		},
		directive: protocol.Speak(s.CallID, challenge.Question),
	}, nil
}

// stepAnswer 校验质询答案
func (m *SessionMachine) stepAnswer(sig protocol.Signal) (stepResult, error) {
	s := m.session
	s.AttemptCount++

	if secrets.VerifyAnswer(s.Challenge, sig.Text) {
		return stepResult{
			toState: StateVerified,
			payload: protocol.EventPayload{
				Signal:          sig.Kind,
				ClaimedIdentity: s.ClaimedIdentity,
				AttemptCount:    s.AttemptCount,
				Directive:       protocol.DirectiveForward,
			},
			directive: protocol.Forward(s.CallID, m.cfg.ForwardNumber),
		}, nil
	}

	if s.AttemptCount >= m.cfg.MaxChallengeAttempts {
		log.Printf("[screening] Challenge exhausted: call=%s attempts=%d: %v",
			s.CallID, s.AttemptCount, ErrChallengeExhausted)
		return stepResult{
			toState: StateFailed,
			payload: protocol.EventPayload{
				Signal:       sig.Kind,
				AttemptCount: s.AttemptCount,
				Directive:    protocol.DirectiveTerminate,
				Note:         "challenge attempts exhausted",
			},
			directive: protocol.Terminate(s.CallID),
		}, nil
	}

	retry := m.cfg.RetryPrompt
	if s.Challenge != nil {
		retry = retry + " " + s.Challenge.Question
	}

	return stepResult{
		toState: StateChallenging,
		payload: protocol.EventPayload{
			Signal:       sig.Kind,
			AttemptCount: s.AttemptCount,
			Question:     questionOf(s),
			Directive:    protocol.DirectiveSpeak,
		},
		directive: protocol.Speak(s.CallID, retry),
	}, nil
}

func questionOf(s *CallSession) string {
	if s.Challenge == nil {
		return ""
	}
	return s.Challenge.Question
}
