package screening

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"CallScreenGuard/internal/eventbus"
	"CallScreenGuard/internal/protocol"
	"CallScreenGuard/internal/secrets"
)

// Archiver 已销毁会话的归档出口（审计用途，失败不阻塞销毁）
type Archiver interface {
	Archive(ctx context.Context, snap SessionSnapshot) error
}

// SessionHandle 会话句柄：对外暴露标识与快照读取
type SessionHandle struct {
	SessionID string
	CallID    string
	machine   *SessionMachine
}

// Snapshot 读取会话当前快照
func (h *SessionHandle) Snapshot() (SessionSnapshot, bool) {
	return h.machine.Snapshot()
}

// SessionManager 会话管理器
// 维护呼叫标识到活动状态机的映射，保证同一呼叫至多一个状态机实例
type SessionManager struct {
	cfg      *Config
	bus      *eventbus.Bus
	resolver secrets.Resolver
	store    *SessionStore
	archiver Archiver
	sink     DirectiveSink

	mu       sync.Mutex
	machines map[string]*SessionMachine // callID -> machine
	closed   bool

	disposeWg sync.WaitGroup
}

// ManagerOption 管理器选项
type ManagerOption func(*SessionManager)

// WithDirectiveSink 设置指令出口
func WithDirectiveSink(sink DirectiveSink) ManagerOption {
	return func(sm *SessionManager) {
		sm.sink = sink
	}
}

// WithArchiver 设置归档出口
func WithArchiver(archiver Archiver) ManagerOption {
	return func(sm *SessionManager) {
		sm.archiver = archiver
	}
}

// NewManager 创建会话管理器
func NewManager(cfg *Config, bus *eventbus.Bus, resolver secrets.Resolver, opts ...ManagerOption) *SessionManager {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	sm := &SessionManager{
		cfg:      cfg,
		bus:      bus,
		resolver: resolver,
		store:    NewSessionStore(),
		machines: make(map[string]*SessionMachine),
	}

	for _, opt := range opts {
		opt(sm)
	}

	return sm
}

// Store 返回会话存储（观察方兜底读取权威状态）
func (sm *SessionManager) Store() *SessionStore {
	return sm.store
}

// Admit 为呼叫接纳一个新会话
// 幂等：同一呼叫的重复ringing信令返回既有句柄，不会产生第二个状态机
func (sm *SessionManager) Admit(callID string) (*SessionHandle, error) {
	sm.mu.Lock()

	if sm.closed {
		sm.mu.Unlock()
		return nil, ErrManagerClosed
	}

	if existing, ok := sm.machines[callID]; ok {
		sm.mu.Unlock()
		return &SessionHandle{
			SessionID: existing.session.SessionID,
			CallID:    callID,
			machine:   existing,
		}, nil
	}

	session := &CallSession{
		SessionID: uuid.NewString(),
		CallID:    callID,
		State:     StateIdle,
		CreatedAt: time.Now(),
	}

	machine := newSessionMachine(session, sm.cfg, sm.bus, sm.resolver,
		sm.store, sm.sink, sm.handleTerminal)
	sm.machines[callID] = machine
	sm.store.Put(session.snapshot())
	sm.mu.Unlock()

	log.Printf("[screening] Session admitted: call=%s session=%s", callID, session.SessionID)

	// 接纳即进入RINGING：铃声信令由管理器代为注入
	if err := machine.enqueue(protocol.Signal{
		CallID: callID,
		Kind:   protocol.SignalCallRinging,
	}); err != nil {
		return nil, err
	}

	return &SessionHandle{
		SessionID: session.SessionID,
		CallID:    callID,
		machine:   machine,
	}, nil
}

// Route 将信令转发给对应会话的状态机
// 会话不存在（如信令晚于销毁到达）返回ErrUnknownSession：上报即可，电话已经结束，不重试
func (sm *SessionManager) Route(callID string, sig protocol.Signal) error {
	sm.mu.Lock()
	machine, ok := sm.machines[callID]
	sm.mu.Unlock()

	if !ok {
		return ErrUnknownSession
	}

	sig.CallID = callID
	return machine.enqueue(sig)
}

// Dispose 销毁呼叫对应的会话：停止状态机、归档、移出存储
func (sm *SessionManager) Dispose(callID string) error {
	sm.mu.Lock()
	machine, ok := sm.machines[callID]
	if ok {
		delete(sm.machines, callID)
	}
	sm.mu.Unlock()

	if !ok {
		return ErrUnknownSession
	}

	machine.stop()

	snap, found := sm.store.Get(callID)
	sm.store.Delete(callID)

	if found && sm.archiver != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := sm.archiver.Archive(ctx, snap); err != nil {
			// 归档失败只记录：审计是尽力而为，不能反过来卡住呼叫收尾
			log.Printf("[screening] Archive failed: call=%s err=%v", callID, err)
		}
	}

	log.Printf("[screening] Session disposed: call=%s", callID)
	return nil
}

// handleTerminal 终态回调：自动销毁会话
// 在状态机协程内同步登记销毁任务，Shutdown的等待因此一定覆盖在途销毁；
// 销毁本身异步执行，因为Dispose要反过来等状态机协程退出
func (sm *SessionManager) handleTerminal(callID string) {
	sm.disposeWg.Add(1)
	go func() {
		defer sm.disposeWg.Done()
		if err := sm.Dispose(callID); err != nil && err != ErrUnknownSession {
			log.Printf("[screening] Auto dispose failed: call=%s err=%v", callID, err)
		}
	}()
}

// ActiveSessions 返回活动会话数量
func (sm *SessionManager) ActiveSessions() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return len(sm.machines)
}

// Shutdown 关闭管理器：停止并销毁全部活动会话
func (sm *SessionManager) Shutdown(ctx context.Context) error {
	sm.mu.Lock()
	sm.closed = true
	callIDs := make([]string, 0, len(sm.machines))
	for callID := range sm.machines {
		callIDs = append(callIDs, callID)
	}
	sm.mu.Unlock()

	for _, callID := range callIDs {
		if err := sm.Dispose(callID); err != nil && err != ErrUnknownSession {
			log.Printf("[screening] Dispose on shutdown failed: call=%s err=%v", callID, err)
		}
	}

	done := make(chan struct{})
	go func() {
		sm.disposeWg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
