package screening

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"CallScreenGuard/internal/eventbus"
	"CallScreenGuard/internal/protocol"
	"CallScreenGuard/internal/secrets"
)

// TestAdmitIdempotent 测试同一呼叫的重复接纳返回既有会话
func TestAdmitIdempotent(t *testing.T) {
	rig := newTestRig(t, nil)

	const callID = "CA-admit-001"
	first, err := rig.manager.Admit(callID)
	require.NoError(t, err)

	second, err := rig.manager.Admit(callID)
	require.NoError(t, err)

	assert.Equal(t, first.SessionID, second.SessionID)
	assert.Equal(t, 1, rig.manager.ActiveSessions())
}

// TestRouteUnknownSession 测试向不存在的会话路由信令
func TestRouteUnknownSession(t *testing.T) {
	rig := newTestRig(t, nil)

	err := rig.manager.Route("CA-nobody", protocol.Signal{Kind: protocol.SignalAIConnected})
	assert.ErrorIs(t, err, ErrUnknownSession)
}

// TestDisposeArchivesSnapshot 测试手动销毁：归档终态快照并清空存储
func TestDisposeArchivesSnapshot(t *testing.T) {
	rig := newTestRig(t, nil)

	const callID = "CA-dispose-001"
	_, err := rig.manager.Admit(callID)
	require.NoError(t, err)

	route(t, rig, callID, protocol.Signal{Kind: protocol.SignalAIConnected})
	rig.waitForState(t, "ANALYZING", 2*time.Second)

	require.NoError(t, rig.manager.Dispose(callID))

	snap, ok := rig.archiver.last()
	require.True(t, ok)
	assert.Equal(t, callID, snap.CallID)
	assert.Equal(t, "ANALYZING", snap.State)

	_, ok = rig.manager.Store().Get(callID)
	assert.False(t, ok)
	assert.Equal(t, 0, rig.manager.ActiveSessions())

	// 再次销毁返回未知会话
	assert.ErrorIs(t, rig.manager.Dispose(callID), ErrUnknownSession)
}

// TestAutoDisposeOnTerminal 测试终态自动销毁
func TestAutoDisposeOnTerminal(t *testing.T) {
	rig := newTestRig(t, nil)

	const callID = "CA-auto-001"
	_, err := rig.manager.Admit(callID)
	require.NoError(t, err)

	route(t, rig, callID, protocol.Signal{Kind: protocol.SignalHangUp})
	rig.waitForState(t, "FAILED", 2*time.Second)

	snap := rig.waitForDisposed(t)
	assert.Equal(t, "FAILED", snap.State)
	assert.True(t, snap.Terminal)
}

// TestAdmitAfterShutdown 测试关闭后的接纳请求被拒绝
func TestAdmitAfterShutdown(t *testing.T) {
	rig := newTestRig(t, nil)

	_, err := rig.manager.Admit("CA-before-001")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, rig.manager.Shutdown(ctx))

	assert.Equal(t, 0, rig.manager.ActiveSessions())

	_, err = rig.manager.Admit("CA-after-001")
	assert.ErrorIs(t, err, ErrManagerClosed)
}

// TestConcurrentSessionsIsolated 测试多会话并发互不串扰
func TestConcurrentSessionsIsolated(t *testing.T) {
	rig := newTestRig(t, nil)

	callIDs := []string{"CA-multi-001", "CA-multi-002", "CA-multi-003"}
	for _, callID := range callIDs {
		_, err := rig.manager.Admit(callID)
		require.NoError(t, err)
	}
	assert.Equal(t, 3, rig.manager.ActiveSessions())

	// 只推进第一个会话
	route(t, rig, callIDs[0], protocol.Signal{Kind: protocol.SignalAIConnected})
	route(t, rig, callIDs[0], protocol.Signal{Kind: protocol.SignalTranscriptFragment,
		Seq: 1, Text: "only for the first call"})

	require.Eventually(t, func() bool {
		snap, ok := rig.manager.Store().Get(callIDs[0])
		return ok && len(snap.Transcript) == 1
	}, 2*time.Second, 10*time.Millisecond)

	for _, callID := range callIDs[1:] {
		snap, ok := rig.manager.Store().Get(callID)
		require.True(t, ok)
		assert.Equal(t, "RINGING", snap.State)
		assert.Empty(t, snap.Transcript)
	}
}

// TestStoreListByState 测试存储遍历与按状态统计
func TestStoreListByState(t *testing.T) {
	store := NewSessionStore()

	store.Put(SessionSnapshot{CallID: "CA-a", State: "ANALYZING"})
	store.Put(SessionSnapshot{CallID: "CA-b", State: "CHALLENGING"})
	store.Put(SessionSnapshot{CallID: "CA-c", State: "ANALYZING"})

	assert.Equal(t, 3, store.Size())
	assert.Len(t, store.List(), 3)

	analyzing := 0
	for _, snap := range store.List() {
		if snap.State == "ANALYZING" {
			analyzing++
		}
	}
	assert.Equal(t, 2, analyzing)

	store.Delete("CA-a")
	assert.Equal(t, 2, store.Size())
	_, ok := store.Get("CA-a")
	assert.False(t, ok)
}

// slowArchiver 归档耗时的桩：验证关闭流程会等在途归档完成
type slowArchiver struct {
	delay time.Duration
	snapshotArchiver
}

func (a *slowArchiver) Archive(ctx context.Context, snap SessionSnapshot) error {
	time.Sleep(a.delay)
	return a.snapshotArchiver.Archive(ctx, snap)
}

// TestShutdownWaitsForAutoDispose 测试关闭等待在途的自动销毁与归档
// 终态触发的销毁任务在状态机协程内登记，Shutdown返回前必须完成
func TestShutdownWaitsForAutoDispose(t *testing.T) {
	resolver := secrets.NewStaticResolver()
	bus := eventbus.New()
	archiver := &slowArchiver{delay: 150 * time.Millisecond}

	manager := NewManager(nil, bus, resolver, WithArchiver(archiver))
	sub := bus.SubscribeAll()
	defer sub.Close()

	const callID = "CA-slowdispose-001"
	_, err := manager.Admit(callID)
	require.NoError(t, err)
	require.NoError(t, manager.Route(callID, protocol.Signal{Kind: protocol.SignalHangUp}))

	// 看到终态事件就立刻关闭，不给自动销毁留等待窗口
	deadline := time.After(2 * time.Second)
	for done := false; !done; {
		select {
		case ev := <-sub.Events():
			done = ev.ToState == "FAILED"
		case <-deadline:
			t.Fatal("timed out waiting for terminal event")
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, manager.Shutdown(ctx))

	// 关闭已返回，归档必须已经落地
	snap, ok := archiver.last()
	require.True(t, ok, "archive did not complete before shutdown returned")
	assert.Equal(t, "FAILED", snap.State)
	assert.True(t, snap.Terminal)
	assert.Equal(t, 0, manager.ActiveSessions())
}
