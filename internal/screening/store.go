package screening

import "sync"

// SessionStore 活动会话的内存存储，按呼叫标识索引
// 写入全部来自各会话自己的状态机（单写者），读取用于观察方的兜底查询：
// 迟到的订阅方收不到历史事件，直接读存储获取权威当前状态
type SessionStore struct {
	mu        sync.RWMutex
	snapshots map[string]SessionSnapshot // callID -> 最新快照
}

// NewSessionStore 创建会话存储
func NewSessionStore() *SessionStore {
	return &SessionStore{
		snapshots: make(map[string]SessionSnapshot),
	}
}

// Put 写入会话快照
func (st *SessionStore) Put(snap SessionSnapshot) {
	st.mu.Lock()
	st.snapshots[snap.CallID] = snap
	st.mu.Unlock()
}

// Get 读取指定呼叫的会话快照
func (st *SessionStore) Get(callID string) (SessionSnapshot, bool) {
	st.mu.RLock()
	snap, ok := st.snapshots[callID]
	st.mu.RUnlock()
	return snap, ok
}

// Delete 删除会话记录
func (st *SessionStore) Delete(callID string) {
	st.mu.Lock()
	delete(st.snapshots, callID)
	st.mu.Unlock()
}

// List 列出所有活动会话的快照
func (st *SessionStore) List() []SessionSnapshot {
	st.mu.RLock()
	defer st.mu.RUnlock()

	snaps := make([]SessionSnapshot, 0, len(st.snapshots))
	for _, snap := range st.snapshots {
		snaps = append(snaps, snap)
	}
	return snaps
}

// Size 返回活动会话数量
func (st *SessionStore) Size() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.snapshots)
}
