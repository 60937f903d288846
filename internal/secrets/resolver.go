package secrets

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrNotFound 指定身份没有可用的质询密语
// 状态机将其视为"无法质询"，强制走安全关闭路径（绝不放行）
var ErrNotFound = errors.New("no challenge secret for identity")

// Challenge 共享密语质询：只有真正的联系人才能答对的问题
// ExpectedAnswerHash为归一化后答案的SHA-256十六进制值，明文答案不落在内存之外
type Challenge struct {
	Question           string `json:"question"`
	ExpectedAnswerHash string `json:"-"`
}

// Resolver 密语解析器：根据主叫声称的身份返回当前生效的质询
// 纯查询接口，不做任何修改
type Resolver interface {
	Resolve(ctx context.Context, claimedIdentity string) (*Challenge, error)
}

// StaticResolver 基于内存表的解析器
// 密语表由配置装载（密语库的采集与生成属于外部协作方）
type StaticResolver struct {
	mu      sync.RWMutex
	entries map[string]Challenge
}

// NewStaticResolver 创建空的静态解析器
func NewStaticResolver() *StaticResolver {
	return &StaticResolver{
		entries: make(map[string]Challenge),
	}
}

// Register 登记一条身份-质询映射（answer以哈希形式存储）
func (r *StaticResolver) Register(identity, question, answer string) error {
	key := NormalizeIdentity(identity)
	if key == "" {
		return fmt.Errorf("identity cannot be empty")
	}
	if question == "" || answer == "" {
		return fmt.Errorf("challenge for %q missing question or answer", identity)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[key] = Challenge{
		Question:           question,
		ExpectedAnswerHash: HashAnswer(answer),
	}
	return nil
}

// Resolve 查询指定身份的质询
func (r *StaticResolver) Resolve(ctx context.Context, claimedIdentity string) (*Challenge, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	key := NormalizeIdentity(claimedIdentity)
	if key == "" {
		return nil, ErrNotFound
	}

	r.mu.RLock()
	challenge, ok := r.entries[key]
	r.mu.RUnlock()

	if !ok {
		return nil, ErrNotFound
	}

	// 返回副本，调用方拿不到内部表的引用
	c := challenge
	return &c, nil
}

// Size 返回已登记的身份数量
func (r *StaticResolver) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
