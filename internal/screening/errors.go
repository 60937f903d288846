package screening

import "errors"

var (
	// ErrUnknownSession 信令指向不存在或已销毁的会话（上报调用方，不重试）
	ErrUnknownSession = errors.New("unknown session")

	// ErrIllegalTransition 信令在当前状态下不合法（记录日志后丢弃，不致命）
	ErrIllegalTransition = errors.New("illegal transition")

	// ErrChallengeExhausted 质询次数用尽
	ErrChallengeExhausted = errors.New("challenge attempts exhausted")

	// ErrManagerClosed 管理器已关闭，不再接受新会话
	ErrManagerClosed = errors.New("session manager closed")

	// ErrQueueFull 会话信令队列已满
	ErrQueueFull = errors.New("session signal queue full")
)
