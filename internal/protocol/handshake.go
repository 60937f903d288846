package protocol

// CollaboratorRole 协作方角色
type CollaboratorRole string

const (
	RoleTelephony CollaboratorRole = "TELEPHONY" // 电话承载方：上报呼叫信令、执行指令
	RoleEvaluator CollaboratorRole = "EVALUATOR" // 对话AI：上报转写与威胁裁决
	RoleObserver  CollaboratorRole = "OBSERVER"  // 观察方：只读事件流
)

// HelloReq 协作方接入握手请求
type HelloReq struct {
	CollaboratorID string           `json:"collaborator_id"`
	Role           CollaboratorRole `json:"role"`
	Version        string           `json:"version"`
}

// HelloResp 握手响应
type HelloResp struct {
	Ok           bool   `json:"ok"`
	ConnectionID string `json:"connection_id"`
	ServerTimeMs int64  `json:"server_time_ms"`
	Message      string `json:"message,omitempty"`
}

// Heartbeat 心跳请求
type Heartbeat struct {
	ClientUnixMs int64 `json:"client_unix_ms"`
	PingSeq      int32 `json:"ping_seq"`
}

// HeartbeatResp 心跳响应
type HeartbeatResp struct {
	ServerUnixMs int64 `json:"server_unix_ms"`
	PingSeq      int32 `json:"ping_seq"`
	RttMs        int32 `json:"rtt_ms"`
}

// ErrorResp 错误响应
type ErrorResp struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// IsValid 检查角色是否有效
func (r CollaboratorRole) IsValid() bool {
	switch r {
	case RoleTelephony, RoleEvaluator, RoleObserver:
		return true
	default:
		return false
	}
}
