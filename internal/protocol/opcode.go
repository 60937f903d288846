package protocol

// 操作码定义 - 用于识别不同类型的消息
const (
	// 握手相关
	OpHelloReq  uint16 = 1001
	OpHelloResp uint16 = 1002
	OpGoodbye   uint16 = 1003

	// 心跳相关
	OpHeartbeat     uint16 = 1100
	OpHeartbeatResp uint16 = 1101

	// 信令 - 电话/AI协作方上报
	OpSignal uint16 = 2001

	// 指令 - 核心下发给电话协作方
	OpDirective uint16 = 3001

	// 会话事件 - 推送给观察方
	OpSessionEvent uint16 = 4001

	// 错误响应
	OpError uint16 = 9999
)

// OpcodeToString 将操作码转换为可读字符串，用于调试和日志
func OpcodeToString(op uint16) string {
	switch op {
	case OpHelloReq:
		return "HELLO_REQ"
	case OpHelloResp:
		return "HELLO_RESP"
	case OpGoodbye:
		return "GOODBYE"
	case OpHeartbeat:
		return "HEARTBEAT"
	case OpHeartbeatResp:
		return "HEARTBEAT_RESP"
	case OpSignal:
		return "SIGNAL"
	case OpDirective:
		return "DIRECTIVE"
	case OpSessionEvent:
		return "SESSION_EVENT"
	case OpError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// IsValidOpcode 检查操作码是否有效
func IsValidOpcode(op uint16) bool {
	switch op {
	case OpHelloReq, OpHelloResp, OpGoodbye,
		OpHeartbeat, OpHeartbeatResp,
		OpSignal, OpDirective, OpSessionEvent,
		OpError:
		return true
	default:
		return false
	}
}

// IsRequestOpcode 判断是否为请求类型的操作码（协作方 → 核心）
func IsRequestOpcode(op uint16) bool {
	switch op {
	case OpHelloReq, OpGoodbye, OpHeartbeat, OpSignal:
		return true
	default:
		return false
	}
}

// IsPushOpcode 判断是否为推送类型的操作码（核心 → 协作方/观察方）
func IsPushOpcode(op uint16) bool {
	switch op {
	case OpDirective, OpSessionEvent:
		return true
	default:
		return false
	}
}
