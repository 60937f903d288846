package protocol

// DirectiveKind 指令类型 - 状态机产出、电话协作方执行
type DirectiveKind string

const (
	DirectiveNone      DirectiveKind = "NONE"
	DirectiveSpeak     DirectiveKind = "SPEAK"
	DirectiveForward   DirectiveKind = "FORWARD"
	DirectiveTerminate DirectiveKind = "TERMINATE"
)

// Directive 下发给电话协作方的副作用指令
// 每次信令处理恰好产出一个指令；NONE不会下发到线路
type Directive struct {
	CallID string        `json:"call_id"`
	Kind   DirectiveKind `json:"kind"`

	// SPEAK 使用：向主叫播报的文本
	Text string `json:"text,omitempty"`

	// FORWARD 使用：真实接听人的号码
	DestinationNumber string `json:"destination_number,omitempty"`
}

// Speak 构造播报指令
func Speak(callID, text string) Directive {
	return Directive{CallID: callID, Kind: DirectiveSpeak, Text: text}
}

// Forward 构造转接指令
func Forward(callID, destination string) Directive {
	return Directive{CallID: callID, Kind: DirectiveForward, DestinationNumber: destination}
}

// Terminate 构造挂断指令
func Terminate(callID string) Directive {
	return Directive{CallID: callID, Kind: DirectiveTerminate}
}

// None 构造空指令
func None(callID string) Directive {
	return Directive{CallID: callID, Kind: DirectiveNone}
}

// HasEffect 判断指令是否需要电话协作方执行动作
func (d Directive) HasEffect() bool {
	return d.Kind != DirectiveNone && d.Kind != ""
}
