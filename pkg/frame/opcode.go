package frame

// Opcode 帧类型
type Opcode byte

const (
	// OpContinuation 分片续帧，本客户端不产生也不接受
	OpContinuation Opcode = 0x0
	// OpText 文本帧
	OpText Opcode = 0x1
	// OpBinary 二进制帧
	OpBinary Opcode = 0x2
	// OpClose 关闭帧
	OpClose Opcode = 0x8
	// OpPing 心跳请求
	OpPing Opcode = 0x9
	// OpPong 心跳响应
	OpPong Opcode = 0xA
)

// IsValid 是否为可编解码的操作码
func (o Opcode) IsValid() bool {
	switch o {
	case OpText, OpBinary, OpClose, OpPing, OpPong:
		return true
	}
	return false
}

// IsControl 是否为控制帧
func (o Opcode) IsControl() bool {
	return o&0x8 != 0
}

func (o Opcode) String() string {
	switch o {
	case OpContinuation:
		return "continuation"
	case OpText:
		return "text"
	case OpBinary:
		return "binary"
	case OpClose:
		return "close"
	case OpPing:
		return "ping"
	case OpPong:
		return "pong"
	}
	return "unknown"
}
