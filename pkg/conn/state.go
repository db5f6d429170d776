package conn

// State 连接状态
type State int32

const (
	StateUnconnected State = iota
	StateConnecting
	StateOpen
	StateClosed
	StateError
)

func (s State) String() string {
	switch s {
	case StateUnconnected:
		return "unconnected"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	case StateError:
		return "error"
	}
	return "unknown"
}

// StateFunc 状态变更回调，err 为导致变更的错误，本地主动关闭时为 nil
// 回调在状态已更新且锁已释放后同步调用，不应长时间阻塞
type StateFunc func(from, to State, err error)
