package relay

// Metrics 中继监控接口
type Metrics interface {
	PeerConnected()
	PeerDisconnected()
	IncMessages(transport, typ string)
	IncHandlerErrors(transport string)
	IncDroppedReplies()
}

// NoopMetrics 空实现（默认）
type NoopMetrics struct{}

func (NoopMetrics) PeerConnected()              {}
func (NoopMetrics) PeerDisconnected()           {}
func (NoopMetrics) IncMessages(string, string)  {}
func (NoopMetrics) IncHandlerErrors(string)     {}
func (NoopMetrics) IncDroppedReplies()          {}
