package conn

import "time"

// Metrics 连接监控接口
type Metrics interface {
	IncConnects(result string)
	IncStateTransitions(to string)
	AddFramesSent(opcode string, bytes int)
	AddFramesReceived(opcode string, bytes int)
	IncErrors(kind string)
	ObserveLiveness(d time.Duration, ok bool)
}

// NoopMetrics 空实现（默认）
type NoopMetrics struct{}

func (NoopMetrics) IncConnects(string)                 {}
func (NoopMetrics) IncStateTransitions(string)         {}
func (NoopMetrics) AddFramesSent(string, int)          {}
func (NoopMetrics) AddFramesReceived(string, int)      {}
func (NoopMetrics) IncErrors(string)                   {}
func (NoopMetrics) ObserveLiveness(time.Duration, bool) {}
