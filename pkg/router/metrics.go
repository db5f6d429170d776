package router

// Metrics 路由监控接口
type Metrics interface {
	IncRouted(path string)
	IncDeferred()
	IncFallbackResults(ok bool)
}

// NoopMetrics 空实现（默认）
type NoopMetrics struct{}

func (NoopMetrics) IncRouted(string)         {}
func (NoopMetrics) IncDeferred()             {}
func (NoopMetrics) IncFallbackResults(bool) {}
