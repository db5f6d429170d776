// Package metrics Prometheus 指标收集，同时实现 conn、router 与 relay 的监控接口
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap/zapcore"

	"github.com/tokmz/wslink/pkg/conn"
	"github.com/tokmz/wslink/pkg/relay"
	"github.com/tokmz/wslink/pkg/router"
)

// Config 指标配置
type Config struct {
	Namespace   string
	Subsystem   string
	ConstLabels prometheus.Labels
	Buckets     []float64             // 存活检测耗时分布
	Registry    prometheus.Registerer // 默认 prometheus.DefaultRegisterer
}

// Option 配置选项
type Option func(*Config)

// WithNamespace 设置命名空间（默认 wslink）
func WithNamespace(namespace string) Option {
	return func(c *Config) { c.Namespace = namespace }
}

// WithSubsystem 设置子系统
func WithSubsystem(subsystem string) Option {
	return func(c *Config) { c.Subsystem = subsystem }
}

// WithConstLabels 为所有指标添加固定标签
func WithConstLabels(labels prometheus.Labels) Option {
	return func(c *Config) { c.ConstLabels = labels }
}

// WithBuckets 设置直方图分桶
func WithBuckets(buckets []float64) Option {
	return func(c *Config) { c.Buckets = buckets }
}

// WithRegistry 设置注册器
func WithRegistry(registry prometheus.Registerer) Option {
	return func(c *Config) { c.Registry = registry }
}

func defaultConfig() Config {
	return Config{
		Namespace: "wslink",
		Buckets:   []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2.5, 5},
		Registry:  prometheus.DefaultRegisterer,
	}
}

// Collector Prometheus 指标
type Collector struct {
	connects    *prometheus.CounterVec
	transitions *prometheus.CounterVec
	frames      *prometheus.CounterVec
	frameBytes  *prometheus.CounterVec
	errors      *prometheus.CounterVec
	liveness    *prometheus.HistogramVec

	routed          *prometheus.CounterVec
	deferred        prometheus.Counter
	fallbackResults *prometheus.CounterVec

	peers          prometheus.Gauge
	relayMessages  *prometheus.CounterVec
	handlerErrors  *prometheus.CounterVec
	droppedReplies prometheus.Counter

	logEntries *prometheus.CounterVec
}

var (
	_ conn.Metrics   = (*Collector)(nil)
	_ router.Metrics = (*Collector)(nil)
	_ relay.Metrics  = (*Collector)(nil)
)

// New 创建并注册所有指标
// 同一个 Registry 只能创建一次，重复注册会 panic
func New(opts ...Option) *Collector {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	factory := promauto.With(cfg.Registry)

	counterVec := func(name, help string, labels ...string) *prometheus.CounterVec {
		return factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: cfg.ConstLabels,
		}, labels)
	}
	counter := func(name, help string) prometheus.Counter {
		return factory.NewCounter(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: cfg.ConstLabels,
		})
	}

	return &Collector{
		connects:    counterVec("connects_total", "WebSocket connect attempts by result", "result"),
		transitions: counterVec("state_transitions_total", "Connection state transitions by target state", "state"),
		frames:      counterVec("frames_total", "Frames by direction and opcode", "direction", "opcode"),
		frameBytes:  counterVec("frame_payload_bytes_total", "Frame payload bytes by direction and opcode", "direction", "opcode"),
		errors:      counterVec("errors_total", "Connection errors by kind", "kind"),
		liveness: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "liveness_check_seconds",
			Help:        "Ping to pong round trip of liveness checks",
			ConstLabels: cfg.ConstLabels,
			Buckets:     cfg.Buckets,
		}, []string{"result"}),

		routed:          counterVec("routed_messages_total", "Outbound messages by delivery path", "path"),
		deferred:        counter("deferred_sends_total", "Sends deferred because the socket was still connecting"),
		fallbackResults: counterVec("fallback_results_total", "Fallback request outcomes", "result"),

		peers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "relay_peers",
			Help:        "WebSocket peers currently connected to the relay",
			ConstLabels: cfg.ConstLabels,
		}),
		relayMessages:  counterVec("relay_messages_total", "Messages handled by the relay by transport and type", "transport", "type"),
		handlerErrors:  counterVec("relay_handler_errors_total", "Relay handler failures by transport", "transport"),
		droppedReplies: counter("relay_dropped_replies_total", "Replies dropped because a peer send queue was full"),

		logEntries: counterVec("log_entries_total", "Log entries written by level", "level"),
	}
}

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "failed"
}

// IncConnects conn.Metrics
func (c *Collector) IncConnects(res string) { c.connects.WithLabelValues(res).Inc() }

func (c *Collector) IncStateTransitions(to string) { c.transitions.WithLabelValues(to).Inc() }

func (c *Collector) AddFramesSent(opcode string, n int) {
	c.frames.WithLabelValues("out", opcode).Inc()
	c.frameBytes.WithLabelValues("out", opcode).Add(float64(n))
}

func (c *Collector) AddFramesReceived(opcode string, n int) {
	c.frames.WithLabelValues("in", opcode).Inc()
	c.frameBytes.WithLabelValues("in", opcode).Add(float64(n))
}

func (c *Collector) IncErrors(kind string) { c.errors.WithLabelValues(kind).Inc() }

func (c *Collector) ObserveLiveness(d time.Duration, ok bool) {
	c.liveness.WithLabelValues(result(ok)).Observe(d.Seconds())
}

// IncRouted router.Metrics
func (c *Collector) IncRouted(path string) { c.routed.WithLabelValues(path).Inc() }

func (c *Collector) IncDeferred() { c.deferred.Inc() }

func (c *Collector) IncFallbackResults(ok bool) { c.fallbackResults.WithLabelValues(result(ok)).Inc() }

// PeerConnected relay.Metrics
func (c *Collector) PeerConnected() { c.peers.Inc() }

func (c *Collector) PeerDisconnected() { c.peers.Dec() }

func (c *Collector) IncMessages(transport, typ string) {
	c.relayMessages.WithLabelValues(transport, typ).Inc()
}

func (c *Collector) IncHandlerErrors(transport string) { c.handlerErrors.WithLabelValues(transport).Inc() }

func (c *Collector) IncDroppedReplies() { c.droppedReplies.Inc() }

// LogHook 按级别统计写出的日志，用作 logger.Hook
func (c *Collector) LogHook(entry zapcore.Entry, _ []zapcore.Field) error {
	c.logEntries.WithLabelValues(entry.Level.String()).Inc()
	return nil
}
