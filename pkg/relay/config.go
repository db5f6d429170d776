package relay

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/tokmz/wslink/pkg/logger"
)

// Config 中继服务配置
type Config struct {
	Addr     string // 监听地址（默认 :8080）
	Resource string // WebSocket 资源路径（默认 /ws）
	Suffix   string // 备用 HTTP 路径后缀，POST <Resource><Suffix>（默认 .php）

	MaxPeers          int
	ReadBufferSize    int
	WriteBufferSize   int
	HandshakeTimeout  time.Duration
	MaxMessageSize    int64
	HeartbeatInterval time.Duration // 向 peer 发送 PING 的间隔
	HeartbeatTimeout  time.Duration // 超过该时长未收到任何帧即断开
	WriteWait         time.Duration
	SendQueueSize     int
	HandlerTimeout    time.Duration // 单条消息的处理时长上限
	ShutdownTimeout   time.Duration

	// Origin 检查：CheckOrigin 优先，其次 AllowedOrigins 白名单，最后是默认规则
	CheckOrigin    func(*http.Request) bool
	AllowedOrigins []string

	// CORSOrigins 允许跨域调用备用端点的页面来源，支持 * 与 https://*.example.com
	CORSOrigins []string

	// RateLimit 每个客户端 IP 每秒允许的升级与备用请求数，0 不限制
	RateLimit float64
	RateBurst int

	EventWorkers   int
	EventQueueSize int

	MetricsPath string             // 非空时暴露 Prometheus 指标
	Gatherer    prometheus.Gatherer // 默认 prometheus.DefaultGatherer
	Tracing     bool                // 为 HTTP 请求创建 span

	Logger  logger.Logger
	Metrics Metrics
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Addr:              ":8080",
		Resource:          "/ws",
		Suffix:            ".php",
		MaxPeers:          10000,
		ReadBufferSize:    1024,
		WriteBufferSize:   1024,
		HandshakeTimeout:  10 * time.Second,
		MaxMessageSize:    1 << 20,
		HeartbeatInterval: 30 * time.Second,
		HeartbeatTimeout:  90 * time.Second,
		WriteWait:         10 * time.Second,
		SendQueueSize:     256,
		HandlerTimeout:    30 * time.Second,
		ShutdownTimeout:   10 * time.Second,
		EventWorkers:      4,
		EventQueueSize:    1024,
	}
}

// Validate 验证配置
func (c *Config) Validate() error {
	if !strings.HasPrefix(c.Resource, "/") {
		return fmt.Errorf("Resource must start with '/', got %q", c.Resource)
	}
	if c.Suffix == "" {
		return fmt.Errorf("Suffix must not be empty")
	}
	if c.MaxPeers <= 0 {
		return fmt.Errorf("MaxPeers must be positive, got %d", c.MaxPeers)
	}
	if c.ReadBufferSize <= 0 || c.WriteBufferSize <= 0 {
		return fmt.Errorf("buffer sizes must be positive, got %d/%d", c.ReadBufferSize, c.WriteBufferSize)
	}
	if c.MaxMessageSize <= 0 {
		return fmt.Errorf("MaxMessageSize must be positive, got %d", c.MaxMessageSize)
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("HeartbeatInterval must be positive, got %v", c.HeartbeatInterval)
	}
	if c.HeartbeatTimeout <= c.HeartbeatInterval {
		return fmt.Errorf("HeartbeatTimeout (%v) must be greater than HeartbeatInterval (%v)",
			c.HeartbeatTimeout, c.HeartbeatInterval)
	}
	if c.SendQueueSize <= 0 {
		return fmt.Errorf("SendQueueSize must be positive, got %d", c.SendQueueSize)
	}
	if c.RateLimit < 0 {
		return fmt.Errorf("RateLimit must not be negative, got %v", c.RateLimit)
	}
	if c.EventWorkers <= 0 || c.EventQueueSize <= 0 {
		return fmt.Errorf("event workers and queue size must be positive")
	}
	return nil
}

// Option 配置选项
type Option func(*Config)

// WithAddr 设置监听地址
func WithAddr(addr string) Option {
	return func(c *Config) { c.Addr = addr }
}

// WithResource 设置资源路径与备用后缀
func WithResource(resource, suffix string) Option {
	return func(c *Config) {
		c.Resource = resource
		c.Suffix = suffix
	}
}

// WithMaxPeers 设置最大连接数
func WithMaxPeers(n int) Option {
	return func(c *Config) { c.MaxPeers = n }
}

// WithHeartbeat 设置心跳间隔与超时
func WithHeartbeat(interval, timeout time.Duration) Option {
	return func(c *Config) {
		c.HeartbeatInterval = interval
		c.HeartbeatTimeout = timeout
	}
}

// WithMaxMessageSize 设置消息大小上限
func WithMaxMessageSize(n int64) Option {
	return func(c *Config) { c.MaxMessageSize = n }
}

// WithSendQueueSize 设置每个 peer 的发送队列长度
func WithSendQueueSize(n int) Option {
	return func(c *Config) { c.SendQueueSize = n }
}

// WithCheckOriginWhitelist 设置 Origin 白名单
func WithCheckOriginWhitelist(origins []string) Option {
	return func(c *Config) { c.AllowedOrigins = origins }
}

// WithAllowAllOrigins 允许所有来源（仅用于开发环境）
func WithAllowAllOrigins() Option {
	return func(c *Config) {
		c.CheckOrigin = func(*http.Request) bool { return true }
	}
}

// WithCORS 允许这些来源的页面跨域调用备用端点
func WithCORS(origins ...string) Option {
	return func(c *Config) { c.CORSOrigins = origins }
}

// WithRateLimit 按客户端 IP 限速，burst 不大于 0 时取 rate
func WithRateLimit(rate float64, burst int) Option {
	return func(c *Config) {
		c.RateLimit = rate
		c.RateBurst = burst
	}
}

// WithMetricsEndpoint 在 path 上暴露 gatherer 中的指标
func WithMetricsEndpoint(path string, gatherer prometheus.Gatherer) Option {
	return func(c *Config) {
		c.MetricsPath = path
		c.Gatherer = gatherer
	}
}

// WithTracing 启用 HTTP 链路追踪
func WithTracing(enable bool) Option {
	return func(c *Config) { c.Tracing = enable }
}

// WithLogger 设置日志器
func WithLogger(l logger.Logger) Option {
	return func(c *Config) { c.Logger = l }
}

// WithMetrics 设置监控
func WithMetrics(m Metrics) Option {
	return func(c *Config) { c.Metrics = m }
}

// requestOrigin 浏览器发送 Origin，旧版草案客户端发送 Sec-WebSocket-Origin
func requestOrigin(r *http.Request) string {
	if o := r.Header.Get("Origin"); o != "" {
		return o
	}
	return r.Header.Get("Sec-WebSocket-Origin")
}

// defaultCheckOrigin 没有 Origin 头的非浏览器客户端放行，否则要求同源
func defaultCheckOrigin(r *http.Request) bool {
	origin := requestOrigin(r)
	if origin == "" {
		return true
	}
	return origin == "http://"+r.Host || origin == "https://"+r.Host
}

// whitelistChecker 白名单模式下拒绝空 Origin
func whitelistChecker(origins []string) func(*http.Request) bool {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[o] = true
	}
	return func(r *http.Request) bool {
		origin := requestOrigin(r)
		return origin != "" && allowed[origin]
	}
}

// newUpgrader 按配置创建 gorilla Upgrader
func newUpgrader(c *Config) websocket.Upgrader {
	check := c.CheckOrigin
	if check == nil {
		if len(c.AllowedOrigins) > 0 {
			check = whitelistChecker(c.AllowedOrigins)
		} else {
			check = defaultCheckOrigin
		}
	}
	return websocket.Upgrader{
		ReadBufferSize:   c.ReadBufferSize,
		WriteBufferSize:  c.WriteBufferSize,
		HandshakeTimeout: c.HandshakeTimeout,
		CheckOrigin:      check,
	}
}
