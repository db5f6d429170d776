package router

import (
	"fmt"
	"time"

	"github.com/tokmz/wslink/pkg/logger"
)

// DefaultDeferDelay 连接仍在建立时发送推迟的时长
const DefaultDeferDelay = 2 * time.Second

// ReplyFunc 备用通道的响应回调
type ReplyFunc func(msg Message, body []byte)

// ErrorFunc 备用通道的失败回调
type ErrorFunc func(msg Message, err error)

// Config 路由配置
type Config struct {
	DeferDelay      time.Duration // 连接建立中时推迟一次的时长（默认 2s）
	FallbackEnabled bool          // 是否允许走备用通道（默认 true）
	TypeFolding     bool          // 拼接 type=value 前把 type 转为小写（默认 true）
	Tracing         bool          // 为每次发送创建 span

	OnReply ReplyFunc
	OnError ErrorFunc

	Logger  logger.Logger
	Metrics Metrics
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		DeferDelay:      DefaultDeferDelay,
		FallbackEnabled: true,
		TypeFolding:     true,
		Tracing:         true,
	}
}

// Validate 校验配置
func (c *Config) Validate() error {
	if c.DeferDelay < 0 {
		return fmt.Errorf("defer delay must not be negative, got %v", c.DeferDelay)
	}
	return nil
}

// Option 配置选项
type Option func(*Config)

// WithDeferDelay 设置推迟时长
func WithDeferDelay(d time.Duration) Option {
	return func(c *Config) { c.DeferDelay = d }
}

// WithFallback 启用或禁用备用通道
func WithFallback(enable bool) Option {
	return func(c *Config) { c.FallbackEnabled = enable }
}

// WithTypeFolding 设置是否把消息类型转为小写
func WithTypeFolding(enable bool) Option {
	return func(c *Config) { c.TypeFolding = enable }
}

// WithTracing 设置是否创建 span
func WithTracing(enable bool) Option {
	return func(c *Config) { c.Tracing = enable }
}

// WithReplyHandler 设置备用通道的回调
func WithReplyHandler(onReply ReplyFunc, onError ErrorFunc) Option {
	return func(c *Config) {
		c.OnReply = onReply
		c.OnError = onError
	}
}

// WithLogger 设置日志器
func WithLogger(l logger.Logger) Option {
	return func(c *Config) { c.Logger = l }
}

// WithMetrics 设置监控
func WithMetrics(m Metrics) Option {
	return func(c *Config) { c.Metrics = m }
}
