package conn

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/tokmz/wslink/pkg/handshake"
	"github.com/tokmz/wslink/pkg/logger"
)

// Dialer 建立底层字节流
type Dialer func(ctx context.Context, network, addr string) (net.Conn, error)

// Config 连接配置
type Config struct {
	Secure    bool        // 使用 TLS（wss://）
	TLSConfig *tls.Config // 为空时按目标主机名校验证书

	DialTimeout      time.Duration // 建立 TCP 连接（默认 10s）
	HandshakeTimeout time.Duration // 打开握手（默认 5s）
	MaxHeaderBytes   int           // 握手响应头上限（默认 8KB）
	ReadTimeout      time.Duration // Receive 等待单帧的时长，0 表示只受 ctx 约束
	WriteTimeout     time.Duration // 单帧写入的时长（默认 10s），0 不限
	LivenessTimeout  time.Duration // CheckLiveness 等待 PONG（默认 5s）
	ReconnectDelay   time.Duration // Reconnect 前的固定等待（默认 10s）

	// WriteChunkSize 大于 0 时按块写出帧，块之间暂停 WritePacing
	WriteChunkSize int
	WritePacing    time.Duration

	MaxPayload int64 // 接收单帧负载上限（默认 16MB）
	Masking    bool  // 发送时是否加掩码（客户端默认 true）
	QueueSize  int   // 读协程到消费者之间的缓冲帧数（默认 64）

	Dialer        Dialer
	Logger        logger.Logger
	Metrics       Metrics
	OnStateChange StateFunc
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		DialTimeout:      10 * time.Second,
		HandshakeTimeout: handshake.DefaultTimeout,
		MaxHeaderBytes:   handshake.DefaultMaxHeaderBytes,
		WriteTimeout:     10 * time.Second,
		LivenessTimeout:  5 * time.Second,
		ReconnectDelay:   10 * time.Second,
		MaxPayload:       16 << 20,
		Masking:          true,
		QueueSize:        64,
	}
}

// Validate 校验配置
func (c *Config) Validate() error {
	if c.DialTimeout < 0 || c.HandshakeTimeout < 0 || c.ReadTimeout < 0 || c.WriteTimeout < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	if c.LivenessTimeout <= 0 {
		return fmt.Errorf("liveness timeout must be positive, got %v", c.LivenessTimeout)
	}
	if c.ReconnectDelay < 0 {
		return fmt.Errorf("reconnect delay must not be negative, got %v", c.ReconnectDelay)
	}
	if c.WriteChunkSize < 0 {
		return fmt.Errorf("write chunk size must not be negative, got %d", c.WriteChunkSize)
	}
	if c.WritePacing < 0 {
		return fmt.Errorf("write pacing must not be negative, got %v", c.WritePacing)
	}
	if c.MaxHeaderBytes <= 0 {
		return fmt.Errorf("max header bytes must be positive, got %d", c.MaxHeaderBytes)
	}
	if c.QueueSize <= 0 {
		return fmt.Errorf("queue size must be positive, got %d", c.QueueSize)
	}
	return nil
}

// Option 配置选项
type Option func(*Config)

// WithSecure 使用 wss://
func WithSecure(tlsConfig *tls.Config) Option {
	return func(c *Config) {
		c.Secure = true
		c.TLSConfig = tlsConfig
	}
}

// WithDialTimeout 设置拨号超时
func WithDialTimeout(d time.Duration) Option {
	return func(c *Config) { c.DialTimeout = d }
}

// WithHandshakeTimeout 设置握手超时
func WithHandshakeTimeout(d time.Duration) Option {
	return func(c *Config) { c.HandshakeTimeout = d }
}

// WithReadTimeout 设置 Receive 超时
func WithReadTimeout(d time.Duration) Option {
	return func(c *Config) { c.ReadTimeout = d }
}

// WithWriteTimeout 设置写超时
func WithWriteTimeout(d time.Duration) Option {
	return func(c *Config) { c.WriteTimeout = d }
}

// WithLivenessTimeout 设置存活检测超时
func WithLivenessTimeout(d time.Duration) Option {
	return func(c *Config) { c.LivenessTimeout = d }
}

// WithReconnectDelay 设置重连等待
func WithReconnectDelay(d time.Duration) Option {
	return func(c *Config) { c.ReconnectDelay = d }
}

// WithWritePacing 分块写出，每块 chunkSize 字节，块间暂停 pacing
func WithWritePacing(chunkSize int, pacing time.Duration) Option {
	return func(c *Config) {
		c.WriteChunkSize = chunkSize
		c.WritePacing = pacing
	}
}

// WithMaxPayload 设置接收负载上限
func WithMaxPayload(n int64) Option {
	return func(c *Config) { c.MaxPayload = n }
}

// WithMasking 设置发送时是否加掩码
func WithMasking(enable bool) Option {
	return func(c *Config) { c.Masking = enable }
}

// WithDialer 使用自定义拨号器
func WithDialer(d Dialer) Option {
	return func(c *Config) { c.Dialer = d }
}

// WithLogger 设置日志器
func WithLogger(l logger.Logger) Option {
	return func(c *Config) { c.Logger = l }
}

// WithMetrics 设置监控
func WithMetrics(m Metrics) Option {
	return func(c *Config) { c.Metrics = m }
}

// WithStateListener 设置状态变更回调
func WithStateListener(fn StateFunc) Option {
	return func(c *Config) { c.OnStateChange = fn }
}
