package handshake

import (
	"crypto/rand"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	// DefaultTimeout 等待响应头的默认时长
	DefaultTimeout = 5 * time.Second
	// DefaultMaxHeaderBytes 响应头最大字节数
	DefaultMaxHeaderBytes = 8192
)

// Config 握手配置
type Config struct {
	// Timeout 写请求并读到响应头结束符的总时长，0 表示不限（仍受 ctx 约束）
	Timeout time.Duration `mapstructure:"timeout"`
	// MaxHeaderBytes 响应头上限，超出视为握手失败
	MaxHeaderBytes int `mapstructure:"max_header_bytes"`
	// Header 附加请求头
	Header http.Header `mapstructure:"-"`
	// KeySource 生成 Sec-WebSocket-Key 的随机源
	KeySource io.Reader `mapstructure:"-"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Timeout:        DefaultTimeout,
		MaxHeaderBytes: DefaultMaxHeaderBytes,
		KeySource:      rand.Reader,
	}
}

// Validate 校验配置
func (c *Config) Validate() error {
	if c.Timeout < 0 {
		return fmt.Errorf("handshake timeout must not be negative, got %v", c.Timeout)
	}
	if c.MaxHeaderBytes <= 0 {
		return fmt.Errorf("max header bytes must be positive, got %d", c.MaxHeaderBytes)
	}
	if c.KeySource == nil {
		return fmt.Errorf("key source must not be nil")
	}
	return nil
}

// Option 配置选项
type Option func(*Config)

// WithTimeout 设置握手超时
func WithTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.Timeout = d
	}
}

// WithMaxHeaderBytes 设置响应头上限
func WithMaxHeaderBytes(n int) Option {
	return func(c *Config) {
		c.MaxHeaderBytes = n
	}
}

// WithHeader 添加请求头
func WithHeader(key, value string) Option {
	return func(c *Config) {
		if c.Header == nil {
			c.Header = make(http.Header)
		}
		c.Header.Add(key, value)
	}
}

// WithKeySource 设置随机源
func WithKeySource(r io.Reader) Option {
	return func(c *Config) {
		c.KeySource = r
	}
}
