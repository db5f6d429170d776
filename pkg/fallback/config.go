package fallback

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/tokmz/wslink/pkg/logger"
	"github.com/tokmz/wslink/pkg/request"
)

const (
	// DefaultTimeout 回退请求默认超时
	DefaultTimeout = 4 * time.Second
	// DefaultSuffix 回退端点相对资源路径的后缀
	DefaultSuffix = ".php"
	// ContentType 请求体类型
	ContentType = "text/plain; charset=utf-8"
)

// Config 回退请求配置
type Config struct {
	// BaseURL 回退服务的 http(s) 根地址，如 http://host:port
	BaseURL string `mapstructure:"base_url"`
	// Resource 与套接字相同的资源路径
	Resource string `mapstructure:"resource"`
	// Suffix 追加到资源路径之后
	Suffix string `mapstructure:"suffix"`
	// Timeout 单次请求默认超时，调用时可覆盖
	Timeout time.Duration `mapstructure:"timeout"`
	// Tracing 是否为请求创建 span 并注入传播头
	Tracing bool `mapstructure:"tracing"`

	Logger logger.Logger   `mapstructure:"-"`
	Client *request.Client `mapstructure:"-"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Suffix:  DefaultSuffix,
		Timeout: DefaultTimeout,
	}
}

// Validate 校验配置
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("fallback base url must not be empty")
	}
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return fmt.Errorf("fallback base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("fallback base url must be http or https, got %q", u.Scheme)
	}
	if c.Resource == "" {
		return fmt.Errorf("fallback resource must not be empty")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("fallback timeout must be positive, got %v", c.Timeout)
	}
	return nil
}

// Endpoint 返回完整的回退地址 <base_url><resource><suffix>
func (c *Config) Endpoint() string {
	resource := c.Resource
	if resource != "" && !strings.HasPrefix(resource, "/") {
		resource = "/" + resource
	}
	return strings.TrimRight(c.BaseURL, "/") + resource + c.Suffix
}

// Option 配置选项
type Option func(*Config)

// WithBaseURL 设置根地址
func WithBaseURL(u string) Option {
	return func(c *Config) { c.BaseURL = u }
}

// WithResource 设置资源路径
func WithResource(resource string) Option {
	return func(c *Config) { c.Resource = resource }
}

// WithSuffix 设置后缀
func WithSuffix(suffix string) Option {
	return func(c *Config) { c.Suffix = suffix }
}

// WithTimeout 设置默认超时
func WithTimeout(d time.Duration) Option {
	return func(c *Config) { c.Timeout = d }
}

// WithTracing 启用追踪
func WithTracing(enable bool) Option {
	return func(c *Config) { c.Tracing = enable }
}

// WithLogger 设置日志器
func WithLogger(l logger.Logger) Option {
	return func(c *Config) { c.Logger = l }
}

// WithClient 使用自定义 HTTP 客户端
func WithClient(client *request.Client) Option {
	return func(c *Config) { c.Client = client }
}
