package link

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/tokmz/wslink/pkg/config"
	"github.com/tokmz/wslink/pkg/fallback"
	"github.com/tokmz/wslink/pkg/handshake"
	"github.com/tokmz/wslink/pkg/logger"
	"github.com/tokmz/wslink/pkg/router"
	"github.com/tokmz/wslink/pkg/tracing"
)

// EnvPrefix 环境变量前缀，如 WSLINK_HOST、WSLINK_FALLBACK_ENABLED
const EnvPrefix = "WSLINK"

// Settings 链路的全部配置，可以从 YAML/JSON/TOML 文件、环境变量和命令行标志加载
type Settings struct {
	Host     string `mapstructure:"host" yaml:"host"`
	Port     int    `mapstructure:"port" yaml:"port"`
	Resource string `mapstructure:"resource" yaml:"resource"`
	Origin   string `mapstructure:"origin" yaml:"origin"`
	Secure   bool   `mapstructure:"secure" yaml:"secure"`

	Fallback FallbackSettings `mapstructure:"fallback" yaml:"fallback"`
	Timeouts TimeoutSettings  `mapstructure:"timeouts" yaml:"timeouts"`
	Write    WriteSettings    `mapstructure:"write" yaml:"write"`

	MaxPayload        int64         `mapstructure:"max_payload" yaml:"max_payload"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" yaml:"heartbeat_interval"` // 0 关闭心跳
	AutoReconnect     bool          `mapstructure:"auto_reconnect" yaml:"auto_reconnect"`
	TypeFolding       bool          `mapstructure:"type_folding" yaml:"type_folding"`

	Log     LogSettings     `mapstructure:"log" yaml:"log"`
	Tracing tracing.Config  `mapstructure:"tracing" yaml:"tracing"`
	Metrics MetricsSettings `mapstructure:"metrics" yaml:"metrics"`
}

// FallbackSettings 备用通道
type FallbackSettings struct {
	Enabled bool          `mapstructure:"enabled" yaml:"enabled"`
	BaseURL string        `mapstructure:"base_url" yaml:"base_url"` // 为空时由 host、port、secure 推出
	Suffix  string        `mapstructure:"suffix" yaml:"suffix"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// TimeoutSettings 各阶段超时
type TimeoutSettings struct {
	Dial           time.Duration `mapstructure:"dial" yaml:"dial"`
	Handshake      time.Duration `mapstructure:"handshake" yaml:"handshake"`
	Read           time.Duration `mapstructure:"read" yaml:"read"`
	Write          time.Duration `mapstructure:"write" yaml:"write"`
	Liveness       time.Duration `mapstructure:"liveness" yaml:"liveness"`
	ReconnectDelay time.Duration `mapstructure:"reconnect_delay" yaml:"reconnect_delay"`
	DeferDelay     time.Duration `mapstructure:"defer_delay" yaml:"defer_delay"`
}

// WriteSettings 分块写出
type WriteSettings struct {
	ChunkSize int           `mapstructure:"chunk_size" yaml:"chunk_size"`
	Pacing    time.Duration `mapstructure:"pacing" yaml:"pacing"`
}

// LogSettings 日志
type LogSettings struct {
	Level      string `mapstructure:"level" yaml:"level"`
	Format     string `mapstructure:"format" yaml:"format"`
	File       string `mapstructure:"file" yaml:"file"` // 为空输出到控制台
	MaxSize    int    `mapstructure:"max_size" yaml:"max_size"`
	MaxAge     int    `mapstructure:"max_age" yaml:"max_age"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	Compress   bool   `mapstructure:"compress" yaml:"compress"`

	Sampling   LogSampling `mapstructure:"sampling" yaml:"sampling"`
	Caller     bool        `mapstructure:"caller" yaml:"caller"`
	Stacktrace bool        `mapstructure:"stacktrace" yaml:"stacktrace"`
}

// LogSampling initial 为 0 时不采样
type LogSampling struct {
	Initial    int `mapstructure:"initial" yaml:"initial"`
	Thereafter int `mapstructure:"thereafter" yaml:"thereafter"`
}

// MetricsSettings Prometheus 指标
type MetricsSettings struct {
	Enabled   bool   `mapstructure:"enabled" yaml:"enabled"`
	Namespace string `mapstructure:"namespace" yaml:"namespace"`
	Path      string `mapstructure:"path" yaml:"path"` // relay 暴露指标的路径
}

// DefaultSettings 返回默认配置
func DefaultSettings() *Settings {
	return &Settings{
		Host:     "127.0.0.1",
		Port:     8080,
		Resource: "/ws",
		Fallback: FallbackSettings{
			Enabled: true,
			Suffix:  fallback.DefaultSuffix,
			Timeout: fallback.DefaultTimeout,
		},
		Timeouts: TimeoutSettings{
			Dial:           10 * time.Second,
			Handshake:      handshake.DefaultTimeout,
			Write:          10 * time.Second,
			Liveness:       5 * time.Second,
			ReconnectDelay: 10 * time.Second,
			DeferDelay:     router.DefaultDeferDelay,
		},
		MaxPayload:  16 << 20,
		TypeFolding: true,
		Log: LogSettings{
			Level:  "info",
			Format: string(logger.JSONFormat),
		},
		Tracing: *tracing.DefaultConfig(),
		Metrics: MetricsSettings{
			Namespace: "wslink",
			Path:      "/metrics",
		},
	}
}

// defaults 以点分键展开默认值，供 viper 识别环境变量
func defaults() map[string]any {
	d := DefaultSettings()
	return map[string]any{
		"host":                          d.Host,
		"port":                          d.Port,
		"resource":                      d.Resource,
		"origin":                        d.Origin,
		"secure":                        d.Secure,
		"fallback.enabled":              d.Fallback.Enabled,
		"fallback.base_url":             d.Fallback.BaseURL,
		"fallback.suffix":               d.Fallback.Suffix,
		"fallback.timeout":              d.Fallback.Timeout,
		"timeouts.dial":                 d.Timeouts.Dial,
		"timeouts.handshake":            d.Timeouts.Handshake,
		"timeouts.read":                 d.Timeouts.Read,
		"timeouts.write":                d.Timeouts.Write,
		"timeouts.liveness":             d.Timeouts.Liveness,
		"timeouts.reconnect_delay":      d.Timeouts.ReconnectDelay,
		"timeouts.defer_delay":          d.Timeouts.DeferDelay,
		"write.chunk_size":              d.Write.ChunkSize,
		"write.pacing":                  d.Write.Pacing,
		"max_payload":                   d.MaxPayload,
		"heartbeat_interval":            d.HeartbeatInterval,
		"auto_reconnect":                d.AutoReconnect,
		"type_folding":                  d.TypeFolding,
		"log.level":                     d.Log.Level,
		"log.format":                    d.Log.Format,
		"log.file":                      d.Log.File,
		"log.max_size":                  d.Log.MaxSize,
		"log.max_age":                   d.Log.MaxAge,
		"log.max_backups":               d.Log.MaxBackups,
		"log.compress":                  d.Log.Compress,
		"log.sampling.initial":          d.Log.Sampling.Initial,
		"log.sampling.thereafter":       d.Log.Sampling.Thereafter,
		"log.caller":                    d.Log.Caller,
		"log.stacktrace":                d.Log.Stacktrace,
		"tracing.enabled":               d.Tracing.Enabled,
		"tracing.service_name":          d.Tracing.ServiceName,
		"tracing.service_version":       d.Tracing.ServiceVersion,
		"tracing.environment":           d.Tracing.Environment,
		"tracing.exporter":              d.Tracing.Exporter,
		"tracing.endpoint":              d.Tracing.Endpoint,
		"tracing.insecure":              d.Tracing.Insecure,
		"tracing.sampling_type":         d.Tracing.SamplingType,
		"tracing.sampling_rate":         d.Tracing.SamplingRate,
		"tracing.batch_timeout":         d.Tracing.BatchTimeout,
		"tracing.max_export_batch_size": d.Tracing.MaxExportBatchSize,
		"tracing.max_queue_size":        d.Tracing.MaxQueueSize,
		"metrics.enabled":               d.Metrics.Enabled,
		"metrics.namespace":             d.Metrics.Namespace,
		"metrics.path":                  d.Metrics.Path,
	}
}

// LoadSettings 按 默认值 < 配置文件 < 环境变量 < 命令行标志 的优先级加载配置
// path 为空时不读文件；flags 中的标志名需与配置键一致（如 host、port）
func LoadSettings(path string, flags *pflag.FlagSet) (*Settings, error) {
	opts := []config.Option{
		config.WithDefaults(defaults()),
		config.WithEnvPrefix(EnvPrefix),
	}
	if path != "" {
		opts = append(opts, config.WithConfigFile(path))
	}
	if flags != nil {
		opts = append(opts, config.WithFlags(flags))
	}

	c := config.New(opts...)
	if err := c.Load(); err != nil {
		return nil, err
	}
	s := &Settings{}
	if err := c.Unmarshal(s); err != nil {
		return nil, fmt.Errorf("decode settings: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// WatchLogLevel 监控配置文件，log.level 变化时调整 log 的级别
// 环境变量 WSLINK_LOG_LEVEL 同样生效；返回的函数停止监控
func WatchLogLevel(path string, log logger.Logger) (func(), error) {
	var c *config.Config
	c = config.New(
		config.WithConfigFile(path),
		config.WithDefaults(map[string]any{"log.level": log.Level().String()}),
		config.WithEnvPrefix(EnvPrefix),
		config.WithAutoWatch(true),
		config.WithOnChange(func(name string) {
			raw := c.GetString("log.level")
			level, err := logger.ParseLevel(raw)
			if err != nil {
				log.Warn("ignoring invalid log level", zap.String("file", name), zap.String("level", raw))
				return
			}
			if level == log.Level() {
				return
			}
			log.SetLevel(level)
			log.Info("log level changed", zap.String("file", name), zap.String("level", level.String()))
		}),
	)
	if err := c.Load(); err != nil {
		return nil, err
	}
	return c.Close, nil
}

// Validate 校验配置
func (s *Settings) Validate() error {
	if s.Host == "" {
		return fmt.Errorf("host must not be empty")
	}
	if s.Port <= 0 || s.Port > 65535 {
		return fmt.Errorf("port out of range: %d", s.Port)
	}
	if !strings.HasPrefix(s.Resource, "/") {
		return fmt.Errorf("resource must start with '/', got %q", s.Resource)
	}
	if s.Fallback.Enabled && s.Fallback.Timeout <= 0 {
		return fmt.Errorf("fallback timeout must be positive, got %v", s.Fallback.Timeout)
	}
	if s.Timeouts.Liveness <= 0 {
		return fmt.Errorf("liveness timeout must be positive, got %v", s.Timeouts.Liveness)
	}
	if s.HeartbeatInterval < 0 {
		return fmt.Errorf("heartbeat interval must not be negative, got %v", s.HeartbeatInterval)
	}
	if s.HeartbeatInterval > 0 && s.HeartbeatInterval <= s.Timeouts.Liveness {
		return fmt.Errorf("heartbeat interval (%v) must be greater than liveness timeout (%v)",
			s.HeartbeatInterval, s.Timeouts.Liveness)
	}
	if s.Tracing.Enabled {
		if err := s.Tracing.Validate(); err != nil {
			return err
		}
	}
	if _, err := logger.ParseLevel(s.Log.Level); err != nil {
		return err
	}
	return nil
}

// Target 握手目标
func (s *Settings) Target() handshake.Target {
	return handshake.Target{Host: s.Host, Port: s.Port, Path: s.Resource, Origin: s.Origin}
}

// Addr host:port
func (s *Settings) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// FallbackBaseURL 备用通道根地址
func (s *Settings) FallbackBaseURL() string {
	if s.Fallback.BaseURL != "" {
		return s.Fallback.BaseURL
	}
	scheme := "http"
	if s.Secure {
		scheme = "https"
	}
	return scheme + "://" + s.Addr()
}

// NewLogger 按日志配置创建 Logger，hooks 在每条写出的日志前调用
func NewLogger(s LogSettings, hooks ...logger.Hook) (logger.Logger, error) {
	level, err := logger.ParseLevel(s.Level)
	if err != nil {
		return nil, err
	}
	format := logger.Format(s.Format)
	if format == "" {
		format = logger.JSONFormat
	}
	if !format.IsValid() {
		return nil, fmt.Errorf("invalid log format %q", s.Format)
	}

	opts := []logger.Option{
		logger.WithLevel(level),
		logger.WithFormat(format),
		logger.WithSampling(s.Sampling.Initial, s.Sampling.Thereafter),
		logger.WithCaller(s.Caller),
		logger.WithStacktrace(s.Stacktrace),
	}
	if s.File != "" {
		opts = append(opts, logger.WithFile(&logger.FileConfig{
			Path:       s.File,
			MaxSize:    s.MaxSize,
			MaxAge:     s.MaxAge,
			MaxBackups: s.MaxBackups,
			Compress:   s.Compress,
		}))
	} else {
		opts = append(opts, logger.WithConsole())
	}
	for _, h := range hooks {
		opts = append(opts, logger.WithHook(h))
	}
	return logger.NewWithOptions(opts...)
}
