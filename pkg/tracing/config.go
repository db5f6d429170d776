package tracing

import (
	"io"
	"time"
)

// 导出器类型
const (
	ExporterStdout   = "stdout"
	ExporterOTLP     = "otlp"      // OTLP over HTTP
	ExporterOTLPGRPC = "otlp-grpc" // OTLP over gRPC
	ExporterNoop     = "noop"
)

// Config 链路追踪配置
type Config struct {
	Enabled        bool   `mapstructure:"enabled" yaml:"enabled"`
	ServiceName    string `mapstructure:"service_name" yaml:"service_name"`
	ServiceVersion string `mapstructure:"service_version" yaml:"service_version"`
	Environment    string `mapstructure:"environment" yaml:"environment"`

	// 导出器：stdout / otlp / otlp-grpc / noop
	Exporter string            `mapstructure:"exporter" yaml:"exporter"`
	Endpoint string            `mapstructure:"endpoint" yaml:"endpoint"` // 为空时读取 OTEL_EXPORTER_OTLP_ENDPOINT
	Headers  map[string]string `mapstructure:"headers" yaml:"headers"`
	Insecure bool              `mapstructure:"insecure" yaml:"insecure"`

	// 采样：always / never / ratio / parent_based
	SamplingType string  `mapstructure:"sampling_type" yaml:"sampling_type"`
	SamplingRate float64 `mapstructure:"sampling_rate" yaml:"sampling_rate"`

	ResourceAttributes map[string]string `mapstructure:"resource_attributes" yaml:"resource_attributes"`

	BatchTimeout       time.Duration `mapstructure:"batch_timeout" yaml:"batch_timeout"`
	MaxExportBatchSize int           `mapstructure:"max_export_batch_size" yaml:"max_export_batch_size"`
	MaxQueueSize       int           `mapstructure:"max_queue_size" yaml:"max_queue_size"`

	// Writer stdout 导出器的输出，默认 os.Stdout
	Writer io.Writer `mapstructure:"-" yaml:"-"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Enabled:            false,
		ServiceName:        "wslink",
		ServiceVersion:     "dev",
		Environment:        "development",
		Exporter:           ExporterStdout,
		SamplingType:       "parent_based",
		SamplingRate:       1.0,
		BatchTimeout:       5 * time.Second,
		MaxExportBatchSize: 512,
		MaxQueueSize:       2048,
	}
}

// Validate 验证配置
func (c *Config) Validate() error {
	if c.ServiceName == "" {
		return ErrInvalidConfig("service name is required")
	}
	if c.SamplingRate < 0 || c.SamplingRate > 1 {
		return ErrInvalidConfig("sampling rate must be between 0.0 and 1.0")
	}
	switch c.Exporter {
	case ExporterStdout, ExporterOTLP, ExporterOTLPGRPC, ExporterNoop:
	default:
		return ErrInvalidConfig("invalid exporter type: " + c.Exporter)
	}
	if c.BatchTimeout <= 0 || c.MaxExportBatchSize <= 0 || c.MaxQueueSize <= 0 {
		return ErrInvalidConfig("batch settings must be positive")
	}
	return nil
}

// ConfigError 配置错误
type ConfigError struct {
	message string
}

func (e *ConfigError) Error() string {
	return "tracing config error: " + e.message
}

// ErrInvalidConfig 创建配置错误
func ErrInvalidConfig(message string) error {
	return &ConfigError{message: message}
}
