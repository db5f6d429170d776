package logger

import "go.uber.org/zap/zapcore"

// Format 日志编码
type Format string

const (
	JSONFormat    Format = "json"
	ConsoleFormat Format = "console"
)

func (f Format) String() string { return string(f) }

// IsValid 是否为支持的编码
func (f Format) IsValid() bool {
	return f == JSONFormat || f == ConsoleFormat
}

// FileConfig 按大小轮转的日志文件
type FileConfig struct {
	Path       string
	MaxSize    int // MB，默认 100
	MaxAge     int // 天，默认 30
	MaxBackups int // 默认 10
	Compress   bool
}

func (f *FileConfig) setDefaults() {
	if f.MaxSize <= 0 {
		f.MaxSize = 100
	}
	if f.MaxAge <= 0 {
		f.MaxAge = 30
	}
	if f.MaxBackups <= 0 {
		f.MaxBackups = 10
	}
}

// Sampling 每秒同一条消息先记录 Initial 条，之后每 Thereafter 条记录一条
// 重连风暴时用来压住重复的 connection lost / reconnect failed
type Sampling struct {
	Initial    int
	Thereafter int
}

// Hook 日志写入前调用，返回错误时该条日志不再写出
type Hook func(entry zapcore.Entry, fields []zapcore.Field) error

// Config 日志配置
type Config struct {
	Level  Level
	Format Format // 默认 json

	// Console 写标准错误；File 与 Console 都未设置时默认写标准错误
	Console bool
	File    *FileConfig

	Sampling   *Sampling // nil 不采样
	Caller     bool
	Stacktrace bool // Error 及以上附带堆栈
	Hooks      []Hook
}

func (c *Config) setDefaults() {
	if c.Format == "" {
		c.Format = JSONFormat
	}
	if !c.Console && c.File == nil {
		c.Console = true
	}
}

// Option 配置选项
type Option func(*Config)

func WithLevel(level Level) Option {
	return func(c *Config) { c.Level = level }
}

func WithFormat(format Format) Option {
	return func(c *Config) { c.Format = format }
}

// WithConsole 写标准错误，标准输出留给命令输出
func WithConsole() Option {
	return func(c *Config) { c.Console = true }
}

// WithFile 写入轮转文件
func WithFile(file *FileConfig) Option {
	return func(c *Config) { c.File = file }
}

// WithSampling initial 为 0 时不采样
func WithSampling(initial, thereafter int) Option {
	return func(c *Config) {
		if initial <= 0 {
			c.Sampling = nil
			return
		}
		c.Sampling = &Sampling{Initial: initial, Thereafter: max(thereafter, 1)}
	}
}

func WithCaller(enable bool) Option {
	return func(c *Config) { c.Caller = enable }
}

func WithStacktrace(enable bool) Option {
	return func(c *Config) { c.Stacktrace = enable }
}

// WithHook 追加写入钩子，按添加顺序调用
func WithHook(hook Hook) Option {
	return func(c *Config) {
		if hook != nil {
			c.Hooks = append(c.Hooks, hook)
		}
	}
}
