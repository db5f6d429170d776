package config

import "github.com/spf13/pflag"

// Option 配置选项
type Option func(*Config)

// WithConfigFile 配置文件路径，扩展名决定格式（yaml、json、toml）
func WithConfigFile(path string) Option {
	return func(c *Config) { c.file = path }
}

// WithDefaults 点分键的默认值，如 "fallback.timeout"
func WithDefaults(defaults map[string]any) Option {
	return func(c *Config) { c.defaults = defaults }
}

// WithEnvPrefix 环境变量前缀
func WithEnvPrefix(prefix string) Option {
	return func(c *Config) { c.envPrefix = prefix }
}

// WithFlags 绑定命令行标志，标志名即配置键
func WithFlags(fs *pflag.FlagSet) Option {
	return func(c *Config) { c.flags = fs }
}

// WithAutoWatch 加载文件后监控其变化
func WithAutoWatch(watch bool) Option {
	return func(c *Config) { c.autoWatch = watch }
}

// WithOnChange 文件变化并重新读取后调用，参数为文件名
func WithOnChange(fn func(name string)) Option {
	return func(c *Config) { c.onChange = fn }
}
