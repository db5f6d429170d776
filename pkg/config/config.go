// Package config 封装 viper，按 默认值 < 配置文件 < 环境变量 < 命令行标志 合并配置
package config

import (
	"errors"
	"io/fs"
	"strings"
	"sync"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config 一次配置加载，可选地在文件变化时回调
type Config struct {
	mu    sync.RWMutex
	viper *viper.Viper

	file      string
	defaults  map[string]any
	envPrefix string
	flags     *pflag.FlagSet

	autoWatch    bool
	watching     bool
	watchStarted bool
	onChange     func(name string)
}

// New 创建配置，Load 之前不读取任何来源
func New(opts ...Option) *Config {
	c := &Config{viper: viper.New()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Load 合并全部来源；未指定文件时只用默认值、环境变量和标志
func (c *Config) Load() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	v := c.viper
	for k, val := range c.defaults {
		v.SetDefault(k, val)
	}
	if c.envPrefix != "" {
		// fallback.timeout -> <PREFIX>_FALLBACK_TIMEOUT
		v.SetEnvPrefix(c.envPrefix)
		v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
		v.AutomaticEnv()
	}
	if c.flags != nil {
		if err := v.BindPFlags(c.flags); err != nil {
			return ErrConfigReadFailed.WithError(err)
		}
	}
	if c.file == "" {
		return nil
	}

	v.SetConfigFile(c.file)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) || errors.Is(err, fs.ErrNotExist) {
			return ErrConfigNotFound.WithDetail("%s", c.file).WithError(err)
		}
		return ErrConfigReadFailed.WithDetail("%s", c.file).WithError(err)
	}

	if c.autoWatch {
		c.startWatch()
	}
	return nil
}

// GetString 读取单个键
func (c *Config) GetString(key string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.viper.GetString(key)
}

// Unmarshal 按 mapstructure 标签解码到 rawVal
func (c *Config) Unmarshal(rawVal any) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.viper.Unmarshal(rawVal)
}

// Close 停止变更回调
func (c *Config) Close() {
	c.StopWatch()
}
