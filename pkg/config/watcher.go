package config

import "github.com/fsnotify/fsnotify"

// startWatch 调用方持有写锁；viper 的监控协程只能启动一次
func (c *Config) startWatch() {
	c.watching = true
	if c.watchStarted {
		return
	}
	c.watchStarted = true
	c.viper.OnConfigChange(func(e fsnotify.Event) {
		c.mu.RLock()
		fn := c.onChange
		active := c.watching
		c.mu.RUnlock()
		if active && fn != nil {
			fn(e.Name)
		}
	})
	c.viper.WatchConfig()
}

// StopWatch 不再触发回调
// viper 无法停止底层的 fsnotify watcher，进程退出前它一直存在
func (c *Config) StopWatch() {
	c.mu.Lock()
	c.watching = false
	c.mu.Unlock()
}

// IsWatching 是否会触发回调
func (c *Config) IsWatching() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.watching
}
