package config

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokmz/wslink/pkg/errors"
)

const testYAML = `
host: compute.example.com
port: 9000
resource: /ws/compute
fallback:
  enabled: true
  timeout: 4s
timeouts:
  liveness: 3s
`

type settings struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Resource string `mapstructure:"resource"`
	Fallback struct {
		Enabled bool          `mapstructure:"enabled"`
		Timeout time.Duration `mapstructure:"timeout"`
	} `mapstructure:"fallback"`
}

func writeTestConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "wslink.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// TestLoadFile 测试读取配置文件
func TestLoadFile(t *testing.T) {
	c := New(WithConfigFile(writeTestConfig(t, testYAML)))
	require.NoError(t, c.Load())

	assert.Equal(t, "compute.example.com", c.GetString("host"))
	assert.Equal(t, "3s", c.GetString("timeouts.liveness"))

	var s settings
	require.NoError(t, c.Unmarshal(&s))
	assert.Equal(t, 9000, s.Port)
	assert.Equal(t, "/ws/compute", s.Resource)
	assert.True(t, s.Fallback.Enabled)
	assert.Equal(t, 4*time.Second, s.Fallback.Timeout)
}

// TestLoadPriority 测试默认值、文件、环境变量与命令行标志的优先级
func TestLoadPriority(t *testing.T) {
	t.Setenv("WSLINK_PORT", "7000")
	t.Setenv("WSLINK_FALLBACK_TIMEOUT", "9s")

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.String("host", "", "")
	require.NoError(t, fs.Parse([]string{"--host", "flag.example.com"}))

	c := New(
		WithConfigFile(writeTestConfig(t, testYAML)),
		WithEnvPrefix("WSLINK"),
		WithFlags(fs),
		WithDefaults(map[string]any{
			"origin":           "http://default",
			"port":             80,
			"fallback.timeout": time.Second,
		}),
	)
	require.NoError(t, c.Load())

	var s settings
	require.NoError(t, c.Unmarshal(&s))
	assert.Equal(t, "flag.example.com", s.Host)
	assert.Equal(t, 7000, s.Port)
	assert.Equal(t, 9*time.Second, s.Fallback.Timeout)
	assert.Equal(t, "/ws/compute", s.Resource)
	assert.Equal(t, "http://default", c.GetString("origin"))
}

// TestLoadWithoutFile 测试不指定文件时只使用默认值，也不监控
func TestLoadWithoutFile(t *testing.T) {
	c := New(WithDefaults(map[string]any{"port": 80}), WithAutoWatch(true))
	require.NoError(t, c.Load())
	assert.Equal(t, "80", c.GetString("port"))
	assert.False(t, c.IsWatching())
}

// TestLoadErrors 测试文件缺失与格式错误
func TestLoadErrors(t *testing.T) {
	c := New(WithConfigFile(filepath.Join(t.TempDir(), "missing.yaml")))
	err := c.Load()
	assert.True(t, errors.Is(err, ErrConfigNotFound))
	assert.Contains(t, err.Error(), "missing.yaml")

	c = New(WithConfigFile(writeTestConfig(t, "host: [unclosed")))
	err = c.Load()
	assert.True(t, errors.Is(err, ErrConfigReadFailed))
}

// TestWatch 测试配置文件变更回调
func TestWatch(t *testing.T) {
	path := writeTestConfig(t, testYAML)
	var changes atomic.Int32
	c := New(
		WithConfigFile(path),
		WithAutoWatch(true),
		WithOnChange(func(string) { changes.Add(1) }),
	)
	require.NoError(t, c.Load())
	defer c.Close()
	assert.True(t, c.IsWatching())

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("host: changed.example.com\nport: 1\n"), 0o644))

	assert.Eventually(t, func() bool {
		return changes.Load() > 0 && c.GetString("host") == "changed.example.com"
	}, 3*time.Second, 20*time.Millisecond)

	c.StopWatch()
	assert.False(t, c.IsWatching())
}
