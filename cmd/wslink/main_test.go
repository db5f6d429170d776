package main

import (
	"bytes"
	"context"
	"net"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-yaml"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokmz/wslink/pkg/link"
	"github.com/tokmz/wslink/pkg/relay"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func startRelay(t *testing.T) (host, port string) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	s, err := relay.New(relay.WithResource("/ws", ".php"))
	require.NoError(t, err)
	require.NoError(t, s.HandleDefault(echo))
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		srv.Close()
		_ = s.Shutdown(context.Background())
	})

	host, port, err = net.SplitHostPort(strings.TrimPrefix(srv.URL, "http://"))
	require.NoError(t, err)
	return host, port
}

// TestConfigCommand 测试打印合并后的配置
func TestConfigCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wslink.yaml")
	require.NoError(t, os.WriteFile(path, []byte("host: example.internal\nfallback:\n  suffix: .cgi\n"), 0o644))

	out, err := execute(t, "config", "--config", path, "--port", "9443", "--log-level", "debug")
	require.NoError(t, err)

	var s link.Settings
	require.NoError(t, yaml.Unmarshal([]byte(out), &s))
	assert.Equal(t, "example.internal", s.Host)
	assert.Equal(t, 9443, s.Port)
	assert.Equal(t, ".cgi", s.Fallback.Suffix)
	assert.Equal(t, "debug", s.Log.Level)
}

// TestConfigCommandBadLevel 测试非法日志级别
func TestConfigCommandBadLevel(t *testing.T) {
	_, err := execute(t, "config", "--log-level", "loud")
	assert.Error(t, err)
}

// TestSendAndPing 测试 send 与 ping 命令
func TestSendAndPing(t *testing.T) {
	host, port := startRelay(t)

	out, err := execute(t, "send", "--host", host, "--port", port, "--type", "Chat", "--data", "hi", "--log-level", "error")
	require.NoError(t, err)
	assert.Equal(t, "chat=hi\n", out)

	out, err = execute(t, "ping", "--host", host, "--port", port, "--log-level", "error")
	require.NoError(t, err)
	assert.Contains(t, out, "pong from")
}

// TestSendMetrics 测试启用指标时 send 与 ping 输出客户端指标
func TestSendMetrics(t *testing.T) {
	host, port := startRelay(t)
	path := filepath.Join(t.TempDir(), "wslink.yaml")
	require.NoError(t, os.WriteFile(path, []byte("metrics:\n  enabled: true\n  namespace: cli\n"), 0o644))

	out, err := execute(t, "send", "-c", path, "--host", host, "--port", port, "--type", "chat", "--data", "hi", "--log-level", "error")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "chat=hi\n"))
	assert.Contains(t, out, `cli_routed_messages_total{path="socket"} 1`)
	assert.Contains(t, out, `cli_connects_total{result="ok"} 1`)

	out, err = execute(t, "ping", "-c", path, "--host", host, "--port", port, "--log-level", "error")
	require.NoError(t, err)
	assert.Contains(t, out, "pong from")
	assert.Contains(t, out, `cli_liveness_check_seconds_count{result="ok"} 1`)
}

// TestSendBareType 测试省略 --data 时只发送类型
func TestSendBareType(t *testing.T) {
	host, port := startRelay(t)

	out, err := execute(t, "send", "--host", host, "--port", port, "--type", "Logout", "--log-level", "error")
	require.NoError(t, err)
	assert.Equal(t, "logout\n", out)
}

// TestSendRequiresType 测试缺少 --type
func TestSendRequiresType(t *testing.T) {
	_, err := execute(t, "send", "--data", "x")
	assert.Error(t, err)
}

// TestVersionCommand 测试版本输出
func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "wslink dev"))
}
