package conn

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	wserrors "github.com/tokmz/wslink/pkg/errors"
	"github.com/tokmz/wslink/pkg/frame"
	"github.com/tokmz/wslink/pkg/handshake"
)

// echoServer gorilla 回显服务端
func echoServer(t *testing.T) (handshake.Target, chan struct{}) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	quiet := make(chan struct{}) // 关闭后服务端停止读取，PING 不再被回复

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for {
			select {
			case <-quiet:
				time.Sleep(time.Second)
				return
			default:
			}
			mt, msg, err := ws.ReadMessage()
			if err != nil {
				return
			}
			if err := ws.WriteMessage(mt, msg); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	host, portStr, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return handshake.Target{Host: host, Port: port, Path: "/echo", Origin: srv.URL}, quiet
}

// TestInteropEcho 测试与 gorilla 服务端互通
func TestInteropEcho(t *testing.T) {
	target, _ := echoServer(t)
	c, err := New()
	require.NoError(t, err)
	defer c.Disconnect()

	require.NoError(t, c.Connect(context.Background(), target))
	require.NoError(t, c.CheckLiveness(context.Background()))

	for _, size := range []int{0, 125, 126, 65535, 65536, 200000} {
		payload := make([]byte, size)
		for i := range payload {
			payload[i] = byte(i % 251)
		}
		require.NoError(t, c.Send(context.Background(), payload, frame.OpBinary))

		f, err := c.Receive(context.Background())
		require.NoError(t, err, "size %d", size)
		assert.Equal(t, frame.OpBinary, f.Opcode)
		assert.Equal(t, payload, f.Payload, "size %d", size)
	}

	require.NoError(t, c.Send(context.Background(), []byte("chat=hi"), frame.OpText))
	f, err := c.Receive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "chat=hi", string(f.Payload))
}

// TestInteropLivenessTimeout 测试服务端停止响应时存活检测失败
func TestInteropLivenessTimeout(t *testing.T) {
	target, quiet := echoServer(t)
	c, err := New(WithLivenessTimeout(100 * time.Millisecond))
	require.NoError(t, err)
	defer c.Disconnect()

	require.NoError(t, c.Connect(context.Background(), target))

	close(quiet)
	// 让服务端从当前 ReadMessage 返回并进入静默
	require.NoError(t, c.Send(context.Background(), []byte("wake"), frame.OpText))
	f, err := c.Receive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "wake", string(f.Payload))

	err = c.CheckLiveness(context.Background())
	assert.True(t, errors.Is(err, wserrors.ErrTimeout))
	assert.Equal(t, StateError, c.State())
}

// TestInteropConnectRefused 测试端口无人监听
func TestInteropConnectRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().(*net.TCPAddr)
	require.NoError(t, ln.Close())

	c, err := New(WithDialTimeout(time.Second))
	require.NoError(t, err)
	err = c.Connect(context.Background(), handshake.Target{Host: "127.0.0.1", Port: addr.Port, Path: "/"})
	assert.True(t, errors.Is(err, wserrors.ErrHandshakeFailed))
	assert.Equal(t, StateError, c.State())
}
