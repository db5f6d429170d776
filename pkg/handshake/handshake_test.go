package handshake

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	wserrors "github.com/tokmz/wslink/pkg/errors"
)

// fakeServer 在管道另一端读取握手请求并按 respond 的返回写回
func fakeServer(conn net.Conn, respond func(req *http.Request) []byte, oneByte bool) <-chan *http.Request {
	reqs := make(chan *http.Request, 1)
	go func() {
		req, err := http.ReadRequest(bufio.NewReader(conn))
		if err != nil {
			close(reqs)
			return
		}
		reqs <- req
		resp := respond(req)
		if resp == nil {
			return
		}
		if !oneByte {
			_, _ = conn.Write(resp)
			return
		}
		for i := range resp {
			if _, err := conn.Write(resp[i : i+1]); err != nil {
				return
			}
		}
	}()
	return reqs
}

func switching(accept string) []byte {
	return []byte("HTTP/1.1 101 Switching Protocols\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Accept: " + accept + "\r\n\r\n")
}

func echoAccept(req *http.Request) []byte {
	return switching(AcceptKey(req.Header.Get("Sec-WebSocket-Key")))
}

// TestAcceptKeyVector 测试 RFC 6455 的示例
func TestAcceptKeyVector(t *testing.T) {
	assert.Equal(t, "s3pPLMBiTxaQ9kYGzzhZRbK+xOo=", AcceptKey("dGhlIHNhbXBsZSBub25jZQ=="))
}

// TestGenerateKey 测试生成 16 字节随机 key
func TestGenerateKey(t *testing.T) {
	src := bytes.NewReader([]byte("the sample nonce"))
	key, err := GenerateKey(src)
	require.NoError(t, err)
	assert.Equal(t, "dGhlIHNhbXBsZSBub25jZQ==", key)

	raw, err := base64.StdEncoding.DecodeString(key)
	require.NoError(t, err)
	assert.Len(t, raw, 16)

	_, err = GenerateKey(bytes.NewReader([]byte("short")))
	assert.Error(t, err)
}

// TestOpenSuccess 测试成功握手并保留多读的字节
func TestOpenSuccess(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	trailing := []byte{0x81, 0x02, 'h', 'i'}
	reqs := fakeServer(server, func(req *http.Request) []byte {
		return append(echoAccept(req), trailing...)
	}, false)

	n := New(WithKeySource(bytes.NewReader([]byte("the sample nonce"))), WithHeader("X-Client", "wslink"))
	res, err := n.Open(context.Background(), client, Target{Host: "example.com", Port: 8080, Path: "/chat", Origin: "http://example.com"})
	require.NoError(t, err)

	assert.Equal(t, 101, res.Status)
	assert.Equal(t, "dGhlIHNhbXBsZSBub25jZQ==", res.Key)
	assert.Equal(t, "s3pPLMBiTxaQ9kYGzzhZRbK+xOo=", res.Accept)
	assert.Equal(t, trailing, res.Rest)

	req := <-reqs
	require.NotNil(t, req)
	assert.Equal(t, http.MethodGet, req.Method)
	assert.Equal(t, "/chat", req.URL.Path)
	assert.Equal(t, "example.com:8080", req.Host)
	assert.Equal(t, "websocket", req.Header.Get("Upgrade"))
	assert.Equal(t, "Upgrade", req.Header.Get("Connection"))
	assert.Equal(t, "13", req.Header.Get("Sec-WebSocket-Version"))
	assert.Equal(t, "http://example.com", req.Header.Get("Sec-WebSocket-Origin"))
	assert.Equal(t, "wslink", req.Header.Get("X-Client"))
}

// TestOpenWithoutOrigin 测试未设置 origin 时不发送该请求头
func TestOpenWithoutOrigin(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	reqs := fakeServer(server, echoAccept, false)
	_, err := New().Open(context.Background(), client, Target{Host: "localhost", Port: 80})
	require.NoError(t, err)

	req := <-reqs
	assert.Equal(t, "/", req.URL.Path)
	_, ok := req.Header["Sec-Websocket-Origin"]
	assert.False(t, ok)
}

// TestOpenSlowResponse 测试响应逐字节到达
func TestOpenSlowResponse(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	fakeServer(server, echoAccept, true)
	res, err := New().Open(context.Background(), client, Target{Host: "localhost", Port: 80, Path: "/ws"})
	require.NoError(t, err)
	assert.Empty(t, res.Rest)
}

// TestOpenRejected 测试各种失败场景
func TestOpenRejected(t *testing.T) {
	tests := []struct {
		name    string
		respond func(req *http.Request) []byte
		detail  string
	}{
		{
			name: "accept mismatch",
			respond: func(req *http.Request) []byte {
				return switching("s3pPLMBiTxaQ9kYGzzhZRbK+xOo=")
			},
			detail: "mismatch",
		},
		{
			name: "missing accept",
			respond: func(req *http.Request) []byte {
				return []byte("HTTP/1.1 400 Bad Request\r\nContent-Length: 0\r\n\r\n")
			},
			detail: "status 400",
		},
		{
			name: "accept without upgrade",
			respond: func(req *http.Request) []byte {
				return []byte("HTTP/1.1 403 Forbidden\r\n" +
					"Sec-WebSocket-Accept: " + AcceptKey(req.Header.Get("Sec-WebSocket-Key")) + "\r\n\r\n")
			},
			detail: "unexpected status 403",
		},
		{
			name: "malformed status line",
			respond: func(req *http.Request) []byte {
				return []byte("garbage\r\n\r\n")
			},
			detail: "status line",
		},
		{
			name: "closed before terminator",
			respond: func(req *http.Request) []byte {
				return []byte("HTTP/1.1 101 Switching Protocols\r\n")
			},
			detail: "read response",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, server := net.Pipe()
			defer client.Close()

			fakeServer(server, func(req *http.Request) []byte {
				resp := tt.respond(req)
				if tt.name == "closed before terminator" {
					go func() {
						time.Sleep(20 * time.Millisecond)
						server.Close()
					}()
				}
				return resp
			}, false)

			_, err := New(WithTimeout(time.Second)).Open(context.Background(), client, Target{Host: "localhost", Port: 80})
			require.Error(t, err)
			assert.True(t, errors.Is(err, wserrors.ErrHandshakeFailed))
			assert.Contains(t, err.Error(), tt.detail)
			server.Close()
		})
	}
}

// TestOpenTimeout 测试等待响应头超时
func TestOpenTimeout(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	fakeServer(server, func(*http.Request) []byte { return nil }, false)

	start := time.Now()
	_, err := New(WithTimeout(50*time.Millisecond)).Open(context.Background(), client, Target{Host: "localhost", Port: 80})
	require.Error(t, err)
	assert.True(t, errors.Is(err, wserrors.ErrHandshakeFailed))
	assert.Contains(t, err.Error(), "timed out")
	assert.Less(t, time.Since(start), time.Second)
}

// TestOpenContextCanceled 测试 ctx 取消中断握手
func TestOpenContextCanceled(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	fakeServer(server, func(*http.Request) []byte { return nil }, false)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)

	_, err := New(WithTimeout(0)).Open(ctx, client, Target{Host: "localhost", Port: 80})
	require.Error(t, err)
	assert.True(t, errors.Is(err, wserrors.ErrHandshakeFailed))
	assert.Contains(t, err.Error(), "context canceled")
}

// TestOpenHeaderTooLarge 测试响应头超出上限
func TestOpenHeaderTooLarge(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	fakeServer(server, func(*http.Request) []byte {
		return []byte("HTTP/1.1 101 Switching Protocols\r\nX-Pad: " + strings.Repeat("a", 4096))
	}, false)

	_, err := New(WithMaxHeaderBytes(1024)).Open(context.Background(), client, Target{Host: "localhost", Port: 80})
	require.Error(t, err)
	assert.True(t, errors.Is(err, wserrors.ErrHandshakeFailed))
	assert.Contains(t, err.Error(), "exceed")
}

// TestConfigValidate 测试配置校验
func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	_, err := NewWithConfig(&Config{MaxHeaderBytes: 0})
	assert.Error(t, err)

	_, err = NewWithConfig(&Config{Timeout: -1, MaxHeaderBytes: 10})
	assert.Error(t, err)
}
