package relay

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/tokmz/wslink/pkg/conn"
	"github.com/tokmz/wslink/pkg/frame"
	"github.com/tokmz/wslink/pkg/handshake"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func echo(_ context.Context, msg *Message) ([]byte, error) {
	return msg.Reply(msg.Value), nil
}

// newTestServer 启动带 echo 处理器的中继
func newTestServer(t *testing.T, opts ...Option) (*Server, *httptest.Server) {
	t.Helper()
	s, err := New(append([]Option{WithResource("/chat", ".php")}, opts...)...)
	require.NoError(t, err)
	require.NoError(t, s.Handle("echo", echo))
	require.NoError(t, s.Handle("fail", func(context.Context, *Message) ([]byte, error) {
		return nil, errors.New("handler exploded")
	}))

	srv := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	return s, srv
}

func wsURL(srv *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + path
}

func target(t *testing.T, srv *httptest.Server, path string) handshake.Target {
	t.Helper()
	host, portStr, err := net.SplitHostPort(strings.TrimPrefix(srv.URL, "http://"))
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return handshake.Target{Host: host, Port: port, Path: path, Origin: srv.URL}
}

// TestParseMessage 测试 type=value 解析
func TestParseMessage(t *testing.T) {
	tests := []struct {
		in        string
		typ, want string
	}{
		{"Chat=hello", "chat", "hello"},
		{"logout", "logout", ""},
		{"q=a=b", "q", "a=b"},
		{"", "", ""},
	}
	for _, tt := range tests {
		m := ParseMessage([]byte(tt.in))
		assert.Equal(t, tt.typ, m.Type, tt.in)
		assert.Equal(t, tt.want, m.Value, tt.in)
	}
	assert.Equal(t, "chat=ok", string(Message{Type: "chat"}.Reply("ok")))
	assert.Equal(t, "ping", string(Message{Type: "ping"}.Encode()))
}

// TestMux 测试注册、默认处理器、中间件顺序与冻结
func TestMux(t *testing.T) {
	m := NewMux()
	require.NoError(t, m.Handle("echo", echo))
	assert.ErrorIs(t, m.Handle("echo", echo), ErrHandlerExists)
	assert.ErrorIs(t, m.Handle("", echo), ErrEmptyType)

	var order []string
	mw := func(name string) Middleware {
		return func(next HandlerFunc) HandlerFunc {
			return func(ctx context.Context, msg *Message) ([]byte, error) {
				order = append(order, name)
				return next(ctx, msg)
			}
		}
	}
	require.NoError(t, m.Use(mw("a"), mw("b")))

	_, err := m.Serve(context.Background(), &Message{Type: "nope"})
	assert.ErrorIs(t, err, ErrHandlerNotFound)

	reply, err := m.Serve(context.Background(), &Message{Type: "echo", Value: "1"})
	require.NoError(t, err)
	assert.Equal(t, "echo=1", string(reply))
	assert.Equal(t, []string{"a", "b"}, order)

	require.NoError(t, m.HandleDefault(func(context.Context, *Message) ([]byte, error) { return []byte("default"), nil }))
	m.Freeze()
	assert.ErrorIs(t, m.Handle("late", echo), ErrMuxFrozen)
	assert.ErrorIs(t, m.Use(mw("c")), ErrMuxFrozen)

	order = nil
	reply, err = m.Serve(context.Background(), &Message{Type: "other"})
	require.NoError(t, err)
	assert.Equal(t, "default", string(reply))
	assert.Equal(t, []string{"a", "b"}, order)
}

// TestFallbackEndpoint 测试备用 HTTP 通道
func TestFallbackEndpoint(t *testing.T) {
	_, srv := newTestServer(t, WithMaxMessageSize(64))

	post := func(body string) (int, string) {
		resp, err := http.Post(srv.URL+"/chat.php", "text/plain; charset=utf-8", strings.NewReader(body))
		require.NoError(t, err)
		defer resp.Body.Close()
		b, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, string(b)
	}

	code, body := post("Echo=hi there")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "echo=hi there", body)

	code, _ = post("unknown=1")
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = post("")
	assert.Equal(t, http.StatusNotFound, code)

	code, body = post("fail=1")
	assert.Equal(t, http.StatusInternalServerError, code)
	assert.Contains(t, body, "handler exploded")

	code, _ = post("echo=" + strings.Repeat("x", 100))
	assert.Equal(t, http.StatusRequestEntityTooLarge, code)

	resp, err := http.Get(srv.URL + "/chat.php")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

// TestWebSocketGorillaClient 测试 gorilla 客户端收发
func TestWebSocketGorillaClient(t *testing.T) {
	s, srv := newTestServer(t)

	ws, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/chat"), nil)
	require.NoError(t, err)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("echo=hello")))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "echo=hello", string(data))

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("fail")))
	_, data, err = ws.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "error=handler exploded", string(data))

	require.Eventually(t, func() bool { return s.PeerCount() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, ws.Close())
	require.Eventually(t, func() bool { return s.PeerCount() == 0 }, 2*time.Second, 5*time.Millisecond)
}

// TestWebSocketConnClient 测试本模块的客户端连接中继
func TestWebSocketConnClient(t *testing.T) {
	_, srv := newTestServer(t)

	c, err := conn.New(conn.WithLivenessTimeout(time.Second))
	require.NoError(t, err)
	defer c.Disconnect()

	require.NoError(t, c.Connect(context.Background(), target(t, srv, "/chat")))
	require.NoError(t, c.CheckLiveness(context.Background()))

	require.NoError(t, c.Send(context.Background(), []byte("echo=from conn"), frame.OpText))
	f, err := c.Receive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, frame.OpText, f.Opcode)
	assert.Equal(t, "echo=from conn", string(f.Payload))
}

// TestServerPingKeepsPeerAlive 测试服务端心跳由客户端自动回复
func TestServerPingKeepsPeerAlive(t *testing.T) {
	s, srv := newTestServer(t, WithHeartbeat(20*time.Millisecond, 100*time.Millisecond))

	c, err := conn.New()
	require.NoError(t, err)
	defer c.Disconnect()
	require.NoError(t, c.Connect(context.Background(), target(t, srv, "/chat")))

	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 1, s.PeerCount())
	assert.Equal(t, conn.StateOpen, c.State())
}

// TestOriginWhitelist 测试 Origin 白名单
func TestOriginWhitelist(t *testing.T) {
	_, srv := newTestServer(t, WithCheckOriginWhitelist([]string{"https://app.example"}))

	h := http.Header{}
	h.Set("Origin", "https://evil.example")
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, "/chat"), h)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	h.Set("Origin", "https://app.example")
	ws, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/chat"), h)
	require.NoError(t, err)
	ws.Close()
}

// TestMaxPeers 测试超过连接上限时以 1013 关闭
func TestMaxPeers(t *testing.T) {
	_, srv := newTestServer(t, WithMaxPeers(1))

	first, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/chat"), nil)
	require.NoError(t, err)
	defer first.Close()

	second, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/chat"), nil)
	require.NoError(t, err)
	defer second.Close()
	_, _, err = second.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseTryAgainLater))
}

// TestBroadcast 测试广播
func TestBroadcast(t *testing.T) {
	s, srv := newTestServer(t)

	var clients []*websocket.Conn
	for range 3 {
		ws, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/chat"), nil)
		require.NoError(t, err)
		defer ws.Close()
		clients = append(clients, ws)
	}
	require.Eventually(t, func() bool { return s.PeerCount() == 3 }, time.Second, 5*time.Millisecond)

	assert.Equal(t, 3, s.Broadcast([]byte("notice=maintenance")))
	for _, ws := range clients {
		_, data, err := ws.ReadMessage()
		require.NoError(t, err)
		assert.Equal(t, "notice=maintenance", string(data))
	}
}

// recordingMetrics 记录中继指标调用
type recordingMetrics struct {
	NoopMetrics
	mu       sync.Mutex
	messages map[string]int
	errors   int
}

func (m *recordingMetrics) IncMessages(transport, typ string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages[transport+":"+typ]++
}

func (m *recordingMetrics) IncHandlerErrors(string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors++
}

// TestMetricsAndEvents 测试监控回调、事件订阅与 /metrics
func TestMetricsAndEvents(t *testing.T) {
	reg := prometheus.NewRegistry()
	sample := prometheus.NewCounter(prometheus.CounterOpts{Name: "relay_sample_total", Help: "sample"})
	reg.MustRegister(sample)
	sample.Inc()

	rm := &recordingMetrics{messages: map[string]int{}}
	s, srv := newTestServer(t, WithMetrics(rm), WithMetricsEndpoint("/metrics", reg))

	got := make(chan Event, 4)
	s.Subscribe(EventMessageReceived, func(e Event) { got <- e })

	resp, err := http.Post(srv.URL+"/chat.php", "text/plain", strings.NewReader("echo=1"))
	require.NoError(t, err)
	resp.Body.Close()
	resp, err = http.Post(srv.URL+"/chat.php", "text/plain", strings.NewReader("fail"))
	require.NoError(t, err)
	resp.Body.Close()

	rm.mu.Lock()
	assert.Equal(t, 1, rm.messages["http:echo"])
	assert.Equal(t, 1, rm.errors)
	rm.mu.Unlock()

	select {
	case e := <-got:
		assert.Equal(t, TransportHTTP, e.Message.Transport)
	case <-time.After(time.Second):
		t.Fatal("no message event")
	}

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(b), "relay_sample_total 1")
}

// TestServeShutdown 测试 ctx 取消后 Serve 正常返回
func TestServeShutdown(t *testing.T) {
	s, err := New(WithResource("/chat", ".php"))
	require.NoError(t, err)
	require.NoError(t, s.Handle("echo", echo))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	require.Eventually(t, func() bool { return s.Addr() != nil }, time.Second, 5*time.Millisecond)
	ws, _, err := websocket.DefaultDialer.Dial("ws://"+s.Addr().String()+"/chat", nil)
	require.NoError(t, err)
	defer ws.Close()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("serve did not return")
	}

	_, _, err = ws.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway))
	assert.Zero(t, s.PeerCount())
}

// TestConfigValidate 测试配置校验
func TestConfigValidate(t *testing.T) {
	_, err := New(WithResource("chat", ".php"))
	assert.Error(t, err)
	_, err = New(WithResource("/chat", ""))
	assert.Error(t, err)
	_, err = New(WithHeartbeat(time.Second, time.Second))
	assert.Error(t, err)
	_, err = New(WithMaxPeers(0))
	assert.Error(t, err)
}

// TestEventBusDrop 测试队列满时丢弃非关键事件
func TestEventBusDrop(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	eb := NewEventBus(1, 1)
	block := make(chan struct{})
	eb.Subscribe(EventMessageReceived, func(Event) { <-block })

	for range 5 {
		eb.Publish(Event{Type: EventMessageReceived})
	}
	assert.Positive(t, eb.Dropped())
	close(block)
	eb.Close()
	eb.Close()
	eb.Publish(Event{Type: EventMessageReceived})
}

// TestFallbackCORS 测试备用端点的跨域响应头与预检
func TestFallbackCORS(t *testing.T) {
	_, srv := newTestServer(t, WithCORS("https://app.example", "https://*.partner.example"))

	preflight := func(origin string) *http.Response {
		req, err := http.NewRequest(http.MethodOptions, srv.URL+"/chat.php", nil)
		require.NoError(t, err)
		req.Header.Set("Origin", origin)
		req.Header.Set("Access-Control-Request-Method", http.MethodPost)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp
	}

	resp := preflight("https://app.example")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "https://app.example", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Contains(t, resp.Header.Get("Access-Control-Allow-Methods"), http.MethodPost)

	resp = preflight("https://shop.partner.example")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = preflight("https://evil.example")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/chat.php", strings.NewReader("echo=x"))
	require.NoError(t, err)
	req.Header.Set("Origin", "https://app.example")
	post, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	post.Body.Close()
	assert.Equal(t, http.StatusOK, post.StatusCode)
	assert.Equal(t, "https://app.example", post.Header.Get("Access-Control-Allow-Origin"))
}

// TestOriginMatcher 测试来源匹配规则
func TestOriginMatcher(t *testing.T) {
	m := newOriginMatcher([]string{"https://a.example", "https://*.b.example"})
	assert.True(t, m.match("https://a.example"))
	assert.True(t, m.match("https://x.b.example"))
	assert.False(t, m.match("https://.b.example"))
	assert.False(t, m.match("http://x.b.example"))
	assert.True(t, newOriginMatcher([]string{"*"}).match("https://anything"))
}

// TestRateLimit 测试按客户端 IP 限速
func TestRateLimit(t *testing.T) {
	_, srv := newTestServer(t, WithRateLimit(1, 2))

	codes := make([]int, 0, 3)
	for range 3 {
		resp, err := http.Post(srv.URL+"/chat.php", "text/plain", strings.NewReader("echo=x"))
		require.NoError(t, err)
		resp.Body.Close()
		codes = append(codes, resp.StatusCode)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, "/chat"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

// TestLimiterBuckets 测试令牌补充与过期清理
func TestLimiterBuckets(t *testing.T) {
	l := newLimiter(10, 1)
	now := time.Now()
	assert.True(t, l.allow("a", now))
	assert.False(t, l.allow("a", now))
	assert.True(t, l.allow("a", now.Add(100*time.Millisecond)))
	assert.True(t, l.allow("b", now))

	assert.Equal(t, 0, l.cleanup(now.Add(time.Second), time.Minute))
	assert.Equal(t, 2, l.cleanup(now.Add(2*time.Minute), time.Minute))
}
