// Package link 面向上层应用的消息链路：组合连接、传输路由与备用请求，
// 按到达顺序把入站消息、错误和断线通知交给 Handler
package link

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/tokmz/wslink/pkg/conn"
	wserrors "github.com/tokmz/wslink/pkg/errors"
	"github.com/tokmz/wslink/pkg/fallback"
	"github.com/tokmz/wslink/pkg/frame"
	"github.com/tokmz/wslink/pkg/logger"
	"github.com/tokmz/wslink/pkg/router"
)

// Handler 链路观察者，所有回调在同一个 goroutine 中按发生顺序执行
// 回调中不能调用 Link.Close
type Handler struct {
	// OnMessage 收到一条消息：套接字上的 TEXT/BINARY 帧，或备用请求的响应体
	OnMessage func(payload []byte)
	// OnError 备用请求失败、无可用服务器等不经 Send 返回的错误
	OnError func(err error)
	// OnLost 已打开的连接意外断开
	OnLost func(err error)
}

// Metrics 链路使用的监控接口，metrics.Collector 实现了它
type Metrics interface {
	conn.Metrics
	router.Metrics
}

// Option 链路选项
type Option func(*options)

type options struct {
	log     logger.Logger
	metrics Metrics
	dialer  conn.Dialer
}

// WithLogger 设置日志
func WithLogger(l logger.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithMetrics 设置监控
func WithMetrics(m Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithDialer 替换底层拨号
func WithDialer(d conn.Dialer) Option {
	return func(o *options) { o.dialer = d }
}

// Link 消息链路
type Link struct {
	id       string
	settings *Settings
	handler  Handler
	log      logger.Logger

	conn     *conn.Connection
	fallback *fallback.Requester // 未启用备用通道时为 nil
	router   *router.Router
	events   *dispatcher

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup // 后台 goroutine
	recvWG sync.WaitGroup // 接收循环

	mu         sync.Mutex // 保护 closed、wg.Add 与 recvWG.Add
	sessionMu  sync.Mutex // Open 与重连互斥
	closed     atomic.Bool
	closeOnce  sync.Once
	reconnects singleflight.Group
	heartbeat  sync.Once
	lastPong   atomic.Int64
}

// New 创建链路，不建立连接
func New(settings *Settings, h Handler, opts ...Option) (*Link, error) {
	if settings == nil {
		settings = DefaultSettings()
	}
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.log == nil {
		o.log = logger.NewNop()
	}

	id := uuid.NewString()
	l := &Link{
		id:       id,
		settings: settings,
		handler:  h,
		log:      o.log.With(zap.String("link_id", id)),
	}
	l.ctx, l.cancel = context.WithCancel(context.Background())
	l.events = newDispatcher(l.log)

	cc := connConfig(settings, l.log, o)
	cc.OnStateChange = l.stateChanged
	c, err := conn.NewWithConfig(cc)
	if err != nil {
		l.shutdown()
		return nil, err
	}
	l.conn = c

	var fb router.Fallback
	if settings.Fallback.Enabled {
		l.fallback, err = fallback.NewWithConfig(&fallback.Config{
			BaseURL:  settings.FallbackBaseURL(),
			Resource: settings.Resource,
			Suffix:   settings.Fallback.Suffix,
			Timeout:  settings.Fallback.Timeout,
			Tracing:  settings.Tracing.Enabled,
			Logger:   l.log,
		})
		if err != nil {
			l.shutdown()
			return nil, err
		}
		fb = l.fallback
	}

	rc := &router.Config{
		DeferDelay:      settings.Timeouts.DeferDelay,
		FallbackEnabled: settings.Fallback.Enabled,
		TypeFolding:     settings.TypeFolding,
		Tracing:         settings.Tracing.Enabled,
		OnReply: func(_ router.Message, body []byte) {
			l.emit(func() { callPayload(l.handler.OnMessage, body) })
		},
		OnError: func(_ router.Message, err error) {
			l.reportError(err)
		},
		Logger: l.log,
	}
	if o.metrics != nil {
		rc.Metrics = o.metrics
	}
	l.router, err = router.NewWithConfig(c, fb, rc)
	if err != nil {
		l.shutdown()
		return nil, err
	}
	return l, nil
}

func connConfig(s *Settings, log logger.Logger, o *options) *conn.Config {
	cc := conn.DefaultConfig()
	cc.Secure = s.Secure
	cc.DialTimeout = s.Timeouts.Dial
	cc.HandshakeTimeout = s.Timeouts.Handshake
	cc.ReadTimeout = s.Timeouts.Read
	cc.WriteTimeout = s.Timeouts.Write
	cc.LivenessTimeout = s.Timeouts.Liveness
	cc.ReconnectDelay = s.Timeouts.ReconnectDelay
	cc.WriteChunkSize = s.Write.ChunkSize
	cc.WritePacing = s.Write.Pacing
	if s.MaxPayload > 0 {
		cc.MaxPayload = s.MaxPayload
	}
	cc.Logger = log
	if o != nil {
		cc.Dialer = o.dialer
		if o.metrics != nil {
			cc.Metrics = o.metrics
		}
	}
	return cc
}

// ConnConfig 按配置生成独立连接使用的 conn.Config
func (s *Settings) ConnConfig(log logger.Logger) *conn.Config {
	if log == nil {
		log = logger.NewNop()
	}
	return connConfig(s, log, nil)
}

// ID 链路 ID
func (l *Link) ID() string {
	return l.id
}

// State 当前连接状态
func (l *Link) State() conn.State {
	return l.conn.State()
}

// Open 建立套接字连接
// 失败时链路仍可使用：启用备用通道的消息改走 HTTP；
// 未启用时观察者会收到 ErrFallbackUnavailable
func (l *Link) Open(ctx context.Context) error {
	if l.closed.Load() {
		return wserrors.ErrConnectionClosed.WithMessage("link closed")
	}
	ctx = logger.ContextWithLinkID(ctx, l.id)

	l.sessionMu.Lock()
	defer l.sessionMu.Unlock()
	if s := l.conn.State(); s == conn.StateOpen || s == conn.StateConnecting {
		return conn.ErrAlreadyOpen
	}
	// 上一个会话已结束，其接收循环很快退出
	l.recvWG.Wait()

	if err := l.conn.Connect(ctx, l.settings.Target()); err != nil {
		if errors.Is(err, conn.ErrAlreadyOpen) {
			return err
		}
		if l.settings.Fallback.Enabled {
			l.log.WarnContext(ctx, "socket unavailable, using fallback",
				zap.String("addr", l.settings.Addr()),
				zap.String("fallback", l.fallback.Endpoint()),
				zap.Error(err))
			return err
		}
		if errors.Is(err, wserrors.ErrHandshakeFailed) {
			err = wserrors.ErrFallbackUnavailable.WithDetail("no server at %s", l.settings.Addr()).WithError(err)
		}
		l.reportError(err)
		return err
	}

	if !l.startReceiver() {
		_ = l.conn.Disconnect()
		return wserrors.ErrConnectionClosed.WithMessage("link closed")
	}
	l.log.InfoContext(ctx, "link opened", zap.String("addr", l.settings.Addr()))
	if l.settings.HeartbeatInterval > 0 {
		l.heartbeat.Do(func() { l.goBackground(l.heartbeatLoop) })
	}
	return nil
}

// Send 投递一条 type=value 消息，返回所走的通道
// 备用通道的响应经 OnMessage 送达，失败经 OnError 送达
func (l *Link) Send(ctx context.Context, typ, value string) (router.Path, error) {
	if l.closed.Load() {
		return router.PathNone, wserrors.ErrConnectionClosed.WithMessage("link closed")
	}
	ctx = logger.ContextWithLinkID(ctx, l.id)
	return l.router.Send(ctx, router.Message{
		Type:    typ,
		Value:   value,
		Timeout: l.settings.Fallback.Timeout,
	})
}

// SendType 投递一条只有类型、不带 = 的消息
func (l *Link) SendType(ctx context.Context, typ string) (router.Path, error) {
	if l.closed.Load() {
		return router.PathNone, wserrors.ErrConnectionClosed.WithMessage("link closed")
	}
	ctx = logger.ContextWithLinkID(ctx, l.id)
	return l.router.Send(ctx, router.Message{
		Type:    typ,
		Bare:    true,
		Timeout: l.settings.Fallback.Timeout,
	})
}

// Close 断开连接，等待进行中的备用请求和已排队的回调执行完毕，可重复调用
func (l *Link) Close() error {
	var err error
	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.closed.Store(true)
		l.mu.Unlock()
		l.cancel()
		err = l.conn.Disconnect()
		l.wg.Wait()
		l.recvWG.Wait()
		if l.fallback != nil {
			l.fallback.Wait()
		}
		l.events.close()
		l.log.Info("link closed")
	})
	return err
}

// shutdown 构造失败时释放已创建的资源
func (l *Link) shutdown() {
	l.cancel()
	l.events.close()
}

// goBackground 在链路关闭前启动后台 goroutine
func (l *Link) goBackground(fn func()) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed.Load() {
		return false
	}
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		fn()
	}()
	return true
}

func (l *Link) emit(fn func()) {
	if !l.events.push(fn) {
		l.log.Debug("callback dropped after close")
	}
}

func (l *Link) reportError(err error) {
	l.emit(func() {
		if l.handler.OnError != nil {
			l.handler.OnError(err)
		}
	})
}

func callPayload(fn func([]byte), payload []byte) {
	if fn != nil {
		fn(payload)
	}
}

// startReceiver 链路已关闭时返回 false
func (l *Link) startReceiver() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed.Load() {
		return false
	}
	l.recvWG.Add(1)
	go func() {
		defer l.recvWG.Done()
		l.receiveLoop()
	}()
	return true
}

// receiveLoop 把一个会话上的帧转交给观察者，会话结束即退出
func (l *Link) receiveLoop() {
	for {
		f, err := l.conn.Receive(l.ctx)
		if err != nil {
			if errors.Is(err, wserrors.ErrTimeout) && l.ctx.Err() == nil {
				continue
			}
			return
		}
		switch f.Opcode {
		case frame.OpText, frame.OpBinary:
			payload := f.Payload
			l.emit(func() { callPayload(l.handler.OnMessage, payload) })
		case frame.OpPong:
			l.lastPong.Store(time.Now().UnixNano())
		}
	}
}

// stateChanged 由连接同步回调，不能阻塞
func (l *Link) stateChanged(from, to conn.State, err error) {
	if from != conn.StateOpen || err == nil || l.closed.Load() {
		return
	}
	if to != conn.StateError && to != conn.StateClosed {
		return
	}
	l.lost(err)
}

func (l *Link) lost(err error) {
	l.log.Warn("connection lost", zap.String("addr", l.settings.Addr()), zap.Error(err))
	l.emit(func() {
		if l.handler.OnLost != nil {
			l.handler.OnLost(err)
		}
	})
	if l.settings.AutoReconnect {
		l.goBackground(func() { _ = l.reconnect() })
	}
}

// reconnect 同一时刻只有一次重连在进行
func (l *Link) reconnect() error {
	_, err, _ := l.reconnects.Do("reconnect", func() (any, error) {
		l.sessionMu.Lock()
		defer l.sessionMu.Unlock()
		// 旧会话的接收循环退出之后才能开始新会话
		l.recvWG.Wait()
		if l.ctx.Err() != nil {
			return nil, l.ctx.Err()
		}
		l.log.Info("reconnecting", zap.Duration("delay", l.settings.Timeouts.ReconnectDelay))
		if err := l.conn.Reconnect(l.ctx); err != nil {
			if l.ctx.Err() == nil {
				l.log.Warn("reconnect failed", zap.Error(err))
				l.reportError(err)
			}
			return nil, err
		}
		if !l.startReceiver() {
			_ = l.conn.Disconnect()
			return nil, l.ctx.Err()
		}
		l.log.Info("reconnected")
		return nil, nil
	})
	return err
}

// heartbeatLoop 每个间隔发送一次 PING，存活超时内未见 PONG 视为断线
// PONG 由接收循环记录，心跳本身不读取帧
func (l *Link) heartbeatLoop() {
	ticker := time.NewTicker(l.settings.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.ctx.Done():
			return
		case <-ticker.C:
		}
		gen, open := l.conn.Generation()
		if !open {
			continue
		}

		sent := time.Now()
		if err := l.conn.Send(l.ctx, nil, frame.OpPing); err != nil {
			continue
		}
		select {
		case <-l.ctx.Done():
			return
		case <-time.After(l.settings.Timeouts.Liveness):
		}
		if time.Unix(0, l.lastPong.Load()).Before(sent) {
			// 只结束发出 PING 的那个会话，断线经 stateChanged 上报一次
			err := wserrors.ErrTimeout.WithDetail("no pong within %v", l.settings.Timeouts.Liveness)
			if l.conn.Fail(gen, err) {
				l.log.Warn("heartbeat missed", zap.Uint64("session", gen))
			}
		}
	}
}
