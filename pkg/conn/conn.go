// Package conn 管理单条 WebSocket 连接：握手、收发帧、存活检测与重连
package conn

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	wserrors "github.com/tokmz/wslink/pkg/errors"
	"github.com/tokmz/wslink/pkg/frame"
	"github.com/tokmz/wslink/pkg/handshake"
	"github.com/tokmz/wslink/pkg/logger"
	"github.com/tokmz/wslink/pkg/tracing"
)

const (
	closeWriteWait  = time.Second
	livenessPayload = "ping?"
)

// Connection 单条 WebSocket 连接
// 写操作按连接串行；读由每个会话独占的读协程完成，帧按到达顺序交给唯一的消费者
type Connection struct {
	id         string
	cfg        *Config
	log        logger.Logger
	metrics    Metrics
	negotiator *handshake.Negotiator

	mu            sync.Mutex
	state         State
	target        handshake.Target
	hasTarget     bool
	sess          *session
	gen           uint64 // 每次握手成功加一
	err           error
	cancelConnect context.CancelFunc

	writeMu sync.Mutex
}

// New 创建连接，初始状态为 StateUnconnected
func New(opts ...Option) (*Connection, error) {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	return NewWithConfig(cfg)
}

// NewWithConfig 使用配置创建连接
func NewWithConfig(cfg *Config) (*Connection, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Connection{
		id:      uuid.NewString(),
		cfg:     cfg,
		log:     cfg.Logger,
		metrics: cfg.Metrics,
		negotiator: handshake.New(
			handshake.WithTimeout(cfg.HandshakeTimeout),
			handshake.WithMaxHeaderBytes(cfg.MaxHeaderBytes),
		),
	}
	if c.log == nil {
		c.log = logger.NewNop()
	}
	if c.metrics == nil {
		c.metrics = NoopMetrics{}
	}
	c.log = c.log.With(zap.String("conn_id", c.id))
	return c, nil
}

// ID 连接标识
func (c *Connection) ID() string {
	return c.id
}

// State 当前状态
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err 最近一次导致 StateError 的错误
func (c *Connection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Generation 当前会话的序号，未处于 StateOpen 时返回 false
func (c *Connection) Generation() (uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen, c.state == StateOpen
}

// Fail 以 err 结束序号为 gen 的会话并进入 StateError
// 会话已结束或已被新会话取代时不做任何事并返回 false
func (c *Connection) Fail(gen uint64, err error) bool {
	c.mu.Lock()
	sess := c.sess
	match := c.gen == gen && c.state == StateOpen
	c.mu.Unlock()
	if !match {
		return false
	}
	return c.fail(sess, err)
}

// Target 最近一次连接的目标
func (c *Connection) Target() (handshake.Target, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.target, c.hasTarget
}

// Connect 拨号并完成握手，成功进入 StateOpen，失败进入 StateError
// 可从 StateUnconnected、StateClosed、StateError 调用
func (c *Connection) Connect(ctx context.Context, target handshake.Target) (err error) {
	c.mu.Lock()
	if c.state == StateOpen || c.state == StateConnecting {
		c.mu.Unlock()
		return ErrAlreadyOpen
	}
	from := c.state
	ctx, cancel := context.WithCancel(ctx)
	c.state = StateConnecting
	c.target = target
	c.hasTarget = true
	c.cancelConnect = cancel
	c.mu.Unlock()
	defer cancel()
	c.notify(from, StateConnecting, nil)

	ctx, span := tracing.StartSpan(ctx, "wslink.conn.connect", trace.WithAttributes(
		attribute.String("ws.addr", target.Addr()),
		attribute.String("ws.path", target.Path),
		attribute.Bool("ws.secure", c.cfg.Secure),
		attribute.String("ws.conn_id", c.id),
	))
	defer func() {
		tracing.RecordError(span, err)
		span.End()
	}()

	nc, err := c.dial(ctx, target)
	if err != nil {
		err = wserrors.ErrHandshakeFailed.WithDetail("dial %s", target.Addr()).WithError(err)
		c.connectFailed(err)
		return err
	}

	res, err := c.negotiator.Open(ctx, nc, target)
	if err != nil {
		_ = nc.Close()
		c.connectFailed(err)
		return err
	}

	sess := newSession(nc, res.Rest, c.cfg.QueueSize)

	c.mu.Lock()
	if c.state != StateConnecting {
		// 握手期间被 Disconnect
		c.mu.Unlock()
		_ = nc.Close()
		return wserrors.ErrConnectionClosed.WithDetail("disconnected during handshake")
	}
	c.state = StateOpen
	c.sess = sess
	c.gen++
	c.err = nil
	c.cancelConnect = nil
	c.mu.Unlock()

	go c.readLoop(sess)

	c.metrics.IncConnects("ok")
	c.log.InfoContext(ctx, "websocket connected", zap.String("addr", target.Addr()), zap.String("path", target.Path))
	c.notify(StateConnecting, StateOpen, nil)
	return nil
}

func (c *Connection) dial(ctx context.Context, target handshake.Target) (net.Conn, error) {
	addr := target.Addr()

	var nc net.Conn
	var err error
	if c.cfg.Dialer != nil {
		nc, err = c.cfg.Dialer(ctx, "tcp", addr)
	} else {
		d := &net.Dialer{Timeout: c.cfg.DialTimeout}
		nc, err = d.DialContext(ctx, "tcp", addr)
	}
	if err != nil || !c.cfg.Secure {
		return nc, err
	}

	tlsCfg := c.cfg.TLSConfig
	if tlsCfg == nil {
		tlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	if tlsCfg.ServerName == "" {
		tlsCfg = tlsCfg.Clone()
		tlsCfg.ServerName = target.Host
	}
	tc := tls.Client(nc, tlsCfg)
	if err := tc.HandshakeContext(ctx); err != nil {
		_ = nc.Close()
		return nil, err
	}
	return tc, nil
}

func (c *Connection) connectFailed(err error) {
	c.mu.Lock()
	if c.state != StateConnecting {
		c.mu.Unlock()
		return
	}
	c.state = StateError
	c.err = err
	c.cancelConnect = nil
	c.mu.Unlock()

	c.metrics.IncConnects("failed")
	c.metrics.IncErrors(kindOf(err))
	c.log.Warn("websocket connect failed", zap.Error(err))
	c.notify(StateConnecting, StateError, err)
}

// Send 编码并写出一个完整的帧，仅在 StateOpen 有效
// 写失败时连接进入 StateError
func (c *Connection) Send(ctx context.Context, payload []byte, op frame.Opcode) error {
	sess, err := c.openSession()
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	b, err := frame.Encode(payload, op, c.cfg.Masking)
	if err != nil {
		if errors.Is(err, wserrors.ErrOversizedFrame) {
			c.closeWith(sess, frame.CloseMessageTooBig, err)
		}
		return err
	}
	if err := c.writeFrame(sess, b); err != nil {
		return err
	}
	c.metrics.AddFramesSent(op.String(), len(payload))
	return nil
}

// writeFrame 写出已编码的帧，短写会继续写剩余部分
func (c *Connection) writeFrame(sess *session, b []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.cfg.WriteTimeout > 0 {
		_ = sess.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
		defer sess.conn.SetWriteDeadline(time.Time{})
	}

	chunk := c.cfg.WriteChunkSize
	if chunk <= 0 {
		chunk = len(b)
	}
	for off := 0; off < len(b); {
		end := min(off+chunk, len(b))
		n, err := sess.conn.Write(b[off:end])
		off += n
		if err != nil {
			err = wserrors.ErrWriteFailed.WithDetail("%d of %d bytes written", off, len(b)).WithError(err)
			c.fail(sess, err)
			return err
		}
		if off == end && off < len(b) && c.cfg.WritePacing > 0 {
			time.Sleep(c.cfg.WritePacing)
		}
	}
	return nil
}

// Receive 阻塞直到收到下一帧
// 超过 ReadTimeout 返回 ErrTimeout；连接关闭时返回 ErrConnectionClosed 或导致关闭的错误
func (c *Connection) Receive(ctx context.Context) (*frame.Frame, error) {
	c.mu.Lock()
	sess, state := c.sess, c.state
	c.mu.Unlock()
	if state != StateOpen {
		// 会话结束前已缓冲的帧仍然交付
		if sess != nil {
			select {
			case f := <-sess.frames:
				return f, nil
			default:
			}
		}
		return nil, wserrors.ErrNotConnected.WithDetail("state %s", state)
	}
	return c.receive(ctx, sess, c.cfg.ReadTimeout)
}

func (c *Connection) receive(ctx context.Context, sess *session, timeout time.Duration) (*frame.Frame, error) {
	select {
	case f := <-sess.frames:
		return f, nil
	default:
	}

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case f := <-sess.frames:
		return f, nil
	case <-sess.done:
		select {
		case f := <-sess.frames:
			return f, nil
		default:
		}
		return nil, sess.exitErr()
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer:
		return nil, wserrors.ErrTimeout.WithDetail("no frame within %v", timeout)
	}
}

// CheckLiveness 发送 PING 并等待下一帧，该帧必须是 PONG
// 超时、写失败或收到其他帧都视为连接丢失，连接进入 StateError
// 不应与 Receive 的消费者并发调用
func (c *Connection) CheckLiveness(ctx context.Context) error {
	sess, err := c.openSession()
	if err != nil {
		return err
	}

	start := time.Now()
	if err := c.Send(ctx, []byte(livenessPayload), frame.OpPing); err != nil {
		c.metrics.ObserveLiveness(time.Since(start), false)
		return err
	}

	f, err := c.receive(ctx, sess, c.cfg.LivenessTimeout)
	if err != nil && ctx.Err() != nil {
		return err
	}
	switch {
	case errors.Is(err, wserrors.ErrTimeout):
		err = wserrors.ErrTimeout.WithDetail("no pong within %v", c.cfg.LivenessTimeout)
	case err != nil:
	case f.Opcode != frame.OpPong:
		err = wserrors.ErrReadFailed.WithDetail("expected pong, got %s frame", f.Opcode)
	}
	c.metrics.ObserveLiveness(time.Since(start), err == nil)
	if err != nil {
		c.fail(sess, err)
		return err
	}
	return nil
}

// Reconnect 断开当前连接，等待 ReconnectDelay 后以上次的目标重新 Connect
func (c *Connection) Reconnect(ctx context.Context) error {
	target, ok := c.Target()
	if !ok {
		return ErrNoTarget
	}
	_ = c.Disconnect()

	c.log.Info("reconnecting", zap.Duration("delay", c.cfg.ReconnectDelay), zap.String("addr", target.Addr()))
	if c.cfg.ReconnectDelay > 0 {
		t := time.NewTimer(c.cfg.ReconnectDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	return c.Connect(ctx, target)
}

// Disconnect 释放底层流并进入 StateClosed，可重复调用
// 阻塞中的 Receive 会返回 ErrConnectionClosed
func (c *Connection) Disconnect() error {
	c.mu.Lock()
	from := c.state
	switch from {
	case StateUnconnected, StateClosed:
		c.mu.Unlock()
		return nil
	case StateConnecting:
		c.state = StateClosed
		if c.cancelConnect != nil {
			c.cancelConnect()
			c.cancelConnect = nil
		}
		c.mu.Unlock()
		c.notify(from, StateClosed, nil)
		return nil
	}
	sess := c.sess
	c.state = StateClosed
	c.mu.Unlock()

	if sess != nil {
		sess.closing.Store(true)
		if from == StateOpen {
			c.writeClose(sess, frame.CloseNormal, "")
		}
		sess.shutdown(wserrors.ErrConnectionClosed)
		// StateError 下读协程可能正处于状态回调中，不等待其退出
		if from == StateOpen {
			<-sess.done
		}
	}
	c.log.Debug("websocket disconnected", zap.Stringer("from", from))
	c.notify(from, StateClosed, nil)
	return nil
}

func (c *Connection) openSession() (*session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateOpen || c.sess == nil {
		return nil, wserrors.ErrNotConnected.WithDetail("state %s", c.state)
	}
	return c.sess, nil
}

// fail 将仍处于 StateOpen 的会话标记为出错并释放
func (c *Connection) fail(sess *session, err error) bool {
	c.mu.Lock()
	if c.sess != sess || c.state != StateOpen {
		c.mu.Unlock()
		return false
	}
	c.state = StateError
	c.err = err
	c.mu.Unlock()

	sess.shutdown(err)
	c.metrics.IncErrors(kindOf(err))
	c.log.Warn("websocket connection lost", zap.Error(err))
	c.notify(StateOpen, StateError, err)
	return true
}

// closeWith 发送关闭帧后以 err 结束会话
func (c *Connection) closeWith(sess *session, code frame.CloseCode, err error) {
	c.writeClose(sess, code, err.Error())
	c.fail(sess, err)
}

// writeClose 尽力发送关闭帧，不影响状态
func (c *Connection) writeClose(sess *session, code frame.CloseCode, reason string) {
	b, err := frame.Encode(frame.ClosePayload(code, reason), frame.OpClose, c.cfg.Masking)
	if err != nil {
		return
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = sess.conn.SetWriteDeadline(time.Now().Add(closeWriteWait))
	_, _ = sess.conn.Write(b)
}

func (c *Connection) notify(from, to State, err error) {
	c.metrics.IncStateTransitions(to.String())
	if c.cfg.OnStateChange != nil {
		c.cfg.OnStateChange(from, to, err)
	}
}

// session 一次成功握手对应的底层流
type session struct {
	conn   net.Conn
	reader io.Reader
	frames chan *frame.Frame
	stop   chan struct{}
	done   chan struct{}

	closing  atomic.Bool
	stopOnce sync.Once
	errMu    sync.Mutex
	err      error
}

func newSession(nc net.Conn, rest []byte, queue int) *session {
	var r io.Reader = nc
	if len(rest) > 0 {
		r = io.MultiReader(bytes.NewReader(rest), nc)
	}
	return &session{
		conn:   nc,
		reader: bufio.NewReader(r),
		frames: make(chan *frame.Frame, queue),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// shutdown 关闭底层流，第一次调用的 err 作为会话结束原因
func (s *session) shutdown(err error) {
	s.stopOnce.Do(func() {
		s.errMu.Lock()
		s.err = err
		s.errMu.Unlock()
		close(s.stop)
		_ = s.conn.Close()
	})
}

func (s *session) exitErr() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		return wserrors.ErrConnectionClosed
	}
	return s.err
}

var errorKinds = []struct {
	err  *wserrors.Error
	kind string
}{
	{wserrors.ErrHandshakeFailed, "handshake"},
	{wserrors.ErrNotConnected, "not_connected"},
	{wserrors.ErrFrameMalformed, "malformed"},
	{wserrors.ErrWriteFailed, "write"},
	{wserrors.ErrReadFailed, "read"},
	{wserrors.ErrTimeout, "timeout"},
	{wserrors.ErrOversizedFrame, "oversized"},
	{wserrors.ErrConnectionClosed, "closed"},
}

// kindOf 错误分类，用作监控标签
func kindOf(err error) string {
	for _, k := range errorKinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return "other"
}
