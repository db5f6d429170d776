// Package router 为每条出站消息选择唯一的投递通道：已打开的 WebSocket 或备用 HTTP 请求
package router

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/tokmz/wslink/pkg/conn"
	wserrors "github.com/tokmz/wslink/pkg/errors"
	"github.com/tokmz/wslink/pkg/fallback"
	"github.com/tokmz/wslink/pkg/frame"
	"github.com/tokmz/wslink/pkg/logger"
	"github.com/tokmz/wslink/pkg/tracing"
)

// Socket 路由使用的连接能力
type Socket interface {
	State() conn.State
	Send(ctx context.Context, payload []byte, op frame.Opcode) error
}

// Fallback 路由使用的备用通道能力
type Fallback interface {
	Go(ctx context.Context, body []byte, timeout time.Duration, onResponse fallback.ResponseFunc, onError fallback.ErrorFunc)
}

// Message 一条出站消息
type Message struct {
	Type  string
	Value string
	// Bare 只发送 type，不带 =；Value 为空但 Bare 为 false 时发送 type=
	Bare    bool
	Timeout time.Duration // 备用请求超时，0 使用默认值
}

// Payload 编码为 type=value
func (m Message) Payload(fold bool) []byte {
	typ := m.Type
	if fold {
		typ = strings.ToLower(typ)
	}
	if m.Bare {
		return []byte(typ)
	}
	return []byte(typ + "=" + m.Value)
}

// Path 投递通道
type Path int

const (
	PathNone Path = iota
	PathSocket
	PathFallback
)

func (p Path) String() string {
	switch p {
	case PathSocket:
		return "socket"
	case PathFallback:
		return "fallback"
	}
	return "none"
}

// Router 传输路由
type Router struct {
	cfg      *Config
	socket   Socket
	fallback Fallback
	log      logger.Logger
	metrics  Metrics
}

// New 创建路由，socket 与 fallback 都可以为 nil
func New(socket Socket, fb Fallback, opts ...Option) (*Router, error) {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	return NewWithConfig(socket, fb, cfg)
}

// NewWithConfig 使用配置创建路由
func NewWithConfig(socket Socket, fb Fallback, cfg *Config) (*Router, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	r := &Router{
		cfg:      cfg,
		socket:   socket,
		fallback: fb,
		log:      cfg.Logger,
		metrics:  cfg.Metrics,
	}
	if r.log == nil {
		r.log = logger.NewNop()
	}
	if r.metrics == nil {
		r.metrics = NoopMetrics{}
	}
	return r, nil
}

// Send 投递一条消息，返回所选通道
// 连接建立中时等待 DeferDelay 后重新判断一次；连接打开时发送一个 TEXT 帧；否则交给备用通道
// 已写入连接的消息不会再交给备用通道，备用请求失败也不会重试
func (r *Router) Send(ctx context.Context, msg Message) (path Path, err error) {
	if r.cfg.Tracing {
		var span trace.Span
		ctx, span = tracing.StartSpan(ctx, "wslink.router.send",
			trace.WithAttributes(attribute.String("message.type", msg.Type)))
		defer func() {
			span.SetAttributes(attribute.String("route.path", path.String()))
			tracing.RecordError(span, err)
			span.End()
		}()
	}

	if r.socketState() == conn.StateConnecting {
		r.metrics.IncDeferred()
		r.log.DebugContext(ctx, "socket connecting, deferring send", zap.String("type", msg.Type), zap.Duration("delay", r.cfg.DeferDelay))
		t := time.NewTimer(r.cfg.DeferDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return PathNone, ctx.Err()
		case <-t.C:
		}
	}

	payload := msg.Payload(r.cfg.TypeFolding)

	if r.socketState() == conn.StateOpen {
		err := r.socket.Send(ctx, payload, frame.OpText)
		switch {
		case err == nil:
			r.metrics.IncRouted(PathSocket.String())
			r.log.DebugContext(ctx, "message sent over socket", zap.String("type", msg.Type))
			return PathSocket, nil
		case !errors.Is(err, wserrors.ErrNotConnected):
			// 帧可能已部分写出，不能再走备用通道
			r.metrics.IncRouted(PathNone.String())
			return PathNone, err
		}
		// 检查与发送之间连接已关闭，消息未写出
	}

	return r.sendFallback(ctx, msg, payload)
}

func (r *Router) sendFallback(ctx context.Context, msg Message, payload []byte) (Path, error) {
	if !r.cfg.FallbackEnabled || r.fallback == nil {
		r.metrics.IncRouted(PathNone.String())
		return PathNone, wserrors.ErrFallbackUnavailable.WithDetail("socket %s and fallback disabled", r.socketState())
	}

	r.metrics.IncRouted(PathFallback.String())
	r.log.DebugContext(ctx, "message routed to fallback", zap.String("type", msg.Type))

	r.fallback.Go(context.WithoutCancel(ctx), payload, msg.Timeout,
		func(body []byte) {
			r.metrics.IncFallbackResults(true)
			if r.cfg.OnReply != nil {
				r.cfg.OnReply(msg, body)
			}
		},
		func(err error) {
			r.metrics.IncFallbackResults(false)
			if r.cfg.OnError != nil {
				r.cfg.OnError(msg, err)
			}
		},
	)
	return PathFallback, nil
}

func (r *Router) socketState() conn.State {
	if r.socket == nil {
		return conn.StateUnconnected
	}
	return r.socket.State()
}
