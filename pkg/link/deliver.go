package link

import (
	"context"

	"go.uber.org/zap"

	"github.com/tokmz/wslink/pkg/conn"
	"github.com/tokmz/wslink/pkg/frame"
	"github.com/tokmz/wslink/pkg/logger"
	"github.com/tokmz/wslink/pkg/router"
)

// Deliver 一次性投递：连接、存活检测、发送一条 type=value 消息、断开
// 不走备用通道；连接或检测失败时返回 ErrHandshakeFailed 或 ErrTimeout，
// 供 HTTP 代理映射为 503
func Deliver(ctx context.Context, settings *Settings, typ, value string, opts ...Option) error {
	if settings == nil {
		settings = DefaultSettings()
	}
	if err := settings.Validate(); err != nil {
		return err
	}
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.log == nil {
		o.log = logger.NewNop()
	}

	c, err := conn.NewWithConfig(connConfig(settings, o.log, o))
	if err != nil {
		return err
	}
	log := o.log.With(zap.String("conn_id", c.ID()), zap.String("addr", settings.Addr()))

	if err := c.Connect(ctx, settings.Target()); err != nil {
		log.WarnContext(ctx, "deliver: connect failed", zap.Error(err))
		return err
	}
	defer c.Disconnect()

	if err := c.CheckLiveness(ctx); err != nil {
		log.WarnContext(ctx, "deliver: server not responding", zap.Error(err))
		return err
	}

	msg := router.Message{Type: typ, Value: value}
	if err := c.Send(ctx, msg.Payload(settings.TypeFolding), frame.OpText); err != nil {
		return err
	}
	log.DebugContext(ctx, "deliver: sent", zap.String("type", typ), zap.Int("bytes", len(value)))
	return nil
}
