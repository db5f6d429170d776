package conn

import (
	"errors"
	"io"
	"net"

	"go.uber.org/zap"

	wserrors "github.com/tokmz/wslink/pkg/errors"
	"github.com/tokmz/wslink/pkg/frame"
)

// readLoop 读协程，会话结束时关闭 done
// PING 自动回复 PONG 且不交给消费者；CLOSE 回显后交给消费者并结束会话
func (c *Connection) readLoop(sess *session) {
	defer close(sess.done)

	rd := frame.NewReader(sess.reader, c.cfg.MaxPayload)
	for {
		f, err := rd.ReadFrame()
		if err != nil {
			c.readFailed(sess, err)
			return
		}
		c.metrics.AddFramesReceived(f.Opcode.String(), len(f.Payload))

		switch f.Opcode {
		case frame.OpPing:
			c.replyPong(sess, f.Payload)
			continue
		case frame.OpClose:
			c.peerClosed(sess, f)
			return
		}

		select {
		case sess.frames <- f:
		case <-sess.stop:
			return
		}
	}
}

func (c *Connection) replyPong(sess *session, payload []byte) {
	b, err := frame.Encode(payload, frame.OpPong, c.cfg.Masking)
	if err != nil {
		return
	}
	// 写失败由 writeFrame 处理，读协程随后会因流关闭退出
	_ = c.writeFrame(sess, b)
}

func (c *Connection) peerClosed(sess *session, f *frame.Frame) {
	code, reason, perr := frame.ParseClose(f.Payload)
	if perr != nil {
		c.closeWith(sess, frame.CloseProtocolError, perr)
		return
	}
	if code.IsSendable() {
		c.writeClose(sess, code, "")
	} else {
		c.writeClose(sess, frame.CloseNormal, "")
	}

	// 关闭帧仍交给消费者，便于读取关闭码
	select {
	case sess.frames <- f:
	default:
	}

	err := wserrors.ErrConnectionClosed.WithDetail("peer sent close %d %s", int(code), reason)
	c.log.Info("websocket closed by peer", zap.Int("code", int(code)), zap.String("reason", reason))

	c.mu.Lock()
	if c.sess != sess || c.state != StateOpen {
		c.mu.Unlock()
		sess.shutdown(err)
		return
	}
	c.state = StateClosed
	c.mu.Unlock()

	sess.shutdown(err)
	c.notify(StateOpen, StateClosed, err)
}

// readFailed 将读错误映射为错误码并结束会话
func (c *Connection) readFailed(sess *session, err error) {
	if sess.closing.Load() {
		return
	}
	select {
	case <-sess.stop:
		return
	default:
	}

	switch {
	case errors.Is(err, wserrors.ErrOversizedFrame):
		c.closeWith(sess, frame.CloseMessageTooBig, err)
	case errors.Is(err, wserrors.ErrFrameMalformed):
		c.closeWith(sess, frame.CloseProtocolError, err)
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, net.ErrClosed):
		// 对端未发送关闭帧即断开，相当于 1006
		c.fail(sess, wserrors.ErrReadFailed.WithDetail("connection dropped (%s)", frame.CloseAbnormal).WithError(err))
	default:
		c.fail(sess, wserrors.ErrReadFailed.WithError(err))
	}
}
