package relay

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/tokmz/wslink/pkg/logger"
)

// Peer 一个已升级的 WebSocket 连接
// 读写各由一个协程负责：readPump 解析并分发消息，writePump 串行写出回复与心跳
type Peer struct {
	ID string

	conn   *websocket.Conn
	server *Server
	log    logger.Logger
	send   chan []byte

	lastSeen atomic.Int64 // Unix 纳秒

	ctx       context.Context
	cancel    context.CancelFunc
	closed    atomic.Bool
	closeOnce sync.Once
}

func newPeer(conn *websocket.Conn, s *Server) *Peer {
	ctx, cancel := context.WithCancel(s.ctx)
	id := uuid.NewString()
	p := &Peer{
		ID:     id,
		conn:   conn,
		server: s,
		log:    s.log.With(zap.String("peer_id", id)),
		send:   make(chan []byte, s.cfg.SendQueueSize),
		ctx:    ctx,
		cancel: cancel,
	}
	p.touch()
	return p
}

// run 阻塞直到读写协程都退出
func (p *Peer) run() {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		p.readPump()
	}()
	go func() {
		defer wg.Done()
		p.writePump()
	}()
	wg.Wait()
	p.Close()
}

func (p *Peer) touch() {
	p.lastSeen.Store(time.Now().UnixNano())
}

func (p *Peer) extendDeadline() error {
	p.touch()
	return p.conn.SetReadDeadline(time.Now().Add(p.server.cfg.HeartbeatTimeout))
}

func (p *Peer) readPump() {
	defer p.Close()

	p.conn.SetReadLimit(p.server.cfg.MaxMessageSize)
	if err := p.extendDeadline(); err != nil {
		return
	}
	p.conn.SetPongHandler(func(string) error { return p.extendDeadline() })
	p.conn.SetPingHandler(func(data string) error {
		if err := p.extendDeadline(); err != nil {
			return err
		}
		err := p.conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(p.server.cfg.WriteWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				p.log.Debug("peer read failed", zap.Error(err))
			}
			return
		}
		if err := p.extendDeadline(); err != nil {
			return
		}

		msg := ParseMessage(data)
		msg.Transport = TransportWS
		msg.PeerID = p.ID

		reply, err := p.server.dispatch(p.ctx, &msg)
		if err != nil {
			reply = Message{Type: "error", Value: err.Error()}.Encode()
		}
		if len(reply) > 0 {
			if err := p.Send(reply); err != nil {
				p.log.Warn("reply dropped", zap.String("type", msg.Type), zap.Error(err))
			}
		}
	}
}

func (p *Peer) writePump() {
	ticker := time.NewTicker(p.server.cfg.HeartbeatInterval)
	defer func() {
		ticker.Stop()
		_ = p.conn.Close()
	}()

	wait := p.server.cfg.WriteWait
	for {
		select {
		case <-p.ctx.Done():
			_ = p.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(wait))
			return

		case msg := <-p.send:
			if err := p.conn.SetWriteDeadline(time.Now().Add(wait)); err != nil {
				return
			}
			if err := p.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}

		case <-ticker.C:
			if err := p.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wait)); err != nil {
				return
			}
		}
	}
}

// Send 非阻塞地排队一条文本消息
func (p *Peer) Send(msg []byte) error {
	if p.closed.Load() {
		return ErrPeerClosed
	}
	select {
	case p.send <- msg:
		return nil
	default:
		p.server.metrics.IncDroppedReplies()
		return ErrSendQueueFull
	}
}

// Close 关闭连接并从服务端移除，可重复调用
func (p *Peer) Close() {
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		p.cancel()
		p.server.removePeer(p)
	})
}

// IsClosed 是否已关闭
func (p *Peer) IsClosed() bool {
	return p.closed.Load()
}

// LastSeen 最近一次收到帧的时间
func (p *Peer) LastSeen() time.Time {
	return time.Unix(0, p.lastSeen.Load())
}

// RemoteAddr 对端地址
func (p *Peer) RemoteAddr() string {
	return p.conn.RemoteAddr().String()
}
