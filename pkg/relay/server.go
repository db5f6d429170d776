// Package relay 同一资源上同时提供 WebSocket 与备用 HTTP 两种通道的配套服务端
//
// GET <Resource> 升级为 WebSocket，POST <Resource><Suffix> 是备用通道。
// 两个通道上的 type=value 消息交给同一个 Mux 处理，回复沿原通道返回。
package relay

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tokmz/wslink/pkg/logger"
	"github.com/tokmz/wslink/pkg/tracing"
)

// Server 中继服务端
type Server struct {
	cfg      *Config
	log      logger.Logger
	metrics  Metrics
	mux      *Mux
	pool     *peerPool
	events   *EventBus
	upgrader websocket.Upgrader
	engine   *gin.Engine
	http     *http.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	addrMu sync.Mutex
	addr   net.Addr
}

// New 创建中继服务端
func New(opts ...Option) (*Server, error) {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:      cfg,
		log:      cfg.Logger,
		metrics:  cfg.Metrics,
		mux:      NewMux(),
		pool:     newPeerPool(cfg.MaxPeers),
		events:   NewEventBus(cfg.EventWorkers, cfg.EventQueueSize),
		upgrader: newUpgrader(cfg),
		ctx:      ctx,
		cancel:   cancel,
	}
	if s.log == nil {
		s.log = logger.NewNop()
	}
	s.log = s.log.Named("relay")
	if s.metrics == nil {
		s.metrics = NoopMetrics{}
	}

	s.engine = s.routes()
	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.engine,
		ReadHeaderTimeout: cfg.HandshakeTimeout,
	}
	s.setupEventHandlers()
	return s, nil
}

func (s *Server) routes() *gin.Engine {
	engine := gin.New()
	engine.Use(gin.Recovery())
	// 指标抓取不记录日志也不追踪
	observed := func(c *gin.Context) bool { return s.cfg.MetricsPath == "" || c.FullPath() != s.cfg.MetricsPath }
	engine.Use(accessLog(s.log, observed))
	if s.cfg.Tracing {
		engine.Use(tracing.Middleware(tracing.WithFilter(observed)))
	}

	var limit []gin.HandlerFunc
	if s.cfg.RateLimit > 0 {
		l := newLimiter(s.cfg.RateLimit, s.cfg.RateBurst)
		go l.run(s.ctx)
		limit = append(limit, l.middleware(s.log))
	}

	engine.GET(s.cfg.Resource, append(limit, s.handleUpgrade)...)

	fallback := s.cfg.Resource + s.cfg.Suffix
	if len(s.cfg.CORSOrigins) > 0 {
		allow := cors(s.cfg.CORSOrigins)
		engine.OPTIONS(fallback, allow)
		engine.POST(fallback, append([]gin.HandlerFunc{allow}, append(limit, s.handleFallback)...)...)
	} else {
		engine.POST(fallback, append(limit, s.handleFallback)...)
	}

	if s.cfg.MetricsPath != "" {
		gatherer := s.cfg.Gatherer
		if gatherer == nil {
			gatherer = prometheus.DefaultGatherer
		}
		engine.GET(s.cfg.MetricsPath, gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}
	return engine
}

// Handle 注册消息类型处理器，类型按小写匹配
func (s *Server) Handle(typ string, h HandlerFunc) error {
	return s.mux.Handle(typ, h)
}

// HandleDefault 注册未匹配类型的处理器
func (s *Server) HandleDefault(h HandlerFunc) error {
	return s.mux.HandleDefault(h)
}

// Use 添加处理器中间件
func (s *Server) Use(mw ...Middleware) error {
	return s.mux.Use(mw...)
}

// Subscribe 订阅中继事件
func (s *Server) Subscribe(t EventType, h EventHandler) {
	s.events.Subscribe(t, h)
}

// Handler 返回 HTTP 处理器，调用后不能再注册消息处理器
func (s *Server) Handler() http.Handler {
	s.mux.Freeze()
	return s.engine
}

// Run 监听并服务，直到 ctx 取消或 Shutdown 被调用
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve 在已有的 listener 上服务
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mux.Freeze()
	s.addrMu.Lock()
	s.addr = ln.Addr()
	s.addrMu.Unlock()
	s.log.Info("relay listening",
		zap.String("addr", ln.Addr().String()),
		zap.String("resource", s.cfg.Resource),
		zap.String("fallback", s.cfg.Resource+s.cfg.Suffix))

	ctx, stop := context.WithCancel(ctx)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer stop()
		if err := s.http.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		return s.Shutdown(sctx)
	})
	return g.Wait()
}

// Addr 实际监听地址，Serve 之前为 nil
func (s *Server) Addr() net.Addr {
	s.addrMu.Lock()
	defer s.addrMu.Unlock()
	return s.addr
}

// Shutdown 停止接受请求并关闭所有 peer
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.http.Shutdown(ctx)
	s.cancel()

	s.pool.each(func(p *Peer) bool {
		p.Close()
		return true
	})

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.events.Close()
	return err
}

// PeerCount 在线 peer 数
func (s *Server) PeerCount() int {
	return s.pool.len()
}

// Peer 按 ID 查找 peer
func (s *Server) Peer(id string) (*Peer, bool) {
	return s.pool.get(id)
}

// Broadcast 向所有 peer 排队发送，返回成功排队的数量
func (s *Server) Broadcast(msg []byte) int {
	n := 0
	s.pool.each(func(p *Peer) bool {
		if p.Send(msg) == nil {
			n++
		}
		return true
	})
	return n
}

// handleUpgrade GET <Resource>
func (s *Server) handleUpgrade(c *gin.Context) {
	if s.ctx.Err() != nil {
		c.String(http.StatusServiceUnavailable, "shutting down")
		return
	}
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade 已写出错误响应
		s.log.Debug("upgrade failed", zap.Error(err))
		return
	}

	p := newPeer(conn, s)
	if err := s.pool.add(p); err != nil {
		s.log.Warn("peer rejected", zap.Error(err))
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()),
			time.Now().Add(s.cfg.WriteWait))
		_ = conn.Close()
		return
	}

	s.events.Publish(Event{Type: EventPeerConnected, PeerID: p.ID})
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		p.run()
	}()
}

// handleFallback POST <Resource><Suffix>，请求体与响应体都是纯文本
func (s *Server) handleFallback(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, s.cfg.MaxMessageSize+1))
	if err != nil {
		c.String(http.StatusBadRequest, "read body: %v", err)
		return
	}
	if int64(len(body)) > s.cfg.MaxMessageSize {
		c.String(http.StatusRequestEntityTooLarge, "message too large")
		return
	}

	msg := ParseMessage(body)
	msg.Transport = TransportHTTP

	reply, err := s.dispatch(c.Request.Context(), &msg)
	switch {
	case errors.Is(err, ErrHandlerNotFound), errors.Is(err, ErrEmptyType):
		c.String(http.StatusNotFound, err.Error())
	case err != nil:
		c.String(http.StatusInternalServerError, err.Error())
	default:
		c.Data(http.StatusOK, "text/plain; charset=utf-8", reply)
	}
}

// dispatch 两种通道共用的处理入口
func (s *Server) dispatch(ctx context.Context, msg *Message) ([]byte, error) {
	s.metrics.IncMessages(msg.Transport, msg.Type)
	s.events.Publish(Event{Type: EventMessageReceived, PeerID: msg.PeerID, Message: msg})
	if msg.Type == "" {
		return nil, ErrEmptyType
	}

	if s.cfg.HandlerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.HandlerTimeout)
		defer cancel()
	}
	reply, err := s.mux.Serve(ctx, msg)
	if err != nil {
		s.metrics.IncHandlerErrors(msg.Transport)
		s.events.Publish(Event{Type: EventHandlerError, PeerID: msg.PeerID, Message: msg, Err: err})
	}
	return reply, err
}

func (s *Server) removePeer(p *Peer) {
	if s.pool.remove(p.ID) {
		s.events.Publish(Event{Type: EventPeerDisconnected, PeerID: p.ID})
	}
}

func (s *Server) setupEventHandlers() {
	s.events.Subscribe(EventPeerConnected, func(e Event) {
		s.metrics.PeerConnected()
		s.log.Debug("peer connected", zap.String("peer_id", e.PeerID))
	})
	s.events.Subscribe(EventPeerDisconnected, func(e Event) {
		s.metrics.PeerDisconnected()
		s.log.Debug("peer disconnected", zap.String("peer_id", e.PeerID))
	})
	s.events.Subscribe(EventHandlerError, func(e Event) {
		s.log.Warn("handler failed",
			zap.String("transport", e.Message.Transport),
			zap.String("type", e.Message.Type),
			zap.Error(e.Err))
	})
}
