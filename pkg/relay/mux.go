package relay

import (
	"context"
	"sync"
)

// HandlerFunc 处理一条消息，返回的非空字节作为回复
type HandlerFunc func(ctx context.Context, msg *Message) ([]byte, error)

// Middleware 包装 HandlerFunc
type Middleware func(next HandlerFunc) HandlerFunc

// Mux 按消息类型分发
type Mux struct {
	mu         sync.RWMutex
	handlers   map[string]HandlerFunc
	fallback   HandlerFunc
	middleware []Middleware
	compiled   map[string]HandlerFunc // Freeze 后预编译的处理器链
	frozen     bool
}

// NewMux 创建分发器
func NewMux() *Mux {
	return &Mux{handlers: make(map[string]HandlerFunc)}
}

// Handle 注册类型处理器
func (m *Mux) Handle(typ string, h HandlerFunc) error {
	if typ == "" {
		return ErrEmptyType
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.frozen {
		return ErrMuxFrozen
	}
	if _, exists := m.handlers[typ]; exists {
		return ErrHandlerExists
	}
	m.handlers[typ] = h
	return nil
}

// HandleDefault 注册未匹配类型的处理器
func (m *Mux) HandleDefault(h HandlerFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.frozen {
		return ErrMuxFrozen
	}
	m.fallback = h
	return nil
}

// Use 添加中间件，先添加的在外层
func (m *Mux) Use(mw ...Middleware) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.frozen {
		return ErrMuxFrozen
	}
	m.middleware = append(m.middleware, mw...)
	return nil
}

// Freeze 冻结并预编译处理器链，之后不可再注册
func (m *Mux) Freeze() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.frozen {
		return
	}
	m.frozen = true
	m.compiled = make(map[string]HandlerFunc, len(m.handlers)+1)
	for typ, h := range m.handlers {
		m.compiled[typ] = m.chain(h)
	}
	if m.fallback != nil {
		m.fallback = m.chain(m.fallback)
	}
}

func (m *Mux) chain(h HandlerFunc) HandlerFunc {
	for i := len(m.middleware) - 1; i >= 0; i-- {
		h = m.middleware[i](h)
	}
	return h
}

// Serve 分发一条消息
func (m *Mux) Serve(ctx context.Context, msg *Message) ([]byte, error) {
	m.mu.RLock()
	if m.frozen {
		h, ok := m.compiled[msg.Type]
		if !ok {
			h = m.fallback
		}
		m.mu.RUnlock()
		if h == nil {
			return nil, ErrHandlerNotFound
		}
		return h(ctx, msg)
	}

	h, ok := m.handlers[msg.Type]
	if !ok {
		h = m.fallback
	}
	middleware := m.middleware
	m.mu.RUnlock()

	if h == nil {
		return nil, ErrHandlerNotFound
	}
	for i := len(middleware) - 1; i >= 0; i-- {
		h = middleware[i](h)
	}
	return h(ctx, msg)
}
