package relay

import (
	"bytes"
	"strings"
	"time"
)

// 消息到达的通道
const (
	TransportWS   = "ws"
	TransportHTTP = "http"
)

// Message 一条 type=value 消息
type Message struct {
	Type      string
	Value     string
	Transport string
	PeerID    string // 经由 HTTP 到达时为空
	Received  time.Time
}

// ParseMessage 按第一个 '=' 拆分，类型统一转为小写
// 没有 '=' 时整个负载都是类型
func ParseMessage(b []byte) Message {
	typ, value, _ := bytes.Cut(b, []byte{'='})
	return Message{
		Type:     strings.ToLower(strings.TrimSpace(string(typ))),
		Value:    string(value),
		Received: time.Now(),
	}
}

// Encode 编码为 type=value
func (m Message) Encode() []byte {
	if m.Value == "" {
		return []byte(m.Type)
	}
	return []byte(m.Type + "=" + m.Value)
}

// Reply 构造同类型的回复
func (m Message) Reply(value string) []byte {
	return Message{Type: m.Type, Value: value}.Encode()
}
