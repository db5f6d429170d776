// Package handshake 实现客户端的 WebSocket 打开握手
package handshake

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"io"
	"net"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	wserrors "github.com/tokmz/wslink/pkg/errors"
)

const (
	// GUID 计算 Sec-WebSocket-Accept 的固定串
	GUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"
	// Version 协议版本
	Version = "13"

	keyLen    = 16
	readChunk = 512
)

var headerTerminator = []byte("\r\n\r\n")

// Target 握手目标
type Target struct {
	Host   string
	Port   int
	Path   string
	Origin string
}

// Addr 返回 host:port
func (t Target) Addr() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

// Result 握手结果
type Result struct {
	Key    string
	Accept string
	Status int
	Header textproto.MIMEHeader
	// Rest 响应头之后已读入的字节，属于后续帧
	Rest []byte
}

type deadliner interface {
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// Negotiator 握手器
type Negotiator struct {
	cfg *Config
}

// New 创建握手器
func New(opts ...Option) *Negotiator {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	return &Negotiator{cfg: cfg}
}

// NewWithConfig 使用配置创建握手器
func NewWithConfig(cfg *Config) (*Negotiator, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.KeySource == nil {
		cfg.KeySource = DefaultConfig().KeySource
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Negotiator{cfg: cfg}, nil
}

// Open 在 stream 上完成握手
// 仅当状态码为 101 且响应中的 Sec-WebSocket-Accept 与期望值逐字节相等时成功，其余情况返回 ErrHandshakeFailed
// stream 实现 SetReadDeadline/SetWriteDeadline 时，超时与 ctx 取消都会中断阻塞的读写
func (n *Negotiator) Open(ctx context.Context, stream io.ReadWriter, target Target) (*Result, error) {
	key, err := GenerateKey(n.cfg.KeySource)
	if err != nil {
		return nil, wserrors.ErrHandshakeFailed.WithDetail("generate key").WithError(err)
	}

	if d, ok := stream.(deadliner); ok {
		stop := n.armDeadline(ctx, d)
		defer stop()
	}

	if _, err := io.WriteString(stream, n.buildRequest(key, target)); err != nil {
		return nil, n.ioError(ctx, "write request", err)
	}

	head, rest, err := n.readHead(stream)
	if err != nil {
		return nil, n.ioError(ctx, "read response", err)
	}

	res, err := parseResponse(head)
	if err != nil {
		return nil, err
	}
	res.Key = key
	res.Rest = rest

	expected := AcceptKey(key)
	got := res.Header.Get("Sec-WebSocket-Accept")
	switch {
	case got == "":
		return res, wserrors.ErrHandshakeFailed.WithDetail("missing Sec-WebSocket-Accept (status %d)", res.Status)
	case got != expected:
		return res, wserrors.ErrHandshakeFailed.WithDetail("Sec-WebSocket-Accept mismatch: got %q, want %q", got, expected)
	case res.Status != http.StatusSwitchingProtocols:
		return res, wserrors.ErrHandshakeFailed.WithDetail("unexpected status %d", res.Status)
	}
	res.Accept = got
	return res, nil
}

func (n *Negotiator) buildRequest(key string, t Target) string {
	path := t.Path
	if path == "" {
		path = "/"
	}

	var b strings.Builder
	b.WriteString("GET " + path + " HTTP/1.1\r\n")
	b.WriteString("Host: " + t.Addr() + "\r\n")
	b.WriteString("Upgrade: websocket\r\n")
	b.WriteString("Connection: Upgrade\r\n")
	b.WriteString("Sec-WebSocket-Key: " + key + "\r\n")
	if t.Origin != "" {
		b.WriteString("Sec-WebSocket-Origin: " + t.Origin + "\r\n")
	}
	b.WriteString("Sec-WebSocket-Version: " + Version + "\r\n")
	for k, vs := range n.cfg.Header {
		for _, v := range vs {
			b.WriteString(k + ": " + v + "\r\n")
		}
	}
	b.WriteString("\r\n")
	return b.String()
}

// readHead 逐块读取直到出现空行，返回响应头与多读的字节
func (n *Negotiator) readHead(r io.Reader) ([]byte, []byte, error) {
	buf := make([]byte, 0, readChunk)
	chunk := make([]byte, readChunk)
	for {
		m, err := r.Read(chunk)
		if m > 0 {
			scanFrom := max(0, len(buf)-len(headerTerminator)+1)
			buf = append(buf, chunk[:m]...)
			if i := bytes.Index(buf[scanFrom:], headerTerminator); i >= 0 {
				end := scanFrom + i + len(headerTerminator)
				return buf[:end], bytes.Clone(buf[end:]), nil
			}
			if len(buf) > n.cfg.MaxHeaderBytes {
				return nil, nil, wserrors.ErrHandshakeFailed.WithDetail("response headers exceed %d bytes", n.cfg.MaxHeaderBytes)
			}
		}
		if err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return nil, nil, err
		}
	}
}

// armDeadline 设置读写截止时间，ctx 取消时立即让阻塞的读写返回
func (n *Negotiator) armDeadline(ctx context.Context, d deadliner) func() {
	var deadline time.Time
	if n.cfg.Timeout > 0 {
		deadline = time.Now().Add(n.cfg.Timeout)
	}
	if dl, ok := ctx.Deadline(); ok && (deadline.IsZero() || dl.Before(deadline)) {
		deadline = dl
	}
	_ = d.SetReadDeadline(deadline)
	_ = d.SetWriteDeadline(deadline)

	done := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		select {
		case <-ctx.Done():
			past := time.Unix(1, 0)
			_ = d.SetReadDeadline(past)
			_ = d.SetWriteDeadline(past)
		case <-done:
		}
	}()

	return func() {
		close(done)
		<-exited
		_ = d.SetReadDeadline(time.Time{})
		_ = d.SetWriteDeadline(time.Time{})
	}
}

func (n *Negotiator) ioError(ctx context.Context, op string, err error) error {
	var we *wserrors.Error
	if errors.As(err, &we) {
		return err
	}
	if ctx.Err() != nil {
		return wserrors.ErrHandshakeFailed.WithDetail("%s: %v", op, ctx.Err()).WithError(err)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return wserrors.ErrHandshakeFailed.WithDetail("%s: timed out after %v", op, n.cfg.Timeout).WithError(err)
	}
	return wserrors.ErrHandshakeFailed.WithDetail("%s", op).WithError(err)
}

func parseResponse(head []byte) (*Result, error) {
	tp := textproto.NewReader(bufio.NewReader(bytes.NewReader(head)))
	line, err := tp.ReadLine()
	if err != nil {
		return nil, wserrors.ErrHandshakeFailed.WithDetail("read status line").WithError(err)
	}
	proto, status, ok := strings.Cut(line, " ")
	if !ok || !strings.HasPrefix(proto, "HTTP/") {
		return nil, wserrors.ErrHandshakeFailed.WithDetail("malformed status line %q", line)
	}
	code, err := strconv.Atoi(strings.TrimSpace(firstField(status)))
	if err != nil {
		return nil, wserrors.ErrHandshakeFailed.WithDetail("malformed status code in %q", line)
	}

	hdr, err := tp.ReadMIMEHeader()
	if err != nil {
		return nil, wserrors.ErrHandshakeFailed.WithDetail("malformed headers").WithError(err)
	}
	return &Result{Status: code, Header: hdr}, nil
}

func firstField(s string) string {
	if i := strings.IndexByte(s, ' '); i >= 0 {
		return s[:i]
	}
	return s
}

// GenerateKey 生成 16 字节随机数的 base64 编码
func GenerateKey(r io.Reader) (string, error) {
	var b [keyLen]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b[:]), nil
}

// AcceptKey 计算 base64(SHA-1(key + GUID))
func AcceptKey(key string) string {
	h := sha1.Sum([]byte(key + GUID))
	return base64.StdEncoding.EncodeToString(h[:])
}
