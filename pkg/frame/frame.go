// Package frame 实现 WebSocket 帧的编码与解码，不涉及 I/O
package frame

import (
	"encoding/binary"
	"errors"
	"math"
	"math/rand/v2"

	wserrors "github.com/tokmz/wslink/pkg/errors"
)

const (
	finBit  = 0x80
	rsvBits = 0x70
	maskBit = 0x80

	// MaxInlineLength 单字节长度可表示的最大负载
	MaxInlineLength = 125
	// MaxControlPayload 控制帧负载上限
	MaxControlPayload = 125
	// MaxHeaderSize 帧头最大字节数（2 + 8 + 4）
	MaxHeaderSize = 14

	length16 = 126
	length64 = 127
)

// ErrNeedMore 缓冲区中的字节不足以组成完整帧
var ErrNeedMore = errors.New("frame: need more data")

// Frame 一个 WebSocket 帧
type Frame struct {
	Fin     bool
	Opcode  Opcode
	Masked  bool
	MaskKey [4]byte
	Payload []byte
}

// Header 帧头
type Header struct {
	Fin     bool
	Opcode  Opcode
	Masked  bool
	MaskKey [4]byte
	Length  uint64
}

// Encode 将负载编码为单个 FIN 帧，masked 为 true 时随机生成掩码
func Encode(payload []byte, op Opcode, masked bool) ([]byte, error) {
	f := &Frame{Fin: true, Opcode: op, Masked: masked, Payload: payload}
	if masked {
		binary.LittleEndian.PutUint32(f.MaskKey[:], rand.Uint32())
	}
	return EncodeFrame(f)
}

// EncodeFrame 按 f 的字段编码，使用 f.MaskKey 作为掩码，f.Payload 不会被修改
func EncodeFrame(f *Frame) ([]byte, error) {
	if !f.Opcode.IsValid() {
		return nil, wserrors.ErrFrameMalformed.WithDetail("unknown opcode 0x%x", byte(f.Opcode))
	}
	h := Header{
		Fin:     f.Fin,
		Opcode:  f.Opcode,
		Masked:  f.Masked,
		MaskKey: f.MaskKey,
		Length:  uint64(len(f.Payload)),
	}
	if err := checkControl(h); err != nil {
		return nil, err
	}
	buf, err := AppendHeader(make([]byte, 0, MaxHeaderSize+len(f.Payload)), h)
	if err != nil {
		return nil, err
	}
	start := len(buf)
	buf = append(buf, f.Payload...)
	if f.Masked {
		Mask(buf[start:], f.MaskKey)
	}
	return buf, nil
}

// AppendHeader 将帧头追加到 dst
func AppendHeader(dst []byte, h Header) ([]byte, error) {
	if h.Length > math.MaxInt64 {
		return dst, wserrors.ErrOversizedFrame.WithDetail("payload length %d exceeds 2^63-1", h.Length)
	}

	b0 := byte(h.Opcode) & 0x0f
	if h.Fin {
		b0 |= finBit
	}
	var b1 byte
	if h.Masked {
		b1 = maskBit
	}

	switch {
	case h.Length <= MaxInlineLength:
		dst = append(dst, b0, b1|byte(h.Length))
	case h.Length <= math.MaxUint16:
		dst = append(dst, b0, b1|length16)
		dst = binary.BigEndian.AppendUint16(dst, uint16(h.Length))
	default:
		dst = append(dst, b0, b1|length64)
		dst = binary.BigEndian.AppendUint64(dst, h.Length)
	}

	if h.Masked {
		dst = append(dst, h.MaskKey[:]...)
	}
	return dst, nil
}

// ParseHeader 从 buf 开头解析帧头，返回帧头和其占用的字节数
// 字节不足时返回 ErrNeedMore
func ParseHeader(buf []byte) (Header, int, error) {
	var h Header
	if len(buf) < 1 {
		return h, 0, ErrNeedMore
	}
	if err := checkFirstByte(buf[0]); err != nil {
		return h, 0, err
	}
	if len(buf) < 2 {
		return h, 0, ErrNeedMore
	}

	h.Fin = buf[0]&finBit != 0
	h.Opcode = Opcode(buf[0] & 0x0f)
	h.Masked = buf[1]&maskBit != 0

	n := 2
	switch l := buf[1] &^ maskBit; l {
	case length16:
		if len(buf) < n+2 {
			return h, 0, ErrNeedMore
		}
		h.Length = uint64(binary.BigEndian.Uint16(buf[n:]))
		n += 2
	case length64:
		if len(buf) < n+8 {
			return h, 0, ErrNeedMore
		}
		if buf[n]&0x80 != 0 {
			return h, 0, wserrors.ErrFrameMalformed.WithDetail("64-bit length has its most significant bit set")
		}
		h.Length = binary.BigEndian.Uint64(buf[n:])
		n += 8
	default:
		h.Length = uint64(l)
	}

	if err := checkControl(h); err != nil {
		return h, 0, err
	}

	if h.Masked {
		if len(buf) < n+4 {
			return h, 0, ErrNeedMore
		}
		copy(h.MaskKey[:], buf[n:n+4])
		n += 4
	}
	return h, n, nil
}

// Decode 从 buf 开头解码一个完整帧，返回帧和消耗的字节数
// 数据不完整时返回 ErrNeedMore，调用方应继续缓冲后重试；返回的负载已去掩码且不引用 buf
func Decode(buf []byte) (*Frame, int, error) {
	h, n, err := ParseHeader(buf)
	if err != nil {
		return nil, 0, err
	}
	if uint64(len(buf)-n) < h.Length {
		return nil, 0, ErrNeedMore
	}
	end := n + int(h.Length)

	f := &Frame{
		Fin:     h.Fin,
		Opcode:  h.Opcode,
		Masked:  h.Masked,
		MaskKey: h.MaskKey,
		Payload: make([]byte, h.Length),
	}
	copy(f.Payload, buf[n:end])
	if h.Masked {
		Mask(f.Payload, h.MaskKey)
	}
	return f, end, nil
}

// Mask 使用 key 原地异或 b，再次调用即可还原
func Mask(b []byte, key [4]byte) {
	MaskAt(b, key, 0)
}

// MaskAt 从负载偏移 pos 处开始异或，用于分段处理负载
func MaskAt(b []byte, key [4]byte, pos int) int {
	for i := range b {
		b[i] ^= key[(pos+i)&3]
	}
	return (pos + len(b)) & 3
}

func checkFirstByte(b byte) error {
	if b&rsvBits != 0 {
		return wserrors.ErrFrameMalformed.WithDetail("reserved bits set 0x%x", b&rsvBits)
	}
	if op := Opcode(b & 0x0f); !op.IsValid() {
		return wserrors.ErrFrameMalformed.WithDetail("unknown opcode 0x%x", byte(op))
	}
	return nil
}

func checkControl(h Header) error {
	if !h.Opcode.IsControl() {
		return nil
	}
	if !h.Fin {
		return wserrors.ErrFrameMalformed.WithDetail("fragmented %s frame", h.Opcode)
	}
	if h.Length > MaxControlPayload {
		return wserrors.ErrFrameMalformed.WithDetail("%s payload of %d bytes exceeds %d", h.Opcode, h.Length, MaxControlPayload)
	}
	return nil
}
