package frame

import (
	"io"
	"math"

	wserrors "github.com/tokmz/wslink/pkg/errors"
)

// Reader 从字节流中逐帧读取
// 依次读取 2 字节基础头、扩展长度、掩码，最后读取恰好 length 字节的负载
type Reader struct {
	r          io.Reader
	maxPayload uint64
	hdr        [MaxHeaderSize]byte
}

// NewReader 创建帧读取器，maxPayload 不大于 0 时单帧上限为 math.MaxInt32
func NewReader(r io.Reader, maxPayload int64) *Reader {
	rd := &Reader{r: r, maxPayload: math.MaxInt32}
	if maxPayload > 0 && maxPayload < math.MaxInt32 {
		rd.maxPayload = uint64(maxPayload)
	}
	return rd
}

// ReadFrame 阻塞读取下一个完整帧
// 底层 I/O 错误原样返回，协议错误返回 ErrFrameMalformed 或 ErrOversizedFrame
func (rd *Reader) ReadFrame() (*Frame, error) {
	if _, err := io.ReadFull(rd.r, rd.hdr[:2]); err != nil {
		return nil, err
	}
	if err := checkFirstByte(rd.hdr[0]); err != nil {
		return nil, err
	}

	n := 2
	switch rd.hdr[1] &^ maskBit {
	case length16:
		n += 2
	case length64:
		n += 8
	}
	if rd.hdr[1]&maskBit != 0 {
		n += 4
	}
	if n > 2 {
		if _, err := io.ReadFull(rd.r, rd.hdr[2:n]); err != nil {
			return nil, noEOF(err)
		}
	}

	h, _, err := ParseHeader(rd.hdr[:n])
	if err != nil {
		return nil, err
	}
	if h.Length > rd.maxPayload {
		return nil, wserrors.ErrOversizedFrame.WithDetail("payload of %d bytes exceeds limit %d", h.Length, rd.maxPayload)
	}

	f := &Frame{
		Fin:     h.Fin,
		Opcode:  h.Opcode,
		Masked:  h.Masked,
		MaskKey: h.MaskKey,
		Payload: make([]byte, h.Length),
	}
	if _, err := io.ReadFull(rd.r, f.Payload); err != nil {
		return nil, noEOF(err)
	}
	if h.Masked {
		Mask(f.Payload, h.MaskKey)
	}
	return f, nil
}

// 帧中途断开不是正常结束
func noEOF(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}
