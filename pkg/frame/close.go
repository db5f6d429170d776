package frame

import (
	"encoding/binary"
	"strconv"
	"unicode/utf8"

	wserrors "github.com/tokmz/wslink/pkg/errors"
)

// CloseCode 关闭帧状态码（RFC 6455 7.4.1）
type CloseCode uint16

const (
	CloseNormal             CloseCode = 1000
	CloseGoingAway          CloseCode = 1001
	CloseProtocolError      CloseCode = 1002
	CloseUnsupportedData    CloseCode = 1003
	CloseReserved           CloseCode = 1004 // 保留，不得发送
	CloseNoStatus           CloseCode = 1005 // 仅本地使用：关闭帧无状态码
	CloseAbnormal           CloseCode = 1006 // 仅本地使用：未收到关闭帧即断开
	CloseInvalidPayload     CloseCode = 1007
	ClosePolicyViolation    CloseCode = 1008
	CloseMessageTooBig      CloseCode = 1009
	CloseMandatoryExtension CloseCode = 1010
	CloseInternalError      CloseCode = 1011
	CloseServiceRestart     CloseCode = 1012
	CloseTryAgainLater      CloseCode = 1013
	CloseBadGateway         CloseCode = 1014
	CloseTLSHandshake       CloseCode = 1015 // 仅本地使用
)

var closeNames = map[CloseCode]string{
	CloseNormal:             "normal closure",
	CloseGoingAway:          "going away",
	CloseProtocolError:      "protocol error",
	CloseUnsupportedData:    "unsupported data",
	CloseReserved:           "reserved",
	CloseNoStatus:           "no status received",
	CloseAbnormal:           "abnormal closure",
	CloseInvalidPayload:     "invalid payload data",
	ClosePolicyViolation:    "policy violation",
	CloseMessageTooBig:      "message too big",
	CloseMandatoryExtension: "mandatory extension",
	CloseInternalError:      "internal error",
	CloseServiceRestart:     "service restart",
	CloseTryAgainLater:      "try again later",
	CloseBadGateway:         "bad gateway",
	CloseTLSHandshake:       "tls handshake",
}

func (c CloseCode) String() string {
	if name, ok := closeNames[c]; ok {
		return name
	}
	switch {
	case c >= 3000 && c <= 3999:
		return "registered(" + strconv.Itoa(int(c)) + ")"
	case c >= 4000 && c <= 4999:
		return "private(" + strconv.Itoa(int(c)) + ")"
	}
	return "unknown(" + strconv.Itoa(int(c)) + ")"
}

// IsSendable 状态码能否出现在线上的关闭帧中
func (c CloseCode) IsSendable() bool {
	switch c {
	case CloseReserved, CloseNoStatus, CloseAbnormal, CloseTLSHandshake:
		return false
	}
	if _, ok := closeNames[c]; ok {
		return true
	}
	return c >= 3000 && c <= 4999
}

// ClosePayload 构造关闭帧负载，reason 会被截断以满足控制帧长度限制
func ClosePayload(code CloseCode, reason string) []byte {
	if len(reason) > MaxControlPayload-2 {
		reason = reason[:MaxControlPayload-2]
		for len(reason) > 0 && !utf8.ValidString(reason) {
			reason = reason[:len(reason)-1]
		}
	}
	b := make([]byte, 2, 2+len(reason))
	binary.BigEndian.PutUint16(b, uint16(code))
	return append(b, reason...)
}

// ParseClose 解析关闭帧负载，空负载返回 CloseNoStatus
func ParseClose(payload []byte) (CloseCode, string, error) {
	switch len(payload) {
	case 0:
		return CloseNoStatus, "", nil
	case 1:
		return 0, "", wserrors.ErrFrameMalformed.WithDetail("close payload of 1 byte")
	}
	code := CloseCode(binary.BigEndian.Uint16(payload))
	if !code.IsSendable() {
		return code, "", wserrors.ErrFrameMalformed.WithDetail("close code %d not allowed on the wire", uint16(code))
	}
	reason := payload[2:]
	if !utf8.Valid(reason) {
		return code, "", wserrors.ErrFrameMalformed.WithDetail("close reason is not valid utf-8")
	}
	return code, string(reason), nil
}
