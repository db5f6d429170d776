package request

import "github.com/tokmz/wslink/pkg/errors"

// 4000 段错误码，HTTP 客户端相关
var (
	// ErrRequestFailed 请求失败
	ErrRequestFailed = errors.New(4001, "request failed", 502)
	// ErrTimeout 请求超时
	ErrTimeout = errors.New(4002, "request timeout", 504)
	// ErrInvalidURL 无效的 URL
	ErrInvalidURL = errors.New(4003, "invalid url", 400)
)
