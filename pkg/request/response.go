package request

import (
	"net/http"
	"time"
)

const maxErrorBodyLen = 512

// Response HTTP 响应包装
type Response struct {
	StatusCode int           // HTTP 状态码
	Headers    http.Header   // 响应头
	Body       []byte        // 响应体
	Duration   time.Duration // 请求耗时
	Request    *http.Request // 原始请求
}

// IsSuccess 判断是否为成功响应（2xx）
func (r *Response) IsSuccess() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// IsError 判断是否为错误响应（4xx/5xx）
func (r *Response) IsError() bool {
	return r.StatusCode >= 400
}

// String 返回 Body 字符串
func (r *Response) String() string {
	return string(r.Body)
}

// StatusError 构建截断 body 的状态码错误
func (r *Response) StatusError() error {
	body := r.Body
	if len(body) > maxErrorBodyLen {
		body = body[:maxErrorBodyLen]
	}
	return ErrRequestFailed.WithDetail("HTTP %d %s: %s", r.StatusCode, http.StatusText(r.StatusCode), body)
}
