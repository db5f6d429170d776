package request

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/tokmz/wslink/pkg/logger"
)

// Interceptor 拦截器接口
type Interceptor interface {
	// BeforeRequest 请求发送前调用
	BeforeRequest(ctx context.Context, req *http.Request) error
	// AfterResponse 响应返回后调用
	AfterResponse(ctx context.Context, resp *Response) error
}

type loggingInterceptor struct {
	log logger.Logger
}

// NewLoggingInterceptor 创建日志拦截器
func NewLoggingInterceptor(log logger.Logger) Interceptor {
	return &loggingInterceptor{log: log}
}

func (l *loggingInterceptor) BeforeRequest(ctx context.Context, req *http.Request) error {
	l.log.DebugContext(ctx, "http request",
		zap.String("method", req.Method),
		zap.String("url", req.URL.String()),
	)
	return nil
}

func (l *loggingInterceptor) AfterResponse(ctx context.Context, resp *Response) error {
	l.log.DebugContext(ctx, "http response",
		zap.String("method", resp.Request.Method),
		zap.String("url", resp.Request.URL.String()),
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", resp.Duration),
	)
	return nil
}

// HeaderInterceptor 为每个请求设置固定请求头
type HeaderInterceptor map[string]string

func (h HeaderInterceptor) BeforeRequest(_ context.Context, req *http.Request) error {
	for k, v := range h {
		req.Header.Set(k, v)
	}
	return nil
}

func (h HeaderInterceptor) AfterResponse(context.Context, *Response) error {
	return nil
}
