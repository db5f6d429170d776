// Package request 是带拦截器与追踪的 HTTP 客户端，单次请求不做重试
package request

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const tracerName = "wslink.request"

// Client HTTP 客户端
type Client struct {
	cfg    *Config
	client *http.Client
}

// New 创建 HTTP 客户端
func New(opts ...Option) *Client {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	return NewWithConfig(cfg)
}

// NewWithConfig 使用配置创建 HTTP 客户端
func NewWithConfig(cfg *Config) *Client {
	if cfg.Headers == nil {
		cfg.Headers = make(map[string]string)
	}
	transport := cfg.buildTransport()
	if cfg.EnableTracing {
		transport = newTracingTransport(transport)
	}

	return &Client{
		cfg: cfg,
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		},
	}
}

// Get 创建 GET 请求
func (c *Client) Get(url string) *Request {
	return newRequest(c, http.MethodGet, url)
}

// Post 创建 POST 请求
func (c *Client) Post(url string) *Request {
	return newRequest(c, http.MethodPost, url)
}

// mergeHeaders 合并全局与请求级 header，请求级优先
func (c *Client) mergeHeaders(reqHeaders map[string]string) map[string]string {
	merged := make(map[string]string, len(c.cfg.Headers)+len(reqHeaders))
	for k, v := range c.cfg.Headers {
		merged[k] = v
	}
	for k, v := range reqHeaders {
		merged[k] = v
	}
	return merged
}

// doOnce 执行单次请求
func (c *Client) doOnce(r *Request) (*Response, error) {
	httpReq, err := r.buildHTTPRequest(c.cfg.BaseURL, c.mergeHeaders(r.headers))
	if err != nil {
		return nil, err
	}

	if r.timeout > 0 {
		ctx, cancel := context.WithTimeout(httpReq.Context(), r.timeout)
		defer cancel()
		httpReq = httpReq.WithContext(ctx)
	}

	for _, interceptor := range c.cfg.Interceptors {
		if err := interceptor.BeforeRequest(httpReq.Context(), httpReq); err != nil {
			return nil, ErrRequestFailed.WithError(err)
		}
	}

	var span trace.Span
	if c.cfg.EnableTracing {
		ctx, s := otel.Tracer(tracerName).Start(httpReq.Context(), "HTTP "+httpReq.Method,
			trace.WithSpanKind(trace.SpanKindClient),
			trace.WithAttributes(
				attribute.String("http.method", httpReq.Method),
				attribute.String("http.url", httpReq.URL.String()),
			),
		)
		span = s
		httpReq = httpReq.WithContext(ctx)
	}

	start := time.Now()
	httpResp, err := c.client.Do(httpReq)
	if err == nil {
		defer httpResp.Body.Close()
	}

	var body []byte
	if err == nil {
		body, err = io.ReadAll(httpResp.Body)
	}
	duration := time.Since(start)

	if err != nil {
		if span != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			span.End()
		}
		if c.cfg.Logger != nil {
			c.cfg.Logger.ErrorContext(httpReq.Context(), "http request failed",
				zap.String("method", httpReq.Method),
				zap.String("url", httpReq.URL.String()),
				zap.Duration("duration", duration),
				zap.Error(err),
			)
		}
		if isTimeout(httpReq.Context(), err) {
			return nil, ErrTimeout.WithError(err)
		}
		return nil, ErrRequestFailed.WithError(err)
	}

	resp := &Response{
		StatusCode: httpResp.StatusCode,
		Headers:    httpResp.Header,
		Body:       body,
		Duration:   duration,
		Request:    httpReq,
	}

	if span != nil {
		span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
		if resp.IsError() {
			span.SetStatus(codes.Error, http.StatusText(resp.StatusCode))
		}
		span.End()
	}

	for _, interceptor := range c.cfg.Interceptors {
		if err := interceptor.AfterResponse(httpReq.Context(), resp); err != nil {
			return resp, ErrRequestFailed.WithError(err)
		}
	}

	return resp, nil
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
