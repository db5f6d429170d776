// Package fallback 在套接字不可用时以一次 HTTP 请求/响应投递消息
package fallback

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	wserrors "github.com/tokmz/wslink/pkg/errors"
	"github.com/tokmz/wslink/pkg/logger"
	"github.com/tokmz/wslink/pkg/request"
)

// ResponseFunc 收到 2xx 响应时调用，参数为响应体
type ResponseFunc func(body []byte)

// ErrorFunc 非 2xx、请求错误或超时时调用
type ErrorFunc func(err error)

// Requester 回退请求器
// 每次调用只发出一个请求，不做重试
type Requester struct {
	cfg      *Config
	client   *request.Client
	log      logger.Logger
	endpoint string
	wg       sync.WaitGroup
}

// New 使用选项创建回退请求器
func New(opts ...Option) (*Requester, error) {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	return NewWithConfig(cfg)
}

// NewWithConfig 使用配置创建回退请求器
func NewWithConfig(cfg *Config) (*Requester, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log := cfg.Logger
	if log == nil {
		log = logger.NewNop()
	}
	client := cfg.Client
	if client == nil {
		// 超时由每次请求单独控制
		client = request.New(
			request.WithTimeout(0),
			request.WithTracing(cfg.Tracing),
			request.WithLogger(log),
			request.WithInterceptor(request.NewLoggingInterceptor(log)),
		)
	}

	return &Requester{
		cfg:      cfg,
		client:   client,
		log:      log,
		endpoint: cfg.Endpoint(),
	}, nil
}

// Endpoint 回退地址
func (r *Requester) Endpoint() string {
	return r.endpoint
}

// Do 同步发送 body，timeout 不大于 0 时使用默认超时
// 成功返回响应体；超时返回 ErrTimeout，其余失败返回 ErrFallbackFailed
func (r *Requester) Do(ctx context.Context, body []byte, timeout time.Duration) ([]byte, error) {
	if timeout <= 0 {
		timeout = r.cfg.Timeout
	}

	resp, err := r.client.Post(r.endpoint).
		SetContext(ctx).
		SetHeader("Content-Type", ContentType).
		SetRawBody(body).
		SetTimeout(timeout).
		Do()
	if err != nil {
		if errors.Is(err, request.ErrTimeout) {
			err = wserrors.ErrTimeout.WithDetail("fallback request to %s after %v", r.endpoint, timeout).WithError(err)
		} else {
			err = wserrors.ErrFallbackFailed.WithDetail("%s", r.endpoint).WithError(err)
		}
		r.log.WarnContext(ctx, "fallback request failed", zap.String("endpoint", r.endpoint), zap.Error(err))
		return nil, err
	}

	if !resp.IsSuccess() {
		err = wserrors.ErrFallbackFailed.WithDetail("%s returned %d", r.endpoint, resp.StatusCode).WithError(resp.StatusError())
		r.log.WarnContext(ctx, "fallback request rejected", zap.String("endpoint", r.endpoint), zap.Int("status", resp.StatusCode))
		return nil, err
	}
	return resp.Body, nil
}

// Go 异步发送 body，结果只回调 onResponse 或 onError 之一
func (r *Requester) Go(ctx context.Context, body []byte, timeout time.Duration, onResponse ResponseFunc, onError ErrorFunc) {
	body = bytes.Clone(body)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		resp, err := r.Do(ctx, body, timeout)
		if err != nil {
			if onError != nil {
				onError(err)
			}
			return
		}
		if onResponse != nil {
			onResponse(resp)
		}
	}()
}

// Wait 等待所有异步请求结束
func (r *Requester) Wait() {
	r.wg.Wait()
}
