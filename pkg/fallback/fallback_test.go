package fallback

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	wserrors "github.com/tokmz/wslink/pkg/errors"
)

func newServer(t *testing.T, hits *atomic.Int32, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		handler(w, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// TestEndpoint 测试回退地址拼接
func TestEndpoint(t *testing.T) {
	tests := []struct {
		cfg  Config
		want string
	}{
		{Config{BaseURL: "http://h:8080", Resource: "/ws/compute", Suffix: ".php"}, "http://h:8080/ws/compute.php"},
		{Config{BaseURL: "http://h/", Resource: "compute", Suffix: "/poll"}, "http://h/compute/poll"},
		{Config{BaseURL: "https://h", Resource: "/ws", Suffix: ""}, "https://h/ws"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.cfg.Endpoint())
	}
}

// TestValidate 测试配置校验
func TestValidate(t *testing.T) {
	_, err := New()
	assert.Error(t, err)

	_, err = New(WithBaseURL("ws://h"))
	assert.Error(t, err)

	_, err = New(WithBaseURL("http://h"), WithResource("/ws"), WithTimeout(0))
	assert.Error(t, err)

	// 空资源会把后缀拼到主机名上
	_, err = New(WithBaseURL("http://127.0.0.1:8080"))
	assert.Error(t, err)

	r, err := New(WithBaseURL("http://127.0.0.1:8080"), WithResource("/"))
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:8080/.php", r.Endpoint())

	r, err = New(WithBaseURL("http://h"), WithResource("/ws"))
	require.NoError(t, err)
	assert.Equal(t, "http://h/ws.php", r.Endpoint())
}

// TestDoSuccess 测试成功响应
func TestDoSuccess(t *testing.T) {
	var hits atomic.Int32
	srv := newServer(t, &hits, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/ws/compute.php", r.URL.Path)
		assert.Equal(t, ContentType, r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, "job=42", string(body))
		_, _ = w.Write([]byte("result=ok"))
	})

	r, err := New(WithBaseURL(srv.URL), WithResource("/ws/compute"))
	require.NoError(t, err)

	body, err := r.Do(context.Background(), []byte("job=42"), 0)
	require.NoError(t, err)
	assert.Equal(t, "result=ok", string(body))
	assert.Equal(t, int32(1), hits.Load())
}

// TestDoNon2xxNoRetry 测试非 2xx 只请求一次
func TestDoNon2xxNoRetry(t *testing.T) {
	var hits atomic.Int32
	srv := newServer(t, &hits, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	r, err := New(WithBaseURL(srv.URL), WithResource("/ws"))
	require.NoError(t, err)

	_, err = r.Do(context.Background(), []byte("x"), 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, wserrors.ErrFallbackFailed))
	assert.Contains(t, err.Error(), "returned 503")
	assert.Equal(t, int32(1), hits.Load())
}

// TestDoTimeout 测试调用级超时覆盖默认值
func TestDoTimeout(t *testing.T) {
	var hits atomic.Int32
	srv := newServer(t, &hits, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})

	r, err := New(WithBaseURL(srv.URL), WithResource("/ws"))
	require.NoError(t, err)

	start := time.Now()
	_, err = r.Do(context.Background(), []byte("x"), 50*time.Millisecond)
	require.Error(t, err)
	assert.True(t, errors.Is(err, wserrors.ErrTimeout), "got %v", err)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, int32(1), hits.Load())
}

// TestDoUnreachable 测试请求错误
func TestDoUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()

	r, err := New(WithBaseURL(base), WithResource("/ws"))
	require.NoError(t, err)

	_, err = r.Do(context.Background(), []byte("x"), 0)
	assert.True(t, errors.Is(err, wserrors.ErrFallbackFailed))
}

// TestGoCallbacks 测试异步回调只触发其一
func TestGoCallbacks(t *testing.T) {
	var hits atomic.Int32
	srv := newServer(t, &hits, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if string(body) == "bad" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write(body)
	})

	r, err := New(WithBaseURL(srv.URL), WithResource("/ws"))
	require.NoError(t, err)

	var okCalls, errCalls atomic.Int32
	var got atomic.Value
	payload := []byte("good")
	r.Go(context.Background(), payload, 0, func(body []byte) {
		okCalls.Add(1)
		got.Store(string(body))
	}, func(error) { errCalls.Add(1) })
	payload[0] = 'X'

	r.Go(context.Background(), []byte("bad"), 0, func([]byte) { okCalls.Add(1) }, func(err error) {
		assert.True(t, errors.Is(err, wserrors.ErrFallbackFailed))
		errCalls.Add(1)
	})
	r.Wait()

	assert.Equal(t, int32(1), okCalls.Load())
	assert.Equal(t, int32(1), errCalls.Load())
	assert.Equal(t, "good", got.Load())
	assert.Equal(t, int32(2), hits.Load())
}
