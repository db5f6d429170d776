package relay

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/tokmz/wslink/pkg/logger"
)

// accessLog 记录方法、路径、状态码与耗时，filter 返回 false 的请求不记录
func accessLog(log logger.Logger, filter func(*gin.Context) bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !filter(c) {
			c.Next()
			return
		}

		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", status),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		}
		ctx := c.Request.Context()
		switch {
		case status >= 500:
			log.ErrorContext(ctx, "request completed", fields...)
		case status >= 400:
			log.WarnContext(ctx, "request completed", fields...)
		default:
			log.DebugContext(ctx, "request completed", fields...)
		}
	}
}
