// 生成摘要:
// 1) HTTP 并发限制中间件，支持阻塞等待与快速失败。
// 2) 统一过载响应，避免过高并发拖垮泵后方的执行器。
// 假设:
// 1) 并发上限由业务服务按链路容量合理配置。
package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/wyfcoding/msgpump/limiter"
	"github.com/wyfcoding/msgpump/logging"
	"github.com/wyfcoding/msgpump/response"
)

// ConcurrencyLimitOptions 定义并发控制的配置项。
type ConcurrencyLimitOptions struct {
	WaitTimeout time.Duration
}

// ConcurrencyLimit 返回一个使用指定并发限流器的 Gin 中间件。
func ConcurrencyLimit(l limiter.ConcurrencyLimiter, opts ...ConcurrencyLimitOptions) gin.HandlerFunc {
	opt := ConcurrencyLimitOptions{}
	if len(opts) > 0 {
		opt = opts[0]
	}

	return func(c *gin.Context) {
		ctx := c.Request.Context()
		acquireCtx := ctx
		var cancel context.CancelFunc
		if opt.WaitTimeout > 0 {
			acquireCtx, cancel = context.WithTimeout(ctx, opt.WaitTimeout)
			defer cancel()
		}

		if err := l.Acquire(acquireCtx); err != nil {
			logging.Warn(ctx, "http concurrency limit exceeded", "error", err)
			response.ErrorWithStatus(c, http.StatusServiceUnavailable, "Service Busy", "concurrency limit exceeded")
			c.Abort()
			return
		}

		defer l.Release()
		c.Next()
	}
}
