// Package response 提供了统一的 HTTP 响应封装，支持业务错误码映射及 gRPC 状态码转换。
package response

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"google.golang.org/grpc/status"

	"github.com/wyfcoding/msgpump/xerrors"
)

// HTTPStatusProvider 定义了能够提供 HTTP 状态码的错误接口。
// 用于支持跨层级的错误透传与状态码自动映射。
type HTTPStatusProvider interface {
	HTTPStatus() int // 返回对应的 HTTP 标准状态码
}

// Success 发送一个标准的成功响应。
// 默认：HTTP 200，业务码 0，消息 "success"。
func Success(c *gin.Context, data any) {
	c.JSON(http.StatusOK, gin.H{
		"code": 0,
		"msg":  "success",
		"data": data,
	})
}

// SuccessWithRawData 发送原始数据的成功响应 (不包装 code 和 msg)。
// 用于某些特定系统接口 (如 Health Check)。
func SuccessWithRawData(c *gin.Context, data any) {
	c.JSON(http.StatusOK, data)
}

// Error 发送智能错误响应。
// 核心逻辑：自动识别 xerrors (业务错误) 或 gRPC Status (RPC 错误) 并执行状态码映射。
// 若无法识别类型，则兜底返回 500 Internal Server Error。
func Error(c *gin.Context, err error) {
	if err == nil {
		Success(c, nil)
		return
	}

	if e, ok := xerrors.FromError(err); ok {
		c.JSON(e.HTTPStatus(), gin.H{
			"code": e.Code,
			"msg":  e.Message,
		})
		return
	}

	if provider, ok := err.(HTTPStatusProvider); ok {
		c.JSON(provider.HTTPStatus(), gin.H{
			"code": provider.HTTPStatus(),
			"msg":  err.Error(),
		})
		return
	}

	if st, ok := status.FromError(err); ok && st.Code() != 0 {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code": int(st.Code()),
			"msg":  st.Message(),
		})
		return
	}

	c.JSON(http.StatusInternalServerError, gin.H{
		"code": http.StatusInternalServerError,
		"msg":  "Internal Server Error",
	})
}

// ErrorWithStatus 发送带有指定 HTTP 状态码和消息的错误响应。
func ErrorWithStatus(c *gin.Context, status int, msg string, detail string) {
	c.JSON(status, gin.H{
		"code":   status,
		"msg":    msg,
		"detail": detail,
	})
}
