package common

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"quotehub.com/pkg/logger"
)

const (
	HeaderRequestID = "X-Request-Id"
	CtxKeyRequestID = "request_id"

	// MaxRequestIDLen 上游带进来的 id 超过这个长度就重新生成
	MaxRequestIDLen = 64
)

// RequestID 调用方带了合法的 id 就沿用，否则生成一个 uuid
func RequestID(inbound string) string {
	if ValidRequestID(inbound) {
		return inbound
	}
	return uuid.NewString()
}

// ValidRequestID 只接受可见 ASCII，防止日志和响应头被注入
func ValidRequestID(s string) bool {
	if s == "" || len(s) > MaxRequestIDLen {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] <= ' ' || s[i] > '~' {
			return false
		}
	}
	return true
}

// WithRequestID 放进 ctx，logger 会把它当 trace_id 打出来
func WithRequestID(ctx context.Context, rid string) context.Context {
	return context.WithValue(ctx, logger.TraceIdKey, rid)
}

func RequestIDFromContext(ctx context.Context) string {
	rid, _ := ctx.Value(logger.TraceIdKey).(string)
	return rid
}

// 获取id
func RequestIDFromGin(c *gin.Context) string {
	if v, ok := c.Get(CtxKeyRequestID); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	if c.Request == nil {
		return ""
	}
	return RequestIDFromContext(c.Request.Context())
}
