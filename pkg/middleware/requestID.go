package middleware

import (
	"github.com/gin-gonic/gin"
	"quotehub.com/pkg/common"
)

// ReqId 透传或生成 request id，同时作为日志的 trace_id 放进 request context
func ReqId() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := common.RequestID(c.GetHeader(common.HeaderRequestID))
		c.Set(common.CtxKeyRequestID, rid)
		c.Header(common.HeaderRequestID, rid)
		c.Request = c.Request.WithContext(common.WithRequestID(c.Request.Context(), rid))
		c.Next()
	}
}
