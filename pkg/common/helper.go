package common

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"quotehub.com/pkg/logger"
	"quotehub.com/pkg/xerr"
)

// 定义http返回格式
type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data"`
}

func Success(ctx *gin.Context, data interface{}) {
	ctx.JSON(http.StatusOK, Response{
		Code:    http.StatusOK,
		Message: http.StatusText(http.StatusOK),
		Data:    data,
	})
}

func Fail(c *gin.Context, httpStatus int, code int, message string) {
	c.JSON(httpStatus, Response{
		Code:    code,
		Message: message,
		Data:    nil,
	})
}

func FailLogged(c *gin.Context, httpStatus int, code int, msg string, err error) {
	logger.Warn(c, "http error",
		zap.String("request_id", RequestIDFromGin(c)),
		zap.String("method", c.Request.Method),
		zap.String("path", c.Request.URL.Path),
		zap.Int("biz_code", code),
		zap.String("message", msg),
		zap.Error(err),
	)
	Fail(c, httpStatus, code, msg)
}

// FailFromErr 按 xerr 码映射 http 状态，对外只给固定文案
func FailFromErr(c *gin.Context, err error) {
	code := xerr.CodeOf(err)
	FailLogged(c, httpStatusOf(code), code, xerr.MapErrMsg(code), err)
}

func httpStatusOf(code int) int {
	switch code {
	case xerr.InvalidRequest:
		return http.StatusBadRequest
	case xerr.RecordNotFound:
		return http.StatusNotFound
	case xerr.SourceUnavailable, xerr.BrokerDisposed:
		return http.StatusServiceUnavailable
	case xerr.UpstreamFailed, xerr.ResolutionFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
