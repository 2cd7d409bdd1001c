package xerr

import (
	"errors"
	"fmt"
)

// 常用错误码定义
const (
	OK                = 200
	InvalidRequest    = 400
	RecordNotFound    = 404
	ServerCommonError = 500
	DbError           = 501

	// 行情路由
	SourceUnavailable = 1001
	ResolutionFailed  = 1002
	BrokerDisposed    = 1003
	UpstreamFailed    = 1004
)

type CodeError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	err  error
}

func (e *CodeError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("ErrCode:%d, Msg:%s: %v", e.Code, e.Msg, e.err)
	}
	return fmt.Sprintf("ErrCode:%d, Msg:%s", e.Code, e.Msg)
}

func (e *CodeError) Unwrap() error { return e.err }

// Is 按错误码比较，errors.Is(err, xerr.NewErrCode(SourceUnavailable)) 可用
func (e *CodeError) Is(target error) bool {
	var t *CodeError
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

func New(code int, msg string) error {
	return &CodeError{Code: code, Msg: msg}
}

func NewErrCode(code int) error {
	return &CodeError{Code: code, Msg: MapErrMsg(code)}
}

// Wrap 给底层错误挂一个错误码，nil 原样返回
func Wrap(err error, code int, msg string) error {
	if err == nil {
		return nil
	}
	return &CodeError{Code: code, Msg: msg, err: err}
}

// CodeOf 取链路上第一个 CodeError 的码，没有返回 ServerCommonError，nil 返回 OK
func CodeOf(err error) int {
	if err == nil {
		return OK
	}
	var ce *CodeError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ServerCommonError
}

func MapErrMsg(code int) string {
	switch code {
	case InvalidRequest:
		return "invalid request"
	case RecordNotFound:
		return "record not found"
	case ServerCommonError:
		return "internal error"
	case DbError:
		return "database busy"
	case SourceUnavailable:
		return "data source unavailable"
	case ResolutionFailed:
		return "continuous future could not be resolved"
	case BrokerDisposed:
		return "broker disposed"
	case UpstreamFailed:
		return "upstream call failed"
	default:
		return "unknown error"
	}
}
