package rtbroker

import (
	"errors"
	"fmt"

	"quotehub.com/pkg/xerr"
)

// SourceUnavailableError 没有同名适配器，或者适配器未连接。请求时同步返回，核心不重试。
type SourceUnavailableError struct {
	Feed      string
	Connected bool
	Known     bool
}

func (e *SourceUnavailableError) Error() string {
	if !e.Known {
		return fmt.Sprintf("source %q not registered", e.Feed)
	}
	return fmt.Sprintf("source %q not connected", e.Feed)
}

func (e *SourceUnavailableError) Unwrap() error { return xerr.NewErrCode(xerr.SourceUnavailable) }

func IsSourceUnavailable(err error) bool {
	var su *SourceUnavailableError
	return errors.As(err, &su) || xerr.CodeOf(err) == xerr.SourceUnavailable
}

var (
	ErrDisposed         = xerr.NewErrCode(xerr.BrokerDisposed)
	ErrInvalidRequest   = xerr.New(xerr.InvalidRequest, "continuous future definition missing")
	ErrDuplicateSource  = xerr.New(xerr.InvalidRequest, "duplicate source name")
	ErrResolutionFailed = xerr.NewErrCode(xerr.ResolutionFailed)
)
