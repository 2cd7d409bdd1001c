package safe

import (
	"context"
	"fmt"
	"runtime/debug"

	"go.uber.org/zap"
	"quotehub.com/pkg/logger"
	"quotehub.com/pkg/metrics"
)

// Go 安全启动协程，name 用于日志和 panic 计数
func Go(name string, fn func()) {
	go func() {
		defer recoverPanic(context.Background(), name)
		fn()
	}()
}

// GoCtx 携带 context 启动，日志里保留 trace
func GoCtx(ctx context.Context, name string, fn func(ctx context.Context)) {
	if ctx == nil {
		ctx = context.Background()
	}
	go func() {
		defer recoverPanic(ctx, name)
		fn(ctx)
	}()
}

// Call 同步执行，panic 转 error。用来包住外部回调，避免一个坏 listener 打挂调用方
func Call(name string, fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			metrics.PanicsTotal.WithLabelValues(name).Inc()
			logger.Error(context.Background(), "callback panic recovered",
				zap.String("goroutine", name),
				zap.Any("panic", r),
				zap.String("stack", string(debug.Stack())),
			)
			err = fmt.Errorf("%s: panic: %v", name, r)
		}
	}()
	fn()
	return nil
}

func recoverPanic(ctx context.Context, name string) {
	r := recover()
	if r == nil {
		return
	}
	stack := string(debug.Stack())
	metrics.PanicsTotal.WithLabelValues(name).Inc()
	if logger.Log != nil {
		logger.Error(ctx, "goroutine panic recovered",
			zap.String("goroutine", name),
			zap.Any("panic", r),
			zap.String("stack", stack),
		)
		return
	}
	fmt.Printf("goroutine %s panic: %v\nStack: %s\n", name, r, stack)
}
