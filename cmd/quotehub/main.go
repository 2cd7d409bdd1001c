package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"quotehub.com/internal/quotes"
	"quotehub.com/pkg/config"
	"quotehub.com/pkg/logger"
	"quotehub.com/pkg/trace"
)

var service = flag.String("service", "quotehub", "config/<service>.yaml")

func main() {
	flag.Parse()

	// 收到 SIGINT/SIGTERM 时取消 ctx，触发各组件关闭
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 热更新只生效日志级别，其它改动需要重启
	cfg, _, err := config.LoadAndWatch(*service, func(next *quotes.Cfg) { logger.SetLevel(next.Log.Level) })
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Name == "" {
		cfg.Name = *service
	}
	logger.InitWithOptions(cfg.Name, cfg.Log.Level, cfg.Log.Options)
	defer logger.Sync()

	shutdownTrace, err := trace.InitTrace(cfg.Name, cfg.Trace)
	if err != nil {
		logger.Fatal(ctx, "init tracer", zap.Error(err))
	}
	defer func() { _ = shutdownTrace(context.Background()) }()

	app, err := quotes.New(ctx, cfg)
	if err != nil {
		logger.Fatal(ctx, "build quotehub", zap.Error(err))
	}
	logger.Info(ctx, "quotehub started",
		zap.Int("sources", len(cfg.Sources)), zap.Int("instruments", len(cfg.Instruments)))

	if err := app.Run(ctx); err != nil {
		logger.Error(ctx, "quotehub exited", zap.Error(err))
		os.Exit(1)
	}
}
