// Package mdsource 是编排层的重连策略：broker 核心不重试，掉线的适配器由这里拉起。
package mdsource

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"
	"quotehub.com/internal/quotes/datasource"
	"quotehub.com/pkg/logger"
	"quotehub.com/pkg/safe"
)

type Supervisor struct {
	sources []datasource.Source
	wake    map[string]chan struct{}

	BaseBackoff time.Duration // e.g. 300ms
	MaxBackoff  time.Duration // e.g. 30s
	// CheckEvery 没有掉线通知时的巡检周期
	CheckEvery time.Duration

	wg sync.WaitGroup
}

func NewSupervisor(sources ...datasource.Source) *Supervisor {
	s := &Supervisor{
		sources:     sources,
		wake:        make(map[string]chan struct{}, len(sources)),
		BaseBackoff: 300 * time.Millisecond,
		MaxBackoff:  30 * time.Second,
		CheckEvery:  5 * time.Second,
	}
	for _, src := range sources {
		s.wake[src.Name()] = make(chan struct{}, 1)
	}
	return s
}

// Notify 适配器报告掉线时调用，立刻触发一次检查
func (s *Supervisor) Notify(name string) {
	ch := s.wake[name]
	if ch == nil {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Run 非阻塞，ctx 取消后各协程退出；Wait 等它们结束
func (s *Supervisor) Run(ctx context.Context) {
	for _, src := range s.sources {
		src := src
		s.wg.Add(1)
		safe.GoCtx(ctx, "supervisor-"+src.Name(), func(ctx context.Context) {
			defer s.wg.Done()
			s.runOne(ctx, src)
		})
	}
}

func (s *Supervisor) Wait() { s.wg.Wait() }

func (s *Supervisor) runOne(ctx context.Context, src datasource.Source) {
	backoff := s.BaseBackoff
	wait := s.CheckEvery
	for {
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.wake[src.Name()]:
			timer.Stop()
		case <-timer.C:
		}

		if src.Connected() {
			backoff = s.BaseBackoff
			wait = s.CheckEvery
			continue
		}

		err := src.Connect(ctx)
		if err == nil {
			logger.Info(ctx, "source reconnected", zap.String("feed", src.Name()))
			backoff = s.BaseBackoff
			wait = s.CheckEvery
			continue
		}
		if ctx.Err() != nil {
			return
		}

		// 指数退避 + jitter，避免所有源同时重连
		wait = backoff + time.Duration(rand.Int63n(int64(backoff/2+1)))
		if wait > s.MaxBackoff {
			wait = s.MaxBackoff
		}
		logger.Warn(ctx, "source reconnect failed",
			zap.String("feed", src.Name()), zap.Duration("retry_in", wait), zap.Error(err))

		backoff *= 2
		if backoff > s.MaxBackoff {
			backoff = s.MaxBackoff
		}
	}
}
