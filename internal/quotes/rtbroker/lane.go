package rtbroker

import (
	"context"

	"go.uber.org/zap"
	"quotehub.com/internal/quotes/brokermetrics"
	"quotehub.com/internal/quotes/datasource"
	"quotehub.com/internal/quotes/model"
	"quotehub.com/internal/quotes/registry"
	"quotehub.com/pkg/logger"
)

type opKind uint8

const (
	opSubscribe opKind = iota + 1
	opCancel
)

func (k opKind) String() string {
	if k == opSubscribe {
		return "subscribe"
	}
	return "cancel"
}

// op 一次适配器调用。锁内决定、入队，锁外按队列顺序执行。
type op struct {
	ctx  context.Context
	kind opKind
	src  datasource.Source
	key  registry.Key
	inst model.Instrument
	// sub 这次调用所属的物理订阅
	sub *subscription
}

// subscription Key 的一次物理订阅，从 Acquire 返回 isNew 开始到退订为止。
// 同一个 Key 先后可以有多次，靠指针区分。
type subscription struct {
	// done 订阅调用返回后关闭，之后 err 只读
	done chan struct{}
	err  error
}

func newSubscription() *subscription {
	return &subscription{done: make(chan struct{})}
}

// settled 订阅调用是否已经返回
func (s *subscription) settled() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// lane 同一个 Key 的适配器调用队列，保证和锁内决定的顺序一致
type lane struct {
	q       []op
	running bool
}

// enqueueLocked 必须持有 b.mu
func (b *Broker) enqueueLocked(o op) {
	l := b.lanes[o.key]
	if l == nil {
		l = &lane{}
		b.lanes[o.key] = l
	}
	l.q = append(l.q, o)
}

// drain 执行 Key 上排队的调用；已有别的协程在执行时直接返回，由它顺带执行
func (b *Broker) drain(keys ...registry.Key) {
	for _, k := range keys {
		b.drainOne(k)
	}
}

func (b *Broker) drainOne(k registry.Key) {
	b.mu.Lock()
	l := b.lanes[k]
	if l == nil || l.running {
		b.mu.Unlock()
		return
	}
	l.running = true
	for len(l.q) > 0 {
		o := l.q[0]
		l.q = l.q[1:]
		// 订阅失败的那次物理订阅不用再退订
		skip := o.kind == opCancel && o.sub != nil && o.sub.err != nil
		b.mu.Unlock()

		var err error
		if !skip {
			err = b.exec(o)
		}

		b.mu.Lock()
		if o.kind == opSubscribe {
			b.settleLocked(o, err)
		}
		brokermetrics.PhysicalSubs.WithLabelValues(k.Feed).Set(float64(b.reg.FeedLen(k.Feed)))
	}
	delete(b.lanes, k)
	b.idle.Broadcast()
	b.mu.Unlock()
}

func (b *Broker) exec(o op) error {
	var err error
	switch o.kind {
	case opSubscribe:
		err = o.src.RequestRealTimeData(o.ctx, o.inst, o.key.BarSize)
	case opCancel:
		err = o.src.CancelRealTimeData(o.ctx, o.inst, o.key.BarSize)
	}
	brokermetrics.OnUpstream(o.key.Feed, o.kind.String(), err)
	if err != nil {
		logger.Error(o.ctx, "upstream call failed",
			zap.String("op", o.kind.String()),
			zap.String("feed", o.key.Feed),
			zap.Int("instrument_id", o.inst.ID),
			zap.String("symbol", o.inst.Symbol),
			zap.String("bar_size", o.key.BarSize.String()),
			zap.Error(err),
		)
		return err
	}
	logger.Debug(o.ctx, "upstream call done",
		zap.String("op", o.kind.String()),
		zap.String("feed", o.key.Feed),
		zap.Int("instrument_id", o.inst.ID),
		zap.String("bar_size", o.key.BarSize.String()),
	)
	return nil
}

// settleLocked 订阅调用返回。失败时整条 Key 连同上面所有 alias 一起撤掉，
// 等待中的请求都拿到这个错误，下一次请求重新订阅。
func (b *Broker) settleLocked(o op, err error) {
	s := o.sub
	s.err = err
	close(s.done)
	if err == nil || b.subs[o.key] != s {
		return
	}
	delete(b.subs, o.key)
	n := b.reg.Remove(o.key)
	logger.Warn(o.ctx, "subscription dropped after upstream failure",
		zap.String("key", o.key.String()), zap.Int("aliases", n))
}

// acquireLocked 登记 alias，Key 第一次出现时排一次订阅。返回这个 alias 挂上的物理订阅。
func (b *Broker) acquireLocked(ctx context.Context, src datasource.Source, k registry.Key, inst model.Instrument, a model.Alias) (s *subscription, isNew bool) {
	if !b.reg.Acquire(k, inst.Symbol, a) {
		return b.subs[k], false
	}
	s = newSubscription()
	b.subs[k] = s
	b.enqueueLocked(op{ctx: context.WithoutCancel(ctx), kind: opSubscribe, src: src, key: k, inst: inst, sub: s})
	return s, true
}

// releaseLocked 释放 alias 的一次引用，Key 空了排一次退订。found=false 表示 alias 不在 Key 上。
func (b *Broker) releaseLocked(ctx context.Context, src datasource.Source, k registry.Key, inst model.Instrument, a model.Alias) (empty, found bool) {
	empty, found = b.reg.Release(k, a)
	if !empty {
		return empty, found
	}
	s := b.subs[k]
	delete(b.subs, k)
	b.enqueueLocked(op{ctx: context.WithoutCancel(ctx), kind: opCancel, src: src, key: k, inst: inst, sub: s})
	return empty, found
}

// waitIdleLocked 等所有 Key 的队列执行完，ctx 结束时提前返回。进入和返回时都持有 b.mu。
func (b *Broker) waitIdleLocked(ctx context.Context) {
	stop := context.AfterFunc(ctx, func() {
		b.mu.Lock()
		b.idle.Broadcast()
		b.mu.Unlock()
	})
	defer stop()
	for len(b.lanes) > 0 && ctx.Err() == nil {
		b.idle.Wait()
	}
}
