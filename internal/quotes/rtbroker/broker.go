// Package rtbroker 实时行情路由：多个客户端的订阅请求合并到每个
// (feed, 具体合约, bar size) 唯一的上游订阅上，连续合约先解析成前月合约，
// 换月时自动重新绑定，上游数据按客户端请求时的身份(alias)转发。
//
// 所有状态（订阅表、待解析表、连续合约绑定）由一把锁保护，锁内不做任何
// 适配器或解析器调用：锁内只做决定并把调用排进每个 Key 的队列，释放锁后执行。
package rtbroker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"quotehub.com/internal/quotes/brokermetrics"
	"quotehub.com/internal/quotes/continuous"
	"quotehub.com/internal/quotes/datasource"
	"quotehub.com/internal/quotes/model"
	"quotehub.com/internal/quotes/registry"
	"quotehub.com/pkg/logger"
	"quotehub.com/pkg/xerr"
)

const DefaultResolutionTimeout = 30 * time.Second

type Options struct {
	// ResolutionTimeout 连续合约等待解析结果的上限，超时发 ResolutionError
	ResolutionTimeout time.Duration
	// OnConnectionChanged 适配器连接状态变化时回调（编排层用来触发重连）
	OnConnectionChanged func(feed string, connected bool)
}

type refKey struct {
	alias   model.Alias
	barSize model.BarSize
}

// binding 连续合约当前绑定的前月合约，refs 记录每个 alias/bar size 的请求数
type binding struct {
	cf    model.Instrument
	front model.Instrument
	refs  map[refKey]int
}

type parked struct {
	alias   model.Alias
	barSize model.BarSize
}

// pending 等待解析结果的连续合约；同一个连续合约只发起一次解析，后来的请求排在 reqs 里
type pending struct {
	cf       model.Instrument
	corrID   uint64
	assigned bool
	reqs     []parked
	timer    *time.Timer
	started  time.Time
}

type earlyResult struct {
	found bool
	front model.Instrument
	err   error
}

type Broker struct {
	// sources 构造后只读
	sources  map[string]datasource.Source
	order    []string
	resolver continuous.Resolver
	opt      Options
	tracer   trace.Tracer

	mu    sync.Mutex
	reg   *registry.Registry
	subs  map[registry.Key]*subscription
	lanes map[registry.Key]*lane
	// idle 有 lane 执行完时广播，和 mu 配对
	idle          *sync.Cond
	bindings      map[int]*binding
	pendingByCF   map[int]*pending
	pendingByCorr map[uint64]*pending
	// awaiting 已经调用解析器但还没拿到关联 id 的请求数；期间先到的结果暂存在 early
	awaiting  int
	early     map[uint64]earlyResult
	abandoned map[uint64]int
	listeners []Listener
	disposed  bool
}

var (
	_ datasource.Listener = (*Broker)(nil)
	_ continuous.Listener = (*Broker)(nil)
)

// New 注册适配器并逐个 Connect。连不上的适配器只记日志，请求它时返回 SourceUnavailableError。
func New(ctx context.Context, sources []datasource.Source, resolver continuous.Resolver, opt Options) (*Broker, error) {
	if opt.ResolutionTimeout <= 0 {
		opt.ResolutionTimeout = DefaultResolutionTimeout
	}
	b := &Broker{
		sources:       make(map[string]datasource.Source, len(sources)),
		resolver:      resolver,
		opt:           opt,
		tracer:        otel.Tracer("quotehub.com/internal/quotes/rtbroker"),
		reg:           registry.New(),
		subs:          make(map[registry.Key]*subscription, 16),
		lanes:         make(map[registry.Key]*lane, 16),
		bindings:      make(map[int]*binding, 8),
		pendingByCF:   make(map[int]*pending, 8),
		pendingByCorr: make(map[uint64]*pending, 8),
		early:         make(map[uint64]earlyResult, 4),
		abandoned:     make(map[uint64]int, 4),
	}
	b.idle = sync.NewCond(&b.mu)
	for _, s := range sources {
		if _, dup := b.sources[s.Name()]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateSource, s.Name())
		}
		b.sources[s.Name()] = s
		b.order = append(b.order, s.Name())
	}
	if resolver != nil {
		resolver.SetListener(b)
	}
	for _, name := range b.order {
		src := b.sources[name]
		src.SetListener(b)
		if err := src.Connect(ctx); err != nil {
			brokermetrics.OnConnection(name, false)
			logger.Warn(ctx, "source connect failed", zap.String("feed", name), zap.Error(err))
			continue
		}
		brokermetrics.OnConnection(name, src.Connected())
		logger.Info(ctx, "source connected", zap.String("feed", name))
	}
	return b, nil
}

// AddListener Dispose 之后添加的 listener 不会收到任何事件
func (b *Broker) AddListener(l Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.disposed {
		return
	}
	// copy-on-write，事件分发时拿快照不用持锁
	next := make([]Listener, 0, len(b.listeners)+1)
	next = append(next, b.listeners...)
	b.listeners = append(next, l)
}

func (b *Broker) source(feed string) (datasource.Source, error) {
	src, ok := b.sources[feed]
	if !ok {
		return nil, &SourceUnavailableError{Feed: feed}
	}
	if !src.Connected() {
		return nil, &SourceUnavailableError{Feed: feed, Known: true}
	}
	return src, nil
}

func tupleKey(feed string, instrumentID int, bs model.BarSize) registry.Key {
	return registry.Key{Feed: feed, InstrumentID: instrumentID, BarSize: bs}
}

// RequestRealTimeData 普通合约直接订阅，连续合约先挂起等待解析后订阅。
// 同一个 (feed, 具体合约, bar size) 无论多少请求只向适配器订阅一次。
func (b *Broker) RequestRealTimeData(ctx context.Context, req model.RealTimeDataRequest) error {
	inst := req.Instrument
	feed := inst.Datasource.Name
	kind := "direct"
	if inst.IsContinuousFuture {
		kind = "continuous"
	}

	ctx, span := b.tracer.Start(ctx, "rtbroker.RequestRealTimeData", trace.WithAttributes(
		attribute.String("feed", feed),
		attribute.Int("instrument_id", inst.ID),
		attribute.String("symbol", inst.Symbol),
		attribute.String("bar_size", req.BarSize.String()),
		attribute.Bool("continuous", inst.IsContinuousFuture),
	))
	defer span.End()

	err := b.request(ctx, req)
	brokermetrics.OnRequest(feed, kind, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Warn(ctx, "real time data request rejected",
			zap.String("feed", feed), zap.Int("instrument_id", inst.ID),
			zap.String("bar_size", req.BarSize.String()), zap.Error(err))
	}
	return err
}

func (b *Broker) request(ctx context.Context, req model.RealTimeDataRequest) error {
	inst := req.Instrument
	if inst.IsContinuousFuture && (inst.ContinuousFuture == nil || b.resolver == nil) {
		return fmt.Errorf("%s: %w", inst, ErrInvalidRequest)
	}
	if b.Disposed() {
		return ErrDisposed
	}
	src, err := b.source(inst.Datasource.Name)
	if err != nil {
		return err
	}
	if inst.IsContinuousFuture {
		return b.requestContinuous(ctx, src, req)
	}
	return b.requestDirect(ctx, src, req)
}

func (b *Broker) requestDirect(ctx context.Context, src datasource.Source, req model.RealTimeDataRequest) error {
	inst := req.Instrument
	k := tupleKey(src.Name(), inst.ID, req.BarSize)
	alias := req.Alias()

	b.mu.Lock()
	if b.disposed {
		b.mu.Unlock()
		return ErrDisposed
	}
	sub, isNew := b.acquireLocked(ctx, src, k, inst, alias)
	b.mu.Unlock()

	if isNew {
		b.drain(k)
	}
	// 后来的请求也等同一次订阅的结果，订阅失败时一起失败
	select {
	case <-sub.done:
	case <-ctx.Done():
		if !sub.settled() {
			b.abandonDirect(ctx, src, k, inst, alias, sub)
			return ctx.Err()
		}
	}
	if sub.err != nil {
		return xerr.Wrap(sub.err, xerr.UpstreamFailed, "subscribe "+k.String())
	}
	return nil
}

// abandonDirect 请求方不再等订阅结果，撤掉它那一次 Acquire。
// 订阅已经失败、Key 已经换了一次物理订阅时什么都不做。
func (b *Broker) abandonDirect(ctx context.Context, src datasource.Source, k registry.Key, inst model.Instrument, alias model.Alias, sub *subscription) {
	b.mu.Lock()
	if b.disposed || b.subs[k] != sub {
		b.mu.Unlock()
		return
	}
	empty, _ := b.releaseLocked(ctx, src, k, inst, alias)
	b.mu.Unlock()

	logger.Debug(ctx, "request abandoned before subscribe returned",
		zap.String("key", k.String()), zap.Bool("cancel_upstream", empty))
	b.drain(k)
}

func (b *Broker) requestContinuous(ctx context.Context, src datasource.Source, req model.RealTimeDataRequest) error {
	inst := req.Instrument
	cfID := inst.ContinuousFuture.ID
	alias := req.Alias()

	b.mu.Lock()
	if b.disposed {
		b.mu.Unlock()
		return ErrDisposed
	}

	// 已绑定：直接订阅到当前前月合约
	if bd := b.bindings[cfID]; bd != nil {
		k := tupleKey(src.Name(), bd.front.ID, req.BarSize)
		bd.refs[refKey{alias, req.BarSize}]++
		b.acquireLocked(ctx, src, k, bd.front, alias)
		b.mu.Unlock()
		b.drain(k)
		return nil
	}

	// 正在解析：排队
	if p := b.pendingByCF[cfID]; p != nil {
		p.reqs = append(p.reqs, parked{alias, req.BarSize})
		b.mu.Unlock()
		return nil
	}

	p := &pending{cf: inst, reqs: []parked{{alias, req.BarSize}}, started: time.Now()}
	b.pendingByCF[cfID] = p
	b.awaiting++
	brokermetrics.PendingResolutions.Set(float64(len(b.pendingByCF)))
	b.mu.Unlock()

	corrID := b.resolver.RequestFrontContract(ctx, inst, nil)

	b.mu.Lock()
	b.awaiting--
	if b.disposed || b.pendingByCF[cfID] != p {
		// 拿到 id 之前已经被取消或 Dispose，结果晚到时再 Untrack 一次
		_, arrived := b.early[corrID]
		delete(b.early, corrID)
		b.clearEarlyLocked()
		inUse := b.bindings[cfID] != nil || b.pendingByCF[cfID] != nil
		if !arrived && !b.disposed {
			p.corrID, p.assigned = corrID, true
			b.abandonLocked(p)
		}
		b.mu.Unlock()
		if !inUse {
			b.resolver.Untrack(cfID)
		}
		return nil
	}
	p.corrID = corrID
	p.assigned = true
	b.pendingByCorr[corrID] = p

	res, early := b.early[corrID]
	delete(b.early, corrID)
	b.clearEarlyLocked()
	if !early {
		p.timer = time.AfterFunc(b.opt.ResolutionTimeout, func() { b.resolutionTimedOut(corrID) })
		b.mu.Unlock()
		logger.Debug(ctx, "front contract requested",
			zap.Int("cf_id", cfID), zap.String("symbol", inst.Symbol), zap.Uint64("corr_id", corrID))
		return nil
	}
	b.mu.Unlock()

	// 解析器在返回 id 之前就回调了
	if res.found {
		b.FoundFrontContract(corrID, res.front, time.Now())
	} else {
		b.FrontContractNotFound(corrID, cfID, res.err)
	}
	return nil
}

func (b *Broker) clearEarlyLocked() {
	if b.awaiting == 0 && len(b.early) > 0 {
		b.early = make(map[uint64]earlyResult, 4)
	}
}

// removePendingLocked 把 pending 从两张表里摘掉并停掉计时器
func (b *Broker) removePendingLocked(p *pending) {
	if p.timer != nil {
		p.timer.Stop()
	}
	cfID := p.cf.ContinuousFuture.ID
	if b.pendingByCF[cfID] == p {
		delete(b.pendingByCF, cfID)
	}
	if p.assigned {
		delete(b.pendingByCorr, p.corrID)
	}
	brokermetrics.PendingResolutions.Set(float64(len(b.pendingByCF)))
}

const maxAbandoned = 1024

func (b *Broker) abandonLocked(p *pending) {
	if !p.assigned {
		return
	}
	if len(b.abandoned) >= maxAbandoned {
		b.abandoned = make(map[uint64]int, 4)
	}
	b.abandoned[p.corrID] = p.cf.ContinuousFuture.ID
}

// CancelRealTimeData 释放 (alias 合约, bar size) 的一次请求；未知订阅是 no-op。
// 连续合约还在解析时，撤掉一个排队请求，全部撤完则放弃这次解析。
func (b *Broker) CancelRealTimeData(ctx context.Context, inst model.Instrument, bs model.BarSize) {
	feed := inst.Datasource.Name
	alias := model.Alias{InstrumentID: inst.ID, Symbol: inst.Symbol}
	src := b.sources[feed]

	b.mu.Lock()
	if b.disposed || src == nil {
		b.mu.Unlock()
		brokermetrics.CancelsTotal.WithLabelValues("unknown").Inc()
		return
	}

	if inst.IsContinuousFuture && inst.ContinuousFuture != nil {
		b.cancelContinuous(ctx, src, inst, alias, bs)
		return
	}

	k := tupleKey(feed, inst.ID, bs)
	_, found := b.releaseLocked(ctx, src, k, inst, alias)
	if !found {
		b.mu.Unlock()
		brokermetrics.CancelsTotal.WithLabelValues("unknown").Inc()
		logger.Debug(ctx, "cancel for unknown subscription ignored", zap.String("key", k.String()))
		return
	}
	b.mu.Unlock()
	brokermetrics.CancelsTotal.WithLabelValues("released").Inc()
	b.drain(k)
}

// cancelContinuous 进入时持有 b.mu，返回前释放
func (b *Broker) cancelContinuous(ctx context.Context, src datasource.Source, inst model.Instrument, alias model.Alias, bs model.BarSize) {
	cfID := inst.ContinuousFuture.ID
	rk := refKey{alias, bs}

	if bd := b.bindings[cfID]; bd != nil && bd.refs[rk] > 0 {
		k := tupleKey(src.Name(), bd.front.ID, bs)
		b.releaseLocked(ctx, src, k, bd.front, alias)
		bd.refs[rk]--
		if bd.refs[rk] == 0 {
			delete(bd.refs, rk)
		}
		unbind := len(bd.refs) == 0
		if unbind {
			delete(b.bindings, cfID)
		}
		b.mu.Unlock()

		brokermetrics.CancelsTotal.WithLabelValues("released").Inc()
		b.drain(k)
		if unbind {
			b.resolver.Untrack(cfID)
			logger.Info(ctx, "continuous future unbound", zap.Int("cf_id", cfID), zap.String("symbol", inst.Symbol))
		}
		return
	}

	p := b.pendingByCF[cfID]
	idx := -1
	if p != nil {
		for i, r := range p.reqs {
			if r.alias == alias && r.barSize == bs {
				idx = i
				break
			}
		}
	}
	if idx < 0 {
		b.mu.Unlock()
		brokermetrics.CancelsTotal.WithLabelValues("unknown").Inc()
		return
	}
	p.reqs = append(p.reqs[:idx], p.reqs[idx+1:]...)
	drop := len(p.reqs) == 0
	if drop {
		b.removePendingLocked(p)
		b.abandonLocked(p)
	}
	b.mu.Unlock()

	brokermetrics.CancelsTotal.WithLabelValues("released").Inc()
	if drop {
		b.resolver.Untrack(cfID)
	}
}

// Dispose 取消所有上游订阅，等排队的适配器调用执行完再断开适配器。
// ctx 结束时不再等待。可重复调用，第二次起什么都不做。
func (b *Broker) Dispose(ctx context.Context) {
	b.mu.Lock()
	if b.disposed {
		b.mu.Unlock()
		return
	}
	b.disposed = true
	b.listeners = nil

	entries := b.reg.Drain()
	keys := make([]registry.Key, 0, len(entries))
	for _, e := range entries {
		src := b.sources[e.Key.Feed]
		if src == nil {
			continue
		}
		inst := model.Instrument{ID: e.Key.InstrumentID, Symbol: e.Symbol, Datasource: model.Datasource{Name: e.Key.Feed}}
		b.enqueueLocked(op{ctx: context.WithoutCancel(ctx), kind: opCancel, src: src, key: e.Key, inst: inst, sub: b.subs[e.Key]})
		keys = append(keys, e.Key)
	}
	b.subs = make(map[registry.Key]*subscription)

	untrack := make([]int, 0, len(b.bindings)+len(b.pendingByCF))
	for id := range b.bindings {
		untrack = append(untrack, id)
	}
	for id, p := range b.pendingByCF {
		if p.timer != nil {
			p.timer.Stop()
		}
		untrack = append(untrack, id)
	}
	b.bindings = make(map[int]*binding)
	b.pendingByCF = make(map[int]*pending)
	b.pendingByCorr = make(map[uint64]*pending)
	b.early = make(map[uint64]earlyResult)
	brokermetrics.PendingResolutions.Set(0)
	b.mu.Unlock()

	b.drain(keys...)
	// 别的协程手上还在执行的订阅/退订跑完才断开
	b.mu.Lock()
	b.waitIdleLocked(ctx)
	b.mu.Unlock()

	for _, name := range b.order {
		src := b.sources[name]
		if !src.Connected() {
			continue
		}
		if err := src.Disconnect(); err != nil {
			logger.Warn(ctx, "source disconnect failed", zap.String("feed", name), zap.Error(err))
		}
		brokermetrics.OnConnection(name, false)
	}
	if b.resolver != nil {
		for _, id := range untrack {
			b.resolver.Untrack(id)
		}
	}
	logger.Info(ctx, "broker disposed", zap.Int("cancelled", len(keys)))
}
