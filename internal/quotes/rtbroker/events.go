package rtbroker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"quotehub.com/internal/quotes/brokermetrics"
	"quotehub.com/internal/quotes/continuous"
	"quotehub.com/internal/quotes/model"
	"quotehub.com/internal/quotes/registry"
	"quotehub.com/pkg/logger"
	"quotehub.com/pkg/safe"
)

// DataReceived 适配器回调：按 Key 找到所有 alias，逐个改写身份后发给 listener。
// 没有订阅的数据直接丢弃。
func (b *Broker) DataReceived(ev model.DataEvent) {
	b.mu.Lock()
	if b.disposed {
		b.mu.Unlock()
		brokermetrics.DroppedTotal.WithLabelValues("disposed").Inc()
		return
	}
	k := tupleKey(ev.Source, ev.InstrumentID, ev.BarSize)
	if ev.InstrumentID == 0 || !b.reg.Has(k) {
		var ok bool
		if k, ok = b.reg.KeyBySymbol(ev.Source, ev.Symbol, ev.BarSize); !ok {
			b.mu.Unlock()
			brokermetrics.DroppedTotal.WithLabelValues("unsubscribed").Inc()
			return
		}
	}
	aliases := b.reg.Aliases(k)
	ls := b.listeners
	b.mu.Unlock()

	brokermetrics.EventsInTotal.WithLabelValues(ev.Source).Inc()
	if ev.InstrumentID == 0 {
		ev.InstrumentID = k.InstrumentID
	}
	for _, a := range aliases {
		out := ev.Relabel(a)
		for _, l := range ls {
			if err := safe.Call("rtbroker.listener", func() { l.RealTimeDataArrived(out) }); err != nil {
				logger.Error(context.Background(), "listener panicked on data", zap.Error(err))
			}
		}
	}
	brokermetrics.EventsOutTotal.WithLabelValues(ev.Source).Add(float64(len(aliases) * len(ls)))
}

func (b *Broker) ConnectionChanged(source string, connected bool) {
	brokermetrics.OnConnection(source, connected)
	if connected {
		logger.Info(context.Background(), "source connected", zap.String("feed", source))
	} else {
		logger.Warn(context.Background(), "source disconnected", zap.String("feed", source))
	}
	if b.opt.OnConnectionChanged != nil {
		b.opt.OnConnectionChanged(source, connected)
	}
}

func (b *Broker) SourceError(source string, err error) {
	logger.Error(context.Background(), "source error", zap.String("feed", source), zap.Error(err))
}

// FoundFrontContract 解析器回调：把排队的请求全部订阅到前月合约上。
func (b *Broker) FoundFrontContract(corrID uint64, front model.Instrument, asOf time.Time) {
	b.mu.Lock()
	if b.disposed {
		b.mu.Unlock()
		return
	}
	p := b.pendingByCorr[corrID]
	if p == nil {
		if _, gone := b.abandoned[corrID]; !gone && b.awaiting > 0 {
			b.early[corrID] = earlyResult{found: true, front: front}
			b.mu.Unlock()
			return
		}
		b.lateResultLocked(corrID)
		return
	}
	b.removePendingLocked(p)

	cf := p.cf
	cfID := cf.ContinuousFuture.ID
	feed := cf.Datasource.Name
	src := b.sources[feed]
	bd := b.bindings[cfID]
	if bd == nil {
		bd = &binding{cf: cf, front: front, refs: make(map[refKey]int, len(p.reqs))}
		b.bindings[cfID] = bd
	}
	keys := make([]registry.Key, 0, len(p.reqs))
	for _, r := range p.reqs {
		k := tupleKey(feed, bd.front.ID, r.barSize)
		bd.refs[refKey{r.alias, r.barSize}]++
		if _, isNew := b.acquireLocked(context.Background(), src, k, bd.front, r.alias); isNew {
			keys = append(keys, k)
		}
	}
	b.mu.Unlock()

	brokermetrics.ResolutionsTotal.WithLabelValues("found").Inc()
	logger.Info(context.Background(), "continuous future bound",
		zap.Int("cf_id", cfID),
		zap.String("symbol", cf.Symbol),
		zap.Int("front_id", front.ID),
		zap.String("front", front.Symbol),
		zap.Time("as_of", asOf),
		zap.Int("requests", len(p.reqs)),
		zap.Duration("took", time.Since(p.started)),
	)
	b.drain(keys...)
}

// lateResultLocked 结果对应的请求已经不在了（取消/超时），释放锁；
// 解析器这时可能已经开始跟踪，Untrack 一次
func (b *Broker) lateResultLocked(corrID uint64) {
	cfID, ok := b.abandoned[corrID]
	delete(b.abandoned, corrID)
	inUse := ok && (b.bindings[cfID] != nil || b.pendingByCF[cfID] != nil)
	b.mu.Unlock()

	brokermetrics.ResolutionsTotal.WithLabelValues("late").Inc()
	if ok && !inUse {
		b.resolver.Untrack(cfID)
	}
}

// FrontContractNotFound 解析器确定解析不了，不等超时直接报错
func (b *Broker) FrontContractNotFound(corrID uint64, cfID int, err error) {
	b.mu.Lock()
	if b.disposed {
		b.mu.Unlock()
		return
	}
	p := b.pendingByCorr[corrID]
	if p == nil {
		if _, gone := b.abandoned[corrID]; !gone && b.awaiting > 0 {
			b.early[corrID] = earlyResult{err: err}
			b.mu.Unlock()
			return
		}
		b.lateResultLocked(corrID)
		return
	}
	b.removePendingLocked(p)
	ls := b.listeners
	b.mu.Unlock()

	reason := "front contract not found"
	if err != nil && !errors.Is(err, continuous.ErrNoFrontContract) {
		reason = err.Error()
	}
	brokermetrics.ResolutionsTotal.WithLabelValues("not_found").Inc()
	b.emitResolutionError(ls, p, reason)
}

func (b *Broker) resolutionTimedOut(corrID uint64) {
	b.mu.Lock()
	p := b.pendingByCorr[corrID]
	if b.disposed || p == nil {
		b.mu.Unlock()
		return
	}
	b.removePendingLocked(p)
	b.abandonLocked(p)
	ls := b.listeners
	b.mu.Unlock()

	brokermetrics.ResolutionsTotal.WithLabelValues("timeout").Inc()
	b.emitResolutionError(ls, p, "front contract resolution timed out after "+b.opt.ResolutionTimeout.String())
}

func (b *Broker) emitResolutionError(ls []Listener, p *pending, reason string) {
	e := model.ResolutionError{
		ContinuousFutureID: p.cf.ContinuousFuture.ID,
		InstrumentID:       p.cf.ID,
		Symbol:             p.cf.Symbol,
		Reason:             reason,
	}
	logger.Warn(context.Background(), "continuous future not resolved",
		zap.Int("cf_id", e.ContinuousFutureID),
		zap.String("symbol", e.Symbol),
		zap.String("reason", reason),
		zap.Int("requests", len(p.reqs)),
	)
	for _, l := range ls {
		if err := safe.Call("rtbroker.listener", func() { l.ResolutionError(e) }); err != nil {
			logger.Error(context.Background(), "listener panicked on resolution error", zap.Error(err))
		}
	}
}

// RolledOver 换月：先订阅新合约再退订旧合约，alias 不变，客户端无感。
func (b *Broker) RolledOver(cfID int, oldFront, newFront model.Instrument) {
	b.mu.Lock()
	if b.disposed {
		b.mu.Unlock()
		return
	}
	bd := b.bindings[cfID]
	if bd == nil {
		b.mu.Unlock()
		b.resolver.Untrack(cfID)
		return
	}
	if bd.front.ID == newFront.ID {
		b.mu.Unlock()
		return
	}
	prev := bd.front
	feed := bd.cf.Datasource.Name
	src := b.sources[feed]

	newKeys := make([]registry.Key, 0, len(bd.refs))
	oldKeys := make([]registry.Key, 0, len(bd.refs))
	for rk, n := range bd.refs {
		nk := tupleKey(feed, newFront.ID, rk.barSize)
		oldK := tupleKey(feed, prev.ID, rk.barSize)
		for i := 0; i < n; i++ {
			if _, isNew := b.acquireLocked(context.Background(), src, nk, newFront, rk.alias); isNew {
				newKeys = append(newKeys, nk)
			}
		}
		for i := 0; i < n; i++ {
			if empty, _ := b.releaseLocked(context.Background(), src, oldK, prev, rk.alias); empty {
				oldKeys = append(oldKeys, oldK)
			}
		}
	}
	bd.front = newFront
	b.mu.Unlock()

	brokermetrics.RolloversTotal.Inc()
	logger.Info(context.Background(), "continuous future rolled over",
		zap.Int("cf_id", cfID),
		zap.String("symbol", bd.cf.Symbol),
		zap.String("from", prev.Symbol),
		zap.String("to", newFront.Symbol),
		zap.String("reported_from", oldFront.Symbol),
	)
	b.drain(newKeys...)
	b.drain(oldKeys...)
}
