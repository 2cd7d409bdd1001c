package kline

import (
	"context"
	"errors"
	"hash/fnv"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"quotehub.com/internal/quotes/model"
	"quotehub.com/pkg/safe"
)

type ShardedAggConfig struct {
	Shards        int
	ReorderWindow time.Duration
	TZOffset      time.Duration
	// FillGaps 1s 以上的周期补空 bar
	FillGaps bool

	InboxSize int
	OutSize   int
	// DropWhenFull inbox 满时丢成交而不是阻塞读循环；订阅变更从不丢
	DropWhenFull bool
}

type cmdKind uint8

const (
	cmdTrade cmdKind = iota
	cmdWatch
	cmdUnwatch
)

type cmd struct {
	kind    cmdKind
	trade   Trade
	symbol  string
	barSize model.BarSize
}

// ShardedAggregator 按 symbol 哈希分片，每个分片一个协程独占自己的聚合链，无锁。
// 只输出被 Watch 的 (symbol, bar size)。
type ShardedAggregator struct {
	cfg    ShardedAggConfig
	out    chan Bar
	shards []*shard
	wg     sync.WaitGroup

	dropped atomic.Int64
}

type shard struct {
	a     *ShardedAggregator
	inbox chan cmd

	sec     *TradeAgg
	rollups map[model.BarSize]*RollupAgg
	watch   map[string]map[model.BarSize]bool
}

func NewShardedAggregator(cfg ShardedAggConfig) (*ShardedAggregator, error) {
	if cfg.Shards <= 0 {
		return nil, errors.New("shards must be > 0")
	}
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = 8192
	}
	if cfg.OutSize <= 0 {
		cfg.OutSize = 4096
	}
	a := &ShardedAggregator{
		cfg:    cfg,
		out:    make(chan Bar, cfg.OutSize),
		shards: make([]*shard, cfg.Shards),
	}
	for i := range a.shards {
		sh := &shard{
			a:       a,
			inbox:   make(chan cmd, cfg.InboxSize),
			rollups: make(map[model.BarSize]*RollupAgg, 4),
			watch:   make(map[string]map[model.BarSize]bool, 16),
		}
		sh.sec = NewTradeAgg(model.OneSecond, cfg.TZOffset, cfg.ReorderWindow, sh.onSecond)
		a.shards[i] = sh
	}
	return a, nil
}

func (a *ShardedAggregator) Out() <-chan Bar { return a.out }

// Dropped inbox 或 out 满时丢掉的成交/bar 数
func (a *ShardedAggregator) Dropped() int64 { return a.dropped.Load() }

// Run 启动分片协程，ctx 取消后 flush 退出
func (a *ShardedAggregator) Run(ctx context.Context) {
	for _, sh := range a.shards {
		a.wg.Add(1)
		safe.GoCtx(ctx, "kline.shard", func(ctx context.Context) {
			defer a.wg.Done()
			sh.loop(ctx)
		})
	}
}

// Close 等分片退出后关闭 out，调用前先取消 Run 的 ctx
func (a *ShardedAggregator) Close() {
	a.wg.Wait()
	close(a.out)
}

func (a *ShardedAggregator) OfferTrade(t Trade) bool {
	sh := a.shardOf(t.Symbol)
	c := cmd{kind: cmdTrade, trade: t}
	if !a.cfg.DropWhenFull {
		sh.inbox <- c
		return true
	}
	select {
	case sh.inbox <- c:
		return true
	default:
		a.dropped.Add(1)
		return false
	}
}

// Watch 开始输出 symbol 在 bs 周期上的 bar
func (a *ShardedAggregator) Watch(symbol string, bs model.BarSize) {
	a.shardOf(symbol).inbox <- cmd{kind: cmdWatch, symbol: symbol, barSize: bs}
}

func (a *ShardedAggregator) Unwatch(symbol string, bs model.BarSize) {
	a.shardOf(symbol).inbox <- cmd{kind: cmdUnwatch, symbol: symbol, barSize: bs}
}

func (a *ShardedAggregator) shardOf(symbol string) *shard {
	h := fnv.New64a()
	_, _ = h.Write([]byte(symbol))
	return a.shards[h.Sum64()%uint64(len(a.shards))]
}

func (a *ShardedAggregator) publish(b Bar) {
	select {
	case a.out <- b:
	default:
		a.dropped.Add(1)
	}
}

func (sh *shard) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			sh.flush()
			return
		case c := <-sh.inbox:
			sh.handle(c)
		}
	}
}

func (sh *shard) handle(c cmd) {
	switch c.kind {
	case cmdTrade:
		t := c.trade
		sizes := sh.watch[t.Symbol]
		if len(sizes) == 0 {
			return
		}
		if sizes[model.Tick] {
			sh.a.publish(Bar{
				Symbol: t.Symbol, BarSize: model.Tick, StartMs: t.TsMs, EndMs: t.TsMs,
				Open: t.Price, High: t.Price, Low: t.Price, Close: t.Price, Volume: t.Size, Count: 1,
			})
		}
		sh.sec.OfferTrade(t)
	case cmdWatch:
		sizes := sh.watch[c.symbol]
		if sizes == nil {
			sizes = make(map[model.BarSize]bool, 2)
			sh.watch[c.symbol] = sizes
		}
		sizes[c.barSize] = true
		if c.barSize > model.OneSecond && sh.rollups[c.barSize] == nil {
			bs := c.barSize
			sh.rollups[bs] = NewRollupAgg(bs, sh.a.cfg.TZOffset, sh.a.cfg.FillGaps, func(b Bar) {
				if sh.watch[b.Symbol][bs] {
					sh.a.publish(b)
				}
			})
		}
	case cmdUnwatch:
		sizes := sh.watch[c.symbol]
		delete(sizes, c.barSize)
		if r := sh.rollups[c.barSize]; r != nil {
			r.Forget(c.symbol)
		}
		if len(sizes) == 0 {
			delete(sh.watch, c.symbol)
			sh.sec.Forget(c.symbol)
		}
	}
}

// onSecond 1s bar 直接输出（如果有人要），再喂给更大周期
func (sh *shard) onSecond(b Bar) {
	sizes := sh.watch[b.Symbol]
	if sizes[model.OneSecond] {
		sh.a.publish(b)
	}
	for bs, r := range sh.rollups {
		if sizes[bs] {
			r.OfferBar(b)
		}
	}
}

func (sh *shard) flush() {
	sh.sec.Flush()
	sizes := make([]model.BarSize, 0, len(sh.rollups))
	for bs := range sh.rollups {
		sizes = append(sizes, bs)
	}
	sort.Slice(sizes, func(i, j int) bool { return sizes[i] < sizes[j] })
	for _, bs := range sizes {
		sh.rollups[bs].Flush()
	}
}
