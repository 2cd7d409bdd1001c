package kline

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"quotehub.com/internal/quotes/model"
)

// TradeAgg 每个 symbol 维护正在构建的 bar。
// 水位线 = 最新成交时间 - 乱序窗口，EndMs 不晚于水位线的 bar 按时间顺序输出；
// 比水位线还早的成交丢弃。
type TradeAgg struct {
	barSize         model.BarSize
	intervalMs      int64
	offsetMs        int64
	reorderWindowMs int64

	sym  map[string]*symState
	emit func(Bar)

	lateDrops int64
}

type symState struct {
	latestTsMs int64
	// bars: bucketStart -> bar
	bars map[int64]*Bar

	lastEmittedStartMs int64
	hasEmitted         bool
}

func NewTradeAgg(bs model.BarSize, tzOffset, reorderWindow time.Duration, emit func(Bar)) *TradeAgg {
	return &TradeAgg{
		barSize:         bs,
		intervalMs:      bs.Duration().Milliseconds(),
		offsetMs:        tzOffset.Milliseconds(),
		reorderWindowMs: reorderWindow.Milliseconds(),
		sym:             make(map[string]*symState, 64),
		emit:            emit,
	}
}

// LateDrops 因乱序丢弃的成交数
func (a *TradeAgg) LateDrops() int64 { return a.lateDrops }

func (a *TradeAgg) OfferTrade(t Trade) {
	st := a.sym[t.Symbol]
	if st == nil {
		st = &symState{bars: make(map[int64]*Bar, 4)}
		a.sym[t.Symbol] = st
	}
	if t.TsMs > st.latestTsMs {
		st.latestTsMs = t.TsMs
	}
	watermark := st.latestTsMs - a.reorderWindowMs

	bs := bucketStartMs(t.TsMs, a.intervalMs, a.offsetMs)
	if (a.reorderWindowMs > 0 && t.TsMs < watermark) || (st.hasEmitted && bs <= st.lastEmittedStartMs) {
		a.lateDrops++
		a.emitReady(st, watermark)
		return
	}

	if b := st.bars[bs]; b == nil {
		st.bars[bs] = newBar(t.Symbol, a.barSize, bs, a.intervalMs, t.Price, t.Price, t.Price, t.Price, t.Size, 1)
	} else {
		if t.Price.GreaterThan(b.High) {
			b.High = t.Price
		}
		if t.Price.LessThan(b.Low) {
			b.Low = t.Price
		}
		b.Close = t.Price
		b.Volume = b.Volume.Add(t.Size)
		b.Count++
	}
	a.emitReady(st, watermark)
}

func (a *TradeAgg) emitReady(st *symState, watermarkMs int64) {
	ready := make([]int64, 0, 4)
	for start, b := range st.bars {
		if b.EndMs <= watermarkMs {
			ready = append(ready, start)
		}
	}
	a.emitStarts(st, ready)
}

func (a *TradeAgg) emitStarts(st *symState, starts []int64) {
	sort.Slice(starts, func(i, j int) bool { return starts[i] < starts[j] })
	for _, start := range starts {
		b := st.bars[start]
		delete(st.bars, start)
		if b == nil || b.Count == 0 {
			continue
		}
		a.emit(*b)
		st.lastEmittedStartMs = start
		st.hasEmitted = true
	}
}

// Flush 输出所有未关闭的 bar
func (a *TradeAgg) Flush() {
	for _, st := range a.sym {
		starts := make([]int64, 0, len(st.bars))
		for start := range st.bars {
			starts = append(starts, start)
		}
		a.emitStarts(st, starts)
	}
}

// Forget 清掉某个 symbol 的状态（退订后）
func (a *TradeAgg) Forget(symbol string) { delete(a.sym, symbol) }

// RollupAgg 低周期 bar 合成高周期 bar：
// Open 取第一个子 bar，Close 取最后一个，High/Low 取极值，Volume 累加。
// 子 bar 进入新的桶时输出旧桶。fillGaps 时中间缺的桶用上一根的 Close 补平。
type RollupAgg struct {
	barSize    model.BarSize
	intervalMs int64
	offsetMs   int64
	cur        map[string]*Bar
	emit       func(Bar)
	fillGaps   bool
}

func NewRollupAgg(bs model.BarSize, tzOffset time.Duration, fillGaps bool, emit func(Bar)) *RollupAgg {
	return &RollupAgg{
		barSize:    bs,
		intervalMs: bs.Duration().Milliseconds(),
		offsetMs:   tzOffset.Milliseconds(),
		cur:        make(map[string]*Bar, 64),
		emit:       emit,
		fillGaps:   fillGaps,
	}
}

func (a *RollupAgg) OfferBar(child Bar) {
	bs := bucketStartMs(child.StartMs, a.intervalMs, a.offsetMs)

	cb := a.cur[child.Symbol]
	if cb == nil {
		a.cur[child.Symbol] = a.fromChild(child, bs)
		return
	}
	switch {
	case bs > cb.StartMs:
		a.emit(*cb)
		if a.fillGaps {
			last := cb.Close
			for next := cb.StartMs + a.intervalMs; next < bs; next += a.intervalMs {
				a.emit(*newBar(child.Symbol, a.barSize, next, a.intervalMs, last, last, last, last, decimal.Zero, 0))
			}
		}
		*cb = *a.fromChild(child, bs)
	case bs < cb.StartMs:
		// 乱序子 bar 丢弃
	default:
		if child.High.GreaterThan(cb.High) {
			cb.High = child.High
		}
		if child.Low.LessThan(cb.Low) {
			cb.Low = child.Low
		}
		cb.Close = child.Close
		cb.Volume = cb.Volume.Add(child.Volume)
		cb.Count++
	}
}

func (a *RollupAgg) fromChild(child Bar, start int64) *Bar {
	return newBar(child.Symbol, a.barSize, start, a.intervalMs,
		child.Open, child.High, child.Low, child.Close, child.Volume, 1)
}

// Flush 输出所有正在构建的 bar
func (a *RollupAgg) Flush() {
	for sym, cb := range a.cur {
		if cb.Count > 0 {
			a.emit(*cb)
		}
		delete(a.cur, sym)
	}
}

func (a *RollupAgg) Forget(symbol string) { delete(a.cur, symbol) }
