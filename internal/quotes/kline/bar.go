// Package kline 把逐笔成交聚合成 bar：1s 用成交直接聚合，更大周期由 1s bar 向上合成。
package kline

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"quotehub.com/internal/quotes/model"
)

// Trade 聚合器的输入，价格和数量保持交易所给的十进制精度
type Trade struct {
	Symbol string
	Price  decimal.Decimal
	Size   decimal.Decimal
	TsMs   int64
	ID     string
}

// ParseTrade 交易所的十进制字符串转 Trade
func ParseTrade(symbol, price, size string, ts time.Time, id string) (Trade, error) {
	p, err := decimal.NewFromString(price)
	if err != nil {
		return Trade{}, fmt.Errorf("price %q: %w", price, err)
	}
	s, err := decimal.NewFromString(size)
	if err != nil {
		return Trade{}, fmt.Errorf("size %q: %w", size, err)
	}
	return Trade{Symbol: symbol, Price: p, Size: s, TsMs: ts.UnixMilli(), ID: id}, nil
}

// Bar OHLCV，覆盖 [StartMs, EndMs)。
// Count：TradeAgg 里是成交笔数，RollupAgg 里是合并的子 bar 数，补出来的空 bar 为 0
type Bar struct {
	Symbol  string
	BarSize model.BarSize
	StartMs int64
	EndMs   int64

	Open  decimal.Decimal
	High  decimal.Decimal
	Low   decimal.Decimal
	Close decimal.Decimal

	Volume decimal.Decimal
	Count  int64
}

func (b Bar) String() string {
	return fmt.Sprintf("%s %s [%d,%d) O=%s H=%s L=%s C=%s V=%s n=%d",
		b.Symbol, b.BarSize, b.StartMs, b.EndMs,
		b.Open, b.High, b.Low, b.Close, b.Volume, b.Count)
}

// Event 转成对外的 DataEvent。成交量按整数上报，不足 1 的部分舍去
func (b Bar) Event(source string) model.DataEvent {
	return model.DataEvent{
		Source:  source,
		Symbol:  b.Symbol,
		BarSize: b.BarSize,
		Time:    time.UnixMilli(b.StartMs).UTC(),
		Open:    b.Open.InexactFloat64(),
		High:    b.High.InexactFloat64(),
		Low:     b.Low.InexactFloat64(),
		Close:   b.Close.InexactFloat64(),
		Volume:  b.Volume.IntPart(),
	}
}

func newBar(symbol string, bs model.BarSize, start, intervalMs int64, o, h, l, c, v decimal.Decimal, n int64) *Bar {
	return &Bar{
		Symbol:  symbol,
		BarSize: bs,
		StartMs: start,
		EndMs:   start + intervalMs,
		Open:    o,
		High:    h,
		Low:     l,
		Close:   c,
		Volume:  v,
		Count:   n,
	}
}

// bucketStartMs offsetMs 用于按时区对齐（日线从本地 00:00 开始）
// 公式：((ts+off)/interval)*interval - off
func bucketStartMs(tsMs, intervalMs, offsetMs int64) int64 {
	x := tsMs + offsetMs
	start := (x/intervalMs)*intervalMs - offsetMs
	if x < 0 && x%intervalMs != 0 {
		start -= intervalMs
	}
	return start
}
