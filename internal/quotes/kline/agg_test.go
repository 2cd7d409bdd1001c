package kline

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"quotehub.com/internal/quotes/model"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func trade(symbol, price, size string, tsMs int64) Trade {
	return Trade{Symbol: symbol, Price: d(price), Size: d(size), TsMs: tsMs}
}

func TestKline_BucketStartMs(t *testing.T) {
	intervalMs := int64((1 * time.Hour) / time.Millisecond)
	offsetMs := int64((30 * time.Minute) / time.Millisecond)

	t.Run("offset_alignment", func(t *testing.T) {
		// ts=0，按 +30min 对齐，桶起点是 -30min
		if got := bucketStartMs(0, intervalMs, offsetMs); got != -offsetMs {
			t.Fatalf("want=%d got=%d", -offsetMs, got)
		}
	})

	t.Run("next_bucket", func(t *testing.T) {
		ts := int64((31 * time.Minute) / time.Millisecond)
		want := int64((30 * time.Minute) / time.Millisecond)
		if got := bucketStartMs(ts, intervalMs, offsetMs); got != want {
			t.Fatalf("want=%d got=%d", want, got)
		}
	})

	t.Run("negative_ts", func(t *testing.T) {
		if got := bucketStartMs(-1, 1000, 0); got != -1000 {
			t.Fatalf("want=-1000 got=%d", got)
		}
	})
}

func TestKline_ParseTrade(t *testing.T) {
	tr, err := ParseTrade("BTC-USD", "43012.015", "0.00012", time.UnixMilli(1_000), "t1")
	if err != nil {
		t.Fatalf("ParseTrade: %v", err)
	}
	if !tr.Price.Equal(d("43012.015")) || tr.TsMs != 1_000 {
		t.Fatalf("unexpected trade %+v", tr)
	}
	if _, err := ParseTrade("BTC-USD", "abc", "1", time.Now(), ""); err == nil {
		t.Fatalf("want error for bad price")
	}
}

func TestKline_TradeAgg_SameBucket(t *testing.T) {
	var out []Bar
	agg := NewTradeAgg(model.OneSecond, 0, 0, func(b Bar) { out = append(out, b) })

	agg.OfferTrade(trade("BTC-USD", "100.1", "0.5", 1_000))
	agg.OfferTrade(trade("BTC-USD", "101.3", "0.25", 1_200))
	agg.OfferTrade(trade("BTC-USD", "99.7", "1", 1_900))
	if len(out) != 0 {
		t.Fatalf("bar emitted before bucket closed: %v", out)
	}

	// 下一秒的成交把水位线推过 [1000,2000)
	agg.OfferTrade(trade("BTC-USD", "100", "1", 2_000))
	if len(out) != 1 {
		t.Fatalf("want 1 bar got %d", len(out))
	}
	b := out[0]
	if !b.Open.Equal(d("100.1")) || !b.High.Equal(d("101.3")) || !b.Low.Equal(d("99.7")) || !b.Close.Equal(d("99.7")) {
		t.Fatalf("bad OHLC: %s", b)
	}
	if !b.Volume.Equal(d("1.75")) || b.Count != 3 {
		t.Fatalf("bad volume/count: %s", b)
	}
	if b.StartMs != 1_000 || b.EndMs != 2_000 || b.BarSize != model.OneSecond {
		t.Fatalf("bad window: %s", b)
	}
}

func TestKline_TradeAgg_ReorderWindow(t *testing.T) {
	var out []Bar
	agg := NewTradeAgg(model.OneSecond, 0, 2*time.Second, func(b Bar) { out = append(out, b) })

	agg.OfferTrade(trade("ETH-USD", "10", "1", 1_100))
	agg.OfferTrade(trade("ETH-USD", "11", "1", 2_100))
	// 窗口内的乱序成交仍然进入 [1000,2000)
	agg.OfferTrade(trade("ETH-USD", "12", "1", 1_900))
	if len(out) != 0 {
		t.Fatalf("emitted too early: %v", out)
	}

	agg.OfferTrade(trade("ETH-USD", "13", "1", 4_000))
	if len(out) != 1 {
		t.Fatalf("want 1 bar got %d", len(out))
	}
	if !out[0].High.Equal(d("12")) || out[0].Count != 2 {
		t.Fatalf("late trade not merged: %s", out[0])
	}

	// 水位线之前的成交丢弃
	agg.OfferTrade(trade("ETH-USD", "1", "1", 1_500))
	if agg.LateDrops() != 1 {
		t.Fatalf("want 1 late drop got %d", agg.LateDrops())
	}
}

func TestKline_TradeAgg_Flush(t *testing.T) {
	var out []Bar
	agg := NewTradeAgg(model.OneSecond, 0, 0, func(b Bar) { out = append(out, b) })
	agg.OfferTrade(trade("BTC-USD", "1", "1", 5_000))
	agg.OfferTrade(trade("ETH-USD", "2", "1", 5_000))
	agg.Flush()
	if len(out) != 2 {
		t.Fatalf("want 2 bars got %d", len(out))
	}
}

func TestKline_RollupAgg_GapFill(t *testing.T) {
	var out []Bar
	agg := NewRollupAgg(model.FiveSeconds, 0, true, func(b Bar) { out = append(out, b) })
	child := func(startMs int64, o, h, l, c, v string) Bar {
		return Bar{Symbol: "BTC-USD", BarSize: model.OneSecond, StartMs: startMs, EndMs: startMs + 1000,
			Open: d(o), High: d(h), Low: d(l), Close: d(c), Volume: d(v), Count: 1}
	}

	agg.OfferBar(child(0, "10", "12", "9", "11", "1"))
	agg.OfferBar(child(1_000, "11", "15", "10", "14", "2"))
	// 跳过 [5000,10000)
	agg.OfferBar(child(10_000, "20", "20", "20", "20", "1"))

	if len(out) != 2 {
		t.Fatalf("want 2 bars got %d: %v", len(out), out)
	}
	first := out[0]
	if !first.Open.Equal(d("10")) || !first.High.Equal(d("15")) || !first.Low.Equal(d("9")) || !first.Close.Equal(d("14")) {
		t.Fatalf("bad rollup: %s", first)
	}
	if !first.Volume.Equal(d("3")) || first.Count != 2 || first.BarSize != model.FiveSeconds {
		t.Fatalf("bad rollup volume: %s", first)
	}
	gap := out[1]
	if gap.StartMs != 5_000 || gap.Count != 0 || !gap.Close.Equal(d("14")) || !gap.Volume.IsZero() {
		t.Fatalf("bad gap bar: %s", gap)
	}
}

func TestKline_BarEvent(t *testing.T) {
	b := Bar{Symbol: "BTC-USD", BarSize: model.OneMinute, StartMs: 60_000,
		Open: d("1.5"), High: d("2.25"), Low: d("1"), Close: d("2"), Volume: d("3.9")}
	ev := b.Event("coinbase")
	if ev.Source != "coinbase" || ev.Symbol != "BTC-USD" || ev.BarSize != model.OneMinute {
		t.Fatalf("bad identity: %+v", ev)
	}
	if ev.High != 2.25 || ev.Volume != 3 || ev.EpochMillis() != 60_000 {
		t.Fatalf("bad values: %+v", ev)
	}
}
