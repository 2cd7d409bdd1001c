package kline

import (
	"context"
	"testing"
	"time"

	"quotehub.com/internal/quotes/model"
)

func collectAll(t *testing.T, ch <-chan Bar, timeout time.Duration) []Bar {
	t.Helper()
	var out []Bar
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case b, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, b)
		case <-timer.C:
			t.Fatalf("timeout collecting bars, collected=%d", len(out))
		}
	}
}

func filterBars(bars []Bar, bs model.BarSize, symbol string) []Bar {
	var out []Bar
	for _, b := range bars {
		if b.BarSize == bs && b.Symbol == symbol {
			out = append(out, b)
		}
	}
	return out
}

func TestShardedAggregator_OnlyWatchedSizes(t *testing.T) {
	a, err := NewShardedAggregator(ShardedAggConfig{Shards: 4, InboxSize: 64})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.Run(ctx)

	a.Watch("BTC-USD", model.FiveSeconds)
	a.Watch("BTC-USD", model.Tick)
	for i := int64(0); i < 12; i++ {
		a.OfferTrade(trade("BTC-USD", "100", "1", i*1000))
		a.OfferTrade(trade("ETH-USD", "10", "1", i*1000))
	}

	// 等分片处理完再取消，ctx 取消时还会 flush
	time.Sleep(50 * time.Millisecond)
	cancel()
	go a.Close()
	bars := collectAll(t, a.Out(), 2*time.Second)

	if n := len(filterBars(bars, model.Tick, "BTC-USD")); n != 12 {
		t.Fatalf("want 12 ticks got %d", n)
	}
	five := filterBars(bars, model.FiveSeconds, "BTC-USD")
	if len(five) != 3 {
		t.Fatalf("want 3 five-second bars got %d", len(five))
	}
	if !five[0].Volume.Equal(d("5")) || five[0].StartMs != 0 {
		t.Fatalf("bad first bar: %s", five[0])
	}
	if n := len(filterBars(bars, model.OneSecond, "BTC-USD")); n != 0 {
		t.Fatalf("1s bars not watched, got %d", n)
	}
	for _, b := range bars {
		if b.Symbol == "ETH-USD" {
			t.Fatalf("unwatched symbol emitted: %s", b)
		}
	}
}

func TestShardedAggregator_Unwatch(t *testing.T) {
	a, err := NewShardedAggregator(ShardedAggConfig{Shards: 1, InboxSize: 64})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.Run(ctx)

	a.Watch("BTC-USD", model.OneSecond)
	a.OfferTrade(trade("BTC-USD", "100", "1", 0))
	a.OfferTrade(trade("BTC-USD", "100", "1", 1000))
	a.Unwatch("BTC-USD", model.OneSecond)
	a.OfferTrade(trade("BTC-USD", "100", "1", 2000))
	a.OfferTrade(trade("BTC-USD", "100", "1", 3000))

	time.Sleep(50 * time.Millisecond)
	cancel()
	go a.Close()
	bars := collectAll(t, a.Out(), 2*time.Second)

	if len(bars) != 1 || bars[0].StartMs != 0 {
		t.Fatalf("want only the first second bar, got %v", bars)
	}
}

func TestShardedAggregator_InvalidConfig(t *testing.T) {
	if _, err := NewShardedAggregator(ShardedAggConfig{}); err == nil {
		t.Fatal("want error for zero shards")
	}
}
