package coinbase

import (
	"fmt"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	payload1  = []byte(`{"channel":"market_trades","client_id":"","timestamp":"2023-02-09T20:19:35.39625135Z","sequence_num":0,"events":[{"type":"snapshot","trades":[{"trade_id":"000000000","product_id":"ETH-USD","price":"1260.01","size":"0.3","side":"BUY","time":"2019-08-14T20:42:27.265Z"}]}]}`)
	payload50 = []byte(makeMarketTradesPayload(50))
)

func makeMarketTradesPayload(n int) string {
	var b strings.Builder
	b.Grow(256 + n*160)
	b.WriteString(`{"channel":"market_trades","client_id":"","timestamp":"2023-02-09T20:19:35.39625135Z","sequence_num":0,"events":[{"type":"update","trades":[`)
	for i := 0; i < n; i++ {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, `{"trade_id":"%09d","product_id":"ETH-USD","price":"1260.%02d","size":"0.%d","side":"BUY","time":"2019-08-14T20:42:27.265Z"}`, i, i%100, (i%9)+1)
	}
	b.WriteString(`]}]}`)
	return b.String()
}

func TestParseMarketTrades(t *testing.T) {
	trades, err := ParseMarketTrades(payload1)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, "ETH-USD", trades[0].Symbol)
	assert.True(t, trades[0].Price.Equal(decimal.RequireFromString("1260.01")))
	assert.True(t, trades[0].Size.Equal(decimal.RequireFromString("0.3")))
	assert.Equal(t, int64(1565815347265), trades[0].TsMs)

	trades, err = ParseMarketTrades(payload50)
	require.NoError(t, err)
	assert.Len(t, trades, 50)
}

func TestParseMarketTrades_SkipsBadRows(t *testing.T) {
	msg := []byte(`{"channel":"market_trades","events":[{"type":"update","trades":[
		{"trade_id":"1","product_id":"ETHUSD","price":"1","size":"1","time":"2019-08-14T20:42:27Z"},
		{"trade_id":"2","product_id":"ETH-USD","price":"x","size":"1","time":"2019-08-14T20:42:27Z"},
		{"trade_id":"3","product_id":"ETH-USD","price":"1","size":"1","time":"yesterday"},
		{"trade_id":"4","product_id":"ETH-USD","price":"2","size":"1","time":"2019-08-14T20:42:27Z"}]}]}`)
	trades, err := ParseMarketTrades(msg)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, "4", trades[0].ID)
}

func TestParseMarketTrades_OtherChannels(t *testing.T) {
	_, err := ParseMarketTrades([]byte(`{"channel":"heartbeats","events":[]}`))
	assert.ErrorIs(t, err, errNotTrades)

	_, err = ParseMarketTrades([]byte(`{"channel":`))
	assert.Error(t, err)
}

func BenchmarkParse_1Trade(b *testing.B)   { benchParse(b, payload1) }
func BenchmarkParse_50Trades(b *testing.B) { benchParse(b, payload50) }

func benchParse(b *testing.B, payload []byte) {
	b.ReportAllocs()
	b.SetBytes(int64(len(payload)))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := ParseMarketTrades(payload); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkParse_50Trades_Parallel(b *testing.B) {
	b.ReportAllocs()
	b.SetBytes(int64(len(payload50)))
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			if _, err := ParseMarketTrades(payload50); err != nil {
				b.Fatal(err)
			}
		}
	})
}
