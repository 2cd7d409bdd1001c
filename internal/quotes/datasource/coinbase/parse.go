package coinbase

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/encoding/json"
	"quotehub.com/internal/quotes/kline"
)

var errNotTrades = errors.New("not market_trades")

type marketTradesMsg struct {
	Channel string `json:"channel"`
	Events  []struct {
		Type   string `json:"type"`
		Trades []struct {
			TradeID   string `json:"trade_id"`
			ProductID string `json:"product_id"`
			Price     string `json:"price"`
			Size      string `json:"size"`
			Side      string `json:"side"`
			Time      string `json:"time"`
		} `json:"trades"`
	} `json:"events"`
}

var msgPool = sync.Pool{
	New: func() any { return &marketTradesMsg{} },
}

// ParseMarketTrades 解析 market_trades 频道消息。其它频道返回 errNotTrades，
// 单条成交格式不对时跳过这一条。
func ParseMarketTrades(b []byte) ([]kline.Trade, error) {
	msg := msgPool.Get().(*marketTradesMsg)
	*msg = marketTradesMsg{}
	defer msgPool.Put(msg)

	if err := json.Unmarshal(b, msg); err != nil {
		return nil, err
	}
	if msg.Channel != "market_trades" {
		return nil, errNotTrades
	}

	out := make([]kline.Trade, 0, 16)
	for _, ev := range msg.Events {
		for _, t := range ev.Trades {
			if !validProduct(t.ProductID) {
				continue
			}
			ts, err := time.Parse(time.RFC3339Nano, t.Time)
			if err != nil {
				continue
			}
			tr, err := kline.ParseTrade(t.ProductID, t.Price, t.Size, ts, t.TradeID)
			if err != nil {
				continue
			}
			out = append(out, tr)
		}
	}
	return out, nil
}

// validProduct BASE-QUOTE
func validProduct(productID string) bool {
	base, quote, ok := strings.Cut(productID, "-")
	return ok && base != "" && quote != "" && !strings.Contains(quote, "-")
}
