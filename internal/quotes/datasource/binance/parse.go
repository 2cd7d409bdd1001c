package binance

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/segmentio/encoding/json"
	"quotehub.com/internal/quotes/kline"
)

var errNotAggTrade = errors.New("not aggTrade")

type bnCombined struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type bnAggTrade struct {
	EventType string `json:"e"`
	Symbol    string `json:"s"`
	AggID     int64  `json:"a"`
	Price     string `json:"p"`
	Qty       string `json:"q"`
	TradeTime int64  `json:"T"`
	M         bool   `json:"m"`
}

// ParseAggTradeCombined 解析 /stream 组合流里的 aggTrade，symbol 归一成 BASE-QUOTE。
// 订阅回执等其它消息返回 errNotAggTrade
func ParseAggTradeCombined(b []byte) (kline.Trade, error) {
	var wrap bnCombined
	if err := json.Unmarshal(b, &wrap); err != nil {
		return kline.Trade{}, err
	}
	if len(wrap.Data) == 0 {
		return kline.Trade{}, errNotAggTrade
	}
	var a bnAggTrade
	if err := json.Unmarshal(wrap.Data, &a); err != nil {
		return kline.Trade{}, err
	}
	if a.EventType != "aggTrade" {
		return kline.Trade{}, errNotAggTrade
	}

	base, quote, ok := splitSymbol(a.Symbol)
	if !ok {
		return kline.Trade{}, errors.New("cannot split symbol: " + a.Symbol)
	}
	return kline.ParseTrade(base+"-"+quote, a.Price, a.Qty, time.UnixMilli(a.TradeTime), strconv.FormatInt(a.AggID, 10))
}

// 长的报价币在前，USDT 要先于 USD 类前缀匹配
var quoteAssets = []string{
	"FDUSD", "USDT", "USDC", "BUSD", "TUSD",
	"BTC", "ETH", "BNB",
	"EUR", "GBP", "TRY", "JPY", "AUD", "BRL",
}

func splitSymbol(sym string) (base, quote string, ok bool) {
	s := strings.ToUpper(sym)
	for _, q := range quoteAssets {
		if strings.HasSuffix(s, q) && len(s) > len(q) {
			return s[:len(s)-len(q)], q, true
		}
	}
	return "", "", false
}

// streamName BTC-USDT -> btcusdt@aggTrade
func streamName(symbol string) (string, bool) {
	base, quote, ok := strings.Cut(symbol, "-")
	if !ok || base == "" || quote == "" || strings.Contains(quote, "-") {
		return "", false
	}
	return strings.ToLower(base+quote) + "@aggTrade", true
}
