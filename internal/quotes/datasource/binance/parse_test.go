package binance

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAggTradeCombined(t *testing.T) {
	msg := []byte(`{"stream":"btcusdt@aggTrade","data":{"e":"aggTrade","E":1704207600123,"s":"BTCUSDT","a":26129,"p":"42000.10","q":"0.015","f":100,"l":105,"T":1704207600100,"m":true}}`)
	tr, err := ParseAggTradeCombined(msg)
	require.NoError(t, err)
	assert.Equal(t, "BTC-USDT", tr.Symbol)
	assert.Equal(t, "42000.1", tr.Price.String())
	assert.Equal(t, "0.015", tr.Size.String())
	assert.Equal(t, int64(1704207600100), tr.TsMs)
	assert.Equal(t, "26129", tr.ID)
}

func TestParseAggTradeCombined_Other(t *testing.T) {
	_, err := ParseAggTradeCombined([]byte(`{"result":null,"id":1}`))
	assert.True(t, errors.Is(err, errNotAggTrade))

	_, err = ParseAggTradeCombined([]byte(`{"stream":"x","data":{"e":"trade","s":"BTCUSDT"}}`))
	assert.True(t, errors.Is(err, errNotAggTrade))

	_, err = ParseAggTradeCombined([]byte(`{"stream":"x","data":{"e":"aggTrade","s":"XYZ","p":"1","q":"1"}}`))
	assert.Error(t, err)
}

func TestStreamName(t *testing.T) {
	s, ok := streamName("ETH-USDC")
	assert.True(t, ok)
	assert.Equal(t, "ethusdc@aggTrade", s)

	_, ok = streamName("ETHUSDC")
	assert.False(t, ok)
	_, ok = streamName("A-B-C")
	assert.False(t, ok)
}
