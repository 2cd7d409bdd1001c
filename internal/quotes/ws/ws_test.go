package ws

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/segmentio/encoding/json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"quotehub.com/internal/quotes/gateway"
	"golang.org/x/time/rate"
	"quotehub.com/internal/quotes/model"
	"quotehub.com/pkg/ratelimit"
)

type harness struct {
	bus    *gateway.MemBroker
	hub    *Hub
	bridge *Bridge
	pub    *gateway.Publisher
	url    string
}

func newHarness(t *testing.T, opts ...func(*Server)) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{bus: gateway.NewMemBroker(), hub: NewHub()}
	h.bridge = NewBridge(ctx, h.hub, h.bus)
	h.pub = gateway.NewPublisher(h.bus)
	server := NewServer(ctx, h.hub)
	for _, o := range opts {
		o(server)
	}
	srv := httptest.NewServer(server)
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	h.url = "ws" + strings.TrimPrefix(srv.URL, "http")
	return h
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func send(t *testing.T, c *websocket.Conn, typ string, topics ...string) {
	t.Helper()
	b, err := json.Marshal(ClientMsg{Type: typ, Topics: topics})
	require.NoError(t, err)
	require.NoError(t, c.WriteMessage(websocket.TextMessage, b))
}

// readLines 一帧可能带多条，按换行拆开
func readLines(t *testing.T, c *websocket.Conn) []string {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := c.ReadMessage()
	require.NoError(t, err)
	return strings.Split(string(msg), "\n")
}

func readAck(t *testing.T, c *websocket.Conn) AckMsg {
	t.Helper()
	for _, line := range readLines(t, c) {
		var ack AckMsg
		if json.Unmarshal([]byte(line), &ack) == nil && ack.Type == "ack" {
			return ack
		}
	}
	t.Fatal("no ack")
	return AckMsg{}
}

func bar(px float64) model.DataEvent {
	return model.DataEvent{
		Source: "sim", Symbol: "SPY", InstrumentID: 10, BarSize: model.OneMinute,
		Time: time.UnixMilli(1704207600000).UTC(), Open: 470, High: 471, Low: 469, Close: px, Volume: 5,
	}
}

func TestStream_SubscribeReceivesBars(t *testing.T) {
	h := newHarness(t)
	c := dial(t, h.url)

	send(t, c, "sub", "rt:SPY:1m", "kline:1m:BTC")
	ack := readAck(t, c)
	assert.Equal(t, "sub", ack.Op)
	assert.Equal(t, []string{"kline:1m:BTC"}, ack.Rejected)
	assert.Equal(t, 1, h.bridge.Topics())
	assert.Equal(t, 1, h.bus.Subscribers("rt:SPY:1m"))

	h.pub.RealTimeDataArrived(bar(470.5))

	var env gateway.Envelope
	found := false
	for i := 0; i < 3 && !found; i++ {
		for _, line := range readLines(t, c) {
			if json.Unmarshal([]byte(line), &env) == nil && env.Type == gateway.TypeBar {
				found = true
				break
			}
		}
	}
	require.True(t, found)
	assert.Equal(t, "rt:SPY:1m", env.Topic)
	var b gateway.Bar
	require.NoError(t, json.Unmarshal(env.Data, &b))
	assert.Equal(t, 470.5, b.Close)
}

func TestStream_LateJoinerGetsSnapshot(t *testing.T) {
	h := newHarness(t)
	first := dial(t, h.url)
	send(t, first, "sub", "rt:SPY:1m")
	readAck(t, first)

	h.pub.RealTimeDataArrived(bar(471))
	require.Eventually(t, func() bool {
		h.hub.mu.RLock()
		defer h.hub.mu.RUnlock()
		return h.hub.last["rt:SPY:1m"] != nil
	}, 2*time.Second, 5*time.Millisecond)

	late := dial(t, h.url)
	send(t, late, "sub", "rt:SPY:1m")
	found := false
	for i := 0; i < 3 && !found; i++ {
		for _, line := range readLines(t, late) {
			var env gateway.Envelope
			if json.Unmarshal([]byte(line), &env) == nil && env.Type == gateway.TypeBar {
				found = true
			}
		}
	}
	assert.True(t, found)
}

func TestStream_UnsubscribeReleasesBus(t *testing.T) {
	h := newHarness(t)
	c := dial(t, h.url)
	send(t, c, "sub", "rt:SPY:1m")
	readAck(t, c)

	send(t, c, "unsub", "rt:SPY:1m")
	assert.Equal(t, "unsub", readAck(t, c).Op)
	assert.Equal(t, 0, h.bridge.Topics())
	require.Eventually(t, func() bool { return h.bus.Subscribers("rt:SPY:1m") == 0 }, time.Second, 5*time.Millisecond)
}

func TestStream_DisconnectReleasesBus(t *testing.T) {
	h := newHarness(t)
	c := dial(t, h.url)
	send(t, c, "sub", "rt:errors")
	readAck(t, c)
	require.NoError(t, c.Close())

	require.Eventually(t, func() bool { return h.hub.Subscribers("rt:errors") == 0 && h.bridge.Topics() == 0 },
		2*time.Second, 5*time.Millisecond)
}

func TestFlushLatest_KeepsOnlyNewestPerTopic(t *testing.T) {
	c := NewConn(NewHub(), nil)
	c.Offer("rt:a:1m", []byte("1"))
	c.Offer("rt:b:1m", []byte("2"))
	c.Offer("rt:a:1m", []byte("3"))

	got := c.flushLatest(1)
	assert.Equal(t, [][]byte{[]byte("3")}, got)
	got = c.flushLatest(10)
	assert.Equal(t, [][]byte{[]byte("2")}, got)
	assert.Nil(t, c.flushLatest(10))
}

func TestValidTopic(t *testing.T) {
	assert.True(t, validTopic("rt:SPY:1m"))
	assert.True(t, validTopic("rt:errors"))
	assert.False(t, validTopic("rt:"))
	assert.False(t, validTopic("rt:>"))
	assert.False(t, validTopic("kline:1m:BTC"))
}

func TestStream_ControlRateLimited(t *testing.T) {
	h := newHarness(t, func(s *Server) {
		s.Ops = ratelimit.NewStore(rate.Every(time.Hour), 1, time.Minute)
	})
	c := dial(t, h.url)

	send(t, c, "sub", "rt:SPY:1m")
	ack := readAck(t, c)
	assert.Empty(t, ack.Error)

	send(t, c, "sub", "rt:QQQ:1m")
	ack = readAck(t, c)
	assert.Equal(t, errRateLimited, ack.Error)
	assert.Equal(t, []string{"rt:QQQ:1m"}, ack.Rejected)
	assert.Zero(t, h.bus.Subscribers("rt:QQQ:1m"))
	assert.Equal(t, 1, h.bridge.Topics())
}
