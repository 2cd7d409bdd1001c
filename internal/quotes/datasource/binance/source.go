// Package binance Binance 现货组合流适配器：按需 SUBSCRIBE aggTrade，本地聚合成 bar。
// Instrument.Symbol 用 BASE-QUOTE（BTC-USDT），和 coinbase 保持一致。
package binance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/segmentio/encoding/json"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"quotehub.com/internal/quotes/datasource"
	"quotehub.com/internal/quotes/kline"
	"quotehub.com/internal/quotes/model"
	"quotehub.com/pkg/logger"
	"quotehub.com/pkg/ratelimit"
	"quotehub.com/pkg/safe"
)

const DefaultURL = "wss://stream.binance.com:9443/stream"

var ErrNotConnected = errors.New("binance: not connected")

type Config struct {
	Name      string        `yaml:"name" mapstructure:"name"`
	URL       string        `yaml:"url" mapstructure:"url"`
	ReadLimit int64         `yaml:"read_limit" mapstructure:"read_limit"`
	PongWait  time.Duration `yaml:"pong_wait" mapstructure:"pong_wait"`
	WriteWait time.Duration `yaml:"write_wait" mapstructure:"write_wait"`

	// 交易所限制每秒 5 条入站消息
	ControlPerSecond float64 `yaml:"control_per_second" mapstructure:"control_per_second"`
	ControlBurst     int     `yaml:"control_burst" mapstructure:"control_burst"`

	Shards        int           `yaml:"shards" mapstructure:"shards"`
	ReorderWindow time.Duration `yaml:"reorder_window" mapstructure:"reorder_window"`
	FillGaps      bool          `yaml:"fill_gaps" mapstructure:"fill_gaps"`
}

func (c *Config) setDefaults() {
	if c.Name == "" {
		c.Name = "binance"
	}
	if c.URL == "" {
		c.URL = DefaultURL
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = 1 << 20
	}
	// 服务端每 3 分钟 ping 一次，10 分钟没 pong 断开
	if c.PongWait <= 0 {
		c.PongWait = 10 * time.Minute
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 2 * time.Second
	}
	if c.ControlPerSecond <= 0 {
		c.ControlPerSecond = 4
	}
	if c.ControlBurst <= 0 {
		c.ControlBurst = 4
	}
	if c.Shards <= 0 {
		c.Shards = 4
	}
}

type controlMsg struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     uint64   `json:"id"`
}

type Source struct {
	cfg     Config
	dialer  *websocket.Dialer
	limiter *rate.Limiter
	breaker *ratelimit.Manager
	nextID  atomic.Uint64

	mu        sync.Mutex
	listener  datasource.Listener
	conn      *websocket.Conn
	connected bool
	stopConn  context.CancelFunc
	// want symbol -> bar sizes，重连后整体重新订阅
	want map[string]map[model.BarSize]bool

	agg     *kline.ShardedAggregator
	stopAgg context.CancelFunc

	wmu sync.Mutex
}

var _ datasource.Source = (*Source)(nil)

// New breaker 可以为 nil
func New(cfg Config, breaker *ratelimit.Manager) *Source {
	cfg.setDefaults()
	return &Source{
		cfg:      cfg,
		dialer:   websocket.DefaultDialer,
		limiter:  rate.NewLimiter(rate.Limit(cfg.ControlPerSecond), cfg.ControlBurst),
		breaker:  breaker,
		listener: datasource.NopListener{},
		want:     make(map[string]map[model.BarSize]bool, 16),
	}
}

func (s *Source) Name() string { return s.cfg.Name }

func (s *Source) SetListener(l datasource.Listener) {
	s.mu.Lock()
	s.listener = l
	s.mu.Unlock()
}

func (s *Source) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *Source) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.connected {
		s.mu.Unlock()
		return nil
	}
	if s.agg == nil {
		agg, err := kline.NewShardedAggregator(kline.ShardedAggConfig{
			Shards:        s.cfg.Shards,
			ReorderWindow: s.cfg.ReorderWindow,
			FillGaps:      s.cfg.FillGaps,
			DropWhenFull:  true,
		})
		if err != nil {
			s.mu.Unlock()
			return err
		}
		aggCtx, cancel := context.WithCancel(context.Background())
		agg.Run(aggCtx)
		safe.Go("binance.bars", func() { s.pump(agg) })
		for sym, sizes := range s.want {
			for bs := range sizes {
				agg.Watch(sym, bs)
			}
		}
		s.agg, s.stopAgg = agg, cancel
	}
	s.mu.Unlock()

	c, _, err := s.dialer.DialContext(ctx, s.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", s.cfg.URL, err)
	}
	c.SetReadLimit(s.cfg.ReadLimit)
	_ = c.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	// 服务端发 ping，回 pong 的同时续读超时
	c.SetPingHandler(func(appData string) error {
		_ = c.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
		s.wmu.Lock()
		defer s.wmu.Unlock()
		err := c.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(s.cfg.WriteWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	connCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.conn = c
	s.connected = true
	s.stopConn = cancel
	streams := make([]string, 0, len(s.want))
	for sym := range s.want {
		if st, ok := streamName(sym); ok {
			streams = append(streams, st)
		}
	}
	l := s.listener
	s.mu.Unlock()

	safe.GoCtx(connCtx, "binance.read", func(ctx context.Context) { s.readLoop(ctx, c) })

	if len(streams) > 0 {
		if err := s.control(ctx, c, "SUBSCRIBE", streams); err != nil {
			s.drop(c, err)
			return err
		}
		logger.Info(ctx, "binance resubscribed", zap.Strings("streams", streams))
	}
	l.ConnectionChanged(s.cfg.Name, true)
	return nil
}

func (s *Source) pump(agg *kline.ShardedAggregator) {
	for b := range agg.Out() {
		s.mu.Lock()
		l := s.listener
		s.mu.Unlock()
		l.DataReceived(b.Event(s.cfg.Name))
	}
}

func (s *Source) readLoop(ctx context.Context, c *websocket.Conn) {
	for {
		_, msg, err := c.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				s.drop(c, err)
			}
			return
		}
		tr, err := ParseAggTradeCombined(msg)
		if err != nil {
			if !errors.Is(err, errNotAggTrade) {
				logger.Debug(ctx, "binance message ignored", zap.Error(err))
			}
			continue
		}
		s.mu.Lock()
		agg := s.agg
		s.mu.Unlock()
		if agg == nil {
			return
		}
		agg.OfferTrade(tr)
	}
}

func (s *Source) drop(c *websocket.Conn, cause error) {
	s.mu.Lock()
	if s.conn != c {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	s.connected = false
	if s.stopConn != nil {
		s.stopConn()
	}
	l := s.listener
	s.mu.Unlock()

	_ = c.Close()
	l.SourceError(s.cfg.Name, cause)
	l.ConnectionChanged(s.cfg.Name, false)
}

func (s *Source) Disconnect() error {
	s.mu.Lock()
	c := s.conn
	s.conn = nil
	s.connected = false
	if s.stopConn != nil {
		s.stopConn()
	}
	agg, stopAgg := s.agg, s.stopAgg
	s.agg, s.stopAgg = nil, nil
	s.mu.Unlock()

	var err error
	if c != nil {
		s.wmu.Lock()
		_ = c.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(s.cfg.WriteWait))
		s.wmu.Unlock()
		err = c.Close()
	}
	if agg != nil {
		stopAgg()
		agg.Close()
	}
	return err
}

func (s *Source) RequestRealTimeData(ctx context.Context, inst model.Instrument, bs model.BarSize) error {
	stream, ok := streamName(inst.Symbol)
	if !ok {
		return fmt.Errorf("binance: %q is not BASE-QUOTE", inst.Symbol)
	}

	s.mu.Lock()
	sizes := s.want[inst.Symbol]
	first := sizes == nil
	if first {
		sizes = make(map[model.BarSize]bool, 2)
		s.want[inst.Symbol] = sizes
	}
	sizes[bs] = true
	if s.agg != nil {
		s.agg.Watch(inst.Symbol, bs)
	}
	c := s.conn
	s.mu.Unlock()

	if !first || c == nil {
		return nil
	}
	if err := s.control(ctx, c, "SUBSCRIBE", []string{stream}); err != nil {
		s.forget(inst.Symbol, bs)
		return err
	}
	return nil
}

func (s *Source) CancelRealTimeData(ctx context.Context, inst model.Instrument, bs model.BarSize) error {
	last := s.forget(inst.Symbol, bs)
	stream, ok := streamName(inst.Symbol)

	s.mu.Lock()
	c := s.conn
	s.mu.Unlock()
	if !last || !ok || c == nil {
		return nil
	}
	return s.control(ctx, c, "UNSUBSCRIBE", []string{stream})
}

// forget 返回 symbol 是否已经没有任何 bar size
func (s *Source) forget(symbol string, bs model.BarSize) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sizes := s.want[symbol]
	if sizes == nil {
		return false
	}
	delete(sizes, bs)
	if s.agg != nil {
		s.agg.Unwatch(symbol, bs)
	}
	if len(sizes) > 0 {
		return false
	}
	delete(s.want, symbol)
	return true
}

func (s *Source) control(ctx context.Context, c *websocket.Conn, method string, streams []string) error {
	if c == nil {
		return ErrNotConnected
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}
	b, err := json.Marshal(controlMsg{Method: method, Params: streams, ID: s.nextID.Add(1)})
	if err != nil {
		return err
	}
	write := func() error {
		s.wmu.Lock()
		defer s.wmu.Unlock()
		_ = c.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
		return c.WriteMessage(websocket.TextMessage, b)
	}
	if s.breaker == nil {
		return write()
	}
	return s.breaker.Do(s.cfg.Name+".control", write)
}
