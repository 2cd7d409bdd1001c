// Package coinbase Coinbase Advanced Trade websocket 适配器：订阅 market_trades，
// 本地把成交聚合成请求的 bar size。Instrument.Symbol 就是 product id（BTC-USD）。
package coinbase

import (
	"context"
	"errors"
	"fmt"
	"sync"
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

const DefaultURL = "wss://advanced-trade-ws.coinbase.com"

var ErrNotConnected = errors.New("coinbase: not connected")

type Config struct {
	Name      string        `yaml:"name" mapstructure:"name"`
	URL       string        `yaml:"url" mapstructure:"url"`
	ReadLimit int64         `yaml:"read_limit" mapstructure:"read_limit"`
	PongWait  time.Duration `yaml:"pong_wait" mapstructure:"pong_wait"`
	PingEvery time.Duration `yaml:"ping_every" mapstructure:"ping_every"`
	WriteWait time.Duration `yaml:"write_wait" mapstructure:"write_wait"`

	// 订阅/退订消息限速，交易所对控制消息有频率限制
	ControlPerSecond float64 `yaml:"control_per_second" mapstructure:"control_per_second"`
	ControlBurst     int     `yaml:"control_burst" mapstructure:"control_burst"`

	Shards        int           `yaml:"shards" mapstructure:"shards"`
	ReorderWindow time.Duration `yaml:"reorder_window" mapstructure:"reorder_window"`
	FillGaps      bool          `yaml:"fill_gaps" mapstructure:"fill_gaps"`
}

func (c *Config) setDefaults() {
	if c.Name == "" {
		c.Name = "coinbase"
	}
	if c.URL == "" {
		c.URL = DefaultURL
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = 1 << 20
	}
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	if c.PingEvery <= 0 || c.PingEvery >= c.PongWait {
		c.PingEvery = c.PongWait * 9 / 10
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 5 * time.Second
	}
	if c.ControlPerSecond <= 0 {
		c.ControlPerSecond = 5
	}
	if c.ControlBurst <= 0 {
		c.ControlBurst = 5
	}
	if c.Shards <= 0 {
		c.Shards = 4
	}
}

type controlMsg struct {
	Type       string   `json:"type"`
	ProductIDs []string `json:"product_ids"`
	Channel    string   `json:"channel"`
}

type Source struct {
	cfg     Config
	dialer  *websocket.Dialer
	limiter *rate.Limiter
	breaker *ratelimit.Manager

	mu        sync.Mutex
	listener  datasource.Listener
	conn      *websocket.Conn
	connected bool
	stopConn  context.CancelFunc
	// want product -> bar sizes，重连后整体重新订阅
	want map[string]map[model.BarSize]bool

	agg     *kline.ShardedAggregator
	stopAgg context.CancelFunc

	// gorilla 的连接只允许一个并发写
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
	if err := s.startAggLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	c, _, err := s.dialer.DialContext(ctx, s.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", s.cfg.URL, err)
	}
	c.SetReadLimit(s.cfg.ReadLimit)
	_ = c.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	c.SetPongHandler(func(string) error {
		return c.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	})

	connCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.conn = c
	s.connected = true
	s.stopConn = cancel
	products := make([]string, 0, len(s.want))
	for p := range s.want {
		products = append(products, p)
	}
	l := s.listener
	s.mu.Unlock()

	safe.GoCtx(connCtx, "coinbase.read", func(ctx context.Context) { s.readLoop(ctx, c) })
	safe.GoCtx(connCtx, "coinbase.ping", func(ctx context.Context) { s.pingLoop(ctx, c) })

	if len(products) > 0 {
		if err := s.control(ctx, c, "subscribe", products); err != nil {
			s.drop(c, err)
			return err
		}
		logger.Info(ctx, "coinbase resubscribed", zap.Strings("products", products))
	}
	l.ConnectionChanged(s.cfg.Name, true)
	return nil
}

// startAggLocked 聚合器跨重连存活，Disconnect 时才停
func (s *Source) startAggLocked() error {
	if s.agg != nil {
		return nil
	}
	agg, err := kline.NewShardedAggregator(kline.ShardedAggConfig{
		Shards:        s.cfg.Shards,
		ReorderWindow: s.cfg.ReorderWindow,
		FillGaps:      s.cfg.FillGaps,
		DropWhenFull:  true,
	})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(context.Background())
	agg.Run(ctx)
	safe.Go("coinbase.bars", func() { s.pump(agg) })
	for p, sizes := range s.want {
		for bs := range sizes {
			agg.Watch(p, bs)
		}
	}
	s.agg, s.stopAgg = agg, cancel
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
		trades, err := ParseMarketTrades(msg)
		if err != nil {
			if !errors.Is(err, errNotTrades) {
				logger.Debug(ctx, "coinbase message ignored", zap.Error(err))
			}
			continue
		}
		s.mu.Lock()
		agg := s.agg
		s.mu.Unlock()
		if agg == nil {
			return
		}
		for _, t := range trades {
			agg.OfferTrade(t)
		}
	}
}

func (s *Source) pingLoop(ctx context.Context, c *websocket.Conn) {
	t := time.NewTicker(s.cfg.PingEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := c.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.cfg.WriteWait)); err != nil {
				return
			}
		}
	}
}

// drop 连接意外断开：标记断开并通知，重连由外部 supervisor 负责
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
		_ = c.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
		_ = c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
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
	product := inst.Symbol
	if !validProduct(product) {
		return fmt.Errorf("coinbase: %q is not a product id", product)
	}

	s.mu.Lock()
	sizes := s.want[product]
	first := sizes == nil
	if first {
		sizes = make(map[model.BarSize]bool, 2)
		s.want[product] = sizes
	}
	sizes[bs] = true
	if s.agg != nil {
		s.agg.Watch(product, bs)
	}
	c := s.conn
	s.mu.Unlock()

	if !first || c == nil {
		return nil
	}
	if err := s.control(ctx, c, "subscribe", []string{product}); err != nil {
		s.forget(product, bs)
		return err
	}
	return nil
}

func (s *Source) CancelRealTimeData(ctx context.Context, inst model.Instrument, bs model.BarSize) error {
	product := inst.Symbol
	last := s.forget(product, bs)

	s.mu.Lock()
	c := s.conn
	s.mu.Unlock()
	if !last || c == nil {
		return nil
	}
	return s.control(ctx, c, "unsubscribe", []string{product})
}

// forget 返回 product 是否已经没有任何 bar size
func (s *Source) forget(product string, bs model.BarSize) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sizes := s.want[product]
	if sizes == nil {
		return false
	}
	delete(sizes, bs)
	if s.agg != nil {
		s.agg.Unwatch(product, bs)
	}
	if len(sizes) > 0 {
		return false
	}
	delete(s.want, product)
	return true
}

func (s *Source) control(ctx context.Context, c *websocket.Conn, typ string, products []string) error {
	if c == nil {
		return ErrNotConnected
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}
	b, err := json.Marshal(controlMsg{Type: typ, ProductIDs: products, Channel: "market_trades"})
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

// Products 当前订阅的 product，测试和管理接口用
func (s *Source) Products() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.want))
	for p := range s.want {
		out = append(out, p)
	}
	return out
}
