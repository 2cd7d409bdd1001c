// Package simulated 随机游走生成 bar，开发和演示用，不连任何外部系统。
package simulated

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"quotehub.com/internal/quotes/datasource"
	"quotehub.com/internal/quotes/model"
	"quotehub.com/pkg/safe"
)

type Config struct {
	Name string `yaml:"name" mapstructure:"name"`
	// Speed 时间加速倍数，1m bar 在 Speed=60 时每秒出一根
	Speed      float64 `yaml:"speed" mapstructure:"speed"`
	StartPrice float64 `yaml:"start_price" mapstructure:"start_price"`
	// Volatility 每根 bar 收益率的标准差
	Volatility float64 `yaml:"volatility" mapstructure:"volatility"`
	Seed       int64   `yaml:"seed" mapstructure:"seed"`
}

type key struct {
	instrumentID int
	barSize      model.BarSize
}

type Source struct {
	cfg Config

	mu        sync.Mutex
	listener  datasource.Listener
	connected bool
	rnd       *rand.Rand
	last      map[int]float64
	stops     map[key]context.CancelFunc
}

var _ datasource.Source = (*Source)(nil)

func New(cfg Config) *Source {
	if cfg.Name == "" {
		cfg.Name = "sim"
	}
	if cfg.Speed <= 0 {
		cfg.Speed = 1
	}
	if cfg.StartPrice <= 0 {
		cfg.StartPrice = 100
	}
	if cfg.Volatility <= 0 {
		cfg.Volatility = 0.001
	}
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UnixNano()
	}
	return &Source{
		cfg:      cfg,
		listener: datasource.NopListener{},
		rnd:      rand.New(rand.NewSource(cfg.Seed)),
		last:     make(map[int]float64, 16),
		stops:    make(map[key]context.CancelFunc, 16),
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
	s.connected = true
	l := s.listener
	s.mu.Unlock()
	l.ConnectionChanged(s.cfg.Name, true)
	return nil
}

func (s *Source) Disconnect() error {
	s.mu.Lock()
	s.connected = false
	for k, stop := range s.stops {
		stop()
		delete(s.stops, k)
	}
	s.mu.Unlock()
	return nil
}

// interval 墙钟上的出 bar 间隔，tick 按 250ms 一笔
func (s *Source) interval(bs model.BarSize) time.Duration {
	d := bs.Duration()
	if d <= 0 {
		d = 250 * time.Millisecond
	}
	iv := time.Duration(float64(d) / s.cfg.Speed)
	if iv < time.Millisecond {
		iv = time.Millisecond
	}
	return iv
}

func (s *Source) RequestRealTimeData(ctx context.Context, inst model.Instrument, bs model.BarSize) error {
	k := key{inst.ID, bs}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.stops[k]; ok {
		return nil
	}
	runCtx, cancel := context.WithCancel(context.Background())
	s.stops[k] = cancel
	safe.GoCtx(runCtx, "simulated.bars", func(ctx context.Context) { s.run(ctx, inst, bs) })
	return nil
}

func (s *Source) CancelRealTimeData(ctx context.Context, inst model.Instrument, bs model.BarSize) error {
	k := key{inst.ID, bs}
	s.mu.Lock()
	stop := s.stops[k]
	delete(s.stops, k)
	s.mu.Unlock()
	if stop != nil {
		stop()
	}
	return nil
}

func (s *Source) run(ctx context.Context, inst model.Instrument, bs model.BarSize) {
	t := time.NewTicker(s.interval(bs))
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			ev := s.next(inst, bs, now)
			s.mu.Lock()
			l := s.listener
			s.mu.Unlock()
			if ctx.Err() != nil {
				return
			}
			l.DataReceived(ev)
		}
	}
}

// next 生成下一根 bar：对数收益率正态分布，high/low 在开收盘外再随机延伸
func (s *Source) next(inst model.Instrument, bs model.BarSize, now time.Time) model.DataEvent {
	s.mu.Lock()
	defer s.mu.Unlock()

	open, ok := s.last[inst.ID]
	if !ok {
		open = s.cfg.StartPrice
	}
	cl := open * math.Exp(s.rnd.NormFloat64()*s.cfg.Volatility)
	wick := math.Abs(s.rnd.NormFloat64()) * s.cfg.Volatility * open / 2
	high := math.Max(open, cl) + wick
	low := math.Min(open, cl) - wick
	s.last[inst.ID] = cl

	start := now.UTC()
	if d := bs.Duration(); d > 0 {
		start = start.Truncate(d)
	}
	return model.DataEvent{
		Source:       s.cfg.Name,
		Symbol:       inst.Symbol,
		InstrumentID: inst.ID,
		BarSize:      bs,
		Time:         start,
		Open:         round(open),
		High:         round(high),
		Low:          round(low),
		Close:        round(cl),
		Volume:       1 + s.rnd.Int63n(1000),
	}
}

func round(v float64) float64 { return math.Round(v*100) / 100 }

// Active 正在出 bar 的订阅数
func (s *Source) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.stops)
}
