// Package natsfeed 从 NATS 总线上读已经聚合好的 bar。
// 上游行情进程按 <prefix>.<symbol>.<barSize> 发布 JSON，一个 (symbol, bar size) 一个 subject。
package natsfeed

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/segmentio/encoding/json"
	"go.uber.org/zap"
	"quotehub.com/internal/quotes/datasource"
	"quotehub.com/internal/quotes/model"
	"quotehub.com/pkg/logger"
)

type Config struct {
	Name          string        `yaml:"name" mapstructure:"name"`
	URL           string        `yaml:"url" mapstructure:"url"`
	SubjectPrefix string        `yaml:"subject_prefix" mapstructure:"subject_prefix"`
	ReconnectWait time.Duration `yaml:"reconnect_wait" mapstructure:"reconnect_wait"`
	MaxReconnects int           `yaml:"max_reconnects" mapstructure:"max_reconnects"`
}

// bus 对 nats.Conn 的最小抽象，测试里换成内存实现
type bus interface {
	Subscribe(subject string, fn func(data []byte)) (unsubscribe func() error, err error)
	Close()
}

// busEvents 连接状态回调
type busEvents struct {
	onDown func(err error)
	onUp   func()
}

type dialFunc func(ctx context.Context, cfg Config, ev busEvents) (bus, error)

type subKey struct {
	symbol  string
	barSize model.BarSize
}

type sub struct {
	inst  model.Instrument
	unsub func() error
}

type Source struct {
	cfg  Config
	dial dialFunc

	mu        sync.Mutex
	listener  datasource.Listener
	bus       bus
	connected bool
	subs      map[subKey]*sub
}

var _ datasource.Source = (*Source)(nil)

func New(cfg Config) *Source {
	return newSource(cfg, dialNats)
}

func newSource(cfg Config, dial dialFunc) *Source {
	if cfg.Name == "" {
		cfg.Name = "nats"
	}
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "bars"
	}
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = 2 * time.Second
	}
	if cfg.MaxReconnects == 0 {
		cfg.MaxReconnects = -1
	}
	return &Source{
		cfg:      cfg,
		dial:     dial,
		listener: datasource.NopListener{},
		subs:     make(map[subKey]*sub, 16),
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

// Connect 建立连接并恢复已有订阅。断线重连由 nats 客户端自己做，
// 彻底关闭（重连次数用完）后才需要外部再次 Connect。
func (s *Source) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.connected {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	b, err := s.dial(ctx, s.cfg, busEvents{onDown: s.down, onUp: s.up})
	if err != nil {
		return fmt.Errorf("nats connect %s: %w", s.cfg.URL, err)
	}

	s.mu.Lock()
	s.bus = b
	s.connected = true
	var failed []subKey
	for k, sb := range s.subs {
		unsub, err := b.Subscribe(s.subject(k.symbol, k.barSize), s.handler(sb.inst, k.barSize))
		if err != nil {
			failed = append(failed, k)
			continue
		}
		sb.unsub = unsub
	}
	l := s.listener
	s.mu.Unlock()

	if len(failed) > 0 {
		logger.Warn(ctx, "nats resubscribe failed", zap.String("feed", s.cfg.Name), zap.Int("count", len(failed)))
	}
	l.ConnectionChanged(s.cfg.Name, true)
	return nil
}

func (s *Source) down(err error) {
	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return
	}
	s.connected = false
	l := s.listener
	s.mu.Unlock()
	if err != nil {
		l.SourceError(s.cfg.Name, err)
	}
	l.ConnectionChanged(s.cfg.Name, false)
}

func (s *Source) up() {
	s.mu.Lock()
	if s.connected || s.bus == nil {
		s.mu.Unlock()
		return
	}
	s.connected = true
	l := s.listener
	s.mu.Unlock()
	l.ConnectionChanged(s.cfg.Name, true)
}

func (s *Source) Disconnect() error {
	s.mu.Lock()
	b := s.bus
	s.bus = nil
	s.connected = false
	for _, sb := range s.subs {
		sb.unsub = nil
	}
	s.mu.Unlock()
	if b != nil {
		b.Close()
	}
	return nil
}

func (s *Source) RequestRealTimeData(ctx context.Context, inst model.Instrument, bs model.BarSize) error {
	k := subKey{inst.Symbol, bs}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subs[k]; ok {
		return nil
	}
	sb := &sub{inst: inst}
	if s.bus != nil {
		unsub, err := s.bus.Subscribe(s.subject(inst.Symbol, bs), s.handler(inst, bs))
		if err != nil {
			return fmt.Errorf("nats subscribe %s: %w", s.subject(inst.Symbol, bs), err)
		}
		sb.unsub = unsub
	}
	s.subs[k] = sb
	return nil
}

func (s *Source) CancelRealTimeData(ctx context.Context, inst model.Instrument, bs model.BarSize) error {
	k := subKey{inst.Symbol, bs}
	s.mu.Lock()
	sb := s.subs[k]
	delete(s.subs, k)
	s.mu.Unlock()
	if sb == nil || sb.unsub == nil {
		return nil
	}
	return sb.unsub()
}

// subject symbol 里的 '.' 和空格换成 '_'，避免被当成 subject 分隔符
func (s *Source) subject(symbol string, bs model.BarSize) string {
	return s.cfg.SubjectPrefix + "." + subjectToken(symbol) + "." + bs.String()
}

func subjectToken(symbol string) string {
	return strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_").Replace(symbol)
}

func (s *Source) handler(inst model.Instrument, bs model.BarSize) func([]byte) {
	return func(data []byte) {
		ev, err := decodeBar(data)
		if err != nil {
			logger.Debug(context.Background(), "nats bar dropped",
				zap.String("feed", s.cfg.Name), zap.String("symbol", inst.Symbol), zap.Error(err))
			return
		}
		ev.Source = s.cfg.Name
		ev.Symbol = inst.Symbol
		ev.InstrumentID = inst.ID
		ev.BarSize = bs

		s.mu.Lock()
		l := s.listener
		s.mu.Unlock()
		l.DataReceived(ev)
	}
}

// wireBar 总线上的 bar，时间是毫秒时间戳
type wireBar struct {
	Symbol       string  `json:"symbol"`
	Time         int64   `json:"time"`
	Open         float64 `json:"open"`
	High         float64 `json:"high"`
	Low          float64 `json:"low"`
	Close        float64 `json:"close"`
	Volume       int64   `json:"volume"`
	OpenInterest *int64  `json:"open_interest,omitempty"`
}

func decodeBar(data []byte) (model.DataEvent, error) {
	var w wireBar
	if err := json.Unmarshal(data, &w); err != nil {
		return model.DataEvent{}, err
	}
	if w.Time <= 0 {
		return model.DataEvent{}, fmt.Errorf("bar without time")
	}
	return model.DataEvent{
		Symbol:       w.Symbol,
		Time:         time.UnixMilli(w.Time).UTC(),
		Open:         w.Open,
		High:         w.High,
		Low:          w.Low,
		Close:        w.Close,
		Volume:       w.Volume,
		OpenInterest: w.OpenInterest,
	}, nil
}

type natsBus struct{ nc *nats.Conn }

func dialNats(ctx context.Context, cfg Config, ev busEvents) (bus, error) {
	nc, err := nats.Connect(cfg.URL,
		nats.Name("quotehub-"+cfg.Name),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.DisconnectHandler(func(nc *nats.Conn) { ev.onDown(nc.LastError()) }),
		nats.ReconnectHandler(func(*nats.Conn) { ev.onUp() }),
		nats.ClosedHandler(func(nc *nats.Conn) { ev.onDown(nc.LastError()) }),
	)
	if err != nil {
		return nil, err
	}
	return &natsBus{nc: nc}, nil
}

func (b *natsBus) Subscribe(subject string, fn func([]byte)) (func() error, error) {
	sub, err := b.nc.Subscribe(subject, func(m *nats.Msg) { fn(m.Data) })
	if err != nil {
		return nil, err
	}
	return sub.Unsubscribe, nil
}

func (b *natsBus) Close() { b.nc.Close() }
