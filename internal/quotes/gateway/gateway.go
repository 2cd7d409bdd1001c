// Package gateway 把 broker 发出的事件编码成 JSON 信封，发布到 topic 总线上。
// bar 发到 rt:<symbol>:<barSize>，解析失败发到 rt:errors。
package gateway

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/encoding/json"
	"go.uber.org/zap"
	"quotehub.com/internal/quotes/brokermetrics"
	"quotehub.com/internal/quotes/model"
	"quotehub.com/internal/quotes/rtbroker"
	"quotehub.com/pkg/logger"
	"quotehub.com/pkg/safe"
)

const (
	TopicErrors = "rt:errors"

	TypeBar             = "bar"
	TypeResolutionError = "resolution_error"
)

var ErrClosed = errors.New("gateway: broker closed")

// Envelope 总线上的一条消息
type Envelope struct {
	ID    string          `json:"id"`
	Type  string          `json:"type"`
	Topic string          `json:"topic"`
	TsMs  int64           `json:"ts"`
	Data  json.RawMessage `json:"data"`
}

// Bar 对外的 bar 格式，时间是毫秒时间戳
type Bar struct {
	Source       string  `json:"source"`
	Symbol       string  `json:"symbol"`
	InstrumentID int     `json:"instrument_id"`
	BarSize      string  `json:"bar_size"`
	Time         int64   `json:"time"`
	Open         float64 `json:"open"`
	High         float64 `json:"high"`
	Low          float64 `json:"low"`
	Close        float64 `json:"close"`
	Volume       int64   `json:"volume"`
	OpenInterest *int64  `json:"open_interest,omitempty"`
}

func barOf(ev model.DataEvent) Bar {
	return Bar{
		Source:       ev.Source,
		Symbol:       ev.Symbol,
		InstrumentID: ev.InstrumentID,
		BarSize:      ev.BarSize.String(),
		Time:         ev.EpochMillis(),
		Open:         ev.Open,
		High:         ev.High,
		Low:          ev.Low,
		Close:        ev.Close,
		Volume:       ev.Volume,
		OpenInterest: ev.OpenInterest,
	}
}

// Topic alias 的 bar topic。symbol 里的分隔符换成 '_'，NATS 下 ':' 会变成 '.'
func Topic(symbol string, bs model.BarSize) string {
	return "rt:" + topicToken(symbol) + ":" + bs.String()
}

var tokenReplacer = strings.NewReplacer(":", "_", ".", "_", " ", "_", "*", "_", ">", "_")

func topicToken(s string) string { return tokenReplacer.Replace(s) }

// Publisher 实现 rtbroker.Listener
type Publisher struct {
	bus Broker
	now func() time.Time
}

var _ rtbroker.Listener = (*Publisher)(nil)

func NewPublisher(bus Broker) *Publisher {
	return &Publisher{bus: bus, now: time.Now}
}

func (p *Publisher) RealTimeDataArrived(ev model.DataEvent) {
	p.publish(Topic(ev.Symbol, ev.BarSize), TypeBar, barOf(ev))
}

func (p *Publisher) ResolutionError(e model.ResolutionError) {
	p.publish(TopicErrors, TypeResolutionError, e)
}

func (p *Publisher) publish(topic, typ string, v any) {
	ctx := context.Background()
	payload, err := p.encode(topic, typ, v)
	if err == nil {
		err = p.bus.Publish(ctx, topic, payload)
	}
	brokermetrics.ObservePublish(typ, len(payload), err)
	if err != nil {
		logger.Warn(ctx, "gateway publish failed", zap.String("topic", topic), zap.Error(err))
	}
}

func (p *Publisher) encode(topic, typ string, v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{
		ID:    uuid.NewString(),
		Type:  typ,
		Topic: topic,
		TsMs:  p.now().UnixMilli(),
		Data:  data,
	})
}

// Relay 订阅 topics，把解出来的信封交给 fn，直到 ctx 结束或总线关闭
func Relay(ctx context.Context, bus Broker, topics []string, fn func(Envelope)) error {
	ch, err := bus.Subscribe(ctx, topics)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			var env Envelope
			if err := json.Unmarshal(m.Payload, &env); err != nil {
				logger.Debug(ctx, "gateway message dropped", zap.String("topic", m.Topic), zap.Error(err))
				continue
			}
			safe.Call("gateway.relay", func() { fn(env) })
		}
	}
}
