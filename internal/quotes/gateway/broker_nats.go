package gateway

import (
	"context"
	"strings"
	"sync"

	"github.com/nats-io/nats.go"
	"quotehub.com/internal/quotes/brokermetrics"
	"quotehub.com/pkg/safe"
)

// NatsBroker topic 里的 ':' 映射成 subject 分隔符 '.'，rt:SPY:1m <-> rt.SPY.1m
type NatsBroker struct {
	nc *nats.Conn
}

func NewNatsBroker(url string, opts ...nats.Option) (*NatsBroker, error) {
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}
	return &NatsBroker{nc: nc}, nil
}

func (b *NatsBroker) Publish(ctx context.Context, topic string, payload []byte) error {
	if b.nc.IsClosed() {
		return ErrClosed
	}
	return b.nc.Publish(topicToSubject(topic), payload)
}

// natsSink nats 回调和退订协程之间的 channel 守卫，关闭后回调不再写入
type natsSink struct {
	mu     sync.Mutex
	out    chan Message
	closed bool
}

func (s *natsSink) offer(m *nats.Msg) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.out <- Message{Topic: subjectToTopic(m.Subject), Payload: m.Data}:
	default:
		brokermetrics.DroppedTotal.WithLabelValues("slow_subscriber").Inc()
	}
}

func (s *natsSink) close() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.out)
	}
	s.mu.Unlock()
}

func (b *NatsBroker) Subscribe(ctx context.Context, topics []string) (<-chan Message, error) {
	if b.nc.IsClosed() {
		return nil, ErrClosed
	}
	sink := &natsSink{out: make(chan Message, 8192)}
	subs := make([]*nats.Subscription, 0, len(topics))
	unsubscribe := func() {
		for _, sub := range subs {
			_ = sub.Unsubscribe()
		}
		sink.close()
	}

	for _, t := range topics {
		sub, err := b.nc.Subscribe(topicToSubject(t), sink.offer)
		if err != nil {
			unsubscribe()
			return nil, err
		}
		subs = append(subs, sub)
	}

	safe.Go("gateway.nats.unsubscribe", func() {
		<-ctx.Done()
		unsubscribe()
	})
	return sink.out, nil
}

func (b *NatsBroker) Close() error {
	if b.nc == nil {
		return nil
	}
	err := b.nc.Drain()
	b.nc.Close()
	return err
}

func topicToSubject(topic string) string { return strings.ReplaceAll(topic, ":", ".") }
func subjectToTopic(subj string) string  { return strings.ReplaceAll(subj, ".", ":") }
