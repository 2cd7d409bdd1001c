package gateway

import (
	"context"
	"slices"
	"sync"

	"quotehub.com/internal/quotes/brokermetrics"
	"quotehub.com/pkg/safe"
)

// MemBroker 单进程内的 fanout，admin 和 /ws 跑在同一个进程时用

type MemBroker struct {
	mu     sync.RWMutex
	subs   map[string][]chan Message
	buf    int
	closed bool
}

func NewMemBroker() *MemBroker {
	return &MemBroker{subs: make(map[string][]chan Message), buf: 4096}
}

func (b *MemBroker) Publish(ctx context.Context, topic string, payload []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}

	// fanout：at-most-once，慢订阅者直接丢
	msg := Message{Topic: topic, Payload: payload}
	for _, ch := range b.subs[topic] {
		select {
		case ch <- msg:
		default:
			brokermetrics.DroppedTotal.WithLabelValues("slow_subscriber").Inc()
		}
	}
	return nil
}

func (b *MemBroker) Subscribe(ctx context.Context, topics []string) (<-chan Message, error) {
	ch := make(chan Message, b.buf)
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	for _, t := range topics {
		b.subs[t] = append(b.subs[t], ch)
	}
	b.mu.Unlock()

	safe.Go("gateway.mem.unsubscribe", func() {
		<-ctx.Done()
		b.unsubscribe(topics, ch)
	})
	return ch, nil
}

// unsubscribe 先摘掉再 close，publish 持读锁，不会写到已关闭的 channel
func (b *MemBroker) unsubscribe(topics []string, ch chan Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range topics {
		list := slices.DeleteFunc(b.subs[t], func(c chan Message) bool { return c == ch })
		if len(list) == 0 {
			delete(b.subs, t)
		} else {
			b.subs[t] = list
		}
	}
	close(ch)
}

// Subscribers 某个 topic 当前的订阅者数
func (b *MemBroker) Subscribers(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}

func (b *MemBroker) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return nil
}
