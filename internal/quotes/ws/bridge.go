package ws

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"quotehub.com/internal/quotes/gateway"
	"quotehub.com/internal/quotes/wsmetrics"
	"quotehub.com/pkg/logger"
	"quotehub.com/pkg/safe"
)

// Bridge 按需订阅总线：hub 上某个 topic 有人订阅时才向总线订阅，没人了就退订
type Bridge struct {
	ctx context.Context
	hub *Hub
	bus gateway.Broker

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

func NewBridge(ctx context.Context, hub *Hub, bus gateway.Broker) *Bridge {
	b := &Bridge{ctx: ctx, hub: hub, bus: bus, running: make(map[string]context.CancelFunc, 64)}
	hub.onTopic = b.reconcile
	return b
}

// reconcile 以 hub 当前状态为准，回调乱序也不会留下错误的订阅
func (b *Bridge) reconcile(topic string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	want := b.hub.Subscribers(topic) > 0 && b.ctx.Err() == nil
	stop, have := b.running[topic]
	switch {
	case want && !have:
		ctx, cancel := context.WithCancel(b.ctx)
		ch, err := b.bus.Subscribe(ctx, []string{topic})
		if err != nil {
			cancel()
			wsmetrics.BridgeErrorsTotal.Inc()
			logger.Warn(b.ctx, "ws bridge subscribe failed", zap.String("topic", topic), zap.Error(err))
			return
		}
		b.running[topic] = cancel
		wsmetrics.BridgeTopics.Set(float64(len(b.running)))
		safe.Go("ws.bridge", func() {
			for m := range ch {
				b.hub.Publish(m.Topic, m.Payload)
			}
		})
	case !want && have:
		stop()
		delete(b.running, topic)
		wsmetrics.BridgeTopics.Set(float64(len(b.running)))
	}
}

// Topics 正在向总线订阅的 topic 数
func (b *Bridge) Topics() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.running)
}
