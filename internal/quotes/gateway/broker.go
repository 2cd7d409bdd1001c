package gateway

import "context"

// Message 总线上的一条消息，Payload 是编码好的 Envelope
type Message struct {
	Topic   string
	Payload []byte
}

// Broker Publisher 写、ws Bridge 读的 topic 总线。
// 投递是 at-most-once：订阅者跟不上时丢消息，不反压发布方
type Broker interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	// Subscribe ctx 结束时退订并关闭返回的 channel
	Subscribe(ctx context.Context, topics []string) (<-chan Message, error)
	Close() error
}
