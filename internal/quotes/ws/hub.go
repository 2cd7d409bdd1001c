package ws

import (
	"strings"
	"sync"
)

const topicPrefix = "rt:"

type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[*Conn]struct{} // topic -> set(conn)
	last map[string][]byte             // topic -> last payload (snapshot)

	// onTopic topic 订阅者从无到有、从有到无时回调，锁外调用
	onTopic func(topic string)
}

func NewHub() *Hub {
	return &Hub{
		subs:    make(map[string]map[*Conn]struct{}, 1024),
		last:    make(map[string][]byte, 1024),
		onTopic: func(string) {},
	}
}

// validTopic 只转发 broker 的 topic
func validTopic(t string) bool {
	return strings.HasPrefix(t, topicPrefix) && len(t) > len(topicPrefix) && !strings.ContainsAny(t, " *>")
}

// Subscribe 返回被拒绝的 topic
func (h *Hub) Subscribe(c *Conn, topics []string) (rejected []string) {
	var changed []string

	// 1) 记录订阅
	h.mu.Lock()
	for _, t := range topics {
		if !validTopic(t) {
			rejected = append(rejected, t)
			continue
		}
		set := h.subs[t]
		if set == nil {
			set = make(map[*Conn]struct{}, 16)
			h.subs[t] = set
			changed = append(changed, t)
		}
		set[c] = struct{}{}
	}
	// 2) 取快照（同一把锁里取，避免订阅后立刻 publish 却取不到）
	type snap struct {
		topic string
		data  []byte
	}
	snaps := make([]snap, 0, len(topics))
	for _, t := range topics {
		if b := h.last[t]; b != nil {
			snaps = append(snaps, snap{t, b})
		}
	}
	h.mu.Unlock()

	for _, t := range changed {
		h.onTopic(t)
	}
	// 3) 立即回放最新快照
	for _, s := range snaps {
		c.Offer(s.topic, s.data)
	}
	return rejected
}

func (h *Hub) Unsubscribe(c *Conn, topics []string) {
	var changed []string
	h.mu.Lock()
	for _, t := range topics {
		if set := h.subs[t]; set != nil {
			delete(set, c)
			if len(set) == 0 {
				delete(h.subs, t)
				changed = append(changed, t)
			}
		}
	}
	h.mu.Unlock()
	for _, t := range changed {
		h.onTopic(t)
	}
}

func (h *Hub) RemoveConn(c *Conn) {
	var changed []string
	h.mu.Lock()
	for topic, m := range h.subs {
		if _, ok := m[c]; !ok {
			continue
		}
		delete(m, c)
		if len(m) == 0 {
			delete(h.subs, topic)
			changed = append(changed, topic)
		}
	}
	h.mu.Unlock()
	for _, t := range changed {
		h.onTopic(t)
	}
}

// Subscribers topic 当前的连接数
func (h *Hub) Subscribers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[topic])
}

// Publish 把 payload 广播给 topic 的所有订阅者。
// 对每个 conn 都是非阻塞 Offer，慢客户端不会卡住广播。
func (h *Hub) Publish(topic string, payload []byte) {
	cp := make([]byte, len(payload))
	copy(cp, payload)

	h.mu.Lock()
	h.last[topic] = cp
	set := h.subs[topic]
	conns := make([]*Conn, 0, len(set))
	for c := range set {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	// fanout：每连接 LatestOnly
	for _, c := range conns {
		c.Offer(topic, cp)
	}
}
