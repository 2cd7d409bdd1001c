// Package ws 把总线上的 topic 推给 websocket 客户端。
// 每个连接按 topic 只保留最新一条（LatestOnly），慢客户端丢旧数据而不是拖住广播。
package ws

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/segmentio/encoding/json"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"quotehub.com/internal/quotes/wsmetrics"
	"quotehub.com/pkg/logger"
	"quotehub.com/pkg/ratelimit"
	"quotehub.com/pkg/safe"
)

type Conn struct {
	id string

	ws     *websocket.Conn
	hub    *Hub
	mu     sync.Mutex
	latest map[string][]byte // LatestOnly：topic -> last payload
	order  []string          // 写出顺序按 topic 首次到达
	notify chan struct{}     // 缓冲 1：合并唤醒
	done   chan struct{}
	closed atomic.Bool
}

func NewConn(h *Hub, ws *websocket.Conn) *Conn {
	return &Conn{
		id:     uuid.NewString(),
		ws:     ws,
		hub:    h,
		latest: make(map[string][]byte, 64),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Offer payload 视为只读，不拷贝
func (c *Conn) Offer(topic string, payload []byte) bool {
	if c.closed.Load() {
		return false
	}
	c.mu.Lock()
	if _, ok := c.latest[topic]; ok {
		wsmetrics.DroppedTotal.WithLabelValues("superseded").Inc()
	} else {
		c.order = append(c.order, topic)
	}
	c.latest[topic] = payload
	c.mu.Unlock()

	select {
	case c.notify <- struct{}{}:
	default:
	}
	return true
}

func (c *Conn) flushLatest(max int) [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.order) == 0 {
		return nil
	}
	n := min(len(c.order), max)
	out := make([][]byte, 0, n)
	for _, t := range c.order[:n] {
		out = append(out, c.latest[t])
		delete(c.latest, t)
	}
	c.order = c.order[n:]
	if len(c.order) > 0 {
		// 还有剩余，再唤醒一次
		select {
		case c.notify <- struct{}{}:
		default:
		}
	}
	return out
}

func (c *Conn) close() {
	if c.closed.CompareAndSwap(false, true) {
		close(c.done)
		_ = c.ws.Close()
	}
}

type Server struct {
	Hub      *Hub
	Upgrader websocket.Upgrader
	ctx      context.Context

	PongWait   time.Duration
	PingPeriod time.Duration
	PingJitter time.Duration
	WriteWait  time.Duration
	ReadLimit  int64

	// Ops 每个连接的 sub/unsub 限速，nil 不限
	Ops *ratelimit.Store
}

func NewServer(ctx context.Context, h *Hub) *Server {
	ops := ratelimit.NewStore(rate.Limit(10), 20, 10*time.Minute)
	ops.StartJanitor(ctx, time.Minute)
	return &Server{
		Hub: h,
		ctx: ctx,
		Upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		PongWait:   60 * time.Second,
		PingPeriod: 30 * time.Second,
		PingJitter: 100 * time.Millisecond,
		WriteWait:  5 * time.Second,
		ReadLimit:  1 << 12,
		Ops:        ops,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	wsConn, err := s.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := NewConn(s.Hub, wsConn)
	wsmetrics.OnOpen()
	logger.Debug(r.Context(), "ws conn opened", zap.String("conn", c.id), zap.String("remote", r.RemoteAddr))
	safe.Go("ws.write", func() { s.writePump(c) })
	safe.Go("ws.read", func() { s.readPump(c) })
}

func (s *Server) readPump(c *Conn) {
	code, reason := websocket.CloseNoStatusReceived, "read_error"
	defer func() {
		c.hub.RemoveConn(c)
		c.close()
		if s.Ops != nil {
			s.Ops.Forget(c.id)
		}
		wsmetrics.OnClose(code, reason)
	}()

	c.ws.SetReadLimit(s.ReadLimit)
	_ = c.ws.SetReadDeadline(time.Now().Add(s.PongWait))
	c.ws.SetPongHandler(func(string) error {
		wsmetrics.Heartbeat("pong")
		return c.ws.SetReadDeadline(time.Now().Add(s.PongWait))
	})

	// 服务关闭时让 ReadMessage 立刻返回
	stop := context.AfterFunc(s.ctx, func() { _ = c.ws.SetReadDeadline(time.Now()) })
	defer stop()

	for {
		_, b, err := c.ws.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			var ne net.Error
			switch {
			case errors.As(err, &ce):
				code, reason = ce.Code, "client_close"
			case errors.As(err, &ne) && ne.Timeout():
				if s.ctx.Err() != nil {
					code, reason = websocket.CloseGoingAway, "shutdown"
				} else {
					reason = "pong_timeout"
					wsmetrics.Heartbeat("pong_timeout")
				}
			}
			return
		}
		var msg ClientMsg
		if json.Unmarshal(b, &msg) != nil {
			continue
		}
		if (msg.Type == "sub" || msg.Type == "unsub") && s.Ops != nil && !s.Ops.Allow(c.id) {
			wsmetrics.ObserveTopics(msg.Type, 0, len(msg.Topics))
			c.ack(AckMsg{Type: "ack", Op: msg.Type, Topics: msg.Topics, Rejected: msg.Topics, Error: errRateLimited})
			continue
		}
		switch msg.Type {
		case "sub":
			rejected := c.hub.Subscribe(c, msg.Topics)
			wsmetrics.ObserveTopics("sub", len(msg.Topics)-len(rejected), len(rejected))
			c.ack(AckMsg{Type: "ack", Op: "sub", Topics: msg.Topics, Rejected: rejected})
		case "unsub":
			c.hub.Unsubscribe(c, msg.Topics)
			wsmetrics.ObserveTopics("unsub", len(msg.Topics), 0)
			c.ack(AckMsg{Type: "ack", Op: "unsub", Topics: msg.Topics})
		}
	}
}

// ack 走同一个 LatestOnly 队列，保证和数据同一个写协程
func (c *Conn) ack(m AckMsg) {
	b, err := json.Marshal(m)
	if err != nil {
		return
	}
	c.Offer("ack:"+m.Op, b)
}

// maxFlush 单次最多写多少条，防止订阅 topic 极多时一次写爆
const maxFlush = 256

func (s *Server) writePump(c *Conn) {
	defer c.close()

	// 错开各连接的 ping
	if s.PingJitter > 0 {
		t := time.NewTimer(time.Duration(rand.Int63n(int64(s.PingJitter))))
		select {
		case <-t.C:
		case <-c.done:
			t.Stop()
			return
		case <-s.ctx.Done():
			t.Stop()
			return
		}
	}

	ticker := time.NewTicker(s.PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.notify:
			batch := c.flushLatest(maxFlush)
			if len(batch) == 0 {
				continue
			}
			if err := s.writeBatch(c, batch); err != nil {
				logger.Debug(s.ctx, "ws write failed", zap.String("conn", c.id), zap.Error(err))
				return
			}
		case <-ticker.C:
			wsmetrics.Heartbeat("ping")
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.WriteWait)); err != nil {
				wsmetrics.Heartbeat("ping_error")
				return
			}
		case <-c.done:
			return
		case <-s.ctx.Done():
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutdown"), time.Now().Add(s.WriteWait))
			return
		}
	}
}

// writeBatch 一帧写完本批，多条 JSON 用换行分隔
func (s *Server) writeBatch(c *Conn, batch [][]byte) (err error) {
	start := time.Now()
	n := 0
	defer func() { wsmetrics.ObserveWrite(len(batch), n, time.Since(start), err) }()

	_ = c.ws.SetWriteDeadline(time.Now().Add(s.WriteWait))
	w, err := c.ws.NextWriter(websocket.TextMessage)
	if err != nil {
		return err
	}
	for i, payload := range batch {
		if i > 0 {
			if _, err = w.Write([]byte("\n")); err != nil {
				_ = w.Close()
				return err
			}
			n++
		}
		if _, err = w.Write(payload); err != nil {
			_ = w.Close()
			return err
		}
		n += len(payload)
	}
	return w.Close()
}
