// Package fake 提供记录调用的内存适配器，给 broker/编排层测试用
package fake

import (
	"context"
	"sync"

	"quotehub.com/internal/quotes/datasource"
	"quotehub.com/internal/quotes/model"
)

type Call struct {
	Op         string // connect / disconnect / request / cancel
	Instrument model.Instrument
	BarSize    model.BarSize
}

type Source struct {
	name string

	mu         sync.Mutex
	connected  bool
	listener   datasource.Listener
	calls      []Call
	ConnectErr error
	RequestErr error
	// OnRequest 在记录请求之后调用，可以模拟适配器同步回调
	OnRequest func(inst model.Instrument, bs model.BarSize)
}

func New(name string) *Source {
	return &Source{name: name, listener: datasource.NopListener{}}
}

var _ datasource.Source = (*Source)(nil)

func (s *Source) Name() string { return s.name }

func (s *Source) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *Source) Connect(ctx context.Context) error {
	s.mu.Lock()
	s.calls = append(s.calls, Call{Op: "connect"})
	err := s.ConnectErr
	if err == nil {
		s.connected = true
	}
	l := s.listener
	s.mu.Unlock()
	if err == nil {
		l.ConnectionChanged(s.name, true)
	}
	return err
}

func (s *Source) Disconnect() error {
	s.mu.Lock()
	s.calls = append(s.calls, Call{Op: "disconnect"})
	s.connected = false
	s.mu.Unlock()
	return nil
}

// SetConnected 只改状态，不记调用
func (s *Source) SetConnected(v bool) {
	s.mu.Lock()
	s.connected = v
	s.mu.Unlock()
}

func (s *Source) RequestRealTimeData(ctx context.Context, inst model.Instrument, bs model.BarSize) error {
	s.mu.Lock()
	s.calls = append(s.calls, Call{Op: "request", Instrument: inst, BarSize: bs})
	err := s.RequestErr
	hook := s.OnRequest
	s.mu.Unlock()
	if hook != nil {
		hook(inst, bs)
	}
	return err
}

func (s *Source) CancelRealTimeData(ctx context.Context, inst model.Instrument, bs model.BarSize) error {
	s.mu.Lock()
	s.calls = append(s.calls, Call{Op: "cancel", Instrument: inst, BarSize: bs})
	s.mu.Unlock()
	return nil
}

func (s *Source) SetListener(l datasource.Listener) {
	s.mu.Lock()
	s.listener = l
	s.mu.Unlock()
}

// Emit 模拟上游推送一根 bar
func (s *Source) Emit(ev model.DataEvent) {
	s.mu.Lock()
	l := s.listener
	s.mu.Unlock()
	if ev.Source == "" {
		ev.Source = s.name
	}
	l.DataReceived(ev)
}

// Drop 模拟掉线
func (s *Source) Drop() {
	s.mu.Lock()
	s.connected = false
	l := s.listener
	s.mu.Unlock()
	l.ConnectionChanged(s.name, false)
}

// Calls 按操作过滤，op 为空返回全部
func (s *Source) Calls(op string) []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Call, 0, len(s.calls))
	for _, c := range s.calls {
		if op == "" || c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

func (s *Source) Reset() {
	s.mu.Lock()
	s.calls = nil
	s.mu.Unlock()
}
