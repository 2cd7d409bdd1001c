package rtbroker

import (
	"sort"

	"quotehub.com/internal/quotes/registry"
)

type SourceStatus struct {
	Name      string `json:"name"`
	Connected bool   `json:"connected"`
}

type BindingSnapshot struct {
	ContinuousFutureID int    `json:"continuous_future_id"`
	Symbol             string `json:"symbol"`
	FrontID            int    `json:"front_id"`
	FrontSymbol        string `json:"front_symbol"`
	Requests           int    `json:"requests"`
}

type PendingSnapshot struct {
	ContinuousFutureID int    `json:"continuous_future_id"`
	Symbol             string `json:"symbol"`
	CorrelationID      uint64 `json:"correlation_id,omitempty"`
	Requests           int    `json:"requests"`
}

// Snapshot 管理接口看的只读视图
type Snapshot struct {
	Subscriptions []registry.EntrySnapshot `json:"subscriptions"`
	Bindings      []BindingSnapshot        `json:"bindings"`
	Pending       []PendingSnapshot        `json:"pending"`
	Disposed      bool                     `json:"disposed"`
}

func (b *Broker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := Snapshot{
		Subscriptions: b.reg.Snapshot(),
		Bindings:      make([]BindingSnapshot, 0, len(b.bindings)),
		Pending:       make([]PendingSnapshot, 0, len(b.pendingByCF)),
		Disposed:      b.disposed,
	}
	for id, bd := range b.bindings {
		n := 0
		for _, c := range bd.refs {
			n += c
		}
		s.Bindings = append(s.Bindings, BindingSnapshot{
			ContinuousFutureID: id,
			Symbol:             bd.cf.Symbol,
			FrontID:            bd.front.ID,
			FrontSymbol:        bd.front.Symbol,
			Requests:           n,
		})
	}
	for id, p := range b.pendingByCF {
		s.Pending = append(s.Pending, PendingSnapshot{
			ContinuousFutureID: id,
			Symbol:             p.cf.Symbol,
			CorrelationID:      p.corrID,
			Requests:           len(p.reqs),
		})
	}
	sort.Slice(s.Bindings, func(i, j int) bool { return s.Bindings[i].ContinuousFutureID < s.Bindings[j].ContinuousFutureID })
	sort.Slice(s.Pending, func(i, j int) bool { return s.Pending[i].ContinuousFutureID < s.Pending[j].ContinuousFutureID })
	return s
}

// Sources 按注册顺序返回适配器连接状态
func (b *Broker) Sources() []SourceStatus {
	out := make([]SourceStatus, 0, len(b.order))
	for _, name := range b.order {
		out = append(out, SourceStatus{Name: name, Connected: b.sources[name].Connected()})
	}
	return out
}

// HasSource 编排层按名字判断请求能否路由
func (b *Broker) HasSource(name string) bool {
	_, ok := b.sources[name]
	return ok
}

func (b *Broker) Disposed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.disposed
}
