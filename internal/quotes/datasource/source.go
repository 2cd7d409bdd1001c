// Package datasource 定义上游行情适配器的能力接口。
// 每个交易所/行情商实现一次，broker 按 Name 匹配。
package datasource

import (
	"context"

	"quotehub.com/internal/quotes/model"
)

// Source 一个可插拔的实时行情源。
//
// RequestRealTimeData/CancelRealTimeData 只负责把订阅意图发给上游，
// 数据通过 Listener.DataReceived 异步回调，回调可能来自适配器自己的任意协程。
type Source interface {
	Name() string
	Connected() bool
	Connect(ctx context.Context) error
	Disconnect() error

	RequestRealTimeData(ctx context.Context, inst model.Instrument, bs model.BarSize) error
	CancelRealTimeData(ctx context.Context, inst model.Instrument, bs model.BarSize) error

	// SetListener 在 Connect 之前调用一次
	SetListener(l Listener)
}

// Listener 适配器向上的回调
type Listener interface {
	// DataReceived ev.Source 必须是适配器 Name；InstrumentID 不知道时填 0，broker 按 Symbol 反查
	DataReceived(ev model.DataEvent)
	ConnectionChanged(source string, connected bool)
	SourceError(source string, err error)
}

// NopListener 适配器未挂 listener 时的占位
type NopListener struct{}

func (NopListener) DataReceived(model.DataEvent)   {}
func (NopListener) ConnectionChanged(string, bool) {}
func (NopListener) SourceError(string, error)      {}
