package model

import "time"

// DataEvent 一根 bar（或一笔 tick）。
// 适配器发出时 Symbol/InstrumentID 是具体合约；broker 转发前改写成 alias。
type DataEvent struct {
	Source       string    `json:"source"`
	Symbol       string    `json:"symbol"`
	InstrumentID int       `json:"instrument_id"`
	BarSize      BarSize   `json:"bar_size"`
	Time         time.Time `json:"time"`

	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume int64   `json:"volume"`

	OpenInterest *int64 `json:"open_interest,omitempty"`
}

// EpochMillis 对外的时间戳
func (e DataEvent) EpochMillis() int64 { return e.Time.UnixMilli() }

// Relabel 换成 alias 身份，数值不动
func (e DataEvent) Relabel(a Alias) DataEvent {
	e.Symbol = a.Symbol
	e.InstrumentID = a.InstrumentID
	return e
}

// ResolutionError 连续合约无法绑定到具体合约
type ResolutionError struct {
	ContinuousFutureID int    `json:"continuous_future_id"`
	InstrumentID       int    `json:"instrument_id"`
	Symbol             string `json:"symbol"`
	Reason             string `json:"reason"`
}
