package model

import (
	"fmt"
	"time"
)

// Datasource 一个上游行情源（feed），Name 用来匹配适配器
type Datasource struct {
	ID   int    `json:"id" yaml:"id" mapstructure:"id"`
	Name string `json:"name" yaml:"name" mapstructure:"name"`
}

type InstrumentType uint8

const (
	TypeStock InstrumentType = iota + 1
	TypeFuture
	TypeCrypto
	TypeIndex
)

func (t InstrumentType) String() string {
	switch t {
	case TypeStock:
		return "stock"
	case TypeFuture:
		return "future"
	case TypeCrypto:
		return "crypto"
	case TypeIndex:
		return "index"
	default:
		return "unknown"
	}
}

func ParseInstrumentType(s string) InstrumentType {
	switch s {
	case "stock", "STK":
		return TypeStock
	case "future", "FUT":
		return TypeFuture
	case "crypto":
		return TypeCrypto
	case "index", "IND":
		return TypeIndex
	default:
		return 0
	}
}

// Instrument 请求里流转的合约定义，请求期间只读。
// 连续合约只改 broker 内部的绑定，不改这里。
type Instrument struct {
	ID         int            `json:"id"`
	Symbol     string         `json:"symbol"`
	Underlying string         `json:"underlying,omitempty"`
	Type       InstrumentType `json:"type,omitempty"`
	Datasource Datasource     `json:"datasource"`

	// Expiration 期货到期日，nil 表示由 ExpirationRule 按合约月份推算
	Expiration    *time.Time `json:"expiration,omitempty"`
	ContractYear  int        `json:"contract_year,omitempty"`
	ContractMonth time.Month `json:"contract_month,omitempty"`

	IsContinuousFuture bool              `json:"is_continuous_future,omitempty"`
	ContinuousFuture   *ContinuousFuture `json:"continuous_future,omitempty"`
}

func (i Instrument) String() string {
	return fmt.Sprintf("%s#%d@%s", i.Symbol, i.ID, i.Datasource.Name)
}

// RealTimeDataRequest 一次实时订阅请求
type RealTimeDataRequest struct {
	Instrument Instrument
	BarSize    BarSize
}

// Alias 是对外发布时使用的身份（通常就是请求合约自己的 symbol）
func (r RealTimeDataRequest) Alias() Alias {
	return Alias{InstrumentID: r.Instrument.ID, Symbol: r.Instrument.Symbol}
}

// Alias 客户端看到的合约身份
type Alias struct {
	InstrumentID int    `json:"instrument_id"`
	Symbol       string `json:"symbol"`
}

func (a Alias) String() string { return fmt.Sprintf("%s#%d", a.Symbol, a.InstrumentID) }
