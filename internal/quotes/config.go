// Package quotes 行情路由服务的装配：配置、适配器、解析器、broker、对外发布和管理接口。
package quotes

import (
	"fmt"
	"time"

	"quotehub.com/internal/quotes/admin"
	"quotehub.com/internal/quotes/datasource/binance"
	"quotehub.com/internal/quotes/datasource/coinbase"
	"quotehub.com/internal/quotes/datasource/natsfeed"
	"quotehub.com/internal/quotes/datasource/simulated"
	"quotehub.com/internal/quotes/model"
	"quotehub.com/pkg/logger"
	"quotehub.com/pkg/orm"
	"quotehub.com/pkg/ratelimit"
	"quotehub.com/pkg/trace"
	"quotehub.com/pkg/xredis"
)

// 总配置
type Cfg struct {
	Name      string       `yaml:"name" mapstructure:"name"`
	Log       LogCfg       `yaml:"log" mapstructure:"log"`
	Admin     admin.Config `yaml:"admin" mapstructure:"admin"`
	PprofAddr string       `yaml:"pprof_addr" mapstructure:"pprof_addr"`
	Trace     trace.Config `yaml:"trace" mapstructure:"trace"`

	Broker     BrokerCfg      `yaml:"broker" mapstructure:"broker"`
	Resolver   ResolverCfg    `yaml:"resolver" mapstructure:"resolver"`
	Supervisor SupervisorCfg  `yaml:"supervisor" mapstructure:"supervisor"`
	Breaker    ratelimit.Rule `yaml:"breaker" mapstructure:"breaker"`
	Gateway    GatewayCfg     `yaml:"gateway" mapstructure:"gateway"`

	MySQL orm.Config    `yaml:"mysql" mapstructure:"mysql"`
	Redis xredis.Config `yaml:"redis" mapstructure:"redis"`

	Sources           []SourceCfg       `yaml:"sources" mapstructure:"sources"`
	Instruments       []InstrumentCfg   `yaml:"instruments" mapstructure:"instruments"`
	Underlyings       []UnderlyingCfg   `yaml:"underlyings" mapstructure:"underlyings"`
	ContinuousFutures []ContinuousCfg   `yaml:"continuous_futures" mapstructure:"continuous_futures"`
	Subscriptions     []SubscriptionCfg `yaml:"subscriptions" mapstructure:"subscriptions"`
}

type LogCfg struct {
	Level          string `yaml:"level" mapstructure:"level"`
	logger.Options `yaml:",inline" mapstructure:",squash"`
}

type BrokerCfg struct {
	ResolutionTimeout time.Duration `yaml:"resolution_timeout" mapstructure:"resolution_timeout"`
}

type ResolverCfg struct {
	CheckEvery    time.Duration `yaml:"check_every" mapstructure:"check_every"`
	CacheTTL      time.Duration `yaml:"cache_ttl" mapstructure:"cache_ttl"`
	LookupTimeout time.Duration `yaml:"lookup_timeout" mapstructure:"lookup_timeout"`
	// Catalog static 用配置里的 instruments，mysql 查库
	Catalog string `yaml:"catalog" mapstructure:"catalog"`
	// Cache redis 或空
	Cache       string `yaml:"cache" mapstructure:"cache"`
	CachePrefix string `yaml:"cache_prefix" mapstructure:"cache_prefix"`
}

type SupervisorCfg struct {
	BaseBackoff time.Duration `yaml:"base_backoff" mapstructure:"base_backoff"`
	MaxBackoff  time.Duration `yaml:"max_backoff" mapstructure:"max_backoff"`
	CheckEvery  time.Duration `yaml:"check_every" mapstructure:"check_every"`
}

type GatewayCfg struct {
	// Kind mem 或 nats
	Kind    string `yaml:"kind" mapstructure:"kind"`
	NatsURL string `yaml:"nats_url" mapstructure:"nats_url"`
}

// SourceCfg Kind 决定读哪一段子配置
type SourceCfg struct {
	Kind      string           `yaml:"kind" mapstructure:"kind"`
	Coinbase  coinbase.Config  `yaml:"coinbase" mapstructure:"coinbase"`
	Binance   binance.Config   `yaml:"binance" mapstructure:"binance"`
	Nats      natsfeed.Config  `yaml:"nats" mapstructure:"nats"`
	Simulated simulated.Config `yaml:"simulated" mapstructure:"simulated"`
}

type InstrumentCfg struct {
	ID            int    `yaml:"id" mapstructure:"id"`
	Symbol        string `yaml:"symbol" mapstructure:"symbol"`
	Underlying    string `yaml:"underlying" mapstructure:"underlying"`
	Type          string `yaml:"type" mapstructure:"type"`
	Feed          string `yaml:"feed" mapstructure:"feed"`
	Expiration    string `yaml:"expiration" mapstructure:"expiration"` // 2006-01-02
	ContractYear  int    `yaml:"contract_year" mapstructure:"contract_year"`
	ContractMonth int    `yaml:"contract_month" mapstructure:"contract_month"`
}

type UnderlyingCfg struct {
	ID     int                  `yaml:"id" mapstructure:"id"`
	Symbol string               `yaml:"symbol" mapstructure:"symbol"`
	Rule   model.ExpirationRule `yaml:"rule" mapstructure:"rule"`
}

type ContinuousCfg struct {
	ID           int    `yaml:"id" mapstructure:"id"`
	InstrumentID int    `yaml:"instrument_id" mapstructure:"instrument_id"`
	Underlying   string `yaml:"underlying" mapstructure:"underlying"`
	Month        int    `yaml:"month" mapstructure:"month"`
	RolloverDays int    `yaml:"rollover_days" mapstructure:"rollover_days"`
}

type SubscriptionCfg struct {
	InstrumentID int    `yaml:"instrument_id" mapstructure:"instrument_id"`
	BarSize      string `yaml:"bar_size" mapstructure:"bar_size"`
}

// Book 把 instruments / underlyings / continuous_futures 拼成完整的合约表
func (c *Cfg) Book() (admin.MapBook, error) {
	rules := make(map[string]model.UnderlyingSymbol, len(c.Underlyings))
	for _, u := range c.Underlyings {
		rules[u.Symbol] = model.UnderlyingSymbol{ID: u.ID, Symbol: u.Symbol, Rule: u.Rule}
	}

	book := make(admin.MapBook, len(c.Instruments))
	for _, ic := range c.Instruments {
		if _, dup := book[ic.ID]; dup {
			return nil, fmt.Errorf("instrument %d defined twice", ic.ID)
		}
		inst := model.Instrument{
			ID:            ic.ID,
			Symbol:        ic.Symbol,
			Underlying:    ic.Underlying,
			Type:          model.ParseInstrumentType(ic.Type),
			Datasource:    model.Datasource{Name: ic.Feed},
			ContractYear:  ic.ContractYear,
			ContractMonth: time.Month(ic.ContractMonth),
		}
		if ic.Expiration != "" {
			exp, err := time.Parse("2006-01-02", ic.Expiration)
			if err != nil {
				return nil, fmt.Errorf("instrument %d expiration: %w", ic.ID, err)
			}
			inst.Expiration = &exp
		}
		book[ic.ID] = inst
	}

	for _, cc := range c.ContinuousFutures {
		inst, ok := book[cc.InstrumentID]
		if !ok {
			return nil, fmt.Errorf("continuous future %d: instrument %d not defined", cc.ID, cc.InstrumentID)
		}
		u, ok := rules[cc.Underlying]
		if !ok {
			return nil, fmt.Errorf("continuous future %d: underlying %q not defined", cc.ID, cc.Underlying)
		}
		month := cc.Month
		if month <= 0 {
			month = 1
		}
		inst.IsContinuousFuture = true
		inst.Underlying = u.Symbol
		inst.ContinuousFuture = &model.ContinuousFuture{
			ID:               cc.ID,
			InstrumentID:     inst.ID,
			Month:            month,
			UnderlyingSymbol: u,
			RolloverType:     model.RollTime,
			RolloverDays:     cc.RolloverDays,
		}
		book[inst.ID] = inst
	}
	return book, nil
}

// Contracts 静态目录用的具体期货合约
func Contracts(book admin.MapBook) []model.Instrument {
	out := make([]model.Instrument, 0, len(book))
	for _, inst := range book {
		if inst.Type == model.TypeFuture && !inst.IsContinuousFuture {
			out = append(out, inst)
		}
	}
	return out
}

// Requests 常驻订阅
func (c *Cfg) Requests(book admin.MapBook) ([]model.RealTimeDataRequest, error) {
	out := make([]model.RealTimeDataRequest, 0, len(c.Subscriptions))
	for _, s := range c.Subscriptions {
		inst, ok := book[s.InstrumentID]
		if !ok {
			return nil, fmt.Errorf("subscription: instrument %d not defined", s.InstrumentID)
		}
		bs, err := model.ParseBarSize(s.BarSize)
		if err != nil {
			return nil, fmt.Errorf("subscription %d: %w", s.InstrumentID, err)
		}
		out = append(out, model.RealTimeDataRequest{Instrument: inst, BarSize: bs})
	}
	return out, nil
}
