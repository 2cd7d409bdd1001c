package continuous

import (
	"context"
	"sort"
	"strings"
	"sync"

	"quotehub.com/internal/quotes/model"
)

// Catalog 提供某个标的在某个 feed 上的全部具体期货合约
type Catalog interface {
	Contracts(ctx context.Context, underlying, feed string) ([]model.Instrument, error)
}

// StaticCatalog 配置文件里列出的合约，热更新时整体替换
type StaticCatalog struct {
	mu   sync.RWMutex
	byUL map[string][]model.Instrument
}

func NewStaticCatalog(contracts []model.Instrument) *StaticCatalog {
	c := &StaticCatalog{}
	c.Replace(contracts)
	return c
}

func (c *StaticCatalog) Replace(contracts []model.Instrument) {
	byUL := make(map[string][]model.Instrument, 16)
	for _, inst := range contracts {
		if inst.Underlying == "" || inst.IsContinuousFuture {
			continue
		}
		k := catalogKey(inst.Underlying, inst.Datasource.Name)
		byUL[k] = append(byUL[k], inst)
	}
	for _, list := range byUL {
		sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	}
	c.mu.Lock()
	c.byUL = byUL
	c.mu.Unlock()
}

func (c *StaticCatalog) Contracts(ctx context.Context, underlying, feed string) ([]model.Instrument, error) {
	c.mu.RLock()
	list := c.byUL[catalogKey(underlying, feed)]
	c.mu.RUnlock()
	out := make([]model.Instrument, len(list))
	copy(out, list)
	return out, nil
}

func catalogKey(underlying, feed string) string {
	return strings.ToUpper(underlying) + "@" + feed
}
