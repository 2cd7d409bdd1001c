package continuous

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"quotehub.com/internal/quotes/model"
	"quotehub.com/pkg/metrics"
	"quotehub.com/pkg/ratelimit"
	"quotehub.com/pkg/xerr"
)

// DatasourceRow / InstrumentRow 元数据库里的表，由外部元数据服务维护，这里只读
type DatasourceRow struct {
	ID   int    `gorm:"primaryKey"`
	Name string `gorm:"size:64;uniqueIndex"`
}

func (DatasourceRow) TableName() string { return "datasources" }

type InstrumentRow struct {
	ID               int    `gorm:"primaryKey"`
	Symbol           string `gorm:"size:64;index"`
	UnderlyingSymbol string `gorm:"size:64;index:idx_ul_type"`
	Type             string `gorm:"size:16;index:idx_ul_type"`
	Expiration       *time.Time
	ContractYear     int
	ContractMonth    int
	DatasourceID     int
	Datasource       DatasourceRow `gorm:"foreignKey:DatasourceID"`
}

func (InstrumentRow) TableName() string { return "instruments" }

func (r InstrumentRow) toModel() model.Instrument {
	return model.Instrument{
		ID:            r.ID,
		Symbol:        r.Symbol,
		Underlying:    r.UnderlyingSymbol,
		Type:          model.ParseInstrumentType(r.Type),
		Datasource:    model.Datasource{ID: r.Datasource.ID, Name: r.Datasource.Name},
		Expiration:    r.Expiration,
		ContractYear:  r.ContractYear,
		ContractMonth: time.Month(r.ContractMonth),
	}
}

// GormCatalog 从元数据库读期货合约，熔断保护，DB 挂了直接失败不拖慢解析
type GormCatalog struct {
	db      *gorm.DB
	breaker *ratelimit.Manager
	timeout time.Duration
}

func NewGormCatalog(db *gorm.DB, breaker *ratelimit.Manager) *GormCatalog {
	return &GormCatalog{db: db, breaker: breaker, timeout: 3 * time.Second}
}

const breakerCatalog = "catalog.contracts"

func (c *GormCatalog) Contracts(ctx context.Context, underlying, feed string) ([]model.Instrument, error) {
	var rows []InstrumentRow
	err := c.breaker.Do(breakerCatalog, func() error {
		qctx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()
		start := time.Now()
		err := c.db.WithContext(qctx).
			Joins("Datasource").
			Where("instruments.underlying_symbol = ? AND instruments.type = ?", underlying, model.TypeFuture.String()).
			Where("Datasource.name = ?", feed).
			Order("instruments.id").
			Find(&rows).Error
		metrics.ObserveQuery("contracts_by_underlying", start, err)
		if err != nil {
			return xerr.Wrap(err, xerr.DbError, "query contracts")
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("catalog %s@%s: %w", underlying, feed, err)
	}
	out := make([]model.Instrument, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out, nil
}
