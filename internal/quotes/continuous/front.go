package continuous

import (
	"fmt"
	"sort"
	"time"

	"quotehub.com/internal/quotes/model"
)

type dated struct {
	inst model.Instrument
	exp  time.Time
}

// SelectFront 按到期日排序，跳过 asOf 时已经到换月点的合约，取第 cf.Month 个。
// 换月点 = 到期日往前 RolloverDays 个自然日。
func SelectFront(cf model.ContinuousFuture, contracts []model.Instrument, asOf time.Time) (model.Instrument, error) {
	list := make([]dated, 0, len(contracts))
	for _, c := range contracts {
		if c.IsContinuousFuture {
			continue
		}
		exp, ok := model.ExpirationOf(c, cf.UnderlyingSymbol.Rule)
		if !ok {
			continue
		}
		roll := exp.AddDate(0, 0, -cf.RolloverDays)
		if !asOf.Before(roll) {
			continue
		}
		list = append(list, dated{inst: c, exp: exp})
	}
	sort.SliceStable(list, func(i, j int) bool { return list[i].exp.Before(list[j].exp) })

	n := cf.Month
	if n < 1 {
		n = 1
	}
	if len(list) < n {
		return model.Instrument{}, fmt.Errorf("%w: %s month %d as of %s (%d live contracts)",
			ErrNoFrontContract, cf.UnderlyingSymbol.Symbol, n, asOf.Format(time.DateOnly), len(list))
	}
	return list[n-1].inst, nil
}
