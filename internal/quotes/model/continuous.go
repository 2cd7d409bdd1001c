package model

import "time"

type RolloverType uint8

const (
	// RollTime 到期前 RolloverDays 天切换，目前唯一实现的方式
	RollTime RolloverType = iota
	RollVolume
	RollOpenInterest
)

// ContinuousFuture 连续合约定义。Month=1 表示近月，2 表示次近月，以此类推
type ContinuousFuture struct {
	ID               int              `json:"id"`
	InstrumentID     int              `json:"instrument_id"`
	Month            int              `json:"month"`
	UnderlyingSymbol UnderlyingSymbol `json:"underlying_symbol"`
	RolloverType     RolloverType     `json:"rollover_type"`
	RolloverDays     int              `json:"rollover_days"`
}

type UnderlyingSymbol struct {
	ID     int            `json:"id"`
	Symbol string         `json:"symbol"`
	Rule   ExpirationRule `json:"rule"`
}

type DayType uint8

const (
	BusinessDays DayType = iota
	CalendarDays
)

type RelativeMonth int8

const (
	PreviousMonth RelativeMonth = -1
	CurrentMonth  RelativeMonth = 0
	NextMonth     RelativeMonth = 1
)

type WeekDayCount uint8

const (
	FirstWeekDay WeekDayCount = iota + 1
	SecondWeekDay
	ThirdWeekDay
	FourthWeekDay
	LastWeekDay
)

// ExpirationRule 描述合约到期日：先定参考日，再往前数 DaysBefore 天。
//
// 参考日取法（按优先级）：
//   - ReferenceDayIsLastBusinessDayOfMonth：参考月最后一个工作日
//   - ReferenceUsesDays：参考月第 ReferenceDays 天
//   - 否则：参考月第 N 个（或最后一个）ReferenceWeekDay
//
// 工作日只排除周末，交易所假日日历不在这里处理。
type ExpirationRule struct {
	DaysBefore                           int           `json:"days_before" mapstructure:"days_before"`
	DayType                              DayType       `json:"day_type" mapstructure:"day_type"`
	ReferenceRelativeMonth               RelativeMonth `json:"reference_relative_month" mapstructure:"reference_relative_month"`
	ReferenceUsesDays                    bool          `json:"reference_uses_days" mapstructure:"reference_uses_days"`
	ReferenceDays                        int           `json:"reference_days" mapstructure:"reference_days"`
	ReferenceWeekDay                     time.Weekday  `json:"reference_week_day" mapstructure:"reference_week_day"`
	ReferenceWeekDayCount                WeekDayCount  `json:"reference_week_day_count" mapstructure:"reference_week_day_count"`
	ReferenceDayMustBeBusinessDay        bool          `json:"reference_day_must_be_business_day" mapstructure:"reference_day_must_be_business_day"`
	ReferenceDayIsLastBusinessDayOfMonth bool          `json:"reference_day_is_last_business_day_of_month" mapstructure:"reference_day_is_last_business_day_of_month"`
}

// Expiration 合约月份 (year, month) 的到期日（UTC 零点）
func (r ExpirationRule) Expiration(year int, month time.Month) time.Time {
	first := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC).AddDate(0, int(r.ReferenceRelativeMonth), 0)
	ref := r.referenceDay(first)

	if r.ReferenceDayMustBeBusinessDay {
		for !isBusinessDay(ref) {
			ref = ref.AddDate(0, 0, -1)
		}
	}

	if r.DayType == CalendarDays {
		return ref.AddDate(0, 0, -r.DaysBefore)
	}
	d := ref
	for n := r.DaysBefore; n > 0; {
		d = d.AddDate(0, 0, -1)
		if isBusinessDay(d) {
			n--
		}
	}
	return d
}

func (r ExpirationRule) referenceDay(first time.Time) time.Time {
	last := first.AddDate(0, 1, -1)
	switch {
	case r.ReferenceDayIsLastBusinessDayOfMonth:
		d := last
		for !isBusinessDay(d) {
			d = d.AddDate(0, 0, -1)
		}
		return d
	case r.ReferenceUsesDays:
		day := r.ReferenceDays
		if day < 1 {
			day = 1
		}
		if day > last.Day() {
			day = last.Day()
		}
		return time.Date(first.Year(), first.Month(), day, 0, 0, 0, 0, time.UTC)
	}

	if r.ReferenceWeekDayCount == LastWeekDay {
		d := last
		for d.Weekday() != r.ReferenceWeekDay {
			d = d.AddDate(0, 0, -1)
		}
		return d
	}
	n := int(r.ReferenceWeekDayCount)
	if n < 1 {
		n = 1
	}
	d := first
	for d.Weekday() != r.ReferenceWeekDay {
		d = d.AddDate(0, 0, 1)
	}
	return d.AddDate(0, 0, 7*(n-1))
}

func isBusinessDay(t time.Time) bool {
	wd := t.Weekday()
	return wd != time.Saturday && wd != time.Sunday
}

// ExpirationOf 优先用合约自带的到期日，其次按规则推算；都没有返回 false
func ExpirationOf(inst Instrument, rule ExpirationRule) (time.Time, bool) {
	if inst.Expiration != nil {
		return *inst.Expiration, true
	}
	if inst.ContractYear == 0 || inst.ContractMonth == 0 {
		return time.Time{}, false
	}
	return rule.Expiration(inst.ContractYear, inst.ContractMonth), true
}
