// Package continuous 把连续合约解析成当前的具体合约，并在换月时通知。
package continuous

import (
	"context"
	"errors"
	"time"

	"quotehub.com/internal/quotes/model"
)

var (
	ErrNotContinuous   = errors.New("instrument is not a continuous future")
	ErrNoFrontContract = errors.New("no front contract")
)

// Resolver 异步解析。RequestFrontContract 立刻返回关联 id，结果走 Listener。
// 解析成功后 Resolver 继续跟踪这个连续合约，换月时发 RolledOver，直到 Untrack。
type Resolver interface {
	RequestFrontContract(ctx context.Context, inst model.Instrument, asOf *time.Time) uint64
	Untrack(cfID int)
	SetListener(l Listener)
}

type Listener interface {
	FoundFrontContract(corrID uint64, front model.Instrument, asOf time.Time)
	// FrontContractNotFound 确定解析不了时发，不用等超时
	FrontContractNotFound(corrID uint64, cfID int, err error)
	RolledOver(cfID int, oldFront, newFront model.Instrument)
}

type nopListener struct{}

func (nopListener) FoundFrontContract(uint64, model.Instrument, time.Time) {}
func (nopListener) FrontContractNotFound(uint64, int, error)               {}
func (nopListener) RolledOver(int, model.Instrument, model.Instrument)     {}
