package continuous

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"quotehub.com/internal/quotes/model"
	"quotehub.com/pkg/logger"
	"quotehub.com/pkg/safe"
)

type Options struct {
	// CheckEvery 换月巡检周期
	CheckEvery time.Duration
	// CacheTTL Cache 非空时生效
	CacheTTL time.Duration
	// LookupTimeout 单次目录查询
	LookupTimeout time.Duration
	Now           func() time.Time
}

type tracked struct {
	cf    model.Instrument
	front model.Instrument
}

// ExpirationResolver 按到期规则解析：目录里取出同标的的合约，SelectFront 选出前月。
type ExpirationResolver struct {
	catalog Catalog
	cache   Cache
	opt     Options

	sf     singleflight.Group
	nextID atomic.Uint64

	mu       sync.Mutex
	listener Listener
	tracked  map[int]*tracked
}

var _ Resolver = (*ExpirationResolver)(nil)

func NewExpirationResolver(catalog Catalog, cache Cache, opt Options) *ExpirationResolver {
	if opt.CheckEvery <= 0 {
		opt.CheckEvery = time.Minute
	}
	if opt.CacheTTL <= 0 {
		opt.CacheTTL = 10 * time.Minute
	}
	if opt.LookupTimeout <= 0 {
		opt.LookupTimeout = 5 * time.Second
	}
	if opt.Now == nil {
		opt.Now = time.Now
	}
	return &ExpirationResolver{
		catalog:  catalog,
		cache:    cache,
		opt:      opt,
		listener: nopListener{},
		tracked:  make(map[int]*tracked, 16),
	}
}

func (r *ExpirationResolver) SetListener(l Listener) {
	r.mu.Lock()
	r.listener = l
	r.mu.Unlock()
}

func (r *ExpirationResolver) getListener() Listener {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.listener
}

// RequestFrontContract 立即返回关联 id，解析在后台协程做。
// asOf 为空表示按当前时间解析，成功后进入换月跟踪；指定 asOf 的历史解析不跟踪。
func (r *ExpirationResolver) RequestFrontContract(ctx context.Context, inst model.Instrument, asOf *time.Time) uint64 {
	id := r.nextID.Add(1)
	// 解析结果要活得比请求方的 ctx 久
	ctx = context.WithoutCancel(ctx)

	safe.GoCtx(ctx, "resolver", func(ctx context.Context) {
		l := r.getListener()
		if !inst.IsContinuousFuture || inst.ContinuousFuture == nil {
			l.FrontContractNotFound(id, 0, fmt.Errorf("%s: %w", inst, ErrNotContinuous))
			return
		}
		cfID := inst.ContinuousFuture.ID

		at := r.opt.Now()
		if asOf != nil {
			at = *asOf
		}
		front, err := r.resolve(ctx, inst, at)
		if err != nil {
			logger.Warn(ctx, "front contract not resolved",
				zap.Int("cf_id", cfID), zap.String("symbol", inst.Symbol), zap.Error(err))
			l.FrontContractNotFound(id, cfID, err)
			return
		}
		if asOf == nil {
			r.mu.Lock()
			r.tracked[cfID] = &tracked{cf: inst, front: front}
			r.mu.Unlock()
		}
		logger.Debug(ctx, "front contract resolved",
			zap.Int("cf_id", cfID), zap.String("symbol", inst.Symbol), zap.String("front", front.Symbol))
		l.FoundFrontContract(id, front, at)
	})
	return id
}

func (r *ExpirationResolver) Untrack(cfID int) {
	r.mu.Lock()
	delete(r.tracked, cfID)
	r.mu.Unlock()
}

// Tracked 当前跟踪中的连续合约 -> 前月合约
func (r *ExpirationResolver) Tracked() map[int]model.Instrument {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[int]model.Instrument, len(r.tracked))
	for id, t := range r.tracked {
		out[id] = t.front
	}
	return out
}

func (r *ExpirationResolver) resolve(ctx context.Context, inst model.Instrument, at time.Time) (model.Instrument, error) {
	cf := *inst.ContinuousFuture
	if cf.RolloverType != model.RollTime {
		logger.Warn(ctx, "rollover type not supported, using time based roll", zap.Int("cf_id", cf.ID))
	}
	underlying := cf.UnderlyingSymbol.Symbol
	if underlying == "" {
		underlying = inst.Underlying
	}
	contracts, err := r.contracts(ctx, underlying, inst.Datasource.Name)
	if err != nil {
		return model.Instrument{}, err
	}
	front, err := SelectFront(cf, contracts, at)
	if err != nil {
		return model.Instrument{}, err
	}
	if front.Datasource.Name == "" {
		front.Datasource = inst.Datasource
	}
	return front, nil
}

// contracts 缓存 -> 目录；同一个 key 并发只查一次
func (r *ExpirationResolver) contracts(ctx context.Context, underlying, feed string) ([]model.Instrument, error) {
	key := catalogKey(underlying, feed)
	v, err, _ := r.sf.Do(key, func() (interface{}, error) {
		if r.cache != nil {
			if list, ok, err := r.cache.Get(ctx, key); err == nil && ok {
				return list, nil
			} else if err != nil {
				logger.Warn(ctx, "contract cache get failed", zap.String("key", key), zap.Error(err))
			}
		}
		lctx, cancel := context.WithTimeout(ctx, r.opt.LookupTimeout)
		defer cancel()
		list, err := r.catalog.Contracts(lctx, underlying, feed)
		if err != nil {
			return nil, err
		}
		if r.cache != nil {
			if err := r.cache.Set(ctx, key, list, r.opt.CacheTTL); err != nil {
				logger.Warn(ctx, "contract cache set failed", zap.String("key", key), zap.Error(err))
			}
		}
		return list, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]model.Instrument), nil
}

// Run 阻塞做换月巡检，ctx 取消退出
func (r *ExpirationResolver) Run(ctx context.Context) {
	ticker := time.NewTicker(r.opt.CheckEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.CheckRollovers(ctx)
		}
	}
}

// CheckRollovers 对每个跟踪中的连续合约按当前时间重新解析，前月变了就发 RolledOver
func (r *ExpirationResolver) CheckRollovers(ctx context.Context) {
	r.mu.Lock()
	snap := make([]tracked, 0, len(r.tracked))
	for _, t := range r.tracked {
		snap = append(snap, *t)
	}
	r.mu.Unlock()

	now := r.opt.Now()
	for _, t := range snap {
		cfID := t.cf.ContinuousFuture.ID
		front, err := r.resolve(ctx, t.cf, now)
		if err != nil {
			// 目录暂时查不到就保持旧绑定，下一轮再看
			logger.Warn(ctx, "rollover check failed", zap.Int("cf_id", cfID), zap.Error(err))
			continue
		}
		if front.ID == t.front.ID {
			continue
		}

		r.mu.Lock()
		cur := r.tracked[cfID]
		if cur == nil || cur.front.ID != t.front.ID {
			r.mu.Unlock()
			continue
		}
		cur.front = front
		l := r.listener
		r.mu.Unlock()

		logger.Info(ctx, "front contract rolled over",
			zap.Int("cf_id", cfID), zap.String("from", t.front.Symbol), zap.String("to", front.Symbol))
		l.RolledOver(cfID, t.front, front)
	}
}
