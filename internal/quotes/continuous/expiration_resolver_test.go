package continuous

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"quotehub.com/internal/quotes/model"
)

type found struct {
	corr  uint64
	front model.Instrument
}

type notFound struct {
	corr uint64
	cfID int
	err  error
}

type rolled struct {
	cfID     int
	from, to model.Instrument
}

type chanListener struct {
	found    chan found
	notFound chan notFound
	rolled   chan rolled
}

func newChanListener() *chanListener {
	return &chanListener{
		found:    make(chan found, 8),
		notFound: make(chan notFound, 8),
		rolled:   make(chan rolled, 8),
	}
}

func (l *chanListener) FoundFrontContract(corr uint64, front model.Instrument, _ time.Time) {
	l.found <- found{corr, front}
}

func (l *chanListener) FrontContractNotFound(corr uint64, cfID int, err error) {
	l.notFound <- notFound{corr, cfID, err}
}

func (l *chanListener) RolledOver(cfID int, from, to model.Instrument) {
	l.rolled <- rolled{cfID, from, to}
}

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for callback")
	}
	var zero T
	return zero
}

// clock 测试里可拨动的时间
type clock struct{ now atomic.Pointer[time.Time] }

func newClock(t time.Time) *clock {
	c := &clock{}
	c.Set(t)
	return c
}

func (c *clock) Set(t time.Time) { c.now.Store(&t) }
func (c *clock) Now() time.Time  { return *c.now.Load() }

func vixCF() model.Instrument {
	return model.Instrument{
		ID:                 1,
		Symbol:             "VIXCONTFUT",
		Datasource:         model.Datasource{ID: 1, Name: "ib"},
		IsContinuousFuture: true,
		ContinuousFuture: &model.ContinuousFuture{
			ID:               7,
			InstrumentID:     1,
			Month:            1,
			UnderlyingSymbol: model.UnderlyingSymbol{ID: 3, Symbol: "VIX"},
		},
	}
}

func newTestResolver(cat Catalog, cache Cache, clk *clock) (*ExpirationResolver, *chanListener) {
	r := NewExpirationResolver(cat, cache, Options{Now: clk.Now})
	l := newChanListener()
	r.SetListener(l)
	return r, l
}

func TestResolver_FoundAndTracked(t *testing.T) {
	clk := newClock(date(2024, time.January, 2))
	r, l := newTestResolver(NewStaticCatalog(vixChain()), nil, clk)

	corr := r.RequestFrontContract(context.Background(), vixCF(), nil)
	got := recv(t, l.found)
	assert.Equal(t, corr, got.corr)
	assert.Equal(t, "VXF24", got.front.Symbol)
	assert.Equal(t, map[int]model.Instrument{7: got.front}, r.Tracked())

	second := r.RequestFrontContract(context.Background(), vixCF(), nil)
	assert.Greater(t, second, corr)
	recv(t, l.found)
}

func TestResolver_AsOfIsNotTracked(t *testing.T) {
	clk := newClock(date(2024, time.January, 2))
	r, l := newTestResolver(NewStaticCatalog(vixChain()), nil, clk)

	asOf := date(2024, time.February, 1)
	r.RequestFrontContract(context.Background(), vixCF(), &asOf)
	got := recv(t, l.found)
	assert.Equal(t, "VXG24", got.front.Symbol)
	assert.Empty(t, r.Tracked())
}

func TestResolver_NotFound(t *testing.T) {
	clk := newClock(date(2025, time.January, 2))
	r, l := newTestResolver(NewStaticCatalog(vixChain()), nil, clk)

	corr := r.RequestFrontContract(context.Background(), vixCF(), nil)
	nf := recv(t, l.notFound)
	assert.Equal(t, corr, nf.corr)
	assert.Equal(t, 7, nf.cfID)
	assert.ErrorIs(t, nf.err, ErrNoFrontContract)
	assert.Empty(t, r.Tracked())
}

func TestResolver_NotContinuous(t *testing.T) {
	clk := newClock(date(2024, time.January, 2))
	r, l := newTestResolver(NewStaticCatalog(vixChain()), nil, clk)

	r.RequestFrontContract(context.Background(), vixChain()[0], nil)
	nf := recv(t, l.notFound)
	assert.ErrorIs(t, nf.err, ErrNotContinuous)
}

func TestResolver_CheckRollovers(t *testing.T) {
	clk := newClock(date(2024, time.January, 2))
	r, l := newTestResolver(NewStaticCatalog(vixChain()), nil, clk)

	r.RequestFrontContract(context.Background(), vixCF(), nil)
	recv(t, l.found)

	r.CheckRollovers(context.Background())
	assert.Empty(t, l.rolled)

	clk.Set(date(2024, time.January, 17))
	r.CheckRollovers(context.Background())
	ev := recv(t, l.rolled)
	assert.Equal(t, 7, ev.cfID)
	assert.Equal(t, "VXF24", ev.from.Symbol)
	assert.Equal(t, "VXG24", ev.to.Symbol)
	assert.Equal(t, "VXG24", r.Tracked()[7].Symbol)

	// 同一个前月不重复通知
	r.CheckRollovers(context.Background())
	assert.Empty(t, l.rolled)
}

func TestResolver_UntrackStopsRollovers(t *testing.T) {
	clk := newClock(date(2024, time.January, 2))
	r, l := newTestResolver(NewStaticCatalog(vixChain()), nil, clk)

	r.RequestFrontContract(context.Background(), vixCF(), nil)
	recv(t, l.found)
	r.Untrack(7)

	clk.Set(date(2024, time.February, 1))
	r.CheckRollovers(context.Background())
	assert.Empty(t, l.rolled)
	assert.Empty(t, r.Tracked())
}

func TestResolver_CatalogFailureKeepsBinding(t *testing.T) {
	clk := newClock(date(2024, time.January, 2))
	cat := &countingCatalog{list: vixChain()}
	r, l := newTestResolver(cat, nil, clk)

	r.RequestFrontContract(context.Background(), vixCF(), nil)
	recv(t, l.found)

	cat.setErr(errors.New("db down"))
	clk.Set(date(2024, time.February, 1))
	r.CheckRollovers(context.Background())
	assert.Empty(t, l.rolled)
	assert.Equal(t, "VXF24", r.Tracked()[7].Symbol)
}

func TestResolver_RunStopsOnCancel(t *testing.T) {
	clk := newClock(date(2024, time.January, 2))
	r := NewExpirationResolver(NewStaticCatalog(vixChain()), nil, Options{Now: clk.Now, CheckEvery: time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
}

type countingCatalog struct {
	mu    sync.Mutex
	list  []model.Instrument
	err   error
	calls int
}

func (c *countingCatalog) Contracts(ctx context.Context, underlying, feed string) ([]model.Instrument, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	return append([]model.Instrument(nil), c.list...), nil
}

func (c *countingCatalog) setErr(err error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
}

func (c *countingCatalog) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

type memCache struct {
	mu sync.Mutex
	m  map[string][]model.Instrument
}

func (c *memCache) Get(_ context.Context, key string) ([]model.Instrument, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	list, ok := c.m[key]
	return list, ok, nil
}

func (c *memCache) Set(_ context.Context, key string, list []model.Instrument, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.m == nil {
		c.m = make(map[string][]model.Instrument)
	}
	c.m[key] = list
	return nil
}

func TestResolver_UsesCache(t *testing.T) {
	clk := newClock(date(2024, time.January, 2))
	cat := &countingCatalog{list: vixChain()}
	cache := &memCache{}
	r, l := newTestResolver(cat, cache, clk)

	r.RequestFrontContract(context.Background(), vixCF(), nil)
	recv(t, l.found)
	r.RequestFrontContract(context.Background(), vixCF(), nil)
	recv(t, l.found)

	assert.Equal(t, 1, cat.Calls())
	list, ok, err := cache.Get(context.Background(), catalogKey("VIX", "ib"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Len(t, list, 3)
}

func TestStaticCatalog_FiltersByUnderlyingAndFeed(t *testing.T) {
	other := future(20, "ESH24", date(2024, time.March, 15))
	other.Underlying = "ES"
	cont := vixCF()
	cont.Underlying = "VIX"
	cat := NewStaticCatalog(append(vixChain(), other, cont))

	list, err := cat.Contracts(context.Background(), "vix", "ib")
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, []int{2, 3, 4}, []int{list[0].ID, list[1].ID, list[2].ID})

	list, err = cat.Contracts(context.Background(), "VIX", "coinbase")
	require.NoError(t, err)
	assert.Empty(t, list)
}
