package rtbroker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"quotehub.com/internal/quotes/model"
	"quotehub.com/pkg/xerr"
)

// gate 让适配器的订阅调用停在 hook 里，open 之后全部放行
type gate struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func holdRequests(t *testing.T, f *fixture) *gate {
	t.Helper()
	g := &gate{entered: make(chan struct{}, 16), release: make(chan struct{})}
	f.src.OnRequest = func(model.Instrument, model.BarSize) {
		g.entered <- struct{}{}
		<-g.release
	}
	// 先于 fixture 的 Dispose 执行，失败时也不会卡住
	t.Cleanup(g.open)
	return g
}

func (g *gate) open() { g.once.Do(func() { close(g.release) }) }

func (g *gate) waitEntered(t *testing.T) {
	t.Helper()
	select {
	case <-g.entered:
	case <-time.After(time.Second):
		t.Fatal("subscribe never reached the source")
	}
}

// aliasCount 某个 Key 上所有 alias 的引用数之和
func aliasCount(b *Broker, instrumentID int, bs model.BarSize) int {
	n := 0
	for _, s := range b.Snapshot().Subscriptions {
		if s.Key.InstrumentID != instrumentID || s.Key.BarSize != bs {
			continue
		}
		for _, a := range s.Aliases {
			n += a.Count
		}
	}
	return n
}

func TestRequest_ConcurrentRequestsShareOneSubscribe(t *testing.T) {
	f := newFixture(t, Options{})
	g := holdRequests(t, f)
	req := model.RealTimeDataRequest{Instrument: spy(), BarSize: model.FiveSeconds}

	const n = 8
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = f.b.RequestRealTimeData(context.Background(), req)
		}(i)
	}

	g.waitEntered(t)
	require.Eventually(t, func() bool { return aliasCount(f.b, 10, model.FiveSeconds) == n }, time.Second, 5*time.Millisecond)
	g.open()
	wg.Wait()

	for i, err := range errs {
		assert.NoError(t, err, "request %d", i)
	}
	assert.Len(t, f.src.Calls("request"), 1)
	assert.Equal(t, n, aliasCount(f.b, 10, model.FiveSeconds))
}

func TestRequest_FailedSubscribeFailsEveryWaiter(t *testing.T) {
	f := newFixture(t, Options{})
	f.src.RequestErr = errors.New("pacing violation")
	g := holdRequests(t, f)
	req := model.RealTimeDataRequest{Instrument: spy(), BarSize: model.FiveSeconds}

	errA, errB := make(chan error, 1), make(chan error, 1)
	go func() { errA <- f.b.RequestRealTimeData(context.Background(), req) }()
	g.waitEntered(t)
	go func() { errB <- f.b.RequestRealTimeData(context.Background(), req) }()
	require.Eventually(t, func() bool { return aliasCount(f.b, 10, model.FiveSeconds) == 2 }, time.Second, 5*time.Millisecond)
	g.open()

	for _, ch := range []chan error{errA, errB} {
		err := <-ch
		require.Error(t, err)
		assert.Equal(t, xerr.UpstreamFailed, xerr.CodeOf(err))
	}
	assert.Empty(t, f.b.Snapshot().Subscriptions)

	// 失败的订阅不再拦着后来的请求
	f.src.RequestErr = nil
	require.NoError(t, f.b.RequestRealTimeData(context.Background(), req))
	assert.Len(t, f.src.Calls("request"), 2)
	assert.Equal(t, 1, aliasCount(f.b, 10, model.FiveSeconds))
	assert.Empty(t, f.src.Calls("cancel"))
}

func TestRequest_CancelDuringFailedSubscribeSkipsUpstreamCancel(t *testing.T) {
	f := newFixture(t, Options{})
	f.src.RequestErr = errors.New("no market data permissions")
	g := holdRequests(t, f)

	errA := make(chan error, 1)
	go func() {
		errA <- f.b.RequestRealTimeData(context.Background(), model.RealTimeDataRequest{Instrument: spy(), BarSize: model.OneMinute})
	}()
	g.waitEntered(t)
	f.b.CancelRealTimeData(context.Background(), spy(), model.OneMinute)
	g.open()

	assert.Equal(t, xerr.UpstreamFailed, xerr.CodeOf(<-errA))
	assert.Empty(t, f.src.Calls("cancel"))
	assert.Empty(t, f.b.Snapshot().Subscriptions)
}

func TestContinuous_FailedFrontSubscribeIsRetriedByNextRequest(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	req := model.RealTimeDataRequest{Instrument: vixCont(), BarSize: model.OneMinute}

	f.src.RequestErr = errors.New("pacing violation")
	require.NoError(t, f.b.RequestRealTimeData(ctx, req))
	f.b.FoundFrontContract(f.lastCorr(), vxFront(2, "VXF24"), time.Now())
	assert.Empty(t, f.b.Snapshot().Subscriptions)
	assert.Len(t, f.b.Snapshot().Bindings, 1)

	f.src.RequestErr = nil
	require.NoError(t, f.b.RequestRealTimeData(ctx, req))
	assert.Len(t, f.src.Calls("request"), 2)
	assert.Equal(t, 1, aliasCount(f.b, 2, model.OneMinute))

	f.b.CancelRealTimeData(ctx, vixCont(), model.OneMinute)
	f.b.CancelRealTimeData(ctx, vixCont(), model.OneMinute)
	assert.Len(t, f.src.Calls("cancel"), 1)
	assert.Empty(t, f.b.Snapshot().Bindings)
	assert.Equal(t, []int{7}, f.res.Untracked())
}

func TestRequest_ExpiredContextReleasesJoin(t *testing.T) {
	f := newFixture(t, Options{})
	g := holdRequests(t, f)
	req := model.RealTimeDataRequest{Instrument: spy(), BarSize: model.FiveSeconds}

	errA := make(chan error, 1)
	go func() { errA <- f.b.RequestRealTimeData(context.Background(), req) }()
	g.waitEntered(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := f.b.RequestRealTimeData(ctx, req)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, aliasCount(f.b, 10, model.FiveSeconds))

	g.open()
	require.NoError(t, <-errA)
	assert.Len(t, f.src.Calls("request"), 1)
	assert.Empty(t, f.src.Calls("cancel"))
	assert.Equal(t, 1, aliasCount(f.b, 10, model.FiveSeconds))
}

func TestRequest_ExpiredContextCancelsQueuedSubscribe(t *testing.T) {
	f := newFixture(t, Options{})
	g := holdRequests(t, f)
	req := model.RealTimeDataRequest{Instrument: spy(), BarSize: model.FiveSeconds}

	// A 占着队列，随后撤掉，Key 变空
	errA := make(chan error, 1)
	go func() { errA <- f.b.RequestRealTimeData(context.Background(), req) }()
	g.waitEntered(t)
	f.b.CancelRealTimeData(context.Background(), spy(), model.FiveSeconds)

	// D 的订阅排在 A 后面，等不到就走
	ctx, cancel := context.WithCancel(context.Background())
	errD := make(chan error, 1)
	go func() { errD <- f.b.RequestRealTimeData(ctx, req) }()
	require.Eventually(t, func() bool { return aliasCount(f.b, 10, model.FiveSeconds) == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-errD, context.Canceled)
	assert.Empty(t, f.b.Snapshot().Subscriptions)

	g.open()
	require.NoError(t, <-errA)
	require.Eventually(t, func() bool { return len(f.src.Calls("cancel")) == 2 }, time.Second, 5*time.Millisecond)

	var ops []string
	for _, c := range f.src.Calls("") {
		ops = append(ops, c.Op)
	}
	assert.Equal(t, []string{"connect", "request", "cancel", "request", "cancel"}, ops)
	assert.Empty(t, f.b.Snapshot().Subscriptions)
}

func TestDispose_WaitsForInflightSubscribe(t *testing.T) {
	f := newFixture(t, Options{})
	g := holdRequests(t, f)

	errA := make(chan error, 1)
	go func() {
		errA <- f.b.RequestRealTimeData(context.Background(), model.RealTimeDataRequest{Instrument: spy(), BarSize: model.OneMinute})
	}()
	g.waitEntered(t)

	disposed := make(chan struct{})
	go func() {
		f.b.Dispose(context.Background())
		close(disposed)
	}()
	select {
	case <-disposed:
		t.Fatal("dispose returned while a subscribe was running")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Empty(t, f.src.Calls("disconnect"))

	g.open()
	require.NoError(t, <-errA)
	select {
	case <-disposed:
	case <-time.After(time.Second):
		t.Fatal("dispose never returned")
	}

	var ops []string
	for _, c := range f.src.Calls("") {
		ops = append(ops, c.Op)
	}
	assert.Equal(t, []string{"connect", "request", "cancel", "disconnect"}, ops)
}

func TestDispose_StopsWaitingWhenContextEnds(t *testing.T) {
	f := newFixture(t, Options{})
	g := holdRequests(t, f)

	go func() {
		_ = f.b.RequestRealTimeData(context.Background(), model.RealTimeDataRequest{Instrument: spy(), BarSize: model.OneMinute})
	}()
	g.waitEntered(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	f.b.Dispose(ctx)
	assert.Len(t, f.src.Calls("disconnect"), 1)
	g.open()
}

func TestContinuous_AbandonedResultWhileOtherResolutionAwaitsID(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	require.NoError(t, f.b.RequestRealTimeData(ctx, model.RealTimeDataRequest{Instrument: vixCont(), BarSize: model.OneMinute}))
	corr := f.lastCorr()
	f.b.CancelRealTimeData(ctx, vixCont(), model.OneMinute)
	require.Equal(t, []int{7}, f.res.Untracked())

	// 另一个连续合约的解析还没拿到关联 id
	other := vixCont()
	other.ID, other.Symbol = 5, "VXMCONTFUT"
	other.ContinuousFuture = &model.ContinuousFuture{ID: 8, InstrumentID: 5, Month: 1, UnderlyingSymbol: model.UnderlyingSymbol{ID: 4, Symbol: "VXM"}}
	f.res.mu.Lock()
	f.res.hold, f.res.held = make(chan struct{}), make(chan struct{}, 1)
	hold, held := f.res.hold, f.res.held
	f.res.mu.Unlock()

	errC := make(chan error, 1)
	go func() {
		errC <- f.b.RequestRealTimeData(ctx, model.RealTimeDataRequest{Instrument: other, BarSize: model.OneMinute})
	}()
	<-held

	f.b.FoundFrontContract(corr, vxFront(2, "VXF24"), time.Now())
	assert.Equal(t, []int{7, 7}, f.res.Untracked())
	assert.Empty(t, f.src.Calls("request"))

	close(hold)
	require.NoError(t, <-errC)
	assert.Equal(t, []int{7, 7}, f.res.Untracked())
	assert.Len(t, f.b.Snapshot().Pending, 1)
}
