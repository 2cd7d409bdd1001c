package quotes

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
	"quotehub.com/internal/quotes/admin"
	"quotehub.com/internal/quotes/continuous"
	"quotehub.com/internal/quotes/datasource"
	"quotehub.com/internal/quotes/datasource/binance"
	"quotehub.com/internal/quotes/datasource/coinbase"
	"quotehub.com/internal/quotes/datasource/natsfeed"
	"quotehub.com/internal/quotes/datasource/simulated"
	"quotehub.com/internal/quotes/gateway"
	"quotehub.com/internal/quotes/mdsource"
	"quotehub.com/internal/quotes/model"
	"quotehub.com/internal/quotes/rtbroker"
	"quotehub.com/internal/quotes/ws"
	"quotehub.com/pkg/logger"
	"quotehub.com/pkg/orm"
	"quotehub.com/pkg/ratelimit"
	"quotehub.com/pkg/xredis"
)

// App 一个进程内的全部组件
type App struct {
	cfg  *Cfg
	book admin.MapBook

	db  *gorm.DB
	rdb *redis.Client

	resolver   *continuous.ExpirationResolver
	sources    []datasource.Source
	supervisor *mdsource.Supervisor
	broker     *rtbroker.Broker
	bus        gateway.Broker
	hub        *ws.Hub
	admin      *admin.Server
}

// New 按配置装配。适配器在 broker 构造时就会 Connect
func New(ctx context.Context, cfg *Cfg) (*App, error) {
	book, err := cfg.Book()
	if err != nil {
		return nil, err
	}
	a := &App{cfg: cfg, book: book}
	breaker := ratelimit.NewManager(cfg.Breaker, nil)

	catalog, err := a.catalog(breaker)
	if err != nil {
		a.closeStores()
		return nil, err
	}
	cache, err := a.cache()
	if err != nil {
		a.closeStores()
		return nil, err
	}
	a.resolver = continuous.NewExpirationResolver(catalog, cache, continuous.Options{
		CheckEvery:    cfg.Resolver.CheckEvery,
		CacheTTL:      cfg.Resolver.CacheTTL,
		LookupTimeout: cfg.Resolver.LookupTimeout,
	})

	if a.sources, err = buildSources(cfg.Sources, breaker); err != nil {
		a.closeStores()
		return nil, err
	}
	a.supervisor = mdsource.NewSupervisor(a.sources...)
	if d := cfg.Supervisor.BaseBackoff; d > 0 {
		a.supervisor.BaseBackoff = d
	}
	if d := cfg.Supervisor.MaxBackoff; d > 0 {
		a.supervisor.MaxBackoff = d
	}
	if d := cfg.Supervisor.CheckEvery; d > 0 {
		a.supervisor.CheckEvery = d
	}

	if a.bus, err = newBus(cfg.Gateway); err != nil {
		a.closeStores()
		return nil, err
	}

	a.broker, err = rtbroker.New(ctx, a.sources, a.resolver, rtbroker.Options{
		ResolutionTimeout: cfg.Broker.ResolutionTimeout,
		OnConnectionChanged: func(feed string, connected bool) {
			if !connected {
				a.supervisor.Notify(feed)
			}
		},
	})
	if err != nil {
		_ = a.bus.Close()
		a.closeStores()
		return nil, err
	}
	a.broker.AddListener(gateway.NewPublisher(a.bus))
	a.admin = admin.New(cfg.Admin, a.broker, book)

	// 客户端通过 /ws 按 topic 订阅，hub 按需向总线订阅
	a.hub = ws.NewHub()
	ws.NewBridge(ctx, a.hub, a.bus)
	a.admin.Mount("/ws", ws.NewServer(ctx, a.hub))
	return a, nil
}

func (a *App) catalog(breaker *ratelimit.Manager) (continuous.Catalog, error) {
	switch a.cfg.Resolver.Catalog {
	case "", "static":
		return continuous.NewStaticCatalog(Contracts(a.book)), nil
	case "mysql":
		db, err := orm.NewMySQL(&a.cfg.MySQL)
		if err != nil {
			return nil, err
		}
		a.db = db
		return continuous.NewGormCatalog(db, breaker), nil
	default:
		return nil, fmt.Errorf("unknown catalog %q", a.cfg.Resolver.Catalog)
	}
}

// cache 返回 nil 接口表示不缓存
func (a *App) cache() (continuous.Cache, error) {
	switch a.cfg.Resolver.Cache {
	case "":
		return nil, nil
	case "redis":
		rdb, err := xredis.NewRedis(&a.cfg.Redis)
		if err != nil {
			return nil, err
		}
		a.rdb = rdb
		return continuous.NewRedisCache(rdb, a.cfg.Resolver.CachePrefix), nil
	default:
		return nil, fmt.Errorf("unknown cache %q", a.cfg.Resolver.Cache)
	}
}

func buildSources(list []SourceCfg, breaker *ratelimit.Manager) ([]datasource.Source, error) {
	out := make([]datasource.Source, 0, len(list))
	for i, sc := range list {
		switch sc.Kind {
		case "coinbase":
			out = append(out, coinbase.New(sc.Coinbase, breaker))
		case "binance":
			out = append(out, binance.New(sc.Binance, breaker))
		case "nats":
			out = append(out, natsfeed.New(sc.Nats))
		case "simulated":
			out = append(out, simulated.New(sc.Simulated))
		default:
			return nil, fmt.Errorf("sources[%d]: unknown kind %q", i, sc.Kind)
		}
	}
	return out, nil
}

func newBus(cfg GatewayCfg) (gateway.Broker, error) {
	switch cfg.Kind {
	case "", "mem":
		return gateway.NewMemBroker(), nil
	case "nats":
		url := cfg.NatsURL
		if url == "" {
			url = nats.DefaultURL
		}
		return gateway.NewNatsBroker(url, nats.Name("quotehub-gateway"), nats.MaxReconnects(-1))
	default:
		return nil, fmt.Errorf("unknown gateway kind %q", cfg.Kind)
	}
}

// Run 阻塞到 ctx 取消，然后按依赖反序关闭
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.resolver.Run(gctx)
		return nil
	})
	g.Go(func() error {
		a.supervisor.Run(gctx)
		a.supervisor.Wait()
		return nil
	})
	g.Go(func() error { return a.admin.Run(gctx) })
	if a.cfg.PprofAddr != "" {
		g.Go(func() error { return runPprof(gctx, a.cfg.PprofAddr) })
	}
	g.Go(func() error {
		a.standing(gctx)
		return nil
	})

	err := g.Wait()
	a.shutdown()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// standing 配置里的常驻订阅。失败只记日志，适配器恢复后由运维通过管理接口补订
func (a *App) standing(ctx context.Context) {
	reqs, err := a.cfg.Requests(a.book)
	if err != nil {
		logger.Error(ctx, "standing subscriptions invalid", zap.Error(err))
		return
	}
	for _, req := range reqs {
		if err := a.broker.RequestRealTimeData(ctx, req); err != nil {
			logger.Warn(ctx, "standing subscription failed",
				zap.String("instrument", req.Instrument.String()),
				zap.String("bar_size", req.BarSize.String()),
				zap.Error(err))
			continue
		}
		logger.Info(ctx, "standing subscription active",
			zap.String("instrument", req.Instrument.String()),
			zap.String("bar_size", req.BarSize.String()))
	}
}

func (a *App) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	a.broker.Dispose(ctx)
	if err := a.bus.Close(); err != nil {
		logger.Warn(ctx, "gateway close", zap.Error(err))
	}
	a.closeStores()
	logger.Info(ctx, "quotehub stopped")
}

func (a *App) closeStores() {
	if a.rdb != nil {
		_ = a.rdb.Close()
	}
	if a.db != nil {
		if sqlDB, err := a.db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
}

// Broker 测试和嵌入用
func (a *App) Broker() *rtbroker.Broker { return a.broker }

// Bus 对外发布的总线
func (a *App) Bus() gateway.Broker { return a.bus }

// Book 合约表
func (a *App) Book() map[int]model.Instrument { return a.book }

func runPprof(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	srv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	}
}
