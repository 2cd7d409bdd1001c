// Package admin 运维用的 HTTP 接口：健康检查、订阅快照、手动订阅/退订、/metrics。
package admin

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	ginprom "github.com/zsais/go-gin-prometheus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"quotehub.com/internal/quotes/model"
	"quotehub.com/internal/quotes/rtbroker"
	"quotehub.com/pkg/logger"
	"quotehub.com/pkg/middleware"
	"quotehub.com/pkg/ratelimit"
)

type Config struct {
	Addr string `yaml:"addr" mapstructure:"addr"`
	// 每个 ip+route 的限速
	RatePerSecond float64 `yaml:"rate_per_second" mapstructure:"rate_per_second"`
	Burst         int     `yaml:"burst" mapstructure:"burst"`
}

// Broker admin 用到的 broker 能力
type Broker interface {
	RequestRealTimeData(ctx context.Context, req model.RealTimeDataRequest) error
	CancelRealTimeData(ctx context.Context, inst model.Instrument, bs model.BarSize)
	Snapshot() rtbroker.Snapshot
	Sources() []rtbroker.SourceStatus
	Disposed() bool
}

// Book 按 id 查合约定义
type Book interface {
	Instrument(id int) (model.Instrument, bool)
}

// MapBook 配置里加载的合约表
type MapBook map[int]model.Instrument

func (m MapBook) Instrument(id int) (model.Instrument, bool) {
	inst, ok := m[id]
	return inst, ok
}

type Server struct {
	cfg    Config
	broker Broker
	book   Book
	store  *ratelimit.Store
	engine *gin.Engine
}

func New(cfg Config, broker Broker, book Book) *Server {
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 50
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 100
	}
	s := &Server{
		cfg:    cfg,
		broker: broker,
		book:   book,
		store:  ratelimit.NewStore(rate.Limit(cfg.RatePerSecond), cfg.Burst, 10*time.Minute),
	}
	s.engine = s.router()
	return s
}

func (s *Server) router() *gin.Engine {
	r := gin.New()
	// 监控，顺带挂 /metrics
	p := ginprom.NewPrometheus("quotehub_admin")
	p.Use(r)
	r.Use(
		otelgin.Middleware("quotehub-admin"),
		middleware.ReqId(),
		cors.Default(),
		middleware.Recover(),
	)
	r.GET("/healthz", s.healthz)
	r.GET("/readyz", s.readyz)

	api := r.Group("/api/v1", middleware.RateLimit(s.store))
	{
		api.GET("/sources", s.sources)
		api.GET("/subscriptions", s.subscriptions)
		api.POST("/subscriptions", s.subscribe)
		api.DELETE("/subscriptions", s.unsubscribe)
	}
	return r
}

func (s *Server) Handler() http.Handler { return s.engine }

// Mount 挂额外的 GET 路由，比如 websocket 推流
func (s *Server) Mount(path string, h http.Handler) { s.engine.GET(path, gin.WrapH(h)) }

// Run 阻塞到 ctx 结束，然后优雅关闭
func (s *Server) Run(ctx context.Context) error {
	s.store.StartJanitor(ctx, time.Minute)
	srv := &http.Server{
		Addr:           s.cfg.Addr,
		Handler:        s.engine,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	logger.Info(ctx, "admin http listening", zap.String("addr", s.cfg.Addr))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutCtx)
}
