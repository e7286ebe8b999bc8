package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/bookingpay/internal/clock"
	"github.com/smallbiznis/bookingpay/internal/config"
	"github.com/smallbiznis/bookingpay/internal/gateway"
	gatewaydomain "github.com/smallbiznis/bookingpay/internal/gateway/domain"
	"github.com/smallbiznis/bookingpay/internal/ledger"
	ledgerdomain "github.com/smallbiznis/bookingpay/internal/ledger/domain"
	"github.com/smallbiznis/bookingpay/internal/notification"
	notificationdomain "github.com/smallbiznis/bookingpay/internal/notification/domain"
	"github.com/smallbiznis/bookingpay/internal/observability"
	obsmiddleware "github.com/smallbiznis/bookingpay/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/bookingpay/internal/observability/metrics"
	obstracing "github.com/smallbiznis/bookingpay/internal/observability/tracing"
	"github.com/smallbiznis/bookingpay/internal/providers"
	"github.com/smallbiznis/bookingpay/internal/ratelimit"
	"github.com/smallbiznis/bookingpay/internal/reconcile"
	reconciledomain "github.com/smallbiznis/bookingpay/internal/reconcile/domain"
	"github.com/smallbiznis/bookingpay/internal/scheduler"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	gateway.Module,
	ledger.Module,
	providers.Module,
	notification.Module,
	reconcile.Module,
	ratelimit.Module,
	scheduler.Module,
	fx.Provide(NewEngine),
	fx.Provide(NewServer),
	fx.Invoke(func(s *Server) {
		s.RegisterRoutes()
	}),
	fx.Invoke(RunHTTP),
)

func NewEngine(cfg config.Config, obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(obsmetrics.GinMiddleware(httpMetrics))
	r.Use(CORS(cfg.AppOrigin))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.NoMethod(func(c *gin.Context) {
		AbortWithError(c, ErrMethodNotAllowed)
	})
	r.NoRoute(func(c *gin.Context) {
		AbortWithError(c, ErrNotFound)
	})

	return r
}

func RunHTTP(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("http.listen_failed", zap.String("addr", srv.Addr), zap.Error(err))
				}
			}()
			log.Info("http.listening", zap.String("addr", srv.Addr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine          *gin.Engine
	cfg             config.Config
	log             *zap.Logger
	clock           clock.Clock
	gateway         gatewaydomain.Client
	ledger          ledgerdomain.Service
	reconcile       reconciledomain.Service
	notifier        notificationdomain.Notifier
	sweeper         sweeper
	checkoutLimiter *ratelimit.CheckoutLimiter
	obsMetrics      *obsmetrics.Metrics
}

// sweeper is the slice of the scheduler the cron endpoint needs.
type sweeper interface {
	Sweep(ctx context.Context) scheduler.Summary
}

type ServerParams struct {
	fx.In

	Gin             *gin.Engine
	Cfg             config.Config
	Log             *zap.Logger
	Clock           clock.Clock
	Gateway         gatewaydomain.Client
	Ledger          ledgerdomain.Service
	Reconcile       reconciledomain.Service
	Notifier        notificationdomain.Notifier
	Scheduler       *scheduler.Scheduler
	CheckoutLimiter *ratelimit.CheckoutLimiter `optional:"true"`
	ObsMetrics      *obsmetrics.Metrics        `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	clk := p.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &Server{
		engine:          p.Gin,
		cfg:             p.Cfg,
		log:             p.Log.Named("server"),
		clock:           clk,
		gateway:         p.Gateway,
		ledger:          p.Ledger,
		reconcile:       p.Reconcile,
		notifier:        p.Notifier,
		sweeper:         p.Scheduler,
		checkoutLimiter: p.CheckoutLimiter,
		obsMetrics:      p.ObsMetrics,
	}
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) RegisterRoutes() {
	r := s.engine

	r.POST("/webhook", s.HandleWebhook)
	r.POST("/reconcile", s.InternalTokenRequired(), s.Reconcile)
	r.GET("/payment-status", s.GetPaymentStatus)
	r.POST("/verify-payment", s.CheckoutRateLimit("verify_payment"), s.VerifyPayment)
	r.POST("/cron-reconcile", s.CronSecretRequired(), s.CronReconcile)

	r.POST("/create-order", s.CheckoutRateLimit("create_order"), s.CreateOrder)
	r.POST("/resend-confirmation", s.InternalTokenRequired(), s.ResendConfirmation)
}
