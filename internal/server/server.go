package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/lumacrm/ledger/internal/balance"
	balancedomain "github.com/lumacrm/ledger/internal/balance/domain"
	"github.com/lumacrm/ledger/internal/config"
	"github.com/lumacrm/ledger/internal/events"
	"github.com/lumacrm/ledger/internal/ledger"
	"github.com/lumacrm/ledger/internal/observability"
	obsmiddleware "github.com/lumacrm/ledger/internal/observability/logger"
	obsmetrics "github.com/lumacrm/ledger/internal/observability/metrics"
	obstracing "github.com/lumacrm/ledger/internal/observability/tracing"
	"github.com/lumacrm/ledger/internal/payment"
	paymentdomain "github.com/lumacrm/ledger/internal/payment/domain"
	"github.com/lumacrm/ledger/internal/payment/gateway"
	"github.com/lumacrm/ledger/internal/ratelimit"
	"github.com/lumacrm/ledger/internal/usage"
	usagedomain "github.com/lumacrm/ledger/internal/usage/domain"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	events.Module,
	ledger.Module,
	balance.Module,
	payment.Module,
	usage.Module,
	ratelimit.Module,
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics, policy *config.PolicyHolder) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(obsmetrics.GinMiddleware(httpMetrics))
	r.Use(ErrorHandlingMiddleware(policy))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics, policy *config.PolicyHolder) *gin.Engine {
	return NewEngine(obsCfg, httpMetrics, policy)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine) {
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					panic(err)
				}
			}()
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
	engine     *gin.Engine
	cfg        config.Config
	db         *gorm.DB
	balanceSvc balancedomain.Service
	paymentSvc paymentdomain.Service
	usageSvc   usagedomain.Service
	verifier   *gateway.Verifier
	gatewaycli gateway.Client
	obsMetrics *obsmetrics.Metrics
	limiter    *ratelimit.ConsumeLimiter
}

type ServerParams struct {
	fx.In

	Gin        *gin.Engine
	Cfg        config.Config
	DB         *gorm.DB
	BalanceSvc balancedomain.Service
	PaymentSvc paymentdomain.Service
	UsageSvc   usagedomain.Service
	Verifier   *gateway.Verifier
	GatewayCli gateway.Client
	ObsMetrics *obsmetrics.Metrics       `optional:"true"`
	Limiter    *ratelimit.ConsumeLimiter `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:     p.Gin,
		cfg:        p.Cfg,
		db:         p.DB,
		balanceSvc: p.BalanceSvc,
		paymentSvc: p.PaymentSvc,
		usageSvc:   p.UsageSvc,
		verifier:   p.Verifier,
		gatewaycli: p.GatewayCli,
		obsMetrics: p.ObsMetrics,
		limiter:    p.Limiter,
	}

	svc.registerAPIRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	v1 := s.engine.Group("/v1")

	accounts := v1.Group("/accounts", s.APIKeyRequired())
	{
		accounts.GET("/:owner_id/balance", s.GetBalance)
		accounts.POST("/:owner_id/consume", s.ConsumeRateLimit(), s.Consume)
		accounts.GET("/:owner_id/usage", s.GetUsage)
	}

	payments := v1.Group("/payments")
	{
		// Webhook authenticates with its HMAC signature, not the API key.
		payments.POST("/webhook", s.HandleGatewayWebhook)
		payments.POST("/sessions/:session_id/confirm", s.APIKeyRequired(), s.ConfirmSession)
		payments.GET("/sessions/:session_id", s.APIKeyRequired(), s.GetSession)
	}
}
