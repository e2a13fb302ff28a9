package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/walletledger/internal/audit"
	"github.com/smallbiznis/walletledger/internal/authorization"
	"github.com/smallbiznis/walletledger/internal/billingreport"
	billingreportdomain "github.com/smallbiznis/walletledger/internal/billingreport/domain"
	"github.com/smallbiznis/walletledger/internal/billingreport/statement"
	"github.com/smallbiznis/walletledger/internal/catalog"
	catalogdomain "github.com/smallbiznis/walletledger/internal/catalog/domain"
	"github.com/smallbiznis/walletledger/internal/clock"
	"github.com/smallbiznis/walletledger/internal/config"
	"github.com/smallbiznis/walletledger/internal/observability"
	obslogger "github.com/smallbiznis/walletledger/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/walletledger/internal/observability/metrics"
	obstracing "github.com/smallbiznis/walletledger/internal/observability/tracing"
	"github.com/smallbiznis/walletledger/internal/ratelimit"
	"github.com/smallbiznis/walletledger/internal/subscription"
	subscriptiondomain "github.com/smallbiznis/walletledger/internal/subscription/domain"
	"github.com/smallbiznis/walletledger/internal/usage"
	usagedomain "github.com/smallbiznis/walletledger/internal/usage/domain"
	"github.com/smallbiznis/walletledger/internal/usage/liveevents"
	"github.com/smallbiznis/walletledger/internal/wallet"
	walletdomain "github.com/smallbiznis/walletledger/internal/wallet/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	audit.Module,
	authorization.Module,
	catalog.Module,
	wallet.Module,
	usage.Module,
	subscription.Module,
	billingreport.Module,
	ratelimit.Module,
	fx.Provide(registerGin),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	if !obsCfg.Debug() {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obslogger.GinMiddleware(obslogger.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	if httpMetrics != nil {
		r.Use(httpMetrics.GinMiddleware())
	}
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	return NewEngine(obsCfg, httpMetrics)
}

func run(lc fx.Lifecycle, cfg config.Config, log *zap.Logger, r *gin.Engine) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				log.Info("http server listening", zap.String("addr", srv.Addr))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("http server stopped", zap.Error(err))
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
	engine          *gin.Engine
	cfg             config.Config
	clock           clock.Clock
	walletSvc       walletdomain.Service
	usageSvc        usagedomain.Service
	subscriptionSvc subscriptiondomain.Service
	billingSvc      billingreportdomain.Service
	catalogSvc      catalogdomain.Service
	liveUsage       *liveevents.Hub
	obsMetrics      *obsmetrics.Metrics
	usageLimiter    *ratelimit.UsageIngestLimiter
	authzSvc        authorization.Service
	statements      *statement.Renderer
}

type ServerParams struct {
	fx.In

	Gin             *gin.Engine
	Cfg             config.Config
	Clock           clock.Clock
	WalletSvc       walletdomain.Service
	UsageSvc        usagedomain.Service
	SubscriptionSvc subscriptiondomain.Service
	BillingSvc      billingreportdomain.Service
	CatalogSvc      catalogdomain.Service
	LiveUsage       *liveevents.Hub               `optional:"true"`
	ObsMetrics      *obsmetrics.Metrics           `optional:"true"`
	UsageLimiter    *ratelimit.UsageIngestLimiter `optional:"true"`
	AuthzSvc        authorization.Service         `optional:"true"`
	Statements      *statement.Renderer           `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:          p.Gin,
		cfg:             p.Cfg,
		clock:           p.Clock,
		walletSvc:       p.WalletSvc,
		usageSvc:        p.UsageSvc,
		subscriptionSvc: p.SubscriptionSvc,
		billingSvc:      p.BillingSvc,
		catalogSvc:      p.CatalogSvc,
		liveUsage:       p.LiveUsage,
		obsMetrics:      p.ObsMetrics,
		usageLimiter:    p.UsageLimiter,
		authzSvc:        p.AuthzSvc,
		statements:      p.Statements,
	}

	svc.registerAPIRoutes()
	svc.registerCatalogRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/v1", CompanyContext())

	// -------- Wallet --------
	api.GET("/wallet", s.GetWallet)
	api.GET("/wallet/transactions", s.ListTransactions)
	api.POST("/wallet/deposits", s.CreateDeposit)
	api.POST("/wallet/refunds", ActorRequired(), s.Authorize(authorization.ActionWalletRefund), s.CreateRefund)
	api.POST("/wallet/adjustments", ActorRequired(), s.Authorize(authorization.ActionWalletAdjust), s.CreateAdjustment)
	api.GET("/wallet/reconcile", ActorRequired(), s.Authorize(authorization.ActionWalletReconcile), s.ReconcileWallet)
	api.POST("/wallet/archive", ActorRequired(), s.Authorize(authorization.ActionWalletArchive), s.ArchiveWallet)

	// -------- Billing --------
	api.GET("/billing/summary", s.GetBillingSummary)
	api.GET("/billing/statement.pdf", s.GetBillingStatement)

	// -------- Subscriptions --------
	api.GET("/subscriptions", s.ListSubscriptions)
	api.POST("/subscriptions/cancel", s.CancelSubscription)
	api.POST("/apps/:app_id/install", s.InstallApp)
	api.POST("/apps/:app_id/upgrade", s.UpgradeTrial)
	api.POST("/apps/:app_id/resubscribe", s.Resubscribe)
	api.POST("/platform/subscribe", s.SubscribePlatform)
	api.POST("/platform/upgrade", s.UpgradePlan)
	api.POST("/bundles/:slug/subscribe", s.SubscribeBundle)

	// -------- Usage --------
	api.POST("/usage", s.UsageIngestRateLimit(), s.RecordUsage)
	api.GET("/usage", s.GetMonthlyUsage)
	api.GET("/usage/live-events", s.StreamUsageEvents)
}

func (s *Server) registerCatalogRoutes() {
	catalog := s.engine.Group("/v1/catalog")

	catalog.GET("/apps", s.ListApps)
	catalog.GET("/bundles/:slug", s.GetBundle)
	catalog.GET("/plans", s.ListPlans)
}
