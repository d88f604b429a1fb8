package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/lunachat/luna/internal/config"
	"github.com/lunachat/luna/internal/observability"
	obsmiddleware "github.com/lunachat/luna/internal/observability/logger"
	obsmetrics "github.com/lunachat/luna/internal/observability/metrics"
	obstracing "github.com/lunachat/luna/internal/observability/tracing"
	paymentdomain "github.com/lunachat/luna/internal/payment/domain"
	"github.com/lunachat/luna/internal/payment/providers"
	"github.com/lunachat/luna/internal/plan"
	"github.com/lunachat/luna/internal/ratelimit"
	subscriptiondomain "github.com/lunachat/luna/internal/subscription/domain"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Provide(NewServer),
	fx.Invoke(registerRoutes),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(obsmetrics.GinMiddleware(httpMetrics))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	return NewEngine(obsCfg, httpMetrics)
}

func classifyErrorForLog(err error) (string, string) {
	switch {
	case errors.Is(err, paymentdomain.ErrInvalidSignature):
		return "auth", "invalid_signature"
	case errors.Is(err, paymentdomain.ErrInvalidPayload):
		return "client", "invalid_payload"
	case errors.Is(err, paymentdomain.ErrProviderUnavailable):
		return "upstream", "provider_unavailable"
	default:
		return "internal", "internal_error"
	}
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Fatal("http server exited", zap.Error(err))
				}
			}()
			log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
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
	db              *gorm.DB
	log             *zap.Logger
	genID           *snowflake.Node
	webhookSvc      paymentdomain.WebhookService
	registry        *providers.Registry
	catalog         *plan.Catalog
	subRepo         subscriptiondomain.Repository
	checkoutLimiter *ratelimit.TokenBucket
}

type ServerParams struct {
	fx.In

	Gin             *gin.Engine
	Cfg             config.Config
	DB              *gorm.DB
	Log             *zap.Logger
	GenID           *snowflake.Node
	WebhookSvc      paymentdomain.WebhookService
	Registry        *providers.Registry
	Catalog         *plan.Catalog
	SubRepo         subscriptiondomain.Repository
	CheckoutLimiter *ratelimit.TokenBucket `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	return &Server{
		engine:          p.Gin,
		cfg:             p.Cfg,
		db:              p.DB,
		log:             p.Log.Named("http"),
		genID:           p.GenID,
		webhookSvc:      p.WebhookSvc,
		registry:        p.Registry,
		catalog:         p.Catalog,
		subRepo:         p.SubRepo,
		checkoutLimiter: p.CheckoutLimiter,
	}
}

func registerRoutes(s *Server) {
	s.engine.POST("/webhooks/:provider", s.HandlePaymentWebhook)

	api := s.engine.Group("/api")
	api.POST("/checkout", s.HandleCreateCheckout)
	api.GET("/users/:id/subscription", s.HandleGetSubscription)
}
