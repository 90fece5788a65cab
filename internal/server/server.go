package server

import (
	"context"
	"crypto/sha256"
	"errors"
	"net/http"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/entitlements/internal/authorization"
	"github.com/smallbiznis/entitlements/internal/config"
	entitlementdomain "github.com/smallbiznis/entitlements/internal/entitlement/domain"
	forecastdomain "github.com/smallbiznis/entitlements/internal/forecast/domain"
	"github.com/smallbiznis/entitlements/internal/observability"
	obsmiddleware "github.com/smallbiznis/entitlements/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/entitlements/internal/observability/metrics"
	obstracing "github.com/smallbiznis/entitlements/internal/observability/tracing"
	plandomain "github.com/smallbiznis/entitlements/internal/plan/domain"
	"github.com/smallbiznis/entitlements/internal/ratelimit"
	subscriptiondomain "github.com/smallbiznis/entitlements/internal/subscription/domain"
	usagedomain "github.com/smallbiznis/entitlements/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

var registerValidatorOnce sync.Once

// registerValidator reports json field names in binding errors.
func registerValidator() {
	registerValidatorOnce.Do(func() {
		v, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			return
		}
		v.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			if name == "" {
				name = strings.SplitN(fld.Tag.Get("form"), ",", 2)[0]
			}
			return name
		})
	})
}

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	registerValidator()

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(obsmetrics.GinMiddleware(httpMetrics))
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

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	addr := strings.TrimSpace(cfg.HTTPAddr)
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("http server stopped", zap.Error(err))
				}
			}()
			log.Info("http server listening", zap.String("addr", addr))
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
	engine *gin.Engine
	cfg    config.Config
	log    *zap.Logger

	entitlementSvc  entitlementdomain.Service
	usageSvc        usagedomain.Service
	subscriptionSvc subscriptiondomain.Service
	planSvc         plandomain.Service
	forecastSvc     forecastdomain.Service
	authzSvc        authorization.Service
	limiter         *ratelimit.TenantLimiter
	obsMetrics      *obsmetrics.Metrics

	serviceKeyHashes [][sha256.Size]byte
	jwtSecret        []byte
}

type ServerParams struct {
	fx.In

	Gin             *gin.Engine
	Cfg             config.Config
	Log             *zap.Logger
	EntitlementSvc  entitlementdomain.Service
	UsageSvc        usagedomain.Service
	SubscriptionSvc subscriptiondomain.Service
	PlanSvc         plandomain.Service
	ForecastSvc     forecastdomain.Service
	AuthzSvc        authorization.Service
	Limiter         *ratelimit.TenantLimiter `optional:"true"`
	ObsMetrics      *obsmetrics.Metrics      `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine: p.Gin,
		cfg:    p.Cfg,
		log:    p.Log.Named("http.server"),

		entitlementSvc:  p.EntitlementSvc,
		usageSvc:        p.UsageSvc,
		subscriptionSvc: p.SubscriptionSvc,
		planSvc:         p.PlanSvc,
		forecastSvc:     p.ForecastSvc,
		authzSvc:        p.AuthzSvc,
		limiter:         p.Limiter,
		obsMetrics:      p.ObsMetrics,

		serviceKeyHashes: hashServiceKeys(p.Cfg.InternalServiceKeys),
		jwtSecret:        []byte(p.Cfg.AuthJWTSecret),
	}

	if len(svc.serviceKeyHashes) == 0 {
		svc.log.Warn("no internal service keys configured; service routes will reject every call")
	}
	if len(svc.jwtSecret) == 0 {
		svc.log.Warn("AUTH_JWT_SECRET is empty; tenant routes will reject every call")
	}

	svc.registerEntitlementRoutes()
	svc.registerUsageRoutes()
	svc.registerAdminRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerEntitlementRoutes() {
	s.engine.POST("/entitlements/check",
		s.ServiceOrTenantRequired(),
		s.authorize(authorization.ObjectEntitlement, authorization.ActionEntitlementCheck),
		s.TenantRateLimit(),
		s.CheckEntitlement,
	)
}

func (s *Server) registerUsageRoutes() {
	usage := s.engine.Group("/usage")

	usage.POST("", s.ServiceKeyRequired(), s.authorize(authorization.ObjectUsage, authorization.ActionUsageRecord), s.TenantRateLimit(), s.RecordUsage)
	usage.GET("/summary", s.TenantTokenRequired(), s.authorize(authorization.ObjectUsage, authorization.ActionUsageSummary), s.TenantRateLimit(), s.GetUsageSummary)
	usage.GET("/events", s.TenantTokenRequired(), s.authorize(authorization.ObjectUsage, authorization.ActionUsageEventsView), s.ListUsageEvents)
}

func (s *Server) registerAdminRoutes() {
	admin := s.engine.Group("/admin", s.ServiceKeyRequired())

	// -------- Subscriptions --------
	admin.POST("/subscription", s.authorize(authorization.ObjectSubscription, authorization.ActionSubscriptionProvision), s.ProvisionSubscription)
	admin.POST("/subscription/cancel", s.authorize(authorization.ObjectSubscription, authorization.ActionSubscriptionCancel), s.CancelSubscription)
	admin.GET("/subscriptions", s.authorize(authorization.ObjectSubscription, authorization.ActionSubscriptionView), s.ListSubscriptions)

	// -------- Plans --------
	admin.GET("/plans", s.authorize(authorization.ObjectPlan, authorization.ActionPlanView), s.ListPlans)
}
