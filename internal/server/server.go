// Package server exposes the engine's operation contracts over HTTP. The
// engine itself is transport-agnostic; everything here is a thin gin layer
// over the consumption and quota services.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/forgeapp/meterd/internal/audit"
	auditdomain "github.com/forgeapp/meterd/internal/audit/domain"
	"github.com/forgeapp/meterd/internal/config"
	"github.com/forgeapp/meterd/internal/consumption"
	consumptiondomain "github.com/forgeapp/meterd/internal/consumption/domain"
	"github.com/forgeapp/meterd/internal/ledger"
	"github.com/forgeapp/meterd/internal/quota"
	quotadomain "github.com/forgeapp/meterd/internal/quota/domain"
	"github.com/forgeapp/meterd/internal/ratelimit"
	"github.com/forgeapp/meterd/internal/userlock"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	audit.Module,
	ledger.Module,
	ratelimit.Module,
	userlock.Module,
	consumption.Module,
	quota.Module,
	fx.Provide(NewEngine),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(log *zap.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestLogMiddleware(log))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

type Server struct {
	engine         *gin.Engine
	cfg            config.Config
	log            *zap.Logger
	consumptionSvc consumptiondomain.Service
	quotaSvc       quotadomain.Service
	auditSvc       auditdomain.Service
}

type ServerParams struct {
	fx.In

	Engine         *gin.Engine
	Cfg            config.Config
	Log            *zap.Logger
	ConsumptionSvc consumptiondomain.Service
	QuotaSvc       quotadomain.Service
	AuditSvc       auditdomain.Service
}

func NewServer(p ServerParams) *Server {
	s := &Server{
		engine:         p.Engine,
		cfg:            p.Cfg,
		log:            p.Log.Named("http.server"),
		consumptionSvc: p.ConsumptionSvc,
		quotaSvc:       p.QuotaSvc,
		auditSvc:       p.AuditSvc,
	}
	s.RegisterRoutes()
	return s
}

func (s *Server) RegisterRoutes() {
	v1 := s.engine.Group("/v1")

	v1.POST("/consume", s.Consume)
	v1.POST("/precheck", s.Precheck)
	v1.POST("/credit", s.Credit)
	v1.GET("/balances/:user_id", s.GetBalance)
	v1.GET("/balances/:user_id/consumptions", s.ListConsumptions)
	v1.GET("/balances/:user_id/ledger", s.ListLedgerEntries)

	v1.POST("/quota/consume", s.QuotaConsume)
	v1.POST("/quota/grants", s.QuotaGrant)
	v1.GET("/quota/usage/:user_id/:metric", s.QuotaUsage)

	v1.GET("/audit-logs/:user_id", s.ListAuditLogs)
}

func run(lc fx.Lifecycle, r *gin.Engine, cfg config.Config, log *zap.Logger) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Fatal("http server", zap.Error(err))
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
