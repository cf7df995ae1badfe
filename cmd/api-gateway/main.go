package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/redis/go-redis/v9"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	_ "github.com/noah-isme/grd-workflow-api/api/swagger"
	"github.com/noah-isme/grd-workflow-api/internal/handler"
	"github.com/noah-isme/grd-workflow-api/internal/middleware"
	"github.com/noah-isme/grd-workflow-api/internal/models"
	"github.com/noah-isme/grd-workflow-api/internal/repository"
	"github.com/noah-isme/grd-workflow-api/internal/service"
	"github.com/noah-isme/grd-workflow-api/pkg/cache"
	"github.com/noah-isme/grd-workflow-api/pkg/config"
	"github.com/noah-isme/grd-workflow-api/pkg/database"
	"github.com/noah-isme/grd-workflow-api/pkg/jobs"
	"github.com/noah-isme/grd-workflow-api/pkg/logger"
	corsmiddleware "github.com/noah-isme/grd-workflow-api/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/grd-workflow-api/pkg/middleware/requestid"
	"github.com/noah-isme/grd-workflow-api/pkg/storage"
)

// @title GRD Workflow API
// @version 1.0.0
// @description Billing workflow for hospital GRD files: upload, encoder and finance review, admin approval and export.
// @BasePath /api/v1
// @schemes http
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

const shutdownTimeout = 15 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer db.Close()

	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient, err = cache.NewRedis(ctx, cfg.Redis)
		if err != nil {
			logr.Warn("redis unavailable, dataset cache disabled", zap.Error(err))
			redisClient = nil
		}
	}

	metrics := service.NewMetricsService()
	validate := validator.New()

	grdRepo := repository.NewGrdRepository(db)
	episodeRepo := repository.NewEpisodeRepository(db)
	exportRepo := repository.NewExportRepository(db)
	auditRepo := repository.NewAuditRepository(db)
	userRepo := repository.NewUserRepository(db)
	cacheRepo := repository.NewCacheRepository(redisClient, "grd:")
	defer cacheRepo.Close() //nolint:errcheck

	audit := service.NewAuditTrail(auditRepo, metrics, logr)
	auditQueue := jobs.NewQueue("audit", audit.Handle, jobs.QueueConfig{
		Workers:    cfg.Audit.Workers,
		BufferSize: cfg.Audit.BufferSize,
		MaxRetries: cfg.Audit.MaxRetries,
		RetryDelay: cfg.Audit.RetryDelay,
		Logger:     logr,
	})
	audit.AttachQueue(auditQueue)
	// Requests still in flight during shutdown keep auditing; Stop drains the rest.
	auditQueue.Start(context.Background())

	authSvc := service.NewAuthService(userRepo, audit, validate, logr, service.AuthConfig{
		AccessTokenSecret: cfg.JWT.Secret,
		AccessTokenExpiry: cfg.JWT.Expiration,
		Issuer:            cfg.JWT.Issuer,
	})
	engine := service.NewWorkflowService(grdRepo, audit, metrics, logr)
	guard := service.NewActiveWorkflowService(grdRepo, audit, metrics, logr)
	fileSvc := service.NewGrdFileService(grdRepo, auditRepo, logr)
	episodeSvc := service.NewEpisodeService(episodeRepo, audit, logr)
	ingestionSvc := service.NewIngestionService(guard, validate, service.IngestionConfig{
		MaxUploadBytes: cfg.Workflow.MaxUploadBytes,
		MaxRows:        cfg.Workflow.MaxRows,
	}, logr)
	cacheSvc := service.NewCacheService(cacheRepo, metrics, cfg.Exports.CacheTTL, logr, redisClient != nil)

	var exportSvc *service.ExportService
	if cfg.Exports.Enabled {
		local, err := storage.NewLocalStorage(cfg.Exports.StorageDir)
		if err != nil {
			logr.Fatal("failed to prepare export storage", zap.Error(err))
		}
		signer := storage.NewSignedURLSigner(cfg.Exports.SignedURLSecret, cfg.Exports.SignedURLTTL)
		exportSvc = service.NewExportService(grdRepo, exportRepo, engine, local, signer, cacheSvc, audit, service.ExportConfig{
			APIPrefix: cfg.APIPrefix,
			CacheTTL:  cfg.Exports.CacheTTL,
		}, logr)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS))
	r.Use(middleware.Metrics(metrics))
	r.Use(middleware.WithResponseMeta())
	r.Use(middleware.AuditContext())

	metricsHandler := handler.NewMetricsHandler(metrics)
	r.GET("/health", metricsHandler.Health)
	r.GET("/ready", func(c *gin.Context) {
		pingCtx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := db.PingContext(pingCtx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
	r.GET("/metrics", metricsHandler.Prometheus)

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	api := r.Group(cfg.APIPrefix)
	registerRoutes(api, routes{
		auth:     handler.NewAuthHandler(authSvc),
		files:    handler.NewGrdFileHandler(fileSvc, ingestionSvc, engine),
		episodes: handler.NewEpisodeHandler(episodeSvc),
		workflow: handler.NewWorkflowHandler(guard),
		exports:  exportHandler(exportSvc),
		metrics:  metricsHandler,
		tokens:   authSvc,
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logr.Sugar().Infow("server starting", "addr", srv.Addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.Fatal("server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logr.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Error("graceful shutdown failed", zap.Error(err))
	}
	auditQueue.Stop()
}

type routes struct {
	auth     *handler.AuthHandler
	files    *handler.GrdFileHandler
	episodes *handler.EpisodeHandler
	workflow *handler.WorkflowHandler
	exports  *handler.ExportHandler
	metrics  *handler.MetricsHandler
	tokens   middleware.TokenValidator
}

func exportHandler(svc *service.ExportService) *handler.ExportHandler {
	if svc == nil {
		return nil
	}
	return handler.NewExportHandler(svc)
}

func registerRoutes(api *gin.RouterGroup, h routes) {
	api.POST("/auth/login", h.auth.Login)
	if h.exports != nil {
		// Signed links authenticate themselves.
		api.GET("/exports/:token", h.exports.Download)
	}

	secured := api.Group("")
	secured.Use(middleware.JWT(h.tokens))
	secured.GET("/auth/me", h.auth.Me)

	secured.GET("/workflow/active", h.workflow.Active)
	secured.GET("/workflow/transitions", h.workflow.Transitions)

	files := secured.Group("/grd-files")
	files.GET("", h.files.List)
	files.POST("", middleware.RequireRoles(models.RoleEncoder, models.RoleAdmin), h.files.Upload)
	files.GET("/:id", h.files.Get)
	files.GET("/:id/permissions", h.files.Permissions)
	files.GET("/:id/history", h.files.History)
	files.POST("/:id/transitions/:action", h.files.Transition)
	if h.exports != nil {
		files.POST("/:id/export", h.exports.Export)
		files.GET("/:id/exports", h.exports.ListArtifacts)
		files.GET("/:id/dataset", h.exports.Dataset)
	}

	episodes := secured.Group("/episodes")
	episodes.GET("/:episodeId", h.episodes.Get)
	episodes.GET("/:episodeId/permissions", h.episodes.Permissions)
	episodes.PATCH("/:episodeId", h.episodes.Update)

	secured.GET("/metrics/summary", middleware.RequireRoles(models.RoleAdmin), h.metrics.Summary)
}
