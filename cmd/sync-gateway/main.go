package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	_ "github.com/laclasse-com/annuaire-sync/api/swagger"
	"github.com/laclasse-com/annuaire-sync/internal/handler"
	"github.com/laclasse-com/annuaire-sync/internal/middleware"
	"github.com/laclasse-com/annuaire-sync/internal/models"
	"github.com/laclasse-com/annuaire-sync/internal/repository"
	"github.com/laclasse-com/annuaire-sync/internal/service"
	"github.com/laclasse-com/annuaire-sync/pkg/cache"
	"github.com/laclasse-com/annuaire-sync/pkg/config"
	"github.com/laclasse-com/annuaire-sync/pkg/database"
	"github.com/laclasse-com/annuaire-sync/pkg/export"
	"github.com/laclasse-com/annuaire-sync/pkg/jobs"
	"github.com/laclasse-com/annuaire-sync/pkg/logger"
	corsmiddleware "github.com/laclasse-com/annuaire-sync/pkg/middleware/cors"
	reqidmiddleware "github.com/laclasse-com/annuaire-sync/pkg/middleware/requestid"
	"github.com/laclasse-com/annuaire-sync/pkg/storage"
)

// @title Annuaire Sync API
// @version 1.0.0
// @description Directory synchronization service for academic export archives.
// @BasePath /
func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logr.Sync() }()

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Sugar().Fatalw("postgres connection failed", "error", err)
	}
	defer func() { _ = db.Close() }()

	redisClient, err := cache.NewRedis(cfg.Redis)
	if err != nil {
		logr.Sugar().Fatalw("redis connection failed", "error", err)
	}
	defer func() { _ = redisClient.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	validate := validator.New()

	// Repositories.
	factory := repository.NewStoreFactory(db)
	runRepo := repository.NewRunRepository(db)
	leaseRepo := repository.NewLeaseRepository(redisClient)
	cacheRepo := repository.NewCacheRepository(redisClient, logr)
	userRepo := repository.NewUserRepository(db)

	// Services.
	metricsSvc := service.NewMetricsService()
	cacheSvc := service.NewCacheService(cacheRepo, metricsSvc, cfg.Sync.LatestCacheTTL, logr, true)

	authSvc := service.NewAuthService(userRepo, validate, logr, service.AuthConfig{
		AccessTokenSecret:  cfg.JWT.Secret,
		AccessTokenExpiry:  cfg.JWT.Expiration,
		RefreshTokenExpiry: cfg.JWT.RefreshExpiration,
		Issuer:             "annuaire-sync",
	})

	syncSvc := service.NewSyncService(factory, runRepo, leaseRepo, cacheSvc, metricsSvc, logr, service.SyncServiceConfig{
		LeaseTTL:       cfg.Sync.LeaseTTL,
		HistoryLimit:   cfg.Sync.HistoryLimit,
		LatestCacheTTL: cfg.Sync.LatestCacheTTL,
	})

	archiveStore, err := storage.NewLocalStorage(cfg.Archives.StorageDir)
	if err != nil {
		logr.Sugar().Fatalw("archive storage init failed", "error", err)
	}
	archiveSvc := service.NewArchiveService(archiveStore, logr, service.ArchiveConfig{
		MaxFileSizeBytes: cfg.Archives.MaxFileSizeBytes,
		AllowedMIMEs:     cfg.Archives.AllowedMIMEs,
	})

	scheduler := service.NewSchedulerService(syncSvc, logr, service.SchedulerConfig{
		Enabled:    cfg.Schedule.Enabled,
		Weekday:    cfg.Schedule.Weekday,
		Hour:       cfg.Schedule.Hour,
		Categories: cfg.Schedule.Categories,
		ArchiveDir: cfg.Archives.StorageDir,
		Apply:      cfg.Schedule.Apply,
	})
	scheduler.Start(ctx)

	var reportHandler *handler.ReportHandler
	if cfg.Reports.Enabled {
		reportRepo := repository.NewReportRepository(db)
		reportStore, err := storage.NewLocalStorage(cfg.Reports.StorageDir)
		if err != nil {
			logr.Sugar().Fatalw("report storage init failed", "error", err)
		}
		signer := storage.NewSignedURLSigner(cfg.Reports.SignedURLSecret, cfg.Reports.SignedURLTTL)
		exportSvc := service.NewExportService(runRepo, reportStore, signer, service.ExportConfig{
			APIPrefix: cfg.APIPrefix,
			ResultTTL: cfg.Reports.SignedURLTTL,
		}, logr, export.NewCSVExporter(), export.NewPDFExporter())

		worker := service.NewReportWorker(reportRepo, exportSvc, cfg.Reports.WorkerRetries, logr)
		queue := jobs.NewQueue("reports", worker.Handle, jobs.QueueConfig{
			Workers:    cfg.Reports.WorkerConcurrency,
			MaxRetries: cfg.Reports.WorkerRetries,
		})
		queue.Start(ctx)
		defer queue.Stop()

		reportSvc := service.NewReportService(reportRepo, queue, exportSvc, logr, service.ReportServiceConfig{
			ResultTTL:       cfg.Reports.SignedURLTTL,
			CleanupInterval: cfg.Reports.CleanupInterval,
			MaxRetries:      cfg.Reports.WorkerRetries,
		})
		reportSvc.RecoverPendingJobs(ctx)
		reportSvc.StartCleanup(ctx)
		reportHandler = handler.NewReportHandler(reportSvc)
	}

	// Handlers.
	authHandler := handler.NewAuthHandler(authSvc)
	syncHandler := handler.NewSyncHandler(syncSvc, archiveSvc)
	metricsHandler := handler.NewMetricsHandler(metricsSvc)

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	if cfg.Metrics.Enabled {
		r.Use(middleware.Metrics(metricsSvc))
	}

	r.GET("/health", metricsHandler.Health)
	r.GET("/ready", func(c *gin.Context) {
		if err := db.PingContext(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "database": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
	if cfg.Metrics.Enabled {
		r.GET("/metrics", metricsHandler.Prometheus)
	}

	api := r.Group(cfg.APIPrefix)

	auth := api.Group("/auth")
	{
		auth.POST("/login", authHandler.Login)
		auth.POST("/refresh", authHandler.Refresh)
		auth.POST("/forgot-password", authHandler.ForgotPassword)
		auth.POST("/reset-password", authHandler.ResetPassword)

		authed := auth.Group("")
		authed.Use(middleware.JWT(authSvc))
		authed.POST("/logout", authHandler.Logout)
		authed.POST("/change-password", authHandler.ChangePassword)
		authed.GET("/me", authHandler.Me)
	}

	syncGroup := api.Group("/sync")
	syncGroup.Use(middleware.JWT(authSvc))
	{
		write := syncGroup.Group("")
		write.Use(middleware.RequireRoles(models.RoleSuperAdmin, models.RoleAdmin, models.RoleOperator))
		write.POST("/runs", syncHandler.StartRun)
		write.POST("/archives", syncHandler.UploadArchive)

		syncGroup.GET("/runs", syncHandler.ListRuns)
		syncGroup.GET("/runs/:id", syncHandler.GetRun)
		syncGroup.GET("/latest", syncHandler.LatestRun)
	}

	if reportHandler != nil {
		reports := api.Group("/reports")
		reports.Use(middleware.JWT(authSvc))
		reports.POST("/generate", reportHandler.Generate)
		reports.GET("/:id", reportHandler.Status)

		// Signed tokens carry their own authorization.
		api.GET("/export/:token", reportHandler.Download)
	}

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	addr := fmt.Sprintf(":%d", cfg.Port)
	logr.Sugar().Infow("starting server", "addr", addr, "env", cfg.Env)
	if err := r.Run(addr); err != nil {
		logr.Sugar().Fatalw("server stopped", "error", err)
	}
}
