package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/sharexpress/sharexpress/internal/config"
	"github.com/sharexpress/sharexpress/internal/db"
	"github.com/sharexpress/sharexpress/internal/handlers"
	"github.com/sharexpress/sharexpress/internal/middleware"
	"github.com/sharexpress/sharexpress/internal/storage"
	"github.com/sharexpress/sharexpress/internal/transfer"
)

func main() {
	_ = godotenv.Load()

	log, err := zap.NewProduction()
	if err != nil {
		panic("init logger: " + err.Error())
	}
	defer log.Sync()

	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	database, err := db.Connect(ctx, cfg.Mongo.URI, cfg.Mongo.Database)
	if err != nil {
		log.Fatal("connect mongodb", zap.Error(err))
	}
	defer database.Client().Disconnect(context.Background())

	if err := db.EnsureIndexes(ctx, database); err != nil {
		log.Fatal("ensure indexes", zap.Error(err))
	}

	objectStore, err := storage.NewMinioStore(ctx, cfg.Minio)
	if err != nil {
		log.Fatal("connect minio", zap.Error(err))
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	fileStore := db.NewFileStore(database)
	sessionStore := db.NewSessionStore(database)

	controller := transfer.NewController(objectStore, fileStore, transfer.Options{
		MaxFileSize:      cfg.Transfer.MaxFileSize,
		MaxFiles:         cfg.Transfer.MaxFiles,
		MaxParallel:      cfg.Transfer.MaxParallel,
		DailyQuota:       cfg.Transfer.DailyQuota,
		QuotaCacheTTL:    cfg.Transfer.QuotaCacheTTL,
		BreakerThreshold: cfg.Transfer.BreakerThreshold,
		BreakerRecovery:  cfg.Transfer.BreakerRecovery,
		RetryAttempts:    cfg.Transfer.RetryAttempts,
		RetryDelay:       cfg.Transfer.RetryDelay,
		RetryBackoff:     cfg.Transfer.RetryBackoff,
		RateLimit:        cfg.Transfer.RateLimit,
		RateWindow:       cfg.Transfer.RateWindow,
		PresignExpiry:    cfg.Minio.PresignExpiry,
	}, registry, log)

	sweeper := transfer.NewSweeper(controller, cfg.Transfer.RetentionWindow, cfg.Transfer.SweepInterval, log)
	go sweeper.Run(ctx)

	fileHandler := handlers.NewFileHandler(controller, sweeper)

	app := fiber.New(fiber.Config{
		BodyLimit: int(cfg.Transfer.MaxFileSize) + 1<<20,
	})
	app.Use(fiberlogger.New())
	app.Use(cors.New())

	app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

	files := app.Group("/files")
	files.Get("/health", fileHandler.Health)
	files.Get("/system-health", fileHandler.SystemHealth)
	files.Get("/metrics", fileHandler.Metrics)
	files.Post("/cleanup/expired", fileHandler.TriggerCleanup)

	shared := files.Group("", middleware.SharingAuth(cfg.Auth.JWTSecret, sessionStore))
	shared.Post("/init-upload", fileHandler.InitUpload)
	shared.Post("/complete-upload", fileHandler.CompleteUpload)
	shared.Post("/upload", fileHandler.Upload)
	shared.Get("/download/:file_id", fileHandler.Download)
	shared.Get("/session/:session_id/list", fileHandler.List)
	shared.Delete("/:file_id", fileHandler.Delete)

	go func() {
		log.Info("sharexpress api listening", zap.String("port", cfg.Server.Port))
		if err := app.Listen(":" + cfg.Server.Port); err != nil {
			log.Fatal("http server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("shutting down gracefully")
	if err := app.Shutdown(); err != nil {
		log.Error("shutdown error", zap.Error(err))
	}
}
