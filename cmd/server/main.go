// Package main runs the recording platform HTTP server with graceful shutdown.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/clipdeck/backend/config"
	"github.com/clipdeck/backend/internal/auth"
	"github.com/clipdeck/backend/internal/middleware"
	"github.com/clipdeck/backend/internal/recording"
	"github.com/clipdeck/backend/internal/retention"
	"github.com/clipdeck/backend/internal/transcode"
	"github.com/clipdeck/backend/pkg/database"
	"github.com/clipdeck/backend/pkg/queue"
	"github.com/clipdeck/backend/pkg/redis"
	"github.com/clipdeck/backend/pkg/response"
	"github.com/clipdeck/backend/pkg/storage"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx := context.Background()
	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	if err := database.Migrate(ctx, pool); err != nil {
		logger.Fatal("migrate", zap.Error(err))
	}

	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	var archive *storage.S3
	if cfg.AWS.ArchiveBucket != "" {
		s3Cfg := storage.S3Config{
			Region:               cfg.AWS.Region,
			AccessKeyID:          cfg.AWS.AccessKeyID,
			SecretAccessKey:      cfg.AWS.SecretAccessKey,
			ArchiveBucket:        cfg.AWS.ArchiveBucket,
			PresignExpireMinutes: cfg.AWS.PresignExpireMinutes,
		}
		archive, err = storage.NewS3(ctx, s3Cfg, logger)
		if err != nil {
			logger.Warn("s3 archive disabled", zap.Error(err))
			archive = nil
		}
	}

	layout := storage.NewLayout(cfg.Recording.DataDir)
	jwtService := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpireHours)
	jobQueue := queue.NewQueue(rdb.Client, logger)

	authRepo := auth.NewRepository(pool)
	authHandler := auth.NewHandler(authRepo, jwtService, logger)

	sessionRepo := recording.NewRepository(pool)
	recordingHandler := recording.NewHandler(sessionRepo, layout, jobQueue,
		cfg.Recording.ChunkSizeMs, cfg.Recording.MaxChunkBytes, logger)
	if archive != nil {
		recordingHandler.SetArchive(archive)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger))
	router.Use(middleware.Metrics())

	router.GET("/health", func(c *gin.Context) { response.OK(c, gin.H{"status": "ok"}) })
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	authGroup := router.Group("/auth")
	{
		authGroup.POST("/login", authHandler.Login)
		authGroup.POST("/register", authHandler.Register)
	}

	api := router.Group("/api")
	api.Use(middleware.JWT(jwtService))
	recordingHandler.Register(api)

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	// Optional in-process transcode worker for single-node deployments.
	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()
	if os.Getenv("EMBEDDED_WORKER") == "true" {
		ffmpeg := transcode.NewFFmpeg(cfg.Recording.FFmpegPath, cfg.Recording.FFprobePath, cfg.Recording.TranscodeTimeout)
		processor := transcode.NewProcessor(sessionRepo, layout, ffmpeg, jobQueue, logger)
		if archive != nil {
			processor.SetArchive(archive)
		}
		go processor.Run(bgCtx)
		logger.Info("embedded transcode worker started")

		sweeper := retention.NewSweeper(sessionRepo, layout, cfg.Retention.BatchSize, logger)
		if archive != nil {
			sweeper.SetArchive(archive)
		}
		window := time.Duration(cfg.Retention.Days) * 24 * time.Hour
		errorWindow := time.Duration(cfg.Retention.ErrorDays) * 24 * time.Hour
		go sweeper.RunPeriodic(bgCtx, cfg.Retention.Interval, window, errorWindow)
	}

	go func() {
		logger.Info("server listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	bgCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	logger.Info("server stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
