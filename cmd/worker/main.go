// Package main runs the background transcode worker and the periodic
// retention sweep.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/clipdeck/backend/config"
	"github.com/clipdeck/backend/internal/recording"
	"github.com/clipdeck/backend/internal/retention"
	"github.com/clipdeck/backend/internal/transcode"
	"github.com/clipdeck/backend/pkg/database"
	"github.com/clipdeck/backend/pkg/queue"
	"github.com/clipdeck/backend/pkg/redis"
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
	sessionRepo := recording.NewRepository(pool)
	jobQueue := queue.NewQueue(rdb.Client, logger)

	ffmpeg := transcode.NewFFmpeg(cfg.Recording.FFmpegPath, cfg.Recording.FFprobePath, cfg.Recording.TranscodeTimeout)
	processor := transcode.NewProcessor(sessionRepo, layout, ffmpeg, jobQueue, logger)
	if archive != nil {
		processor.SetArchive(archive)
	}

	sweeper := retention.NewSweeper(sessionRepo, layout, cfg.Retention.BatchSize, logger)
	if archive != nil {
		sweeper.SetArchive(archive)
	}

	workerCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go processor.Run(workerCtx)
	window := time.Duration(cfg.Retention.Days) * 24 * time.Hour
	errorWindow := time.Duration(cfg.Retention.ErrorDays) * 24 * time.Hour
	go sweeper.RunPeriodic(workerCtx, cfg.Retention.Interval, window, errorWindow)
	logger.Info("worker started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	cancel()
	time.Sleep(2 * time.Second)
	logger.Info("worker stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
