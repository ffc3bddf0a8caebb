// Package main runs one retention sweep and exits. Meant for cron; the
// worker binary also sweeps periodically, and running both is safe.
package main

import (
	"context"
	"flag"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/clipdeck/backend/config"
	"github.com/clipdeck/backend/internal/recording"
	"github.com/clipdeck/backend/internal/retention"
	"github.com/clipdeck/backend/pkg/database"
	"github.com/clipdeck/backend/pkg/storage"
)

func main() {
	days := flag.Int("days", 0, "delete done recordings processed more than this many days ago (default: RETENTION_DAYS)")
	errorDays := flag.Int("error-days", -1, "also delete error recordings older than this many days; 0 disables (default: RETENTION_ERROR_DAYS)")
	flag.Parse()

	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}
	if *days <= 0 {
		*days = cfg.Retention.Days
	}
	if *errorDays < 0 {
		*errorDays = cfg.Retention.ErrorDays
	}

	ctx := context.Background()
	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

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
	sweeper := retention.NewSweeper(sessionRepo, layout, cfg.Retention.BatchSize, logger)
	if archive != nil {
		sweeper.SetArchive(archive)
	}

	window := time.Duration(*days) * 24 * time.Hour
	errorWindow := time.Duration(*errorDays) * 24 * time.Hour
	deleted, err := sweeper.Sweep(ctx, window, errorWindow)
	if err != nil {
		logger.Fatal("sweep", zap.Error(err))
	}
	logger.Info("sweep complete", zap.Int("deleted", deleted))
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
