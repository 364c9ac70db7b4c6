// Package main はジョブを処理するワーカーのエントリーポイントです。
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sujitdhar014/image-processing-backend/internal/app"
	"github.com/sujitdhar014/image-processing-backend/internal/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		app.NewLogger(&config.Config{LogFormat: "json"}, "image-processing-worker").Error("failed to load config", "error", err.Error())
		os.Exit(1)
	}
	logger := app.NewLogger(cfg, "image-processing-worker")

	components, err := app.Build(cfg, logger)
	if err != nil {
		logger.Error("failed to initialize components", "error", err.Error())
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pingCtx, cancel := context.WithTimeout(ctx, cfg.StoreTimeout())
	if err := components.Ping(pingCtx); err != nil {
		logger.Warn("state store is not reachable yet", "error", err.Error())
	}
	cancel()

	go components.PruneArchive(ctx, time.Hour)

	logger.Info("starting worker",
		"concurrency", cfg.WorkerConcurrency,
		"item_workers", cfg.ItemWorkers,
		"image_workers", cfg.ImageWorkers,
	)
	// RunWorkers は SIGINT/SIGTERM を受けると処理中のタスクを待ってから戻る
	if err := components.Manager.RunWorkers(); err != nil {
		logger.Error("worker stopped", "error", err.Error())
		stop()
		_ = components.Close(context.Background())
		os.Exit(1)
	}
	stop()
	if err := components.Close(context.Background()); err != nil {
		logger.Warn("component shutdown failed", "error", err.Error())
	}
}
