// Package main はAPIサーバーのエントリーポイントです。
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/sujitdhar014/image-processing-backend/internal/app"
	"github.com/sujitdhar014/image-processing-backend/internal/config"
)

func main() {
	// 設定の読み込み
	cfg, err := config.Load()
	if err != nil {
		app.NewLogger(&config.Config{LogFormat: "json"}, "image-processing-api").Error("failed to load config", "error", err.Error())
		os.Exit(1)
	}
	logger := app.NewLogger(cfg, "image-processing-api")

	components, err := app.Build(cfg, logger)
	if err != nil {
		logger.Error("failed to initialize components", "error", err.Error())
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 開発時は API プロセス内でワーカーも起動する
	if cfg.RunWorkers {
		if err := components.Manager.StartWorkers(); err != nil {
			logger.Error("failed to start workers", "error", err.Error())
			os.Exit(1)
		}
		go components.PruneArchive(ctx, time.Hour)
	}

	// Ginのモードを設定
	gin.SetMode(cfg.GinMode)
	router := newRouter(cfg, components, logger)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("starting API server", "addr", srv.Addr, "mode", cfg.GinMode, "workers", cfg.RunWorkers)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server stopped", "error", err.Error())
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown failed", "error", err.Error())
	}
	if err := components.Close(shutdownCtx); err != nil {
		logger.Warn("component shutdown failed", "error", err.Error())
	}
}
