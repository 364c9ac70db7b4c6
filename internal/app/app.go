// Package app は設定から各コンポーネントを組み立てます。API サーバーとワーカーの両方から使用します。
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/sujitdhar014/image-processing-backend/internal/archive"
	"github.com/sujitdhar014/image-processing-backend/internal/batch"
	"github.com/sujitdhar014/image-processing-backend/internal/config"
	"github.com/sujitdhar014/image-processing-backend/internal/imaging"
	"github.com/sujitdhar014/image-processing-backend/internal/jobs"
	"github.com/sujitdhar014/image-processing-backend/internal/logging"
	"github.com/sujitdhar014/image-processing-backend/internal/notify"
	"github.com/sujitdhar014/image-processing-backend/internal/storage"
)

// App は組み立て済みのコンポーネント群です。
type App struct {
	Config    *config.Config
	Logger    *slog.Logger
	Redis     *redis.Client
	Store     *jobs.Store
	Artifacts *storage.Local
	Archive   *archive.Archive // ARCHIVE_DB_PATH が空の場合は nil
	Executor  *batch.Executor
	Manager   *jobs.Manager
}

// NewLogger は設定に従ってロガーを作成します。
func NewLogger(cfg *config.Config, service string) *slog.Logger {
	return logging.New(logging.Options{
		Level:   cfg.LogLevel,
		Format:  cfg.LogFormat,
		Service: service,
	})
}

// Build は Redis ストア、成果物ストレージ、アーカイブ、実行器、キューを組み立てます。
func Build(cfg *config.Config, logger *slog.Logger) (*App, error) {
	opt, err := redis.ParseURL(cfg.StoreRedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse store redis url: %w", err)
	}
	rdb := redis.NewClient(opt)

	artifacts, err := storage.NewLocal(cfg.StorageRoot, cfg.PublicBaseURL)
	if err != nil {
		_ = rdb.Close()
		return nil, err
	}

	a := &App{
		Config:    cfg,
		Logger:    logger,
		Redis:     rdb,
		Store:     jobs.NewStore(rdb, cfg.JobRetention()),
		Artifacts: artifacts,
	}

	if cfg.ArchiveDBPath != "" {
		a.Archive, err = archive.Open(cfg.ArchiveDBPath)
		if err != nil {
			_ = rdb.Close()
			return nil, err
		}
	}

	transformer := imaging.NewTransformer(
		imaging.NewHTTPFetcher(cfg.FetchTimeout(), cfg.MaxImageBytes),
		artifacts,
		imaging.Options{
			Quality:      cfg.JPEGQuality,
			MaxDimension: cfg.MaxImageDimension,
			MaxPixels:    cfg.MaxImagePixels,
		},
	)
	deps := batch.Deps{
		Store:        a.Store,
		Artifacts:    artifacts,
		Transformer:  transformer,
		Notifier:     notify.NewDispatcher(cfg.WebhookTimeout(), logger),
		Logger:       logger,
		ItemWorkers:  cfg.ItemWorkers,
		ImageWorkers: cfg.ImageWorkers,
		StoreTimeout: cfg.StoreTimeout(),
	}
	if a.Archive != nil {
		deps.Recorder = a.Archive
	}
	a.Executor, err = batch.NewExecutor(deps)
	if err != nil {
		a.closeResources()
		return nil, err
	}

	a.Manager, err = jobs.NewManager(cfg, a.Store, a.Executor, logger)
	if err != nil {
		a.closeResources()
		return nil, err
	}
	return a, nil
}

// Ping は状態ストアの Redis に接続できるか確認します。
func (a *App) Ping(ctx context.Context) error {
	return a.Redis.Ping(ctx).Err()
}

// PruneArchive は保持期間を過ぎた商品レコードを interval ごとに削除します。ctx が終わるまでブロックします。
func (a *App) PruneArchive(ctx context.Context, interval time.Duration) {
	retention := a.Config.JobRetention()
	if a.Archive == nil || retention <= 0 {
		return
	}
	log := logging.WithComponent(a.Logger, "archive")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := a.Archive.Prune(ctx, time.Now().Add(-retention))
			if err != nil {
				log.Warn("archive prune failed", "error", err.Error())
				continue
			}
			if removed > 0 {
				log.Info("archive pruned", "removed", removed)
			}
		}
	}
}

// Close はキューとストアの接続を閉じます。
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.Manager != nil {
		errs = append(errs, a.Manager.Shutdown(ctx))
	}
	errs = append(errs, a.closeResources())
	return errors.Join(errs...)
}

func (a *App) closeResources() error {
	var errs []error
	if a.Archive != nil {
		errs = append(errs, a.Archive.Close())
	}
	errs = append(errs, a.Redis.Close())
	return errors.Join(errs...)
}
