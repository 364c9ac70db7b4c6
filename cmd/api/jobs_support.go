package main

import (
	"log/slog"
	"strings"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/sujitdhar014/image-processing-backend/internal/api"
	"github.com/sujitdhar014/image-processing-backend/internal/app"
	"github.com/sujitdhar014/image-processing-backend/internal/config"
	"github.com/sujitdhar014/image-processing-backend/internal/jobs"
)

// newRouter はミドルウェアとルーティングを設定したルーターを返します。
func newRouter(cfg *config.Config, components *app.App, logger *slog.Logger) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(api.RequestLogger(logger, jobs.NewJobID))
	router.Use(cors.New(corsConfig(cfg)))

	opts := api.Options{
		Jobs:        components.Manager,
		Artifacts:   components.Artifacts,
		Logger:      logger,
		MaxFileSize: cfg.MaxFileSize,
	}
	// nil の *archive.Archive をインターフェースに入れないようにする
	if components.Archive != nil {
		opts.Items = components.Archive
	}
	api.Register(router, api.NewHandlers(opts))
	return router
}

// corsConfig はCORS許可オリジンを設定します（カンマ区切りの文字列を配列に変換）。
func corsConfig(cfg *config.Config) cors.Config {
	c := cors.DefaultConfig()
	origins := make([]string, 0)
	for _, origin := range strings.Split(cfg.CORSAllowedOrigins, ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			origins = append(origins, origin)
		}
	}
	if len(origins) == 1 && origins[0] == "*" {
		c.AllowAllOrigins = true
	} else {
		c.AllowOrigins = origins
	}
	c.AllowHeaders = []string{"Origin", "Content-Type", "Accept", "X-Request-Id"}
	c.ExposeHeaders = []string{"X-Request-Id", "X-Job-Id", "Content-Disposition"}
	return c
}
