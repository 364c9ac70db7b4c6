// Package main は動作確認用の Webhook 受信サーバーです。受け取った通知をログに出力します。
package main

import (
	"log/slog"
	"net/http"
	"os"

	"github.com/gin-gonic/gin"

	"github.com/sujitdhar014/image-processing-backend/internal/logging"
	"github.com/sujitdhar014/image-processing-backend/internal/notify"
)

func main() {
	logger := logging.New(logging.Options{
		Level:   os.Getenv("LOG_LEVEL"),
		Format:  os.Getenv("LOG_FORMAT"),
		Service: "webhook-receiver",
	})

	port := os.Getenv("PORT")
	if port == "" {
		port = "9090"
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.POST("/webhook", receiveHandler(logger))

	logger.Info("starting webhook receiver", "addr", ":"+port)
	if err := router.Run(":" + port); err != nil {
		logger.Error("server stopped", "error", err.Error())
		os.Exit(1)
	}
}

func receiveHandler(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var ev notify.Event
		if err := c.ShouldBindJSON(&ev); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "JSON形式の通知を送信してください。",
			})
			return
		}
		logger.Info("webhook received",
			"job_id", ev.JobID,
			"status", ev.Status,
			"result_artifact_ref", ev.ResultArtifactRef,
			"error", ev.Error,
		)
		c.JSON(http.StatusOK, gin.H{"message": "received"})
	}
}
