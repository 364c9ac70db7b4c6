// Package api はジョブ投入・状態照会・成果物取得の HTTP ハンドラーを提供します。
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"

	"github.com/sujitdhar014/image-processing-backend/internal/archive"
	"github.com/sujitdhar014/image-processing-backend/internal/batch"
	"github.com/sujitdhar014/image-processing-backend/internal/jobs"
)

// JobService はジョブの投入と照会を提供します。
type JobService interface {
	Submit(ctx context.Context, sub jobs.Submission) (*jobs.Record, error)
	GetRecord(ctx context.Context, jobID string) (*jobs.Record, error)
}

// Artifacts はアップロードされたシートと成果物の保存先です。
type Artifacts interface {
	Put(ctx context.Context, key string, r io.Reader) (string, error)
	Open(ctx context.Context, key string) (*os.File, error)
	Delete(ctx context.Context, key string) error
}

// ItemLister は保存済みの商品レコードを返します。
type ItemLister interface {
	ListItems(ctx context.Context, jobID string) ([]archive.Entry, error)
}

// Options はハンドラーの設定です。
type Options struct {
	Jobs        JobService
	Artifacts   Artifacts
	Items       ItemLister // nil の場合 /items は無効
	Logger      *slog.Logger
	MaxFileSize int64
}

// Handlers は /api/jobs 配下のハンドラー群です。
type Handlers struct {
	jobs        JobService
	artifacts   Artifacts
	items       ItemLister
	logger      *slog.Logger
	maxFileSize int64
}

// NewHandlers は Handlers を作成します。
func NewHandlers(opts Options) *Handlers {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		jobs:        opts.Jobs,
		artifacts:   opts.Artifacts,
		items:       opts.Items,
		logger:      logger,
		maxFileSize: opts.MaxFileSize,
	}
}

// UploadKey はアップロードされたシートの保存キーを返します。
func UploadKey(jobID string) string {
	return path.Join("uploads", jobID+".csv")
}

// Register はルーティングを登録します。
func Register(router *gin.Engine, h *Handlers) {
	router.GET("/health", Health)

	api := router.Group("/api")
	{
		api.POST("/jobs", h.SubmitJob)
		api.GET("/jobs/:id", h.JobStatus)
		api.GET("/jobs/:id/result", h.JobResult)
		api.GET("/jobs/:id/items", h.JobItems)
	}
}

// Health はヘルスチェックエンドポイントのハンドラーです。
func Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "image-processing-backend",
		"version": "0.1.0",
	})
}

// SubmitJob は POST /api/jobs のハンドラーです。
func (h *Handlers) SubmitJob(c *gin.Context) {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_INPUT",
			"message": "multipart/form-data の file フィールドでCSVファイルを送信してください。",
		})
		return
	}
	if h.maxFileSize > 0 && fileHeader.Size > h.maxFileSize {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{
			"code":    "LIMIT_EXCEEDED",
			"message": fmt.Sprintf("ファイルサイズは %d バイト以下にしてください。", h.maxFileSize),
		})
		return
	}

	callbackURL := strings.TrimSpace(c.PostForm("webhook_url"))
	if callbackURL != "" && !validCallbackURL(callbackURL) {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_INPUT",
			"message": "webhook_url には http または https の絶対URLを指定してください。",
		})
		return
	}

	file, err := openSheet(fileHeader)
	if err != nil {
		if errors.Is(err, errNotText) {
			c.JSON(http.StatusUnsupportedMediaType, gin.H{
				"code":    "UNSUPPORTED_TYPE",
				"message": "CSVファイルを選択してください。",
			})
			return
		}
		respondInternal(c, h.logger, "アップロードファイルの読み込みに失敗しました。", err)
		return
	}
	defer file.Close()

	ctx := c.Request.Context()
	jobID := jobs.NewJobID()
	inputKey := UploadKey(jobID)
	if _, err := h.artifacts.Put(ctx, inputKey, file); err != nil {
		respondInternal(c, h.logger, "アップロードファイルの保存に失敗しました。", err)
		return
	}

	record, err := h.jobs.Submit(ctx, jobs.Submission{
		JobID:       jobID,
		InputKey:    inputKey,
		CallbackURL: callbackURL,
	})
	if err != nil {
		if delErr := h.artifacts.Delete(context.WithoutCancel(ctx), inputKey); delErr != nil {
			err = fmt.Errorf("%w (cleanup failed: %v)", err, delErr)
		}
		if errors.Is(err, context.Canceled) {
			c.JSON(http.StatusRequestTimeout, gin.H{
				"code":    "REQUEST_CANCELED",
				"message": "リクエストがキャンセルされました。",
			})
			return
		}
		h.logger.Error("job submission failed", "job_id", jobID, "error", err.Error())
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"code":    "QUEUE_UNAVAILABLE",
			"message": "ジョブの登録に失敗しました。時間をおいて再度お試しください。",
		})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"jobId": record.JobID})
}

// JobStatus は GET /api/jobs/:id のハンドラーです。
func (h *Handlers) JobStatus(c *gin.Context) {
	record, ok := h.lookup(c)
	if !ok {
		return
	}

	var resultRef *string
	if record.ResultArtifactRef != "" {
		ref := record.ResultArtifactRef
		resultRef = &ref
	}
	payload := gin.H{
		"jobId":             record.JobID,
		"status":            record.Status,
		"resultArtifactRef": resultRef,
		"itemCount":         record.Summary.ItemCount,
		"skippedRows":       record.Summary.SkippedRows,
		"failedImages":      record.Summary.FailedImages,
		"attempts":          record.Attempts,
		"createdAt":         record.CreatedAt,
		"updatedAt":         record.UpdatedAt,
	}
	if record.Error != nil {
		payload["error"] = record.Error
	}
	c.JSON(http.StatusOK, payload)
}

// JobResult は GET /api/jobs/:id/result のハンドラーです。完了したジョブの結果CSVを返します。
func (h *Handlers) JobResult(c *gin.Context) {
	record, ok := h.lookup(c)
	if !ok {
		return
	}
	if record.Status != jobs.StatusCompleted {
		c.JSON(http.StatusNotFound, gin.H{
			"code":    "JOB_RESULT_NOT_FOUND",
			"message": "ジョブはまだ完了していません。",
		})
		return
	}

	file, err := h.artifacts.Open(c.Request.Context(), batch.ResultKey(record.JobID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			c.JSON(http.StatusNotFound, gin.H{
				"code":    "JOB_RESULT_NOT_FOUND",
				"message": "ジョブの成果物が見つかりませんでした。",
			})
			return
		}
		respondInternal(c, h.logger, "ジョブの成果物取得に失敗しました。", err)
		return
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		respondInternal(c, h.logger, "ジョブの成果物取得に失敗しました。", err)
		return
	}

	filename := record.JobID + ".csv"
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s\"; filename*=UTF-8''%s", filename, url.PathEscape(filename)))
	c.Header("Cache-Control", "no-store")
	c.Header("X-Job-Id", record.JobID)
	c.DataFromReader(http.StatusOK, info.Size(), "text/csv; charset=utf-8", file, nil)
}

// JobItems は GET /api/jobs/:id/items のハンドラーです。
func (h *Handlers) JobItems(c *gin.Context) {
	if h.items == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"code":    "ARCHIVE_DISABLED",
			"message": "商品レコードの保存は無効になっています。",
		})
		return
	}
	jobID, ok := jobIDParam(c)
	if !ok {
		return
	}

	entries, err := h.items.ListItems(c.Request.Context(), jobID)
	if err != nil {
		respondInternal(c, h.logger, "商品レコードの取得に失敗しました。", err)
		return
	}
	if len(entries) == 0 {
		// アーカイブは Redis のレコードより長く残るため、空のときだけジョブの存在を確認する
		if _, ok := h.lookup(c); !ok {
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"jobId": jobID, "items": entries})
}

func (h *Handlers) lookup(c *gin.Context) (*jobs.Record, bool) {
	jobID, ok := jobIDParam(c)
	if !ok {
		return nil, false
	}
	record, err := h.jobs.GetRecord(c.Request.Context(), jobID)
	if err != nil {
		respondInternal(c, h.logger, "ジョブ情報の取得に失敗しました。", err)
		return nil, false
	}
	if record == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"code":    "JOB_NOT_FOUND",
			"message": "指定されたジョブは存在しません。",
		})
		return nil, false
	}
	return record, true
}

func jobIDParam(c *gin.Context) (string, bool) {
	jobID := strings.TrimSpace(c.Param("id"))
	if jobID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_INPUT",
			"message": "jobId を指定してください。",
		})
		return "", false
	}
	return jobID, true
}

func respondInternal(c *gin.Context, logger *slog.Logger, message string, err error) {
	logger.Error("request failed", "path", c.FullPath(), "error", err.Error())
	c.JSON(http.StatusInternalServerError, gin.H{
		"code":    "INTERNAL_ERROR",
		"message": message,
	})
}

var errNotText = errors.New("upload is not a text file")

// openSheet はアップロードファイルを開き、テキストであることを確認してから先頭に戻して返します。
func openSheet(fh *multipart.FileHeader) (multipart.File, error) {
	file, err := fh.Open()
	if err != nil {
		return nil, err
	}
	if fh.Size == 0 {
		return file, nil
	}
	mtype, err := mimetype.DetectReader(file)
	if err != nil {
		file.Close()
		return nil, err
	}
	if !strings.HasPrefix(mtype.String(), "text/") {
		file.Close()
		return nil, fmt.Errorf("%w: %s", errNotText, mtype.String())
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		file.Close()
		return nil, err
	}
	return file, nil
}

func validCallbackURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// RequestLogger はリクエストごとに request_id を付けてアクセスログを出力するミドルウェアです。
func RequestLogger(logger *slog.Logger, newID func() string) gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-Id")
		if requestID == "" && newID != nil {
			requestID = newID()
		}
		c.Header("X-Request-Id", requestID)

		started := time.Now()
		c.Next()

		logger.Info("request",
			"request_id", requestID,
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(started).Milliseconds(),
		)
	}
}
