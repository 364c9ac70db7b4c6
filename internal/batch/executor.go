// Package batch はワーカー側のジョブ実行（入力シートの解析、商品ごとの画像処理、
// 結果シートの生成、状態遷移と通知）を提供します。
package batch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sujitdhar014/image-processing-backend/internal/jobs"
	"github.com/sujitdhar014/image-processing-backend/internal/logging"
	"github.com/sujitdhar014/image-processing-backend/internal/notify"
)

// StateStore はジョブ状態の永続化先です。
type StateStore interface {
	Get(ctx context.Context, jobID string) (*jobs.Record, error)
	MarkProcessing(ctx context.Context, jobID string) (*jobs.Record, error)
	MarkCompleted(ctx context.Context, jobID, resultRef string, summary jobs.Summary) error
	MarkFailed(ctx context.Context, jobID string, errInfo *jobs.ErrorInfo) error
}

// Artifacts は入力シートの読み出しと成果物の保存先です。
type Artifacts interface {
	Open(ctx context.Context, key string) (*os.File, error)
	Save(ctx context.Context, key string, data []byte) (string, error)
}

// Notifier は終端イベントの配信先です。
type Notifier interface {
	Dispatch(ctx context.Context, endpoint string, ev notify.Event)
}

// ItemRecorder は処理済みの商品を記録します。
type ItemRecorder interface {
	RecordItems(ctx context.Context, jobID string, items []Item) error
}

// Deps は Executor の依存関係です。
type Deps struct {
	Store        StateStore
	Artifacts    Artifacts
	Transformer  Transformer
	Notifier     Notifier
	Recorder     ItemRecorder // 任意
	Logger       *slog.Logger
	ItemWorkers  int
	ImageWorkers int
	StoreTimeout time.Duration
}

// Executor は1件のジョブを pending から終端状態まで進めます。
type Executor struct {
	store        StateStore
	artifacts    Artifacts
	transformer  Transformer
	notifier     Notifier
	recorder     ItemRecorder
	logger       *slog.Logger
	itemWorkers  int
	imageWorkers int
	storeTimeout time.Duration
}

// NewExecutor は Executor を作成します。
func NewExecutor(d Deps) (*Executor, error) {
	if d.Store == nil {
		return nil, errors.New("store is nil")
	}
	if d.Artifacts == nil {
		return nil, errors.New("artifacts is nil")
	}
	if d.Transformer == nil {
		return nil, errors.New("transformer is nil")
	}
	if d.Notifier == nil {
		return nil, errors.New("notifier is nil")
	}
	e := &Executor{
		store:        d.Store,
		artifacts:    d.Artifacts,
		transformer:  d.Transformer,
		notifier:     d.Notifier,
		recorder:     d.Recorder,
		logger:       logging.WithComponent(d.Logger, "executor"),
		itemWorkers:  d.ItemWorkers,
		imageWorkers: d.ImageWorkers,
		storeTimeout: d.StoreTimeout,
	}
	if e.itemWorkers < 1 {
		e.itemWorkers = 4
	}
	if e.imageWorkers < 1 {
		e.imageWorkers = 8
	}
	if e.storeTimeout <= 0 {
		e.storeTimeout = 5 * time.Second
	}
	return e, nil
}

// ResultKey はジョブの結果シートの保存キーを返します。
func ResultKey(jobID string) string {
	return path.Join("results", jobID+".csv")
}

type runOutput struct {
	resultRef string
	summary   jobs.Summary
}

// Run はキューから配送されたジョブ参照を処理します。jobs.Runner を満たします。
func (e *Executor) Run(ctx context.Context, task jobs.TaskPayload) error {
	log := logging.WithJob(e.logger, task.JobID)

	record, err := e.load(ctx, task.JobID)
	if err != nil {
		return fmt.Errorf("failed to load job %s: %w", task.JobID, err)
	}
	if record == nil {
		return fmt.Errorf("%w: %s", jobs.ErrNotFound, task.JobID)
	}
	if record.Status.Terminal() {
		log.Info("job already in terminal state, skipping", "status", record.Status)
		return nil
	}

	record, err = e.markProcessing(ctx, task.JobID)
	if err != nil {
		if errors.Is(err, jobs.ErrInvalidTransition) {
			log.Info("job left pending/processing concurrently, skipping", "error", err.Error())
			return nil
		}
		return fmt.Errorf("failed to mark job %s processing: %w", task.JobID, err)
	}
	log.Info("job processing", "attempt", record.Attempts)

	inputKey := record.InputKey
	if inputKey == "" {
		inputKey = task.InputKey
	}

	started := time.Now()
	out, err := e.safeExecute(ctx, record.JobID, inputKey, log)
	if err == nil {
		err = e.commitCompleted(ctx, record.JobID, out)
	}
	if err != nil {
		return e.fail(ctx, record, err, log)
	}

	log.Info("job completed",
		"items", out.summary.ItemCount,
		"skipped_rows", out.summary.SkippedRows,
		"failed_images", out.summary.FailedImages,
		"duration_ms", time.Since(started).Milliseconds(),
	)
	e.notifier.Dispatch(context.WithoutCancel(ctx), record.CallbackURL, notify.Completed(record.JobID, out.resultRef))
	return nil
}

func (e *Executor) safeExecute(ctx context.Context, jobID, inputKey string, log *slog.Logger) (out *runOutput, err error) {
	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = newError(CodeInternal, "unexpected internal fault", fmt.Errorf("panic: %v", r))
		}
	}()
	return e.execute(ctx, jobID, inputKey, log)
}

func (e *Executor) execute(ctx context.Context, jobID, inputKey string, log *slog.Logger) (*runOutput, error) {
	file, err := e.artifacts.Open(ctx, inputKey)
	if err != nil {
		return nil, newError(CodeInputUnreadable, "failed to open input sheet", err)
	}
	sheet, err := ParseSheet(file)
	file.Close()
	if err != nil {
		return nil, newError(CodeInputUnreadable, "failed to read input sheet", err)
	}
	log.Info("input sheet parsed", "rows", len(sheet.Rows), "skipped_rows", sheet.Skipped)

	items := e.processItems(ctx, jobID, sheet.Rows, log)
	if err := ctx.Err(); err != nil {
		return nil, newError(CodeInterrupted, "job interrupted", err)
	}

	if e.recorder != nil {
		recordCtx, cancel := context.WithTimeout(ctx, e.storeTimeout)
		err := e.recorder.RecordItems(recordCtx, jobID, items)
		cancel()
		if err != nil {
			return nil, newError(CodeArchiveFailed, "failed to record items", err)
		}
	}

	var buf bytes.Buffer
	if err := WriteResult(&buf, items); err != nil {
		return nil, newError(CodeResultWriteFailed, "failed to render result sheet", err)
	}
	ref, err := e.artifacts.Save(ctx, ResultKey(jobID), buf.Bytes())
	if err != nil {
		return nil, newError(CodeResultWriteFailed, "failed to write result sheet", err)
	}

	summary := jobs.Summary{ItemCount: len(items), SkippedRows: sheet.Skipped}
	for _, item := range items {
		summary.FailedImages += item.FailedCount()
	}
	return &runOutput{resultRef: ref, summary: summary}, nil
}

// processItems は商品を itemWorkers 件ずつ並列に処理し、入力順（連番の昇順）で返します。
func (e *Executor) processItems(ctx context.Context, jobID string, rows []Row, log *slog.Logger) []Item {
	processor := NewItemProcessor(e.transformer, e.imageWorkers, log)
	items := make([]Item, len(rows))

	var g errgroup.Group
	g.SetLimit(e.itemWorkers)
	for i, row := range rows {
		g.Go(func() error {
			items[i] = processor.Process(ctx, jobID, row)
			return nil
		})
	}
	_ = g.Wait()
	return items
}

func (e *Executor) load(ctx context.Context, jobID string) (*jobs.Record, error) {
	ctx, cancel := context.WithTimeout(ctx, e.storeTimeout)
	defer cancel()
	return e.store.Get(ctx, jobID)
}

func (e *Executor) markProcessing(ctx context.Context, jobID string) (*jobs.Record, error) {
	ctx, cancel := context.WithTimeout(ctx, e.storeTimeout)
	defer cancel()
	return e.store.MarkProcessing(ctx, jobID)
}

func (e *Executor) commitCompleted(ctx context.Context, jobID string, out *runOutput) error {
	ctx, cancel := context.WithTimeout(ctx, e.storeTimeout)
	defer cancel()
	if err := e.store.MarkCompleted(ctx, jobID, out.resultRef, out.summary); err != nil {
		return newError(CodeStoreCommitFailed, "failed to commit completed state", err)
	}
	return nil
}

// fail は failed 状態を記録します。ワーカーのコンテキストが既に終わっていても記録を試みます。
// 記録できなかった場合は通知せずにエラーを返し、キューの再配送に委ねます。
func (e *Executor) fail(ctx context.Context, record *jobs.Record, cause error, log *slog.Logger) error {
	coded := asError(cause)
	log.Error("job failed", "code", coded.Code, "error", coded.Error())

	commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.storeTimeout)
	defer cancel()
	err := e.store.MarkFailed(commitCtx, record.JobID, &jobs.ErrorInfo{
		Code:    coded.Code,
		Message: coded.Error(),
	})
	if err != nil {
		log.Error("failed to record failed state", "error", err.Error())
		return fmt.Errorf("job %s failed (%v) and the failed state could not be recorded: %w", record.JobID, coded, err)
	}

	e.notifier.Dispatch(context.WithoutCancel(ctx), record.CallbackURL, notify.Failed(record.JobID, coded.Error()))
	return nil
}
