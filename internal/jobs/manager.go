package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/sujitdhar014/image-processing-backend/internal/config"
	"github.com/sujitdhar014/image-processing-backend/internal/logging"
)

const (
	taskTypeProcess = "images:process"
	queueName       = "images"
)

// Runner はキューから受け取ったジョブ参照を実行します。
type Runner interface {
	Run(ctx context.Context, task TaskPayload) error
}

// Manager はジョブの投入と状態管理を担います。
type Manager struct {
	cfg    *config.Config
	client *asynq.Client
	server *asynq.Server
	mux    *asynq.ServeMux
	store  *Store
	runner Runner
	logger *slog.Logger
}

// NewManager は Manager を初期化します。runner が nil の場合はジョブ投入専用になります。
func NewManager(cfg *config.Config, store *Store, runner Runner, logger *slog.Logger) (*Manager, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if store == nil {
		return nil, errors.New("store is nil")
	}
	opt, err := asynq.ParseRedisURI(cfg.QueueRedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	logger = logging.WithComponent(logger, "jobs")

	manager := &Manager{
		cfg:    cfg,
		client: asynq.NewClient(opt),
		mux:    asynq.NewServeMux(),
		store:  store,
		runner: runner,
		logger: logger,
	}
	manager.server = asynq.NewServer(
		opt,
		asynq.Config{
			Concurrency: cfg.WorkerConcurrency,
			Queues: map[string]int{
				queueName: 1,
			},
			Logger:       logging.AsynqLogger{L: logger},
			ErrorHandler: asynq.ErrorHandlerFunc(manager.reportTaskError),
		},
	)
	manager.mux.HandleFunc(taskTypeProcess, manager.handleProcessTask)
	return manager, nil
}

// NewJobID は新しいジョブIDを発行します。
func NewJobID() string {
	return uuid.NewString()
}

// StartWorkers は Asynq サーバーをバックグラウンドで起動します。
func (m *Manager) StartWorkers() error {
	if m.runner == nil {
		return errors.New("runner is nil")
	}
	if err := m.server.Start(m.mux); err != nil {
		return fmt.Errorf("failed to start asynq server: %w", err)
	}
	return nil
}

// RunWorkers は Asynq サーバーを起動し、シグナルを受けるまでブロックします。
func (m *Manager) RunWorkers() error {
	if m.runner == nil {
		return errors.New("runner is nil")
	}
	if err := m.server.Run(m.mux); err != nil && !errors.Is(err, asynq.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown はサーバーとクライアントを閉じます。
func (m *Manager) Shutdown(ctx context.Context) error {
	m.server.Shutdown()
	return m.client.Close()
}

// Submit は pending のレコードを作成し、ジョブ参照をキューに投入します。
func (m *Manager) Submit(ctx context.Context, sub Submission) (*Record, error) {
	if strings.TrimSpace(sub.InputKey) == "" {
		return nil, fmt.Errorf("submission.InputKey is required")
	}
	if sub.JobID == "" {
		sub.JobID = NewJobID()
	}

	record := &Record{
		JobID:       sub.JobID,
		InputKey:    sub.InputKey,
		CallbackURL: sub.CallbackURL,
	}
	if err := m.store.Create(ctx, record); err != nil {
		return nil, err
	}

	if _, err := m.enqueue(ctx, TaskPayload{JobID: sub.JobID, InputKey: sub.InputKey}); err != nil {
		if delErr := m.store.Delete(ctx, sub.JobID); delErr != nil {
			err = fmt.Errorf("%w (rollback failed: %v)", err, delErr)
		}
		return nil, err
	}
	m.logger.Info("job submitted", "job_id", sub.JobID, "callback", sub.CallbackURL != "")
	return record, nil
}

// GetRecord はジョブ情報を取得します。
func (m *Manager) GetRecord(ctx context.Context, jobID string) (*Record, error) {
	return m.store.Get(ctx, jobID)
}

// enqueue はジョブIDをタスクIDとして投入するため、同じジョブ参照が二重に積まれることはありません。
func (m *Manager) enqueue(ctx context.Context, payload TaskPayload) (string, error) {
	if payload.JobID == "" {
		return "", fmt.Errorf("payload.JobID is required")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	task := asynq.NewTask(taskTypeProcess, body, asynq.Queue(queueName))
	info, err := m.client.EnqueueContext(ctx, task,
		asynq.TaskID(payload.JobID),
		asynq.MaxRetry(m.cfg.TaskMaxRetry),
		asynq.Timeout(m.cfg.TaskTimeout()),
	)
	if err != nil {
		return "", err
	}
	return info.ID, nil
}

func (m *Manager) handleProcessTask(ctx context.Context, task *asynq.Task) error {
	var payload TaskPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("invalid payload: %v: %w", err, asynq.SkipRetry)
	}
	if payload.JobID == "" {
		return fmt.Errorf("missing jobId in payload: %w", asynq.SkipRetry)
	}

	err := m.runner.Run(ctx, payload)
	if errors.Is(err, ErrNotFound) {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	return err
}

func (m *Manager) reportTaskError(ctx context.Context, task *asynq.Task, err error) {
	retried, _ := asynq.GetRetryCount(ctx)
	maxRetry, _ := asynq.GetMaxRetry(ctx)
	taskID, _ := asynq.GetTaskID(ctx)
	m.logger.Error("task failed",
		"task_id", taskID,
		"type", task.Type(),
		"retried", retried,
		"max_retry", maxRetry,
		"error", err.Error(),
	)
}
