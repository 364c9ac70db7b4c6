package jobs

import (
	"errors"
	"time"
)

// Status はジョブの実行状態を表します。
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// ErrInvalidTransition は状態遷移が許可されていない場合に返されます。
var ErrInvalidTransition = errors.New("invalid job state transition")

// ErrNotFound はジョブが存在しない場合に返されます。
var ErrNotFound = errors.New("job not found")

// Terminal は終端状態（completed / failed）かどうかを返します。
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition は from から to への遷移が許可されているかを返します。
// processing -> processing は同じジョブ参照の再配送を表します。
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusProcessing
	case StatusProcessing:
		return to == StatusProcessing || to == StatusCompleted || to == StatusFailed
	default:
		return false
	}
}

// ErrorInfo はジョブ失敗時のエラー情報を保持します。
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Summary は完了したジョブの集計です。
type Summary struct {
	ItemCount    int `json:"itemCount"`
	SkippedRows  int `json:"skippedRows"`
	FailedImages int `json:"failedImages"`
}

// Record はジョブの現在状態を表します。
type Record struct {
	JobID             string     `json:"jobId"`
	Status            Status     `json:"status"`
	InputKey          string     `json:"inputKey"`
	CallbackURL       string     `json:"callbackUrl,omitempty"`
	ResultArtifactRef string     `json:"resultArtifactRef,omitempty"`
	Summary           Summary    `json:"summary"`
	Error             *ErrorInfo `json:"error,omitempty"`
	Attempts          int        `json:"attempts"`
	CreatedAt         time.Time  `json:"createdAt"`
	UpdatedAt         time.Time  `json:"updatedAt"`
	ExpiresAt         time.Time  `json:"expiresAt,omitzero"`
}

// TaskPayload はキューで受け渡すジョブ参照です。
type TaskPayload struct {
	JobID    string `json:"jobId"`
	InputKey string `json:"inputKey"`
}

// Submission はジョブ投入時の入力です。
type Submission struct {
	JobID       string
	InputKey    string
	CallbackURL string
}
