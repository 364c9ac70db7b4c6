// Package notify はジョブの終端イベントをコールバック先へ配信します。
//
// 配信は1回のみ試行し、失敗はログに残すだけでジョブ状態には影響させません。
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sujitdhar014/image-processing-backend/internal/logging"
)

const userAgent = "image-processing-backend/0.1.0"

// Event はコールバック先へ送るペイロードです。
type Event struct {
	Status            string `json:"status"`
	JobID             string `json:"job_id"`
	ResultArtifactRef string `json:"result_artifact_ref,omitempty"`
	Error             string `json:"error,omitempty"`
}

// Completed は成功イベントを作成します。
func Completed(jobID, resultRef string) Event {
	return Event{Status: "completed", JobID: jobID, ResultArtifactRef: resultRef}
}

// Failed は失敗イベントを作成します。
func Failed(jobID, summary string) Event {
	return Event{Status: "failed", JobID: jobID, Error: summary}
}

// Dispatcher は Event を HTTP POST で配信します。
type Dispatcher struct {
	client *http.Client
	logger *slog.Logger
}

// NewDispatcher は timeout で打ち切る Dispatcher を作成します。
func NewDispatcher(timeout time.Duration, logger *slog.Logger) *Dispatcher {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Dispatcher{
		client: &http.Client{Timeout: timeout},
		logger: logging.WithComponent(logger, "notify"),
	}
}

// Dispatch は endpoint へ ev を1回だけ送信します。endpoint が空の場合は何もしません。
func (d *Dispatcher) Dispatch(ctx context.Context, endpoint string, ev Event) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return
	}
	log := d.logger.With("job_id", ev.JobID, "status", ev.Status)

	status, err := d.post(ctx, endpoint, ev)
	if err != nil {
		log.Warn("webhook delivery failed", "error", err.Error())
		return
	}
	log.Info("webhook delivered", "http_status", status)
}

func (d *Dispatcher) post(ctx context.Context, endpoint string, ev Event) (int, error) {
	body, err := json.Marshal(ev)
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}
