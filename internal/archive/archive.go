// Package archive は処理済みの商品レコードを SQLite に保存します。
// Redis 上のジョブレコードが期限切れになった後も、商品ごとの入出力を参照できます。
package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/sujitdhar014/image-processing-backend/internal/batch"
)

const (
	sqliteBusyCode          = 5
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond
)

// Entry は保存された1商品分のレコードです。
type Entry struct {
	JobID        string    `json:"jobId"`
	Sequence     int       `json:"serialNumber"`
	Name         string    `json:"productName"`
	InputURLs    []string  `json:"inputImageUrls"`
	OutputRefs   []string  `json:"outputImageUrls"`
	FailedImages int       `json:"failedImages"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Archive は SQLite の job_items テーブルを扱います。
type Archive struct {
	db   *sql.DB
	path string
	now  func() time.Time
}

// Open は path のデータベースを開き、マイグレーションを適用します。
func Open(path string) (*Archive, error) {
	if path == "" {
		return nil, errors.New("archive path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create archive dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, err)
		}
	}

	a := &Archive{db: db, path: path, now: time.Now}
	if err := a.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return a, nil
}

// Path はデータベースファイルのパスを返します。
func (a *Archive) Path() string {
	return a.path
}

// Close はデータベース接続を閉じます。
func (a *Archive) Close() error {
	if a == nil || a.db == nil {
		return nil
	}
	return a.db.Close()
}

// RecordItems はジョブの商品をまとめて保存します。同じ (job_id, sequence) は上書きされるため、
// 再配送で同じジョブを処理し直しても重複しません。batch.ItemRecorder を満たします。
func (a *Archive) RecordItems(ctx context.Context, jobID string, items []batch.Item) error {
	if len(items) == 0 {
		return nil
	}
	createdAt := a.now().UTC().Format(time.RFC3339Nano)

	return retryOnBusy(ctx, func() error {
		tx, err := a.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		stmt, err := tx.PrepareContext(ctx, `INSERT OR REPLACE INTO job_items (
            job_id, sequence, name, input_urls, output_urls, failed_images, created_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("prepare insert: %w", err)
		}
		defer stmt.Close()

		for _, item := range items {
			inputs, err := encodeList(item.SourceURLs)
			if err != nil {
				return err
			}
			outputs, err := encodeList(item.OutputRefs())
			if err != nil {
				return err
			}
			if _, err := stmt.ExecContext(ctx, jobID, item.Sequence, item.Name, inputs, outputs, item.FailedCount(), createdAt); err != nil {
				return fmt.Errorf("insert item %d: %w", item.Sequence, err)
			}
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit items: %w", err)
		}
		return nil
	})
}

// ListItems はジョブの商品を連番の昇順で返します。記録がなければ空のスライスを返します。
func (a *Archive) ListItems(ctx context.Context, jobID string) ([]Entry, error) {
	rows, err := a.db.QueryContext(ctx,
		`SELECT job_id, sequence, name, input_urls, output_urls, failed_images, created_at
         FROM job_items WHERE job_id = ? ORDER BY sequence`,
		jobID,
	)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		var (
			e               Entry
			inputs, outputs string
			createdAt       string
		)
		if err := rows.Scan(&e.JobID, &e.Sequence, &e.Name, &inputs, &outputs, &e.FailedImages, &createdAt); err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		if e.InputURLs, err = decodeList(inputs); err != nil {
			return nil, err
		}
		if e.OutputRefs, err = decodeList(outputs); err != nil {
			return nil, err
		}
		if e.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, fmt.Errorf("parse created_at: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate items: %w", err)
	}
	return entries, nil
}

// Prune は before より前に記録された商品を削除し、削除件数を返します。
func (a *Archive) Prune(ctx context.Context, before time.Time) (int64, error) {
	var affected int64
	err := retryOnBusy(ctx, func() error {
		res, err := a.db.ExecContext(ctx, `DELETE FROM job_items WHERE created_at < ?`, before.UTC().Format(time.RFC3339Nano))
		if err != nil {
			return fmt.Errorf("prune items: %w", err)
		}
		affected, err = res.RowsAffected()
		return err
	})
	return affected, err
}

func encodeList(values []string) (string, error) {
	if values == nil {
		values = []string{}
	}
	data, err := json.Marshal(values)
	if err != nil {
		return "", fmt.Errorf("encode list: %w", err)
	}
	return string(data), nil
}

func decodeList(raw string) ([]string, error) {
	var values []string
	if err := json.Unmarshal([]byte(raw), &values); err != nil {
		return nil, fmt.Errorf("decode list: %w", err)
	}
	return values, nil
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code() == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

// retryOnBusy は SQLITE_BUSY の間だけ op を指数バックオフでやり直します。
func retryOnBusy(ctx context.Context, op func() error) error {
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil || !isSQLiteBusy(lastErr) || attempt == busyRetryAttempts-1 {
			return lastErr
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if next := delay * 2; next <= busyRetryMaxBackoff {
			delay = next
		}
	}
	return lastErr
}
