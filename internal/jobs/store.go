package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	jobKeyPrefix = "imgjob:"

	maxTxRetries = 10
)

// ErrAlreadyExists は同じジョブIDのレコードが既に存在する場合に返されます。
var ErrAlreadyExists = errors.New("job already exists")

// Store はジョブ状態を Redis に保存します。
type Store struct {
	rdb *redis.Client
	ttl time.Duration
	now func() time.Time
}

// NewStore は Store を作成します。ttl が 0 の場合レコードは失効しません。
func NewStore(rdb *redis.Client, ttl time.Duration) *Store {
	return &Store{
		rdb: rdb,
		ttl: ttl,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// Create は pending 状態のレコードを新規作成します。
func (s *Store) Create(ctx context.Context, record *Record) error {
	if record == nil {
		return fmt.Errorf("record is nil")
	}
	if record.JobID == "" {
		return fmt.Errorf("record.JobID is required")
	}
	now := s.now()
	record.Status = StatusPending
	record.CreatedAt = now
	record.UpdatedAt = now
	if s.ttl > 0 {
		record.ExpiresAt = now.Add(s.ttl)
	}

	payload, err := json.Marshal(record)
	if err != nil {
		return err
	}
	ok, err := s.rdb.SetNX(ctx, jobKey(record.JobID), payload, s.ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, record.JobID)
	}
	return nil
}

// Get はジョブ情報を取得します。存在しない場合は nil を返します。
func (s *Store) Get(ctx context.Context, jobID string) (*Record, error) {
	if jobID == "" {
		return nil, fmt.Errorf("jobID is required")
	}
	data, err := s.rdb.Get(ctx, jobKey(jobID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

// Delete はキュー投入に失敗した投入直後のレコードを取り消します。
func (s *Store) Delete(ctx context.Context, jobID string) error {
	return s.rdb.Del(ctx, jobKey(jobID)).Err()
}

// MarkProcessing はジョブを processing に遷移させ、更新後のレコードを返します。
func (s *Store) MarkProcessing(ctx context.Context, jobID string) (*Record, error) {
	return s.transition(ctx, jobID, StatusProcessing, func(record *Record) {
		record.Attempts++
		record.Error = nil
	})
}

// MarkCompleted はジョブ完了時の情報を保存します。
func (s *Store) MarkCompleted(ctx context.Context, jobID, resultRef string, summary Summary) error {
	_, err := s.transition(ctx, jobID, StatusCompleted, func(record *Record) {
		record.ResultArtifactRef = resultRef
		record.Summary = summary
		record.Error = nil
	})
	return err
}

// MarkFailed はジョブ失敗時の情報を保存します。
func (s *Store) MarkFailed(ctx context.Context, jobID string, errInfo *ErrorInfo) error {
	_, err := s.transition(ctx, jobID, StatusFailed, func(record *Record) {
		record.ResultArtifactRef = ""
		record.Error = errInfo
	})
	return err
}

// transition は WATCH によって読み取りから書き込みまでの間に他の更新が入っていないことを保証します。
func (s *Store) transition(ctx context.Context, jobID string, to Status, mutate func(*Record)) (*Record, error) {
	key := jobKey(jobID)
	var updated Record

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return fmt.Errorf("%w: %s", ErrNotFound, jobID)
			}
			return err
		}
		var record Record
		if err := json.Unmarshal(data, &record); err != nil {
			return err
		}
		if !CanTransition(record.Status, to) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, record.Status, to)
		}
		record.Status = to
		mutate(&record)
		record.UpdatedAt = s.now()
		payload, err := json.Marshal(&record)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			// 作成時に決めた失効時刻（ExpiresAt）を保つため TTL は引き継ぐ
			pipe.Set(ctx, key, payload, redis.KeepTTL)
			return nil
		})
		if err == nil {
			updated = record
		}
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.rdb.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return &updated, nil
	}
	return nil, fmt.Errorf("job %s: too many concurrent updates", jobID)
}

func jobKey(id string) string {
	return jobKeyPrefix + id
}
