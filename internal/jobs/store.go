package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/yourusername/drawing-review/internal/apperr"
)

const (
	jobKeyPrefix     = "drawing:job:"
	maxUpdateRetries = 64
)

// StateStore はジョブIDをキーにジョブ状態を保持します。
// Update の mutate はキー単位で原子的に適用され、error を返した場合は何も保存しません。
type StateStore interface {
	Create(ctx context.Context, job *Job) error
	Get(ctx context.Context, jobID string) (*Job, error)
	Update(ctx context.Context, jobID string, mutate func(*Job) error) (*Job, error)
}

func notFound(jobID string) error {
	return &apperr.Error{Kind: apperr.KindNotFound, Message: "job not found", JobID: jobID}
}

// RedisStore はジョブ状態を Redis に保存します。
type RedisStore struct {
	rdb *redis.Client
	ttl time.Duration
	now func() time.Time
}

// NewRedisStore は RedisStore を作成します。
func NewRedisStore(rdb *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{
		rdb: rdb,
		ttl: ttl,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// Create は新しいジョブを保存します。同じIDが既にあれば AlreadyExists を返します。
func (s *RedisStore) Create(ctx context.Context, job *Job) error {
	if job == nil {
		return fmt.Errorf("job is nil")
	}
	s.stamp(job)
	payload, err := json.Marshal(job)
	if err != nil {
		return err
	}
	ok, err := s.rdb.SetNX(ctx, jobKey(job.ID), payload, s.ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		return &apperr.Error{Kind: apperr.KindAlreadyExists, Message: "job already exists", JobID: job.ID}
	}
	return nil
}

// Get はジョブ情報を取得します。
func (s *RedisStore) Get(ctx context.Context, jobID string) (*Job, error) {
	if jobID == "" {
		return nil, apperr.New(apperr.KindValidation, "jobID is required")
	}
	data, err := s.rdb.Get(ctx, jobKey(jobID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, notFound(jobID)
		}
		return nil, err
	}
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// Update は WATCH で楽観ロックを取りながら mutate を適用します。
func (s *RedisStore) Update(ctx context.Context, jobID string, mutate func(*Job) error) (*Job, error) {
	key := jobKey(jobID)
	var updated *Job
	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return notFound(jobID)
			}
			return err
		}
		var job Job
		if err := json.Unmarshal(data, &job); err != nil {
			return err
		}
		if err := mutate(&job); err != nil {
			return err
		}
		s.stamp(&job)
		payload, err := json.Marshal(&job)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, s.ttl)
			return nil
		})
		if err == nil {
			updated = &job
		}
		return err
	}

	for i := 0; i < maxUpdateRetries; i++ {
		err := s.rdb.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return updated, nil
	}
	return nil, fmt.Errorf("job %s: too much contention", jobID)
}

func (s *RedisStore) stamp(job *Job) {
	now := s.now()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	if s.ttl > 0 {
		job.ExpiresAt = now.Add(s.ttl)
	}
}

func jobKey(id string) string {
	return jobKeyPrefix + id
}
