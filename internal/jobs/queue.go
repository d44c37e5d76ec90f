package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/yourusername/drawing-review/internal/apperr"
)

const (
	taskTypeReview = "drawing:review"
	queueName      = "drawing"
)

// TaskPayload は Asynq タスクのペイロードです。
type TaskPayload struct {
	JobID string `json:"jobId"`
}

// AsynqScheduler は Redis 上の Asynq キューを使うスケジューラです。複数プロセスでワーカーを分担できます。
type AsynqScheduler struct {
	client  *asynq.Client
	server  *asynq.Server
	mux     *asynq.ServeMux
	timeout time.Duration
	logger  zerolog.Logger
}

// NewAsynqScheduler は Redis URL から AsynqScheduler を作成します。
func NewAsynqScheduler(redisURL string, concurrency int, timeout time.Duration, logger zerolog.Logger) (*AsynqScheduler, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	if concurrency <= 0 {
		concurrency = DefaultWorkers
	}
	if timeout <= 0 {
		timeout = DefaultProcessTimeout
	}

	return &AsynqScheduler{
		client: asynq.NewClient(opt),
		server: asynq.NewServer(opt, asynq.Config{
			Concurrency: concurrency,
			Queues: map[string]int{
				queueName: 1,
			},
		}),
		mux:     asynq.NewServeMux(),
		timeout: timeout,
		logger:  logger,
	}, nil
}

// Start はハンドラーを登録してワーカーサーバーを起動します。
func (s *AsynqScheduler) Start(handler Handler) error {
	s.mux.HandleFunc(taskTypeReview, taskHandler(handler))
	return s.server.Start(s.mux)
}

func taskHandler(handler Handler) asynq.HandlerFunc {
	return func(ctx context.Context, task *asynq.Task) error {
		var payload TaskPayload
		if err := json.Unmarshal(task.Payload(), &payload); err != nil {
			return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
		}
		if payload.JobID == "" {
			return fmt.Errorf("%w: missing jobId in payload", asynq.SkipRetry)
		}
		// 失敗はジョブ状態に記録済みなので、キュー側では再試行させない。
		handler(ctx, payload.JobID)
		return nil
	}
}

// Schedule はジョブをキューに投入します。
func (s *AsynqScheduler) Schedule(ctx context.Context, jobID string) error {
	body, err := json.Marshal(&TaskPayload{JobID: jobID})
	if err != nil {
		return err
	}
	task := asynq.NewTask(taskTypeReview, body, asynq.Queue(queueName))
	info, err := s.client.EnqueueContext(ctx, task, asynq.MaxRetry(0), asynq.Timeout(s.timeout))
	if err != nil {
		return &apperr.Error{Kind: apperr.KindScheduling, Message: "failed to enqueue task", JobID: jobID, Cause: err}
	}
	s.logger.Debug().Str("job_id", jobID).Str("task_id", info.ID).Msg("enqueued task")
	return nil
}

// Shutdown はサーバーとクライアントを閉じます。
func (s *AsynqScheduler) Shutdown(_ context.Context) error {
	s.server.Shutdown()
	return s.client.Close()
}
