package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/yourusername/drawing-review/internal/apperr"
	"github.com/yourusername/drawing-review/internal/metrics"
)

const (
	DefaultWorkers        = 4
	DefaultQueueSize      = 64
	DefaultProcessTimeout = time.Hour
)

// Handler はスケジュールされたジョブを1件処理します。
type Handler func(ctx context.Context, jobID string)

// Scheduler はジョブを非同期実行へ引き渡します。Schedule はブロックしません。
type Scheduler interface {
	Start(handler Handler) error
	Schedule(ctx context.Context, jobID string) error
	Shutdown(ctx context.Context) error
}

// Pool は固定数のワーカーと有界キューによるプロセス内スケジューラです。
type Pool struct {
	logger  zerolog.Logger
	workers int
	timeout time.Duration

	ch   chan string
	wg   sync.WaitGroup
	once sync.Once

	mu      sync.Mutex
	closed  bool
	handler Handler
}

// PoolOption は Pool の設定を変更します。
type PoolOption func(*Pool)

func WithWorkers(n int) PoolOption {
	return func(p *Pool) {
		if n > 0 {
			p.workers = n
		}
	}
}

func WithQueueSize(n int) PoolOption {
	return func(p *Pool) {
		if n > 0 {
			p.ch = make(chan string, n)
		}
	}
}

func WithProcessTimeout(d time.Duration) PoolOption {
	return func(p *Pool) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// NewPool は Pool を作成します。ワーカーは Start で起動します。
func NewPool(logger zerolog.Logger, opts ...PoolOption) *Pool {
	p := &Pool{
		logger:  logger,
		workers: DefaultWorkers,
		timeout: DefaultProcessTimeout,
		ch:      make(chan string, DefaultQueueSize),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Start はワーカーを起動します。2回目以降の呼び出しは何もしません。
func (p *Pool) Start(handler Handler) error {
	p.once.Do(func() {
		p.mu.Lock()
		p.handler = handler
		p.mu.Unlock()
		for i := 0; i < p.workers; i++ {
			p.wg.Add(1)
			go p.loop(i + 1)
		}
	})
	return nil
}

func (p *Pool) loop(workerID int) {
	defer p.wg.Done()
	p.logger.Debug().Int("worker_id", workerID).Msg("worker started")
	for jobID := range p.ch {
		metrics.SetQueueDepth(len(p.ch))
		ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
		p.handler(ctx, jobID)
		cancel()
	}
	p.logger.Debug().Int("worker_id", workerID).Msg("worker stopped")
}

// Schedule はジョブをキューに積みます。キューが満杯なら待たずに SchedulingError を返します。
func (p *Pool) Schedule(_ context.Context, jobID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return &apperr.Error{Kind: apperr.KindScheduling, Message: "worker pool is shutting down", JobID: jobID}
	}
	select {
	case p.ch <- jobID:
		metrics.SetQueueDepth(len(p.ch))
		p.logger.Debug().Str("job_id", jobID).Msg("queued job")
		return nil
	default:
		p.logger.Warn().Str("job_id", jobID).Int("capacity", cap(p.ch)).Msg("queue full, rejecting job")
		return &apperr.Error{Kind: apperr.KindScheduling, Message: "worker queue is full", JobID: jobID}
	}
}

// Shutdown は新規投入を止め、積まれているジョブを処理し終えるまで待ちます。
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.ch)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() { defer close(done); p.wg.Wait() }()

	select {
	case <-ctx.Done():
		p.logger.Warn().Msg("shutdown interrupted by context")
		return ctx.Err()
	case <-done:
		p.logger.Info().Msg("queue drained, shutdown complete")
		return nil
	}
}
