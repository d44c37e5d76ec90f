package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/yourusername/drawing-review/internal/apperr"
)

// MemoryStore はプロセス内でジョブ状態を保持します。期限切れの終端ジョブは参照時に削除します。
type MemoryStore struct {
	mu   sync.Mutex
	jobs map[string]*Job
	ttl  time.Duration
	now  func() time.Time
}

// NewMemoryStore は MemoryStore を作成します。
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		jobs: make(map[string]*Job),
		ttl:  ttl,
		now:  func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) Create(_ context.Context, job *Job) error {
	if job == nil {
		return fmt.Errorf("job is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.liveLocked(job.ID) != nil {
		return &apperr.Error{Kind: apperr.KindAlreadyExists, Message: "job already exists", JobID: job.ID}
	}
	s.stamp(job)
	s.jobs[job.ID] = job.Clone()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, jobID string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job := s.liveLocked(jobID)
	if job == nil {
		return nil, notFound(jobID)
	}
	return job.Clone(), nil
}

func (s *MemoryStore) Update(_ context.Context, jobID string, mutate func(*Job) error) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current := s.liveLocked(jobID)
	if current == nil {
		return nil, notFound(jobID)
	}
	next := current.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	s.stamp(next)
	s.jobs[jobID] = next
	return next.Clone(), nil
}

func (s *MemoryStore) stamp(job *Job) {
	now := s.now()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	if s.ttl > 0 {
		job.ExpiresAt = now.Add(s.ttl)
	}
}

func (s *MemoryStore) liveLocked(jobID string) *Job {
	job, ok := s.jobs[jobID]
	if !ok {
		return nil
	}
	if job.State.Terminal() && !job.ExpiresAt.IsZero() && !s.now().Before(job.ExpiresAt) {
		delete(s.jobs, jobID)
		return nil
	}
	return job
}
