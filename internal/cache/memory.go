package cache

import (
	"context"
	"sync"
	"time"

	"github.com/yourusername/drawing-review/internal/apperr"
	"github.com/yourusername/drawing-review/internal/pipeline"
)

// Memory はプロセス内のキャッシュ実装です。期限切れは参照時に削除します。
type Memory struct {
	mu      sync.Mutex
	entries map[string]*Entry
	opts    Options
	now     func() time.Time
}

// NewMemory は Memory を作成します。
func NewMemory(opts Options) *Memory {
	return &Memory{
		entries: make(map[string]*Entry),
		opts:    opts.withDefaults(),
		now:     time.Now,
	}
}

// SetClock はテスト用に時計を差し替えます。
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *Memory) Get(_ context.Context, fingerprint string) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry := m.liveLocked(fingerprint)
	if entry == nil {
		return nil, nil
	}
	cp := *entry
	return &cp, nil
}

func (m *Memory) PutProcessing(_ context.Context, fingerprint, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.liveLocked(fingerprint) != nil {
		return alreadyExists(fingerprint)
	}
	m.entries[fingerprint] = newEntry(fingerprint, jobID, StatusProcessing, m.now(), m.opts.ProcessingTTL)
	return nil
}

func (m *Memory) Renew(_ context.Context, fingerprint, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev := m.liveLocked(fingerprint)
	switch {
	case prev == nil:
		m.entries[fingerprint] = newEntry(fingerprint, jobID, StatusProcessing, m.now(), m.opts.ProcessingTTL)
	case prev.JobID != jobID:
		return heldByOther(fingerprint, prev)
	case prev.Status != StatusProcessing:
		return apperr.Newf(apperr.KindInvalidState, "cache entry for %s is already %s", shortFingerprint(fingerprint), prev.Status)
	default:
		prev.ExpiresAt = m.now().Add(m.opts.ProcessingTTL)
	}
	return nil
}

func (m *Memory) Complete(_ context.Context, fingerprint, jobID string, status Status, result *pipeline.Result, errInfo *apperr.Info) error {
	if err := validateCompletion(status); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev := m.liveLocked(fingerprint); prev != nil && prev.JobID != jobID {
		return heldByOther(fingerprint, prev)
	}
	entry := newEntry(fingerprint, jobID, status, m.now(), m.opts.ttlFor(status))
	entry.Result = result
	entry.Error = errInfo
	m.entries[fingerprint] = entry
	return nil
}

func (m *Memory) Remove(_ context.Context, fingerprint, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry, ok := m.entries[fingerprint]; ok && entry.JobID == jobID {
		delete(m.entries, fingerprint)
	}
	return nil
}

func (m *Memory) liveLocked(fingerprint string) *Entry {
	entry, ok := m.entries[fingerprint]
	if !ok {
		return nil
	}
	if !m.now().Before(entry.ExpiresAt) {
		delete(m.entries, fingerprint)
		return nil
	}
	return entry
}
