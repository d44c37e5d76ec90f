// Package cache は入力内容のフィンガープリント単位で処理結果を共有します。
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/yourusername/drawing-review/internal/apperr"
	"github.com/yourusername/drawing-review/internal/pipeline"
)

// Status はキャッシュエントリの状態です。
type Status string

const (
	StatusProcessing Status = "processing"
	StatusSuccess    Status = "success"
	StatusFailure    Status = "failure"
)

const (
	DefaultSuccessTTL    = time.Hour
	DefaultProcessingTTL = time.Hour
)

// Entry はフィンガープリント1件分の記録です。
type Entry struct {
	Fingerprint string           `json:"fingerprint"`
	Status      Status           `json:"status"`
	JobID       string           `json:"jobId"`
	Result      *pipeline.Result `json:"result,omitempty"`
	Error       *apperr.Info     `json:"error,omitempty"`
	CreatedAt   time.Time        `json:"createdAt"`
	ExpiresAt   time.Time        `json:"expiresAt"`
}

// Cache は内容アドレス型の結果キャッシュです。
// Get は存在しない・期限切れのエントリに対して nil, nil を返します。
// 書き込み系は jobID で所有者を確認し、他のジョブが持つエントリには触れません。
type Cache interface {
	Get(ctx context.Context, fingerprint string) (*Entry, error)
	// PutProcessing は有効なエントリが既にある場合 AlreadyExists を返します。
	PutProcessing(ctx context.Context, fingerprint, jobID string) error
	// Renew は jobID の Processing エントリの期限を延ばします。エントリが無ければ jobID で取り直し、
	// 他のジョブが持っていれば所有者の JobID を載せた AlreadyExists を返します。
	Renew(ctx context.Context, fingerprint, jobID string) error
	// Complete は jobID が持つ（または空の）エントリを結果で置き換えます。
	Complete(ctx context.Context, fingerprint, jobID string, status Status, result *pipeline.Result, errInfo *apperr.Info) error
	// Remove は jobID が持つエントリだけを削除します。
	Remove(ctx context.Context, fingerprint, jobID string) error
}

// Options はエントリの有効期限です。
type Options struct {
	SuccessTTL    time.Duration
	FailureTTL    time.Duration
	ProcessingTTL time.Duration
}

func (o Options) withDefaults() Options {
	if o.SuccessTTL <= 0 {
		o.SuccessTTL = DefaultSuccessTTL
	}
	if o.FailureTTL <= 0 {
		o.FailureTTL = o.SuccessTTL
	}
	if o.ProcessingTTL <= 0 {
		o.ProcessingTTL = DefaultProcessingTTL
	}
	return o
}

func (o Options) ttlFor(status Status) time.Duration {
	switch status {
	case StatusSuccess:
		return o.SuccessTTL
	case StatusFailure:
		return o.FailureTTL
	default:
		return o.ProcessingTTL
	}
}

func validateCompletion(status Status) error {
	if status != StatusSuccess && status != StatusFailure {
		return apperr.Newf(apperr.KindInvalidState, "cannot complete cache entry with status %q", status)
	}
	return nil
}

func alreadyExists(fingerprint string) error {
	return apperr.Newf(apperr.KindAlreadyExists, "cache entry for %s already exists", shortFingerprint(fingerprint))
}

func heldByOther(fingerprint string, owner *Entry) error {
	return &apperr.Error{
		Kind:    apperr.KindAlreadyExists,
		Message: fmt.Sprintf("cache entry for %s is held by another job", shortFingerprint(fingerprint)),
		JobID:   owner.JobID,
	}
}

func newEntry(fingerprint, jobID string, status Status, now time.Time, ttl time.Duration) *Entry {
	return &Entry{
		Fingerprint: fingerprint,
		Status:      status,
		JobID:       jobID,
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}
}

func shortFingerprint(fp string) string {
	if len(fp) <= 12 {
		return fp
	}
	return fp[:12]
}
