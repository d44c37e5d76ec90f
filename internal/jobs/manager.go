// Package jobs は図面レビュージョブの投入・状態管理・非同期実行を提供します。
package jobs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/yourusername/drawing-review/internal/apperr"
	"github.com/yourusername/drawing-review/internal/cache"
	"github.com/yourusername/drawing-review/internal/inspect"
	"github.com/yourusername/drawing-review/internal/metrics"
	"github.com/yourusername/drawing-review/internal/pipeline"
	"github.com/yourusername/drawing-review/internal/storage"
)

// Runner は入力1件をパイプラインに通します。
type Runner interface {
	Run(ctx context.Context, in *pipeline.Input, hooks pipeline.Hooks) (*pipeline.Result, error)
}

// Workspace はジョブ入力の一時保存先です。
type Workspace interface {
	SaveInput(ctx context.Context, manifest *storage.Manifest, content []byte) error
	LoadInput(ctx context.Context, jobID string) (*storage.Manifest, []byte, error)
	Remove(ctx context.Context, jobID string) error
}

// Deps は Manager が依存するコンポーネントです。
type Deps struct {
	Store     StateStore
	Cache     cache.Cache
	Scheduler Scheduler
	Runner    Runner
	Workspace Workspace
}

// Options は投入時の制限値です。
type Options struct {
	MaxFileSize   int64
	MaxPages      int
	KeepWorkspace bool
}

// Manager はジョブの投入と状態管理を担います。
type Manager struct {
	store     StateStore
	cache     cache.Cache
	scheduler Scheduler
	runner    Runner
	workspace Workspace
	opts      Options
	logger    zerolog.Logger
	newID     func() string
	inspect   func(format pipeline.Format, ext string, content []byte, maxPages int) error
}

// NewManager は Manager を初期化します。
func NewManager(deps Deps, opts Options, logger zerolog.Logger) (*Manager, error) {
	if deps.Store == nil {
		return nil, errors.New("store is nil")
	}
	if deps.Cache == nil {
		return nil, errors.New("cache is nil")
	}
	if deps.Scheduler == nil {
		return nil, errors.New("scheduler is nil")
	}
	if deps.Runner == nil {
		return nil, errors.New("runner is nil")
	}
	if deps.Workspace == nil {
		return nil, errors.New("workspace is nil")
	}
	return &Manager{
		store:     deps.Store,
		cache:     deps.Cache,
		scheduler: deps.Scheduler,
		runner:    deps.Runner,
		workspace: deps.Workspace,
		opts:      opts,
		logger:    logger,
		newID:     uuid.NewString,
		inspect:   inspect.Content,
	}, nil
}

// Start はワーカーを起動します。
func (m *Manager) Start() error {
	return m.scheduler.Start(m.process)
}

// Shutdown は新規受付を止め、実行中のジョブを待ちます。
func (m *Manager) Shutdown(ctx context.Context) error {
	return m.scheduler.Shutdown(ctx)
}

// Fingerprint は入力バイト列の SHA-256 を16進文字列で返します。
func Fingerprint(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// SubmitOption は Submit の任意項目です。
type SubmitOption func(*submitRequest)

type submitRequest struct {
	drawingName string
}

// WithDrawingName はレビュー規則の選択に使う図面名を指定します。
func WithDrawingName(name string) SubmitOption {
	return func(r *submitRequest) {
		r.drawingName = name
	}
}

// Submit は図面を受け付けます。
// キャッシュ済みならパイプラインを実行せずに終端状態のジョブを返し、
// 同じ内容が処理中なら処理中ジョブのIDを持つ AlreadyInFlight を返します。
// スケジュールに失敗した場合は Failed のジョブと SchedulingError の両方を返します。
func (m *Manager) Submit(ctx context.Context, content []byte, filename string, opts ...SubmitOption) (*Job, error) {
	req := submitRequest{}
	for _, o := range opts {
		o(&req)
	}

	format, ext, err := m.validate(content, filename)
	if err != nil {
		metrics.IncSubmission("rejected")
		return nil, err
	}

	fp := Fingerprint(content)
	logger := m.logger.With().Str("fingerprint", fp[:12]).Str("filename", filename).Logger()
	base := &Job{
		Fingerprint: fp,
		Filename:    filename,
		DrawingName: req.drawingName,
		Format:      format,
	}

	// PutProcessing と他の投入が競合した場合に備え、参照からやり直す。
	for attempt := 0; attempt < 3; attempt++ {
		entry, err := m.cache.Get(ctx, fp)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindInternal, "cache lookup failed", err)
		}
		if entry != nil {
			metrics.IncCacheLookup(string(entry.Status))
			return m.fromCache(ctx, base, entry, logger)
		}
		metrics.IncCacheLookup("miss")

		jobID := m.newID()
		if err := m.cache.PutProcessing(ctx, fp, jobID); err != nil {
			if apperr.IsKind(err, apperr.KindAlreadyExists) {
				continue
			}
			return nil, apperr.Wrap(apperr.KindInternal, "cache reservation failed", err)
		}
		return m.enqueue(ctx, base, jobID, ext, content, logger)
	}
	metrics.IncSubmission("in_flight")
	return nil, apperr.New(apperr.KindAlreadyInFlight, "the same drawing is already being processed")
}

func (m *Manager) validate(content []byte, filename string) (pipeline.Format, string, error) {
	format, ext, err := pipeline.DetectFormat(filename)
	if err != nil {
		return "", "", err
	}
	if len(content) == 0 {
		return "", "", apperr.New(apperr.KindValidation, "file is empty")
	}
	if m.opts.MaxFileSize > 0 && int64(len(content)) > m.opts.MaxFileSize {
		return "", "", apperr.Newf(apperr.KindValidation, "file is %d bytes, limit is %d", len(content), m.opts.MaxFileSize)
	}
	if err := m.inspect(format, ext, content, m.opts.MaxPages); err != nil {
		return "", "", err
	}
	return format, ext, nil
}

func (m *Manager) fromCache(ctx context.Context, base *Job, entry *cache.Entry, logger zerolog.Logger) (*Job, error) {
	switch entry.Status {
	case cache.StatusProcessing:
		metrics.IncSubmission("in_flight")
		return nil, &apperr.Error{
			Kind:    apperr.KindAlreadyInFlight,
			Message: "the same drawing is already being processed",
			JobID:   entry.JobID,
		}
	case cache.StatusSuccess, cache.StatusFailure:
		job := base.Clone()
		job.ID = m.newID()
		job.FromCache = true
		job.Stage = pipeline.StageReport
		if entry.Status == cache.StatusSuccess {
			job.State = StateSucceeded
			job.Result = entry.Result
			metrics.IncSubmission("cache_hit")
		} else {
			job.State = StateFailed
			job.Error = entry.Error
			metrics.IncSubmission("cached_failure")
		}
		if job.Error != nil && job.Error.Stage != "" {
			job.Stage = pipeline.Stage(job.Error.Stage)
		}
		if err := m.store.Create(ctx, job); err != nil {
			return nil, apperr.Wrap(apperr.KindInternal, "failed to record job", err)
		}
		logger.Info().Str("job_id", job.ID).Str("state", string(job.State)).Str("source_job", entry.JobID).Msg("served from cache")
		return job, nil
	default:
		return nil, apperr.Newf(apperr.KindInternal, "unknown cache status %q", entry.Status)
	}
}

func (m *Manager) enqueue(ctx context.Context, base *Job, jobID, ext string, content []byte, logger zerolog.Logger) (*Job, error) {
	job := base.Clone()
	job.ID = jobID
	job.State = StateQueued
	logger = logger.With().Str("job_id", jobID).Logger()

	if err := m.store.Create(ctx, job); err != nil {
		m.releaseCache(ctx, job.Fingerprint, jobID, logger)
		return nil, apperr.Wrap(apperr.KindInternal, "failed to record job", err)
	}

	manifest := &storage.Manifest{
		JobID:        jobID,
		Fingerprint:  job.Fingerprint,
		OriginalName: job.Filename,
		DrawingName:  job.DrawingName,
		Format:       string(job.Format),
		Ext:          ext,
	}
	if err := m.workspace.SaveInput(ctx, manifest, content); err != nil {
		storeErr := apperr.Wrap(apperr.KindInternal, "failed to store input", err)
		return m.failQueued(ctx, job, storeErr, logger), storeErr
	}

	if err := m.scheduler.Schedule(ctx, jobID); err != nil {
		schedErr := err
		if !apperr.IsKind(err, apperr.KindScheduling) {
			schedErr = &apperr.Error{Kind: apperr.KindScheduling, Message: "failed to schedule job", JobID: jobID, Cause: err}
		}
		metrics.IncSubmission("scheduling_failed")
		failed := m.failQueued(ctx, job, schedErr, logger)
		return failed, schedErr
	}

	metrics.IncSubmission("queued")
	logger.Info().Str("format", string(job.Format)).Str("content_type", inspect.Describe(content)).Msg("job queued")
	stored, err := m.store.Get(ctx, jobID)
	if err != nil {
		return job, nil
	}
	return stored, nil
}

// failQueued は実行前のジョブを Failed にし、キャッシュ予約と作業領域を解放します。
func (m *Manager) failQueued(ctx context.Context, job *Job, cause error, logger zerolog.Logger) *Job {
	info := apperr.ToInfo(cause)
	updated, err := m.store.Update(ctx, job.ID, func(j *Job) error {
		if err := j.Transition(StateFailed); err != nil {
			return err
		}
		j.Error = info
		return nil
	})
	if err != nil {
		logger.Error().Err(err).Msg("failed to mark job failed")
		updated = job.Clone()
		updated.State = StateFailed
		updated.Error = info
	}
	m.releaseCache(ctx, job.Fingerprint, job.ID, logger)
	if err := m.workspace.Remove(ctx, job.ID); err != nil {
		logger.Warn().Err(err).Msg("failed to remove workspace")
	}
	metrics.IncJobFinished(string(StateFailed), string(info.Code))
	return updated
}

// releaseCache はこのジョブが持つキャッシュ予約だけを解放します。
func (m *Manager) releaseCache(ctx context.Context, fingerprint, jobID string, logger zerolog.Logger) {
	if err := m.cache.Remove(ctx, fingerprint, jobID); err != nil {
		logger.Error().Err(err).Msg("failed to release cache entry")
	}
}

// Poll はジョブの現在状態を返します。
func (m *Manager) Poll(ctx context.Context, jobID string) (*Job, error) {
	return m.store.Get(ctx, jobID)
}

// Cancel はジョブの取り消しを要求します。
// 待機中のジョブは即座に Failed{Cancelled} になり、実行中のジョブは次のステージ境界で停止します。
func (m *Manager) Cancel(ctx context.Context, jobID string) (*Job, error) {
	cancelled := apperr.New(apperr.KindCancelled, "job was cancelled before it started")
	job, err := m.store.Update(ctx, jobID, func(j *Job) error {
		switch j.State {
		case StateQueued:
			if err := j.Transition(StateFailed); err != nil {
				return err
			}
			j.CancelRequested = true
			j.Error = apperr.ToInfo(cancelled)
			return nil
		case StateRunning:
			j.CancelRequested = true
			return nil
		default:
			return &apperr.Error{Kind: apperr.KindInvalidState, Message: "job has already finished", JobID: j.ID}
		}
	})
	if err != nil {
		return nil, err
	}

	logger := m.logger.With().Str("job_id", jobID).Logger()
	if job.State == StateFailed {
		m.releaseCache(ctx, job.Fingerprint, jobID, logger)
		if err := m.workspace.Remove(ctx, jobID); err != nil {
			logger.Warn().Err(err).Msg("failed to remove workspace")
		}
		metrics.IncJobFinished(string(StateFailed), string(apperr.KindCancelled))
		logger.Info().Msg("queued job cancelled")
	} else {
		logger.Info().Msg("cancellation requested for running job")
	}
	return job, nil
}

var errNotQueued = errors.New("job is not queued")

// process はワーカーから呼ばれ、ジョブ1件を実行して結果を記録します。
func (m *Manager) process(ctx context.Context, jobID string) {
	logger := m.logger.With().Str("job_id", jobID).Logger()

	job, err := m.store.Update(ctx, jobID, func(j *Job) error {
		if j.State != StateQueued {
			return errNotQueued
		}
		return j.Transition(StateRunning)
	})
	if err != nil {
		if errors.Is(err, errNotQueued) {
			logger.Debug().Msg("skipping job that is no longer queued")
			return
		}
		logger.Error().Err(err).Msg("failed to start job")
		return
	}
	logger.Info().Str("format", string(job.Format)).Msg("job started")

	// 時間切れ後も結果は記録する。
	bookkeeping := context.WithoutCancel(ctx)

	// 待機中に予約が切れて別ジョブが同じ内容を引き受けていたら、こちらは実行しない。
	if err := m.cache.Renew(ctx, job.Fingerprint, jobID); err != nil {
		m.abandon(bookkeeping, job, err, logger)
		return
	}

	manifest, content, err := m.workspace.LoadInput(ctx, jobID)
	if err != nil {
		m.finish(bookkeeping, job, nil, apperr.WithStage(apperr.Wrap(apperr.KindInternal, "failed to load input", err), string(pipeline.StageNormalize)), true, logger)
		return
	}

	in := &pipeline.Input{
		JobID:       jobID,
		Filename:    manifest.OriginalName,
		DrawingName: manifest.DrawingName,
		Ext:         manifest.Ext,
		Format:      pipeline.Format(manifest.Format),
		Content:     content,
	}
	hooks := pipeline.Hooks{
		OnStage: func(ctx context.Context, stage pipeline.Stage) {
			if _, err := m.store.Update(ctx, jobID, func(j *Job) error {
				j.Stage = stage
				return nil
			}); err != nil {
				logger.Warn().Err(err).Str("stage", string(stage)).Msg("failed to record stage")
			}
		},
		Cancelled: func(ctx context.Context) bool {
			current, err := m.store.Get(ctx, jobID)
			if err != nil {
				logger.Warn().Err(err).Msg("failed to read cancellation flag")
				return false
			}
			return current.CancelRequested
		},
	}

	result, runErr := m.runner.Run(ctx, in, hooks)
	// 期限切れはバックエンド失敗として記録するが、停止による中断は結果を残さない。
	stopped := errors.Is(ctx.Err(), context.Canceled)
	m.finish(bookkeeping, job, result, runErr, stopped, logger)
}

// abandon は実行を始められなかったジョブを Failed にします。キャッシュは他ジョブのものなので触れません。
func (m *Manager) abandon(ctx context.Context, job *Job, cause error, logger zerolog.Logger) {
	var failErr error
	if owner := apperr.JobIDOf(cause); apperr.IsKind(cause, apperr.KindAlreadyExists) && owner != "" {
		failErr = &apperr.Error{
			Kind:    apperr.KindAlreadyInFlight,
			Stage:   string(pipeline.StageNormalize),
			Message: "the same drawing is already being processed",
			JobID:   owner,
		}
	} else {
		failErr = apperr.WithStage(apperr.Wrap(apperr.KindInternal, "failed to renew cache reservation", cause), string(pipeline.StageNormalize))
	}
	info := apperr.ToInfo(failErr)
	if _, err := m.store.Update(ctx, job.ID, func(j *Job) error {
		if err := j.Transition(StateFailed); err != nil {
			return err
		}
		j.Error = info
		return nil
	}); err != nil {
		logger.Error().Err(err).Msg("failed to mark job failed")
	}
	if apperr.IsKind(failErr, apperr.KindInternal) {
		m.releaseCache(ctx, job.Fingerprint, job.ID, logger)
	}
	if err := m.workspace.Remove(ctx, job.ID); err != nil {
		logger.Warn().Err(err).Msg("failed to remove workspace")
	}
	metrics.IncJobFinished(string(StateFailed), string(info.Code))
	logger.Warn().Err(info.Err()).Msg("job not started")
}

// finish は実行結果を記録します。uncacheable の失敗はキャッシュせず予約を解放します。
func (m *Manager) finish(ctx context.Context, job *Job, result *pipeline.Result, runErr error, uncacheable bool, logger zerolog.Logger) {
	defer func() {
		if m.opts.KeepWorkspace {
			return
		}
		if err := m.workspace.Remove(ctx, job.ID); err != nil {
			logger.Warn().Err(err).Msg("failed to remove workspace")
		}
	}()

	if runErr == nil {
		if _, err := m.store.Update(ctx, job.ID, func(j *Job) error {
			if err := j.Transition(StateSucceeded); err != nil {
				return err
			}
			j.Result = result
			j.Error = nil
			return nil
		}); err != nil {
			logger.Error().Err(err).Msg("failed to mark job succeeded")
		}
		m.completeCache(ctx, job, cache.StatusSuccess, result, nil, logger)
		metrics.IncJobFinished(string(StateSucceeded), "")
		logger.Info().Str("recognized_by", result.RecognizedBy).Str("reviewed_by", result.ReviewedBy).Msg("job succeeded")
		return
	}

	info := apperr.ToInfo(runErr)
	if _, err := m.store.Update(ctx, job.ID, func(j *Job) error {
		if err := j.Transition(StateFailed); err != nil {
			return err
		}
		j.Error = info
		return nil
	}); err != nil {
		logger.Error().Err(err).Msg("failed to mark job failed")
	}

	if uncacheable || info.Code == apperr.KindCancelled {
		m.releaseCache(ctx, job.Fingerprint, job.ID, logger)
	} else {
		m.completeCache(ctx, job, cache.StatusFailure, nil, info, logger)
	}
	metrics.IncJobFinished(string(StateFailed), string(info.Code))
	logger.Warn().Err(info.Err()).Str("kind", string(info.Code)).Str("stage", info.Stage).Msg("job failed")
}

func (m *Manager) completeCache(ctx context.Context, job *Job, status cache.Status, result *pipeline.Result, info *apperr.Info, logger zerolog.Logger) {
	err := m.cache.Complete(ctx, job.Fingerprint, job.ID, status, result, info)
	switch {
	case err == nil:
	case apperr.IsKind(err, apperr.KindAlreadyExists):
		logger.Warn().Str("owner_job", apperr.JobIDOf(err)).Msg("cache entry is held by another job; result not cached")
	default:
		logger.Error().Err(err).Str("status", string(status)).Msg("failed to cache result")
	}
}
