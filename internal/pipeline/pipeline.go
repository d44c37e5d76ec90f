package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/yourusername/drawing-review/internal/apperr"
	"github.com/yourusername/drawing-review/internal/invoke"
	"github.com/yourusername/drawing-review/internal/metrics"
)

const tracerName = "github.com/yourusername/drawing-review/internal/pipeline"

// Config はステージごとの再試行回数とタイムアウトです。
type Config struct {
	RenderAttempts   int
	RenderTimeout    time.Duration
	RecognizeTimeout time.Duration
	ReviewTimeout    time.Duration
	ReportAttempts   int
	ReportTimeout    time.Duration
}

// Backends はパイプラインが呼び出す外部機能の集合です。
type Backends struct {
	Renderer    Renderer
	Recognizers []invoke.Candidate[Recognizer]
	Reviewers   []invoke.Candidate[Reviewer]
	Reports     ReportWriter
}

// Pipeline は固定順のステージを実行します。
type Pipeline struct {
	render    *invoke.Retryable[*Input, []byte]
	recognize *invoke.Failover[Recognizer, string]
	review    *invoke.Failover[Reviewer, string]
	report    *invoke.Retryable[Report, string]
	logger    zerolog.Logger
	tracer    trace.Tracer
	now       func() time.Time
}

// New は Pipeline を組み立てます。
func New(backends Backends, cfg Config, logger zerolog.Logger) (*Pipeline, error) {
	if backends.Renderer == nil {
		return nil, errors.New("renderer is nil")
	}
	if len(backends.Recognizers) == 0 {
		return nil, errors.New("at least one recognizer is required")
	}
	if len(backends.Reviewers) == 0 {
		return nil, errors.New("at least one reviewer is required")
	}
	if backends.Reports == nil {
		return nil, errors.New("report writer is nil")
	}

	renderer := backends.Renderer
	writer := backends.Reports
	return &Pipeline{
		render: &invoke.Retryable[*Input, []byte]{
			Name:        "renderer",
			MaxAttempts: cfg.RenderAttempts,
			Timeout:     cfg.RenderTimeout,
			Call:        renderer.Render,
			Validate:    validateImage,
			Observe:     metrics.BackendObserver(string(StageRender)),
		},
		recognize: &invoke.Failover[Recognizer, string]{
			Capability: string(StageRecognize),
			Candidates: backends.Recognizers,
			Timeout:    cfg.RecognizeTimeout,
			Observe:    metrics.BackendObserver(string(StageRecognize)),
		},
		review: &invoke.Failover[Reviewer, string]{
			Capability: string(StageReview),
			Candidates: backends.Reviewers,
			Timeout:    cfg.ReviewTimeout,
			Observe:    metrics.BackendObserver(string(StageReview)),
		},
		report: &invoke.Retryable[Report, string]{
			Name:        "report",
			MaxAttempts: cfg.ReportAttempts,
			Timeout:     cfg.ReportTimeout,
			Call:        writer.Write,
			Observe:     metrics.BackendObserver(string(StageReport)),
		},
		logger: logger,
		tracer: otel.Tracer(tracerName),
		now:    time.Now,
	}, nil
}

// Plan は入力種別に応じて実行するステージ列を返します（normalize の振り分け結果）。
func Plan(format Format) ([]Stage, error) {
	switch format {
	case FormatCAD, FormatPDF:
		return []Stage{StageNormalize, StageRender, StageRecognize, StageReview, StageReport}, nil
	case FormatRaster:
		return []Stage{StageNormalize, StageRecognize, StageReview, StageReport}, nil
	default:
		return nil, apperr.Newf(apperr.KindValidation, "unknown input format %q", format)
	}
}

type runState struct {
	in     *Input
	image  []byte
	result Result
}

// Run は入力を全ステージに通し、最初に失敗したステージでエラーを返します。
func (p *Pipeline) Run(ctx context.Context, in *Input, hooks Hooks) (*Result, error) {
	if in == nil {
		return nil, apperr.WithStage(apperr.New(apperr.KindValidation, "input is nil"), string(StageNormalize))
	}
	logger := p.logger.With().Str("job_id", in.JobID).Str("format", string(in.Format)).Logger()

	stages, err := Plan(in.Format)
	if err != nil {
		return nil, apperr.WithStage(err, string(StageNormalize))
	}

	state := &runState{in: in}
	for _, stage := range stages {
		if hooks.Cancelled != nil && hooks.Cancelled(ctx) {
			logger.Info().Str("stage", string(stage)).Msg("cancellation observed between stages")
			return nil, apperr.WithStage(apperr.New(apperr.KindCancelled, "job was cancelled"), string(stage))
		}
		if hooks.OnStage != nil {
			hooks.OnStage(ctx, stage)
		}
		if err := p.runStage(ctx, stage, state, logger); err != nil {
			return nil, apperr.WithStage(err, string(stage))
		}
	}

	state.result.CompletedAt = p.now().UTC()
	return &state.result, nil
}

func (p *Pipeline) runStage(ctx context.Context, stage Stage, state *runState, logger zerolog.Logger) error {
	ctx, span := p.tracer.Start(ctx, "pipeline."+string(stage), trace.WithAttributes(
		attribute.String("job.id", state.in.JobID),
		attribute.String("drawing.format", string(state.in.Format)),
	))
	defer span.End()

	start := time.Now()
	var err error
	switch stage {
	case StageNormalize:
		err = p.normalize(state)
	case StageRender:
		err = p.renderStage(ctx, state)
	case StageRecognize:
		err = p.recognizeStage(ctx, state)
	case StageReview:
		err = p.reviewStage(ctx, state)
	case StageReport:
		err = p.reportStage(ctx, state)
	default:
		err = fmt.Errorf("unknown stage %q", stage)
	}
	elapsed := time.Since(start)
	metrics.ObserveStage(string(stage), err == nil, elapsed)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(apperr.KindOf(err)))
		logger.Warn().Err(err).Str("stage", string(stage)).Dur("elapsed", elapsed).Msg("stage failed")
		return err
	}
	logger.Debug().Str("stage", string(stage)).Dur("elapsed", elapsed).Msg("stage completed")
	return nil
}

func (p *Pipeline) normalize(state *runState) error {
	if len(state.in.Content) == 0 {
		return apperr.New(apperr.KindValidation, "input is empty")
	}
	if state.in.Format == FormatRaster {
		state.image = state.in.Content
	}
	return nil
}

func (p *Pipeline) renderStage(ctx context.Context, state *runState) error {
	image, attempts, err := p.render.Invoke(ctx, state.in)
	state.result.RenderAttempts = attempts
	if err != nil {
		return err
	}
	state.image = image
	state.result.Rendered = true
	return nil
}

func (p *Pipeline) recognizeStage(ctx context.Context, state *runState) error {
	image := state.image
	text, backend, err := p.recognize.Invoke(ctx, func(ctx context.Context, r Recognizer) (string, error) {
		text, err := r.Recognize(ctx, image)
		if err != nil {
			return "", err
		}
		if strings.TrimSpace(text) == "" {
			return "", errors.New("no text found")
		}
		return text, nil
	})
	if err != nil {
		return err
	}
	state.result.Text = text
	state.result.RecognizedBy = backend
	return nil
}

func (p *Pipeline) reviewStage(ctx context.Context, state *runState) error {
	req := ReviewRequest{
		JobID:       state.in.JobID,
		Filename:    state.in.Filename,
		DrawingName: state.in.DrawingName,
		Text:        state.result.Text,
	}
	review, backend, err := p.review.Invoke(ctx, func(ctx context.Context, r Reviewer) (string, error) {
		out, err := r.Review(ctx, req)
		if err != nil {
			return "", err
		}
		if strings.TrimSpace(out) == "" {
			return "", errors.New("empty review")
		}
		return out, nil
	})
	if err != nil {
		return err
	}
	state.result.Review = review
	state.result.ReviewedBy = backend
	return nil
}

func (p *Pipeline) reportStage(ctx context.Context, state *runState) error {
	id, _, err := p.report.Invoke(ctx, Report{
		JobID:          state.in.JobID,
		Filename:       state.in.Filename,
		DrawingName:    state.in.DrawingName,
		RecognizedText: state.result.Text,
		Review:         state.result.Review,
		ReviewedBy:     state.result.ReviewedBy,
		ReviewedAt:     p.now(),
	})
	if err != nil {
		return err
	}
	state.result.ReportID = id
	return nil
}

func validateImage(out []byte) error {
	if len(out) == 0 {
		return errors.New("renderer produced no output")
	}
	mt := mimetype.Detect(out)
	if !mt.Is("image/png") && !mt.Is("image/jpeg") {
		return fmt.Errorf("renderer produced %s, want image/png or image/jpeg", mt.String())
	}
	return nil
}
