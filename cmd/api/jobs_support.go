package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/yourusername/drawing-review/internal/cache"
	"github.com/yourusername/drawing-review/internal/config"
	"github.com/yourusername/drawing-review/internal/invoke"
	"github.com/yourusername/drawing-review/internal/jobs"
	"github.com/yourusername/drawing-review/internal/llm"
	"github.com/yourusername/drawing-review/internal/ocr"
	"github.com/yourusername/drawing-review/internal/ocr/tesseract"
	"github.com/yourusername/drawing-review/internal/pipeline"
	"github.com/yourusername/drawing-review/internal/render"
	"github.com/yourusername/drawing-review/internal/report"
	"github.com/yourusername/drawing-review/internal/storage"
)

const sweepInterval = 10 * time.Minute

// application は API サーバーが使うコンポーネントをまとめます。
type application struct {
	manager    *jobs.Manager
	reports    *report.Writer
	workspaces *storage.Local
	redis      *redis.Client
	sweepAge   time.Duration
}

func setupApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*application, error) {
	workspaces, err := storage.NewLocal(cfg.StorageDir)
	if err != nil {
		return nil, err
	}
	reportStore, err := storage.NewLocal(cfg.ReportDir)
	if err != nil {
		return nil, err
	}

	app := &application{
		workspaces: workspaces,
		reports:    report.NewWriter(reportStore),
		sweepAge:   cfg.ProcessTimeout + cfg.JobTTL(),
	}

	if cfg.UsesRedis() {
		opt, err := redis.ParseURL(cfg.QueueRedisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid QUEUE_REDIS_URL: %w", err)
		}
		app.redis = redis.NewClient(opt)
		if err := app.redis.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("redis is unreachable: %w", err)
		}
	}

	var store jobs.StateStore
	switch cfg.StateBackend {
	case config.BackendRedis:
		store = jobs.NewRedisStore(app.redis, cfg.JobTTL())
	default:
		store = jobs.NewMemoryStore(cfg.JobTTL())
	}

	cacheOpts := cache.Options{
		SuccessTTL:    cfg.CacheTTL,
		FailureTTL:    cfg.CacheFailureTTL,
		ProcessingTTL: cfg.ProcessTimeout,
	}
	var resultCache cache.Cache
	switch cfg.CacheBackend {
	case config.BackendRedis:
		resultCache = cache.NewRedis(app.redis, cacheOpts)
	default:
		resultCache = cache.NewMemory(cacheOpts)
	}

	var scheduler jobs.Scheduler
	switch cfg.QueueBackend {
	case config.BackendAsynq:
		scheduler, err = jobs.NewAsynqScheduler(cfg.QueueRedisURL, cfg.WorkerConcurrency, cfg.ProcessTimeout, logger)
		if err != nil {
			return nil, err
		}
	default:
		scheduler = jobs.NewPool(logger,
			jobs.WithWorkers(cfg.WorkerConcurrency),
			jobs.WithQueueSize(cfg.QueueSize),
			jobs.WithProcessTimeout(cfg.ProcessTimeout),
		)
	}

	runner, err := setupPipeline(cfg, app.reports, logger)
	if err != nil {
		return nil, err
	}

	app.manager, err = jobs.NewManager(jobs.Deps{
		Store:     store,
		Cache:     resultCache,
		Scheduler: scheduler,
		Runner:    runner,
		Workspace: storage.NewWorkspace(workspaces),
	}, jobs.Options{
		MaxFileSize:   cfg.MaxFileSize,
		MaxPages:      cfg.MaxPages,
		KeepWorkspace: cfg.KeepWorkspace,
	}, logger)
	if err != nil {
		return nil, err
	}
	return app, nil
}

func setupPipeline(cfg *config.Config, reports pipeline.ReportWriter, logger zerolog.Logger) (*pipeline.Pipeline, error) {
	renderer := render.New(render.Config{
		ODAConverterPath: cfg.ODAConverterPath,
		ODATargetVersion: cfg.ODATargetVersion,
		EzdxfPath:        cfg.EzdxfPath,
		PdftoppmPath:     cfg.PdftoppmPath,
		DPI:              cfg.RenderDPI,
	}, render.ExecRunner{Logger: logger}, logger)

	engines := []ocr.Engine{
		ocr.NewBaidu(ocr.BaiduConfig{
			APIKey:    cfg.BaiduOCRAPIKey,
			SecretKey: cfg.BaiduOCRSecretKey,
			Timeout:   cfg.OCRTimeout,
		}),
	}
	ocrOrder := cfg.OCRBackends
	if cfg.TesseractEnabled {
		engines = append(engines, tesseract.New(tesseract.Config{
			Languages: strings.Split(cfg.TesseractLang, "+"),
			PageSeg:   cfg.TesseractPSM,
		}))
	} else {
		ocrOrder = without(ocrOrder, "tesseract")
	}
	recognizers, err := ocr.Candidates(ocrOrder, engines...)
	if err != nil {
		return nil, err
	}

	rules, err := llm.LoadRules(cfg.PromptRulesPath)
	if err != nil {
		logger.Warn().Err(err).Str("path", cfg.PromptRulesPath).Msg("falling back to built-in prompt rules")
		rules = llm.DefaultRules()
	}
	reviewers, err := llm.Candidates(cfg.ReviewBackends, rules, cfg.ReviewRequestsPerMinute,
		llm.NewOpenAICompatible(llm.OpenAIConfig{
			Name:        "ernie",
			APIKey:      cfg.ErnieAPIKey,
			BaseURL:     cfg.ErnieBaseURL,
			Model:       cfg.ErnieModel,
			Temperature: cfg.ReviewTemperature,
		}),
		llm.NewOpenAICompatible(llm.OpenAIConfig{
			Name:        "qwen",
			APIKey:      cfg.DashScopeAPIKey,
			BaseURL:     cfg.DashScopeBaseURL,
			Model:       cfg.DashScopeModel,
			Temperature: cfg.ReviewTemperature,
		}),
		llm.NewGemini(llm.GeminiConfig{
			APIKey:      cfg.GeminiAPIKey,
			BaseURL:     cfg.GeminiBaseURL,
			Model:       cfg.GeminiModel,
			Temperature: float32(cfg.ReviewTemperature),
		}),
	)
	if err != nil {
		return nil, err
	}
	logBackends(logger, "ocr", recognizers)
	logBackends(logger, "review", reviewers)

	return pipeline.New(pipeline.Backends{
		Renderer:    renderer,
		Recognizers: recognizers,
		Reviewers:   reviewers,
		Reports:     reports,
	}, pipeline.Config{
		RenderAttempts:   cfg.RenderMaxAttempts,
		RenderTimeout:    cfg.RenderTimeout,
		RecognizeTimeout: cfg.OCRTimeout,
		ReviewTimeout:    cfg.ReviewTimeout,
		ReportAttempts:   cfg.ReportMaxAttempts,
		ReportTimeout:    cfg.ReportTimeout,
	}, logger)
}

func logBackends[B any](logger zerolog.Logger, capability string, candidates []invoke.Candidate[B]) {
	for _, c := range candidates {
		logger.Info().
			Str("capability", capability).
			Str("backend", c.Name).
			Int("rank", c.Rank).
			Bool("available", c.Available).
			Msg("backend registered")
	}
}

func without(list []string, name string) []string {
	out := make([]string, 0, len(list))
	for _, v := range list {
		if v != name {
			out = append(out, v)
		}
	}
	return out
}

// sweepWorkspaces は異常終了などで残った古い作業領域を定期的に削除します。
func (a *application) sweepWorkspaces(ctx context.Context, logger zerolog.Logger) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := a.workspaces.Sweep(ctx, a.sweepAge)
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn().Err(err).Msg("workspace sweep failed")
				continue
			}
			if removed > 0 {
				logger.Info().Int("removed", removed).Msg("swept stale workspaces")
			}
		}
	}
}

// Close はワーカーを停止し、外部接続を閉じます。
func (a *application) Close(ctx context.Context) error {
	err := a.manager.Shutdown(ctx)
	if a.redis != nil {
		err = errors.Join(err, a.redis.Close())
	}
	return err
}
