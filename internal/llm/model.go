package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/yourusername/drawing-review/internal/invoke"
	"github.com/yourusername/drawing-review/internal/pipeline"
)

// SystemPrompt は全モデル共通のシステムメッセージです。
const SystemPrompt = "你是一名资深电气工程图纸审查专家，请依据国家标准和工程规范对图纸内容进行严谨审查。"

// Model はプロンプトを送って応答テキストを得る LLM クライアントです。
type Model interface {
	Name() string
	Available() bool
	Complete(ctx context.Context, system, prompt string) (string, error)
}

// Reviewer は Model に審査プロンプトの組み立てとリクエスト数の制限を加えます。
type Reviewer struct {
	model   Model
	rules   *Rules
	limiter *rate.Limiter
}

// NewReviewer は Reviewer を作成します。perMinute が 0 以下なら制限しません。
func NewReviewer(model Model, rules *Rules, perMinute int) *Reviewer {
	r := &Reviewer{model: model, rules: rules}
	if perMinute > 0 {
		r.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), 1)
	}
	return r
}

func (r *Reviewer) Name() string { return r.model.Name() }

func (r *Reviewer) Available() bool { return r.model.Available() }

// Review は図面名に応じたプロンプトで抽出テキストを審査します。
func (r *Reviewer) Review(ctx context.Context, req pipeline.ReviewRequest) (string, error) {
	if strings.TrimSpace(req.Text) == "" {
		return "", errors.New("nothing to review")
	}
	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return "", fmt.Errorf("%s: rate limit wait: %w", r.model.Name(), err)
		}
	}
	name := req.DrawingName
	if name == "" {
		name = req.Filename
	}
	if name == "" {
		name = DefaultDrawingName
	}
	out, err := r.model.Complete(ctx, SystemPrompt, BuildPrompt(r.rules.PromptFor(name), req.Text))
	if err != nil {
		return "", err
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return "", fmt.Errorf("%s returned an empty review", r.model.Name())
	}
	return out, nil
}

// Candidates は order の並び順を優先順位として Failover 用の候補を組み立てます。
func Candidates(order []string, rules *Rules, perMinute int, models ...Model) ([]invoke.Candidate[pipeline.Reviewer], error) {
	byName := make(map[string]Model, len(models))
	for _, m := range models {
		byName[m.Name()] = m
	}
	out := make([]invoke.Candidate[pipeline.Reviewer], 0, len(order))
	seen := make(map[string]bool, len(order))
	for rank, raw := range order {
		name := strings.ToLower(strings.TrimSpace(raw))
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		m, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("unknown review backend %q", raw)
		}
		out = append(out, invoke.Candidate[pipeline.Reviewer]{
			Descriptor: invoke.Descriptor{Name: name, Rank: rank, Available: m.Available()},
			Backend:    NewReviewer(m, rules, perMinute),
		})
	}
	return out, nil
}
