package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"google.golang.org/genai"
)

// GeminiConfig は Gemini API の接続設定です。
type GeminiConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float32
}

// Gemini は Google Gemini API を呼び出すモデルです。クライアントは初回呼び出し時に作成します。
type Gemini struct {
	cfg GeminiConfig

	once    sync.Once
	client  *genai.Client
	initErr error
}

// NewGemini は Gemini を作成します。
func NewGemini(cfg GeminiConfig) *Gemini {
	if cfg.Model == "" {
		cfg.Model = "gemini-2.0-flash"
	}
	return &Gemini{cfg: cfg}
}

func (g *Gemini) Name() string { return "gemini" }

func (g *Gemini) Available() bool { return g.cfg.APIKey != "" }

func (g *Gemini) init(ctx context.Context) (*genai.Client, error) {
	g.once.Do(func() {
		cc := &genai.ClientConfig{
			APIKey:  g.cfg.APIKey,
			Backend: genai.BackendGeminiAPI,
		}
		if g.cfg.BaseURL != "" {
			cc.HTTPOptions = genai.HTTPOptions{BaseURL: g.cfg.BaseURL}
		}
		g.client, g.initErr = genai.NewClient(context.WithoutCancel(ctx), cc)
	})
	return g.client, g.initErr
}

func (g *Gemini) Complete(ctx context.Context, system, prompt string) (string, error) {
	client, err := g.init(ctx)
	if err != nil {
		return "", fmt.Errorf("gemini: init client: %w", err)
	}
	cfg := &genai.GenerateContentConfig{
		SystemInstruction: &genai.Content{Parts: []*genai.Part{{Text: system}}},
	}
	if g.cfg.Temperature > 0 {
		t := g.cfg.Temperature
		cfg.Temperature = &t
	}
	resp, err := client.Models.GenerateContent(ctx, g.cfg.Model, genai.Text(prompt), cfg)
	if err != nil {
		return "", fmt.Errorf("gemini: %w", err)
	}
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", errors.New("gemini: response has no candidates")
	}
	var b strings.Builder
	for _, p := range resp.Candidates[0].Content.Parts {
		if p != nil {
			b.WriteString(p.Text)
		}
	}
	return b.String(), nil
}
