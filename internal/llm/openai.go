package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
)

// 既定の OpenAI 互換エンドポイント。
const (
	ErnieBaseURL     = "https://qianfan.baidubce.com/v2"
	ErnieModel       = "ernie-3.5-8k"
	DashScopeBaseURL = "https://dashscope.aliyuncs.com/compatible-mode/v1"
	DashScopeModel   = "qwen-turbo"
)

// OpenAIConfig は OpenAI 互換 API の接続設定です。
type OpenAIConfig struct {
	Name        string
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float64
	Timeout     time.Duration
}

// OpenAICompatible は Chat Completions 互換 API（ERNIE / Qwen など）を呼び出します。
type OpenAICompatible struct {
	cfg    OpenAIConfig
	client openai.Client
}

// NewOpenAICompatible は OpenAICompatible を作成します。
func NewOpenAICompatible(cfg OpenAIConfig) *OpenAICompatible {
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		// 再試行はフェイルオーバー側で扱う。
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(cfg.Timeout))
	}
	return &OpenAICompatible{cfg: cfg, client: openai.NewClient(opts...)}
}

func (o *OpenAICompatible) Name() string { return o.cfg.Name }

func (o *OpenAICompatible) Available() bool { return o.cfg.APIKey != "" && o.cfg.Model != "" }

func (o *OpenAICompatible) Complete(ctx context.Context, system, prompt string) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(o.cfg.Model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(system),
			openai.UserMessage(prompt),
		},
	}
	if o.cfg.Temperature > 0 {
		params.Temperature = openai.Float(o.cfg.Temperature)
	}
	resp, err := o.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("%s: %w", o.cfg.Name, err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New(o.cfg.Name + ": response has no choices")
	}
	return resp.Choices[0].Message.Content, nil
}
