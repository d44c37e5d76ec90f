// Package llm は抽出テキストを大規模言語モデルで審査するバックエンドを提供します。
package llm

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultPrompt は図面名に一致する規則がない場合に使うプロンプトです。
const DefaultPrompt = `请完成以下3项任务，基于当前电气图纸的图像内容：
1. **文本提取**：提取所有与电气设计相关的核心字段，提取结果以JSON格式呈现。
2. **问题识别**：排查潜在的设计安全隐患、合规性问题及不合理布局。
3. **改进建议**：针对识别出的问题给出具体改进建议；若无问题，说明设计优势。
要求：结果结构化，分"提取结果""问题识别""改进建议"三部分返回。`

// DefaultDrawingName は図面名が指定されなかった場合の名前です。
const DefaultDrawingName = "通用图纸"

// Rule は図面名の部分文字列とプロンプトの対応です。
type Rule struct {
	Match  string `yaml:"match"`
	Prompt string `yaml:"prompt"`
}

// Rules は審査プロンプトの規則集です。先頭から順に照合します。
type Rules struct {
	Default string `yaml:"default"`
	Rules   []Rule `yaml:"rules"`
}

// DefaultRules は組み込みの規則集を返します。
func DefaultRules() *Rules {
	return &Rules{Default: DefaultPrompt}
}

// LoadRules は YAML の規則ファイルを読み込みます。path が空なら組み込みの規則を返します。
func LoadRules(path string) (*Rules, error) {
	if path == "" {
		return DefaultRules(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read prompt rules: %w", err)
	}
	return ParseRules(data)
}

// ParseRules は YAML の規則を解析します。
func ParseRules(data []byte) (*Rules, error) {
	var r Rules
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to parse prompt rules: %w", err)
	}
	for i, rule := range r.Rules {
		if strings.TrimSpace(rule.Match) == "" || strings.TrimSpace(rule.Prompt) == "" {
			return nil, fmt.Errorf("prompt rule %d needs both match and prompt", i)
		}
	}
	if strings.TrimSpace(r.Default) == "" {
		r.Default = DefaultPrompt
	}
	return &r, nil
}

// PromptFor は図面名に最初に一致した規則のプロンプトを返します。
func (r *Rules) PromptFor(drawingName string) string {
	if r == nil {
		return DefaultPrompt
	}
	for _, rule := range r.Rules {
		if strings.Contains(drawingName, rule.Match) {
			return strings.TrimSpace(rule.Prompt)
		}
	}
	return strings.TrimSpace(r.Default)
}
