// Package tesseract はローカルの Tesseract（gosseract 経由）で OCR を行います。
package tesseract

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/otiai10/gosseract/v2"

	"github.com/yourusername/drawing-review/internal/ocr"
)

// Config は Tesseract の実行設定です。
type Config struct {
	Languages []string
	PageSeg   int
	MaxSide   int
}

// Engine は gosseract を使う OCR エンジンです。
type Engine struct {
	cfg Config
}

// New は Engine を作成します。
func New(cfg Config) *Engine {
	if len(cfg.Languages) == 0 {
		cfg.Languages = []string{"chi_sim", "eng"}
	}
	if cfg.PageSeg <= 0 {
		cfg.PageSeg = int(gosseract.PSM_SINGLE_BLOCK)
	}
	return &Engine{cfg: cfg}
}

func (e *Engine) Name() string { return "tesseract" }

func (e *Engine) Available() bool { return true }

// Recognize は画像から文字を抽出します。gosseract は中断できないため ctx は呼び出し前にのみ確認します。
func (e *Engine) Recognize(ctx context.Context, img []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	prepared, err := ocr.Normalize(img, e.cfg.MaxSide)
	if err != nil {
		return "", err
	}

	client := gosseract.NewClient()
	defer client.Close()

	if err := client.SetLanguage(e.cfg.Languages...); err != nil {
		return "", fmt.Errorf("tesseract: set language: %w", err)
	}
	if err := client.SetPageSegMode(gosseract.PageSegMode(e.cfg.PageSeg)); err != nil {
		return "", fmt.Errorf("tesseract: set psm: %w", err)
	}
	if err := client.SetVariable(gosseract.SettableVariable("preserve_interword_spaces"), "1"); err != nil {
		return "", fmt.Errorf("tesseract: set variable: %w", err)
	}
	if err := client.SetImageFromBytes(prepared); err != nil {
		return "", fmt.Errorf("tesseract: load image: %w", err)
	}
	text, err := client.Text()
	if err != nil {
		return "", fmt.Errorf("tesseract: %w", err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", errors.New("no text found")
	}
	return text, nil
}
