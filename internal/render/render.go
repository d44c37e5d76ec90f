package render

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/yourusername/drawing-review/internal/inspect"
	"github.com/yourusername/drawing-review/internal/invoke"
	"github.com/yourusername/drawing-review/internal/pipeline"
)

// Config は変換コマンドの設定です。
type Config struct {
	ODAConverterPath string
	ODATargetVersion string
	EzdxfPath        string
	PdftoppmPath     string
	DPI              int
	TempDir          string
}

func (c Config) withDefaults() Config {
	if c.ODATargetVersion == "" {
		c.ODATargetVersion = "ACAD2018"
	}
	if c.EzdxfPath == "" {
		c.EzdxfPath = "ezdxf"
	}
	if c.PdftoppmPath == "" {
		c.PdftoppmPath = "pdftoppm"
	}
	if c.DPI <= 0 {
		c.DPI = 300
	}
	return c
}

// Renderer は入力形式に応じて CAD または PDF の変換を行います。
type Renderer struct {
	cfg       Config
	runner    Runner
	logger    zerolog.Logger
	pageCount func([]byte) (int, error)
}

// New は Renderer を作成します。
func New(cfg Config, runner Runner, logger zerolog.Logger) *Renderer {
	return &Renderer{
		cfg:       cfg.withDefaults(),
		runner:    runner,
		logger:    logger,
		pageCount: inspect.PageCount,
	}
}

// Render は図面を PNG に変換し、そのバイト列を返します。
func (r *Renderer) Render(ctx context.Context, in *pipeline.Input) ([]byte, error) {
	dir, err := os.MkdirTemp(r.cfg.TempDir, "render-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create work dir: %w", err)
	}
	defer os.RemoveAll(dir)

	switch in.Format {
	case pipeline.FormatCAD:
		return r.renderCAD(ctx, dir, in)
	case pipeline.FormatPDF:
		return r.renderPDF(ctx, dir, in)
	default:
		return nil, invoke.Permanent(fmt.Errorf("format %q does not need rendering", in.Format))
	}
}

func (r *Renderer) renderCAD(ctx context.Context, dir string, in *pipeline.Input) ([]byte, error) {
	ext := strings.ToLower(in.Ext)
	if ext == "" {
		ext = strings.ToLower(filepath.Ext(in.Filename))
	}
	inDir := filepath.Join(dir, "in")
	outDir := filepath.Join(dir, "out")
	for _, d := range []string{inDir, outDir} {
		if err := os.MkdirAll(d, 0o750); err != nil {
			return nil, err
		}
	}
	src := filepath.Join(inDir, "drawing"+ext)
	if err := os.WriteFile(src, in.Content, 0o640); err != nil {
		return nil, err
	}

	dxfPath := src
	if ext == ".dwg" {
		if r.cfg.ODAConverterPath == "" {
			return nil, invoke.Permanent(fmt.Errorf("DWG conversion is not configured (ODA_CONVERTER_PATH)"))
		}
		_, stderr, err := r.runner.Run(ctx, r.cfg.ODAConverterPath,
			inDir, outDir, r.cfg.ODATargetVersion, "DXF", "0", "1")
		if err != nil {
			return nil, fmt.Errorf("ODAFileConverter failed: %w: %s", err, truncate(string(stderr), 512))
		}
		dxfPath = filepath.Join(outDir, "drawing.dxf")
		if _, err := os.Stat(dxfPath); err != nil {
			return nil, fmt.Errorf("ODAFileConverter produced no DXF: %w", err)
		}
	}

	pngPath := filepath.Join(outDir, "drawing.png")
	_, stderr, err := r.runner.Run(ctx, r.cfg.EzdxfPath,
		"draw", "--out", pngPath, "--dpi", fmt.Sprint(r.cfg.DPI), dxfPath)
	if err != nil {
		return nil, fmt.Errorf("ezdxf draw failed: %w: %s", err, truncate(string(stderr), 512))
	}
	return readOutput(pngPath)
}

func (r *Renderer) renderPDF(ctx context.Context, dir string, in *pipeline.Input) ([]byte, error) {
	if _, err := r.pageCount(in.Content); err != nil {
		return nil, invoke.Permanent(fmt.Errorf("unreadable PDF: %w", err))
	}
	src := filepath.Join(dir, "drawing.pdf")
	if err := os.WriteFile(src, in.Content, 0o640); err != nil {
		return nil, err
	}
	// 先頭ページのみを画像化する。
	prefix := filepath.Join(dir, "page")
	_, stderr, err := r.runner.Run(ctx, r.cfg.PdftoppmPath,
		"-png", "-r", fmt.Sprint(r.cfg.DPI), "-f", "1", "-l", "1", "-singlefile", src, prefix)
	if err != nil {
		return nil, fmt.Errorf("pdftoppm failed: %w: %s", err, truncate(string(stderr), 512))
	}
	return readOutput(prefix + ".png")
}

func readOutput(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("renderer output missing: %w", err)
	}
	return data, nil
}
