// Package pipeline は図面1件を normalize → render → recognize → review → report の順に処理します。
package pipeline

import (
	"context"
	"maps"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/yourusername/drawing-review/internal/apperr"
)

// Stage はパイプラインの段階名です。
type Stage string

const (
	StageNormalize Stage = "normalize"
	StageRender    Stage = "render"
	StageRecognize Stage = "recognize"
	StageReview    Stage = "review"
	StageReport    Stage = "report"
)

// Format は入力ファイルの種別です。
type Format string

const (
	FormatCAD    Format = "raw-cad"
	FormatPDF    Format = "pdf"
	FormatRaster Format = "raster-image"
)

var extensionFormats = map[string]Format{
	".dwg":  FormatCAD,
	".dxf":  FormatCAD,
	".pdf":  FormatPDF,
	".png":  FormatRaster,
	".jpg":  FormatRaster,
	".jpeg": FormatRaster,
	".webp": FormatRaster,
	".bmp":  FormatRaster,
	".tif":  FormatRaster,
	".tiff": FormatRaster,
}

// DetectFormat は拡張子から入力種別を判定します。
func DetectFormat(filename string) (Format, string, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	if ext == "" {
		return "", "", apperr.Newf(apperr.KindValidation, "file %q has no extension", filename)
	}
	format, ok := extensionFormats[ext]
	if !ok {
		return "", ext, apperr.Newf(apperr.KindValidation, "unsupported file type %s (supported: %s)",
			ext, strings.Join(SupportedExtensions(), ", "))
	}
	return format, ext, nil
}

// SupportedExtensions は受け付ける拡張子をソートして返します。
func SupportedExtensions() []string {
	return slices.Sorted(maps.Keys(extensionFormats))
}

// Input はパイプラインへの入力です。
type Input struct {
	JobID       string
	Filename    string
	DrawingName string
	Ext         string
	Format      Format
	Content     []byte
}

// Result はパイプラインが成功したときの成果物です。
type Result struct {
	Text           string    `json:"text"`
	Review         string    `json:"review"`
	ReportID       string    `json:"reportId"`
	RecognizedBy   string    `json:"recognizedBy"`
	ReviewedBy     string    `json:"reviewedBy"`
	RenderAttempts int       `json:"renderAttempts,omitempty"`
	Rendered       bool      `json:"rendered"`
	CompletedAt    time.Time `json:"completedAt"`
}

// Renderer は CAD/PDF を画像（PNG/JPEG）に変換します。
type Renderer interface {
	Render(ctx context.Context, in *Input) ([]byte, error)
}

// Recognizer は画像からテキストを抽出する OCR バックエンドです。
type Recognizer interface {
	Name() string
	Recognize(ctx context.Context, image []byte) (string, error)
}

// ReviewRequest はレビューバックエンドへの入力です。
type ReviewRequest struct {
	JobID       string
	Filename    string
	DrawingName string
	Text        string
}

// Reviewer は抽出テキストを審査する LLM バックエンドです。
type Reviewer interface {
	Name() string
	Review(ctx context.Context, req ReviewRequest) (string, error)
}

// Report はレポート出力の入力です。
type Report struct {
	JobID          string
	Filename       string
	DrawingName    string
	RecognizedText string
	Review         string
	ReviewedBy     string
	ReviewedAt     time.Time
}

// ReportWriter はレポートを保存し、その参照IDを返します。
type ReportWriter interface {
	Write(ctx context.Context, report Report) (string, error)
}

// Hooks はジョブ管理側とのやり取りに使うコールバックです。
type Hooks struct {
	// OnStage は各ステージ開始前に呼ばれます。
	OnStage func(ctx context.Context, stage Stage)
	// Cancelled はステージ間で参照され、true ならそこで打ち切ります。
	Cancelled func(ctx context.Context) bool
}
