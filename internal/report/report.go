// Package report は審査結果を HTML レポートとして保存します。
package report

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"

	"github.com/yourusername/drawing-review/internal/apperr"
	"github.com/yourusername/drawing-review/internal/pipeline"
	"github.com/yourusername/drawing-review/internal/storage"
)

const (
	reportTitle   = "图纸AI审查报告"
	emptyReview   = "未获取到有效的审查结果"
	timeLayout    = "2006-01-02 15:04:05"
	reportsPrefix = "reports"
)

var page = template.Must(template.New("report").Parse(`<!DOCTYPE html>
<html lang="zh-CN">
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
<style>
body{font-family:"Noto Sans SC","Microsoft YaHei",sans-serif;max-width:880px;margin:2rem auto;line-height:1.6;color:#222}
h1{text-align:center}
pre{background:#f6f6f6;padding:1rem;overflow-x:auto;white-space:pre-wrap}
</style>
</head>
<body>
{{.Body}}
</body>
</html>
`))

// Writer はレポートを Markdown で組み立て、HTML に変換して保存します。
type Writer struct {
	store *storage.Local
	md    goldmark.Markdown
	newID func() string
}

// NewWriter は Writer を作成します。
func NewWriter(store *storage.Local) *Writer {
	return &Writer{
		store: store,
		md: goldmark.New(
			goldmark.WithExtensions(extension.GFM),
			goldmark.WithRendererOptions(html.WithHardWraps()),
		),
		newID: func() string { return ulid.Make().String() },
	}
}

// Write はレポートを保存し、ダウンロードに使う ID を返します。
func (w *Writer) Write(ctx context.Context, rep pipeline.Report) (string, error) {
	var body bytes.Buffer
	if err := w.md.Convert([]byte(Markdown(rep)), &body); err != nil {
		return "", fmt.Errorf("failed to render report: %w", err)
	}
	var out bytes.Buffer
	if err := page.Execute(&out, struct {
		Title string
		Body  template.HTML
	}{Title: reportTitle, Body: template.HTML(body.String())}); err != nil {
		return "", fmt.Errorf("failed to render report page: %w", err)
	}

	id := w.newID()
	if err := w.store.Save(ctx, reportPath(id), out.Bytes()); err != nil {
		return "", fmt.Errorf("failed to save report: %w", err)
	}
	return id, nil
}

// Open は保存済みレポートを開きます。
func (w *Writer) Open(id string) (*os.File, fs.FileInfo, error) {
	if _, err := ulid.ParseStrict(id); err != nil {
		return nil, nil, apperr.New(apperr.KindNotFound, "レポートが見つかりません")
	}
	file, info, err := w.store.Open(reportPath(id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil, apperr.New(apperr.KindNotFound, "レポートが見つかりません")
		}
		return nil, nil, err
	}
	return file, info, nil
}

// FileName はダウンロード時のファイル名です。
func FileName(id string) string {
	return "review-" + id + ".html"
}

func reportPath(id string) string {
	return reportsPrefix + "/" + id + ".html"
}

// Markdown はレポート本文を Markdown で組み立てます。
func Markdown(rep pipeline.Report) string {
	var b strings.Builder
	b.WriteString("# " + reportTitle + "\n\n")
	b.WriteString("## 基本信息\n\n")
	reviewedAt := rep.ReviewedAt
	if reviewedAt.IsZero() {
		reviewedAt = time.Now()
	}
	b.WriteString("- 审查时间：" + reviewedAt.Format(timeLayout) + "\n")
	b.WriteString("- 原图纸文件：" + inline(rep.Filename) + "\n")
	if rep.DrawingName != "" {
		b.WriteString("- 图纸名称：" + inline(rep.DrawingName) + "\n")
	}
	if rep.ReviewedBy != "" {
		b.WriteString("- 审查模型：" + inline(rep.ReviewedBy) + "\n")
	}
	if rep.JobID != "" {
		b.WriteString("- 任务编号：" + inline(rep.JobID) + "\n")
	}

	b.WriteString("\n## AI审查结果\n\n")
	lines := nonEmptyLines(rep.Review)
	if len(lines) == 0 {
		b.WriteString(emptyReview + "\n")
	} else {
		b.WriteString(strings.Join(lines, "\n") + "\n")
	}

	if text := strings.TrimSpace(rep.RecognizedText); text != "" {
		fence := fenceFor(text)
		b.WriteString("\n## 识别文本\n\n" + fence + "\n" + text + "\n" + fence + "\n")
	}
	return b.String()
}

func nonEmptyLines(s string) []string {
	var out []string
	for _, l := range strings.Split(strings.ReplaceAll(s, "\r\n", "\n"), "\n") {
		if strings.TrimSpace(l) != "" {
			out = append(out, strings.TrimRight(l, " \t"))
		}
	}
	return out
}

var inlineEscaper = strings.NewReplacer(
	"\\", "\\\\", "*", "\\*", "_", "\\_", "`", "\\`", "[", "\\[", "]", "\\]", "<", "&lt;", "\n", " ",
)

func inline(s string) string {
	return inlineEscaper.Replace(s)
}

// fenceFor は本文中のどのバッククォート列よりも長いフェンスを返します。
func fenceFor(text string) string {
	longest, run := 0, 0
	for _, r := range text {
		if r == '`' {
			run++
			longest = max(longest, run)
		} else {
			run = 0
		}
	}
	return strings.Repeat("`", max(3, longest+1))
}
