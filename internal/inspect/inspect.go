// Package inspect はアップロードされた図面の中身が拡張子と一致するかを確認します。
package inspect

import (
	"bytes"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	pdfapi "github.com/pdfcpu/pdfcpu/pkg/api"

	"github.com/yourusername/drawing-review/internal/apperr"
	"github.com/yourusername/drawing-review/internal/pipeline"
)

// PageCount は PDF のページ数を返します。
func PageCount(content []byte) (int, error) {
	return pdfapi.PageCount(bytes.NewReader(content), nil)
}

// Content は形式ごとの簡易検査を行います。maxPages が 0 以下なら PDF のページ数は検査しません。
func Content(format pipeline.Format, ext string, content []byte, maxPages int) error {
	if len(content) == 0 {
		return apperr.New(apperr.KindValidation, "file is empty")
	}
	switch format {
	case pipeline.FormatPDF:
		mt := mimetype.Detect(content)
		if !mt.Is("application/pdf") {
			return apperr.Newf(apperr.KindValidation, "file content is %s, not a PDF", mt.String())
		}
		pages, err := PageCount(content)
		if err != nil {
			return apperr.Wrap(apperr.KindValidation, "PDF could not be read", err)
		}
		if pages == 0 {
			return apperr.New(apperr.KindValidation, "PDF has no pages")
		}
		if maxPages > 0 && pages > maxPages {
			return apperr.Newf(apperr.KindValidation, "PDF has %d pages, limit is %d", pages, maxPages)
		}
	case pipeline.FormatRaster:
		mt := mimetype.Detect(content)
		if !strings.HasPrefix(mt.String(), "image/") {
			return apperr.Newf(apperr.KindValidation, "file content is %s, not an image", mt.String())
		}
	case pipeline.FormatCAD:
		if err := checkCAD(ext, content); err != nil {
			return err
		}
	default:
		return apperr.Newf(apperr.KindValidation, "unknown format %q", format)
	}
	return nil
}

// DWG はバージョン文字列 "AC10xx" で始まり、DXF はテキストのグループコード列です。
func checkCAD(ext string, content []byte) error {
	switch strings.ToLower(ext) {
	case ".dwg":
		if !bytes.HasPrefix(content, []byte("AC")) {
			return apperr.New(apperr.KindValidation, "file is not a DWG drawing")
		}
	case ".dxf":
		head := content
		if len(head) > 512 {
			head = head[:512]
		}
		if bytes.HasPrefix(head, []byte("AutoCAD Binary DXF")) {
			return nil
		}
		if !bytes.Contains(head, []byte("SECTION")) && !bytes.Contains(head, []byte("999")) {
			return apperr.New(apperr.KindValidation, "file is not a DXF drawing")
		}
	default:
		return apperr.Newf(apperr.KindValidation, "%s is not a CAD extension", ext)
	}
	return nil
}

// Describe はログ用に内容の MIME 種別を返します。
func Describe(content []byte) string {
	return mimetype.Detect(content).String()
}
