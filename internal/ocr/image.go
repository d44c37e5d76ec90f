// Package ocr は図面画像から文字を抽出するバックエンドを提供します。
package ocr

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"

	"golang.org/x/image/draw"

	// OCR 前に PNG へ変換するため、追加の入力形式を登録する。
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// DefaultMaxSide は百度OCRが受け付ける画像の最大辺です。
const DefaultMaxSide = 4096

// Normalize は画像を OCR エンジンが扱える PNG/JPEG に揃え、長辺が maxSide を超える場合は縮小します。
// 変換不要な場合は入力をそのまま返します。
func Normalize(data []byte, maxSide int) ([]byte, error) {
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w == 0 || h == 0 {
		return nil, fmt.Errorf("image has no pixels")
	}

	tooLarge := maxSide > 0 && (w > maxSide || h > maxSide)
	if !tooLarge && (format == "png" || format == "jpeg") {
		return data, nil
	}

	if tooLarge {
		scale := float64(maxSide) / float64(max(w, h))
		nw := max(1, int(float64(w)*scale))
		nh := max(1, int(float64(h)*scale))
		dst := image.NewRGBA(image.Rect(0, 0, nw, nh))
		draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Over, nil)
		img = dst
	}

	var buf bytes.Buffer
	if format == "jpeg" {
		err = jpeg.Encode(&buf, img, &jpeg.Options{Quality: 92})
	} else {
		err = png.Encode(&buf, img)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to encode image: %w", err)
	}
	return buf.Bytes(), nil
}
