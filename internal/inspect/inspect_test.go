package inspect

import (
	"bytes"
	"image"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourusername/drawing-review/internal/apperr"
	"github.com/yourusername/drawing-review/internal/pipeline"
)

func TestContentRaster(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewGray(image.Rect(0, 0, 1, 1))))

	assert.NoError(t, Content(pipeline.FormatRaster, ".png", buf.Bytes(), 0))

	err := Content(pipeline.FormatRaster, ".png", []byte("plain text pretending"), 0)
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))
}

func TestContentCAD(t *testing.T) {
	assert.NoError(t, Content(pipeline.FormatCAD, ".dwg", []byte("AC1032\x00\x00binary"), 0))
	assert.NoError(t, Content(pipeline.FormatCAD, ".dxf", []byte("  0\nSECTION\n  2\nHEADER\n"), 0))

	err := Content(pipeline.FormatCAD, ".dwg", []byte("%PDF-1.7"), 0)
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))
	err = Content(pipeline.FormatCAD, ".dxf", []byte("hello"), 0)
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))
}

func TestContentRejectsEmptyAndFakePDF(t *testing.T) {
	err := Content(pipeline.FormatPDF, ".pdf", nil, 0)
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))

	err = Content(pipeline.FormatPDF, ".pdf", []byte("not a pdf"), 0)
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))
}
