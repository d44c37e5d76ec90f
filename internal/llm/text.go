package llm

import (
	"regexp"
	"strings"
)

var (
	drawingNumberPattern = regexp.MustCompile(`([A-Z]{2}-\d{4}-\d{3}-V\d+\.\d+)`)
	scalePattern         = regexp.MustCompile(`比例\s*[:：]\s*(\d+\s*:\s*\d+)`)
	blankLines           = regexp.MustCompile(`\n{2,}`)
	spaces               = regexp.MustCompile(`[ \t\f\v\r]+`)
	// 中国語・英数字・よく使う記号以外は OCR ノイズとみなす。
	noise = regexp.MustCompile(`[^\p{Han}a-zA-Z0-9\s.,:;()\[\]\-_+=@#$%^&*!：，。、（）/]`)
)

// KeyInfo は OCR テキストから抽出した図面の基本情報です。
type KeyInfo struct {
	DrawingNumber string `json:"drawingNumber,omitempty"`
	Scale         string `json:"scale,omitempty"`
}

func (k KeyInfo) empty() bool { return k.DrawingNumber == "" && k.Scale == "" }

// CleanText は OCR テキストから余分な空白と記号を取り除きます。行の区切りは残します。
func CleanText(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = noise.ReplaceAllString(text, "")
	text = spaces.ReplaceAllString(text, " ")
	lines := strings.Split(text, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSpace(l)
	}
	text = strings.Join(lines, "\n")
	text = blankLines.ReplaceAllString(text, "\n")
	return strings.TrimSpace(text)
}

// ExtractKeyInfo は図面番号と縮尺を取り出します。
func ExtractKeyInfo(text string) KeyInfo {
	var info KeyInfo
	if m := drawingNumberPattern.FindStringSubmatch(text); m != nil {
		info.DrawingNumber = m[1]
	}
	if m := scalePattern.FindStringSubmatch(text); m != nil {
		info.Scale = strings.ReplaceAll(m[1], " ", "")
	}
	return info
}

// BuildPrompt は基本プロンプト・抽出情報・図面テキストを連結します。
func BuildPrompt(base, text string) string {
	cleaned := CleanText(text)
	info := ExtractKeyInfo(cleaned)

	var b strings.Builder
	b.WriteString(strings.TrimSpace(base))
	b.WriteString("\n\n")
	if !info.empty() {
		b.WriteString("已知图纸关键信息：\n")
		if info.DrawingNumber != "" {
			b.WriteString("- 图纸编号: " + info.DrawingNumber + "\n")
		}
		if info.Scale != "" {
			b.WriteString("- 图纸比例: " + info.Scale + "\n")
		}
		b.WriteString("\n")
	}
	b.WriteString("待审查的图纸内容如下：\n")
	b.WriteString(cleaned)
	return b.String()
}
