package ocr

import (
	"fmt"
	"strings"

	"github.com/yourusername/drawing-review/internal/invoke"
	"github.com/yourusername/drawing-review/internal/pipeline"
)

// Engine は利用可否を報告できる Recognizer です。
type Engine interface {
	pipeline.Recognizer
	Available() bool
}

// Candidates は order の並び順を優先順位として Failover 用の候補を組み立てます。
// order に含まれないエンジンは候補に入りません。
func Candidates(order []string, engines ...Engine) ([]invoke.Candidate[pipeline.Recognizer], error) {
	byName := make(map[string]Engine, len(engines))
	for _, e := range engines {
		byName[e.Name()] = e
	}
	out := make([]invoke.Candidate[pipeline.Recognizer], 0, len(order))
	seen := make(map[string]bool, len(order))
	for rank, raw := range order {
		name := strings.ToLower(strings.TrimSpace(raw))
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		e, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("unknown OCR backend %q", raw)
		}
		out = append(out, invoke.Candidate[pipeline.Recognizer]{
			Descriptor: invoke.Descriptor{Name: name, Rank: rank, Available: e.Available()},
			Backend:    e,
		})
	}
	return out, nil
}
