// Package render は CAD/PDF 図面を外部コマンドで画像に変換します。
package render

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Runner は外部コマンドを実行し、標準出力と標準エラーを返します。
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (stdout, stderr []byte, err error)
}

// ExecRunner は os/exec で外部コマンドを実行します。
type ExecRunner struct {
	Logger zerolog.Logger
}

func (r ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	start := time.Now()

	cmd := exec.CommandContext(ctx, name, args...)
	var out, errb bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errb

	err := cmd.Run()
	dur := time.Since(start)

	if err != nil {
		r.Logger.Error().
			Str("cmd", name).
			Str("args", strings.Join(args, " ")).
			Int64("duration_ms", dur.Milliseconds()).
			Err(err).
			Str("stderr", truncate(errb.String(), 8<<10)).
			Msg("exec failed")
	} else {
		r.Logger.Debug().
			Str("cmd", name).
			Str("args", strings.Join(args, " ")).
			Int64("duration_ms", dur.Milliseconds()).
			Int("stdout_bytes", out.Len()).
			Int("stderr_bytes", errb.Len()).
			Msg("exec ok")
	}

	return out.Bytes(), errb.Bytes(), err
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "...(truncated)"
}
