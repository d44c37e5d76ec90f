// Package invoke は外部バックエンド呼び出しの再試行とフェイルオーバーを提供します。
package invoke

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/yourusername/drawing-review/internal/apperr"
)

// DefaultMaxAttempts は MaxAttempts 未指定時の試行回数です。
const DefaultMaxAttempts = 2

// ObserveFunc は1回の呼び出し結果を受け取るフックです（メトリクス用）。
type ObserveFunc func(backend string, err error, elapsed time.Duration)

// Retryable は単一バックエンドを即時再試行付きで呼び出します。
type Retryable[I, O any] struct {
	Name        string
	MaxAttempts int
	Timeout     time.Duration
	Call        func(ctx context.Context, in I) (O, error)
	// Validate が error を返した場合、その試行は失敗として扱います。
	Validate func(O) error
	Observe  ObserveFunc
}

// Invoke は成功するか試行回数を使い切るまで Call を呼び出し、出力と試行回数を返します。
func (r *Retryable[I, O]) Invoke(ctx context.Context, in I) (O, int, error) {
	var zero O
	maxAttempts := r.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	var lastErr error
	attempts := 0
	for attempts < maxAttempts {
		// 呼び出し元の期限切れや停止も失敗として扱い、再試行はしない。
		if err := ctx.Err(); err != nil {
			lastErr = interrupted(err)
			break
		}
		attempts++
		out, err := r.attempt(ctx, in)
		if err == nil {
			return out, attempts, nil
		}
		lastErr = err
		if isPermanent(err) {
			break
		}
	}
	return zero, attempts, &apperr.Error{
		Kind:     apperr.KindBackendExhausted,
		Message:  fmt.Sprintf("%s failed after %d attempt(s)", r.Name, attempts),
		Failures: []apperr.BackendFailure{{Backend: r.Name, Message: lastErr.Error()}},
		Cause:    lastErr,
	}
}

func (r *Retryable[I, O]) attempt(ctx context.Context, in I) (O, error) {
	var zero O
	start := time.Now()
	out, err := callWithTimeout(ctx, r.Timeout, func(callCtx context.Context) (O, error) {
		return r.Call(callCtx, in)
	})
	if err == nil && r.Validate != nil {
		if verr := r.Validate(out); verr != nil {
			err = fmt.Errorf("invalid output: %w", verr)
		}
	}
	if r.Observe != nil {
		r.Observe(r.Name, err, time.Since(start))
	}
	if err != nil {
		return zero, err
	}
	return out, nil
}

// callWithTimeout は timeout を超えた呼び出しを、戻ってこない場合でも失敗として扱います。
func callWithTimeout[O any](ctx context.Context, timeout time.Duration, fn func(context.Context) (O, error)) (O, error) {
	var zero O
	callCtx := ctx
	cancel := context.CancelFunc(func() {})
	if timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	type outcome struct {
		out O
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		out, err := fn(callCtx)
		done <- outcome{out: out, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil && ctx.Err() != nil {
			return zero, interrupted(ctx.Err())
		}
		if res.err == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return zero, fmt.Errorf("timed out after %s", timeout)
		}
		return res.out, res.err
	case <-callCtx.Done():
		if err := ctx.Err(); err != nil {
			return zero, interrupted(err)
		}
		return zero, fmt.Errorf("timed out after %s", timeout)
	}
}

// interrupted は呼び出し元の ctx が終わったことを表す失敗に変換します。
func interrupted(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("processing deadline exceeded: %w", err)
	}
	return fmt.Errorf("interrupted: %w", err)
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent は再試行しても結果が変わらない失敗を表します。Retryable は残りの試行を打ち切ります。
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func isPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
