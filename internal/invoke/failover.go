package invoke

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/yourusername/drawing-review/internal/apperr"
)

// Descriptor はバックエンドの名前・優先順位・利用可否を表します。Rank が小さいほど優先です。
type Descriptor struct {
	Name      string
	Rank      int
	Available bool
}

// Candidate は Failover が順に試すバックエンドです。
type Candidate[B any] struct {
	Descriptor
	Backend B
}

// Failover は優先順位順にバックエンドを1回ずつ試し、最初の成功を返します。
type Failover[B, O any] struct {
	Capability string
	Candidates []Candidate[B]
	Timeout    time.Duration
	Observe    ObserveFunc
}

// Invoke は利用可能なバックエンドを順に呼び出し、出力と使用したバックエンド名を返します。
func (f *Failover[B, O]) Invoke(ctx context.Context, call func(ctx context.Context, backend B) (O, error)) (O, string, error) {
	var zero O
	ordered := make([]Candidate[B], len(f.Candidates))
	copy(ordered, f.Candidates)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Rank < ordered[j].Rank })

	var (
		failures []apperr.BackendFailure
		errs     []error
	)
	for _, c := range ordered {
		if !c.Available {
			continue
		}
		if err := ctx.Err(); err != nil {
			err = interrupted(err)
			failures = append(failures, apperr.BackendFailure{Backend: c.Name, Message: err.Error()})
			errs = append(errs, fmt.Errorf("%s: %w", c.Name, err))
			break
		}
		start := time.Now()
		backend := c.Backend
		out, err := callWithTimeout(ctx, f.Timeout, func(callCtx context.Context) (O, error) {
			return call(callCtx, backend)
		})
		if f.Observe != nil {
			f.Observe(c.Name, err, time.Since(start))
		}
		if err == nil {
			return out, c.Name, nil
		}
		failures = append(failures, apperr.BackendFailure{Backend: c.Name, Message: err.Error()})
		errs = append(errs, fmt.Errorf("%s: %w", c.Name, err))
	}

	if len(failures) == 0 {
		return zero, "", apperr.Newf(apperr.KindAllBackendsExhausted, "no %s backend is available", f.Capability)
	}
	names := make([]string, len(failures))
	for i, fl := range failures {
		names[i] = fl.Backend
	}
	return zero, "", &apperr.Error{
		Kind:     apperr.KindAllBackendsExhausted,
		Message:  fmt.Sprintf("every %s backend failed (%s)", f.Capability, strings.Join(names, ", ")),
		Failures: failures,
		Cause:    errors.Join(errs...),
	}
}
