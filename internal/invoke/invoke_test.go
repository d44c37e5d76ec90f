package invoke

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourusername/drawing-review/internal/apperr"
)

func TestRetryableSucceedsOnSecondAttempt(t *testing.T) {
	var calls int32
	r := &Retryable[string, string]{
		Name: "render",
		Call: func(ctx context.Context, in string) (string, error) {
			if atomic.AddInt32(&calls, 1) == 1 {
				return "", errors.New("flaky")
			}
			return in + ".png", nil
		},
	}

	out, attempts, err := r.Invoke(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, "a.png", out)
	assert.Equal(t, 2, attempts)
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestRetryableExhaustsWithLastError(t *testing.T) {
	var calls int32
	r := &Retryable[int, int]{
		Name:        "render",
		MaxAttempts: 3,
		Call: func(ctx context.Context, in int) (int, error) {
			n := atomic.AddInt32(&calls, 1)
			return 0, errors.New("attempt " + string(rune('0'+n)))
		},
	}

	_, attempts, err := r.Invoke(context.Background(), 1)
	require.Error(t, err)
	assert.Equal(t, 3, attempts)
	assert.True(t, apperr.IsKind(err, apperr.KindBackendExhausted))
	assert.Contains(t, err.Error(), "attempt 3")
}

func TestRetryableDefaultsToTwoAttempts(t *testing.T) {
	var calls int32
	r := &Retryable[int, int]{
		Name: "render",
		Call: func(ctx context.Context, in int) (int, error) {
			atomic.AddInt32(&calls, 1)
			return 0, errors.New("down")
		},
	}
	_, attempts, err := r.Invoke(context.Background(), 0)
	require.Error(t, err)
	assert.Equal(t, DefaultMaxAttempts, attempts)
	assert.EqualValues(t, DefaultMaxAttempts, atomic.LoadInt32(&calls))
}

func TestRetryableValidationFailureCountsAsAttempt(t *testing.T) {
	var calls int32
	r := &Retryable[int, []byte]{
		Name: "render",
		Call: func(ctx context.Context, in int) ([]byte, error) {
			if atomic.AddInt32(&calls, 1) == 1 {
				return []byte{}, nil
			}
			return []byte("ok"), nil
		},
		Validate: func(b []byte) error {
			if len(b) == 0 {
				return errors.New("empty output")
			}
			return nil
		},
	}
	out, attempts, err := r.Invoke(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("ok"), out)
	assert.Equal(t, 2, attempts)
}

func TestRetryableTimeoutIsFailedAttempt(t *testing.T) {
	var calls int32
	r := &Retryable[int, int]{
		Name:    "render",
		Timeout: 20 * time.Millisecond,
		Call: func(ctx context.Context, in int) (int, error) {
			if atomic.AddInt32(&calls, 1) == 1 {
				<-ctx.Done()
				return 0, ctx.Err()
			}
			return 7, nil
		},
	}
	out, attempts, err := r.Invoke(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 7, out)
	assert.Equal(t, 2, attempts)
}

func TestRetryableStopsOnPermanentError(t *testing.T) {
	var calls int32
	r := &Retryable[int, int]{
		Name:        "render",
		MaxAttempts: 5,
		Call: func(ctx context.Context, in int) (int, error) {
			atomic.AddInt32(&calls, 1)
			return 0, Permanent(errors.New("corrupt input"))
		},
	}
	_, attempts, err := r.Invoke(context.Background(), 0)
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
	assert.True(t, apperr.IsKind(err, apperr.KindBackendExhausted))
}

type stubBackend struct {
	name  string
	err   error
	calls int32
}

func (s *stubBackend) run(ctx context.Context) (string, error) {
	atomic.AddInt32(&s.calls, 1)
	if s.err != nil {
		return "", s.err
	}
	return s.name + "-text", nil
}

func callStub(ctx context.Context, b *stubBackend) (string, error) { return b.run(ctx) }

func TestFailoverFallsBackInRankOrder(t *testing.T) {
	a := &stubBackend{name: "a", err: errors.New("a down")}
	b := &stubBackend{name: "b"}
	f := &Failover[*stubBackend, string]{
		Capability: "recognize",
		Candidates: []Candidate[*stubBackend]{
			{Descriptor: Descriptor{Name: "b", Rank: 2, Available: true}, Backend: b},
			{Descriptor: Descriptor{Name: "a", Rank: 1, Available: true}, Backend: a},
		},
	}

	out, used, err := f.Invoke(context.Background(), callStub)
	require.NoError(t, err)
	assert.Equal(t, "b-text", out)
	assert.Equal(t, "b", used)
	assert.EqualValues(t, 1, a.calls)
	assert.EqualValues(t, 1, b.calls)
}

func TestFailoverShortCircuitsOnFirstSuccess(t *testing.T) {
	a := &stubBackend{name: "a"}
	b := &stubBackend{name: "b"}
	f := &Failover[*stubBackend, string]{
		Capability: "review",
		Candidates: []Candidate[*stubBackend]{
			{Descriptor: Descriptor{Name: "a", Rank: 1, Available: true}, Backend: a},
			{Descriptor: Descriptor{Name: "b", Rank: 2, Available: true}, Backend: b},
		},
	}
	_, used, err := f.Invoke(context.Background(), callStub)
	require.NoError(t, err)
	assert.Equal(t, "a", used)
	assert.EqualValues(t, 0, b.calls)
}

func TestFailoverSkipsUnavailableBackends(t *testing.T) {
	a := &stubBackend{name: "a"}
	b := &stubBackend{name: "b"}
	f := &Failover[*stubBackend, string]{
		Capability: "recognize",
		Candidates: []Candidate[*stubBackend]{
			{Descriptor: Descriptor{Name: "a", Rank: 1, Available: false}, Backend: a},
			{Descriptor: Descriptor{Name: "b", Rank: 2, Available: true}, Backend: b},
		},
	}
	_, used, err := f.Invoke(context.Background(), callStub)
	require.NoError(t, err)
	assert.Equal(t, "b", used)
	assert.EqualValues(t, 0, a.calls)
}

func TestFailoverAllExhaustedCarriesEveryFailure(t *testing.T) {
	a := &stubBackend{name: "a", err: errors.New("a down")}
	b := &stubBackend{name: "b", err: errors.New("b down")}
	f := &Failover[*stubBackend, string]{
		Capability: "review",
		Candidates: []Candidate[*stubBackend]{
			{Descriptor: Descriptor{Name: "a", Rank: 1, Available: true}, Backend: a},
			{Descriptor: Descriptor{Name: "b", Rank: 2, Available: true}, Backend: b},
		},
	}
	_, used, err := f.Invoke(context.Background(), callStub)
	require.Error(t, err)
	assert.Empty(t, used)
	assert.True(t, apperr.IsKind(err, apperr.KindAllBackendsExhausted))

	var appErr *apperr.Error
	require.ErrorAs(t, err, &appErr)
	require.Len(t, appErr.Failures, 2)
	assert.Equal(t, "a", appErr.Failures[0].Backend)
	assert.Equal(t, "b", appErr.Failures[1].Backend)
	assert.EqualValues(t, 1, a.calls)
	assert.EqualValues(t, 1, b.calls)
}

func TestFailoverNoAvailableBackend(t *testing.T) {
	f := &Failover[*stubBackend, string]{
		Capability: "review",
		Candidates: []Candidate[*stubBackend]{
			{Descriptor: Descriptor{Name: "a", Rank: 1}, Backend: &stubBackend{name: "a"}},
		},
	}
	_, _, err := f.Invoke(context.Background(), callStub)
	assert.True(t, apperr.IsKind(err, apperr.KindAllBackendsExhausted))
}

func TestFailoverTimeoutMovesToNextBackend(t *testing.T) {
	slow := &stubBackend{name: "slow"}
	fast := &stubBackend{name: "fast"}
	f := &Failover[*stubBackend, string]{
		Capability: "recognize",
		Timeout:    20 * time.Millisecond,
		Candidates: []Candidate[*stubBackend]{
			{Descriptor: Descriptor{Name: "slow", Rank: 1, Available: true}, Backend: slow},
			{Descriptor: Descriptor{Name: "fast", Rank: 2, Available: true}, Backend: fast},
		},
	}
	out, used, err := f.Invoke(context.Background(), func(ctx context.Context, b *stubBackend) (string, error) {
		if b == slow {
			<-ctx.Done()
			return "", ctx.Err()
		}
		return b.run(ctx)
	})
	require.NoError(t, err)
	assert.Equal(t, "fast", used)
	assert.Equal(t, "fast-text", out)
}

func TestRetryableCallerDeadlineIsBackendExhausted(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	var calls int32
	r := &Retryable[int, int]{
		Name:        "renderer",
		MaxAttempts: 3,
		Call: func(ctx context.Context, in int) (int, error) {
			atomic.AddInt32(&calls, 1)
			<-ctx.Done()
			return 0, ctx.Err()
		},
	}
	_, attempts, err := r.Invoke(ctx, 0)
	require.Error(t, err)
	assert.Equal(t, 1, attempts, "no retry once the caller's deadline has passed")
	assert.True(t, apperr.IsKind(err, apperr.KindBackendExhausted))
	assert.False(t, apperr.IsKind(err, apperr.KindCancelled))

	var appErr *apperr.Error
	require.ErrorAs(t, err, &appErr)
	require.Len(t, appErr.Failures, 1)
	assert.Contains(t, appErr.Failures[0].Message, "deadline exceeded")
}

func TestRetryableAlreadyStoppedCallerIsBackendExhausted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := &Retryable[int, int]{
		Name: "report",
		Call: func(ctx context.Context, in int) (int, error) { return 1, nil },
	}
	_, attempts, err := r.Invoke(ctx, 0)
	assert.Equal(t, 0, attempts)
	assert.True(t, apperr.IsKind(err, apperr.KindBackendExhausted))
	assert.Contains(t, err.Error(), "interrupted")
}

func TestFailoverCallerDeadlineIsAllBackendsExhausted(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	slow := &stubBackend{name: "slow"}
	next := &stubBackend{name: "next"}
	f := &Failover[*stubBackend, string]{
		Capability: "recognize",
		Candidates: []Candidate[*stubBackend]{
			{Descriptor: Descriptor{Name: "slow", Rank: 1, Available: true}, Backend: slow},
			{Descriptor: Descriptor{Name: "next", Rank: 2, Available: true}, Backend: next},
		},
	}
	_, _, err := f.Invoke(ctx, func(ctx context.Context, b *stubBackend) (string, error) {
		atomic.AddInt32(&b.calls, 1)
		<-ctx.Done()
		return "", ctx.Err()
	})
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindAllBackendsExhausted))
	assert.False(t, apperr.IsKind(err, apperr.KindCancelled))

	var appErr *apperr.Error
	require.ErrorAs(t, err, &appErr)
	require.Len(t, appErr.Failures, 2)
	assert.Equal(t, "slow", appErr.Failures[0].Backend)
	assert.Contains(t, appErr.Failures[0].Message, "deadline exceeded")
	assert.Equal(t, "next", appErr.Failures[1].Backend)
	assert.EqualValues(t, 0, atomic.LoadInt32(&next.calls))
}
