package retry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/phonepilot/api/schemas"
)

type recordingObserver struct {
	mu    sync.Mutex
	calls []string
}

func (r *recordingObserver) ObserveRetry(category string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, category)
}

func newTestGovernor(t *testing.T, p Policy, obs Observer) (*Governor, *[]time.Duration) {
	t.Helper()
	g := NewGovernor(zaptest.NewLogger(t), map[Category]Policy{CategoryDispatch: p}, obs)
	var delays []time.Duration
	g.sleep = func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		return ctx.Err()
	}
	return g, &delays
}

func TestPolicy_Delay(t *testing.T) {
	t.Parallel()
	p := Policy{MaxRetries: 4, BaseDelay: 100 * time.Millisecond, Multiplier: 2}
	assert.Equal(t, 100*time.Millisecond, p.Delay(0))
	assert.Equal(t, 200*time.Millisecond, p.Delay(1))
	assert.Equal(t, 800*time.Millisecond, p.Delay(3))

	p.MaxDelay = 300 * time.Millisecond
	assert.Equal(t, 300*time.Millisecond, p.Delay(3))

	flat := Policy{BaseDelay: time.Second}
	assert.Equal(t, time.Second, flat.Delay(5))
}

func TestGovernor_RetriesTransientThenSucceeds(t *testing.T) {
	t.Parallel()
	obs := &recordingObserver{}
	g, delays := newTestGovernor(t, Policy{MaxRetries: 3, BaseDelay: 10 * time.Millisecond, Multiplier: 3}, obs)

	calls := 0
	retries, err := g.Do(context.Background(), CategoryDispatch, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return schemas.Transient(errors.New("device busy"))
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 2, retries)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 30 * time.Millisecond}, *delays)
	assert.Equal(t, []string{"dispatch", "dispatch"}, obs.calls)
}

func TestGovernor_ExhaustionIsFatal(t *testing.T) {
	t.Parallel()
	g, delays := newTestGovernor(t, Policy{MaxRetries: 2, BaseDelay: time.Millisecond, Multiplier: 2}, nil)

	calls := 0
	transient := schemas.Transient(errors.New("connection reset by peer"))
	retries, err := g.Do(context.Background(), CategoryDispatch, func(ctx context.Context) error {
		calls++
		return transient
	})

	require.Error(t, err)
	var ex *ExhaustedError
	require.ErrorAs(t, err, &ex)
	assert.Equal(t, CategoryDispatch, ex.Category)
	assert.Equal(t, 3, ex.Attempts)
	assert.ErrorIs(t, err, transient)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 2, retries)
	assert.Len(t, *delays, 2)
}

func TestGovernor_PermanentErrorNotRetried(t *testing.T) {
	t.Parallel()
	g, delays := newTestGovernor(t, Policy{MaxRetries: 5, BaseDelay: time.Millisecond, Multiplier: 2}, nil)

	boom := errors.New("invalid argument")
	calls := 0
	retries, err := g.Do(context.Background(), CategoryDispatch, func(ctx context.Context) error {
		calls++
		return boom
	})

	assert.ErrorIs(t, err, boom)
	var ex *ExhaustedError
	assert.False(t, errors.As(err, &ex))
	assert.Equal(t, 1, calls)
	assert.Zero(t, retries)
	assert.Empty(t, *delays)
}

func TestGovernor_UnknownCategoryRunsOnce(t *testing.T) {
	t.Parallel()
	g, _ := newTestGovernor(t, Policy{MaxRetries: 5}, nil)
	calls := 0
	_, err := g.Do(context.Background(), CategoryPredict, func(ctx context.Context) error {
		calls++
		return schemas.ErrTransient
	})
	var ex *ExhaustedError
	require.ErrorAs(t, err, &ex)
	assert.Equal(t, 1, calls)
}

func TestGovernor_StopsOnCancellation(t *testing.T) {
	t.Parallel()
	g, _ := newTestGovernor(t, Policy{MaxRetries: 10, BaseDelay: time.Millisecond, Multiplier: 1}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	_, err := g.Do(ctx, CategoryDispatch, func(ctx context.Context) error {
		calls++
		cancel()
		return schemas.ErrTransient
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}
