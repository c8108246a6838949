// File: internal/retry/governor.go
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/xkilldash9x/phonepilot/api/schemas"
)

// Category names a class of fallible I/O call with its own policy.
type Category string

const (
	CategoryScreenshot Category = "screenshot"
	CategoryPredict    Category = "predict"
	CategoryDispatch   Category = "dispatch"
)

// Policy is the bounded exponential backoff for one call category.
// The k-th retry (0-based) waits BaseDelay * Multiplier^k, capped at MaxDelay when set.
type Policy struct {
	MaxRetries int           `mapstructure:"max_retries" yaml:"max_retries"`
	BaseDelay  time.Duration `mapstructure:"base_delay" yaml:"base_delay"`
	Multiplier float64       `mapstructure:"multiplier" yaml:"multiplier"`
	MaxDelay   time.Duration `mapstructure:"max_delay" yaml:"max_delay"`
}

// Delay returns the wait before retry k.
func (p Policy) Delay(k int) time.Duration {
	d := float64(p.BaseDelay)
	m := p.Multiplier
	if m <= 0 {
		m = 1
	}
	for i := 0; i < k; i++ {
		d *= m
	}
	if p.MaxDelay > 0 && time.Duration(d) > p.MaxDelay {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// ExhaustedError is returned once a transient error survived every retry.
type ExhaustedError struct {
	Category Category
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s: retries exhausted after %d attempts: %v", e.Category, e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// Observer is notified about every retry, typically a metrics sink.
type Observer interface {
	ObserveRetry(category string)
}

// Governor applies per-category retry policies. It holds no per-call state and
// is safe to share.
type Governor struct {
	policies map[Category]Policy
	logger   *zap.Logger
	observer Observer
	// sleep is swapped in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewGovernor creates a governor. Categories without a policy are attempted once.
func NewGovernor(logger *zap.Logger, policies map[Category]Policy, observer Observer) *Governor {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := make(map[Category]Policy, len(policies))
	for k, v := range policies {
		p[k] = v
	}
	return &Governor{
		policies: p,
		logger:   logger.Named("retry"),
		observer: observer,
		sleep:    sleepCtx,
	}
}

// Policy returns the policy configured for a category.
func (g *Governor) Policy(c Category) Policy {
	return g.policies[c]
}

// Do runs op until it succeeds, fails permanently, or the policy is exhausted.
// Only errors classified by schemas.IsTransient are retried. The returned count
// is the number of retries performed (attempts - 1).
func (g *Governor) Do(ctx context.Context, c Category, op func(ctx context.Context) error) (int, error) {
	policy := g.policies[c]
	attempts := 0
	var lastErr error

	operation := func() error {
		attempts++
		err := op(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !schemas.IsTransient(err) {
			return backoff.Permanent(err)
		}
		if attempts > policy.MaxRetries {
			return backoff.Permanent(err)
		}
		g.logger.Warn("Transient failure, retrying",
			zap.String("category", string(c)),
			zap.Int("attempt", attempts),
			zap.Duration("next_delay", policy.Delay(attempts-1)),
			zap.Error(err))
		if g.observer != nil {
			g.observer.ObserveRetry(string(c))
		}
		return err
	}

	b := backoff.WithContext(&schedule{policy: policy}, ctx)
	err := backoff.RetryNotifyWithTimer(operation, b, nil, &ctxTimer{g: g, ctx: ctx})
	retries := attempts - 1
	if retries < 0 {
		retries = 0
	}
	if err == nil {
		return retries, nil
	}

	// backoff stops with the context error when ctx ends between attempts.
	if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, lastErr) {
		return retries, ctxErr
	}
	if lastErr != nil && schemas.IsTransient(lastErr) && attempts > policy.MaxRetries {
		return retries, &ExhaustedError{Category: c, Attempts: attempts, Err: lastErr}
	}
	return retries, err
}

// schedule is a deterministic backoff.BackOff yielding Policy.Delay(k).
type schedule struct {
	policy Policy
	k      int
}

func (s *schedule) NextBackOff() time.Duration {
	if s.k >= s.policy.MaxRetries {
		return backoff.Stop
	}
	d := s.policy.Delay(s.k)
	s.k++
	return d
}

func (s *schedule) Reset() { s.k = 0 }

// ctxTimer adapts the governor's sleep function to backoff.Timer.
type ctxTimer struct {
	g   *Governor
	ctx context.Context
	ch  chan time.Time
}

func (t *ctxTimer) Start(d time.Duration) {
	t.ch = make(chan time.Time, 1)
	if err := t.g.sleep(t.ctx, d); err != nil {
		// ctx is done, so the caller's select takes ctx.Done over the empty channel.
		return
	}
	t.ch <- time.Now()
}

func (t *ctxTimer) Stop() {}

func (t *ctxTimer) C() <-chan time.Time { return t.ch }

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
