package gate

import (
	"context"
	"math"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// DefaultSpacing is the minimum time between two gated calls.
const DefaultSpacing = 300 * time.Millisecond

// Gate lets at most one call through at a time and spaces call starts
// at least spacing apart. One Gate is shared by every site.
type Gate struct {
	sem     *semaphore.Weighted
	limiter *rate.Limiter
}

// New creates a gate. A non-positive spacing uses DefaultSpacing.
func New(spacing time.Duration) *Gate {
	if spacing <= 0 {
		spacing = DefaultSpacing
	}
	return &Gate{
		sem:     semaphore.NewWeighted(1),
		limiter: rate.NewLimiter(rate.Every(spacing), 1),
	}
}

// Do runs fn once it holds the gate. It returns ctx.Err() if ctx ends while waiting.
func (g *Gate) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer g.sem.Release(1)

	if err := g.limiter.Wait(ctx); err != nil {
		return err
	}
	return fn(ctx)
}

// RetryPolicy is exponential backoff with a ceiling.
type RetryPolicy struct {
	InitialInterval    time.Duration
	BackoffCoefficient float64
	MaximumInterval    time.Duration
	// MaximumAttempts is the number of retries after the first call.
	MaximumAttempts int
}

// DefaultBusyRetry is used when the partner reports it is overloaded.
var DefaultBusyRetry = RetryPolicy{
	InitialInterval:    5 * time.Second,
	BackoffCoefficient: 2.0,
	MaximumInterval:    60 * time.Second,
	MaximumAttempts:    3,
}

// Delay returns the wait before retry number attempt (0-based).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	coef := p.BackoffCoefficient
	if coef < 1 {
		coef = 1
	}
	d := float64(p.InitialInterval) * math.Pow(coef, float64(attempt))
	if p.MaximumInterval > 0 && d > float64(p.MaximumInterval) {
		return p.MaximumInterval
	}
	return time.Duration(d)
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
