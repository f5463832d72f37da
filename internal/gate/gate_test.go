package gate

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestGate_OneInFlight(t *testing.T) {
	g := New(time.Millisecond)
	ctx := context.Background()

	var inFlight, maxSeen int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := g.Do(ctx, func(ctx context.Context) error {
				n := atomic.AddInt32(&inFlight, 1)
				for {
					cur := atomic.LoadInt32(&maxSeen)
					if n <= cur || atomic.CompareAndSwapInt32(&maxSeen, cur, n) {
						break
					}
				}
				time.Sleep(2 * time.Millisecond)
				atomic.AddInt32(&inFlight, -1)
				return nil
			})
			if err != nil {
				t.Errorf("Do failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if maxSeen != 1 {
		t.Errorf("Expected at most 1 call in flight, saw %d", maxSeen)
	}
}

func TestGate_Spacing(t *testing.T) {
	spacing := 40 * time.Millisecond
	g := New(spacing)
	ctx := context.Background()

	var starts []time.Time
	for i := 0; i < 3; i++ {
		g.Do(ctx, func(ctx context.Context) error {
			starts = append(starts, time.Now())
			return nil
		})
	}

	for i := 1; i < len(starts); i++ {
		// Allow a little scheduler slack below the nominal spacing.
		if gap := starts[i].Sub(starts[i-1]); gap < spacing-5*time.Millisecond {
			t.Errorf("Expected calls spaced by ~%v, got %v", spacing, gap)
		}
	}
}

func TestGate_ContextCanceledWhileWaiting(t *testing.T) {
	g := New(time.Hour)
	ctx := context.Background()

	// Consume the single burst token.
	if err := g.Do(ctx, func(context.Context) error { return nil }); err != nil {
		t.Fatalf("first Do failed: %v", err)
	}

	cctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	called := false
	err := g.Do(cctx, func(context.Context) error {
		called = true
		return nil
	})
	if err == nil {
		t.Fatal("Expected an error when the spacing cannot be met before the deadline")
	}
	if called {
		t.Error("Expected fn not to run")
	}
}

func TestGate_PropagatesError(t *testing.T) {
	g := New(time.Millisecond)
	sentinel := errors.New("boom")
	if err := g.Do(context.Background(), func(context.Context) error { return sentinel }); !errors.Is(err, sentinel) {
		t.Errorf("Expected sentinel error, got %v", err)
	}
}

func TestRetryPolicy_Delay(t *testing.T) {
	p := DefaultBusyRetry
	want := []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second, 40 * time.Second, 60 * time.Second, 60 * time.Second}
	for i, w := range want {
		if got := p.Delay(i); got != w {
			t.Errorf("attempt %d: expected %v, got %v", i, w, got)
		}
	}
}

func TestSleep_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := Sleep(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}
