package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errFlaky = errors.New("flaky")

func fastPolicy(attempts int) Policy {
	return Policy{Attempts: attempts, Base: time.Millisecond, Max: 2 * time.Millisecond, Factor: 2}
}

func TestDo(t *testing.T) {
	ctx := context.Background()

	t.Run("succeeds after transient failures", func(t *testing.T) {
		calls := 0
		var retries []int
		p := fastPolicy(5)
		p.OnRetry = func(attempt int, err error, wait time.Duration) { retries = append(retries, attempt) }

		err := p.Do(ctx, func(context.Context) error {
			calls++
			if calls < 3 {
				return errFlaky
			}
			return nil
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if calls != 3 {
			t.Errorf("calls = %d, want 3", calls)
		}
		if len(retries) != 2 || retries[0] != 1 || retries[1] != 2 {
			t.Errorf("retries = %v, want [1 2]", retries)
		}
	})

	t.Run("exhausted", func(t *testing.T) {
		calls := 0
		err := fastPolicy(3).Do(ctx, func(context.Context) error {
			calls++
			return errFlaky
		})
		if calls != 3 {
			t.Errorf("calls = %d, want 3", calls)
		}
		if !errors.Is(err, ErrExhausted) || !errors.Is(err, errFlaky) {
			t.Errorf("got %v, want exhausted wrapping flaky", err)
		}
		var re *Error
		if !errors.As(err, &re) || re.Attempts != 3 {
			t.Errorf("got %#v", err)
		}
	})

	t.Run("permanent stops immediately", func(t *testing.T) {
		calls := 0
		err := fastPolicy(5).Do(ctx, func(context.Context) error {
			calls++
			return Permanent(errFlaky)
		})
		if calls != 1 {
			t.Errorf("calls = %d, want 1", calls)
		}
		if !errors.Is(err, ErrPermanent) || !errors.Is(err, errFlaky) {
			t.Errorf("got %v", err)
		}
	})

	t.Run("canceled context", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		called := false
		err := fastPolicy(3).Do(cctx, func(context.Context) error {
			called = true
			return nil
		})
		if called {
			t.Error("fn called with canceled context")
		}
		if !errors.Is(err, context.Canceled) {
			t.Errorf("got %v, want context.Canceled", err)
		}
	})

	t.Run("canceled while waiting", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		p := Policy{Attempts: 3, Base: time.Hour, Max: time.Hour}
		p.OnRetry = func(int, error, time.Duration) { cancel() }
		err := p.Do(cctx, func(context.Context) error { return errFlaky })
		if !errors.Is(err, ErrCanceled) {
			t.Errorf("got %v, want ErrCanceled", err)
		}
	})
}

func TestValue(t *testing.T) {
	calls := 0
	v, err := Value(context.Background(), fastPolicy(3), func(context.Context) (int, error) {
		calls++
		if calls == 1 {
			return 0, Temporary(errFlaky)
		}
		return 42, nil
	})
	if err != nil || v != 42 {
		t.Errorf("got %d, %v", v, err)
	}
}

func TestBackoff(t *testing.T) {
	p := Policy{Base: 10 * time.Millisecond, Max: 50 * time.Millisecond, Factor: 2}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 10 * time.Millisecond},
		{1, 20 * time.Millisecond},
		{2, 40 * time.Millisecond},
		{3, 50 * time.Millisecond},
		{10, 50 * time.Millisecond},
	}
	for _, tt := range tests {
		if got := p.Backoff(tt.attempt); got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}

	p.Jitter = 0.5
	for i := 0; i < 20; i++ {
		got := p.Backoff(1)
		if got < 10*time.Millisecond || got > 30*time.Millisecond {
			t.Fatalf("jittered backoff %v out of range", got)
		}
	}
}

func TestIsTemporary(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain", errFlaky, true},
		{"permanent", Permanent(errFlaky), false},
		{"temporary", Temporary(errFlaky), true},
		{"deadline", context.DeadlineExceeded, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTemporary(tt.err); got != tt.want {
				t.Errorf("IsTemporary(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
