package inference

import (
	"context"
	"testing"
	"time"
)

func TestRateLimiterTryConsume(t *testing.T) {
	rl := NewRateLimiter(2)

	if !rl.TryConsume() {
		t.Error("first consume should succeed")
	}
	if !rl.TryConsume() {
		t.Error("second consume should succeed")
	}
	if rl.TryConsume() {
		t.Error("third consume should fail, bucket holds 2")
	}
}

func TestRateLimiterWait(t *testing.T) {
	t.Run("does not block with tokens available", func(t *testing.T) {
		rl := NewRateLimiter(600)

		start := time.Now()
		if err := rl.Wait(context.Background()); err != nil {
			t.Fatalf("Wait() error = %v", err)
		}
		if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
			t.Errorf("Wait() blocked %v with a full bucket", elapsed)
		}
	})

	t.Run("respects context cancellation", func(t *testing.T) {
		rl := NewRateLimiter(1)
		rl.Record429(time.Minute) // drain

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		if err := rl.Wait(ctx); err == nil {
			t.Error("expected context error from Wait on empty bucket")
		}
	})

	t.Run("waits for refill", func(t *testing.T) {
		// 600 rpm refills a token every 100ms.
		rl := NewRateLimiter(600)
		rl.Record429(time.Second)

		start := time.Now()
		if err := rl.Wait(context.Background()); err != nil {
			t.Fatalf("Wait() error = %v", err)
		}
		if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
			t.Errorf("Wait() returned after %v, expected a refill pause", elapsed)
		}
	})
}

func TestRateLimiterRecord429(t *testing.T) {
	t.Run("drains tokens when retry-after known", func(t *testing.T) {
		rl := NewRateLimiter(10)

		rl.Record429(5 * time.Second)
		if rl.TryConsume() {
			t.Error("bucket should be empty after Record429 with retry-after")
		}
	})

	t.Run("keeps tokens when retry-after unknown", func(t *testing.T) {
		rl := NewRateLimiter(10)

		rl.Record429(0)
		if !rl.TryConsume() {
			t.Error("bucket should keep tokens after Record429 without retry-after")
		}
	})

	t.Run("records timestamp", func(t *testing.T) {
		rl := NewRateLimiter(10)

		before := time.Now()
		rl.Record429(time.Second)
		status := rl.Status()
		if status.Last429Time.Before(before) {
			t.Errorf("Last429Time = %v, want >= %v", status.Last429Time, before)
		}
	})
}

func TestRateLimiterStatus(t *testing.T) {
	rl := NewRateLimiter(10)

	status := rl.Status()
	if status.TokensLimit != 10 {
		t.Errorf("TokensLimit = %d", status.TokensLimit)
	}
	if status.TokensAvailable != 10 {
		t.Errorf("TokensAvailable = %d, want 10", status.TokensAvailable)
	}
	if status.Utilization != 0 {
		t.Errorf("Utilization = %f, want 0", status.Utilization)
	}
	if status.TimeUntilToken != 0 {
		t.Errorf("TimeUntilToken = %v, want 0", status.TimeUntilToken)
	}

	rl.TryConsume()
	status = rl.Status()
	if status.TokensAvailable != 9 {
		t.Errorf("TokensAvailable = %d, want 9", status.TokensAvailable)
	}
	if status.TotalConsumed != 1 {
		t.Errorf("TotalConsumed = %d, want 1", status.TotalConsumed)
	}
	if status.Utilization <= 0 {
		t.Errorf("Utilization = %f, want > 0", status.Utilization)
	}
}

func TestRateLimiterDefault(t *testing.T) {
	rl := NewRateLimiter(0)
	if got := rl.Status().TokensLimit; got != defaultRequestsPerMinute {
		t.Errorf("TokensLimit = %d, want %d", got, defaultRequestsPerMinute)
	}
}
