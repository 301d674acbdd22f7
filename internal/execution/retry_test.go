package execution

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestPolicyDo(t *testing.T) {
	transient := errors.New("transient")
	fatal := errors.New("fatal")

	classify := func(err error) Classification {
		if errors.Is(err, fatal) {
			return Fatal
		}
		return Retryable
	}

	t.Run("retries transient errors until success", func(t *testing.T) {
		p := Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Classify: classify}

		attempts := 0
		err := p.Do(context.Background(), func(context.Context) error {
			attempts++
			if attempts < 3 {
				return transient
			}
			return nil
		})
		if err != nil {
			t.Fatalf("expected success, got %v", err)
		}
		if attempts != 3 {
			t.Errorf("expected 3 attempts, got %d", attempts)
		}
	})

	t.Run("stops immediately on fatal errors", func(t *testing.T) {
		p := Policy{MaxAttempts: 5, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Classify: classify}

		attempts := 0
		err := p.Do(context.Background(), func(context.Context) error {
			attempts++
			return fatal
		})
		if !errors.Is(err, fatal) {
			t.Fatalf("expected fatal error, got %v", err)
		}
		if attempts != 1 {
			t.Errorf("expected 1 attempt, got %d", attempts)
		}
	})

	t.Run("returns last error after attempt budget", func(t *testing.T) {
		p := Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Classify: classify}

		attempts := 0
		err := p.Do(context.Background(), func(context.Context) error {
			attempts++
			return transient
		})
		if !errors.Is(err, transient) {
			t.Fatalf("expected transient error, got %v", err)
		}
		if attempts != 3 {
			t.Errorf("expected 3 attempts, got %d", attempts)
		}
	})

	t.Run("backoff doubles and caps at max delay", func(t *testing.T) {
		p := Policy{MaxAttempts: 4, BaseDelay: 10 * time.Millisecond, MaxDelay: 15 * time.Millisecond, Classify: classify}

		var stamps []time.Time
		_ = p.Do(context.Background(), func(context.Context) error {
			stamps = append(stamps, time.Now())
			return transient
		})

		if len(stamps) != 4 {
			t.Fatalf("expected 4 attempts, got %d", len(stamps))
		}
		// delays: 10ms, 15ms (capped), 15ms (capped)
		if gap := stamps[1].Sub(stamps[0]); gap < 10*time.Millisecond {
			t.Errorf("first backoff too short: %v", gap)
		}
		if gap := stamps[2].Sub(stamps[1]); gap < 15*time.Millisecond {
			t.Errorf("second backoff below cap: %v", gap)
		}
		if gap := stamps[3].Sub(stamps[2]); gap > 100*time.Millisecond {
			t.Errorf("capped backoff too long: %v", gap)
		}
	})

	t.Run("honors context cancellation between attempts", func(t *testing.T) {
		p := Policy{MaxAttempts: 10, BaseDelay: 50 * time.Millisecond, MaxDelay: 50 * time.Millisecond, Classify: classify}

		ctx, cancel := context.WithCancel(context.Background())
		attempts := 0
		go func() {
			time.Sleep(10 * time.Millisecond)
			cancel()
		}()

		err := p.Do(ctx, func(context.Context) error {
			attempts++
			return transient
		})
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
		if attempts != 1 {
			t.Errorf("expected 1 attempt before cancel, got %d", attempts)
		}
	})
}
