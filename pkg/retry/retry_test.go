package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestBackoffDoublesAndCaps(t *testing.T) {
	p := Policy{Base: 100 * time.Millisecond, Max: 500 * time.Millisecond, MaxAttempts: 6}

	if got := Backoff(p, "op", 0); got != 0 {
		t.Fatalf("attempt 0 must run immediately, got %v", got)
	}
	if got := Backoff(p, "op", 1); got != 200*time.Millisecond {
		t.Fatalf("attempt 1 = %v, want 200ms", got)
	}
	if got := Backoff(p, "op", 2); got != 400*time.Millisecond {
		t.Fatalf("attempt 2 = %v, want 400ms", got)
	}
	if got := Backoff(p, "op", 10); got != 500*time.Millisecond {
		t.Fatalf("attempt 10 = %v, want cap 500ms", got)
	}
}

func TestJitterIsDeterministicPerKey(t *testing.T) {
	p := Policy{Base: time.Millisecond, Max: time.Second, MaxJitter: 50 * time.Millisecond}

	a := Backoff(p, "ledger-append:env-1", 3)
	b := Backoff(p, "ledger-append:env-1", 3)
	if a != b {
		t.Fatalf("same key must jitter identically: %v != %v", a, b)
	}
	c := Backoff(p, "ledger-append:env-2", 3)
	if a == c {
		t.Fatal("distinct keys should spread")
	}
}

func TestDoStopsOnSuccess(t *testing.T) {
	p := Policy{Base: time.Microsecond, Max: time.Millisecond, MaxAttempts: 5}
	calls := 0
	err := Do(context.Background(), p, "op", func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestDoExhaustsAttempts(t *testing.T) {
	p := Policy{Base: time.Microsecond, Max: time.Millisecond, MaxAttempts: 4}
	sentinel := errors.New("down")
	calls := 0
	err := Do(context.Background(), p, "op", func(context.Context) error {
		calls++
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected wrapped sentinel, got %v", err)
	}
	if calls != 4 {
		t.Fatalf("expected 4 calls, got %d", calls)
	}
}

func TestDoHonorsContext(t *testing.T) {
	p := Policy{Base: time.Hour, Max: time.Hour, MaxAttempts: 3}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := Do(ctx, p, "op", func(context.Context) error { return errors.New("down") })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
